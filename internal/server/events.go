// Package server defines the wire events exchanged over the realtime channel
// and the helpers that decode, default, and frame them.
package server

import (
	"encoding/json"
)

// MaxChatRunes is the length a chat message is truncated to at the hub.
// Truncation is silent; the sender is not notified.
const MaxChatRunes = 2000

// Wire event names. Clients send hello, chat, and fileShared; the hub sends
// chat, fileShared, and system.
const (
	EventHello      = "hello"
	EventChat       = "chat"
	EventFileShared = "fileShared"
	EventSystem     = "system"
)

// Presence kinds carried in system events.
const (
	PresenceJoin  = "join"
	PresenceLeave = "leave"
)

// Envelope is the single frame format on the realtime channel: a tagged
// event name plus its JSON payload.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// HelloRequest is a client's presence announcement after connecting.
type HelloRequest struct {
	Name *string `json:"name,omitempty"`
}

// ChatRequest is an inbound chat message before the hub has stamped it.
type ChatRequest struct {
	Text string  `json:"text"`
	Name *string `json:"name,omitempty"`
}

// ChatMessage is the hub-stamped chat payload fanned out to every
// participant, sender included. Name is null for anonymous senders and At
// is epoch milliseconds assigned at broadcast time.
type ChatMessage struct {
	Text string  `json:"text"`
	Name *string `json:"name"`
	At   int64   `json:"at"`
}

// FileShareEvent announces an uploaded file to the room. Inbound it carries
// whatever handle-derived metadata the sharing client supplies; the hub
// stamps At and passes the rest through without consulting the file store.
type FileShareEvent struct {
	Handle     string  `json:"handle"`
	Filename   string  `json:"filename"`
	Size       int64   `json:"size"`
	Mime       string  `json:"mime"`
	TTLMinutes int     `json:"ttlMinutes"`
	Name       *string `json:"name"`
	At         int64   `json:"at,omitempty"`
}

// PresenceEvent is a hub-originated system notification. Name is only set
// for joins; At is epoch milliseconds.
type PresenceEvent struct {
	Type string  `json:"type"`
	Name *string `json:"name,omitempty"`
	At   int64   `json:"at"`
}

// EncodeEvent frames a payload under the given event name.
func EncodeEvent(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}

// DecodeEnvelope parses a raw frame from a client. It returns an error only
// for frames that are not valid envelope JSON; payload fields are defaulted
// later, never rejected.
func DecodeEnvelope(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// decodeHello coerces a hello payload to safe defaults. A payload that does
// not parse yields an anonymous announcement.
func decodeHello(data json.RawMessage) HelloRequest {
	var req HelloRequest
	if len(data) > 0 {
		_ = json.Unmarshal(data, &req)
	}
	return normalizeName(req)
}

func normalizeName(req HelloRequest) HelloRequest {
	if req.Name != nil && *req.Name == "" {
		req.Name = nil
	}
	return req
}

// decodeChat coerces a chat payload to safe defaults: absent text becomes
// the empty string and an absent or empty name stays anonymous. Misbehaving
// clients get defaults, not errors, so one bad frame never disturbs the room.
func decodeChat(data json.RawMessage) ChatRequest {
	var req ChatRequest
	if len(data) > 0 {
		_ = json.Unmarshal(data, &req)
	}
	if req.Name != nil && *req.Name == "" {
		req.Name = nil
	}
	return req
}

// decodeFileShare coerces a fileShared payload, keeping whatever metadata
// the client supplied. The handle is not checked against the store; a
// fabricated handle just fails at download time.
func decodeFileShare(data json.RawMessage) FileShareEvent {
	var ev FileShareEvent
	if len(data) > 0 {
		_ = json.Unmarshal(data, &ev)
	}
	if ev.Name != nil && *ev.Name == "" {
		ev.Name = nil
	}
	ev.At = 0 // stamped by the hub
	return ev
}

// TruncateChatText caps chat text at MaxChatRunes characters, counting
// runes so multi-byte text is never split mid-character.
func TruncateChatText(text string) string {
	runes := []rune(text)
	if len(runes) <= MaxChatRunes {
		return text
	}
	return string(runes[:MaxChatRunes])
}
