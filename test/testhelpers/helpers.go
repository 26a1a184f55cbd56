// Package testhelpers provides common utilities for integration-testing the
// relay server.
//
// It can stand up a complete relay (hub, file store, HTTP routes) on an
// httptest server, dial websocket participants against it, and read framed
// events with timeouts, to keep the integration test files focused on the
// scenarios themselves.
package testhelpers

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/anonfunchat/relay/internal/server"
	"github.com/anonfunchat/relay/internal/store"
)

// Relay is a fully wired relay instance running on an httptest server.
type Relay struct {
	Server *httptest.Server
	Hub    *server.Hub
	Store  *store.Store
}

// StartRelay stands up a hub, file store, and router the same way main does
// and serves them from an httptest server. Everything is torn down through
// t.Cleanup.
func StartRelay(t *testing.T, storeOpts store.Options) *Relay {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if storeOpts.Logger == nil {
		storeOpts.Logger = logger
	}
	if storeOpts.TTL == 0 {
		storeOpts.TTL = time.Hour
	}
	files := store.New(storeOpts)

	hub := server.NewHub(logger)
	go hub.Run()
	t.Cleanup(func() { _ = hub.Shutdown(2 * time.Second) })

	ts := httptest.NewServer(server.SetupRoutes(server.NewHandler(hub, files, logger)))
	t.Cleanup(ts.Close)

	return &Relay{Server: ts, Hub: hub, Store: files}
}

// WebSocketURL converts the relay's HTTP base URL into its websocket
// endpoint URL.
func (r *Relay) WebSocketURL() string {
	return "ws" + strings.TrimPrefix(r.Server.URL, "http") + "/ws"
}

// Participant is one websocket client session against a test relay, with
// buffering for newline-coalesced frames.
type Participant struct {
	Conn    *websocket.Conn
	pending [][]byte
}

// Connect dials the relay's websocket endpoint and returns the participant.
// The connection is closed through t.Cleanup.
func (r *Relay) Connect(t *testing.T) *Participant {
	t.Helper()

	conn, resp, err := websocket.DefaultDialer.Dial(r.WebSocketURL(), nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })

	return &Participant{Conn: conn}
}

// Send frames and writes one event to the relay.
func (p *Participant) Send(t *testing.T, event string, data any) {
	t.Helper()

	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal of %s payload failed: %v", event, err)
	}
	frame, err := json.Marshal(server.Envelope{Event: event, Data: raw})
	if err != nil {
		t.Fatalf("marshal of %s envelope failed: %v", event, err)
	}
	if err := p.Conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("write of %s event failed: %v", event, err)
	}
}

// ReadEvent returns the next event delivered to the participant, waiting up
// to the timeout. The hub's write pump may coalesce several frames into one
// websocket message separated by newlines; ReadEvent splits and queues them.
func (p *Participant) ReadEvent(t *testing.T, timeout time.Duration) *server.Envelope {
	t.Helper()

	if len(p.pending) == 0 {
		if err := p.Conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			t.Fatalf("setting read deadline failed: %v", err)
		}
		_, raw, err := p.Conn.ReadMessage()
		if err != nil {
			t.Fatalf("reading event failed: %v", err)
		}
		p.pending = bytes.Split(raw, []byte{'\n'})
	}

	frame := p.pending[0]
	p.pending = p.pending[1:]

	var env server.Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		t.Fatalf("delivered frame is not an envelope: %v (%s)", err, frame)
	}
	return &env
}

// ExpectSilence asserts that no event arrives for the participant within
// the window.
func (p *Participant) ExpectSilence(t *testing.T, window time.Duration) {
	t.Helper()

	if len(p.pending) > 0 {
		t.Fatalf("unexpected queued event: %s", p.pending[0])
	}
	if err := p.Conn.SetReadDeadline(time.Now().Add(window)); err != nil {
		t.Fatalf("setting read deadline failed: %v", err)
	}
	if _, raw, err := p.Conn.ReadMessage(); err == nil {
		t.Fatalf("unexpected event delivered: %s", raw)
	}
}

// DecodePayload unmarshals an envelope's payload into the given type.
func DecodePayload[T any](t *testing.T, env *server.Envelope) T {
	t.Helper()

	var payload T
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		t.Fatalf("payload decode failed: %v", err)
	}
	return payload
}

// UploadFile posts a multipart upload to the relay and returns the decoded
// response.
func UploadFile(t *testing.T, r *Relay, filename string, payload []byte) map[string]any {
	t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("CreateFormFile failed: %v", err)
	}
	if _, err := part.Write(payload); err != nil {
		t.Fatalf("writing file part failed: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("closing multipart writer failed: %v", err)
	}

	resp, err := http.Post(r.Server.URL+"/upload", mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatalf("upload request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("upload returned %d", resp.StatusCode)
	}

	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("upload response decode failed: %v", err)
	}
	return decoded
}

// AssertStatusCode checks an HTTP response's status code.
func AssertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("Expected status code %d, got %d", expected, resp.StatusCode)
	}
}
