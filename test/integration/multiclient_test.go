package integration

import (
	"fmt"
	"testing"
	"time"

	"github.com/anonfunchat/relay/internal/server"
	"github.com/anonfunchat/relay/internal/store"
	"github.com/anonfunchat/relay/test/testhelpers"
)

// TestBroadcastReachesEveryParticipant connects a room of participants and
// verifies that a single chat message is delivered to every one of them,
// sender included.
func TestBroadcastReachesEveryParticipant(t *testing.T) {
	const roomSize = 5

	relay := testhelpers.StartRelay(t, store.Options{})

	participants := make([]*testhelpers.Participant, roomSize)
	for i := range participants {
		participants[i] = relay.Connect(t)
	}

	participants[0].Send(t, server.EventChat, map[string]any{
		"text": "hello everyone",
		"name": "zero",
	})

	for i, p := range participants {
		env := p.ReadEvent(t, 2*time.Second)
		if env.Event != server.EventChat {
			t.Fatalf("participant %d received %q, expected chat", i, env.Event)
		}
		msg := testhelpers.DecodePayload[server.ChatMessage](t, env)
		if msg.Text != "hello everyone" {
			t.Errorf("participant %d received wrong text: %q", i, msg.Text)
		}
		if msg.Name == nil || *msg.Name != "zero" {
			t.Errorf("participant %d received wrong sender name: %v", i, msg.Name)
		}
	}
}

// TestInterleavedSendersKeepArrivalOrder verifies that messages from
// multiple senders arrive at an observer in a consistent order: the hub
// serializes broadcasts, so each observer sees every message exactly once.
func TestInterleavedSendersKeepArrivalOrder(t *testing.T) {
	const (
		senders  = 3
		messages = 5
	)

	relay := testhelpers.StartRelay(t, store.Options{})

	observer := relay.Connect(t)
	for i := 0; i < senders; i++ {
		sender := relay.Connect(t)
		for j := 0; j < messages; j++ {
			sender.Send(t, server.EventChat, map[string]any{
				"text": fmt.Sprintf("s%d-m%d", i, j),
			})
		}
	}

	// None of the senders announced presence, so the observer sees chat
	// events only.
	seen := make(map[string]bool)
	for i := 0; i < senders*messages; i++ {
		env := observer.ReadEvent(t, 2*time.Second)
		if env.Event != server.EventChat {
			t.Fatalf("expected chat event, got %q", env.Event)
		}
		msg := testhelpers.DecodePayload[server.ChatMessage](t, env)
		if seen[msg.Text] {
			t.Errorf("message %q delivered twice", msg.Text)
		}
		seen[msg.Text] = true
	}

	if len(seen) != senders*messages {
		t.Errorf("Expected %d distinct messages, got %d", senders*messages, len(seen))
	}
}
