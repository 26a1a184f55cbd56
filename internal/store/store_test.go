package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// fakeClock provides a controllable time source so expiry behavior can be
// tested without sleeping.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStore(ttl time.Duration, clock *fakeClock) *Store {
	s := New(Options{
		TTL:    ttl,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	s.now = clock.Now
	return s
}

// TestPutGetRoundTrip verifies that a stored payload is returned intact with
// its content type and a sanitized display name.
func TestPutGetRoundTrip(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(time.Hour, clock)

	payload := []byte("hello, ephemeral world")
	rec, err := s.Put(payload, "text/plain", "notes.txt")
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if rec.Handle == "" {
		t.Fatal("Put returned a record with an empty handle")
	}
	if rec.Size != int64(len(payload)) {
		t.Errorf("Expected size %d, got %d", len(payload), rec.Size)
	}

	got, ok := s.Get(rec.Handle)
	if !ok {
		t.Fatal("Get reported the freshly stored record as missing")
	}
	if !bytes.Equal(got.Payload, payload) {
		t.Error("Retrieved payload differs from the stored payload")
	}
	if got.ContentType != "text/plain" {
		t.Errorf("Expected content type text/plain, got %q", got.ContentType)
	}
	if got.DisplayName != "notes.txt" {
		t.Errorf("Expected display name notes.txt, got %q", got.DisplayName)
	}
}

// TestPutRejectsOversizedPayload verifies that payloads over the cap fail
// with ErrPayloadTooLarge and leave no record behind.
func TestPutRejectsOversizedPayload(t *testing.T) {
	clock := newFakeClock()
	s := New(Options{
		TTL:      time.Hour,
		MaxBytes: 16,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	s.now = clock.Now

	_, err := s.Put(make([]byte, 17), "application/octet-stream", "big.bin")
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("Expected ErrPayloadTooLarge, got %v", err)
	}
	if s.Len() != 0 {
		t.Errorf("Expected no records after rejected upload, got %d", s.Len())
	}

	// A payload exactly at the cap must still be accepted.
	if _, err := s.Put(make([]byte, 16), "application/octet-stream", "ok.bin"); err != nil {
		t.Errorf("Put at exactly the size cap failed: %v", err)
	}
}

// TestGetLazyExpiry verifies that a record reads as present strictly before
// its expiry instant and as absent from that instant on, without any sweep
// having run.
func TestGetLazyExpiry(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(time.Minute, clock)

	rec, err := s.Put([]byte("short lived"), "text/plain", "a.txt")
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	clock.Advance(59 * time.Second)
	if _, ok := s.Get(rec.Handle); !ok {
		t.Error("Record unavailable before its TTL elapsed")
	}

	clock.Advance(time.Second)
	if _, ok := s.Get(rec.Handle); ok {
		t.Error("Record still readable at exactly its expiry instant")
	}

	clock.Advance(time.Hour)
	if _, ok := s.Get(rec.Handle); ok {
		t.Error("Record still readable long after expiry")
	}

	// The record has not been swept, only hidden from reads.
	if s.Len() != 1 {
		t.Errorf("Expected 1 unswept record, got %d", s.Len())
	}
}

// TestSweepRemovesExactlyExpired verifies that a sweep evicts every record
// at or past its expiry and nothing else.
func TestSweepRemovesExactlyExpired(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(time.Minute, clock)

	old, err := s.Put([]byte("old"), "text/plain", "old.txt")
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	clock.Advance(30 * time.Second)
	fresh, err := s.Put([]byte("fresh"), "text/plain", "fresh.txt")
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	clock.Advance(30 * time.Second)
	if evicted := s.Sweep(clock.Now()); evicted != 1 {
		t.Errorf("Expected sweep to evict 1 record, evicted %d", evicted)
	}

	if _, ok := s.Get(old.Handle); ok {
		t.Error("Expired record survived the sweep")
	}
	if _, ok := s.Get(fresh.Handle); !ok {
		t.Error("Unexpired record was evicted by the sweep")
	}
	if s.Len() != 1 {
		t.Errorf("Expected 1 record after sweep, got %d", s.Len())
	}
}

// TestSweepOnEmptyStore verifies that sweeping an empty store is a no-op.
func TestSweepOnEmptyStore(t *testing.T) {
	s := newTestStore(time.Minute, newFakeClock())
	if evicted := s.Sweep(time.Now()); evicted != 0 {
		t.Errorf("Sweep of empty store evicted %d records", evicted)
	}
}

// TestGetUnknownHandle verifies that lookups of handles that were never
// stored report a miss.
func TestGetUnknownHandle(t *testing.T) {
	s := newTestStore(time.Minute, newFakeClock())
	if _, ok := s.Get("no-such-handle"); ok {
		t.Error("Get returned a record for an unknown handle")
	}
}

// TestHandleUniqueness verifies that repeated Puts never hand out the same
// handle twice.
func TestHandleUniqueness(t *testing.T) {
	s := newTestStore(time.Hour, newFakeClock())

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		rec, err := s.Put([]byte("x"), "text/plain", fmt.Sprintf("f%d", i))
		if err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		if seen[rec.Handle] {
			t.Fatalf("Handle %q issued twice", rec.Handle)
		}
		seen[rec.Handle] = true
	}
}

// TestSanitizeName exercises the display-name sanitation rules.
func TestSanitizeName(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"report.pdf", "report.pdf"},
		{"my holiday photo.jpg", "my holiday photo.jpg"},
		{"../../etc/passwd", ".._.._etc_passwd"},
		{"sprint/review?.txt", "sprint_review_.txt"},
		{"délété.png", "d_l_t_.png"},
		{"", "file"},
		{"<<<>>>", "_"},
		{"under_score-ok.tar.gz", "under_score-ok.tar.gz"},
	}

	for _, tc := range cases {
		if got := SanitizeName(tc.in); got != tc.want {
			t.Errorf("SanitizeName(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

// TestConcurrentAccess runs puts, gets, and sweeps in parallel to surface
// data races in the store's locking. The assertions are deliberately loose;
// the value of the test is running it with -race.
func TestConcurrentAccess(t *testing.T) {
	s := New(Options{TTL: time.Hour, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})

	stop := make(chan struct{})
	var sweeper sync.WaitGroup
	sweeper.Add(1)
	go func() {
		defer sweeper.Done()
		for {
			select {
			case <-stop:
				return
			default:
				s.Sweep(time.Now())
			}
		}
	}()

	var putters sync.WaitGroup
	for i := 0; i < 4; i++ {
		putters.Add(1)
		go func() {
			defer putters.Done()
			for j := 0; j < 50; j++ {
				rec, err := s.Put([]byte("payload"), "text/plain", "c.txt")
				if err != nil {
					t.Errorf("concurrent Put failed: %v", err)
					return
				}
				s.Get(rec.Handle)
			}
		}()
	}

	putters.Wait()
	close(stop)
	sweeper.Wait()
}

// TestSweeperLifecycle verifies that the background sweeper starts, evicts
// expired records on its tick, and stops cleanly.
func TestSweeperLifecycle(t *testing.T) {
	clock := newFakeClock()
	s := New(Options{
		TTL:           time.Minute,
		SweepInterval: 10 * time.Millisecond,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	s.now = clock.Now

	if _, err := s.Put([]byte("doomed"), "text/plain", "d.txt"); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	clock.Advance(2 * time.Minute)

	s.Start(context.Background())
	defer s.Stop()

	deadline := time.After(2 * time.Second)
	for s.Len() != 0 {
		select {
		case <-deadline:
			t.Fatal("sweeper did not evict the expired record in time")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
