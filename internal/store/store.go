// Package store implements the ephemeral in-memory file cache backing the
// relay's upload and download endpoints. Records live for a configurable TTL
// and are reclaimed both lazily on read and eagerly by a background sweeper.
package store

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ErrPayloadTooLarge is returned by Put when a payload exceeds the store's
// configured maximum size. No record is created in that case.
var ErrPayloadTooLarge = errors.New("payload exceeds maximum file size")

// DefaultMaxBytes is the upload size cap applied when no explicit limit is
// configured: 50 MiB, matching the transport-level multipart cap.
const DefaultMaxBytes = 50 << 20

// DefaultSweepInterval is how often the background sweeper scans for expired
// records when no interval is configured.
const DefaultSweepInterval = time.Minute

var (
	filesStored = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_files_stored",
		Help: "Number of file records currently held in the ephemeral store",
	})
	bytesStored = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_files_stored_bytes",
		Help: "Total payload bytes currently held in the ephemeral store",
	})
	sweepRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_sweep_runs_total",
		Help: "Number of completed sweep passes over the file store",
	})
	sweepEvictedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_sweep_evictions_total",
		Help: "Number of expired file records removed by the sweeper",
	})
	expiredReadsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_expired_reads_total",
		Help: "Number of lookups that hit a record already past its TTL",
	})
)

// unsafeNameChars matches every run of characters that may not appear in a
// display filename. Matches the sanitation rule used by the upload endpoint
// since the first release: word characters, dash, dot, and space survive.
var unsafeNameChars = regexp.MustCompile(`[^\w\-. ]+`)

// Record is a single stored file. Records are immutable after creation; the
// store replaces them only by eviction.
type Record struct {
	Handle      string
	Payload     []byte
	ContentType string
	DisplayName string
	Size        int64
	ExpiresAt   time.Time
}

// Store is a TTL-bounded in-memory cache mapping opaque handles to file
// records. All mutation goes through Put, Get, and Sweep under a single
// mutex, so the background sweeper may interleave with request handling at
// any point. The store imposes no entry-count cap: memory use is bounded
// only by TTL times upload rate times the per-file size limit.
type Store struct {
	mu      sync.RWMutex
	records map[string]*Record

	ttl           time.Duration
	maxBytes      int64
	sweepInterval time.Duration

	now    func() time.Time
	logger *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// Options configures a Store. Zero values fall back to defaults.
type Options struct {
	// TTL is how long a record stays retrievable after Put.
	TTL time.Duration
	// MaxBytes is the largest accepted payload; DefaultMaxBytes when zero.
	MaxBytes int64
	// SweepInterval is the sweeper period; DefaultSweepInterval when zero.
	SweepInterval time.Duration
	// Logger receives sweep and eviction events; slog.Default when nil.
	Logger *slog.Logger
}

// New creates a Store with the given options. The background sweeper is not
// started until Start is called.
func New(opts Options) *Store {
	if opts.TTL <= 0 {
		opts.TTL = time.Hour
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Store{
		records:       make(map[string]*Record),
		ttl:           opts.TTL,
		maxBytes:      opts.MaxBytes,
		sweepInterval: opts.SweepInterval,
		now:           time.Now,
		logger:        logger.With(slog.String("component", "filestore")),
	}
}

// TTL returns the configured record lifetime.
func (s *Store) TTL() time.Duration {
	return s.ttl
}

// TTLMinutes returns the configured lifetime in whole minutes, the unit the
// upload response and file-share announcements use.
func (s *Store) TTLMinutes() int {
	return int(s.ttl / time.Minute)
}

// MaxBytes returns the largest payload Put will accept.
func (s *Store) MaxBytes() int64 {
	return s.maxBytes
}

// Put stores a payload under a freshly generated handle and returns the
// resulting record. The requested name is reduced to a safe display form;
// an empty name becomes "file". Payloads over the size cap are rejected
// with ErrPayloadTooLarge and leave no state behind.
func (s *Store) Put(payload []byte, contentType, requestedName string) (*Record, error) {
	if int64(len(payload)) > s.maxBytes {
		return nil, ErrPayloadTooLarge
	}

	rec := &Record{
		Handle:      uuid.NewString(),
		Payload:     payload,
		ContentType: contentType,
		DisplayName: SanitizeName(requestedName),
		Size:        int64(len(payload)),
		ExpiresAt:   s.now().Add(s.ttl),
	}

	s.mu.Lock()
	s.records[rec.Handle] = rec
	s.mu.Unlock()

	filesStored.Inc()
	bytesStored.Add(float64(rec.Size))

	s.logger.Debug("file stored",
		slog.String("handle", rec.Handle),
		slog.String("filename", rec.DisplayName),
		slog.Int64("size", rec.Size),
	)
	return rec, nil
}

// Get returns the record for a handle, or false when the handle is unknown
// or the record's TTL has elapsed. The expiry check is performed on every
// read so a record the sweeper has not reached yet still reads as absent.
func (s *Store) Get(handle string) (*Record, bool) {
	s.mu.RLock()
	rec, ok := s.records[handle]
	s.mu.RUnlock()

	if !ok {
		return nil, false
	}
	if !s.now().Before(rec.ExpiresAt) {
		expiredReadsTotal.Inc()
		return nil, false
	}
	return rec, true
}

// Sweep removes every record whose expiry is at or before now and returns
// the number evicted. Unexpired records are left untouched.
func (s *Store) Sweep(now time.Time) int {
	s.mu.Lock()
	var evicted int
	var freed int64
	for handle, rec := range s.records {
		if !rec.ExpiresAt.After(now) {
			delete(s.records, handle)
			evicted++
			freed += rec.Size
		}
	}
	s.mu.Unlock()

	sweepRunsTotal.Inc()
	if evicted > 0 {
		sweepEvictedTotal.Add(float64(evicted))
		filesStored.Sub(float64(evicted))
		bytesStored.Sub(float64(freed))
		s.logger.Info("sweep completed",
			slog.Int("evicted", evicted),
			slog.Int64("freed_bytes", freed),
		)
	}
	return evicted
}

// Len reports the number of records currently held, including any that have
// expired but not yet been swept.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Start launches the background sweeper goroutine. It runs until the passed
// context is cancelled or Stop is called.
func (s *Store) Start(ctx context.Context) {
	sweepCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.run(sweepCtx)

	s.logger.Info("sweeper started",
		slog.String("interval", s.sweepInterval.String()),
		slog.String("ttl", s.ttl.String()),
	)
}

// Stop halts the background sweeper and waits for it to exit. Safe to call
// when Start was never invoked.
func (s *Store) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.logger.Info("sweeper stopped")
}

func (s *Store) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(s.now())
		}
	}
}

// SanitizeName reduces a requested filename to its safe display form:
// characters outside word characters, dash, dot, and space collapse to a
// single underscore per run, and an empty result falls back to "file".
func SanitizeName(name string) string {
	cleaned := unsafeNameChars.ReplaceAllString(name, "_")
	if cleaned == "" {
		return "file"
	}
	return cleaned
}
