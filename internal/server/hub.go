// Package server coordinates participant registration, typed event fan-out,
// and connection cleanup for the relay via the Hub type.
package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	participantsConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_participants_connected",
		Help: "Number of participants currently connected to the hub",
	})
	broadcastsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_broadcasts_total",
		Help: "Number of events fanned out by the hub, by event kind",
	}, []string{"kind"})
	droppedSendsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_dropped_sends_total",
		Help: "Number of per-participant deliveries dropped because the send buffer was full",
	})
)

// inboundEvent is one client-originated event awaiting hub processing.
// Exactly one of hello, chat, and share is meaningful, selected by kind.
type inboundEvent struct {
	sender *Client
	kind   string
	hello  HelloRequest
	chat   ChatRequest
	share  FileShareEvent
}

// Hub owns the set of connected participants and fans chat, file-share, and
// presence events out to them. All state transitions run on the single Run
// goroutine, so broadcasts, registrations, and removals execute as discrete
// non-overlapping steps; the mutex exists so delivery snapshots can be read
// outside the loop.
type Hub struct {
	clients    map[*Client]bool
	events     chan inboundEvent
	register   chan *Client
	unregister chan *Client

	mutex  sync.RWMutex
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	now    func() time.Time
	logger *slog.Logger
}

// NewHub creates a Hub ready to accept participants. Run must be started in
// its own goroutine before clients are registered.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:    make(map[*Client]bool),
		events:     make(chan inboundEvent),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		now:        time.Now,
		logger:     logger.With(slog.String("component", "hub")),
	}
}

// Register hands a new participant to the hub's event loop. A no-op once
// the hub is shutting down.
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.ctx.Done():
	}
}

// Unregister reports a participant's transport-level disconnect. The hub
// removes it and announces a leave to everyone still connected. Duplicate
// reports for the same participant are ignored. Once the hub is shutting
// down there is no loop left to receive the report, so Unregister returns
// immediately rather than blocking a pump goroutine forever.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.ctx.Done():
	}
}

// AnnounceJoin broadcasts a join presence event to every participant except
// the one joining.
func (h *Hub) AnnounceJoin(sender *Client, req HelloRequest) {
	h.submit(inboundEvent{sender: sender, kind: EventHello, hello: req})
}

// BroadcastChat stamps and delivers a chat message to all participants,
// the sender included. Text longer than MaxChatRunes is silently truncated.
func (h *Hub) BroadcastChat(sender *Client, req ChatRequest) {
	h.submit(inboundEvent{sender: sender, kind: EventChat, chat: req})
}

// BroadcastFileShare stamps and delivers a file-share announcement to all
// participants, the sender included. The handle is trusted as announced; a
// stale or fabricated one simply fails at download time.
func (h *Hub) BroadcastFileShare(sender *Client, share FileShareEvent) {
	h.submit(inboundEvent{sender: sender, kind: EventFileShared, share: share})
}

// submit queues an inbound event for the loop, dropping it if the hub is
// shutting down.
func (h *Hub) submit(ev inboundEvent) {
	select {
	case h.events <- ev:
	case <-h.ctx.Done():
	}
}

// Run is the hub's event loop. It owns every mutation of the participant
// set and must be running for the lifetime of the process.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			if client == nil {
				h.logger.Warn("nil client registration skipped")
				continue
			}
			h.addClient(client)

		case client := <-h.unregister:
			if h.removeClient(client) {
				h.broadcastPresence(PresenceEvent{Type: PresenceLeave, At: h.now().UnixMilli()}, nil)
			}

		case ev := <-h.events:
			h.handleEvent(ev)
		}
	}
}

func (h *Hub) addClient(client *Client) {
	h.mutex.Lock()
	client.closed = false
	h.clients[client] = true
	count := len(h.clients)
	h.mutex.Unlock()

	participantsConnected.Inc()
	h.logger.Info("participant connected",
		slog.String("addr", client.addr),
		slog.Int("participants", count),
	)

	// Conn-less clients exist only in tests; they have no pumps to run.
	if client.conn == nil {
		return
	}
	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		client.writePump()
	}()
	go func() {
		defer h.wg.Done()
		client.readPump()
	}()
}

// removeClient takes a participant out of the set and closes its send
// channel. It reports whether the client was still registered.
func (h *Hub) removeClient(client *Client) bool {
	h.mutex.Lock()
	if _, ok := h.clients[client]; !ok {
		h.mutex.Unlock()
		return false
	}
	delete(h.clients, client)
	client.closed = true
	count := len(h.clients)
	h.mutex.Unlock()

	// Close the channel only after releasing the lock.
	close(client.send)
	participantsConnected.Dec()
	h.logger.Info("participant disconnected",
		slog.String("addr", client.addr),
		slog.Int("participants", count),
	)
	return true
}

// handleEvent stamps an inbound event with the hub clock and fans it out.
// Chat and file-share events echo back to the sender; joins do not.
func (h *Hub) handleEvent(ev inboundEvent) {
	at := h.now().UnixMilli()

	switch ev.kind {
	case EventHello:
		h.broadcastPresence(PresenceEvent{Type: PresenceJoin, Name: ev.hello.Name, At: at}, ev.sender)

	case EventChat:
		msg := ChatMessage{
			Text: TruncateChatText(ev.chat.Text),
			Name: ev.chat.Name,
			At:   at,
		}
		h.fanOut(EventChat, msg, nil)

	case EventFileShared:
		share := ev.share
		share.At = at
		h.fanOut(EventFileShared, share, nil)

	default:
		h.logger.Warn("unknown event kind dropped", slog.String("kind", ev.kind))
	}
}

// broadcastPresence delivers a system event to every participant except the
// excluded one: the joiner for joins, nobody for leaves.
func (h *Hub) broadcastPresence(ev PresenceEvent, exclude *Client) {
	h.fanOut(EventSystem, ev, exclude)
}

// fanOut frames the payload once and delivers it to every registered
// participant except exclude. Participants whose send buffers are full are
// evicted; delivery is fire-and-forget with no acknowledgment or retry.
func (h *Hub) fanOut(event string, payload any, exclude *Client) {
	frame, err := EncodeEvent(event, payload)
	if err != nil {
		h.logger.Error("failed to encode event",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
		return
	}

	broadcastsTotal.WithLabelValues(event).Inc()

	var failed []*Client
	for _, client := range h.clientSnapshot() {
		if client == exclude {
			continue
		}
		if !h.safeSend(client, frame) {
			failed = append(failed, client)
		}
	}
	h.removeFailedClients(failed)
}

// clientSnapshot returns a stable view of the participant set so delivery
// can proceed without holding the lock across every send.
func (h *Hub) clientSnapshot() []*Client {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	return clients
}

func (h *Hub) safeSend(client *Client, frame []byte) bool {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Warn("recovered from send on closed channel", slog.Any("panic", r))
		}
	}()

	h.mutex.RLock()
	defer h.mutex.RUnlock()

	if _, ok := h.clients[client]; !ok || client.closed {
		return false
	}

	select {
	case client.send <- frame:
		return true
	default:
		droppedSendsTotal.Inc()
		return false
	}
}

// removeFailedClients evicts participants that could not be delivered to
// and announces their departure to the rest of the room.
func (h *Hub) removeFailedClients(failed []*Client) {
	for _, client := range failed {
		if h.removeClient(client) {
			h.logger.Warn("participant evicted, send buffer full", slog.String("addr", client.addr))
			h.broadcastPresence(PresenceEvent{Type: PresenceLeave, At: h.now().UnixMilli()}, nil)
		}
	}
}

// shutdownClients tears down every remaining participant during hub
// shutdown. Each is removed from the set and has its send channel closed,
// which wakes its write pump so the goroutine can say goodbye and exit;
// closing the connection unblocks the read pump the same way.
func (h *Hub) shutdownClients() {
	h.mutex.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
		client.closed = true
		delete(h.clients, client)
	}
	h.mutex.Unlock()

	for _, client := range clients {
		close(client.send)
		if client.conn != nil {
			if err := client.conn.Close(); err != nil && !isExpectedCloseError(err) {
				h.logger.Warn("error closing connection",
					slog.String("addr", client.addr),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	participantsConnected.Sub(float64(len(clients)))
	h.logger.Info("closed client connections", slog.Int("count", len(clients)))
}

// Shutdown stops the event loop, closes all connections, and waits for the
// pump goroutines to finish or the timeout to pass.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.logger.Info("hub shutdown initiated")

	h.cancel()
	<-h.done

	finished := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		h.logger.Info("hub shutdown completed")
		return nil
	case <-time.After(timeout):
		h.logger.Warn("hub shutdown timed out")
		return context.DeadlineExceeded
	}
}
