// Package hub fans out change notifications to live connections.
//
// Each member owns a bounded outbound queue drained by its own writer
// goroutine, so one slow connection never delays the others and frames
// reach each member in the order they were enqueued. Delivery is best
// effort: a member whose queue overflows or whose write fails is marked
// failed and stops receiving; its session observes Failed() and leaves.
package hub

import (
	"context"
	"log"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/Mschirtzinger/quill/internal/telemetry"
)

// Sender writes one frame to a connection.
type Sender interface {
	Send(ctx context.Context, frame []byte) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, frame []byte) error

func (f SenderFunc) Send(ctx context.Context, frame []byte) error { return f(ctx, frame) }

// Config holds hub options.
type Config struct {
	// QueueSize bounds each member's outbound queue (default: 256).
	QueueSize int

	// WriteTimeout bounds a single frame write (default: 5s).
	WriteTimeout time.Duration

	// Logger for hub activity (default: stderr with [hub] prefix).
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		QueueSize:    256,
		WriteTimeout: 5 * time.Second,
		Logger:       log.New(os.Stderr, "[hub] ", log.LstdFlags),
	}
}

// Hub is the registry of live members.
type Hub struct {
	cfg    Config
	logger *log.Logger

	mu      sync.RWMutex
	members map[string]*Member

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	broadcasts metric.Int64Counter
	dropped    metric.Int64Counter
}

// New creates a hub.
func New(cfg Config) *Hub {
	def := DefaultConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = def.Logger
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		cfg:        cfg,
		logger:     cfg.Logger,
		members:    make(map[string]*Member),
		ctx:        ctx,
		cancel:     cancel,
		broadcasts: telemetry.Counter("hub", "quill.hub.broadcasts", "Frames enqueued for broadcast"),
		dropped:    telemetry.Counter("hub", "quill.hub.dropped", "Members marked failed"),
	}
}

// Member is one registered connection.
type Member struct {
	id     string
	sender Sender
	hub    *Hub

	out    chan []byte
	failed chan struct{}
	once   sync.Once
}

// ID returns the member's connection id.
func (m *Member) ID() string { return m.id }

// Failed is closed once the member stops receiving frames.
func (m *Member) Failed() <-chan struct{} { return m.failed }

// Enqueue queues a frame for this member without blocking. It returns false
// and marks the member failed when the queue is full.
func (m *Member) Enqueue(frame []byte) bool {
	select {
	case <-m.failed:
		return false
	default:
	}
	select {
	case m.out <- frame:
		return true
	default:
		m.fail("outbound queue full")
		return false
	}
}

func (m *Member) fail(reason string) {
	m.once.Do(func() {
		m.hub.logger.Printf("Member %s failed: %s", m.id, reason)
		m.hub.dropped.Add(m.hub.ctx, 1)
		close(m.failed)
	})
}

func (m *Member) writeLoop() {
	defer m.hub.wg.Done()
	for {
		select {
		case <-m.failed:
			return
		case <-m.hub.ctx.Done():
			return
		case frame := <-m.out:
			ctx, cancel := context.WithTimeout(m.hub.ctx, m.hub.cfg.WriteTimeout)
			err := m.sender.Send(ctx, frame)
			cancel()
			if err != nil {
				m.fail(err.Error())
				return
			}
		}
	}
}

// Join registers a connection and starts its writer. Joining with an id
// that is already registered replaces the previous member.
func (h *Hub) Join(id string, sender Sender) *Member {
	m := &Member{
		id:     id,
		sender: sender,
		hub:    h,
		out:    make(chan []byte, h.cfg.QueueSize),
		failed: make(chan struct{}),
	}

	h.mu.Lock()
	prev := h.members[id]
	h.members[id] = m
	count := len(h.members)
	h.wg.Add(1)
	h.mu.Unlock()

	if prev != nil {
		prev.fail("replaced")
	}
	go m.writeLoop()
	h.logger.Printf("Member %s joined (total: %d)", id, count)
	return m
}

// Leave removes a member and stops its writer. A member that was already
// replaced under the same id leaves the replacement registered.
func (h *Hub) Leave(m *Member) {
	h.mu.Lock()
	current, ok := h.members[m.id]
	if ok && current == m {
		delete(h.members, m.id)
	}
	count := len(h.members)
	h.mu.Unlock()

	m.fail("left")
	if ok && current == m {
		h.logger.Printf("Member %s left (total: %d)", m.id, count)
	}
}

// Broadcast enqueues frame for every member except the one whose id equals
// except. It never blocks on a member.
func (h *Hub) Broadcast(frame []byte, except string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	sent := 0
	for id, m := range h.members {
		if id == except {
			continue
		}
		if m.Enqueue(frame) {
			sent++
		}
	}
	h.broadcasts.Add(h.ctx, 1)
	return sent
}

// Count returns the number of registered members.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.members)
}

// Close stops every writer. Members are not notified; sessions observe
// their Failed channel.
func (h *Hub) Close() {
	h.mu.Lock()
	for id, m := range h.members {
		m.fail("hub closed")
		delete(h.members, id)
	}
	h.mu.Unlock()
	h.cancel()
	h.wg.Wait()
}
