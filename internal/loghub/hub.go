// Package loghub fans out one job's output to any number of subscribers.
//
// Every hub keeps a bounded ring of recent entries. A new subscriber gets the
// ring as replay and then a live feed; each subscriber has its own bounded
// queue and loses its oldest unread entries when it falls behind, so Publish
// never blocks.
package loghub

import (
	"sync"
	"time"
)

// Kind classifies hub entries.
type Kind string

const (
	KindLog    Kind = "log"
	KindStatus Kind = "status"
	KindEnd    Kind = "end"
)

// Entry is one published item.
type Entry struct {
	Seq    uint64    `json:"seq"`
	Time   time.Time `json:"time"`
	Kind   Kind      `json:"kind"`
	Stream string    `json:"stream,omitempty"`
	Line   string    `json:"line"`
}

// Options configures a hub.
type Options struct {
	// Capacity is the replay ring size. Defaults to 2000.
	Capacity int
	// QueueSize is the per-subscriber queue size. Defaults to 256.
	QueueSize int
	// OnDrop is called with the number of entries a slow subscriber lost.
	OnDrop func(n int)
	Now    func() time.Time
}

// Hub is a single-producer broadcast with replay.
type Hub struct {
	capacity  int
	queueSize int
	onDrop    func(int)
	now       func() time.Time

	mu     sync.Mutex
	ring   []Entry
	head   int
	size   int
	seq    uint64
	subs   map[*Subscription]struct{}
	closed bool
}

// New creates a hub.
func New(opts Options) *Hub {
	if opts.Capacity <= 0 {
		opts.Capacity = 2000
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Hub{
		capacity:  opts.Capacity,
		queueSize: opts.QueueSize,
		onDrop:    opts.OnDrop,
		now:       opts.Now,
		ring:      make([]Entry, opts.Capacity),
		subs:      make(map[*Subscription]struct{}),
	}
}

// Publish appends a log line. It returns false once the hub is closed.
func (h *Hub) Publish(stream, line string) bool {
	return h.publish(KindLog, stream, line)
}

// PublishStatus appends a state change so subscribers see it in order with log lines.
func (h *Hub) PublishStatus(status string) bool {
	return h.publish(KindStatus, "", status)
}

func (h *Hub) publish(kind Kind, stream, line string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.appendLocked(kind, stream, line)
	return true
}

func (h *Hub) appendLocked(kind Kind, stream, line string) {
	h.seq++
	e := Entry{Seq: h.seq, Time: h.now(), Kind: kind, Stream: stream, Line: line}

	idx := (h.head + h.size) % h.capacity
	if h.size < h.capacity {
		h.size++
	} else {
		h.head = (h.head + 1) % h.capacity
	}
	h.ring[idx] = e

	for s := range h.subs {
		if n := s.deliver(e); n > 0 && h.onDrop != nil {
			h.onDrop(n)
		}
	}
}

// Subscribe returns the buffered history and a subscription for everything published after it.
// Subscribing to a closed hub returns the full history, ending with the terminal marker, and a
// subscription whose channel is already closed.
func (h *Hub) Subscribe() ([]Entry, *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	replay := h.snapshotLocked()
	s := &Subscription{hub: h, ch: make(chan Entry, h.queueSize)}
	if h.closed {
		s.closed = true
		close(s.ch)
		return replay, s
	}
	h.subs[s] = struct{}{}
	return replay, s
}

// Snapshot returns the buffered entries in publish order.
func (h *Hub) Snapshot() []Entry {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snapshotLocked()
}

func (h *Hub) snapshotLocked() []Entry {
	out := make([]Entry, h.size)
	for i := 0; i < h.size; i++ {
		out[i] = h.ring[(h.head+i)%h.capacity]
	}
	return out
}

// Close publishes the terminal marker and releases all subscribers. Safe to call more than once.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.appendLocked(KindEnd, "", "")
	h.closed = true
	for s := range h.subs {
		s.closeLocked()
	}
	h.subs = nil
}

// Closed reports whether Close has been called.
func (h *Hub) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Subscription is one subscriber's live feed.
type Subscription struct {
	hub     *Hub
	ch      chan Entry
	dropped uint64
	closed  bool
}

// C returns the live channel. It is closed after the terminal marker or on Close.
func (s *Subscription) C() <-chan Entry {
	return s.ch
}

// Dropped returns how many entries this subscriber lost to backpressure.
func (s *Subscription) Dropped() uint64 {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	return s.dropped
}

// Close unsubscribes. Safe to call concurrently with publishing and more than once.
func (s *Subscription) Close() {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	if s.closed {
		return
	}
	delete(s.hub.subs, s)
	s.closeLocked()
}

func (s *Subscription) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// deliver enqueues e, evicting the oldest unread entry when the queue is full.
// Called with the hub lock held, which is the only place entries are sent.
func (s *Subscription) deliver(e Entry) int {
	dropped := 0
	for {
		select {
		case s.ch <- e:
			return dropped
		default:
		}
		select {
		case <-s.ch:
			s.dropped++
			dropped++
		default:
		}
	}
}
