// Package hub fans task events out to connected observers.
//
// Each subscriber owns a bounded queue. Publish never waits on a subscriber:
// when a queue is full the subscriber is evicted and its channel closed, so
// it has to resubscribe. Events reach every subscriber in publish order.
package hub

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	EventTaskCreated  = "taskCreated"
	EventTaskUpdated  = "taskUpdated"
	EventTaskDeleted  = "taskDeleted"
	EventActionLogged = "actionLogged"
)

// Names lists the event catalogue.
var Names = []string{EventTaskCreated, EventTaskUpdated, EventTaskDeleted, EventActionLogged}

const DefaultBuffer = 64

type Event struct {
	Seq     uint64    `json:"seq"`
	Name    string    `json:"type"`
	Payload any       `json:"payload"`
	At      time.Time `json:"ts"`
}

// Subscription is an observer handle.
type Subscription struct {
	id      uint64
	name    string
	events  chan Event
	once    sync.Once
	evicted bool
}

func (s *Subscription) ID() uint64 { return s.id }

func (s *Subscription) Name() string { return s.name }

// Events is closed when the subscription ends.
func (s *Subscription) Events() <-chan Event { return s.events }

func (s *Subscription) close() {
	s.once.Do(func() { close(s.events) })
}

type Hub struct {
	mu     sync.Mutex
	subs   map[uint64]*Subscription
	nextID uint64
	seq    uint64
	closed bool

	buffer int
	log    logrus.FieldLogger
	now    func() time.Time
}

// New returns a hub whose subscribers buffer up to buffer events.
func New(buffer int, log logrus.FieldLogger) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Hub{
		subs:   make(map[uint64]*Subscription),
		buffer: buffer,
		log:    log.WithField("component", "hub"),
		now:    time.Now,
	}
}

// Subscribe registers an observer. On a closed hub the returned
// subscription's channel is already closed.
func (h *Hub) Subscribe(name string) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	s := &Subscription{id: h.nextID, name: name, events: make(chan Event, h.buffer)}
	if h.closed {
		s.close()
		return s
	}
	h.subs[s.id] = s
	h.log.WithFields(logrus.Fields{"subscriber": name, "id": s.id}).Debug("subscribed")
	return s
}

// Unsubscribe removes s. It reports whether s was still registered.
func (h *Hub) Unsubscribe(s *Subscription) bool {
	if s == nil {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.subs[s.id]
	if ok {
		delete(h.subs, s.id)
	}
	s.close()
	return ok
}

// Publish stamps the next sequence number on the event and enqueues it for
// every subscriber without blocking.
func (h *Hub) Publish(name string, payload any) Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seq++
	evt := Event{Seq: h.seq, Name: name, Payload: payload, At: h.now().UTC()}
	if h.closed {
		return evt
	}
	for id, s := range h.subs {
		select {
		case s.events <- evt:
		default:
			delete(h.subs, id)
			s.evicted = true
			s.close()
			h.log.WithFields(logrus.Fields{"subscriber": s.name, "id": id, "event": name, "seq": evt.Seq}).
				Warn("subscriber queue full; evicted")
		}
	}
	return evt
}

// Evicted reports whether the hub dropped s for falling behind.
func (h *Hub) Evicted(s *Subscription) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return s.evicted
}

// SubscribeFunc runs fn for every event in its own goroutine until ctx is
// done, the subscription is closed, or fn returns an error. The returned
// channel closes when the loop exits.
func (h *Hub) SubscribeFunc(ctx context.Context, name string, fn func(Event) error) (*Subscription, <-chan struct{}) {
	s := h.Subscribe(name)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer h.Unsubscribe(s)
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-s.Events():
				if !ok {
					return
				}
				if err := h.safeCall(fn, evt); err != nil {
					h.log.WithFields(logrus.Fields{"subscriber": name, "event": evt.Name, "seq": evt.Seq}).
						WithError(err).Warn("observer failed; unsubscribing")
					return
				}
			}
		}
	}()
	return s, done
}

func (h *Hub) safeCall(fn func(Event) error, evt Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("observer panic: %v", r)
			h.log.WithField("stack", string(debug.Stack())).Error(err)
		}
	}()
	return fn(evt)
}

// Count returns the number of live subscribers.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close ends every subscription. Later Publish calls deliver nothing.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, s := range h.subs {
		delete(h.subs, id)
		s.close()
	}
}
