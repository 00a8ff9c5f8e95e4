// Package bus multiplexes the single feed connection to many consumers. Each
// consumer registers a callback and a set of instrument tokens; the bus keeps
// the union of all interest sets subscribed upstream and delivers every
// decoded tick, plus a synthetic Disconnected event, to every live consumer.
//
// Once Unregister returns, the consumer's handler is not running and will not
// be called again. A handler may unregister other consumers but must not
// unregister its own subscription, since that call would wait on itself.
package bus

import (
	"log"
	"sync"
	"sync/atomic"

	"tradewatch/internal/model"
)

// EventType distinguishes ticks from connection notices.
type EventType int

const (
	EventTick EventType = iota
	EventDisconnected
)

func (t EventType) String() string {
	if t == EventDisconnected {
		return "disconnected"
	}
	return "tick"
}

// Event is what consumers receive. Tick is zero for Disconnected events.
type Event struct {
	Type EventType
	Tick model.Tick
}

// Handler receives events on the feed's read goroutine. Handlers must not
// block; slow consumers should use Chan.
type Handler func(Event)

// Sender is the upstream subscription sink, satisfied by *stream.Conn.
type Sender interface {
	Send(payload string) error
}

type subscriber struct {
	id       string
	handler  Handler
	interest []string
	active   atomic.Bool

	// gate is read-held for each handler call; remove takes it exclusively
	// to wait out a call in flight.
	gate sync.RWMutex
}

// Bus is the process-wide subscriber registry and fan-out point.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]*subscriber
	list []*subscriber // copy-on-write; Publish iterates without holding mu

	syncMu   sync.Mutex // serializes union recompute and send
	sender   Sender
	lastSent string
	sent     bool

	// OnPanic is called when a handler panics. The panic is swallowed.
	OnPanic func(id string, recovered any)

	// OnDrop is called when a channel consumer's buffer is full.
	OnDrop func(id string)

	// OnSubscribe is called after each upstream subscription send with the
	// number of tokens in the union.
	OnSubscribe func(tokens int)
}

// New creates a Bus that subscribes upstream through sender.
func New(sender Sender) *Bus {
	return &Bus{
		subs:   make(map[string]*subscriber),
		sender: sender,
	}
}

// Publish delivers ev to every registered consumer. A consumer unregistered
// during delivery, including by an earlier handler in the same pass, is
// skipped.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	list := b.list
	b.mu.RUnlock()

	for _, s := range list {
		b.invoke(s, ev)
	}
}

// PublishTick wraps a decoded tick in an Event and publishes it.
func (b *Bus) PublishTick(t model.Tick) {
	b.Publish(Event{Type: EventTick, Tick: t})
}

// Disconnected notifies all consumers that the feed connection closed.
func (b *Bus) Disconnected() {
	b.Publish(Event{Type: EventDisconnected})
}

func (b *Bus) invoke(s *subscriber, ev Event) {
	s.gate.RLock()
	defer s.gate.RUnlock()
	if !s.active.Load() {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			if b.OnPanic != nil {
				b.OnPanic(s.id, r)
			} else {
				log.Printf("[bus] subscriber %s panicked on %s: %v", s.id, ev.Type, r)
			}
		}
	}()
	s.handler(ev)
}

// Stats describes the registry for health reporting.
type Stats struct {
	Subscribers int `json:"subscribers"`
	Tokens      int `json:"tokens"`
}

// Stats returns the current subscriber count and union size.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Stats{Subscribers: len(b.list), Tokens: len(unionLocked(b.list))}
}
