package bus

import (
	"log"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// Subscription is a consumer's handle on the bus.
type Subscription struct {
	bus *Bus
	sub *subscriber
}

// ID returns the subscriber id.
func (s *Subscription) ID() string { return s.sub.id }

// SetInterest replaces the consumer's token set and resubscribes upstream if
// the union changed.
func (s *Subscription) SetInterest(tokens []string) {
	s.bus.setInterest(s.sub, tokens)
}

// Unregister removes the consumer. It waits for a handler call already in
// progress on another goroutine; no call starts afterwards, even if a Publish
// pass is under way. Calling it twice is safe.
func (s *Subscription) Unregister() {
	s.bus.remove(s.sub)
}

// Register adds a consumer with an initial interest set. An empty id gets a
// random one. Registering an id that is already present replaces the old
// consumer.
func (b *Bus) Register(id string, interest []string, h Handler) *Subscription {
	if id == "" {
		id = uuid.NewString()
	}
	s := &subscriber{id: id, handler: h, interest: normalize(interest)}
	s.active.Store(true)

	b.mu.Lock()
	if old, ok := b.subs[id]; ok {
		old.active.Store(false)
		b.list = without(b.list, old)
	}
	b.subs[id] = s
	next := make([]*subscriber, len(b.list), len(b.list)+1)
	copy(next, b.list)
	b.list = append(next, s)
	b.mu.Unlock()

	b.sync()
	return &Subscription{bus: b, sub: s}
}

// Union returns the sorted union of all consumers' interest sets.
func (b *Bus) Union() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return unionLocked(b.list)
}

func (b *Bus) setInterest(s *subscriber, tokens []string) {
	b.mu.Lock()
	if b.subs[s.id] != s {
		b.mu.Unlock()
		return
	}
	s.interest = normalize(tokens)
	b.mu.Unlock()
	b.sync()
}

func (b *Bus) remove(s *subscriber) {
	s.active.Store(false)
	s.gate.Lock()
	s.gate.Unlock()

	b.mu.Lock()
	if b.subs[s.id] != s {
		b.mu.Unlock()
		return
	}
	delete(b.subs, s.id)
	b.list = without(b.list, s)
	b.mu.Unlock()

	b.sync()
}

// sync recomputes the union and sends it upstream if it differs from the
// last payload sent. Holding syncMu across compute and send keeps concurrent
// registry changes from sending a stale union after a newer one.
func (b *Bus) sync() {
	b.syncMu.Lock()
	defer b.syncMu.Unlock()

	b.mu.RLock()
	union := unionLocked(b.list)
	b.mu.RUnlock()

	payload := strings.Join(union, ",")
	if b.sent && payload == b.lastSent {
		return
	}
	if !b.sent && payload == "" {
		return
	}
	b.lastSent = payload
	b.sent = true

	if b.OnSubscribe != nil {
		b.OnSubscribe(len(union))
	}
	if b.sender == nil {
		return
	}
	if err := b.sender.Send(payload); err != nil {
		// The connection keeps the payload and replays it on open.
		log.Printf("[bus] subscribe deferred (%d tokens): %v", len(union), err)
	}
}

func unionLocked(list []*subscriber) []string {
	seen := make(map[string]struct{})
	for _, s := range list {
		for _, tok := range s.interest {
			seen[tok] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for tok := range seen {
		out = append(out, tok)
	}
	sort.Strings(out)
	return out
}

func normalize(tokens []string) []string {
	out := make([]string, 0, len(tokens))
	seen := make(map[string]struct{}, len(tokens))
	for _, tok := range tokens {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		if _, dup := seen[tok]; dup {
			continue
		}
		seen[tok] = struct{}{}
		out = append(out, tok)
	}
	return out
}

func without(list []*subscriber, s *subscriber) []*subscriber {
	next := make([]*subscriber, 0, len(list))
	for _, x := range list {
		if x != s {
			next = append(next, x)
		}
	}
	return next
}
