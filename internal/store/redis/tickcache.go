package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"tradewatch/internal/marketdata/bus"
	"tradewatch/internal/model"

	goredis "github.com/go-redis/redis/v8"
)

const (
	defaultTickTTL    = 30 * time.Minute
	defaultMaxPending = 5000
	flushInterval     = time.Second
)

// TickKey is the key holding the latest tick for a token.
func TickKey(token string) string { return "tick:" + token }

// TickChannel is the pub/sub channel ticks for a token are published on.
func TickChannel(token string) string { return "pub:tick:" + token }

// TickCache implements model.TickCache on Redis. Writes go through a circuit
// breaker; while it is open the latest tick per token is held in memory and
// written once Redis recovers.
type TickCache struct {
	client *goredis.Client
	cb     *CircuitBreaker
	ttl    time.Duration

	mu         sync.Mutex
	pending    map[string]model.Tick
	maxPending int
	dropped    int64

	// OnWrite is called after each write attempt with the number of ticks
	// written, how long the attempt took and the error, if any.
	OnWrite func(n int, took time.Duration, err error)
}

var _ model.TickCache = (*TickCache)(nil)

// NewTickCache wraps client. A nil breaker gets a default one.
func NewTickCache(client *goredis.Client, cb *CircuitBreaker, ttl time.Duration) *TickCache {
	if cb == nil {
		cb = NewCircuitBreaker(5, 10*time.Second)
	}
	if ttl <= 0 {
		ttl = defaultTickTTL
	}
	return &TickCache{
		client:     client,
		cb:         cb,
		ttl:        ttl,
		pending:    make(map[string]model.Tick),
		maxPending: defaultMaxPending,
	}
}

// Breaker returns the cache's circuit breaker.
func (c *TickCache) Breaker() *CircuitBreaker { return c.cb }

// Put stores t as the latest tick for its token and publishes it. On failure
// the tick is kept for the next flush and the error returned.
func (c *TickCache) Put(ctx context.Context, t model.Tick) error {
	if t.Token == "" {
		return nil
	}
	err := c.write(ctx, []model.Tick{t})
	if err != nil {
		c.hold(t)
	}
	return err
}

// Get returns the cached tick for token.
func (c *TickCache) Get(ctx context.Context, token string) (model.Tick, bool, error) {
	var t model.Tick
	raw, err := c.client.Get(ctx, TickKey(token)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return t, false, nil
	}
	if err != nil {
		return t, false, fmt.Errorf("redis GET %s: %w", TickKey(token), err)
	}
	if err := json.Unmarshal(raw, &t); err != nil {
		return t, false, fmt.Errorf("redis decode %s: %w", TickKey(token), err)
	}
	return t, true, nil
}

// Pending returns how many ticks are waiting for Redis to recover.
func (c *TickCache) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Run registers the cache as a bus consumer and writes every tick until ctx
// is cancelled. Held ticks are retried every second.
func (c *TickCache) Run(ctx context.Context, b *bus.Bus) {
	sub, events := b.Chan("redis-tickcache", nil, 1024)
	defer sub.Unregister()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.Flush(context.Background())
			return
		case ev := <-events:
			if ev.Type == bus.EventTick {
				_ = c.Put(ctx, ev.Tick)
			}
		case <-ticker.C:
			c.Flush(ctx)
		}
	}
}

// Flush writes held ticks in one pipeline.
func (c *TickCache) Flush(ctx context.Context) {
	c.mu.Lock()
	if len(c.pending) == 0 {
		c.mu.Unlock()
		return
	}
	batch := make([]model.Tick, 0, len(c.pending))
	for _, t := range c.pending {
		batch = append(batch, t)
	}
	c.pending = make(map[string]model.Tick)
	c.mu.Unlock()

	if err := c.write(ctx, batch); err != nil {
		for _, t := range batch {
			c.hold(t)
		}
		return
	}
	log.Printf("[redis] flushed %d held ticks", len(batch))
}

func (c *TickCache) write(ctx context.Context, ticks []model.Tick) error {
	start := time.Now()
	err := c.cb.Execute(func() error {
		pipe := c.client.Pipeline()
		for _, t := range ticks {
			data, err := json.Marshal(t)
			if err != nil {
				return err
			}
			pipe.Set(ctx, TickKey(t.Token), data, c.ttl)
			pipe.Publish(ctx, TickChannel(t.Token), data)
		}
		_, err := pipe.Exec(ctx)
		return err
	})
	if c.OnWrite != nil {
		c.OnWrite(len(ticks), time.Since(start), err)
	}
	return err
}

// hold keeps the newest tick per token. When full, ticks for new tokens are
// dropped.
func (c *TickCache) hold(t model.Tick) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[t.Token]; !ok && len(c.pending) >= c.maxPending {
		c.dropped++
		if c.dropped%1000 == 1 {
			log.Printf("[redis] pending buffer full, dropped %d ticks", c.dropped)
		}
		return
	}
	if prev, ok := c.pending[t.Token]; ok && prev.ReceivedAt.After(t.ReceivedAt) {
		return
	}
	c.pending[t.Token] = t
}

// Subscribe streams ticks published for token until ctx is cancelled.
func (c *TickCache) Subscribe(ctx context.Context, token string) <-chan model.Tick {
	ps := c.client.Subscribe(ctx, TickChannel(token))
	out := make(chan model.Tick, 64)
	go func() {
		defer close(out)
		defer ps.Close()
		ch := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var t model.Tick
				if err := json.Unmarshal([]byte(msg.Payload), &t); err != nil {
					log.Printf("[redis] bad tick on %s: %v", msg.Channel, err)
					continue
				}
				select {
				case out <- t:
				default:
				}
			}
		}
	}()
	return out
}
