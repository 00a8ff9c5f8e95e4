// Package feedsim is a stand-in for the market-data feed. It speaks the same
// wire protocol: clients send a comma-separated token list to subscribe, and
// receive JSON tick frames for those tokens plus a periodic "true" heartbeat.
//
// Prices follow a small random walk. A fraction of frames carry a zero bid
// and ask, as the real feed does around session boundaries.
package feedsim

import (
	"context"
	"encoding/json"
	"log"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"tradewatch/internal/model"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

// Config controls the simulation.
type Config struct {
	Interval      time.Duration              // tick period; default 250ms
	Heartbeat     time.Duration              // heartbeat period; default 5s
	ZeroQuoteRate float64                    // fraction of ticks with zero bid/ask
	Seed          int64                      // 0 seeds from the clock
	Prices        map[string]decimal.Decimal // starting prices by token
}

var (
	defaultPrice = decimal.NewFromInt(1000)
	spreadBps    = decimal.NewFromInt(5)
	tenThousand  = decimal.NewFromInt(10000)
)

type instrument struct {
	last, open, high, low, close decimal.Decimal
	volume                       int64
}

type client struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	tokens map[string]bool
}

func (c *client) subscribed(token string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tokens[token]
}

func (c *client) setTokens(payload string) {
	next := make(map[string]bool)
	for _, t := range strings.Split(payload, ",") {
		if t = strings.TrimSpace(t); t != "" {
			next[t] = true
		}
	}
	c.mu.Lock()
	c.tokens = next
	c.mu.Unlock()
}

// Server is the simulated feed. It implements http.Handler.
type Server struct {
	cfg      Config
	upgrader websocket.Upgrader

	mu      sync.Mutex
	rng     *rand.Rand
	books   map[string]*instrument
	clients map[*client]struct{}
}

// New creates a simulator.
func New(cfg Config) *Server {
	if cfg.Interval <= 0 {
		cfg.Interval = 250 * time.Millisecond
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 5 * time.Second
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Server{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
		rng:     rand.New(rand.NewSource(seed)),
		books:   make(map[string]*instrument),
		clients: make(map[*client]struct{}),
	}
}

// ServeHTTP upgrades the request and serves one feed client until it
// disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[feedsim] upgrade error: %v", err)
		return
	}
	c := &client{conn: conn, send: make(chan []byte, 256), tokens: map[string]bool{}}
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	log.Printf("[feedsim] client connected: %s", r.RemoteAddr)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			c.setTokens(string(msg))
			log.Printf("[feedsim] %s subscribed to %q", r.RemoteAddr, msg)
		}
	}()

	defer func() {
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
		conn.Close()
		log.Printf("[feedsim] client disconnected: %s", r.RemoteAddr)
	}()

	for {
		select {
		case <-done:
			return
		case msg := <-c.send:
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

// Run generates ticks and heartbeats until ctx is cancelled.
func (s *Server) Run(ctx context.Context) {
	ticks := time.NewTicker(s.cfg.Interval)
	defer ticks.Stop()
	beats := time.NewTicker(s.cfg.Heartbeat)
	defer beats.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-beats.C:
			s.broadcast(func(*client) []byte { return []byte("true") })
		case <-ticks.C:
			for _, token := range s.subscribedTokens() {
				b, err := json.Marshal(s.Next(token))
				if err != nil {
					continue
				}
				s.broadcast(func(c *client) []byte {
					if c.subscribed(token) {
						return b
					}
					return nil
				})
			}
		}
	}
}

// Next advances token's random walk and returns the resulting tick.
func (s *Server) Next(token string) model.Tick {
	s.mu.Lock()
	defer s.mu.Unlock()

	in, ok := s.books[token]
	if !ok {
		start := defaultPrice
		if p, ok := s.cfg.Prices[token]; ok && p.IsPositive() {
			start = p
		}
		in = &instrument{last: start, open: start, high: start, low: start, close: start}
		s.books[token] = in
	}

	// ±0.1% per step
	pct := decimal.NewFromFloat((s.rng.Float64()*0.2 - 0.1) / 100)
	in.last = in.last.Add(in.last.Mul(pct)).Round(2)
	if !in.last.IsPositive() {
		in.last = decimal.New(1, -2)
	}
	if in.last.GreaterThan(in.high) {
		in.high = in.last
	}
	if in.last.LessThan(in.low) {
		in.low = in.last
	}
	in.volume += int64(s.rng.Intn(100) + 1)

	half := in.last.Mul(spreadBps).Div(tenThousand).Round(2)
	bid, ask := in.last.Sub(half), in.last.Add(half)
	if s.rng.Float64() < s.cfg.ZeroQuoteRate {
		bid, ask = decimal.Zero, decimal.Zero
	}

	return model.Tick{
		Token:     token,
		Bid:       model.NumOf(bid),
		Ask:       model.NumOf(ask),
		LastPrice: model.NumOf(in.last),
		Change:    model.NumOf(in.last.Sub(in.close)),
		High:      model.NumOf(in.high),
		Low:       model.NumOf(in.low),
		Open:      model.NumOf(in.open),
		Close:     model.NumOf(in.close),
		Volume:    model.NumOf(decimal.NewFromInt(in.volume)),
	}
}

// Clients returns the number of connected clients.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) subscribedTokens() []string {
	s.mu.Lock()
	list := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		list = append(list, c)
	}
	s.mu.Unlock()

	seen := make(map[string]bool)
	var out []string
	for _, c := range list {
		c.mu.RLock()
		for t := range c.tokens {
			if !seen[t] {
				seen[t] = true
				out = append(out, t)
			}
		}
		c.mu.RUnlock()
	}
	return out
}

func (s *Server) broadcast(msg func(*client) []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		b := msg(c)
		if b == nil {
			continue
		}
		select {
		case c.send <- b:
		default: // slow client, drop
		}
	}
}
