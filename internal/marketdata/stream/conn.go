// Package stream owns the single WebSocket connection to the market-data
// feed. It decodes inbound text frames into model.Tick values, replays the
// current subscription list whenever the socket opens, and reconnects with
// exponential backoff up to a fixed number of attempts.
//
// The subscribe payload on the wire is the comma-separated token list:
//
//	"12345,67890"
//
// and inbound frames are JSON objects keyed by instrument_token.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"tradewatch/internal/logger"
	"tradewatch/internal/model"

	"github.com/gorilla/websocket"
)

// ErrNotOpen is returned by Send while the socket is not open. The payload is
// kept and delivered on the next open.
var ErrNotOpen = errors.New("stream: connection not open")

// Config holds configuration for the feed connection.
type Config struct {
	// URL of the feed, e.g. "wss://feed.example.com/ws"
	URL string

	// MaxAttempts bounds consecutive failed reconnects. Defaults to 10.
	MaxAttempts int

	// BaseDelay is the first reconnect delay. Defaults to 1s.
	BaseDelay time.Duration

	// MaxDelay caps the exponential backoff. Defaults to 30s.
	MaxDelay time.Duration

	// ConnectTimeout bounds a single dial including the handshake. Defaults to 10s.
	ConnectTimeout time.Duration

	// WriteTimeout bounds a single subscribe write. Defaults to 5s.
	WriteTimeout time.Duration
}

func (c *Config) defaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
}

// socket is the subset of *websocket.Conn the connection uses.
type socket interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type dialFunc func(ctx context.Context, url string) (socket, error)

type stopper interface{ Stop() bool }

type afterFunc func(d time.Duration, f func()) stopper

func gorillaDialer(timeout time.Duration) dialFunc {
	d := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: timeout,
	}
	return func(ctx context.Context, u string) (socket, error) {
		c, _, err := d.DialContext(ctx, u, nil)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

func timeAfter(d time.Duration, f func()) stopper {
	return time.AfterFunc(d, f)
}

// Conn is the feed connection. One Conn serves the whole process; consumers
// attach through the bus package rather than to the Conn directly.
type Conn struct {
	cfg   Config
	dial  dialFunc
	after afterFunc
	now   func() time.Time
	log   *slog.Logger

	mu         sync.Mutex
	state      State
	attempt    int
	gen        uint64 // bumped on every dial; stale goroutines compare against it
	sock       socket
	cancelDial context.CancelFunc
	retry      stopper
	stopped    bool
	desired    string
	handler    func(model.Tick)

	// writeMu orders subscribe writes so the last payload written is always
	// the latest desired one.
	writeMu sync.Mutex

	// Optional hooks. Set before Connect.
	OnStateChange func(from, to State)
	OnDisconnect  func()
	OnFrame       func(kind FrameKind)
}

// New creates a connection. Returns an error if the URL is unparseable.
func New(cfg Config) (*Conn, error) {
	cfg.defaults()
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("stream: parse url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("stream: unsupported scheme %q", u.Scheme)
	}
	return &Conn{
		cfg:   cfg,
		dial:  gorillaDialer(cfg.ConnectTimeout),
		after: timeAfter,
		now:   time.Now,
		log:   logger.For("stream"),
	}, nil
}

// OnTick registers the decoded-tick target. Only one target is kept; fan-out
// to consumers is the bus's job.
func (c *Conn) OnTick(h func(model.Tick)) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status returns a snapshot for health reporting.
func (c *Conn) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	if c.desired != "" {
		n = strings.Count(c.desired, ",") + 1
	}
	return Status{
		State:      c.state,
		StateName:  c.state.String(),
		Health:     Connectivity(c.state),
		Attempt:    c.attempt,
		MaxAttempt: c.cfg.MaxAttempts,
		Subscribed: n,
	}
}

// Connect opens the socket unless it is already open or connecting.
func (c *Conn) Connect() {
	c.mu.Lock()
	if c.state == StateConnecting || c.state == StateOpen {
		st := c.state
		c.mu.Unlock()
		c.log.Debug("connect ignored", "state", st.String())
		return
	}
	c.stopped = false
	from := c.startLocked()
	c.mu.Unlock()
	c.notify(from, StateConnecting)
}

// Reconnect resets the attempt counter and dials again if the socket is not
// already open or connecting. This is the only way out of StateFailed.
func (c *Conn) Reconnect() {
	c.mu.Lock()
	c.attempt = 0
	if c.state == StateConnecting || c.state == StateOpen {
		c.mu.Unlock()
		return
	}
	c.stopped = false
	from := c.startLocked()
	c.mu.Unlock()
	c.log.Info("manual reconnect")
	c.notify(from, StateConnecting)
}

// Run connects and blocks until ctx is cancelled, then stops the connection.
func (c *Conn) Run(ctx context.Context) error {
	c.Connect()
	<-ctx.Done()
	c.Stop()
	return nil
}

// Stop closes the socket and cancels any pending reconnect. A stopped
// connection does not retry.
func (c *Conn) Stop() {
	c.mu.Lock()
	c.stopped = true
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}
	sock := c.sock
	from := c.state
	c.state = StateDisconnected
	c.mu.Unlock()

	if sock != nil {
		c.writeMu.Lock()
		_ = sock.SetWriteDeadline(c.now().Add(c.cfg.WriteTimeout))
		_ = sock.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"))
		c.writeMu.Unlock()
		_ = sock.Close()
	}
	c.notify(from, StateDisconnected)
}

// Send replaces the subscription payload and writes it if the socket is
// open. While the socket is down the payload is kept for the next open and
// ErrNotOpen is returned.
func (c *Conn) Send(payload string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	c.desired = payload
	sock, st := c.sock, c.state
	c.mu.Unlock()

	if st != StateOpen || sock == nil {
		c.log.Debug("subscribe deferred", "state", st.String())
		return ErrNotOpen
	}
	if err := c.write(sock, payload); err != nil {
		c.log.Warn("subscribe write failed", "err", err)
		return fmt.Errorf("stream: send: %w", err)
	}
	return nil
}

// startLocked begins a dial in a new goroutine. Caller holds c.mu.
func (c *Conn) startLocked() State {
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	if c.cancelDial != nil {
		c.cancelDial()
	}
	from := c.state
	c.state = StateConnecting
	c.gen++
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ConnectTimeout)
	c.cancelDial = cancel
	go c.run(ctx, cancel, c.gen)
	return from
}

func (c *Conn) run(ctx context.Context, cancel context.CancelFunc, gen uint64) {
	sock, err := c.dial(ctx, c.cfg.URL)
	cancel()

	c.mu.Lock()
	if gen != c.gen || c.stopped {
		c.mu.Unlock()
		if sock != nil {
			_ = sock.Close()
		}
		return
	}
	c.cancelDial = nil
	if err != nil {
		c.mu.Unlock()
		c.log.Warn("dial failed", "url", c.cfg.URL, "err", err)
		c.fail(gen)
		return
	}
	c.sock = sock
	c.attempt = 0
	from := c.state
	c.state = StateOpen
	c.mu.Unlock()

	c.log.Info("connected", "url", c.cfg.URL)
	c.notify(from, StateOpen)
	c.replay(gen, sock)
	c.readLoop(gen, sock)
}

// replay writes the full current subscription list on open. An empty list
// is still written so the server starts from a clean slate.
func (c *Conn) replay(gen uint64, sock socket) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	if gen != c.gen || c.sock != sock {
		c.mu.Unlock()
		return
	}
	payload := c.desired
	c.mu.Unlock()

	if err := c.write(sock, payload); err != nil {
		c.log.Warn("subscribe replay failed", "err", err)
	}
}

func (c *Conn) write(sock socket, payload string) error {
	_ = sock.SetWriteDeadline(c.now().Add(c.cfg.WriteTimeout))
	return sock.WriteMessage(websocket.TextMessage, []byte(payload))
}

func (c *Conn) readLoop(gen uint64, sock socket) {
	for {
		_, raw, err := sock.ReadMessage()
		if err != nil {
			c.closed(gen, sock, err)
			return
		}
		c.handleFrame(raw)
	}
}

func (c *Conn) handleFrame(raw []byte) {
	tick, kind, err := Decode(raw)
	if c.OnFrame != nil {
		c.OnFrame(kind)
	}
	switch kind {
	case FrameHeartbeat:
		return
	case FrameMalformed:
		c.log.Warn("dropping malformed frame", "err", err, "raw", truncate(raw, 256))
		return
	case FrameIgnored:
		c.log.Debug("dropping frame without token", "raw", truncate(raw, 256))
		return
	}

	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h == nil {
		return
	}
	tick.ReceivedAt = c.now()
	h(tick)
}

// closed handles the end of a read loop, whether caller-initiated or not.
func (c *Conn) closed(gen uint64, sock socket, cause error) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	byCaller := c.stopped
	if c.sock == sock {
		c.sock = nil
	}
	c.mu.Unlock()

	_ = sock.Close()
	if c.OnDisconnect != nil {
		c.OnDisconnect()
	}
	if byCaller {
		c.log.Info("closed")
		return
	}
	c.log.Warn("connection lost", "err", cause)
	c.fail(gen)
}

// fail schedules the next attempt, or gives up once MaxAttempts consecutive
// attempts have failed.
func (c *Conn) fail(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.stopped {
		c.mu.Unlock()
		return
	}
	from := c.state
	c.sock = nil

	if c.attempt >= c.cfg.MaxAttempts {
		c.state = StateFailed
		attempts := c.attempt
		c.mu.Unlock()
		c.log.Error("reconnect attempts exhausted", "attempts", attempts)
		c.notify(from, StateFailed)
		return
	}

	delay := Backoff(c.attempt, c.cfg.BaseDelay, c.cfg.MaxDelay)
	c.attempt++
	attempt := c.attempt
	c.state = StateDisconnected
	c.retry = c.after(delay, func() { c.retryFire(gen) })
	c.mu.Unlock()

	c.log.Info("reconnecting", "attempt", attempt, "max", c.cfg.MaxAttempts, "delay", delay.String())
	c.notify(from, StateDisconnected)
}

func (c *Conn) retryFire(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.stopped || c.state != StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.retry = nil
	from := c.startLocked()
	c.mu.Unlock()
	c.notify(from, StateConnecting)
}

func (c *Conn) notify(from, to State) {
	if from == to || c.OnStateChange == nil {
		return
	}
	c.OnStateChange(from, to)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
