// Package notification delivers operational alerts: the feed giving up,
// the tick cache tripping its breaker, orders placed and positions closed.
package notification

import (
	"context"
	"errors"
	"log"
	"time"
)

// AlertLevel represents the severity of an alert.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertCritical AlertLevel = "CRITICAL"
)

// Alert represents a notification to be sent.
type Alert struct {
	Level   AlertLevel `json:"level"`
	Title   string     `json:"title"`
	Message string     `json:"message"`
	Time    time.Time  `json:"ts"`
}

// Notifier is the interface for all notification backends.
type Notifier interface {
	Send(ctx context.Context, alert Alert) error
}

// LogNotifier writes alerts to the standard logger.
type LogNotifier struct{}

// NewLogNotifier creates a log-based notifier.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

func (n *LogNotifier) Send(ctx context.Context, alert Alert) error {
	log.Printf("[notify] [%s] %s: %s", alert.Level, alert.Title, alert.Message)
	return nil
}

// Multi fans an alert out to several notifiers and joins their errors.
type Multi []Notifier

func (m Multi) Send(ctx context.Context, alert Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.Send(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Dispatcher queues alerts so callers on hot paths never block on delivery.
// Alerts below MinLevel are dropped, as are alerts arriving while the queue
// is full.
type Dispatcher struct {
	next     Notifier
	queue    chan Alert
	minLevel AlertLevel
	timeout  time.Duration
	now      func() time.Time
}

// NewDispatcher wraps next with a queue of size n.
func NewDispatcher(next Notifier, n int, minLevel AlertLevel) *Dispatcher {
	if n <= 0 {
		n = 64
	}
	return &Dispatcher{
		next:     next,
		queue:    make(chan Alert, n),
		minLevel: minLevel,
		timeout:  10 * time.Second,
		now:      time.Now,
	}
}

func rank(l AlertLevel) int {
	switch l {
	case AlertCritical:
		return 2
	case AlertWarning:
		return 1
	}
	return 0
}

// Notify queues an alert. It never blocks.
func (d *Dispatcher) Notify(level AlertLevel, title, message string) {
	if rank(level) < rank(d.minLevel) {
		return
	}
	a := Alert{Level: level, Title: title, Message: message, Time: d.now().UTC()}
	select {
	case d.queue <- a:
	default:
		log.Printf("[notify] queue full, dropped %q", title)
	}
}

// Run delivers queued alerts until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case a := <-d.queue:
			sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
			if err := d.next.Send(sendCtx, a); err != nil {
				log.Printf("[notify] deliver %q: %v", a.Title, err)
			}
			cancel()
		}
	}
}
