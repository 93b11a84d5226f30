// Package notification delivers operational alerts (auth failures,
// breaker trips) to log output and external webhooks.
package notification

import (
	"context"
	"errors"
	"log/slog"
	"sync"
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
	// Key groups repeats of the same condition, e.g. "breaker:quotes".
	Key string `json:"key,omitempty"`
}

// Notifier is the interface for all notification backends.
type Notifier interface {
	// Send delivers an alert. Returns error if delivery fails.
	Send(ctx context.Context, alert Alert) error
}

// LogNotifier writes alerts to a structured logger.
type LogNotifier struct {
	log *slog.Logger
}

// NewLogNotifier creates a log-based notifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{log: logger}
}

func (n *LogNotifier) Send(ctx context.Context, alert Alert) error {
	level := slog.LevelInfo
	switch alert.Level {
	case AlertWarning:
		level = slog.LevelWarn
	case AlertCritical:
		level = slog.LevelError
	}
	n.log.Log(ctx, level, alert.Title, "alert_level", string(alert.Level), "message", alert.Message, "key", alert.Key)
	return nil
}

// Multi sends each alert to every backend and joins their errors.
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

// Throttled suppresses alerts whose Key was already sent within window.
// Alerts without a Key always pass.
type Throttled struct {
	next   Notifier
	window time.Duration
	now    func() time.Time

	mu   sync.Mutex
	last map[string]time.Time
}

// NewThrottled wraps next.
func NewThrottled(next Notifier, window time.Duration) *Throttled {
	return &Throttled{
		next:   next,
		window: window,
		now:    time.Now,
		last:   make(map[string]time.Time),
	}
}

func (t *Throttled) Send(ctx context.Context, alert Alert) error {
	if alert.Key != "" {
		now := t.now()
		t.mu.Lock()
		if at, ok := t.last[alert.Key]; ok && now.Sub(at) < t.window {
			t.mu.Unlock()
			return nil
		}
		t.last[alert.Key] = now
		t.mu.Unlock()
	}
	return t.next.Send(ctx, alert)
}
