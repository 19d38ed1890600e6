// Package notify delivers operator notifications. Delivery is best
// effort: callers never block on, or fail because of, a notification.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/autopilot/internal/logging"
	"github.com/fyrsmithlabs/autopilot/internal/secrets"
)

// Channel names a notification stream.
type Channel string

const (
	ChannelApprovals Channel = "approvals"
	ChannelCritical  Channel = "critical"
	ChannelReports   Channel = "reports"
	ChannelReview    Channel = "review"
)

// Message is the envelope published to sinks.
type Message struct {
	ID      string    `json:"id"`
	Channel Channel   `json:"channel"`
	Body    string    `json:"body"`
	At      time.Time `json:"at"`
	CycleID string    `json:"cycle_id,omitempty"`
	TaskID  string    `json:"task_id,omitempty"`
}

// NewMessage stamps a message with a fresh id and the ids carried by ctx.
func NewMessage(ctx context.Context, ch Channel, body string) Message {
	return Message{
		ID:      uuid.NewString(),
		Channel: ch,
		Body:    body,
		At:      time.Now().UTC(),
		CycleID: logging.CycleIDFromContext(ctx),
		TaskID:  logging.TaskIDFromContext(ctx),
	}
}

// Notifier sends a message on a channel.
type Notifier interface {
	Notify(ctx context.Context, ch Channel, body string) error
}

// Func adapts a function to Notifier.
type Func func(ctx context.Context, ch Channel, body string) error

func (f Func) Notify(ctx context.Context, ch Channel, body string) error { return f(ctx, ch, body) }

// Fanout delivers to every sink and returns the first error.
type Fanout []Notifier

func (f Fanout) Notify(ctx context.Context, ch Channel, body string) error {
	var first error
	for _, n := range f {
		if err := n.Notify(ctx, ch, body); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Scrubbed redacts secrets from the body before delivery.
func Scrubbed(next Notifier, s secrets.Scrubber) Notifier {
	return Func(func(ctx context.Context, ch Channel, body string) error {
		return next.Notify(ctx, ch, secrets.ScrubString(s, body))
	})
}

// BestEffort logs delivery failures and always returns nil.
func BestEffort(next Notifier, logger *logging.Logger) Notifier {
	return Func(func(ctx context.Context, ch Channel, body string) error {
		if err := next.Notify(ctx, ch, body); err != nil {
			logger.Warn(ctx, "notification delivery failed",
				zap.String("channel", string(ch)),
				zap.Error(err))
		}
		return nil
	})
}

// Log writes notifications to the structured log.
type Log struct {
	Logger *logging.Logger
}

func (l Log) Notify(ctx context.Context, ch Channel, body string) error {
	fields := []zap.Field{zap.String("channel", string(ch)), zap.String("body", body)}
	if ch == ChannelCritical {
		l.Logger.Error(ctx, "notification", fields...)
		return nil
	}
	l.Logger.Info(ctx, "notification", fields...)
	return nil
}

// Recorder keeps messages in memory.
type Recorder struct {
	mu       sync.Mutex
	messages []Message
}

func (r *Recorder) Notify(ctx context.Context, ch Channel, body string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, NewMessage(ctx, ch, body))
	return nil
}

// Messages returns recorded messages, optionally filtered by channel.
func (r *Recorder) Messages(ch ...Channel) []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Message
	for _, m := range r.messages {
		if len(ch) == 0 || m.Channel == ch[0] {
			out = append(out, m)
		}
	}
	return out
}
