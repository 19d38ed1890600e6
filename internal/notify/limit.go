package notify

import (
	"context"
	"errors"

	"golang.org/x/time/rate"
)

// ErrRateLimited is returned when a message is dropped by Limited.
var ErrRateLimited = errors.New("notification rate limited")

// Limited drops messages beyond the configured rate. Critical messages
// are never dropped.
type Limited struct {
	next    Notifier
	limiter *rate.Limiter
}

// NewLimited wraps next. A non-positive rps disables limiting.
func NewLimited(next Notifier, rps float64, burst int) *Limited {
	l := &Limited{next: next}
	if rps > 0 {
		if burst < 1 {
			burst = 1
		}
		l.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return l
}

func (l *Limited) Notify(ctx context.Context, ch Channel, body string) error {
	if l.limiter != nil && ch != ChannelCritical && !l.limiter.Allow() {
		return ErrRateLimited
	}
	return l.next.Notify(ctx, ch, body)
}
