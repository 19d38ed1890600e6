package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/fyrsmithlabs/autopilot/internal/config"
)

// NATS publishes messages as JSON on <prefix>.<channel>.
type NATS struct {
	conn   *nats.Conn
	prefix string
}

// DialNATS connects using cfg.NATSURL and the optional token.
func DialNATS(cfg config.NotifyConfig) (*NATS, error) {
	opts := []nats.Option{
		nats.Name("autopilot"),
		nats.Timeout(5 * time.Second),
		nats.MaxReconnects(-1),
	}
	if cfg.NATSToken.IsSet() {
		opts = append(opts, nats.Token(cfg.NATSToken.Value()))
	}
	nc, err := nats.Connect(cfg.NATSURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return NewNATS(nc, cfg.SubjectPrefix), nil
}

// NewNATS wraps an existing connection.
func NewNATS(nc *nats.Conn, prefix string) *NATS {
	if prefix == "" {
		prefix = "autopilot.notify"
	}
	return &NATS{conn: nc, prefix: prefix}
}

// Subject returns the subject for ch.
func (n *NATS) Subject(ch Channel) string {
	return n.prefix + "." + string(ch)
}

func (n *NATS) Notify(ctx context.Context, ch Channel, body string) error {
	data, err := json.Marshal(NewMessage(ctx, ch, body))
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if err := n.conn.Publish(n.Subject(ch), data); err != nil {
		return fmt.Errorf("publish %s: %w", n.Subject(ch), err)
	}
	return nil
}

// Close drains the connection.
func (n *NATS) Close() error {
	return n.conn.Drain()
}
