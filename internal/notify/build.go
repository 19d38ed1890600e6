package notify

import (
	"github.com/fyrsmithlabs/autopilot/internal/config"
	"github.com/fyrsmithlabs/autopilot/internal/logging"
	"github.com/fyrsmithlabs/autopilot/internal/secrets"
)

// FromConfig assembles the notifier chain: scrub, rate limit, fan out to
// the log and (when configured) NATS, and swallow delivery errors. The
// returned close function releases the NATS connection.
func FromConfig(cfg config.NotifyConfig, scrubber secrets.Scrubber, logger *logging.Logger) (Notifier, func() error, error) {
	sinks := Fanout{Log{Logger: logger}}
	closer := func() error { return nil }
	if cfg.NATSURL != "" {
		n, err := DialNATS(cfg)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, n)
		closer = n.Close
	}
	var out Notifier = NewLimited(sinks, cfg.Rate, cfg.Burst)
	out = Scrubbed(out, scrubber)
	return BestEffort(out, logger), closer, nil
}
