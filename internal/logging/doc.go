// Package logging provides structured logging for the autopilot daemon.
//
// Logger wraps Zap with context-aware methods. Every entry carries the
// correlation fields found on the context (trace/span ids plus the cycle,
// task and stage the control loop is working on), so a single cycle can
// be followed end to end in the log stream:
//
//	ctx = logging.WithCycleID(ctx, cycleID)
//	ctx = logging.WithTaskID(ctx, task.ID)
//	logger.Info(ctx, "stage finished", zap.String("result", "passed"))
//
// Sensitive values are redacted at the encoder: configured field names
// and value patterns are replaced before anything is written. Use Secret
// for config.Secret values and RedactedString for ad hoc strings.
//
// Entries below error level are sampled; errors never are.
//
// TestLogger records entries in memory for assertions in tests.
package logging
