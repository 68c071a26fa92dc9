// Package logx configures relbot's structured logging.
//
// It is a small wrapper (logx.Logger) on top of zerolog that keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - An optional Telegram sink (min-level + rate limited)
//
// The Service owns the sink configuration and can swap it at runtime;
// Loggers handed out earlier keep logging against the new configuration.
package logx
