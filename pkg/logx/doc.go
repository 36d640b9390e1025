// Package logx configures botfleet's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Secrets masked at the call site (logx.Secret)
package logx
