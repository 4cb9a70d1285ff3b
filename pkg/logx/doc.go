// Package logx configures toastboard's structured logging.
//
// A small wrapper (logx.Logger) sits on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File and JSON output structured
//   - Sinks swappable at runtime (config hot reload) without re-plumbing loggers
package logx
