// Package logx configures gatebot's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - console output readable (short timestamp + short caller)
//   - file output JSON-structured
//   - an optional chat sink for warnings (min-level + rate limited, never blocking)
package logx
