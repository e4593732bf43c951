// Package logx configures chime's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - An optional remote sink for warnings (min-level + rate limiting)
package logx
