// Package logx configures reminderd's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - console output readable (short timestamp + short caller), or JSON when asked
//   - file output JSON-structured
//   - an optional alert sink that forwards warnings and errors to an operator
//     recipient through the notification dispatcher (min-level + rate limited)
package logx
