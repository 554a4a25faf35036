// Package logx configures alertrelay's structured logging.
//
// It wraps zerolog (logx.Logger) to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Optional Telegram sink (min-level + rate limiting) for an operator log chat
package logx
