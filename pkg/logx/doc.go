// Package logx configures Tron's structured logging.
//
// logx.Logger is a small wrapper on top of zerolog:
//   - Console output is readable (short timestamp + component)
//   - File output is JSON-structured
//   - Level and sinks can be swapped at runtime by Service.Apply
package logx
