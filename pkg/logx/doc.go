// Package logx configures wakecall's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - console output readable (short timestamp and caller)
//   - file output JSON-structured
//   - an optional remote sink (owner chat) with a minimum level and rate limit
package logx
