// Package logx configures chronod's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Every record tagged with a stable "source" field so an external
//     routing layer can split streams per subsystem
package logx
