// Package logx wraps zerolog behind a small, swap-at-runtime logger.
//
// The Service owns the sink configuration (console and/or file) and can
// re-apply it while the process runs; Loggers handed out earlier keep
// writing to the new sinks. The zero Logger is a safe no-op.
package logx
