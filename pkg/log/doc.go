// Package log provides Quill's structured logging facade.
//
// The package exposes a small Logger interface with leveled, Field-based
// methods, backed by the standard library's slog handlers. Components derive
// scoped loggers with With and a Component field:
//
//	l := log.NewLogger(log.WithLevel(log.InfoLevel), log.WithFormat("text"))
//	l = l.With(log.Component("ledger"), log.Str("topic", "orders"))
//	l.Info("segment sealed", log.Uint64("segment", 3))
//
// Construct one logger near main and pass it down explicitly; there is no
// package-level default.
package log
