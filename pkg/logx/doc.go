// Package logx is a thin structured-logging facade over zerolog.
//
// Components hold a logx.Logger value; the zero value is a safe no-op, so
// wiring code can pass loggers down without nil checks. The Service owns the
// sinks (console, file) and can swap them at runtime via Apply, which keeps
// loggers created from it "live" across config reloads.
package logx
