// Package log provides a logger interface for logger libraries
// so that this module does not depend on any of them directly.
package log

// Logger serves as an adapter interface for logger libraries so that
// higher level packages accept a Logger value instead of importing a
// concrete logging library.
type Logger interface {
	Debug(args ...interface{})
	Info(args ...interface{})
	Warn(args ...interface{})
	Error(args ...interface{})

	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}
