// Package logging provides component-scoped structured loggers used by
// every other package instead of fmt.Println or the stdlib log package.
package logging

import (
	"context"

	"github.com/zeromicro/go-zero/core/logx"
)

// Setup configures process-wide log level and encoding. Call once at
// startup, before any logger constructed by this package is used.
func Setup(level, format string) error {
	encoding := logx.JsonEncodingType
	if format == "console" {
		encoding = logx.PlainEncodingType
	}

	return logx.SetUp(logx.LogConf{
		Mode:     "console",
		Level:    level,
		Encoding: encoding,
	})
}

// Logger is a component-scoped structured logger. It embeds logx.Logger so
// callers get Info/Error/Debug/Slow and With*-style field chaining for free.
type Logger struct {
	logx.Logger
}

// For returns a Logger scoped to component, e.g. "relaystate", "wsrelay".
func For(component string) Logger {
	return Logger{Logger: logx.WithContext(context.Background()).WithFields(
		logx.Field("component", component),
	)}
}

// WithSession returns a derived logger carrying the given session ID.
func (l Logger) WithSession(sessionID string) Logger {
	return Logger{Logger: l.Logger.WithFields(logx.Field("sessionID", sessionID))}
}

// WithDevice returns a derived logger carrying the given device ID.
func (l Logger) WithDevice(deviceID string) Logger {
	return Logger{Logger: l.Logger.WithFields(logx.Field("deviceID", deviceID))}
}

// WithConnection returns a derived logger carrying the given connection ID.
func (l Logger) WithConnection(connectionID string) Logger {
	return Logger{Logger: l.Logger.WithFields(logx.Field("connectionID", connectionID))}
}

// WithRequest returns a derived logger carrying the given HTTP/pairing request ID.
func (l Logger) WithRequest(requestID string) Logger {
	return Logger{Logger: l.Logger.WithFields(logx.Field("requestID", requestID))}
}
