// Package logging builds the process logger and adapts it to the HTTP
// server and client libraries.
package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
)

// New creates a zerolog logger writing to w (stderr when nil). format is
// "console" or "json".
func New(level, format string, w io.Writer) (zerolog.Logger, error) {
	if w == nil {
		w = os.Stderr
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("parse log level: %w", err)
	}
	if lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	out := w
	if format != "json" {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}
	}
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger(), nil
}

// RequestLogger logs one line per HTTP request.
func RequestLogger(log zerolog.Logger) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:   true,
		LogURI:      true,
		LogMethod:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			ev := log.Info()
			if v.Error != nil {
				ev = log.Warn().Err(v.Error)
			}
			ev.Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Msg("request")
			return nil
		},
	})
}

// RetryLogger adapts zerolog to retryablehttp.LeveledLogger.
type RetryLogger struct {
	Log zerolog.Logger
}

func (l RetryLogger) Error(msg string, keysAndValues ...interface{}) {
	l.Log.Error().Fields(keysAndValues).Msg(msg)
}

func (l RetryLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.Log.Warn().Fields(keysAndValues).Msg(msg)
}

// Info is logged at debug level; retryablehttp logs every attempt at info.
func (l RetryLogger) Info(msg string, keysAndValues ...interface{}) {
	l.Log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l RetryLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.Log.Trace().Fields(keysAndValues).Msg(msg)
}
