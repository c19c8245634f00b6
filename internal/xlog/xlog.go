// Package xlog provides structured logging for the Xtrieve engine and
// server, wrapping rs/zerolog.
//
// Grounded on NayanaChandrika99-DocReasoner's tree_db/internal/logger/logger.go
// (see DESIGN.md), repurposed from gRPC/database events to Xtrieve's
// connection/session/transaction events.
package xlog

import (
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Logger wraps zerolog with Xtrieve-specific event helpers.
type Logger struct {
	z zerolog.Logger
}

// Config controls how a Logger is constructed.
type Config struct {
	Level      string // debug, info, warn, error
	Pretty     bool
	Output     io.Writer
	WithCaller bool
}

// New builds a Logger from cfg.
func New(cfg Config) *Logger {
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	}

	z := zerolog.New(output).With().Timestamp().Str("service", "xtrieved").Logger()
	if cfg.WithCaller {
		z = z.With().Caller().Logger()
	}
	return &Logger{z: z}
}

// Zerolog returns the underlying zerolog.Logger for callers that need raw
// access (e.g. wiring into net/http or database/sql hooks).
func (l *Logger) Zerolog() *zerolog.Logger { return &l.z }

// Conn returns a logger scoped to one network connection, tagged with a
// fresh correlation id so its lifetime can be grepped out of the stream.
func (l *Logger) Conn(remoteAddr string) *Logger {
	return &Logger{z: l.z.With().
		Str("component", "conn").
		Str("conn_id", uuid.NewString()).
		Str("remote_addr", remoteAddr).
		Logger()}
}

// Session returns a logger scoped to one dispatch session.
func (l *Logger) Session(sessionID uint64) *Logger {
	return &Logger{z: l.z.With().
		Str("component", "session").
		Uint64("session_id", sessionID).
		Logger()}
}

func (l *Logger) Info() *zerolog.Event  { return l.z.Info() }
func (l *Logger) Debug() *zerolog.Event { return l.z.Debug() }
func (l *Logger) Warn() *zerolog.Event  { return l.z.Warn() }
func (l *Logger) Error() *zerolog.Event { return l.z.Error() }
func (l *Logger) Fatal() *zerolog.Event { return l.z.Fatal() }

// LogRequest logs one dispatched wire request's outcome.
func (l *Logger) LogRequest(opcode uint16, status uint16, d time.Duration) {
	l.z.Debug().
		Str("component", "dispatch").
		Uint16("opcode", opcode).
		Uint16("status", status).
		Dur("duration_ms", d).
		Msg("request dispatched")
}

// LogServerStart logs the daemon binding its listener.
func (l *Logger) LogServerStart(addr string) {
	l.z.Info().Str("event", "server_start").Str("addr", addr).Msg("xtrieved starting")
}

// LogServerReady logs the daemon accepting connections.
func (l *Logger) LogServerReady(addr string) {
	l.z.Info().Str("event", "server_ready").Str("addr", addr).Msg("xtrieved ready to accept connections")
}

// LogServerShutdown logs a graceful shutdown.
func (l *Logger) LogServerShutdown() {
	l.z.Info().Str("event", "server_shutdown").Msg("xtrieved shutting down")
}

var global *Logger

// InitGlobal installs the process-wide default logger.
func InitGlobal(cfg Config) { global = New(cfg) }

// Global returns the process-wide logger, initializing a sane default if
// InitGlobal was never called.
func Global() *Logger {
	if global == nil {
		InitGlobal(Config{Level: "info", Pretty: true})
	}
	return global
}
