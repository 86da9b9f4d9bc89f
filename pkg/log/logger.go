// Package log provides structured logging for the pool coordinator.
// It wraps log/slog with pool-specific field helpers.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

type ctxKey string

// RequestIDKey is the context key carrying an HTTP request id.
const RequestIDKey ctxKey = "request_id"

// Logger wraps slog.Logger and keeps the service identity around for derived loggers.
type Logger struct {
	*slog.Logger
	service string
	version string
}

// New creates a logger writing to stdout.
func New(service, version, level, format string) *Logger {
	return NewWithWriter(os.Stdout, service, version, level, format)
}

// NewWithWriter creates a logger writing to w. Unknown levels fall back to info
// and unknown formats fall back to json.
func NewWithWriter(w io.Writer, service, version, level, format string) *Logger {
	lvl := ParseLevel(level)
	opts := &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl == slog.LevelDebug,
	}

	var handler slog.Handler
	if strings.EqualFold(format, "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	return &Logger{
		Logger:  slog.New(handler).With("service", service, "version", version),
		service: service,
		version: version,
	}
}

// Nop returns a logger that discards everything. Used by tests and by
// components constructed without a logger.
func Nop() *Logger {
	return NewWithWriter(io.Discard, "nop", "", "error", "text")
}

// ParseLevel maps a level name onto a slog level.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (l *Logger) derive(logger *slog.Logger) *Logger {
	return &Logger{Logger: logger, service: l.service, version: l.version}
}

// WithContext attaches the request id carried by ctx, if any.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if reqID := ctx.Value(RequestIDKey); reqID != nil {
		return l.derive(l.With("request_id", reqID))
	}
	return l
}

// WithFields returns a logger with additional fields
func (l *Logger) WithFields(fields ...any) *Logger {
	return l.derive(l.With(fields...))
}

// WithComponent returns a logger with a component field
func (l *Logger) WithComponent(component string) *Logger {
	return l.WithFields("component", component)
}

// WithMember tags records with the member id and authority.
func (l *Logger) WithMember(memberID uint64, authority string) *Logger {
	return l.WithFields("member_id", memberID, "authority", authority)
}

// WithRound tags records with the round id.
func (l *Logger) WithRound(roundID uint64) *Logger {
	return l.WithFields("round_id", roundID)
}

// WithError returns a logger with error context
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithFields("error", err.Error())
}

// LogDuration logs the duration of an operation
func (l *Logger) LogDuration(operation string, d time.Duration) {
	l.Info("operation completed",
		"operation", operation,
		"duration_ms", float64(d)/float64(time.Millisecond),
	)
}

// LogContribution logs the outcome of a contribute request.
func (l *Logger) LogContribution(authority string, roundID uint64, difficulty uint32, status string) {
	l.Info("contribution",
		"authority", authority,
		"round_id", roundID,
		"difficulty", difficulty,
		"status", status,
	)
}

// LogRoundSubmitted logs the on-chain submission of a round's best solution.
func (l *Logger) LogRoundSubmitted(roundID uint64, signature string, contributions int, bestDifficulty uint32) {
	l.Info("round submitted",
		"round_id", roundID,
		"signature", signature,
		"contributions", contributions,
		"best_difficulty", bestDifficulty,
	)
}

// LogRewardsApplied logs reward distribution for a round.
func (l *Logger) LogRewardsApplied(roundID uint64, members int, total uint64) {
	l.Info("rewards applied",
		"round_id", roundID,
		"members", members,
		"total", total,
	)
}
