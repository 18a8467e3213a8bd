// Package audit writes the security audit trail of tracker decisions.
package audit

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hfi/failwatch/pkg/storage"
	"github.com/hfi/failwatch/pkg/tracker"
)

// Config holds audit logger configuration
type Config struct {
	// Enabled enables/disables audit logging
	Enabled bool

	// Level controls what events are logged
	// "minimal" - promotions, rehabilitations and backend errors
	// "standard" - minimal + recorded and ignored failures
	// "verbose" - all events including block checks
	Level string

	// Output specifies where to write logs
	// "stdout", "stderr", or a file path
	Output string
}

// DefaultConfig returns the default audit configuration
func DefaultConfig() *Config {
	return &Config{
		Enabled: true,
		Level:   "standard",
		Output:  "stdout",
	}
}

// Trail is an audit sink fed with tracker events
type Trail interface {
	tracker.Observer
	io.Closer
}

// Open returns the audit trail described by cfg: a Logger when enabled,
// otherwise a NopLogger.
func Open(cfg *Config) (Trail, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if !cfg.Enabled {
		return NewNopLogger(), nil
	}
	return NewLogger(cfg)
}

// Logger writes tracker events as JSON lines. It implements tracker.Observer.
// Its settings are copied at construction.
type Logger struct {
	mu      sync.Mutex
	level   string
	logger  zerolog.Logger
	output  io.Writer
	enabled bool
	now     func() time.Time
}

// NewLogger creates a new audit logger
func NewLogger(cfg *Config) (*Logger, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	var output io.Writer
	switch cfg.Output {
	case "stdout", "":
		output = os.Stdout
	case "stderr":
		output = os.Stderr
	default:
		f, err := os.OpenFile(cfg.Output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600) //#nosec G304 -- operator supplied audit path
		if err != nil {
			return nil, err
		}
		output = f
	}

	return newLogger(cfg, output), nil
}

// NewWriterLogger creates an audit logger writing to w
func NewWriterLogger(cfg *Config, w io.Writer) *Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return newLogger(cfg, w)
}

func newLogger(cfg *Config, w io.Writer) *Logger {
	return &Logger{
		level:   cfg.Level,
		logger:  zerolog.New(w).With().Str("log", "audit").Logger(),
		output:  w,
		enabled: cfg.Enabled,
		now:     time.Now,
	}
}

// Observe writes one audit record for a tracker event
func (l *Logger) Observe(ctx context.Context, e tracker.Event) {
	if !l.enabled || !shouldLog(l.level, e.Type) {
		return
	}

	var rec *zerolog.Event
	if e.Type == tracker.EventBackendError {
		rec = l.logger.Error()
	} else {
		rec = l.logger.Info()
	}

	rec = rec.
		Time("timestamp", l.now().UTC()).
		Str("type", string(e.Type)).
		Str("op", e.Op)
	if id := RequestIDFrom(ctx); id != "" {
		rec = rec.Str("request_id", id)
	}
	if e.Identifier != "" {
		rec = rec.Str("identifier", e.Identifier)
	}
	if e.Count > 0 {
		rec = rec.Int64("count", e.Count)
	}
	switch e.Type {
	case tracker.EventBlockChecked, tracker.EventPromoted, tracker.EventFailureIgnored:
		rec = rec.Bool("blocked", e.Blocked)
	}
	if e.Duration > 0 {
		rec = rec.Float64("duration_ms", float64(e.Duration)/float64(time.Millisecond))
	}
	if e.Err != nil {
		rec = rec.Str("error", e.Err.Error()).Str("error_class", storage.Class(e.Err))
	}
	rec.Msg("audit")
}

func shouldLog(level string, eventType tracker.EventType) bool {
	switch level {
	case "minimal":
		return eventType == tracker.EventPromoted ||
			eventType == tracker.EventRehabilitated ||
			eventType == tracker.EventBackendError
	case "standard":
		return eventType != tracker.EventBlockChecked
	default:
		return true
	}
}

// Close closes the output unless it is stdout or stderr
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.output == os.Stdout || l.output == os.Stderr {
		return nil
	}
	if closer, ok := l.output.(io.Closer); ok {
		if err := closer.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			return err
		}
	}
	return nil
}

// NopLogger is a logger that does nothing
type NopLogger struct{}

// NewNopLogger creates a no-op logger
func NewNopLogger() *NopLogger {
	return &NopLogger{}
}

// Observe does nothing
func (l *NopLogger) Observe(context.Context, tracker.Event) {}

// Close does nothing
func (l *NopLogger) Close() error { return nil }

type requestIDKey struct{}

// WithRequestID returns a context carrying the request ID
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFrom returns the request ID stored in ctx, or ""
func RequestIDFrom(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
