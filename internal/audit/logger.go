package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger defines the interface for the client audit trail. Investigations
// are long-running and user-visible, so their lifecycle is recorded on an
// append-only rotating log independent of the application log.
type Logger interface {
	// Log logs an audit event
	Log(ctx context.Context, event *Event) error

	// Investigation lifecycle
	LogInvestigationStarted(ctx context.Context, requestID string) error
	LogInvestigationCompleted(ctx context.Context, requestID string, duration time.Duration) error
	LogInvestigationFailed(ctx context.Context, requestID string, err error) error
	LogInvestigationCancelled(ctx context.Context, requestID string) error

	// Connection lifecycle
	LogReconnectExhausted(ctx context.Context, attempts int) error

	// Sync flushes buffered log entries
	Sync() error

	// Close closes the audit logger
	Close() error
}

// Config represents audit logger configuration
type Config struct {
	// Path is the audit log file location
	Path string

	// MaxSize is the maximum size in megabytes before rotation
	MaxSize int

	// MaxBackups is the maximum number of old log files to retain
	MaxBackups int

	// MaxAge is the maximum number of days to retain old log files
	MaxAge int

	// Compress determines if rotated files should be compressed
	Compress bool
}

// DefaultConfig returns default audit logger configuration
func DefaultConfig() *Config {
	return &Config{
		Path:       "logs/audit.log",
		MaxSize:    100, // megabytes
		MaxBackups: 10,
		MaxAge:     30, // days
		Compress:   true,
	}
}

// auditLogger implements the Logger interface
type auditLogger struct {
	zl          *zap.Logger
	config      *Config
	mu          sync.Mutex
	buffer      []*Event
	flushTicker *time.Ticker
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewLogger creates a new audit logger
func NewLogger(config *Config) (Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		MessageKey:     "message",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
	}

	rotator := &lumberjack.Logger{
		Filename:   config.Path,
		MaxSize:    config.MaxSize,
		MaxBackups: config.MaxBackups,
		MaxAge:     config.MaxAge,
		Compress:   config.Compress,
	}

	// Audit entries are always written, regardless of app log level.
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(rotator),
		zapcore.InfoLevel,
	)

	logger := &auditLogger{
		zl:          zap.New(core),
		config:      config,
		buffer:      make([]*Event, 0, 100),
		flushTicker: time.NewTicker(1 * time.Second),
		stopCh:      make(chan struct{}),
	}

	go logger.autoFlush()

	return logger, nil
}

// Log logs an audit event
func (l *auditLogger) Log(ctx context.Context, event *Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.buffer = append(l.buffer, event)

	if len(l.buffer) >= 100 {
		return l.flushLocked()
	}
	return nil
}

// flushLocked flushes the buffer (caller must hold lock)
func (l *auditLogger) flushLocked() error {
	if len(l.buffer) == 0 {
		return nil
	}

	for _, event := range l.buffer {
		eventJSON, err := json.Marshal(event)
		if err != nil {
			continue
		}
		l.zl.Info(string(eventJSON),
			zap.String("correlation_id", event.CorrelationID),
			zap.String("event_type", string(event.EventType)),
			zap.String("result", string(event.Result)),
		)
	}

	l.buffer = l.buffer[:0]
	return nil
}

// autoFlush periodically flushes the buffer
func (l *auditLogger) autoFlush() {
	for {
		select {
		case <-l.flushTicker.C:
			l.mu.Lock()
			_ = l.flushLocked()
			l.mu.Unlock()
		case <-l.stopCh:
			return
		}
	}
}

// LogInvestigationStarted logs when an investigation starts
func (l *auditLogger) LogInvestigationStarted(ctx context.Context, requestID string) error {
	event := NewEvent(EventInvestigationStarted).
		WithCorrelationID(requestID).
		WithResult(ResultSuccess).
		WithDescription(fmt.Sprintf("Investigation %s started", requestID))

	return l.Log(ctx, event)
}

// LogInvestigationCompleted logs when an investigation completes
func (l *auditLogger) LogInvestigationCompleted(ctx context.Context, requestID string, duration time.Duration) error {
	event := NewEvent(EventInvestigationCompleted).
		WithCorrelationID(requestID).
		WithResult(ResultSuccess).
		WithDuration(duration).
		WithDescription(fmt.Sprintf("Investigation %s completed", requestID))

	return l.Log(ctx, event)
}

// LogInvestigationFailed logs when an investigation fails
func (l *auditLogger) LogInvestigationFailed(ctx context.Context, requestID string, err error) error {
	event := NewEvent(EventInvestigationFailed).
		WithCorrelationID(requestID).
		WithError(err).
		WithDescription(fmt.Sprintf("Investigation %s failed", requestID))

	return l.Log(ctx, event)
}

// LogInvestigationCancelled logs a user-initiated cancel. The backend is not
// told to stop, so the record notes the request may still complete remotely.
func (l *auditLogger) LogInvestigationCancelled(ctx context.Context, requestID string) error {
	event := NewEvent(EventInvestigationCancelled).
		WithCorrelationID(requestID).
		WithResult(ResultSuccess).
		WithMetadata("backend_notified", false).
		WithDescription(fmt.Sprintf("Investigation %s cancelled locally", requestID))

	return l.Log(ctx, event)
}

// LogReconnectExhausted logs that the reconnect attempt budget ran out
func (l *auditLogger) LogReconnectExhausted(ctx context.Context, attempts int) error {
	event := NewEvent(EventReconnectExhausted).
		WithResult(ResultFailure).
		WithMetadata("attempts", attempts).
		WithDescription(fmt.Sprintf("Gave up reconnecting after %d attempts", attempts))

	return l.Log(ctx, event)
}

// Sync flushes buffered log entries
func (l *auditLogger) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.flushLocked(); err != nil {
		return err
	}
	return l.zl.Sync()
}

// Close closes the audit logger
func (l *auditLogger) Close() error {
	l.stopOnce.Do(func() {
		close(l.stopCh)
		l.flushTicker.Stop()
	})
	return l.Sync()
}
