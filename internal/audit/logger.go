// Package audit records proxy decisions off the request path.
//
// Record never blocks and never fails: events are queued on a bounded channel
// and a single worker writes them to every sink in batches. When the queue is
// full the event is dropped and counted. Sink errors are logged and counted,
// never returned to the caller.
package audit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aman-churiwal/xvpn-gateway/internal/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Destination for batches of audit events
type Sink interface {
	Name() string
	Write(ctx context.Context, events []models.AuditEvent) error
}

// Counters the logger reports to; satisfied by *metrics.Metrics
type Observer interface {
	AuditRecorded(eventType string)
	AuditDropped()
	AuditSinkFailed(sink string)
}

type nopObserver struct{}

func (nopObserver) AuditRecorded(string)   {}
func (nopObserver) AuditDropped()          {}
func (nopObserver) AuditSinkFailed(string) {}

type Config struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
	// Upper bound for one batch write across all sinks
	WriteTimeout time.Duration
	Now          func() time.Time
	Observer     Observer
}

type Logger struct {
	sinks         []Sink
	events        chan models.AuditEvent
	batchSize     int
	flushInterval time.Duration
	writeTimeout  time.Duration
	now           func() time.Time
	observer      Observer
	logger        zerolog.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func NewLogger(cfg Config, logger zerolog.Logger, sinks ...Sink) *Logger {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}

	l := &Logger{
		sinks:         sinks,
		events:        make(chan models.AuditEvent, cfg.BufferSize),
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		writeTimeout:  cfg.WriteTimeout,
		now:           cfg.Now,
		observer:      cfg.Observer,
		logger:        logger,
		done:          make(chan struct{}),
	}

	go l.run()

	return l
}

// Time-ordered key: 13-digit millisecond timestamp plus a random suffix
func NewEventID(ts time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return fmt.Sprintf("%013d:%s", ts.UnixMilli(), suffix)
}

// Queues an event. Fills in ID and Timestamp when unset.
func (l *Logger) Record(event models.AuditEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = l.now().UTC()
	}
	if event.ID == "" {
		event.ID = NewEventID(event.Timestamp)
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		l.observer.AuditDropped()
		return
	}

	select {
	case l.events <- event:
		l.observer.AuditRecorded(string(event.Type))
	default:
		l.observer.AuditDropped()
		l.logger.Warn().Str("type", string(event.Type)).Msg("audit queue full, dropping event")
	}
}

func (l *Logger) ProxyRequest(subject, target, method string) {
	l.Record(models.AuditEvent{Type: models.AuditProxyRequest, Subject: subject, TargetURL: target, Method: method})
}

func (l *Logger) ProxyBlocked(subject, target, reason string) {
	l.Record(models.AuditEvent{Type: models.AuditProxyBlocked, Subject: subject, TargetURL: target, Reason: reason})
}

func (l *Logger) ProxyError(subject, target, errMsg string) {
	l.Record(models.AuditEvent{Type: models.AuditProxyError, Subject: subject, TargetURL: target, Error: errMsg})
}

// Stops accepting events and waits for queued ones to be written
func (l *Logger) Close(ctx context.Context) error {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.events)
	}
	l.mu.Unlock()

	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("audit drain interrupted: %w", ctx.Err())
	}
}

func (l *Logger) run() {
	defer close(l.done)

	batch := make([]models.AuditEvent, 0, l.batchSize)
	ticker := time.NewTicker(l.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-l.events:
			if !ok {
				l.flush(batch)
				return
			}
			batch = append(batch, event)

			if len(batch) >= l.batchSize {
				l.flush(batch)
				batch = make([]models.AuditEvent, 0, l.batchSize)
			}
		case <-ticker.C:
			if len(batch) > 0 {
				l.flush(batch)
				batch = make([]models.AuditEvent, 0, l.batchSize)
			}
		}
	}
}

func (l *Logger) flush(batch []models.AuditEvent) {
	if len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), l.writeTimeout)
	defer cancel()

	for _, sink := range l.sinks {
		if err := sink.Write(ctx, batch); err != nil {
			l.observer.AuditSinkFailed(sink.Name())
			l.logger.Error().Err(err).Str("sink", sink.Name()).Int("events", len(batch)).Msg("failed to write audit events")
		}
	}
}
