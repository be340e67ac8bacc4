package audit

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Writer decouples audit persistence from the request path: Record never
// blocks and never returns an error to the caller. Events flow through a
// bounded queue into a single consumer goroutine, which preserves insertion
// order. When the queue is full or the store fails, the event is written to
// the fallback log instead of being lost.
type Writer struct {
	store    Store
	ch       chan Event
	fallback io.Writer
	metrics  *Metrics
	logger   *slog.Logger
	now      func() time.Time

	closeOnce sync.Once
	done      chan struct{}
}

// NewFallbackLog opens a size-rotated JSON-lines file for events that could
// not reach the database.
func NewFallbackLog(path string) io.Writer {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    50, // MB
		MaxBackups: 3,
		MaxAge:     30, // days
		Compress:   true,
	}
}

// NewWriter starts the consumer goroutine. queueSize bounds how many events
// may be in flight; fallback may be nil, in which case overflow is only
// counted and logged.
func NewWriter(store Store, queueSize int, fallback io.Writer, metrics *Metrics, logger *slog.Logger) *Writer {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	w := &Writer{
		store:    store,
		ch:       make(chan Event, queueSize),
		fallback: fallback,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
		done:     make(chan struct{}),
	}
	go w.run()
	return w
}

// Record enqueues an event, stamping ID and timestamp if unset. Fire and
// forget: a full queue spills to the fallback log rather than blocking the
// caller.
func (w *Writer) Record(evt Event) {
	evt.Stamp(w.now())
	select {
	case w.ch <- evt:
	default:
		w.spill(evt, "audit queue full")
	}
}

// Close drains the queue and stops the consumer. Call during shutdown after
// the HTTP servers have stopped producing events.
func (w *Writer) Close() {
	w.closeOnce.Do(func() {
		close(w.ch)
		<-w.done
	})
}

func (w *Writer) run() {
	defer close(w.done)
	for evt := range w.ch {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := w.store.Insert(ctx, evt)
		cancel()
		if err != nil {
			w.spill(evt, err.Error())
		} else if w.metrics != nil {
			w.metrics.RecordAuditEvent(evt.EventType)
		}
	}
}

func (w *Writer) spill(evt Event, cause string) {
	if w.metrics != nil {
		w.metrics.RecordAuditWriteFailure()
	}
	w.logger.Warn("audit event spilled to fallback",
		"event_type", evt.EventType,
		"request_id", evt.RequestID,
		"cause", cause,
	)
	if w.fallback == nil {
		return
	}
	line, err := json.Marshal(evt)
	if err != nil {
		return
	}
	w.fallback.Write(append(line, '\n'))
}
