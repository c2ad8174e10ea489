package telegram

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// warningSign prefixes forwarded records at warn level and above.
const warningSign = "⚠️ "

// LogWriter is a zerolog.LevelWriter that forwards records at or above a
// minimum level to the log chat. Records are queued and sent by a single
// goroutine; when the queue is full the record is dropped.
type LogWriter struct {
	g       *Gateway
	min     zerolog.Level
	timeout time.Duration

	mu      sync.RWMutex
	closed  bool
	queue   chan string
	done    chan struct{}
	dropped atomic.Uint64
	failed  atomic.Uint64
}

// NewLogWriter starts a log writer. Call Close to flush it.
func NewLogWriter(g *Gateway, min zerolog.Level, queueSize int) *LogWriter {
	if queueSize <= 0 {
		queueSize = 100
	}
	w := &LogWriter{
		g:       g,
		min:     min,
		timeout: 10 * time.Second,
		queue:   make(chan string, queueSize),
		done:    make(chan struct{}),
	}
	go w.loop()
	return w
}

// Write implements io.Writer. Records without a level are forwarded.
func (w *LogWriter) Write(p []byte) (int, error) {
	return w.WriteLevel(zerolog.NoLevel, p)
}

// WriteLevel implements zerolog.LevelWriter.
func (w *LogWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if level < w.min && level != zerolog.NoLevel {
		return len(p), nil
	}
	msg := strings.TrimRight(string(p), "\n")
	if level >= zerolog.WarnLevel && level != zerolog.NoLevel {
		msg = warningSign + msg
	}

	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		w.dropped.Add(1)
		return len(p), nil
	}
	select {
	case w.queue <- msg:
	default:
		w.dropped.Add(1)
	}
	return len(p), nil
}

func (w *LogWriter) loop() {
	defer close(w.done)
	for msg := range w.queue {
		ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
		if err := w.g.send(ctx, w.g.logChat, msg); err != nil {
			w.failed.Add(1)
		}
		cancel()
	}
}

// Dropped returns how many records were dropped because the queue was full.
func (w *LogWriter) Dropped() uint64 {
	return w.dropped.Load()
}

// Failed returns how many records could not be delivered.
func (w *LogWriter) Failed() uint64 {
	return w.failed.Load()
}

// Close stops accepting records and waits for queued ones to be sent.
func (w *LogWriter) Close() error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.queue)
	}
	w.mu.Unlock()
	<-w.done
	return nil
}
