package bulk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultWorkers is the default worker cap.
const DefaultWorkers = 20

var (
	// ErrNoTasks is returned when RunAll is called with an empty task list.
	ErrNoTasks = errors.New("no tasks submitted")

	// ErrInvalidWorkers is returned for a non-positive worker cap.
	ErrInvalidWorkers = errors.New("worker cap must be positive")

	// ErrInvalidTimeout is returned for a non-positive per-item timeout.
	ErrInvalidTimeout = errors.New("per-item timeout must be positive")

	// ErrTimeout is matched by every *TimeoutError.
	ErrTimeout = errors.New("bulk group deadline exceeded")

	// ErrTaskPanic wraps a panic recovered from a task.
	ErrTaskPanic = errors.New("task panicked")
)

// TimeoutError marks an item that did not finish before the group deadline.
type TimeoutError struct {
	Key      string
	Deadline time.Time
	// Started reports whether the task had begun executing.
	Started bool
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	if e.Started {
		return fmt.Sprintf("task %s still running at group deadline %s", e.Key, e.Deadline.Format(time.RFC3339Nano))
	}
	return fmt.Sprintf("task %s cancelled before start at group deadline %s", e.Key, e.Deadline.Format(time.RFC3339Nano))
}

// Is makes errors.Is(err, ErrTimeout) true.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// Task is one unit of work. Run receives the caller's context, not the
// group deadline, so in-flight work is never aborted by the orchestrator.
type Task[T any] struct {
	Key string
	Run func(ctx context.Context) (T, error)
}

// Result is the outcome of one task.
type Result[T any] struct {
	Key   string
	Start time.Time
	End   time.Time
	Value T
	Err   error
	// TimedOut is set when the group deadline elapsed before the task finished.
	TimedOut bool
	// Mode is passed through from Options.
	Mode string
}

// Options configures one RunAll invocation.
type Options struct {
	// Workers caps the number of concurrently executing tasks.
	Workers int

	// PerItemTimeout multiplied by the task count gives the group deadline.
	PerItemTimeout time.Duration

	// Mode is copied into every Result (e.g. "shadow", "production").
	Mode string
}

// task states
const (
	statePending int32 = iota
	stateRunning
	stateCancelled
)

type indexed[T any] struct {
	index  int
	result Result[T]
}

// RunAll executes tasks and returns one result per task in submission order.
func RunAll[T any](ctx context.Context, tasks []Task[T], opts Options) ([]Result[T], error) {
	if len(tasks) == 0 {
		return nil, ErrNoTasks
	}
	if opts.Workers <= 0 {
		return nil, fmt.Errorf("%w (got %d)", ErrInvalidWorkers, opts.Workers)
	}
	if opts.PerItemTimeout <= 0 {
		return nil, fmt.Errorf("%w (got %v)", ErrInvalidTimeout, opts.PerItemTimeout)
	}

	n := len(tasks)
	groupTimeout := opts.PerItemTimeout * time.Duration(n)
	start := time.Now()

	logger := log.With().
		Str("component", "bulk").
		Int("tasks", n).
		Str("mode", opts.Mode).
		Logger()

	states := make([]atomic.Int32, n)
	var collected atomic.Bool

	// Buffered for every task so a straggler never blocks on send after the
	// collector has returned.
	jobs := make(chan int, n)
	results := make(chan indexed[T], n)
	for i := range tasks {
		jobs <- i
	}
	close(jobs)

	workers := min(opts.Workers, n)
	inFlight.Add(float64(workers))
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				if !states[i].CompareAndSwap(statePending, stateRunning) {
					continue
				}
				r := runTask(ctx, tasks[i], opts.Mode)
				if collected.Load() {
					tasksTotal.WithLabelValues(outcomeDiscarded).Inc()
					logger.Warn().
						Str("key", r.Key).
						Err(r.Err).
						Dur("elapsed", r.End.Sub(r.Start)).
						Msg("Discarding result of task finished after group deadline")
					continue
				}
				results <- indexed[T]{index: i, result: r}
			}
		}()
	}
	go func() {
		wg.Wait()
		inFlight.Sub(float64(workers))
	}()

	deadline := time.NewTimer(groupTimeout)
	defer deadline.Stop()

	out := make([]Result[T], n)
	done := make([]bool, n)
	received := 0

	record := func(r indexed[T]) {
		out[r.index] = r.result
		done[r.index] = true
		received++
		if r.result.Err != nil {
			tasksTotal.WithLabelValues(outcomeError).Inc()
		} else {
			tasksTotal.WithLabelValues(outcomeSuccess).Inc()
		}
	}

	expired := false
	for received < n && !expired {
		select {
		case r := <-results:
			record(r)
		case <-deadline.C:
			expired = true
		case <-ctx.Done():
			expired = true
		}
	}

	if received < n {
		snapshot := time.Now()
		collected.Store(true)

		// Results already queued finished before the snapshot.
	drain:
		for {
			select {
			case r := <-results:
				record(r)
			default:
				break drain
			}
		}

		skipped, stragglers := 0, 0
		for i, t := range tasks {
			if done[i] {
				continue
			}
			started := !states[i].CompareAndSwap(statePending, stateCancelled)
			if started {
				stragglers++
				tasksTotal.WithLabelValues(outcomeTimeout).Inc()
			} else {
				skipped++
				tasksTotal.WithLabelValues(outcomeSkipped).Inc()
			}
			out[i] = Result[T]{
				Key:      t.Key,
				Start:    snapshot,
				End:      snapshot,
				Err:      &TimeoutError{Key: t.Key, Deadline: snapshot, Started: started},
				TimedOut: true,
				Mode:     opts.Mode,
			}
		}

		logger.Warn().
			Dur("group_timeout", groupTimeout).
			Int("completed", received).
			Int("running", stragglers).
			Int("cancelled", skipped).
			Bool("context_done", ctx.Err() != nil).
			Msg("Group deadline elapsed with outstanding tasks")
	}

	groupDuration.Observe(time.Since(start).Seconds())
	logger.Debug().
		Int("workers", workers).
		Dur("duration", time.Since(start)).
		Msg("Bulk run complete")

	return out, nil
}

// runTask executes one task, converting a panic into the result error.
func runTask[T any](ctx context.Context, t Task[T], mode string) (r Result[T]) {
	r = Result[T]{Key: t.Key, Mode: mode, Start: time.Now()}
	defer func() {
		if p := recover(); p != nil {
			r.Err = fmt.Errorf("%w: %v", ErrTaskPanic, p)
		}
		r.End = time.Now()
	}()
	r.Value, r.Err = t.Run(ctx)
	return r
}
