// Package workflow runs the scheduled MIPS workflows.
//
// ExecuteTasks reads the control panel, keeps the rows due at the current
// UTC hour, runs their workflows concurrently, appends one execution row per
// workflow to the execute_logs table and sends a summary to the chat.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Sternrassler/mips-scheduler/pkg/mips"
	"github.com/Sternrassler/mips-scheduler/pkg/schedule"
	"github.com/Sternrassler/mips-scheduler/pkg/sink"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Workflow names.
const (
	PatchBacklightWorkflow = "patch_backlight"
)

// Patch backlight arguments.
const (
	ArgEnable  = "enable"
	ArgDisable = "disable"
)

var (
	// ErrWorkflow wraps failures of ExecuteTasks itself.
	ErrWorkflow = errors.New("workflow error")

	// ErrUnsupportedWorkflow is reported for rows naming an unknown workflow.
	ErrUnsupportedWorkflow = errors.New("workflow is not supported")

	// ErrInvalidArguments is reported for rows with unusable arguments.
	ErrInvalidArguments = errors.New("invalid workflow arguments")
)

// Devices is the part of the MIPS client the workflows use.
type Devices interface {
	GetDevices(ctx context.Context, online *bool) ([]mips.Device, error)
	PatchBacklightAndValidateBulk(ctx context.Context, deviceIDs []int64, switchStatus int, shadow bool) ([]mips.PatchResult, error)
}

// Notifier sends chat messages.
type Notifier interface {
	Send(ctx context.Context, msg string) error
}

// Config wires an App.
type Config struct {
	Source   schedule.Source
	Devices  Devices
	Sink     sink.Sink
	Notifier Notifier // optional

	// WorkflowTimeout bounds one workflow run. 0 means no bound.
	WorkflowTimeout time.Duration

	// Now overrides the clock (for tests).
	Now func() time.Time
}

// App executes workflows.
type App struct {
	source   schedule.Source
	devices  Devices
	sink     sink.Sink
	notifier Notifier
	timeout  time.Duration
	now      func() time.Time
	logger   zerolog.Logger
}

// Result describes one workflow run.
type Result struct {
	RunID     string
	Workflow  string
	Arguments string
	Mode      string
	Start     string
	End       string
	Devices   int
	Failed    int
	Err       error
}

// Row converts the result to an execute_logs row.
func (r Result) Row() sink.Row {
	return sink.Row{
		"run_id":    r.RunID,
		"workflow":  r.Workflow,
		"arguments": r.Arguments,
		"mode":      r.Mode,
		"start_ts":  r.Start,
		"end_ts":    r.End,
		"devices":   strconv.Itoa(r.Devices),
		"failed":    strconv.Itoa(r.Failed),
		"error":     errString(r.Err),
	}
}

// Summary is the outcome of one ExecuteTasks call.
type Summary struct {
	RunID   string
	Fetched int
	Due     int
	Results []Result
}

// Failed counts workflows that returned an error.
func (s Summary) Failed() int {
	n := 0
	for _, r := range s.Results {
		if r.Err != nil {
			n++
		}
	}
	return n
}

// New creates an App.
func New(cfg Config) (*App, error) {
	if cfg.Source == nil {
		return nil, errors.New("workflow source is required")
	}
	if cfg.Devices == nil {
		return nil, errors.New("workflow devices client is required")
	}
	if cfg.Sink == nil {
		return nil, errors.New("workflow sink is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &App{
		source:   cfg.Source,
		devices:  cfg.Devices,
		sink:     cfg.Sink,
		notifier: cfg.Notifier,
		timeout:  cfg.WorkflowTimeout,
		now:      cfg.Now,
		logger:   log.With().Str("component", "workflow").Logger(),
	}, nil
}

type task struct {
	row schedule.Row
	run func(ctx context.Context, runID string) Result
}

// ExecuteTasks runs every workflow due now. Individual workflow failures are
// recorded in the summary; the returned error is only set when the control
// panel cannot be read or the execution log cannot be written.
func (a *App) ExecuteTasks(ctx context.Context) (Summary, error) {
	runID := uuid.NewString()
	logger := a.logger.With().Str("run_id", runID).Logger()
	summary := Summary{RunID: runID}

	rows, err := a.source.Rows(ctx)
	if err != nil {
		return summary, fmt.Errorf("%w: execute_tasks failed to fetch tasks: %w", ErrWorkflow, err)
	}
	summary.Fetched = len(rows)
	logger.Info().Int("tasks", len(rows)).Msg("Fetched tasks from control panel")

	due := schedule.Due(rows, a.now())
	summary.Due = len(due)
	if len(due) == 0 {
		logger.Info().Msg("No enabled tasks, nothing to do")
		return summary, nil
	}
	logger.Info().Int("tasks", len(due)).Msg("Tasks to execute after filtering")

	results := make([]Result, len(due))
	var wg sync.WaitGroup
	for i, row := range due {
		t, err := a.parse(row)
		if err != nil {
			logger.Info().Err(err).Str("workflow", row.Workflow).Msg("Task parsing error")
			ts := a.timestamp()
			results[i] = Result{
				RunID: runID, Workflow: row.Workflow, Arguments: row.Arguments, Mode: row.Mode,
				Start: ts, End: ts, Err: err,
			}
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			wctx, cancel := a.workflowContext(ctx)
			defer cancel()
			results[i] = t.run(wctx, runID)
		}()
	}
	wg.Wait()
	summary.Results = results

	logger.Info().
		Int("executed", len(results)).
		Int("failed", summary.Failed()).
		Msg("Tasks executed")

	logRows := make([]sink.Row, len(results))
	for i, r := range results {
		logRows[i] = r.Row()
	}
	if err := a.sink.Append(ctx, sink.TableExecuteLogs, logRows); err != nil {
		return summary, fmt.Errorf("%w: execute_tasks failed to append task logs: %w", ErrWorkflow, err)
	}
	logger.Info().Msg("Task execution data stored")

	a.notify(ctx, FormatSummary(summary))
	return summary, nil
}

func (a *App) workflowContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.timeout > 0 {
		return context.WithTimeout(ctx, a.timeout)
	}
	return context.WithCancel(ctx)
}

// parse maps a row to its workflow.
func (a *App) parse(row schedule.Row) (task, error) {
	switch row.Workflow {
	case PatchBacklightWorkflow:
		args := row.Args()
		if len(args) != 1 {
			return task{}, fmt.Errorf("%w: %s takes 1 argument, got %d", ErrInvalidArguments, row.Workflow, len(args))
		}
		status, err := switchStatus(args[0])
		if err != nil {
			return task{}, err
		}
		return task{row: row, run: func(ctx context.Context, runID string) Result {
			r := a.PatchBacklight(ctx, runID, row.Mode, status)
			r.Arguments = row.Arguments
			return r
		}}, nil
	default:
		return task{}, fmt.Errorf("%w: %q", ErrUnsupportedWorkflow, row.Workflow)
	}
}

func switchStatus(arg string) (int, error) {
	switch strings.ToLower(arg) {
	case ArgEnable:
		return mips.BacklightOn, nil
	case ArgDisable:
		return mips.BacklightOff, nil
	default:
		return 0, fmt.Errorf("%w: unknown switch argument %q", ErrInvalidArguments, arg)
	}
}

// PatchBacklight fetches all devices, patches and validates their backlight
// and appends one row per device to patch_backlight_logs. Mode "shadow"
// skips the writes.
func (a *App) PatchBacklight(ctx context.Context, runID, mode string, status int) Result {
	result := Result{
		RunID:    runID,
		Workflow: PatchBacklightWorkflow,
		Mode:     mode,
		Start:    a.timestamp(),
	}
	logger := a.logger.With().Str("run_id", runID).Str("workflow", PatchBacklightWorkflow).Logger()

	devices, err := a.devices.GetDevices(ctx, nil)
	if err != nil {
		result.Err = fmt.Errorf("%w: patch_backlight failed to get devices: %w", ErrWorkflow, err)
		result.End = a.timestamp()
		return result
	}

	ids := uniqueIDs(devices)
	result.Devices = len(ids)
	logger.Debug().Int("devices", len(ids)).Msg("Patching devices")

	patched, err := a.devices.PatchBacklightAndValidateBulk(ctx, ids, status, mode == string(mips.ModeShadow))
	if err != nil {
		result.Err = fmt.Errorf("%w: patch_backlight failed to patch devices: %w", ErrWorkflow, err)
		result.End = a.timestamp()
		return result
	}

	rows := make([]sink.Row, len(patched))
	for i, p := range patched {
		if p.Err != nil {
			result.Failed++
		}
		rows[i] = sink.Row{
			"run_id":    runID,
			"device":    strconv.FormatInt(p.DeviceID, 10),
			"start_ts":  p.Start,
			"end_ts":    p.End,
			"mode":      string(p.Mode),
			"timed_out": strconv.FormatBool(p.TimedOut),
			"error":     errString(p.Err),
		}
	}

	if len(rows) > 0 {
		if err := a.sink.Append(ctx, sink.TablePatchBacklightLogs, rows); err != nil {
			result.Err = fmt.Errorf("%w: patch_backlight failed to append device logs: %w", ErrWorkflow, err)
		}
	}
	result.End = a.timestamp()

	logger.Info().
		Int("devices", result.Devices).
		Int("failed", result.Failed).
		Str("mode", mode).
		Msg("Backlight workflow done")
	return result
}

func (a *App) notify(ctx context.Context, msg string) {
	if a.notifier == nil {
		return
	}
	if err := a.notifier.Send(ctx, msg); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to send run summary")
	}
}

func (a *App) timestamp() string {
	return a.now().UTC().Format(mips.TimestampLayout)
}

func uniqueIDs(devices []mips.Device) []int64 {
	seen := make(map[int64]struct{}, len(devices))
	ids := make([]int64, 0, len(devices))
	for _, d := range devices {
		id := int64(d.ID)
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
