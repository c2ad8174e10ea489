package workflow

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Sternrassler/mips-scheduler/pkg/mips"
	"github.com/Sternrassler/mips-scheduler/pkg/schedule"
	"github.com/Sternrassler/mips-scheduler/pkg/sink"
)

type fakeDevices struct {
	mu       sync.Mutex
	devices  []mips.Device
	getErr   error
	failIDs  map[int64]bool
	calls    []bulkCall
	patchErr error
}

type bulkCall struct {
	ids    []int64
	status int
	shadow bool
}

func (f *fakeDevices) GetDevices(context.Context, *bool) ([]mips.Device, error) {
	return f.devices, f.getErr
}

func (f *fakeDevices) PatchBacklightAndValidateBulk(_ context.Context, ids []int64, status int, shadow bool) ([]mips.PatchResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, bulkCall{ids: ids, status: status, shadow: shadow})
	f.mu.Unlock()
	if f.patchErr != nil {
		return nil, f.patchErr
	}
	mode := mips.ModeProduction
	if shadow {
		mode = mips.ModeShadow
	}
	out := make([]mips.PatchResult, len(ids))
	for i, id := range ids {
		out[i] = mips.PatchResult{DeviceID: id, Start: "2024-05-01 14:00:00", End: "2024-05-01 14:00:01", Mode: mode}
		if f.failIDs[id] {
			out[i].Err = errors.New("patch rejected")
		}
	}
	return out, nil
}

type memorySink struct {
	mu     sync.Mutex
	tables map[string][]sink.Row
	err    map[string]error
}

func newMemorySink() *memorySink {
	return &memorySink{tables: map[string][]sink.Row{}, err: map[string]error{}}
}

func (s *memorySink) Append(_ context.Context, table string, rows []sink.Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.err[table]; err != nil {
		return err
	}
	s.tables[table] = append(s.tables[table], rows...)
	return nil
}

func (s *memorySink) rows(table string) []sink.Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tables[table]
}

type fakeNotifier struct {
	msgs []string
}

func (n *fakeNotifier) Send(_ context.Context, msg string) error {
	n.msgs = append(n.msgs, msg)
	return nil
}

var fixedNow = func() time.Time { return time.Date(2024, 5, 1, 14, 5, 0, 0, time.UTC) }

func newTestApp(t *testing.T, rows []schedule.Row, dev *fakeDevices) (*App, *memorySink, *fakeNotifier) {
	t.Helper()
	s := newMemorySink()
	n := &fakeNotifier{}
	app, err := New(Config{
		Source:          schedule.StaticSource(rows),
		Devices:         dev,
		Sink:            s,
		Notifier:        n,
		WorkflowTimeout: time.Minute,
		Now:             fixedNow,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return app, s, n
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("Expected error for missing dependencies")
	}
}

func TestExecuteTasks_RunsDueWorkflows(t *testing.T) {
	dev := &fakeDevices{devices: []mips.Device{{ID: 3}, {ID: 1}, {ID: 3}, {ID: 2}}}
	rows := []schedule.Row{
		{Toggle: "on", HoursToRun: "14", Workflow: PatchBacklightWorkflow, Arguments: "enable", Mode: "production"},
		{Toggle: "off", HoursToRun: "all", Workflow: PatchBacklightWorkflow, Arguments: "disable", Mode: "production"},
		{Toggle: "on", HoursToRun: "3", Workflow: PatchBacklightWorkflow, Arguments: "disable", Mode: "production"},
	}
	app, s, n := newTestApp(t, rows, dev)

	summary, err := app.ExecuteTasks(context.Background())
	if err != nil {
		t.Fatalf("ExecuteTasks() error = %v", err)
	}
	if summary.Fetched != 3 || summary.Due != 1 || len(summary.Results) != 1 {
		t.Fatalf("summary = %+v", summary)
	}
	if summary.RunID == "" {
		t.Error("Expected a run id")
	}

	if len(dev.calls) != 1 {
		t.Fatalf("Expected 1 bulk call, got %d", len(dev.calls))
	}
	call := dev.calls[0]
	if call.status != mips.BacklightOn || call.shadow {
		t.Errorf("bulk call = %+v", call)
	}
	if len(call.ids) != 3 || call.ids[0] != 1 || call.ids[2] != 3 {
		t.Errorf("Expected deduplicated sorted ids [1 2 3], got %v", call.ids)
	}

	exec := s.rows(sink.TableExecuteLogs)
	if len(exec) != 1 {
		t.Fatalf("Expected 1 execute_logs row, got %d", len(exec))
	}
	if exec[0]["workflow"] != PatchBacklightWorkflow || exec[0]["error"] != "" || exec[0]["devices"] != "3" {
		t.Errorf("execute_logs row = %v", exec[0])
	}
	if exec[0]["start_ts"] != "2024-05-01 14:05:00" || exec[0]["run_id"] != summary.RunID {
		t.Errorf("execute_logs row = %v", exec[0])
	}

	if devRows := s.rows(sink.TablePatchBacklightLogs); len(devRows) != 3 {
		t.Errorf("Expected 3 patch_backlight_logs rows, got %d", len(devRows))
	}

	if len(n.msgs) != 1 || !strings.Contains(n.msgs[0], summary.RunID) {
		t.Errorf("notifications = %v", n.msgs)
	}
}

func TestExecuteTasks_ShadowMode(t *testing.T) {
	dev := &fakeDevices{devices: []mips.Device{{ID: 1}}}
	rows := []schedule.Row{
		{Toggle: "on", HoursToRun: "all", Workflow: PatchBacklightWorkflow, Arguments: "disable", Mode: "shadow"},
	}
	app, s, _ := newTestApp(t, rows, dev)

	if _, err := app.ExecuteTasks(context.Background()); err != nil {
		t.Fatalf("ExecuteTasks() error = %v", err)
	}
	if !dev.calls[0].shadow || dev.calls[0].status != mips.BacklightOff {
		t.Errorf("bulk call = %+v", dev.calls[0])
	}
	if got := s.rows(sink.TablePatchBacklightLogs)[0]["mode"]; got != "shadow" {
		t.Errorf("device row mode = %q", got)
	}
}

func TestExecuteTasks_UnsupportedAndInvalidRows(t *testing.T) {
	dev := &fakeDevices{devices: []mips.Device{{ID: 1}}}
	rows := []schedule.Row{
		{Toggle: "on", HoursToRun: "all", Workflow: "reboot", Arguments: "now"},
		{Toggle: "on", HoursToRun: "all", Workflow: PatchBacklightWorkflow, Arguments: "enable, disable"},
		{Toggle: "on", HoursToRun: "all", Workflow: PatchBacklightWorkflow, Arguments: "dim"},
		{Toggle: "on", HoursToRun: "all", Workflow: PatchBacklightWorkflow, Arguments: "enable"},
	}
	app, s, _ := newTestApp(t, rows, dev)

	summary, err := app.ExecuteTasks(context.Background())
	if err != nil {
		t.Fatalf("ExecuteTasks() error = %v", err)
	}
	if len(summary.Results) != 4 || summary.Failed() != 3 {
		t.Fatalf("Expected 4 results with 3 failures, got %+v", summary.Results)
	}
	if !errors.Is(summary.Results[0].Err, ErrUnsupportedWorkflow) {
		t.Errorf("reboot: %v", summary.Results[0].Err)
	}
	for _, i := range []int{1, 2} {
		if !errors.Is(summary.Results[i].Err, ErrInvalidArguments) {
			t.Errorf("row %d: %v", i, summary.Results[i].Err)
		}
	}
	if summary.Results[3].Err != nil {
		t.Errorf("valid row: %v", summary.Results[3].Err)
	}
	if len(dev.calls) != 1 {
		t.Errorf("Expected only the valid row to run, got %d calls", len(dev.calls))
	}
	if n := len(s.rows(sink.TableExecuteLogs)); n != 4 {
		t.Errorf("Expected 4 execute_logs rows, got %d", n)
	}
}

func TestExecuteTasks_NothingDue(t *testing.T) {
	dev := &fakeDevices{}
	app, s, n := newTestApp(t, []schedule.Row{{Toggle: "off", HoursToRun: "all", Workflow: PatchBacklightWorkflow}}, dev)

	summary, err := app.ExecuteTasks(context.Background())
	if err != nil {
		t.Fatalf("ExecuteTasks() error = %v", err)
	}
	if summary.Due != 0 || len(s.rows(sink.TableExecuteLogs)) != 0 || len(n.msgs) != 0 {
		t.Errorf("Expected no work, got summary %+v", summary)
	}
}

type failingSource struct{}

func (failingSource) Rows(context.Context) ([]schedule.Row, error) {
	return nil, errors.New("file not found")
}

func TestExecuteTasks_SourceError(t *testing.T) {
	app, err := New(Config{Source: failingSource{}, Devices: &fakeDevices{}, Sink: newMemorySink()})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := app.ExecuteTasks(context.Background()); !errors.Is(err, ErrWorkflow) {
		t.Errorf("Expected ErrWorkflow, got %v", err)
	}
}

func TestExecuteTasks_SinkError(t *testing.T) {
	dev := &fakeDevices{devices: []mips.Device{{ID: 1}}}
	app, s, _ := newTestApp(t, []schedule.Row{
		{Toggle: "on", HoursToRun: "all", Workflow: PatchBacklightWorkflow, Arguments: "enable"},
	}, dev)
	s.err[sink.TableExecuteLogs] = errors.New("redis down")

	if _, err := app.ExecuteTasks(context.Background()); !errors.Is(err, ErrWorkflow) {
		t.Errorf("Expected ErrWorkflow, got %v", err)
	}
}

func TestPatchBacklight_Failures(t *testing.T) {
	t.Run("get devices", func(t *testing.T) {
		dev := &fakeDevices{getErr: errors.New("server error")}
		app, _, _ := newTestApp(t, nil, dev)
		r := app.PatchBacklight(context.Background(), "run", "production", mips.BacklightOn)
		if !errors.Is(r.Err, ErrWorkflow) || r.End == "" {
			t.Errorf("result = %+v", r)
		}
	})

	t.Run("partial device failure", func(t *testing.T) {
		dev := &fakeDevices{devices: []mips.Device{{ID: 1}, {ID: 2}}, failIDs: map[int64]bool{2: true}}
		app, s, _ := newTestApp(t, nil, dev)
		r := app.PatchBacklight(context.Background(), "run", "production", mips.BacklightOn)
		if r.Err != nil || r.Failed != 1 || r.Devices != 2 {
			t.Errorf("result = %+v", r)
		}
		rows := s.rows(sink.TablePatchBacklightLogs)
		if rows[1]["error"] != "patch rejected" || rows[0]["error"] != "" {
			t.Errorf("device rows = %v", rows)
		}
	})

	t.Run("device log sink", func(t *testing.T) {
		dev := &fakeDevices{devices: []mips.Device{{ID: 1}}}
		app, s, _ := newTestApp(t, nil, dev)
		s.err[sink.TablePatchBacklightLogs] = errors.New("redis down")
		r := app.PatchBacklight(context.Background(), "run", "production", mips.BacklightOn)
		if !errors.Is(r.Err, ErrWorkflow) {
			t.Errorf("result = %+v", r)
		}
	})
}

func TestFormatSummary(t *testing.T) {
	s := Summary{
		RunID:   "abc",
		Fetched: 3,
		Due:     2,
		Results: []Result{
			{Workflow: PatchBacklightWorkflow, Arguments: "enable", Mode: "shadow", Devices: 4, Failed: 1},
			{Workflow: "reboot", Err: ErrUnsupportedWorkflow},
		},
	}
	got := FormatSummary(s)
	want := "MIPS run abc: 2 of 3 tasks due, 1 failed\n" +
		"- patch_backlight enable [shadow] devices=4 failed=1: ok\n" +
		"- reboot: error: workflow is not supported"
	if got != want {
		t.Errorf("FormatSummary() =\n%s\nwant\n%s", got, want)
	}
}
