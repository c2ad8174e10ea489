package sink

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Table names used by the workflows.
const (
	TableExecuteLogs        = "execute_logs"
	TablePatchBacklightLogs = "patch_backlight_logs"
)

// ErrUnknownTable is returned for a table that has no configuration.
var ErrUnknownTable = errors.New("unknown sink table")

// Row is one result record, column name to value.
type Row map[string]string

// Sink accepts result rows.
type Sink interface {
	Append(ctx context.Context, table string, rows []Row) error
}

// TableConfig configures one table.
type TableConfig struct {
	// Name is the storage name of the table.
	Name string `yaml:"name"`

	// RowLimit caps the number of stored rows. 0 means unlimited.
	RowLimit int64 `yaml:"row_limit"`
}

// LogSink writes rows as log events.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink creates a sink logging at info level.
func NewLogSink() *LogSink {
	return &LogSink{logger: log.With().Str("component", "sink").Logger()}
}

// Append implements Sink.
func (s *LogSink) Append(_ context.Context, table string, rows []Row) error {
	for _, r := range rows {
		ev := s.logger.Info().Str("table", table)
		for _, k := range sortedKeys(r) {
			ev = ev.Str(k, r[k])
		}
		ev.Msg("Result row")
	}
	rowsTotal.WithLabelValues("log", table).Add(float64(len(rows)))
	return nil
}

// Multi appends to every sink and joins their errors.
type Multi []Sink

// Append implements Sink.
func (m Multi) Append(ctx context.Context, table string, rows []Row) error {
	var errs []error
	for i, s := range m {
		if err := s.Append(ctx, table, rows); err != nil {
			errs = append(errs, fmt.Errorf("sink %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

func sortedKeys(r Row) []string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
