// Package sink stores result rows from workflow runs.
//
// Rows are appended to named tables. Two tables are used by the workflows:
// execute_logs (one row per workflow run) and patch_backlight_logs (one row
// per device). Each table may cap its row count; the oldest rows are trimmed
// first.
//
// Implementations:
//   - RedisSink appends each table to a Redis stream, trimmed with MAXLEN
//   - LogSink writes rows as structured log events
//   - Multi fans out to several sinks
package sink
