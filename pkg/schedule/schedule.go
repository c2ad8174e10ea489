// Package schedule reads the control panel: the list of workflows with their
// on/off toggle, the UTC hours they run at, their arguments and mode.
package schedule

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"go.yaml.in/yaml/v3"
)

const (
	// ToggleOn enables a row.
	ToggleOn = "on"

	// AllHours in hours_to_run matches every hour.
	AllHours = "all"
)

// Row is one control-panel entry.
type Row struct {
	Toggle     string `yaml:"toggle"`
	HoursToRun string `yaml:"hours_to_run"`
	Workflow   string `yaml:"workflow"`
	Arguments  string `yaml:"arguments"`
	Mode       string `yaml:"mode"`
}

// Enabled reports whether the row is toggled on.
func (r Row) Enabled() bool {
	return strings.EqualFold(strings.TrimSpace(r.Toggle), ToggleOn)
}

// RunsAt reports whether hours_to_run lists the hour or "all". Hours are
// separated by commas or whitespace and compared as whole numbers.
func (r Row) RunsAt(hour int) bool {
	for _, tok := range splitList(r.HoursToRun) {
		tok = strings.ToLower(tok)
		if tok == AllHours {
			return true
		}
		if h, err := strconv.Atoi(tok); err == nil && h == hour {
			return true
		}
	}
	return false
}

// Args returns the comma-separated arguments with surrounding spaces removed.
func (r Row) Args() []string {
	if strings.TrimSpace(r.Arguments) == "" {
		return nil
	}
	parts := strings.Split(r.Arguments, ",")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return parts
}

// Due returns the enabled rows scheduled for the UTC hour of now.
func Due(rows []Row, now time.Time) []Row {
	hour := now.UTC().Hour()
	var due []Row
	for _, r := range rows {
		if r.Enabled() && r.RunsAt(hour) {
			due = append(due, r)
		}
	}
	return due
}

func splitList(s string) []string {
	return strings.FieldsFunc(s, func(c rune) bool {
		return c == ',' || c == ' ' || c == '\t' || c == ';'
	})
}

// Source provides control-panel rows.
type Source interface {
	Rows(ctx context.Context) ([]Row, error)
}

// FileSource reads rows from a YAML file of the form:
//
//	control_panel:
//	  - toggle: on
//	    hours_to_run: "6, 18"
//	    workflow: patch_backlight
//	    arguments: enable
//	    mode: shadow
//
// The file is re-read on every call so edits apply to the next run.
type FileSource struct {
	Path string
}

type controlPanel struct {
	ControlPanel []Row `yaml:"control_panel"`
}

// Rows implements Source.
func (s FileSource) Rows(ctx context.Context) ([]Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("read control panel: %w", err)
	}
	return Parse(data)
}

// Parse decodes a control panel document. Unknown fields are rejected.
func Parse(data []byte) ([]Row, error) {
	var doc controlPanel
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("parse control panel: %w", err)
	}
	return doc.ControlPanel, nil
}

// StaticSource serves a fixed set of rows.
type StaticSource []Row

// Rows implements Source.
func (s StaticSource) Rows(context.Context) ([]Row, error) {
	return append([]Row(nil), s...), nil
}
