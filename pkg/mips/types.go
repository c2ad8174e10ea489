package mips

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Backlight switch statuses understood by the API.
const (
	BacklightOff = 0
	BacklightOn  = 1
)

// Mode is the operating mode recorded on bulk results.
type Mode string

const (
	// ModeShadow logs write operations instead of sending them.
	ModeShadow Mode = "shadow"

	// ModeProduction sends write operations.
	ModeProduction Mode = "production"
)

// FlexInt decodes integers the API sends either as JSON numbers or as
// numeric strings.
type FlexInt int64

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexInt) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			*f = 0
			return nil
		}
		data = []byte(s)
	}
	v, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		fl, ferr := strconv.ParseFloat(string(data), 64)
		if ferr != nil {
			return fmt.Errorf("decode integer %q: %w", data, err)
		}
		v = int64(fl)
	}
	*f = FlexInt(v)
	return nil
}

// Device is one entry of the device listing.
type Device struct {
	ID       FlexInt `json:"id"`
	Name     string  `json:"device_name"`
	IsOnline FlexInt `json:"is_online"`
}

type devicesPage struct {
	Data       []Device `json:"data"`
	Pagination struct {
		Page FlexInt `json:"page"`
		Max  FlexInt `json:"max"`
	} `json:"pagination"`
}

type backlightSettings struct {
	IsBacklight *FlexInt `json:"is_blacklight"`
}

// PatchResult is the outcome of patching one device in a bulk run.
type PatchResult struct {
	DeviceID int64
	Start    string
	End      string
	Err      error
	TimedOut bool
	Mode     Mode
}
