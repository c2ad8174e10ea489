package mips

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidAuth is returned when a 200 response is the vendor's
	// JavaScript-required page, which means the session is not valid.
	ErrInvalidAuth = errors.New("mips session is invalid")

	// ErrInvalidSwitchStatus is returned for a switch status other than 0 or 1.
	ErrInvalidSwitchStatus = errors.New("unexpected switch status")

	// ErrMissingStatus is returned when the backlight settings response has
	// no is_blacklight field.
	ErrMissingStatus = errors.New("response has no backlight status")

	// ErrValidationFailed is returned when the read-back status differs from
	// the patched one.
	ErrValidationFailed = errors.New("patch validation failed")
)

// ValidationError reports a read-back mismatch after a patch.
type ValidationError struct {
	DeviceID int64
	Want     int
	Got      int
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("patch validation failed for device %d: switch_status %d, actual_status %d", e.DeviceID, e.Want, e.Got)
}

// Is makes errors.Is(err, ErrValidationFailed) true.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidationFailed
}
