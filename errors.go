package catpt

import (
	"errors"
	"fmt"
)

// Error kinds returned by the driver. Callers compare with errors.Is.
var (
	ErrNoMemory           = errors.New("no memory")
	ErrDeviceBusy         = errors.New("device busy")
	ErrResourceBusy       = errors.New("resource busy")
	ErrTimeout            = errors.New("timeout")
	ErrIOTimeout          = errors.New("i/o timeout")
	ErrInvalidParameter   = errors.New("invalid parameter")
	ErrInvalidDeviceState = errors.New("invalid device state")
	ErrNotFound           = errors.New("not found")
	ErrBufferOverflow     = errors.New("buffer overflow")
	ErrNoSuchDevice       = errors.New("no such device")
	ErrInvalidConfig      = errors.New("invalid configuration")
)

// ReplyError is returned when the DSP answers a well-formed request with a non-success status.
type ReplyError struct {
	Status ReplyStatus
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("dsp replied %s (%d)", e.Status, uint32(e.Status))
}

// Is reports ErrInvalidDeviceState for any DSP reply failure.
func (e *ReplyError) Is(target error) bool {
	return target == ErrInvalidDeviceState
}

// ConflictError is returned by Tree.Request when the range overlaps a busy region.
// Region is the conflicting node, Start and End its bounds.
type ConflictError struct {
	Region Region
	Start  uint64
	End    uint64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflicts with busy region [%#x-%#x]", e.Start, e.End)
}

// Is reports ErrDeviceBusy.
func (e *ConflictError) Is(target error) bool {
	return target == ErrDeviceBusy
}

// IsRetryable reports whether err is a transient busy condition the caller may retry.
// Any other non-nil error is fatal for the operation that returned it.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrDeviceBusy) || errors.Is(err, ErrResourceBusy)
}
