package catpt

import (
	"fmt"
	"time"
)

// Defaults applied by New to zero Config fields.
const (
	DefaultIPCTimeout      = 300 * time.Millisecond
	DefaultFwReadyTimeout  = 250 * time.Millisecond
	DefaultSSPClockDivider = 9
)

// Config selects the platform and tunes the driver. The zero value is usable.
type Config struct {
	// Platform selects the register layout. Defaults to PlatformWPT.
	Platform Platform
	// FirmwarePath is the firmware image to boot. Defaults to the platform's image under /lib/firmware/intel.
	FirmwarePath string
	// IPCTimeout bounds each wait for a reply.
	IPCTimeout time.Duration
	// FwReadyTimeout bounds the wait for the firmware to announce itself after boot.
	FwReadyTimeout time.Duration
	// DMAPriority orders the channel priorities of the firmware load DMA controller.
	DMAPriority Priority
	// SSPClockDivider is sent to the firmware for SSP0 at Init.
	SSPClockDivider uint16
	// Debug traces every IPC message.
	Debug bool
}

// withDefaults returns cfg with zero fields filled in and the platform resolved.
func (cfg Config) withDefaults() (Config, *PlatformSpec, error) {
	spec := SpecFor(cfg.Platform)
	if spec == nil {
		return cfg, nil, fmt.Errorf("platform %s: %w", cfg.Platform, ErrInvalidConfig)
	}

	if cfg.FirmwarePath == "" {
		cfg.FirmwarePath = spec.DefaultFw
	}

	if cfg.IPCTimeout <= 0 {
		cfg.IPCTimeout = DefaultIPCTimeout
	}

	if cfg.FwReadyTimeout <= 0 {
		cfg.FwReadyTimeout = DefaultFwReadyTimeout
	}

	if cfg.SSPClockDivider == 0 {
		cfg.SSPClockDivider = DefaultSSPClockDivider
	}

	if cfg.DMAPriority != PriorityAscending && cfg.DMAPriority != PriorityDescending {
		return cfg, nil, fmt.Errorf("dma priority %d: %w", cfg.DMAPriority, ErrInvalidConfig)
	}

	return cfg, spec, nil
}
