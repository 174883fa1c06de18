package catpt

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/bits"
)

// Volume steps accepted by SetVolume and SetStreamVolume.
const (
	VolumeStepMin = 0
	VolumeStepMax = 30
)

// CtlVolToDSPVol converts a volume step to the firmware's linear scale.
// Step 30 is full scale; every step below halves it. Steps out of range map to step 0.
func CtlVolToDSPVol(step int) uint32 {
	if step < VolumeStepMin || step > VolumeStepMax {
		step = VolumeStepMin
	}

	return math.MaxInt32 >> (VolumeStepMax - step)
}

// DSPVolToCtlVol converts a linear firmware volume back to the nearest step at or below it.
func DSPVolToCtlVol(vol uint32) int {
	step := bits.Len64(uint64(vol)+1) - 2

	return max(VolumeStepMin, min(step, VolumeStepMax))
}

// Volume reads the current output mixer volume of every channel from the firmware's volume registers.
func (d *Device) Volume() ([CATPT_CHANNELS_MAX]int, error) {
	var steps [CATPT_CHANNELS_MAX]int
	if d == nil {
		return steps, ErrNoSuchDevice
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.initialized {
		return steps, fmt.Errorf("mixer volume: %w", ErrNoSuchDevice)
	}

	var buf [4]byte
	for i, addr := range d.mixer.VolumeRegAddr {
		if _, err := d.lpe.ReadAt(buf[:], int64(dspToHost(addr))); err != nil {
			return steps, fmt.Errorf("mixer volume channel %d: %w", i, err)
		}
		steps[i] = DSPVolToCtlVol(binary.LittleEndian.Uint32(buf[:]))
	}

	return steps, nil
}

// MixerInfo returns the mixer stream info queried at Init.
func (d *Device) MixerInfo() (MixerStreamInfo, error) {
	if d == nil {
		return MixerStreamInfo{}, ErrNoSuchDevice
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	return d.mixer, nil
}

// SetVolume sets the output mixer volume, one step per channel.
func (d *Device) SetVolume(steps [CATPT_CHANNELS_MAX]int) error {
	if d == nil {
		return ErrNoSuchDevice
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.setVolume(uint8(d.mixer.MixerHwID), steps); err != nil {
		return fmt.Errorf("mixer volume: %w", err)
	}

	return nil
}

// SetStreamVolume sets the volume of an allocated stream, one step per channel.
func (d *Device) SetStreamVolume(dir Direction, steps [CATPT_CHANNELS_MAX]int) error {
	s, err := d.stream(dir)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if !s.allocated {
		return fmt.Errorf("%s volume: not allocated: %w", dir, ErrInvalidParameter)
	}

	if err := d.setVolume(uint8(s.info.StreamHwID), steps); err != nil {
		return fmt.Errorf("%s volume: %w", dir, err)
	}

	return nil
}

// setVolume sends one all-channels request when every channel maps to the same linear volume,
// else one request per channel until the first failure.
func (d *Device) setVolume(hwID uint8, steps [CATPT_CHANNELS_MAX]int) error {
	var vols [CATPT_CHANNELS_MAX]uint32
	uniform := true
	for i, s := range steps {
		vols[i] = CtlVolToDSPVol(s)
		if vols[i] != vols[0] {
			uniform = false
		}
	}

	if uniform {
		return d.ipcSetVolume(hwID, CATPT_ALL_CHANNELS_MASK, vols[0], 0, CATPT_AUDIO_CURVE_NONE)
	}

	for i, vol := range vols {
		if err := d.ipcSetVolume(hwID, uint32(i), vol, 0, CATPT_AUDIO_CURVE_NONE); err != nil {
			return err
		}
	}

	return nil
}
