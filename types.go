package catpt

import (
	"encoding/binary"
	"fmt"
)

// All mailbox payloads are packed little-endian, no padding between fields.

// fwReady is the mailbox geometry the DSP publishes once the firmware is up.
type fwReady struct {
	InboxOffset  uint32
	OutboxOffset uint32
	InboxSize    uint32
	OutboxSize   uint32
	FwInfoSize   uint32
	FwInfo       [100]byte
}

// FwVersion is the reply of GET_FW_VERSION.
type FwVersion struct {
	Build            uint8
	Minor            uint8
	Major            uint8
	Type             uint8
	BuildHash        [40]byte
	LogProvidersHash uint32
}

// String formats the version as major.minor.build plus the build hash.
func (v FwVersion) String() string {
	return fmt.Sprintf("%d.%d.%d type %d (%s)", v.Major, v.Minor, v.Build, v.Type, cString(v.BuildHash[:]))
}

// audioFormat describes the stream PCM format.
type audioFormat struct {
	SampleRate    uint32
	BitDepth      uint32
	ChannelMap    uint32
	ChannelConfig uint32
	Interleaving  uint32
	NumChannels   uint8
	ValidBitDepth uint8
	Reserved      [2]byte
}

// ringInfo points the DSP at the page table describing a stream's ring buffer.
type ringInfo struct {
	PageTableAddr uint32
	NumPages      uint32
	Size          uint32
	Offset        uint32
	FirstPFN      uint32
}

type moduleEntry struct {
	ModuleID   uint32
	EntryPoint uint32
}

type memoryInfo struct {
	Offset uint32
	Size   uint32
}

// StreamInfo is returned by ALLOCATE_STREAM. The register addresses are DSP addresses.
type StreamInfo struct {
	StreamHwID       uint32
	Reserved         uint32
	ReadPosRegAddr   uint32
	PresPosRegAddr   uint32
	PeakMeterRegAddr [CATPT_CHANNELS_MAX]uint32
	VolumeRegAddr    [CATPT_CHANNELS_MAX]uint32
}

// MixerStreamInfo is returned by GET_MIXER_STREAM_INFO.
type MixerStreamInfo struct {
	MixerHwID        uint32
	PeakMeterRegAddr [CATPT_CHANNELS_MAX]uint32
	VolumeRegAddr    [CATPT_CHANNELS_MAX]uint32
}

type sspDeviceFormat struct {
	Iface        uint32
	Mclk         uint32
	Mode         uint32
	ClockDivider uint16
	Channels     uint8
}

const saveMeminfoMax = 14

type saveMeminfo struct {
	Offset uint32
	Size   uint32
	Source uint32
}

// dxContext is the reply of ENTER_DX_STATE: the memory the DSP wants saved across D3.
type dxContext struct {
	NumMeminfo uint32
	Meminfo    [saveMeminfoMax]saveMeminfo
}

type setVolumeInput struct {
	Channel       uint32
	TargetVolume  uint32
	CurveDuration uint64
	CurveType     uint32
}

type setWritePosInput struct {
	NewWritePos uint32
	EndOfBuffer bool
	LowLatency  bool
}

// NotifyPosition is the payload of a position-changed notification.
type NotifyPosition struct {
	StreamPosition uint32
	FwCycleCount   uint32
}

// NotifyGlitch is the payload of a glitch notification.
type NotifyGlitch struct {
	Type            GlitchType
	PresentationPos uint64
	WritePos        uint32
}

// allocStreamHead is the fixed leading part of an ALLOCATE_STREAM request.
// The module entries, persistent and scratch memory and notification count follow it.
type allocStreamHead struct {
	PathID      PathID
	StreamType  StreamType
	FormatID    FormatID
	Reserved    uint8
	InputFormat audioFormat
	RingInfo    ringInfo
	NumEntries  uint8
}

type allocStreamTail struct {
	PersistentMem    memoryInfo
	ScratchMem       memoryInfo
	NumNotifications uint32
}

// wireSize returns the packed size of v.
func wireSize(v any) int {
	return binary.Size(v)
}

// marshal appends the packed encoding of each value.
func marshal(vals ...any) ([]byte, error) {
	var b []byte
	for _, v := range vals {
		var err error
		b, err = binary.Append(b, binary.LittleEndian, v)
		if err != nil {
			return nil, fmt.Errorf("encode %T: %w", v, err)
		}
	}

	return b, nil
}

// unmarshal decodes the packed encoding in b into v.
func unmarshal(b []byte, v any) error {
	if _, err := binary.Decode(b, binary.LittleEndian, v); err != nil {
		return fmt.Errorf("decode %T: %w", v, err)
	}

	return nil
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}

	return string(b)
}
