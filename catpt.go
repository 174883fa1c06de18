// Package catpt drives the Intel Haswell/Broadwell audio DSP (Smart Sound Technology, "catpt") from user space:
// power sequencing, firmware load over the DesignWare DMA controller, IPC with the firmware and stream lifecycle.
package catpt

import "fmt"

// ReplyStatus is the status field of a DSP reply.
type ReplyStatus uint32

const (
	CATPT_REPLY_SUCCESS              ReplyStatus = 0
	CATPT_REPLY_ERROR_INVALID_PARAM  ReplyStatus = 1
	CATPT_REPLY_UNKNOWN_MESSAGE_TYPE ReplyStatus = 2
	CATPT_REPLY_OUT_OF_RESOURCES     ReplyStatus = 3
	CATPT_REPLY_BUSY                 ReplyStatus = 4
	CATPT_REPLY_PENDING              ReplyStatus = 5 // long running, the result follows on the DSP doorbell
	CATPT_REPLY_FAILURE              ReplyStatus = 6
	CATPT_REPLY_INVALID_REQUEST      ReplyStatus = 7
	CATPT_REPLY_UNINITIALIZED        ReplyStatus = 8
	CATPT_REPLY_NOT_FOUND            ReplyStatus = 9
	CATPT_REPLY_SOURCE_NOT_STARTED   ReplyStatus = 10
)

// ReplyStatusNames provides human-readable names for DSP reply codes.
var ReplyStatusNames = map[ReplyStatus]string{
	CATPT_REPLY_SUCCESS:              "SUCCESS",
	CATPT_REPLY_ERROR_INVALID_PARAM:  "ERROR_INVALID_PARAM",
	CATPT_REPLY_UNKNOWN_MESSAGE_TYPE: "UNKNOWN_MESSAGE_TYPE",
	CATPT_REPLY_OUT_OF_RESOURCES:     "OUT_OF_RESOURCES",
	CATPT_REPLY_BUSY:                 "BUSY",
	CATPT_REPLY_PENDING:              "PENDING",
	CATPT_REPLY_FAILURE:              "FAILURE",
	CATPT_REPLY_INVALID_REQUEST:      "INVALID_REQUEST",
	CATPT_REPLY_UNINITIALIZED:        "UNINITIALIZED",
	CATPT_REPLY_NOT_FOUND:            "NOT_FOUND",
	CATPT_REPLY_SOURCE_NOT_STARTED:   "SOURCE_NOT_STARTED",
}

// String returns the name of the status.
func (s ReplyStatus) String() string {
	if name, ok := ReplyStatusNames[s]; ok {
		return name
	}

	return fmt.Sprintf("STATUS_%d", uint32(s))
}

// GlobalMsgType is the global message type field of an IPC header.
type GlobalMsgType uint32

const (
	CATPT_GLB_GET_FW_VERSION        GlobalMsgType = 0
	CATPT_GLB_ALLOCATE_STREAM       GlobalMsgType = 3
	CATPT_GLB_FREE_STREAM           GlobalMsgType = 4
	CATPT_GLB_STREAM_MESSAGE        GlobalMsgType = 6
	CATPT_GLB_REQUEST_CORE_DUMP     GlobalMsgType = 7
	CATPT_GLB_SET_DEVICE_FORMATS    GlobalMsgType = 10
	CATPT_GLB_ENTER_DX_STATE        GlobalMsgType = 12
	CATPT_GLB_GET_MIXER_STREAM_INFO GlobalMsgType = 13
)

// StreamMsgType is the stream message type field of a stream IPC header.
type StreamMsgType uint32

const (
	CATPT_STRM_RESET_STREAM  StreamMsgType = 0
	CATPT_STRM_PAUSE_STREAM  StreamMsgType = 1
	CATPT_STRM_RESUME_STREAM StreamMsgType = 2
	CATPT_STRM_STAGE_MESSAGE StreamMsgType = 3
	CATPT_STRM_NOTIFICATION  StreamMsgType = 4
)

// StageAction selects the operation of a stage message.
type StageAction uint32

const (
	CATPT_STG_SET_VOLUME         StageAction = 1
	CATPT_STG_SET_WRITE_POSITION StageAction = 2
	CATPT_STG_MUTE_LOOPBACK      StageAction = 3
)

// NotifyReason is the reason field of a notification header.
type NotifyReason uint32

const (
	CATPT_NOTIFY_POSITION_CHANGED NotifyReason = 0
	CATPT_NOTIFY_GLITCH_OCCURRED  NotifyReason = 1
)

// GlitchType classifies a glitch notification.
type GlitchType uint32

const (
	CATPT_GLITCH_UNDERRUN          GlitchType = 1
	CATPT_GLITCH_DECODER_ERROR     GlitchType = 2
	CATPT_GLITCH_DOUBLED_WRITE_POS GlitchType = 3
)

// PathID identifies the SSP port and direction a stream is attached to.
type PathID uint8

const (
	CATPT_PATH_SSP0_OUT    PathID = 0
	CATPT_PATH_SSP0_IN     PathID = 1
	CATPT_PATH_SSP1_OUT    PathID = 2
	CATPT_PATH_SSP1_IN     PathID = 3
	CATPT_PATH_SSP0_IN_DUP PathID = 4 // duplicated audio in capture path
)

// StreamType classifies a firmware stream.
type StreamType uint8

const (
	CATPT_STRM_TYPE_RENDER            StreamType = 0 // offload
	CATPT_STRM_TYPE_SYSTEM            StreamType = 1
	CATPT_STRM_TYPE_CAPTURE           StreamType = 2
	CATPT_STRM_TYPE_LOOPBACK          StreamType = 3
	CATPT_STRM_TYPE_BLUETOOTH_RENDER  StreamType = 4
	CATPT_STRM_TYPE_BLUETOOTH_CAPTURE StreamType = 5
)

// StreamTypeNames provides human-readable names for stream types.
var StreamTypeNames = []string{
	"RENDER",
	"SYSTEM",
	"CAPTURE",
	"LOOPBACK",
	"BLUETOOTH_RENDER",
	"BLUETOOTH_CAPTURE",
}

// FormatID is the payload encoding of a stream.
type FormatID uint8

const (
	CATPT_FORMAT_PCM FormatID = 0
	CATPT_FORMAT_MP3 FormatID = 1
	CATPT_FORMAT_AAC FormatID = 2
	CATPT_FORMAT_WMA FormatID = 3
)

// ModuleID identifies a firmware module.
type ModuleID uint32

const (
	CATPT_MODID_BASE_FW           ModuleID = 0x0
	CATPT_MODID_MP3               ModuleID = 0x1
	CATPT_MODID_AAC_5_1           ModuleID = 0x2
	CATPT_MODID_AAC_2_0           ModuleID = 0x3
	CATPT_MODID_SRC               ModuleID = 0x4
	CATPT_MODID_WAVES             ModuleID = 0x5
	CATPT_MODID_DOLBY             ModuleID = 0x6
	CATPT_MODID_BOOST             ModuleID = 0x7
	CATPT_MODID_LPAL              ModuleID = 0x8
	CATPT_MODID_DTS               ModuleID = 0x9
	CATPT_MODID_PCM_CAPTURE       ModuleID = 0xA
	CATPT_MODID_PCM_SYSTEM        ModuleID = 0xB
	CATPT_MODID_PCM_REFERENCE     ModuleID = 0xC
	CATPT_MODID_PCM               ModuleID = 0xD // offload
	CATPT_MODID_BLUETOOTH_RENDER  ModuleID = 0xE
	CATPT_MODID_BLUETOOTH_CAPTURE ModuleID = 0xF
	CATPT_MODID_LAST                       = CATPT_MODID_BLUETOOTH_CAPTURE

	CATPT_MODULE_COUNT = int(CATPT_MODID_LAST) + 1
)

// ModuleNames provides human-readable names for firmware modules, indexed by ModuleID.
var ModuleNames = [CATPT_MODULE_COUNT]string{
	"BASE_FW",
	"MP3",
	"AAC_5_1",
	"AAC_2_0",
	"SRC",
	"WAVES",
	"DOLBY",
	"BOOST",
	"LPAL",
	"DTS",
	"PCM_CAPTURE",
	"PCM_SYSTEM",
	"PCM_REFERENCE",
	"PCM",
	"BLUETOOTH_RENDER",
	"BLUETOOTH_CAPTURE",
}

// String returns the module name.
func (id ModuleID) String() string {
	if int(id) < CATPT_MODULE_COUNT {
		return ModuleNames[id]
	}

	return fmt.Sprintf("MODULE_%#x", uint32(id))
}

// Channel positions used in a channel map.
const (
	CATPT_CHANNEL_LEFT           = 0x0
	CATPT_CHANNEL_CENTER         = 0x1
	CATPT_CHANNEL_RIGHT          = 0x2
	CATPT_CHANNEL_LEFT_SURROUND  = 0x3
	CATPT_CHANNEL_RIGHT_SURROUND = 0x4
	CATPT_CHANNEL_LFE            = 0x7
	CATPT_CHANNEL_INVALID        = 0xF

	CATPT_CHANNELS_MAX      = 4
	CATPT_ALL_CHANNELS_MASK = 0xFFFFFFFF

	CATPT_CHANNEL_CONFIG_MONO   = 0
	CATPT_CHANNEL_CONFIG_STEREO = 1

	CATPT_INTERLEAVING_PER_CHANNEL = 0
	CATPT_INTERLEAVING_PER_SAMPLE  = 1
)

// SSP interface, clock and mode selectors for SetDeviceFormat.
const (
	CATPT_SSP_IFACE_0 = 0
	CATPT_SSP_IFACE_1 = 1

	CATPT_MCLK_OFF         = 0
	CATPT_MCLK_FREQ_6_MHZ  = 1
	CATPT_MCLK_FREQ_21_MHZ = 2
	CATPT_MCLK_FREQ_24_MHZ = 3

	CATPT_SSP_MODE_I2S_CONSUMER = 0
	CATPT_SSP_MODE_I2S_PROVIDER = 1
	CATPT_SSP_MODE_TDM_PROVIDER = 2
)

// Power states accepted by EnterDxState.
const (
	CATPT_DX_STATE_D3 = 3
)

// Volume curve types.
const (
	CATPT_AUDIO_CURVE_NONE         = 0
	CATPT_AUDIO_CURVE_WINDOWS_FADE = 1
)

// Direction selects one of the two stream slots.
type Direction int

const (
	// StreamOut is the system playback slot.
	StreamOut Direction = 0
	// StreamIn is the system capture slot.
	StreamIn Direction = 1
)

// String returns "playback" or "capture".
func (d Direction) String() string {
	switch d {
	case StreamOut:
		return "playback"
	case StreamIn:
		return "capture"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

// Fixed stream format. The firmware streams are always programmed as 48kHz, 16-bit stereo.
const (
	StreamRate     = 48000
	StreamBits     = 16
	StreamChannels = 2
	FrameBytes     = StreamChannels * StreamBits / 8
)
