package catpt

import (
	"fmt"
)

// MsgHeader is the 32-bit IPC header written to the doorbell registers.
//
//	global:  status[4:0] context[23:5] type[28:24] fw_ready[29] done[30] busy[31]
//	stream:  status[4:0] stage[15:12] hw_id[19:16] msg_type[23:20] type[28:24]
//	notify:  mailbox_address[28:0] (fw_ready only), reason[15:12] hw_id[19:16]
type MsgHeader uint32

const (
	hdrStatusShift  = 0
	hdrStatusMask   = 0x1F
	hdrContextShift = 5
	hdrContextMask  = 0x7FFFF
	hdrGlobalShift  = 24
	hdrGlobalMask   = 0x1F
	hdrStageShift   = 12
	hdrStageMask    = 0xF
	hdrHwIDShift    = 16
	hdrHwIDMask     = 0xF
	hdrStreamShift  = 20
	hdrStreamMask   = 0xF
	hdrMailboxMask  = 0x1FFFFFFF

	hdrFwReady uint32 = 1 << 29
	hdrDone    uint32 = 1 << 30
	hdrBusy    uint32 = 1 << 31
)

func (h MsgHeader) field(shift, mask uint32) uint32 {
	return uint32(h) >> shift & mask
}

func (h MsgHeader) with(shift, mask, v uint32) MsgHeader {
	return MsgHeader(uint32(h)&^(mask<<shift) | (v&mask)<<shift)
}

// Status returns the reply status.
func (h MsgHeader) Status() ReplyStatus { return ReplyStatus(h.field(hdrStatusShift, hdrStatusMask)) }

// Context returns the 19-bit stream or module specific context.
func (h MsgHeader) Context() uint32 { return h.field(hdrContextShift, hdrContextMask) }

// GlobalType returns the global message type.
func (h MsgHeader) GlobalType() GlobalMsgType {
	return GlobalMsgType(h.field(hdrGlobalShift, hdrGlobalMask))
}

// StreamType returns the stream message type of a stream message.
func (h MsgHeader) StreamType() StreamMsgType {
	return StreamMsgType(h.field(hdrStreamShift, hdrStreamMask))
}

// StageAction returns the stage action of a stage message.
func (h MsgHeader) StageAction() StageAction {
	return StageAction(h.field(hdrStageShift, hdrStageMask))
}

// NotifyReason shares the stage action bits.
func (h MsgHeader) NotifyReason() NotifyReason {
	return NotifyReason(h.field(hdrStageShift, hdrStageMask))
}

// HwID returns the stream hardware id of a stream message or notification.
func (h MsgHeader) HwID() uint8 { return uint8(h.field(hdrHwIDShift, hdrHwIDMask)) }

// FwReady reports the one-time firmware ready announcement.
func (h MsgHeader) FwReady() bool { return uint32(h)&hdrFwReady != 0 }

// MailboxAddress returns the byte address of the fw-ready structure. The header carries it shifted right by 3.
func (h MsgHeader) MailboxAddress() uint32 { return (uint32(h) & hdrMailboxMask) << 3 }

func (h MsgHeader) String() string {
	if h.FwReady() {
		return fmt.Sprintf("%#08x fw_ready mailbox %#x", uint32(h), h.MailboxAddress())
	}

	if h.GlobalType() == CATPT_GLB_STREAM_MESSAGE {
		return fmt.Sprintf("%#08x stream %d type %d stage %d status %s",
			uint32(h), h.HwID(), h.StreamType(), h.StageAction(), h.Status())
	}

	return fmt.Sprintf("%#08x global %d status %s", uint32(h), h.GlobalType(), h.Status())
}

func globalMsg(t GlobalMsgType) MsgHeader {
	return MsgHeader(0).with(hdrGlobalShift, hdrGlobalMask, uint32(t))
}

func streamMsg(t StreamMsgType, hwID uint8) MsgHeader {
	return globalMsg(CATPT_GLB_STREAM_MESSAGE).
		with(hdrStreamShift, hdrStreamMask, uint32(t)).
		with(hdrHwIDShift, hdrHwIDMask, uint32(hwID))
}

func stageMsg(a StageAction, hwID uint8) MsgHeader {
	return streamMsg(CATPT_STRM_STAGE_MESSAGE, hwID).with(hdrStageShift, hdrStageMask, uint32(a))
}

// DSP view of the DRAM window, used for memory handed to the firmware in stream requests.
const dspDRAMOffset = 0x400000

func toDSPOffset(off uint64) uint32 {
	return uint32(off) | dspDRAMOffset
}

// GetFwVersion queries the running firmware's version.
func (d *Device) GetFwVersion() (FwVersion, error) {
	var ver FwVersion

	reply := make([]byte, wireSize(&ver))
	if _, err := d.SendMsg(globalMsg(CATPT_GLB_GET_FW_VERSION), nil, reply); err != nil {
		return ver, fmt.Errorf("get fw version: %w", err)
	}

	err := unmarshal(reply, &ver)

	return ver, err
}

// GetMixerStreamInfo queries the mixer hardware id and its register addresses.
func (d *Device) GetMixerStreamInfo() (MixerStreamInfo, error) {
	var info MixerStreamInfo

	reply := make([]byte, wireSize(&info))
	if _, err := d.SendMsg(globalMsg(CATPT_GLB_GET_MIXER_STREAM_INFO), nil, reply); err != nil {
		return info, fmt.Errorf("get mixer info: %w", err)
	}

	err := unmarshal(reply, &info)

	return info, err
}

// allocStreamRequest is the input of ipcAllocStream.
type allocStreamRequest struct {
	path       PathID
	typ        StreamType
	format     audioFormat
	ring       ringInfo
	modules    []moduleEntry
	persistent memoryInfo
	scratch    memoryInfo
}

func (d *Device) ipcAllocStream(req *allocStreamRequest) (StreamInfo, error) {
	var info StreamInfo

	payload, err := marshal(
		allocStreamHead{
			PathID:      req.path,
			StreamType:  req.typ,
			FormatID:    CATPT_FORMAT_PCM,
			InputFormat: req.format,
			RingInfo:    req.ring,
			NumEntries:  uint8(len(req.modules)),
		},
		req.modules,
		allocStreamTail{
			PersistentMem: req.persistent,
			ScratchMem:    req.scratch,
		},
	)
	if err != nil {
		return info, err
	}

	reply := make([]byte, wireSize(&info))
	if _, err := d.SendMsg(globalMsg(CATPT_GLB_ALLOCATE_STREAM), payload, reply); err != nil {
		return info, fmt.Errorf("alloc stream type %s: %w", StreamTypeNames[req.typ], err)
	}

	err = unmarshal(reply, &info)

	return info, err
}

func (d *Device) ipcFreeStream(hwID uint8) error {
	if _, err := d.SendMsg(globalMsg(CATPT_GLB_FREE_STREAM), []byte{hwID}, nil); err != nil {
		return fmt.Errorf("free stream %d: %w", hwID, err)
	}

	return nil
}

// SetDeviceFormat configures one SSP port.
func (d *Device) SetDeviceFormat(iface, mclk, mode uint32, clockDivider uint16, channels uint8) error {
	payload, err := marshal(sspDeviceFormat{
		Iface:        iface,
		Mclk:         mclk,
		Mode:         mode,
		ClockDivider: clockDivider,
		Channels:     channels,
	})
	if err != nil {
		return err
	}

	if _, err := d.SendMsg(globalMsg(CATPT_GLB_SET_DEVICE_FORMATS), payload, nil); err != nil {
		return fmt.Errorf("set device format: %w", err)
	}

	return nil
}

func (d *Device) ipcSetVolume(hwID uint8, channel, volume uint32, curveDuration uint64, curve uint32) error {
	payload, err := marshal(setVolumeInput{
		Channel:       channel,
		TargetVolume:  volume,
		CurveDuration: curveDuration,
		CurveType:     curve,
	})
	if err != nil {
		return err
	}

	if _, err := d.SendMsg(stageMsg(CATPT_STG_SET_VOLUME, hwID), payload, nil); err != nil {
		return fmt.Errorf("set stream %d volume: %w", hwID, err)
	}

	return nil
}

func (d *Device) ipcSetWritePos(hwID uint8, pos uint32, eob, lowLatency bool) error {
	payload, err := marshal(setWritePosInput{
		NewWritePos: pos,
		EndOfBuffer: eob,
		LowLatency:  lowLatency,
	})
	if err != nil {
		return err
	}

	if _, err := d.SendMsg(stageMsg(CATPT_STG_SET_WRITE_POSITION, hwID), payload, nil); err != nil {
		return fmt.Errorf("set stream %d write pos: %w", hwID, err)
	}

	return nil
}

func (d *Device) ipcMuteLoopback(hwID uint8, mute bool) error {
	var v uint32
	if mute {
		v = 1
	}

	payload, err := marshal(v)
	if err != nil {
		return err
	}

	if _, err := d.SendMsg(stageMsg(CATPT_STG_MUTE_LOOPBACK, hwID), payload, nil); err != nil {
		return fmt.Errorf("mute loopback %d: %w", hwID, err)
	}

	return nil
}

func (d *Device) ipcStreamOp(t StreamMsgType, hwID uint8) error {
	if _, err := d.SendMsg(streamMsg(t, hwID), nil, nil); err != nil {
		return fmt.Errorf("%s stream %d: %w", streamOpNames[t], hwID, err)
	}

	return nil
}

var streamOpNames = map[StreamMsgType]string{
	CATPT_STRM_RESET_STREAM:  "reset",
	CATPT_STRM_PAUSE_STREAM:  "pause",
	CATPT_STRM_RESUME_STREAM: "resume",
}

func (d *Device) ipcResetStream(hwID uint8) error {
	return d.ipcStreamOp(CATPT_STRM_RESET_STREAM, hwID)
}

func (d *Device) ipcPauseStream(hwID uint8) error {
	return d.ipcStreamOp(CATPT_STRM_PAUSE_STREAM, hwID)
}

func (d *Device) ipcResumeStream(hwID uint8) error {
	return d.ipcStreamOp(CATPT_STRM_RESUME_STREAM, hwID)
}

// ipcEnterDxState asks the firmware to prepare for a power state and returns the memory it wants saved.
func (d *Device) ipcEnterDxState(state uint32) (dxContext, error) {
	var ctx dxContext

	payload, err := marshal(state)
	if err != nil {
		return ctx, err
	}

	reply := make([]byte, wireSize(&ctx))
	if _, err := d.SendMsg(globalMsg(CATPT_GLB_ENTER_DX_STATE), payload, reply); err != nil {
		return ctx, fmt.Errorf("enter dx state %d: %w", state, err)
	}

	err = unmarshal(reply, &ctx)

	return ctx, err
}
