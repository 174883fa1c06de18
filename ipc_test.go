package catpt_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gen2brain/catpt"
)

func streamHeader(t catpt.StreamMsgType, hwID uint8) catpt.MsgHeader {
	return catpt.MsgHeader(uint32(catpt.CATPT_GLB_STREAM_MESSAGE)<<24 | uint32(t)<<20 | uint32(hwID)<<16)
}

func TestMsgHeader(t *testing.T) {
	h := catpt.MsgHeader(uint32(catpt.CATPT_GLB_STREAM_MESSAGE)<<24 |
		uint32(catpt.CATPT_STRM_STAGE_MESSAGE)<<20 |
		3<<16 |
		uint32(catpt.CATPT_STG_SET_VOLUME)<<12 |
		uint32(catpt.CATPT_REPLY_BUSY))

	assert.Equal(t, catpt.CATPT_GLB_STREAM_MESSAGE, h.GlobalType())
	assert.Equal(t, catpt.CATPT_STRM_STAGE_MESSAGE, h.StreamType())
	assert.Equal(t, uint8(3), h.HwID())
	assert.Equal(t, catpt.CATPT_STG_SET_VOLUME, h.StageAction())
	assert.Equal(t, catpt.CATPT_REPLY_BUSY, h.Status())
	assert.False(t, h.FwReady())
	assert.Contains(t, h.String(), "stream 3")

	ready := catpt.MsgHeader(1<<29 | 0x9F000>>3)
	assert.True(t, ready.FwReady())
	assert.Equal(t, uint32(0x9F000), ready.MailboxAddress())
	assert.Contains(t, ready.String(), "fw_ready")

	global := catpt.MsgHeader(uint32(catpt.CATPT_GLB_GET_FW_VERSION)<<24 | 0x1234<<5)
	assert.Equal(t, uint32(0x1234), global.Context())
	assert.Contains(t, global.String(), "global 0")
}

func TestSendMsg(t *testing.T) {
	t.Run("NotReady", func(t *testing.T) {
		s := newSim(t)

		_, err := s.dev.SendMsg(0, nil, nil)
		assert.ErrorIs(t, err, catpt.ErrNoSuchDevice)
		assert.Empty(t, s.Messages(), "nothing reaches the DSP before fw-ready")
	})

	t.Run("Reply", func(t *testing.T) {
		s := newReadySim(t)

		ver, err := s.dev.GetFwVersion()
		require.NoError(t, err)
		assert.Equal(t, uint8(8), ver.Major)
		assert.Equal(t, "0123456789abcdef", string(ver.BuildHash[:16]))
	})

	t.Run("Overflow", func(t *testing.T) {
		s := newReadySim(t)
		s.clearMessages()

		_, err := s.dev.SendMsg(0, make([]byte, simBoxSize+1), nil)
		assert.ErrorIs(t, err, catpt.ErrBufferOverflow)

		_, err = s.dev.SendMsg(0, nil, make([]byte, simBoxSize+1))
		assert.ErrorIs(t, err, catpt.ErrBufferOverflow)

		assert.Empty(t, s.Messages())
		assert.True(t, s.dev.Ready(), "a rejected request does not close the mailbox")
	})

	t.Run("Failure", func(t *testing.T) {
		s := newReadySim(t)
		s.setRespond(func(catpt.MsgHeader, []byte) (simReply, bool) {
			return simReply{Status: catpt.CATPT_REPLY_OUT_OF_RESOURCES}, true
		})

		rsp, err := s.dev.SendMsg(0, nil, nil)

		var replyErr *catpt.ReplyError
		require.True(t, errors.As(err, &replyErr))
		assert.Equal(t, catpt.CATPT_REPLY_OUT_OF_RESOURCES, replyErr.Status)
		assert.Equal(t, catpt.CATPT_REPLY_OUT_OF_RESOURCES, rsp.Status())
		assert.True(t, s.dev.Ready(), "a DSP failure status keeps the transport up")
	})

	t.Run("FailureKeepsReply", func(t *testing.T) {
		s := newReadySim(t)
		s.setRespond(func(catpt.MsgHeader, []byte) (simReply, bool) {
			return simReply{Status: catpt.CATPT_REPLY_FAILURE, Payload: []byte{0xAA, 0xBB}}, true
		})

		reply := make([]byte, 2)
		_, err := s.dev.SendMsg(0, nil, reply)
		assert.ErrorIs(t, err, catpt.ErrInvalidDeviceState)
		assert.Equal(t, []byte{0, 0}, reply, "payload is only copied on success")
	})

	t.Run("Timeout", func(t *testing.T) {
		s := newReadySim(t)
		s.setRespond(func(catpt.MsgHeader, []byte) (simReply, bool) {
			return simReply{Silent: true}, true
		})

		_, err := s.dev.SendMsg(0, nil, nil)
		assert.ErrorIs(t, err, catpt.ErrIOTimeout)
		assert.False(t, s.dev.Ready(), "a lost reply closes the mailbox")

		s.setRespond(nil)
		_, err = s.dev.SendMsg(0, nil, nil)
		assert.ErrorIs(t, err, catpt.ErrNoSuchDevice)
	})

	t.Run("Pending", func(t *testing.T) {
		s := newReadySim(t)
		s.setRespond(func(h catpt.MsgHeader, _ []byte) (simReply, bool) {
			return simReply{Pending: true}, true
		})

		start := time.Now()
		rsp, err := s.dev.SendMsg(streamHeader(catpt.CATPT_STRM_RESET_STREAM, 1), nil, nil)
		require.NoError(t, err)
		assert.Equal(t, catpt.CATPT_REPLY_SUCCESS, rsp.Status())
		assert.GreaterOrEqual(t, time.Since(start), simDelayedGap, "waits for the delayed reply")
	})

	t.Run("PendingFailure", func(t *testing.T) {
		s := newReadySim(t)
		s.setRespond(func(h catpt.MsgHeader, _ []byte) (simReply, bool) {
			return simReply{Pending: true, Status: catpt.CATPT_REPLY_INVALID_REQUEST}, true
		})

		_, err := s.dev.SendMsg(streamHeader(catpt.CATPT_STRM_PAUSE_STREAM, 1), nil, nil)

		var replyErr *catpt.ReplyError
		require.True(t, errors.As(err, &replyErr))
		assert.Equal(t, catpt.CATPT_REPLY_INVALID_REQUEST, replyErr.Status)
	})

	t.Run("Serialized", func(t *testing.T) {
		s := newReadySim(t)
		s.clearMessages()

		const n = 16

		var wg sync.WaitGroup
		errs := make(chan error, n)
		for range n {
			wg.Add(1)
			go func() {
				defer wg.Done()

				ver, err := s.dev.GetFwVersion()
				if err == nil && ver.Major != 8 {
					err = errors.New("reply mixed up")
				}
				errs <- err
			}()
		}
		wg.Wait()
		close(errs)

		for err := range errs {
			assert.NoError(t, err)
		}
		assert.Len(t, s.Messages(), n)
	})
}

func TestInterrupt(t *testing.T) {
	t.Run("Idle", func(t *testing.T) {
		s := newReadySim(t)

		assert.Eventually(t, func() bool {
			return !s.dev.Interrupt()
		}, time.Second, time.Millisecond, "nothing pending once the fw-ready doorbell is acknowledged")
	})

	t.Run("CoreDump", func(t *testing.T) {
		s := newReadySim(t)

		s.doorbell(uint32(catpt.CATPT_GLB_REQUEST_CORE_DUMP)<<24, nil)

		assert.Eventually(t, func() bool {
			return !s.dev.Ready()
		}, time.Second, time.Millisecond, "core dump request disables the mailbox")
	})

	t.Run("Unknown", func(t *testing.T) {
		s := newReadySim(t)

		s.doorbell(uint32(catpt.CATPT_GLB_GET_FW_VERSION)<<24, nil)

		assert.Eventually(t, func() bool {
			return s.shim(catpt.SHIM_IPCD)&catpt.IPCD_BUSY == 0
		}, time.Second, time.Millisecond, "unknown doorbells are still acknowledged")
		assert.True(t, s.dev.Ready())
	})
}

func TestNotifications(t *testing.T) {
	s := newReadySim(t)
	ring := newTestRing(t, s, 4*catpt.PageSize)
	require.NoError(t, ring.Program(s.dev, catpt.StreamOut))

	st, err := s.dev.Status(catpt.StreamOut)
	require.NoError(t, err)
	hwID := uint8(st.Info.StreamHwID)

	pos, err := s.dev.LastNotifiedPosition(catpt.StreamOut)
	require.NoError(t, err)
	assert.Zero(t, pos, "nothing notified yet")

	want := catpt.NotifyPosition{StreamPosition: 0x1800, FwCycleCount: 77}
	s.notify(hwID, catpt.CATPT_NOTIFY_POSITION_CHANGED, &want)

	assert.Eventually(t, func() bool {
		pos, err := s.dev.LastNotifiedPosition(catpt.StreamOut)

		return err == nil && pos == want
	}, time.Second, time.Millisecond)

	glitch := catpt.NotifyGlitch{Type: catpt.CATPT_GLITCH_UNDERRUN, PresentationPos: 0x100, WritePos: 0x80}
	s.notify(hwID, catpt.CATPT_NOTIFY_GLITCH_OCCURRED, &glitch)
	s.notify(hwID+7, catpt.CATPT_NOTIFY_POSITION_CHANGED, &catpt.NotifyPosition{StreamPosition: 1})

	// A final notification orders the checks after the ones above were handled.
	last := catpt.NotifyPosition{StreamPosition: 0x2000, FwCycleCount: 78}
	s.notify(hwID, catpt.CATPT_NOTIFY_POSITION_CHANGED, &last)

	assert.Eventually(t, func() bool {
		pos, err := s.dev.LastNotifiedPosition(catpt.StreamOut)

		return err == nil && pos == last
	}, time.Second, time.Millisecond)

	assert.True(t, s.dev.Ready(), "notifications never touch the request path")

	require.NoError(t, s.dev.Stop(catpt.StreamOut))
	_, err = s.dev.LastNotifiedPosition(catpt.StreamOut)
	assert.ErrorIs(t, err, catpt.ErrInvalidParameter)
}
