package catpt

import (
	"fmt"
	"sync"
	"time"

	"github.com/platinasystems/log"
)

// ipc is the mailbox transport state. At most one request is outstanding.
type ipc struct {
	send sync.Mutex // serializes SendMsg

	mu       sync.Mutex // guards the fields below, shared with the interrupt path
	ready    bool
	config   fwReady
	rx       []byte
	rxHeader MsgHeader
	done     chan struct{} // closed when the immediate reply arrives
	busy     chan struct{} // closed when a delayed reply arrives
	fwReady  chan struct{} // closed by the fw-ready announcement
}

// reset drops the negotiated mailbox and re-arms the fw-ready wait.
func (c *ipc) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ready = false
	c.config = fwReady{}
	c.done = nil
	c.busy = nil
	c.fwReady = make(chan struct{})
}

func closeChan(ch *chan struct{}) {
	if *ch != nil {
		close(*ch)
		*ch = nil
	}
}

// Ready reports whether the mailbox has been negotiated with the firmware.
func (d *Device) Ready() bool {
	if d == nil {
		return false
	}

	d.ipc.mu.Lock()
	defer d.ipc.mu.Unlock()

	return d.ipc.ready
}

// FwInfo returns the firmware info string published in the fw-ready message.
func (d *Device) FwInfo() string {
	if d == nil {
		return ""
	}

	d.ipc.mu.Lock()
	defer d.ipc.mu.Unlock()

	n := min(int(d.ipc.config.FwInfoSize), len(d.ipc.config.FwInfo))

	return cString(d.ipc.config.FwInfo[:n])
}

// SendMsg writes payload to the outbox, rings the host doorbell with header and waits for the reply.
// reply, if not nil, receives the reply payload when the DSP reports success.
// It returns the reply header.
func (d *Device) SendMsg(header MsgHeader, payload, reply []byte) (MsgHeader, error) {
	if d == nil {
		return 0, ErrNoSuchDevice
	}

	d.ipc.send.Lock()
	defer d.ipc.send.Unlock()

	d.ipc.mu.Lock()
	if !d.ipc.ready {
		d.ipc.mu.Unlock()

		return 0, fmt.Errorf("ipc %s: mailbox not ready: %w", header, ErrNoSuchDevice)
	}

	outbox := d.ipc.config.OutboxSize
	if len(payload) > int(outbox) || len(reply) > int(outbox) {
		d.ipc.mu.Unlock()

		return 0, fmt.Errorf("ipc %s: request %d reply %d exceed outbox %d: %w",
			header, len(payload), len(reply), outbox, ErrBufferOverflow)
	}

	done := make(chan struct{})
	busy := make(chan struct{})
	d.ipc.rx = reply
	d.ipc.rxHeader = 0
	d.ipc.done = done
	d.ipc.busy = busy
	off := int64(d.ipc.config.OutboxOffset)
	d.ipc.mu.Unlock()

	if d.cfg.Debug {
		log.Printf("debug", "catpt: tx %s size %d", header, len(payload))
	}

	if len(payload) > 0 {
		if _, err := d.lpe.WriteAt(payload, off); err != nil {
			return 0, fmt.Errorf("ipc %s: write outbox: %w", header, err)
		}
	}

	d.shim.write(SHIM_IPCC, uint32(header)|IPCC_BUSY)

	rsp, err := d.waitReply(done, busy)
	if err != nil {
		log.Printf("err", "catpt: ipc %s: %v", header, err)

		return rsp, err
	}

	if rsp.Status() != CATPT_REPLY_SUCCESS {
		log.Printf("err", "catpt: ipc %s: dsp returned %s", header, rsp.Status())

		return rsp, &ReplyError{Status: rsp.Status()}
	}

	return rsp, nil
}

// waitReply blocks until the immediate reply and, if it reports PENDING, the delayed reply.
// A timeout invalidates the mailbox until the next fw-ready.
func (d *Device) waitReply(done, busy chan struct{}) (MsgHeader, error) {
	timeout := d.cfg.IPCTimeout

	if err := waitChan(done, timeout); err != nil {
		d.invalidateIPC()

		return 0, fmt.Errorf("waiting for reply: %w", err)
	}

	if d.rxHeader().Status() == CATPT_REPLY_PENDING {
		if err := waitChan(busy, timeout); err != nil {
			d.invalidateIPC()

			return 0, fmt.Errorf("waiting for delayed reply: %w", err)
		}
	}

	rsp := d.rxHeader()

	d.ipc.mu.Lock()
	d.ipc.rx = nil
	d.ipc.mu.Unlock()

	return rsp, nil
}

func (d *Device) rxHeader() MsgHeader {
	d.ipc.mu.Lock()
	defer d.ipc.mu.Unlock()

	return d.ipc.rxHeader
}

func (d *Device) invalidateIPC() {
	d.ipc.mu.Lock()
	defer d.ipc.mu.Unlock()

	d.ipc.ready = false
	d.ipc.done = nil
	d.ipc.busy = nil
	d.ipc.rx = nil
}

func waitChan(ch <-chan struct{}, timeout time.Duration) error {
	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case <-ch:
		return nil
	case <-t.C:
		return fmt.Errorf("after %v: %w", timeout, ErrIOTimeout)
	}
}

// copyRx records header and, for a successful reply, copies the outbox into the pending reply buffer.
// Callers hold d.ipc.mu.
func (d *Device) copyRx(header MsgHeader) {
	d.ipc.rxHeader = header
	if header.Status() != CATPT_REPLY_SUCCESS || len(d.ipc.rx) == 0 {
		return
	}

	if _, err := d.lpe.ReadAt(d.ipc.rx, int64(d.ipc.config.OutboxOffset)); err != nil {
		log.Printf("err", "catpt: read outbox: %v", err)
	}
}

// Interrupt services the DSP interrupt line. The immediate reply is handled here; a delayed reply or
// notification is masked and handed to the deferred worker. It reports whether any condition was pending.
func (d *Device) Interrupt() bool {
	if d == nil {
		return false
	}

	isc := d.shim.read(SHIM_ISC)
	handled := false

	if isc&ISC_IPCCD != 0 {
		d.shim.update(SHIM_IMC, IMC_IPCCD, IMC_IPCCD)

		ipcc := MsgHeader(d.shim.read(SHIM_IPCC))

		d.ipc.mu.Lock()
		d.copyRx(ipcc)
		d.ipc.mu.Unlock()

		// Acknowledge before waking the sender so the next request finds DONE clear.
		d.shim.update(SHIM_IPCC, IPCC_DONE, 0)
		d.shim.update(SHIM_IMC, IMC_IPCCD, 0)

		d.ipc.mu.Lock()
		closeChan(&d.ipc.done)
		d.ipc.mu.Unlock()
		handled = true
	}

	if isc&ISC_IPCDB != 0 {
		d.shim.update(SHIM_IMC, IMC_IPCDB, IMC_IPCDB)

		select {
		case d.irqWork <- struct{}{}:
		default:
		}
		handled = true
	}

	return handled
}

// irqThread runs the deferred half of interrupt handling until the device is closed.
func (d *Device) irqThread() {
	for {
		select {
		case <-d.quit:
			return
		case <-d.irqWork:
			d.handleDoorbell()
		}
	}
}

func (d *Device) handleDoorbell() {
	ipcd := d.shim.read(SHIM_IPCD)

	if ipcd&IPCD_BUSY != 0 {
		d.processResponse(MsgHeader(ipcd))

		d.shim.update(SHIM_IPCD, IPCD_BUSY|IPCD_DONE, IPCD_DONE)
	}

	d.shim.update(SHIM_IMC, IMC_IPCDB, 0)
}

func (d *Device) processResponse(header MsgHeader) {
	if header.FwReady() {
		d.armIPC(header.MailboxAddress())

		return
	}

	switch header.GlobalType() {
	case CATPT_GLB_REQUEST_CORE_DUMP:
		log.Printf("err", "catpt: dsp requested core dump, mailbox disabled")
		d.invalidateIPC()

	case CATPT_GLB_STREAM_MESSAGE:
		if header.StreamType() == CATPT_STRM_NOTIFICATION {
			d.notifyStream(header)

			return
		}

		d.ipc.mu.Lock()
		d.copyRx(header)
		closeChan(&d.ipc.busy)
		d.ipc.mu.Unlock()

	default:
		log.Printf("err", "catpt: unknown response %d received", header.GlobalType())
	}
}

// armIPC reads the mailbox geometry the firmware published at off and marks the transport ready.
func (d *Device) armIPC(off uint32) {
	var cfg fwReady

	buf := make([]byte, wireSize(&cfg))
	if _, err := d.lpe.ReadAt(buf, int64(off)); err != nil {
		log.Printf("err", "catpt: read fw ready at %#x: %v", off, err)

		return
	}

	if err := unmarshal(buf, &cfg); err != nil {
		log.Printf("err", "catpt: %v", err)

		return
	}

	d.ipc.mu.Lock()
	d.ipc.config = cfg
	d.ipc.ready = true
	closeChan(&d.ipc.fwReady)
	d.ipc.mu.Unlock()

	log.Printf("info", "catpt: fw ready, inbox %#x+%d outbox %#x+%d",
		cfg.InboxOffset, cfg.InboxSize, cfg.OutboxOffset, cfg.OutboxSize)
}

func (d *Device) notifyStream(header MsgHeader) {
	hwID := header.HwID()

	d.notifyMu.Lock()
	defer d.notifyMu.Unlock()

	if _, ok := d.positions[hwID]; !ok {
		log.Printf("err", "catpt: notify %d for non-existent stream %d", header.NotifyReason(), hwID)

		return
	}

	d.ipc.mu.Lock()
	inbox := int64(d.ipc.config.InboxOffset)
	d.ipc.mu.Unlock()

	switch header.NotifyReason() {
	case CATPT_NOTIFY_POSITION_CHANGED:
		var pos NotifyPosition
		if err := d.readInbox(inbox, &pos); err != nil {
			log.Printf("err", "catpt: %v", err)

			return
		}

		d.positions[hwID] = pos

	case CATPT_NOTIFY_GLITCH_OCCURRED:
		var glitch NotifyGlitch
		if err := d.readInbox(inbox, &glitch); err != nil {
			log.Printf("err", "catpt: %v", err)

			return
		}

		log.Printf("err", "catpt: stream %d glitch %d at pos: %#08x, wp: %#08x",
			hwID, glitch.Type, glitch.PresentationPos, glitch.WritePos)

	default:
		log.Printf("err", "catpt: unknown notification %d received", header.NotifyReason())
	}
}

func (d *Device) readInbox(off int64, v any) error {
	buf := make([]byte, wireSize(v))
	if _, err := d.lpe.ReadAt(buf, off); err != nil {
		return fmt.Errorf("read inbox: %w", err)
	}

	return unmarshal(buf, v)
}

// waitFwReady blocks until the firmware announces itself or timeout elapses.
func (d *Device) waitFwReady(timeout time.Duration) error {
	d.ipc.mu.Lock()
	ch := d.ipc.fwReady
	d.ipc.mu.Unlock()

	if ch == nil {
		return nil
	}

	if err := waitChan(ch, timeout); err != nil {
		return fmt.Errorf("fw ready: after %v: %w", timeout, ErrTimeout)
	}

	return nil
}
