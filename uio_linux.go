//go:build linux

package catpt

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/platinasystems/log"
	"golang.org/x/sys/unix"
)

const uioPollTimeoutMs = 100

// uioBackend owns the mapped BARs and the UIO interrupt file of a device.
type uioBackend struct {
	lpe  []byte
	pci  []byte
	irq  *os.File
	stop chan struct{}
	wg   sync.WaitGroup
}

// OpenUIO opens the DSP at PCI address bdf (e.g. "0000:00:13.0"), bound to uio_pci_generic as uio
// (e.g. "uio0"), and returns an uninitialized Device. Interrupts are delivered to Device.Interrupt.
func OpenUIO(bdf, uio string, cfg Config) (*Device, error) {
	dir := filepath.Join(sysPCIDevices, bdf)

	b := &uioBackend{stop: make(chan struct{})}

	var err error
	if b.lpe, err = mapResource(filepath.Join(dir, "resource0")); err != nil {
		return nil, err
	}

	if b.pci, err = mapResource(filepath.Join(dir, "resource1")); err != nil {
		_ = b.Close()

		return nil, err
	}

	path := filepath.Join("/dev", uio)
	if b.irq, err = os.OpenFile(path, os.O_RDWR, 0); err != nil {
		_ = b.Close()

		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}

	d, err := New(MapWindow(b.lpe), MapWindow(b.pci), PhysAllocator{}, cfg)
	if err != nil {
		_ = b.Close()

		return nil, err
	}
	d.backend = b

	if err := b.enableIRQ(); err != nil {
		_ = d.Close()

		return nil, err
	}

	b.wg.Add(1)
	go b.pump(d)

	return d, nil
}

// Open finds the DSP at PCI address bdf, or the first one bound to a UIO driver when bdf is empty,
// and opens it with OpenUIO. The platform is taken from the PCI device id.
func Open(bdf string, cfg Config) (*Device, error) {
	devs, err := EnumerateDevices()
	if err != nil {
		return nil, err
	}

	for _, pd := range devs {
		if bdf != "" && pd.Address != bdf {
			continue
		}

		if pd.UIO == "" {
			if bdf == "" {
				continue
			}

			return nil, fmt.Errorf("%s is not bound to uio_pci_generic: %w", pd.Address, ErrNoSuchDevice)
		}

		cfg.Platform = pd.Platform

		return OpenUIO(pd.Address, pd.UIO, cfg)
	}

	if bdf == "" {
		bdf = "any address"
	}

	return nil, fmt.Errorf("no audio DSP at %s: %w", bdf, ErrNoSuchDevice)
}

func mapResource(path string) ([]byte, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, int(fi.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}

	return mem, nil
}

// enableIRQ unmasks the interrupt line, which the UIO driver masks on every event.
func (b *uioBackend) enableIRQ() error {
	var buf [4]byte
	binary.NativeEndian.PutUint32(buf[:], 1)

	if _, err := unix.Write(int(b.irq.Fd()), buf[:]); err != nil {
		return fmt.Errorf("uio enable irq: %w", err)
	}

	return nil
}

// pump waits for UIO events and runs the interrupt top half for each.
func (b *uioBackend) pump(d *Device) {
	defer b.wg.Done()

	fds := []unix.PollFd{{Fd: int32(b.irq.Fd()), Events: unix.POLLIN}}
	var buf [4]byte

	for {
		select {
		case <-b.stop:
			return
		default:
		}

		n, err := unix.Poll(fds, uioPollTimeoutMs)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}

			log.Printf("err", "catpt: uio poll: %v", err)

			return
		}

		if n == 0 || fds[0].Revents&unix.POLLIN == 0 {
			continue
		}

		if _, err := unix.Read(int(b.irq.Fd()), buf[:]); err != nil {
			log.Printf("err", "catpt: uio read: %v", err)

			return
		}

		d.Interrupt()

		if err := b.enableIRQ(); err != nil {
			log.Printf("err", "catpt: %v", err)

			return
		}
	}
}

// Close stops the pump and unmaps the BARs.
func (b *uioBackend) Close() error {
	close(b.stop)
	b.wg.Wait()

	var errs []error
	for _, mem := range [][]byte{b.lpe, b.pci} {
		if mem != nil {
			errs = append(errs, unix.Munmap(mem))
		}
	}

	if b.irq != nil {
		errs = append(errs, b.irq.Close())
	}

	return errors.Join(errs...)
}
