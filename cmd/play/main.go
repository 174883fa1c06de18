package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gen2brain/catpt"
)

func main() {
	var (
		address    string
		firmware   string
		bufferSize int
		poll       time.Duration
		volume     int
		debug      bool
	)

	flag.StringVar(&address, "device", "", "PCI address of the DSP (default: first one bound to uio_pci_generic)")
	flag.StringVar(&firmware, "firmware", "", "Firmware image (default: the platform's image under /lib/firmware/intel)")
	flag.IntVar(&bufferSize, "buffer-size", 16*catpt.PageSize, "The size of the ring buffer in bytes")
	flag.DurationVar(&poll, "poll", 5*time.Millisecond, "How often the DSP position is polled")
	flag.IntVar(&volume, "volume", -1, "Stream volume step (0-30, -1 = leave unchanged)")
	flag.BoolVar(&debug, "debug", false, "Trace IPC messages")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] <wav-or-mp3-file>\n", os.Args[0])
		fmt.Fprintln(os.Stderr, "\nOptions:")
		for _, name := range []string{"device", "firmware", "buffer-size", "poll", "volume", "debug"} {
			f := flag.Lookup(name)
			if f != nil {
				fmt.Fprintf(os.Stderr, "  --%s\n    \t%v (default %q)\n", f.Name, f.Usage, f.DefValue)
			}
		}
	}

	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}

	path := flag.Arg(0)
	dec, file, err := openDecoder(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening audio file: %v\n", err)
		os.Exit(1)
	}
	defer file.Close()

	if err := run(path, dec, address, firmware, bufferSize, poll, volume, debug); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(path string, dec AudioDecoder, address, firmware string, bufferSize int, poll time.Duration, volume int, debug bool) error {
	total, err := dec.Duration()
	if err != nil {
		return fmt.Errorf("duration: %w", err)
	}

	dev, err := catpt.Open(address, catpt.Config{FirmwarePath: firmware, Debug: debug})
	if err != nil {
		return err
	}
	defer dev.Close()

	if err := dev.Init(); err != nil {
		return fmt.Errorf("boot: %w", err)
	}
	defer dev.Deinit()

	ring, err := catpt.NewRing(catpt.PhysAllocator{}, bufferSize)
	if err != nil {
		return err
	}
	defer ring.Close()

	src, err := newFrameReader(dec, ring.Size()/catpt.FrameBytes)
	if err != nil {
		return err
	}

	fmt.Printf("Playing: %s (%s)\n", path, total.Round(time.Millisecond))
	fmt.Printf("Firmware: %s\n", dev.FwInfo())
	fmt.Printf("Configuration: %d channels, %d Hz, %d bits\n", catpt.StreamChannels, catpt.StreamRate, catpt.StreamBits)
	fmt.Printf("Ring: %d bytes in %d pages\n", ring.Size(), len(ring.Pages()))

	samples := make([]int16, ring.Size()/2)

	// Prime the whole ring before the DSP starts reading it.
	host, written, eof, err := fill(ring, src, samples, 0, ring.Size())
	if err != nil {
		return err
	}

	if err := ring.Program(dev, catpt.StreamOut); err != nil {
		return err
	}
	defer dev.Stop(catpt.StreamOut)

	if volume >= 0 {
		steps := [catpt.CATPT_CHANNELS_MAX]int{volume, volume, volume, volume}
		if err := dev.SetStreamVolume(catpt.StreamOut, steps); err != nil {
			return err
		}
	}

	if err := dev.Play(catpt.StreamOut); err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	fmt.Println("Starting playback... Press Ctrl+C to stop.")
	startTime := time.Now()

	for {
		select {
		case <-sigChan:
			fmt.Println("\nPlayback interrupted by user.")

			return nil
		case <-ticker.C:
		}

		link, played, err := dev.CurrentPosition(catpt.StreamOut)
		if err != nil {
			return err
		}

		if eof {
			if played >= uint64(written) {
				break
			}

			continue
		}

		room := ring.Avail(host, int(link))
		if room == 0 {
			continue
		}

		var n int
		n, eof, err = fillN(ring, src, samples, host, room)
		if err != nil {
			return err
		}

		host = (host + n) % ring.Size()
		written += n

		if err := dev.SetWritePosition(catpt.StreamOut, uint32(host), eof, false); err != nil {
			return err
		}
	}

	fmt.Printf("Playback finished in %v. (%d frames played)\n", time.Since(startTime).Round(time.Millisecond), written/catpt.FrameBytes)

	return nil
}

// fill writes up to room bytes of audio at host and returns the new host offset.
func fill(ring *catpt.Ring, src *frameReader, samples []int16, host, room int) (int, int, bool, error) {
	n, eof, err := fillN(ring, src, samples, host, room)

	return (host + n) % ring.Size(), n, eof, err
}

// fillN copies up to room bytes from src into the ring at host. Short reads at the end of the
// source are padded with silence up to room.
func fillN(ring *catpt.Ring, src *frameReader, samples []int16, host, room int) (int, bool, error) {
	want := room / 2
	got := 0
	eof := false

	for got < want {
		n, err := src.Read(samples[got:want])
		if errors.Is(err, io.EOF) {
			eof = true

			break
		}
		if err != nil {
			return 0, false, err
		}

		got += n
	}

	clear(samples[got:want])

	n, err := ring.WriteAt(samples[:want], host)
	if err != nil {
		return 0, false, err
	}

	return n, eof, nil
}
