package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/gen2brain/catpt"
)

func main() {
	var (
		address    string
		firmware   string
		bufferSize int
		poll       time.Duration
		duration   time.Duration
		debug      bool
	)

	flag.StringVar(&address, "device", "", "PCI address of the DSP (default: first one bound to uio_pci_generic)")
	flag.StringVar(&firmware, "firmware", "", "Firmware image (default: the platform's image under /lib/firmware/intel)")
	flag.IntVar(&bufferSize, "buffer-size", 16*catpt.PageSize, "The size of the ring buffer in bytes")
	flag.DurationVar(&poll, "poll", 5*time.Millisecond, "How often the DSP position is polled")
	flag.DurationVar(&duration, "duration", 5*time.Second, "The duration of the capture")
	flag.BoolVar(&debug, "debug", false, "Trace IPC messages")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] <output-wav-file>\n", os.Args[0])
		fmt.Fprintln(os.Stderr, "\nOptions:")
		for _, name := range []string{"device", "firmware", "buffer-size", "poll", "duration", "debug"} {
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

	outputPath := flag.Arg(0)
	wavFile, err := os.Create(outputPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating WAV file: %v\n", err)
		os.Exit(1)
	}
	defer wavFile.Close()

	encoder := wav.NewEncoder(wavFile, catpt.StreamRate, catpt.StreamBits, catpt.StreamChannels, 1)
	defer encoder.Close()

	frames, err := capture(encoder, address, firmware, bufferSize, poll, duration, debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}

	fmt.Printf("Capture finished. Wrote %d frames (%.2f seconds) to %s\n",
		frames, float64(frames)/catpt.StreamRate, outputPath)

	if err != nil {
		os.Exit(1)
	}
}

func capture(encoder *wav.Encoder, address, firmware string, bufferSize int, poll, duration time.Duration, debug bool) (int, error) {
	dev, err := catpt.Open(address, catpt.Config{FirmwarePath: firmware, Debug: debug})
	if err != nil {
		return 0, err
	}
	defer dev.Close()

	if err := dev.Init(); err != nil {
		return 0, fmt.Errorf("boot: %w", err)
	}
	defer dev.Deinit()

	ring, err := catpt.NewRing(catpt.PhysAllocator{}, bufferSize)
	if err != nil {
		return 0, err
	}
	defer ring.Close()

	if err := ring.Program(dev, catpt.StreamIn); err != nil {
		return 0, err
	}
	defer dev.Stop(catpt.StreamIn)

	if err := dev.Play(catpt.StreamIn); err != nil {
		return 0, err
	}

	fmt.Printf("Firmware: %s\n", dev.FwInfo())
	fmt.Printf("Configuration: %d channels, %d Hz, %d bits\n", catpt.StreamChannels, catpt.StreamRate, catpt.StreamBits)
	fmt.Printf("Capture duration: %v\n", duration)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	fmt.Println("Starting capture... Press Ctrl+C to stop early.")

	samples := make([]int16, ring.Size()/2)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: catpt.StreamChannels, SampleRate: catpt.StreamRate},
		Data:           make([]int, len(samples)),
		SourceBitDepth: catpt.StreamBits,
	}

	totalFrames := int(duration.Seconds() * catpt.StreamRate)
	host, frames := 0, 0

	for frames < totalFrames {
		select {
		case <-sigChan:
			fmt.Println("\nCapture interrupted by user.")

			return frames, nil
		case <-ticker.C:
		}

		link, _, err := dev.CurrentPosition(catpt.StreamIn)
		if err != nil {
			return frames, err
		}

		avail := ring.Avail(host, int(link))
		avail = min(avail, (totalFrames-frames)*catpt.FrameBytes)
		if avail == 0 {
			continue
		}

		n, err := ring.ReadAt(samples[:avail/2], host)
		if err != nil {
			return frames, err
		}

		count := n / 2
		buf.Data = buf.Data[:count]
		for i, s := range samples[:count] {
			buf.Data[i] = int(s)
		}

		if err := encoder.Write(buf); err != nil {
			return frames, fmt.Errorf("writing WAV: %w", err)
		}

		host = (host + n) % ring.Size()
		frames += n / catpt.FrameBytes
	}

	return frames, nil
}
