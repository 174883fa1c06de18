package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/gen2brain/catpt"
)

// Controls understood on the command line.
var controls = []string{"master", "loopback"}

func main() {
	var (
		address  string
		firmware string
		debug    bool
	)

	flag.StringVar(&address, "device", "", "PCI address of the DSP (default: first one bound to uio_pci_generic)")
	flag.StringVar(&firmware, "firmware", "", "Firmware image (default: the platform's image under /lib/firmware/intel)")
	flag.BoolVar(&debug, "debug", false, "Trace IPC messages")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] [control] [value...]\n", os.Args[0])
		fmt.Fprintln(os.Stderr, "\nOptions:")
		for _, name := range []string{"device", "firmware", "debug"} {
			f := flag.Lookup(name)
			if f != nil {
				fmt.Fprintf(os.Stderr, "  --%s\n    \t%v (default %q)\n", f.Name, f.Usage, f.DefValue)
			}
		}
		fmt.Fprintf(os.Stderr, "\nControls: %s.\n", strings.Join(controls, ", "))
		fmt.Fprintf(os.Stderr, "Volumes are steps %d-%d, one value for all channels or one per channel.\n",
			catpt.VolumeStepMin, catpt.VolumeStepMax)
		fmt.Fprintln(os.Stderr, "loopback takes a stream hardware id and on|off.")
		fmt.Fprintln(os.Stderr, "If no control is specified, the mixer is listed.")
	}

	flag.Parse()

	dev, err := catpt.Open(address, catpt.Config{FirmwarePath: firmware, Debug: debug})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening DSP: %v\n", err)
		os.Exit(1)
	}
	defer dev.Close()

	if err := dev.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Error booting DSP: %v\n", err)
		os.Exit(1)
	}
	defer dev.Deinit()

	args := flag.Args()
	if len(args) == 0 {
		printMixer(dev)

		return
	}

	if err := setControl(dev, args[0], args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error setting '%s': %v\n", args[0], err)
		os.Exit(1)
	}

	fmt.Printf("Set control '%s' successfully.\n", args[0])
}

// printMixer prints the mixer stream and the current master volume.
func printMixer(dev *catpt.Device) {
	info, err := dev.MixerInfo()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading mixer info: %v\n", err)

		return
	}

	fmt.Printf("Firmware: %s\n", dev.FwInfo())
	fmt.Printf("Mixer stream hardware id %d\n", info.MixerHwID)
	fmt.Println("---------------------------------------")

	steps, err := dev.Volume()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not read volume: %v\n", err)
	}

	for i := range catpt.CATPT_CHANNELS_MAX {
		fmt.Printf("  channel %d: volume %2d (reg %#08x) peak meter reg %#08x\n",
			i, steps[i], info.VolumeRegAddr[i], info.PeakMeterRegAddr[i])
	}
}

// setControl parses string arguments and applies them to the named control.
func setControl(dev *catpt.Device, name string, values []string) error {
	switch strings.ToLower(name) {
	case "master":
		steps, err := parseSteps(values)
		if err != nil {
			return err
		}

		return dev.SetVolume(steps)

	case "loopback":
		if len(values) != 2 {
			return fmt.Errorf("expected <hw-id> <on|off>, got %d values", len(values))
		}

		id, err := strconv.ParseUint(values[0], 0, 8)
		if err != nil {
			return fmt.Errorf("invalid hardware id '%s'", values[0])
		}

		mute, err := parseBool(values[1])
		if err != nil {
			return err
		}

		return dev.MuteLoopback(uint8(id), mute)

	default:
		return fmt.Errorf("unknown control, expected one of %s", strings.Join(controls, ", "))
	}
}

// parseSteps accepts one value for every channel or one value per channel.
func parseSteps(values []string) ([catpt.CATPT_CHANNELS_MAX]int, error) {
	var steps [catpt.CATPT_CHANNELS_MAX]int

	switch len(values) {
	case 1, catpt.CATPT_CHANNELS_MAX:
	default:
		return steps, fmt.Errorf("provided %d values, expected 1 or %d", len(values), catpt.CATPT_CHANNELS_MAX)
	}

	for i := range steps {
		v := values[min(i, len(values)-1)]

		step, err := strconv.Atoi(v)
		if err != nil || step < catpt.VolumeStepMin || step > catpt.VolumeStepMax {
			return steps, fmt.Errorf("invalid volume step '%s'", v)
		}
		steps[i] = step
	}

	return steps, nil
}

// parseBool interprets various string representations of a boolean.
func parseBool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "1", "on", "true", "yes", "mute":
		return true, nil
	case "0", "off", "false", "no", "unmute":
		return false, nil
	}

	return false, fmt.Errorf("invalid boolean value '%s'", s)
}
