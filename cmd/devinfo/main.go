package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/gen2brain/catpt"
)

func main() {
	var (
		boot     bool
		firmware string
	)

	flag.BoolVar(&boot, "boot", false, "Boot the firmware of every device bound to uio_pci_generic and print its version.")
	flag.StringVar(&firmware, "firmware", "", "Firmware image to boot (default: the platform's image under /lib/firmware/intel).")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintln(os.Stderr, "Lists the audio DSPs found on the PCI bus.")
		fmt.Fprintln(os.Stderr, "\nOptions:")
		flag.PrintDefaults()
	}

	flag.Parse()

	devs, err := catpt.EnumerateDevices()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error enumerating devices: %v\n", err)
		os.Exit(1)
	}

	if len(devs) == 0 {
		fmt.Println("No audio DSP found.")

		return
	}

	for _, pd := range devs {
		fmt.Println(pd)

		if !boot || pd.UIO == "" {
			continue
		}

		if err := printFirmware(pd, firmware); err != nil {
			fmt.Fprintf(os.Stderr, "  Error: %v\n", err)
		}
	}
}

// printFirmware boots the device, prints what the firmware reports and powers it down again.
func printFirmware(pd catpt.PCIDevice, firmware string) error {
	dev, err := catpt.OpenUIO(pd.Address, pd.UIO, catpt.Config{Platform: pd.Platform, FirmwarePath: firmware})
	if err != nil {
		return err
	}
	defer dev.Close()

	if err := dev.Init(); err != nil {
		return err
	}
	defer dev.Deinit()

	v := dev.FwVersion()
	fmt.Printf("  Firmware:  %s\n", dev.FwInfo())
	fmt.Printf("  Version:   %d.%d.%d type %d\n", v.Major, v.Minor, v.Build, v.Type)
	fmt.Printf("  Build:     %s\n", cstring(v.BuildHash[:]))

	info, err := dev.MixerInfo()
	if err != nil {
		return err
	}
	fmt.Printf("  Mixer:     hardware id %d\n", info.MixerHwID)

	return nil
}

func cstring(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}

	return string(b)
}
