package catpt

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

const sysPCIDevices = "/sys/bus/pci/devices"

// PCI ids of the supported audio DSPs.
const (
	PCI_VENDOR_INTEL = 0x8086
	PCI_DEVICE_LPT   = 0x9c36
	PCI_DEVICE_WPT   = 0x9cb6
)

var pciPlatforms = map[uint32]Platform{
	PCI_DEVICE_LPT: PlatformLPT,
	PCI_DEVICE_WPT: PlatformWPT,
}

// PCIDevice is an audio DSP function found on the PCI bus.
type PCIDevice struct {
	Address  string // domain:bus:device.function
	VendorID uint32
	DeviceID uint32
	Platform Platform
	Driver   string // bound kernel driver, empty if none
	UIO      string // uio device name when bound to a UIO driver
}

// String returns a human-readable representation of the PCIDevice.
func (d PCIDevice) String() string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("%s [%04x:%04x] %s", d.Address, d.VendorID, d.DeviceID, d.Platform))
	if d.Driver != "" {
		sb.WriteString(" driver " + d.Driver)
	}
	if d.UIO != "" {
		sb.WriteString(" " + d.UIO)
	}

	return sb.String()
}

// EnumerateDevices scans /sys/bus/pci/devices for supported audio DSPs.
func EnumerateDevices() ([]PCIDevice, error) {
	return enumerateDevices(sysPCIDevices)
}

func enumerateDevices(root string) ([]PCIDevice, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("could not read %s: %w", root, err)
	}

	var result []PCIDevice
	for _, e := range entries {
		dir := filepath.Join(root, e.Name())

		vendor, err := readHexFile(filepath.Join(dir, "vendor"))
		if err != nil || vendor != PCI_VENDOR_INTEL {
			continue
		}

		device, err := readHexFile(filepath.Join(dir, "device"))
		if err != nil {
			continue
		}

		platform, ok := pciPlatforms[device]
		if !ok {
			continue
		}

		dev := PCIDevice{
			Address:  e.Name(),
			VendorID: vendor,
			DeviceID: device,
			Platform: platform,
		}

		if link, err := os.Readlink(filepath.Join(dir, "driver")); err == nil {
			dev.Driver = filepath.Base(link)
		}

		if uios, err := os.ReadDir(filepath.Join(dir, "uio")); err == nil && len(uios) > 0 {
			dev.UIO = uios[0].Name()
		}

		result = append(result, dev)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Address < result[j].Address
	})

	return result, nil
}

func readHexFile(path string) (uint32, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}

	v, err := strconv.ParseUint(strings.TrimPrefix(strings.TrimSpace(string(b)), "0x"), 16, 32)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", path, err)
	}

	return uint32(v), nil
}
