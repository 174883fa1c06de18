package catpt_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gen2brain/catpt"
)

type fakePCI struct {
	addr   string
	vendor string
	device string
	driver string
	uio    string
}

func writeSysfs(t *testing.T, devs []fakePCI) string {
	t.Helper()

	root := t.TempDir()
	for _, d := range devs {
		dir := filepath.Join(root, d.addr)
		require.NoError(t, os.MkdirAll(dir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "vendor"), []byte(d.vendor+"\n"), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "device"), []byte(d.device+"\n"), 0o644))

		if d.driver != "" {
			require.NoError(t, os.Symlink("../../../bus/pci/drivers/"+d.driver, filepath.Join(dir, "driver")))
		}

		if d.uio != "" {
			require.NoError(t, os.MkdirAll(filepath.Join(dir, "uio", d.uio), 0o755))
		}
	}

	return root
}

func TestEnumerateDevices(t *testing.T) {
	root := writeSysfs(t, []fakePCI{
		{addr: "0000:00:14.0", vendor: "0x8086", device: "0x9c36"},
		{addr: "0000:00:02.0", vendor: "0x8086", device: "0x1616", driver: "i915"},
		{addr: "0000:00:13.0", vendor: "0x8086", device: "0x9cb6", driver: "uio_pci_generic", uio: "uio0"},
		{addr: "0000:00:1b.0", vendor: "0x10ec", device: "0x9cb6"},
		{addr: "0000:00:1f.0", vendor: "0x8086", device: "garbage"},
	})

	devs, err := catpt.EnumerateDevicesAt(root)
	require.NoError(t, err)
	require.Len(t, devs, 2)

	assert.Equal(t, catpt.PCIDevice{
		Address:  "0000:00:13.0",
		VendorID: catpt.PCI_VENDOR_INTEL,
		DeviceID: catpt.PCI_DEVICE_WPT,
		Platform: catpt.PlatformWPT,
		Driver:   "uio_pci_generic",
		UIO:      "uio0",
	}, devs[0])

	assert.Equal(t, catpt.PCIDevice{
		Address:  "0000:00:14.0",
		VendorID: catpt.PCI_VENDOR_INTEL,
		DeviceID: catpt.PCI_DEVICE_LPT,
		Platform: catpt.PlatformLPT,
	}, devs[1])

	assert.Equal(t, "0000:00:13.0 [8086:9cb6] wpt driver uio_pci_generic uio0", devs[0].String())
	assert.Equal(t, "0000:00:14.0 [8086:9c36] lpt", devs[1].String())

	_, err = catpt.EnumerateDevicesAt(filepath.Join(root, "missing"))
	assert.Error(t, err)
}
