package hardware

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content+"\n"), 0o644))
}

// fakeSysfs lays out one ConnectX-6 and one BlueField device.
func fakeSysfs(t *testing.T) string {
	root := t.TempDir()

	cx := filepath.Join(root, "mlx5_0")
	writeFile(t, filepath.Join(cx, "node_guid"), "0002:c903:0031:7c40")
	writeFile(t, filepath.Join(cx, "sys_image_guid"), "0002:c903:0031:7c43")
	writeFile(t, filepath.Join(cx, "board_id"), "MLNX_CX6")
	writeFile(t, filepath.Join(cx, "fw_ver"), "20.35.1012")
	writeFile(t, filepath.Join(cx, "node_type"), "1: CA")
	writeFile(t, filepath.Join(cx, "device", "vendor"), "0x15b3")
	writeFile(t, filepath.Join(cx, "device", "device"), "0x101b")
	writeFile(t, filepath.Join(cx, "ports", "1", "link_layer"), "InfiniBand")
	writeFile(t, filepath.Join(cx, "ports", "1", "state"), "4: ACTIVE")
	writeFile(t, filepath.Join(cx, "ports", "1", "rate"), "200 Gb/sec (4X HDR)")

	bf := filepath.Join(root, "mlx5_1")
	writeFile(t, filepath.Join(bf, "board_id"), "MBF2M516A-CECO_Ax")
	writeFile(t, filepath.Join(bf, "node_type"), "1: CA")
	writeFile(t, filepath.Join(bf, "ports", "1", "rate"), "25 Gb/sec (1X EDR)")
	writeFile(t, filepath.Join(bf, "ports", "2", "rate"), "25 Gb/sec (1X EDR)")

	return root
}

func TestDetectRDMADevices(t *testing.T) {
	d := NewDetector(fakeSysfs(t))
	d.Refresh()

	require.True(t, d.HasRDMA())
	devices := d.Devices()
	require.Len(t, devices, 2)

	cx := devices[0]
	assert.Equal(t, "mlx5_0", cx.Name)
	assert.Equal(t, "CA", cx.NodeType)
	assert.Equal(t, "20.35.1012", cx.FirmwareVer)
	assert.Equal(t, uint32(0x15b3), cx.VendorID)
	assert.Equal(t, uint32(0x101b), cx.VendorPartID)
	assert.Equal(t, 1, cx.PhysPortCount)
	assert.Equal(t, "InfiniBand", cx.LinkLayer)
	assert.Equal(t, "ACTIVE", cx.State)
	assert.Equal(t, uint64(200), cx.Speed)
	assert.False(t, cx.BlueField)

	info := cx.DeviceInfo()
	assert.Equal(t, uint64(0x0002c90300317c40), info.GUID)
	assert.Equal(t, 1, info.PhysPortCnt)

	bf := devices[1]
	assert.Equal(t, 2, bf.PhysPortCount)
	assert.Equal(t, uint64(25), bf.Speed)
	assert.True(t, bf.BlueField)
	assert.Zero(t, bf.DeviceInfo().GUID)
	assert.False(t, d.LastUpdated().IsZero())
}

func TestDetectMissingRoot(t *testing.T) {
	d := NewDetector(filepath.Join(t.TempDir(), "absent"))
	d.Refresh()

	assert.False(t, d.HasRDMA())
	assert.Empty(t, d.Devices())
}

func TestParsers(t *testing.T) {
	tests := []struct {
		name string
		got  interface{}
		want interface{}
	}{
		{"node type CA", parseNodeType("1: CA"), "CA"},
		{"node type switch", parseNodeType("2"), "Switch"},
		{"node type unknown", parseNodeType(""), "Unknown"},
		{"state", parseState("1: DOWN"), "DOWN"},
		{"state bare", parseState("ACTIVE"), "ACTIVE"},
		{"speed", parseSpeed("100 Gb/sec (4X EDR)"), uint64(100)},
		{"speed fractional", parseSpeed("2.5 Gb/sec (1X SDR)"), uint64(2)},
		{"speed empty", parseSpeed(""), uint64(0)},
		{"hex", parseHex32("0x15b3"), uint32(0x15b3)},
		{"hex bad", parseHex32("zz"), uint32(0)},
		{"guid", parseGUID("0002:c903:0031:7c40"), uint64(0x0002c90300317c40)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.got)
		})
	}
}
