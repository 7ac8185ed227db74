// Package hardware detects RDMA devices present on the host through sysfs.
// It reports what the kernel exposes; opening a device for conformance runs
// goes through a verbs provider.
package hardware

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/piwi3910/mkeyconform/internal/verbs"
)

// DefaultSysfsRoot is where the kernel lists RDMA devices.
const DefaultSysfsRoot = "/sys/class/infiniband"

// RDMAInfo contains information about a detected RDMA device.
type RDMAInfo struct {
	Name          string `json:"name" yaml:"name"`
	DevicePath    string `json:"device_path" yaml:"device_path"`
	NodeGUID      string `json:"node_guid" yaml:"node_guid"`
	SysImageGUID  string `json:"sys_image_guid" yaml:"sys_image_guid"`
	BoardID       string `json:"board_id" yaml:"board_id"`
	FirmwareVer   string `json:"firmware_version" yaml:"firmware_version"`
	NodeType      string `json:"node_type" yaml:"node_type"` // CA, Switch, Router
	VendorID      uint32 `json:"vendor_id" yaml:"vendor_id"`
	VendorPartID  uint32 `json:"vendor_part_id" yaml:"vendor_part_id"`
	PhysPortCount int    `json:"phys_port_count" yaml:"phys_port_count"`
	LinkLayer     string `json:"link_layer" yaml:"link_layer"` // InfiniBand, Ethernet
	Speed         uint64 `json:"speed" yaml:"speed"`           // Gb/s
	State         string `json:"state" yaml:"state"`
	// BlueField marks DPU boards, whose board IDs start with MT4 or carry BF.
	BlueField bool `json:"bluefield" yaml:"bluefield"`
}

// DeviceInfo converts the sysfs view into the verbs device description.
func (r RDMAInfo) DeviceInfo() verbs.DeviceInfo {
	return verbs.DeviceInfo{
		Name:         r.Name,
		FWVer:        r.FirmwareVer,
		GUID:         parseGUID(r.NodeGUID),
		VendorID:     r.VendorID,
		VendorPartID: r.VendorPartID,
		PhysPortCnt:  r.PhysPortCount,
	}
}

// Detector scans a sysfs tree for RDMA devices.
type Detector struct {
	mu          sync.RWMutex
	root        string
	devices     []RDMAInfo
	lastUpdated time.Time
}

// NewDetector creates a detector reading root, DefaultSysfsRoot when empty.
func NewDetector(root string) *Detector {
	if root == "" {
		root = DefaultSysfsRoot
	}
	return &Detector{root: root}
}

// Refresh rescans the sysfs tree.
func (d *Detector) Refresh() {
	devices := d.detectRDMADevices()

	d.mu.Lock()
	defer d.mu.Unlock()

	d.devices = devices
	d.lastUpdated = time.Now()

	log.Debug().
		Str("root", d.root).
		Int("rdma_devices", len(devices)).
		Msg("Hardware detection completed")
}

// Devices returns the devices found by the last Refresh.
func (d *Detector) Devices() []RDMAInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]RDMAInfo, len(d.devices))
	copy(out, d.devices)
	return out
}

// LastUpdated is the time of the last Refresh.
func (d *Detector) LastUpdated() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastUpdated
}

// HasRDMA returns true if any RDMA device was found.
func (d *Detector) HasRDMA() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.devices) > 0
}

func (d *Detector) detectRDMADevices() []RDMAInfo {
	var devices []RDMAInfo

	entries, err := os.ReadDir(d.root)
	if err != nil {
		log.Debug().Str("root", d.root).Msg("No RDMA devices found in sysfs")
		return devices
	}

	for _, entry := range entries {
		devicePath := filepath.Join(d.root, entry.Name())
		device := RDMAInfo{
			Name:       entry.Name(),
			DevicePath: devicePath,
		}

		device.NodeGUID = readSysfsFile(filepath.Join(devicePath, "node_guid"))
		device.SysImageGUID = readSysfsFile(filepath.Join(devicePath, "sys_image_guid"))
		device.BoardID = readSysfsFile(filepath.Join(devicePath, "board_id"))
		device.FirmwareVer = readSysfsFile(filepath.Join(devicePath, "fw_ver"))
		device.NodeType = parseNodeType(readSysfsFile(filepath.Join(devicePath, "node_type")))
		device.VendorID = parseHex32(readSysfsFile(filepath.Join(devicePath, "device", "vendor")))
		device.VendorPartID = parseHex32(readSysfsFile(filepath.Join(devicePath, "device", "device")))
		device.BlueField = strings.HasPrefix(device.BoardID, "MT4") || strings.Contains(device.BoardID, "BF")

		portsPath := filepath.Join(devicePath, "ports")
		if portEntries, err := os.ReadDir(portsPath); err == nil {
			device.PhysPortCount = len(portEntries)

			// Link info comes from the first port.
			if len(portEntries) > 0 {
				port1Path := filepath.Join(portsPath, portEntries[0].Name())
				device.LinkLayer = readSysfsFile(filepath.Join(port1Path, "link_layer"))
				device.State = parseState(readSysfsFile(filepath.Join(port1Path, "state")))
				device.Speed = parseSpeed(readSysfsFile(filepath.Join(port1Path, "rate")))
			}
		}

		devices = append(devices, device)
	}

	sort.Slice(devices, func(i, j int) bool { return devices[i].Name < devices[j].Name })
	return devices
}

func readSysfsFile(path string) string {
	data, err := os.ReadFile(path) // #nosec G304 - path built from the sysfs root
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// parseNodeType converts the node type number ("1: CA") to a name.
func parseNodeType(nodeType string) string {
	num, _, _ := strings.Cut(strings.TrimSpace(nodeType), ":")
	switch num {
	case "1":
		return "CA"
	case "2":
		return "Switch"
	case "3":
		return "Router"
	default:
		return "Unknown"
	}
}

// parseState strips the numeric prefix of a port state ("4: ACTIVE").
func parseState(state string) string {
	if _, name, ok := strings.Cut(state, ":"); ok {
		return strings.TrimSpace(name)
	}
	return state
}

// parseSpeed parses "100 Gb/sec (4X EDR)" to Gb/s.
func parseSpeed(rate string) uint64 {
	parts := strings.Fields(rate)
	if len(parts) >= 1 {
		speed, _ := strconv.ParseFloat(parts[0], 64)
		return uint64(speed)
	}
	return 0
}

func parseHex32(s string) uint32 {
	v, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 32)
	if err != nil {
		return 0
	}
	return uint32(v)
}

// parseGUID parses the colon separated "0002:c903:0031:7c40" form.
func parseGUID(s string) uint64 {
	v, err := strconv.ParseUint(strings.ReplaceAll(s, ":", ""), 16, 64)
	if err != nil {
		return 0
	}
	return v
}
