// Package camera owns the capture device: enumeration, the single live
// stream, torch control and hot-plug monitoring.
package camera

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// NoCameraLabel is shown when enumeration finds nothing.
const NoCameraLabel = "Brak kamery"

// Facing is the direction a camera points, inferred from its label.
type Facing string

const (
	FacingUnknown Facing = "unknown"
	FacingBack    Facing = "back"
	FacingFront   Facing = "front"
)

// Device is one video input.
type Device struct {
	ID     string `json:"id"`
	Label  string `json:"label"`
	Facing Facing `json:"facing"`
	// Path is the device node ffmpeg opens.
	Path string `json:"path"`
}

var (
	backPattern  = regexp.MustCompile(`(?i)(back|rear|environment|world|tył|tyl|tylna|arrière|arriere|hinten|rück|rueck|trasera|posteriore|задн|後|背面|후면)`)
	frontPattern = regexp.MustCompile(`(?i)(front|user|selfie|facetime|przód|przod|przednia|avant|vorne|frontal|anteriore|фронт|前|전면)`)
)

// FacingFromLabel guesses the facing from keywords in a device label.
func FacingFromLabel(label string) Facing {
	switch {
	case backPattern.MatchString(label):
		return FacingBack
	case frontPattern.MatchString(label):
		return FacingFront
	default:
		return FacingUnknown
	}
}

// DefaultLabel names an unlabelled device by its 1-based position.
func DefaultLabel(index int) string {
	return fmt.Sprintf("Kamera %d", index+1)
}

// DefaultIndex picks the initial device: the first back-facing one, else
// the last of several, else the first.
func DefaultIndex(devices []Device) int {
	for i, d := range devices {
		if d.Facing == FacingBack || FacingFromLabel(d.Label) == FacingBack {
			return i
		}
	}
	if len(devices) > 1 {
		return len(devices) - 1
	}
	return 0
}

// ClampIndex forces index into [0, n). With no devices it returns 0.
func ClampIndex(index, n int) int {
	if n <= 0 || index < 0 {
		return 0
	}
	if index >= n {
		return n - 1
	}
	return index
}

// Enumerator lists video inputs in platform order.
type Enumerator interface {
	Enumerate(ctx context.Context) ([]Device, error)
}

// SysfsEnumerator reads V4L2 capture nodes from sysfs.
type SysfsEnumerator struct {
	// Root defaults to /sys/class/video4linux.
	Root string
	// DevDir defaults to /dev.
	DevDir string
}

// Enumerate lists videoN nodes in numeric order. Only a device's first node
// (index 0) is reported; the others are metadata endpoints.
func (e SysfsEnumerator) Enumerate(ctx context.Context) ([]Device, error) {
	root := e.Root
	if root == "" {
		root = "/sys/class/video4linux"
	}
	devDir := e.DevDir
	if devDir == "" {
		devDir = "/dev"
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", root, err)
	}

	type node struct {
		num  int
		name string
	}
	var nodes []node
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, "video") {
			continue
		}
		num, err := strconv.Atoi(strings.TrimPrefix(name, "video"))
		if err != nil {
			continue
		}
		nodes = append(nodes, node{num: num, name: name})
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].num < nodes[j].num })

	var devices []Device
	for _, n := range nodes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if idx := readTrimmed(filepath.Join(root, n.name, "index")); idx != "" && idx != "0" {
			continue
		}
		label := readTrimmed(filepath.Join(root, n.name, "name"))
		if label == "" {
			label = DefaultLabel(len(devices))
		}
		devices = append(devices, Device{
			ID:     n.name,
			Label:  label,
			Facing: FacingFromLabel(label),
			Path:   filepath.Join(devDir, n.name),
		})
	}
	return devices, nil
}

func readTrimmed(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// StaticEnumerator returns a fixed list.
type StaticEnumerator []Device

func (s StaticEnumerator) Enumerate(context.Context) ([]Device, error) {
	return append([]Device(nil), s...), nil
}
