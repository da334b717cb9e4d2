package filesystem

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/shirou/gopsutil/v3/disk"
)

// Space answers storage availability questions.
type Space interface {
	// Mounted reports whether the storage root is reachable.
	Mounted() bool
	// Available returns the free bytes on the volume holding path.
	Available(path string) (uint64, error)
}

// DiskSpace implements Space for a local volume.
type DiskSpace struct {
	root string
}

// NewDiskSpace creates a Space probing the volume under root.
func NewDiskSpace(root string) *DiskSpace {
	return &DiskSpace{root: root}
}

// Mounted reports whether the root directory exists.
func (d *DiskSpace) Mounted() bool {
	info, err := os.Stat(d.root)

	return err == nil && info.IsDir()
}

// Available walks up from path to the nearest existing directory and reports its free bytes.
func (d *DiskSpace) Available(path string) (uint64, error) {
	dir := path
	for {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			break
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}

		dir = parent
	}

	usage, err := disk.Usage(dir)
	if err != nil {
		return 0, fmt.Errorf("failed to check disk space: %w", err)
	}

	return usage.Free, nil
}
