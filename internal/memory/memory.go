// Package memory reports host memory availability from the proc filesystem.
package memory

import (
	"fmt"

	"github.com/prometheus/procfs"
)

// Meminfo reads available memory from the meminfo file of a proc mount.
type Meminfo struct {
	procPath string
}

// New returns a reader for the proc filesystem mounted at procPath. An
// empty path selects procfs.DefaultMountPoint.
func New(procPath string) *Meminfo {
	if procPath == "" {
		procPath = procfs.DefaultMountPoint
	}
	return &Meminfo{procPath: procPath}
}

// FreeMemoryMB returns MemAvailable in MiB, falling back to MemFree on
// kernels that do not report it.
func (m *Meminfo) FreeMemoryMB() (int, error) {
	fs, err := procfs.NewFS(m.procPath)
	if err != nil {
		return 0, fmt.Errorf("open proc filesystem %s: %w", m.procPath, err)
	}
	info, err := fs.Meminfo()
	if err != nil {
		return 0, fmt.Errorf("read meminfo: %w", err)
	}
	switch {
	case info.MemAvailableBytes != nil:
		return int(*info.MemAvailableBytes >> 20), nil
	case info.MemFreeBytes != nil:
		return int(*info.MemFreeBytes >> 20), nil
	}
	return 0, fmt.Errorf("meminfo under %s: no MemAvailable or MemFree", m.procPath)
}
