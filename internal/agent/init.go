package agent

import (
	"log/slog"
	"os"
	"syscall"
)

// mountEntry describes a filesystem mount for init mode.
type mountEntry struct {
	source string
	target string
	fstype string
}

var initMounts = []mountEntry{
	{source: "proc", target: "/proc", fstype: "proc"},
	{source: "sysfs", target: "/sys", fstype: "sysfs"},
	{source: "devtmpfs", target: "/dev", fstype: "devtmpfs"},
	{source: "tmpfs", target: "/tmp", fstype: "tmpfs"},
}

// SetupInit prepares a microVM guest when the agent runs as PID 1. It is a
// no-op anywhere else.
func SetupInit(logger *slog.Logger) {
	if os.Getpid() != 1 {
		return
	}

	logger.Info("running as PID 1, mounting filesystems")
	for _, m := range initMounts {
		if err := os.MkdirAll(m.target, 0o755); err != nil {
			logger.Warn("create mount point", "target", m.target, "error", err)
			continue
		}
		if err := syscall.Mount(m.source, m.target, m.fstype, 0, ""); err != nil {
			logger.Warn("mount", "target", m.target, "error", err)
		}
	}

	os.Setenv("HOME", "/root")
	os.Setenv("PATH", "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin")
}
