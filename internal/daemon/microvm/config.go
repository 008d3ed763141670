// Package microvm launches worker daemons inside Firecracker microVMs. Each
// daemon gets its own VM booted with the anvil-guest agent as init; the host
// talks to it over vsock with the same frame protocol used for local
// daemon processes.
package microvm

import (
	"errors"
	"fmt"
	"os"
)

// Defaults.
const (
	// DefaultVsockPort is the port the guest agent listens on inside the VM.
	DefaultVsockPort uint32 = 1024

	// EnvVsockPort tells the guest agent which port to listen on.
	EnvVsockPort = "ANVIL_VSOCK_PORT"

	// MinCID is the lowest usable vsock context ID; 0-2 are reserved.
	MinCID uint32 = 3

	DefaultVCPUs  = 1
	DefaultMemMB  = 256
	DefaultMaxVMs = 16

	// GuestAgentPath is where the rootfs carries the agent binary.
	GuestAgentPath = "/usr/local/bin/anvil-guest"

	// guestOverheadMB is added on top of a requested heap limit when sizing
	// VM memory.
	guestOverheadMB = 128
)

// DefaultBootArgs are the kernel arguments every VM boots with.
const DefaultBootArgs = "console=ttyS0 reboot=k panic=1 pci=off init=" + GuestAgentPath

// Config holds microVM launcher settings.
type Config struct {
	KernelPath     string `mapstructure:"kernel_path"`
	RootfsPath     string `mapstructure:"rootfs_path"`
	FirecrackerBin string `mapstructure:"firecracker_bin"`

	// Networking attaches each VM to a CNI bridge. Daemons only need vsock,
	// so it is off by default.
	Networking   bool   `mapstructure:"networking"`
	CNIConfigDir string `mapstructure:"cni_config_dir"`
	CNIBinDir    string `mapstructure:"cni_bin_dir"`

	VsockPort uint32 `mapstructure:"vsock_port"`
	CIDBase   uint32 `mapstructure:"cid_base"`
	VCPUs     int    `mapstructure:"vcpus"`
	MemMB     int    `mapstructure:"mem_mb"`
	MaxVMs    int    `mapstructure:"max_vms"`
}

// DefaultConfig returns a Config with every optional field set.
func DefaultConfig() Config {
	return Config{
		FirecrackerBin: "firecracker",
		CNIConfigDir:   "/etc/cni/conf.d",
		CNIBinDir:      "/opt/cni/bin",
		VsockPort:      DefaultVsockPort,
		CIDBase:        MinCID,
		VCPUs:          DefaultVCPUs,
		MemMB:          DefaultMemMB,
		MaxVMs:         DefaultMaxVMs,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FirecrackerBin == "" {
		c.FirecrackerBin = d.FirecrackerBin
	}
	if c.CNIConfigDir == "" {
		c.CNIConfigDir = d.CNIConfigDir
	}
	if c.CNIBinDir == "" {
		c.CNIBinDir = d.CNIBinDir
	}
	if c.VsockPort == 0 {
		c.VsockPort = d.VsockPort
	}
	if c.CIDBase < MinCID {
		c.CIDBase = MinCID
	}
	if c.VCPUs <= 0 {
		c.VCPUs = d.VCPUs
	}
	if c.MemMB <= 0 {
		c.MemMB = d.MemMB
	}
	if c.MaxVMs <= 0 {
		c.MaxVMs = d.MaxVMs
	}
	return c
}

// Validate checks that the kernel and rootfs images exist.
func (c Config) Validate() error {
	var errs []error
	if c.KernelPath == "" {
		errs = append(errs, errors.New("kernel_path is required"))
	} else if _, err := os.Stat(c.KernelPath); err != nil {
		errs = append(errs, fmt.Errorf("kernel: %w", err))
	}
	if c.RootfsPath == "" {
		errs = append(errs, errors.New("rootfs_path is required"))
	} else if _, err := os.Stat(c.RootfsPath); err != nil {
		errs = append(errs, fmt.Errorf("rootfs: %w", err))
	}
	return errors.Join(errs...)
}
