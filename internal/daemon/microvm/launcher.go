package microvm

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	fcsdk "github.com/firecracker-microvm/firecracker-go-sdk"
	"github.com/firecracker-microvm/firecracker-go-sdk/client/models"
	"github.com/sirupsen/logrus"

	"github.com/seantiz/anvil/internal/daemon"
	"github.com/seantiz/anvil/internal/model"
)

const (
	vsockDeviceID           = "vsock0"
	rootfsDriveID           = "rootfs"
	gracefulShutdownTimeout = 3 * time.Second
)

// Launcher boots one microVM per worker daemon.
type Launcher struct {
	cfg    Config
	net    *NetworkManager
	logger *slog.Logger

	mu  sync.Mutex
	vms map[string]*vm

	cidMu    sync.Mutex
	cidNext  uint32
	cidInUse map[uint32]bool
}

var _ daemon.Launcher = (*Launcher)(nil)

// NewLauncher creates a launcher. CNI is only set up when cfg.Networking
// is true.
func NewLauncher(cfg Config, logger *slog.Logger) (*Launcher, error) {
	cfg = cfg.withDefaults()
	l := &Launcher{
		cfg:      cfg,
		logger:   logger,
		vms:      make(map[string]*vm),
		cidNext:  cfg.CIDBase,
		cidInUse: make(map[uint32]bool),
	}
	if cfg.Networking {
		nm, err := NewNetworkManager(cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("create network manager: %w", err)
		}
		l.net = nm
	}
	return l, nil
}

// Verify checks the images. With networking on it also checks the CNI
// plugins, installs the conflist and enables IP forwarding.
func (l *Launcher) Verify() error {
	if err := l.cfg.Validate(); err != nil {
		return err
	}
	if l.net == nil {
		return nil
	}
	if err := l.net.Verify(); err != nil {
		return err
	}
	if err := l.net.WriteConfList(); err != nil {
		return err
	}
	return EnsureIPForwarding()
}

// Launch boots a VM for workerID and connects to its agent.
func (l *Launcher) Launch(ctx context.Context, workerID string, req model.WorkerRequirement) (daemon.Process, error) {
	p, err := l.launch(ctx, workerID, req)
	if err != nil {
		launchesTotal.WithLabelValues(statusFailed).Inc()
		return nil, err
	}
	launchesTotal.WithLabelValues(statusStarted).Inc()
	return p, nil
}

func (l *Launcher) launch(ctx context.Context, workerID string, req model.WorkerRequirement) (*vm, error) {
	cid, err := l.allocateCID()
	if err != nil {
		return nil, fmt.Errorf("allocate CID: %w", err)
	}
	v := &vm{id: workerID, cid: cid, launcher: l, exited: make(chan struct{})}

	if l.net != nil {
		netCfg, err := l.net.Setup(ctx, workerID)
		if err != nil {
			v.release()
			return nil, fmt.Errorf("network setup: %w", err)
		}
		v.netCfg = netCfg
	}

	dir, err := os.MkdirTemp("", "anvil-vm-"+workerID+"-")
	if err != nil {
		v.release()
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	v.dir = dir

	vmRootfs := filepath.Join(dir, "rootfs.ext4")
	if err := copyRootfs(l.cfg.RootfsPath, vmRootfs); err != nil {
		v.release()
		return nil, fmt.Errorf("copy rootfs: %w", err)
	}

	socketPath := filepath.Join(dir, "fc.sock")
	vsockPath := filepath.Join(dir, "vsock.sock")
	memMB := l.cfg.MemMB
	if req.Fork.MaxHeapMB > 0 {
		memMB = max(memMB, req.Fork.MaxHeapMB+guestOverheadMB)
	}

	fcCfg := fcsdk.Config{
		SocketPath:      socketPath,
		KernelImagePath: l.cfg.KernelPath,
		KernelArgs:      bootArgs(workerID, l.cfg.VsockPort, req.Fork),
		Drives: []models.Drive{{
			DriveID:      fcsdk.String(rootfsDriveID),
			PathOnHost:   fcsdk.String(vmRootfs),
			IsRootDevice: fcsdk.Bool(true),
			IsReadOnly:   fcsdk.Bool(false),
		}},
		VsockDevices: []fcsdk.VsockDevice{{ID: vsockDeviceID, Path: vsockPath, CID: cid}},
		MachineCfg: models.MachineConfiguration{
			VcpuCount:  fcsdk.Int64(int64(l.cfg.VCPUs)),
			MemSizeMib: fcsdk.Int64(int64(memMB)),
			Smt:        fcsdk.Bool(false),
		},
		VMID: workerID,
	}
	if v.netCfg != nil {
		fcCfg.NetworkInterfaces = fcsdk.NetworkInterfaces{{
			StaticConfiguration: &fcsdk.StaticNetworkConfiguration{
				MacAddress:  v.netCfg.MACAddress,
				HostDevName: v.netCfg.TAPDevice,
			},
		}}
		fcCfg.NetNS = v.netCfg.NamespacePath
	}

	// The SDK logs through logrus; everything else here uses slog.
	fcLogger := logrus.New()
	fcLogger.SetOutput(io.Discard)

	// The VM lives until Kill, not until the startup context ends.
	vmCtx, cancel := context.WithCancel(context.Background())
	v.cancel = cancel
	cmd := fcsdk.VMCommandBuilder{}.
		WithBin(l.cfg.FirecrackerBin).
		WithSocketPath(socketPath).
		Build(vmCtx)

	machine, err := fcsdk.NewMachine(vmCtx, fcCfg,
		fcsdk.WithLogger(logrus.NewEntry(fcLogger)),
		fcsdk.WithProcessRunner(cmd),
	)
	if err != nil {
		v.release()
		return nil, fmt.Errorf("create machine: %w", err)
	}
	v.machine = machine

	bootStart := time.Now()
	if err := machine.Start(vmCtx); err != nil {
		v.release()
		return nil, fmt.Errorf("start VM: %w", err)
	}
	v.started = true
	activeVMs.Inc()
	if pid, err := machine.PID(); err == nil {
		v.pid = pid
	}
	go func() {
		if err := machine.Wait(context.Background()); err != nil {
			l.logger.Debug("VM exited", "worker_id", workerID, "error", err)
		}
		close(v.exited)
	}()

	conn, err := DialGuest(ctx, vsockPath, l.cfg.VsockPort)
	vmBootDuration.Observe(time.Since(bootStart).Seconds())
	if err != nil {
		_ = v.Kill()
		return nil, fmt.Errorf("connect to guest: %w", err)
	}
	v.conn = conn

	l.mu.Lock()
	l.vms[workerID] = v
	l.mu.Unlock()

	l.logger.Info("worker VM started",
		"worker_id", workerID,
		"cid", cid,
		"vcpus", l.cfg.VCPUs,
		"mem_mb", memMB,
	)
	return v, nil
}

// bootArgs appends the worker environment to the kernel command line; the
// kernel hands unrecognised key=value parameters to init as environment.
func bootArgs(workerID string, port uint32, fork model.ForkOptions) string {
	args := []string{
		DefaultBootArgs,
		daemon.EnvWorkerID + "=" + workerID,
		fmt.Sprintf("%s=%d", EnvVsockPort, port),
	}
	if fork.MaxHeapMB > 0 {
		args = append(args, fmt.Sprintf("GOMEMLIMIT=%dMiB", fork.MaxHeapMB))
	}
	keys := make([]string, 0, len(fork.Env))
	for k := range fork.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := fork.Env[k]
		if strings.ContainsAny(k+v, " \t\n\"") {
			continue
		}
		args = append(args, k+"="+v)
	}
	return strings.Join(args, " ")
}

// Shutdown kills every VM still running and removes leftover networks.
func (l *Launcher) Shutdown(ctx context.Context) {
	l.mu.Lock()
	vms := make([]*vm, 0, len(l.vms))
	for _, v := range l.vms {
		vms = append(vms, v)
	}
	l.mu.Unlock()

	for _, v := range vms {
		if err := v.Kill(); err != nil {
			l.logger.Error("kill worker VM", "worker_id", v.id, "error", err)
		}
	}
	if l.net != nil {
		l.net.TeardownAll(ctx)
	}
}

func (l *Launcher) allocateCID() (uint32, error) {
	l.cidMu.Lock()
	defer l.cidMu.Unlock()

	scan := uint32(l.cfg.MaxVMs + 10)
	for i := range scan {
		candidate := max(l.cidNext+i, MinCID)
		if !l.cidInUse[candidate] {
			l.cidInUse[candidate] = true
			l.cidNext = candidate + 1
			return candidate, nil
		}
	}
	return 0, fmt.Errorf("no available CIDs (all %d slots in use)", len(l.cidInUse))
}

func (l *Launcher) releaseCID(cid uint32) {
	l.cidMu.Lock()
	defer l.cidMu.Unlock()
	delete(l.cidInUse, cid)
}

// vm is one worker microVM. It implements daemon.Process.
type vm struct {
	id       string
	cid      uint32
	pid      int
	dir      string
	netCfg   *NetworkConfig
	machine  *fcsdk.Machine
	conn     net.Conn
	cancel   context.CancelFunc
	started  bool
	exited   chan struct{}
	launcher *Launcher

	killOnce sync.Once
	killErr  error
}

func (v *vm) Conn() io.ReadWriter     { return v.conn }
func (v *vm) PID() int                { return v.pid }
func (v *vm) Exited() <-chan struct{} { return v.exited }

// Kill stops the VM and releases its CID, network and files.
func (v *vm) Kill() error {
	v.killOnce.Do(func() {
		start := time.Now()
		if v.conn != nil {
			v.conn.Close()
		}
		if v.machine != nil && v.started {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
			if err := v.machine.Shutdown(shutdownCtx); err != nil {
				if stopErr := v.machine.StopVMM(); stopErr != nil {
					v.killErr = fmt.Errorf("stop VMM: %w", stopErr)
				}
			}
			cancel()
			select {
			case <-v.exited:
			case <-time.After(gracefulShutdownTimeout):
				v.launcher.logger.Warn("VM did not exit", "worker_id", v.id)
			}
			activeVMs.Dec()
		}
		v.release()
		vmCleanupDuration.Observe(time.Since(start).Seconds())
	})
	return v.killErr
}

// release frees everything allocated for the VM apart from the VM itself.
func (v *vm) release() {
	l := v.launcher
	if v.cancel != nil {
		v.cancel()
	}
	l.mu.Lock()
	delete(l.vms, v.id)
	l.mu.Unlock()
	l.releaseCID(v.cid)
	if l.net != nil {
		ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
		if err := l.net.Teardown(ctx, v.id); err != nil {
			l.logger.Warn("network teardown failed", "worker_id", v.id, "error", err)
		}
		cancel()
	}
	if v.dir != "" {
		os.RemoveAll(v.dir)
	}
}

// copyRootfs gives each VM a private rootfs, copy-on-write where the
// filesystem supports reflinks.
func copyRootfs(src, dst string) error {
	if out, err := exec.Command("cp", "--reflink=auto", src, dst).CombinedOutput(); err != nil {
		return fmt.Errorf("cp %s %s: %s: %w", src, dst, string(out), err)
	}
	return nil
}
