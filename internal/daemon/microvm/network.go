package microvm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/containernetworking/cni/libcni"
	"github.com/containernetworking/cni/pkg/types"
	types100 "github.com/containernetworking/cni/pkg/types/100"
)

// CNI bridge settings.
const (
	DefaultBridgeName = "anvilbr0"
	DefaultSubnet     = "10.169.0.0/24"
	DefaultGateway    = "10.169.0.1"
	CNINetworkName    = "anvil-fcnet"
	CNIVersion        = "1.0.0"
	CNIIfName         = "eth0"
	CNICacheDir       = "/var/lib/cni/cache"
	NetNSRunDir       = "/var/run/netns"
	NetNSPrefix       = "anvil-"
)

var requiredCNIPlugins = []string{"bridge", "host-local", "tc-redirect-tap"}

const ipForwardPath = "/proc/sys/net/ipv4/ip_forward"

// NetworkConfig describes the network attached to one worker VM.
type NetworkConfig struct {
	TAPDevice     string
	GuestIP       string
	GatewayIP     string
	MACAddress    string
	NamespacePath string
}

// NetworkManager creates and removes per-worker network namespaces through
// CNI.
type NetworkManager struct {
	binDir        string
	configDir     string
	cni           *libcni.CNIConfig
	confList      *libcni.NetworkConfigList
	confListBytes []byte
	logger        *slog.Logger

	mu         sync.Mutex
	namespaces map[string]string // worker id → namespace path
}

// NewNetworkManager creates a NetworkManager for cfg's CNI directories.
func NewNetworkManager(cfg Config, logger *slog.Logger) (*NetworkManager, error) {
	confBytes, err := generateConfList()
	if err != nil {
		return nil, fmt.Errorf("generate CNI conflist: %w", err)
	}
	confList, err := libcni.ConfListFromBytes(confBytes)
	if err != nil {
		return nil, fmt.Errorf("parse CNI conflist: %w", err)
	}

	return &NetworkManager{
		binDir:        cfg.CNIBinDir,
		configDir:     cfg.CNIConfigDir,
		cni:           libcni.NewCNIConfigWithCacheDir([]string{cfg.CNIBinDir}, CNICacheDir, nil),
		confList:      confList,
		confListBytes: confBytes,
		logger:        logger,
		namespaces:    make(map[string]string),
	}, nil
}

func runtimeConf(workerID, nsPath string) *libcni.RuntimeConf {
	return &libcni.RuntimeConf{ContainerID: workerID, NetNS: nsPath, IfName: CNIIfName}
}

// Setup creates a namespace for workerID and runs CNI ADD in it.
func (nm *NetworkManager) Setup(ctx context.Context, workerID string) (*NetworkConfig, error) {
	nsName := NetNSPrefix + workerID
	nsPath := filepath.Join(NetNSRunDir, nsName)

	if err := createNetNS(nsName); err != nil {
		return nil, fmt.Errorf("create netns %s: %w", nsName, err)
	}
	nm.mu.Lock()
	nm.namespaces[workerID] = nsPath
	nm.mu.Unlock()

	undo := func() {
		if err := deleteNetNS(nsName); err != nil {
			nm.logger.Warn("remove netns after failed setup", "worker_id", workerID, "error", err)
		}
		nm.mu.Lock()
		delete(nm.namespaces, workerID)
		nm.mu.Unlock()
	}

	rt := runtimeConf(workerID, nsPath)
	result, err := nm.cni.AddNetworkList(ctx, nm.confList, rt)
	if err != nil {
		undo()
		return nil, fmt.Errorf("CNI ADD for %s: %w", workerID, err)
	}

	netCfg, err := parseResult(result, nsPath)
	if err != nil {
		if delErr := nm.cni.DelNetworkList(ctx, nm.confList, rt); delErr != nil {
			nm.logger.Debug("CNI DEL after parse failure", "worker_id", workerID, "error", delErr)
		}
		undo()
		return nil, fmt.Errorf("parse CNI result for %s: %w", workerID, err)
	}

	nm.logger.Info("worker network ready",
		"worker_id", workerID,
		"tap", netCfg.TAPDevice,
		"guest_ip", netCfg.GuestIP,
	)
	return netCfg, nil
}

// Teardown removes the network of workerID. Unknown ids are a no-op.
func (nm *NetworkManager) Teardown(ctx context.Context, workerID string) error {
	nm.mu.Lock()
	nsPath, ok := nm.namespaces[workerID]
	delete(nm.namespaces, workerID)
	nm.mu.Unlock()
	if !ok {
		return nil
	}

	var errs []error
	if err := nm.cni.DelNetworkList(ctx, nm.confList, runtimeConf(workerID, nsPath)); err != nil {
		errs = append(errs, fmt.Errorf("CNI DEL for %s: %w", workerID, err))
	}
	if err := deleteNetNS(NetNSPrefix + workerID); err != nil {
		errs = append(errs, fmt.Errorf("delete netns for %s: %w", workerID, err))
	}
	return errors.Join(errs...)
}

// TeardownAll removes every network still tracked.
func (nm *NetworkManager) TeardownAll(ctx context.Context) {
	nm.mu.Lock()
	ids := make([]string, 0, len(nm.namespaces))
	for id := range nm.namespaces {
		ids = append(ids, id)
	}
	nm.mu.Unlock()

	for _, id := range ids {
		if err := nm.Teardown(ctx, id); err != nil {
			nm.logger.Error("network teardown failed", "worker_id", id, "error", err)
		}
	}
}

// Verify checks that the CNI plugins the conflist needs are installed.
func (nm *NetworkManager) Verify() error {
	var missing []string
	for _, plugin := range requiredCNIPlugins {
		_, err := os.Stat(filepath.Join(nm.binDir, plugin))
		switch {
		case err == nil:
		case errors.Is(err, os.ErrNotExist):
			missing = append(missing, plugin)
		default:
			return fmt.Errorf("stat CNI plugin %s: %w", plugin, err)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing CNI plugins in %s: %s", nm.binDir, strings.Join(missing, ", "))
	}
	return nil
}

// WriteConfList installs the conflist into the CNI config directory.
func (nm *NetworkManager) WriteConfList() error {
	if err := os.MkdirAll(nm.configDir, 0o755); err != nil {
		return fmt.Errorf("create CNI config dir: %w", err)
	}
	path := filepath.Join(nm.configDir, CNINetworkName+".conflist")
	if err := os.WriteFile(path, nm.confListBytes, 0o644); err != nil {
		return fmt.Errorf("write conflist: %w", err)
	}
	nm.logger.Info("wrote CNI conflist", "path", path)
	return nil
}

type confListJSON struct {
	CNIVersion string           `json:"cniVersion"`
	Name       string           `json:"name"`
	Plugins    []map[string]any `json:"plugins"`
}

// generateConfList builds a bridge + tc-redirect-tap conflist.
func generateConfList() ([]byte, error) {
	data, err := json.MarshalIndent(confListJSON{
		CNIVersion: CNIVersion,
		Name:       CNINetworkName,
		Plugins: []map[string]any{
			{
				"type":      "bridge",
				"bridge":    DefaultBridgeName,
				"isGateway": true,
				"ipMasq":    true,
				"ipam": map[string]any{
					"type":    "host-local",
					"subnet":  DefaultSubnet,
					"gateway": DefaultGateway,
				},
			},
			{"type": "tc-redirect-tap"},
		},
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal conflist: %w", err)
	}
	return data, nil
}

// parseResult picks the TAP device and guest address out of a CNI result.
// tc-redirect-tap adds a TAP next to the veth named CNIIfName; the TAP is
// preferred, any sandboxed interface is the fallback.
func parseResult(result types.Result, nsPath string) (*NetworkConfig, error) {
	res, err := types100.NewResultFromResult(result)
	if err != nil {
		return nil, fmt.Errorf("convert CNI result: %w", err)
	}

	netCfg := &NetworkConfig{NamespacePath: nsPath}
	for _, preferTAP := range []bool{true, false} {
		for _, iface := range res.Interfaces {
			if iface.Sandbox == "" || (preferTAP && iface.Name == CNIIfName) {
				continue
			}
			netCfg.TAPDevice = iface.Name
			netCfg.MACAddress = iface.Mac
			break
		}
		if netCfg.TAPDevice != "" {
			break
		}
	}
	if netCfg.TAPDevice == "" {
		return nil, fmt.Errorf("no TAP device in CNI result")
	}

	if len(res.IPs) == 0 {
		return nil, fmt.Errorf("no IP address in CNI result")
	}
	netCfg.GuestIP = res.IPs[0].Address.String()
	if res.IPs[0].Gateway != nil {
		netCfg.GatewayIP = res.IPs[0].Gateway.String()
	}
	return netCfg, nil
}

func createNetNS(name string) error {
	if err := os.MkdirAll(NetNSRunDir, 0o755); err != nil {
		return fmt.Errorf("create netns dir: %w", err)
	}
	if out, err := exec.Command("ip", "netns", "add", name).CombinedOutput(); err != nil {
		return fmt.Errorf("ip netns add %s: %s: %w", name, strings.TrimSpace(string(out)), err)
	}
	return nil
}

// deleteNetNS removes a named namespace; a missing namespace is not an error.
func deleteNetNS(name string) error {
	if _, err := os.Stat(filepath.Join(NetNSRunDir, name)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat netns %s: %w", name, err)
	}
	if out, err := exec.Command("ip", "netns", "delete", name).CombinedOutput(); err != nil {
		return fmt.Errorf("ip netns delete %s: %s: %w", name, strings.TrimSpace(string(out)), err)
	}
	return nil
}

// EnsureIPForwarding turns on IPv4 forwarding, which NAT from the bridge
// subnet needs.
func EnsureIPForwarding() error {
	data, err := os.ReadFile(ipForwardPath)
	if err != nil {
		return fmt.Errorf("read ip_forward: %w", err)
	}
	if strings.TrimSpace(string(data)) == "1" {
		return nil
	}
	if err := os.WriteFile(ipForwardPath, []byte("1"), 0o644); err != nil {
		return fmt.Errorf("enable ip_forward: %w", err)
	}
	return nil
}
