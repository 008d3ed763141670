package microvm

import (
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	types100 "github.com/containernetworking/cni/pkg/types/100"
)

func TestGenerateConfList(t *testing.T) {
	data, err := generateConfList()
	if err != nil {
		t.Fatalf("generateConfList: %v", err)
	}

	var parsed confListJSON
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("unmarshal conflist: %v", err)
	}
	if parsed.CNIVersion != CNIVersion {
		t.Errorf("cniVersion = %q, want %q", parsed.CNIVersion, CNIVersion)
	}
	if parsed.Name != CNINetworkName {
		t.Errorf("name = %q, want %q", parsed.Name, CNINetworkName)
	}
	if len(parsed.Plugins) != 2 {
		t.Fatalf("plugins count = %d, want 2", len(parsed.Plugins))
	}

	bridge := parsed.Plugins[0]
	if bridge["type"] != "bridge" || bridge["bridge"] != DefaultBridgeName {
		t.Errorf("plugin[0] = %v", bridge)
	}
	ipam, ok := bridge["ipam"].(map[string]any)
	if !ok {
		t.Fatal("plugin[0].ipam is not a map")
	}
	if ipam["subnet"] != DefaultSubnet || ipam["gateway"] != DefaultGateway {
		t.Errorf("ipam = %v", ipam)
	}
	if parsed.Plugins[1]["type"] != "tc-redirect-tap" {
		t.Errorf("plugin[1].type = %q, want tc-redirect-tap", parsed.Plugins[1]["type"])
	}
}

func TestVerifyPluginsPresent(t *testing.T) {
	dir := t.TempDir()
	for _, name := range requiredCNIPlugins {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("fake"), 0o755); err != nil {
			t.Fatalf("create fake plugin %s: %v", name, err)
		}
	}

	nm := &NetworkManager{binDir: dir}
	if err := nm.Verify(); err != nil {
		t.Errorf("Verify with all plugins present: %v", err)
	}
}

func TestVerifyPluginsMissing(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "bridge"), []byte("fake"), 0o755); err != nil {
		t.Fatalf("create bridge: %v", err)
	}

	nm := &NetworkManager{binDir: dir}
	err := nm.Verify()
	if err == nil {
		t.Fatal("expected error when plugins are missing")
	}
	for _, plugin := range []string{"host-local", "tc-redirect-tap"} {
		if !strings.Contains(err.Error(), plugin) {
			t.Errorf("error should mention %q: %s", plugin, err)
		}
	}
	if strings.Contains(err.Error(), "bridge,") {
		t.Errorf("error should not mention bridge: %s", err)
	}
}

func TestWriteConfList(t *testing.T) {
	configDir := filepath.Join(t.TempDir(), "cni-conf")
	confBytes, _ := generateConfList()
	nm := &NetworkManager{configDir: configDir, confListBytes: confBytes, logger: testLogger()}

	// Twice: the second write overwrites.
	for range 2 {
		if err := nm.WriteConfList(); err != nil {
			t.Fatalf("WriteConfList: %v", err)
		}
	}

	data, err := os.ReadFile(filepath.Join(configDir, CNINetworkName+".conflist"))
	if err != nil {
		t.Fatalf("read conflist: %v", err)
	}
	var parsed confListJSON
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("unmarshal written conflist: %v", err)
	}
	if parsed.Name != CNINetworkName {
		t.Errorf("name = %q, want %q", parsed.Name, CNINetworkName)
	}
}

func TestTeardownUnknownWorker(t *testing.T) {
	nm := &NetworkManager{namespaces: make(map[string]string), logger: testLogger()}
	if err := nm.Teardown(t.Context(), "never-set-up"); err != nil {
		t.Errorf("Teardown of unknown worker = %v, want nil", err)
	}
}

func TestDeleteNetNSMissing(t *testing.T) {
	if err := deleteNetNS("anvil-nonexistent-test-ns"); err != nil {
		t.Errorf("deleteNetNS of missing namespace = %v, want nil", err)
	}
}

func TestParseResultPrefersTAP(t *testing.T) {
	result := &types100.Result{
		CNIVersion: "1.0.0",
		Interfaces: []*types100.Interface{
			{Name: "veth0", Mac: "aa:aa:aa:aa:aa:aa"},
			{Name: CNIIfName, Mac: "02:00:00:00:00:01", Sandbox: "/var/run/netns/anvil-w"},
			{Name: "tap0", Mac: "02:00:00:00:00:02", Sandbox: "/var/run/netns/anvil-w"},
		},
		IPs: []*types100.IPConfig{{
			Address: mustParseCIDR("10.169.0.2/24"),
			Gateway: net.ParseIP("10.169.0.1"),
		}},
	}

	cfg, err := parseResult(result, "/var/run/netns/anvil-w")
	if err != nil {
		t.Fatalf("parseResult: %v", err)
	}
	if cfg.TAPDevice != "tap0" || cfg.MACAddress != "02:00:00:00:00:02" {
		t.Errorf("TAP = %s/%s, want tap0/02:00:00:00:00:02", cfg.TAPDevice, cfg.MACAddress)
	}
	if cfg.GuestIP != "10.169.0.2/24" {
		t.Errorf("GuestIP = %q", cfg.GuestIP)
	}
	if cfg.GatewayIP != "10.169.0.1" {
		t.Errorf("GatewayIP = %q", cfg.GatewayIP)
	}
	if cfg.NamespacePath != "/var/run/netns/anvil-w" {
		t.Errorf("NamespacePath = %q", cfg.NamespacePath)
	}
}

func TestParseResultFallsBackToVeth(t *testing.T) {
	result := &types100.Result{
		CNIVersion: "1.0.0",
		Interfaces: []*types100.Interface{
			{Name: CNIIfName, Mac: "02:ab:cd:ef:01:23", Sandbox: "/var/run/netns/anvil-w"},
		},
		IPs: []*types100.IPConfig{{Address: mustParseCIDR("10.169.0.5/24")}},
	}

	cfg, err := parseResult(result, "/var/run/netns/anvil-w")
	if err != nil {
		t.Fatalf("parseResult: %v", err)
	}
	if cfg.TAPDevice != CNIIfName {
		t.Errorf("TAPDevice = %q, want %q", cfg.TAPDevice, CNIIfName)
	}
	if cfg.GatewayIP != "" {
		t.Errorf("GatewayIP = %q, want empty", cfg.GatewayIP)
	}
}

func TestParseResultErrors(t *testing.T) {
	tests := []struct {
		name   string
		result *types100.Result
		want   string
	}{
		{
			name: "no sandbox interface",
			result: &types100.Result{
				CNIVersion: "1.0.0",
				Interfaces: []*types100.Interface{{Name: "veth123"}},
				IPs:        []*types100.IPConfig{{Address: mustParseCIDR("10.169.0.2/24")}},
			},
			want: "no TAP device",
		},
		{
			name: "no IPs",
			result: &types100.Result{
				CNIVersion: "1.0.0",
				Interfaces: []*types100.Interface{{Name: "tap0", Sandbox: "/ns"}},
			},
			want: "no IP address",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseResult(tt.result, "/ns")
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want it to contain %q", err, tt.want)
			}
		})
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mustParseCIDR(s string) net.IPNet {
	ip, ipNet, err := net.ParseCIDR(s)
	if err != nil {
		panic(err)
	}
	ipNet.IP = ip
	return *ipNet
}
