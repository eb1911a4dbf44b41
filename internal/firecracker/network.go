package firecracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/containernetworking/cni/libcni"
	"github.com/containernetworking/cni/pkg/types"
	types100 "github.com/containernetworking/cni/pkg/types/100"
)

// CNI network defaults. Machines attach to a bridge through a per-machine
// namespace and a tc-redirect-tap device.
const (
	BridgeName     = "flbr0"
	Subnet         = "10.200.0.0/24"
	Gateway        = "10.200.0.1"
	CNINetworkName = "firelink-fcnet"
	CNIVersion     = "1.0.0"
	CNIIfName      = "eth0"
	CNICacheDir    = "/var/lib/cni/cache"
	NetNSRunDir    = "/var/run/netns"
	NetNSPrefix    = "firelink-"
)

var requiredCNIPlugins = []string{"bridge", "host-local", "tc-redirect-tap"}

const ipForwardPath = "/proc/sys/net/ipv4/ip_forward"

// NetworkConfig is the result of attaching one machine to the bridge.
type NetworkConfig struct {
	TAPDevice  string
	GuestIP    string // CIDR notation
	GatewayIP  string
	MACAddress string
	NetNS      string
	NetNSPath  string
}

// KernelIPArg returns the ip= boot argument that configures the guest's
// eth0 statically, or "" when the guest address is unusable.
func (n *NetworkConfig) KernelIPArg() string {
	ip, ipNet, err := net.ParseCIDR(n.GuestIP)
	if err != nil {
		return ""
	}
	mask := net.IP(ipNet.Mask).String()
	return fmt.Sprintf("ip=%s::%s:%s::%s:off", ip, n.GatewayIP, mask, CNIIfName)
}

// NetworkManager attaches machines to the CNI bridge. Each machine gets its
// own network namespace, which the hypervisor is then run inside.
type NetworkManager struct {
	binDir    string
	confDir   string
	cni       *libcni.CNIConfig
	confList  *libcni.NetworkConfigList
	confBytes []byte
	logger    *slog.Logger

	mu       sync.Mutex
	attached map[string]string // machine ID -> netns path
}

// NewNetworkManager builds the bridge conflist and a CNI runtime that looks
// up plugins in cfg.CNIBinDir.
func NewNetworkManager(cfg Config, logger *slog.Logger) (*NetworkManager, error) {
	confBytes, err := generateConfList()
	if err != nil {
		return nil, fmt.Errorf("generate CNI conflist: %w", err)
	}
	confList, err := libcni.ConfListFromBytes(confBytes)
	if err != nil {
		return nil, fmt.Errorf("parse CNI conflist: %w", err)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &NetworkManager{
		binDir:    cfg.CNIBinDir,
		confDir:   cfg.CNIConfigDir,
		cni:       libcni.NewCNIConfigWithCacheDir([]string{cfg.CNIBinDir}, CNICacheDir, nil),
		confList:  confList,
		confBytes: confBytes,
		logger:    logger,
		attached:  make(map[string]string),
	}, nil
}

// Setup creates the machine's namespace and runs CNI ADD inside it.
func (nm *NetworkManager) Setup(ctx context.Context, machineID string) (*NetworkConfig, error) {
	ns := NetNSPrefix + machineID
	nsPath := filepath.Join(NetNSRunDir, ns)

	if err := createNetNS(ctx, ns); err != nil {
		return nil, fmt.Errorf("create netns %s: %w", ns, err)
	}

	rt := runtimeConf(machineID, nsPath)
	result, err := nm.cni.AddNetworkList(ctx, nm.confList, rt)
	if err != nil {
		if nsErr := deleteNetNS(context.Background(), ns); nsErr != nil {
			nm.logger.Warn("remove netns after CNI ADD failure", "machine_id", machineID, "error", nsErr)
		}
		return nil, fmt.Errorf("CNI ADD for %s: %w", machineID, err)
	}

	netCfg, err := parseResult(result, nsPath)
	if err != nil {
		if delErr := nm.cni.DelNetworkList(ctx, nm.confList, rt); delErr != nil {
			nm.logger.Debug("CNI DEL after parse failure", "machine_id", machineID, "error", delErr)
		}
		if nsErr := deleteNetNS(context.Background(), ns); nsErr != nil {
			nm.logger.Debug("remove netns after parse failure", "machine_id", machineID, "error", nsErr)
		}
		return nil, fmt.Errorf("parse CNI result for %s: %w", machineID, err)
	}
	netCfg.NetNS = ns

	nm.mu.Lock()
	nm.attached[machineID] = nsPath
	nm.mu.Unlock()

	nm.logger.Info("network attached",
		"machine_id", machineID,
		"tap", netCfg.TAPDevice,
		"guest_ip", netCfg.GuestIP,
		"netns", ns,
	)
	return netCfg, nil
}

// Teardown runs CNI DEL and removes the namespace. Unknown or already
// detached machines are a no-op.
func (nm *NetworkManager) Teardown(ctx context.Context, machineID string) error {
	nm.mu.Lock()
	nsPath, ok := nm.attached[machineID]
	delete(nm.attached, machineID)
	nm.mu.Unlock()
	if !ok {
		return nil
	}

	var errs []error
	if err := nm.cni.DelNetworkList(ctx, nm.confList, runtimeConf(machineID, nsPath)); err != nil {
		errs = append(errs, fmt.Errorf("CNI DEL for %s: %w", machineID, err))
	}
	if err := deleteNetNS(ctx, NetNSPrefix+machineID); err != nil {
		errs = append(errs, fmt.Errorf("delete netns for %s: %w", machineID, err))
	}
	if len(errs) == 0 {
		nm.logger.Info("network detached", "machine_id", machineID)
	}
	return errors.Join(errs...)
}

// TeardownAll detaches every machine still attached.
func (nm *NetworkManager) TeardownAll(ctx context.Context) {
	nm.mu.Lock()
	ids := make([]string, 0, len(nm.attached))
	for id := range nm.attached {
		ids = append(ids, id)
	}
	nm.mu.Unlock()

	for _, id := range ids {
		if err := nm.Teardown(ctx, id); err != nil {
			nm.logger.Error("network teardown failed", "machine_id", id, "error", err)
		}
	}
}

// Verify checks that every required CNI plugin is installed.
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
	if err := os.MkdirAll(nm.confDir, 0o755); err != nil {
		return fmt.Errorf("create CNI config dir: %w", err)
	}
	path := filepath.Join(nm.confDir, CNINetworkName+".conflist")
	if err := os.WriteFile(path, nm.confBytes, 0o644); err != nil {
		return fmt.Errorf("write conflist: %w", err)
	}
	nm.logger.Info("wrote CNI conflist", "path", path)
	return nil
}

func runtimeConf(machineID, nsPath string) *libcni.RuntimeConf {
	return &libcni.RuntimeConf{
		ContainerID: machineID,
		NetNS:       nsPath,
		IfName:      CNIIfName,
	}
}

type confListJSON struct {
	CNIVersion string           `json:"cniVersion"`
	Name       string           `json:"name"`
	Plugins    []map[string]any `json:"plugins"`
}

func generateConfList() ([]byte, error) {
	data, err := json.MarshalIndent(confListJSON{
		CNIVersion: CNIVersion,
		Name:       CNINetworkName,
		Plugins: []map[string]any{
			{
				"type":      "bridge",
				"bridge":    BridgeName,
				"isGateway": true,
				"ipMasq":    true,
				"ipam": map[string]any{
					"type":    "host-local",
					"subnet":  Subnet,
					"gateway": Gateway,
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

// parseResult picks the tap device out of a CNI ADD result. tc-redirect-tap
// adds it next to the veth named CNIIfName, so the veth is skipped unless it
// is the only sandboxed interface.
func parseResult(result types.Result, nsPath string) (*NetworkConfig, error) {
	res, err := types100.NewResultFromResult(result)
	if err != nil {
		return nil, fmt.Errorf("convert CNI result: %w", err)
	}

	netCfg := &NetworkConfig{NetNSPath: nsPath}
	var fallback *types100.Interface
	for _, iface := range res.Interfaces {
		if iface.Sandbox == "" {
			continue
		}
		if iface.Name != CNIIfName {
			netCfg.TAPDevice, netCfg.MACAddress = iface.Name, iface.Mac
			break
		}
		if fallback == nil {
			fallback = iface
		}
	}
	if netCfg.TAPDevice == "" && fallback != nil {
		netCfg.TAPDevice, netCfg.MACAddress = fallback.Name, fallback.Mac
	}
	if netCfg.TAPDevice == "" {
		return nil, errors.New("no TAP device in CNI result")
	}

	if len(res.IPs) == 0 {
		return nil, errors.New("no IP address in CNI result")
	}
	netCfg.GuestIP = res.IPs[0].Address.String()
	if gw := res.IPs[0].Gateway; gw != nil {
		netCfg.GatewayIP = gw.String()
	}
	return netCfg, nil
}

// EnsureIPForwarding turns on IPv4 forwarding if it is off.
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

// GenerateMAC derives a stable locally administered unicast MAC from a
// machine ID.
func GenerateMAC(machineID string) net.HardwareAddr {
	h := fnv.New64a()
	h.Write([]byte(machineID))
	sum := h.Sum64()

	mac := make(net.HardwareAddr, 6)
	mac[0] = 0x02
	for i := 1; i < 6; i++ {
		mac[i] = byte(sum >> (8 * (i - 1)))
	}
	return mac
}
