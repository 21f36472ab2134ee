package linkmon

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/nikicat/netctld/internal/network"
)

// Sample is the raw, undebounced view of one interface.
type Sample struct {
	Name      string
	Kind      network.Kind
	HwAddress string
	IfIndex   int
	State     network.LinkState
}

// Sampler lists the interfaces present on the host with their current link
// state.
type Sampler interface {
	Sample(ctx context.Context) ([]Sample, error)
}

// SysfsSampler reads /sys/class/net.
type SysfsSampler struct {
	Root string
}

// NewSysfsSampler returns a sampler rooted at /sys/class/net.
func NewSysfsSampler() *SysfsSampler {
	return &SysfsSampler{Root: "/sys/class/net"}
}

// ARPHRD values from <linux/if_arp.h>.
const (
	arphrdLoopback = 772
	arphrdNone     = 65534
)

// Sample implements Sampler.
func (s *SysfsSampler) Sample(ctx context.Context) ([]Sample, error) {
	entries, err := os.ReadDir(s.Root)
	if err != nil {
		return nil, err
	}
	out := make([]Sample, 0, len(entries))
	for _, e := range entries {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		name := e.Name()
		dir := filepath.Join(s.Root, name)
		kind := s.kind(dir)
		out = append(out, Sample{
			Name:      name,
			Kind:      kind,
			HwAddress: readAttr(dir, "address"),
			IfIndex:   atoi(readAttr(dir, "ifindex")),
			State:     s.state(dir, kind),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *SysfsSampler) kind(dir string) network.Kind {
	if exists(filepath.Join(dir, "wireless")) || exists(filepath.Join(dir, "phy80211")) {
		return network.KindWireless
	}
	for _, line := range strings.Split(readAttr(dir, "uevent"), "\n") {
		switch line {
		case "DEVTYPE=wlan":
			return network.KindWireless
		case "DEVTYPE=wireguard":
			return network.KindVPN
		}
	}
	switch atoi(readAttr(dir, "type")) {
	case arphrdLoopback:
		return network.KindLoopback
	case arphrdNone:
		return network.KindVPN
	default:
		return network.KindEthernet
	}
}

// state maps operstate and carrier to a link state. Wireless carrier only
// follows association, so a wireless device is up whenever its radio is not
// blocked.
func (s *SysfsSampler) state(dir string, kind network.Kind) network.LinkState {
	oper := readAttr(dir, "operstate")
	if oper == "notpresent" {
		return network.LinkDown
	}
	if kind == network.KindWireless {
		if rfkillBlocked(filepath.Join(dir, "phy80211")) {
			return network.LinkDown
		}
		return network.LinkUp
	}
	switch oper {
	case "up":
		return network.LinkUp
	case "down", "lowerlayerdown":
		return network.LinkDown
	}
	// unknown, dormant, testing: fall back to carrier.
	if readAttr(dir, "carrier") == "1" {
		return network.LinkUp
	}
	return network.LinkDown
}

func rfkillBlocked(phy string) bool {
	matches, _ := filepath.Glob(filepath.Join(phy, "rfkill*"))
	for _, m := range matches {
		if readAttr(m, "soft") == "1" || readAttr(m, "hard") == "1" {
			return true
		}
	}
	return false
}

func readAttr(dir, name string) string {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
