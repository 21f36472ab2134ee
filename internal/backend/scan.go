package backend

import (
	"bufio"
	"bytes"
	"context"
	"strconv"
	"strings"

	"github.com/nikicat/netctld/internal/validate"
)

// AccessPoint is one BSS seen in a scan.
type AccessPoint struct {
	BSSID     string  `json:"bssid"`
	SSID      string  `json:"ssid"`
	Frequency uint32  `json:"frequency"` // MHz
	Signal    float64 `json:"signal"`    // dBm
	Secured   bool    `json:"secured"`
}

// Strength maps the signal to NetworkManager's 0-100 percentage.
func (ap AccessPoint) Strength() uint8 {
	// -100 dBm or worse is 0%, -50 dBm or better is 100%.
	switch {
	case ap.Signal <= -100:
		return 0
	case ap.Signal >= -50:
		return 100
	default:
		return uint8(2 * (ap.Signal + 100))
	}
}

// Scanner triggers WiFi scans with iw.
type Scanner struct {
	Runner Runner
	IwBin  string
}

// NewScanner returns a scanner using the iw binary.
func NewScanner(r Runner) *Scanner {
	return &Scanner{Runner: r, IwBin: "iw"}
}

// Scan triggers a scan on iface and returns the results. When the trigger
// fails (e.g. the device is busy) the cached results are returned.
func (s *Scanner) Scan(ctx context.Context, iface string) ([]AccessPoint, error) {
	if err := validate.InterfaceName(iface); err != nil {
		return nil, err
	}
	out, err := s.Runner.Run(ctx, Cmd(s.IwBin, "dev", iface, "scan"))
	if err != nil {
		out, err = s.Runner.Run(ctx, Cmd(s.IwBin, "dev", iface, "scan", "dump"))
		if err != nil {
			return nil, &OpError{Op: "scan", Interface: iface, Err: err}
		}
	}
	return ParseScan(out), nil
}

// ParseScan parses the output of "iw dev <if> scan".
func ParseScan(out []byte) []AccessPoint {
	var aps []AccessPoint
	var cur *AccessPoint
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := sc.Text()
		if rest, ok := strings.CutPrefix(line, "BSS "); ok {
			if cur != nil {
				aps = append(aps, *cur)
			}
			bssid, _, _ := strings.Cut(rest, "(")
			cur = &AccessPoint{BSSID: strings.TrimSpace(bssid)}
			continue
		}
		if cur == nil {
			continue
		}
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "SSID: "):
			cur.SSID = strings.TrimPrefix(line, "SSID: ")
		case strings.HasPrefix(line, "freq: "):
			f, _ := strconv.ParseFloat(strings.TrimPrefix(line, "freq: "), 64)
			cur.Frequency = uint32(f)
		case strings.HasPrefix(line, "signal: "):
			v, _, _ := strings.Cut(strings.TrimPrefix(line, "signal: "), " ")
			cur.Signal, _ = strconv.ParseFloat(v, 64)
		case strings.HasPrefix(line, "RSN:"), strings.HasPrefix(line, "WPA:"):
			cur.Secured = true
		}
	}
	if cur != nil {
		aps = append(aps, *cur)
	}
	return aps
}
