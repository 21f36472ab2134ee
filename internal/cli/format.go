package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/nikicat/netctld/internal/network"
)

// Formatter outputs data in various formats.
type Formatter struct {
	w      io.Writer
	asJSON bool
}

// NewFormatter creates a new formatter.
func NewFormatter(w io.Writer, asJSON bool) *Formatter {
	return &Formatter{w: w, asJSON: asJSON}
}

// FormatStatus outputs the daemon summary.
func (f *Formatter) FormatStatus(s *Status) error {
	if f.asJSON {
		return json.NewEncoder(f.w).Encode(s)
	}
	fmt.Fprintf(f.w, "State:        %s\n", s.State)
	fmt.Fprintf(f.w, "Connectivity: %s\n", s.Connectivity)
	fmt.Fprintf(f.w, "Devices:      %d\n", s.Devices)
	fmt.Fprintf(f.w, "Active:       %d\n", s.ActiveConnections)
	fmt.Fprintf(f.w, "Connections:  %d\n", s.Connections)
	if s.Version != "" {
		fmt.Fprintf(f.w, "Version:      %s\n", s.Version)
	}
	return nil
}

// FormatDevices outputs devices as a table.
func (f *Formatter) FormatDevices(devices []network.Device) error {
	if f.asJSON {
		return json.NewEncoder(f.w).Encode(devices)
	}

	if len(devices) == 0 {
		fmt.Fprintln(f.w, "No devices")
		return nil
	}

	fmt.Fprintf(f.w, "%-15s  %-9s  %-13s  %-17s  %s\n", "DEVICE", "TYPE", "STATE", "HWADDR", "ACTIVE")
	fmt.Fprintf(f.w, "%-15s  %-9s  %-13s  %-17s  %s\n", "---------------", "---------", "-------------", "-----------------", "------")

	for _, d := range devices {
		fmt.Fprintf(f.w, "%-15s  %-9s  %-13s  %-17s  %s\n",
			truncate(d.Name, 15), d.Kind, d.State, dash(d.HwAddress), dash(d.ActiveID))
	}
	return nil
}

// FormatConnections outputs connection profiles as a table.
func (f *Formatter) FormatConnections(conns []network.Connection) error {
	if f.asJSON {
		return json.NewEncoder(f.w).Encode(conns)
	}

	if len(conns) == 0 {
		fmt.Fprintln(f.w, "No connections")
		return nil
	}

	fmt.Fprintf(f.w, "%-20s  %-36s  %-9s  %-10s  %s\n", "NAME", "UUID", "TYPE", "DEVICE", "AUTO")
	fmt.Fprintf(f.w, "%-20s  %-36s  %-9s  %-10s  %s\n", "--------------------", "------------------------------------", "---------", "----------", "----")

	for _, c := range conns {
		auto := "no"
		if c.AutoConnect {
			auto = "yes"
		}
		fmt.Fprintf(f.w, "%-20s  %-36s  %-9s  %-10s  %s\n",
			truncate(c.Name, 20), c.ID, c.Kind, dash(c.Interface), auto)
	}
	return nil
}

// FormatActive outputs activation records as a table.
func (f *Formatter) FormatActive(list []Active) error {
	if f.asJSON {
		return json.NewEncoder(f.w).Encode(list)
	}

	if len(list) == 0 {
		fmt.Fprintln(f.w, "No active connections")
		return nil
	}

	fmt.Fprintf(f.w, "%-4s  %-20s  %-10s  %-16s  %-18s  %s\n", "ID", "CONNECTION", "DEVICE", "STAGE", "ADDRESS", "SINCE")
	fmt.Fprintf(f.w, "%-4s  %-20s  %-10s  %-16s  %-18s  %s\n", "----", "--------------------", "----------", "----------------", "------------------", "-----")

	for _, a := range list {
		fmt.Fprintf(f.w, "%-4s  %-20s  %-10s  %-16s  %-18s  %s\n",
			a.ID, truncate(a.ConnectionName, 20), dash(a.Device), a.Stage, address(a.IP4), formatAgo(a.CreatedAt))
	}
	return nil
}

// FormatActivation outputs the result of an up request.
func (f *Formatter) FormatActivation(a *Active) error {
	if f.asJSON {
		return json.NewEncoder(f.w).Encode(a)
	}

	fmt.Fprintf(f.w, "ID:         %s\n", a.ID)
	fmt.Fprintf(f.w, "Connection: %s\n", a.ConnectionName)
	if a.Device != "" {
		fmt.Fprintf(f.w, "Device:     %s\n", a.Device)
	}
	fmt.Fprintf(f.w, "Stage:      %s\n", a.Stage)
	if a.IP4 != nil {
		fmt.Fprintf(f.w, "Address:    %s\n", address(a.IP4))
		if a.IP4.Gateway.IsValid() {
			fmt.Fprintf(f.w, "Gateway:    %s\n", a.IP4.Gateway)
		}
		if len(a.IP4.DNS) > 0 {
			dns := make([]string, len(a.IP4.DNS))
			for i, s := range a.IP4.DNS {
				dns[i] = s.String()
			}
			fmt.Fprintf(f.w, "DNS:        %s\n", strings.Join(dns, ", "))
		}
	}
	if a.Reason != "" {
		fmt.Fprintf(f.w, "Reason:     %s\n", a.Reason)
	}
	return nil
}

// FormatAction outputs an action result.
func (f *Formatter) FormatAction(action, id string) error {
	if f.asJSON {
		return json.NewEncoder(f.w).Encode(map[string]string{
			"status": action,
			"id":     id,
		})
	}
	fmt.Fprintf(f.w, "Active connection %s: %s\n", id, action)
	return nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-1] + "…"
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func address(c *network.IPConfig) string {
	if c == nil || len(c.Addresses) == 0 {
		return "-"
	}
	return c.Addresses[0].String()
}

func formatAgo(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	ago := time.Since(t).Round(time.Second)
	if ago < 0 {
		return "just now"
	}
	return ago.String() + " ago"
}
