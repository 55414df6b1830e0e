package scanner

import (
	"fmt"
	"strings"

	"github.com/Ullaakut/nmap/v3"
)

// Result is the structured form of a completed scan report. It is immutable
// once produced by ExtractResult.
type Result struct {
	// Args is the command line recorded in the report.
	Args string
	// Stats holds the report's top-level run statistics.
	Stats RunStats
	// Hosts lists every host entry in report order.
	Hosts []Host
	// Error is non-empty when the report could not be parsed. A Result with
	// a non-empty Error has an empty host list.
	Error string
}

// RunStats aggregates top-level run statistics, separate from per-host data.
type RunStats struct {
	Elapsed    float64
	Summary    string
	HostsUp    int
	HostsDown  int
	HostsTotal int
}

// Address is a single host address with its type ("ipv4", "ipv6", "mac").
type Address struct {
	Addr string
	Type string
}

// Hostname is a single name attached to a host, with the report's type tag.
type Hostname struct {
	Name string
	Type string
}

// Script is the output of one scan script.
type Script struct {
	ID     string
	Output string
}

// Port holds the findings for a single scanned port.
type Port struct {
	Protocol string
	Number   uint16
	State    string
	Reason   string
	Service  string
	Product  string
	Version  string
	// VersionInfo is the human-readable product+version string.
	VersionInfo string
	Scripts     []Script
}

// OSMatch is one OS detection candidate.
type OSMatch struct {
	Name     string
	Accuracy int
	Line     int
	Classes  []OSClass
}

// OSClass describes an OS family classification inside a match.
type OSClass struct {
	Type       string
	Vendor     string
	Family     string
	Generation string
	Accuracy   int
}

// Uptime holds host uptime data when the scan reported it.
type Uptime struct {
	Seconds  int
	LastBoot string
}

// Hop is one traceroute hop.
type Hop struct {
	TTL    int
	IPAddr string
	Host   string
	RTT    string
}

// Trace is the traceroute data for a host.
type Trace struct {
	Protocol string
	Port     int
	Hops     []Hop
}

// Host holds everything the report said about one host.
type Host struct {
	Status    string
	IP        string
	MAC       string
	Addresses []Address
	// Hostname is the user-assigned name, when the report flagged one.
	Hostname  string
	Hostnames []Hostname
	Ports     []Port
	// OS is the representative match: the first one the report listed.
	// The report format orders matches by its own confidence ranking.
	OS        *OSMatch
	OSMatches []OSMatch
	Uptime    *Uptime
	Distance  int
	Trace     *Trace
}

// ExtractResult converts a raw scan report into a Result tree. Parse failure
// is a data outcome, not an error: malformed input yields a Result with a
// non-empty Error field and no hosts.
func ExtractResult(raw []byte) *Result {
	run := &nmap.Run{}
	if err := nmap.Parse(raw, run); err != nil {
		return &Result{
			Error: fmt.Sprintf("failed to parse scan report: %v", err),
			Hosts: []Host{},
		}
	}

	result := &Result{
		Args: run.Args,
		Stats: RunStats{
			Elapsed:    float64(run.Stats.Finished.Elapsed),
			Summary:    run.Stats.Finished.Summary,
			HostsUp:    run.Stats.Hosts.Up,
			HostsDown:  run.Stats.Hosts.Down,
			HostsTotal: run.Stats.Hosts.Total,
		},
		Hosts: make([]Host, 0, len(run.Hosts)),
	}

	for i := range run.Hosts {
		result.Hosts = append(result.Hosts, convertHost(&run.Hosts[i]))
	}
	return result
}

// convertHost maps one report host entry into the result tree.
func convertHost(h *nmap.Host) Host {
	host := Host{
		Status:    h.Status.State,
		Addresses: make([]Address, 0, len(h.Addresses)),
		Hostnames: make([]Hostname, 0, len(h.Hostnames)),
		Ports:     make([]Port, 0, len(h.Ports)),
		Distance:  h.Distance.Value,
	}

	for _, addr := range h.Addresses {
		switch addr.AddrType {
		case "ipv4", "ipv6":
			if host.IP == "" {
				host.IP = addr.Addr
			}
		case "mac":
			host.MAC = addr.Addr
		}
		host.Addresses = append(host.Addresses, Address{
			Addr: addr.Addr,
			Type: addr.AddrType,
		})
	}

	for _, name := range h.Hostnames {
		if name.Type == "user" {
			host.Hostname = name.Name
		}
		host.Hostnames = append(host.Hostnames, Hostname{
			Name: name.Name,
			Type: name.Type,
		})
	}

	for i := range h.Ports {
		host.Ports = append(host.Ports, convertPort(&h.Ports[i]))
	}

	if len(h.OS.Matches) > 0 {
		host.OSMatches = make([]OSMatch, 0, len(h.OS.Matches))
		for i := range h.OS.Matches {
			host.OSMatches = append(host.OSMatches, convertOSMatch(&h.OS.Matches[i]))
		}
		host.OS = &host.OSMatches[0]
	}

	if h.Uptime.Seconds > 0 || h.Uptime.Lastboot != "" {
		host.Uptime = &Uptime{
			Seconds:  h.Uptime.Seconds,
			LastBoot: h.Uptime.Lastboot,
		}
	}

	if len(h.Trace.Hops) > 0 {
		trace := &Trace{
			Protocol: h.Trace.Proto,
			Port:     h.Trace.Port,
			Hops:     make([]Hop, 0, len(h.Trace.Hops)),
		}
		for _, hop := range h.Trace.Hops {
			trace.Hops = append(trace.Hops, Hop{
				TTL:    int(hop.TTL),
				IPAddr: hop.IPAddr,
				Host:   hop.Host,
				RTT:    hop.RTT,
			})
		}
		host.Trace = trace
	}

	return host
}

// convertPort maps one report port entry, building the combined version
// string from product and version.
func convertPort(p *nmap.Port) Port {
	port := Port{
		Protocol: p.Protocol,
		Number:   p.ID,
		State:    p.State.State,
		Reason:   p.State.Reason,
		Service:  p.Service.Name,
		Product:  p.Service.Product,
		Version:  p.Service.Version,
	}

	var parts []string
	if port.Product != "" {
		parts = append(parts, port.Product)
	}
	if port.Version != "" {
		parts = append(parts, port.Version)
	}
	port.VersionInfo = strings.Join(parts, " ")

	for _, s := range p.Scripts {
		port.Scripts = append(port.Scripts, Script{
			ID:     s.ID,
			Output: s.Output,
		})
	}
	return port
}

// convertOSMatch maps one OS detection candidate.
func convertOSMatch(m *nmap.OSMatch) OSMatch {
	match := OSMatch{
		Name:     m.Name,
		Accuracy: m.Accuracy,
		Line:     m.Line,
	}
	for _, c := range m.Classes {
		match.Classes = append(match.Classes, OSClass{
			Type:       c.Type,
			Vendor:     c.Vendor,
			Family:     c.Family,
			Generation: c.OSGeneration,
			Accuracy:   c.Accuracy,
		})
	}
	return match
}
