package port

import (
	"context"
	"fmt"
	"net"
)

// Probe reports whether a port is currently bound by some process.
type Probe interface {
	// Name identifies the probe in logs and CLI output.
	Name() string

	// IsBound returns true if something is listening on port.
	IsBound(ctx context.Context, port int) (bool, error)
}

// ListenProbe checks ports by trying to bind them.
//
// It asks the operating system's network stack directly (net.Listen /
// net.ListenPacket) rather than parsing /proc/net/* or shelling out to
// lsof or ss, which may need elevated permissions. If the bind succeeds
// the port is free and the listener is closed immediately.
type ListenProbe struct {
	// Host is the bind address. Empty binds all interfaces, which is what
	// dev servers and published container ports typically use.
	Host string

	// Protocol is "tcp" (default) or "udp".
	Protocol string
}

var _ Probe = (*ListenProbe)(nil)

// NewListenProbe creates a TCP ListenProbe on all interfaces.
func NewListenProbe() *ListenProbe {
	return &ListenProbe{Protocol: "tcp"}
}

// Name implements Probe.
func (p *ListenProbe) Name() string { return "listen" }

// IsBound implements Probe.
func (p *ListenProbe) IsBound(_ context.Context, port int) (bool, error) {
	if port < 1 || port > 65535 {
		return false, fmt.Errorf("invalid port %d", port)
	}
	return !p.IsPortAvailable(port), nil
}

// IsPortAvailable reports whether port can be bound right now. Unknown
// protocols report false.
func (p *ListenProbe) IsPortAvailable(port int) bool {
	addr := net.JoinHostPort(p.Host, fmt.Sprint(port))

	switch p.protocol() {
	case "tcp":
		listener, err := net.Listen("tcp", addr)
		if err != nil {
			return false
		}
		defer func() { _ = listener.Close() }()
		return true

	case "udp":
		conn, err := net.ListenPacket("udp", addr)
		if err != nil {
			return false
		}
		defer func() { _ = conn.Close() }()
		return true

	default:
		return false
	}
}

// UsedPorts returns the ports in [start, end] that cannot be bound.
func (p *ListenProbe) UsedPorts(start, end int) []int {
	var used []int
	for port := start; port <= end; port++ {
		if !p.IsPortAvailable(port) {
			used = append(used, port)
		}
	}
	return used
}

func (p *ListenProbe) protocol() string {
	if p.Protocol == "" {
		return "tcp"
	}
	return p.Protocol
}

// NoProbe never inspects the host. Check leaves statuses untouched when
// it is configured.
type NoProbe struct{}

var _ Probe = NoProbe{}

// Name implements Probe.
func (NoProbe) Name() string { return "none" }

// IsBound implements Probe. It always returns false.
func (NoProbe) IsBound(context.Context, int) (bool, error) { return false, nil }
