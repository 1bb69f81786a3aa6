package port

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// listenTCP starts a TCP listener on an OS-assigned port so tests never
// depend on a hardcoded port being free.
func listenTCP(t *testing.T) (net.Listener, int) {
	t.Helper()
	ln, err := net.Listen("tcp", ":0")
	require.NoError(t, err, "failed to start test listener")
	t.Cleanup(func() { _ = ln.Close() })

	tcpAddr, ok := ln.Addr().(*net.TCPAddr)
	require.True(t, ok)
	return ln, tcpAddr.Port
}

// TestListenProbe_BoundPort verifies that a port with a live listener is
// reported as bound.
func TestListenProbe_BoundPort(t *testing.T) {
	_, port := listenTCP(t)

	bound, err := NewListenProbe().IsBound(context.Background(), port)
	require.NoError(t, err)
	assert.True(t, bound, "port %d should be bound (we have a listener on it)", port)
}

// TestListenProbe_FreePort verifies that a port is reported free once its
// listener has been closed.
func TestListenProbe_FreePort(t *testing.T) {
	ln, port := listenTCP(t)
	require.NoError(t, ln.Close())

	bound, err := NewListenProbe().IsBound(context.Background(), port)
	require.NoError(t, err)
	assert.False(t, bound, "port %d should be free after closing the listener", port)
}

// TestListenProbe_UDP verifies UDP checks use ListenPacket.
func TestListenProbe_UDP(t *testing.T) {
	conn, err := net.ListenPacket("udp", ":0")
	require.NoError(t, err, "failed to start test UDP listener")
	defer func() { _ = conn.Close() }()

	udpAddr, ok := conn.LocalAddr().(*net.UDPAddr)
	require.True(t, ok)

	probe := &ListenProbe{Protocol: "udp"}
	assert.False(t, probe.IsPortAvailable(udpAddr.Port), "UDP port %d should be in use", udpAddr.Port)
}

// TestListenProbe_UnknownProtocol verifies an unrecognised protocol is
// treated as unavailable.
func TestListenProbe_UnknownProtocol(t *testing.T) {
	probe := &ListenProbe{Protocol: "sctp"}
	assert.False(t, probe.IsPortAvailable(50000))
}

// TestListenProbe_InvalidPort verifies out-of-range ports are rejected.
func TestListenProbe_InvalidPort(t *testing.T) {
	_, err := NewListenProbe().IsBound(context.Background(), 70000)
	assert.Error(t, err)
}

// TestListenProbe_UsedPorts verifies the occupied port appears in the scan.
func TestListenProbe_UsedPorts(t *testing.T) {
	_, port := listenTCP(t)
	assert.Contains(t, NewListenProbe().UsedPorts(port, port), port)
}

// TestNoProbe verifies the disabled probe never reports a bound port.
func TestNoProbe(t *testing.T) {
	bound, err := NoProbe{}.IsBound(context.Background(), 80)
	require.NoError(t, err)
	assert.False(t, bound)
	assert.Equal(t, "none", NoProbe{}.Name())
}
