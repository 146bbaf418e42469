package agentrelay

import (
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sngardner/mina-sshd/connsvc"
	"github.com/sngardner/mina-sshd/transport"
	"github.com/sngardner/mina-sshd/wire"
)

func newPairedServices(t *testing.T) (*connsvc.Service, *connsvc.Service, func()) {
	a, b := transport.NewPipePair()
	svcA := connsvc.New(a, 0)
	svcB := connsvc.New(b, 0)
	go a.Serve(svcA)
	go b.Serve(svcB)
	return svcA, svcB, func() { a.Close(); b.Close() }
}

func startEchoAgent(t *testing.T, path string) net.Listener {
	ln, err := net.Listen("unix", path)
	require.NoError(t, err)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go io.Copy(conn, conn)
		}
	}()
	return ln
}

func TestAgentRelayRoundTrip(t *testing.T) {
	dir := t.TempDir()
	agentSock := filepath.Join(dir, "agent.sock")
	relaySock := filepath.Join(dir, "relay.sock")

	agentLn := startEchoAgent(t, agentSock)
	defer agentLn.Close()

	client, server, cleanup := newPairedServices(t)
	defer cleanup()

	dialer := &ClientDialer{SocketPath: agentSock, Timeout: 2 * time.Second}
	client.RegisterChannelType(wire.ChannelTypeAgentForward, dialer.Handle)

	listener, err := Listen(server, relaySock)
	require.NoError(t, err)
	defer listener.Close()

	conn, err := net.DialTimeout("unix", relaySock, 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("agent-hello"))
	require.NoError(t, err)

	buf := make([]byte, 32)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "agent-hello", string(buf[:n]))
}
