package session

import (
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sngardner/mina-sshd/agentrelay"
	"github.com/sngardner/mina-sshd/channel"
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

func TestExecWithoutPtyRunsAndReportsExitStatus(t *testing.T) {
	client, server, cleanup := newPairedServices(t)
	defer cleanup()

	srv := &Server{}
	server.RegisterChannelType(wire.ChannelTypeSession, srv.Open)

	ch, err := client.OpenChannel(wire.ChannelTypeSession, nil)
	require.NoError(t, err)
	_, ok := ch.OpenFuture().Await(2 * time.Second)
	require.True(t, ok)

	req := Exec{Command: "echo hello-session"}
	require.NoError(t, ch.SendRequest(wire.ChannelRequestExec, true, req.Marshal()))

	out, err := io.ReadAll(ch.Stdout())
	require.NoError(t, err)
	assert.Equal(t, "hello-session\n", string(out))

	v, ok := ch.CloseFuture().Await(2 * time.Second)
	require.True(t, ok)
	_ = v
}

func TestSubsystemDispatch(t *testing.T) {
	client, server, cleanup := newPairedServices(t)
	defer cleanup()

	invoked := make(chan struct{}, 1)
	srv := &Server{
		Subsystems: map[string]SubsystemHandler{
			"echo-subsystem": func(s *Session) {
				s.Channel().Write([]byte("subsystem-ready"))
				s.Channel().SendEOF()
				s.Channel().Close()
				invoked <- struct{}{}
			},
		},
	}
	server.RegisterChannelType(wire.ChannelTypeSession, srv.Open)

	ch, err := client.OpenChannel(wire.ChannelTypeSession, nil)
	require.NoError(t, err)
	_, ok := ch.OpenFuture().Await(2 * time.Second)
	require.True(t, ok)

	require.NoError(t, ch.SendRequest(wire.ChannelRequestSubsystem, true, Subsystem{Name: "echo-subsystem"}.Marshal()))

	select {
	case <-invoked:
	case <-time.After(2 * time.Second):
		t.Fatal("subsystem never invoked")
	}

	out, err := io.ReadAll(ch.Stdout())
	require.NoError(t, err)
	assert.Equal(t, "subsystem-ready", string(out))
}

func TestAgentForwardingRelaysToClientAgent(t *testing.T) {
	agentSock := t.TempDir() + "/agent.sock"
	agentLn, err := net.Listen("unix", agentSock)
	require.NoError(t, err)
	defer agentLn.Close()
	go func() {
		for {
			conn, err := agentLn.Accept()
			if err != nil {
				return
			}
			go io.Copy(conn, conn)
		}
	}()

	client, server, cleanup := newPairedServices(t)
	defer cleanup()

	dialer := &agentrelay.ClientDialer{SocketPath: agentSock, Timeout: 2 * time.Second}
	client.RegisterChannelType(wire.ChannelTypeAgentForward, dialer.Handle)

	srv := &Server{AllowAgentForwarding: true, AgentSocketDir: t.TempDir()}
	server.RegisterChannelType(wire.ChannelTypeSession, srv.Open)

	ch, err := client.OpenChannel(wire.ChannelTypeSession, nil)
	require.NoError(t, err)
	_, ok := ch.OpenFuture().Await(2 * time.Second)
	require.True(t, ok)

	require.NoError(t, ch.SendRequest(wire.ChannelRequestAuthAgentReq, true, nil))
	require.NoError(t, ch.SendRequest(wire.ChannelRequestExec, true, Exec{Command: "echo $SSH_AUTH_SOCK"}.Marshal()))

	out, err := io.ReadAll(ch.Stdout())
	require.NoError(t, err)
	relaySock := strings.TrimSpace(string(out))
	require.NotEmpty(t, relaySock)

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

func TestAgentForwardingRejectedWhenDisallowed(t *testing.T) {
	client, server, cleanup := newPairedServices(t)
	defer cleanup()

	srv := &Server{}
	server.RegisterChannelType(wire.ChannelTypeSession, srv.Open)

	ch, err := client.OpenChannel(wire.ChannelTypeSession, nil)
	require.NoError(t, err)
	_, ok := ch.OpenFuture().Await(2 * time.Second)
	require.True(t, ok)

	require.NoError(t, ch.SendRequest(wire.ChannelRequestAuthAgentReq, true, nil))
	assert.Equal(t, channel.ReplyFailure, srv.handleRequest(newSession(nil), wire.ChannelRequestAuthAgentReq, nil))
}

func TestUnknownSubsystemRejected(t *testing.T) {
	client, server, cleanup := newPairedServices(t)
	defer cleanup()

	srv := &Server{Subsystems: map[string]SubsystemHandler{}}
	server.RegisterChannelType(wire.ChannelTypeSession, srv.Open)

	ch, err := client.OpenChannel(wire.ChannelTypeSession, nil)
	require.NoError(t, err)
	_, ok := ch.OpenFuture().Await(2 * time.Second)
	require.True(t, ok)

	require.NoError(t, ch.SendRequest(wire.ChannelRequestSubsystem, true, Subsystem{Name: "no-such-subsystem"}.Marshal()))
	assert.Equal(t, channel.ReplyFailure, srv.handleRequest(newSession(nil), wire.ChannelRequestSubsystem, Subsystem{Name: "no-such-subsystem"}.Marshal()))
}
