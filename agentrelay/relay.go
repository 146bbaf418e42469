// Package agentrelay implements SSH agent forwarding over the OpenSSH
// "auth-agent@openssh.com" channel extension: the client-side half dials
// the local agent socket whenever the server opens a relay channel, and
// the server-side half listens on a local Unix socket and opens a relay
// channel back to the client for every connection it accepts. Neither
// role parses the agent wire protocol itself — both sides only pump
// bytes, per spec §1's mention of agent-relay integration and
// original_source's AgentForwardSupport wiring inside
// AbstractConnectionService.
package agentrelay

import (
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/sngardner/mina-sshd/channel"
	"github.com/sngardner/mina-sshd/connsvc"
	"github.com/sngardner/mina-sshd/wire"
)

// ClientDialer answers a server-opened auth-agent@openssh.com channel by
// connecting to the local SSH agent and splicing the two together.
// Register it for wire.ChannelTypeAgentForward via
// connsvc.Service.RegisterChannelType on the side that holds the agent.
type ClientDialer struct {
	// SocketPath is the local agent socket to dial, normally the value
	// of SSH_AUTH_SOCK. If empty, Handle reads SSH_AUTH_SOCK itself.
	SocketPath string
	Timeout    time.Duration
}

// Handle implements connsvc.OpenHandlerFunc.
func (d *ClientDialer) Handle(svc *connsvc.Service, ch *channel.Channel, peerID, remoteWindowSize, remoteMaxPacket uint32, extra []byte) {
	path := d.SocketPath
	if path == "" {
		path = os.Getenv("SSH_AUTH_SOCK")
	}
	if path == "" {
		ch.OpenFailed(wire.OpenConnectFailed, "no agent socket configured")
		return
	}
	conn, err := net.DialTimeout("unix", path, d.Timeout)
	if err != nil {
		ch.OpenFailed(wire.OpenConnectFailed, err.Error())
		return
	}
	ch.OpenConfirmed(peerID, remoteWindowSize, remoteMaxPacket)
	go splice(ch, conn)
}

// ServerListener is the far side of agent forwarding: it listens on a
// local Unix socket (typically one a forwarded session's environment
// points SSH_AUTH_SOCK at) and, for every connection accepted there,
// opens an auth-agent@openssh.com channel back across svc so the
// connecting program is transparently talking to the real agent at the
// other end.
type ServerListener struct {
	mu sync.Mutex
	ln net.Listener
}

// Listen binds a Unix socket at path and starts relaying every
// connection accepted there to an agent channel opened over svc.
func Listen(svc *connsvc.Service, path string) (*ServerListener, error) {
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("agentrelay: listen %s: %w", path, err)
	}
	s := &ServerListener{ln: ln}
	go s.acceptLoop(svc)
	return s, nil
}

// Addr returns the bound socket path.
func (s *ServerListener) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ln.Addr()
}

// Close stops accepting new connections and removes the socket file.
func (s *ServerListener) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ln.Close()
}

func (s *ServerListener) acceptLoop(svc *connsvc.Service) {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.relay(svc, conn)
	}
}

func (s *ServerListener) relay(svc *connsvc.Service, conn net.Conn) {
	ch, err := svc.OpenChannel(wire.ChannelTypeAgentForward, nil)
	if err != nil {
		conn.Close()
		return
	}
	v, ok := ch.OpenFuture().Await(30 * time.Second)
	if !ok {
		conn.Close()
		return
	}
	if _, failed := v.(*channel.OpenError); failed {
		conn.Close()
		return
	}
	splice(ch, conn)
}

// splice pumps bytes bidirectionally between an agent-forward channel and
// a local agent-socket connection until either side closes.
func splice(ch *channel.Channel, conn net.Conn) {
	done := make(chan struct{}, 2)
	go func() {
		io.Copy(conn, ch.Stdout())
		if c, ok := conn.(*net.UnixConn); ok {
			c.CloseWrite()
		} else {
			conn.Close()
		}
		done <- struct{}{}
	}()
	go func() {
		io.Copy(ch, conn)
		ch.SendEOF()
		done <- struct{}{}
	}()
	<-done
	<-done
	conn.Close()
	ch.Close()
}
