package forward

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/sngardner/mina-sshd/channel"
	"github.com/sngardner/mina-sshd/connsvc"
	"github.com/sngardner/mina-sshd/wire"
)

// LocalForwarder is the client-side half of -L style port forwarding: it
// listens on a local address and, for every accepted connection, opens a
// direct-tcpip channel to the requested remote host:port and splices the
// two together.
type LocalForwarder struct {
	svc *connsvc.Service

	mu sync.Mutex
	ln net.Listener
}

// NewLocalForwarder binds a listener on localAddr and forwards every
// accepted connection to remoteHost:remotePort over svc.
func NewLocalForwarder(svc *connsvc.Service, localAddr, remoteHost string, remotePort uint32) (*LocalForwarder, error) {
	ln, err := net.Listen("tcp", localAddr)
	if err != nil {
		return nil, fmt.Errorf("forward: listen %s: %w", localAddr, err)
	}
	f := &LocalForwarder{svc: svc, ln: ln}
	go f.acceptLoop(remoteHost, remotePort)
	return f, nil
}

// Addr returns the bound local address, useful when localAddr requested
// an ephemeral port.
func (f *LocalForwarder) Addr() net.Addr {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ln.Addr()
}

// Close stops accepting new connections; connections already relaying
// run to completion.
func (f *LocalForwarder) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ln.Close()
}

func (f *LocalForwarder) acceptLoop(remoteHost string, remotePort uint32) {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		go f.relay(conn, remoteHost, remotePort)
	}
}

func (f *LocalForwarder) relay(conn net.Conn, remoteHost string, remotePort uint32) {
	originHost, originPortStr, err := net.SplitHostPort(conn.LocalAddr().String())
	if err != nil {
		conn.Close()
		return
	}
	originPort, _ := strconv.Atoi(originPortStr)

	meta := DirectTcpip{
		Host:           remoteHost,
		Port:           remotePort,
		OriginatorHost: originHost,
		OriginatorPort: uint32(originPort),
	}
	ch, err := f.svc.OpenChannel(wire.ChannelTypeDirectTCPIP, meta.Marshal())
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

// ForwardedTcpipDialer is the client-side handler for forwarded-tcpip
// channel opens: the far end requested remote forwarding via
// tcpip-forward, accepted a connection, and is now relaying it to us. We
// dial the fixed local target the forward was set up for and splice.
// Register it for wire.ChannelTypeForwardedTCPIP via
// connsvc.Service.RegisterChannelType.
type ForwardedTcpipDialer struct {
	Target  string // host:port to dial on every forwarded-tcpip open
	Timeout time.Duration
}

// Handle implements connsvc.OpenHandlerFunc.
func (d *ForwardedTcpipDialer) Handle(svc *connsvc.Service, ch *channel.Channel, peerID, remoteWindowSize, remoteMaxPacket uint32, extra []byte) {
	if _, err := DecodeForwardedTcpip(extra); err != nil {
		ch.OpenFailed(wire.OpenConnectFailed, "malformed forwarded-tcpip metadata")
		return
	}
	conn, err := net.DialTimeout("tcp", d.Target, d.Timeout)
	if err != nil {
		ch.OpenFailed(wire.OpenConnectFailed, err.Error())
		return
	}
	ch.OpenConfirmed(peerID, remoteWindowSize, remoteMaxPacket)
	go splice(ch, conn)
}
