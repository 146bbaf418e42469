package forward

import (
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/sngardner/mina-sshd/channel"
	"github.com/sngardner/mina-sshd/connsvc"
	"github.com/sngardner/mina-sshd/wire"
)

// RemoteForwarder is the server-side handler for the tcpip-forward and
// cancel-tcpip-forward global requests, RFC 4254 §7.1: it owns the
// listeners opened on a client's behalf and, for each accepted
// connection, opens a forwarded-tcpip channel back to that client.
type RemoteForwarder struct {
	mu       sync.Mutex
	forwards map[string]net.Listener
}

// NewRemoteForwarder returns a forwarder with no active listeners.
func NewRemoteForwarder() *RemoteForwarder {
	return &RemoteForwarder{forwards: make(map[string]net.Listener)}
}

// Handle implements connsvc.GlobalRequestHandlerFunc, dispatching both
// request names this forwarder understands.
func (f *RemoteForwarder) Handle(svc *connsvc.Service, name string, wantReply bool, payload []byte) (connsvc.RequestResult, []byte) {
	switch name {
	case wire.GlobalRequestTcpipForward:
		return f.serveForward(svc, payload)
	case wire.GlobalRequestCancelTcpipForward:
		return f.cancelForward(payload)
	default:
		return connsvc.Unsupported, nil
	}
}

func (f *RemoteForwarder) serveForward(svc *connsvc.Service, payload []byte) (connsvc.RequestResult, []byte) {
	req, err := DecodeTcpipForwardRequest(payload)
	if err != nil {
		return connsvc.ReplyFailure, nil
	}

	addr := net.JoinHostPort(req.BindAddr, strconv.Itoa(int(req.BindPort)))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return connsvc.ReplyFailure, nil
	}

	_, boundPortStr, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		ln.Close()
		return connsvc.ReplyFailure, nil
	}
	boundPort, err := strconv.Atoi(boundPortStr)
	if err != nil {
		ln.Close()
		return connsvc.ReplyFailure, nil
	}

	f.mu.Lock()
	f.forwards[net.JoinHostPort(req.BindAddr, boundPortStr)] = ln
	f.mu.Unlock()

	go f.acceptLoop(svc, ln, req.BindAddr, uint32(boundPort))

	reply := TcpipForwardReply{BoundPort: uint32(boundPort)}
	return connsvc.ReplySuccess, reply.Marshal()
}

func (f *RemoteForwarder) cancelForward(payload []byte) (connsvc.RequestResult, []byte) {
	req, err := DecodeCancelTcpipForwardRequest(payload)
	if err != nil {
		return connsvc.ReplyFailure, nil
	}
	addr := net.JoinHostPort(req.BindAddr, strconv.Itoa(int(req.BindPort)))
	if !f.closeAndDelete(addr) {
		return connsvc.ReplyFailure, nil
	}
	return connsvc.ReplySuccess, TcpipForwardReply{BoundPort: req.BindPort}.Marshal()
}

// CloseAll tears down every active listener; it is called when the owning
// session/connection shuts down.
func (f *RemoteForwarder) CloseAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for addr, ln := range f.forwards {
		ln.Close()
		delete(f.forwards, addr)
	}
}

func (f *RemoteForwarder) closeAndDelete(addr string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	ln, ok := f.forwards[addr]
	if !ok {
		return false
	}
	ln.Close()
	delete(f.forwards, addr)
	return true
}

func (f *RemoteForwarder) acceptLoop(svc *connsvc.Service, ln net.Listener, bindAddr string, boundPort uint32) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go f.relay(svc, conn, bindAddr, boundPort)
	}
}

func (f *RemoteForwarder) relay(svc *connsvc.Service, conn net.Conn, bindAddr string, boundPort uint32) {
	originHost, originPortStr, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		conn.Close()
		return
	}
	originPort, _ := strconv.Atoi(originPortStr)

	extra := ForwardedTcpip{
		ConnectedHost:  bindAddr,
		ConnectedPort:  boundPort,
		OriginatorHost: originHost,
		OriginatorPort: uint32(originPort),
	}
	ch, err := svc.OpenChannel(wire.ChannelTypeForwardedTCPIP, extra.Marshal())
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
