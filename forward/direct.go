package forward

import (
	"io"
	"net"
	"strconv"
	"time"

	"github.com/sngardner/mina-sshd/channel"
	"github.com/sngardner/mina-sshd/connsvc"
	"github.com/sngardner/mina-sshd/wire"
)

// DirectDialer is the server-side handler for direct-tcpip channel opens:
// it dials the requested host:port and splices the channel to the dialed
// connection. Register it for wire.ChannelTypeDirectTCPIP via
// connsvc.Service.RegisterChannelType.
type DirectDialer struct {
	// Timeout bounds the outbound dial; zero means no timeout.
	Timeout time.Duration
}

// Handle implements connsvc.OpenHandlerFunc.
func (d *DirectDialer) Handle(svc *connsvc.Service, ch *channel.Channel, peerID, remoteWindowSize, remoteMaxPacket uint32, extra []byte) {
	meta, err := DecodeDirectTcpip(extra)
	if err != nil {
		ch.OpenFailed(wire.OpenConnectFailed, "malformed direct-tcpip metadata")
		return
	}

	addr := net.JoinHostPort(meta.Host, strconv.Itoa(int(meta.Port)))
	conn, err := net.DialTimeout("tcp", addr, d.Timeout)
	if err != nil {
		ch.OpenFailed(wire.OpenConnectFailed, err.Error())
		return
	}

	ch.OpenConfirmed(peerID, remoteWindowSize, remoteMaxPacket)
	go splice(ch, conn)
}

// splice pumps bytes between an open channel and a dialed TCP connection
// until either side closes, then tears both down.
func splice(ch *channel.Channel, conn net.Conn) {
	done := make(chan struct{}, 2)

	go func() {
		io.Copy(conn, ch.Stdout())
		if tc, ok := conn.(*net.TCPConn); ok {
			tc.CloseWrite()
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
