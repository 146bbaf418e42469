// Package forward implements RFC 4254 §7 TCP/IP port forwarding: local
// forwarding (direct-tcpip channels opened on demand) and remote
// forwarding (tcpip-forward/cancel-tcpip-forward global requests plus
// forwarded-tcpip channels), per spec §4.7.
package forward

import "github.com/sngardner/mina-sshd/wire"

// DirectTcpip is the extra data carried by a direct-tcpip channel open,
// RFC 4254 §7.2.
type DirectTcpip struct {
	Host           string
	Port           uint32
	OriginatorHost string
	OriginatorPort uint32
}

func (m DirectTcpip) Marshal() []byte {
	buf := wire.NewBuffer()
	buf.PutText(m.Host)
	buf.PutUint32(m.Port)
	buf.PutText(m.OriginatorHost)
	buf.PutUint32(m.OriginatorPort)
	return buf.Bytes()
}

func DecodeDirectTcpip(payload []byte) (DirectTcpip, error) {
	buf := wire.NewBufferFrom(payload)
	var m DirectTcpip
	var err error
	if m.Host, err = buf.GetText(); err != nil {
		return m, err
	}
	if m.Port, err = buf.GetUint32(); err != nil {
		return m, err
	}
	if m.OriginatorHost, err = buf.GetText(); err != nil {
		return m, err
	}
	if m.OriginatorPort, err = buf.GetUint32(); err != nil {
		return m, err
	}
	return m, nil
}

// ForwardedTcpip is the extra data carried by a forwarded-tcpip channel
// open, RFC 4254 §7.2.
type ForwardedTcpip struct {
	ConnectedHost  string
	ConnectedPort  uint32
	OriginatorHost string
	OriginatorPort uint32
}

func (m ForwardedTcpip) Marshal() []byte {
	buf := wire.NewBuffer()
	buf.PutText(m.ConnectedHost)
	buf.PutUint32(m.ConnectedPort)
	buf.PutText(m.OriginatorHost)
	buf.PutUint32(m.OriginatorPort)
	return buf.Bytes()
}

func DecodeForwardedTcpip(payload []byte) (ForwardedTcpip, error) {
	buf := wire.NewBufferFrom(payload)
	var m ForwardedTcpip
	var err error
	if m.ConnectedHost, err = buf.GetText(); err != nil {
		return m, err
	}
	if m.ConnectedPort, err = buf.GetUint32(); err != nil {
		return m, err
	}
	if m.OriginatorHost, err = buf.GetText(); err != nil {
		return m, err
	}
	if m.OriginatorPort, err = buf.GetUint32(); err != nil {
		return m, err
	}
	return m, nil
}

// TcpipForwardRequest is the payload of a tcpip-forward global request,
// RFC 4254 §7.1.
type TcpipForwardRequest struct {
	BindAddr string
	BindPort uint32
}

func (m TcpipForwardRequest) Marshal() []byte {
	buf := wire.NewBuffer()
	buf.PutText(m.BindAddr)
	buf.PutUint32(m.BindPort)
	return buf.Bytes()
}

func DecodeTcpipForwardRequest(payload []byte) (TcpipForwardRequest, error) {
	buf := wire.NewBufferFrom(payload)
	var m TcpipForwardRequest
	var err error
	if m.BindAddr, err = buf.GetText(); err != nil {
		return m, err
	}
	if m.BindPort, err = buf.GetUint32(); err != nil {
		return m, err
	}
	return m, nil
}

// TcpipForwardReply is the success payload RemoteForwarder sends for both
// tcpip-forward and cancel-tcpip-forward, carrying the bound port
// (the one actually chosen when the request asked for BindPort == 0).
type TcpipForwardReply struct {
	BoundPort uint32
}

func (m TcpipForwardReply) Marshal() []byte {
	buf := wire.NewBuffer()
	buf.PutUint32(m.BoundPort)
	return buf.Bytes()
}

func DecodeTcpipForwardReply(payload []byte) (TcpipForwardReply, error) {
	buf := wire.NewBufferFrom(payload)
	var m TcpipForwardReply
	var err error
	if m.BoundPort, err = buf.GetUint32(); err != nil {
		return m, err
	}
	return m, nil
}

// CancelTcpipForwardRequest is the payload of a cancel-tcpip-forward
// global request, RFC 4254 §7.1.
type CancelTcpipForwardRequest struct {
	BindAddr string
	BindPort uint32
}

func (m CancelTcpipForwardRequest) Marshal() []byte {
	buf := wire.NewBuffer()
	buf.PutText(m.BindAddr)
	buf.PutUint32(m.BindPort)
	return buf.Bytes()
}

func DecodeCancelTcpipForwardRequest(payload []byte) (CancelTcpipForwardRequest, error) {
	buf := wire.NewBufferFrom(payload)
	var m CancelTcpipForwardRequest
	var err error
	if m.BindAddr, err = buf.GetText(); err != nil {
		return m, err
	}
	if m.BindPort, err = buf.GetUint32(); err != nil {
		return m, err
	}
	return m, nil
}
