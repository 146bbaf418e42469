package transport

import (
	"sync"

	"golang.org/x/crypto/ssh"

	"github.com/sngardner/mina-sshd/window"
	"github.com/sngardner/mina-sshd/wire"
)

// DefaultKexAlgorithms, DefaultCiphers and DefaultMACs are algorithm
// preference lists for golang.org/x/crypto/ssh's ServerConfig/ClientConfig.
// Nothing in this module sets them on a config: cmd/sshd and
// cmd/sftp-client build their handshakes with that package's defaults. Key
// exchange, cipher and MAC negotiation itself are performed entirely by
// that package.
var (
	DefaultKexAlgorithms = []string{
		"curve25519-sha256", "curve25519-sha256@libssh.org",
		"ecdh-sha2-nistp256", "ecdh-sha2-nistp384", "ecdh-sha2-nistp521",
		"diffie-hellman-group14-sha256",
	}
	DefaultCiphers = []string{
		"aes128-gcm@openssh.com", "chacha20-poly1305@openssh.com",
		"aes128-ctr", "aes192-ctr", "aes256-ctr",
	}
	DefaultMACs = []string{
		"hmac-sha2-256-etm@openssh.com", "hmac-sha2-256", "hmac-sha1",
	}
)

// syntheticWindow is the window/packet size CryptoConn advertises in the
// synthetic OPEN_CONFIRMATION/OPEN messages it fabricates: the real window
// accounting happens inside golang.org/x/crypto/ssh's channel
// implementation, which this adapter does not re-expose, so the numbers
// handed to our own channel.Channel are nominal rather than authoritative.
const syntheticWindow = 64 * 1024 * 1024

// CryptoConn adapts an already-handshaken golang.org/x/crypto/ssh
// connection (*ssh.ServerConn or *ssh.ClientConn) to the Conn interface,
// translating its typed channel-open/global-request events into the raw
// connection-layer frames that connsvc.Service expects, and translating
// connsvc's outbound frames back into calls against the underlying
// ssh.Conn. Key exchange, ciphers and MAC are owned entirely by the
// wrapped connection; this type never touches wire bytes below the
// decoded-message level.
type CryptoConn struct {
	underlying ssh.Conn
	newChans   <-chan ssh.NewChannel
	globalReqs <-chan *ssh.Request

	mu          sync.Mutex
	nextPeerID  uint32
	pendingOpen map[uint32]ssh.NewChannel
	byPeerID    map[uint32]*cryptoChannel
	byLocalID   map[uint32]*cryptoChannel
	globalQueue []*ssh.Request

	h     Handler
	doneC chan struct{}
}

type cryptoChannel struct {
	ch      ssh.Channel
	localID uint32
	peerID  uint32

	mu        sync.Mutex
	reqQueue  []*ssh.Request
}

// NewCryptoConn wraps a completed server or client SSH handshake. chans and
// reqs are the channels returned alongside conn by ssh.NewServerConn /
// ssh.NewClientConn.
func NewCryptoConn(conn ssh.Conn, chans <-chan ssh.NewChannel, reqs <-chan *ssh.Request) *CryptoConn {
	return &CryptoConn{
		underlying:  conn,
		newChans:    chans,
		globalReqs:  reqs,
		pendingOpen: make(map[uint32]ssh.NewChannel),
		byPeerID:    make(map[uint32]*cryptoChannel),
		byLocalID:   make(map[uint32]*cryptoChannel),
		doneC:       make(chan struct{}),
	}
}

// Close closes the underlying ssh.Conn.
func (c *CryptoConn) Close() error {
	return c.underlying.Close()
}

// Done is closed once Serve's dispatch goroutines have drained, i.e. the
// underlying connection's channel-open and global-request streams both
// closed.
func (c *CryptoConn) Done() <-chan struct{} { return c.doneC }

// Serve dispatches inbound channel-open and global-request events to h
// until the underlying connection's event channels close.
func (c *CryptoConn) Serve(h Handler) error {
	c.h = h
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.serveNewChannels()
	}()
	go func() {
		defer wg.Done()
		c.serveGlobalRequests()
	}()
	wg.Wait()
	close(c.doneC)
	return nil
}

func (c *CryptoConn) serveNewChannels() {
	for nc := range c.newChans {
		c.mu.Lock()
		peerID := c.nextPeerID
		c.nextPeerID++
		c.pendingOpen[peerID] = nc
		c.mu.Unlock()

		c.h.OnMessage(wire.MsgChannelOpen, channelOpenPayload(nc.ChannelType(), peerID, nc.ExtraData()))
	}
}

func channelOpenPayload(ctype string, peerID uint32, extra []byte) []byte {
	buf := wire.NewBuffer()
	buf.PutText(ctype)
	buf.PutUint32(peerID)
	buf.PutUint32(syntheticWindow)
	buf.PutUint32(window.MinPacketSize)
	buf.PutBytes(extra)
	return buf.Bytes()
}

func (c *CryptoConn) serveGlobalRequests() {
	for req := range c.globalReqs {
		c.mu.Lock()
		c.globalQueue = append(c.globalQueue, req)
		c.mu.Unlock()

		buf := wire.NewBuffer()
		buf.PutText(req.Type)
		buf.PutBoolean(req.WantReply)
		buf.PutBytes(req.Payload)
		c.h.OnMessage(wire.MsgGlobalRequest, buf.Bytes())
	}
}

// WritePacket decodes the leading message type and dispatches to the
// matching translation against the underlying ssh.Conn.
func (c *CryptoConn) WritePacket(payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	cmd := payload[0]
	body := wire.NewBufferFrom(payload[1:])

	switch cmd {
	case wire.MsgChannelOpen:
		return c.writeChannelOpen(body)
	case wire.MsgChannelOpenConfirmation:
		return c.writeOpenConfirmation(body)
	case wire.MsgChannelOpenFailure:
		return c.writeOpenFailure(body)
	case wire.MsgChannelData:
		return c.writeChannelData(body, false, 0)
	case wire.MsgChannelExtendedData:
		return c.writeChannelData(body, true, 0)
	case wire.MsgChannelEOF:
		return c.writeChannelEOF(body)
	case wire.MsgChannelClose:
		return c.writeChannelClose(body)
	case wire.MsgChannelRequest:
		return c.writeChannelRequest(body)
	case wire.MsgChannelSuccess:
		return c.writeChannelReply(body, true)
	case wire.MsgChannelFailure:
		return c.writeChannelReply(body, false)
	case wire.MsgChannelWindowAdjust:
		return nil // real flow control lives inside golang.org/x/crypto/ssh
	case wire.MsgGlobalRequest:
		return c.writeGlobalRequest(body)
	case wire.MsgRequestSuccess:
		return c.writeGlobalReply(body, true)
	case wire.MsgRequestFailure:
		return c.writeGlobalReply(body, false)
	default:
		return nil
	}
}

func (c *CryptoConn) writeChannelOpen(body *wire.Buffer) error {
	ctype, err := body.GetText()
	if err != nil {
		return err
	}
	senderID, err := body.GetUint32()
	if err != nil {
		return err
	}
	if _, err := body.GetUint32(); err != nil { // window size, unused: real flow control is internal
		return err
	}
	if _, err := body.GetUint32(); err != nil { // packet size, unused
		return err
	}
	extra := body.Bytes()

	go func() {
		ch, reqs, err := c.underlying.OpenChannel(ctype, extra)
		if err != nil {
			var oe *ssh.OpenChannelError
			reason, msg := wire.OpenConnectFailed, err.Error()
			if ok := asOpenChannelError(err, &oe); ok {
				reason, msg = uint32(oe.Reason), oe.Message
			}
			buf := wire.NewBuffer()
			buf.PutUint32(senderID)
			buf.PutUint32(reason)
			buf.PutText(msg)
			buf.PutText("")
			c.h.OnMessage(wire.MsgChannelOpenFailure, buf.Bytes())
			return
		}
		c.mu.Lock()
		peerID := c.nextPeerID
		c.nextPeerID++
		cc := &cryptoChannel{ch: ch, localID: senderID, peerID: peerID}
		c.byPeerID[peerID] = cc
		c.byLocalID[senderID] = cc
		c.mu.Unlock()

		c.pumpChannel(cc, reqs)

		buf := wire.NewBuffer()
		buf.PutUint32(senderID)
		buf.PutUint32(peerID)
		buf.PutUint32(syntheticWindow)
		buf.PutUint32(window.MinPacketSize)
		c.h.OnMessage(wire.MsgChannelOpenConfirmation, buf.Bytes())
	}()
	return nil
}

func asOpenChannelError(err error, target **ssh.OpenChannelError) bool {
	if oe, ok := err.(*ssh.OpenChannelError); ok {
		*target = oe
		return true
	}
	return false
}

func (c *CryptoConn) writeOpenConfirmation(body *wire.Buffer) error {
	peerID, err := body.GetUint32() // the peer id we handed out for the inbound open
	if err != nil {
		return err
	}
	localID, err := body.GetUint32()
	if err != nil {
		return err
	}

	c.mu.Lock()
	nc, ok := c.pendingOpen[peerID]
	delete(c.pendingOpen, peerID)
	c.mu.Unlock()
	if !ok {
		return nil
	}

	ch, reqs, err := nc.Accept()
	if err != nil {
		return err
	}
	cc := &cryptoChannel{ch: ch, localID: localID, peerID: peerID}
	c.mu.Lock()
	c.byPeerID[peerID] = cc
	c.byLocalID[localID] = cc
	c.mu.Unlock()

	c.pumpChannel(cc, reqs)
	return nil
}

func (c *CryptoConn) writeOpenFailure(body *wire.Buffer) error {
	peerID, err := body.GetUint32()
	if err != nil {
		return err
	}
	reason, err := body.GetUint32()
	if err != nil {
		return err
	}
	msg, _ := body.GetText()

	c.mu.Lock()
	nc, ok := c.pendingOpen[peerID]
	delete(c.pendingOpen, peerID)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return nc.Reject(ssh.RejectionReason(reason), msg)
}

// pumpChannel spawns the goroutines that translate a real ssh.Channel's
// stdout/stderr/request streams into synthetic CHANNEL_DATA/
// CHANNEL_EXTENDED_DATA/CHANNEL_REQUEST frames addressed to localID, the
// numbering connsvc's registry actually indexes by.
func (c *CryptoConn) pumpChannel(cc *cryptoChannel, reqs <-chan *ssh.Request) {
	go func() {
		buf := make([]byte, 32*1024)
		for {
			n, err := cc.ch.Read(buf)
			if n > 0 {
				frame := wire.NewBuffer()
				frame.PutUint32(cc.localID)
				frame.PutString(buf[:n])
				c.h.OnMessage(wire.MsgChannelData, frame.Bytes())
			}
			if err != nil {
				return
			}
		}
	}()
	go func() {
		buf := make([]byte, 32*1024)
		stderr := cc.ch.Stderr()
		for {
			n, err := stderr.Read(buf)
			if n > 0 {
				frame := wire.NewBuffer()
				frame.PutUint32(cc.localID)
				frame.PutUint32(wire.ExtendedDataStderr)
				frame.PutString(buf[:n])
				c.h.OnMessage(wire.MsgChannelExtendedData, frame.Bytes())
			}
			if err != nil {
				return
			}
		}
	}()
	go func() {
		for req := range reqs {
			cc.mu.Lock()
			cc.reqQueue = append(cc.reqQueue, req)
			cc.mu.Unlock()

			frame := wire.NewBuffer()
			frame.PutUint32(cc.localID)
			frame.PutText(req.Type)
			frame.PutBoolean(req.WantReply)
			frame.PutBytes(req.Payload)
			c.h.OnMessage(wire.MsgChannelRequest, frame.Bytes())
		}
		// The peer closed the request stream; emit a synthetic CHANNEL_EOF
		// then CHANNEL_CLOSE so connsvc tears the channel down the same
		// way it would for a raw-wire peer.
		eof := wire.NewBuffer()
		eof.PutUint32(cc.localID)
		c.h.OnMessage(wire.MsgChannelEOF, eof.Bytes())
		closeMsg := wire.NewBuffer()
		closeMsg.PutUint32(cc.localID)
		c.h.OnMessage(wire.MsgChannelClose, closeMsg.Bytes())
	}()
}

func (c *CryptoConn) lookupByPeerID(id uint32) *cryptoChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.byPeerID[id]
}

func (c *CryptoConn) writeChannelData(body *wire.Buffer, extended bool, _ uint32) error {
	peerID, err := body.GetUint32()
	if err != nil {
		return err
	}
	if extended {
		if _, err := body.GetUint32(); err != nil { // data type, stderr assumed
			return err
		}
	}
	data, err := body.GetString()
	if err != nil {
		return err
	}
	cc := c.lookupByPeerID(peerID)
	if cc == nil {
		return nil
	}
	if extended {
		_, err = cc.ch.Stderr().Write(data)
		return err
	}
	_, err = cc.ch.Write(data)
	return err
}

func (c *CryptoConn) writeChannelEOF(body *wire.Buffer) error {
	peerID, err := body.GetUint32()
	if err != nil {
		return err
	}
	cc := c.lookupByPeerID(peerID)
	if cc == nil {
		return nil
	}
	return cc.ch.CloseWrite()
}

func (c *CryptoConn) writeChannelClose(body *wire.Buffer) error {
	peerID, err := body.GetUint32()
	if err != nil {
		return err
	}
	c.mu.Lock()
	cc := c.byPeerID[peerID]
	if cc != nil {
		delete(c.byPeerID, peerID)
		delete(c.byLocalID, cc.localID)
	}
	c.mu.Unlock()
	if cc == nil {
		return nil
	}
	return cc.ch.Close()
}

func (c *CryptoConn) writeChannelRequest(body *wire.Buffer) error {
	peerID, err := body.GetUint32()
	if err != nil {
		return err
	}
	reqType, err := body.GetText()
	if err != nil {
		return err
	}
	wantReply, err := body.GetBoolean()
	if err != nil {
		return err
	}
	rest := body.Bytes()
	cc := c.lookupByPeerID(peerID)
	if cc == nil {
		return nil
	}
	ok, err := cc.ch.SendRequest(reqType, wantReply, rest)
	if wantReply {
		reply := wire.NewBuffer()
		reply.PutUint32(cc.localID)
		if ok {
			c.h.OnMessage(wire.MsgChannelSuccess, reply.Bytes())
		} else {
			c.h.OnMessage(wire.MsgChannelFailure, reply.Bytes())
		}
	}
	return err
}

func (c *CryptoConn) writeChannelReply(body *wire.Buffer, success bool) error {
	peerID, err := body.GetUint32()
	if err != nil {
		return err
	}
	cc := c.lookupByPeerID(peerID)
	if cc == nil {
		return nil
	}
	cc.mu.Lock()
	if len(cc.reqQueue) == 0 {
		cc.mu.Unlock()
		return nil
	}
	req := cc.reqQueue[0]
	cc.reqQueue = cc.reqQueue[1:]
	cc.mu.Unlock()
	if req.WantReply {
		return req.Reply(success, nil)
	}
	return nil
}

func (c *CryptoConn) writeGlobalRequest(body *wire.Buffer) error {
	name, err := body.GetText()
	if err != nil {
		return err
	}
	wantReply, err := body.GetBoolean()
	if err != nil {
		return err
	}
	payload := body.Bytes()

	go func() {
		ok, reply, err := c.underlying.SendRequest(name, wantReply, payload)
		if !wantReply || err != nil {
			return
		}
		buf := wire.NewBuffer()
		buf.PutBytes(reply)
		if ok {
			c.h.OnMessage(wire.MsgRequestSuccess, buf.Bytes())
		} else {
			c.h.OnMessage(wire.MsgRequestFailure, buf.Bytes())
		}
	}()
	return nil
}

func (c *CryptoConn) writeGlobalReply(body *wire.Buffer, success bool) error {
	c.mu.Lock()
	if len(c.globalQueue) == 0 {
		c.mu.Unlock()
		return nil
	}
	req := c.globalQueue[0]
	c.globalQueue = c.globalQueue[1:]
	c.mu.Unlock()
	if !req.WantReply {
		return nil
	}
	return req.Reply(success, body.Bytes())
}
