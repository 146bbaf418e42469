package transport

import (
	"encoding/binary"
	"io"
	"net"
	"sync"
)

// FramedConn is a minimal, unencrypted length-prefixed framer over a
// net.Conn: four-byte big-endian length, then that many payload bytes. It
// exists so the connection layer has a real socket-backed Conn to run
// against in development and in loopback integration tests without
// depending on a completed key exchange; it is not a substitute for the
// production transport, which negotiates ciphers via
// golang.org/x/crypto/ssh (see CryptoConn). Framing here has none of the
// padding/MAC machinery RFC 4253 requires of the real binary packet
// protocol — that negotiation is explicitly out of this package's scope.
type FramedConn struct {
	conn net.Conn

	writeMu sync.Mutex
	closeMu sync.Mutex
	closed  bool
}

// NewFramedConn wraps an already-connected net.Conn.
func NewFramedConn(conn net.Conn) *FramedConn {
	return &FramedConn{conn: conn}
}

// WritePacket writes the length-prefixed frame. It is safe for concurrent
// use; frames from concurrent callers are serialized but never interleaved.
func (f *FramedConn) WritePacket(payload []byte) error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := f.conn.Write(hdr[:]); err != nil {
		return err
	}
	_, err := f.conn.Write(payload)
	return err
}

// Serve reads frames until the connection errors or Close is called,
// delivering each as (payload[0], payload[1:]) to h.
func (f *FramedConn) Serve(h Handler) error {
	var hdr [4]byte
	for {
		if _, err := io.ReadFull(f.conn, hdr[:]); err != nil {
			if f.isClosed() {
				return nil
			}
			return err
		}
		n := binary.BigEndian.Uint32(hdr[:])
		payload := make([]byte, n)
		if _, err := io.ReadFull(f.conn, payload); err != nil {
			if f.isClosed() {
				return nil
			}
			return err
		}
		if n == 0 {
			continue
		}
		h.OnMessage(payload[0], payload[1:])
	}
}

func (f *FramedConn) isClosed() bool {
	f.closeMu.Lock()
	defer f.closeMu.Unlock()
	return f.closed
}

// Close closes the underlying net.Conn.
func (f *FramedConn) Close() error {
	f.closeMu.Lock()
	f.closed = true
	f.closeMu.Unlock()
	return f.conn.Close()
}
