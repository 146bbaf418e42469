package sftp

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/sngardner/mina-sshd/wire"
)

// Client is an SFTP client driving requests over any io.ReadWriter —
// typically a session channel with a "sftp" subsystem request already
// accepted. It negotiates the protocol version during NewClient and
// encodes every subsequent request for whatever version the server
// settled on.
type Client struct {
	rw io.ReadWriter

	// version is the protocol version negotiated during NewClient:
	// whatever the server's VERSION reply specified, per draft-ietf-
	// secsh-filexfer's "the server MUST respond ... with the lower of
	// its own and the client's version" convention.
	version uint32

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  uint32
	pending map[uint32]chan rawResponse
	readErr error
	closed  bool
}

type rawResponse struct {
	typ     byte
	payload []byte
}

// StatusError reports an SSH_FXP_STATUS response other than SSH_FX_OK.
type StatusError struct {
	Code    uint32
	Message string
}

func (e *StatusError) Error() string { return fmt.Sprintf("sftp: status %d: %s", e.Code, e.Message) }

// ErrClosed is returned by any in-flight or future request once the
// client's transport has failed or Close has been called.
var ErrClosed = errors.New("sftp: client closed")

// NewClient performs the SSH_FXP_INIT/VERSION handshake over rw and
// starts the background response reader.
func NewClient(rw io.ReadWriter) (*Client, error) {
	c := &Client{rw: rw, pending: make(map[uint32]chan rawResponse)}

	initBody := wire.NewBuffer()
	initBody.PutUint32(MaxProtocolVersion)
	if _, err := c.rw.Write(EncodePacket(TypeInit, 0, initBody.Bytes())); err != nil {
		return nil, err
	}

	typ, payload, err := readPacket(c.rw)
	if err != nil {
		return nil, err
	}
	if typ != TypeVersion {
		return nil, fmt.Errorf("sftp: expected VERSION, got packet type %d", typ)
	}
	buf := wire.NewBufferFrom(payload)
	version, err := buf.GetUint32()
	if err != nil {
		return nil, err
	}
	if version < MinProtocolVersion {
		return nil, fmt.Errorf("sftp: server negotiated unsupported version %d", version)
	}
	if version > MaxProtocolVersion {
		version = MaxProtocolVersion
	}
	c.version = version

	go c.readLoop()
	return c, nil
}

func readPacket(r io.Reader) (byte, []byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return 0, nil, err
	}
	n := uint32(lenBuf[0])<<24 | uint32(lenBuf[1])<<16 | uint32(lenBuf[2])<<8 | uint32(lenBuf[3])
	if n < 1 {
		return 0, nil, fmt.Errorf("sftp: malformed packet length %d", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, err
	}
	return body[0], body[1:], nil
}

func (c *Client) readLoop() {
	for {
		typ, payload, err := readPacket(c.rw)
		if err != nil {
			c.failAll(err)
			return
		}
		if len(payload) < 4 {
			c.failAll(fmt.Errorf("sftp: response packet too short"))
			return
		}
		buf := wire.NewBufferFrom(payload)
		id, _ := buf.GetUint32()

		c.mu.Lock()
		ch, ok := c.pending[id]
		if ok {
			delete(c.pending, id)
		}
		c.mu.Unlock()
		if ok {
			ch <- rawResponse{typ: typ, payload: buf.Bytes()}
		}
	}
}

func (c *Client) failAll(err error) {
	c.mu.Lock()
	c.readErr = err
	c.closed = true
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()
	for _, ch := range pending {
		close(ch)
	}
}

// Close releases the client; outstanding requests fail with ErrClosed.
func (c *Client) Close() {
	c.failAll(ErrClosed)
}

func (c *Client) request(pktType byte, body []byte) (rawResponse, error) {
	c.mu.Lock()
	if c.closed {
		err := c.readErr
		c.mu.Unlock()
		if err == nil {
			err = ErrClosed
		}
		return rawResponse{}, err
	}
	c.nextID++
	id := c.nextID
	ch := make(chan rawResponse, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	_, err := c.rw.Write(EncodePacket(pktType, id, body))
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return rawResponse{}, err
	}

	resp, ok := <-ch
	if !ok {
		c.mu.Lock()
		err := c.readErr
		c.mu.Unlock()
		if err == nil {
			err = ErrClosed
		}
		return rawResponse{}, err
	}
	return resp, nil
}

func decodeStatus(payload []byte) error {
	buf := wire.NewBufferFrom(payload)
	code, err := buf.GetUint32()
	if err != nil {
		return err
	}
	if code == StatusOK {
		return nil
	}
	msg, _ := buf.GetText()
	if code == StatusEOF {
		return io.EOF
	}
	return &StatusError{Code: code, Message: msg}
}

// Handle is an opaque SFTP file or directory handle.
type Handle struct{ raw string }

func (c *Client) statusRequest(pktType byte, body []byte) error {
	resp, err := c.request(pktType, body)
	if err != nil {
		return err
	}
	if resp.typ != TypeStatus {
		return fmt.Errorf("sftp: unexpected response type %d", resp.typ)
	}
	return decodeStatus(resp.payload)
}

func (c *Client) handleRequest(pktType byte, body []byte) (Handle, error) {
	resp, err := c.request(pktType, body)
	if err != nil {
		return Handle{}, err
	}
	switch resp.typ {
	case TypeHandle:
		buf := wire.NewBufferFrom(resp.payload)
		raw, err := buf.GetText()
		return Handle{raw: raw}, err
	case TypeStatus:
		return Handle{}, decodeStatus(resp.payload)
	default:
		return Handle{}, fmt.Errorf("sftp: unexpected response type %d", resp.typ)
	}
}

func (c *Client) attrsRequest(pktType byte, body []byte) (Attrs, error) {
	resp, err := c.request(pktType, body)
	if err != nil {
		return Attrs{}, err
	}
	switch resp.typ {
	case TypeAttrs:
		buf := wire.NewBufferFrom(resp.payload)
		return DecodeAttrs(buf, c.version)
	case TypeStatus:
		return Attrs{}, decodeStatus(resp.payload)
	default:
		return Attrs{}, fmt.Errorf("sftp: unexpected response type %d", resp.typ)
	}
}

// Open opens path with the given v3-style pflags (FlagRead etc.),
// returning a handle for Read/Write/Close. On a connection negotiated
// at version 5 or later, pflags is translated to the access/
// disposition encoding those versions require on the wire.
func (c *Client) Open(path string, pflags uint32, attrs Attrs) (Handle, error) {
	buf := wire.NewBuffer()
	buf.PutText(path)
	if c.version < 5 {
		buf.PutUint32(pflags)
	} else {
		access, disposition := pflagsToAccessDisposition(pflags)
		buf.PutUint32(access)
		buf.PutUint32(disposition)
	}
	attrs.Marshal(buf, c.version)
	return c.handleRequest(TypeOpen, buf.Bytes())
}

// CloseHandle closes a file or directory handle.
func (c *Client) CloseHandle(h Handle) error {
	buf := wire.NewBuffer()
	buf.PutText(h.raw)
	return c.statusRequest(TypeClose, buf.Bytes())
}

// Read reads up to len bytes at offset; io.EOF is returned once the
// server reports SSH_FX_EOF.
func (c *Client) Read(h Handle, offset uint64, length uint32) ([]byte, error) {
	buf := wire.NewBuffer()
	buf.PutText(h.raw)
	buf.PutUint64(offset)
	buf.PutUint32(length)
	resp, err := c.request(TypeRead, buf.Bytes())
	if err != nil {
		return nil, err
	}
	switch resp.typ {
	case TypeData:
		rb := wire.NewBufferFrom(resp.payload)
		return rb.GetString()
	case TypeStatus:
		return nil, decodeStatus(resp.payload)
	default:
		return nil, fmt.Errorf("sftp: unexpected response type %d", resp.typ)
	}
}

// Write writes data at offset.
func (c *Client) Write(h Handle, offset uint64, data []byte) error {
	buf := wire.NewBuffer()
	buf.PutText(h.raw)
	buf.PutUint64(offset)
	buf.PutString(data)
	return c.statusRequest(TypeWrite, buf.Bytes())
}

func (c *Client) Lstat(path string) (Attrs, error) {
	buf := wire.NewBuffer()
	buf.PutText(path)
	return c.attrsRequest(TypeLstat, buf.Bytes())
}

func (c *Client) Stat(path string) (Attrs, error) {
	buf := wire.NewBuffer()
	buf.PutText(path)
	return c.attrsRequest(TypeStat, buf.Bytes())
}

func (c *Client) Fstat(h Handle) (Attrs, error) {
	buf := wire.NewBuffer()
	buf.PutText(h.raw)
	return c.attrsRequest(TypeFstat, buf.Bytes())
}

func (c *Client) Setstat(path string, attrs Attrs) error {
	buf := wire.NewBuffer()
	buf.PutText(path)
	attrs.Marshal(buf, c.version)
	return c.statusRequest(TypeSetstat, buf.Bytes())
}

func (c *Client) Remove(path string) error {
	buf := wire.NewBuffer()
	buf.PutText(path)
	return c.statusRequest(TypeRemove, buf.Bytes())
}

func (c *Client) Rename(oldPath, newPath string) error {
	buf := wire.NewBuffer()
	buf.PutText(oldPath)
	buf.PutText(newPath)
	return c.statusRequest(TypeRename, buf.Bytes())
}

func (c *Client) Mkdir(path string, attrs Attrs) error {
	buf := wire.NewBuffer()
	buf.PutText(path)
	attrs.Marshal(buf, c.version)
	return c.statusRequest(TypeMkdir, buf.Bytes())
}

func (c *Client) Rmdir(path string) error {
	buf := wire.NewBuffer()
	buf.PutText(path)
	return c.statusRequest(TypeRmdir, buf.Bytes())
}

func (c *Client) Opendir(path string) (Handle, error) {
	buf := wire.NewBuffer()
	buf.PutText(path)
	return c.handleRequest(TypeOpendir, buf.Bytes())
}

// DirEntry is one SSH_FXP_NAME entry: a file's short and long listing
// names plus its attributes.
type DirEntry struct {
	Filename string
	Longname string
	Attrs    Attrs
}

// Readdir returns the next batch of entries from a directory handle
// opened with Opendir; io.EOF signals the listing is exhausted.
func (c *Client) Readdir(h Handle) ([]DirEntry, error) {
	buf := wire.NewBuffer()
	buf.PutText(h.raw)
	resp, err := c.request(TypeReaddir, buf.Bytes())
	if err != nil {
		return nil, err
	}
	switch resp.typ {
	case TypeName:
		return decodeNames(resp.payload, c.version)
	case TypeStatus:
		return nil, decodeStatus(resp.payload)
	default:
		return nil, fmt.Errorf("sftp: unexpected response type %d", resp.typ)
	}
}

// decodeNames decodes an SSH_FXP_NAME response. v3 carries a longname
// string per entry; v4+ dropped it, since it duplicated information
// ATTRS already carries.
func decodeNames(payload []byte, version uint32) ([]DirEntry, error) {
	buf := wire.NewBufferFrom(payload)
	count, err := buf.GetUint32()
	if err != nil {
		return nil, err
	}
	entries := make([]DirEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		var e DirEntry
		if e.Filename, err = buf.GetText(); err != nil {
			return nil, err
		}
		if version < 4 {
			if e.Longname, err = buf.GetText(); err != nil {
				return nil, err
			}
		}
		if e.Attrs, err = DecodeAttrs(buf, version); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Realpath resolves path to a canonical absolute path.
func (c *Client) Realpath(path string) (string, error) {
	buf := wire.NewBuffer()
	buf.PutText(path)
	resp, err := c.request(TypeRealpath, buf.Bytes())
	if err != nil {
		return "", err
	}
	switch resp.typ {
	case TypeName:
		entries, err := decodeNames(resp.payload, c.version)
		if err != nil {
			return "", err
		}
		if len(entries) == 0 {
			return "", fmt.Errorf("sftp: REALPATH returned no entries")
		}
		return entries[0].Filename, nil
	case TypeStatus:
		return "", decodeStatus(resp.payload)
	default:
		return "", fmt.Errorf("sftp: unexpected response type %d", resp.typ)
	}
}

func (c *Client) Readlink(path string) (string, error) {
	buf := wire.NewBuffer()
	buf.PutText(path)
	resp, err := c.request(TypeReadlink, buf.Bytes())
	if err != nil {
		return "", err
	}
	switch resp.typ {
	case TypeName:
		entries, err := decodeNames(resp.payload, c.version)
		if err != nil {
			return "", err
		}
		if len(entries) == 0 {
			return "", fmt.Errorf("sftp: READLINK returned no entries")
		}
		return entries[0].Filename, nil
	case TypeStatus:
		return "", decodeStatus(resp.payload)
	default:
		return "", fmt.Errorf("sftp: unexpected response type %d", resp.typ)
	}
}

func (c *Client) Symlink(targetPath, linkPath string) error {
	buf := wire.NewBuffer()
	// RFC draft's SSH_FXP_SYMLINK argument order is historically
	// reversed from its field names (linkpath, targetpath) in widely
	// deployed implementations; this matches OpenSSH's wire behavior.
	buf.PutText(linkPath)
	buf.PutText(targetPath)
	return c.statusRequest(TypeSymlink, buf.Bytes())
}

// Link creates newPath as either a symbolic or a hard link to oldPath,
// using the unified SSH_FXP_LINK request v6 introduced. Hard links
// (symbolic == false) require protocol version 6; draft-ietf-secsh-
// filexfer never defined hard-link support for v3-v5, so a non-symbolic
// Link call on an older connection is rejected locally rather than sent.
func (c *Client) Link(oldPath, newPath string, symbolic bool) error {
	if !symbolic && c.version < 6 {
		return &StatusError{Code: StatusOpUnsupported, Message: "hard links require protocol version 6"}
	}
	if c.version < 6 {
		return c.Symlink(oldPath, newPath)
	}
	buf := wire.NewBuffer()
	buf.PutText(newPath)
	buf.PutText(oldPath)
	buf.PutBoolean(symbolic)
	return c.statusRequest(TypeLink, buf.Bytes())
}
