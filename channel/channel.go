// Package channel implements the per-channel state machine described by
// RFC 4254: channel open/close lifecycle, sliding-window flow control on
// both directions, extended-data (stderr) multiplexing, and the ordered
// CHANNEL_REQUEST handler chain used by shell/exec/pty/subsystem requests.
package channel

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sngardner/mina-sshd/future"
	"github.com/sngardner/mina-sshd/wire"
	"github.com/sngardner/mina-sshd/window"
)

// State is one position in the channel lifecycle. Closed is terminal.
type State int

const (
	Opening State = iota
	Open
	EofSent
	EofReceived
	Closed
)

func (s State) String() string {
	switch s {
	case Opening:
		return "opening"
	case Open:
		return "open"
	case EofSent:
		return "eof-sent"
	case EofReceived:
		return "eof-received"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// RequestResult is the four-valued outcome of a single request handler in
// the chain consulted by HandleRequest.
type RequestResult int

const (
	// Unsupported means this handler does not recognize the request type;
	// the dispatcher continues to the next handler in the chain.
	Unsupported RequestResult = iota
	// Replied means the handler has already sent any reply itself (used by
	// handlers that need to defer the reply, e.g. after spawning a
	// process); the dispatcher sends nothing further.
	Replied
	// ReplySuccess means the dispatcher should send CHANNEL_SUCCESS if the
	// request wanted a reply.
	ReplySuccess
	// ReplyFailure means the dispatcher should send CHANNEL_FAILURE if the
	// request wanted a reply.
	ReplyFailure
)

// RequestHandlerFunc handles one CHANNEL_REQUEST. reqType is the request
// name (e.g. "shell", "pty-req"); payload is the request-specific fields
// after the want-reply boolean.
type RequestHandlerFunc func(ch *Channel, reqType string, wantReply bool, payload []byte) RequestResult

// Sender is the minimal capability a Channel needs from its owning
// connection service to emit framed messages; it is satisfied by
// connsvc.Service and by lightweight fakes in tests.
type Sender interface {
	WritePacket(payload []byte) error
}

// OpenError carries the RFC 4254 §5.1 channel-open-failure reason code and
// human-readable text, surfaced to the requester as CHANNEL_OPEN_FAILURE.
type OpenError struct {
	Reason  uint32
	Message string
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("channel: open failed (%d): %s", e.Reason, e.Message)
}

// ErrClosed is returned by Write/WriteExtended once the channel has moved
// to Closed or had its outbound side EOF'd.
var ErrClosed = errors.New("channel: closed")

// Channel is one multiplexed logical stream within a session. It owns its
// own local (receive) and remote (send) windows, the ordered list of
// CHANNEL_REQUEST handlers registered for it, and the stdout/stderr byte
// streams fed by incoming CHANNEL_DATA/CHANNEL_EXTENDED_DATA.
type Channel struct {
	mu sync.Mutex

	channelType string
	localID     uint32
	remoteID    uint32
	remoteIDSet bool

	state State

	localWindow  *window.Window
	remoteWindow *window.Window

	sender Sender

	handlers []RequestHandlerFunc

	stdoutW *io.PipeWriter
	stdoutR *io.PipeReader
	stderrW *io.PipeWriter
	stderrR *io.PipeReader

	eofSent     bool
	closeSent   bool
	exitSent    bool

	openFuture  *future.Future
	closeFuture *future.Future

	// cond, opened, eofFlag, exitStatus and exitSignal back WaitFor: cond
	// shares c.mu and is broadcast on every event WaitFor's mask bits
	// observe (open, close, EOF, exit-status, exit-signal).
	cond       *sync.Cond
	opened     bool
	eofFlag    bool
	exitStatus *uint32
	exitSignal *string
}

// New constructs a Channel in the Opening state, owned by localID, with a
// freshly sized local (receive) window. sender is used for every outbound
// message the channel itself emits (window adjust, data, close, request
// replies).
func New(channelType string, localID uint32, localWindowSize, localPacketSize uint32, sender Sender) *Channel {
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	ch := &Channel{
		channelType: channelType,
		localID:     localID,
		state:       Opening,
		localWindow: window.New(localWindowSize, localPacketSize),
		sender:      sender,
		stdoutW:     stdoutW,
		stdoutR:     stdoutR,
		stderrW:     stderrW,
		stderrR:     stderrR,
		openFuture:  future.New(),
		closeFuture: future.New(),
	}
	ch.cond = sync.NewCond(&ch.mu)
	ch.localWindow.OnAdjust(ch.sendWindowAdjust)
	return ch
}

// Type returns the channel-open type ("session", "direct-tcpip", ...).
func (c *Channel) Type() string { return c.channelType }

// LocalID returns this channel's identifier within its own session.
func (c *Channel) LocalID() uint32 { return c.localID }

// RemoteID returns the peer's identifier for this channel. It is only
// meaningful once the channel has left Opening.
func (c *Channel) RemoteID() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteID
}

// State returns the current lifecycle state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OpenFuture completes with nil on OpenConfirmed, or with an *OpenError on
// OpenFailed.
func (c *Channel) OpenFuture() *future.Future { return c.openFuture }

// CloseFuture completes (with nil) once the channel reaches Closed.
func (c *Channel) CloseFuture() *future.Future { return c.closeFuture }

// Stdout is the byte stream fed by incoming CHANNEL_DATA.
func (c *Channel) Stdout() io.Reader { return c.stdoutR }

// Stderr is the byte stream fed by incoming CHANNEL_EXTENDED_DATA of type
// SSH_EXTENDED_DATA_STDERR.
func (c *Channel) Stderr() io.Reader { return c.stderrR }

// AddRequestHandler appends a handler to the ordered chain consulted by
// HandleRequest. Handlers registered earlier get first refusal.
func (c *Channel) AddRequestHandler(h RequestHandlerFunc) {
	c.mu.Lock()
	c.handlers = append(c.handlers, h)
	c.mu.Unlock()
}

// OpenConfirmed transitions Opening -> Open: the remote side of the open
// handshake accepted. remoteID, remoteWindowSize and remotePacketSize come
// from the peer's SSH_MSG_CHANNEL_OPEN_CONFIRMATION (or, server-side, are
// read off the inbound SSH_MSG_CHANNEL_OPEN before a confirmation is sent).
func (c *Channel) OpenConfirmed(remoteID, remoteWindowSize, remotePacketSize uint32) {
	c.mu.Lock()
	if c.state != Opening {
		c.mu.Unlock()
		return
	}
	c.remoteID = remoteID
	c.remoteIDSet = true
	c.remoteWindow = window.New(remoteWindowSize, remotePacketSize)
	c.state = Open
	c.opened = true
	c.cond.Broadcast()
	c.mu.Unlock()
	c.openFuture.SetValue(nil)
}

// OpenFailed transitions Opening -> Closed: the open request was rejected.
func (c *Channel) OpenFailed(reason uint32, message string) {
	c.mu.Lock()
	if c.state != Opening {
		c.mu.Unlock()
		return
	}
	c.state = Closed
	c.cond.Broadcast()
	c.mu.Unlock()
	c.openFuture.SetValue(&OpenError{Reason: reason, Message: message})
	c.closeFuture.SetValue(nil)
}

// HandleWindowAdjust applies an incoming SSH_MSG_CHANNEL_WINDOW_ADJUST.
func (c *Channel) HandleWindowAdjust(n uint32) error {
	c.mu.Lock()
	rw := c.remoteWindow
	c.mu.Unlock()
	if rw == nil {
		return errors.New("channel: window-adjust before open")
	}
	rw.Expand(n)
	return nil
}

// HandleData applies an incoming SSH_MSG_CHANNEL_DATA: it enforces the
// local (receive) window and forwards the payload to Stdout.
func (c *Channel) HandleData(payload []byte) error {
	return c.handleInbound(payload, c.stdoutW)
}

// HandleExtendedData applies an incoming SSH_MSG_CHANNEL_EXTENDED_DATA.
// Only SSH_EXTENDED_DATA_STDERR is interpreted; other types are accounted
// against the window and discarded.
func (c *Channel) HandleExtendedData(dataType uint32, payload []byte) error {
	if dataType != wire.ExtendedDataStderr {
		return c.handleInbound(payload, io.Discard)
	}
	return c.handleInbound(payload, c.stderrW)
}

func (c *Channel) handleInbound(payload []byte, sink io.Writer) error {
	c.mu.Lock()
	if c.state == Closed || c.state == EofReceived {
		c.mu.Unlock()
		return nil // inbound data after EOF/close is dropped, not an error
	}
	c.mu.Unlock()

	if err := c.localWindow.ConsumeAndCheck(uint32(len(payload))); err != nil {
		return err
	}
	if sink == nil {
		return nil
	}
	_, err := sink.Write(payload)
	return err
}

func (c *Channel) sendWindowAdjust(n uint32) {
	c.mu.Lock()
	remoteID := c.remoteID
	c.mu.Unlock()

	buf := wire.NewBuffer()
	buf.PutByte(wire.MsgChannelWindowAdjust)
	buf.PutUint32(remoteID)
	buf.PutUint32(n)
	c.sender.WritePacket(buf.Bytes())
}

// HandleEOF applies an incoming SSH_MSG_CHANNEL_EOF: Open -> EofReceived.
func (c *Channel) HandleEOF() {
	c.mu.Lock()
	if c.state == Open {
		c.state = EofReceived
	}
	c.eofFlag = true
	c.cond.Broadcast()
	c.mu.Unlock()
	c.stdoutW.Close()
	c.stderrW.Close()
}

// HandleClose applies an incoming SSH_MSG_CHANNEL_CLOSE: sends our own
// CHANNEL_CLOSE if we had not already, then transitions to Closed.
func (c *Channel) HandleClose() {
	c.mu.Lock()
	alreadySent := c.closeSent
	remoteID := c.remoteID
	c.closeSent = true
	c.state = Closed
	c.cond.Broadcast()
	c.mu.Unlock()

	c.stdoutW.Close()
	c.stderrW.Close()
	if c.remoteWindow != nil {
		c.remoteWindow.Close()
	}
	c.localWindow.Close()

	if !alreadySent {
		buf := wire.NewBuffer()
		buf.PutByte(wire.MsgChannelClose)
		buf.PutUint32(remoteID)
		c.sender.WritePacket(buf.Bytes())
	}
	c.closeFuture.SetValue(nil)
}

// Close sends SSH_MSG_CHANNEL_CLOSE if it has not already been sent and
// records that it was sent. Close is idempotent; a channel already in
// Closed state is unaffected. It does not wait for the peer's own
// CHANNEL_CLOSE, and it does not change State: the channel reaches Closed
// when HandleClose applies the peer's CHANNEL_CLOSE.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.state == Closed {
		c.mu.Unlock()
		return nil
	}
	alreadySent := c.closeSent
	remoteID := c.remoteID
	c.closeSent = true
	c.mu.Unlock()

	if !alreadySent {
		buf := wire.NewBuffer()
		buf.PutByte(wire.MsgChannelClose)
		buf.PutUint32(remoteID)
		if err := c.sender.WritePacket(buf.Bytes()); err != nil {
			return err
		}
	}
	return nil
}

// SendEOF sends SSH_MSG_CHANNEL_EOF, transitioning Open -> EofSent.
func (c *Channel) SendEOF() error {
	c.mu.Lock()
	if c.state != Open {
		c.mu.Unlock()
		return nil
	}
	c.state = EofSent
	c.eofSent = true
	remoteID := c.remoteID
	c.mu.Unlock()

	buf := wire.NewBuffer()
	buf.PutByte(wire.MsgChannelEOF)
	buf.PutUint32(remoteID)
	return c.sender.WritePacket(buf.Bytes())
}

// Write sends p as one or more SSH_MSG_CHANNEL_DATA messages, chunked to
// the remote window's packet size and blocking on remote-window credit as
// needed. It implements io.Writer.
func (c *Channel) Write(p []byte) (int, error) {
	return c.writeFramed(wire.MsgChannelData, 0, false, p)
}

// WriteExtended sends p as SSH_MSG_CHANNEL_EXTENDED_DATA of the given type
// (conventionally SSH_EXTENDED_DATA_STDERR).
func (c *Channel) WriteExtended(dataType uint32, p []byte) (int, error) {
	return c.writeFramed(wire.MsgChannelExtendedData, dataType, true, p)
}

func (c *Channel) writeFramed(msgType byte, dataType uint32, extended bool, p []byte) (int, error) {
	c.mu.Lock()
	if c.state != Open {
		c.mu.Unlock()
		return 0, ErrClosed
	}
	rw := c.remoteWindow
	remoteID := c.remoteID
	c.mu.Unlock()

	sent := 0
	for sent < len(p) {
		chunk := p[sent:]
		max := int(rw.PacketSize())
		if len(chunk) > max {
			chunk = chunk[:max]
		}
		if !rw.Consume(uint32(len(chunk))) {
			return sent, ErrClosed
		}
		buf := wire.NewBuffer()
		buf.PutByte(msgType)
		buf.PutUint32(remoteID)
		if extended {
			buf.PutUint32(dataType)
		}
		buf.PutString(chunk)
		if err := c.sender.WritePacket(buf.Bytes()); err != nil {
			return sent, err
		}
		sent += len(chunk)
	}
	return sent, nil
}

// HandleRequest dispatches an incoming SSH_MSG_CHANNEL_REQUEST through the
// ordered handler chain. The first handler to return other than
// Unsupported stops the walk. If wantReply is true, ReplySuccess/
// ReplyFailure send CHANNEL_SUCCESS/CHANNEL_FAILURE respectively;
// Unsupported (chain exhausted) sends CHANNEL_FAILURE.
func (c *Channel) HandleRequest(reqType string, wantReply bool, payload []byte) {
	switch reqType {
	case wire.ChannelRequestExitStatus:
		c.handleExitStatus(payload)
		return
	case wire.ChannelRequestExitSignal:
		c.handleExitSignal(payload)
		return
	}

	c.mu.Lock()
	handlers := make([]RequestHandlerFunc, len(c.handlers))
	copy(handlers, c.handlers)
	remoteID := c.remoteID
	c.mu.Unlock()

	result := Unsupported
	for _, h := range handlers {
		result = h(c, reqType, wantReply, payload)
		if result != Unsupported {
			break
		}
	}

	if !wantReply || result == Replied {
		return
	}

	success := result == ReplySuccess
	buf := wire.NewBuffer()
	if success {
		buf.PutByte(wire.MsgChannelSuccess)
	} else {
		buf.PutByte(wire.MsgChannelFailure)
	}
	buf.PutUint32(remoteID)
	c.sender.WritePacket(buf.Bytes())
}

// SendRequest emits an outbound SSH_MSG_CHANNEL_REQUEST. When wantReply is
// true the caller is responsible for matching the subsequent
// CHANNEL_SUCCESS/CHANNEL_FAILURE itself (e.g. via a future registered with
// the owning connection service).
func (c *Channel) SendRequest(reqType string, wantReply bool, payload []byte) error {
	c.mu.Lock()
	remoteID := c.remoteID
	c.mu.Unlock()

	buf := wire.NewBuffer()
	buf.PutByte(wire.MsgChannelRequest)
	buf.PutUint32(remoteID)
	buf.PutText(reqType)
	buf.PutBoolean(wantReply)
	buf.PutBytes(payload)
	return c.sender.WritePacket(buf.Bytes())
}

// SendExitStatus sends the one-shot "exit-status" channel request, which
// per RFC 4254 §6.10 MUST have want-reply false. It is idempotent: a
// second call is a no-op so a channel never reports two exit statuses.
func (c *Channel) SendExitStatus(code uint32) error {
	c.mu.Lock()
	if c.exitSent {
		c.mu.Unlock()
		return nil
	}
	c.exitSent = true
	c.mu.Unlock()

	buf := wire.NewBuffer()
	buf.PutUint32(code)
	return c.SendRequest(wire.ChannelRequestExitStatus, false, buf.Bytes())
}

// handleExitStatus applies an incoming "exit-status" channel request
// (RFC 4254 §6.10): a single uint32 exit code. Only the first one
// received is kept.
func (c *Channel) handleExitStatus(payload []byte) {
	code, err := wire.NewBufferFrom(payload).GetUint32()
	if err != nil {
		return
	}
	c.mu.Lock()
	if c.exitStatus == nil {
		c.exitStatus = &code
	}
	c.cond.Broadcast()
	c.mu.Unlock()
}

// handleExitSignal applies an incoming "exit-signal" channel request
// (RFC 4254 §6.10): signal name, core-dumped flag, error message,
// language tag. Only the signal name is kept; only the first one
// received is kept.
func (c *Channel) handleExitSignal(payload []byte) {
	signal, err := wire.NewBufferFrom(payload).GetText()
	if err != nil {
		return
	}
	c.mu.Lock()
	if c.exitSignal == nil {
		c.exitSignal = &signal
	}
	c.cond.Broadcast()
	c.mu.Unlock()
}

// ExitStatus returns the process exit code carried by an "exit-status"
// channel request, if one has been received.
func (c *Channel) ExitStatus() (code uint32, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.exitStatus == nil {
		return 0, false
	}
	return *c.exitStatus, true
}

// ExitSignal returns the signal name carried by an "exit-signal" channel
// request, if one has been received.
func (c *Channel) ExitSignal() (signal string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.exitSignal == nil {
		return "", false
	}
	return *c.exitSignal, true
}

// Wait-mask bits for WaitFor, covering the channel lifecycle events and
// end-of-process signaling a caller commonly needs to block on.
const (
	WaitOpened uint32 = 1 << iota
	WaitClosed
	WaitEOF
	WaitExitStatus
	WaitExitSignal
	// WaitTimeout is never passed in mask; WaitFor ORs it into its
	// return value when timeout elapses before any requested bit is set.
	WaitTimeout
)

func (c *Channel) currentWaitCondLocked() uint32 {
	var cond uint32
	if c.opened {
		cond |= WaitOpened
	}
	if c.state == Closed {
		cond |= WaitClosed
	}
	if c.eofFlag {
		cond |= WaitEOF
	}
	if c.exitStatus != nil {
		cond |= WaitExitStatus
	}
	if c.exitSignal != nil {
		cond |= WaitExitSignal
	}
	return cond
}

// WaitFor blocks until the channel's condition satisfies any bit in
// mask, or timeout elapses, and returns the full set of bits then true
// (plus WaitTimeout if it timed out). A zero or negative timeout waits
// forever. This mirrors future.Future.Await's cond-plus-AfterFunc idiom,
// since WaitFor's condition is a bitmask rather than a single value.
func (c *Channel) WaitFor(mask uint32, timeout time.Duration) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()

	cond := c.currentWaitCondLocked()
	if cond&mask != 0 {
		return cond
	}
	if timeout <= 0 {
		for cond&mask == 0 {
			c.cond.Wait()
			cond = c.currentWaitCondLocked()
		}
		return cond
	}

	expired := false
	timer := time.AfterFunc(timeout, func() {
		c.mu.Lock()
		expired = true
		c.cond.Broadcast()
		c.mu.Unlock()
	})
	defer timer.Stop()

	for cond&mask == 0 && !expired {
		c.cond.Wait()
		cond = c.currentWaitCondLocked()
	}
	if cond&mask != 0 {
		return cond
	}
	return cond | WaitTimeout
}
