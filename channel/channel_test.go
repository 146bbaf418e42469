package channel

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sngardner/mina-sshd/window"
	"github.com/sngardner/mina-sshd/wire"
)

// fakeSender records every packet written to it, decoding the common
// fields so tests can assert on message type and recipient id.
type fakeSender struct {
	mu      sync.Mutex
	packets [][]byte
}

func (f *fakeSender) WritePacket(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(payload))
	copy(cp, payload)
	f.packets = append(f.packets, cp)
	return nil
}

func (f *fakeSender) last() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.packets) == 0 {
		return nil
	}
	return f.packets[len(f.packets)-1]
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.packets)
}

func TestOpenConfirmedTransition(t *testing.T) {
	s := &fakeSender{}
	ch := New(wire.ChannelTypeSession, 1, 2097152, 32768, s)
	assert.Equal(t, Opening, ch.State())

	ch.OpenConfirmed(7, 2097152, 32768)
	assert.Equal(t, Open, ch.State())
	assert.Equal(t, uint32(7), ch.RemoteID())

	v, ok := ch.OpenFuture().Await(0)
	require.True(t, ok)
	assert.Nil(t, v)
}

func TestOpenFailedTransition(t *testing.T) {
	s := &fakeSender{}
	ch := New(wire.ChannelTypeSession, 1, 2097152, 32768, s)
	ch.OpenFailed(wire.OpenResourceShortage, "no room")

	assert.Equal(t, Closed, ch.State())
	v, ok := ch.OpenFuture().Await(0)
	require.True(t, ok)
	openErr, ok := v.(*OpenError)
	require.True(t, ok)
	assert.Equal(t, wire.OpenResourceShortage, openErr.Reason)
}

func TestDataEchoAndClose(t *testing.T) {
	s := &fakeSender{}
	ch := New(wire.ChannelTypeSession, 3, 2097152, 32768, s)
	ch.OpenConfirmed(9, 2097152, 32768)

	// Stdout is an unbuffered pipe: HandleData returns once a reader has
	// taken the bytes, so it runs concurrently with the read below.
	handled := make(chan error, 1)
	go func() { handled <- ch.HandleData([]byte("hi\n")) }()
	got := make([]byte, 3)
	_, err := io.ReadFull(ch.Stdout(), got)
	require.NoError(t, err)
	require.NoError(t, <-handled)
	assert.Equal(t, "hi\n", string(got))

	n, err := ch.Write([]byte("hi\n"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	last := s.last()
	r := wire.NewBufferFrom(last)
	mt, _ := r.GetByte()
	assert.EqualValues(t, wire.MsgChannelData, mt)
	recipient, _ := r.GetUint32()
	assert.Equal(t, uint32(9), recipient)
	data, _ := r.GetString()
	assert.Equal(t, "hi\n", string(data))

	require.NoError(t, ch.SendEOF())
	assert.Equal(t, EofSent, ch.State())

	ch.HandleClose()
	assert.Equal(t, Closed, ch.State())

	closeBuf := wire.NewBufferFrom(s.last())
	mt, _ = closeBuf.GetByte()
	assert.EqualValues(t, wire.MsgChannelClose, mt)
}

func TestHandleDataExceedsWindowIsProtocolError(t *testing.T) {
	s := &fakeSender{}
	ch := New(wire.ChannelTypeSession, 1, 4, window.MinPacketSize, s)
	ch.OpenConfirmed(2, 2097152, 32768)

	err := ch.HandleData([]byte("too many bytes"))
	require.Error(t, err)
	var exceeded *window.ExceededError
	assert.ErrorAs(t, err, &exceeded)
}

func TestWindowAdjustExpandsRemoteCredit(t *testing.T) {
	s := &fakeSender{}
	ch := New(wire.ChannelTypeSession, 1, 10, 32768, s)
	ch.OpenConfirmed(2, 4, 1024)

	n, err := ch.Write([]byte("abcd"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	done := make(chan struct{})
	go func() {
		ch.Write([]byte("e"))
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("write should block with zero remote window credit")
	default:
	}

	require.NoError(t, ch.HandleWindowAdjust(1))
	<-done
}

func TestRequestChainFirstNonUnsupportedWins(t *testing.T) {
	s := &fakeSender{}
	ch := New(wire.ChannelTypeSession, 1, 2097152, 32768, s)
	ch.OpenConfirmed(5, 2097152, 32768)

	var calledA, calledB bool
	ch.AddRequestHandler(func(ch *Channel, reqType string, wantReply bool, payload []byte) RequestResult {
		calledA = true
		return Unsupported
	})
	ch.AddRequestHandler(func(ch *Channel, reqType string, wantReply bool, payload []byte) RequestResult {
		calledB = true
		return ReplySuccess
	})

	ch.HandleRequest("shell", true, nil)
	assert.True(t, calledA)
	assert.True(t, calledB)

	last := wire.NewBufferFrom(s.last())
	mt, _ := last.GetByte()
	assert.EqualValues(t, wire.MsgChannelSuccess, mt)
}

func TestRequestChainExhaustedSendsFailure(t *testing.T) {
	s := &fakeSender{}
	ch := New(wire.ChannelTypeSession, 1, 2097152, 32768, s)
	ch.OpenConfirmed(5, 2097152, 32768)

	ch.HandleRequest("unknown-type", true, nil)
	last := wire.NewBufferFrom(s.last())
	mt, _ := last.GetByte()
	assert.EqualValues(t, wire.MsgChannelFailure, mt)
}

func TestExitStatusSentOnce(t *testing.T) {
	s := &fakeSender{}
	ch := New(wire.ChannelTypeSession, 1, 2097152, 32768, s)
	ch.OpenConfirmed(5, 2097152, 32768)

	require.NoError(t, ch.SendExitStatus(0))
	countAfterFirst := s.count()
	require.NoError(t, ch.SendExitStatus(0))
	assert.Equal(t, countAfterFirst, s.count(), "second exit-status must not be sent")
}

func TestCloseIdempotent(t *testing.T) {
	s := &fakeSender{}
	ch := New(wire.ChannelTypeSession, 1, 2097152, 32768, s)
	ch.OpenConfirmed(5, 2097152, 32768)

	require.NoError(t, ch.Close())
	countAfterFirst := s.count()
	require.NoError(t, ch.Close())
	assert.Equal(t, countAfterFirst, s.count())
}

func TestDataAfterCloseIsDropped(t *testing.T) {
	s := &fakeSender{}
	ch := New(wire.ChannelTypeSession, 1, 2097152, 32768, s)
	ch.OpenConfirmed(5, 2097152, 32768)
	ch.HandleClose()

	err := ch.HandleData([]byte("late"))
	assert.NoError(t, err)
}

// TestWaitForBoundaries exercises every bit WaitFor can report, and the
// boundary between "already satisfied" and "must actually block" for
// each: open/close/EOF transitions, exit-status/exit-signal capture via
// HandleRequest, a genuine timeout, and a mask combining multiple bits
// where only one is ever set.
func TestWaitForBoundaries(t *testing.T) {
	s := &fakeSender{}
	ch := New(wire.ChannelTypeSession, 1, 2097152, 32768, s)

	// Not open yet: a 1ns timeout poll must not report WaitOpened (a zero
	// timeout would wait forever).
	cond := ch.WaitFor(WaitOpened, 1)
	assert.EqualValues(t, WaitTimeout, cond&WaitTimeout)
	assert.EqualValues(t, 0, cond&WaitOpened)

	done := make(chan uint32, 1)
	go func() { done <- ch.WaitFor(WaitOpened, 0) }()
	ch.OpenConfirmed(5, 2097152, 32768)
	select {
	case cond := <-done:
		assert.NotZero(t, cond&WaitOpened)
	case <-time.After(2 * time.Second):
		t.Fatal("WaitFor(WaitOpened) did not wake on OpenConfirmed")
	}

	// Already satisfied: returns immediately without blocking.
	cond = ch.WaitFor(WaitOpened, 0)
	assert.NotZero(t, cond&WaitOpened)

	// EOF.
	ch.HandleEOF()
	cond = ch.WaitFor(WaitEOF, time.Second)
	assert.NotZero(t, cond&WaitEOF)
	assert.Zero(t, cond&WaitTimeout)

	// exit-status, delivered as an inbound channel request.
	statusBuf := wire.NewBuffer()
	statusBuf.PutUint32(17)
	ch.HandleRequest(wire.ChannelRequestExitStatus, false, statusBuf.Bytes())
	cond = ch.WaitFor(WaitExitStatus, time.Second)
	assert.NotZero(t, cond&WaitExitStatus)
	code, ok := ch.ExitStatus()
	require.True(t, ok)
	assert.EqualValues(t, 17, code)

	// A mask with multiple candidate bits is satisfied by any one of
	// them; exit-signal was never sent, so only WaitExitStatus fires.
	cond = ch.WaitFor(WaitExitStatus|WaitExitSignal, time.Second)
	assert.NotZero(t, cond&WaitExitStatus)
	assert.Zero(t, cond&WaitExitSignal)

	// exit-signal.
	signalBuf := wire.NewBuffer()
	signalBuf.PutText("TERM")
	signalBuf.PutBoolean(false)
	signalBuf.PutText("")
	signalBuf.PutText("")
	ch.HandleRequest(wire.ChannelRequestExitSignal, false, signalBuf.Bytes())
	cond = ch.WaitFor(WaitExitSignal, time.Second)
	assert.NotZero(t, cond&WaitExitSignal)
	signal, ok := ch.ExitSignal()
	require.True(t, ok)
	assert.Equal(t, "TERM", signal)

	// close.
	ch.HandleClose()
	cond = ch.WaitFor(WaitClosed, time.Second)
	assert.NotZero(t, cond&WaitClosed)

	// A genuine timeout: no event will ever satisfy a bit that was
	// never set on an already-closed channel other than WaitClosed.
	start := time.Now()
	cond = ch.WaitFor(0, 50*time.Millisecond)
	assert.NotZero(t, cond&WaitTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}
