// Package connsvc implements the per-session connection service: the
// channel registry, the SSH_MSG_CHANNEL_* demultiplexer, and global-request
// dispatch described by RFC 4254 and spec §4.5.
package connsvc

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/sngardner/mina-sshd/channel"
	"github.com/sngardner/mina-sshd/future"
	"github.com/sngardner/mina-sshd/transport"
	"github.com/sngardner/mina-sshd/wire"
)

// DefaultLocalWindowSize and DefaultLocalPacketSize size every channel this
// service opens or accepts, absent a factory-specific override.
const (
	DefaultLocalWindowSize  = 2 * 1024 * 1024
	DefaultLocalPacketSize  = 32 * 1024
)

// OpenHandlerFunc performs the domain-specific work of accepting an
// inbound CHANNEL_OPEN: it runs (synchronously or asynchronously) and must
// eventually resolve ch.OpenFuture() via ch.OpenConfirmed or ch.OpenFailed.
// extra is the channel-type-specific payload following the standard
// (type, sender, window, packet) fields.
type OpenHandlerFunc func(svc *Service, ch *channel.Channel, peerID, remoteWindowSize, remoteMaxPacket uint32, extra []byte)

// RequestResult mirrors channel.RequestResult for global-request handlers.
type RequestResult = channel.RequestResult

const (
	Unsupported   = channel.Unsupported
	Replied       = channel.Replied
	ReplySuccess  = channel.ReplySuccess
	ReplyFailure  = channel.ReplyFailure
)

// GlobalRequestHandlerFunc handles one SSH_MSG_GLOBAL_REQUEST. Handlers are
// consulted in registration order; the first to return other than
// Unsupported stops the walk, mirroring channel.RequestHandlerFunc. The
// returned []byte, when result is ReplySuccess, becomes the REQUEST_SUCCESS
// payload (e.g. the bound port for "tcpip-forward").
type GlobalRequestHandlerFunc func(svc *Service, name string, wantReply bool, payload []byte) (RequestResult, []byte)

// ProtocolError is returned by OpenChannel once the service is closing.
// Inbound violations (an unknown channel id, a malformed message) are not
// returned as errors: they are reported through the OnDisconnect callback
// with wire.DisconnectProtocolError.
type ProtocolError struct {
	Msg string
}

func (e *ProtocolError) Error() string { return "connsvc: protocol error: " + e.Msg }

// Service is the per-session channel registry and message demultiplexer.
// It is created once a transport connection is authenticated and is the
// sole mutator of its channel registry.
type Service struct {
	mu sync.Mutex

	conn transport.Conn

	channels           map[uint32]*channel.Channel
	nextID             uint32
	sem                *semaphore.Weighted // nil means unbounded
	closing            bool
	allowMoreSessions  bool

	factories       map[string]OpenHandlerFunc
	globalHandlers  []GlobalRequestHandlerFunc

	pendingGlobal []*future.Future // FIFO of outstanding global requests awaiting REQUEST_SUCCESS/FAILURE

	onDisconnect func(reason uint32, msg string)

	log *slog.Logger
}

// New constructs a Service bound to conn. maxChannels <= 0 means unbounded;
// otherwise a semaphore.Weighted bounds the number of concurrently open
// channels, matching the max_channels resource cap.
func New(conn transport.Conn, maxChannels int) *Service {
	s := &Service{
		conn:              conn,
		channels:          make(map[uint32]*channel.Channel),
		factories:         make(map[string]OpenHandlerFunc),
		allowMoreSessions: true,
		log:               slog.Default(),
	}
	if maxChannels > 0 {
		s.sem = semaphore.NewWeighted(int64(maxChannels))
	}
	return s
}

// SetLogger installs the structured logger used for channel-open and
// protocol-error diagnostics. A nil logger restores slog.Default().
func (s *Service) SetLogger(l *slog.Logger) {
	if l == nil {
		l = slog.Default()
	}
	s.mu.Lock()
	s.log = l
	s.mu.Unlock()
}

// SetAllowMoreSessions toggles whether the service accepts new
// CHANNEL_OPEN requests. It defaults to true; a server drains a
// connection without tearing it down by setting it false, which refuses
// further channels (e.g. "session", "direct-tcpip") while letting
// already-open ones run to completion.
func (s *Service) SetAllowMoreSessions(allow bool) {
	s.mu.Lock()
	s.allowMoreSessions = allow
	s.mu.Unlock()
}

// AllowMoreSessions reports the current value set by
// SetAllowMoreSessions.
func (s *Service) AllowMoreSessions() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allowMoreSessions
}

// WritePacket implements channel.Sender, forwarding straight to the
// underlying transport connection.
func (s *Service) WritePacket(payload []byte) error {
	return s.conn.WritePacket(payload)
}

// OnDisconnect installs the callback invoked when process() decides the
// session must be disconnected (protocol errors, auth tuple mismatch).
func (s *Service) OnDisconnect(fn func(reason uint32, msg string)) {
	s.mu.Lock()
	s.onDisconnect = fn
	s.mu.Unlock()
}

func (s *Service) disconnect(reason uint32, msg string) {
	s.mu.Lock()
	fn := s.onDisconnect
	log := s.log
	s.mu.Unlock()
	log.Warn("connsvc: disconnecting", "reason", reason, "msg", msg)
	if fn != nil {
		fn(reason, msg)
	}
}

// RegisterChannelType installs the open handler used for inbound
// CHANNEL_OPEN requests of the given type ("session", "direct-tcpip", ...).
func (s *Service) RegisterChannelType(ctype string, handler OpenHandlerFunc) {
	s.mu.Lock()
	s.factories[ctype] = handler
	s.mu.Unlock()
}

// AddGlobalRequestHandler appends a handler to the global-request chain.
func (s *Service) AddGlobalRequestHandler(h GlobalRequestHandlerFunc) {
	s.mu.Lock()
	s.globalHandlers = append(s.globalHandlers, h)
	s.mu.Unlock()
}

// ChannelByID returns the registered channel with the given local id, or
// nil if none exists (including after it has closed and been unregistered).
func (s *Service) ChannelByID(id uint32) *channel.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channels[id]
}

func (s *Service) register(ch *channel.Channel) {
	s.mu.Lock()
	s.channels[ch.LocalID()] = ch
	s.mu.Unlock()
}

func (s *Service) unregister(id uint32) {
	s.mu.Lock()
	_, existed := s.channels[id]
	delete(s.channels, id)
	sem := s.sem
	s.mu.Unlock()
	if existed && sem != nil {
		sem.Release(1)
	}
}

func (s *Service) allocateID() (uint32, error) {
	if s.sem != nil && !s.sem.TryAcquire(1) {
		return 0, fmt.Errorf("connsvc: max_channels reached")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	return id, nil
}

// OpenChannel starts an outbound CHANNEL_OPEN of the given type, returning
// the Channel immediately (in Opening state); callers await
// ch.OpenFuture() for the confirmation/failure outcome.
func (s *Service) OpenChannel(ctype string, extra []byte) (*channel.Channel, error) {
	s.mu.Lock()
	closing := s.closing
	s.mu.Unlock()
	if closing {
		return nil, &ProtocolError{Msg: "service is closing"}
	}

	localID, err := s.allocateID()
	if err != nil {
		return nil, err
	}
	ch := channel.New(ctype, localID, DefaultLocalWindowSize, DefaultLocalPacketSize, s)
	s.register(ch)

	buf := wire.NewBuffer()
	buf.PutByte(wire.MsgChannelOpen)
	buf.PutText(ctype)
	buf.PutUint32(localID)
	buf.PutUint32(DefaultLocalWindowSize)
	buf.PutUint32(DefaultLocalPacketSize)
	buf.PutBytes(extra)
	if err := s.conn.WritePacket(buf.Bytes()); err != nil {
		s.unregister(localID)
		return nil, err
	}

	ch.CloseFuture().AddListener(func(interface{}) { s.unregister(localID) })
	return ch, nil
}

// OnMessage implements transport.Handler: it is the single entry point
// that decodes cmd and dispatches per spec §4.5. The caller (the owning
// transport.Conn) is required to invoke this serially.
func (s *Service) OnMessage(cmd byte, payload []byte) {
	buf := wire.NewBufferFrom(payload)
	switch cmd {
	case wire.MsgChannelOpen:
		s.handleChannelOpen(buf)
	case wire.MsgChannelOpenConfirmation:
		s.withChannel(buf, func(ch *channel.Channel, b *wire.Buffer) {
			remoteID, _ := b.GetUint32()
			rwsize, _ := b.GetUint32()
			rpsize, _ := b.GetUint32()
			ch.OpenConfirmed(remoteID, rwsize, rpsize)
		})
	case wire.MsgChannelOpenFailure:
		s.withChannel(buf, func(ch *channel.Channel, b *wire.Buffer) {
			reason, _ := b.GetUint32()
			msg, _ := b.GetText()
			ch.OpenFailed(reason, msg)
		})
	case wire.MsgChannelData:
		s.withChannel(buf, func(ch *channel.Channel, b *wire.Buffer) {
			data, err := b.GetString()
			if err != nil {
				s.disconnect(wire.DisconnectProtocolError, err.Error())
				return
			}
			if err := ch.HandleData(data); err != nil {
				s.disconnect(wire.DisconnectProtocolError, err.Error())
			}
		})
	case wire.MsgChannelExtendedData:
		s.withChannel(buf, func(ch *channel.Channel, b *wire.Buffer) {
			dtype, _ := b.GetUint32()
			data, err := b.GetString()
			if err != nil {
				s.disconnect(wire.DisconnectProtocolError, err.Error())
				return
			}
			if err := ch.HandleExtendedData(dtype, data); err != nil {
				s.disconnect(wire.DisconnectProtocolError, err.Error())
			}
		})
	case wire.MsgChannelEOF:
		s.withChannel(buf, func(ch *channel.Channel, b *wire.Buffer) { ch.HandleEOF() })
	case wire.MsgChannelClose:
		s.withChannel(buf, func(ch *channel.Channel, b *wire.Buffer) { ch.HandleClose() })
	case wire.MsgChannelWindowAdjust:
		s.withChannel(buf, func(ch *channel.Channel, b *wire.Buffer) {
			n, _ := b.GetUint32()
			ch.HandleWindowAdjust(n)
		})
	case wire.MsgChannelRequest:
		s.withChannel(buf, func(ch *channel.Channel, b *wire.Buffer) {
			reqType, _ := b.GetText()
			wantReply, _ := b.GetBoolean()
			ch.HandleRequest(reqType, wantReply, b.Bytes())
		})
	case wire.MsgChannelSuccess, wire.MsgChannelFailure:
		// Replies to channel requests *we* sent are the caller's concern
		// (it registered its own future/queue at SendRequest time); the
		// registry lookup still validates the channel id per spec §4.5.
		s.withChannel(buf, func(ch *channel.Channel, b *wire.Buffer) {})
	case wire.MsgGlobalRequest:
		s.handleGlobalRequest(buf)
	case wire.MsgRequestSuccess:
		s.handleGlobalReply(true, payload)
	case wire.MsgRequestFailure:
		s.handleGlobalReply(false, payload)
	default:
		// Unknown connection-layer message: the spec scopes this package
		// to the RFC 4254 subset above; anything else is a no-op rather
		// than a disconnect, since auth/transport messages share the
		// same dispatch loop in some embeddings.
	}
}

func (s *Service) withChannel(b *wire.Buffer, fn func(ch *channel.Channel, b *wire.Buffer)) {
	id, err := b.GetUint32()
	if err != nil {
		s.disconnect(wire.DisconnectProtocolError, err.Error())
		return
	}
	ch := s.ChannelByID(id)
	if ch == nil {
		s.disconnect(wire.DisconnectProtocolError, fmt.Sprintf("received message on unknown channel %d", id))
		return
	}
	fn(ch, b)
}

func (s *Service) handleChannelOpen(b *wire.Buffer) {
	ctype, err := b.GetText()
	if err != nil {
		s.disconnect(wire.DisconnectProtocolError, err.Error())
		return
	}
	peerID, err := b.GetUint32()
	if err != nil {
		s.disconnect(wire.DisconnectProtocolError, err.Error())
		return
	}
	rwsize, _ := b.GetUint32()
	rpsize, _ := b.GetUint32()
	extra := b.Bytes()

	s.mu.Lock()
	closing := s.closing
	allowMoreSessions := s.allowMoreSessions
	handler, ok := s.factories[ctype]
	log := s.log
	s.mu.Unlock()

	if closing {
		s.sendOpenFailure(peerID, wire.OpenAdministrativelyProhibited, "service is closing")
		return
	}
	if !allowMoreSessions {
		s.sendOpenFailure(peerID, wire.OpenAdministrativelyProhibited, "no more sessions allowed")
		return
	}
	if !ok {
		s.sendOpenFailure(peerID, wire.OpenUnknownChannelType, fmt.Sprintf("unknown channel type %q", ctype))
		return
	}

	localID, err := s.allocateID()
	if err != nil {
		log.Warn("connsvc: channel open rejected", "type", ctype, "err", err)
		s.sendOpenFailure(peerID, wire.OpenResourceShortage, err.Error())
		return
	}
	log.Debug("connsvc: channel opened", "type", ctype, "id", localID)
	ch := channel.New(ctype, localID, DefaultLocalWindowSize, DefaultLocalPacketSize, s)
	s.register(ch)

	ch.OpenFuture().AddListener(func(v interface{}) {
		if v == nil {
			buf := wire.NewBuffer()
			buf.PutByte(wire.MsgChannelOpenConfirmation)
			buf.PutUint32(peerID)
			buf.PutUint32(localID)
			buf.PutUint32(DefaultLocalWindowSize)
			buf.PutUint32(DefaultLocalPacketSize)
			s.conn.WritePacket(buf.Bytes())
			return
		}
		s.unregister(localID)
		if oe, ok := v.(*channel.OpenError); ok {
			s.sendOpenFailure(peerID, oe.Reason, oe.Message)
		} else {
			s.sendOpenFailure(peerID, 0, "Error opening channel")
		}
	})
	ch.CloseFuture().AddListener(func(interface{}) { s.unregister(localID) })

	handler(s, ch, peerID, rwsize, rpsize, extra)
}

func (s *Service) sendOpenFailure(peerID, reason uint32, msg string) {
	buf := wire.NewBuffer()
	buf.PutByte(wire.MsgChannelOpenFailure)
	buf.PutUint32(peerID)
	buf.PutUint32(reason)
	buf.PutText(msg)
	buf.PutText("")
	s.conn.WritePacket(buf.Bytes())
}

func (s *Service) handleGlobalRequest(b *wire.Buffer) {
	name, err := b.GetText()
	if err != nil {
		s.disconnect(wire.DisconnectProtocolError, err.Error())
		return
	}
	wantReply, err := b.GetBoolean()
	if err != nil {
		s.disconnect(wire.DisconnectProtocolError, err.Error())
		return
	}
	rest := b.Bytes()

	s.mu.Lock()
	handlers := make([]GlobalRequestHandlerFunc, len(s.globalHandlers))
	copy(handlers, s.globalHandlers)
	s.mu.Unlock()

	result := RequestResult(Unsupported)
	var reply []byte
	for _, h := range handlers {
		r, rp := h(s, name, wantReply, rest)
		if r != Unsupported {
			result, reply = r, rp
			break
		}
	}
	if !wantReply || result == Replied {
		return
	}
	buf := wire.NewBuffer()
	if result == ReplySuccess {
		buf.PutByte(wire.MsgRequestSuccess)
	} else {
		buf.PutByte(wire.MsgRequestFailure)
	}
	buf.PutBytes(reply)
	s.conn.WritePacket(buf.Bytes())
}

// SendGlobalRequest emits an SSH_MSG_GLOBAL_REQUEST and, when wantReply is
// true, returns a Future that completes with the reply payload (as
// []byte) once REQUEST_SUCCESS arrives, or with an error on
// REQUEST_FAILURE. Replies are matched strictly in send order, per RFC
// 4254's requirement that global-request replies come back FIFO.
func (s *Service) SendGlobalRequest(name string, wantReply bool, payload []byte) (*future.Future, error) {
	buf := wire.NewBuffer()
	buf.PutByte(wire.MsgGlobalRequest)
	buf.PutText(name)
	buf.PutBoolean(wantReply)
	buf.PutBytes(payload)

	var f *future.Future
	if wantReply {
		f = future.New()
		s.mu.Lock()
		s.pendingGlobal = append(s.pendingGlobal, f)
		s.mu.Unlock()
	}
	if err := s.conn.WritePacket(buf.Bytes()); err != nil {
		return nil, err
	}
	return f, nil
}

func (s *Service) handleGlobalReply(success bool, payload []byte) {
	s.mu.Lock()
	if len(s.pendingGlobal) == 0 {
		s.mu.Unlock()
		return
	}
	f := s.pendingGlobal[0]
	s.pendingGlobal = s.pendingGlobal[1:]
	s.mu.Unlock()

	if success {
		f.SetValue(payload)
	} else {
		f.SetValue(fmt.Errorf("connsvc: global request failed"))
	}
}

// Close tears down the session per spec §5's resource lifecycle: marks
// the service closing (refusing further CHANNEL_OPEN), then closes every
// registered channel in parallel, then the transport connection itself.
// Callers that also own forwarders must close them first, sequentially,
// before calling Close.
func (s *Service) Close() error {
	s.mu.Lock()
	s.closing = true
	chans := make([]*channel.Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		chans = append(chans, ch)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, ch := range chans {
		wg.Add(1)
		go func(ch *channel.Channel) {
			defer wg.Done()
			ch.Close()
			ch.CloseFuture().Await(5 * time.Second)
		}(ch)
	}
	wg.Wait()

	s.mu.Lock()
	s.channels = make(map[uint32]*channel.Channel)
	s.mu.Unlock()

	return s.conn.Close()
}
