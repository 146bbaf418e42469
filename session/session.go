package session

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/anmitsu/go-shlex"
	"github.com/google/uuid"

	"github.com/sngardner/mina-sshd/agentrelay"
	"github.com/sngardner/mina-sshd/channel"
	"github.com/sngardner/mina-sshd/connsvc"
	"github.com/sngardner/mina-sshd/internal/ptyutil"
	"github.com/sngardner/mina-sshd/wire"
)

// SubsystemHandler runs a named subsystem (e.g. "sftp") against an
// already-open session; it owns the channel's lifetime and is
// responsible for closing it when done.
type SubsystemHandler func(s *Session)

// ShellFactory builds the *exec.Cmd a "shell" request should run; it
// receives the negotiated environment so TERM and any env requests are
// visible to the child.
type ShellFactory func(env []string) *exec.Cmd

// Server holds session-channel policy shared across every connection:
// which subsystems are registered and how to spawn an interactive shell.
// The zero value rejects shell and subsystem requests; exec requests run
// the requested command.
type Server struct {
	CopyBufSize int
	Shell       ShellFactory
	Subsystems  map[string]SubsystemHandler

	// AllowAgentForwarding, when true, honors auth-agent-req@openssh.com
	// requests by starting an agentrelay.ServerListener per session and
	// exporting its socket to spawned commands as SSH_AUTH_SOCK.
	AllowAgentForwarding bool
	// AgentSocketDir holds the per-session agent-relay sockets. Defaults
	// to os.TempDir() when empty.
	AgentSocketDir string

	// Logger receives session-open events and agent-forwarding setup
	// failures, tagged with each session's correlation id. A nil Logger
	// falls back to slog.Default(). The command-finished debug line is
	// always written to slog.Default().
	Logger *slog.Logger
}

func (srv *Server) logger() *slog.Logger {
	if srv.Logger != nil {
		return srv.Logger
	}
	return slog.Default()
}

// Open implements connsvc.OpenHandlerFunc for wire.ChannelTypeSession.
func (srv *Server) Open(svc *connsvc.Service, ch *channel.Channel, peerID, remoteWindowSize, remoteMaxPacket uint32, extra []byte) {
	ch.OpenConfirmed(peerID, remoteWindowSize, remoteMaxPacket)
	s := newSession(ch)
	s.svc = svc
	srv.logger().Info("session opened", "session_id", s.ID)
	ch.AddRequestHandler(func(ch *channel.Channel, reqType string, wantReply bool, payload []byte) channel.RequestResult {
		return srv.handleRequest(s, reqType, payload)
	})
	ch.CloseFuture().AddListener(func(interface{}) { s.stopAgentForwarding() })
}

// Session is one open "session" channel: its negotiated pty, environment,
// and the window-change/signal streams a running command consumes.
type Session struct {
	// ID correlates this session's log lines and request/response
	// traffic across the lifetime of the channel.
	ID string

	ch  *channel.Channel
	svc *connsvc.Service

	mu            sync.Mutex
	env           []string
	ptyReq        *PtyRequest
	winch         chan WindowChange
	sig           chan Signal
	started       bool
	agentListener *agentrelay.ServerListener
}

func newSession(ch *channel.Channel) *Session {
	return &Session{
		ID:    uuid.NewString(),
		ch:    ch,
		winch: make(chan WindowChange, 4),
		sig:   make(chan Signal, 4),
	}
}

func (srv *Server) handleRequest(s *Session, reqType string, payload []byte) channel.RequestResult {
	switch reqType {
	case wire.ChannelRequestPty:
		req, err := DecodePtyRequest(payload)
		if err != nil {
			return channel.ReplyFailure
		}
		s.mu.Lock()
		s.ptyReq = &req
		s.mu.Unlock()
		return channel.ReplySuccess

	case wire.ChannelRequestEnv:
		req, err := DecodeSetenv(payload)
		if err != nil {
			return channel.ReplyFailure
		}
		s.mu.Lock()
		s.env = append(s.env, req.Name+"="+req.Value)
		s.mu.Unlock()
		return channel.ReplySuccess

	case wire.ChannelRequestWindowChg:
		req, err := DecodeWindowChange(payload)
		if err != nil {
			return channel.ReplyFailure
		}
		select {
		case s.winch <- req:
		default:
		}
		return channel.ReplySuccess

	case wire.ChannelRequestAuthAgentReq:
		if !srv.AllowAgentForwarding {
			return channel.ReplyFailure
		}
		if err := s.startAgentForwarding(srv.AgentSocketDir); err != nil {
			srv.logger().Warn("agent forwarding setup failed", "session_id", s.ID, "err", err)
			return channel.ReplyFailure
		}
		return channel.ReplySuccess

	case wire.ChannelRequestSignal:
		req, err := DecodeSignal(payload)
		if err != nil {
			return channel.ReplyFailure
		}
		select {
		case s.sig <- req:
		default:
		}
		return channel.Replied // RFC 4254 §6.9: signal requests get no reply

	case wire.ChannelRequestShell:
		if srv.Shell == nil {
			return channel.ReplyFailure
		}
		if !s.claimStart() {
			return channel.ReplyFailure
		}
		go srv.runCommand(s, srv.Shell(s.Env()))
		return channel.ReplySuccess

	case wire.ChannelRequestExec:
		req, err := DecodeExec(payload)
		if err != nil {
			return channel.ReplyFailure
		}
		words, err := shlex.Split(req.Command, true)
		if err != nil || len(words) == 0 {
			return channel.ReplyFailure
		}
		if !s.claimStart() {
			return channel.ReplyFailure
		}
		cmd := exec.Command(words[0], words[1:]...)
		cmd.Env = s.Env()
		go srv.runCommand(s, cmd)
		return channel.ReplySuccess

	case wire.ChannelRequestSubsystem:
		req, err := DecodeSubsystem(payload)
		if err != nil {
			return channel.ReplyFailure
		}
		h, ok := srv.Subsystems[req.Name]
		if !ok {
			return channel.ReplyFailure
		}
		if !s.claimStart() {
			return channel.ReplyFailure
		}
		go h(s)
		return channel.ReplySuccess

	default:
		return channel.Unsupported
	}
}

// claimStart enforces that a session channel runs at most one
// shell/exec/subsystem for its whole lifetime, per RFC 4254 §6.5.
func (s *Session) claimStart() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return false
	}
	s.started = true
	return true
}

// Env returns the environment accumulated from env requests.
func (s *Session) Env() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.env...)
}

// Pty returns the most recent pty-req, if the client asked for one.
func (s *Session) Pty() (PtyRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ptyReq == nil {
		return PtyRequest{}, false
	}
	return *s.ptyReq, true
}

// Channel exposes the underlying channel for a custom SubsystemHandler
// (e.g. the sftp subsystem) to read/write directly.
func (s *Session) Channel() *channel.Channel { return s.ch }

// startAgentForwarding opens a per-session agentrelay.ServerListener and
// points SSH_AUTH_SOCK at it, so any command this session spawns talks to
// the real agent on the far end of s.svc via an auth-agent@openssh.com
// channel opened per connection.
func (s *Session) startAgentForwarding(dir string) error {
	if dir == "" {
		dir = os.TempDir()
	}
	sockPath := filepath.Join(dir, fmt.Sprintf("agent.%s.sock", s.ID))
	ln, err := agentrelay.Listen(s.svc, sockPath)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.agentListener = ln
	s.env = append(s.env, "SSH_AUTH_SOCK="+sockPath)
	s.mu.Unlock()
	return nil
}

func (s *Session) stopAgentForwarding() {
	s.mu.Lock()
	ln := s.agentListener
	s.agentListener = nil
	s.mu.Unlock()
	if ln != nil {
		ln.Close()
	}
}

// WindowChanges returns the channel of window-change notifications for a
// running pty-backed command to consume.
func (s *Session) WindowChanges() <-chan WindowChange { return s.winch }

// Signals returns the channel of signal-request notifications.
func (s *Session) Signals() <-chan Signal { return s.sig }

func (srv *Server) runCommand(s *Session, cmd *exec.Cmd) {
	if ptyReq, ok := s.Pty(); ok {
		srv.runWithPty(s, cmd, ptyReq)
		return
	}
	srv.runWithPipes(s, cmd)
}

func (srv *Server) runWithPipes(s *Session, cmd *exec.Cmd) {
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.finish(1)
		return
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		s.finish(1)
		return
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		s.finish(1)
		return
	}

	if err := cmd.Start(); err != nil {
		s.ch.Close()
		return
	}

	done := make(chan struct{})
	go srv.pumpSignals(s, cmd, done)
	go func() { io.Copy(stdin, s.ch.Stdout()); stdin.Close() }()
	go io.Copy(s.ch, stdout)
	go func() {
		buf := make([]byte, 32*1024)
		for {
			n, err := stderr.Read(buf)
			if n > 0 {
				s.ch.WriteExtended(wire.ExtendedDataStderr, buf[:n])
			}
			if err != nil {
				return
			}
		}
	}()

	err = cmd.Wait()
	close(done)
	s.finish(exitCode(cmd, err))
}

func (srv *Server) runWithPty(s *Session, cmd *exec.Cmd, req PtyRequest) {
	cmd.Env = append(cmd.Env, "TERM="+req.Term)
	ws := ptyutil.Winsize{Cols: req.Columns, Rows: req.Rows, WidthPixels: req.Width, HeightPixels: req.Height}
	f, err := ptyutil.Start(cmd, ws)
	if err != nil {
		s.ch.Close()
		return
	}
	defer f.Close()

	done := make(chan struct{})
	go srv.pumpSignals(s, cmd, done)
	go func() {
		for {
			select {
			case wc := <-s.winch:
				ptyutil.Resize(f, ptyutil.Winsize{Cols: wc.Columns, Rows: wc.Rows, WidthPixels: wc.Width, HeightPixels: wc.Height})
			case <-done:
				return
			}
		}
	}()

	go io.Copy(f, s.ch.Stdout())
	go io.Copy(s.ch, f)

	err = cmd.Wait()
	close(done)
	s.finish(exitCode(cmd, err))
}

func (srv *Server) pumpSignals(s *Session, cmd *exec.Cmd, done <-chan struct{}) {
	for {
		select {
		case sig := <-s.sig:
			if num, ok := signalNumbers[sig.Name]; ok && cmd.Process != nil {
				cmd.Process.Signal(num)
			}
		case <-done:
			return
		}
	}
}

func exitCode(cmd *exec.Cmd, waitErr error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	if waitErr != nil {
		return 1
	}
	return 0
}

func (s *Session) finish(code int) {
	slog.Default().Debug("session command finished", "session_id", s.ID, "exit_code", code)
	s.ch.SendExitStatus(uint32(code))
	s.ch.SendEOF()
	s.ch.Close()
}
