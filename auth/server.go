// Package auth implements the RFC 4252 user-authentication method-chain
// state machine described in spec §4.6: a server side that walks a
// configured disjunction of method chains to decide when a session is
// authenticated, and a client side that drives the same exchange from the
// other end.
package auth

import (
	"fmt"
	"strings"
	"sync"

	"github.com/sngardner/mina-sshd/wire"
)

// DefaultMaxAttempts is the default SSH_MSG_USERAUTH_REQUEST ceiling before
// a session is disconnected as abusive.
const DefaultMaxAttempts = 20

// Outcome is the tri-valued result of one authentication attempt: a method
// still negotiating further messages returns Pending; a terminal decision
// returns Accepted or Rejected.
type Outcome int

const (
	Pending Outcome = iota
	Accepted
	Rejected
)

// Method performs one authentication method's server-side logic. auth is
// called once per USERAUTH_REQUEST naming this method, and again (via
// Next) for every subsequent message belonging to a still-pending attempt.
type Method interface {
	// Auth evaluates the initial USERAUTH_REQUEST for this method; payload
	// is the method-specific fields following the method name.
	Auth(session Session, user, service string, payload []byte) Outcome
	// Next evaluates a follow-up message for a still-pending attempt
	// (e.g. the second round of keyboard-interactive, or a publickey
	// signature in the message after the initial probe). buf's read
	// cursor is rewound one byte so the message-type byte is visible.
	Next(session Session, buf *wire.Buffer) Outcome
}

// MethodFactory constructs a fresh Method instance for one attempt; server
// configuration registers these by (case-insensitive) method name.
type MethodFactory func() Method

// Session is the capability a Method needs from the owning connection:
// currently only the peer's remote address. Banners and disconnects are
// carried by Reply and DisconnectError, not by this interface.
type Session interface {
	RemoteAddr() string
}

// DisconnectError reports a fatal protocol violation that must tear the
// session down per spec §7 (username/service mismatch, attempt-count
// overflow).
type DisconnectError struct {
	Reason uint32
	Msg    string
}

func (e *DisconnectError) Error() string { return e.Msg }

// Server is the server-side USERAUTH_REQUEST state machine. The zero
// value is not usable; construct with NewServer.
type Server struct {
	mu sync.Mutex

	methods     map[string]MethodFactory
	chains      [][]string // OR of AND-sequences; each inner slice is consumed head-first
	maxAttempts int

	welcomeBanner string
	authedUser    string
	authedService string
	haveAuthed    bool
	attemptCount  int

	currentMethodName string
	currentMethod     Method

	authenticated bool
}

// NewServer constructs a Server whose acceptance condition is the
// disjunction of the given method chains, e.g. [["publickey","password"]]
// requires publickey then password; [["publickey"],["password"]] accepts
// either alone.
func NewServer(chains [][]string) *Server {
	return &Server{
		methods:     make(map[string]MethodFactory),
		chains:      copyChains(chains),
		maxAttempts: DefaultMaxAttempts,
	}
}

func copyChains(chains [][]string) [][]string {
	out := make([][]string, len(chains))
	for i, c := range chains {
		cp := make([]string, len(c))
		copy(cp, c)
		out[i] = cp
	}
	return out
}

// RegisterMethod installs a factory for the given method name
// (case-insensitive).
func (s *Server) RegisterMethod(name string, factory MethodFactory) {
	s.mu.Lock()
	s.methods[strings.ToLower(name)] = factory
	s.mu.Unlock()
}

// SetMaxAttempts overrides DefaultMaxAttempts.
func (s *Server) SetMaxAttempts(n int) {
	s.mu.Lock()
	s.maxAttempts = n
	s.mu.Unlock()
}

// SetWelcomeBanner installs the text sent via USERAUTH_BANNER immediately
// before USERAUTH_SUCCESS. Empty means no banner.
func (s *Server) SetWelcomeBanner(text string) {
	s.mu.Lock()
	s.welcomeBanner = text
	s.mu.Unlock()
}

// IsAuthenticated reports whether the session has completed every required
// chain.
func (s *Server) IsAuthenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticated
}

// Reply is what HandleRequest returns so the caller (the transport/session
// glue) knows which wire messages to send.
type Reply struct {
	// Banner, if non-empty, must be sent as USERAUTH_BANNER before Success.
	Banner string
	// Success, if true, means USERAUTH_SUCCESS and the requested service
	// should now start.
	Success bool
	// PartialSuccess is the partial-success flag on USERAUTH_FAILURE.
	PartialSuccess bool
	// Remaining lists the head-of-chain method names to report on failure.
	Remaining []string
	// Pending means no reply should be sent yet: the method is still
	// exchanging follow-up messages.
	Pending bool
}

// HandleRequest processes one SSH_MSG_USERAUTH_REQUEST. payload is
// everything after the message-type byte: user, service, method name, and
// method-specific fields.
func (s *Server) HandleRequest(session Session, payload []byte) (Reply, error) {
	buf := wire.NewBufferFrom(payload)
	user, err := buf.GetText()
	if err != nil {
		return Reply{}, err
	}
	service, err := buf.GetText()
	if err != nil {
		return Reply{}, err
	}
	methodName, err := buf.GetText()
	if err != nil {
		return Reply{}, err
	}

	s.mu.Lock()
	if s.authenticated {
		s.mu.Unlock()
		return Reply{}, &DisconnectError{Reason: wire.DisconnectProtocolError, Msg: "already authenticated"}
	}
	if !s.haveAuthed {
		s.authedUser, s.authedService, s.haveAuthed = user, service, true
	} else if s.authedUser != user || s.authedService != service {
		s.mu.Unlock()
		return Reply{}, &DisconnectError{Reason: wire.DisconnectProtocolError, Msg: "username/service changed mid-authentication"}
	}
	s.attemptCount++
	if s.attemptCount > s.maxAttempts {
		s.mu.Unlock()
		return Reply{}, &DisconnectError{Reason: wire.DisconnectProtocolError, Msg: "too many authentication attempts"}
	}
	factory, known := s.methods[strings.ToLower(methodName)]
	s.mu.Unlock()

	if !known {
		return s.rejected(methodName), nil
	}

	method := factory()
	s.mu.Lock()
	s.currentMethodName = methodName
	s.currentMethod = method
	s.mu.Unlock()

	outcome := method.Auth(session, user, service, buf.Bytes())
	return s.finish(methodName, outcome)
}

// HandleFollowUp routes a method-specific follow-up message (any message
// type the session doesn't otherwise recognize while an auth method is
// mid-exchange) to the current method's Next, after rewinding one byte so
// the message-type byte is visible to it.
func (s *Server) HandleFollowUp(session Session, msgType byte, payload []byte) (Reply, error) {
	s.mu.Lock()
	method := s.currentMethod
	name := s.currentMethodName
	s.mu.Unlock()
	if method == nil {
		return Reply{}, &DisconnectError{Reason: wire.DisconnectProtocolError, Msg: "no authentication method in progress"}
	}

	rewound := wire.NewBuffer()
	rewound.PutByte(msgType)
	rewound.PutBytes(payload)
	buf := wire.NewBufferFrom(rewound.Bytes())

	outcome := method.Next(session, buf)
	return s.finish(name, outcome)
}

func (s *Server) finish(methodName string, outcome Outcome) (Reply, error) {
	switch outcome {
	case Pending:
		return Reply{Pending: true}, nil
	case Rejected:
		s.mu.Lock()
		s.currentMethod = nil
		s.mu.Unlock()
		return s.rejected(methodName), nil
	case Accepted:
		return s.accept(methodName)
	default:
		return Reply{}, fmt.Errorf("auth: unknown outcome %d", outcome)
	}
}

func (s *Server) accept(methodName string) (Reply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentMethod = nil

	matched := false
	for i, chain := range s.chains {
		if len(chain) > 0 && strings.EqualFold(chain[0], methodName) {
			s.chains[i] = chain[1:]
			matched = true
		}
	}
	if !matched {
		// Valid credentials offered out of the configured chain order
		// count for nothing: a chain only advances at its current head.
		return Reply{PartialSuccess: false, Remaining: s.remainingHeadsLocked(true)}, nil
	}
	for _, chain := range s.chains {
		if len(chain) == 0 {
			s.authenticated = true
			break
		}
	}

	if s.authenticated {
		return Reply{Banner: s.welcomeBanner, Success: true}, nil
	}
	return Reply{PartialSuccess: true, Remaining: s.remainingHeadsLocked(false)}, nil
}

func (s *Server) rejected(methodName string) Reply {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Reply{PartialSuccess: false, Remaining: s.remainingHeadsLocked(true)}
}

// remainingHeadsLocked returns the deduplicated, order-preserving list of
// head-of-chain method names across every still-open chain. When
// excludeNone is true, "none" is dropped (RFC 4252 §5.2: a USERAUTH_FAILURE
// following a rejection must not advertise "none" as still viable).
func (s *Server) remainingHeadsLocked(excludeNone bool) []string {
	seen := make(map[string]bool)
	var out []string
	for _, chain := range s.chains {
		if len(chain) == 0 {
			continue
		}
		head := chain[0]
		lower := strings.ToLower(head)
		if excludeNone && lower == "none" {
			continue
		}
		if seen[lower] {
			continue
		}
		seen[lower] = true
		out = append(out, head)
	}
	return out
}
