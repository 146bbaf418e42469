package auth

import (
	"fmt"

	"golang.org/x/crypto/ssh"

	"github.com/sngardner/mina-sshd/wire"
)

// Signer produces a signature over an arbitrary blob, matching
// ssh.Signer's shape so real key types (loaded via ssh.ParsePrivateKey)
// plug in directly.
type Signer interface {
	PublicKey() ssh.PublicKey
	Sign(data []byte) (*ssh.Signature, error)
}

// ClientRequest builds one SSH_MSG_USERAUTH_REQUEST payload, the mirror
// image of Server.HandleRequest, per RFC 4252 §5.
type ClientRequest struct {
	User    string
	Service string
}

// None builds a "none" request, typically sent first to discover which
// methods the server will accept.
func (r ClientRequest) None() []byte {
	buf := wire.NewBuffer()
	buf.PutText(r.User)
	buf.PutText(r.Service)
	buf.PutText("none")
	return buf.Bytes()
}

// Password builds a "password" request.
func (r ClientRequest) Password(password string) []byte {
	buf := wire.NewBuffer()
	buf.PutText(r.User)
	buf.PutText(r.Service)
	buf.PutText("password")
	buf.PutBoolean(false)
	buf.PutText(password)
	return buf.Bytes()
}

// PublicKeyProbe builds a has-signature=false "publickey" request to
// check acceptability before signing.
func (r ClientRequest) PublicKeyProbe(key ssh.PublicKey) []byte {
	buf := wire.NewBuffer()
	buf.PutText(r.User)
	buf.PutText(r.Service)
	buf.PutText("publickey")
	buf.PutBoolean(false)
	buf.PutText(key.Type())
	buf.PutString(key.Marshal())
	return buf.Bytes()
}

// PublicKey builds a signed "publickey" request. sessionID is the
// session id negotiated by the (out-of-scope) key-exchange layer.
func (r ClientRequest) PublicKey(sessionID []byte, signer Signer) ([]byte, error) {
	key := signer.PublicKey()
	algo := key.Type()
	blob := key.Marshal()

	signed := wire.NewBuffer()
	signed.PutString(sessionID)
	signed.PutByte(wire.MsgUserAuthRequest)
	signed.PutText(r.User)
	signed.PutText(r.Service)
	signed.PutText("publickey")
	signed.PutBoolean(true)
	signed.PutText(algo)
	signed.PutString(blob)

	sig, err := signer.Sign(signed.Bytes())
	if err != nil {
		return nil, fmt.Errorf("auth: signing publickey request: %w", err)
	}

	buf := wire.NewBuffer()
	buf.PutText(r.User)
	buf.PutText(r.Service)
	buf.PutText("publickey")
	buf.PutBoolean(true)
	buf.PutText(algo)
	buf.PutString(blob)
	buf.PutString(ssh.Marshal(sig))
	return buf.Bytes(), nil
}

// ServerReply is the decoded form of whichever USERAUTH_* message the
// server sent in response to a request, the client-side mirror of Reply.
type ServerReply struct {
	Success        bool
	PartialSuccess bool
	Remaining      []string
	PkOK           bool
	PkAlgo         string
	PkBlob         []byte
	Banner         string
}

// DecodeFailure parses a USERAUTH_FAILURE payload: name-list of
// remaining methods, boolean partial success.
func DecodeFailure(payload []byte) (ServerReply, error) {
	buf := wire.NewBufferFrom(payload)
	methods, err := buf.GetNameList()
	if err != nil {
		return ServerReply{}, err
	}
	partial, err := buf.GetBoolean()
	if err != nil {
		return ServerReply{}, err
	}
	return ServerReply{Remaining: methods, PartialSuccess: partial}, nil
}

// DecodePkOK parses a USERAUTH_PK_OK payload: the algorithm and key blob
// the server is willing to accept a signature for.
func DecodePkOK(payload []byte) (ServerReply, error) {
	buf := wire.NewBufferFrom(payload)
	algo, err := buf.GetText()
	if err != nil {
		return ServerReply{}, err
	}
	blob, err := buf.GetString()
	if err != nil {
		return ServerReply{}, err
	}
	return ServerReply{PkOK: true, PkAlgo: algo, PkBlob: blob}, nil
}

// DecodeBanner parses a USERAUTH_BANNER payload: message text and a
// (conventionally ignored) language tag.
func DecodeBanner(payload []byte) (ServerReply, error) {
	buf := wire.NewBufferFrom(payload)
	text, err := buf.GetText()
	if err != nil {
		return ServerReply{}, err
	}
	return ServerReply{Banner: text}, nil
}

// Chain drives one client-side attempt through an ordered list of
// methods, advancing to the next candidate whenever the server reports a
// method as still acceptable but this one failed or wasn't attempted.
// It does not itself perform I/O; callers feed it server replies and
// read back which method to try next from Next.
type Chain struct {
	candidates []string
	tried      map[string]bool
}

// NewChain builds a driver that will try methods in the given priority
// order, skipping any the server's USERAUTH_FAILURE doesn't list.
func NewChain(methods []string) *Chain {
	return &Chain{candidates: methods, tried: make(map[string]bool)}
}

// Next picks the next untried method acceptable to the server, given the
// method list from the most recent USERAUTH_FAILURE (nil on the very
// first call, meaning "anything is worth trying").
func (c *Chain) Next(remaining []string) (string, bool) {
	accepted := func(string) bool { return true }
	if remaining != nil {
		set := make(map[string]bool, len(remaining))
		for _, m := range remaining {
			set[m] = true
		}
		accepted = func(m string) bool { return set[m] }
	}
	for _, m := range c.candidates {
		if !c.tried[m] && accepted(m) {
			c.tried[m] = true
			return m, true
		}
	}
	return "", false
}
