package auth

import (
	"golang.org/x/crypto/ssh"

	"github.com/sngardner/mina-sshd/wire"
)

// SessionIdentity extends Session with the data the publickey method needs
// to build and check the RFC 4252 §7 signed blob: the negotiated session
// id from the (out-of-scope) key-exchange layer.
type SessionIdentity interface {
	Session
	SessionID() []byte
}

// NoneMethod implements the "none" authentication method: RFC 4252 §5.2
// requires servers to always reject it except to advertise the remaining
// method list, so Auth never accepts.
type NoneMethod struct{}

// Auth always rejects; "none" exists only so its USERAUTH_FAILURE response
// advertises the configured method chains to a probing client.
func (NoneMethod) Auth(Session, string, string, []byte) Outcome { return Rejected }

// Next is unreachable: "none" never returns Pending.
func (NoneMethod) Next(Session, *wire.Buffer) Outcome { return Rejected }

// PasswordCheckFunc validates a username/password pair.
type PasswordCheckFunc func(user, password string) bool

// PasswordMethod implements the "password" method: RFC 4252 §8. The
// request payload is (boolean change-password, string password); a
// change-password request is rejected outright since this layer has no
// password-store integration.
type PasswordMethod struct {
	Check PasswordCheckFunc
}

func (m *PasswordMethod) Auth(session Session, user, service string, payload []byte) Outcome {
	buf := wire.NewBufferFrom(payload)
	changeReq, err := buf.GetBoolean()
	if err != nil || changeReq {
		return Rejected
	}
	password, err := buf.GetText()
	if err != nil {
		return Rejected
	}
	if m.Check == nil || !m.Check(user, password) {
		return Rejected
	}
	return Accepted
}

func (m *PasswordMethod) Next(Session, *wire.Buffer) Outcome { return Rejected }

// PublicKeyCheckFunc decides whether a presented public key is acceptable
// for user, independent of whether the matching private key was proven.
type PublicKeyCheckFunc func(user string, key ssh.PublicKey) bool

// PublicKeyMethod implements the "publickey" method, RFC 4252 §7: a
// two-phase exchange where the client may first probe with has-signature
// = false to learn whether a key is worth signing with, then follow up
// with a signature over the session id.
type PublicKeyMethod struct {
	Check PublicKeyCheckFunc

	user, service string
	algo          string
	blob          []byte
	key           ssh.PublicKey
}

func (m *PublicKeyMethod) Auth(session Session, user, service string, payload []byte) Outcome {
	buf := wire.NewBufferFrom(payload)
	hasSig, err := buf.GetBoolean()
	if err != nil {
		return Rejected
	}
	algo, err := buf.GetText()
	if err != nil {
		return Rejected
	}
	blob, err := buf.GetString()
	if err != nil {
		return Rejected
	}
	key, err := ssh.ParsePublicKey(blob)
	if err != nil {
		return Rejected
	}
	if m.Check == nil || !m.Check(user, key) {
		return Rejected
	}
	if !hasSig {
		// The client is only probing; a real server would reply
		// USERAUTH_PK_OK here and wait for the signed follow-up. That
		// reply is a session-layer concern (it isn't one of FAILURE/
		// SUCCESS/BANNER), so callers consult Outcome == Pending and
		// send USERAUTH_PK_OK(algo, blob) themselves before the next
		// HandleFollowUp call.
		m.user, m.service, m.algo, m.blob, m.key = user, service, algo, blob, key
		return Pending
	}
	sig, err := buf.GetString()
	if err != nil {
		return Rejected
	}
	ident, ok := session.(SessionIdentity)
	if !ok {
		return Rejected
	}
	if !verifySignature(ident.SessionID(), user, service, algo, blob, sig, key) {
		return Rejected
	}
	return Accepted
}

func (m *PublicKeyMethod) Next(session Session, buf *wire.Buffer) Outcome {
	if _, err := buf.GetByte(); err != nil { // rewound USERAUTH_REQUEST type byte
		return Rejected
	}
	if _, err := buf.GetText(); err != nil { // user
		return Rejected
	}
	if _, err := buf.GetText(); err != nil { // service
		return Rejected
	}
	if _, err := buf.GetText(); err != nil { // "publickey"
		return Rejected
	}
	hasSig, err := buf.GetBoolean()
	if err != nil || !hasSig {
		return Rejected
	}
	algo, err := buf.GetText()
	if err != nil || algo != m.algo {
		return Rejected
	}
	blob, err := buf.GetString()
	if err != nil || string(blob) != string(m.blob) {
		return Rejected
	}
	sig, err := buf.GetString()
	if err != nil {
		return Rejected
	}
	ident, ok := session.(SessionIdentity)
	if !ok {
		return Rejected
	}
	if !verifySignature(ident.SessionID(), m.user, m.service, m.algo, m.blob, sig, m.key) {
		return Rejected
	}
	return Accepted
}

func verifySignature(sessionID []byte, user, service, algo string, blob, sig []byte, key ssh.PublicKey) bool {
	signed := wire.NewBuffer()
	signed.PutString(sessionID)
	signed.PutByte(wire.MsgUserAuthRequest)
	signed.PutText(user)
	signed.PutText(service)
	signed.PutText("publickey")
	signed.PutBoolean(true)
	signed.PutText(algo)
	signed.PutString(blob)

	var sshSig ssh.Signature
	if err := ssh.Unmarshal(sig, &sshSig); err != nil {
		return false
	}
	return key.Verify(signed.Bytes(), &sshSig) == nil
}
