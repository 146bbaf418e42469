package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/sngardner/mina-sshd/wire"
)

type testSession struct {
	addr      string
	sessionID []byte
}

func (s *testSession) RemoteAddr() string { return s.addr }
func (s *testSession) SessionID() []byte  { return s.sessionID }

func newTestSession() *testSession {
	return &testSession{addr: "127.0.0.1:22", sessionID: []byte("fixed-test-session-id")}
}

func newEd25519Signer(t *testing.T) ssh.Signer {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromSigner(priv)
	require.NoError(t, err)
	return signer
}

type sshSignerAdapter struct{ ssh.Signer }

func (a sshSignerAdapter) PublicKey() ssh.PublicKey { return a.Signer.PublicKey() }
func (a sshSignerAdapter) Sign(data []byte) (*ssh.Signature, error) {
	return a.Signer.Sign(rand.Reader, data)
}

// TestPublicKeyThenPasswordChain reproduces the scenario where
// AuthMethods = "publickey,password": a password-only attempt is
// rejected advertising just publickey, a valid publickey attempt
// reports partial success advertising just password, and the
// subsequent valid password attempt succeeds.
func TestPublicKeyThenPasswordChain(t *testing.T) {
	signer := newEd25519Signer(t)
	session := newTestSession()

	srv := NewServer([][]string{{"publickey", "password"}})
	srv.RegisterMethod("password", func() Method {
		return &PasswordMethod{Check: func(user, password string) bool {
			return user == "alice" && password == "correct-horse"
		}}
	})
	srv.RegisterMethod("publickey", func() Method {
		return &PublicKeyMethod{Check: func(user string, key ssh.PublicKey) bool {
			return user == "alice" && key.Type() == signer.PublicKey().Type()
		}}
	})

	req := ClientRequest{User: "alice", Service: "ssh-connection"}

	reply, err := srv.HandleRequest(session, req.Password("correct-horse"))
	require.NoError(t, err)
	assert.False(t, reply.Success)
	assert.False(t, reply.PartialSuccess)
	assert.Equal(t, []string{"publickey"}, reply.Remaining)

	pkPayload, err := req.PublicKey(session.SessionID(), sshSignerAdapter{signer})
	require.NoError(t, err)
	reply, err = srv.HandleRequest(session, pkPayload)
	require.NoError(t, err)
	assert.False(t, reply.Success)
	assert.True(t, reply.PartialSuccess)
	assert.Equal(t, []string{"password"}, reply.Remaining)
	assert.False(t, srv.IsAuthenticated())

	reply, err = srv.HandleRequest(session, req.Password("correct-horse"))
	require.NoError(t, err)
	assert.True(t, reply.Success)
	assert.True(t, srv.IsAuthenticated())
}

func TestPublicKeyProbeThenSignedFollowUp(t *testing.T) {
	signer := newEd25519Signer(t)
	session := newTestSession()

	srv := NewServer([][]string{{"publickey"}})
	srv.RegisterMethod("publickey", func() Method {
		return &PublicKeyMethod{Check: func(user string, key ssh.PublicKey) bool { return true }}
	})

	req := ClientRequest{User: "bob", Service: "ssh-connection"}

	reply, err := srv.HandleRequest(session, req.PublicKeyProbe(signer.PublicKey()))
	require.NoError(t, err)
	assert.True(t, reply.Pending)

	pkPayload, err := req.PublicKey(session.SessionID(), sshSignerAdapter{signer})
	require.NoError(t, err)
	outcome, err := srv.HandleFollowUp(session, wire.MsgUserAuthRequest, pkPayload)
	require.NoError(t, err)
	assert.True(t, outcome.Success)
}

func TestUnknownMethodRejectedAdvertisesChainHead(t *testing.T) {
	session := newTestSession()
	srv := NewServer([][]string{{"publickey"}, {"password"}})
	srv.RegisterMethod("password", func() Method {
		return &PasswordMethod{Check: func(string, string) bool { return false }}
	})

	req := ClientRequest{User: "carol", Service: "ssh-connection"}
	reply, err := srv.HandleRequest(session, req.None())
	require.NoError(t, err)
	assert.False(t, reply.Success)
	assert.ElementsMatch(t, []string{"publickey", "password"}, reply.Remaining)
}

func TestUsernameMismatchDisconnects(t *testing.T) {
	session := newTestSession()
	srv := NewServer([][]string{{"password"}})
	srv.RegisterMethod("password", func() Method {
		return &PasswordMethod{Check: func(string, string) bool { return false }}
	})

	_, err := srv.HandleRequest(session, ClientRequest{User: "dave", Service: "ssh-connection"}.Password("x"))
	require.NoError(t, err)

	_, err = srv.HandleRequest(session, ClientRequest{User: "erin", Service: "ssh-connection"}.Password("x"))
	require.Error(t, err)
	var dErr *DisconnectError
	require.ErrorAs(t, err, &dErr)
	assert.Equal(t, uint32(2), dErr.Reason)
}

func TestMaxAttemptsExceededDisconnects(t *testing.T) {
	session := newTestSession()
	srv := NewServer([][]string{{"password"}})
	srv.SetMaxAttempts(2)
	srv.RegisterMethod("password", func() Method {
		return &PasswordMethod{Check: func(string, string) bool { return false }}
	})

	req := ClientRequest{User: "frank", Service: "ssh-connection"}
	_, err := srv.HandleRequest(session, req.Password("wrong"))
	require.NoError(t, err)
	_, err = srv.HandleRequest(session, req.Password("wrong"))
	require.NoError(t, err)
	_, err = srv.HandleRequest(session, req.Password("wrong"))
	require.Error(t, err)
}

func TestChainDriverSkipsMethodsServerDoesNotList(t *testing.T) {
	c := NewChain([]string{"publickey", "keyboard-interactive", "password"})
	m, ok := c.Next(nil)
	require.True(t, ok)
	assert.Equal(t, "publickey", m)

	m, ok = c.Next([]string{"password"})
	require.True(t, ok)
	assert.Equal(t, "password", m)

	_, ok = c.Next([]string{"password"})
	assert.False(t, ok)
}
