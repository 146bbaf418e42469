package sftp

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sngardner/mina-sshd/connsvc"
	"github.com/sngardner/mina-sshd/session"
	"github.com/sngardner/mina-sshd/transport"
	"github.com/sngardner/mina-sshd/wire"
)

func newPairedServices(t *testing.T) (*connsvc.Service, *connsvc.Service, func()) {
	a, b := transport.NewPipePair()
	svcA := connsvc.New(a, 0)
	svcB := connsvc.New(b, 0)
	go a.Serve(svcA)
	go b.Serve(svcB)
	return svcA, svcB, func() { a.Close(); b.Close() }
}

type sftpRW struct {
	io.Reader
	io.Writer
}

func dialSftpChannel(t *testing.T, root string) (sftpRW, func()) {
	client, server, cleanup := newPairedServices(t)

	sub := &Subsystem{Root: root}
	srv := &session.Server{Subsystems: map[string]session.SubsystemHandler{"sftp": sub.Handle}}
	server.RegisterChannelType(wire.ChannelTypeSession, srv.Open)

	ch, err := client.OpenChannel(wire.ChannelTypeSession, nil)
	require.NoError(t, err)
	_, ok := ch.OpenFuture().Await(2 * time.Second)
	require.True(t, ok)

	require.NoError(t, ch.SendRequest(wire.ChannelRequestSubsystem, true, session.Subsystem{Name: "sftp"}.Marshal()))

	return sftpRW{ch.Stdout(), ch}, cleanup
}

func dialSftpClient(t *testing.T, root string) (*Client, func()) {
	rw, cleanup := dialSftpChannel(t, root)
	sc, err := NewClient(rw)
	require.NoError(t, err)
	return sc, cleanup
}

func TestClientWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	sc, cleanup := dialSftpClient(t, dir)
	defer cleanup()
	defer sc.Close()

	h, err := sc.Open("hello.txt", FlagWrite|FlagCreat|FlagTrunc, Attrs{})
	require.NoError(t, err)
	require.NoError(t, sc.Write(h, 0, []byte("hello sftp")))
	require.NoError(t, sc.CloseHandle(h))

	h, err = sc.Open("hello.txt", FlagRead, Attrs{})
	require.NoError(t, err)
	data, err := sc.Read(h, 0, 64)
	require.NoError(t, err)
	assert.Equal(t, "hello sftp", string(data))
	require.NoError(t, sc.CloseHandle(h))

	on, err := os.ReadFile(filepath.Join(dir, "hello.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello sftp", string(on))
}

func TestClientMkdirAndReaddir(t *testing.T) {
	dir := t.TempDir()
	sc, cleanup := dialSftpClient(t, dir)
	defer cleanup()
	defer sc.Close()

	require.NoError(t, sc.Mkdir("subdir", Attrs{}))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "subdir", "a.txt"), []byte("a"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "subdir", "b.txt"), []byte("b"), 0644))

	h, err := sc.Opendir("subdir")
	require.NoError(t, err)

	names := map[string]bool{}
	for {
		entries, err := sc.Readdir(h)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		for _, e := range entries {
			names[e.Filename] = true
		}
	}
	assert.True(t, names["a.txt"])
	assert.True(t, names["b.txt"])
	require.NoError(t, sc.CloseHandle(h))
}

func TestClientStatAndRemove(t *testing.T) {
	dir := t.TempDir()
	sc, cleanup := dialSftpClient(t, dir)
	defer cleanup()
	defer sc.Close()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "f.txt"), []byte("1234567"), 0644))

	attrs, err := sc.Stat("f.txt")
	require.NoError(t, err)
	assert.Equal(t, uint64(7), attrs.Size)

	require.NoError(t, sc.Remove("f.txt"))
	_, err = sc.Stat("f.txt")
	assert.Error(t, err)
}

func TestClientRealpath(t *testing.T) {
	dir := t.TempDir()
	sc, cleanup := dialSftpClient(t, dir)
	defer cleanup()
	defer sc.Close()

	abs, err := sc.Realpath(".")
	require.NoError(t, err)
	assert.NotEmpty(t, abs)
}

func TestClientRenameAndMkdirRmdir(t *testing.T) {
	dir := t.TempDir()
	sc, cleanup := dialSftpClient(t, dir)
	defer cleanup()
	defer sc.Close()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "old.txt"), []byte("x"), 0644))
	require.NoError(t, sc.Rename("old.txt", "new.txt"))
	_, err := os.Stat(filepath.Join(dir, "new.txt"))
	require.NoError(t, err)

	require.NoError(t, sc.Mkdir("empty", Attrs{}))
	require.NoError(t, sc.Rmdir("empty"))
	_, err = os.Stat(filepath.Join(dir, "empty"))
	assert.True(t, os.IsNotExist(err))
}

// TestVersionNegotiationV6 exercises the mandatory end-to-end path: a
// client offering version 6 gets back VERSION version=6 from the
// server, and the resulting Client negotiates v4+ attribute encoding
// (owner/group strings rather than numeric uid/gid) plus v6 hard links.
func TestVersionNegotiationV6(t *testing.T) {
	dir := t.TempDir()
	sc, cleanup := dialSftpClient(t, dir)
	defer cleanup()
	defer sc.Close()

	assert.EqualValues(t, MaxProtocolVersion, sc.version)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "orig.txt"), []byte("link me"), 0644))
	attrs, err := sc.Stat("orig.txt")
	require.NoError(t, err)
	assert.NotEmpty(t, attrs.Owner)
	assert.NotEmpty(t, attrs.Group)
	assert.Equal(t, byte(FileTypeRegular), attrs.Type)

	require.NoError(t, sc.Link("orig.txt", "hard.txt", false))
	data, err := os.ReadFile(filepath.Join(dir, "hard.txt"))
	require.NoError(t, err)
	assert.Equal(t, "link me", string(data))

	require.NoError(t, sc.Link("orig.txt", "soft.txt", true))
	target, err := os.Readlink(filepath.Join(dir, "soft.txt"))
	require.NoError(t, err)
	assert.Equal(t, "orig.txt", target)
}

// TestVersionNegotiationDownToV3 drives the wire protocol directly
// (bypassing NewClient, which always offers MaxProtocolVersion) to
// confirm the server still negotiates down to, and correctly speaks,
// protocol version 3 for an older client: classic pflags on OPEN and a
// NAME response that carries the v3-only longname field.
func TestVersionNegotiationDownToV3(t *testing.T) {
	dir := t.TempDir()
	rw, cleanup := dialSftpChannel(t, dir)
	defer cleanup()

	initBody := wire.NewBuffer()
	initBody.PutUint32(3)
	_, err := rw.Write(EncodePacket(TypeInit, 0, initBody.Bytes()))
	require.NoError(t, err)

	typ, payload, err := readPacket(rw)
	require.NoError(t, err)
	require.Equal(t, byte(TypeVersion), typ)
	version, err := wire.NewBufferFrom(payload).GetUint32()
	require.NoError(t, err)
	assert.EqualValues(t, 3, version)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "v3.txt"), []byte("xyz"), 0644))

	openBody := wire.NewBuffer()
	openBody.PutText("v3.txt")
	openBody.PutUint32(FlagRead)
	Attrs{}.Marshal(openBody, 3)
	_, err = rw.Write(EncodePacket(TypeOpen, 1, openBody.Bytes()))
	require.NoError(t, err)

	typ, payload, err = readPacket(rw)
	require.NoError(t, err)
	require.Equal(t, byte(TypeHandle), typ)
	id, err := wire.NewBufferFrom(payload).GetUint32()
	require.NoError(t, err)
	assert.EqualValues(t, 1, id)

	realpathBody := wire.NewBuffer()
	realpathBody.PutText(".")
	_, err = rw.Write(EncodePacket(TypeRealpath, 2, realpathBody.Bytes()))
	require.NoError(t, err)

	typ, payload, err = readPacket(rw)
	require.NoError(t, err)
	require.Equal(t, byte(TypeName), typ)
	buf := wire.NewBufferFrom(payload)
	_, err = buf.GetUint32() // request id
	require.NoError(t, err)
	count, err := buf.GetUint32()
	require.NoError(t, err)
	require.EqualValues(t, 1, count)
	_, err = buf.GetText() // filename
	require.NoError(t, err)
	_, err = buf.GetText() // v3-only longname
	require.NoError(t, err, "v3 NAME response must carry a longname field")
}
