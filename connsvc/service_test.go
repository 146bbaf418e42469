package connsvc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sngardner/mina-sshd/channel"
	"github.com/sngardner/mina-sshd/transport"
	"github.com/sngardner/mina-sshd/wire"
)

func autoAcceptSession(svc *Service, ch *channel.Channel, peerID, rwsize, rpsize uint32, extra []byte) {
	ch.OpenConfirmed(peerID, rwsize, rpsize)
}

func newPairedServices(t *testing.T) (*Service, *Service, func()) {
	a, b := transport.NewPipePair()
	svcA := New(a, 0)
	svcB := New(b, 0)
	go a.Serve(svcA)
	go b.Serve(svcB)
	return svcA, svcB, func() { a.Close(); b.Close() }
}

func TestChannelOpenEchoClose(t *testing.T) {
	client, server, cleanup := newPairedServices(t)
	defer cleanup()
	server.RegisterChannelType(wire.ChannelTypeSession, autoAcceptSession)

	ch, err := client.OpenChannel(wire.ChannelTypeSession, nil)
	require.NoError(t, err)

	v, ok := ch.OpenFuture().Await(2 * time.Second)
	require.True(t, ok)
	assert.Nil(t, v)
	assert.Equal(t, channel.Open, ch.State())

	serverCh := server.ChannelByID(0)
	require.NotNil(t, serverCh)

	serverCh.AddRequestHandler(func(ch *channel.Channel, reqType string, wantReply bool, payload []byte) channel.RequestResult {
		if reqType != wire.ChannelRequestShell {
			return channel.Unsupported
		}
		return channel.ReplySuccess
	})
	require.NoError(t, ch.SendRequest(wire.ChannelRequestShell, true, nil))
	time.Sleep(50 * time.Millisecond)

	// Echo: forward whatever server receives back to the client.
	go func() {
		buf := make([]byte, 64)
		for {
			n, err := serverCh.Stdout().Read(buf)
			if n > 0 {
				serverCh.Write(buf[:n])
			}
			if err != nil {
				return
			}
		}
	}()

	_, err = ch.Write([]byte("hi\n"))
	require.NoError(t, err)

	got := make([]byte, 3)
	readDone := make(chan error, 1)
	go func() {
		_, err := ch.Stdout().Read(got)
		readDone <- err
	}()
	select {
	case err := <-readDone:
		require.NoError(t, err)
		assert.Equal(t, "hi\n", string(got))
	case <-time.After(2 * time.Second):
		t.Fatal("echo never arrived")
	}

	require.NoError(t, ch.SendEOF())
	require.NoError(t, ch.Close())

	v, ok = ch.CloseFuture().Await(2 * time.Second)
	require.True(t, ok)
	_ = v
}

func TestUnknownChannelTypeRejected(t *testing.T) {
	client, _, cleanup := newPairedServices(t)
	defer cleanup()

	ch, err := client.OpenChannel("no-such-type", nil)
	require.NoError(t, err)

	v, ok := ch.OpenFuture().Await(2 * time.Second)
	require.True(t, ok)
	openErr, ok := v.(*channel.OpenError)
	require.True(t, ok)
	assert.Equal(t, wire.OpenUnknownChannelType, openErr.Reason)
}

func TestAllowMoreSessionsRejectsNewChannels(t *testing.T) {
	client, server, cleanup := newPairedServices(t)
	defer cleanup()
	server.RegisterChannelType(wire.ChannelTypeSession, autoAcceptSession)

	server.SetAllowMoreSessions(false)
	assert.False(t, server.AllowMoreSessions())

	ch, err := client.OpenChannel(wire.ChannelTypeSession, nil)
	require.NoError(t, err)

	v, ok := ch.OpenFuture().Await(2 * time.Second)
	require.True(t, ok)
	openErr, ok := v.(*channel.OpenError)
	require.True(t, ok)
	assert.Equal(t, wire.OpenAdministrativelyProhibited, openErr.Reason)

	server.SetAllowMoreSessions(true)
	ch2, err := client.OpenChannel(wire.ChannelTypeSession, nil)
	require.NoError(t, err)
	_, ok = ch2.OpenFuture().Await(2 * time.Second)
	require.True(t, ok)
	assert.Equal(t, channel.Open, ch2.State())
}

func TestMaxChannelsEnforced(t *testing.T) {
	a, _ := transport.NewPipePair()
	svc := New(a, 1)
	_, err := svc.OpenChannel(wire.ChannelTypeSession, nil)
	require.NoError(t, err)
	_, err = svc.OpenChannel(wire.ChannelTypeSession, nil)
	require.Error(t, err)
}

func TestUnknownChannelMessageDisconnects(t *testing.T) {
	a, _ := transport.NewPipePair()
	svc := New(a, 0)
	var reason uint32
	svc.OnDisconnect(func(r uint32, msg string) { reason = r })

	buf := wire.NewBuffer()
	buf.PutUint32(999)
	svc.OnMessage(wire.MsgChannelData, buf.Bytes())
	assert.Equal(t, wire.DisconnectProtocolError, reason)
}

func TestGlobalRequestChainAndUnsupported(t *testing.T) {
	a, b := transport.NewPipePair()
	client := New(a, 0)
	server := New(b, 0)
	go a.Serve(client)
	go b.Serve(server)

	server.AddGlobalRequestHandler(func(svc *Service, name string, wantReply bool, payload []byte) (RequestResult, []byte) {
		if name != "tcpip-forward" {
			return Unsupported, nil
		}
		reply := wire.NewBuffer()
		reply.PutUint32(54321)
		return ReplySuccess, reply.Bytes()
	})

	f, err := client.SendGlobalRequest("tcpip-forward", true, nil)
	require.NoError(t, err)
	v, ok := f.Await(2 * time.Second)
	require.True(t, ok)
	payload, ok := v.([]byte)
	require.True(t, ok)
	rb := wire.NewBufferFrom(payload)
	port, err := rb.GetUint32()
	require.NoError(t, err)
	assert.Equal(t, uint32(54321), port)

	f2, err := client.SendGlobalRequest("unknown-req", true, nil)
	require.NoError(t, err)
	v2, ok := f2.Await(2 * time.Second)
	require.True(t, ok)
	_, isErr := v2.(error)
	assert.True(t, isErr)
}
