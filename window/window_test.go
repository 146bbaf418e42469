package window

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConsumeExactAndBlockOnOverdraw(t *testing.T) {
	w := New(4096, 1024)
	assert.True(t, w.Consume(4096))
	assert.Zero(t, w.Size())

	blocked := make(chan struct{})
	unblocked := make(chan struct{})
	go func() {
		close(blocked)
		w.Consume(1)
		close(unblocked)
	}()
	<-blocked
	select {
	case <-unblocked:
		t.Fatal("consume should have blocked with zero credit")
	case <-time.After(50 * time.Millisecond):
	}
	w.Expand(1)
	select {
	case <-unblocked:
	case <-time.After(time.Second):
		t.Fatal("consume did not unblock after expand")
	}
}

func TestWindowFlowControlScenario(t *testing.T) {
	// Client writes 4096 bytes against a 4096-byte remote window; byte 4097
	// must block until a WINDOW_ADJUST of 2048 arrives.
	w := New(4096, 1024)
	require.True(t, w.Consume(4096))

	var wg sync.WaitGroup
	unblockedAt := make(chan uint32, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.Consume(2048)
		unblockedAt <- w.Size()
	}()

	select {
	case <-unblockedAt:
		t.Fatal("writer unblocked before WINDOW_ADJUST")
	case <-time.After(30 * time.Millisecond):
	}

	w.Expand(2048)
	select {
	case size := <-unblockedAt:
		assert.Zero(t, size)
	case <-time.After(time.Second):
		t.Fatal("writer never unblocked")
	}
	wg.Wait()
}

func TestConsumeAndCheckExceedsWindow(t *testing.T) {
	w := New(10, MinPacketSize)
	err := w.ConsumeAndCheck(11)
	require.Error(t, err)
	var exceeded *ExceededError
	assert.ErrorAs(t, err, &exceeded)
}

func TestConsumeAndCheckTriggersAdjust(t *testing.T) {
	// packetSize 1024 is clamped up to MinPacketSize, which is the
	// threshold ConsumeAndCheck compares against.
	w := New(DefaultWindowSize, 1024)
	var adjusted uint32
	w.OnAdjust(func(n uint32) { adjusted = n })

	require.NoError(t, w.ConsumeAndCheck(500))
	assert.Zero(t, adjusted, "below packet-size threshold, no adjust yet")

	require.NoError(t, w.ConsumeAndCheck(MinPacketSize))
	assert.Equal(t, uint32(500+MinPacketSize), adjusted)
}

func TestPacketSizeClamped(t *testing.T) {
	w := New(0, 8)
	assert.Equal(t, uint32(MinPacketSize), w.PacketSize())

	w2 := New(0, 10*MaxPacketSize)
	assert.Equal(t, uint32(MaxPacketSize), w2.PacketSize())
}

func TestCloseUnblocksConsume(t *testing.T) {
	w := New(0, MinPacketSize)
	done := make(chan bool, 1)
	go func() { done <- w.Consume(1) }()
	time.Sleep(20 * time.Millisecond)
	w.Close()
	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("close did not unblock consume")
	}
}
