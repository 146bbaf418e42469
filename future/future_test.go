package future

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetValueIdempotent(t *testing.T) {
	f := New()
	f.SetValue(1)
	f.SetValue(2)
	v, ok := f.Await(0)
	require.True(t, ok)
	assert.Equal(t, 1, v)
}

func TestAddListenerAfterCompletion(t *testing.T) {
	f := New()
	f.SetValue("done")
	var got string
	f.AddListener(func(v interface{}) { got = v.(string) })
	assert.Equal(t, "done", got)
}

func TestListenerFanOutExactlyOnce(t *testing.T) {
	f := New()
	var calls int32
	for i := 0; i < 5; i++ {
		f.AddListener(func(interface{}) { atomic.AddInt32(&calls, 1) })
	}
	f.SetValue(true)
	f.SetValue(true) // second call must not re-fire listeners
	assert.EqualValues(t, 5, calls)
}

func TestListenerRegistrationOrder(t *testing.T) {
	f := New()
	var order []int
	var mu sync.Mutex
	for i := 0; i < 4; i++ {
		i := i
		f.AddListener(func(interface{}) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}
	f.SetValue(nil)
	assert.Equal(t, []int{0, 1, 2, 3}, order)
}

func TestConcurrentAddAndSetFireExactlyOnce(t *testing.T) {
	for trial := 0; trial < 50; trial++ {
		f := New()
		var calls int32
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			f.AddListener(func(interface{}) { atomic.AddInt32(&calls, 1) })
		}()
		go func() {
			defer wg.Done()
			f.SetValue(1)
		}()
		wg.Wait()
		assert.EqualValues(t, 1, calls)
	}
}

func TestCancelSentinel(t *testing.T) {
	f := New()
	f.Cancel()
	assert.True(t, f.IsCanceled())
	v, ok := f.Await(0)
	require.True(t, ok)
	assert.Equal(t, Canceled, v)
}

func TestAwaitTimeout(t *testing.T) {
	f := New()
	start := time.Now()
	_, ok := f.Await(20 * time.Millisecond)
	elapsed := time.Since(start)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, elapsed, 20*time.Millisecond)
}

func TestAwaitWakesOnSetValue(t *testing.T) {
	f := New()
	go func() {
		time.Sleep(10 * time.Millisecond)
		f.SetValue(42)
	}()
	v, ok := f.Await(2 * time.Second)
	require.True(t, ok)
	assert.Equal(t, 42, v)
}

func TestRemoveListenerBeforeCompletion(t *testing.T) {
	f := New()
	var fired bool
	sub := f.AddListener(func(interface{}) { fired = true })
	f.RemoveListener(sub)
	f.SetValue(1)
	assert.False(t, fired)
}
