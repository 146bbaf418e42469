package wire

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferPrimitiveRoundTrip(t *testing.T) {
	b := NewBuffer()
	b.PutByte(0x42)
	b.PutBoolean(true)
	b.PutBoolean(false)
	b.PutUint32(0xdeadbeef)
	b.PutUint64(0x0102030405060708)
	b.PutString([]byte("hello"))
	b.PutString(nil)
	b.PutNameList([]string{"publickey", "password"})

	r := NewBufferFrom(b.Bytes())

	bt, err := r.GetByte()
	require.NoError(t, err)
	assert.Equal(t, byte(0x42), bt)

	v1, err := r.GetBoolean()
	require.NoError(t, err)
	assert.True(t, v1)

	v2, err := r.GetBoolean()
	require.NoError(t, err)
	assert.False(t, v2)

	u32, err := r.GetUint32()
	require.NoError(t, err)
	assert.Equal(t, uint32(0xdeadbeef), u32)

	u64, err := r.GetUint64()
	require.NoError(t, err)
	assert.Equal(t, uint64(0x0102030405060708), u64)

	s, err := r.GetText()
	require.NoError(t, err)
	assert.Equal(t, "hello", s)

	empty, err := r.GetString()
	require.NoError(t, err)
	assert.Empty(t, empty)

	names, err := r.GetNameList()
	require.NoError(t, err)
	assert.Equal(t, []string{"publickey", "password"}, names)

	assert.Zero(t, r.Available())
}

func TestBufferMpintRoundTrip(t *testing.T) {
	cases := []int64{0, 1, -1, 127, 128, -128, -129, 255, -255, 1 << 40, -(1 << 40)}
	for _, c := range cases {
		want := big.NewInt(c)
		b := NewBuffer()
		b.PutMpint(want)
		r := NewBufferFrom(b.Bytes())
		got, err := r.GetMpint()
		require.NoError(t, err)
		assert.Equalf(t, 0, want.Cmp(got), "mpint %d round-tripped as %s", c, got)
	}
}

func TestBufferEmptyNameList(t *testing.T) {
	b := NewBuffer()
	b.PutNameList(nil)
	r := NewBufferFrom(b.Bytes())
	names, err := r.GetNameList()
	require.NoError(t, err)
	assert.Equal(t, []string{}, names)
}

func TestBufferStringUnderrun(t *testing.T) {
	b := NewBuffer()
	b.PutUint32(100) // declares a 100-byte string with no body
	r := NewBufferFrom(b.Bytes())
	_, err := r.GetString()
	require.Error(t, err)
	var encErr *EncodingError
	assert.ErrorAs(t, err, &encErr)
}

func TestBufferGetPastWpos(t *testing.T) {
	r := NewBufferFrom([]byte{1, 2})
	_, err := r.GetUint32()
	require.Error(t, err)
}

func TestBufferEnsureCapacityGrowthPolicy(t *testing.T) {
	b := NewBuffer()
	b.SetGrowthFunc(func(n int) int { return n * 2 })
	startCap := b.Capacity()
	b.PutBytes(make([]byte, startCap+1))
	assert.GreaterOrEqual(t, b.Capacity(), startCap*2)
}

func TestBufferCompact(t *testing.T) {
	b := NewBuffer()
	b.PutString([]byte("abc"))
	r := NewBufferFrom(b.Bytes())
	_, err := r.GetString()
	require.NoError(t, err)
	r.Compact()
	assert.Zero(t, r.RPos())
	assert.Zero(t, r.Available())
}

func TestBufferHeaderReserve(t *testing.T) {
	b := NewBuffer()
	assert.Equal(t, HeaderReserve, b.WPos())
	b.PutByte(9)
	payload := b.Payload()
	assert.Len(t, payload, HeaderReserve+1)
	assert.Equal(t, byte(9), payload[HeaderReserve])
}
