// Package wire implements the length-prefixed binary codec shared by every
// SSH connection-layer message: the Buffer type and the wire-level integer,
// string, mpint, name-list and public-key encodings defined by RFC 4251.
package wire

import (
	"errors"
	"fmt"
	"math/big"
)

// ErrBufferUnderrun names the condition of a read cursor advancing past the
// written region of the buffer. The Get* methods do not return this value;
// they report an underrun as an *EncodingError whose Msg is "buffer underrun".
var ErrBufferUnderrun = errors.New("wire: buffer underrun")

// EncodingError reports a malformed field while decoding a Buffer: a
// declared string length past the available bytes, a boolean out of range,
// or any other violation of the wire grammar.
type EncodingError struct {
	Field string
	Msg   string
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("wire: %s: %s", e.Field, e.Msg)
}

// HeaderReserve is the number of leading bytes a Buffer leaves untouched so
// the transport can stamp packet-length and padding-length in place once
// the payload is complete. Application payload begins at this offset.
const HeaderReserve = 5

// growFixed is the default growth policy: EnsureCapacity adds this many
// bytes per step until the request fits, so it overshoots by fewer than
// growFixed bytes.
const growFixed = 8

// GrowthFunc maps a current capacity to a larger one; it must be strictly
// increasing. The zero value of Buffer uses a fixed +8 policy.
type GrowthFunc func(capacity int) int

// Buffer is a mutable byte sequence with independent read (rpos) and write
// (wpos) cursors over a growable backing store. It is the sole codec used
// to build and parse every SSH connection-layer message.
type Buffer struct {
	buf    []byte
	rpos   int
	wpos   int
	growth GrowthFunc
}

// NewBuffer returns an empty Buffer reserving HeaderReserve bytes for the
// transport's packet framing.
func NewBuffer() *Buffer {
	b := &Buffer{buf: make([]byte, HeaderReserve, HeaderReserve+64)}
	b.wpos = HeaderReserve
	b.rpos = HeaderReserve
	return b
}

// NewBufferFrom wraps an already-decoded payload for reading; rpos and wpos
// both start at 0 so callers can Get* the whole slice.
func NewBufferFrom(payload []byte) *Buffer {
	return &Buffer{buf: payload, wpos: len(payload)}
}

// SetGrowthFunc installs a custom growth policy. Passing nil restores the
// default fixed +8 policy.
func (b *Buffer) SetGrowthFunc(fn GrowthFunc) { b.growth = fn }

func (b *Buffer) growthFunc() GrowthFunc {
	if b.growth != nil {
		return b.growth
	}
	return func(n int) int { return n + growFixed }
}

// RPos returns the read cursor.
func (b *Buffer) RPos() int { return b.rpos }

// WPos returns the write cursor.
func (b *Buffer) WPos() int { return b.wpos }

// SetRPos repositions the read cursor; it is clamped to [0, WPos()].
func (b *Buffer) SetRPos(p int) {
	if p < 0 {
		p = 0
	}
	if p > b.wpos {
		p = b.wpos
	}
	b.rpos = p
}

// SetWPos repositions the write cursor; it is clamped to [RPos(), len(buf)].
func (b *Buffer) SetWPos(p int) {
	if p < b.rpos {
		p = b.rpos
	}
	if p > len(b.buf) {
		p = len(b.buf)
	}
	b.wpos = p
}

// Available returns the number of unread bytes.
func (b *Buffer) Available() int { return b.wpos - b.rpos }

// Capacity returns the size of the backing store.
func (b *Buffer) Capacity() int { return len(b.buf) }

// Bytes returns the unread region of the buffer; callers must not retain it
// across further writes.
func (b *Buffer) Bytes() []byte { return b.buf[b.rpos:b.wpos] }

// Payload returns the full written region including any reserved header,
// used by the transport to stamp framing bytes in place.
func (b *Buffer) Payload() []byte { return b.buf[:b.wpos] }

// Compact shifts the unread bytes to offset 0, discarding everything before
// rpos. It is used to reclaim space in long-lived buffers.
func (b *Buffer) Compact() {
	if b.rpos == 0 {
		return
	}
	n := copy(b.buf, b.buf[b.rpos:b.wpos])
	b.wpos = n
	b.rpos = 0
}

// EnsureCapacity grows the backing store so that at least n more bytes can
// be written at wpos without reallocating again before the next call.
func (b *Buffer) EnsureCapacity(n int) {
	need := b.wpos + n
	if need <= len(b.buf) {
		return
	}
	grow := b.growthFunc()
	newCap := len(b.buf)
	for newCap < need {
		next := grow(newCap)
		if next <= newCap {
			next = need
		}
		newCap = next
	}
	grown := make([]byte, newCap)
	copy(grown, b.buf[:b.wpos])
	b.buf = grown
}

func (b *Buffer) reserve(n int) []byte {
	b.EnsureCapacity(n)
	start := b.wpos
	b.wpos += n
	return b.buf[start:b.wpos]
}

// PutByte appends a single byte.
func (b *Buffer) PutByte(v byte) *Buffer {
	b.reserve(1)[0] = v
	return b
}

// PutBoolean appends a one-byte boolean: 0 for false, 1 for true.
func (b *Buffer) PutBoolean(v bool) *Buffer {
	if v {
		return b.PutByte(1)
	}
	return b.PutByte(0)
}

// PutUint32 appends a big-endian uint32.
func (b *Buffer) PutUint32(v uint32) *Buffer {
	dst := b.reserve(4)
	dst[0] = byte(v >> 24)
	dst[1] = byte(v >> 16)
	dst[2] = byte(v >> 8)
	dst[3] = byte(v)
	return b
}

// PutUint64 appends a big-endian uint64.
func (b *Buffer) PutUint64(v uint64) *Buffer {
	dst := b.reserve(8)
	for i := 0; i < 8; i++ {
		dst[i] = byte(v >> uint(56-8*i))
	}
	return b
}

// PutBytes appends raw bytes with no length prefix.
func (b *Buffer) PutBytes(p []byte) *Buffer {
	copy(b.reserve(len(p)), p)
	return b
}

// PutString appends an SSH "string": a uint32 length followed by the raw
// bytes. It is used both for binary blobs and UTF-8 text.
func (b *Buffer) PutString(p []byte) *Buffer {
	b.PutUint32(uint32(len(p)))
	return b.PutBytes(p)
}

// PutText is PutString for a Go string, avoiding a caller-side []byte(s)
// conversion at call sites that already hold a string.
func (b *Buffer) PutText(s string) *Buffer {
	return b.PutString([]byte(s))
}

// PutNameList appends a name-list: a string whose payload is the given
// names joined with commas.
func (b *Buffer) PutNameList(names []string) *Buffer {
	joined := joinNames(names)
	return b.PutText(joined)
}

func joinNames(names []string) string {
	out := make([]byte, 0, 32)
	for i, n := range names {
		if i > 0 {
			out = append(out, ',')
		}
		out = append(out, n...)
	}
	return string(out)
}

// PutMpint appends a signed two's-complement big-endian integer with a
// minimal leading byte, adding a leading 0x00 to disambiguate a positive
// value whose top bit is set, or treating negative values via two's
// complement per RFC 4251 §5.
func (b *Buffer) PutMpint(v *big.Int) *Buffer {
	if v.Sign() == 0 {
		return b.PutString(nil)
	}
	if v.Sign() > 0 {
		mag := v.Bytes()
		if mag[0]&0x80 != 0 {
			padded := make([]byte, len(mag)+1)
			copy(padded[1:], mag)
			return b.PutString(padded)
		}
		return b.PutString(mag)
	}
	// Negative: encode magnitude-1's complement plus 1, i.e. two's complement.
	mag := new(big.Int).Neg(v).Bytes()
	enc := twosComplementNegative(mag)
	return b.PutString(enc)
}

func twosComplementNegative(mag []byte) []byte {
	// invert and add one over the magnitude, left-padded with a 0xFF byte
	// whenever the top bit of the result would otherwise read as positive.
	n := len(mag)
	buf := make([]byte, n)
	carry := byte(1)
	for i := n - 1; i >= 0; i-- {
		inv := ^mag[i]
		sum := inv + carry
		if sum < inv || (carry == 1 && inv == 0xFF) {
			carry = 1
		} else {
			carry = 0
		}
		buf[i] = sum
	}
	if carry == 1 {
		buf = append([]byte{0xFF}, buf...)
	}
	if len(buf) == 0 || buf[0]&0x80 == 0 {
		buf = append([]byte{0xFF}, buf...)
	}
	return buf
}

// PutPublicKeyBlob appends an already-encoded SSH public-key blob as a
// string field; encoding the key material itself is the responsibility of
// a signing/verifying capability outside this package.
func (b *Buffer) PutPublicKeyBlob(blob []byte) *Buffer {
	return b.PutString(blob)
}

// GetByte reads and consumes a single byte.
func (b *Buffer) GetByte() (byte, error) {
	if b.Available() < 1 {
		return 0, &EncodingError{"byte", "buffer underrun"}
	}
	v := b.buf[b.rpos]
	b.rpos++
	return v, nil
}

// GetBoolean reads a one-byte boolean; any non-zero byte is true.
func (b *Buffer) GetBoolean() (bool, error) {
	v, err := b.GetByte()
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

// GetUint32 reads a big-endian uint32.
func (b *Buffer) GetUint32() (uint32, error) {
	if b.Available() < 4 {
		return 0, &EncodingError{"uint32", "buffer underrun"}
	}
	p := b.buf[b.rpos : b.rpos+4]
	b.rpos += 4
	return uint32(p[0])<<24 | uint32(p[1])<<16 | uint32(p[2])<<8 | uint32(p[3]), nil
}

// GetUint64 reads a big-endian uint64.
func (b *Buffer) GetUint64() (uint64, error) {
	if b.Available() < 8 {
		return 0, &EncodingError{"uint64", "buffer underrun"}
	}
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(b.buf[b.rpos+i])
	}
	b.rpos += 8
	return v, nil
}

// GetBytes reads n raw bytes with no length prefix.
func (b *Buffer) GetBytes(n int) ([]byte, error) {
	if n < 0 || b.Available() < n {
		return nil, &EncodingError{"bytes", "buffer underrun"}
	}
	p := make([]byte, n)
	copy(p, b.buf[b.rpos:b.rpos+n])
	b.rpos += n
	return p, nil
}

// GetString reads an SSH "string": a uint32 length followed by that many
// bytes. A length exceeding the remaining available bytes is malformed.
func (b *Buffer) GetString() ([]byte, error) {
	n, err := b.GetUint32()
	if err != nil {
		return nil, err
	}
	if int64(n) > int64(b.Available()) {
		return nil, &EncodingError{"string", "declared length exceeds available bytes"}
	}
	return b.GetBytes(int(n))
}

// GetText is GetString decoded as a Go string.
func (b *Buffer) GetText() (string, error) {
	p, err := b.GetString()
	if err != nil {
		return "", err
	}
	return string(p), nil
}

// GetNameList reads a name-list and splits it on commas; an empty string
// decodes to an empty (non-nil) slice.
func (b *Buffer) GetNameList() ([]string, error) {
	s, err := b.GetText()
	if err != nil {
		return nil, err
	}
	if s == "" {
		return []string{}, nil
	}
	return splitNames(s), nil
}

func splitNames(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == ',' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}

// GetMpint reads a signed two's-complement big-endian integer.
func (b *Buffer) GetMpint() (*big.Int, error) {
	raw, err := b.GetString()
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return big.NewInt(0), nil
	}
	v := new(big.Int)
	if raw[0]&0x80 == 0 {
		v.SetBytes(raw)
		return v, nil
	}
	// Negative: invert bits, add one, negate.
	inv := make([]byte, len(raw))
	for i, c := range raw {
		inv[i] = ^c
	}
	v.SetBytes(inv)
	v.Add(v, big.NewInt(1))
	v.Neg(v)
	return v, nil
}

// GetPublicKeyBlob reads an SSH public-key blob without interpreting it;
// parsing is delegated to a signing/verifying capability outside this
// package (golang.org/x/crypto/ssh.ParsePublicKey).
func (b *Buffer) GetPublicKeyBlob() ([]byte, error) {
	return b.GetString()
}
