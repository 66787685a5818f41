package wire

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeMagic(t *testing.T, r *RingBuf) {
	t.Helper()
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], Magic)
	require.NoError(t, r.Write(hdr[:]))
}

func TestFramerRoundTrip(t *testing.T) {
	src := NewRingBuf(64 * 1024)
	writeMagic(t, src)

	payloads := [][]byte{
		[]byte("hello"),
		[]byte{},
		make([]byte, MaxMsgLen),
	}
	for _, p := range payloads {
		if len(p) == 0 {
			continue // zero length is the end-of-stream sentinel, not a payload
		}
		require.NoError(t, WriteRecord(src, p))
	}

	f := NewFramer()
	ok, err := f.ValidateMagic(src)
	require.NoError(t, err)
	require.True(t, ok)

	got, ok, err := f.Next(src)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "hello", string(got))

	got, ok, err = f.Next(src)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, MaxMsgLen, len(got))
}

func TestFramerBadMagic(t *testing.T) {
	src := NewRingBuf(16)
	require.NoError(t, src.Write([]byte{0, 0, 0, 0}))
	f := NewFramer()
	_, err := f.ValidateMagic(src)
	assert.ErrorIs(t, err, ErrBadMagic)
}

func TestFramerZeroLengthIsEndOfStream(t *testing.T) {
	src := NewRingBuf(16)
	writeMagic(t, src)
	var hdr [2]byte
	PutLength(hdr[:], 0)
	require.NoError(t, src.Write(hdr[:]))

	f := NewFramer()
	_, err := f.ValidateMagic(src)
	require.NoError(t, err)
	_, ok, err := f.Next(src)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrEndOfStream)
}

func TestFramerOversizeIsFatal(t *testing.T) {
	src := NewRingBuf(MaxMsgLen + 64)
	var hdr [2]byte
	PutLength(hdr[:], MaxMsgLen+1)
	require.NoError(t, src.Write(hdr[:]))

	f := NewFramer()
	f.magicOK = true
	_, ok, err := f.Next(src)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrOversizeMsg)
}

func TestFramerPartialMessageAccumulates(t *testing.T) {
	src := NewRingBuf(MaxMsgLen + 64)
	var hdr [2]byte
	PutLength(hdr[:], 10)
	require.NoError(t, src.Write(hdr[:]))
	require.NoError(t, src.Write([]byte{1, 2, 3}))

	f := NewFramer()
	f.magicOK = true
	_, ok, err := f.Next(src)
	require.NoError(t, err)
	require.False(t, ok)
	assert.Equal(t, 10, f.Pending())

	require.NoError(t, src.Write([]byte{4, 5, 6, 7, 8, 9, 10}))
	got, ok, err := f.Next(src)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, got)
	assert.Equal(t, 0, f.Pending())
}

func TestRingBufWrapAround(t *testing.T) {
	r := NewRingBuf(8)
	require.NoError(t, r.Write([]byte{1, 2, 3, 4, 5, 6}))
	r.Discard(4)
	require.NoError(t, r.Write([]byte{7, 8, 9, 10}))
	assert.Equal(t, 6, r.Len())
	out := make([]byte, 6)
	r.Peek(out, 0)
	assert.Equal(t, []byte{5, 6, 7, 8, 9, 10}, out)
}
