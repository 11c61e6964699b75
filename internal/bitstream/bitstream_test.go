package bitstream

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteReadBitsRoundTrip(t *testing.T) {
	bs := NewGrowable()
	require.True(t, bs.WriteBits(0x3FF, 10))
	require.True(t, bs.WriteBits(0x2, 2))
	require.True(t, bs.WriteBits(0xC, 4))
	bs.Reset()

	v, ok := bs.ReadBits(10)
	require.True(t, ok)
	require.EqualValues(t, 0x3FF, v)

	v, ok = bs.ReadBits(2)
	require.True(t, ok)
	require.EqualValues(t, 0x2, v)

	v, ok = bs.ReadBits(4)
	require.True(t, ok)
	require.EqualValues(t, 0xC, v)
}

func TestBoolRoundTrip(t *testing.T) {
	bs := NewGrowable()
	require.True(t, bs.WriteBool(true))
	require.True(t, bs.WriteBool(false))
	bs.Reset()

	v, ok := bs.ReadBool()
	require.True(t, ok)
	require.True(t, v)

	v, ok = bs.ReadBool()
	require.True(t, ok)
	require.False(t, v)
}

func TestI32RoundTripIncludingZeroSignIdiosyncrasy(t *testing.T) {
	cases := []int32{0, 1, -1, 12345, -12345, 1 << 20, -(1 << 20)}
	for _, v := range cases {
		bs := NewGrowable()
		require.True(t, bs.WriteI32(v, 32), "value %d", v)
		bs.Reset()
		got, ok := bs.ReadI32(32)
		require.True(t, ok)
		require.Equal(t, v, got)
	}
}

func TestU32RoundTrip(t *testing.T) {
	bs := NewGrowable()
	require.True(t, bs.WriteU32(0xABCD, 16))
	bs.Reset()
	v, ok := bs.ReadU32(16)
	require.True(t, ok)
	require.EqualValues(t, 0xABCD, v)
}

func TestF32RoundTrip(t *testing.T) {
	bs := NewGrowable()
	require.True(t, bs.WriteF32(3.14159))
	bs.Reset()
	v, ok := bs.ReadF32()
	require.True(t, ok)
	require.InDelta(t, 3.14159, v, 1e-5)
}

func TestStringRoundTrip(t *testing.T) {
	bs := NewGrowable()
	require.True(t, bs.WriteString("hello lobby"))
	bs.Reset()
	v, ok := bs.ReadString()
	require.True(t, ok)
	require.Equal(t, "hello lobby", v)
}

func TestSetBitCountIsOneShot(t *testing.T) {
	bs := NewGrowable()
	bs.SetBitCount(4)
	require.True(t, bs.WriteU32(0xF, 0))
	// Next write uses the default (32), not 4, since the override was consumed.
	require.True(t, bs.WriteU32(0xFFFF, 0))
	bs.Reset()

	bs.SetBitCount(4)
	v, ok := bs.ReadU32(0)
	require.True(t, ok)
	require.EqualValues(t, 0xF, v)

	v, ok = bs.ReadU32(0)
	require.True(t, ok)
	require.EqualValues(t, 0xFFFF, v)
}

func TestFixedBufferOverflowFails(t *testing.T) {
	bs := NewFixed(make([]byte, 1))
	ok := bs.WriteBits(0xFFFF, 32)
	require.False(t, ok)
	require.True(t, bs.Failed())
}

func TestGrowableBufferDoublesOnDemand(t *testing.T) {
	bs := NewGrowable()
	require.True(t, bs.WriteBits(1, 1))
	require.True(t, bs.WriteBits(0xFFFFFFFF, 32))
	require.GreaterOrEqual(t, len(bs.Bytes()), 5)
}

func TestReadOutOfRangeLeavesCursorUnchanged(t *testing.T) {
	bs := NewFixed([]byte{0x01})
	bs.ReadBits(4)
	pos := bs.BitLen()
	_, ok := bs.ReadBits(32)
	require.False(t, ok)
	require.Equal(t, pos, bs.BitLen())
}

func TestStringReadFailureRollsBackCursor(t *testing.T) {
	// length prefix claims more bytes than are present.
	bs := NewFixed(make([]byte, 4))
	bs.WriteBits(100, 20) // bogus huge length
	bs.Reset()
	start := bs.BitLen()
	_, ok := bs.ReadString()
	require.False(t, ok)
	require.Equal(t, start, bs.BitLen())
}
