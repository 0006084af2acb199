package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVarIntRoundTrip(t *testing.T) {
	cases := []uint64{0, 1, 0xfc, 0xfd, 0xffff, 0x10000, 0xffffffff, 0x100000000, 1 << 63}
	for _, v := range cases {
		w := NewWriter()
		w.WriteVarInt(v)
		r := NewReader(w.Bytes())
		got, err := r.ReadVarInt()
		require.NoError(t, err)
		assert.Equal(t, v, got, "round trip for %d", v)
	}
}

func TestVarIntPrefixWidths(t *testing.T) {
	t.Run("single byte below 0xfd", func(t *testing.T) {
		w := NewWriter()
		w.WriteVarInt(100)
		assert.Len(t, w.Bytes(), 1)
	})
	t.Run("3 bytes for 16-bit range", func(t *testing.T) {
		w := NewWriter()
		w.WriteVarInt(0xfd)
		assert.Len(t, w.Bytes(), 3)
	})
	t.Run("5 bytes for 32-bit range", func(t *testing.T) {
		w := NewWriter()
		w.WriteVarInt(0x10000)
		assert.Len(t, w.Bytes(), 5)
	})
	t.Run("9 bytes for 64-bit range", func(t *testing.T) {
		w := NewWriter()
		w.WriteVarInt(0x100000000)
		assert.Len(t, w.Bytes(), 9)
	})
}

func TestVarBytesRoundTrip(t *testing.T) {
	w := NewWriter()
	w.WriteVarBytes([]byte("hello world"))
	r := NewReader(w.Bytes())
	got, err := r.ReadVarBytes()
	require.NoError(t, err)
	assert.Equal(t, []byte("hello world"), got)
}

func TestFixedWidthIntsAreLittleEndian(t *testing.T) {
	w := NewWriter()
	w.WriteU32(1)
	assert.Equal(t, []byte{1, 0, 0, 0}, w.Bytes())

	w2 := NewWriter()
	w2.WriteU64(1)
	assert.Equal(t, []byte{1, 0, 0, 0, 0, 0, 0, 0}, w2.Bytes())
}

func TestReaderTruncation(t *testing.T) {
	r := NewReader([]byte{1, 2})
	_, err := r.ReadU32()
	assert.ErrorIs(t, err, ErrTruncated)

	r2 := NewReader([]byte{0xfd, 1})
	_, err = r2.ReadVarInt()
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestMixedFieldSequence(t *testing.T) {
	w := NewWriter()
	w.WriteU32(7)
	w.WriteVarBytes([]byte("script"))
	w.WriteU64(9999)

	r := NewReader(w.Bytes())
	v1, err := r.ReadU32()
	require.NoError(t, err)
	assert.Equal(t, uint32(7), v1)

	script, err := r.ReadVarBytes()
	require.NoError(t, err)
	assert.Equal(t, []byte("script"), script)

	v2, err := r.ReadU64()
	require.NoError(t, err)
	assert.Equal(t, uint64(9999), v2)
	assert.Equal(t, 0, r.Remaining())
}
