package codec

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeBytesOrderAndPrefix(t *testing.T) {
	a := EncodeBytes([]byte("users/1"))
	b := EncodeBytes([]byte("users/10"))
	c := EncodeBytes([]byte("users/2"))
	assert.True(t, bytes.Compare(a, b) < 0)
	assert.True(t, bytes.Compare(b, c) < 0)
	// the encoded key of "users/1" must not prefix the encoded key of "users/10"
	assert.False(t, bytes.HasPrefix(b, a))

	left, key, err := DecodeBytes(append(b, 0x01, 0x02))
	require.Nil(t, err)
	assert.Equal(t, []byte("users/10"), key)
	assert.Equal(t, []byte{0x01, 0x02}, left)

	_, _, err = DecodeBytes([]byte{1, 2, 3})
	assert.NotNil(t, err)
}

func TestEtagOrder(t *testing.T) {
	assert.True(t, bytes.Compare(EncodeEtag(255), EncodeEtag(256)) < 0)
	v, err := DecodeEtag(EncodeEtag(1 << 40))
	require.Nil(t, err)
	assert.Equal(t, uint64(1<<40), v)
	_, err = DecodeEtag([]byte{1})
	assert.NotNil(t, err)
}

func TestRowReaderWriter(t *testing.T) {
	row := NewRowWriter(32).
		Uint64(42).
		Int64(-1).
		Text("users/1").
		NullableBytes(nil).
		NullableBytes([]byte{}).
		Int16(-7).
		Uint32(9).
		Row()

	r := NewRowReader(row)
	assert.Equal(t, uint64(42), r.Uint64())
	assert.Equal(t, int64(-1), r.Int64())
	assert.Equal(t, "users/1", r.Text())
	assert.Nil(t, r.NullableBytes())
	empty := r.NullableBytes()
	assert.NotNil(t, empty)
	assert.Len(t, empty, 0)
	assert.Equal(t, int16(-7), r.Int16())
	assert.Equal(t, uint32(9), r.Uint32())
	require.Nil(t, r.Done())
}

func TestRowReaderTruncated(t *testing.T) {
	row := NewRowWriter(16).Uint64(1).Text("abc").Row()
	r := NewRowReader(row[:len(row)-1])
	r.Uint64()
	assert.Equal(t, "", r.Text())
	assert.NotNil(t, r.Err())
	// later reads keep the first error and return zero values
	assert.Equal(t, uint64(0), r.Uint64())

	r = NewRowReader(append(row, 0))
	r.Uint64()
	r.Text()
	assert.NotNil(t, r.Done())
}
