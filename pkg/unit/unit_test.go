package unit

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode(t *testing.T) {
	b, err := Encode(New(7, Data, 2, []byte("foo")))
	require.NoError(t, err)
	assert.Equal(
		t,
		[]byte{
			0x3b, 0xf3, 0x43, 0xa3, // cookie
			0x07, 0x00, 0x00, 0x00, // transaction id
			0x04, 0x00, // type
			0x03, 0x00, // payload length
			0x02, 0x00, 0x00, 0x00, // sequence
			0x66, 0x6f, 0x6f,
		},
		b,
	)
}

func TestEncodeDecode(t *testing.T) {
	cases := []*Unit{
		New(1, Start, 0, []byte("f.txt")),
		New(1, Data, 1, []byte{0x00, 0xff, 0x10}),
		New(0xffffffff, End, 0xfffffffe, []byte("f.txt")),
		New(42, RetransmitRequest, 9, []byte{}),
		New(42, Data, 3, bytes.Repeat([]byte{0xaa}, MaxPayloadLen)),
	}

	for _, u := range cases {
		t.Run(u.String(), func(t *testing.T) {
			b, err := Encode(u)
			require.NoError(t, err)
			require.Len(t, b, HeaderLen+len(u.Payload))

			got, err := Decode(b)
			require.NoError(t, err)
			assert.True(t, got.Valid())
			assert.Equal(t, u, got)
		})
	}
}

func TestEncode_PayloadLimit(t *testing.T) {
	_, err := Encode(New(1, Data, 1, make([]byte, MaxPayloadLen)))
	require.NoError(t, err)

	b, err := Encode(New(1, Data, 1, make([]byte, MaxPayloadLen+1)))
	require.Equal(t, ErrPayloadTooLarge, err)
	require.Nil(t, b)

	_, err = New(1, Data, 1, make([]byte, MaxPayloadLen+1)).MarshalBinary()
	require.Equal(t, ErrPayloadTooLarge, err)
}

func TestDecode_InvalidCookie(t *testing.T) {
	b, err := Encode(New(3, Data, 1, []byte("abc")))
	require.NoError(t, err)
	b[0] ^= 0xff

	u, err := Decode(b)
	require.NoError(t, err)
	assert.False(t, u.Valid())
}

func TestDecode_Errors(t *testing.T) {
	t.Run("short buffer", func(t *testing.T) {
		_, err := Decode(make([]byte, HeaderLen-1))
		require.Equal(t, ErrShortBuffer, err)
	})

	t.Run("truncated payload", func(t *testing.T) {
		b, err := Encode(New(3, Data, 1, []byte("abcdef")))
		require.NoError(t, err)

		_, err = Decode(b[:len(b)-1])
		require.Equal(t, ErrTruncated, err)
	})

	t.Run("trailing bytes ignored", func(t *testing.T) {
		b, err := Encode(New(3, Data, 1, []byte("abc")))
		require.NoError(t, err)

		u, err := Decode(append(b, 0x01, 0x02))
		require.NoError(t, err)
		assert.Equal(t, []byte("abc"), u.Payload)
	})

	t.Run("payload is copied", func(t *testing.T) {
		b, err := Encode(New(3, Data, 1, []byte("abc")))
		require.NoError(t, err)

		u, err := Decode(b)
		require.NoError(t, err)
		b[HeaderLen] = 'z'
		assert.Equal(t, []byte("abc"), u.Payload)
	})
}

func TestMessageType_String(t *testing.T) {
	assert.Equal(t, "START", Start.String())
	assert.Equal(t, "END", End.String())
	assert.Equal(t, "RETRANSMIT", RetransmitRequest.String())
	assert.Equal(t, "DATA", Data.String())
	assert.Equal(t, "UNKNOWN:9", MessageType(9).String())
}
