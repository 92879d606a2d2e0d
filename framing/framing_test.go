package framing

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrameHeader(t *testing.T) {
	t.Parallel()
	got := Frame([]byte{0xAA, 0xBB, 0xCC})
	require.Equal(t, []byte{0, 0, 0, 3, 0xAA, 0xBB, 0xCC}, got)

	require.Equal(t, []byte{0, 0, 0, 0}, Frame(nil))
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	units := [][]byte{
		{0, 0, 0, 1, 0x67, 0x42},
		bytes.Repeat([]byte{0x5A}, 70_000),
		{},
		{0, 0, 0, 1, 0x41},
	}

	var stream bytes.Buffer
	for _, u := range units {
		n, err := WriteFrame(&stream, u)
		require.NoError(t, err)
		require.Equal(t, HeaderSize+len(u), n)
	}

	r := NewReader(&stream, 0)
	for i, want := range units {
		got, err := r.Next()
		require.NoError(t, err, "unit %d", i)
		require.Equal(t, want, append([]byte{}, got...), "unit %d", i)
	}
	_, err := r.Next()
	require.ErrorIs(t, err, io.EOF)
}

func TestReaderTruncatedPayload(t *testing.T) {
	t.Parallel()
	r := NewReader(bytes.NewReader([]byte{0, 0, 0, 5, 1, 2}), 0)
	_, err := r.Next()
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestReaderTruncatedHeader(t *testing.T) {
	t.Parallel()
	r := NewReader(bytes.NewReader([]byte{0, 0}), 0)
	_, err := r.Next()
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestReaderRejectsOversizedFrame(t *testing.T) {
	t.Parallel()
	r := NewReader(bytes.NewReader([]byte{0, 0, 1, 0, 0xFF}), 16)
	_, err := r.Next()
	require.True(t, errors.Is(err, ErrFrameTooLarge), "got %v", err)
}
