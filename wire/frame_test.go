package wire

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("hello frame")
	require.NoError(t, WriteFrame(&buf, payload))

	got, err := ReadFrame(&buf, 0)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestFrameEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, nil))
	got, err := ReadFrame(&buf, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

// The concatenation of written frames must read back in order with no bytes
// left over.
func TestFramingClosure(t *testing.T) {
	payloads := [][]byte{
		[]byte("first"),
		{},
		[]byte("third frame, somewhat longer than the others"),
		{0x00, 0xff, 0x10},
	}
	var buf bytes.Buffer
	var expected bytes.Buffer
	for _, p := range payloads {
		require.NoError(t, WriteFrame(&buf, p))
		var hdr [4]byte
		binary.BigEndian.PutUint32(hdr[:], uint32(len(p)))
		expected.Write(hdr[:])
		expected.Write(p)
	}
	require.Equal(t, expected.Bytes(), buf.Bytes())

	for i, p := range payloads {
		got, err := ReadFrame(&buf, 0)
		require.NoError(t, err, "frame %d", i)
		assert.Equal(t, p, got, "frame %d", i)
	}
	_, err := ReadFrame(&buf, 0)
	assert.Equal(t, io.EOF, err)
}

func TestFrameAtLimit(t *testing.T) {
	const limit = 1024
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, make([]byte, limit)))

	got, err := ReadFrame(&buf, limit)
	require.NoError(t, err)
	assert.Len(t, got, limit)
}

func TestFrameOverLimit(t *testing.T) {
	const limit = 1024
	// Header only; if the reader honored the length it would fail with an
	// unexpected EOF on the missing payload instead. Rejection must happen
	// on the header alone.
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], limit+1)

	_, err := ReadFrame(bytes.NewReader(hdr[:]), limit)
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestFrameTruncatedPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("full payload")))
	truncated := buf.Bytes()[:buf.Len()-3]

	_, err := ReadFrame(bytes.NewReader(truncated), 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestFrameTruncatedHeader(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader([]byte{0x00, 0x01}), 0)
	require.Error(t, err)
	assert.NotEqual(t, io.EOF, err)
}

func TestFrameEOFBeforeHeader(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader(nil), 0)
	assert.Equal(t, io.EOF, err)
}
