package transport

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	var buffer bytes.Buffer
	require.NoError(t, WriteFrame(&buffer, []byte("first")))
	require.NoError(t, WriteFrame(&buffer, []byte("second frame")))

	got, err := ReadFrame(&buffer)
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), got)

	got, err = ReadFrame(&buffer)
	require.NoError(t, err)
	assert.Equal(t, []byte("second frame"), got)
}

func TestReadFrameReassemblesSegmentedStream(t *testing.T) {
	var buffer bytes.Buffer
	require.NoError(t, WriteFrame(&buffer, bytes.Repeat([]byte{0xab}, 3000)))

	// One byte per Read call, like a stream that segments arbitrarily.
	got, err := ReadFrame(iotestOneByteReader{r: &buffer})
	require.NoError(t, err)
	assert.Len(t, got, 3000)
}

func TestWriteFrameRejectsOversizedPayload(t *testing.T) {
	var buffer bytes.Buffer
	err := WriteFrame(&buffer, make([]byte, MaxFrameSize+1))
	assert.ErrorIs(t, err, ErrFrameTooLarge)
	assert.Zero(t, buffer.Len())
}

func TestEmptyFramesAreRejected(t *testing.T) {
	var buffer bytes.Buffer
	assert.ErrorIs(t, WriteFrame(&buffer, nil), ErrEmptyFrame)

	header := make([]byte, 4)
	_, err := ReadFrame(bytes.NewReader(header))
	assert.ErrorIs(t, err, ErrEmptyFrame)
}

func TestReadFrameRejectsOversizedPrefix(t *testing.T) {
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, MaxFrameSize+1)
	_, err := ReadFrame(bytes.NewReader(header))
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestReadFrameTruncatedPayload(t *testing.T) {
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, 10)
	_, err := ReadFrame(bytes.NewReader(append(header, 1, 2, 3)))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

type iotestOneByteReader struct {
	r io.Reader
}

func (r iotestOneByteReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	return r.r.Read(p[:1])
}
