package protocol

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrame_RequestRoundTrip(t *testing.T) {
	req := Request{
		Compile: &CompileRequest{
			CompilerPath:     "/usr/bin/gcc",
			CompilerHash:     "abc",
			NormalizedArgs:   []string{"-c", "foo.c"},
			PreprocessedHash: "def",
			Args:             []string{"-c", "foo.c", "-o", "foo.o"},
			Env:              []string{"PATH=/usr/bin"},
			Cwd:              "/src",
			Outputs:          []string{"foo.o"},
		},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, &req))

	var got Request
	require.NoError(t, ReadFrame(&buf, &got))
	require.NotNil(t, got.Compile)
	assert.Equal(t, req.Compile, got.Compile)
	assert.False(t, got.Shutdown)
}

func TestFrame_ResponseRoundTrip(t *testing.T) {
	resp := Response{
		Compile: &CompileResult{
			Outcome:   OutcomeCacheHit,
			ExitCode:  0,
			Stdout:    []byte("out"),
			Stderr:    []byte("err"),
			TimeSaved: 2 * time.Second,
		},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, &resp))

	var got Response
	require.NoError(t, ReadFrame(&buf, &got))
	assert.Equal(t, resp.Compile, got.Compile)
}

func TestFrame_MultipleFramesOnOneStream(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, &Request{GetStats: true}))
	require.NoError(t, WriteFrame(&buf, &Request{Shutdown: true}))

	var first, second Request
	require.NoError(t, ReadFrame(&buf, &first))
	require.NoError(t, ReadFrame(&buf, &second))
	assert.True(t, first.GetStats)
	assert.True(t, second.Shutdown)
}

func TestFrame_CleanEOF(t *testing.T) {
	var msg Request
	err := ReadFrame(bytes.NewReader(nil), &msg)
	assert.Equal(t, io.EOF, err)
}

func TestFrame_OversizedLengthRejected(t *testing.T) {
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], MaxFrameSize+1)

	var msg Request
	err := ReadFrame(bytes.NewReader(prefix[:]), &msg)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestFrame_TruncatedPayloadRejected(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, &Request{GetStats: true}))

	data := buf.Bytes()
	var msg Request
	err := ReadFrame(bytes.NewReader(data[:len(data)-1]), &msg)
	assert.Error(t, err)
	assert.NotEqual(t, io.EOF, err)
}

func TestFrame_GarbagePayloadRejected(t *testing.T) {
	garbage := []byte{0, 0, 0, 4, 0xde, 0xad, 0xbe, 0xef}

	var msg Request
	err := ReadFrame(bytes.NewReader(garbage), &msg)
	assert.Error(t, err)
}
