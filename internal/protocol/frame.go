package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize bounds one frame: a 4-byte big-endian length prefix
// followed by exactly that many payload bytes. Anything larger is a
// protocol error and the offending connection is closed.
const MaxFrameSize = 64 << 20

// ErrFrameTooLarge reports a length prefix exceeding MaxFrameSize.
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// WriteFrame gob-encodes msg and writes it as one frame.
func WriteFrame(w io.Writer, msg any) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(msg); err != nil {
		return fmt.Errorf("failed to encode frame payload: %w", err)
	}
	if buf.Len() > MaxFrameSize {
		return ErrFrameTooLarge
	}

	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(buf.Len()))
	if _, err := w.Write(prefix[:]); err != nil {
		return fmt.Errorf("failed to write frame prefix: %w", err)
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one frame and gob-decodes it into msg. io.EOF is
// returned unwrapped when the stream ends cleanly between frames.
func ReadFrame(r io.Reader, msg any) error {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return io.EOF
		}
		return fmt.Errorf("failed to read frame prefix: %w", err)
	}

	n := binary.BigEndian.Uint32(prefix[:])
	if n > MaxFrameSize {
		return ErrFrameTooLarge
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return fmt.Errorf("failed to read frame payload: %w", err)
	}

	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(msg); err != nil {
		return fmt.Errorf("failed to decode frame payload: %w", err)
	}
	return nil
}
