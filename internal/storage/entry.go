package storage

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/zstd"
)

// OutputFile is one artifact produced by a compilation, with its path
// relative to the working directory of the invocation.
type OutputFile struct {
	Path string
	Mode uint32
	Data []byte
}

// Entry is a cached compilation result. Immutable once stored.
type Entry struct {
	// Outputs are the artifact files, byte-for-byte as the compiler
	// produced them.
	Outputs []OutputFile

	// Stdout and Stderr are the captured compiler streams.
	Stdout []byte
	Stderr []byte

	// ExitCode is the compiler's exit status. Only successful compiles
	// are cached, but the code is stored so hits replay it verbatim.
	ExitCode int

	// CompileDuration is how long the real compile took. Hits report it
	// as time saved.
	CompileDuration time.Duration

	// CreatedAt is when the entry was first stored.
	CreatedAt time.Time
}

// Size returns the total payload size in bytes, used for disk cache
// budget accounting.
func (e *Entry) Size() int64 {
	var n int64
	for _, f := range e.Outputs {
		n += int64(len(f.Data))
	}
	n += int64(len(e.Stdout)) + int64(len(e.Stderr))
	return n
}

// EncodeEntry serializes e as zstd-compressed gob. The same encoding is
// used on disk and in remote stores.
func EncodeEntry(e *Entry) ([]byte, error) {
	var buf bytes.Buffer

	zw, err := zstd.NewWriter(&buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create entry compressor: %w", err)
	}

	if err := gob.NewEncoder(zw).Encode(e); err != nil {
		zw.Close()
		return nil, fmt.Errorf("failed to encode cache entry: %w", err)
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish cache entry: %w", err)
	}

	return buf.Bytes(), nil
}

// DecodeEntry deserializes an entry produced by EncodeEntry.
func DecodeEntry(r io.Reader) (*Entry, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to open entry decompressor: %w", err)
	}
	defer zr.Close()

	var e Entry
	if err := gob.NewDecoder(zr).Decode(&e); err != nil {
		return nil, fmt.Errorf("failed to decode cache entry: %w", err)
	}

	return &e, nil
}

// DecodeEntryBytes is DecodeEntry over an in-memory buffer.
func DecodeEntryBytes(b []byte) (*Entry, error) {
	return DecodeEntry(bytes.NewReader(b))
}
