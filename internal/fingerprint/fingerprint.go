// Package fingerprint computes cache keys for compiler invocations.
//
// A key is a blake3 digest over the compiler identity, the normalized
// argument list and the hash of the preprocessed source text. Each field
// is length-prefixed before hashing so that no two distinct input sets
// can collapse to the same byte stream.
package fingerprint

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"lukechampine.com/blake3"
)

// KeySize is the digest length in bytes.
const KeySize = 32

// Key identifies the expected output of one compilation.
type Key [KeySize]byte

// String returns the key as lowercase hex.
func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// ParseKey parses a hex string produced by Key.String.
func ParseKey(s string) (Key, error) {
	var k Key
	b, err := hex.DecodeString(s)
	if err != nil {
		return k, fmt.Errorf("invalid cache key %q: %w", s, err)
	}
	if len(b) != KeySize {
		return k, fmt.Errorf("invalid cache key length %d", len(b))
	}
	copy(k[:], b)
	return k, nil
}

// ErrMalformedInput reports a structurally invalid fingerprint input.
var ErrMalformedInput = errors.New("malformed fingerprint input")

// Inputs are the declared inputs of a fingerprint. Nothing else may
// influence the resulting key.
type Inputs struct {
	// CompilerPath is the path the compiler was invoked as.
	CompilerPath string

	// CompilerHash identifies the compiler binary content or version.
	CompilerHash string

	// Args is the normalized argument list (see NormalizeArgs).
	Args []string

	// PreprocessedHash is the hash of the already-preprocessed source.
	PreprocessedHash string

	// Cwd is the working directory of the invocation. Only hashed
	// indirectly: it anchors path normalization.
	Cwd string
}

// Options control key computation.
type Options struct {
	// NormalizePaths rewrites absolute argument paths under Cwd to
	// relative form before hashing, so machines with different checkout
	// roots can share a remote store.
	NormalizePaths bool
}

// Compute derives the cache key for in. It is a pure function of in and
// opts: identical inputs always produce identical keys.
func Compute(in Inputs, opts Options) (Key, error) {
	var k Key
	if in.CompilerPath == "" || in.CompilerHash == "" {
		return k, fmt.Errorf("%w: empty compiler identity", ErrMalformedInput)
	}
	if in.PreprocessedHash == "" {
		return k, fmt.Errorf("%w: empty preprocessed hash", ErrMalformedInput)
	}

	h := blake3.New(KeySize, nil)

	writeField(h, in.CompilerPath)
	writeField(h, in.CompilerHash)

	args := in.Args
	if opts.NormalizePaths && in.Cwd != "" {
		args = relativizeArgs(args, in.Cwd)
	}
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(args)))
	h.Write(lenBuf[:])
	for _, a := range args {
		writeField(h, a)
	}

	writeField(h, in.PreprocessedHash)

	copy(k[:], h.Sum(nil))
	return k, nil
}

func writeField(h *blake3.Hasher, s string) {
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(s)))
	h.Write(lenBuf[:])
	h.Write([]byte(s))
}

func relativizeArgs(args []string, cwd string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = a
		if !filepath.IsAbs(a) {
			continue
		}
		if rel, err := filepath.Rel(cwd, a); err == nil && !strings.HasPrefix(rel, "..") {
			out[i] = rel
		}
	}
	return out
}

// outputArgs are flags whose value names an output location and therefore
// must not influence the key.
var outputArgs = map[string]bool{
	"-o":   true,
	"-MF":  true,
	"-MQ":  true,
	"-MT":  true,
	"/out": true,
}

// NormalizeArgs strips arguments that do not affect the produced object
// code, such as the output path. exclude lists additional flags to drop
// (with their value when the flag is known to take one); include forces
// flags back in even when they would be dropped.
func NormalizeArgs(args, include, exclude []string) []string {
	excluded := make(map[string]bool, len(exclude))
	for _, e := range exclude {
		excluded[e] = true
	}
	included := make(map[string]bool, len(include))
	for _, i := range include {
		included[i] = true
	}

	normalized := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		a := args[i]
		if included[a] {
			normalized = append(normalized, a)
			continue
		}
		if outputArgs[a] || excluded[a] {
			if outputArgs[a] && i+1 < len(args) {
				i++ // skip the flag value too
			}
			continue
		}
		normalized = append(normalized, a)
	}
	return normalized
}
