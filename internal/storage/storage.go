// Package storage provides the cache storage backends.
//
// A Backend stores immutable compilation results keyed by fingerprint.
// Three variants exist: the local LRU disk cache, an S3 bucket and a
// Redis server. Backend failures other than a plain miss degrade the
// single operation to "no cache" and are never allowed to fail a build.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/forgebuild/cachet/internal/fingerprint"
)

// ErrNotFound reports a cache miss. It is the only storage error that is
// part of normal operation.
var ErrNotFound = errors.New("cache entry not found")

// ErrKind classifies a StoreError.
type ErrKind int

const (
	KindIO ErrKind = iota
	KindNetwork
	KindAuth
)

func (k ErrKind) String() string {
	switch k {
	case KindIO:
		return "io"
	case KindNetwork:
		return "network"
	case KindAuth:
		return "auth"
	}
	return "unknown"
}

// StoreError wraps a failed storage operation with its classification.
type StoreError struct {
	Op   string
	Kind ErrKind
	Err  error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("storage %s: %s error: %v", e.Op, e.Kind, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func ioErr(op string, err error) error {
	return &StoreError{Op: op, Kind: KindIO, Err: err}
}

func netErr(op string, err error) error {
	return &StoreError{Op: op, Kind: KindNetwork, Err: err}
}

func authErr(op string, err error) error {
	return &StoreError{Op: op, Kind: KindAuth, Err: err}
}

// Backend is a persistence target for cache entries.
type Backend interface {
	// Get returns the entry stored under key, or ErrNotFound.
	Get(ctx context.Context, key fingerprint.Key) (*Entry, error)

	// Put stores entry under key. Entries are immutable; overwriting an
	// existing key with an equivalent entry is harmless.
	Put(ctx context.Context, key fingerprint.Key, entry *Entry) error

	// Location describes the backend for logs and stats output.
	Location() string
}
