// Package protocol defines the wire messages between the cachet client
// and the coordinator, and the length-prefixed binary framing that
// carries them.
package protocol

import (
	"time"

	"github.com/forgebuild/cachet/internal/fingerprint"
)

// CompileRequest carries one compiler invocation to the coordinator. The
// fingerprint inputs are computed client-side so the server never repeats
// preprocessing; the execution fields let the server run the real compile
// on a miss.
type CompileRequest struct {
	// Fingerprint inputs.
	CompilerPath     string
	CompilerHash     string
	NormalizedArgs   []string
	PreprocessedHash string

	// Execution inputs, passed to the compiler verbatim on a miss.
	Args []string
	Env  []string
	Cwd  string

	// Outputs are the artifact paths the invocation produces, relative
	// to Cwd unless absolute.
	Outputs []string
}

// Key recomputes the cache key from the request's fingerprint inputs.
func (r *CompileRequest) Key(normalizePaths bool) (fingerprint.Key, error) {
	return fingerprint.Compute(fingerprint.Inputs{
		CompilerPath:     r.CompilerPath,
		CompilerHash:     r.CompilerHash,
		Args:             r.NormalizedArgs,
		PreprocessedHash: r.PreprocessedHash,
		Cwd:              r.Cwd,
	}, fingerprint.Options{NormalizePaths: normalizePaths})
}

// Outcome tags a CompileResult.
type Outcome int

const (
	// OutcomeCacheHit means the result came from a storage backend.
	OutcomeCacheHit Outcome = iota

	// OutcomeCompiled means the compiler ran and succeeded; storing the
	// result proceeds asynchronously.
	OutcomeCompiled

	// OutcomeCompileFailed means the compiler itself failed; its
	// diagnostics pass through untouched.
	OutcomeCompileFailed

	// OutcomeUnhandled means the caching layer could not serve the
	// request at all and the client must compile directly.
	OutcomeUnhandled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCacheHit:
		return "cache hit"
	case OutcomeCompiled:
		return "compiled"
	case OutcomeCompileFailed:
		return "compile failed"
	case OutcomeUnhandled:
		return "unhandled"
	}
	return "unknown"
}

// CompileResult is the response to a CompileRequest. On hits and
// compiles, the coordinator has already written the output artifacts into
// the working directory; the client only replays the streams and exit
// status.
type CompileResult struct {
	Outcome  Outcome
	ExitCode int
	Stdout   []byte
	Stderr   []byte

	// Reason explains an Unhandled outcome.
	Reason string

	// TimeSaved is the recorded duration of the original compile when
	// the outcome is a hit.
	TimeSaved time.Duration
}

// Stats is the counter snapshot returned for GetStats and Shutdown.
type Stats struct {
	Hits            uint64
	Misses          uint64
	StoreErrors     uint64
	CompileFailures uint64
	Unhandled       uint64
	Evictions       uint64
	CacheSize       int64
	MaxCacheSize    int64
	CacheLocation   string
	TimeSaved       time.Duration
}

// Request is the client-to-server message: exactly one field is set.
type Request struct {
	Compile   *CompileRequest
	GetStats  bool
	ZeroStats bool
	Clear     bool
	Shutdown  bool
}

// Response is the server-to-client message: exactly one field is set.
type Response struct {
	Compile      *CompileResult
	Stats        *Stats
	ShuttingDown *Stats

	// OK acknowledges ZeroStats/Clear.
	OK bool

	// Error reports a request the server rejected (for example a Clear
	// that failed); never used for compiler failures.
	Error string
}
