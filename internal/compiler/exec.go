package compiler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"lukechampine.com/blake3"
)

// ExecDriver runs the real compiler via os/exec.
type ExecDriver struct{}

// NewExecDriver returns a Driver backed by os/exec.
func NewExecDriver() *ExecDriver {
	return &ExecDriver{}
}

// Preprocess runs the compiler with -E over the invocation's preprocessor
// arguments and returns the expanded source text.
func (d *ExecDriver) Preprocess(ctx context.Context, inv Invocation) ([]byte, error) {
	analysis := Analyze(inv.Args)
	if !analysis.Cacheable() {
		return nil, fmt.Errorf("invocation is not preprocessable: %s", analysis.Unhandled)
	}

	args := append([]string{"-E"}, analysis.PreprocessArgs...)
	args = append(args, analysis.Input)

	cmd := exec.CommandContext(ctx, inv.Exe, args...)
	cmd.Dir = inv.Dir
	cmd.Env = inv.Env

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("preprocessor exited with %d: %s", exitErr.ExitCode(), stderr.String())
		}
		return nil, fmt.Errorf("failed to run preprocessor: %w", err)
	}

	return stdout.Bytes(), nil
}

// Compile runs the invocation verbatim, captures its streams, and reads
// back the bytes of the files named in outputs. A non-zero exit status is
// data in the Result; an error means the process could not run.
func (d *ExecDriver) Compile(ctx context.Context, inv Invocation, outputs []string) (*Result, error) {
	cmd := exec.CommandContext(ctx, inv.Exe, inv.Args...)
	cmd.Dir = inv.Dir
	cmd.Env = inv.Env

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("failed to run compiler: %w", err)
		}
		exitCode = exitErr.ExitCode()
	}

	res := &Result{
		ExitCode: exitCode,
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		Duration: elapsed,
	}

	if exitCode != 0 {
		return res, nil
	}

	for _, out := range outputs {
		path := out
		if !filepath.IsAbs(path) {
			path = filepath.Join(inv.Dir, out)
		}
		data, readErr := os.ReadFile(path)
		if readErr != nil {
			return nil, fmt.Errorf("failed to read compiler output %s: %w", out, readErr)
		}
		mode := uint32(0o644)
		if info, statErr := os.Stat(path); statErr == nil {
			mode = uint32(info.Mode().Perm())
		}
		res.Outputs = append(res.Outputs, OutputFile{Path: out, Mode: mode, Data: data})
	}

	return res, nil
}

var (
	hashMu    sync.Mutex
	hashMemo  = map[string]string{}
	hashStamp = map[string]time.Time{}
)

// HashExecutable returns a content hash identifying the compiler binary,
// memoized by path and modification time.
func HashExecutable(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("failed to stat compiler: %w", err)
	}

	hashMu.Lock()
	if stamp, ok := hashStamp[path]; ok && stamp.Equal(info.ModTime()) {
		h := hashMemo[path]
		hashMu.Unlock()
		return h, nil
	}
	hashMu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open compiler: %w", err)
	}
	defer f.Close()

	h := blake3.New(32, nil)
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash compiler: %w", err)
	}
	sum := fmt.Sprintf("%x", h.Sum(nil))

	hashMu.Lock()
	hashMemo[path] = sum
	hashStamp[path] = info.ModTime()
	hashMu.Unlock()

	return sum, nil
}

// HashBytes hashes arbitrary content (preprocessed source) to hex.
func HashBytes(data []byte) string {
	sum := blake3.Sum256(data)
	return fmt.Sprintf("%x", sum[:])
}
