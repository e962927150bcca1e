package client

import (
	"context"
	"errors"
	"os"
	"os/exec"

	"github.com/charmbracelet/log"

	"github.com/forgebuild/cachet/internal/compiler"
	"github.com/forgebuild/cachet/internal/config"
	"github.com/forgebuild/cachet/internal/fingerprint"
	"github.com/forgebuild/cachet/internal/protocol"
)

// Run wraps one compiler invocation and returns the exit code the caller
// should exit with. Every caching-layer failure falls back to a direct,
// uncached compile; only the compiler's own result decides the build.
func Run(cfg *config.Config, exe string, args []string) int {
	analysis := compiler.Analyze(args)
	if !analysis.Cacheable() {
		log.Debug("compiling directly", "reason", analysis.Unhandled)
		return runDirect(exe, args)
	}

	req, err := buildRequest(cfg, exe, args, analysis)
	if err != nil {
		log.Debug("could not fingerprint invocation, compiling directly", "err", err)
		return runDirect(exe, args)
	}

	c, err := DialOrSpawn(cfg)
	if err != nil {
		log.Warn("coordinator unreachable, compiling directly", "err", err)
		return runDirect(exe, args)
	}
	defer c.Close()

	result, err := c.Compile(req)
	if err != nil {
		log.Warn("coordinator request failed, compiling directly", "err", err)
		return runDirect(exe, args)
	}

	if result.Outcome == protocol.OutcomeUnhandled {
		log.Debug("coordinator could not serve request, compiling directly", "reason", result.Reason)
		return runDirect(exe, args)
	}

	os.Stdout.Write(result.Stdout)
	os.Stderr.Write(result.Stderr)
	return result.ExitCode
}

// buildRequest fingerprints the invocation: compiler identity, normalized
// arguments and the hash of the preprocessed source.
func buildRequest(cfg *config.Config, exe string, args []string, analysis compiler.Analysis) (*protocol.CompileRequest, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}

	compilerPath, err := exec.LookPath(exe)
	if err != nil {
		return nil, err
	}

	compilerHash, err := compiler.HashExecutable(compilerPath)
	if err != nil {
		return nil, err
	}

	driver := compiler.NewExecDriver()
	preprocessed, err := driver.Preprocess(context.Background(), compiler.Invocation{
		Exe:  compilerPath,
		Args: args,
		Env:  os.Environ(),
		Dir:  cwd,
	})
	if err != nil {
		return nil, err
	}

	return &protocol.CompileRequest{
		CompilerPath:     compilerPath,
		CompilerHash:     compilerHash,
		NormalizedArgs:   fingerprint.NormalizeArgs(args, cfg.Fingerprint.IncludeArgs, cfg.Fingerprint.ExcludeArgs),
		PreprocessedHash: compiler.HashBytes(preprocessed),
		Args:             args,
		Env:              os.Environ(),
		Cwd:              cwd,
		Outputs:          []string{analysis.Output},
	}, nil
}

// runDirect executes the compiler with inherited streams, bypassing the
// cache entirely.
func runDirect(exe string, args []string) int {
	cmd := exec.Command(exe, args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode()
		}
		log.Error("failed to run compiler", "compiler", exe, "err", err)
		return 1
	}
	return 0
}
