// Package compiler invokes the real compiler and classifies invocations.
//
// The cache never interprets compiler output: exit status, stdout, stderr
// and artifact bytes pass through verbatim. The only inspection done here
// is a minimal gcc-style argument scan deciding whether an invocation is
// a cacheable single-input compilation at all.
package compiler

import (
	"context"
	"strings"
	"time"
)

// Invocation describes one compiler run.
type Invocation struct {
	// Exe is the compiler executable path.
	Exe string

	// Args are the arguments, without the program name.
	Args []string

	// Env is the environment in os.Environ form.
	Env []string

	// Dir is the working directory.
	Dir string
}

// OutputFile is one artifact produced by a compile.
type OutputFile struct {
	Path string
	Mode uint32
	Data []byte
}

// Result captures everything the compiler produced.
type Result struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	Outputs  []OutputFile
	Duration time.Duration
}

// Driver abstracts the external compiler for the coordinator and tests.
type Driver interface {
	// Preprocess returns the canonicalized source text of the
	// invocation's input, used only for fingerprinting.
	Preprocess(ctx context.Context, inv Invocation) ([]byte, error)

	// Compile runs the invocation verbatim and collects the bytes of
	// the files named in outputs. A non-zero compiler exit is reported
	// in the Result, not as an error.
	Compile(ctx context.Context, inv Invocation, outputs []string) (*Result, error)
}

// Analysis is the outcome of scanning an argument list.
type Analysis struct {
	// Input is the single source file being compiled.
	Input string

	// Output is the object file path ("-o" or input with .o).
	Output string

	// PreprocessArgs are the arguments to give the preprocessor:
	// everything except -c, -o and its value, and the input itself.
	PreprocessArgs []string

	// Unhandled is a non-empty reason when the invocation cannot be
	// cached and must run directly.
	Unhandled string
}

// Cacheable reports whether the invocation can be served from cache.
func (a Analysis) Cacheable() bool { return a.Unhandled == "" }

var sourceExts = []string{".c", ".cc", ".cpp", ".cxx", ".m", ".mm", ".s", ".S"}

func isSourceFile(arg string) bool {
	for _, ext := range sourceExts {
		if strings.HasSuffix(arg, ext) {
			return true
		}
	}
	return false
}

// argsWithValue are gcc-style flags that consume the next argument.
var argsWithValue = map[string]bool{
	"--param": true, "-A": true, "-D": true, "-F": true, "-G": true,
	"-I": true, "-L": true, "-U": true, "-V": true,
	"-Xassembler": true, "-Xlinker": true, "-Xpreprocessor": true,
	"-aux-info": true, "-b": true, "-idirafter": true, "-iframework": true,
	"-imacros": true, "-imultilib": true, "-include": true,
	"-install_name": true, "-iprefix": true, "-iquote": true,
	"-isysroot": true, "-isystem": true, "-iwithprefix": true,
	"-iwithprefixbefore": true, "-u": true, "-x": true,
	"-MF": true, "-MQ": true, "-MT": true,
}

// Analyze scans a gcc-style argument list and decides whether the
// invocation is a cacheable compilation of exactly one source file.
func Analyze(args []string) Analysis {
	var a Analysis
	compiling := false

	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "-c":
			compiling = true
			continue
		case arg == "-o":
			if i+1 < len(args) {
				i++
				a.Output = args[i]
			}
			continue
		case arg == "-E" || arg == "-fsyntax-only":
			a.Unhandled = "not a compilation"
			return a
		case arg == "-fprofile-use" || arg == "-fmodules" || arg == "-fcxx-modules":
			a.Unhandled = "uncacheable flag " + arg
			return a
		case strings.HasPrefix(arg, "@"):
			a.Unhandled = "response file"
			return a
		case argsWithValue[arg]:
			a.PreprocessArgs = append(a.PreprocessArgs, arg)
			if i+1 < len(args) {
				i++
				a.PreprocessArgs = append(a.PreprocessArgs, args[i])
			}
			continue
		case !strings.HasPrefix(arg, "-") && isSourceFile(arg):
			if a.Input != "" {
				a.Unhandled = "multiple input files"
				return a
			}
			a.Input = arg
			continue
		}
		a.PreprocessArgs = append(a.PreprocessArgs, arg)
	}

	if !compiling {
		a.Unhandled = "not a compilation"
		return a
	}
	if a.Input == "" {
		a.Unhandled = "no input file"
		return a
	}
	if a.Output == "" {
		base := a.Input
		if dot := strings.LastIndexByte(base, '.'); dot > 0 {
			base = base[:dot]
		}
		a.Output = base + ".o"
	}

	return a
}
