package compiler

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

const (
	documentName = "main.tex"
	pdfName      = "main.pdf"

	// killGrace bounds how long Run waits for output pipes after the process
	// has been killed.
	killGrace = 2 * time.Second
)

// Command is one external tool invocation.
type Command struct {
	Name    string
	Args    []string
	Dir     string
	Env     []string // appended to the parent environment
	Timeout time.Duration
}

// Result is the outcome of Run. A process still alive at its deadline is
// killed and reported with TimedOut set.
type Result struct {
	ExitCode int
	Output   string // combined stdout and stderr
	Duration time.Duration
	TimedOut bool
	Err      error // start failure or abnormal termination
}

// OK reports a clean zero exit.
func (r Result) OK() bool {
	return r.Err == nil && !r.TimedOut && r.ExitCode == 0
}

// lockedBuffer lets stdout and stderr share one buffer.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// Run executes c synchronously.
func Run(ctx context.Context, c Command) Result {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	cmd.WaitDelay = killGrace
	var out lockedBuffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	start := time.Now()
	err := cmd.Run()
	res := Result{
		ExitCode: -1,
		Output:   out.String(),
		Duration: time.Since(start),
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	if err == nil {
		return res
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		res.TimedOut = true
		return res
	}
	if ctx.Err() != nil {
		res.Err = ctx.Err()
		return res
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		res.Err = err
	}
	return res
}

// Options selects the external tools and their deadlines.
type Options struct {
	Engine         string
	Rasterizer     string
	CompileTimeout time.Duration
	RasterTimeout  time.Duration
	// RestrictReads stops the engine opening absolute paths or parent
	// directories for reading.
	RestrictReads bool
}

func (o Options) engine() string {
	if o.Engine == "" {
		return "pdflatex"
	}
	return o.Engine
}

func (o Options) rasterizer() string {
	if o.Rasterizer == "" {
		return "pdftocairo"
	}
	return o.Rasterizer
}

// CompileResult is the outcome of Compile.
type CompileResult struct {
	OK      bool
	Log     string
	PDFPath string
	Result  Result
}

// Compile writes document to main.tex inside workDir and runs the engine on
// it with shell escape disabled. The engine's exit code alone is not trusted:
// main.pdf must exist too.
func Compile(ctx context.Context, document, workDir string, opts Options) (CompileResult, error) {
	texPath := filepath.Join(workDir, documentName)
	if err := os.WriteFile(texPath, []byte(document), 0600); err != nil {
		return CompileResult{}, err
	}

	env := []string{"openout_any=p"}
	if opts.RestrictReads {
		env = append(env, "openin_any=p")
	}
	res := Run(ctx, Command{
		Name: opts.engine(),
		Args: []string{
			"-interaction=nonstopmode",
			"-halt-on-error",
			"-no-shell-escape",
			documentName,
		},
		Dir:     workDir,
		Env:     env,
		Timeout: opts.CompileTimeout,
	})

	pdfPath := filepath.Join(workDir, pdfName)
	return CompileResult{
		OK:      res.OK() && fileExists(pdfPath),
		Log:     res.Output,
		PDFPath: pdfPath,
		Result:  res,
	}, nil
}

// RasterResult is the outcome of Rasterize.
type RasterResult struct {
	OK      bool
	Log     string
	PNGPath string
	Result  Result
}

// Rasterize converts the first page of pdfPath into <outPrefix>.png.
func Rasterize(ctx context.Context, pdfPath, outPrefix string, dpi int, transparent bool, opts Options) RasterResult {
	args := []string{"-png", "-singlefile", "-r", strconv.Itoa(dpi)}
	if transparent {
		args = append(args, "-transp")
	}
	args = append(args, pdfPath, outPrefix)

	res := Run(ctx, Command{
		Name:    opts.rasterizer(),
		Args:    args,
		Dir:     filepath.Dir(pdfPath),
		Timeout: opts.RasterTimeout,
	})

	pngPath := outPrefix + ".png"
	return RasterResult{
		OK:      res.OK() && fileExists(pngPath),
		Log:     res.Output,
		PNGPath: pngPath,
		Result:  res,
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
