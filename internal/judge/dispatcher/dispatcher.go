// Package dispatcher runs the external judge client against a submission's source.
package dispatcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	appErr "cpjudge/pkg/errors"
	"cpjudge/pkg/utils/logger"

	"github.com/google/shlex"
	"go.uber.org/zap"
)

const (
	defaultTimeout        = 2 * time.Minute
	defaultMaxOutputBytes = 1 << 20
	defaultWaitDelay      = 2 * time.Second
)

// Request is one judge client invocation.
type Request struct {
	Code              string
	Language          string
	ProblemIdentifier string
}

// Result is what the client printed and whether it exited cleanly. Judging
// failures (non-zero exit, spawn failure, timeout) are reported here, never as errors.
type Result struct {
	Stdout      string
	Stderr      string
	ExitSuccess bool
	ExitCode    int
	TimedOut    bool
	Duration    time.Duration
}

// Dispatcher submits source code to an external judge.
type Dispatcher interface {
	Dispatch(ctx context.Context, req Request) (Result, error)
}

// Config controls the CLI dispatcher.
type Config struct {
	// Command is the client command line, e.g. "python3 /opt/kattis/submit.py".
	// It is split with shell quoting rules; per-submission arguments are appended.
	Command string
	// TempDir holds the per-submission source files. Empty uses the OS default.
	TempDir string
	// Timeout bounds one client run. The process group is killed when it expires.
	Timeout time.Duration
	// MaxOutputBytes caps the captured stdout and stderr, each.
	MaxOutputBytes int
	// Env is appended to the service environment for the client.
	Env []string
}

// CLIDispatcher invokes the judge client as a subprocess.
type CLIDispatcher struct {
	argv      []string
	tempDir   string
	timeout   time.Duration
	maxOutput int
	env       []string
	lookPath  func(string) (string, error)
}

// NewCLIDispatcher validates cfg and builds a dispatcher.
func NewCLIDispatcher(cfg Config) (*CLIDispatcher, error) {
	argv, err := shlex.Split(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse judge client command: %w", err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("judge client command is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	maxOutput := cfg.MaxOutputBytes
	if maxOutput <= 0 {
		maxOutput = defaultMaxOutputBytes
	}
	return &CLIDispatcher{
		argv:      argv,
		tempDir:   cfg.TempDir,
		timeout:   timeout,
		maxOutput: maxOutput,
		env:       cfg.Env,
		lookPath:  exec.LookPath,
	}, nil
}

// Dispatch writes req.Code to a temporary file and runs
// `<client> -p <identifier> -l <language> --force <file>`.
// Errors are returned only for environment faults: the client binary is missing or
// the source file cannot be written.
func (d *CLIDispatcher) Dispatch(ctx context.Context, req Request) (Result, error) {
	bin, err := d.lookPath(d.argv[0])
	if err != nil {
		return Result{}, appErr.Wrapf(err, appErr.JudgeClientMissing, "judge client %q not found", d.argv[0])
	}

	path, cleanup, err := d.writeSource(req)
	if err != nil {
		return Result{}, appErr.Wrapf(err, appErr.JudgeSystemError, "write submission source failed")
	}
	defer cleanup()

	args := append(append([]string{}, d.argv[1:]...),
		"-p", NormalizeIdentifier(req.ProblemIdentifier),
		"-l", req.Language,
		"--force",
		path,
	)

	runCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, bin, args...)
	isolateProcessGroup(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	cmd.WaitDelay = defaultWaitDelay
	if len(d.env) > 0 {
		cmd.Env = append(os.Environ(), d.env...)
	}
	stdout := &cappedBuffer{limit: d.maxOutput}
	stderr := &cappedBuffer{limit: d.maxOutput}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	runErr := cmd.Run()
	res := Result{
		Stdout:      stdout.String(),
		Stderr:      stderr.String(),
		ExitSuccess: runErr == nil,
		ExitCode:    exitCode(cmd, runErr),
		Duration:    time.Since(start),
	}

	switch {
	case runErr == nil:
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		res.TimedOut = true
		res.ExitSuccess = false
		res.Stderr = appendNote(res.Stderr, fmt.Sprintf("judge client timed out after %s", d.timeout))
	case isExitError(runErr):
	default:
		// The process never ran (permission denied, bad interpreter, ...).
		res.Stderr = appendNote(res.Stderr, "judge client failed to start: "+runErr.Error())
	}

	logger.Debug(ctx, "judge client finished",
		zap.String("problem", req.ProblemIdentifier),
		zap.Bool("exit_success", res.ExitSuccess),
		zap.Int("exit_code", res.ExitCode),
		zap.Bool("timed_out", res.TimedOut),
		zap.Duration("duration", res.Duration),
	)
	return res, nil
}

// writeSource creates a uniquely named temp file holding the source. The returned
// cleanup removes it and is safe to call on every path.
func (d *CLIDispatcher) writeSource(req Request) (string, func(), error) {
	pattern := TempBaseName(req.ProblemIdentifier) + "-*" + ExtensionFor(req.Language)
	file, err := os.CreateTemp(d.tempDir, pattern)
	if err != nil {
		return "", func() {}, err
	}
	cleanup := func() { _ = os.Remove(file.Name()) }

	if _, err := file.WriteString(req.Code); err != nil {
		_ = file.Close()
		cleanup()
		return "", func() {}, err
	}
	if err := file.Close(); err != nil {
		cleanup()
		return "", func() {}, err
	}
	return file.Name(), cleanup, nil
}

func exitCode(cmd *exec.Cmd, err error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	if err == nil {
		return 0
	}
	return -1
}

func isExitError(err error) bool {
	var exitErr *exec.ExitError
	return errors.As(err, &exitErr)
}

func appendNote(s, note string) string {
	if s != "" && !strings.HasSuffix(s, "\n") {
		s += "\n"
	}
	return s + note + "\n"
}

// cappedBuffer keeps the first limit bytes and silently drops the rest so a
// chatty client cannot exhaust memory or block on a full pipe.
type cappedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	room := b.limit - b.buf.Len()
	if room <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *cappedBuffer) String() string {
	if b.truncated {
		return b.buf.String() + "\n[output truncated]"
	}
	return b.buf.String()
}
