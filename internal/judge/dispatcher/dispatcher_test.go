//go:build unix

package dispatcher

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"cpjudge/internal/testutil"
	appErr "cpjudge/pkg/errors"
)

// writeClient installs a fake judge client script and returns its path.
func writeClient(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-client")
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write client: %v", err)
	}
	return path
}

func newDispatcher(t *testing.T, command string, timeout time.Duration) (*CLIDispatcher, string) {
	t.Helper()
	tmp := t.TempDir()
	d, err := NewCLIDispatcher(Config{Command: command, TempDir: tmp, Timeout: timeout})
	testutil.AssertNoError(t, err)
	return d, tmp
}

func TestDispatchPassesArgumentsAndCapturesOutput(t *testing.T) {
	t.Parallel()
	// Echo the arguments and the source so the test can see both.
	client := writeClient(t, `echo "args: $1 $2 $3 $4 $5"
cat "$6"
echo "warn" >&2`)
	d, tmp := newDispatcher(t, client, 5*time.Second)

	res, err := d.Dispatch(context.Background(), Request{
		Code:              "int main(){}",
		Language:          "C++",
		ProblemIdentifier: "  Hello ",
	})
	testutil.AssertNoError(t, err)
	testutil.AssertTrue(t, res.ExitSuccess, "client should exit cleanly")
	testutil.AssertEqual(t, res.ExitCode, 0)
	testutil.AssertTrue(t, strings.Contains(res.Stdout, "args: -p hello -l C++ --force"), "client should receive -p/-l/--force arguments")
	testutil.AssertTrue(t, strings.Contains(res.Stdout, "int main(){}"), "client should see the source file")
	testutil.AssertEqual(t, res.Stderr, "warn\n")

	entries, err := os.ReadDir(tmp)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, len(entries), 0)
}

func TestDispatchTempFileName(t *testing.T) {
	t.Parallel()
	client := writeClient(t, `basename "$6"`)
	d, _ := newDispatcher(t, client, 5*time.Second)

	res, err := d.Dispatch(context.Background(), Request{Code: "x", Language: "Python 3", ProblemIdentifier: "a/b c"})
	testutil.AssertNoError(t, err)
	name := strings.TrimSpace(res.Stdout)
	testutil.AssertTrue(t, strings.HasPrefix(name, "a_b_c-"), "temp file should start with the sanitized identifier")
	testutil.AssertTrue(t, strings.HasSuffix(name, ".py"), "temp file should carry the language extension")
}

func TestDispatchCommandWithArguments(t *testing.T) {
	t.Parallel()
	client := writeClient(t, `echo "$1|$2"`)
	d, _ := newDispatcher(t, client+` "--config file"`, 5*time.Second)

	res, err := d.Dispatch(context.Background(), Request{Code: "x", Language: "Go", ProblemIdentifier: "p"})
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, strings.TrimSpace(res.Stdout), "--config file|-p")
}

func TestDispatchNonZeroExit(t *testing.T) {
	t.Parallel()
	client := writeClient(t, `echo "Wrong Answer"; exit 3`)
	d, tmp := newDispatcher(t, client, 5*time.Second)

	res, err := d.Dispatch(context.Background(), Request{Code: "x", Language: "Go", ProblemIdentifier: "p"})
	testutil.AssertNoError(t, err)
	testutil.AssertFalse(t, res.ExitSuccess, "non-zero exit must not be a success")
	testutil.AssertEqual(t, res.ExitCode, 3)
	testutil.AssertFalse(t, res.TimedOut, "non-zero exit is not a timeout")
	testutil.AssertEqual(t, res.Stdout, "Wrong Answer\n")

	entries, _ := os.ReadDir(tmp)
	testutil.AssertEqual(t, len(entries), 0)
}

func TestDispatchTimeoutKillsProcessGroup(t *testing.T) {
	t.Parallel()
	// The child sleep keeps the pipes open; only a group kill ends it promptly.
	client := writeClient(t, `sleep 30 &
sleep 30`)
	d, tmp := newDispatcher(t, client, 300*time.Millisecond)

	start := time.Now()
	res, err := d.Dispatch(context.Background(), Request{Code: "x", Language: "Go", ProblemIdentifier: "p"})
	testutil.AssertNoError(t, err)
	testutil.AssertTrue(t, res.TimedOut, "run should be marked timed out")
	testutil.AssertFalse(t, res.ExitSuccess, "timed out run must not be a success")
	testutil.AssertTrue(t, strings.Contains(res.Stderr, "timed out"), "stderr should carry a timeout note")
	testutil.AssertTrue(t, time.Since(start) < 10*time.Second, "timeout should end the run promptly")

	entries, _ := os.ReadDir(tmp)
	testutil.AssertEqual(t, len(entries), 0)
}

func TestDispatchMissingClient(t *testing.T) {
	t.Parallel()
	d, _ := newDispatcher(t, filepath.Join(t.TempDir(), "no-such-client"), time.Second)

	_, err := d.Dispatch(context.Background(), Request{Code: "x", Language: "Go", ProblemIdentifier: "p"})
	testutil.AssertTrue(t, appErr.Is(err, appErr.JudgeClientMissing), "missing client should be JudgeClientMissing")
}

func TestDispatchUnwritableTempDir(t *testing.T) {
	t.Parallel()
	client := writeClient(t, `exit 0`)
	d, err := NewCLIDispatcher(Config{Command: client, TempDir: filepath.Join(t.TempDir(), "missing", "dir")})
	testutil.AssertNoError(t, err)

	_, err = d.Dispatch(context.Background(), Request{Code: "x", Language: "Go", ProblemIdentifier: "p"})
	testutil.AssertTrue(t, appErr.Is(err, appErr.JudgeSystemError), "temp file failure should be JudgeSystemError")
}

func TestDispatchCapsOutput(t *testing.T) {
	t.Parallel()
	client := writeClient(t, `i=0; while [ $i -lt 200 ]; do echo 0123456789; i=$((i+1)); done`)
	d, err := NewCLIDispatcher(Config{Command: client, TempDir: t.TempDir(), MaxOutputBytes: 64})
	testutil.AssertNoError(t, err)

	res, err := d.Dispatch(context.Background(), Request{Code: "x", Language: "Go", ProblemIdentifier: "p"})
	testutil.AssertNoError(t, err)
	testutil.AssertTrue(t, res.ExitSuccess, "client should exit cleanly")
	testutil.AssertTrue(t, strings.HasSuffix(res.Stdout, "[output truncated]"), "captured output should be marked truncated")
	testutil.AssertTrue(t, len(res.Stdout) < 128, "captured output should be capped")
}

func TestNewCLIDispatcherRejectsBadCommand(t *testing.T) {
	t.Parallel()
	_, err := NewCLIDispatcher(Config{Command: "   "})
	testutil.AssertTrue(t, err != nil, "blank command should be rejected")
	_, err = NewCLIDispatcher(Config{Command: `client "unterminated`})
	testutil.AssertTrue(t, err != nil, "unterminated quote should be rejected")
}
