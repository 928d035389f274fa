package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

const defaultMaxLineBytes = 1 << 20

// ShellRunner runs a command line through sh -c with stdout and stderr merged.
type ShellRunner struct {
	// Shell is the interpreter invoked with -c. Defaults to "sh".
	Shell string
	// MaxLineBytes bounds a single output line.
	MaxLineBytes int
}

func NewShellRunner() *ShellRunner {
	return &ShellRunner{Shell: "sh", MaxLineBytes: defaultMaxLineBytes}
}

func (s *ShellRunner) Run(ctx context.Context, cmdStr string, sink LineSink) Result {
	start := time.Now()
	finish := func(r Result) Result {
		r.Duration = time.Since(start)
		return r
	}

	shell := s.Shell
	if shell == "" {
		shell = "sh"
	}
	cmd := exec.CommandContext(ctx, shell, "-c", cmdStr)

	// Own process group, so cancellation takes spark-submit's children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	// One pipe for both streams keeps the child's own interleaving, like 2>&1.
	pr, pw, err := os.Pipe()
	if err != nil {
		return finish(Failed(fmt.Sprintf("failed to create output pipe: %v", err), err))
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pw.Close()
		pr.Close()
		return finish(Failed(fmt.Sprintf("failed to start command: %v", err), err))
	}
	// The child holds its own copy; ours must go so the reader sees EOF.
	pw.Close()

	var output strings.Builder
	done := make(chan error, 1)
	go func() {
		defer pr.Close()
		done <- s.readLines(pr, &output, sink)
	}()

	waitErr := cmd.Wait()
	readErr := <-done

	exitCode := 0
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}

	if waitErr != nil {
		res := Failed(describeWaitError(ctx, waitErr), waitErr)
		res.ExitCode = exitCode
		res.Output = output.String()
		return finish(res)
	}
	if readErr != nil {
		res := Failed(fmt.Sprintf("failed to read command output: %v", readErr), readErr)
		res.ExitCode = exitCode
		res.Output = output.String()
		return finish(res)
	}

	return finish(Succeeded(output.String()))
}

// readLines copies lines into buf (newline-joined) and hands each to sink.
// After a scan error the rest of the stream is drained so the child never
// blocks on a full pipe.
func (s *ShellRunner) readLines(r io.Reader, buf *strings.Builder, sink LineSink) error {
	maxLine := s.MaxLineBytes
	if maxLine <= 0 {
		maxLine = defaultMaxLineBytes
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)

	first := true
	for scanner.Scan() {
		line := scanner.Text()
		if !first {
			buf.WriteByte('\n')
		}
		buf.WriteString(line)
		first = false
		if sink != nil {
			sink(line)
		}
	}

	if err := scanner.Err(); err != nil {
		_, _ = io.Copy(io.Discard, r)
		return err
	}
	return nil
}

func describeWaitError(ctx context.Context, err error) string {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Sprintf("command cancelled: %v", ctxErr)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if exitErr.ExitCode() == -1 {
			return fmt.Sprintf("command terminated: %v", exitErr)
		}
		return fmt.Sprintf("command exited with status %d", exitErr.ExitCode())
	}
	return fmt.Sprintf("command failed: %v", err)
}
