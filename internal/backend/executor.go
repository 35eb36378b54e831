package backend

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"time"
)

// CommandRunner is the interface for running commands.
type CommandRunner interface {
	Run(ctx context.Context, name string, args []string, stdin io.Reader) (stdout, stderr []byte, err error)
	Start(ctx context.Context, name string, args []string, stdin io.Reader) (stdout, stderr io.ReadCloser, wait func() error, err error)
}

// ExecCommandRunner uses os/exec.
type ExecCommandRunner struct{}

// Run runs a command to completion.
func (ExecCommandRunner) Run(ctx context.Context, name string, args []string, stdin io.Reader) (stdout, stderr []byte, err error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = stdin

	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	err = cmd.Run()
	return outBuf.Bytes(), errBuf.Bytes(), err
}

// Start starts a command and hands back its output pipes.
func (ExecCommandRunner) Start(ctx context.Context, name string, args []string, stdin io.Reader) (stdout, stderr io.ReadCloser, wait func() error, err error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = stdin

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, nil, err
	}

	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, nil, nil, err
	}

	return stdoutPipe, stderrPipe, cmd.Wait, nil
}

// Executor runs a backend binary.
type Executor struct {
	runner     CommandRunner
	binaryPath string
	timeout    time.Duration
	split      bufio.SplitFunc
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithRunner replaces the command runner.
func WithRunner(runner CommandRunner) ExecutorOption {
	return func(e *Executor) {
		e.runner = runner
	}
}

// WithSplit sets how streamed stdout is cut into chunks. Lines by default.
func WithSplit(split bufio.SplitFunc) ExecutorOption {
	return func(e *Executor) {
		e.split = split
	}
}

// NewExecutor creates an executor. binaryPath may be a bare name looked up on PATH.
// A zero timeout leaves calls bounded only by the caller's context.
func NewExecutor(binaryPath string, timeout time.Duration, opts ...ExecutorOption) (*Executor, error) {
	e := &Executor{
		binaryPath: binaryPath,
		timeout:    timeout,
		runner:     ExecCommandRunner{},
		split:      bufio.ScanLines,
	}
	for _, opt := range opts {
		opt(e)
	}

	if _, ok := e.runner.(ExecCommandRunner); ok {
		resolved, err := exec.LookPath(binaryPath)
		if err != nil {
			return nil, fmt.Errorf("binary not found: %w", err)
		}
		e.binaryPath = resolved
	}

	return e, nil
}

func (e *Executor) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.timeout > 0 {
		return context.WithTimeout(ctx, e.timeout)
	}

	return context.WithCancel(ctx)
}

// Execute runs the command and returns output.
func (e *Executor) Execute(ctx context.Context, args []string, stdin io.Reader) (stdout, stderr []byte, err error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	return e.runner.Run(ctx, e.binaryPath, args, stdin)
}

// Stream runs the command and streams stdout chunk by chunk. The last chunk has Done set and
// carries the exit error, if any. When parent is cancelled the process is killed and the channel is
// closed without a final chunk.
func (e *Executor) Stream(parent context.Context, args []string, stdin io.Reader) (<-chan StreamChunk, error) {
	ctx, cancel := e.withTimeout(parent)

	stdout, stderr, wait, err := e.runner.Start(ctx, e.binaryPath, args, stdin)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("executor: failed to start command: %w", err)
	}

	ch := make(chan StreamChunk, 32)

	go func() {
		defer close(ch)
		defer cancel()

		emit := func(chunk StreamChunk) bool {
			select {
			case ch <- chunk:
				return true
			case <-ctx.Done():
				return false
			}
		}

		stderrBuf := new(bytes.Buffer)
		stderrDone := make(chan struct{})
		go func() {
			defer close(stderrDone)
			if _, err := io.Copy(stderrBuf, stderr); err != nil {
				slog.Debug("Failed to read stderr", "error", err)
			}
		}()

		scanner := bufio.NewScanner(stdout)
		scanner.Split(e.split)
		for scanner.Scan() {
			if !emit(StreamChunk{Data: bytes.Clone(scanner.Bytes())}) {
				break
			}
		}
		scanErr := scanner.Err()

		<-stderrDone
		waitErr := wait()

		if parent.Err() != nil {
			return
		}
		if err := ctx.Err(); err != nil {
			ch <- StreamChunk{Error: fmt.Errorf("executor: %w", err), Done: true}
			return
		}

		switch {
		case scanErr != nil:
			emit(StreamChunk{Error: scanErr, Done: true})
		case waitErr != nil:
			if s := bytes.TrimSpace(stderrBuf.Bytes()); len(s) > 0 {
				waitErr = fmt.Errorf("%w: %s", waitErr, s)
			}
			emit(StreamChunk{Error: waitErr, Done: true})
		default:
			emit(StreamChunk{Done: true})
		}
	}()

	return ch, nil
}
