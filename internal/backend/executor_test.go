package backend

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRunner replays canned output instead of spawning a process.
type fakeRunner struct {
	stdout  io.Reader
	stderr  string
	waitErr error
	runErr  error
	args    []string
	started chan struct{}
}

func (f *fakeRunner) Run(_ context.Context, _ string, args []string, _ io.Reader) ([]byte, []byte, error) {
	f.args = args
	out, _ := io.ReadAll(f.stdout)
	return out, []byte(f.stderr), f.runErr
}

func (f *fakeRunner) Start(ctx context.Context, _ string, args []string, _ io.Reader) (io.ReadCloser, io.ReadCloser, func() error, error) {
	f.args = args
	if f.started != nil {
		close(f.started)
	}
	return io.NopCloser(f.stdout), io.NopCloser(strings.NewReader(f.stderr)), func() error {
		return f.waitErr
	}, nil
}

func collect(t *testing.T, ch <-chan StreamChunk) (string, []StreamChunk) {
	t.Helper()

	var sb strings.Builder
	var chunks []StreamChunk
	for chunk := range ch {
		chunks = append(chunks, chunk)
		sb.Write(chunk.Data)
	}
	return sb.String(), chunks
}

func TestExecutor_StreamRunes(t *testing.T) {
	runner := &fakeRunner{stdout: strings.NewReader("你好ok")}
	e, err := NewExecutor("llama-cli", 0, WithRunner(runner), WithSplit(bufio.ScanRunes))
	require.NoError(t, err)

	ch, err := e.Stream(context.Background(), []string{"--prompt", "hi"}, nil)
	require.NoError(t, err)

	text, chunks := collect(t, ch)
	assert.Equal(t, "你好ok", text)
	require.Len(t, chunks, 5)
	assert.Equal(t, "你", string(chunks[0].Data))
	assert.True(t, chunks[4].Done)
	assert.NoError(t, chunks[4].Error)
	assert.Equal(t, []string{"--prompt", "hi"}, runner.args)
}

func TestExecutor_StreamExitError(t *testing.T) {
	runner := &fakeRunner{
		stdout:  strings.NewReader("partial\n"),
		stderr:  "model not found",
		waitErr: errors.New("exit status 1"),
	}
	e, err := NewExecutor("llama-cli", time.Minute, WithRunner(runner))
	require.NoError(t, err)

	ch, err := e.Stream(context.Background(), nil, nil)
	require.NoError(t, err)

	text, chunks := collect(t, ch)
	assert.Equal(t, "partial", text)
	last := chunks[len(chunks)-1]
	assert.True(t, last.Done)
	assert.ErrorContains(t, last.Error, "model not found")
}

func TestExecutor_StreamCancelled(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	runner := &fakeRunner{stdout: pr, started: make(chan struct{})}
	e, err := NewExecutor("llama-cli", 0, WithRunner(runner), WithSplit(bufio.ScanRunes))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := e.Stream(ctx, nil, nil)
	require.NoError(t, err)
	<-runner.started

	go func() {
		_, _ = pw.Write([]byte("a"))
	}()
	first := <-ch
	assert.Equal(t, "a", string(first.Data))

	cancel()
	// The fake process never exits on its own; closing the pipe mimics the kill.
	pw.Close()

	for chunk := range ch {
		assert.False(t, chunk.Done, "no terminal chunk after cancellation")
	}
}

func TestExecutor_Execute(t *testing.T) {
	runner := &fakeRunner{stdout: strings.NewReader("out"), stderr: "err"}
	e, err := NewExecutor("llama-cli", time.Second, WithRunner(runner))
	require.NoError(t, err)

	stdout, stderr, err := e.Execute(context.Background(), []string{"-n", "1"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "out", string(stdout))
	assert.Equal(t, "err", string(stderr))
}

func TestNewExecutor_MissingBinary(t *testing.T) {
	_, err := NewExecutor("/definitely/not/here/llama-cli", 0)
	assert.Error(t, err)
}
