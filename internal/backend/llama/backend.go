package llama

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ekisa-team/fedassist/internal/backend"
	"github.com/ekisa-team/fedassist/internal/mapsafe"
	"github.com/ekisa-team/fedassist/internal/xfs"
)

const defaultPredict = 512

// Backend implements both backend.Backend and backend.StreamingBackend for the llama.cpp CLI.
type Backend struct {
	executor *backend.Executor
}

// NewBackend creates a new llama.cpp backend. Streams are cut per rune so callers see output at
// token granularity.
func NewBackend(binPath string, timeout time.Duration, opts ...backend.ExecutorOption) (*Backend, error) {
	opts = append([]backend.ExecutorOption{backend.WithSplit(bufio.ScanRunes)}, opts...)

	executor, err := backend.NewExecutor(binPath, timeout, opts...)
	if err != nil {
		return nil, err
	}

	return &Backend{
		executor: executor,
	}, nil
}

// Provider returns the backend provider.
func (b *Backend) Provider() backend.BackendProvider {
	return backend.BackendProviderLlamaCPP
}

// Infer executes synchronous inference.
func (b *Backend) Infer(ctx context.Context, req *backend.Request) (*backend.Response, error) {
	args, cleanup, err := b.promptArgs(req)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	start := time.Now()
	stdout, stderr, err := b.executor.Execute(ctx, args, nil)
	if err != nil {
		return nil, fmt.Errorf("execution failed: %w\nstderr: %s", err, stderr)
	}

	text := parseOutput(string(stdout))

	return &backend.Response{
		Output: strings.NewReader(text),
		Metadata: &backend.ResponseMetadata{
			Provider:        b.Provider(),
			Model:           req.ModelPath,
			Timestamp:       time.Now(),
			DurationSeconds: time.Since(start).Seconds(),
			OutputBytes:     int64(len(text)),
			BackendSpecific: map[string]any{
				"stderr": string(stderr),
				"args":   strings.Join(args, " "),
			},
		},
	}, nil
}

// InferStream executes streaming inference.
func (b *Backend) InferStream(ctx context.Context, req *backend.Request) (<-chan backend.StreamChunk, error) {
	args, cleanup, err := b.promptArgs(req)
	if err != nil {
		return nil, err
	}

	stream, err := b.executor.Stream(ctx, args, nil)
	if err != nil {
		cleanup()
		return nil, err
	}

	// The prompt file must outlive the process, so it is removed once the stream is drained.
	out := make(chan backend.StreamChunk)
	go func() {
		defer close(out)
		defer cleanup()

		for chunk := range stream {
			select {
			case out <- chunk:
			case <-ctx.Done():
			}
		}
	}()

	return out, nil
}

// ResolveModelPath returns basePath itself when it is a file, else the first GGUF file below it.
func (b *Backend) ResolveModelPath(basePath string) (string, error) {
	info, err := os.Stat(basePath)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return basePath, nil
	}

	path, err := xfs.FindFirst(basePath, "*.gguf")
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%w in %s", backend.ErrModelNotLocated, basePath)
	}

	return path, err
}

// Close cleans up resources. The CLI is spawned per request, so there is nothing to release.
func (b *Backend) Close() error {
	return nil
}

// promptArgs writes the prompt to a temporary file passed with --file. Chat history grows
// without bound and a single argv string is capped by the kernel (MAX_ARG_STRLEN, 128KiB).
// The returned cleanup removes the file.
func (b *Backend) promptArgs(req *backend.Request) ([]string, func(), error) {
	if req.Input == nil {
		return nil, nil, errors.New("llama: request has no input")
	}

	prompt, err := io.ReadAll(req.Input)
	if err != nil {
		return nil, nil, fmt.Errorf("read input: %w", err)
	}

	f, err := os.CreateTemp("", "fedassist-prompt-*.txt")
	if err != nil {
		return nil, nil, fmt.Errorf("create prompt file: %w", err)
	}
	cleanup := func() { os.Remove(f.Name()) }

	if _, err := f.Write(bytes.TrimRight(prompt, "\n")); err != nil {
		f.Close()
		cleanup()
		return nil, nil, fmt.Errorf("write prompt file: %w", err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("write prompt file: %w", err)
	}

	return append(buildArgs(req), "--file", f.Name()), cleanup, nil
}

// buildArgs builds llama.cpp command-line arguments.
func buildArgs(req *backend.Request) []string {
	args := []string{"--model", req.ModelPath}

	p := req.Parameters
	if p == nil {
		p = map[string]any{}
	}

	if v, ok := mapsafe.Lookup[string](p, "system_prompt"); ok {
		args = append(args, "--system-prompt", v)
	}
	if v, ok := mapsafe.Lookup[int](p, "n_ctx"); ok {
		args = append(args, "--ctx-size", strconv.Itoa(v))
	}

	args = append(args, "-n", strconv.Itoa(mapsafe.Get(p, "n_predict", defaultPredict)))

	if v, ok := mapsafe.Lookup[int](p, "n_gpu_layers"); ok {
		args = append(args, "-ngl", strconv.Itoa(v))
	}
	if v, ok := mapsafe.Lookup[int](p, "threads"); ok {
		args = append(args, "-t", strconv.Itoa(v))
	}
	if v, ok := mapsafe.Lookup[float64](p, "temperature"); ok {
		args = append(args, "--temp", formatFloat(v))
	}

	args = append(args, "--repeat-penalty", formatFloat(mapsafe.Get(p, "repeat_penalty", 1.1)))

	if v, ok := mapsafe.Lookup[float64](p, "top_p"); ok {
		args = append(args, "--top-p", formatFloat(v))
	}
	if v, ok := mapsafe.Lookup[int](p, "top_k"); ok {
		args = append(args, "--top-k", strconv.Itoa(v))
	}
	if v, ok := mapsafe.Lookup[int](p, "seed"); ok {
		args = append(args, "--seed", strconv.Itoa(v))
	}

	return append(args,
		"--no-warmup",
		"--no-display-prompt",
		"--simple-io",
		"--no-conversation",
	)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

// parseOutput drops llama.cpp diagnostic lines and returns the generated text.
func parseOutput(output string) string {
	var result strings.Builder
	inGeneration := false

	for line := range strings.SplitSeq(output, "\n") {
		if isDiagnostic(line) {
			continue
		}

		if strings.TrimSpace(line) != "" {
			inGeneration = true
		}

		if inGeneration {
			result.WriteString(line)
			result.WriteString("\n")
		}
	}

	return strings.TrimSpace(result.String())
}

var diagnosticPrefixes = []string{
	"system_info:", "llama_", "ggml_", "print_info:", "load:", "main:", "sampler", "generate:",
}

func isDiagnostic(line string) bool {
	for _, prefix := range diagnosticPrefixes {
		if strings.HasPrefix(line, prefix) {
			return true
		}
	}

	return false
}
