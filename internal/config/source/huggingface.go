package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ekisa-team/fedassist/internal/config"
)

const (
	defaultRetryDelay = 2 * time.Second
	defaultMaxRetries = 3
	defaultTimeout    = 5 * time.Minute
	markerFilename    = ".fedassist-downloaded"
)

// runFunc runs the hf CLI and returns its combined output.
type runFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

// HuggingFaceDownloader downloads a model with the `hf` CLI.
type HuggingFaceDownloader struct {
	run        runFunc
	retryDelay time.Duration
}

// NewHuggingFaceDownloader returns a downloader that shells out to `hf download`.
func NewHuggingFaceDownloader() *HuggingFaceDownloader {
	return &HuggingFaceDownloader{
		run: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, name, args...).CombinedOutput()
		},
		retryDelay: defaultRetryDelay,
	}
}

// Download downloads a Hugging Face repository into targetDir/<repo>. A marker file records the
// repo and revision so an unchanged model is not fetched twice.
func (d *HuggingFaceDownloader) Download(ctx context.Context, modelConfig *config.ModelConfig, targetDir string) (string, bool, error) {
	src, err := modelConfig.GetSource()
	if err != nil {
		return "", false, fmt.Errorf("failed to get model source: %w", err)
	}

	hf, ok := src.(config.HuggingFaceSource)
	if !ok {
		return "", false, fmt.Errorf("invalid source type: %T", src)
	}

	repo := strings.TrimSpace(hf.Repo)
	if repo == "" {
		return "", false, errors.New("invalid repo name: empty")
	}

	fullPath := filepath.Join(targetDir, repo)
	markerPath := filepath.Join(fullPath, markerFilename)
	marker := markerContent(repo, hf.Revision)

	if !hf.ForceDownload && !shouldRedownload(markerPath, marker) {
		slog.Info("Model already downloaded, skipping", "repo", repo, "path", fullPath)
		return fullPath, true, nil
	}

	if err := os.MkdirAll(fullPath, 0o755); err != nil {
		return "", false, fmt.Errorf("failed to create directory: %w", err)
	}

	args := downloadArgs(hf, repo, fullPath)

	var lastErr error
	for attempt := range defaultMaxRetries {
		if attempt > 0 {
			slog.Info("Retrying download", "repo", repo, "attempt", attempt+1, "last_error", lastErr)
			select {
			case <-ctx.Done():
				return "", false, fmt.Errorf("download canceled: %w", ctx.Err())
			case <-time.After(d.retryDelay):
			}
		} else {
			slog.Info("Downloading model", "repo", repo, "path", fullPath)
		}

		attemptCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
		output, err := d.run(attemptCtx, "hf", args...)
		timedOut := errors.Is(attemptCtx.Err(), context.DeadlineExceeded)
		cancel()

		if err == nil {
			if err := os.WriteFile(markerPath, []byte(marker), 0o644); err != nil {
				slog.Warn("Failed to write download marker", "path", markerPath, "error", err)
			}

			slog.Info("Model downloaded successfully", "repo", repo, "path", fullPath, "attempt", attempt+1)
			return fullPath, false, nil
		}

		lastErr = err
		slog.Error("Failed to download model", "repo", repo, "attempt", attempt+1, "error", err, "output", string(output))

		if ctx.Err() != nil {
			return "", false, fmt.Errorf("download canceled: %w", err)
		}
		if timedOut {
			slog.Warn("Download timed out", "repo", repo, "attempt", attempt+1)
		}
	}

	return "", false, fmt.Errorf("download %s failed after %d attempts: %w", repo, defaultMaxRetries, lastErr)
}

func downloadArgs(hf config.HuggingFaceSource, repo, dir string) []string {
	args := []string{"download", repo, "--local-dir", dir}

	if hf.Revision != "" {
		args = append(args, "--revision", hf.Revision)
	}
	if hf.RepoType != "" {
		args = append(args, "--repo-type", hf.RepoType)
	}
	for _, inc := range hf.Include {
		args = append(args, "--include", inc)
	}
	for _, exc := range hf.Exclude {
		args = append(args, "--exclude", exc)
	}
	if hf.ForceDownload {
		args = append(args, "--force-download")
	}
	if hf.Token != "" {
		args = append(args, "--token", hf.Token)
	}
	if hf.MaxWorkers > 0 {
		args = append(args, "--max-workers", strconv.Itoa(hf.MaxWorkers))
	}

	return args
}

func markerContent(repo, revision string) string {
	return fmt.Sprintf("repo: %s\nrevision: %s\n", repo, revision)
}

// shouldRedownload reports whether the marker is missing or describes another revision.
func shouldRedownload(markerPath, expected string) bool {
	content, err := os.ReadFile(markerPath)
	if err != nil {
		return true
	}

	if string(content) != expected {
		slog.Info("Model config changed, will redownload", "marker_path", markerPath)
		return true
	}

	return false
}
