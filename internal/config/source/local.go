package source

import (
	"context"
	"fmt"
	"os"

	"github.com/ekisa-team/fedassist/internal/config"
	"github.com/ekisa-team/fedassist/internal/xfs"
)

// LocalDownloader resolves models that already live on disk. Nothing is copied.
type LocalDownloader struct{}

// Download checks that the configured path exists and returns it.
func (LocalDownloader) Download(_ context.Context, modelConfig *config.ModelConfig, _ string) (string, bool, error) {
	src, err := modelConfig.GetSource()
	if err != nil {
		return "", false, fmt.Errorf("failed to get model source: %w", err)
	}

	local, ok := src.(config.LocalSource)
	if !ok {
		return "", false, fmt.Errorf("invalid source type: %T", src)
	}

	path := xfs.ExpandTilde(local.Path)
	if _, err := os.Stat(path); err != nil {
		return "", false, fmt.Errorf("local model not found: %w", err)
	}

	return path, true, nil
}
