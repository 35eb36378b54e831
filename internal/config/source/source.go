package source

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/ekisa-team/fedassist/internal/config"
)

// ErrUnsupportedSource is returned when no downloader handles a source type.
var ErrUnsupportedSource = errors.New("unsupported model source")

// Downloader materializes a model source into a local directory.
type Downloader interface {
	// Download returns the local path of the model and whether it was already present.
	Download(ctx context.Context, modelConfig *config.ModelConfig, targetDir string) (string, bool, error)
}

// GetDownloader returns the downloader for a source type.
func GetDownloader(_ context.Context, sourceType config.SourceType) (Downloader, error) {
	switch sourceType {
	case config.SourceTypeHuggingFace:
		return NewHuggingFaceDownloader(), nil
	case config.SourceTypeLocal:
		return LocalDownloader{}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSource, sourceType)
	}
}

// EnsureModelsDirectory creates the models directory if needed.
func EnsureModelsDirectory(path string) error {
	info, err := os.Stat(path)
	if err == nil {
		if !info.IsDir() {
			return fmt.Errorf("models path %s is not a directory", path)
		}
		return nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return err
	}

	return os.MkdirAll(path, 0o755)
}
