package model

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/ekisa-team/fedassist/internal/config"
	"github.com/ekisa-team/fedassist/internal/config/source"
	"github.com/ekisa-team/fedassist/internal/envvar"
	"github.com/ekisa-team/fedassist/internal/xfs"
)

// DownloaderFunc picks the downloader for a source type.
type DownloaderFunc func(ctx context.Context, sourceType config.SourceType) (source.Downloader, error)

// Manager resolves configured models to local paths and keeps them in a registry.
type Manager struct {
	registry      *Registry
	getDownloader DownloaderFunc
	mu            sync.RWMutex
}

// NewManager creates a new Manager instance.
func NewManager() *Manager {
	return &Manager{getDownloader: source.GetDownloader}
}

// NewManagerWithDownloader creates a Manager with a custom downloader lookup.
func NewManagerWithDownloader(fn DownloaderFunc) *Manager {
	return &Manager{getDownloader: fn}
}

// Registry returns the model registry, or nil before the first load.
func (m *Manager) Registry() *Registry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.registry
}

// LoadModelsFromConfig resolves the given model IDs (all configured models when none are given)
// and replaces the registry with the result.
func (m *Manager) LoadModelsFromConfig(ctx context.Context, cfg *config.Config, ids ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(ids) == 0 {
		for id := range cfg.Models {
			ids = append(ids, id)
		}
	}

	modelsPath := resolveModelsPath(cfg)
	if err := source.EnsureModelsDirectory(modelsPath); err != nil {
		return fmt.Errorf("failed to prepare models directory %s: %w", modelsPath, err)
	}

	registry := NewRegistry()
	for _, id := range ids {
		modelConfig, ok := cfg.Models[id]
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotInConfig, id)
		}

		instance, err := m.resolve(ctx, id, &modelConfig, modelsPath)
		if err != nil {
			return err
		}
		registry.Set(instance)
	}

	m.registry = registry
	return nil
}

// Resolve returns the instance for id, checking that it has the wanted type.
func (m *Manager) Resolve(id string, want ModelType) (*ModelInstance, error) {
	registry := m.Registry()
	if registry == nil {
		return nil, ErrNoRegistry
	}

	instance, ok := registry.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if instance.Type() != want {
		return nil, fmt.Errorf("%w: %s is %q, want %q", ErrWrongType, id, instance.Type(), want)
	}

	return instance, nil
}

func (m *Manager) resolve(ctx context.Context, id string, modelConfig *config.ModelConfig, modelsPath string) (*ModelInstance, error) {
	modelSource, err := modelConfig.GetSource()
	if err != nil {
		return nil, fmt.Errorf("failed to get model source for %s: %w", id, err)
	}

	downloader, err := m.getDownloader(ctx, modelSource.Type())
	if err != nil {
		return nil, fmt.Errorf("failed to get downloader for %s: %w", id, err)
	}

	path, cached, err := downloader.Download(ctx, modelConfig, modelsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to download model %s into %s: %w", id, modelsPath, err)
	}

	instance := NewModelInstance(modelConfig, id, path)
	instance.SetStatus(ModelStatusReady)

	slog.Info("Model ready", "model_id", id, "path", path, "cached", cached)
	return instance, nil
}

// resolveModelsPath returns the path to the models directory.
// Precedence:
// 1. FEDASSIST_MODELS_PATH environment variable.
// 2. ModelsDir field in the config.
// 3. Default models path.
func resolveModelsPath(cfg *config.Config) string {
	if p := os.Getenv(envvar.FedassistModelsPath); p != "" {
		return xfs.ExpandTilde(p)
	}
	if cfg.Storage.ModelsDir != "" {
		return xfs.ExpandTilde(cfg.Storage.ModelsDir)
	}
	return xfs.ExpandTilde(config.DefaultModelsPath())
}
