package config

import (
	"errors"
	"fmt"
	"time"
)

// SourceType represents the type of model source.
type SourceType string

const (
	// SourceTypeHuggingFace represents a Hugging Face model repository source.
	SourceTypeHuggingFace SourceType = "huggingface"

	// SourceTypeLocal represents a model directory already present on disk.
	SourceTypeLocal SourceType = "local"
)

// Config holds the main configuration for the application.
type Config struct {
	Version string                 `json:"version"           yaml:"version"           toml:"version"`
	Storage StorageConfig          `json:"storage,omitempty" yaml:"storage,omitempty" toml:"storage,omitempty"`
	Models  map[string]ModelConfig `json:"models"            yaml:"models"            toml:"models"`
	Chat    ChatConfig             `json:"chat"              yaml:"chat"              toml:"chat"`
	Adapter AdapterConfig          `json:"adapter,omitempty" yaml:"adapter,omitempty" toml:"adapter,omitempty"`
}

// StorageConfig holds configuration for caching and auto-download.
type StorageConfig struct {
	ModelsDir string `json:"models_dir,omitempty" yaml:"models_dir,omitempty" toml:"models_dir,omitempty"`
}

// ModelConfig holds configuration for a specific model.
type ModelConfig struct {
	Source  SourceConfig `json:"source"            yaml:"source"            toml:"source"`
	Type    string       `json:"type"              yaml:"type"              toml:"type"`
	Backend string       `json:"backend,omitempty" yaml:"backend,omitempty" toml:"backend,omitempty"`
	Tags    []string     `json:"tags,omitempty"    yaml:"tags,omitempty"    toml:"tags,omitempty"`
}

// SourceConfig wraps optional sources (only one should be set).
type SourceConfig struct {
	HuggingFace *HuggingFaceSource `json:"huggingface,omitempty" yaml:"huggingface,omitempty" toml:"huggingface,omitempty"`
	Local       *LocalSource       `json:"local,omitempty"       yaml:"local,omitempty"       toml:"local,omitempty"`
}

// ChatConfig configures the interactive chat command.
type ChatConfig struct {
	// Model is the ID of an entry in Models used for generation.
	Model string `json:"model" yaml:"model" toml:"model"`

	// Binary is the path to the llama.cpp CLI.
	Binary string `json:"binary,omitempty" yaml:"binary,omitempty" toml:"binary,omitempty"`

	AssistantName string `json:"assistant_name,omitempty" yaml:"assistant_name,omitempty" toml:"assistant_name,omitempty"`
	ModelLabel    string `json:"model_label,omitempty"    yaml:"model_label,omitempty"    toml:"model_label,omitempty"`
	Banner        string `json:"banner,omitempty"         yaml:"banner,omitempty"         toml:"banner,omitempty"`

	// Timeout bounds a single generation. Empty or "0" means no timeout.
	Timeout string `json:"timeout,omitempty" yaml:"timeout,omitempty" toml:"timeout,omitempty"`

	// Parameters are passed to the backend untouched (n_predict, temperature, ...).
	Parameters map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty" toml:"parameters,omitempty"`
}

// AdapterConfig configures the parameter-efficient adapter command.
type AdapterConfig struct {
	// Model is the ID of an entry in Models holding the pretrained weights.
	Model string `json:"model,omitempty" yaml:"model,omitempty" toml:"model,omitempty"`

	// PretrainedPath points directly at a pretrained model directory and wins over Model.
	PretrainedPath string `json:"pretrained_path,omitempty" yaml:"pretrained_path,omitempty" toml:"pretrained_path,omitempty"`

	ModelConfig map[string]any `json:"model_config,omitempty" yaml:"model_config,omitempty" toml:"model_config,omitempty"`
	Overrides   map[string]any `json:"overrides,omitempty"    yaml:"overrides,omitempty"    toml:"overrides,omitempty"`
	PeftType    string         `json:"peft_type,omitempty"    yaml:"peft_type,omitempty"    toml:"peft_type,omitempty"`
	PeftConfig  map[string]any `json:"peft_config,omitempty"  yaml:"peft_config,omitempty"  toml:"peft_config,omitempty"`
	SaveEnabled *bool          `json:"save_enabled,omitempty" yaml:"save_enabled,omitempty" toml:"save_enabled,omitempty"`
	OutputDir   string         `json:"output_dir,omitempty"   yaml:"output_dir,omitempty"   toml:"output_dir,omitempty"`
}

// -------------------------
// Source definitions
// -------------------------

// ModelSource represents a source for a model.
type ModelSource interface {
	Type() SourceType
}

// HuggingFaceSource represents a Hugging Face model repository source.
type HuggingFaceSource struct {
	Repo          string   `json:"repo"                     yaml:"repo"                     toml:"repo"`
	Revision      string   `json:"revision,omitempty"       yaml:"revision,omitempty"       toml:"revision,omitempty"`
	RepoType      string   `json:"repo_type,omitempty"      yaml:"repo_type,omitempty"      toml:"repo_type,omitempty"`
	Token         string   `json:"token,omitempty"          yaml:"token,omitempty"          toml:"token,omitempty"`
	Include       []string `json:"include,omitempty"        yaml:"include,omitempty"        toml:"include,omitempty"`
	Exclude       []string `json:"exclude,omitempty"        yaml:"exclude,omitempty"        toml:"exclude,omitempty"`
	MaxWorkers    int      `json:"max_workers,omitempty"    yaml:"max_workers,omitempty"    toml:"max_workers,omitempty"`
	ForceDownload bool     `json:"force_download,omitempty" yaml:"force_download,omitempty" toml:"force_download,omitempty"`
}

// Type returns the Hugging Face source type.
func (h HuggingFaceSource) Type() SourceType {
	return SourceTypeHuggingFace
}

// LocalSource is a model directory on the local filesystem.
type LocalSource struct {
	Path string `json:"path" yaml:"path" toml:"path"`
}

// Type returns the local source type.
func (l LocalSource) Type() SourceType {
	return SourceTypeLocal
}

// GetSource returns the active source for the model.
func (m *ModelConfig) GetSource() (ModelSource, error) {
	switch {
	case m.Source.HuggingFace != nil:
		return *m.Source.HuggingFace, nil
	case m.Source.Local != nil:
		return *m.Source.Local, nil
	}

	return nil, errors.New("no source configured for model")
}

// SetHuggingFaceSource sets the Hugging Face source.
func (m *ModelConfig) SetHuggingFaceSource(source HuggingFaceSource) {
	m.Source.HuggingFace = &source
}

// GenerationTimeout parses Timeout. A zero duration disables the timeout.
func (c ChatConfig) GenerationTimeout() (time.Duration, error) {
	if c.Timeout == "" {
		return 0, nil
	}

	d, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return 0, fmt.Errorf("invalid chat timeout %q: %w", c.Timeout, err)
	}

	return d, nil
}

// SaveAllowed reports whether adapter saving is enabled. Saving is on unless disabled explicitly.
func (a AdapterConfig) SaveAllowed() bool {
	return a.SaveEnabled == nil || *a.SaveEnabled
}
