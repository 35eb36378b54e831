// Package pellm wraps a pretrained model with a parameter-efficient adapter and persists only the
// adapter's trainable weights.
package pellm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"

	"github.com/ekisa-team/fedassist/internal/metrics"
	"github.com/ekisa-team/fedassist/internal/peft"
	"github.com/ekisa-team/fedassist/internal/safetensors"
)

const (
	// ConfigName is the model config file inside a pretrained directory.
	ConfigName = "config.json"

	// WeightsName is the file Save writes inside the target directory.
	WeightsName = "adapter_model.safetensors"
)

// ModelConfig is a model's configuration as found in config.json.
type ModelConfig map[string]any

// Option configures New.
type Option func(*options)

type options struct {
	config         ModelConfig
	pretrainedPath string
	peftType       string
	peftConfig     map[string]any
	overrides      map[string]any
	saveDisabled   bool
	loader         Loader
	peftOpts       []peft.Option
}

// WithConfig supplies the model configuration in memory.
func WithConfig(cfg map[string]any) Option {
	return func(o *options) {
		o.config = cfg
	}
}

// WithPretrainedPath loads the configuration and weights from a pretrained directory.
func WithPretrainedPath(path string) Option {
	return func(o *options) {
		o.pretrainedPath = path
	}
}

// WithPeft selects the adapter kind by config class name and its options. Nil options use the
// kind's defaults.
func WithPeft(kind string, peftOptions map[string]any) Option {
	return func(o *options) {
		o.peftType = kind
		o.peftConfig = peftOptions
	}
}

// WithOverrides merges keys into the resolved model configuration.
func WithOverrides(overrides map[string]any) Option {
	return func(o *options) {
		o.overrides = overrides
	}
}

// WithSaveDisabled makes Save fail.
func WithSaveDisabled() Option {
	return func(o *options) {
		o.saveDisabled = true
	}
}

// WithLoader replaces the default CheckpointLoader.
func WithLoader(l Loader) Option {
	return func(o *options) {
		o.loader = l
	}
}

// WithSeed makes adapter initialization deterministic.
func WithSeed(seed uint64) Option {
	return func(o *options) {
		o.peftOpts = append(o.peftOpts, peft.WithSeed(seed))
	}
}

// PELLM is a pretrained model with one adapter attached.
type PELLM struct {
	model          *peft.PeftModel
	config         ModelConfig
	pretrainedPath string
	saveEnabled    bool
}

// New resolves the model configuration, loads the base model and attaches the adapter.
func New(ctx context.Context, opts ...Option) (*PELLM, error) {
	o := &options{loader: CheckpointLoader{}}
	for _, opt := range opts {
		opt(o)
	}

	if o.pretrainedPath == "" && o.config == nil {
		return nil, fmt.Errorf("%w: one of a pretrained path or a model config is required", ErrConfig)
	}

	kind, err := peft.ParseKind(o.peftType)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	peftConfig, err := peft.NewConfig(kind, o.peftConfig)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	cfg, err := resolveConfig(o)
	if err != nil {
		return nil, err
	}

	base, err := o.loader.Load(ctx, o.pretrainedPath, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load base model: %w", err)
	}

	model, err := peft.GetPeftModel(base, peftConfig, append([]peft.Option{peft.WithModelConfig(cfg)}, o.peftOpts...)...)
	if err != nil {
		if errors.Is(err, peft.ErrInvalidConfig) {
			err = fmt.Errorf("%w: %w", ErrConfig, err)
		}
		return nil, err
	}

	m := &PELLM{
		model:          model,
		config:         cfg,
		pretrainedPath: o.pretrainedPath,
		saveEnabled:    !o.saveDisabled,
	}
	m.summarize()

	return m, nil
}

// resolveConfig reads config.json when a pretrained path is given, else copies the in-memory
// config, then applies overrides.
func resolveConfig(o *options) (ModelConfig, error) {
	cfg := ModelConfig{}

	if o.pretrainedPath != "" {
		raw, err := os.ReadFile(filepath.Join(o.pretrainedPath, ConfigName))
		if err != nil {
			return nil, fmt.Errorf("failed to read model config: %w", err)
		}
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", ConfigName, err)
		}
	} else {
		maps.Copy(cfg, o.config)
	}

	maps.Copy(cfg, o.overrides)

	return cfg, nil
}

// Config returns a copy of the resolved model configuration.
func (m *PELLM) Config() ModelConfig {
	return maps.Clone(m.config)
}

// PeftConfig returns the adapter configuration.
func (m *PELLM) PeftConfig() peft.Config {
	return m.model.Config()
}

// Model returns the wrapped model.
func (m *PELLM) Model() *peft.PeftModel {
	return m.model
}

// Forward runs the wrapped model on tokenized inputs.
func (m *PELLM) Forward(ctx context.Context, inputs peft.Inputs) (peft.Outputs, error) {
	return m.model.Forward(ctx, inputs)
}

// TrainableParameters returns the parameters marked as requiring gradients.
func (m *PELLM) TrainableParameters() []peft.NamedParameter {
	var trainable []peft.NamedParameter
	for _, p := range m.model.NamedParameters() {
		if p.RequiresGrad {
			trainable = append(trainable, p)
		}
	}

	return trainable
}

// Save writes the trainable parameters, copied to host memory, to dir/adapter_model.safetensors.
func (m *PELLM) Save(dir string) error {
	if !m.saveEnabled {
		metrics.AdapterSavesTotal.WithLabelValues("disabled").Inc()
		return ErrSaveDisabled
	}

	if err := m.save(dir); err != nil {
		metrics.AdapterSavesTotal.WithLabelValues("failed").Inc()
		return err
	}
	metrics.AdapterSavesTotal.WithLabelValues("saved").Inc()

	return nil
}

func (m *PELLM) save(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}

	trainable := m.TrainableParameters()
	tensors := make(map[string]safetensors.Tensor, len(trainable))
	for _, p := range trainable {
		host := p.ToHost()
		tensors[p.Name] = safetensors.FromFloat32(host.Shape, host.Data)
	}

	path := filepath.Join(dir, WeightsName)
	metadata := map[string]string{
		"format":    "pt",
		"peft_type": m.model.Config().Kind().PeftType(),
	}
	if err := safetensors.WriteFile(path, tensors, metadata); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}

	slog.Info("Adapter weights saved", "path", path, "tensors", len(tensors))
	return nil
}

// LoadAdapter reads weights written by Save back into the trainable parameters.
func (m *PELLM) LoadAdapter(dir string) error {
	f, err := safetensors.ReadFile(filepath.Join(dir, WeightsName))
	if err != nil {
		return fmt.Errorf("failed to read adapter weights: %w", err)
	}

	if want := m.model.Config().Kind().PeftType(); f.Metadata["peft_type"] != "" && f.Metadata["peft_type"] != want {
		return fmt.Errorf("%w: adapter file holds %s weights, model uses %s", ErrConfig, f.Metadata["peft_type"], want)
	}

	weights := make(map[string]peft.Tensor, len(f.Tensors))
	for name, t := range f.Tensors {
		values, err := t.Float32()
		if err != nil {
			return fmt.Errorf("adapter weight %s: %w", name, err)
		}
		weights[name] = peft.Tensor{Shape: t.Shape, Data: values, Device: peft.Host}
	}

	return m.model.LoadAdapterWeights(weights)
}

// summarize logs the trainable parameter share. It never fails.
func (m *PELLM) summarize() {
	defer func() {
		if r := recover(); r != nil {
			slog.Debug("Adapter summary unavailable", "panic", r)
		}
	}()

	summary, err := m.model.TrainableSummary()
	if err != nil {
		slog.Debug("Adapter summary unavailable", "error", err)
		return
	}

	metrics.AdapterTrainableParams.Set(float64(summary.Trainable))
	slog.Debug("Adapter model summary", "kind", m.model.Config().Kind(), "summary", summary.String())
}
