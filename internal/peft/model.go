package peft

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"

	"github.com/ekisa-team/fedassist/internal/mapsafe"
)

// Inputs are the tokenized tensors passed to a forward call, keyed by argument name
// (input_ids, attention_mask, labels ...).
type Inputs map[string]any

// Outputs are the named results of a forward call.
type Outputs map[string]any

// Model is a network exposed through its parameters.
type Model interface {
	// NamedParameters returns every parameter in a stable order.
	NamedParameters() []NamedParameter

	// Forward runs the network.
	Forward(ctx context.Context, inputs Inputs) (Outputs, error)
}

// AdaptedForwarder is implemented by models that can apply adapter parameters themselves.
// Models that do not implement it are called through Forward with the adapters attached
// but unused by the computation.
type AdaptedForwarder interface {
	ForwardAdapted(ctx context.Context, inputs Inputs, cfg Config, adapters []NamedParameter) (Outputs, error)
}

// PeftModel is a base model with one adapter attached.
type PeftModel struct {
	base     Model
	config   Config
	prefix   string
	adapters []NamedParameter
}

// Option configures GetPeftModel.
type Option func(*options)

type options struct {
	modelConfig map[string]any
	rand        *rand.Rand
}

// WithModelConfig supplies the base model's configuration, used for default target modules and
// prompt-learning dimensions.
func WithModelConfig(cfg map[string]any) Option {
	return func(o *options) {
		o.modelConfig = cfg
	}
}

// WithSeed makes adapter initialization deterministic.
func WithSeed(seed uint64) Option {
	return func(o *options) {
		o.rand = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	}
}

// GetPeftModel freezes the base model and attaches the adapter described by cfg. Dimensions left
// unset in a prompt-learning cfg are filled in place from the model config.
func GetPeftModel(base Model, cfg Config, opts ...Option) (*PeftModel, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.rand == nil {
		o.rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}

	params := base.NamedParameters()
	if len(params) == 0 {
		return nil, ErrNoParameters
	}
	for _, p := range params {
		p.RequiresGrad = false
	}

	m := &PeftModel{base: base, config: cfg, prefix: "base_model.model."}
	device := params[0].Device

	var err error
	switch c := cfg.(type) {
	case *LoraConfig:
		m.adapters, err = injectLora(params, c, c.R, o, device, false)
	case *AdaLoraConfig:
		m.adapters, err = injectLora(params, &c.LoraConfig, c.InitR, o, device, true)
	case *IA3Config:
		m.adapters, err = injectIA3(params, c, o, device)
	case promptLearner:
		m.prefix = "base_model."
		m.adapters, err = injectPromptEncoder(cfg, o, device)
	default:
		err = fmt.Errorf("%w: %T", ErrUnknownKind, cfg)
	}
	if err != nil {
		return nil, err
	}

	return m, nil
}

// Config returns the attached adapter configuration.
func (m *PeftModel) Config() Config {
	return m.config
}

// Base returns the wrapped model.
func (m *PeftModel) Base() Model {
	return m.base
}

// Adapters returns the parameters added by the adapter.
func (m *PeftModel) Adapters() []NamedParameter {
	return m.adapters
}

// NamedParameters returns base parameters under their wrapped names followed by the adapter
// parameters.
func (m *PeftModel) NamedParameters() []NamedParameter {
	base := m.base.NamedParameters()
	out := make([]NamedParameter, 0, len(base)+len(m.adapters))
	for _, p := range base {
		out = append(out, NamedParameter{Name: m.prefix + p.Name, Parameter: p.Parameter})
	}

	return append(out, m.adapters...)
}

// Forward runs the wrapped model.
func (m *PeftModel) Forward(ctx context.Context, inputs Inputs) (Outputs, error) {
	if f, ok := m.base.(AdaptedForwarder); ok {
		return f.ForwardAdapted(ctx, inputs, m.config, m.adapters)
	}

	return m.base.Forward(ctx, inputs)
}

// Summary counts trainable and total parameter elements.
type Summary struct {
	Trainable int
	All       int
}

// Percent is the trainable share of all parameters.
func (s Summary) Percent() float64 {
	return 100 * float64(s.Trainable) / float64(s.All)
}

func (s Summary) String() string {
	return fmt.Sprintf("trainable params: %d || all params: %d || trainable%%: %.4f", s.Trainable, s.All, s.Percent())
}

// TrainableSummary counts parameter elements.
func (m *PeftModel) TrainableSummary() (Summary, error) {
	var s Summary
	for _, p := range m.NamedParameters() {
		n := p.Numel()
		s.All += n
		if p.RequiresGrad {
			s.Trainable += n
		}
	}
	if s.All == 0 {
		return s, ErrNoParameters
	}

	return s, nil
}

// LoadAdapterWeights copies values into the trainable parameters of the same name.
// Every entry must name a trainable parameter of the same shape.
func (m *PeftModel) LoadAdapterWeights(weights map[string]Tensor) error {
	byName := make(map[string]NamedParameter)
	for _, p := range m.NamedParameters() {
		if p.RequiresGrad {
			byName[p.Name] = p
		}
	}

	var errs []error
	for name, w := range weights {
		p, ok := byName[name]
		if !ok {
			errs = append(errs, fmt.Errorf("unexpected adapter weight %s", name))
			continue
		}
		if !slices.Equal(p.Shape, w.Shape) || len(w.Data) != p.Numel() {
			errs = append(errs, fmt.Errorf("%w: %s is %v, file has %v", ErrShapeMismatch, name, p.Shape, w.Shape))
			continue
		}
		copy(p.Data, w.Data)
	}

	return errors.Join(errs...)
}

type promptLearner interface {
	Config
	promptLearning() *PromptLearningConfig
}

func moduleOf(name string) string {
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		return name[:i]
	}
	return ""
}

func leafOf(name string) string {
	return name[strings.LastIndexByte(name, '.')+1:]
}

// configInt reads the first present key, so the same value can be found under the names used by
// different model families.
func configInt(cfg map[string]any, keys ...string) int {
	for _, k := range keys {
		if v, ok := mapsafe.Lookup[int](cfg, k); ok {
			return v
		}
	}
	return 0
}
