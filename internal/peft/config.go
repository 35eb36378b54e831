package peft

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
)

// Task types understood by adapters.
const (
	TaskCausalLM          = "CAUSAL_LM"
	TaskSeq2SeqLM         = "SEQ_2_SEQ_LM"
	TaskSeqCls            = "SEQ_CLS"
	TaskTokenCls          = "TOKEN_CLS"
	TaskQuestionAns       = "QUESTION_ANS"
	TaskFeatureExtraction = "FEATURE_EXTRACTION"
)

var taskTypes = []string{TaskCausalLM, TaskSeq2SeqLM, TaskSeqCls, TaskTokenCls, TaskQuestionAns, TaskFeatureExtraction}

// Bias modes for LoRA-style adapters.
const (
	BiasNone     = "none"
	BiasAll      = "all"
	BiasLoraOnly = "lora_only"
)

// Config is the typed configuration of one adapter kind.
type Config interface {
	Kind() Kind
	Validate() error
}

// Common holds the fields shared by every adapter config.
type Common struct {
	PeftType            string `json:"peft_type,omitempty"`
	TaskType            string `json:"task_type,omitempty"`
	BaseModelNameOrPath string `json:"base_model_name_or_path,omitempty"`
	Revision            string `json:"revision,omitempty"`
	InferenceMode       bool   `json:"inference_mode,omitempty"`
}

func (c Common) validate(k Kind) error {
	if c.PeftType != "" && c.PeftType != k.PeftType() {
		return fmt.Errorf("peft_type %q does not match %s", c.PeftType, k)
	}
	if c.TaskType != "" && !slices.Contains(taskTypes, c.TaskType) {
		return fmt.Errorf("unknown task_type %q", c.TaskType)
	}

	return nil
}

// LoraConfig configures low-rank adapters.
type LoraConfig struct {
	Common
	R              int      `json:"r"`
	LoraAlpha      int      `json:"lora_alpha"`
	LoraDropout    float64  `json:"lora_dropout"`
	TargetModules  []string `json:"target_modules,omitempty"`
	FanInFanOut    bool     `json:"fan_in_fan_out,omitempty"`
	Bias           string   `json:"bias"`
	ModulesToSave  []string `json:"modules_to_save,omitempty"`
	InitLoraWeight *bool    `json:"init_lora_weights,omitempty"`
}

func (c *LoraConfig) Kind() Kind { return KindLora }

func (c *LoraConfig) Validate() error {
	return c.validate(c.Kind(), c.R, "r")
}

func (c *LoraConfig) validate(k Kind, rank int, rankField string) error {
	return errors.Join(
		c.Common.validate(k),
		positive(rankField, rank),
		rangeCheck("lora_dropout", c.LoraDropout),
		oneOf("bias", c.Bias, BiasNone, BiasAll, BiasLoraOnly),
	)
}

// Scaling is the factor applied to the low-rank update.
func (c *LoraConfig) Scaling() float64 {
	return float64(c.LoraAlpha) / float64(c.R)
}

// AdaLoraConfig configures adaptive-rank LoRA.
type AdaLoraConfig struct {
	LoraConfig
	TargetR       int     `json:"target_r"`
	InitR         int     `json:"init_r"`
	TInit         int     `json:"tinit"`
	TFinal        int     `json:"tfinal"`
	DeltaT        int     `json:"deltaT"`
	Beta1         float64 `json:"beta1"`
	Beta2         float64 `json:"beta2"`
	OrthRegWeight float64 `json:"orth_reg_weight"`
	TotalStep     int     `json:"total_step,omitempty"`
}

func (c *AdaLoraConfig) Kind() Kind { return KindAdaLora }

func (c *AdaLoraConfig) Validate() error {
	err := errors.Join(
		c.LoraConfig.validate(c.Kind(), c.InitR, "init_r"),
		positive("target_r", c.TargetR),
	)
	if err == nil && c.TargetR > c.InitR {
		err = fmt.Errorf("target_r %d exceeds init_r %d", c.TargetR, c.InitR)
	}

	return err
}

// IA3Config configures learned activation rescaling.
type IA3Config struct {
	Common
	TargetModules      []string `json:"target_modules,omitempty"`
	FeedforwardModules []string `json:"feedforward_modules,omitempty"`
	FanInFanOut        bool     `json:"fan_in_fan_out,omitempty"`
	ModulesToSave      []string `json:"modules_to_save,omitempty"`
	InitIA3Weights     bool     `json:"init_ia3_weights"`
}

func (c *IA3Config) Kind() Kind { return KindIA3 }

func (c *IA3Config) Validate() error {
	if err := c.Common.validate(c.Kind()); err != nil {
		return err
	}
	if len(c.TargetModules) > 0 {
		for _, m := range c.FeedforwardModules {
			if !slices.Contains(c.TargetModules, m) {
				return fmt.Errorf("feedforward module %q is not a target module", m)
			}
		}
	}

	return nil
}

// PromptLearningConfig holds the fields shared by virtual-token adapters. Zero dimensions are
// filled from the model config when the adapter is attached.
type PromptLearningConfig struct {
	Common
	NumVirtualTokens         int `json:"num_virtual_tokens"`
	TokenDim                 int `json:"token_dim,omitempty"`
	NumTransformerSubmodules int `json:"num_transformer_submodules,omitempty"`
	NumAttentionHeads        int `json:"num_attention_heads,omitempty"`
	NumLayers                int `json:"num_layers,omitempty"`
}

func (c *PromptLearningConfig) validate(k Kind) error {
	return errors.Join(c.Common.validate(k), positive("num_virtual_tokens", c.NumVirtualTokens))
}

func (c *PromptLearningConfig) promptLearning() *PromptLearningConfig {
	return c
}

// PrefixTuningConfig learns per-layer key/value prefixes.
type PrefixTuningConfig struct {
	PromptLearningConfig
	EncoderHiddenSize int  `json:"encoder_hidden_size,omitempty"`
	PrefixProjection  bool `json:"prefix_projection,omitempty"`
}

func (c *PrefixTuningConfig) Kind() Kind { return KindPrefixTuning }

func (c *PrefixTuningConfig) Validate() error {
	err := c.validate(c.Kind())
	if err == nil && c.PrefixProjection {
		err = positive("encoder_hidden_size", c.EncoderHiddenSize)
	}

	return err
}

// Prompt tuning initializations.
const (
	PromptTuningInitRandom = "RANDOM"
	PromptTuningInitText   = "TEXT"
)

// PromptTuningConfig learns input soft prompts.
type PromptTuningConfig struct {
	PromptLearningConfig
	PromptTuningInit     string `json:"prompt_tuning_init"`
	PromptTuningInitText string `json:"prompt_tuning_init_text,omitempty"`
	TokenizerNameOrPath  string `json:"tokenizer_name_or_path,omitempty"`
}

func (c *PromptTuningConfig) Kind() Kind { return KindPromptTuning }

func (c *PromptTuningConfig) Validate() error {
	err := errors.Join(
		c.validate(c.Kind()),
		oneOf("prompt_tuning_init", c.PromptTuningInit, PromptTuningInitRandom, PromptTuningInitText),
	)
	if err == nil && c.PromptTuningInit == PromptTuningInitText && c.PromptTuningInitText == "" {
		err = errors.New("prompt_tuning_init TEXT requires prompt_tuning_init_text")
	}

	return err
}

// Prompt encoder reparameterizations.
const (
	EncoderMLP  = "MLP"
	EncoderLSTM = "LSTM"
)

// PromptEncoderConfig configures P-tuning, where a small network produces the virtual tokens.
type PromptEncoderConfig struct {
	PromptLearningConfig
	EncoderReparameterizationType string  `json:"encoder_reparameterization_type"`
	EncoderHiddenSize             int     `json:"encoder_hidden_size,omitempty"`
	EncoderNumLayers              int     `json:"encoder_num_layers"`
	EncoderDropout                float64 `json:"encoder_dropout"`
}

func (c *PromptEncoderConfig) Kind() Kind { return KindPromptEncoder }

func (c *PromptEncoderConfig) Validate() error {
	return errors.Join(
		c.validate(c.Kind()),
		oneOf("encoder_reparameterization_type", c.EncoderReparameterizationType, EncoderMLP, EncoderLSTM),
		positive("encoder_num_layers", c.EncoderNumLayers),
		rangeCheck("encoder_dropout", c.EncoderDropout),
	)
}

// DefaultConfig returns the default configuration of a kind.
func DefaultConfig(k Kind) (Config, error) {
	switch k {
	case KindLora:
		return &LoraConfig{R: 8, LoraAlpha: 8, Bias: BiasNone}, nil
	case KindAdaLora:
		return &AdaLoraConfig{
			LoraConfig:    LoraConfig{R: 8, LoraAlpha: 8, Bias: BiasNone},
			TargetR:       8,
			InitR:         12,
			DeltaT:        1,
			Beta1:         0.85,
			Beta2:         0.85,
			OrthRegWeight: 0.5,
		}, nil
	case KindIA3:
		return &IA3Config{InitIA3Weights: true}, nil
	case KindPrefixTuning:
		return &PrefixTuningConfig{PromptLearningConfig: defaultPromptLearning()}, nil
	case KindPromptTuning:
		return &PromptTuningConfig{PromptLearningConfig: defaultPromptLearning(), PromptTuningInit: PromptTuningInitRandom}, nil
	case KindPromptEncoder:
		return &PromptEncoderConfig{
			PromptLearningConfig:          defaultPromptLearning(),
			EncoderReparameterizationType: EncoderMLP,
			EncoderNumLayers:              2,
		}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, k)
	}
}

func defaultPromptLearning() PromptLearningConfig {
	return PromptLearningConfig{NumVirtualTokens: 20}
}

// NewConfig builds the config of kind k from options layered over the defaults. A nil map yields
// the defaults. Unknown option keys are rejected.
func NewConfig(k Kind, options map[string]any) (Config, error) {
	cfg, err := DefaultConfig(k)
	if err != nil {
		return nil, err
	}

	if options != nil {
		raw, err := json.Marshal(options)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalidConfig, k, err)
		}

		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalidConfig, k, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidConfig, k, err)
	}

	return cfg, nil
}

func positive(field string, v int) error {
	if v <= 0 {
		return fmt.Errorf("%s must be positive, got %d", field, v)
	}
	return nil
}

func rangeCheck(field string, v float64) error {
	if v < 0 || v >= 1 {
		return fmt.Errorf("%s must be in [0, 1), got %g", field, v)
	}
	return nil
}

func oneOf(field, v string, allowed ...string) error {
	if !slices.Contains(allowed, v) {
		return fmt.Errorf("%s must be one of %v, got %q", field, allowed, v)
	}
	return nil
}
