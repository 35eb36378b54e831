package peft

import (
	"fmt"
	"strings"

	"github.com/ekisa-team/fedassist/internal/mapsafe"
)

// Default LoRA target modules per model_type.
var loraTargetModules = map[string][]string{
	"chatglm":  {"query_key_value"},
	"bloom":    {"query_key_value"},
	"gpt_neox": {"query_key_value"},
	"llama":    {"q_proj", "v_proj"},
	"mistral":  {"q_proj", "v_proj"},
	"qwen2":    {"q_proj", "v_proj"},
	"opt":      {"q_proj", "v_proj"},
	"gptj":     {"q_proj", "v_proj"},
	"gpt2":     {"c_attn"},
	"t5":       {"q", "v"},
	"bert":     {"query", "value"},
	"baichuan": {"W_pack"},
}

// Default IA3 target and feedforward modules per model_type.
var ia3TargetModules = map[string][2][]string{
	"chatglm":  {{"query_key_value", "dense_4h_to_h"}, {"dense_4h_to_h"}},
	"bloom":    {{"query_key_value", "mlp.dense_4h_to_h"}, {"mlp.dense_4h_to_h"}},
	"gpt_neox": {{"query_key_value", "dense_4h_to_h"}, {"dense_4h_to_h"}},
	"llama":    {{"k_proj", "v_proj", "down_proj"}, {"down_proj"}},
	"mistral":  {{"k_proj", "v_proj", "down_proj"}, {"down_proj"}},
	"gpt2":     {{"c_attn", "mlp.c_proj"}, {"mlp.c_proj"}},
	"t5":       {{"k", "v", "wo"}, {"wo"}},
}

func modelType(cfg map[string]any) string {
	return mapsafe.Get(cfg, "model_type", "")
}

// matchesModule reports whether module is one of targets or ends with ".target".
func matchesModule(module string, targets []string) bool {
	for _, t := range targets {
		if module == t || strings.HasSuffix(module, "."+t) {
			return true
		}
	}
	return false
}

// linearWeight reports the (out, in) features of a 2D weight.
func linearWeight(p NamedParameter, fanInFanOut bool) (int, int, bool) {
	if p.Leaf() != "weight" || len(p.Shape) != 2 {
		return 0, 0, false
	}
	if fanInFanOut {
		return p.Shape[1], p.Shape[0], true
	}
	return p.Shape[0], p.Shape[1], true
}

func injectLora(params []NamedParameter, c *LoraConfig, rank int, o *options, device string, adaptive bool) ([]NamedParameter, error) {
	targets := c.TargetModules
	if len(targets) == 0 {
		targets = loraTargetModules[modelType(o.modelConfig)]
		if len(targets) == 0 {
			return nil, fmt.Errorf("%w: target_modules not set and no default for model_type %q", ErrInvalidConfig, modelType(o.modelConfig))
		}
		c.TargetModules = targets
	}

	var adapters []NamedParameter
	add := func(name string, t Tensor, trainable bool) {
		adapters = append(adapters, NamedParameter{Name: name, Parameter: &Parameter{Tensor: t, RequiresGrad: trainable}})
	}

	matched := make(map[string]bool)
	for _, p := range params {
		module := p.ModuleName()
		if !matchesModule(module, targets) {
			continue
		}
		out, in, ok := linearWeight(p, c.FanInFanOut)
		if !ok {
			continue
		}
		matched[module] = true

		prefix := "base_model.model." + module
		if adaptive {
			add(prefix+".lora_A", scaled(NewTensor(device, rank, in).normal(o.rand), 0.02), true)
			add(prefix+".lora_E", NewTensor(device, rank, 1), true)
			add(prefix+".lora_B", scaled(NewTensor(device, out, rank).normal(o.rand), 0.02), true)
			add(prefix+".ranknum", NewTensor(device, 1).fill(float32(rank)), false)
			continue
		}

		loraB := NewTensor(device, out, rank)
		if c.InitLoraWeight != nil && !*c.InitLoraWeight {
			loraB = loraB.kaimingUniform(o.rand, rank)
		}
		add(prefix+".lora_A.weight", NewTensor(device, rank, in).kaimingUniform(o.rand, in), true)
		add(prefix+".lora_B.weight", loraB, true)
	}

	if len(matched) == 0 {
		return nil, fmt.Errorf("%w: %v", ErrNoTargetModules, targets)
	}

	for _, p := range params {
		switch {
		case p.Leaf() == "bias" && c.Bias == BiasAll:
			p.RequiresGrad = true
		case p.Leaf() == "bias" && c.Bias == BiasLoraOnly && matched[p.ModuleName()]:
			p.RequiresGrad = true
		}
	}
	unfreeze(params, c.ModulesToSave)

	return adapters, nil
}

func injectIA3(params []NamedParameter, c *IA3Config, o *options, device string) ([]NamedParameter, error) {
	if len(c.TargetModules) == 0 {
		defaults, ok := ia3TargetModules[modelType(o.modelConfig)]
		if !ok {
			return nil, fmt.Errorf("%w: target_modules not set and no default for model_type %q", ErrInvalidConfig, modelType(o.modelConfig))
		}
		c.TargetModules = defaults[0]
		if len(c.FeedforwardModules) == 0 {
			c.FeedforwardModules = defaults[1]
		}
	}

	var adapters []NamedParameter
	for _, p := range params {
		module := p.ModuleName()
		if !matchesModule(module, c.TargetModules) {
			continue
		}
		out, in, ok := linearWeight(p, c.FanInFanOut)
		if !ok {
			continue
		}

		t := NewTensor(device, out, 1)
		if matchesModule(module, c.FeedforwardModules) {
			t = NewTensor(device, 1, in)
		}
		if c.InitIA3Weights {
			t = t.fill(1)
		} else {
			t = t.normal(o.rand)
		}

		adapters = append(adapters, NamedParameter{
			Name:      "base_model.model." + module + ".ia3_l",
			Parameter: &Parameter{Tensor: t, RequiresGrad: true},
		})
	}

	if len(adapters) == 0 {
		return nil, fmt.Errorf("%w: %v", ErrNoTargetModules, c.TargetModules)
	}
	unfreeze(params, c.ModulesToSave)

	return adapters, nil
}

func injectPromptEncoder(cfg Config, o *options, device string) ([]NamedParameter, error) {
	pl := cfg.(promptLearner).promptLearning()
	if err := fillPromptDims(pl, o.modelConfig); err != nil {
		return nil, err
	}

	var adapters []NamedParameter
	add := func(name string, t Tensor) {
		adapters = append(adapters, NamedParameter{
			Name:      "prompt_encoder." + name,
			Parameter: &Parameter{Tensor: t, RequiresGrad: true},
		})
	}
	linear := func(name string, out, in int) {
		add(name+".weight", NewTensor(device, out, in).kaimingUniform(o.rand, in))
		add(name+".bias", NewTensor(device, out).kaimingUniform(o.rand, in))
	}

	tokens := pl.NumVirtualTokens * pl.NumTransformerSubmodules
	dim := pl.TokenDim

	switch c := cfg.(type) {
	case *PromptTuningConfig:
		add("embedding.weight", NewTensor(device, tokens, dim).normal(o.rand))

	case *PrefixTuningConfig:
		if pl.NumLayers <= 0 {
			return nil, fmt.Errorf("%w: %s needs num_layers", ErrInvalidConfig, c.Kind())
		}
		prefixDim := pl.NumLayers * 2 * dim
		if !c.PrefixProjection {
			add("embedding.weight", NewTensor(device, tokens, prefixDim).normal(o.rand))
			break
		}
		add("embedding.weight", NewTensor(device, tokens, dim).normal(o.rand))
		linear("transform.0", c.EncoderHiddenSize, dim)
		linear("transform.2", prefixDim, c.EncoderHiddenSize)

	case *PromptEncoderConfig:
		hidden := c.EncoderHiddenSize
		if hidden == 0 {
			hidden = dim
			c.EncoderHiddenSize = hidden
		}
		add("embedding.weight", NewTensor(device, tokens, dim).normal(o.rand))

		if c.EncoderReparameterizationType == EncoderMLP {
			linear("mlp_head.0", hidden, dim)
			linear("mlp_head.2", hidden, hidden)
			linear("mlp_head.4", dim, hidden)
			break
		}

		// Bidirectional LSTM followed by a two-layer head.
		gates := 4 * hidden
		for layer := range c.EncoderNumLayers {
			in := dim
			if layer > 0 {
				in = 2 * hidden
			}
			for _, dir := range []string{"", "_reverse"} {
				suffix := fmt.Sprintf("_l%d%s", layer, dir)
				add("lstm_head.weight_ih"+suffix, NewTensor(device, gates, in).kaimingUniform(o.rand, hidden))
				add("lstm_head.weight_hh"+suffix, NewTensor(device, gates, hidden).kaimingUniform(o.rand, hidden))
				add("lstm_head.bias_ih"+suffix, NewTensor(device, gates).kaimingUniform(o.rand, hidden))
				add("lstm_head.bias_hh"+suffix, NewTensor(device, gates).kaimingUniform(o.rand, hidden))
			}
		}
		linear("mlp_head.0", 2*hidden, 2*hidden)
		linear("mlp_head.2", dim, 2*hidden)
	}

	return adapters, nil
}

// fillPromptDims derives unset dimensions from the model config.
func fillPromptDims(pl *PromptLearningConfig, modelConfig map[string]any) error {
	if pl.TokenDim == 0 {
		pl.TokenDim = configInt(modelConfig, "hidden_size", "n_embd", "d_model")
	}
	if pl.NumLayers == 0 {
		pl.NumLayers = configInt(modelConfig, "num_hidden_layers", "num_layers", "n_layer")
	}
	if pl.NumAttentionHeads == 0 {
		pl.NumAttentionHeads = configInt(modelConfig, "num_attention_heads", "n_head", "num_heads")
	}
	if pl.NumTransformerSubmodules == 0 {
		pl.NumTransformerSubmodules = 1
		if mapsafe.Get(modelConfig, "is_encoder_decoder", false) {
			pl.NumTransformerSubmodules = 2
		}
	}

	if pl.TokenDim <= 0 {
		return fmt.Errorf("%w: token_dim not set and not found in model config", ErrInvalidConfig)
	}

	return nil
}

// unfreeze marks the parameters of the named modules trainable.
func unfreeze(params []NamedParameter, modules []string) {
	if len(modules) == 0 {
		return
	}
	for _, p := range params {
		if matchesModule(p.ModuleName(), modules) {
			p.RequiresGrad = true
		}
	}
}

func scaled(t Tensor, factor float32) Tensor {
	for i := range t.Data {
		t.Data[i] *= factor
	}
	return t
}
