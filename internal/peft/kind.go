// Package peft attaches parameter-efficient adapters (LoRA, AdaLoRA, IA3 and prompt learning) to a
// base model's parameters.
package peft

import (
	"fmt"
	"slices"
)

// Kind names an adapter configuration the way the Python peft library names its config classes.
type Kind string

const (
	KindLora          Kind = "LoraConfig"
	KindAdaLora       Kind = "AdaLoraConfig"
	KindIA3           Kind = "IA3Config"
	KindPrefixTuning  Kind = "PrefixTuningConfig"
	KindPromptTuning  Kind = "PromptTuningConfig"
	KindPromptEncoder Kind = "PromptEncoderConfig"
)

var kinds = []Kind{KindLora, KindAdaLora, KindIA3, KindPrefixTuning, KindPromptTuning, KindPromptEncoder}

var peftTypes = map[Kind]string{
	KindLora:          "LORA",
	KindAdaLora:       "ADALORA",
	KindIA3:           "IA3",
	KindPrefixTuning:  "PREFIX_TUNING",
	KindPromptTuning:  "PROMPT_TUNING",
	KindPromptEncoder: "P_TUNING",
}

// Kinds returns every supported kind.
func Kinds() []Kind {
	return slices.Clone(kinds)
}

// ParseKind looks up a kind by config class name.
func ParseKind(name string) (Kind, error) {
	k := Kind(name)
	if !slices.Contains(kinds, k) {
		return "", fmt.Errorf("%w: %q, available: %v", ErrUnknownKind, name, kinds)
	}

	return k, nil
}

// PeftType is the value written as peft_type in adapter configs.
func (k Kind) PeftType() string {
	return peftTypes[k]
}

// IsPromptLearning reports whether the adapter learns virtual tokens instead of patching layers.
func (k Kind) IsPromptLearning() bool {
	switch k {
	case KindPrefixTuning, KindPromptTuning, KindPromptEncoder:
		return true
	default:
		return false
	}
}

func (k Kind) String() string {
	return string(k)
}
