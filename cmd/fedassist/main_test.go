package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekisa-team/fedassist/internal/pellm"
	"github.com/ekisa-team/fedassist/internal/safetensors"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()

	return out.String(), err
}

func TestAdapterKinds(t *testing.T) {
	out, err := run(t, "adapter", "kinds")
	require.NoError(t, err)

	for _, want := range []string{"LoraConfig", "AdaLoraConfig", "IA3Config", "PrefixTuningConfig", "PromptTuningConfig", "PromptEncoderConfig", "P_TUNING"} {
		assert.Contains(t, out, want)
	}
}

func writeAdapterConfig(t *testing.T, saveEnabled bool) (string, string) {
	t.Helper()

	pretrained := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(pretrained, "config.json"), []byte(`{"model_type":"chatglm","hidden_size":4}`), 0o644))
	require.NoError(t, safetensors.WriteFile(filepath.Join(pretrained, "model.safetensors"), map[string]safetensors.Tensor{
		"transformer.layers.0.attention.query_key_value.weight": safetensors.FromFloat32([]int{12, 4}, make([]float32, 48)),
	}, nil))

	cfg := fmt.Sprintf(`version: "1"
adapter:
  pretrained_path: %s
  peft_type: LoraConfig
  peft_config:
    r: 2
  save_enabled: %t
`, pretrained, saveEnabled)

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))

	return path, filepath.Join(t.TempDir(), "out")
}

func TestAdapterSave(t *testing.T) {
	configPath, outDir := writeAdapterConfig(t, true)

	out, err := run(t, "adapter", "save", "--config", configPath, "--output", outDir, "--seed", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "Saved 2 trainable tensors")

	f, err := safetensors.ReadFile(filepath.Join(outDir, pellm.WeightsName))
	require.NoError(t, err)
	assert.Equal(t, []int{2, 4}, f.Tensors["base_model.model.transformer.layers.0.attention.query_key_value.lora_A.weight"].Shape)
}

func TestAdapterSave_Disabled(t *testing.T) {
	configPath, outDir := writeAdapterConfig(t, false)

	_, err := run(t, "adapter", "save", "--config", configPath, "--output", outDir)
	assert.ErrorIs(t, err, pellm.ErrSaveDisabled)
	assert.NoDirExists(t, outDir)
}

func TestChat_RequiresChatModel(t *testing.T) {
	configPath, _ := writeAdapterConfig(t, true)

	_, err := run(t, "chat", "--config", configPath)
	assert.ErrorContains(t, err, "chat.model")
}
