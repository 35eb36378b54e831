package pellm

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekisa-team/fedassist/internal/peft"
	"github.com/ekisa-team/fedassist/internal/safetensors"
)

const (
	qkvWeight = "transformer.layers.0.attention.query_key_value.weight"
	loraA     = "base_model.model.transformer.layers.0.attention.query_key_value.lora_A.weight"
	loraB     = "base_model.model.transformer.layers.0.attention.query_key_value.lora_B.weight"
)

func writePretrained(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	cfg, err := json.Marshal(map[string]any{"model_type": "chatglm", "hidden_size": 4, "num_layers": 1})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigName), cfg, 0o644))

	require.NoError(t, safetensors.WriteFile(filepath.Join(dir, "model-00001-of-00002.safetensors"), map[string]safetensors.Tensor{
		qkvWeight: safetensors.FromFloat32([]int{12, 4}, make([]float32, 48)),
		"transformer.layers.0.attention.query_key_value.bias": safetensors.FromFloat32([]int{12}, make([]float32, 12)),
	}, nil))
	require.NoError(t, safetensors.WriteFile(filepath.Join(dir, "model-00002-of-00002.safetensors"), map[string]safetensors.Tensor{
		"transformer.layers.0.mlp.dense_4h_to_h.weight": {DType: safetensors.BF16, Shape: []int{4, 16}, Data: make([]byte, 128)},
	}, nil))

	return dir
}

type fakeModel struct {
	params    []peft.NamedParameter
	calls     int
	panicFrom int
}

func newFakeModel(device string) *fakeModel {
	return &fakeModel{params: []peft.NamedParameter{{
		Name:      qkvWeight,
		Parameter: &peft.Parameter{Tensor: peft.NewTensor(device, 12, 4), RequiresGrad: true},
	}}}
}

func (m *fakeModel) NamedParameters() []peft.NamedParameter {
	m.calls++
	if m.panicFrom > 0 && m.calls >= m.panicFrom {
		panic("parameters unavailable")
	}
	return m.params
}

func (m *fakeModel) Forward(_ context.Context, inputs peft.Inputs) (peft.Outputs, error) {
	return peft.Outputs{"echo": inputs["input_ids"]}, nil
}

func fakeLoader(model peft.Model, gotPath *string, gotCfg *ModelConfig) Loader {
	return LoaderFunc(func(_ context.Context, path string, cfg ModelConfig) (peft.Model, error) {
		*gotPath = path
		*gotCfg = cfg
		return model, nil
	})
}

func lora() Option {
	return WithPeft("LoraConfig", map[string]any{"target_modules": []string{"query_key_value"}})
}

func names(params []peft.NamedParameter) []string {
	var out []string
	for _, p := range params {
		out = append(out, p.Name)
	}
	return out
}

func TestNew_RequiresConfigOrPath(t *testing.T) {
	_, err := New(context.Background(), lora())
	assert.ErrorIs(t, err, ErrConfig)
}

func TestNew_RejectsUnknownKind(t *testing.T) {
	for _, kind := range []string{"", "PeftConfig", "lora"} {
		_, err := New(context.Background(), WithConfig(map[string]any{}), WithPeft(kind, nil))
		assert.ErrorIs(t, err, ErrConfig, kind)
		assert.ErrorIs(t, err, peft.ErrUnknownKind, kind)
	}
}

func TestNew_RejectsBadAdapterOptions(t *testing.T) {
	var path string
	var cfg ModelConfig
	loader := fakeLoader(newFakeModel(peft.Host), &path, &cfg)

	_, err := New(context.Background(), WithConfig(map[string]any{}), WithLoader(loader), WithPeft("LoraConfig", map[string]any{"rank": 4}))
	assert.ErrorIs(t, err, ErrConfig)

	// No target modules given and no default for an unknown model type.
	_, err = New(context.Background(), WithConfig(map[string]any{}), WithLoader(loader), WithPeft("LoraConfig", nil))
	assert.ErrorIs(t, err, ErrConfig)
}

func TestNew_FromPretrained(t *testing.T) {
	dir := writePretrained(t)

	m, err := New(context.Background(), WithPretrainedPath(dir), WithPeft("LoraConfig", nil), WithOverrides(map[string]any{"use_cache": false}))
	require.NoError(t, err)

	assert.Equal(t, "chatglm", m.Config()["model_type"])
	assert.Equal(t, false, m.Config()["use_cache"])
	assert.Equal(t, []string{loraA, loraB}, names(m.TrainableParameters()))
	assert.Equal(t, peft.KindLora, m.PeftConfig().Kind())
	assert.Len(t, m.Model().NamedParameters(), 3+2)

	_, err = m.Forward(context.Background(), peft.Inputs{})
	assert.ErrorIs(t, err, ErrNoCompute)
}

func TestNew_InMemoryConfig(t *testing.T) {
	var path string
	var cfg ModelConfig
	input := map[string]any{"model_type": "chatglm", "hidden_size": 4}

	m, err := New(context.Background(),
		WithConfig(input),
		WithOverrides(map[string]any{"hidden_size": 8}),
		WithLoader(fakeLoader(newFakeModel(peft.Host), &path, &cfg)),
		WithPeft("LoraConfig", nil),
	)
	require.NoError(t, err)

	assert.Empty(t, path)
	assert.Equal(t, ModelConfig{"model_type": "chatglm", "hidden_size": 8}, cfg)
	assert.Equal(t, 4, input["hidden_size"], "caller's map is not modified")

	out, err := m.Forward(context.Background(), peft.Inputs{"input_ids": []int{5}})
	require.NoError(t, err)
	assert.Equal(t, peft.Outputs{"echo": []int{5}}, out)
}

func TestNew_PretrainedPathWins(t *testing.T) {
	dir := writePretrained(t)
	var path string
	var cfg ModelConfig

	_, err := New(context.Background(),
		WithConfig(map[string]any{"model_type": "llama"}),
		WithPretrainedPath(dir),
		WithLoader(fakeLoader(newFakeModel(peft.Host), &path, &cfg)),
		lora(),
	)
	require.NoError(t, err)
	assert.Equal(t, dir, path)
	assert.Equal(t, "chatglm", cfg["model_type"])
}

func TestNew_LoadErrorsPropagate(t *testing.T) {
	boom := errors.New("out of memory")
	failing := LoaderFunc(func(context.Context, string, ModelConfig) (peft.Model, error) {
		return nil, boom
	})

	_, err := New(context.Background(), WithConfig(map[string]any{}), WithLoader(failing), lora())
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrConfig)

	_, err = New(context.Background(), WithPretrainedPath(t.TempDir()), lora())
	assert.ErrorIs(t, err, os.ErrNotExist)

	// The checkpoint loader cannot build a model from a config alone.
	_, err = New(context.Background(), WithConfig(map[string]any{"model_type": "chatglm"}), lora())
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrConfig)
}

func TestNew_SummaryFailureSwallowed(t *testing.T) {
	var path string
	var cfg ModelConfig
	model := newFakeModel(peft.Host)
	model.panicFrom = 2

	_, err := New(context.Background(), WithConfig(map[string]any{}), WithLoader(fakeLoader(model, &path, &cfg)), lora())
	require.NoError(t, err)
	assert.Equal(t, 2, model.calls)
}

func TestSave_WritesOnlyTrainable(t *testing.T) {
	var path string
	var cfg ModelConfig
	base := newFakeModel("cuda:0")

	m, err := New(context.Background(), WithConfig(map[string]any{}), WithLoader(fakeLoader(base, &path, &cfg)), lora(), WithSeed(3))
	require.NoError(t, err)

	dir := filepath.Join(t.TempDir(), "out", "adapter")
	require.NoError(t, m.Save(dir))

	f, err := safetensors.ReadFile(filepath.Join(dir, WeightsName))
	require.NoError(t, err)
	assert.Equal(t, []string{loraA, loraB}, f.Names())
	assert.Equal(t, "LORA", f.Metadata["peft_type"])

	values, err := f.Tensors[loraA].Float32()
	require.NoError(t, err)
	assert.Equal(t, m.TrainableParameters()[0].Data, values)
	assert.Equal(t, "cuda:0", m.TrainableParameters()[0].Device, "save does not move live parameters")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestSave_Disabled(t *testing.T) {
	var path string
	var cfg ModelConfig

	m, err := New(context.Background(), WithConfig(map[string]any{}), WithLoader(fakeLoader(newFakeModel(peft.Host), &path, &cfg)), lora(), WithSaveDisabled())
	require.NoError(t, err)

	dir := filepath.Join(t.TempDir(), "adapter")
	assert.ErrorIs(t, m.Save(dir), ErrSaveDisabled)
	assert.NoDirExists(t, dir)
}

func TestLoadAdapter(t *testing.T) {
	dir := writePretrained(t)
	out := t.TempDir()

	a, err := New(context.Background(), WithPretrainedPath(dir), WithPeft("LoraConfig", nil), WithSeed(1))
	require.NoError(t, err)
	require.NoError(t, a.Save(out))

	b, err := New(context.Background(), WithPretrainedPath(dir), WithPeft("LoraConfig", nil), WithSeed(2))
	require.NoError(t, err)
	require.NotEqual(t, a.TrainableParameters()[0].Data, b.TrainableParameters()[0].Data)

	require.NoError(t, b.LoadAdapter(out))
	assert.Equal(t, a.TrainableParameters()[0].Data, b.TrainableParameters()[0].Data)

	c, err := New(context.Background(), WithPretrainedPath(dir), WithPeft("IA3Config", nil))
	require.NoError(t, err)
	assert.ErrorIs(t, c.LoadAdapter(out), ErrConfig)
}
