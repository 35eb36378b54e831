package peft

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const device = "cuda:0"

type fakeModel struct {
	params []NamedParameter
	inputs []Inputs
}

func newFakeModel() *fakeModel {
	param := func(name string, shape ...int) NamedParameter {
		return NamedParameter{Name: name, Parameter: &Parameter{Tensor: NewTensor(device, shape...).fill(0.5), RequiresGrad: true}}
	}

	return &fakeModel{params: []NamedParameter{
		param("transformer.word_embeddings.weight", 10, 4),
		param("transformer.layers.0.attention.query_key_value.weight", 12, 4),
		param("transformer.layers.0.attention.query_key_value.bias", 12),
		param("transformer.layers.0.mlp.dense_4h_to_h.weight", 4, 16),
		param("transformer.layers.0.mlp.dense_4h_to_h.bias", 4),
		param("lm_head.weight", 10, 4),
	}}
}

const baseParams = 40 + 48 + 12 + 64 + 4 + 40

func (m *fakeModel) NamedParameters() []NamedParameter {
	return m.params
}

func (m *fakeModel) Forward(_ context.Context, inputs Inputs) (Outputs, error) {
	m.inputs = append(m.inputs, inputs)
	return Outputs{"logits": []float32{1}}, nil
}

type adaptedModel struct {
	*fakeModel
	adapters []NamedParameter
}

func (m *adaptedModel) ForwardAdapted(_ context.Context, _ Inputs, _ Config, adapters []NamedParameter) (Outputs, error) {
	m.adapters = adapters
	return Outputs{"loss": 0.5}, nil
}

var chatglmConfig = map[string]any{
	"model_type":          "chatglm",
	"hidden_size":         4,
	"num_layers":          1,
	"num_attention_heads": 2,
}

func mustConfig(t *testing.T, k Kind, options map[string]any) Config {
	t.Helper()

	cfg, err := NewConfig(k, options)
	require.NoError(t, err)
	return cfg
}

func shapes(params []NamedParameter) map[string][]int {
	out := make(map[string][]int, len(params))
	for _, p := range params {
		out[p.Name] = p.Shape
	}
	return out
}

func trainable(m Model) []string {
	var names []string
	for _, p := range m.NamedParameters() {
		if p.RequiresGrad {
			names = append(names, p.Name)
		}
	}
	return names
}

func TestGetPeftModel_Lora(t *testing.T) {
	base := newFakeModel()
	m, err := GetPeftModel(base, mustConfig(t, KindLora, nil), WithModelConfig(chatglmConfig), WithSeed(1))
	require.NoError(t, err)

	qkv := "base_model.model.transformer.layers.0.attention.query_key_value"
	assert.Equal(t, map[string][]int{
		qkv + ".lora_A.weight": {8, 4},
		qkv + ".lora_B.weight": {12, 8},
	}, shapes(m.Adapters()))
	assert.Equal(t, []string{qkv + ".lora_A.weight", qkv + ".lora_B.weight"}, trainable(m))
	assert.Equal(t, []string{"query_key_value"}, m.Config().(*LoraConfig).TargetModules)

	for _, p := range m.Adapters() {
		assert.Equal(t, device, p.Device)
	}
	assert.Equal(t, make([]float32, 12*8), m.Adapters()[1].Data, "lora_B starts at zero")
	assert.NotEqual(t, make([]float32, 8*4), m.Adapters()[0].Data)

	summary, err := m.TrainableSummary()
	require.NoError(t, err)
	assert.Equal(t, Summary{Trainable: 32 + 96, All: baseParams + 32 + 96}, summary)
	assert.Contains(t, summary.String(), "trainable params: 128 || all params: 336")

	assert.Equal(t, "base_model.model.transformer.word_embeddings.weight", m.NamedParameters()[0].Name)
}

func TestGetPeftModel_LoraBiasAndModulesToSave(t *testing.T) {
	m, err := GetPeftModel(newFakeModel(), mustConfig(t, KindLora, map[string]any{
		"target_modules":  []string{"query_key_value"},
		"bias":            BiasLoraOnly,
		"modules_to_save": []string{"lm_head"},
	}), WithSeed(1))
	require.NoError(t, err)

	got := trainable(m)
	assert.Contains(t, got, "base_model.model.transformer.layers.0.attention.query_key_value.bias")
	assert.NotContains(t, got, "base_model.model.transformer.layers.0.mlp.dense_4h_to_h.bias")
	assert.Contains(t, got, "base_model.model.lm_head.weight")
}

func TestGetPeftModel_LoraTargets(t *testing.T) {
	_, err := GetPeftModel(newFakeModel(), mustConfig(t, KindLora, map[string]any{"target_modules": []string{"q_proj"}}))
	assert.ErrorIs(t, err, ErrNoTargetModules)

	_, err = GetPeftModel(newFakeModel(), mustConfig(t, KindLora, nil))
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = GetPeftModel(&fakeModel{}, mustConfig(t, KindLora, nil))
	assert.ErrorIs(t, err, ErrNoParameters)
}

func TestGetPeftModel_AdaLora(t *testing.T) {
	m, err := GetPeftModel(newFakeModel(), mustConfig(t, KindAdaLora, nil), WithModelConfig(chatglmConfig), WithSeed(1))
	require.NoError(t, err)

	qkv := "base_model.model.transformer.layers.0.attention.query_key_value"
	assert.Equal(t, map[string][]int{
		qkv + ".lora_A":  {12, 4},
		qkv + ".lora_E":  {12, 1},
		qkv + ".lora_B":  {12, 12},
		qkv + ".ranknum": {1},
	}, shapes(m.Adapters()))
	assert.NotContains(t, trainable(m), qkv+".ranknum")
}

func TestGetPeftModel_IA3(t *testing.T) {
	m, err := GetPeftModel(newFakeModel(), mustConfig(t, KindIA3, nil), WithModelConfig(chatglmConfig))
	require.NoError(t, err)

	assert.Equal(t, map[string][]int{
		"base_model.model.transformer.layers.0.attention.query_key_value.ia3_l": {12, 1},
		"base_model.model.transformer.layers.0.mlp.dense_4h_to_h.ia3_l":         {1, 16},
	}, shapes(m.Adapters()))
	for _, p := range m.Adapters() {
		assert.Equal(t, float32(1), p.Data[0])
	}
}

func TestGetPeftModel_PromptLearning(t *testing.T) {
	tests := []struct {
		name    string
		kind    Kind
		options map[string]any
		want    map[string][]int
	}{
		{
			name: "prompt tuning",
			kind: KindPromptTuning,
			want: map[string][]int{"prompt_encoder.embedding.weight": {20, 4}},
		},
		{
			name: "prefix tuning",
			kind: KindPrefixTuning,
			want: map[string][]int{"prompt_encoder.embedding.weight": {20, 8}},
		},
		{
			name:    "prefix projection",
			kind:    KindPrefixTuning,
			options: map[string]any{"num_virtual_tokens": 5, "prefix_projection": true, "encoder_hidden_size": 6},
			want: map[string][]int{
				"prompt_encoder.embedding.weight":   {5, 4},
				"prompt_encoder.transform.0.weight": {6, 4},
				"prompt_encoder.transform.0.bias":   {6},
				"prompt_encoder.transform.2.weight": {8, 6},
				"prompt_encoder.transform.2.bias":   {8},
			},
		},
		{
			name: "p-tuning mlp",
			kind: KindPromptEncoder,
			want: map[string][]int{
				"prompt_encoder.embedding.weight":  {20, 4},
				"prompt_encoder.mlp_head.0.weight": {4, 4},
				"prompt_encoder.mlp_head.0.bias":   {4},
				"prompt_encoder.mlp_head.2.weight": {4, 4},
				"prompt_encoder.mlp_head.2.bias":   {4},
				"prompt_encoder.mlp_head.4.weight": {4, 4},
				"prompt_encoder.mlp_head.4.bias":   {4},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := GetPeftModel(newFakeModel(), mustConfig(t, tt.kind, tt.options), WithModelConfig(chatglmConfig))
			require.NoError(t, err)
			assert.Equal(t, tt.want, shapes(m.Adapters()))
			assert.Equal(t, "base_model.transformer.word_embeddings.weight", m.NamedParameters()[0].Name)
			assert.Len(t, trainable(m), len(tt.want))
		})
	}
}

func TestGetPeftModel_PromptEncoderLSTM(t *testing.T) {
	cfg := mustConfig(t, KindPromptEncoder, map[string]any{"encoder_reparameterization_type": EncoderLSTM, "encoder_num_layers": 1})
	m, err := GetPeftModel(newFakeModel(), cfg, WithModelConfig(chatglmConfig))
	require.NoError(t, err)

	got := shapes(m.Adapters())
	assert.Equal(t, []int{16, 4}, got["prompt_encoder.lstm_head.weight_ih_l0"])
	assert.Equal(t, []int{16, 4}, got["prompt_encoder.lstm_head.weight_hh_l0_reverse"])
	assert.Equal(t, []int{8, 8}, got["prompt_encoder.mlp_head.0.weight"])
	assert.Equal(t, []int{4, 8}, got["prompt_encoder.mlp_head.2.weight"])
	assert.Len(t, got, 1+8+4)
}

func TestGetPeftModel_PromptDimsFromConfig(t *testing.T) {
	cfg := mustConfig(t, KindPrefixTuning, nil)
	_, err := GetPeftModel(newFakeModel(), cfg, WithModelConfig(map[string]any{"n_embd": 4.0, "n_layer": 3, "n_head": 2, "is_encoder_decoder": true}))
	require.NoError(t, err)

	pl := cfg.(*PrefixTuningConfig)
	assert.Equal(t, 4, pl.TokenDim)
	assert.Equal(t, 3, pl.NumLayers)
	assert.Equal(t, 2, pl.NumAttentionHeads)
	assert.Equal(t, 2, pl.NumTransformerSubmodules)

	_, err = GetPeftModel(newFakeModel(), mustConfig(t, KindPromptTuning, nil))
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestGetPeftModel_Seeded(t *testing.T) {
	a, err := GetPeftModel(newFakeModel(), mustConfig(t, KindLora, nil), WithModelConfig(chatglmConfig), WithSeed(7))
	require.NoError(t, err)
	b, err := GetPeftModel(newFakeModel(), mustConfig(t, KindLora, nil), WithModelConfig(chatglmConfig), WithSeed(7))
	require.NoError(t, err)

	assert.Equal(t, a.Adapters()[0].Data, b.Adapters()[0].Data)
}

func TestPeftModel_Forward(t *testing.T) {
	base := newFakeModel()
	m, err := GetPeftModel(base, mustConfig(t, KindLora, nil), WithModelConfig(chatglmConfig))
	require.NoError(t, err)

	inputs := Inputs{"input_ids": []int{1, 2, 3}}
	out, err := m.Forward(context.Background(), inputs)
	require.NoError(t, err)
	assert.Equal(t, Outputs{"logits": []float32{1}}, out)
	assert.Equal(t, []Inputs{inputs}, base.inputs)

	adapted := &adaptedModel{fakeModel: newFakeModel()}
	m, err = GetPeftModel(adapted, mustConfig(t, KindLora, nil), WithModelConfig(chatglmConfig))
	require.NoError(t, err)
	out, err = m.Forward(context.Background(), inputs)
	require.NoError(t, err)
	assert.Equal(t, Outputs{"loss": 0.5}, out)
	assert.Len(t, adapted.adapters, 2)
	assert.Empty(t, adapted.inputs)
}

func TestPeftModel_LoadAdapterWeights(t *testing.T) {
	m, err := GetPeftModel(newFakeModel(), mustConfig(t, KindIA3, nil), WithModelConfig(chatglmConfig))
	require.NoError(t, err)

	name := "base_model.model.transformer.layers.0.mlp.dense_4h_to_h.ia3_l"
	values := make([]float32, 16)
	values[3] = 2
	require.NoError(t, m.LoadAdapterWeights(map[string]Tensor{name: {Shape: []int{1, 16}, Data: values}}))
	assert.Equal(t, float32(2), shapesData(m, name)[3])

	err = m.LoadAdapterWeights(map[string]Tensor{name: {Shape: []int{16, 1}, Data: values}})
	assert.ErrorIs(t, err, ErrShapeMismatch)

	err = m.LoadAdapterWeights(map[string]Tensor{"base_model.model.lm_head.weight": {Shape: []int{10, 4}, Data: make([]float32, 40)}})
	assert.ErrorContains(t, err, "unexpected adapter weight")
}

func shapesData(m Model, name string) []float32 {
	for _, p := range m.NamedParameters() {
		if p.Name == name {
			return p.Data
		}
	}
	return nil
}

func TestTensor_ToHost(t *testing.T) {
	src := NewTensor(device, 2, 2).fill(3)
	host := src.ToHost()

	assert.Equal(t, Host, host.Device)
	assert.Equal(t, src.Shape, host.Shape)
	host.Data[0] = 0
	assert.Equal(t, float32(3), src.Data[0])
}
