package pellm

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"

	"github.com/ekisa-team/fedassist/internal/peft"
	"github.com/ekisa-team/fedassist/internal/safetensors"
)

// Loader builds the base model from a pretrained directory and its resolved config.
type Loader interface {
	Load(ctx context.Context, path string, cfg ModelConfig) (peft.Model, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context, path string, cfg ModelConfig) (peft.Model, error)

// Load calls f.
func (f LoaderFunc) Load(ctx context.Context, path string, cfg ModelConfig) (peft.Model, error) {
	return f(ctx, path, cfg)
}

// CheckpointLoader reads every safetensors shard of a pretrained directory into host memory.
// The resulting model exposes parameters only; Forward returns ErrNoCompute.
type CheckpointLoader struct {
	Device string
}

// Load reads the shards below path in name order.
func (l CheckpointLoader) Load(ctx context.Context, path string, _ ModelConfig) (peft.Model, error) {
	if path == "" {
		return nil, errors.New("checkpoint loader needs a pretrained path")
	}

	shards, err := filepath.Glob(filepath.Join(path, "*.safetensors"))
	if err != nil {
		return nil, err
	}
	shards = slices.DeleteFunc(shards, func(s string) bool {
		return filepath.Base(s) == WeightsName
	})
	if len(shards) == 0 {
		return nil, fmt.Errorf("no safetensors checkpoint in %s", path)
	}
	slices.Sort(shards)

	device := l.Device
	if device == "" {
		device = peft.Host
	}

	m := &checkpointModel{}
	for _, shard := range shards {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		f, err := safetensors.ReadFile(shard)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", shard, err)
		}
		for _, name := range f.Names() {
			values, err := f.Tensors[name].Float32()
			if err != nil {
				return nil, fmt.Errorf("%s in %s: %w", name, shard, err)
			}
			m.params = append(m.params, peft.NamedParameter{
				Name: name,
				Parameter: &peft.Parameter{
					Tensor:       peft.Tensor{Shape: f.Tensors[name].Shape, Data: values, Device: device},
					RequiresGrad: true,
				},
			})
		}
	}

	return m, nil
}

type checkpointModel struct {
	params []peft.NamedParameter
}

func (m *checkpointModel) NamedParameters() []peft.NamedParameter {
	return m.params
}

func (m *checkpointModel) Forward(context.Context, peft.Inputs) (peft.Outputs, error) {
	return nil, ErrNoCompute
}
