package model

import (
	"time"

	"github.com/ekisa-team/fedassist/internal/config"
)

// ModelType is the type of a model.
type ModelType string

const (
	// ModelTypeLLM is a quantized chat model served by a generation backend.
	ModelTypeLLM ModelType = "llm"

	// ModelTypePretrained is a pretrained checkpoint used as the base of an adapter.
	ModelTypePretrained ModelType = "pretrained"
)

// ModelStatus is the current availability of a model on disk.
type ModelStatus string

const (
	// ModelStatusPending indicates that the model has not been resolved yet.
	ModelStatusPending ModelStatus = "pending"

	// ModelStatusReady indicates that the model is present locally.
	ModelStatusReady ModelStatus = "ready"

	// ModelStatusFailed indicates that resolving the model failed.
	ModelStatusFailed ModelStatus = "failed"
)

// ModelInstance represents a model resolved from the config.
type ModelInstance struct {
	Config  *config.ModelConfig `json:"config"`
	ReadyAt *time.Time          `json:"ready_at,omitempty"`
	ID      string              `json:"id"`
	Path    string              `json:"-"`
	Status  ModelStatus         `json:"status"`
	Error   string              `json:"error,omitempty"`
}

// NewModelInstance creates a new model instance.
func NewModelInstance(cfg *config.ModelConfig, id, path string) *ModelInstance {
	return &ModelInstance{
		ID:     id,
		Path:   path,
		Config: cfg,
		Status: ModelStatusPending,
	}
}

// Type returns the configured model type.
func (mi *ModelInstance) Type() ModelType {
	return ModelType(mi.Config.Type)
}

// SetStatus sets the status of the model instance.
func (mi *ModelInstance) SetStatus(status ModelStatus) {
	mi.Status = status
	if status == ModelStatusReady {
		now := time.Now()
		mi.ReadyAt = &now
	}
}

// SetError marks the instance failed with err.
func (mi *ModelInstance) SetError(err error) {
	mi.Status = ModelStatusFailed
	mi.Error = err.Error()
}
