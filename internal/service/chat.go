// Package service binds configured models to inference backends.
package service

import (
	"context"
	"fmt"
	"maps"
	"strings"
	"sync"

	"github.com/ekisa-team/fedassist/internal/backend"
	"github.com/ekisa-team/fedassist/internal/chat"
	"github.com/ekisa-team/fedassist/internal/model"
)

// Chat streams conversational responses from a configured LLM.
type Chat struct {
	backends *backend.Registry
	models   *model.Manager
	provider backend.BackendProvider
	modelID  string
	params   map[string]any
	mu       sync.RWMutex
}

// NewChat creates a chat service that generates with modelID on provider.
func NewChat(backends *backend.Registry, models *model.Manager, provider backend.BackendProvider, modelID string, params map[string]any) *Chat {
	return &Chat{
		backends: backends,
		models:   models,
		provider: provider,
		modelID:  modelID,
		params:   maps.Clone(params),
	}
}

// SetParameters replaces the generation parameters used by later requests.
func (s *Chat) SetParameters(params map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.params = maps.Clone(params)
}

// Parameters returns a copy of the current generation parameters.
func (s *Chat) Parameters() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return maps.Clone(s.params)
}

// StreamChat renders the conversation into a prompt and streams the model's continuation.
func (s *Chat) StreamChat(ctx context.Context, query string, history []chat.Turn) (<-chan backend.StreamChunk, error) {
	b, err := s.backends.GetStreaming(s.provider)
	if err != nil {
		return nil, err
	}

	path, err := s.modelPath(b)
	if err != nil {
		return nil, err
	}

	req := &backend.Request{
		ModelPath:  path,
		Input:      strings.NewReader(chat.BuildPrompt(history, query)),
		Parameters: s.Parameters(),
	}

	stream, err := b.InferStream(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("generation with %s failed: %w", s.modelID, err)
	}

	return stream, nil
}

func (s *Chat) modelPath(b backend.Backend) (string, error) {
	instance, err := s.models.Resolve(s.modelID, model.ModelTypeLLM)
	if err != nil {
		return "", err
	}

	locator, ok := b.(backend.ModelLocator)
	if !ok {
		return instance.Path, nil
	}

	path, err := locator.ResolveModelPath(instance.Path)
	if err != nil {
		return "", fmt.Errorf("failed to locate model %s: %w", s.modelID, err)
	}

	return path, nil
}
