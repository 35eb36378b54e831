package model

import "errors"

// Error definitions for the model package.
var (
	ErrNotFound    = errors.New("model not found in registry")
	ErrNotInConfig = errors.New("model not declared in config")
	ErrWrongType   = errors.New("model has the wrong type for this use")
	ErrNoRegistry  = errors.New("models have not been loaded")
)
