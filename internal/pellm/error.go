package pellm

import "errors"

// Error definitions for the pellm package.
var (
	ErrConfig       = errors.New("pellm: invalid configuration")
	ErrSaveDisabled = errors.New("pellm: saving trainable parameters is disabled for this model")
	ErrNoCompute    = errors.New("pellm: checkpoint model has no compute graph")
)
