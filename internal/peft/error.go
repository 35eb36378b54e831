package peft

import "errors"

// Error definitions for the peft package.
var (
	ErrUnknownKind     = errors.New("unknown adapter kind")
	ErrInvalidConfig   = errors.New("invalid adapter config")
	ErrNoTargetModules = errors.New("no target modules matched")
	ErrNoParameters    = errors.New("model has no parameters")
	ErrShapeMismatch   = errors.New("tensor shape mismatch")
)
