package env

import (
	"os"
	"strings"

	"github.com/ekisa-team/fedassist/internal/envvar"
)

// Environment is the runtime environment the process is running in.
type Environment string

const (
	// Development is the default environment. Logs are colored and verbose.
	Development Environment = "development"

	// Production writes structured logs and keeps the console quiet.
	Production Environment = "production"
)

// FromEnv resolves the environment from FEDASSIST_ENV, defaulting to Development.
func FromEnv() Environment {
	return Parse(os.Getenv(envvar.FedassistEnv))
}

// Parse maps a raw value to an Environment. Unknown values fall back to Development.
func Parse(raw string) Environment {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "prod", "production":
		return Production
	default:
		return Development
	}
}

// IsProduction reports whether e is the production environment.
func (e Environment) IsProduction() bool {
	return e == Production
}
