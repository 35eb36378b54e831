package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.yaml.in/yaml/v3"
)

const embeddedSchemaURL = "fedassist.v1.schema.json"

//go:embed schema/fedassist.v1.schema.json
var embeddedSchema []byte

// LoadAndValidate loads and validates the configuration. The format is picked from the file
// extension (.yaml/.yml, .json, .toml). An empty schemaPath validates against the embedded schema.
func LoadAndValidate(path, schemaPath string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read config: %w", err)
	}

	codec, err := codecFor(path)
	if err != nil {
		return nil, err
	}

	var raw any
	if err := codec.unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("config: invalid %s: %w", codec.name, err)
	}

	schema, err := compileSchema(schemaPath)
	if err != nil {
		return nil, fmt.Errorf("config: failed to compile schema: %w", err)
	}

	if err := schema.Validate(raw); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}

	var config Config
	if err := codec.unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal into Config struct: %w", err)
	}
	config.ApplyDefaults()

	return &config, nil
}

type codec struct {
	name      string
	unmarshal func([]byte, any) error
}

func codecFor(path string) (codec, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		return codec{name: "YAML", unmarshal: yaml.Unmarshal}, nil
	case ".json":
		return codec{name: "JSON", unmarshal: json.Unmarshal}, nil
	case ".toml":
		return codec{name: "TOML", unmarshal: toml.Unmarshal}, nil
	default:
		return codec{}, fmt.Errorf("config: unsupported config extension: %q", ext)
	}
}

func compileSchema(schemaPath string) (*jsonschema.Schema, error) {
	if schemaPath != "" {
		return jsonschema.Compile(schemaPath)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(embeddedSchemaURL, bytes.NewReader(embeddedSchema)); err != nil {
		return nil, err
	}

	return compiler.Compile(embeddedSchemaURL)
}
