package config

import (
	"os"
	"path/filepath"
	"runtime"
)

const (
	// DefaultAssistantName is printed before every static recommendation block.
	DefaultAssistantName = "FedAssistant"

	// DefaultModelLabel is printed before generated responses.
	DefaultModelLabel = "ChatGLM-6B"

	// DefaultBanner is shown on start and after the history is cleared.
	DefaultBanner = "欢迎使用 ChatGLM-6B 模型，输入内容即可进行对话，clear 清空对话历史，stop 终止程序"

	// DefaultLlamaBinary is looked up on PATH when no binary is configured.
	DefaultLlamaBinary = "llama-cli"
)

// DefaultConfigPath returns the default path for the fedassist config directory.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "fedassist", "config")
	}

	switch runtime.GOOS {
	case "windows":
		return filepath.Join(home, "AppData", "Roaming", "fedassist")
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "fedassist")
	default: // Linux, BSD, etc.
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			return filepath.Join(xdg, "fedassist")
		}
		return filepath.Join(home, ".config", "fedassist")
	}
}

// DefaultModelsPath returns the default path for the fedassist models directory.
func DefaultModelsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "fedassist", "models")
	}

	switch runtime.GOOS {
	case "windows":
		return filepath.Join(home, "AppData", "Local", "fedassist", "models")
	case "darwin":
		return filepath.Join(home, "Library", "Caches", "fedassist", "models")
	default: // Linux, BSD, etc.
		if xdg := os.Getenv("XDG_CACHE_HOME"); xdg != "" {
			return filepath.Join(xdg, "fedassist", "models")
		}
		return filepath.Join(home, ".cache", "fedassist", "models")
	}
}

// ApplyDefaults fills unset chat fields.
func (c *Config) ApplyDefaults() {
	if c.Chat.AssistantName == "" {
		c.Chat.AssistantName = DefaultAssistantName
	}
	if c.Chat.ModelLabel == "" {
		c.Chat.ModelLabel = DefaultModelLabel
	}
	if c.Chat.Banner == "" {
		c.Chat.Banner = DefaultBanner
	}
	if c.Chat.Binary == "" {
		c.Chat.Binary = DefaultLlamaBinary
	}
	if c.Models == nil {
		c.Models = map[string]ModelConfig{}
	}
}
