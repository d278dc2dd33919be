package config

import (
	"time"
)

const (
	DefaultPrompt      = "arena> "
	DefaultCallTimeout = 30 * time.Second
)

// Config holds interactive shell configuration.
type Config struct {
	Prompt      string        `yaml:"prompt"`
	HistoryFile string        `yaml:"historyFile"`
	CallTimeout time.Duration `yaml:"callTimeout"`
	PrettyJSON  *bool         `yaml:"prettyJSON"`
}

// ApplyDefaults fills unset fields.
func ApplyDefaults(cfg *Config) {
	if cfg.Prompt == "" {
		cfg.Prompt = DefaultPrompt
	}
	if cfg.CallTimeout == 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.PrettyJSON == nil {
		value := true
		cfg.PrettyJSON = &value
	}
}
