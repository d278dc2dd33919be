package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"arena/internal/arena/sandbox"
	"arena/internal/arena/storage"
	"arena/internal/arena/supervisor"
	"arena/internal/cli/config"
	"arena/pkg/utils/logger"

	"gopkg.in/yaml.v3"
)

const (
	defaultWorkRoot      = "/tmp/arena"
	defaultAlgorithmsDir = "algorithms"
	defaultIOTimeout     = 10 * time.Second
	defaultChildLogLevel = "warn"
)

// AppConfig holds arena config.
type AppConfig struct {
	Logger        logger.Config       `yaml:"logger"`
	Evaluation    supervisor.Config   `yaml:"evaluation"`
	Limits        sandbox.Limits      `yaml:"limits"`
	Sandbox       sandbox.Config      `yaml:"sandbox"`
	MinIO         storage.MinIOConfig `yaml:"minio"`
	REPL          config.Config       `yaml:"repl"`
	ChildLogLevel string              `yaml:"childLogLevel"`
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file failed: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config file failed: %w", err)
	}
	return nil
}

// loadAppConfig reads path. A missing file at the default location yields
// the defaults.
func loadAppConfig(path string, required bool) (*AppConfig, error) {
	var cfg AppConfig
	if err := loadYAML(path, &cfg); err != nil {
		if required || !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}
	applyDefaults(&cfg)
	if cfg.Sandbox.EnableCgroup && cfg.Sandbox.CgroupRoot == "" {
		return nil, fmt.Errorf("sandbox cgroupRoot is required when cgroups are enabled")
	}
	if cfg.MinIO.Enabled() && cfg.MinIO.Bucket == "" {
		return nil, fmt.Errorf("minio bucket is required")
	}
	return &cfg, nil
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Logger.Level == "" {
		cfg.Logger.Level = "info"
	}
	if cfg.Logger.Format == "" {
		cfg.Logger.Format = "console"
	}
	if cfg.Logger.OutputPath == "" {
		cfg.Logger.OutputPath = "stderr"
	}
	if cfg.Logger.ErrorPath == "" {
		cfg.Logger.ErrorPath = "stderr"
	}
	if cfg.Evaluation.WorkRoot == "" {
		cfg.Evaluation.WorkRoot = defaultWorkRoot
	}
	if cfg.Evaluation.AlgorithmsDir == "" {
		cfg.Evaluation.AlgorithmsDir = defaultAlgorithmsDir
	}
	if cfg.Evaluation.ReadFilesDir == "" {
		cfg.Evaluation.ReadFilesDir = cfg.Evaluation.AlgorithmsDir
	}
	if cfg.Evaluation.IOTimeout == 0 {
		cfg.Evaluation.IOTimeout = defaultIOTimeout
	}
	if cfg.ChildLogLevel == "" {
		cfg.ChildLogLevel = defaultChildLogLevel
	}
	cfg.Evaluation.LogLevel = cfg.ChildLogLevel
	cfg.Evaluation.Limits = cfg.Limits
	config.ApplyDefaults(&cfg.REPL)
}
