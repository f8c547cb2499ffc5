package config

import (
	"errors"
	"fmt"
	"strings"

	cenv "github.com/caarlos0/env/v11"

	"voxgate/internal/engine"
)

type Config struct {
	ListenAddr     string
	APIKey         string
	MaxUploadBytes int64
	DefaultModel   string
	Device         string
	ComputeType    string
	PythonBin      string
	LogLevel       string
}

type envConfig struct {
	ListenAddr     string `env:"LISTEN_ADDR" envDefault:":8080"`
	APIKey         string `env:"TRANSCRIBE_API_KEY"`
	MaxUploadBytes int64  `env:"MAX_UPLOAD_BYTES" envDefault:"52428800"`
	DefaultModel   string `env:"DEFAULT_MODEL" envDefault:"small"`
	Device         string `env:"WHISPER_DEVICE" envDefault:"cpu"`
	ComputeType    string `env:"WHISPER_COMPUTE_TYPE"`
	PythonBin      string `env:"WHISPER_PYTHON" envDefault:"python3"`
	LogLevel       string `env:"LOG_LEVEL" envDefault:"info"`
}

func Load() (Config, error) {
	var raw envConfig
	if err := cenv.Parse(&raw); err != nil {
		return Config{}, err
	}

	cfg := Config{
		ListenAddr:     strings.TrimSpace(raw.ListenAddr),
		APIKey:         strings.TrimSpace(raw.APIKey),
		MaxUploadBytes: raw.MaxUploadBytes,
		DefaultModel:   strings.TrimSpace(raw.DefaultModel),
		Device:         strings.ToLower(strings.TrimSpace(raw.Device)),
		ComputeType:    strings.TrimSpace(raw.ComputeType),
		PythonBin:      strings.TrimSpace(raw.PythonBin),
		LogLevel:       strings.ToLower(strings.TrimSpace(raw.LogLevel)),
	}
	if cfg.ComputeType == "" {
		if cfg.Device == "cuda" {
			cfg.ComputeType = "float16"
		} else {
			cfg.ComputeType = "int8"
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("LISTEN_ADDR must not be empty")
	}
	if c.MaxUploadBytes <= 0 {
		return errors.New("MAX_UPLOAD_BYTES must be > 0")
	}
	if !engine.ValidModelSize(c.DefaultModel) {
		return fmt.Errorf("DEFAULT_MODEL must be one of %s", strings.Join(engine.ModelSizes, "|"))
	}
	if c.Device != "cpu" && c.Device != "cuda" {
		return errors.New("WHISPER_DEVICE must be cpu or cuda")
	}
	if c.PythonBin == "" {
		return errors.New("WHISPER_PYTHON must not be empty")
	}
	return nil
}
