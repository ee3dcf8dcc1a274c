package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	EnvConfigFile         = "ENGAGE_CONFIG_FILE"
	defaultConfigFileName = "config.yaml"
)

type fileConfig struct {
	HTTPAddr         string   `yaml:"http_addr"`
	DBDriver         string   `yaml:"db_driver"`
	DBDSN            string   `yaml:"db_dsn"`
	AnthropicAPIKey  string   `yaml:"anthropic_api_key"`
	OpenAIAPIKey     string   `yaml:"openai_api_key"`
	KafkaBrokers     []string `yaml:"kafka_brokers"`
	SendQueueTopic   string   `yaml:"send_queue_topic"`
	SandboxEndpoint  string   `yaml:"sandbox_endpoint"`
	SandboxTimeout   string   `yaml:"sandbox_timeout"`
	VoiceDispatchURL string   `yaml:"voice_dispatch_url"`
	SMTPAddr         string   `yaml:"smtp_addr"`
	SMTPFrom         string   `yaml:"smtp_from"`
}

func loadFileConfig() (Config, error) {
	path, ok, err := resolveConfigFilePath()
	if err != nil {
		return Config{}, err
	}
	if !ok {
		return Config{}, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %s: %w", path, err)
	}

	var parsed fileConfig
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
	}

	cfg := Config{
		HTTPAddr:         strings.TrimSpace(parsed.HTTPAddr),
		DBDriver:         strings.TrimSpace(parsed.DBDriver),
		DBDSN:            strings.TrimSpace(parsed.DBDSN),
		AnthropicAPIKey:  strings.TrimSpace(parsed.AnthropicAPIKey),
		OpenAIAPIKey:     strings.TrimSpace(parsed.OpenAIAPIKey),
		SendQueueTopic:   strings.TrimSpace(parsed.SendQueueTopic),
		SandboxEndpoint:  strings.TrimSpace(parsed.SandboxEndpoint),
		VoiceDispatchURL: strings.TrimSpace(parsed.VoiceDispatchURL),
		SMTPAddr:         strings.TrimSpace(parsed.SMTPAddr),
		SMTPFrom:         strings.TrimSpace(parsed.SMTPFrom),
	}
	for _, broker := range parsed.KafkaBrokers {
		if trimmed := strings.TrimSpace(broker); trimmed != "" {
			cfg.KafkaBrokers = append(cfg.KafkaBrokers, trimmed)
		}
	}
	if raw := strings.TrimSpace(parsed.SandboxTimeout); raw != "" {
		timeout, err := time.ParseDuration(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse sandbox_timeout in %s: %w", path, err)
		}
		cfg.SandboxTimeout = timeout
	}
	return cfg, nil
}

func resolveConfigFilePath() (string, bool, error) {
	if explicit := strings.TrimSpace(os.Getenv(EnvConfigFile)); explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", false, fmt.Errorf("config file %s: %w", explicit, err)
		}
		return explicit, true, nil
	}

	if _, err := os.Stat(defaultConfigFileName); err == nil {
		return defaultConfigFileName, true, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", false, fmt.Errorf("stat %s: %w", defaultConfigFileName, err)
	}
	return "", false, nil
}
