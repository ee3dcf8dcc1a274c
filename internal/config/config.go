package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

const (
	defaultHTTPAddr       = ":8080"
	defaultDBDriver       = "sqlite"
	defaultDBDSN          = "engage.db"
	defaultSendTopic      = "engage.outbound.email"
	defaultSandboxTimeout = 10 * time.Second
)

type Config struct {
	HTTPAddr string
	DBDriver string
	DBDSN    string

	AnthropicAPIKey string
	OpenAIAPIKey    string

	KafkaBrokers     []string
	SendQueueTopic   string
	SandboxEndpoint  string
	SandboxTimeout   time.Duration
	VoiceDispatchURL string

	SMTPAddr string
	SMTPFrom string
}

// FromEnv reads the optional YAML config file and overlays ENGAGE_* environment
// variables on top of it.
func FromEnv() (Config, error) {
	cfg, err := loadFileConfig()
	if err != nil {
		return Config{}, err
	}

	if addr := strings.TrimSpace(os.Getenv("ENGAGE_HTTP_ADDR")); addr != "" {
		cfg.HTTPAddr = addr
	}
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = defaultHTTPAddr
	}

	if driver := strings.TrimSpace(os.Getenv("ENGAGE_DB_DRIVER")); driver != "" {
		cfg.DBDriver = driver
	}
	if cfg.DBDriver == "" {
		cfg.DBDriver = defaultDBDriver
	}
	cfg.DBDriver = strings.ToLower(cfg.DBDriver)

	if dsn := strings.TrimSpace(os.Getenv("ENGAGE_DB_DSN")); dsn != "" {
		cfg.DBDSN = dsn
	}
	if cfg.DBDSN == "" {
		cfg.DBDSN = defaultDBDSN
	}

	if key := strings.TrimSpace(os.Getenv("ENGAGE_ANTHROPIC_API_KEY")); key != "" {
		cfg.AnthropicAPIKey = key
	}
	if key := strings.TrimSpace(os.Getenv("ENGAGE_OPENAI_API_KEY")); key != "" {
		cfg.OpenAIAPIKey = key
	}

	if raw := strings.TrimSpace(os.Getenv("ENGAGE_KAFKA_BROKERS")); raw != "" {
		cfg.KafkaBrokers = splitCommaList(raw)
	}
	if topic := strings.TrimSpace(os.Getenv("ENGAGE_SEND_QUEUE_TOPIC")); topic != "" {
		cfg.SendQueueTopic = topic
	}
	if cfg.SendQueueTopic == "" {
		cfg.SendQueueTopic = defaultSendTopic
	}

	if endpoint := strings.TrimSpace(os.Getenv("ENGAGE_SANDBOX_ENDPOINT")); endpoint != "" {
		cfg.SandboxEndpoint = endpoint
	}
	if raw := strings.TrimSpace(os.Getenv("ENGAGE_SANDBOX_TIMEOUT")); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err == nil && parsed > 0 {
			cfg.SandboxTimeout = parsed
		}
	}
	if cfg.SandboxTimeout <= 0 {
		cfg.SandboxTimeout = defaultSandboxTimeout
	}

	if url := strings.TrimSpace(os.Getenv("ENGAGE_VOICE_DISPATCH_URL")); url != "" {
		cfg.VoiceDispatchURL = url
	}

	if addr := strings.TrimSpace(os.Getenv("ENGAGE_SMTP_ADDR")); addr != "" {
		cfg.SMTPAddr = addr
	}
	if from := strings.TrimSpace(os.Getenv("ENGAGE_SMTP_FROM")); from != "" {
		cfg.SMTPFrom = from
	}

	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.HTTPAddr) == "" {
		return fmt.Errorf("ENGAGE_HTTP_ADDR must not be empty")
	}
	switch strings.ToLower(strings.TrimSpace(c.DBDriver)) {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("ENGAGE_DB_DRIVER must be sqlite or postgres")
	}
	if strings.TrimSpace(c.DBDSN) == "" {
		return fmt.Errorf("ENGAGE_DB_DSN must not be empty")
	}
	if strings.TrimSpace(c.SendQueueTopic) == "" {
		return fmt.Errorf("ENGAGE_SEND_QUEUE_TOPIC must not be empty")
	}
	if c.SandboxTimeout <= 0 {
		return fmt.Errorf("ENGAGE_SANDBOX_TIMEOUT must be > 0")
	}
	return nil
}

func splitCommaList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
