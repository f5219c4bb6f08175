package config

import (
	"time"

	yamlenv "github.com/ifuryst/go-yaml-env"
	"github.com/ifuryst/xtrack/pkg/logger"
)

type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	Logger       logger.Config      `yaml:"logger"`
	Twitter      TwitterConfig      `yaml:"twitter"`
	LLM          LLMConfig          `yaml:"llm"`
	Email        EmailConfig        `yaml:"email"`
	Telegram     TelegramConfig     `yaml:"telegram"`
	Scheduler    SchedulerConfig    `yaml:"scheduler"`
	Notification NotificationConfig `yaml:"notification"`
}

type ServerConfig struct {
	Port     int    `yaml:"port"`
	Host     string `yaml:"host"`
	Mode     string `yaml:"mode"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

type DatabaseConfig struct {
	Type     string `yaml:"type"` // postgres or sqlite
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`
	TimeZone string `yaml:"timezone"`
	Path     string `yaml:"path"` // sqlite file
}

type TwitterConfig struct {
	APIKey      string        `yaml:"api_key"`
	BaseURL     string        `yaml:"base_url"`
	MinInterval time.Duration `yaml:"min_interval"`
	MaxAttempts int           `yaml:"max_attempts"`
	Timeout     time.Duration `yaml:"timeout"`
	PageLimit   int           `yaml:"page_limit"`
}

type LLMConfig struct {
	Provider string        `yaml:"provider"` // gemini or openai
	APIKey   string        `yaml:"api_key"`
	Model    string        `yaml:"model"`
	BaseURL  string        `yaml:"base_url"`
	Timeout  time.Duration `yaml:"timeout"`
}

type EmailConfig struct {
	SendGridAPIKey string `yaml:"sendgrid_api_key"`
	FromEmail      string `yaml:"from_email"`
	FromName       string `yaml:"from_name"`
}

type TelegramConfig struct {
	BotToken   string `yaml:"bot_token"`
	WebhookURL string `yaml:"webhook_url"`
}

type SchedulerConfig struct {
	Enabled         *bool         `yaml:"enabled"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// IsEnabled reports whether job triggers should be armed. Unset means enabled.
func (c SchedulerConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

type NotificationConfig struct {
	BindTokenTTL time.Duration `yaml:"bind_token_ttl"`
	// CleanupInterval is how often expired and used bind tokens are purged
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

func LoadConfig(configPath string) (*Config, error) {
	cfg, err := yamlenv.LoadConfig[Config](configPath)
	if err != nil {
		return nil, err
	}

	ApplyDefaults(cfg)
	return cfg, nil
}

// ApplyDefaults fills every unset field with its default value
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8000
	}
	if cfg.Server.Mode == "" {
		cfg.Server.Mode = "debug"
	}
	if cfg.Database.Type == "" {
		cfg.Database.Type = "postgres"
	}
	if cfg.Database.Host == "" {
		cfg.Database.Host = "localhost"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Database.TimeZone == "" {
		cfg.Database.TimeZone = "UTC"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "xtrack.db"
	}
	if cfg.Twitter.BaseURL == "" {
		cfg.Twitter.BaseURL = "https://api.twitterapi.io"
	}
	if cfg.Twitter.MinInterval == 0 {
		cfg.Twitter.MinInterval = 5 * time.Second
	}
	if cfg.Twitter.MaxAttempts == 0 {
		cfg.Twitter.MaxAttempts = 3
	}
	if cfg.Twitter.Timeout == 0 {
		cfg.Twitter.Timeout = 30 * time.Second
	}
	if cfg.Twitter.PageLimit == 0 {
		cfg.Twitter.PageLimit = 50
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "gemini"
	}
	if cfg.LLM.Timeout == 0 {
		cfg.LLM.Timeout = 60 * time.Second
	}
	if cfg.Email.FromName == "" {
		cfg.Email.FromName = "XTrack"
	}
	if cfg.Scheduler.ShutdownTimeout == 0 {
		cfg.Scheduler.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Notification.BindTokenTTL == 0 {
		cfg.Notification.BindTokenTTL = 10 * time.Minute
	}
	if cfg.Notification.CleanupInterval == 0 {
		cfg.Notification.CleanupInterval = time.Hour
	}
}
