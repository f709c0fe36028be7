package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the service
type Config struct {
	Environment string `mapstructure:"environment"`
	LogLevel    string `mapstructure:"logLevel"`
	Server      struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"server"`
	Metrics struct {
		Enabled bool `mapstructure:"enabled"`
	} `mapstructure:"metrics"`
	Database struct {
		PostgresDSN         string `mapstructure:"postgresDSN"`
		PostgresAutoMigrate bool   `mapstructure:"postgresAutoMigrate"`
	} `mapstructure:"database"`
	NATS struct {
		URL        string `mapstructure:"url"`
		Subject    string `mapstructure:"subject"`    // Subject carrying audit events
		QueueGroup string `mapstructure:"queueGroup"` // Queue group for the subscription
	} `mapstructure:"nats"`
	Notifier  NotifierConfig `mapstructure:"notifier"`
	Retention struct {
		QueueDays int `mapstructure:"queueDays"` // Terminal job rows older than this are deleted
		DedupDays int `mapstructure:"dedupDays"` // Dedup records older than this are deleted
		PurgeDays int `mapstructure:"purgeDays"` // Unconditional queue cutoff regardless of state
	} `mapstructure:"retention"`
	Scheduler struct {
		DrainSpec        string `mapstructure:"drainSpec"`        // Cron spec for queue draining
		CleanupSpec      string `mapstructure:"cleanupSpec"`      // Cron spec for retention sweeps
		SilenceSweepSpec string `mapstructure:"silenceSweepSpec"` // Cron spec for expired silence reset
	} `mapstructure:"scheduler"`
}

// NotifierConfig holds the notification pipeline settings. It is passed by value
// into the classifier, dedup store, drainer and sender constructors.
type NotifierConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	BotToken        string        `mapstructure:"botToken"`
	APIBaseURL      string        `mapstructure:"apiBaseURL"`
	ChatIDs         []string      `mapstructure:"chatIds"`
	EventTypes      []string      `mapstructure:"eventTypes"` // Allow-list; empty falls back to built-in defaults
	Keywords        []string      `mapstructure:"keywords"`   // Extra keywords matched against descriptions
	AntiSpamWindow  time.Duration `mapstructure:"antiSpamWindow"`
	SilenceMode     bool          `mapstructure:"silenceMode"`
	SilenceDuration time.Duration `mapstructure:"silenceDuration"`
	MaxAttempts     int           `mapstructure:"maxAttempts"`
	BaseRetryDelay  time.Duration `mapstructure:"baseRetryDelay"`
	MaxRetryDelay   time.Duration `mapstructure:"maxRetryDelay"` // Zero means no ceiling
	BatchLimit      int           `mapstructure:"batchLimit"`
	LockTimeout     time.Duration `mapstructure:"lockTimeout"` // Stuck PROCESSING rows older than this are reclaimed
	SendInterval    time.Duration `mapstructure:"sendInterval"`
	SendTimeout     time.Duration `mapstructure:"sendTimeout"`
}

// LoadConfig reads configuration from file or environment variables
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("environment", "development")
	v.SetDefault("logLevel", "info")
	v.SetDefault("server.port", 8080)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("database.postgresAutoMigrate", true)
	v.SetDefault("nats.subject", "v1.audit.events")
	v.SetDefault("nats.queueGroup", "telegram_notify_relay")

	// Notifier defaults
	v.SetDefault("notifier.enabled", false)
	v.SetDefault("notifier.apiBaseURL", "https://api.telegram.org")
	v.SetDefault("notifier.antiSpamWindow", 300*time.Second)
	v.SetDefault("notifier.silenceMode", false)
	v.SetDefault("notifier.silenceDuration", time.Hour)
	v.SetDefault("notifier.maxAttempts", 5)
	v.SetDefault("notifier.baseRetryDelay", time.Minute)
	v.SetDefault("notifier.maxRetryDelay", 0)
	v.SetDefault("notifier.batchLimit", 10)
	v.SetDefault("notifier.lockTimeout", 5*time.Minute)
	v.SetDefault("notifier.sendInterval", 100*time.Millisecond)
	v.SetDefault("notifier.sendTimeout", 30*time.Second)

	// Retention and scheduling defaults
	v.SetDefault("retention.queueDays", 7)
	v.SetDefault("retention.dedupDays", 30)
	v.SetDefault("retention.purgeDays", 90)
	v.SetDefault("scheduler.drainSpec", "@every 60s")
	v.SetDefault("scheduler.cleanupSpec", "@daily")
	v.SetDefault("scheduler.silenceSweepSpec", "@hourly")

	// Config file settings
	v.SetConfigName("default")
	v.SetConfigType("yaml")

	if path != "" {
		v.AddConfigPath(path)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("./internal/config")
	v.AddConfigPath("$HOME/.telegram-notify-relay")
	v.AddConfigPath("/etc/telegram-notify-relay")

	if err := v.ReadInConfig(); err != nil {
		// It's ok if config file is not found, we'll use env vars
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Map environment variables to config fields
	bindEnvs(v, Config{})

	// Read directly from ENV for critical values
	if dsn := os.Getenv("POSTGRES_DSN"); dsn != "" {
		v.Set("database.postgresDSN", dsn)
	}
	if lgLevel := os.Getenv("LOG_LEVEL"); lgLevel != "" {
		v.Set("logLevel", lgLevel)
	}
	if url := os.Getenv("NATS_URL"); url != "" {
		v.Set("nats.url", url)
	}
	if token := os.Getenv("TELEGRAM_BOT_TOKEN"); token != "" {
		v.Set("notifier.botToken", token)
	}
	if chats := os.Getenv("TELEGRAM_CHAT_IDS"); chats != "" {
		v.Set("notifier.chatIds", strings.Split(chats, ","))
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	return &config, nil
}

// bindEnvs recursively binds environment variables to config struct fields
func bindEnvs(v *viper.Viper, cfg interface{}, parts ...string) {
	ifv := reflect.ValueOf(cfg)
	ift := reflect.TypeOf(cfg)
	for i := 0; i < ift.NumField(); i++ {
		fieldVal := ifv.Field(i)
		fieldType := ift.Field(i)

		tag := fieldType.Tag.Get("mapstructure")
		if tag == "" || tag == "-" {
			continue
		}

		path := append(parts, tag)
		key := strings.Join(path, ".")

		if fieldType.Type.Kind() == reflect.Struct {
			bindEnvs(v, fieldVal.Interface(), path...)
			continue
		}

		_ = v.BindEnv(key)
	}
}
