package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the configuration for the application.
type Config struct {
	Environment string `mapstructure:"environment"`

	DB struct {
		Driver   string `mapstructure:"driver"` // postgres or memory
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Name     string `mapstructure:"name"`
		SSLMode  string `mapstructure:"sslmode"`
	} `mapstructure:"db"`

	Server struct {
		Addr           string `mapstructure:"addr"`
		EmbeddedWorker bool   `mapstructure:"embedded_worker"`
	} `mapstructure:"server"`

	Webhook struct {
		SigningSecret string        `mapstructure:"signing_secret"`
		APIKey        string        `mapstructure:"api_key"`
		SignatureTTL  time.Duration `mapstructure:"signature_ttl"`
	} `mapstructure:"webhook"`

	Worker struct {
		Concurrency  int           `mapstructure:"concurrency"`
		BatchSize    int           `mapstructure:"batch_size"`
		PollInterval time.Duration `mapstructure:"poll_interval"`
	} `mapstructure:"worker"`

	Dispatch struct {
		// Stale-claim reconciliation. Off unless ReclaimStale is set;
		// the threshold and action are policy, not a constant.
		ReclaimStale   bool          `mapstructure:"reclaim_stale"`
		StaleThreshold time.Duration `mapstructure:"stale_threshold"`
	} `mapstructure:"dispatch"`

	// Cron schedules that fire time_based trigger events, keyed by a
	// label carried in the event payload.
	Schedules map[string]string `mapstructure:"schedules"`

	CRM struct {
		BaseURL string `mapstructure:"base_url"`
		APIKey  string `mapstructure:"api_key"`
	} `mapstructure:"crm"`

	TLS struct {
		Enable    bool     `mapstructure:"enable"`
		CertFile  string   `mapstructure:"cert_file"`
		KeyFile   string   `mapstructure:"key_file"`
		Hostnames []string `mapstructure:"hostnames"`
	} `mapstructure:"tls"`
}

// IsProduction reports whether the service runs with production
// hardening (webhook auth must be configured, requests fail closed
// otherwise).
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production") || strings.EqualFold(c.Environment, "prod")
}

// LoadConfig loads the configuration from a file and the environment.
func LoadConfig(path string) (*Config, error) {
	if path != "" {
		viper.SetConfigFile(path)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
	}
	viper.SetEnvPrefix("WF")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		// A missing config file is fine; defaults and env cover it.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("environment", "dev")
	viper.SetDefault("db.driver", "postgres")
	viper.SetDefault("db.host", "localhost")
	viper.SetDefault("db.port", 5432)
	viper.SetDefault("db.user", "postgres")
	viper.SetDefault("db.name", "automations")
	viper.SetDefault("db.sslmode", "disable")
	viper.SetDefault("server.addr", ":8080")
	viper.SetDefault("server.embedded_worker", false)
	viper.SetDefault("webhook.signature_ttl", 5*time.Minute)
	viper.SetDefault("worker.concurrency", 4)
	viper.SetDefault("worker.batch_size", 10)
	viper.SetDefault("worker.poll_interval", time.Second)
	viper.SetDefault("dispatch.reclaim_stale", false)
	viper.SetDefault("dispatch.stale_threshold", 10*time.Minute)
}
