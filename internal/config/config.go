package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the configuration for the application.
type Config struct {
	Server struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"server"`
	DB struct {
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Name     string `mapstructure:"name"`
		SSLMode  string `mapstructure:"sslmode"`
	} `mapstructure:"db"`
	Model struct {
		BaseURL     string        `mapstructure:"base_url"`
		APIKey      string        `mapstructure:"api_key"`
		Name        string        `mapstructure:"name"`
		Temperature float64       `mapstructure:"temperature"`
		MaxTokens   int           `mapstructure:"max_tokens"`
		Timeout     time.Duration `mapstructure:"timeout"`
	} `mapstructure:"model"`
	Engine struct {
		MaxSteps             int           `mapstructure:"max_steps"`
		StepTimeout          time.Duration `mapstructure:"step_timeout"`
		RunTimeout           time.Duration `mapstructure:"run_timeout"`
		DefaultMaxRetries    int           `mapstructure:"default_max_retries"`
		RetryScope           string        `mapstructure:"retry_scope"`
		FinishedRunRetention int           `mapstructure:"finished_run_retention"`
	} `mapstructure:"engine"`
	WorkflowsDir string `mapstructure:"workflows_dir"`
	PromptsDir   string `mapstructure:"prompts_dir"`
	Auth         struct {
		Enable       bool   `mapstructure:"enable"`
		Issuer       string `mapstructure:"issuer"`
		ClientID     string `mapstructure:"client_id"`
		ClientSecret string `mapstructure:"client_secret"`
		RedirectURL  string `mapstructure:"redirect_url"`
	} `mapstructure:"auth"`
	TLS struct {
		Enable    bool     `mapstructure:"enable"`
		CertFile  string   `mapstructure:"cert_file"`
		KeyFile   string   `mapstructure:"key_file"`
		Hostnames []string `mapstructure:"hostnames"`
	} `mapstructure:"tls"`
	Notifications struct {
		SlackWebhookURL string `mapstructure:"slack_webhook_url"`
		SMTP            struct {
			Addr     string   `mapstructure:"addr"`
			From     string   `mapstructure:"from"`
			To       []string `mapstructure:"to"`
			Username string   `mapstructure:"username"`
			Password string   `mapstructure:"password"`
		} `mapstructure:"smtp"`
	} `mapstructure:"notifications"`
	Jenkins struct {
		BaseURL  string `mapstructure:"base_url"`
		Username string `mapstructure:"username"`
		APIToken string `mapstructure:"api_token"`
	} `mapstructure:"jenkins"`
	Logging struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"logging"`
}

// LoadConfig loads the configuration from a file and the environment.
func LoadConfig() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.SetEnvPrefix("TRIAGE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("server.addr", ":8080")
	viper.SetDefault("db.sslmode", "disable")
	viper.SetDefault("engine.max_steps", 50)
	viper.SetDefault("engine.retry_scope", "per_node")
	viper.SetDefault("engine.finished_run_retention", 256)
	viper.SetDefault("workflows_dir", "workflows")
	viper.SetDefault("prompts_dir", "prompts")
	viper.SetDefault("logging.level", "info")

	if err := viper.ReadInConfig(); err != nil {
		// Running from env vars alone is fine; anything else is fatal.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	// normalize the OIDC issuer url (strip trailing slash if any)
	config.Auth.Issuer = normalizeIssuer(config.Auth.Issuer)

	return &config, nil
}

// DSN renders the Postgres connection string used by the pgx pool.
func (c *Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.DB.User, c.DB.Password, c.DB.Host, c.DB.Port, c.DB.Name, c.DB.SSLMode)
}

// normalizeIssuer ensures the provided OIDC issuer string is in a
// predictable form. It removes any trailing slash and leaves the scheme and
// path intact, so the full URL from the provider's admin console can be
// pasted as-is.
func normalizeIssuer(input string) string {
	iss := strings.TrimSpace(input)
	if strings.HasSuffix(iss, "/") {
		iss = strings.TrimRight(iss, "/")
	}
	return iss
}
