package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	API       APIConfig       `mapstructure:"api"`
	Wizard    WizardConfig    `mapstructure:"wizard"`
	DevServer DevServerConfig `mapstructure:"devserver"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// APIConfig configures the client's view of the CarbonBridge backend
type APIConfig struct {
	BaseURL  string        `mapstructure:"base_url"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Email    string        `mapstructure:"email"`
	Password string        `mapstructure:"password"`
}

// WizardConfig tunes the guided-conversation engine
type WizardConfig struct {
	IdleNudgeThreshold time.Duration `mapstructure:"idle_nudge_threshold"`
}

// DevServerConfig configures the scripted local backend
type DevServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	JWTSecret       string        `mapstructure:"jwt_secret"`
	AccessTokenTTL  time.Duration `mapstructure:"access_token_ttl"`
	RefreshTokenTTL time.Duration `mapstructure:"refresh_token_ttl"`
	TokenDelay      time.Duration `mapstructure:"token_delay"`
	DBPath          string        `mapstructure:"db_path"`
	DemoEmail       string        `mapstructure:"demo_email"`
	DemoPassword    string        `mapstructure:"demo_password"`
}

// Addr returns the listen address
func (c DevServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from file and environment variables
func Load() (*Config, error) {
	v := viper.New()

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./configs/config.yaml"
	}

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
		// Config file not found, use defaults and env vars
	}

	v.AutomaticEnv()
	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// API
	v.SetDefault("api.base_url", "http://localhost:8080")
	v.SetDefault("api.timeout", "30s")
	v.SetDefault("api.email", "buyer@example.com")
	v.SetDefault("api.password", "demo-password")

	// Wizard
	v.SetDefault("wizard.idle_nudge_threshold", "45s")

	// Dev server
	v.SetDefault("devserver.host", "0.0.0.0")
	v.SetDefault("devserver.port", 8080)
	v.SetDefault("devserver.read_timeout", "30s")
	v.SetDefault("devserver.write_timeout", "0s") // streaming responses must not be cut off
	v.SetDefault("devserver.shutdown_timeout", "10s")
	v.SetDefault("devserver.jwt_secret", "dev-only-secret")
	v.SetDefault("devserver.access_token_ttl", "15m")
	v.SetDefault("devserver.refresh_token_ttl", "168h") // 7 days
	v.SetDefault("devserver.token_delay", "30ms")
	v.SetDefault("devserver.db_path", "./carbonbridge-dev.db")
	v.SetDefault("devserver.demo_email", "buyer@example.com")
	v.SetDefault("devserver.demo_password", "demo-password")

	// Logging
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

func bindEnvVars(v *viper.Viper) {
	v.BindEnv("api.base_url", "CARBONBRIDGE_API_URL")
	v.BindEnv("api.email", "CARBONBRIDGE_EMAIL")
	v.BindEnv("api.password", "CARBONBRIDGE_PASSWORD")

	v.BindEnv("devserver.port", "DEVSERVER_PORT")
	v.BindEnv("devserver.jwt_secret", "JWT_SECRET")
	v.BindEnv("devserver.db_path", "DEVSERVER_DB_PATH")
}
