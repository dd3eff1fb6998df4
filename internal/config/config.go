package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	configPathEnv = "ORDERPIPE_CONFIG"

	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
)

// Config is loaded once at startup and passed to the components that need it.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Extract  ExtractConfig  `yaml:"extract"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Server   ServerConfig   `yaml:"server"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// DatabaseConfig describes the record store connection and claim policy.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	SSLMode  string `yaml:"sslmode"`
	Path     string `yaml:"path"`

	MaxAttempts int           `yaml:"maxAttempts"`
	ClaimLease  time.Duration `yaml:"claimLease"`
	OpTimeout   time.Duration `yaml:"opTimeout"`
}

// ExtractConfig selects and configures the extraction model.
type ExtractConfig struct {
	Provider string         `yaml:"provider"`
	OpenAI   ProviderConfig `yaml:"openai"`
	Gemini   ProviderConfig `yaml:"gemini"`
}

type ProviderConfig struct {
	APIKey  string `yaml:"apiKey"`
	BaseURL string `yaml:"baseUrl"`
	Model   string `yaml:"model"`
}

// PipelineConfig tunes retries and pacing of extraction calls.
type PipelineConfig struct {
	MaxRetries     int           `yaml:"maxRetries"`
	RequestTimeout time.Duration `yaml:"requestTimeout"`
	RateLimitRPS   float64       `yaml:"rateLimitRps"`
	BackoffInitial time.Duration `yaml:"backoffInitial"`
	BackoffMax     time.Duration `yaml:"backoffMax"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listenAddr"`
	// PollInterval triggers runs periodically in serve mode. Zero disables polling.
	PollInterval    time.Duration `yaml:"pollInterval"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func defaultConfig() Config {
	return Config{
		Database: DatabaseConfig{
			Driver:      "postgres",
			Port:        5432,
			SSLMode:     "disable",
			MaxAttempts: 5,
			ClaimLease:  15 * time.Minute,
			OpTimeout:   10 * time.Second,
		},
		Extract: ExtractConfig{
			Provider: ProviderOpenAI,
			OpenAI: ProviderConfig{
				BaseURL: "https://api.groq.com/openai/v1",
				Model:   "llama3-70b-8192",
			},
			Gemini: ProviderConfig{
				Model: "gemini-2.0-flash",
			},
		},
		Pipeline: PipelineConfig{
			MaxRetries:     2,
			RequestTimeout: 60 * time.Second,
			BackoffInitial: 500 * time.Millisecond,
			BackoffMax:     5 * time.Second,
		},
		Server: ServerConfig{
			ListenAddr:      ":5000",
			ShutdownTimeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads .env (if present), the YAML file named by ORDERPIPE_CONFIG (if set),
// then applies environment overrides. Variables already set in the environment
// take precedence over .env entries.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := defaultConfig()
	if path := strings.TrimSpace(os.Getenv(configPathEnv)); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() error {
	var err error

	envString("DB_DRIVER", &c.Database.Driver)
	envString("DB_HOST", &c.Database.Host)
	envString("DB_USER", &c.Database.User)
	envString("DB_PASSWORD", &c.Database.Password)
	envString("DB_NAME", &c.Database.Name)
	envString("DB_SSLMODE", &c.Database.SSLMode)
	envString("DB_PATH", &c.Database.Path)
	if c.Database.Port, err = envInt("DB_PORT", c.Database.Port); err != nil {
		return err
	}
	if c.Database.MaxAttempts, err = envInt("MAX_ATTEMPTS", c.Database.MaxAttempts); err != nil {
		return err
	}
	if c.Database.ClaimLease, err = envDuration("CLAIM_LEASE", c.Database.ClaimLease); err != nil {
		return err
	}
	if c.Database.OpTimeout, err = envDuration("DB_OP_TIMEOUT", c.Database.OpTimeout); err != nil {
		return err
	}

	envString("EXTRACT_PROVIDER", &c.Extract.Provider)
	envString("OPENAI_API_KEY", &c.Extract.OpenAI.APIKey)
	envString("GROQ_API_KEY", &c.Extract.OpenAI.APIKey)
	envString("OPENAI_BASE_URL", &c.Extract.OpenAI.BaseURL)
	envString("OPENAI_MODEL", &c.Extract.OpenAI.Model)
	envString("GEMINI_API_KEY", &c.Extract.Gemini.APIKey)
	envString("GEMINI_BASE_URL", &c.Extract.Gemini.BaseURL)
	envString("GEMINI_MODEL", &c.Extract.Gemini.Model)

	if c.Pipeline.MaxRetries, err = envInt("MAX_RETRIES", c.Pipeline.MaxRetries); err != nil {
		return err
	}
	if c.Pipeline.RequestTimeout, err = envDuration("REQUEST_TIMEOUT", c.Pipeline.RequestTimeout); err != nil {
		return err
	}
	if c.Pipeline.RateLimitRPS, err = envFloat("RATE_LIMIT_RPS", c.Pipeline.RateLimitRPS); err != nil {
		return err
	}

	envString("LISTEN_ADDR", &c.Server.ListenAddr)
	if c.Server.PollInterval, err = envDuration("POLL_INTERVAL", c.Server.PollInterval); err != nil {
		return err
	}

	envString("LOG_LEVEL", &c.Logging.Level)
	envString("LOG_FORMAT", &c.Logging.Format)
	return nil
}

// Validate reports the first missing or inconsistent setting.
func (c Config) Validate() error {
	switch strings.ToLower(c.Database.Driver) {
	case "postgres":
		if c.Database.Host == "" || c.Database.User == "" || c.Database.Name == "" {
			return fmt.Errorf("DB_HOST, DB_USER and DB_NAME are required for the postgres driver")
		}
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("DB_PATH is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("invalid DB_DRIVER=%q (want postgres or sqlite)", c.Database.Driver)
	}

	switch strings.ToLower(c.Extract.Provider) {
	case ProviderOpenAI:
		if c.Extract.OpenAI.APIKey == "" {
			return fmt.Errorf("GROQ_API_KEY (or OPENAI_API_KEY) is required for the openai provider")
		}
	case ProviderGemini:
		if c.Extract.Gemini.APIKey == "" {
			return fmt.Errorf("GEMINI_API_KEY is required for the gemini provider")
		}
	default:
		return fmt.Errorf("invalid EXTRACT_PROVIDER=%q (want openai or gemini)", c.Extract.Provider)
	}

	if c.Pipeline.MaxRetries < 0 {
		return fmt.Errorf("MAX_RETRIES must be >= 0, got %d", c.Pipeline.MaxRetries)
	}
	if c.Pipeline.RateLimitRPS < 0 {
		return fmt.Errorf("RATE_LIMIT_RPS must be >= 0, got %g", c.Pipeline.RateLimitRPS)
	}
	if c.Server.PollInterval < 0 {
		return fmt.Errorf("POLL_INTERVAL must be >= 0, got %s", c.Server.PollInterval)
	}
	return nil
}

// ValidateDatabase checks only the store settings, for commands that never call a model.
func (c Config) ValidateDatabase() error {
	dbOnly := c
	dbOnly.Extract = ExtractConfig{Provider: ProviderOpenAI, OpenAI: ProviderConfig{APIKey: "unused"}}
	return dbOnly.Validate()
}

func envString(varName string, dst *string) {
	if v := strings.TrimSpace(os.Getenv(varName)); v != "" {
		*dst = v
	}
}

func envInt(varName string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(varName))
	if v == "" {
		return fallback, nil
	}
	out, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", varName, v, err)
	}
	return out, nil
}

func envFloat(varName string, fallback float64) (float64, error) {
	v := strings.TrimSpace(os.Getenv(varName))
	if v == "" {
		return fallback, nil
	}
	out, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", varName, v, err)
	}
	return out, nil
}

func envDuration(varName string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(varName))
	if v == "" {
		return fallback, nil
	}
	out, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", varName, v, err)
	}
	return out, nil
}
