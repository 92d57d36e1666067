package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Completion CompletionConfig `yaml:"completion" mapstructure:"completion"`
	OpenRouter OpenRouterConfig `yaml:"openrouter" mapstructure:"openrouter"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Matching   MatchingConfig   `yaml:"matching" mapstructure:"matching"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Pricing    PricingConfig    `yaml:"pricing" mapstructure:"pricing"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// CompletionConfig selects and tunes the completion provider.
type CompletionConfig struct {
	Provider          string  `yaml:"provider" mapstructure:"provider"`
	Model             string  `yaml:"model" mapstructure:"model"`
	MaxTokens         int     `yaml:"max_tokens" mapstructure:"max_tokens"`
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	BreakerFailures   int     `yaml:"breaker_failures" mapstructure:"breaker_failures"`
	BreakerResetSecs  int     `yaml:"breaker_reset_secs" mapstructure:"breaker_reset_secs"`
}

// OpenRouterConfig holds OpenRouter API settings.
type OpenRouterConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	Referer string `yaml:"referer" mapstructure:"referer"`
	Title   string `yaml:"title" mapstructure:"title"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// MatchingConfig tunes the validation run.
type MatchingConfig struct {
	LLMBatchSize    int `yaml:"llm_batch_size" mapstructure:"llm_batch_size"`
	PageSize        int `yaml:"page_size" mapstructure:"page_size"`
	WriteBatchSize  int `yaml:"write_batch_size" mapstructure:"write_batch_size"`
	DeadlineSecs    int `yaml:"deadline_secs" mapstructure:"deadline_secs"`
	LoadTimeoutSecs int `yaml:"load_timeout_secs" mapstructure:"load_timeout_secs"`
	MaxConcurrency  int `yaml:"max_concurrency" mapstructure:"max_concurrency"`
}

// ServerConfig configures the webhook server.
type ServerConfig struct {
	Port                int    `yaml:"port" mapstructure:"port"`
	WebhookSecret       string `yaml:"webhook_secret" mapstructure:"webhook_secret"`
	ShutdownTimeoutSecs int    `yaml:"shutdown_timeout_secs" mapstructure:"shutdown_timeout_secs"`
}

// PricingConfig overrides the built-in per-model rates. Models are listed
// rather than keyed because model ids contain dots.
type PricingConfig struct {
	Models []ModelPricing `yaml:"models" mapstructure:"models"`
}

// ModelPricing holds per-model token pricing (USD per million tokens).
type ModelPricing struct {
	Model  string  `yaml:"model" mapstructure:"model"`
	Input  float64 `yaml:"input" mapstructure:"input"`
	Output float64 `yaml:"output" mapstructure:"output"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// envAliases binds the platform's conventional variable names alongside
// the DNA_ prefixed ones. Earlier names take precedence.
var envAliases = map[string][]string{
	"store.database_url": {"DNA_STORE_DATABASE_URL", "SUPABASE_DB_URL", "DATABASE_URL"},
	"openrouter.key":     {"DNA_OPENROUTER_KEY", "OPENROUTER_API_KEY"},
	"anthropic.key":      {"DNA_ANTHROPIC_KEY", "ANTHROPIC_API_KEY"},
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("DNA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, names := range envAliases {
		if err := v.BindEnv(append([]string{key}, names...)...); err != nil {
			return nil, eris.Wrapf(err, "config: bind env %s", key)
		}
	}

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 1)
	v.SetDefault("completion.provider", "openrouter")
	v.SetDefault("completion.model", "mistralai/mistral-7b-instruct")
	v.SetDefault("completion.max_tokens", 256)
	v.SetDefault("completion.requests_per_second", 0)
	v.SetDefault("completion.breaker_failures", 5)
	v.SetDefault("completion.breaker_reset_secs", 30)
	v.SetDefault("openrouter.base_url", "https://openrouter.ai/api/v1")
	v.SetDefault("openrouter.referer", "https://alexandria.org")
	v.SetDefault("openrouter.title", "Alexandria DNA Validator")
	v.SetDefault("matching.llm_batch_size", 500)
	v.SetDefault("matching.page_size", 1000)
	v.SetDefault("matching.write_batch_size", 50)
	v.SetDefault("matching.deadline_secs", 55)
	v.SetDefault("matching.load_timeout_secs", 30)
	v.SetDefault("matching.max_concurrency", 0)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout_secs", 60)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command needs and reports every problem
// at once. A missing completion key is not an error: the validator then
// runs with exact and prior matching only, and Validate logs a warning.
func (c *Config) Validate(cmd string) error {
	var errs []string

	switch cmd {
	case "serve", "validate", "resolve":
		errs = append(errs, c.storeErrors()...)
		errs = append(errs, c.matchingErrors()...)
		if cmd == "serve" && c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
		if _, err := c.provider(); err != nil {
			errs = append(errs, err.Error())
		}
	case "migrate":
		errs = append(errs, c.storeErrors()...)
	default:
		return eris.Errorf("config: unknown mode %q", cmd)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: invalid for %s: %s", cmd, strings.Join(errs, "; "))
	}

	if cmd != "migrate" && c.CompletionKey() == "" {
		zap.L().Warn("config: no completion key configured, LLM matching disabled",
			zap.String("provider", c.Completion.Provider),
			zap.String("command", cmd),
		)
	}
	return nil
}

func (c *Config) storeErrors() []string {
	var errs []string
	switch c.Store.Driver {
	case "postgres", "sqlite":
	default:
		errs = append(errs, "store.driver must be postgres or sqlite")
	}
	if c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required")
	}
	return errs
}

func (c *Config) matchingErrors() []string {
	var errs []string
	m := c.Matching
	if m.DeadlineSecs <= 0 {
		errs = append(errs, "matching.deadline_secs must be > 0")
	}
	if m.LLMBatchSize <= 0 {
		errs = append(errs, "matching.llm_batch_size must be > 0")
	}
	if m.PageSize <= 0 {
		errs = append(errs, "matching.page_size must be > 0")
	}
	if m.WriteBatchSize <= 0 {
		errs = append(errs, "matching.write_batch_size must be > 0")
	}
	if m.MaxConcurrency < 0 {
		errs = append(errs, "matching.max_concurrency must be >= 0")
	}
	return errs
}

func (c *Config) provider() (string, error) {
	p := strings.ToLower(strings.TrimSpace(c.Completion.Provider))
	switch p {
	case "", "openrouter", "anthropic":
		return p, nil
	default:
		return "", eris.Errorf("completion.provider %q is not supported", c.Completion.Provider)
	}
}

// CompletionKey returns the API key of the selected provider.
func (c *Config) CompletionKey() string {
	if strings.EqualFold(c.Completion.Provider, "anthropic") {
		return c.Anthropic.Key
	}
	return c.OpenRouter.Key
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
