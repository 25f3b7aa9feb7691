package enzyme

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
)

// Config is the declarative form of the client options, suitable for
// loading from a file or the environment.
type Config struct {
	BaseURL        string            `mapstructure:"base_url" validate:"omitempty,url"`
	Timeout        time.Duration     `mapstructure:"timeout" validate:"min=0"`
	DefaultHeaders map[string]string `mapstructure:"default_headers"`

	Retry         RetryConfig         `mapstructure:"retry"`
	RateLimit     RateLimitSettings   `mapstructure:"rate_limit"`
	Deduplication DeduplicationConfig `mapstructure:"deduplication"`
	Throttle      ThrottleConfig      `mapstructure:"throttle"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	Normalizer    NormalizerConfig    `mapstructure:"normalizer"`
}

// RetryConfig mirrors RetryPolicy.
type RetryConfig struct {
	MaxAttempts          int           `mapstructure:"max_attempts" validate:"min=1,max=20"`
	BaseDelay            time.Duration `mapstructure:"base_delay" validate:"min=0"`
	MaxDelay             time.Duration `mapstructure:"max_delay" validate:"gtefield=BaseDelay"`
	BackoffFactor        float64       `mapstructure:"backoff_factor" validate:"min=1,max=10"`
	Jitter               float64       `mapstructure:"jitter" validate:"min=0,max=1"`
	RetryableStatusCodes []int         `mapstructure:"retryable_status_codes" validate:"dive,min=100,max=599"`
	RetryOnNetworkError  bool          `mapstructure:"retry_on_network_error"`
	RetryOnTimeout       bool          `mapstructure:"retry_on_timeout"`
	TimeoutAsNetwork     bool          `mapstructure:"timeout_as_network"`
	RespectRetryAfter    bool          `mapstructure:"respect_retry_after"`
	Strategy             string        `mapstructure:"strategy" validate:"oneof=exponential_jitter decorrelated_jitter constant"`
}

// RateLimitSettings configures the rate limiter. Preset, when set, supplies
// the limit and window; explicit values override it.
type RateLimitSettings struct {
	Enabled      bool          `mapstructure:"enabled"`
	Preset       string        `mapstructure:"preset" validate:"omitempty,oneof=strict standard relaxed burst"`
	MaxRequests  int           `mapstructure:"max_requests" validate:"min=0"`
	Window       time.Duration `mapstructure:"window" validate:"min=0"`
	Strategy     string        `mapstructure:"strategy" validate:"omitempty,oneof=queue delay reject"`
	MaxQueueSize int           `mapstructure:"max_queue_size" validate:"min=0"`
	MaxDelay     time.Duration `mapstructure:"max_delay" validate:"min=0"`
	RedisURL     string        `mapstructure:"redis_url" validate:"omitempty,url"`
	RedisPrefix  string        `mapstructure:"redis_prefix"`
}

// ThrottleConfig enables the client-wide token bucket when RPS > 0.
type ThrottleConfig struct {
	RPS   float64 `mapstructure:"rps" validate:"min=0"`
	Burst int     `mapstructure:"burst" validate:"min=0"`
}

// LoggingConfig selects the default slog level.
type LoggingConfig struct {
	Level string `mapstructure:"level" validate:"omitempty,oneof=debug info warn error"`
}

// NormalizerConfig selects the response profile.
type NormalizerConfig struct {
	Format string `mapstructure:"format" validate:"omitempty,oneof=standard jsonapi hal spring laravel django graphql"`
}

var configValidator = validator.New()

// DefaultConfig returns the configuration equivalent to New with no options.
func DefaultConfig() Config {
	p := DefaultRetryPolicy()
	return Config{
		Timeout: 30 * time.Second,
		Retry: RetryConfig{
			MaxAttempts:          p.MaxAttempts,
			BaseDelay:            p.BaseDelay,
			MaxDelay:             p.MaxDelay,
			BackoffFactor:        p.BackoffFactor,
			Jitter:               p.Jitter,
			RetryableStatusCodes: p.RetryableStatusCodes,
			RetryOnNetworkError:  p.RetryOnNetworkError,
			RetryOnTimeout:       p.RetryOnTimeout,
			RespectRetryAfter:    p.RespectRetryAfter,
			Strategy:             p.Strategy.String(),
		},
		Deduplication: DefaultDeduplicationConfig(),
		Logging:       LoggingConfig{Level: "info"},
		Normalizer:    NormalizerConfig{Format: string(FormatStandard)},
	}
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("timeout", d.Timeout)
	v.SetDefault("retry.max_attempts", d.Retry.MaxAttempts)
	v.SetDefault("retry.base_delay", d.Retry.BaseDelay)
	v.SetDefault("retry.max_delay", d.Retry.MaxDelay)
	v.SetDefault("retry.backoff_factor", d.Retry.BackoffFactor)
	v.SetDefault("retry.jitter", d.Retry.Jitter)
	v.SetDefault("retry.retryable_status_codes", d.Retry.RetryableStatusCodes)
	v.SetDefault("retry.retry_on_network_error", d.Retry.RetryOnNetworkError)
	v.SetDefault("retry.retry_on_timeout", d.Retry.RetryOnTimeout)
	v.SetDefault("retry.respect_retry_after", d.Retry.RespectRetryAfter)
	v.SetDefault("retry.strategy", d.Retry.Strategy)
	v.SetDefault("rate_limit.enabled", false)
	v.SetDefault("deduplication.enabled", d.Deduplication.Enabled)
	v.SetDefault("deduplication.ttl", d.Deduplication.TTL)
	v.SetDefault("deduplication.max_size", d.Deduplication.MaxSize)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("normalizer.format", d.Normalizer.Format)
}

// LoadConfig reads path (YAML, JSON or TOML) and overlays ENZYME_*
// environment variables, e.g. ENZYME_RETRY_MAX_ATTEMPTS. A missing file is
// not an error; an empty path reads the environment only.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ENZYME")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !isNotExist(err) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks struct constraints.
func (cfg *Config) Validate() error {
	if err := configValidator.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalidConfiguration, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %w", ErrInvalidConfiguration, err)
	}
	return nil
}

// RetryPolicy converts the retry section.
func (rc RetryConfig) RetryPolicy() RetryPolicy {
	p := RetryPolicy{
		MaxAttempts:          rc.MaxAttempts,
		BaseDelay:            rc.BaseDelay,
		MaxDelay:             rc.MaxDelay,
		BackoffFactor:        rc.BackoffFactor,
		Jitter:               rc.Jitter,
		RetryableStatusCodes: rc.RetryableStatusCodes,
		RetryOnNetworkError:  rc.RetryOnNetworkError,
		RetryOnTimeout:       rc.RetryOnTimeout,
		TimeoutAsNetwork:     rc.TimeoutAsNetwork,
		RespectRetryAfter:    rc.RespectRetryAfter,
	}
	switch rc.Strategy {
	case DecorrelatedJitter.String():
		p.Strategy = DecorrelatedJitter
	case ConstantBackoff.String():
		p.Strategy = ConstantBackoff
	default:
		p.Strategy = ExponentialJitter
	}
	return p
}

// RateLimitConfig converts the rate limit section.
func (rs RateLimitSettings) RateLimitConfig() (RateLimitConfig, error) {
	cfg := DefaultRateLimitConfig()
	if rs.Preset != "" {
		preset, ok := RateLimitPreset(rs.Preset)
		if !ok {
			return RateLimitConfig{}, fmt.Errorf("%w: unknown rate limit preset %q", ErrInvalidConfiguration, rs.Preset)
		}
		cfg = preset
	}
	if rs.MaxRequests > 0 {
		cfg.MaxRequests = rs.MaxRequests
	}
	if rs.Window > 0 {
		cfg.Window = rs.Window
	}
	if rs.Strategy != "" {
		cfg.Strategy = LimitStrategy(rs.Strategy)
	}
	if rs.MaxQueueSize > 0 {
		cfg.MaxQueueSize = rs.MaxQueueSize
	}
	if rs.MaxDelay > 0 {
		cfg.MaxDelay = rs.MaxDelay
	}
	return cfg, cfg.Validate()
}

// Options converts cfg into client options. A Redis URL in the rate limit
// section shares the limiter windows through Redis.
func (cfg *Config) Options() ([]Option, error) {
	opts := []Option{
		WithTimeout(cfg.Timeout),
		WithRetryPolicy(cfg.Retry.RetryPolicy()),
		WithDeduplication(cfg.Deduplication),
		WithLogger(NewDefaultLogger(cfg.Logging.Level)),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, WithBaseURL(cfg.BaseURL))
	}
	if len(cfg.DefaultHeaders) > 0 {
		opts = append(opts, WithDefaultHeaders(cfg.DefaultHeaders))
	}
	if cfg.Throttle.RPS > 0 {
		opts = append(opts, WithThrottle(cfg.Throttle.RPS, cfg.Throttle.Burst))
	}
	if cfg.Normalizer.Format != "" {
		opts = append(opts, WithNormalizer(NewNormalizer(Format(cfg.Normalizer.Format))))
	}

	if cfg.RateLimit.Enabled {
		rlCfg, err := cfg.RateLimit.RateLimitConfig()
		if err != nil {
			return nil, err
		}
		var rlOpts []RateLimiterOption
		if cfg.RateLimit.RedisURL != "" {
			redisOpts, err := redis.ParseURL(cfg.RateLimit.RedisURL)
			if err != nil {
				return nil, fmt.Errorf("%w: parse redis url: %w", ErrInvalidConfiguration, err)
			}
			rlOpts = append(rlOpts, WithWindowStore(NewRedisWindowStore(redis.NewClient(redisOpts), cfg.RateLimit.RedisPrefix)))
		}
		opts = append(opts, WithRateLimit(rlCfg, rlOpts...))
	}
	return opts, nil
}

// NewFromConfig builds a client from cfg. Options in extra are applied after
// those derived from cfg and win over them.
func NewFromConfig(cfg *Config, extra ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts, err := cfg.Options()
	if err != nil {
		return nil, err
	}
	c := New(append(opts, extra...)...)
	if err := c.ValidationError(); err != nil {
		return nil, err
	}
	return c, nil
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
