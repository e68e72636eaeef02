// Package config loads the service configuration from an optional YAML file
// and TOKEN_EXCHANGE_* environment variables.
package config

import (
	"crypto"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ngaddam369/token-exchange/internal/token"
)

// EnvPrefix is prepended to every environment variable. Dots in keys become
// underscores: exchange.enabled is TOKEN_EXCHANGE_EXCHANGE_ENABLED.
const EnvPrefix = "TOKEN_EXCHANGE"

// Storage drivers.
const (
	DriverSQLite = "sqlite"
	DriverBolt   = "bolt"
)

type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Log           LogConfig           `mapstructure:"log"`
	Exchange      ExchangeConfig      `mapstructure:"exchange"`
	JWT           JWTConfig           `mapstructure:"jwt"`
	Introspection IntrospectionConfig `mapstructure:"introspection"`
	Storage       StorageConfig       `mapstructure:"storage"`
	Policy        PolicyConfig        `mapstructure:"policy"`
	Cleanup       CleanupConfig       `mapstructure:"cleanup"`
	Tracing       TracingConfig       `mapstructure:"tracing"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	HealthAddr      string        `mapstructure:"health_addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

type ExchangeConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// DefaultExpiresIn and MaxExpiresIn are in seconds.
	DefaultExpiresIn int `mapstructure:"default_expires_in"`
	MaxExpiresIn     int `mapstructure:"max_expires_in"`

	MultiAudiencesAllowed     bool     `mapstructure:"multi_audiences_allowed"`
	MaxActiveTokensPerSubject int      `mapstructure:"max_active_tokens_per_subject"`
	AllowedTokenTypes         []string `mapstructure:"allowed_token_types"`

	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

type JWTConfig struct {
	Algorithm  string `mapstructure:"algorithm"`
	CurrentKID string `mapstructure:"current_kid"`
	Issuer     string `mapstructure:"issuer"`

	// SigningKeys maps a kid to an inline PEM block or a path to a PEM file.
	SigningKeys map[string]string `mapstructure:"signing_keys"`
}

type IntrospectionConfig struct {
	EndpointURL   string        `mapstructure:"endpoint_url"`
	ClientID      string        `mapstructure:"client_id"`
	ClientSecret  string        `mapstructure:"client_secret"`
	AudienceClaim string        `mapstructure:"audience_claim"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

type StorageConfig struct {
	Driver     string `mapstructure:"driver"`
	SQLitePath string `mapstructure:"sqlite_path"`
	BoltPath   string `mapstructure:"bolt_path"`

	// BusyTimeout is how long a SQLite connection waits on a locked database.
	BusyTimeout time.Duration `mapstructure:"busy_timeout"`
}

type PolicyConfig struct {
	// File is seeded into the policy store at startup when set.
	File string `mapstructure:"file"`
}

type CleanupConfig struct {
	Retention time.Duration `mapstructure:"retention"`
	Interval  time.Duration `mapstructure:"interval"`
}

type TracingConfig struct {
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	Insecure     bool    `mapstructure:"insecure"`
	SampleRatio  float64 `mapstructure:"sample_ratio"`
}

// New returns a viper instance with every key defaulted and environment
// lookup enabled. Keys need a default to be picked up from the environment
// by Unmarshal.
func New() *viper.Viper {
	v := viper.New()

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.health_addr", ":8081")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("exchange.enabled", true)
	v.SetDefault("exchange.default_expires_in", 3600)
	v.SetDefault("exchange.max_expires_in", 86400)
	v.SetDefault("exchange.multi_audiences_allowed", false)
	v.SetDefault("exchange.max_active_tokens_per_subject", 0)
	v.SetDefault("exchange.allowed_token_types", []string{string(token.TypeAccessToken), string(token.TypeJWT)})
	v.SetDefault("exchange.rate_limit.requests_per_second", 10.0)
	v.SetDefault("exchange.rate_limit.burst", 20)

	v.SetDefault("jwt.algorithm", "RS256")
	v.SetDefault("jwt.current_kid", "")
	v.SetDefault("jwt.issuer", "")
	v.SetDefault("jwt.signing_keys", map[string]string{})

	v.SetDefault("introspection.endpoint_url", "")
	v.SetDefault("introspection.client_id", "")
	v.SetDefault("introspection.client_secret", "")
	v.SetDefault("introspection.audience_claim", "aud")
	v.SetDefault("introspection.timeout", 5*time.Second)

	v.SetDefault("storage.driver", DriverSQLite)
	v.SetDefault("storage.sqlite_path", "token-exchange.db")
	v.SetDefault("storage.bolt_path", "tokens.bolt")
	v.SetDefault("storage.busy_timeout", 5*time.Second)

	v.SetDefault("policy.file", "")

	v.SetDefault("cleanup.retention", 7*24*time.Hour)
	v.SetDefault("cleanup.interval", time.Duration(0))

	v.SetDefault("tracing.otlp_endpoint", "")
	v.SetDefault("tracing.insecure", false)
	v.SetDefault("tracing.sample_ratio", 1.0)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the file at path into v when path is non-empty, then decodes and
// validates the result.
func Load(v *viper.Viper, path string) (*Config, error) {
	cfg, err := Decode(v, path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Decode is Load without validation, for commands that only touch storage.
func Decode(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	// Viper lowercases map keys, so jwt.signing_keys kids arrive lowercased.
	cfg.JWT.CurrentKID = strings.ToLower(cfg.JWT.CurrentKID)
	return &cfg, nil
}

func (c *Config) Validate() error {
	errs := []error{c.ValidateStorage()}
	errs = append(errs, c.validateService()...)
	return errors.Join(errs...)
}

// ValidateStorage checks only the storage section.
func (c *Config) ValidateStorage() error {
	var errs []error
	switch c.Storage.Driver {
	case DriverSQLite:
		if c.Storage.SQLitePath == "" {
			errs = append(errs, errors.New("storage.sqlite_path is required"))
		}
	case DriverBolt:
		if c.Storage.BoltPath == "" {
			errs = append(errs, errors.New("storage.bolt_path is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q is not one of %s, %s", c.Storage.Driver, DriverSQLite, DriverBolt))
	}
	return errors.Join(errs...)
}

func (c *Config) validateService() []error {
	var errs []error
	if c.Exchange.DefaultExpiresIn <= 0 || c.Exchange.MaxExpiresIn <= 0 {
		errs = append(errs, errors.New("exchange lifetimes must be positive"))
	} else if c.Exchange.DefaultExpiresIn > c.Exchange.MaxExpiresIn {
		errs = append(errs, fmt.Errorf("exchange.default_expires_in (%d) exceeds exchange.max_expires_in (%d)",
			c.Exchange.DefaultExpiresIn, c.Exchange.MaxExpiresIn))
	}
	if c.Exchange.MaxActiveTokensPerSubject < 0 {
		errs = append(errs, errors.New("exchange.max_active_tokens_per_subject must not be negative"))
	}

	types, err := c.TokenTypes()
	if err != nil {
		errs = append(errs, err)
	}
	for _, t := range types {
		if t != token.TypeJWT {
			continue
		}
		if c.JWT.CurrentKID == "" {
			errs = append(errs, errors.New("jwt.current_kid is required when jwt is an allowed token type"))
		} else if _, ok := c.JWT.SigningKeys[c.JWT.CurrentKID]; !ok {
			errs = append(errs, fmt.Errorf("jwt.current_kid %q is not in jwt.signing_keys", c.JWT.CurrentKID))
		}
	}

	if c.Introspection.EndpointURL == "" {
		errs = append(errs, errors.New("introspection.endpoint_url is required"))
	}
	if c.Introspection.Timeout <= 0 {
		errs = append(errs, errors.New("introspection.timeout must be positive"))
	}

	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not json or console", c.Log.Format))
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		errs = append(errs, errors.New("tracing.sample_ratio must be within [0, 1]"))
	}
	return errs
}

// TokenTypes parses exchange.allowed_token_types. Entries may be short names
// or URNs.
func (c *Config) TokenTypes() ([]token.Type, error) {
	if len(c.Exchange.AllowedTokenTypes) == 0 {
		return nil, errors.New("exchange.allowed_token_types must not be empty")
	}
	out := make([]token.Type, 0, len(c.Exchange.AllowedTokenTypes))
	for _, s := range c.Exchange.AllowedTokenTypes {
		t, err := token.ParseType(strings.TrimSpace(s))
		if err != nil {
			return nil, fmt.Errorf("exchange.allowed_token_types: %w", err)
		}
		out = append(out, t)
	}
	return out, nil
}

// KeySet loads every configured signing key. It returns nil when none are
// configured.
func (c *Config) KeySet() (*token.KeySet, error) {
	if len(c.JWT.SigningKeys) == 0 {
		return nil, nil
	}
	signers := make(map[string]crypto.Signer, len(c.JWT.SigningKeys))
	for kid, src := range c.JWT.SigningKeys {
		pemBytes, err := readPEM(src)
		if err != nil {
			return nil, fmt.Errorf("signing key %q: %w", kid, err)
		}
		k, err := token.ParsePrivateKeyPEM(c.JWT.Algorithm, pemBytes)
		if err != nil {
			return nil, fmt.Errorf("signing key %q: %w", kid, err)
		}
		signers[kid] = k
	}
	return token.NewKeySet(c.JWT.Algorithm, c.JWT.CurrentKID, signers)
}

func readPEM(src string) ([]byte, error) {
	if strings.Contains(src, "-----BEGIN") {
		return []byte(src), nil
	}
	b, err := os.ReadFile(src)
	if err != nil {
		return nil, fmt.Errorf("reading key file: %w", err)
	}
	return b, nil
}

// DefaultExpiresIn returns exchange.default_expires_in as a duration.
func (c *Config) DefaultExpiresIn() time.Duration {
	return time.Duration(c.Exchange.DefaultExpiresIn) * time.Second
}

// MaxExpiresIn returns exchange.max_expires_in as a duration.
func (c *Config) MaxExpiresIn() time.Duration {
	return time.Duration(c.Exchange.MaxExpiresIn) * time.Second
}
