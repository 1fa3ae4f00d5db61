package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration required by the API process.
// All values must come from env (or env-file loaded by the process runner).
// No business logic should depend on raw environment variables.
type Config struct {
	App       AppConfig
	AMI       AMIConfig
	ARI       ARIConfig
	Reconnect ReconnectConfig
	Cache     CacheConfig
	DB        DBConfig
	Redis     RedisConfig
	Auth      AuthConfig
}

type AppConfig struct {
	Env  string
	Port int
}

type AMIConfig struct {
	Enabled   bool
	Host      string
	Port      int
	Username  string
	Password  string
	Keepalive time.Duration

	// ActionTimeout is shared with ARI commands (ACTION_TIMEOUT).
	ActionTimeout time.Duration
}

type ARIConfig struct {
	Enabled   bool
	Host      string
	Port      int
	Protocol  string
	Username  string
	Password  string
	App       string
	Keepalive time.Duration

	ActionTimeout time.Duration
}

type ReconnectConfig struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	StableAfter time.Duration
	Jitter      float64
}

type CacheConfig struct {
	Backend string
	TTL     time.Duration
}

// DBConfig is optional. With an empty Host the durable store is in memory.
type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type AuthConfig struct {
	JWTSecret      string
	JWTIssuer      string
	JWTAudience    string
	AccessTokenTTL time.Duration
}

// Load reads the environment, applies defaults and validates the result.
func Load() (Config, error) {
	c := Config{}
	var parseErrs []error
	p := parser{errs: &parseErrs}

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}

	c.AMI.Enabled = p.boolean("AMI_ENABLED", true)
	c.AMI.Host = p.str("AMI_HOST", DefaultAMIHost)
	c.AMI.Port = p.integer("AMI_PORT", DefaultAMIPort)
	c.AMI.Username = strings.TrimSpace(os.Getenv("AMI_USERNAME"))
	c.AMI.Password = os.Getenv("AMI_PASSWORD")
	c.AMI.Keepalive = p.duration("AMI_KEEPALIVE", DefaultAMIKeepalive)

	c.ARI.Enabled = p.boolean("ARI_ENABLED", true)
	c.ARI.Host = p.str("ARI_HOST", DefaultARIHost)
	c.ARI.Port = p.integer("ARI_PORT", DefaultARIPort)
	c.ARI.Protocol = p.str("ARI_PROTOCOL", DefaultARIProtocol)
	c.ARI.Username = strings.TrimSpace(os.Getenv("ARI_USERNAME"))
	c.ARI.Password = os.Getenv("ARI_PASSWORD")
	c.ARI.App = p.str("ARI_APP", DefaultARIApp)
	c.ARI.Keepalive = p.duration("ARI_KEEPALIVE", DefaultARIKeepalive)

	timeout := p.duration("ACTION_TIMEOUT", DefaultActionTimeout)
	c.AMI.ActionTimeout = timeout
	c.ARI.ActionTimeout = timeout

	c.Reconnect.BaseDelay = p.duration("RECONNECT_BASE_DELAY", DefaultReconnectBaseDelay)
	c.Reconnect.MaxDelay = p.duration("RECONNECT_MAX_DELAY", DefaultReconnectMaxDelay)
	c.Reconnect.StableAfter = p.duration("RECONNECT_STABLE_AFTER", DefaultReconnectStableAfter)
	c.Reconnect.Jitter = p.float("RECONNECT_JITTER", 0)

	c.Cache.Backend = p.str("CACHE_BACKEND", DefaultCacheBackend)
	c.Cache.TTL = time.Duration(p.integer("CACHE_TTL_SECONDS", int(DefaultCacheTTL/time.Second))) * time.Second

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	c.DB.Port = p.integer("DB_PORT", DefaultDBPort)
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	c.Redis.Port = p.integer("REDIS_PORT", DefaultRedisPort)
	c.Redis.Password = os.Getenv("REDIS_PASSWORD")
	c.Redis.DB = p.integer("REDIS_DB", 0)

	c.Auth = p.auth()

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// LoadAuth reads only the JWT_* variables. Tools that mint tokens use it
// without needing the rest of the process configuration.
func LoadAuth() (AuthConfig, error) {
	var parseErrs []error
	a := parser{errs: &parseErrs}.auth()
	if err := joinErrors(parseErrs); err != nil {
		return AuthConfig{}, err
	}
	if a.JWTSecret == "" {
		return AuthConfig{}, errors.New("JWT_SECRET is required")
	}
	return a, nil
}

func (p parser) auth() AuthConfig {
	return AuthConfig{
		JWTSecret:      os.Getenv("JWT_SECRET"),
		JWTIssuer:      strings.TrimSpace(os.Getenv("JWT_ISSUER")),
		JWTAudience:    strings.TrimSpace(os.Getenv("JWT_AUDIENCE")),
		AccessTokenTTL: p.duration("JWT_ACCESS_TTL", DefaultAccessTokenTTL),
	}
}

// applyDefaults fills values that depend on other settings.
func (c *Config) applyDefaults() {
	if c.DB.Host != "" && c.DB.SSLMode == "" && !c.IsProduction() {
		// Local-friendly default; production must be explicit.
		c.DB.SSLMode = "disable"
	}
	if c.Auth.AccessTokenTTL <= 0 {
		c.Auth.AccessTokenTTL = DefaultAccessTokenTTL
	}
}

func (c Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	errs = checkPort(errs, "APP_PORT", c.App.Port)

	if c.AMI.Enabled {
		if c.AMI.Host == "" {
			errs = append(errs, errors.New("AMI_HOST is required when AMI_ENABLED"))
		}
		errs = checkPort(errs, "AMI_PORT", c.AMI.Port)
		if c.AMI.Username == "" || c.AMI.Password == "" {
			errs = append(errs, errors.New("AMI_USERNAME and AMI_PASSWORD are required when AMI_ENABLED"))
		}
		if c.AMI.Keepalive < 0 {
			errs = append(errs, errors.New("AMI_KEEPALIVE must not be negative"))
		}
	}
	if c.ARI.Enabled {
		if c.ARI.Host == "" {
			errs = append(errs, errors.New("ARI_HOST is required when ARI_ENABLED"))
		}
		errs = checkPort(errs, "ARI_PORT", c.ARI.Port)
		if c.ARI.Protocol != "http" && c.ARI.Protocol != "https" {
			errs = append(errs, fmt.Errorf("ARI_PROTOCOL must be http or https, got %q", c.ARI.Protocol))
		}
		if c.ARI.Username == "" || c.ARI.Password == "" {
			errs = append(errs, errors.New("ARI_USERNAME and ARI_PASSWORD are required when ARI_ENABLED"))
		}
		if c.ARI.App == "" {
			errs = append(errs, errors.New("ARI_APP is required when ARI_ENABLED"))
		}
		if c.ARI.Keepalive < 0 {
			errs = append(errs, errors.New("ARI_KEEPALIVE must not be negative"))
		}
	}
	if c.AMI.ActionTimeout <= 0 || c.ARI.ActionTimeout <= 0 {
		errs = append(errs, errors.New("ACTION_TIMEOUT must be positive"))
	}

	if c.Reconnect.BaseDelay <= 0 {
		errs = append(errs, errors.New("RECONNECT_BASE_DELAY must be positive"))
	}
	if c.Reconnect.MaxDelay < c.Reconnect.BaseDelay {
		errs = append(errs, errors.New("RECONNECT_MAX_DELAY must not be below RECONNECT_BASE_DELAY"))
	}
	if c.Reconnect.StableAfter <= 0 {
		errs = append(errs, errors.New("RECONNECT_STABLE_AFTER must be positive"))
	}
	if c.Reconnect.Jitter < 0 || c.Reconnect.Jitter > 1 {
		errs = append(errs, fmt.Errorf("RECONNECT_JITTER must be within 0..1, got %v", c.Reconnect.Jitter))
	}

	switch c.Cache.Backend {
	case CacheBackendMemory:
	case CacheBackendRedis:
		if c.Redis.Host == "" {
			errs = append(errs, errors.New("REDIS_HOST is required when CACHE_BACKEND=redis"))
		}
		errs = checkPort(errs, "REDIS_PORT", c.Redis.Port)
	default:
		errs = append(errs, fmt.Errorf("CACHE_BACKEND must be memory or redis, got %q", c.Cache.Backend))
	}
	if c.Cache.TTL <= 0 {
		errs = append(errs, errors.New("CACHE_TTL_SECONDS must be positive"))
	}

	if c.HasDatabase() {
		errs = checkPort(errs, "DB_PORT", c.DB.Port)
		if c.DB.User == "" {
			errs = append(errs, errors.New("DB_USER is required"))
		}
		if c.DB.Name == "" {
			errs = append(errs, errors.New("DB_NAME is required"))
		}
		if c.DB.SSLMode == "" && c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		}
		if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
			errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
		}
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

// HasDatabase reports whether a Postgres durable store is configured.
func (c Config) HasDatabase() bool {
	return c.DB.Host != ""
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// parser reads optional variables, recording malformed values.
type parser struct {
	errs *[]error
}

func (p parser) str(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func (p parser) integer(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*p.errs = append(*p.errs, fmt.Errorf("%s must be an integer, got %q", key, v))
		return def
	}
	return n
}

func (p parser) float(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		*p.errs = append(*p.errs, fmt.Errorf("%s must be a number, got %q", key, v))
		return def
	}
	return f
}

func (p parser) boolean(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*p.errs = append(*p.errs, fmt.Errorf("%s must be a boolean, got %q", key, v))
		return def
	}
	return b
}

func (p parser) duration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*p.errs = append(*p.errs, fmt.Errorf("%s must be a duration, got %q", key, v))
		return def
	}
	return d
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
}

func checkPort(errs []error, key string, port int) []error {
	if port <= 0 || port > 65535 {
		return append(errs, fmt.Errorf("%s must be a valid port, got %d", key, port))
	}
	return errs
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
