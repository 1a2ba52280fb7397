package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds everything the bridge daemon needs.
// All values come from the environment; nothing else reads env vars.
type Config struct {
	App   AppConfig
	PBX   PBXConfig
	DB    DBConfig
	Redis RedisConfig
}

type AppConfig struct {
	Env  string
	Port int
}

// PBXConfig describes the control server and the session to open on it.
type PBXConfig struct {
	PrivateAddr string
	PublicAddr  string
	Scheme      string

	Login    string
	Password string

	AppName    string
	APIVersion string

	InsecureTLS    bool
	RequestTimeout time.Duration
	PollTimeout    time.Duration
}

// DBConfig is optional. The event journal is enabled when Host is set.
type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

// RedisConfig is optional. The relay and the subscription lease are enabled
// when Host is set.
type RedisConfig struct {
	Host          string
	Port          int
	Password      string
	ChannelPrefix string
}

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		v, err := optionalInt("APP_PORT", 8080)
		v, parseErrs = appendParseErr(parseErrs, v, err)
		c.App.Port = v
	}

	c.PBX.PrivateAddr = strings.TrimSpace(os.Getenv("PBX_PRIVATE_ADDR"))
	c.PBX.PublicAddr = strings.TrimSpace(os.Getenv("PBX_PUBLIC_ADDR"))
	c.PBX.Scheme = strings.TrimSpace(os.Getenv("PBX_SCHEME"))
	c.PBX.Login = strings.TrimSpace(os.Getenv("PBX_LOGIN"))
	c.PBX.Password = os.Getenv("PBX_PASSWORD")
	c.PBX.AppName = strings.TrimSpace(os.Getenv("PBX_APP_NAME"))
	c.PBX.APIVersion = strings.TrimSpace(os.Getenv("PBX_API_VERSION"))
	{
		v, err := optionalBool("PBX_INSECURE_TLS")
		v, parseErrs = appendParseErr(parseErrs, v, err)
		c.PBX.InsecureTLS = v
	}
	{
		v, err := optionalDuration("PBX_REQUEST_TIMEOUT")
		v, parseErrs = appendParseErr(parseErrs, v, err)
		c.PBX.RequestTimeout = v
	}
	{
		v, err := optionalDuration("PBX_POLL_TIMEOUT")
		v, parseErrs = appendParseErr(parseErrs, v, err)
		c.PBX.PollTimeout = v
	}

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	if c.DB.Host != "" {
		v, err := optionalInt("DB_PORT", 5432)
		v, parseErrs = appendParseErr(parseErrs, v, err)
		c.DB.Port = v
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	if c.Redis.Host != "" {
		v, err := optionalInt("REDIS_PORT", 6379)
		v, parseErrs = appendParseErr(parseErrs, v, err)
		c.Redis.Port = v
	}
	c.Redis.Password = os.Getenv("REDIS_PASSWORD")
	c.Redis.ChannelPrefix = strings.TrimSpace(os.Getenv("RELAY_CHANNEL_PREFIX"))

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate reports every problem at once and fills defaults for optional values.
func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	if c.PBX.PrivateAddr == "" && c.PBX.PublicAddr == "" {
		errs = append(errs, errors.New("PBX_PRIVATE_ADDR or PBX_PUBLIC_ADDR is required"))
	}
	switch c.PBX.Scheme {
	case "":
		c.PBX.Scheme = "https"
	case "http", "https":
	default:
		errs = append(errs, fmt.Errorf("PBX_SCHEME must be http or https, got %q", c.PBX.Scheme))
	}
	if c.PBX.Login == "" {
		errs = append(errs, errors.New("PBX_LOGIN is required"))
	}
	if c.PBX.Password == "" {
		errs = append(errs, errors.New("PBX_PASSWORD is required"))
	}
	if c.PBX.AppName == "" {
		c.PBX.AppName = "pbxlink"
	}
	if c.PBX.RequestTimeout <= 0 {
		c.PBX.RequestTimeout = 10 * time.Second
	}
	if c.PBX.PollTimeout <= 0 {
		c.PBX.PollTimeout = 60 * time.Second
	}
	if c.PBX.PollTimeout < c.PBX.RequestTimeout {
		errs = append(errs, errors.New("PBX_POLL_TIMEOUT must not be shorter than PBX_REQUEST_TIMEOUT"))
	}
	if c.IsProduction() && c.PBX.InsecureTLS {
		errs = append(errs, errors.New("PBX_INSECURE_TLS is not allowed in production"))
	}

	if c.JournalEnabled() {
		if c.DB.Port <= 0 || c.DB.Port > 65535 {
			errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
		}
		if c.DB.User == "" {
			errs = append(errs, errors.New("DB_USER is required when DB_HOST is set"))
		}
		if c.DB.Name == "" {
			errs = append(errs, errors.New("DB_NAME is required when DB_HOST is set"))
		}
		if c.DB.SSLMode == "" {
			if c.IsProduction() {
				errs = append(errs, errors.New("DB_SSLMODE is required in production"))
			} else {
				c.DB.SSLMode = "disable"
			}
		}
		if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
			errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
		}
	}

	if c.RelayEnabled() {
		if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
			errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
		}
		if c.Redis.ChannelPrefix == "" {
			c.Redis.ChannelPrefix = "pbx:events:"
		}
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) JournalEnabled() bool { return c.DB.Host != "" }
func (c Config) RelayEnabled() bool   { return c.Redis.Host != "" }

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

func optionalInt(key string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func optionalDuration(key string) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration, got %q", key, v)
	}
	return d, nil
}

func optionalBool(key string) (bool, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s must be a boolean, got %q", key, v)
	}
	return b, nil
}

func appendParseErr[T any](errs []error, v T, err error) (T, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return v, errs
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
