package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/matthieugras/weconnect/internal/auth"
	"github.com/matthieugras/weconnect/internal/backoff"
)

// EnvPrefix is prepended to every environment variable, e.g. WECONNECT_PASSWORD.
const EnvPrefix = "WECONNECT"

// Config holds all configuration for the application
type Config struct {
	// Account
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`

	// Identity provider and backend
	BaseAPI     string `mapstructure:"base-api"`
	ClientID    string `mapstructure:"client-id"`
	RedirectURI string `mapstructure:"redirect-uri"`
	Scope       string `mapstructure:"scope"`

	// HTTP
	HTTPTimeout time.Duration `mapstructure:"timeout"`
	ProxyURL    string        `mapstructure:"proxy"`

	// Login and token cache
	CacheMode       string        `mapstructure:"cache-mode"`
	RefreshTokenTTL time.Duration `mapstructure:"refresh-token-ttl"`
	DiscoveryTTL    time.Duration `mapstructure:"discovery-ttl"`
	MaxRedirects    int           `mapstructure:"max-redirects"`
	LoginRetries    int           `mapstructure:"login-retries"`
	CookieJar       bool          `mapstructure:"cookie-jar"`

	// Input
	VINs    []string `mapstructure:"vin"`
	VINFile string   `mapstructure:"file"`

	// Processing
	Workers    int `mapstructure:"workers"`
	MaxRetries int `mapstructure:"max-retries"`

	// Output
	Output string `mapstructure:"output"`

	// Backoff
	BackoffInitial time.Duration `mapstructure:"backoff-initial"`
	BackoffMax     time.Duration `mapstructure:"backoff-max"`

	// Logging
	Verbose bool   `mapstructure:"verbose"`
	LogFile string `mapstructure:"log-file"`
}

// SetupFlags configures persistent CLI flags on the root command so every
// subcommand shares them.
func SetupFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()

	// Account flags
	flags.StringP("username", "u", "", "WeConnect account email (or set WECONNECT_USERNAME)")
	flags.String("password", "", "WeConnect account password (prefer WECONNECT_PASSWORD)")

	// Endpoint flags
	flags.String("base-api", auth.DefaultBaseAPI, "Backend API base URL")
	flags.String("client-id", auth.DefaultClientID, "OAuth client ID of the app registration")
	flags.String("redirect-uri", auth.DefaultRedirectURI, "App callback URI that ends the login redirect chain")
	flags.String("scope", auth.DefaultScope, "Space separated OAuth scopes")

	// HTTP flags
	flags.Duration("timeout", 30*time.Second, "HTTP request timeout")
	flags.String("proxy", "", "Proxy URL (http, https or socks5)")

	// Login flags
	flags.String("cache-mode", auth.CacheModeRefresh.String(), "Token cache mode: refresh or memory")
	flags.Duration("refresh-token-ttl", auth.DefaultRefreshTokenTTL, "Assumed refresh token lifetime when the provider does not report one")
	flags.Duration("discovery-ttl", 0, "Reuse the identity provider configuration for this long (0 = fetch per login)")
	flags.Int("max-redirects", auth.DefaultMaxRedirects, "Maximum redirects followed per login step")
	flags.Int("login-retries", 2, "Retries for logins failing with network or server errors")
	flags.Bool("cookie-jar", true, "Keep cookies across the redirects of a login")

	// Input flags
	flags.StringSlice("vin", nil, "Comma-separated list of VINs (default: all vehicles of the account)")
	flags.StringP("file", "f", "", "File containing VINs (one per line)")

	// Processing flags
	flags.IntP("workers", "w", 4, "Number of parallel workers")
	flags.Int("max-retries", 3, "Maximum attempts for backend requests")

	// Output flags
	flags.StringP("output", "o", "", "Append charge snapshots to this JSONL file (.gz for gzip)")

	// Backoff flags
	flags.Duration("backoff-initial", time.Second, "Initial backoff interval")
	flags.Duration("backoff-max", 60*time.Second, "Maximum backoff interval")

	// Other flags
	flags.BoolP("verbose", "v", false, "Enable verbose logging")
	flags.String("log-file", "", "Write log messages to this file")

	// Bind flags to viper
	viper.BindPFlags(flags)

	// Bind environment variables
	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// Load loads configuration from flags, environment, and validates it
func Load() (*Config, error) {
	cfg := &Config{}

	// Unmarshal into config struct
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Load VINs from file if specified
	if err := cfg.loadVINs(); err != nil {
		return nil, err
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) loadVINs() error {
	seen := make(map[string]bool)
	var unique []string

	add := func(vin string) {
		vin = strings.ToUpper(strings.TrimSpace(vin))
		if vin != "" && !seen[vin] {
			seen[vin] = true
			unique = append(unique, vin)
		}
	}

	for _, v := range c.VINs {
		add(v)
	}

	if c.VINFile != "" {
		data, err := os.ReadFile(c.VINFile)
		if err != nil {
			return fmt.Errorf("failed to read VIN file: %w", err)
		}

		for line := range strings.SplitSeq(string(data), "\n") {
			if !strings.HasPrefix(strings.TrimSpace(line), "#") {
				add(line)
			}
		}
	}

	c.VINs = unique
	return nil
}

// Validate checks that all required configuration is present and valid
func (c *Config) Validate() error {
	if c.Username == "" {
		return errors.New("username is required (--username or WECONNECT_USERNAME)")
	}
	if c.Password == "" {
		return errors.New("password is required (set WECONNECT_PASSWORD)")
	}

	u, err := url.Parse(c.BaseAPI)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid base-api URL %q", c.BaseAPI)
	}
	if c.RedirectURI == "" {
		return errors.New("redirect-uri is required")
	}
	if _, err := auth.ParseCacheMode(c.CacheMode); err != nil {
		return err
	}
	if c.RefreshTokenTTL <= 0 {
		return errors.New("refresh-token-ttl must be positive")
	}
	if c.MaxRedirects < 1 {
		return errors.New("max-redirects must be at least 1")
	}
	if c.LoginRetries < 0 {
		return errors.New("login-retries must be >= 0")
	}
	if c.Workers < 1 {
		return errors.New("workers must be at least 1")
	}
	if c.MaxRetries < 1 {
		return errors.New("max-retries must be at least 1")
	}
	if c.BackoffMax < c.BackoffInitial {
		return errors.New("backoff-max must not be smaller than backoff-initial")
	}

	return nil
}

// Credential returns the account credential.
func (c *Config) Credential() auth.Credential {
	return auth.NewCredential(c.Username, c.Password)
}

// LoginConfig returns the login handshake settings.
func (c *Config) LoginConfig() auth.LoginConfig {
	return auth.LoginConfig{
		BaseAPI:         c.BaseAPI,
		ClientID:        c.ClientID,
		RedirectURI:     c.RedirectURI,
		Scopes:          strings.Fields(c.Scope),
		MaxRedirects:    c.MaxRedirects,
		UseCookieJar:    c.CookieJar,
		RefreshTokenTTL: c.RefreshTokenTTL,
		DiscoveryTTL:    c.DiscoveryTTL,
	}
}

// CacheOptions returns the token cache settings. bo paces login retries.
func (c *Config) CacheOptions(bo *backoff.GlobalBackoff) auth.CacheOptions {
	mode, _ := auth.ParseCacheMode(c.CacheMode) // checked by Validate
	return auth.CacheOptions{
		Mode:         mode,
		LoginRetries: c.LoginRetries,
		Backoff:      bo,
	}
}

// GetBackoffConfig returns backoff configuration from the config
func (c *Config) GetBackoffConfig() backoff.Config {
	cfg := backoff.DefaultConfig()
	cfg.InitialInterval = c.BackoffInitial
	cfg.MaxInterval = c.BackoffMax
	return cfg
}

// Gzip reports whether the output file should be gzip compressed.
func (c *Config) Gzip() bool {
	return strings.HasSuffix(c.Output, ".gz")
}
