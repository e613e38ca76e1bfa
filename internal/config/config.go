// internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the entire application configuration, loaded once at process
// start. Sections map 1:1 onto config.yaml keys with an ARENA_ env override
// for every field (e.g. ARENA_BROWSER_HEADLESS).
type Config struct {
	Logger  LoggerConfig  `mapstructure:"logger" yaml:"logger"`
	Browser BrowserConfig `mapstructure:"browser" yaml:"browser"`
	Arena   ArenaConfig   `mapstructure:"arena" yaml:"arena"`
	Network NetworkConfig `mapstructure:"network" yaml:"network"`
	Server  ServerConfig  `mapstructure:"server" yaml:"server"`
}

// LoggerConfig controls the global zap logger.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"` // "console" or "json"
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`

	// File output with rotation; disabled when LogFile is empty.
	LogFile    string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize    int    `mapstructure:"max_size" yaml:"max_size"` // megabytes
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge     int    `mapstructure:"max_age" yaml:"max_age"` // days
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// BrowserConfig controls the automation browser process.
type BrowserConfig struct {
	ExecutablePath string   `mapstructure:"executable_path" yaml:"executable_path"`
	UserDataDir    string   `mapstructure:"user_data_dir" yaml:"user_data_dir"`
	ProfileDir     string   `mapstructure:"profile_dir" yaml:"profile_dir"`
	Headless       bool     `mapstructure:"headless" yaml:"headless"`
	Args           []string `mapstructure:"args" yaml:"args"`

	// Bootstrap is slow: challenge solving can take minutes. Individual
	// browser operations (token fetches, cookie snapshots) use OpTimeout.
	BootstrapTimeout time.Duration `mapstructure:"bootstrap_timeout" yaml:"bootstrap_timeout"`
	OpTimeout        time.Duration `mapstructure:"op_timeout" yaml:"op_timeout"`
	// Bounded wait for the single browser-worker slot before giving up.
	GateWait time.Duration `mapstructure:"gate_wait" yaml:"gate_wait"`
}

// ArenaConfig describes the remote site surface.
type ArenaConfig struct {
	Origin           string        `mapstructure:"origin" yaml:"origin"`
	BootPath         string        `mapstructure:"boot_path" yaml:"boot_path"`
	ImagePath        string        `mapstructure:"image_path" yaml:"image_path"`
	RecaptchaSiteKey string        `mapstructure:"recaptcha_site_key" yaml:"recaptcha_site_key"`
	AuthCookieMarker string        `mapstructure:"auth_cookie_marker" yaml:"auth_cookie_marker"`
	DiscoveryTTL     time.Duration `mapstructure:"discovery_ttl" yaml:"discovery_ttl"`
	UploadCache      bool          `mapstructure:"upload_cache" yaml:"upload_cache"`
	UploadCacheTTL   time.Duration `mapstructure:"upload_cache_ttl" yaml:"upload_cache_ttl"`
}

// NetworkConfig tunes the outbound HTTP chokepoint.
type NetworkConfig struct {
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	StreamTimeout  time.Duration `mapstructure:"stream_timeout" yaml:"stream_timeout"`
	UploadTimeout  time.Duration `mapstructure:"upload_timeout" yaml:"upload_timeout"`
	ForceHTTP2     bool          `mapstructure:"force_http2" yaml:"force_http2"`
	// Requests per second against the origin; 0 disables pacing.
	RequestsPerSecond float64 `mapstructure:"requests_per_second" yaml:"requests_per_second"`
}

// ServerConfig controls the OpenAI-style facade.
type ServerConfig struct {
	ListenAddr        string        `mapstructure:"listen_addr" yaml:"listen_addr"`
	FailFastBootstrap bool          `mapstructure:"fail_fast_bootstrap" yaml:"fail_fast_bootstrap"`
	ShutdownGrace     time.Duration `mapstructure:"shutdown_grace" yaml:"shutdown_grace"`
}

// setDefaults registers every default with viper so env-only operation works
// without a config file.
func setDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.service_name", "arena-bridge")
	v.SetDefault("logger.max_size", 50)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 14)

	v.SetDefault("browser.headless", false)
	v.SetDefault("browser.bootstrap_timeout", 5*time.Minute)
	v.SetDefault("browser.op_timeout", 60*time.Second)
	v.SetDefault("browser.gate_wait", 2*time.Minute)

	v.SetDefault("arena.origin", "https://lmarena.ai")
	v.SetDefault("arena.boot_path", "/?mode=direct")
	v.SetDefault("arena.image_path", "/?chat-modality=image")
	v.SetDefault("arena.recaptcha_site_key", "6Led_uYrAAAAAKjxDIF58fgFtX3t8loNAK85bW9I")
	v.SetDefault("arena.auth_cookie_marker", "arena-auth-prod")
	v.SetDefault("arena.discovery_ttl", time.Hour)
	v.SetDefault("arena.upload_cache", true)
	v.SetDefault("arena.upload_cache_ttl", 30*time.Minute)

	v.SetDefault("network.request_timeout", 60*time.Second)
	v.SetDefault("network.stream_timeout", 5*time.Minute)
	v.SetDefault("network.upload_timeout", 10*time.Minute)
	v.SetDefault("network.force_http2", true)
	v.SetDefault("network.requests_per_second", 0)

	v.SetDefault("server.listen_addr", ":8080")
	v.SetDefault("server.fail_fast_bootstrap", true)
	v.SetDefault("server.shutdown_grace", 15*time.Second)
}

// Load reads configuration from the given file (or ./config.yaml when empty),
// applies ARENA_* environment overrides, and unmarshals into Config.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("ARENA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// No config file; defaults and env vars carry the day.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations that cannot possibly work.
func (c *Config) Validate() error {
	if c.Arena.Origin == "" {
		return fmt.Errorf("arena.origin must not be empty")
	}
	if !strings.HasPrefix(c.Arena.Origin, "http") {
		return fmt.Errorf("arena.origin must be an absolute URL, got %q", c.Arena.Origin)
	}
	if c.Browser.BootstrapTimeout <= 0 {
		return fmt.Errorf("browser.bootstrap_timeout must be positive")
	}
	if c.Browser.OpTimeout <= 0 {
		return fmt.Errorf("browser.op_timeout must be positive")
	}
	if c.Arena.DiscoveryTTL <= 0 {
		return fmt.Errorf("arena.discovery_ttl must be positive")
	}
	return nil
}

// Default returns the built-in configuration, useful for tests.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	// Defaults always unmarshal cleanly.
	_ = v.Unmarshal(&cfg)
	return &cfg
}
