package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Auth modes
const (
	AuthCognito = "cognito"
	AuthStatic  = "static"
	AuthNone    = "none"
)

// Capability sources
const (
	CapabilityHost = "host"
	CapabilityEC2  = "ec2"
)

// Config holds the worker configuration
type Config struct {
	// Coordinator
	APIURL string `yaml:"api_url"`

	// Credentials
	AuthMode         string        `yaml:"auth_mode"`
	Username         string        `yaml:"username"`
	Password         string        `yaml:"password"`
	AccessToken      string        `yaml:"access_token"`
	TokenMinValidity time.Duration `yaml:"token_min_validity"`

	// Intervals
	PollInterval   time.Duration `yaml:"timeout_job"`
	StatusInterval time.Duration `yaml:"timeout_status"`
	RunInterval    time.Duration `yaml:"timeout_run"`
	MaxRunDuration time.Duration `yaml:"max_run_duration"` // 0 disables the limit

	// Staging
	PathBase           string `yaml:"path_base"`
	PathHostBase       string `yaml:"path_host_base"`
	ContainerMountPath string `yaml:"container_mount_path"`
	LogTailChars       int    `yaml:"log_tail_chars"`

	// Capabilities
	CapabilitySource string `yaml:"capability_source"`
	AWSRegion        string `yaml:"aws_region"`

	// HTTP
	HTTPRetryMax     int           `yaml:"http_retry_max"`
	HTTPRetryWaitMin time.Duration `yaml:"http_retry_wait_min"`
	HTTPRetryWaitMax time.Duration `yaml:"http_retry_wait_max"`
	HTTPTimeout      time.Duration `yaml:"http_timeout"`
}

// Default returns a config with the built-in defaults
func Default() *Config {
	return &Config{
		TokenMinValidity:   300 * time.Second,
		PollInterval:       10 * time.Second,
		StatusInterval:     10 * time.Second,
		PathBase:           "/data",
		PathHostBase:       "~/temp/decode_cloud/mounts",
		ContainerMountPath: "/files",
		LogTailChars:       1000,
		CapabilitySource:   CapabilityHost,
		AWSRegion:          "us-east-1",
		// server errors are retried at roughly 3s, 6s, 12s, 24s, 48s; a coordinator
		// losing its database may answer 500 for a couple of minutes
		HTTPRetryMax:       5,
		HTTPRetryWaitMin:   3 * time.Second,
		HTTPRetryWaitMax:   160 * time.Second,
		HTTPTimeout:        60 * time.Second,
	}
}

// Load builds the configuration from defaults, an optional YAML file
// (FETCHER_CONFIG) and environment variables, in increasing precedence.
// A .env file (ENV_FILE, default ".env") is loaded into the environment first.
func Load() (*Config, error) {
	envFile := getEnv("ENV_FILE", ".env")
	if err := godotenv.Overload(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
	}

	cfg := Default()
	if path := os.Getenv("FETCHER_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if cfg.RunInterval == 0 {
		cfg.RunInterval = cfg.StatusInterval
	}
	if cfg.AuthMode == "" {
		cfg.AuthMode = defaultAuthMode(cfg)
	}
	hostBase, err := expandHome(cfg.PathHostBase)
	if err != nil {
		return nil, err
	}
	cfg.PathHostBase = hostBase

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.APIURL = getEnv("API_URL", c.APIURL)
	c.AuthMode = getEnv("AUTH_MODE", c.AuthMode)
	c.Username = getEnv("USERNAME", c.Username)
	c.Password = getEnv("PASSWORD", c.Password)
	c.AccessToken = getEnv("ACCESS_TOKEN", c.AccessToken)
	c.PathBase = getEnv("PATH_BASE", c.PathBase)
	c.PathHostBase = getEnv("PATH_HOST_BASE", c.PathHostBase)
	c.ContainerMountPath = getEnv("CONTAINER_MOUNT_PATH", c.ContainerMountPath)
	c.CapabilitySource = getEnv("CAPABILITY_SOURCE", c.CapabilitySource)
	c.AWSRegion = getEnv("AWS_REGION", c.AWSRegion)

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"TOKEN_MIN_VALIDITY", &c.TokenMinValidity},
		{"TIMEOUT_JOB", &c.PollInterval},
		{"TIMEOUT_STATUS", &c.StatusInterval},
		{"TIMEOUT_RUN", &c.RunInterval},
		{"MAX_RUN_DURATION", &c.MaxRunDuration},
		{"HTTP_RETRY_WAIT_MIN", &c.HTTPRetryWaitMin},
		{"HTTP_RETRY_WAIT_MAX", &c.HTTPRetryWaitMax},
		{"HTTP_TIMEOUT", &c.HTTPTimeout},
	}
	for _, d := range durations {
		v, err := getDuration(d.key, *d.dst)
		if err != nil {
			return err
		}
		*d.dst = v
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"LOG_TAIL_CHARS", &c.LogTailChars},
		{"HTTP_RETRY_MAX", &c.HTTPRetryMax},
	}
	for _, i := range ints {
		v, err := getInt(i.key, *i.dst)
		if err != nil {
			return err
		}
		*i.dst = v
	}
	return nil
}

// Validate reports missing or inconsistent settings
func (c *Config) Validate() error {
	var errs []error
	if c.APIURL == "" {
		errs = append(errs, errors.New("API_URL is required"))
	}
	switch c.AuthMode {
	case AuthCognito:
		if c.Username == "" || c.Password == "" {
			errs = append(errs, errors.New("USERNAME and PASSWORD are required for cognito auth"))
		}
	case AuthStatic:
		if c.AccessToken == "" {
			errs = append(errs, errors.New("ACCESS_TOKEN is required for static auth"))
		}
	case AuthNone:
	default:
		errs = append(errs, fmt.Errorf("unknown AUTH_MODE %q", c.AuthMode))
	}
	switch c.CapabilitySource {
	case CapabilityHost, CapabilityEC2:
	default:
		errs = append(errs, fmt.Errorf("unknown CAPABILITY_SOURCE %q", c.CapabilitySource))
	}
	if c.PollInterval <= 0 || c.StatusInterval <= 0 || c.RunInterval <= 0 {
		errs = append(errs, errors.New("TIMEOUT_JOB, TIMEOUT_STATUS and TIMEOUT_RUN must be positive"))
	}
	if c.MaxRunDuration < 0 {
		errs = append(errs, errors.New("MAX_RUN_DURATION must not be negative"))
	}
	if !filepath.IsAbs(c.PathBase) {
		errs = append(errs, fmt.Errorf("PATH_BASE must be absolute, got %q", c.PathBase))
	}
	if !filepath.IsAbs(c.PathHostBase) {
		errs = append(errs, fmt.Errorf("PATH_HOST_BASE must be absolute, got %q", c.PathHostBase))
	}
	if c.LogTailChars < 0 {
		errs = append(errs, errors.New("LOG_TAIL_CHARS must not be negative"))
	}
	return errors.Join(errs...)
}

func defaultAuthMode(c *Config) string {
	switch {
	case c.Username != "":
		return AuthCognito
	case c.AccessToken != "":
		return AuthStatic
	}
	return AuthNone
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to expand %s: %w", path, err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getDuration accepts Go durations ("1m30s") or bare seconds ("90")
func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid duration for %s: %q", key, value)
	}
	return d, nil
}

func getInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %q", key, value)
	}
	return i, nil
}
