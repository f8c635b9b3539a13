package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ErrFatalConfig marks configuration the process must not start with.
var ErrFatalConfig = errors.New("fatal configuration error")

// Config holds application configuration
type Config struct {
	// Server settings
	ServerPort int    `yaml:"server_port" json:"server_port" validate:"min=1,max=65535"`
	ServerHost string `yaml:"server_host" json:"server_host" validate:"required"`

	// Admission control for generation routes
	RateLimitPerMinute     int `yaml:"rate_limit_per_minute" json:"rate_limit_per_minute" validate:"min=0"` // 0 disables
	RateLimitBurst         int `yaml:"rate_limit_burst" json:"rate_limit_burst" validate:"min=0"`
	MaxConcurrentRequests  int `yaml:"max_concurrent_requests" json:"max_concurrent_requests" validate:"min=1"`
	MaxConcurrentPerClient int `yaml:"max_concurrent_per_client" json:"max_concurrent_per_client" validate:"min=1"`

	// Runtime settings
	RuntimeHost           string `yaml:"runtime_host" json:"runtime_host" validate:"required,url"`
	RuntimeTimeoutSeconds int    `yaml:"runtime_timeout_seconds" json:"runtime_timeout_seconds" validate:"min=1"`
	ReachabilityTTLSec    int    `yaml:"reachability_ttl_seconds" json:"reachability_ttl_seconds" validate:"min=1"`
	HardCeilingSeconds    int    `yaml:"hard_request_ceiling_seconds" json:"hard_request_ceiling_seconds" validate:"min=1,max=600"`

	// Model settings
	ForceModel            string `yaml:"force_model" json:"force_model"`
	EnableInProcess       bool   `yaml:"enable_in_process_fallback" json:"enable_in_process_fallback"`
	CatalogOverridePath   string `yaml:"catalog_override_path" json:"catalog_override_path"`
	LexiconPath           string `yaml:"lexicon_path" json:"lexicon_path"`
	ModelsDir             string `yaml:"models_dir" json:"models_dir" validate:"required"`
	NumThreads            int    `yaml:"num_threads" json:"num_threads" validate:"min=0"` // 0 = auto-detect
	NumGPULayers          int    `yaml:"gpu_layers" json:"gpu_layers" validate:"min=0"`   // CPU only by default
	UseMlock              bool   `yaml:"use_mlock" json:"use_mlock"`                      // Lock in-process models in RAM
	UseMmap               bool   `yaml:"use_mmap" json:"use_mmap"`                        // Memory-map model files
	HostProfileTTLSeconds int    `yaml:"host_profile_ttl_seconds" json:"host_profile_ttl_seconds" validate:"min=0"`
	ProbePath             string `yaml:"probe_path" json:"probe_path"`

	// Logging
	LogLevel string `yaml:"log_level" json:"log_level" validate:"oneof=debug info warn error"`
	LogJSON  bool   `yaml:"log_json" json:"log_json"`
	LogFile  string `yaml:"log_file" json:"log_file"`
}

// Default returns the built-in configuration.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	return &Config{
		ServerPort:             5000,
		ServerHost:             "0.0.0.0",
		RateLimitPerMinute:     30,
		RateLimitBurst:         10,
		MaxConcurrentRequests:  4,
		MaxConcurrentPerClient: 2,
		RuntimeHost:            "http://localhost:11434",
		RuntimeTimeoutSeconds:  30,
		ReachabilityTTLSec:     30,
		HardCeilingSeconds:     60,
		EnableInProcess:        true,
		ModelsDir:              filepath.Join(homeDir, ".bufala", "models"),
		UseMmap:                true,
		HostProfileTTLSeconds:  300,
		ProbePath:              ".",
		LogLevel:               "info",
	}
}

// LoadConfig loads configuration from environment variables
func LoadConfig() *Config {
	cfg := Default()
	cfg.applyEnvOverrides()
	return cfg
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

var validate = validator.New()

// Validate checks field ranges. Failures wrap ErrFatalConfig.
func (c *Config) Validate() error {
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q (value %v)", fe.Field(), fe.Tag(), fe.Value()))
			}
			return fmt.Errorf("%w: %s", ErrFatalConfig, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %v", ErrFatalConfig, err)
	}
	for _, p := range []string{c.CatalogOverridePath, c.LexiconPath} {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err != nil {
			return fmt.Errorf("%w: %v", ErrFatalConfig, err)
		}
	}
	return nil
}

// LoadFromFile loads configuration from a YAML or JSON file. Keys absent
// from the file keep their defaults.
func LoadFromFile(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.mergeFile(path); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	switch ext := filepath.Ext(path); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("%w: failed to parse YAML config: %v", ErrFatalConfig, err)
		}
	case ".json":
		if err := json.Unmarshal(data, c); err != nil {
			return fmt.Errorf("%w: failed to parse JSON config: %v", ErrFatalConfig, err)
		}
	default:
		return fmt.Errorf("unsupported config file format: %s (use .yaml, .yml, or .json)", ext)
	}
	return nil
}

// SaveToFile saves configuration to a YAML or JSON file
func (c *Config) SaveToFile(path string) error {
	var data []byte
	var err error

	switch ext := filepath.Ext(path); ext {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(c)
		if err != nil {
			return fmt.Errorf("failed to marshal YAML: %w", err)
		}
	case ".json":
		data, err = json.MarshalIndent(c, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file format: %s (use .yaml, .yml, or .json)", ext)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// LoadWithPriority loads config with priority: file > env > defaults
func LoadWithPriority(configPath string) (*Config, error) {
	cfg := LoadConfig()

	if configPath == "" {
		// Check for default config file locations
		homeDir, _ := os.UserHomeDir()
		candidates := []string{
			filepath.Join(homeDir, ".bufala", "config.yaml"),
			filepath.Join(homeDir, ".bufala", "config.yml"),
			filepath.Join(homeDir, ".bufala", "config.json"),
			"bufala.yaml",
			"bufala.yml",
			"bufala.json",
		}
		for _, path := range candidates {
			if _, err := os.Stat(path); err == nil {
				configPath = path
				break
			}
		}
	}

	if configPath != "" {
		if err := cfg.mergeFile(configPath); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// applyEnvOverrides overrides config with environment variables
func (c *Config) applyEnvOverrides() {
	c.RuntimeHost = getEnv("BUFALA_RUNTIME_HOST", c.RuntimeHost)
	c.RuntimeTimeoutSeconds = getEnvInt("BUFALA_RUNTIME_TIMEOUT", c.RuntimeTimeoutSeconds)
	c.HardCeilingSeconds = getEnvInt("BUFALA_HARD_CEILING", c.HardCeilingSeconds)
	c.ForceModel = getEnv("BUFALA_FORCE_MODEL", c.ForceModel)
	c.EnableInProcess = getEnvBool("BUFALA_IN_PROCESS_FALLBACK", c.EnableInProcess)
	c.CatalogOverridePath = getEnv("BUFALA_CATALOG_OVERRIDE", c.CatalogOverridePath)
	c.LexiconPath = getEnv("BUFALA_LEXICON_PATH", c.LexiconPath)
	c.ModelsDir = getEnv("BUFALA_MODELS_DIR", c.ModelsDir)
	c.ProbePath = getEnv("BUFALA_PROBE_PATH", c.ProbePath)
	c.HostProfileTTLSeconds = getEnvInt("BUFALA_PROFILE_TTL", c.HostProfileTTLSeconds)
	c.ReachabilityTTLSec = getEnvInt("BUFALA_REACHABILITY_TTL", c.ReachabilityTTLSec)
	c.ServerHost = getEnv("BUFALA_HOST", c.ServerHost)
	c.ServerPort = getEnvInt("BUFALA_PORT", c.ServerPort)
	c.RateLimitPerMinute = getEnvInt("BUFALA_RATE_LIMIT", c.RateLimitPerMinute)
	c.MaxConcurrentRequests = getEnvInt("BUFALA_MAX_CONCURRENT", c.MaxConcurrentRequests)
	c.MaxConcurrentPerClient = getEnvInt("BUFALA_MAX_CONCURRENT_PER_CLIENT", c.MaxConcurrentPerClient)
	c.LogLevel = getEnv("BUFALA_LOG_LEVEL", c.LogLevel)
	c.LogJSON = getEnvBool("BUFALA_LOG_JSON", c.LogJSON)
	c.LogFile = getEnv("BUFALA_LOG_FILE", c.LogFile)
	c.NumThreads = getEnvInt("BUFALA_NUM_THREADS", c.NumThreads)
	c.NumGPULayers = getEnvInt("BUFALA_GPU_LAYERS", c.NumGPULayers)
	c.UseMlock = getEnvBool("BUFALA_USE_MLOCK", c.UseMlock)
	c.UseMmap = getEnvBool("BUFALA_USE_MMAP", c.UseMmap)
}

// RuntimeTimeout bounds tag listing and reachability probes.
func (c *Config) RuntimeTimeout() time.Duration {
	return time.Duration(c.RuntimeTimeoutSeconds) * time.Second
}

// ReachabilityTTL is how long a runtime probe verdict is trusted.
func (c *Config) ReachabilityTTL() time.Duration {
	return time.Duration(c.ReachabilityTTLSec) * time.Second
}

// HardCeiling is the per-request wall-clock bound.
func (c *Config) HardCeiling() time.Duration {
	return time.Duration(c.HardCeilingSeconds) * time.Second
}

// HostProfileTTL is how long a probed host profile is reused.
func (c *Config) HostProfileTTL() time.Duration {
	return time.Duration(c.HostProfileTTLSeconds) * time.Second
}

// Addr is the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.ServerHost, c.ServerPort)
}
