// Package config loads settings for the ccc CLI and the dev server from an
// optional YAML file and CCC_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"k8s.io/apimachinery/pkg/api/resource"
)

// Engine names accepted by the engine setting.
const (
	EngineSubprocess = "subprocess"
	EngineDocker     = "docker"
	EngineRemote     = "remote"
	EngineKubernetes = "kubernetes"
)

// Config holds all configuration values for the application.
type Config struct {
	// Engine selects the backend jobs run on
	Engine string `mapstructure:"engine"`

	// Docker engine
	DockerHost    string `mapstructure:"docker_host"`
	DockerWorkDir string `mapstructure:"docker_workdir"`

	// Remote engine
	RemoteURL       string        `mapstructure:"remote_url"`
	RemoteRateLimit float64       `mapstructure:"remote_rate_limit"`
	RemoteTimeout   time.Duration `mapstructure:"remote_timeout"`

	// Subprocess engine
	SubprocessRoot string `mapstructure:"subprocess_root"`

	// Kubernetes engine
	KubernetesNamespace      string `mapstructure:"kubernetes_namespace"`
	KubernetesServiceAccount string `mapstructure:"kubernetes_service_account"`
	KubernetesCPULimit       string `mapstructure:"kubernetes_cpu_limit"`
	KubernetesMemoryLimit    string `mapstructure:"kubernetes_memory_limit"`
	Kubeconfig               string `mapstructure:"kubeconfig"`

	// CacheDir holds fetched remote files. Empty means the user cache dir.
	CacheDir string `mapstructure:"cache_dir"`

	// DatabaseURL enables the run history when set
	DatabaseURL string `mapstructure:"database_url"`

	// OpenTelemetry collector; empty disables tracing
	OTELEndpoint string `mapstructure:"otel_endpoint"`

	LogLevel string `mapstructure:"log_level"`

	// Dev server
	ServerAddr      string  `mapstructure:"server_addr"`
	ServerWorkRoot  string  `mapstructure:"server_work_root"`
	ServerRateLimit float64 `mapstructure:"server_rate_limit"`
	ServerRateBurst int     `mapstructure:"server_rate_burst"`
}

// Load reads configuration from the file at path (if given), then from
// environment variables, which take precedence.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}
	return FromViper(v)
}

// FromViper decodes v after adding defaults and CCC_* environment
// overrides. Config files and flags already bound on v keep their precedence.
func FromViper(v *viper.Viper) (*Config, error) {
	setDefaults(v)

	v.SetEnvPrefix("CCC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Standard otel variable, honoured when CCC_OTEL_ENDPOINT is unset
	v.BindEnv("otel_endpoint", "CCC_OTEL_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("engine", EngineSubprocess)
	v.SetDefault("docker_host", "")
	v.SetDefault("docker_workdir", "/default_wdir")
	v.SetDefault("remote_url", "")
	v.SetDefault("remote_rate_limit", 0)
	v.SetDefault("remote_timeout", 30*time.Second)
	v.SetDefault("subprocess_root", "")
	v.SetDefault("kubernetes_namespace", "default")
	v.SetDefault("kubernetes_service_account", "")
	v.SetDefault("kubernetes_cpu_limit", "500m")
	v.SetDefault("kubernetes_memory_limit", "256Mi")
	v.SetDefault("kubeconfig", "")
	v.SetDefault("cache_dir", "")
	v.SetDefault("database_url", "")
	v.SetDefault("otel_endpoint", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("server_addr", ":8080")
	v.SetDefault("server_work_root", "")
	v.SetDefault("server_rate_limit", 10)
	v.SetDefault("server_rate_burst", 20)
}

// Validate checks settings that depend on each other.
func (c *Config) Validate() error {
	switch c.Engine {
	case EngineSubprocess, EngineDocker, EngineKubernetes:
	case EngineRemote:
		if c.RemoteURL == "" {
			return fmt.Errorf("remote_url is required for the remote engine (env: CCC_REMOTE_URL)")
		}
	default:
		return fmt.Errorf("invalid engine %q: must be one of subprocess, docker, remote, kubernetes", c.Engine)
	}
	if c.RemoteRateLimit < 0 {
		return fmt.Errorf("remote_rate_limit must not be negative")
	}
	if c.ServerRateLimit < 0 || c.ServerRateBurst < 0 {
		return fmt.Errorf("server rate limit settings must not be negative")
	}
	for key, v := range map[string]string{
		"kubernetes_cpu_limit":    c.KubernetesCPULimit,
		"kubernetes_memory_limit": c.KubernetesMemoryLimit,
	} {
		if v == "" {
			continue
		}
		if _, err := resource.ParseQuantity(v); err != nil {
			return fmt.Errorf("invalid %s %q: %w", key, v, err)
		}
	}
	return nil
}
