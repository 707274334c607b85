// Package engines builds the configured job.Engine.
package engines

import (
	"fmt"
	"log/slog"
	"net/http"

	"computecannon/internal/config"
	"computecannon/pkg/engine/docker"
	"computecannon/pkg/engine/kubernetes"
	"computecannon/pkg/engine/remote"
	"computecannon/pkg/engine/subprocess"
	"computecannon/pkg/files"
	"computecannon/pkg/job"
)

// Cache opens the configured cache directory.
func Cache(cfg *config.Config) (*files.CacheDir, error) {
	if cfg.CacheDir == "" {
		return files.DefaultCacheDir()
	}
	return files.NewCacheDir(cfg.CacheDir)
}

// New creates the engine selected by cfg.Engine.
func New(cfg *config.Config, logger *slog.Logger) (job.Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cache, err := Cache(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache dir: %w", err)
	}

	// Select engine based on configuration
	switch cfg.Engine {
	case config.EngineSubprocess:
		logger.Debug("using subprocess engine", "root", cfg.SubprocessRoot)
		return subprocess.New(subprocess.Config{WorkRoot: cfg.SubprocessRoot, Logger: logger}), nil
	case config.EngineDocker:
		e, err := docker.New(docker.Config{
			Host:           cfg.DockerHost,
			DefaultWorkDir: cfg.DockerWorkDir,
			Cache:          cache,
			Logger:         logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create docker engine: %w", err)
		}
		logger.Debug("using docker engine", "host", e.Hostname())
		return e, nil
	case config.EngineRemote:
		e, err := remote.New(remote.Config{
			URL:        cfg.RemoteURL,
			RateLimit:  cfg.RemoteRateLimit,
			HTTPClient: &http.Client{Timeout: cfg.RemoteTimeout},
			Cache:      cache,
			Logger:     logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create remote engine: %w", err)
		}
		logger.Debug("using remote engine", "url", e.Hostname())
		return e, nil
	case config.EngineKubernetes:
		e, err := kubernetes.New(kubernetes.Config{
			Namespace:          cfg.KubernetesNamespace,
			ServiceAccount:     cfg.KubernetesServiceAccount,
			DefaultCPULimit:    cfg.KubernetesCPULimit,
			DefaultMemoryLimit: cfg.KubernetesMemoryLimit,
			Kubeconfig:         cfg.Kubeconfig,
			Logger:             logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create kubernetes engine: %w", err)
		}
		logger.Debug("using kubernetes engine", "namespace", cfg.KubernetesNamespace)
		return e, nil
	default:
		return nil, fmt.Errorf("unknown engine %q", cfg.Engine)
	}
}
