package config

import (
	"fmt"
	"log/slog"
	"sync"
)

// ConfigManager owns the live configuration and reloads it on demand
// (SIGHUP). Components that can apply new values at runtime register an
// OnChange callback.
type ConfigManager struct {
	configPath string

	// Current configuration
	config *Config

	logger *slog.Logger

	// Mutex for thread-safe access
	mu sync.RWMutex

	// Callbacks for config change notifications
	changeCallbacks []func(*Config)
}

// NewConfigManager loads and validates the configuration at configPath.
// An empty path runs on defaults plus environment overrides.
func NewConfigManager(configPath string, logger *slog.Logger) (*ConfigManager, error) {
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &ConfigManager{
		configPath:      configPath,
		config:          cfg,
		logger:          logger,
		changeCallbacks: make([]func(*Config), 0),
	}, nil
}

// NewStaticConfigManager wraps an already-built configuration. Reload is a
// no-op for managers without a backing file.
func NewStaticConfigManager(cfg *Config) *ConfigManager {
	return &ConfigManager{
		config:          cfg,
		logger:          slog.Default(),
		changeCallbacks: make([]func(*Config), 0),
	}
}

// GetConfig returns the current configuration. Callers must treat it as
// read-only; Reload swaps in a new value instead of mutating this one.
func (cm *ConfigManager) GetConfig() *Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.config
}

// GetConfigPath returns the backing file path ("" for defaults)
func (cm *ConfigManager) GetConfigPath() string {
	return cm.configPath
}

// OnChange registers a callback for configuration changes
func (cm *ConfigManager) OnChange(callback func(*Config)) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.changeCallbacks = append(cm.changeCallbacks, callback)
}

// Reload re-reads the configuration file. The previous configuration stays
// in effect when the new one fails to load or validate.
func (cm *ConfigManager) Reload() error {
	if cm.configPath == "" {
		return nil
	}

	cfg, err := Load(cm.configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	cm.mu.Lock()
	cm.config = cfg
	callbacks := make([]func(*Config), len(cm.changeCallbacks))
	copy(callbacks, cm.changeCallbacks)
	cm.mu.Unlock()

	cm.logger.Info("configuration reloaded", "path", cm.configPath)

	for _, cb := range callbacks {
		cb(cfg)
	}
	return nil
}
