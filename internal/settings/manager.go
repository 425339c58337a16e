package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes environment overrides, e.g. BRIDGE_CLOVER_HOST.
const EnvPrefix = "BRIDGE"

// Manager owns the running configuration and persists changes to config.yml.
type Manager struct {
	sync.RWMutex
	logger     *logrus.Entry
	path       string
	config     Config
	changeChan chan struct{}
}

// NewManager wraps an already loaded config. Nothing is written until the
// first update.
func NewManager(logger *logrus.Entry, path string, cfg Config) *Manager {
	return &Manager{
		logger:     logger,
		path:       path,
		config:     cfg,
		changeChan: make(chan struct{}, 1),
	}
}

// Load reads path (defaults when absent) and applies BRIDGE_* overrides. A
// missing file is created from the defaults.
func Load(logger *logrus.Entry, path, baseDir string) (*Manager, error) {
	v := viper.New()
	setDefaults(v, baseDir)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	exists := false
	if _, err := os.Stat(path); err == nil {
		exists = true
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.PaymentProvider = strings.ToUpper(cfg.PaymentProvider)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	m := NewManager(logger, path, cfg)
	if !exists {
		logger.Infof("Config %s not found, writing defaults", path)
		if err := m.save(cfg); err != nil {
			logger.Warningf("Failed to write default config: %v", err)
		}
	} else {
		logger.Infof("Loaded config from %s", path)
	}
	return m, nil
}

// Get returns a copy of the current configuration.
func (m *Manager) Get() Config {
	m.RLock()
	defer m.RUnlock()
	return m.config
}

func (m *Manager) Path() string {
	return m.path
}

// Update applies patch to a copy, validates, persists and then swaps it in.
func (m *Manager) Update(patch func(*Config)) error {
	return m.update(func(c *Config) error {
		patch(c)
		return nil
	})
}

func (m *Manager) update(patch func(*Config) error) error {
	m.Lock()
	defer m.Unlock()

	next := m.config
	if err := patch(&next); err != nil {
		return err
	}
	next.PaymentProvider = strings.ToUpper(next.PaymentProvider)
	if err := next.Validate(); err != nil {
		return err
	}
	if err := m.save(next); err != nil {
		return err
	}
	m.config = next
	m.logger.Infof("Configuration updated")
	m.notifyChange()
	return nil
}

// UpdateJSON merges a partial JSON document over the current configuration.
func (m *Manager) UpdateJSON(payload []byte) error {
	return m.update(func(c *Config) error {
		if err := json.Unmarshal(payload, c); err != nil {
			return fmt.Errorf("could not unmarshal config patch: %w", err)
		}
		return nil
	})
}

// SetAuthToken stores the token granted by the terminal during pairing.
func (m *Manager) SetAuthToken(token string) error {
	return m.Update(func(c *Config) {
		c.Clover.AuthToken = token
	})
}

// Changes returns a channel that signals when settings have been updated.
func (m *Manager) Changes() <-chan struct{} {
	return m.changeChan
}

func (m *Manager) notifyChange() {
	select {
	case m.changeChan <- struct{}{}:
	default:
	}
}

func (m *Manager) save(cfg Config) error {
	if m.path == "" {
		return nil
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return os.Rename(tmp, m.path)
}
