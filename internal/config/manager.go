package config

import (
	"fmt"
	"log"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// ChangeHandler 配置重新加载后的回调
type ChangeHandler func(cfg *Config)

// Manager 配置管理器，支持文件监控和热加载
type Manager struct {
	mu           sync.RWMutex
	config       *Config
	viper        *viper.Viper
	configPath   string
	watchEnabled bool
	handlers     []ChangeHandler
}

// ManagerOption 配置管理器选项
type ManagerOption func(*Manager)

// WithConfigPath 设置配置文件路径
func WithConfigPath(path string) ManagerOption {
	return func(m *Manager) {
		m.configPath = path
	}
}

// WithWatchEnabled 启用配置文件监控
func WithWatchEnabled(enabled bool) ManagerOption {
	return func(m *Manager) {
		m.watchEnabled = enabled
	}
}

// NewManager 创建配置管理器
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Load 加载配置，已加载时直接返回
func (m *Manager) Load() (*Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.config != nil {
		return m.config, nil
	}

	cfg, v, err := load(m.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config failed: %w", err)
	}
	m.config = cfg
	m.viper = v

	if m.watchEnabled && v.ConfigFileUsed() != "" {
		v.OnConfigChange(func(e fsnotify.Event) {
			log.Printf("Config file changed: %s", e.Name)
			m.reload()
		})
		v.WatchConfig()
	}

	return cfg, nil
}

// Get 返回当前配置，未加载时先加载
func (m *Manager) Get() (*Config, error) {
	m.mu.RLock()
	cfg := m.config
	m.mu.RUnlock()
	if cfg != nil {
		return cfg, nil
	}
	return m.Load()
}

// ConfigFile 实际使用的配置文件，未找到文件时为空
func (m *Manager) ConfigFile() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.viper == nil {
		return ""
	}
	return m.viper.ConfigFileUsed()
}

// OnChange 订阅热加载后的新配置
func (m *Manager) OnChange(h ChangeHandler) {
	m.mu.Lock()
	m.handlers = append(m.handlers, h)
	m.mu.Unlock()
}

// Reload 重新读取配置文件
func (m *Manager) Reload() error {
	cfg, v, err := load(m.configPath)
	if err != nil {
		return fmt.Errorf("reload config failed: %w", err)
	}

	m.mu.Lock()
	m.config = cfg
	if m.viper == nil {
		m.viper = v
	}
	handlers := make([]ChangeHandler, len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.Unlock()

	for _, h := range handlers {
		h(cfg)
	}
	return nil
}

// reload 监控回调中使用，新配置无效时保留旧配置
func (m *Manager) reload() {
	m.mu.RLock()
	v := m.viper
	m.mu.RUnlock()

	cfg, err := decode(v)
	if err != nil {
		log.Printf("Config reload rejected: %v", err)
		return
	}

	m.mu.Lock()
	m.config = cfg
	handlers := make([]ChangeHandler, len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.Unlock()

	for _, h := range handlers {
		h(cfg)
	}
}

// Summary 返回配置摘要信息
func (m *Manager) Summary() (map[string]interface{}, error) {
	cfg, err := m.Get()
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"config_file":      m.ConfigFile(),
		"relay_endpoint":   cfg.Relay.Endpoint,
		"listen_addr":      cfg.Relay.ListenAddr,
		"capture_interval": cfg.Capture.Interval.String(),
		"audio_quality":    cfg.Capture.AudioQuality,
		"auth_mode":        cfg.Auth.Mode,
	}, nil
}
