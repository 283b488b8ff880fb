// Package config 加载 ScreenRelay 的配置：yaml文件 + SCREENRELAY_ 环境变量 + 默认值
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 完整配置
type Config struct {
	Relay    RelayConfig    `mapstructure:"relay"`
	Channel  ChannelConfig  `mapstructure:"channel"`
	Capture  CaptureConfig  `mapstructure:"capture"`
	Admin    AdminConfig    `mapstructure:"admin"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Identity IdentityConfig `mapstructure:"identity"`
}

// RelayConfig 中继服务器与端点
type RelayConfig struct {
	Endpoint        string        `mapstructure:"endpoint"`
	ListenAddr      string        `mapstructure:"listen_addr"`
	ReadLimit       int64         `mapstructure:"read_limit"`
	MaxParticipants int           `mapstructure:"max_participants"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	PingInterval    time.Duration `mapstructure:"ping_interval"`
	SendBuffer      int           `mapstructure:"send_buffer"`
	GRPCHealthAddr  string        `mapstructure:"grpc_health_addr"`
}

// ChannelConfig 客户端通道
type ChannelConfig struct {
	HandshakeTimeout  time.Duration `mapstructure:"handshake_timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	PongWait          time.Duration `mapstructure:"pong_wait"`
	ReconnectInterval time.Duration `mapstructure:"reconnect_interval"`
	MaxReconnectTries int           `mapstructure:"max_reconnect_tries"`
	EnableCompression bool          `mapstructure:"enable_compression"`
	UserAgent         string        `mapstructure:"user_agent"`
}

// CaptureConfig 学生端采集
type CaptureConfig struct {
	Interval           time.Duration `mapstructure:"interval"`
	AudioChunkInterval time.Duration `mapstructure:"audio_chunk_interval"`
	AudioQuality       string        `mapstructure:"audio_quality"`
	SystemAudio        bool          `mapstructure:"system_audio"`
	Microphone         bool          `mapstructure:"microphone"`
	ReadyTimeout       time.Duration `mapstructure:"ready_timeout"`
	SettleDelay        time.Duration `mapstructure:"settle_delay"`
	JPEGQuality        int           `mapstructure:"jpeg_quality"`
	MaxWidth           int           `mapstructure:"max_width"`
	MaxHeight          int           `mapstructure:"max_height"`
	FrameRate          float64       `mapstructure:"frame_rate"`
	// SourceDir 非空时从目录读取最新截图，否则使用合成画面
	SourceDir string `mapstructure:"source_dir"`
}

// AdminConfig 管理端聚合
type AdminConfig struct {
	MaxParticipants int           `mapstructure:"max_participants"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	DiscardStale    bool          `mapstructure:"discard_stale"`
	PlayAudio       bool          `mapstructure:"play_audio"`
}

// AuthConfig 身份认证
type AuthConfig struct {
	Mode string `mapstructure:"mode"` // demo | postgres
	DSN  string `mapstructure:"dsn"`
}

// IdentityConfig 命令行客户端的身份
type IdentityConfig struct {
	UserID   string `mapstructure:"user_id"`
	Name     string `mapstructure:"name"`
	Email    string `mapstructure:"email"`
	Password string `mapstructure:"password"`
}

// Load 加载配置，path 为空时在默认目录中查找 screenrelay.yaml
// 找不到配置文件时使用默认值
func Load(path string) (*Config, error) {
	cfg, _, err := load(path)
	return cfg, err
}

func load(path string) (*Config, *viper.Viper, error) {
	v := newViper(path)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, nil, err
	}
	return cfg, v, nil
}

func newViper(path string) *viper.Viper {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("screenrelay")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath("../configs")
		v.AddConfigPath(".")
	}

	// SCREENRELAY_RELAY_ENDPOINT 覆盖 relay.endpoint
	v.SetEnvPrefix("SCREENRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaultValues(v)
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaultValues 设置默认配置值
// AutomaticEnv 只对设置过默认值的键生效，所以每个键都要有默认值
func setDefaultValues(v *viper.Viper) {
	v.SetDefault("relay.endpoint", "ws://127.0.0.1:8080/ws")
	v.SetDefault("relay.listen_addr", ":8080")
	v.SetDefault("relay.read_limit", 8*1024*1024)
	v.SetDefault("relay.max_participants", 1000)
	v.SetDefault("relay.write_timeout", "10s")
	v.SetDefault("relay.ping_interval", "30s")
	v.SetDefault("relay.send_buffer", 64)
	v.SetDefault("relay.grpc_health_addr", "")

	v.SetDefault("channel.handshake_timeout", "10s")
	v.SetDefault("channel.heartbeat_interval", "25s")
	v.SetDefault("channel.pong_wait", "60s")
	v.SetDefault("channel.reconnect_interval", "1s")
	v.SetDefault("channel.max_reconnect_tries", 5)
	v.SetDefault("channel.enable_compression", true)
	v.SetDefault("channel.user_agent", "ScreenRelay/1.0")

	v.SetDefault("capture.interval", "1s")
	v.SetDefault("capture.audio_chunk_interval", "500ms")
	v.SetDefault("capture.audio_quality", "high")
	v.SetDefault("capture.system_audio", true)
	v.SetDefault("capture.microphone", false)
	v.SetDefault("capture.ready_timeout", "15s")
	v.SetDefault("capture.settle_delay", "1s")
	v.SetDefault("capture.jpeg_quality", 80)
	v.SetDefault("capture.max_width", 1920)
	v.SetDefault("capture.max_height", 1080)
	v.SetDefault("capture.frame_rate", 5)
	v.SetDefault("capture.source_dir", "")

	v.SetDefault("admin.max_participants", 200)
	v.SetDefault("admin.idle_timeout", "2m")
	v.SetDefault("admin.discard_stale", true)
	v.SetDefault("admin.play_audio", false)

	v.SetDefault("auth.mode", "demo")
	v.SetDefault("auth.dsn", "")

	v.SetDefault("identity.user_id", "")
	v.SetDefault("identity.name", "")
	v.SetDefault("identity.email", "")
	v.SetDefault("identity.password", "")
}

var validQualities = map[string]bool{"low": true, "medium": true, "high": true}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.Capture.Interval <= 0 {
		return fmt.Errorf("invalid capture interval: %v", c.Capture.Interval)
	}
	if c.Capture.AudioChunkInterval <= 0 {
		return fmt.Errorf("invalid audio chunk interval: %v", c.Capture.AudioChunkInterval)
	}
	if !validQualities[c.Capture.AudioQuality] {
		return fmt.Errorf("invalid audio quality: %q (must be low, medium or high)", c.Capture.AudioQuality)
	}
	if c.Capture.JPEGQuality < 1 || c.Capture.JPEGQuality > 100 {
		return fmt.Errorf("invalid jpeg quality: %d (must be between 1 and 100)", c.Capture.JPEGQuality)
	}
	if c.Capture.ReadyTimeout <= 0 {
		return fmt.Errorf("invalid ready timeout: %v", c.Capture.ReadyTimeout)
	}
	if c.Channel.ReconnectInterval <= 0 {
		return fmt.Errorf("invalid reconnect interval: %v", c.Channel.ReconnectInterval)
	}
	if c.Channel.MaxReconnectTries < 0 {
		return fmt.Errorf("invalid max reconnect tries: %d", c.Channel.MaxReconnectTries)
	}
	if c.Admin.IdleTimeout < 0 {
		return fmt.Errorf("invalid admin idle timeout: %v", c.Admin.IdleTimeout)
	}

	switch c.Auth.Mode {
	case "demo":
	case "postgres":
		if c.Auth.DSN == "" {
			return fmt.Errorf("auth.dsn is required for postgres mode")
		}
	default:
		return fmt.Errorf("invalid auth mode: %q (must be demo or postgres)", c.Auth.Mode)
	}
	return nil
}
