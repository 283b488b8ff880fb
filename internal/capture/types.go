package capture

import (
	"fmt"
	"strings"
	"time"

	"ScreenRelay/internal/media"
)

// State 采集引擎状态
type State int32

const (
	StateIdle State = iota
	StateAcquiring
	StateCapturing
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateAcquiring:
		return "ACQUIRING"
	case StateCapturing:
		return "CAPTURING"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// AudioQuality 音频质量档位
type AudioQuality string

const (
	QualityLow    AudioQuality = "low"
	QualityMedium AudioQuality = "medium"
	QualityHigh   AudioQuality = "high"
)

// SampleRate 档位对应的采样率，未知档位按 high 处理
func (q AudioQuality) SampleRate() int {
	switch q {
	case QualityLow:
		return 16000
	case QualityMedium:
		return 24000
	default:
		return 48000
	}
}

// ParseAudioQuality 解析音频质量档位
func ParseAudioQuality(s string) (AudioQuality, error) {
	switch q := AudioQuality(strings.ToLower(strings.TrimSpace(s))); q {
	case QualityLow, QualityMedium, QualityHigh:
		return q, nil
	default:
		return "", fmt.Errorf("unknown audio quality %q", s)
	}
}

// Options 单次采集的选项
type Options struct {
	CaptureSystemAudio bool
	CaptureMicrophone  bool
	AudioQuality       AudioQuality
}

// DefaultOptions 默认采集系统声音，不采集麦克风
func DefaultOptions() Options {
	return Options{
		CaptureSystemAudio: true,
		CaptureMicrophone:  false,
		AudioQuality:       QualityHigh,
	}
}

// Config 引擎配置
type Config struct {
	ReadyTimeout       time.Duration
	ReadyPollInterval  time.Duration
	JPEGQuality        int
	AudioChunkInterval time.Duration
	Video              media.VideoConstraints
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		ReadyTimeout:       15 * time.Second,
		ReadyPollInterval:  100 * time.Millisecond,
		JPEGQuality:        80,
		AudioChunkInterval: 500 * time.Millisecond,
		Video: media.VideoConstraints{
			IdealWidth:     1280,
			IdealHeight:    720,
			MaxWidth:       1920,
			MaxHeight:      1080,
			IdealFrameRate: 5,
			MaxFrameRate:   10,
		},
	}
}

// FramePayload 一帧编码后的画面
type FramePayload struct {
	Data       string // data:image/jpeg;base64,...
	CapturedAt time.Time
	Width      int
	Height     int
}

// AudioChunk 一段独立可解码的音频
type AudioChunk struct {
	Data       string // data:audio/wav;base64,...
	CapturedAt time.Time
	Duration   time.Duration
	SampleRate int
	Channels   int
}

// AudioTrackInfo 音频轨道信息
type AudioTrackInfo struct {
	ID       string
	Label    string
	Kind     media.Kind
	Enabled  bool
	Settings media.TrackSettings
}
