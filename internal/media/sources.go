package media

import (
	"context"
	"image"
	"sync"
)

// VideoConstraints 画面采集约束
type VideoConstraints struct {
	IdealWidth     int
	IdealHeight    int
	MaxWidth       int
	MaxHeight      int
	IdealFrameRate int
	MaxFrameRate   int
}

// AudioConstraints 音频采集约束
type AudioConstraints struct {
	EchoCancellation bool
	NoiseSuppression bool
	SampleRate       int
	ChannelCount     int
}

// DisplayConstraints 屏幕共享约束，Audio 为nil表示不请求系统声音
type DisplayConstraints struct {
	Video VideoConstraints
	Audio *AudioConstraints
}

// Devices 媒体设备访问能力
type Devices interface {
	// GetDisplayMedia 获取屏幕画面（及可选的系统声音）
	GetDisplayMedia(ctx context.Context, c DisplayConstraints) (*Stream, error)
	// GetUserMedia 获取麦克风
	GetUserMedia(ctx context.Context, c AudioConstraints) (*Stream, error)
}

// ImageVideoTrack 由外部推送画面的视频轨道
type ImageVideoTrack struct {
	*baseTrack

	mu        sync.RWMutex
	frame     image.Image
	frameRate int
}

// NewImageVideoTrack 创建视频轨道
func NewImageVideoTrack(label string, frameRate int, onStop func()) *ImageVideoTrack {
	return &ImageVideoTrack{
		baseTrack: newBaseTrack(KindVideo, label, onStop),
		frameRate: frameRate,
	}
}

// SetFrame 更新当前画面
func (t *ImageVideoTrack) SetFrame(img image.Image) {
	t.mu.Lock()
	t.frame = img
	t.mu.Unlock()
}

// Snapshot 实现 VideoTrack
func (t *ImageVideoTrack) Snapshot() image.Image {
	if t.Stopped() {
		return nil
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.frame
}

// Settings 实现 Track
func (t *ImageVideoTrack) Settings() TrackSettings {
	s := TrackSettings{FrameRate: t.frameRate}
	if img := t.Snapshot(); img != nil {
		s.Width = img.Bounds().Dx()
		s.Height = img.Bounds().Dy()
	}
	return s
}

// BufferedAudioTrack 缓冲推送样本的音频轨道
type BufferedAudioTrack struct {
	*baseTrack

	sampleRate int
	channels   int
	deviceID   string

	mu       sync.Mutex
	buf      []int16
	capacity int
}

// NewBufferedAudioTrack 创建音频轨道，缓冲最多一秒的样本
func NewBufferedAudioTrack(label string, sampleRate, channels int, onStop func()) *BufferedAudioTrack {
	if channels <= 0 {
		channels = 1
	}
	return &BufferedAudioTrack{
		baseTrack:  newBaseTrack(KindAudio, label, onStop),
		sampleRate: sampleRate,
		channels:   channels,
		capacity:   sampleRate * channels,
	}
}

// SetDeviceID 记录设备标识
func (t *BufferedAudioTrack) SetDeviceID(id string) { t.deviceID = id }

// Push 追加样本，超出容量时丢弃最旧的数据
func (t *BufferedAudioTrack) Push(samples []int16) {
	if t.Stopped() || len(samples) == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.buf = append(t.buf, samples...)
	if over := len(t.buf) - t.capacity; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
}

// Drain 实现 AudioTrack
func (t *BufferedAudioTrack) Drain() []int16 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.buf
	t.buf = nil
	return out
}

func (t *BufferedAudioTrack) SampleRate() int { return t.sampleRate }
func (t *BufferedAudioTrack) Channels() int { return t.channels }

// Settings 实现 Track
func (t *BufferedAudioTrack) Settings() TrackSettings {
	return TrackSettings{
		SampleRate:   t.sampleRate,
		ChannelCount: t.channels,
		DeviceID:     t.deviceID,
	}
}
