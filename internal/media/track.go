package media

import (
	"errors"
	"image"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// 设备错误
var (
	ErrNotAllowed   = errors.New("media: permission denied")
	ErrNotSupported = errors.New("media: capture not supported")
	ErrNotFound     = errors.New("media: no capture device found")
	ErrNotReadable  = errors.New("media: device could not be read")
)

// Kind 轨道类型
type Kind string

const (
	KindVideo Kind = "video"
	KindAudio Kind = "audio"
)

// TrackSettings 轨道的实际参数
type TrackSettings struct {
	Width        int
	Height       int
	FrameRate    int
	SampleRate   int
	ChannelCount int
	DeviceID     string
}

// Track 媒体轨道
// Ended 只在源端结束时关闭（例如用户撤销共享），调用 Stop 不会关闭它
type Track interface {
	ID() string
	Kind() Kind
	Label() string
	Enabled() bool
	SetEnabled(enabled bool)
	Settings() TrackSettings
	Stop()
	Ended() <-chan struct{}
}

// VideoTrack 可以抓取当前画面的视频轨道
type VideoTrack interface {
	Track
	// Snapshot 返回当前画面，尚无画面时返回nil
	Snapshot() image.Image
}

// AudioTrack 以16位PCM交错样本提供数据的音频轨道
type AudioTrack interface {
	Track
	SampleRate() int
	Channels() int
	// Drain 取出自上次调用以来缓冲的样本
	Drain() []int16
}

// baseTrack 轨道公共实现
type baseTrack struct {
	id       string
	kind     Kind
	label    string
	enabled  atomic.Bool
	stopped  atomic.Bool
	ended    chan struct{}
	endOnce  sync.Once
	stopOnce sync.Once
	onStop   func()
}

func newBaseTrack(kind Kind, label string, onStop func()) *baseTrack {
	t := &baseTrack{
		id:     uuid.NewString(),
		kind:   kind,
		label:  label,
		ended:  make(chan struct{}),
		onStop: onStop,
	}
	t.enabled.Store(true)
	return t
}

func (t *baseTrack) ID() string { return t.id }
func (t *baseTrack) Kind() Kind { return t.kind }
func (t *baseTrack) Label() string { return t.label }
func (t *baseTrack) Enabled() bool { return t.enabled.Load() }
func (t *baseTrack) SetEnabled(enabled bool) { t.enabled.Store(enabled) }
func (t *baseTrack) Ended() <-chan struct{} { return t.ended }

// Stopped 轨道是否已停止
func (t *baseTrack) Stopped() bool { return t.stopped.Load() }

// Stop 停止轨道，释放底层设备
func (t *baseTrack) Stop() {
	t.stopOnce.Do(func() {
		t.stopped.Store(true)
		if t.onStop != nil {
			t.onStop()
		}
	})
}

// End 模拟源端结束
func (t *baseTrack) End() {
	t.endOnce.Do(func() {
		close(t.ended)
	})
}

// Stream 一组轨道
type Stream struct {
	mu     sync.RWMutex
	tracks []Track
}

// NewStream 创建媒体流
func NewStream(tracks ...Track) *Stream {
	return &Stream{tracks: tracks}
}

// AddTrack 添加轨道
func (s *Stream) AddTrack(t Track) {
	s.mu.Lock()
	s.tracks = append(s.tracks, t)
	s.mu.Unlock()
}

// Tracks 返回全部轨道
func (s *Stream) Tracks() []Track {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Track, len(s.tracks))
	copy(out, s.tracks)
	return out
}

// VideoTracks 返回视频轨道
func (s *Stream) VideoTracks() []VideoTrack {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []VideoTrack
	for _, t := range s.tracks {
		if v, ok := t.(VideoTrack); ok && t.Kind() == KindVideo {
			out = append(out, v)
		}
	}
	return out
}

// AudioTracks 返回音频轨道
func (s *Stream) AudioTracks() []AudioTrack {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []AudioTrack
	for _, t := range s.tracks {
		if a, ok := t.(AudioTrack); ok && t.Kind() == KindAudio {
			out = append(out, a)
		}
	}
	return out
}

// Stop 停止所有轨道
func (s *Stream) Stop() {
	for _, t := range s.Tracks() {
		t.Stop()
	}
}
