package media

import (
	"context"
	"image"
	"image/color"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// SyntheticDevices 生成测试图案与正弦音的虚拟设备，用于演示模式和测试
type SyntheticDevices struct {
	Width  int
	Height int
	// ReadyAfter 画面在获取后多久出现
	ReadyAfter time.Duration
	// NeverReady 画面永远不出现（用于就绪超时）
	NeverReady bool
	// DisplayErr / MicErr 非nil时对应的获取调用直接失败
	DisplayErr error
	MicErr     error
	// NoAudio 屏幕共享不提供系统声音
	NoAudio bool
	ToneHz  float64
	// Microphone 非nil时代替合成麦克风，用于接入真实输入设备
	Microphone func(ctx context.Context, c AudioConstraints) (*Stream, error)

	mu      sync.Mutex
	display []*Stream
	calls   atomic.Int32
}

// NewSyntheticDevices 创建默认虚拟设备
func NewSyntheticDevices() *SyntheticDevices {
	return &SyntheticDevices{Width: 320, Height: 180, ToneHz: 440}
}

// DisplayCalls 返回 GetDisplayMedia 的调用次数
func (d *SyntheticDevices) DisplayCalls() int {
	return int(d.calls.Load())
}

// GetDisplayMedia 实现 Devices
func (d *SyntheticDevices) GetDisplayMedia(ctx context.Context, c DisplayConstraints) (*Stream, error) {
	d.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.DisplayErr != nil {
		return nil, d.DisplayErr
	}

	width, height := d.Width, d.Height
	if c.Video.MaxWidth > 0 && width > c.Video.MaxWidth {
		width = c.Video.MaxWidth
	}
	if c.Video.MaxHeight > 0 && height > c.Video.MaxHeight {
		height = c.Video.MaxHeight
	}

	video := &patternTrack{
		baseTrack: newBaseTrack(KindVideo, "synthetic screen", nil),
		width:     width,
		height:    height,
		frameRate: c.Video.IdealFrameRate,
		readyAt:   time.Now().Add(d.ReadyAfter),
		never:     d.NeverReady,
	}
	stream := NewStream(video)

	if c.Audio != nil && !d.NoAudio {
		stream.AddTrack(newToneTrack("synthetic system audio", d.ToneHz, c.Audio))
	}

	d.mu.Lock()
	d.display = append(d.display, stream)
	d.mu.Unlock()
	return stream, nil
}

// GetUserMedia 实现 Devices
func (d *SyntheticDevices) GetUserMedia(ctx context.Context, c AudioConstraints) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.MicErr != nil {
		return nil, d.MicErr
	}
	if d.Microphone != nil {
		return d.Microphone(ctx, c)
	}
	return NewStream(newToneTrack("synthetic microphone", d.ToneHz*1.5, &c)), nil
}

// End 结束所有已发出的屏幕共享轨道，模拟用户停止共享
func (d *SyntheticDevices) End() {
	d.mu.Lock()
	streams := d.display
	d.display = nil
	d.mu.Unlock()

	for _, s := range streams {
		for _, t := range s.Tracks() {
			if e, ok := t.(interface{ End() }); ok {
				e.End()
			}
		}
	}
}

// patternTrack 每次抓取都渲染一帧移动色条
type patternTrack struct {
	*baseTrack

	width     int
	height    int
	frameRate int
	readyAt   time.Time
	never     bool
	frame     atomic.Uint32
}

func (t *patternTrack) Snapshot() image.Image {
	if t.Stopped() || t.never || time.Now().Before(t.readyAt) {
		return nil
	}

	n := int(t.frame.Add(1))
	img := image.NewRGBA(image.Rect(0, 0, t.width, t.height))
	bar := (n * 8) % max(t.width, 1)
	for y := 0; y < t.height; y++ {
		for x := 0; x < t.width; x++ {
			c := color.RGBA{R: uint8(x * 255 / max(t.width, 1)), G: uint8(y * 255 / max(t.height, 1)), B: 96, A: 255}
			if x >= bar && x < bar+8 {
				c = color.RGBA{R: 255, G: 255, B: 255, A: 255}
			}
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func (t *patternTrack) Settings() TrackSettings {
	s := TrackSettings{FrameRate: t.frameRate}
	if !t.never && !time.Now().Before(t.readyAt) {
		s.Width, s.Height = t.width, t.height
	}
	return s
}

// toneTrack 按经过的时间生成正弦波样本
type toneTrack struct {
	*baseTrack

	hz         float64
	sampleRate int
	channels   int

	mu    sync.Mutex
	last  time.Time
	phase float64
}

func newToneTrack(label string, hz float64, c *AudioConstraints) *toneTrack {
	rate := c.SampleRate
	if rate <= 0 {
		rate = 48000
	}
	channels := c.ChannelCount
	if channels <= 0 {
		channels = 1
	}
	if hz <= 0 {
		hz = 440
	}
	return &toneTrack{
		baseTrack:  newBaseTrack(KindAudio, label, nil),
		hz:         hz,
		sampleRate: rate,
		channels:   channels,
		last:       time.Now(),
	}
}

func (t *toneTrack) SampleRate() int { return t.sampleRate }
func (t *toneTrack) Channels() int { return t.channels }

func (t *toneTrack) Settings() TrackSettings {
	return TrackSettings{SampleRate: t.sampleRate, ChannelCount: t.channels, DeviceID: "synthetic"}
}

func (t *toneTrack) Drain() []int16 {
	if t.Stopped() {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(t.last)
	t.last = now
	if elapsed > time.Second {
		elapsed = time.Second
	}

	frames := int(elapsed.Seconds() * float64(t.sampleRate))
	out := make([]int16, frames*t.channels)
	step := 2 * math.Pi * t.hz / float64(t.sampleRate)
	for i := 0; i < frames; i++ {
		v := int16(math.Sin(t.phase) * 8000)
		t.phase += step
		for ch := 0; ch < t.channels; ch++ {
			out[i*t.channels+ch] = v
		}
	}
	t.phase = math.Mod(t.phase, 2*math.Pi)
	return out
}
