package capture

import (
	"bytes"
	"context"
	"image"
	"image/jpeg"
	"log"
	"sync"
	"time"

	"ScreenRelay/internal/media"
)

// FrameHandler 画面回调
type FrameHandler func(frame FramePayload)

// Engine 屏幕采集引擎，负责获取媒体流、定时抽帧和音频分片
// 同一时刻最多持有一个采集会话
//
// 回调在内部goroutine中执行，回调内不能调用 StopCapture / StopAudioRecording
type Engine struct {
	devices media.Devices
	config  *Config

	mu            sync.Mutex
	state         State
	session       *session
	acquireCancel context.CancelFunc
	epoch         uint64
	onAudio       func(AudioChunk)
	onEnded       func()
}

// New 创建采集引擎
func New(devices media.Devices, config *Config) *Engine {
	if config == nil {
		config = DefaultConfig()
	}
	return &Engine{
		devices: devices,
		config:  config,
		state:   StateIdle,
	}
}

// State 返回当前状态
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// IsSupported 当前环境是否能采集屏幕
func (e *Engine) IsSupported() bool {
	return e.devices != nil
}

// SetAudioCallback 设置音频分片回调
func (e *Engine) SetAudioCallback(fn func(AudioChunk)) {
	e.mu.Lock()
	e.onAudio = fn
	sess := e.session
	e.mu.Unlock()

	if sess != nil {
		sess.setAudioCallback(fn)
	}
}

// SetEndedHandler 设置源端结束（用户停止共享）时的通知
func (e *Engine) SetEndedHandler(fn func()) {
	e.mu.Lock()
	e.onEnded = fn
	e.mu.Unlock()
}

// StartCapture 获取屏幕流并等待画面就绪
// 允许从 Idle 或 Stopped 开始；失败回到 Idle
func (e *Engine) StartCapture(ctx context.Context, opts Options) error {
	if e.devices == nil {
		return &Error{Kind: KindUnsupported, Reason: reasonUnsupported}
	}

	e.mu.Lock()
	if e.state == StateAcquiring || e.state == StateCapturing {
		e.mu.Unlock()
		return ErrAlreadyCapturing
	}
	actx, cancel := context.WithCancel(ctx)
	e.epoch++
	epoch := e.epoch
	e.acquireCancel = cancel
	e.state = StateAcquiring
	e.mu.Unlock()

	defer cancel()

	log.Printf("Starting capture: system_audio=%v microphone=%v quality=%s",
		opts.CaptureSystemAudio, opts.CaptureMicrophone, opts.AudioQuality)

	sess, err := e.acquire(actx, opts)

	e.mu.Lock()
	if e.epoch != epoch || e.state != StateAcquiring {
		// 获取过程中被 StopCapture 取消
		e.mu.Unlock()
		if sess != nil {
			sess.close()
		}
		return &Error{Kind: KindDeviceError, Reason: reasonStopped, Err: context.Canceled}
	}
	e.acquireCancel = nil
	if err != nil {
		e.state = StateIdle
		e.mu.Unlock()
		log.Printf("Capture failed: %v", err)
		return err
	}
	e.session = sess
	e.state = StateCapturing
	if e.onAudio != nil {
		sess.setAudioCallback(e.onAudio)
	}
	e.mu.Unlock()

	go e.watchEnded(sess)

	if sess.hasAudio() {
		if err := e.StartAudioRecording(); err != nil {
			log.Printf("Start audio recording failed: %v", err)
		}
	}

	// 就绪后先试抓一帧，失败只记录
	if _, ok := e.CaptureFrame(); !ok {
		log.Printf("Test frame capture failed, continuing")
	}

	log.Printf("Capture started")
	return nil
}

func (e *Engine) acquire(ctx context.Context, opts Options) (*session, error) {
	rate := opts.AudioQuality.SampleRate()

	constraints := media.DisplayConstraints{Video: e.config.Video}
	if opts.CaptureSystemAudio {
		constraints.Audio = &media.AudioConstraints{
			EchoCancellation: false,
			NoiseSuppression: false,
			SampleRate:       rate,
			ChannelCount:     2,
		}
	}

	stream, err := e.devices.GetDisplayMedia(ctx, constraints)
	if err != nil {
		return nil, classify(err)
	}

	videos := stream.VideoTracks()
	if len(videos) == 0 {
		stream.Stop()
		return nil, &Error{Kind: KindUnsupported, Reason: "Screen source provided no video track."}
	}

	if opts.CaptureMicrophone {
		mic, err := e.devices.GetUserMedia(ctx, media.AudioConstraints{
			EchoCancellation: true,
			NoiseSuppression: true,
			SampleRate:       rate,
			ChannelCount:     1,
		})
		if err != nil {
			log.Printf("Microphone unavailable, continuing with screen audio only: %v", err)
		} else {
			for _, t := range mic.AudioTracks() {
				stream.AddTrack(t)
			}
		}
	}

	if err := e.waitReady(ctx, videos[0]); err != nil {
		stream.Stop()
		return nil, err
	}

	return newSession(stream, videos[0], rate), nil
}

// waitReady 等待画面出现非零尺寸
func (e *Engine) waitReady(ctx context.Context, video media.VideoTrack) error {
	if ready(video) {
		return nil
	}

	timeout := time.NewTimer(e.config.ReadyTimeout)
	defer timeout.Stop()
	poll := time.NewTicker(e.config.ReadyPollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return classify(ctx.Err())
		case <-video.Ended():
			return &Error{Kind: KindDeviceError, Reason: reasonStopped}
		case <-timeout.C:
			return &Error{Kind: KindTimeout, Reason: reasonTimeout}
		case <-poll.C:
			if ready(video) {
				return nil
			}
		}
	}
}

func ready(video media.VideoTrack) bool {
	img := video.Snapshot()
	return img != nil && img.Bounds().Dx() > 0 && img.Bounds().Dy() > 0
}

// watchEnded 源端结束时走与 StopCapture 相同的拆除流程
func (e *Engine) watchEnded(sess *session) {
	select {
	case <-sess.done:
		return
	case <-sess.video.Ended():
	}

	e.mu.Lock()
	if e.session != sess {
		e.mu.Unlock()
		return
	}
	e.session = nil
	e.state = StateStopped
	e.onAudio = nil
	handler := e.onEnded
	e.mu.Unlock()

	sess.close()
	log.Printf("Screen track ended, capture stopped")

	if handler != nil {
		handler()
	}
}

// CaptureFrame 抓取当前画面，未在采集或画面未就绪时返回 false
func (e *Engine) CaptureFrame() (*FramePayload, bool) {
	e.mu.Lock()
	sess := e.session
	capturing := e.state == StateCapturing
	e.mu.Unlock()

	if sess == nil || !capturing {
		return nil, false
	}
	return e.captureFrom(sess)
}

func (e *Engine) captureFrom(sess *session) (*FramePayload, bool) {
	img := sess.video.Snapshot()
	if img == nil {
		return nil, false
	}
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	if w == 0 || h == 0 {
		return nil, false
	}

	data, err := encodeJPEG(img, e.config.JPEGQuality)
	if err != nil {
		log.Printf("Encode frame failed: %v", err)
		return nil, false
	}

	return &FramePayload{
		Data:       media.EncodeDataURL(media.MimeJPEG, data),
		CapturedAt: time.Now(),
		Width:      w,
		Height:     h,
	}, true
}

func encodeJPEG(img image.Image, quality int) ([]byte, error) {
	if quality <= 0 || quality > 100 {
		quality = jpeg.DefaultQuality
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// FrameTicker 定时抽帧句柄
type FrameTicker struct {
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// Cancel 停止后续抽帧，进行中的一次允许完成
func (t *FrameTicker) Cancel() {
	t.once.Do(func() { close(t.stop) })
}

// Done 抽帧goroutine退出时关闭
func (t *FrameTicker) Done() <-chan struct{} {
	return t.done
}

// StartFrameCapture 按固定间隔抽帧，单个goroutine保证不会重入
func (e *Engine) StartFrameCapture(onFrame FrameHandler, interval time.Duration) (*FrameTicker, error) {
	e.mu.Lock()
	sess := e.session
	e.mu.Unlock()

	if sess == nil {
		return nil, ErrNotCapturing
	}
	if interval <= 0 {
		interval = time.Second
	}

	t := &FrameTicker{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}

	go func() {
		defer close(t.done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-t.stop:
				return
			case <-sess.done:
				return
			case <-ticker.C:
				frame, ok := e.captureFrom(sess)
				if !ok {
					continue
				}
				if !sess.fire(func() { onFrame(*frame) }) {
					return
				}
			}
		}
	}()

	return t, nil
}

// StartAudioRecording 开始按固定时长输出音频分片，重复调用无副作用
func (e *Engine) StartAudioRecording() error {
	e.mu.Lock()
	sess := e.session
	e.mu.Unlock()

	if sess == nil {
		return ErrNotCapturing
	}
	return sess.startRecorder(e.config.AudioChunkInterval)
}

// StopAudioRecording 停止音频分片，采集继续
func (e *Engine) StopAudioRecording() {
	e.mu.Lock()
	sess := e.session
	e.mu.Unlock()

	if sess != nil {
		sess.stopRecorder()
	}
}

// IsRecordingAudio 是否正在输出音频分片
func (e *Engine) IsRecordingAudio() bool {
	e.mu.Lock()
	sess := e.session
	e.mu.Unlock()
	return sess != nil && sess.isRecording()
}

// StopCapture 停止采集并释放全部资源，任何状态下都可以调用
func (e *Engine) StopCapture() {
	e.mu.Lock()
	sess := e.session
	e.session = nil
	if e.acquireCancel != nil {
		e.acquireCancel()
		e.acquireCancel = nil
	}
	wasActive := e.state == StateAcquiring || e.state == StateCapturing
	e.state = StateStopped
	e.onAudio = nil
	e.mu.Unlock()

	if sess != nil {
		sess.close()
	}
	if wasActive {
		log.Printf("Capture stopped")
	}
}

// ToggleAudio 翻转所有音频轨道的启用状态，返回是否存在音频轨道
func (e *Engine) ToggleAudio() bool {
	tracks := e.audioTracks()
	for _, t := range tracks {
		t.SetEnabled(!t.Enabled())
	}
	return len(tracks) > 0
}

// SetAudioEnabled 设置所有音频轨道的启用状态，返回是否存在音频轨道
func (e *Engine) SetAudioEnabled(enabled bool) bool {
	tracks := e.audioTracks()
	for _, t := range tracks {
		t.SetEnabled(enabled)
	}
	return len(tracks) > 0
}

// HasAudio 当前会话是否包含音频轨道
func (e *Engine) HasAudio() bool {
	return len(e.audioTracks()) > 0
}

// AudioInfo 返回音频轨道信息
func (e *Engine) AudioInfo() []AudioTrackInfo {
	tracks := e.audioTracks()
	infos := make([]AudioTrackInfo, 0, len(tracks))
	for _, t := range tracks {
		infos = append(infos, AudioTrackInfo{
			ID:       t.ID(),
			Label:    t.Label(),
			Kind:     t.Kind(),
			Enabled:  t.Enabled(),
			Settings: t.Settings(),
		})
	}
	return infos
}

// AudioLevel 有启用的音频轨道时为1，否则为0
func (e *Engine) AudioLevel() float64 {
	for _, t := range e.audioTracks() {
		if t.Enabled() {
			return 1
		}
	}
	return 0
}

func (e *Engine) audioTracks() []media.AudioTrack {
	e.mu.Lock()
	sess := e.session
	e.mu.Unlock()

	if sess == nil {
		return nil
	}
	return sess.stream.AudioTracks()
}
