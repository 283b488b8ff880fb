// Package student 学生端：把屏幕采集接到中继通道上
package student

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"ScreenRelay/internal/capture"
	"ScreenRelay/internal/protocol"
	"ScreenRelay/internal/relay"
)

var (
	ErrNotConnected   = errors.New("not connected to relay")
	ErrAlreadySharing = errors.New("already sharing")
)

// Identity 学生身份，注册时发送
type Identity struct {
	UserID string
	Name   string
}

// Config 学生端配置
type Config struct {
	CaptureInterval time.Duration
	// SettleDelay 采集开始后等待画面稳定再启动抽帧
	SettleDelay time.Duration
	Audio       capture.Options
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		CaptureInterval: time.Second,
		SettleDelay:     time.Second,
		Audio:           capture.DefaultOptions(),
	}
}

// Status 学生端状态快照
type Status struct {
	Connection   relay.State
	Sharing      bool
	HasAudio     bool
	AudioEnabled bool
	LastError    string
	FramesSent   uint64
	ChunksSent   uint64
}

// Agent 学生端，组合采集引擎和中继通道
type Agent struct {
	identity Identity
	channel  *relay.Channel
	engine   *capture.Engine

	mu         sync.Mutex
	config     Config
	mounted    bool
	sharing    bool
	generation uint64
	settle     *time.Timer
	ticker     *capture.FrameTicker
	lastErr    string
	unsubs     []func()

	framesSent atomic.Uint64
	chunksSent atomic.Uint64
}

// New 创建学生端，channel 和 engine 由调用方持有
func New(identity Identity, channel *relay.Channel, engine *capture.Engine, config *Config) *Agent {
	if config == nil {
		config = DefaultConfig()
	}
	return &Agent{
		identity: identity,
		channel:  channel,
		engine:   engine,
		config:   *config,
	}
}

// Mount 连接中继；每次进入已连接状态都重新注册
func (a *Agent) Mount(ctx context.Context) error {
	a.mu.Lock()
	if !a.mounted {
		a.mounted = true
		a.unsubs = append(a.unsubs,
			a.channel.OnStateChange(func(_, newState relay.State) {
				if newState == relay.StateConnected {
					a.register()
				}
			}),
			a.channel.On(protocol.EventError, a.handleServerError),
		)
	}
	a.mu.Unlock()

	if a.channel.IsConnected() {
		a.register()
		return nil
	}
	return a.channel.Connect(ctx, "")
}

func (a *Agent) register() {
	a.channel.Emit(protocol.EventRegister, protocol.RegisterPayload{
		UserID: a.identity.UserID,
		Role:   protocol.RoleStudent,
		Name:   a.identity.Name,
	})
	log.Printf("Registered as student %q", a.identity.Name)
}

func (a *Agent) handleServerError(v *structpb.Value) {
	p, err := protocol.ParseError(v)
	if err != nil {
		log.Printf("Malformed error event: %v", err)
		return
	}
	log.Printf("Relay error %s: %s", p.Code, p.Message)
}

// StartSharing 开始共享屏幕，只能在已连接时调用
// 失败原因同时记录在 Status().LastError 中，不会自动重试
func (a *Agent) StartSharing(ctx context.Context) error {
	if !a.channel.IsConnected() {
		return ErrNotConnected
	}

	a.mu.Lock()
	if a.sharing {
		a.mu.Unlock()
		return ErrAlreadySharing
	}
	a.sharing = true
	a.generation++
	gen := a.generation
	opts := a.config.Audio
	a.mu.Unlock()

	a.engine.SetAudioCallback(a.sendAudio)
	a.engine.SetEndedHandler(func() { a.handleEnded(gen) })

	if err := a.engine.StartCapture(ctx, opts); err != nil {
		a.mu.Lock()
		if a.generation == gen {
			a.sharing = false
			a.lastErr = userMessage(err)
		}
		a.mu.Unlock()
		log.Printf("Start sharing failed: %v", err)
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.generation != gen {
		// 获取期间已被停止
		return context.Canceled
	}
	a.lastErr = ""
	a.settle = time.AfterFunc(a.config.SettleDelay, func() { a.startFrames(gen) })
	log.Printf("Sharing started")
	return nil
}

// startFrames 稳定延迟结束后启动抽帧
func (a *Agent) startFrames(gen uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.generation != gen || !a.sharing {
		return
	}
	t, err := a.engine.StartFrameCapture(a.sendFrame, a.config.CaptureInterval)
	if err != nil {
		log.Printf("Start frame capture failed: %v", err)
		return
	}
	a.ticker = t
}

func (a *Agent) sendFrame(frame capture.FramePayload) {
	if a.channel.Emit(protocol.EventScreenData, frame.Data) {
		a.framesSent.Add(1)
	}
}

func (a *Agent) sendAudio(chunk capture.AudioChunk) {
	if a.channel.Emit(protocol.EventAudioData, chunk.Data) {
		a.chunksSent.Add(1)
	}
}

// StopSharing 停止抽帧和采集，可重复调用
func (a *Agent) StopSharing() {
	a.mu.Lock()
	wasSharing := a.sharing
	a.stopTimersLocked()
	a.mu.Unlock()

	a.engine.StopCapture()
	if wasSharing {
		log.Printf("Sharing stopped")
	}
}

// handleEnded 用户在系统层面停止了共享
func (a *Agent) handleEnded(gen uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.generation != gen {
		return
	}
	a.stopTimersLocked()
	log.Printf("Screen share ended by user")
}

func (a *Agent) stopTimersLocked() {
	a.sharing = false
	a.generation++
	if a.settle != nil {
		a.settle.Stop()
		a.settle = nil
	}
	if a.ticker != nil {
		a.ticker.Cancel()
		a.ticker = nil
	}
}

// Unmount 停止共享、取消订阅并断开连接
func (a *Agent) Unmount() {
	a.StopSharing()

	a.mu.Lock()
	unsubs := a.unsubs
	a.unsubs = nil
	a.mounted = false
	a.mu.Unlock()

	for _, off := range unsubs {
		off()
	}
	a.channel.Disconnect()
}

// ToggleAudio 切换音频轨道，返回是否存在音频
func (a *Agent) ToggleAudio() bool {
	return a.engine.ToggleAudio()
}

// SetAudioOptions 设置下次共享使用的音频选项
func (a *Agent) SetAudioOptions(opts capture.Options) {
	a.mu.Lock()
	a.config.Audio = opts
	a.mu.Unlock()
}

// SetCaptureInterval 设置抽帧间隔，下次共享生效
func (a *Agent) SetCaptureInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	a.mu.Lock()
	a.config.CaptureInterval = d
	a.mu.Unlock()
}

// Status 返回状态快照
func (a *Agent) Status() Status {
	a.mu.Lock()
	sharing := a.sharing
	lastErr := a.lastErr
	a.mu.Unlock()

	return Status{
		Connection:   a.channel.State(),
		Sharing:      sharing,
		HasAudio:     a.engine.HasAudio(),
		AudioEnabled: a.engine.AudioLevel() > 0,
		LastError:    lastErr,
		FramesSent:   a.framesSent.Load(),
		ChunksSent:   a.chunksSent.Load(),
	}
}

// userMessage 返回可以直接展示给用户的失败原因
func userMessage(err error) string {
	var ce *capture.Error
	if errors.As(err, &ce) {
		return ce.Reason
	}
	return err.Error()
}
