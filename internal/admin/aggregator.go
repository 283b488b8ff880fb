// Package admin 管理端：汇总所有学生的最新画面和音频
package admin

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"ScreenRelay/internal/media"
	"ScreenRelay/internal/protocol"
	"ScreenRelay/internal/relay"
)

// Identity 管理端身份
type Identity struct {
	UserID string
	Name   string
}

// Config 管理端配置
type Config struct {
	// MaxParticipants 画面和音频输出的上限，0 表示不限制
	MaxParticipants int
	// IdleTimeout 超过该时间没有更新的画面被清除，0 表示不清除
	IdleTimeout   time.Duration
	SweepInterval time.Duration
	// DiscardStale 丢弃序列号不大于已有值的更新
	DiscardStale bool
	Sinks        SinkFactory
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		MaxParticipants: 200,
		IdleTimeout:     2 * time.Minute,
		SweepInterval:   10 * time.Second,
		DiscardStale:    true,
		Sinks:           NewMemorySink,
	}
}

// Entry 一个学生连接的最新画面，整体替换，不原地修改
type Entry struct {
	ConnectionID string
	StudentID    string
	StudentName  string
	ScreenData   string
	HasAudio     bool
	LastUpdate   time.Time
	Seq          uint64
	AudioSeq     uint64
}

// ChangeKind 变化类型
type ChangeKind int

const (
	ChangeRoster ChangeKind = iota
	ChangeScreen
	ChangeAudio
	ChangeRemoved
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeRoster:
		return "roster"
	case ChangeScreen:
		return "screen"
	case ChangeAudio:
		return "audio"
	case ChangeRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Change 通知给渲染层的变化，ChangeRoster 时 ConnectionID 为空
type Change struct {
	Kind         ChangeKind
	ConnectionID string
}

// Stats 管理端统计
type Stats struct {
	Screens      uint64
	AudioChunks  uint64
	Stale        uint64
	OverCapacity uint64
	DecodeErrors uint64
	Evicted      uint64
}

type changeEntry struct {
	id int
	fn func(Change)
}

// Aggregator 管理端，订阅中继事件并维护学生列表和画面视图
// 事件处理都在通道的读协程中串行执行，读接口可以从任意协程调用
type Aggregator struct {
	identity Identity
	channel  *relay.Channel
	config   Config
	now      func() time.Time

	mu       sync.RWMutex
	roster   protocol.ParticipantList
	view     map[string]Entry
	sinks    map[string]AudioSink
	handlers []changeEntry
	nextID   int
	mounted  bool
	unsubs   []func()
	stop     chan struct{}
	sweepWg  sync.WaitGroup

	screens      atomic.Uint64
	audioChunks  atomic.Uint64
	stale        atomic.Uint64
	overCapacity atomic.Uint64
	decodeErrors atomic.Uint64
	evicted      atomic.Uint64
}

// New 创建管理端
func New(identity Identity, channel *relay.Channel, config *Config) *Aggregator {
	if config == nil {
		config = DefaultConfig()
	}
	cfg := *config
	if cfg.Sinks == nil {
		cfg.Sinks = NewMemorySink
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 10 * time.Second
	}
	return &Aggregator{
		identity: identity,
		channel:  channel,
		config:   cfg,
		now:      time.Now,
		view:     make(map[string]Entry),
		sinks:    make(map[string]AudioSink),
	}
}

// Mount 订阅事件并连接中继；每次进入已连接状态都以管理端身份重新注册
func (a *Aggregator) Mount(ctx context.Context) error {
	a.mu.Lock()
	if !a.mounted {
		a.mounted = true
		a.unsubs = append(a.unsubs,
			a.channel.OnStateChange(func(_, newState relay.State) {
				if newState == relay.StateConnected {
					a.register()
				}
			}),
			a.channel.On(protocol.EventStudentsList, a.HandleStudentsList),
			a.channel.On(protocol.EventStudentJoined, a.HandleStudentJoined),
			a.channel.On(protocol.EventStudentLeft, a.HandleStudentLeft),
			a.channel.On(protocol.EventStudentScreen, a.HandleStudentScreen),
			a.channel.On(protocol.EventStudentAudio, a.HandleStudentAudio),
			a.channel.On(protocol.EventError, a.handleServerError),
		)
		if a.config.IdleTimeout > 0 {
			a.stop = make(chan struct{})
			a.sweepWg.Add(1)
			go a.sweepLoop(a.stop)
		}
	}
	a.mu.Unlock()

	if a.channel.IsConnected() {
		a.register()
		return nil
	}
	return a.channel.Connect(ctx, "")
}

func (a *Aggregator) register() {
	a.channel.Emit(protocol.EventRegister, protocol.RegisterPayload{
		UserID: a.identity.UserID,
		Role:   protocol.RoleAdmin,
		Name:   a.identity.Name,
	})
	log.Printf("Registered as admin %q", a.identity.Name)
}

func (a *Aggregator) handleServerError(v *structpb.Value) {
	p, err := protocol.ParseError(v)
	if err != nil {
		log.Printf("Malformed error event: %v", err)
		return
	}
	log.Printf("Relay error %s: %s", p.Code, p.Message)
}

// Unmount 取消订阅、关闭所有音频输出并断开连接
func (a *Aggregator) Unmount() {
	a.mu.Lock()
	unsubs := a.unsubs
	a.unsubs = nil
	a.mounted = false
	stop := a.stop
	a.stop = nil
	sinks := a.sinks
	a.sinks = make(map[string]AudioSink)
	a.mu.Unlock()

	for _, off := range unsubs {
		off()
	}
	if stop != nil {
		close(stop)
		a.sweepWg.Wait()
	}
	for connID, sink := range sinks {
		closeSink(connID, sink)
	}
	a.channel.Disconnect()
}

// HandleStudentsList 用完整列表替换学生名单，并清除不在名单中的画面
func (a *Aggregator) HandleStudentsList(v *structpb.Value) {
	list, err := protocol.ParseParticipantList(v)
	if err != nil {
		log.Printf("Skip students-list: %v", err)
		return
	}

	present := make(map[string]bool, len(list))
	roster := make(protocol.ParticipantList, 0, len(list))
	for _, p := range list {
		if p.Role == protocol.RoleAdmin {
			continue
		}
		present[p.ConnectionID] = true
		roster = append(roster, p)
	}

	a.mu.Lock()
	a.roster = roster
	var removed []string
	for connID := range a.view {
		if !present[connID] {
			delete(a.view, connID)
			removed = append(removed, connID)
		}
	}
	orphans := a.takeSinksLocked(func(connID string) bool { return !present[connID] })
	a.mu.Unlock()

	for connID, sink := range orphans {
		closeSink(connID, sink)
	}
	a.notify(Change{Kind: ChangeRoster})
	for _, connID := range removed {
		a.notify(Change{Kind: ChangeRemoved, ConnectionID: connID})
	}
}

// HandleStudentJoined 加入名单，同一连接已存在时替换
func (a *Aggregator) HandleStudentJoined(v *structpb.Value) {
	p, err := protocol.ParseParticipant(v)
	if err != nil {
		log.Printf("Skip student-joined: %v", err)
		return
	}

	a.mu.Lock()
	replaced := false
	for i := range a.roster {
		if a.roster[i].ConnectionID == p.ConnectionID {
			a.roster[i] = p
			replaced = true
			break
		}
	}
	if !replaced {
		a.roster = append(a.roster, p)
	}
	a.mu.Unlock()

	log.Printf("Student %q joined (%s)", p.Name, p.ConnectionID)
	a.notify(Change{Kind: ChangeRoster})
}

// HandleStudentLeft 移除名单、画面和音频输出
func (a *Aggregator) HandleStudentLeft(v *structpb.Value) {
	p, err := protocol.ParseStudentLeft(v)
	if err != nil {
		log.Printf("Skip student-left: %v", err)
		return
	}

	a.mu.Lock()
	for i := range a.roster {
		if a.roster[i].ConnectionID == p.ConnectionID {
			a.roster = append(a.roster[:i:i], a.roster[i+1:]...)
			break
		}
	}
	delete(a.view, p.ConnectionID)
	sink := a.sinks[p.ConnectionID]
	delete(a.sinks, p.ConnectionID)
	a.mu.Unlock()

	if sink != nil {
		closeSink(p.ConnectionID, sink)
	}
	log.Printf("Student left (%s)", p.ConnectionID)
	a.notify(Change{Kind: ChangeRoster})
	a.notify(Change{Kind: ChangeRemoved, ConnectionID: p.ConnectionID})
}

// HandleStudentScreen 用最新画面替换该连接的条目
func (a *Aggregator) HandleStudentScreen(v *structpb.Value) {
	p, err := protocol.ParseStudentScreen(v)
	if err != nil {
		a.decodeErrors.Add(1)
		log.Printf("Skip student-screen: %v", err)
		return
	}

	a.mu.Lock()
	prev, exists := a.view[p.ConnectionID]
	if !exists && a.full() {
		a.mu.Unlock()
		a.overCapacity.Add(1)
		log.Printf("Ignore screen from %s: %d participants already shown", p.ConnectionID, a.config.MaxParticipants)
		return
	}
	if exists && a.isStale(prev.Seq, p.Seq) {
		a.mu.Unlock()
		a.stale.Add(1)
		return
	}
	a.view[p.ConnectionID] = Entry{
		ConnectionID: p.ConnectionID,
		StudentID:    p.StudentID,
		StudentName:  p.StudentName,
		ScreenData:   p.Data,
		HasAudio:     prev.HasAudio,
		LastUpdate:   a.now(),
		Seq:          p.Seq,
		AudioSeq:     prev.AudioSeq,
	}
	a.mu.Unlock()

	a.screens.Add(1)
	a.notify(Change{Kind: ChangeScreen, ConnectionID: p.ConnectionID})
}

// HandleStudentAudio 解码WAV音频并交给该连接的音频输出，解码失败只记录日志
func (a *Aggregator) HandleStudentAudio(v *structpb.Value) {
	p, err := protocol.ParseStudentAudio(v)
	if err != nil {
		a.decodeErrors.Add(1)
		log.Printf("Skip student-audio: %v", err)
		return
	}

	unit, err := decodeAudio(p.Data)
	if err != nil {
		a.decodeErrors.Add(1)
		log.Printf("Skip audio from %s: %v", p.ConnectionID, err)
		return
	}

	a.mu.Lock()
	prev, exists := a.view[p.ConnectionID]
	if !exists && a.full() {
		a.mu.Unlock()
		a.overCapacity.Add(1)
		log.Printf("Ignore audio from %s: %d participants already shown", p.ConnectionID, a.config.MaxParticipants)
		return
	}
	if exists && a.isStale(prev.AudioSeq, p.Seq) {
		a.mu.Unlock()
		a.stale.Add(1)
		return
	}
	sink, err := a.sinkLocked(p.ConnectionID)
	if err != nil {
		a.mu.Unlock()
		log.Printf("Create audio sink for %s failed: %v", p.ConnectionID, err)
		return
	}
	next := prev
	if !exists {
		next = Entry{ConnectionID: p.ConnectionID}
	}
	next.StudentID = p.StudentID
	next.StudentName = p.StudentName
	next.HasAudio = true
	next.LastUpdate = a.now()
	next.AudioSeq = p.Seq
	a.view[p.ConnectionID] = next
	a.mu.Unlock()

	if err := sink.Play(unit); err != nil {
		log.Printf("Play audio from %s failed: %v", p.ConnectionID, err)
	}
	a.audioChunks.Add(1)
	a.notify(Change{Kind: ChangeAudio, ConnectionID: p.ConnectionID})
}

func decodeAudio(dataURL string) (media.AudioUnit, error) {
	mime, data, err := media.DecodeDataURL(dataURL)
	if err != nil {
		return media.AudioUnit{}, err
	}
	if mime != media.MimeWAV {
		return media.AudioUnit{}, fmt.Errorf("%w: %s", media.ErrUnsupportedAudio, mime)
	}
	return media.DecodeWAV(data)
}

// isStale seq 为 0 的更新总是生效
func (a *Aggregator) isStale(last, seq uint64) bool {
	return a.config.DiscardStale && seq != 0 && seq <= last
}

func (a *Aggregator) full() bool {
	return a.config.MaxParticipants > 0 && len(a.view) >= a.config.MaxParticipants
}

func (a *Aggregator) sinkLocked(connID string) (AudioSink, error) {
	if sink, ok := a.sinks[connID]; ok {
		return sink, nil
	}
	sink, err := a.config.Sinks(connID)
	if err != nil {
		return nil, err
	}
	a.sinks[connID] = sink
	return sink, nil
}

func (a *Aggregator) takeSinksLocked(match func(connID string) bool) map[string]AudioSink {
	out := make(map[string]AudioSink)
	for connID, sink := range a.sinks {
		if match(connID) {
			out[connID] = sink
			delete(a.sinks, connID)
		}
	}
	return out
}

func closeSink(connID string, sink AudioSink) {
	if err := sink.Close(); err != nil {
		log.Printf("Close audio sink for %s failed: %v", connID, err)
	}
}

func (a *Aggregator) sweepLoop(stop <-chan struct{}) {
	defer a.sweepWg.Done()

	ticker := time.NewTicker(a.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			a.Sweep()
		}
	}
}

// Sweep 清除超过 IdleTimeout 没有更新的画面和音频输出，名单不受影响
func (a *Aggregator) Sweep() int {
	if a.config.IdleTimeout <= 0 {
		return 0
	}
	deadline := a.now().Add(-a.config.IdleTimeout)

	a.mu.Lock()
	var idle []string
	for connID, e := range a.view {
		if e.LastUpdate.Before(deadline) {
			delete(a.view, connID)
			idle = append(idle, connID)
		}
	}
	isIdle := make(map[string]bool, len(idle))
	for _, connID := range idle {
		isIdle[connID] = true
	}
	sinks := a.takeSinksLocked(func(connID string) bool { return isIdle[connID] })
	a.mu.Unlock()

	for connID, sink := range sinks {
		closeSink(connID, sink)
	}
	for _, connID := range idle {
		log.Printf("Evicted idle screen %s", connID)
		a.notify(Change{Kind: ChangeRemoved, ConnectionID: connID})
	}
	a.evicted.Add(uint64(len(idle)))
	return len(idle)
}

// OnChange 注册变化通知，返回取消函数
// 回调在通道读协程中执行，空闲清理时在清理协程中执行，两者可能并发，回调需要自行同步且不应阻塞
func (a *Aggregator) OnChange(fn func(Change)) func() {
	a.mu.Lock()
	a.nextID++
	id := a.nextID
	a.handlers = append(a.handlers, changeEntry{id: id, fn: fn})
	a.mu.Unlock()

	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		for i, h := range a.handlers {
			if h.id == id {
				a.handlers = append(a.handlers[:i:i], a.handlers[i+1:]...)
				return
			}
		}
	}
}

func (a *Aggregator) notify(c Change) {
	a.mu.RLock()
	handlers := make([]changeEntry, len(a.handlers))
	copy(handlers, a.handlers)
	a.mu.RUnlock()

	for _, h := range handlers {
		h.fn(c)
	}
}

// Roster 当前学生名单的副本，按加入顺序
func (a *Aggregator) Roster() protocol.ParticipantList {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make(protocol.ParticipantList, len(a.roster))
	copy(out, a.roster)
	return out
}

// View 所有画面条目的副本
func (a *Aggregator) View() map[string]Entry {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make(map[string]Entry, len(a.view))
	for k, v := range a.view {
		out[k] = v
	}
	return out
}

// Entry 单个连接的画面条目
func (a *Aggregator) Entry(connID string) (Entry, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	e, ok := a.view[connID]
	return e, ok
}

// SinkCount 当前音频输出数量
func (a *Aggregator) SinkCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.sinks)
}

// Sink 返回连接的音频输出
func (a *Aggregator) Sink(connID string) (AudioSink, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	s, ok := a.sinks[connID]
	return s, ok
}

// Connection 中继连接状态
func (a *Aggregator) Connection() relay.State {
	return a.channel.State()
}

// GetStats 返回统计，DecodeErrors 包含通道层丢弃的坏帧
func (a *Aggregator) GetStats() Stats {
	return Stats{
		Screens:      a.screens.Load(),
		AudioChunks:  a.audioChunks.Load(),
		Stale:        a.stale.Load(),
		OverCapacity: a.overCapacity.Load(),
		DecodeErrors: a.decodeErrors.Load() + a.channel.BadFrames(),
		Evicted:      a.evicted.Load(),
	}
}
