package admin

import (
	"errors"
	"sync"
	"time"

	"ScreenRelay/internal/media"
)

// ErrSinkClosed 音频输出已关闭
var ErrSinkClosed = errors.New("audio sink closed")

// AudioSink 每个学生连接一个音频输出
type AudioSink interface {
	Play(unit media.AudioUnit) error
	Close() error
}

// SinkFactory 为连接创建音频输出
type SinkFactory func(connID string) (AudioSink, error)

// MemorySink 只统计收到的音频，不播放
type MemorySink struct {
	mu       sync.Mutex
	units    int
	samples  int
	duration time.Duration
	last     media.AudioUnit
	closed   bool
}

// NewMemorySink 创建 MemorySink
func NewMemorySink(string) (AudioSink, error) {
	return &MemorySink{}, nil
}

// Play 实现 AudioSink
func (s *MemorySink) Play(unit media.AudioUnit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSinkClosed
	}
	s.units++
	s.samples += len(unit.Samples)
	s.duration += unit.Duration
	s.last = unit
	return nil
}

// Close 实现 AudioSink
func (s *MemorySink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Units 已播放的音频段数
func (s *MemorySink) Units() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.units
}

// Duration 已播放的总时长
func (s *MemorySink) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.duration
}

// Last 最近一段音频
func (s *MemorySink) Last() media.AudioUnit {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Closed 是否已关闭
func (s *MemorySink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
