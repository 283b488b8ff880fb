// Package device 通过 PortAudio 访问本机音频硬件
package device

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/gordonklaus/portaudio"

	"ScreenRelay/internal/media"
)

const framesPerBuffer = 1024

// OpenMicrophone 打开默认输入设备，返回只含一条音频轨道的流
// 停止轨道时关闭设备
func OpenMicrophone(ctx context.Context, c media.AudioConstraints) (*media.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rate := c.SampleRate
	if rate <= 0 {
		rate = 48000
	}
	channels := c.ChannelCount
	if channels <= 0 || channels > 2 {
		channels = 1
	}

	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("%w: initialize portaudio: %v", media.ErrNotReadable, err)
	}

	input, err := portaudio.DefaultInputDevice()
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("%w: %v", media.ErrNotFound, err)
	}

	var stream *portaudio.Stream
	track := media.NewBufferedAudioTrack(input.Name, rate, channels, func() {
		if stream != nil {
			if err := stream.Stop(); err != nil {
				log.Printf("Failed to stop microphone stream: %v", err)
			}
			stream.Close()
		}
		portaudio.Terminate()
	})
	track.SetDeviceID(input.Name)

	stream, err = portaudio.OpenDefaultStream(channels, 0, float64(rate), framesPerBuffer, func(in []int16) {
		// portaudio 复用缓冲区，Push 会复制数据
		track.Push(in)
	})
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("%w: open input stream: %v", media.ErrNotReadable, err)
	}

	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, fmt.Errorf("%w: start input stream: %v", media.ErrNotReadable, err)
	}

	log.Printf("Microphone opened: %s (%d Hz, %d ch)", input.Name, rate, channels)
	return media.NewStream(track), nil
}

// Speaker 在默认输出设备上顺序播放音频单元
type Speaker struct {
	mu       sync.Mutex
	stream   *portaudio.Stream
	buf      []int16
	rate     int
	channels int
	closed   bool
}

// NewSpeaker 创建扬声器，设备在第一次播放时打开
func NewSpeaker() (*Speaker, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize portaudio failed: %w", err)
	}
	return &Speaker{}, nil
}

// Play 阻塞播放一段音频
func (s *Speaker) Play(unit media.AudioUnit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("speaker closed")
	}
	if unit.Channels <= 0 || unit.SampleRate <= 0 {
		return media.ErrUnsupportedAudio
	}

	if s.stream == nil || s.rate != unit.SampleRate || s.channels != unit.Channels {
		if err := s.reopen(unit.SampleRate, unit.Channels); err != nil {
			return err
		}
	}

	for offset := 0; offset < len(unit.Samples); offset += len(s.buf) {
		n := copy(s.buf, unit.Samples[offset:])
		for i := n; i < len(s.buf); i++ {
			s.buf[i] = 0
		}
		if err := s.stream.Write(); err != nil {
			return fmt.Errorf("write output stream failed: %w", err)
		}
	}
	return nil
}

func (s *Speaker) reopen(rate, channels int) error {
	s.closeStream()

	s.buf = make([]int16, framesPerBuffer*channels)
	stream, err := portaudio.OpenDefaultStream(0, channels, float64(rate), framesPerBuffer, &s.buf)
	if err != nil {
		return fmt.Errorf("open output stream failed: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return fmt.Errorf("start output stream failed: %w", err)
	}

	s.stream = stream
	s.rate = rate
	s.channels = channels
	return nil
}

func (s *Speaker) closeStream() {
	if s.stream == nil {
		return
	}
	if err := s.stream.Stop(); err != nil {
		log.Printf("Failed to stop output stream: %v", err)
	}
	s.stream.Close()
	s.stream = nil
}

// Close 关闭设备
func (s *Speaker) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.closeStream()
	return portaudio.Terminate()
}
