package capture

import (
	"log"
	"math"
	"sync"
	"time"

	"ScreenRelay/internal/media"
)

// session 一次采集的全部资源
// 回调在 cbMu 读锁下触发，close 取写锁并置 closed，之后不再有回调
type session struct {
	stream     *media.Stream
	video      media.VideoTrack
	sampleRate int

	cbMu    sync.RWMutex
	closed  bool
	onAudio func(AudioChunk)

	recMu     sync.Mutex
	recording bool
	recStop   chan struct{}
	recDone   chan struct{}

	done      chan struct{}
	closeOnce sync.Once
}

func newSession(stream *media.Stream, video media.VideoTrack, sampleRate int) *session {
	return &session{
		stream:     stream,
		video:      video,
		sampleRate: sampleRate,
		done:       make(chan struct{}),
	}
}

// fire 在会话存活时执行回调
func (s *session) fire(fn func()) bool {
	s.cbMu.RLock()
	defer s.cbMu.RUnlock()
	if s.closed {
		return false
	}
	fn()
	return true
}

func (s *session) setAudioCallback(fn func(AudioChunk)) {
	s.cbMu.Lock()
	s.onAudio = fn
	s.cbMu.Unlock()
}

func (s *session) hasAudio() bool {
	return len(s.stream.AudioTracks()) > 0
}

// close 停止录音、释放轨道，等待进行中的回调结束
func (s *session) close() {
	s.closeOnce.Do(func() {
		s.cbMu.Lock()
		s.closed = true
		s.onAudio = nil
		s.cbMu.Unlock()

		close(s.done)
		s.stopRecorder()
		s.stream.Stop()
	})
}

func (s *session) isRecording() bool {
	s.recMu.Lock()
	defer s.recMu.Unlock()
	return s.recording
}

func (s *session) startRecorder(interval time.Duration) error {
	s.recMu.Lock()
	defer s.recMu.Unlock()

	if s.recording {
		return nil
	}
	select {
	case <-s.done:
		return ErrNotCapturing
	default:
	}

	tracks := s.stream.AudioTracks()
	if len(tracks) == 0 {
		return ErrNoAudioTracks
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}

	channels := 1
	for _, t := range tracks {
		if t.Channels() > 1 {
			channels = 2
		}
	}

	s.recording = true
	s.recStop = make(chan struct{})
	s.recDone = make(chan struct{})
	rec := &recorder{
		tracks:     tracks,
		sampleRate: s.sampleRate,
		channels:   channels,
	}

	// 丢弃开始录音前积压的样本
	for _, t := range tracks {
		t.Drain()
	}

	go s.recordLoop(rec, interval, s.recStop, s.recDone)
	log.Printf("Audio recording started: %d track(s), %d Hz, %d ch", len(tracks), s.sampleRate, channels)
	return nil
}

func (s *session) stopRecorder() {
	s.recMu.Lock()
	if !s.recording {
		s.recMu.Unlock()
		return
	}
	s.recording = false
	stop, done := s.recStop, s.recDone
	s.recMu.Unlock()

	close(stop)
	<-done
}

func (s *session) recordLoop(rec *recorder, interval time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			// 停止时输出最后一段
			s.emitChunk(rec)
			return
		case <-s.done:
			return
		case <-ticker.C:
			s.emitChunk(rec)
		}
	}
}

func (s *session) emitChunk(rec *recorder) {
	chunk, ok := rec.next()
	if !ok {
		return
	}
	s.fire(func() {
		if s.onAudio != nil {
			s.onAudio(chunk)
		}
	})
}

// recorder 把多条音频轨道混成一路并编码为WAV
type recorder struct {
	tracks     []media.AudioTrack
	sampleRate int
	channels   int
}

func (r *recorder) next() (AudioChunk, bool) {
	var mixed []int32
	for _, t := range r.tracks {
		raw := t.Drain()
		if len(raw) == 0 {
			continue
		}
		pcm := convert(raw, t.Channels(), t.SampleRate(), r.channels, r.sampleRate)
		if len(pcm) > len(mixed) {
			mixed = append(mixed, make([]int32, len(pcm)-len(mixed))...)
		}
		// 被禁用的轨道贡献静音
		if !t.Enabled() {
			continue
		}
		for i, v := range pcm {
			mixed[i] += int32(v)
		}
	}

	frames := len(mixed) / r.channels
	if frames == 0 {
		return AudioChunk{}, false
	}

	out := make([]int16, frames*r.channels)
	for i := range out {
		out[i] = clamp16(mixed[i])
	}

	wav, err := media.EncodeWAV(out, r.sampleRate, r.channels)
	if err != nil {
		log.Printf("Encode audio chunk failed: %v", err)
		return AudioChunk{}, false
	}

	return AudioChunk{
		Data:       media.EncodeDataURL(media.MimeWAV, wav),
		CapturedAt: time.Now(),
		Duration:   time.Duration(frames) * time.Second / time.Duration(r.sampleRate),
		SampleRate: r.sampleRate,
		Channels:   r.channels,
	}, true
}

// convert 转换声道数并按最近邻重采样
func convert(in []int16, inCh, inRate, outCh, outRate int) []int16 {
	if inCh <= 0 {
		inCh = 1
	}
	if inRate <= 0 {
		inRate = outRate
	}

	frames := len(in) / inCh
	outFrames := frames
	if inRate != outRate {
		outFrames = int(int64(frames) * int64(outRate) / int64(inRate))
	}

	out := make([]int16, outFrames*outCh)
	for i := 0; i < outFrames; i++ {
		src := i
		if inRate != outRate {
			src = int(int64(i) * int64(inRate) / int64(outRate))
		}
		if src >= frames {
			src = frames - 1
		}
		frame := in[src*inCh : src*inCh+inCh]

		switch {
		case inCh == outCh:
			copy(out[i*outCh:], frame)
		case outCh == 1:
			var sum int32
			for _, v := range frame {
				sum += int32(v)
			}
			out[i] = int16(sum / int32(inCh))
		default:
			for ch := 0; ch < outCh; ch++ {
				out[i*outCh+ch] = frame[min(ch, inCh-1)]
			}
		}
	}
	return out
}

func clamp16(v int32) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}
