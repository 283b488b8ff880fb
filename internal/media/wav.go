package media

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/youpy/go-wav"
)

// ErrUnsupportedAudio 音频格式不支持
var ErrUnsupportedAudio = errors.New("media: unsupported audio format")

const bitsPerSample = 16

// AudioUnit 一段可播放的PCM音频
type AudioUnit struct {
	SampleRate int
	Channels   int
	Samples    []int16 // 交错存放
	Duration   time.Duration
}

// EncodeWAV 将16位交错PCM编码为完整的WAV文件
func EncodeWAV(samples []int16, sampleRate, channels int) ([]byte, error) {
	if sampleRate <= 0 || channels <= 0 || channels > 2 {
		return nil, fmt.Errorf("%w: rate=%d channels=%d", ErrUnsupportedAudio, sampleRate, channels)
	}

	frames := len(samples) / channels
	var buf bytes.Buffer
	writer := wav.NewWriter(&buf, uint32(frames), uint16(channels), uint32(sampleRate), bitsPerSample)

	out := make([]wav.Sample, frames)
	for i := 0; i < frames; i++ {
		for ch := 0; ch < channels; ch++ {
			out[i].Values[ch] = int(samples[i*channels+ch])
		}
	}
	if err := writer.WriteSamples(out); err != nil {
		return nil, fmt.Errorf("write wav samples failed: %w", err)
	}

	return buf.Bytes(), nil
}

// DecodeWAV 解码WAV文件
func DecodeWAV(data []byte) (unit AudioUnit, err error) {
	if err := checkRIFFHeader(data); err != nil {
		return AudioUnit{}, err
	}

	// go-riff 在数据截断时会panic
	defer func() {
		if r := recover(); r != nil {
			unit = AudioUnit{}
			err = fmt.Errorf("%w: truncated wav data", ErrUnsupportedAudio)
		}
	}()

	reader := wav.NewReader(bytes.NewReader(data))

	format, err := reader.Format()
	if err != nil {
		return AudioUnit{}, fmt.Errorf("read wav format failed: %w", err)
	}
	if format.BitsPerSample != bitsPerSample || format.NumChannels == 0 || format.NumChannels > 2 {
		return AudioUnit{}, fmt.Errorf("%w: %d-bit %d channels",
			ErrUnsupportedAudio, format.BitsPerSample, format.NumChannels)
	}

	channels := int(format.NumChannels)
	unit = AudioUnit{
		SampleRate: int(format.SampleRate),
		Channels:   channels,
	}

	for {
		batch, err := reader.ReadSamples(2048)
		for _, s := range batch {
			for ch := 0; ch < channels; ch++ {
				unit.Samples = append(unit.Samples, int16(reader.IntValue(s, uint(ch))))
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return AudioUnit{}, fmt.Errorf("read wav samples failed: %w", err)
		}
	}

	if unit.SampleRate > 0 {
		frames := len(unit.Samples) / channels
		unit.Duration = time.Duration(frames) * time.Second / time.Duration(unit.SampleRate)
	}
	return unit, nil
}

func checkRIFFHeader(data []byte) error {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return fmt.Errorf("%w: not a wav file", ErrUnsupportedAudio)
	}
	declared := binary.LittleEndian.Uint32(data[4:8])
	if uint64(declared) > uint64(len(data)-8) {
		return fmt.Errorf("%w: declared size %d exceeds data", ErrUnsupportedAudio, declared)
	}
	return nil
}
