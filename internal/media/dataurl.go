package media

import (
	"encoding/base64"
	"errors"
	"strings"
)

// ErrInvalidDataURL 不是base64形式的data URL
var ErrInvalidDataURL = errors.New("media: invalid data url")

// MIME类型
const (
	MimeJPEG = "image/jpeg"
	MimeWAV  = "audio/wav"
)

// EncodeDataURL 生成 data:<mime>;base64,<payload>
func EncodeDataURL(mime string, data []byte) string {
	var b strings.Builder
	b.Grow(len(mime) + 13 + base64.StdEncoding.EncodedLen(len(data)))
	b.WriteString("data:")
	b.WriteString(mime)
	b.WriteString(";base64,")
	b.WriteString(base64.StdEncoding.EncodeToString(data))
	return b.String()
}

// DecodeDataURL 解析data URL，返回MIME类型和原始数据
func DecodeDataURL(s string) (string, []byte, error) {
	rest, ok := strings.CutPrefix(s, "data:")
	if !ok {
		return "", nil, ErrInvalidDataURL
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return "", nil, ErrInvalidDataURL
	}
	mime, ok := strings.CutSuffix(meta, ";base64")
	if !ok {
		return "", nil, ErrInvalidDataURL
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, errors.Join(ErrInvalidDataURL, err)
	}
	return mime, data, nil
}
