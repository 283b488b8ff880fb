package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// 帧头长度：操作码(2字节) + 数据长度(4字节)
	FrameHeaderSize = 6
	// 最大帧大小限制，一帧截图的base64数据通常在几百KB
	MaxFrameSize = 8 * 1024 * 1024
)

var (
	ErrFrameTooSmall = errors.New("frame too small")
	ErrFrameTooLarge = errors.New("frame too large")
	ErrInvalidFrame  = errors.New("invalid frame format")
)

// Frame 表示一个完整的协议帧
type Frame struct {
	Opcode uint16
	Body   []byte // structpb.Value 序列化后的数据
}

// EncodeFrame 将操作码和消息体编码为二进制帧
// 帧格式: | opcode(2字节) | length(4字节) | body(变长) |
func EncodeFrame(opcode uint16, body []byte) []byte {
	buf := make([]byte, FrameHeaderSize+len(body))

	binary.BigEndian.PutUint16(buf[0:2], opcode)
	binary.BigEndian.PutUint32(buf[2:6], uint32(len(body)))
	copy(buf[FrameHeaderSize:], body)

	return buf
}

// DecodeFrame 从一条websocket二进制消息中解码出帧
func DecodeFrame(raw []byte) (Frame, error) {
	if len(raw) < FrameHeaderSize {
		return Frame{}, ErrFrameTooSmall
	}
	if len(raw) > MaxFrameSize {
		return Frame{}, ErrFrameTooLarge
	}

	opcode := binary.BigEndian.Uint16(raw[0:2])
	bodyLength := binary.BigEndian.Uint32(raw[2:6])

	// 一条websocket消息恰好承载一帧
	expected := FrameHeaderSize + int(bodyLength)
	if len(raw) != expected {
		return Frame{}, fmt.Errorf("%w: expected %d bytes, got %d",
			ErrInvalidFrame, expected, len(raw))
	}

	var body []byte
	if bodyLength > 0 {
		body = make([]byte, bodyLength)
		copy(body, raw[FrameHeaderSize:])
	}

	return Frame{Opcode: opcode, Body: body}, nil
}
