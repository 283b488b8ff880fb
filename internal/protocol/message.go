package protocol

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// ErrUnknownEvent 事件名或操作码未定义
var ErrUnknownEvent = errors.New("unknown event")

// Valuer 可以转换为 structpb.Value 的负载
type Valuer interface {
	ToValue() (*structpb.Value, error)
}

// Message 解码后的事件消息
type Message struct {
	Event   string
	Opcode  uint16
	Payload *structpb.Value
}

// EncodeValue 将负载转换为 structpb.Value
// 支持 Valuer、*structpb.Value 以及 structpb.NewValue 能处理的基础类型
func EncodeValue(payload interface{}) (*structpb.Value, error) {
	switch p := payload.(type) {
	case nil:
		return structpb.NewNullValue(), nil
	case *structpb.Value:
		return p, nil
	case Valuer:
		return p.ToValue()
	default:
		v, err := structpb.NewValue(p)
		if err != nil {
			return nil, fmt.Errorf("encode payload failed: %w", err)
		}
		return v, nil
	}
}

// EncodeMessage 将事件和负载编码为二进制帧
func EncodeMessage(event string, payload interface{}) ([]byte, error) {
	op, ok := OpcodeForEvent(event)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, event)
	}

	value, err := EncodeValue(payload)
	if err != nil {
		return nil, err
	}

	body, err := proto.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("marshal payload failed: %w", err)
	}

	return EncodeFrame(op, body), nil
}

// DecodeMessage 将二进制帧解码为事件消息
func DecodeMessage(raw []byte) (Message, error) {
	frame, err := DecodeFrame(raw)
	if err != nil {
		return Message{}, err
	}

	event, ok := EventForOpcode(frame.Opcode)
	if !ok {
		return Message{}, fmt.Errorf("%w: opcode %d", ErrUnknownEvent, frame.Opcode)
	}

	value := &structpb.Value{}
	if len(frame.Body) > 0 {
		if err := proto.Unmarshal(frame.Body, value); err != nil {
			return Message{}, fmt.Errorf("%w: %v", ErrDecode, err)
		}
	}
	if value.GetKind() == nil {
		value = structpb.NewNullValue()
	}

	return Message{Event: event, Opcode: frame.Opcode, Payload: value}, nil
}
