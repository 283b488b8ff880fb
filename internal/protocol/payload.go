package protocol

import (
	"errors"
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/structpb"
)

// ErrDecode 负载格式错误
var ErrDecode = errors.New("decode payload failed")

// Role 参与者角色
type Role string

const (
	RoleStudent Role = "student"
	RoleAdmin   Role = "admin"
)

// IsValid 检查角色是否有效
func (r Role) IsValid() bool {
	return r == RoleStudent || r == RoleAdmin
}

// RegisterPayload register事件负载
type RegisterPayload struct {
	UserID string
	Role   Role
	Name   string
}

// ToValue 实现 Valuer
func (p RegisterPayload) ToValue() (*structpb.Value, error) {
	return structpb.NewValue(map[string]interface{}{
		"userId": p.UserID,
		"role":   string(p.Role),
		"name":   p.Name,
	})
}

// ParseRegister 解析register负载
func ParseRegister(v *structpb.Value) (RegisterPayload, error) {
	fields, err := structFields(v)
	if err != nil {
		return RegisterPayload{}, err
	}

	userID, err := stringField(fields, "userId", true)
	if err != nil {
		return RegisterPayload{}, err
	}
	role, err := stringField(fields, "role", true)
	if err != nil {
		return RegisterPayload{}, err
	}
	name, err := stringField(fields, "name", false)
	if err != nil {
		return RegisterPayload{}, err
	}

	return RegisterPayload{UserID: userID, Role: Role(role), Name: name}, nil
}

// ParticipantRecord 一个已注册的连接
type ParticipantRecord struct {
	UserID       string
	Name         string
	Role         Role
	ConnectionID string
	JoinedAt     time.Time
}

// ToValue 实现 Valuer
func (p ParticipantRecord) ToValue() (*structpb.Value, error) {
	fields := map[string]interface{}{
		"userId":       p.UserID,
		"name":         p.Name,
		"role":         string(p.Role),
		"connectionId": p.ConnectionID,
	}
	if !p.JoinedAt.IsZero() {
		fields["joinedAt"] = float64(p.JoinedAt.UnixMilli())
	}
	return structpb.NewValue(fields)
}

// ParseParticipant 解析单个参与者记录
func ParseParticipant(v *structpb.Value) (ParticipantRecord, error) {
	fields, err := structFields(v)
	if err != nil {
		return ParticipantRecord{}, err
	}

	connID, err := stringField(fields, "connectionId", true)
	if err != nil {
		return ParticipantRecord{}, err
	}
	userID, err := stringField(fields, "userId", false)
	if err != nil {
		return ParticipantRecord{}, err
	}
	name, err := stringField(fields, "name", false)
	if err != nil {
		return ParticipantRecord{}, err
	}
	role, err := stringField(fields, "role", false)
	if err != nil {
		return ParticipantRecord{}, err
	}
	joinedMs, err := numberField(fields, "joinedAt")
	if err != nil {
		return ParticipantRecord{}, err
	}

	rec := ParticipantRecord{
		UserID:       userID,
		Name:         name,
		Role:         Role(role),
		ConnectionID: connID,
	}
	if joinedMs > 0 {
		rec.JoinedAt = time.UnixMilli(int64(joinedMs))
	}
	return rec, nil
}

// ParticipantList students-list事件负载，保持服务器给出的顺序
type ParticipantList []ParticipantRecord

// ToValue 实现 Valuer
func (l ParticipantList) ToValue() (*structpb.Value, error) {
	values := make([]*structpb.Value, 0, len(l))
	for _, rec := range l {
		v, err := rec.ToValue()
		if err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return structpb.NewListValue(&structpb.ListValue{Values: values}), nil
}

// ParseParticipantList 解析students-list负载
func ParseParticipantList(v *structpb.Value) (ParticipantList, error) {
	list, ok := v.GetKind().(*structpb.Value_ListValue)
	if !ok {
		return nil, fmt.Errorf("%w: expected list", ErrDecode)
	}

	out := make(ParticipantList, 0, len(list.ListValue.GetValues()))
	for i, item := range list.ListValue.GetValues() {
		rec, err := ParseParticipant(item)
		if err != nil {
			return nil, fmt.Errorf("participant %d: %w", i, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// StudentLeftPayload student-left事件负载
type StudentLeftPayload struct {
	ConnectionID string
}

// ToValue 实现 Valuer
func (p StudentLeftPayload) ToValue() (*structpb.Value, error) {
	return structpb.NewValue(map[string]interface{}{"connectionId": p.ConnectionID})
}

// ParseStudentLeft 解析student-left负载
func ParseStudentLeft(v *structpb.Value) (StudentLeftPayload, error) {
	fields, err := structFields(v)
	if err != nil {
		return StudentLeftPayload{}, err
	}
	connID, err := stringField(fields, "connectionId", true)
	if err != nil {
		return StudentLeftPayload{}, err
	}
	return StudentLeftPayload{ConnectionID: connID}, nil
}

// StudentMedia student-screen / student-audio 的公共字段
type StudentMedia struct {
	StudentID    string
	StudentName  string
	ConnectionID string
	Data         string
	// Seq 由中继按连接单调递增分配，0 表示未编号
	Seq uint64
}

// StudentScreenPayload student-screen事件负载
type StudentScreenPayload StudentMedia

// ToValue 实现 Valuer
func (p StudentScreenPayload) ToValue() (*structpb.Value, error) {
	return StudentMedia(p).toValue("screenData")
}

// ParseStudentScreen 解析student-screen负载
func ParseStudentScreen(v *structpb.Value) (StudentScreenPayload, error) {
	m, err := parseStudentMedia(v, "screenData")
	return StudentScreenPayload(m), err
}

// StudentAudioPayload student-audio事件负载
type StudentAudioPayload StudentMedia

// ToValue 实现 Valuer
func (p StudentAudioPayload) ToValue() (*structpb.Value, error) {
	return StudentMedia(p).toValue("audioData")
}

// ParseStudentAudio 解析student-audio负载
func ParseStudentAudio(v *structpb.Value) (StudentAudioPayload, error) {
	m, err := parseStudentMedia(v, "audioData")
	return StudentAudioPayload(m), err
}

func (m StudentMedia) toValue(dataKey string) (*structpb.Value, error) {
	fields := map[string]interface{}{
		"studentId":    m.StudentID,
		"studentName":  m.StudentName,
		"connectionId": m.ConnectionID,
		dataKey:        m.Data,
	}
	if m.Seq > 0 {
		fields["seq"] = float64(m.Seq)
	}
	return structpb.NewValue(fields)
}

func parseStudentMedia(v *structpb.Value, dataKey string) (StudentMedia, error) {
	fields, err := structFields(v)
	if err != nil {
		return StudentMedia{}, err
	}

	connID, err := stringField(fields, "connectionId", true)
	if err != nil {
		return StudentMedia{}, err
	}
	data, err := stringField(fields, dataKey, true)
	if err != nil {
		return StudentMedia{}, err
	}
	studentID, err := stringField(fields, "studentId", false)
	if err != nil {
		return StudentMedia{}, err
	}
	studentName, err := stringField(fields, "studentName", false)
	if err != nil {
		return StudentMedia{}, err
	}
	seq, err := numberField(fields, "seq")
	if err != nil {
		return StudentMedia{}, err
	}
	if seq < 0 {
		return StudentMedia{}, fmt.Errorf("%w: negative seq", ErrDecode)
	}

	return StudentMedia{
		StudentID:    studentID,
		StudentName:  studentName,
		ConnectionID: connID,
		Data:         data,
		Seq:          uint64(seq),
	}, nil
}

// ErrorPayload 服务器错误通知
type ErrorPayload struct {
	Code    string
	Message string
}

// ToValue 实现 Valuer
func (p ErrorPayload) ToValue() (*structpb.Value, error) {
	return structpb.NewValue(map[string]interface{}{
		"code":    p.Code,
		"message": p.Message,
	})
}

// ParseError 解析error负载
func ParseError(v *structpb.Value) (ErrorPayload, error) {
	fields, err := structFields(v)
	if err != nil {
		return ErrorPayload{}, err
	}
	code, err := stringField(fields, "code", false)
	if err != nil {
		return ErrorPayload{}, err
	}
	msg, err := stringField(fields, "message", false)
	if err != nil {
		return ErrorPayload{}, err
	}
	return ErrorPayload{Code: code, Message: msg}, nil
}

// ParseBlob 解析不透明的字符串负载（screen-data / audio-data）
func ParseBlob(v *structpb.Value) (string, error) {
	s, ok := v.GetKind().(*structpb.Value_StringValue)
	if !ok {
		return "", fmt.Errorf("%w: expected string blob", ErrDecode)
	}
	if s.StringValue == "" {
		return "", fmt.Errorf("%w: empty blob", ErrDecode)
	}
	return s.StringValue, nil
}

func structFields(v *structpb.Value) (map[string]*structpb.Value, error) {
	s, ok := v.GetKind().(*structpb.Value_StructValue)
	if !ok {
		return nil, fmt.Errorf("%w: expected object", ErrDecode)
	}
	return s.StructValue.GetFields(), nil
}

func stringField(fields map[string]*structpb.Value, key string, required bool) (string, error) {
	v, ok := fields[key]
	if !ok || v.GetKind() == nil {
		if required {
			return "", fmt.Errorf("%w: missing field %q", ErrDecode, key)
		}
		return "", nil
	}
	if _, isNull := v.GetKind().(*structpb.Value_NullValue); isNull && !required {
		return "", nil
	}

	s, ok := v.GetKind().(*structpb.Value_StringValue)
	if !ok {
		return "", fmt.Errorf("%w: field %q is not a string", ErrDecode, key)
	}
	if required && s.StringValue == "" {
		return "", fmt.Errorf("%w: field %q is empty", ErrDecode, key)
	}
	return s.StringValue, nil
}

func numberField(fields map[string]*structpb.Value, key string) (float64, error) {
	v, ok := fields[key]
	if !ok || v.GetKind() == nil {
		return 0, nil
	}
	switch kind := v.GetKind().(type) {
	case *structpb.Value_NumberValue:
		return kind.NumberValue, nil
	case *structpb.Value_NullValue:
		return 0, nil
	default:
		return 0, fmt.Errorf("%w: field %q is not a number", ErrDecode, key)
	}
}
