package protocol

// 事件名称 - 与浏览器端socket事件保持一致
const (
	EventRegister      = "register"
	EventStudentsList  = "students-list"
	EventStudentJoined = "student-joined"
	EventStudentLeft   = "student-left"
	EventScreenData    = "screen-data"
	EventStudentScreen = "student-screen"
	EventAudioData     = "audio-data"
	EventStudentAudio  = "student-audio"
	EventError         = "error"
)

// 操作码定义 - 每个事件对应一个操作码
const (
	// 注册
	OpRegister uint16 = 1001

	// 成员变化（服务器 -> 管理端）
	OpStudentsList  uint16 = 2001
	OpStudentJoined uint16 = 2002
	OpStudentLeft   uint16 = 2003

	// 画面
	OpScreenData    uint16 = 3001
	OpStudentScreen uint16 = 3002

	// 音频
	OpAudioData    uint16 = 3101
	OpStudentAudio uint16 = 3102

	// 错误响应
	OpError uint16 = 9999
)

var eventOpcodes = map[string]uint16{
	EventRegister:      OpRegister,
	EventStudentsList:  OpStudentsList,
	EventStudentJoined: OpStudentJoined,
	EventStudentLeft:   OpStudentLeft,
	EventScreenData:    OpScreenData,
	EventStudentScreen: OpStudentScreen,
	EventAudioData:     OpAudioData,
	EventStudentAudio:  OpStudentAudio,
	EventError:         OpError,
}

var opcodeEvents = func() map[uint16]string {
	m := make(map[uint16]string, len(eventOpcodes))
	for event, op := range eventOpcodes {
		m[op] = event
	}
	return m
}()

// OpcodeForEvent 查找事件对应的操作码
func OpcodeForEvent(event string) (uint16, bool) {
	op, ok := eventOpcodes[event]
	return op, ok
}

// EventForOpcode 查找操作码对应的事件名
func EventForOpcode(op uint16) (string, bool) {
	event, ok := opcodeEvents[op]
	return event, ok
}

// OpcodeToString 将操作码转换为可读字符串，用于日志
func OpcodeToString(op uint16) string {
	if event, ok := opcodeEvents[op]; ok {
		return event
	}
	return "unknown"
}

// IsValidOpcode 检查操作码是否有效
func IsValidOpcode(op uint16) bool {
	_, ok := opcodeEvents[op]
	return ok
}

// IsClientOpcode 判断是否为客户端发往服务器的操作码
func IsClientOpcode(op uint16) bool {
	switch op {
	case OpRegister, OpScreenData, OpAudioData:
		return true
	default:
		return false
	}
}

// IsAdminPushOpcode 判断是否为只推送给管理端的操作码
func IsAdminPushOpcode(op uint16) bool {
	switch op {
	case OpStudentsList, OpStudentJoined, OpStudentLeft, OpStudentScreen, OpStudentAudio:
		return true
	default:
		return false
	}
}
