package relayserver

import (
	"fmt"
	"log"

	"ScreenRelay/internal/protocol"
	"ScreenRelay/internal/registry"
)

// 错误码，随 error 事件发给客户端
const (
	codeBadFrame         = "bad_frame"
	codeInvalidPayload   = "invalid_payload"
	codeNotRegistered    = "not_registered"
	codeNotStudent       = "not_student"
	codeUnsupportedEvent = "unsupported_event"
	codeFrameTooLarge    = "frame_too_large"
)

// route 按事件类型处理客户端消息
func (s *Server) route(c *client, msg protocol.Message) {
	switch msg.Event {
	case protocol.EventRegister:
		s.handleRegister(c, msg)
	case protocol.EventScreenData:
		s.handleMedia(c, msg, protocol.EventStudentScreen)
	case protocol.EventAudioData:
		s.handleMedia(c, msg, protocol.EventStudentAudio)
	default:
		s.sendError(c, codeUnsupportedEvent, "event "+msg.Event+" cannot be sent by clients")
	}
}

// handleRegister 处理注册；学生加入通知管理端，管理端收到当前学生列表
func (s *Server) handleRegister(c *client, msg protocol.Message) {
	payload, err := protocol.ParseRegister(msg.Payload)
	if err != nil {
		s.sendError(c, codeInvalidPayload, err.Error())
		return
	}

	s.membershipMu.Lock()
	defer s.membershipMu.Unlock()

	reg, err := s.registry.Register(c.id, payload)
	if err != nil {
		s.sendError(c, codeInvalidPayload, err.Error())
		return
	}

	if reg.Previous != nil && reg.Previous.Role == protocol.RoleStudent {
		s.broadcastAdmins(protocol.EventStudentLeft, protocol.StudentLeftPayload{ConnectionID: c.id}, c.id)
	}

	switch reg.Record.Role {
	case protocol.RoleStudent:
		s.broadcastAdmins(protocol.EventStudentJoined, reg.Record, "")
	case protocol.RoleAdmin:
		s.sendTo(c, protocol.EventStudentsList, s.registry.Students())
	}

	s.logs.LogInfo("registry", c.id, "%s %q (%s) registered", reg.Record.Role, reg.Record.Name, reg.Record.UserID)
}

// handleMedia 把学生的画面或音频转发给所有管理端，附带学生信息和序列号
func (s *Server) handleMedia(c *client, msg protocol.Message, outEvent string) {
	record, ok := s.registry.Lookup(c.id)
	if !ok {
		s.sendError(c, codeNotRegistered, "register before sending "+msg.Event)
		return
	}
	if record.Role != protocol.RoleStudent {
		s.sendError(c, codeNotStudent, "only students can send "+msg.Event)
		return
	}

	blob, err := protocol.ParseBlob(msg.Payload)
	if err != nil {
		s.sendError(c, codeInvalidPayload, err.Error())
		return
	}

	media := protocol.StudentMedia{
		StudentID:    record.UserID,
		StudentName:  record.Name,
		ConnectionID: c.id,
		Data:         blob,
		Seq:          s.registry.NextSeq(c.id),
	}

	var payload protocol.Valuer
	if outEvent == protocol.EventStudentAudio {
		payload = protocol.StudentAudioPayload(media)
	} else {
		payload = protocol.StudentScreenPayload(media)
	}

	frame, err := protocol.EncodeMessage(outEvent, payload)
	if err != nil {
		log.Printf("Encode %s failed: %v", outEvent, err)
		return
	}
	// 转发帧比收到的帧多出学生信息，超过管理端读取上限时会把所有管理端断开
	if limit := s.outboundLimit(); len(frame) > limit {
		s.oversized.Add(1)
		s.sendError(c, codeFrameTooLarge, fmt.Sprintf("%s of %d bytes exceeds relay limit %d", outEvent, len(frame), limit))
		return
	}

	// 队列满的管理端跳过这一帧，后续帧会覆盖它
	for _, adminID := range s.registry.Admins() {
		ac := s.client(adminID)
		if ac == nil {
			continue
		}
		if ac.enqueue(frame) {
			s.relayed.Add(1)
		} else {
			s.dropped.Add(1)
		}
	}
}

// outboundLimit 转发帧的大小上限，不超过读取上限和协议帧上限
func (s *Server) outboundLimit() int {
	limit := protocol.MaxFrameSize
	if s.config.ReadLimit > 0 && s.config.ReadLimit < int64(limit) {
		limit = int(s.config.ReadLimit)
	}
	return limit
}

// leave 连接关闭后清理注册表，学生离开时通知管理端
func (s *Server) leave(connID string) {
	s.membershipMu.Lock()
	defer s.membershipMu.Unlock()

	record, ok := s.registry.Close(connID)
	if !ok {
		s.logs.LogInfo("relay", connID, "anonymous connection closed")
		return
	}

	if record.Role == protocol.RoleStudent {
		s.broadcastAdmins(protocol.EventStudentLeft, protocol.StudentLeftPayload{ConnectionID: connID}, "")
	}
	s.logs.LogInfo("registry", connID, "%s %q left", record.Role, record.Name)
}

// broadcastAdmins 向所有管理端发送成员变化，except 为空表示不排除
// 成员通知不能丢，队列满的管理端会被断开，重连后重新获取完整列表
func (s *Server) broadcastAdmins(event string, payload interface{}, except string) {
	frame, err := protocol.EncodeMessage(event, payload)
	if err != nil {
		log.Printf("Encode %s failed: %v", event, err)
		return
	}

	for _, adminID := range s.registry.Admins() {
		if adminID == except {
			continue
		}
		ac := s.client(adminID)
		if ac == nil {
			continue
		}
		if !ac.enqueue(frame) {
			s.logs.LogWarning("relay", adminID, "send queue full, dropping slow admin")
			ac.close("Send queue full")
		}
	}
}

func (s *Server) sendTo(c *client, event string, payload interface{}) {
	frame, err := protocol.EncodeMessage(event, payload)
	if err != nil {
		log.Printf("Encode %s failed: %v", event, err)
		return
	}
	if !c.enqueue(frame) {
		s.dropped.Add(1)
	}
}

func (s *Server) sendError(c *client, code, message string) {
	s.logs.LogWarning("relay", c.id, "%s: %s", code, message)
	s.sendTo(c, protocol.EventError, protocol.ErrorPayload{Code: code, Message: message})
}

func (s *Server) client(connID string) *client {
	v, ok := s.clients.Load(connID)
	if !ok {
		return nil
	}
	return v.(*client)
}

// Students 当前在线学生，按加入顺序
func (s *Server) Students() protocol.ParticipantList {
	return s.registry.Students()
}

// RegistryStats 注册表统计
func (s *Server) RegistryStats() registry.Stats {
	return s.registry.Stats()
}
