// Package registry 记录中继服务器上的连接与参与者
package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"ScreenRelay/internal/protocol"
)

var (
	ErrFull              = errors.New("registry is full")
	ErrUnknownConnection = errors.New("unknown connection")
	ErrInvalidRole       = errors.New("invalid role")
)

// Registration 注册结果
type Registration struct {
	Record protocol.ParticipantRecord
	// Previous 同一连接之前的注册记录，首次注册为nil
	Previous *protocol.ParticipantRecord
}

// Stats 注册表统计
type Stats struct {
	Connections int    `json:"connections"`
	Students    int    `json:"students"`
	Admins      int    `json:"admins"`
	TotalOpened uint64 `json:"total_opened"`
}

type entry struct {
	record *protocol.ParticipantRecord
	seq    uint64
}

// Registry 连接与参与者注册表
// 连接id由注册表生成（UUID），注册表存活期间不会重复
type Registry struct {
	mu             sync.RWMutex
	conns          map[string]*entry
	students       []string // 按加入顺序
	admins         map[string]struct{}
	maxConnections int
	totalOpened    uint64
	now            func() time.Time
}

// New 创建注册表，maxConnections<=0 表示不限制
func New(maxConnections int) *Registry {
	return &Registry{
		conns:          make(map[string]*entry),
		admins:         make(map[string]struct{}),
		maxConnections: maxConnections,
		now:            time.Now,
	}
}

// Open 登记一条新连接，返回其连接id
func (r *Registry) Open() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.maxConnections > 0 && len(r.conns) >= r.maxConnections {
		return "", ErrFull
	}

	id := uuid.NewString()
	for r.conns[id] != nil {
		id = uuid.NewString()
	}
	r.conns[id] = &entry{}
	r.totalOpened++
	return id, nil
}

// Register 把连接与参与者关联，同一连接再次注册会替换之前的记录
func (r *Registry) Register(connID string, p protocol.RegisterPayload) (Registration, error) {
	if !p.Role.IsValid() {
		return Registration{}, ErrInvalidRole
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[connID]
	if !ok {
		return Registration{}, ErrUnknownConnection
	}

	var reg Registration
	if e.record != nil {
		prev := *e.record
		reg.Previous = &prev
		r.detachLocked(connID, prev.Role)
	}

	record := protocol.ParticipantRecord{
		UserID:       p.UserID,
		Name:         p.Name,
		Role:         p.Role,
		ConnectionID: connID,
		JoinedAt:     r.now(),
	}
	e.record = &record

	switch record.Role {
	case protocol.RoleStudent:
		r.students = append(r.students, connID)
	case protocol.RoleAdmin:
		r.admins[connID] = struct{}{}
	}

	reg.Record = record
	return reg, nil
}

// Close 移除连接，返回它注册过的记录
func (r *Registry) Close(connID string) (protocol.ParticipantRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[connID]
	if !ok {
		return protocol.ParticipantRecord{}, false
	}
	delete(r.conns, connID)

	if e.record == nil {
		return protocol.ParticipantRecord{}, false
	}
	r.detachLocked(connID, e.record.Role)
	return *e.record, true
}

func (r *Registry) detachLocked(connID string, role protocol.Role) {
	switch role {
	case protocol.RoleStudent:
		for i, id := range r.students {
			if id == connID {
				r.students = append(r.students[:i], r.students[i+1:]...)
				break
			}
		}
	case protocol.RoleAdmin:
		delete(r.admins, connID)
	}
}

// Lookup 查找连接的注册记录
func (r *Registry) Lookup(connID string) (protocol.ParticipantRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.conns[connID]
	if !ok || e.record == nil {
		return protocol.ParticipantRecord{}, false
	}
	return *e.record, true
}

// Students 按加入顺序返回所有学生
func (r *Registry) Students() protocol.ParticipantList {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(protocol.ParticipantList, 0, len(r.students))
	for _, id := range r.students {
		if e := r.conns[id]; e != nil && e.record != nil {
			out = append(out, *e.record)
		}
	}
	return out
}

// Admins 返回所有管理端连接id
func (r *Registry) Admins() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.admins))
	for id := range r.admins {
		out = append(out, id)
	}
	return out
}

// NextSeq 为连接分配下一个中继序列号，从1开始单调递增
func (r *Registry) NextSeq(connID string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[connID]
	if !ok {
		return 0
	}
	e.seq++
	return e.seq
}

// Stats 返回统计信息
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return Stats{
		Connections: len(r.conns),
		Students:    len(r.students),
		Admins:      len(r.admins),
		TotalOpened: r.totalOpened,
	}
}
