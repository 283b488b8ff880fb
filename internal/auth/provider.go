// Package auth 身份认证：本地演示模式与PostgreSQL账号
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"ScreenRelay/internal/protocol"
)

var (
	ErrNameRequired       = errors.New("name is required")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrUserExists         = errors.New("user already exists")
	ErrUnknownMode        = errors.New("unknown auth mode")
)

// User 已认证用户
type User struct {
	ID    string
	Name  string
	Email string
	Role  protocol.Role
}

// Credentials 登录或注册参数
type Credentials struct {
	Name     string
	Email    string
	Password string
	Role     protocol.Role
}

// Provider 认证能力，演示模式和真实账号共用同一接口
type Provider interface {
	// User 当前用户，未登录时第二个返回值为false
	User() (User, bool)
	// Loading 登录或注册请求是否进行中
	Loading() bool
	IsAuthenticated() bool
	Login(ctx context.Context, creds Credentials) (User, error)
	Register(ctx context.Context, creds Credentials) (User, error)
	Logout()
}

// session 保存当前用户，两种实现共用
type session struct {
	mu       sync.RWMutex
	user     *User
	inflight int
}

func (s *session) User() (User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == nil {
		return User{}, false
	}
	return *s.user, true
}

func (s *session) Loading() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inflight > 0
}

func (s *session) IsAuthenticated() bool {
	_, ok := s.User()
	return ok
}

func (s *session) Logout() {
	s.mu.Lock()
	s.user = nil
	s.mu.Unlock()
}

func (s *session) set(u User) {
	s.mu.Lock()
	s.user = &u
	s.mu.Unlock()
}

func (s *session) begin() func() {
	s.mu.Lock()
	s.inflight++
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		s.inflight--
		s.mu.Unlock()
	}
}

func normalizeRole(r protocol.Role) (protocol.Role, error) {
	if r == "" {
		return protocol.RoleStudent, nil
	}
	if !r.IsValid() {
		return "", fmt.Errorf("invalid role %q", r)
	}
	return r, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
