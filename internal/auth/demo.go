package auth

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

// DemoProvider 本地演示模式，任何名字都能登录，不做持久化
type DemoProvider struct {
	session
}

// NewDemoProvider 创建演示认证
func NewDemoProvider() *DemoProvider {
	return &DemoProvider{}
}

// Login 使用名字登录，邮箱缺省为 <name>@demo.com，角色缺省为学生
func (p *DemoProvider) Login(ctx context.Context, creds Credentials) (User, error) {
	name := strings.TrimSpace(creds.Name)
	if name == "" {
		return User{}, ErrNameRequired
	}
	role, err := normalizeRole(creds.Role)
	if err != nil {
		return User{}, err
	}

	email := normalizeEmail(creds.Email)
	if email == "" {
		email = strings.ToLower(strings.ReplaceAll(name, " ", ".")) + "@demo.com"
	}

	u := User{
		ID:    uuid.NewString(),
		Name:  name,
		Email: email,
		Role:  role,
	}
	p.set(u)
	return u, nil
}

// Register 演示模式下与登录相同
func (p *DemoProvider) Register(ctx context.Context, creds Credentials) (User, error) {
	return p.Login(ctx, creds)
}
