package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"

	"ScreenRelay/internal/protocol"
)

// UserStore 用户持久化
type UserStore interface {
	CreateUser(ctx context.Context, u User, passwordHash []byte) error
	// FindUserByEmail 找不到时返回 ErrInvalidCredentials
	FindUserByEmail(ctx context.Context, email string) (User, []byte, error)
}

// PostgresProvider 基于用户表和bcrypt的认证
type PostgresProvider struct {
	session
	store UserStore
	cost  int
}

// NewPostgresProvider 创建认证，cost<=0 使用bcrypt默认值
func NewPostgresProvider(store UserStore, cost int) *PostgresProvider {
	if cost <= 0 {
		cost = bcrypt.DefaultCost
	}
	return &PostgresProvider{store: store, cost: cost}
}

// Register 创建账号并登录
func (p *PostgresProvider) Register(ctx context.Context, creds Credentials) (User, error) {
	defer p.begin()()

	name := strings.TrimSpace(creds.Name)
	if name == "" {
		return User{}, ErrNameRequired
	}
	email := normalizeEmail(creds.Email)
	if email == "" || creds.Password == "" {
		return User{}, ErrInvalidCredentials
	}
	role, err := normalizeRole(creds.Role)
	if err != nil {
		return User{}, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(creds.Password), p.cost)
	if err != nil {
		return User{}, fmt.Errorf("hash password failed: %w", err)
	}

	u := User{ID: uuid.NewString(), Name: name, Email: email, Role: role}
	if err := p.store.CreateUser(ctx, u, hash); err != nil {
		return User{}, err
	}

	p.set(u)
	return u, nil
}

// Login 校验邮箱和密码
func (p *PostgresProvider) Login(ctx context.Context, creds Credentials) (User, error) {
	defer p.begin()()

	u, hash, err := p.store.FindUserByEmail(ctx, normalizeEmail(creds.Email))
	if err != nil {
		return User{}, err
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(creds.Password)); err != nil {
		return User{}, ErrInvalidCredentials
	}

	p.set(u)
	return u, nil
}

// PgUserStore users 表的pgx实现
type PgUserStore struct {
	pool *pgxpool.Pool
}

// NewPgUserStore 创建用户存储
func NewPgUserStore(pool *pgxpool.Pool) *PgUserStore {
	return &PgUserStore{pool: pool}
}

// CreateUser 插入用户，邮箱重复时返回 ErrUserExists
func (s *PgUserStore) CreateUser(ctx context.Context, u User, passwordHash []byte) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, name, email, role, password_hash) VALUES ($1, $2, $3, $4, $5)`,
		u.ID, u.Name, u.Email, string(u.Role), passwordHash)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrUserExists
		}
		return fmt.Errorf("insert user failed: %w", err)
	}
	return nil
}

// FindUserByEmail 按邮箱查找用户
func (s *PgUserStore) FindUserByEmail(ctx context.Context, email string) (User, []byte, error) {
	var (
		u    User
		role string
		hash []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, email, role, password_hash FROM users WHERE email = $1`, email,
	).Scan(&u.ID, &u.Name, &u.Email, &role, &hash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, nil, ErrInvalidCredentials
		}
		return User{}, nil, fmt.Errorf("query user failed: %w", err)
	}
	u.Role = protocol.Role(role)
	return u, hash, nil
}
