package auth

import (
	"context"
	"fmt"

	"ScreenRelay/internal/database"
)

// NewProvider 按模式创建认证，返回的关闭函数释放数据库连接
func NewProvider(ctx context.Context, mode, dsn string) (Provider, func(), error) {
	switch mode {
	case "", "demo":
		return NewDemoProvider(), func() {}, nil
	case "postgres":
		pool, err := database.Connect(ctx, dsn, nil)
		if err != nil {
			return nil, nil, err
		}
		if err := database.EnsureSchema(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return NewPostgresProvider(NewPgUserStore(pool), 0), pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownMode, mode)
	}
}

var (
	_ Provider = (*DemoProvider)(nil)
	_ Provider = (*PostgresProvider)(nil)
)
