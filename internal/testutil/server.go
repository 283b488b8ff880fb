package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ScreenRelay/internal/relayserver"
)

// TestServer 测试中继服务器包装器，监听本机随机端口
type TestServer struct {
	*relayserver.Server
	t *testing.T
}

// NewTestServer 创建并启动测试服务器，测试结束时自动关闭
func NewTestServer(t *testing.T, customizers ...func(*relayserver.Config)) *TestServer {
	t.Helper()

	cfg := relayserver.DefaultConfig("127.0.0.1:0")
	cfg.PingInterval = 0
	for _, customize := range customizers {
		customize(cfg)
	}

	ts := &TestServer{Server: relayserver.New(cfg), t: t}
	require.NoError(t, ts.Server.Start(), "Failed to start test server")
	t.Cleanup(ts.Stop)

	t.Logf("Test server started on %s", ts.Addr())
	return ts
}

// Stop 停止测试服务器
func (ts *TestServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ts.Server.Shutdown(ctx)
}

// GetWebSocketURL 获取WebSocket URL
func (ts *TestServer) GetWebSocketURL() string {
	return ts.URL()
}

// GetHTTPURL 获取HTTP URL
func (ts *TestServer) GetHTTPURL() string {
	return fmt.Sprintf("http://%s", ts.Addr())
}
