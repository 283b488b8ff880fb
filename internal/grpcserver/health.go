// Package grpcserver 提供中继服务器的gRPC健康检查服务
package grpcserver

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// RelayService 健康检查中使用的服务名
const RelayService = "screenrelay.Relay"

// HealthServer 独立端口上的gRPC健康检查服务
type HealthServer struct {
	server   *grpc.Server
	health   *health.Server
	listener net.Listener

	mu        sync.Mutex
	startTime time.Time
}

// NewHealthServer 创建健康检查服务，初始状态为 NOT_SERVING
func NewHealthServer() *HealthServer {
	s := grpc.NewServer()
	hs := health.NewServer()

	healthpb.RegisterHealthServer(s, hs)
	// 启用反射，便于 grpcurl 调试
	reflection.Register(s)

	hs.SetServingStatus(RelayService, healthpb.HealthCheckResponse_NOT_SERVING)

	return &HealthServer{server: s, health: hs}
}

// Start 监听地址并开始服务，addr 可以使用 :0 随机端口
func (h *HealthServer) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s failed: %w", addr, err)
	}

	h.mu.Lock()
	h.listener = lis
	h.startTime = time.Now()
	h.mu.Unlock()

	go func() {
		if err := h.server.Serve(lis); err != nil && err != grpc.ErrServerStopped {
			log.Printf("gRPC health server error: %v", err)
		}
	}()

	log.Printf("gRPC health server listening on %s", lis.Addr())
	return nil
}

// Addr 实际监听地址，未启动时为空
func (h *HealthServer) Addr() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listener == nil {
		return ""
	}
	return h.listener.Addr().String()
}

// SetServing 设置中继服务的状态
func (h *HealthServer) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus(RelayService, status)
	h.health.SetServingStatus("", status)
}

// Stop 优雅关闭，超时后强制停止
func (h *HealthServer) Stop(ctx context.Context) {
	h.health.Shutdown()

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.server.GracefulStop()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		h.server.Stop()
	}
}

// CheckHealth 查询远端健康检查服务，返回中继服务是否 SERVING
func CheckHealth(ctx context.Context, addr string) (bool, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return false, fmt.Errorf("create grpc client failed: %w", err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: RelayService})
	if err != nil {
		return false, fmt.Errorf("health check failed: %w", err)
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING, nil
}
