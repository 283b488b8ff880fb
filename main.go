package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"ScreenRelay/internal/admin"
	"ScreenRelay/internal/capture"
	"ScreenRelay/internal/config"
	"ScreenRelay/internal/logger"
	"ScreenRelay/internal/media"
	"ScreenRelay/internal/protocol"
	"ScreenRelay/internal/relay"
	"ScreenRelay/internal/relayserver"
	"ScreenRelay/internal/student"
)

func main() {
	var (
		mode       = flag.String("mode", "demo", "运行模式: demo, server, student, admin")
		configPath = flag.String("config", "", "配置文件路径，默认查找 configs/screenrelay.yaml")
		watch      = flag.Bool("watch", true, "监控配置文件变化")
		duration   = flag.Duration("duration", 0, "demo模式运行时长，0表示直到收到信号")
	)
	flag.Parse()

	logger.InitLogger(*mode)

	manager := config.NewManager(config.WithConfigPath(*configPath), config.WithWatchEnabled(*watch))
	cfg, err := manager.Load()
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	if file := manager.ConfigFile(); file != "" {
		log.Printf("Using config file %s", file)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch *mode {
	case "server":
		err = runServer(ctx, cfg)
	case "student":
		err = runStudent(ctx, manager, cfg)
	case "admin":
		err = runAdmin(ctx, cfg)
	case "demo":
		if *duration > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, *duration)
			defer cancel()
		}
		err = runDemo(ctx, cfg)
	default:
		fmt.Printf("未知模式: %s\n", *mode)
		flag.Usage()
		os.Exit(1)
	}
	if err != nil {
		log.Fatalf("%s 模式运行失败: %v", *mode, err)
	}
}

// runServer 运行中继服务器
func runServer(ctx context.Context, cfg *config.Config) error {
	server := relayserver.New(relayServerConfig(cfg, cfg.Relay.ListenAddr))
	if err := server.Start(); err != nil {
		return err
	}

	fmt.Printf("✅ 中继服务器已启动: %s\n", server.Addr())
	fmt.Printf("🎮 WebSocket端点: %s\n", server.URL())
	fmt.Printf("📊 统计信息: http://%s/stats\n", server.Addr())
	fmt.Printf("📜 日志流: ws://%s/ws/logs\n", server.Addr())
	if addr := server.HealthAddr(); addr != "" {
		fmt.Printf("💓 gRPC健康检查: %s\n", addr)
	}

	<-ctx.Done()
	fmt.Println("\n🔄 正在关闭服务器...")
	return shutdownServer(server)
}

func shutdownServer(server *relayserver.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown relay server: %w", err)
	}
	fmt.Println("✅ 服务器已关闭")
	return nil
}

// runStudent 登录后连接中继并共享屏幕，直到收到信号
func runStudent(ctx context.Context, manager *config.Manager, cfg *config.Config) error {
	user, closeAuth, err := signIn(ctx, cfg, protocol.RoleStudent, "student")
	if err != nil {
		return err
	}
	defer closeAuth()

	checkRelay(ctx, cfg.Relay.Endpoint)

	agent, err := newStudentAgent(cfg, cfg.Relay.Endpoint, captureDevices(cfg), student.Identity{UserID: user.ID, Name: user.Name})
	if err != nil {
		return err
	}
	defer agent.Unmount()

	manager.OnChange(func(next *config.Config) {
		agent.SetCaptureInterval(next.Capture.Interval)
		if opts, err := captureOptions(next); err == nil {
			agent.SetAudioOptions(opts)
		}
		log.Printf("Capture settings reloaded (interval %v, quality %s)", next.Capture.Interval, next.Capture.AudioQuality)
	})

	if err := shareWhenConnected(ctx, agent); err != nil {
		return err
	}

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			fmt.Println("\n🔄 停止共享...")
			return nil
		case <-ticker.C:
			st := agent.Status()
			fmt.Printf("📊 连接: %s 共享: %v 音频: %v 画面: %d 音频段: %d\n",
				st.Connection, st.Sharing, st.HasAudio, st.FramesSent, st.ChunksSent)
			if st.LastError != "" {
				fmt.Printf("⚠️  %s\n", st.LastError)
			}
		}
	}
}

func newStudentAgent(cfg *config.Config, endpoint string, devices media.Devices, identity student.Identity) (*student.Agent, error) {
	sc, err := studentConfig(cfg)
	if err != nil {
		return nil, err
	}
	channel := relay.New(channelConfig(cfg, endpoint))
	engine := capture.New(devices, engineConfig(cfg))
	if !engine.IsSupported() {
		return nil, fmt.Errorf("screen capture is not supported on this host")
	}
	return student.New(identity, channel, engine, sc), nil
}

// shareWhenConnected 挂载学生端，连上中继后开始共享
func shareWhenConnected(ctx context.Context, agent *student.Agent) error {
	if err := agent.Mount(ctx); err != nil {
		return fmt.Errorf("connect to relay: %w", err)
	}
	if err := agent.StartSharing(ctx); err != nil {
		return fmt.Errorf("start sharing: %w", err)
	}
	return nil
}

// runAdmin 以管理端身份汇总所有学生画面
func runAdmin(ctx context.Context, cfg *config.Config) error {
	user, closeAuth, err := signIn(ctx, cfg, protocol.RoleAdmin, "admin")
	if err != nil {
		return err
	}
	defer closeAuth()

	checkRelay(ctx, cfg.Relay.Endpoint)

	agg := admin.New(admin.Identity{UserID: user.ID, Name: user.Name},
		relay.New(channelConfig(cfg, cfg.Relay.Endpoint)), adminConfig(cfg))
	defer agg.Unmount()

	agg.OnChange(func(c admin.Change) {
		if c.Kind == admin.ChangeRoster {
			fmt.Printf("👥 在线学生: %d\n", len(agg.Roster()))
		}
	})

	if err := agg.Mount(ctx); err != nil {
		return fmt.Errorf("connect to relay: %w", err)
	}

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			fmt.Println("\n🔄 正在退出...")
			return nil
		case <-ticker.C:
			printView(agg)
		}
	}
}

func printView(agg *admin.Aggregator) {
	view := agg.View()
	ids := make([]string, 0, len(view))
	for id := range view {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	stats := agg.GetStats()
	fmt.Printf("📺 画面: %d 音频输出: %d 丢弃(乱序/超限/解码): %d/%d/%d\n",
		len(view), agg.SinkCount(), stats.Stale, stats.OverCapacity, stats.DecodeErrors)
	for _, id := range ids {
		e := view[id]
		fmt.Printf("   %-20s seq=%-6d audio=%-5v %v ago\n",
			e.StudentName, e.Seq, e.HasAudio, time.Since(e.LastUpdate).Round(time.Millisecond))
	}
}

// checkRelay 挂载前检查中继是否可达，不可达时只提示，通道会自动重连
func checkRelay(ctx context.Context, endpoint string) {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := relay.CheckEndpoint(probeCtx, endpoint); err != nil {
		log.Printf("Relay %s is not reachable yet: %v", endpoint, err)
		return
	}
	log.Printf("Relay %s is reachable", endpoint)
}

// runDemo 在同一进程中运行中继、一个学生和一个管理端
func runDemo(ctx context.Context, cfg *config.Config) error {
	fmt.Println("🚀 ScreenRelay - 屏幕共享中继演示")
	fmt.Println("=================================")

	server := relayserver.New(relayServerConfig(cfg, "127.0.0.1:0"))
	if err := server.Start(); err != nil {
		return err
	}
	defer shutdownServer(server)
	fmt.Printf("✅ 中继已启动: %s\n", server.URL())

	agg := admin.New(admin.Identity{UserID: "demo-teacher", Name: "Teacher"},
		relay.New(channelConfig(cfg, server.URL())), adminConfig(cfg))
	defer agg.Unmount()
	if err := agg.Mount(ctx); err != nil {
		return fmt.Errorf("mount admin: %w", err)
	}

	user, closeAuth, err := signIn(ctx, cfg, protocol.RoleStudent, "Alice")
	if err != nil {
		return err
	}
	defer closeAuth()

	demoCfg := *cfg
	demoCfg.Capture.Microphone = false
	agent, err := newStudentAgent(&demoCfg, server.URL(), captureDevices(&demoCfg), student.Identity{UserID: user.ID, Name: user.Name})
	if err != nil {
		return err
	}
	defer agent.Unmount()

	if err := shareWhenConnected(ctx, agent); err != nil {
		return err
	}

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			st := agent.Status()
			fmt.Printf("\n📊 学生端发送画面 %d 音频段 %d\n", st.FramesSent, st.ChunksSent)
			fmt.Printf("📊 中继统计: %v\n", server.GetStats())
			return nil
		case <-ticker.C:
			printView(agg)
		}
	}
}
