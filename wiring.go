package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"

	"ScreenRelay/internal/admin"
	"ScreenRelay/internal/auth"
	"ScreenRelay/internal/capture"
	"ScreenRelay/internal/config"
	"ScreenRelay/internal/media"
	"ScreenRelay/internal/media/device"
	"ScreenRelay/internal/protocol"
	"ScreenRelay/internal/relay"
	"ScreenRelay/internal/relayserver"
	"ScreenRelay/internal/student"
)

func relayServerConfig(cfg *config.Config, addr string) *relayserver.Config {
	sc := relayserver.DefaultConfig(addr)
	sc.MaxConnections = cfg.Relay.MaxParticipants
	sc.ReadLimit = cfg.Relay.ReadLimit
	sc.WriteTimeout = cfg.Relay.WriteTimeout
	sc.PingInterval = cfg.Relay.PingInterval
	sc.PongWait = cfg.Channel.PongWait
	sc.SendBuffer = cfg.Relay.SendBuffer
	sc.EnableCompression = cfg.Channel.EnableCompression
	sc.GRPCHealthAddr = cfg.Relay.GRPCHealthAddr
	return sc
}

func channelConfig(cfg *config.Config, url string) *relay.Config {
	cc := relay.DefaultConfig(url)
	cc.HandshakeTimeout = cfg.Channel.HandshakeTimeout
	cc.HeartbeatInterval = cfg.Channel.HeartbeatInterval
	cc.PongWait = cfg.Channel.PongWait
	cc.WriteTimeout = cfg.Relay.WriteTimeout
	cc.ReconnectInterval = cfg.Channel.ReconnectInterval
	cc.MaxReconnectTries = cfg.Channel.MaxReconnectTries
	cc.EnableCompression = cfg.Channel.EnableCompression
	cc.UserAgent = cfg.Channel.UserAgent
	cc.ReadLimit = cfg.Relay.ReadLimit
	return cc
}

func engineConfig(cfg *config.Config) *capture.Config {
	ec := capture.DefaultConfig()
	ec.ReadyTimeout = cfg.Capture.ReadyTimeout
	ec.JPEGQuality = cfg.Capture.JPEGQuality
	ec.AudioChunkInterval = cfg.Capture.AudioChunkInterval
	if cfg.Capture.MaxWidth > 0 {
		ec.Video.MaxWidth = cfg.Capture.MaxWidth
	}
	if cfg.Capture.MaxHeight > 0 {
		ec.Video.MaxHeight = cfg.Capture.MaxHeight
	}
	if cfg.Capture.FrameRate > 0 {
		ec.Video.IdealFrameRate = int(math.Round(cfg.Capture.FrameRate))
		if ec.Video.IdealFrameRate < 1 {
			ec.Video.IdealFrameRate = 1
		}
		if ec.Video.MaxFrameRate < ec.Video.IdealFrameRate {
			ec.Video.MaxFrameRate = ec.Video.IdealFrameRate
		}
	}
	return ec
}

func captureOptions(cfg *config.Config) (capture.Options, error) {
	quality, err := capture.ParseAudioQuality(cfg.Capture.AudioQuality)
	if err != nil {
		return capture.Options{}, err
	}
	return capture.Options{
		CaptureSystemAudio: cfg.Capture.SystemAudio,
		CaptureMicrophone:  cfg.Capture.Microphone,
		AudioQuality:       quality,
	}, nil
}

func studentConfig(cfg *config.Config) (*student.Config, error) {
	opts, err := captureOptions(cfg)
	if err != nil {
		return nil, err
	}
	sc := student.DefaultConfig()
	sc.CaptureInterval = cfg.Capture.Interval
	sc.SettleDelay = cfg.Capture.SettleDelay
	sc.Audio = opts
	return sc, nil
}

func adminConfig(cfg *config.Config) *admin.Config {
	ac := admin.DefaultConfig()
	ac.MaxParticipants = cfg.Admin.MaxParticipants
	ac.IdleTimeout = cfg.Admin.IdleTimeout
	ac.DiscardStale = cfg.Admin.DiscardStale
	if cfg.Admin.PlayAudio {
		ac.Sinks = speakerSink
	}
	return ac
}

func speakerSink(string) (admin.AudioSink, error) {
	return device.NewSpeaker()
}

// captureDevices 画面来自截图目录或合成画面，开启麦克风时输入走 PortAudio
func captureDevices(cfg *config.Config) media.Devices {
	var mic func(context.Context, media.AudioConstraints) (*media.Stream, error)
	if cfg.Capture.Microphone {
		mic = device.OpenMicrophone
	}
	if cfg.Capture.SourceDir != "" {
		folder := media.NewFolderDevices(cfg.Capture.SourceDir)
		folder.Microphone = mic
		return folder
	}
	synthetic := media.NewSyntheticDevices()
	synthetic.Microphone = mic
	return synthetic
}

// signIn 用配置中的身份登录，postgres 模式下账号不存在时自动注册
func signIn(ctx context.Context, cfg *config.Config, role protocol.Role, fallbackName string) (auth.User, func(), error) {
	provider, closeFn, err := auth.NewProvider(ctx, cfg.Auth.Mode, cfg.Auth.DSN)
	if err != nil {
		return auth.User{}, nil, err
	}

	name := cfg.Identity.Name
	if name == "" {
		name = fallbackName
	}
	creds := auth.Credentials{
		Name:     name,
		Email:    cfg.Identity.Email,
		Password: cfg.Identity.Password,
		Role:     role,
	}

	user, err := provider.Login(ctx, creds)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		var regErr error
		user, regErr = provider.Register(ctx, creds)
		if regErr == nil {
			err = nil
		} else if !errors.Is(regErr, auth.ErrUserExists) {
			err = regErr
		}
	}
	if err != nil {
		closeFn()
		return auth.User{}, nil, fmt.Errorf("sign in as %q failed: %w", name, err)
	}

	if cfg.Identity.UserID != "" {
		user.ID = cfg.Identity.UserID
	}
	log.Printf("Signed in as %q (%s, %s)", user.Name, user.ID, user.Role)
	return user, closeFn, nil
}
