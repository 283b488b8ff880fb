package capture

import (
	"context"
	"errors"
	"fmt"

	"ScreenRelay/internal/media"
)

// ErrorKind 采集失败分类
type ErrorKind int

const (
	KindPermissionDenied ErrorKind = iota + 1
	KindUnsupported
	KindTimeout
	KindDeviceError
)

func (k ErrorKind) String() string {
	switch k {
	case KindPermissionDenied:
		return "PermissionDenied"
	case KindUnsupported:
		return "Unsupported"
	case KindTimeout:
		return "Timeout"
	case KindDeviceError:
		return "DeviceError"
	default:
		return "Unknown"
	}
}

// Retryable 超时和设备错误可以重试，权限和能力问题需要用户处理
func (k ErrorKind) Retryable() bool {
	return k == KindTimeout || k == KindDeviceError
}

// Error 采集失败，Reason 可直接展示给用户
type Error struct {
	Kind   ErrorKind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// Is 按分类匹配，使 errors.Is(err, ErrTimeout) 成立
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// 用于 errors.Is 的分类哨兵
var (
	ErrPermissionDenied = &Error{Kind: KindPermissionDenied, Reason: "permission denied"}
	ErrUnsupported      = &Error{Kind: KindUnsupported, Reason: "unsupported"}
	ErrTimeout          = &Error{Kind: KindTimeout, Reason: "timeout"}
	ErrDeviceError      = &Error{Kind: KindDeviceError, Reason: "device error"}
)

// 引擎使用错误
var (
	ErrAlreadyCapturing = errors.New("capture already in progress")
	ErrNotCapturing     = errors.New("capture not active")
	ErrNoAudioTracks    = errors.New("no audio tracks to record")
)

const (
	reasonPermissionDenied = "Screen sharing permission denied. Please allow screen sharing and try again."
	reasonUnsupported      = "Screen sharing is not supported in this environment."
	reasonTimeout          = "Screen sharing setup timed out. Please try again."
	reasonStopped          = "Screen sharing was stopped before it became ready."
)

// classify 把设备层错误映射为采集错误
func classify(err error) *Error {
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}

	switch {
	case errors.Is(err, media.ErrNotAllowed):
		return &Error{Kind: KindPermissionDenied, Reason: reasonPermissionDenied, Err: err}
	case errors.Is(err, media.ErrNotSupported):
		return &Error{Kind: KindUnsupported, Reason: reasonUnsupported, Err: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: KindTimeout, Reason: reasonTimeout, Err: err}
	case errors.Is(err, context.Canceled):
		return &Error{Kind: KindDeviceError, Reason: reasonStopped, Err: err}
	default:
		return &Error{Kind: KindDeviceError, Reason: "Failed to start screen sharing: " + err.Error(), Err: err}
	}
}
