package xray

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyRunning 节点已在运行（或正在启动）
	ErrAlreadyRunning = errors.New("node is already running")

	// ErrEngineNotInstalled 找不到 xray 二进制
	ErrEngineNotInstalled = errors.New("xray binary not found")

	// ErrStartAborted 启动期间收到停止请求，启动被放弃
	ErrStartAborted = errors.New("node start aborted by stop request")
)

// ValidationError 节点缺少生成配置所需的字段
type ValidationError struct {
	NodeID string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e == nil {
		return "invalid node config"
	}
	return fmt.Sprintf("invalid node config (node %s): %s %s", e.NodeID, e.Field, e.Reason)
}

// PortConflictError 端口已被占用（池内占用或宿主占用）
type PortConflictError struct {
	Port     int
	HolderID string
}

func (e *PortConflictError) Error() string {
	if e == nil {
		return "port conflict"
	}
	if e.HolderID != "" {
		return fmt.Sprintf("port %d already leased by node %s", e.Port, e.HolderID)
	}
	return fmt.Sprintf("port %d is not available", e.Port)
}

// ProcessLaunchError 进程启动失败（spawn 失败或就绪超时）
type ProcessLaunchError struct {
	NodeID string
	Cause  error
}

func (e *ProcessLaunchError) Error() string {
	if e == nil {
		return "process launch failed"
	}
	if e.Cause != nil {
		return fmt.Sprintf("start node %s: %v", e.NodeID, e.Cause)
	}
	return fmt.Sprintf("start node %s failed", e.NodeID)
}

func (e *ProcessLaunchError) Unwrap() error { return e.Cause }
