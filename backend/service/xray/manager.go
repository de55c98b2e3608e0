package xray

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/akasls/Xray-Multi-Port-Manager/backend/domain"
	"github.com/akasls/Xray-Multi-Port-Manager/backend/repository"
	"github.com/akasls/Xray-Multi-Port-Manager/backend/service/shared"
)

// ProcessHandle 一个已启动的 xray 进程
type ProcessHandle struct {
	Cmd        *exec.Cmd
	ConfigPath string
	BinaryPath string
	Port       int
	StartedAt  time.Time
	Done       chan struct{} // 进程退出后由守护协程关闭
}

// ManagerConfig Manager 的启动参数
type ManagerConfig struct {
	BinaryDir    string // xray 安装目录（在其中查找二进制）
	BinaryPath   string // 直接指定二进制路径，优先于 BinaryDir
	RuntimeDir   string // 每节点配置文件的落盘目录
	ReadyTimeout time.Duration
}

// Manager 管理每节点一个的 xray 进程：分配端口、生成配置、
// 启动/停止进程并监控崩溃。节点运行状态的写入只发生在这里。
type Manager struct {
	nodes    repository.NodeRepository
	pool     *PortPool
	launcher launcher
	cfg      ManagerConfig

	mu        sync.Mutex
	instances map[string]*ProcessHandle
	stopping  map[string]bool
}

func NewManager(nodes repository.NodeRepository, pool *PortPool, cfg ManagerConfig) *Manager {
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 10 * time.Second
	}
	return &Manager{
		nodes:     nodes,
		pool:      pool,
		launcher:  &processLauncher{},
		cfg:       cfg,
		instances: make(map[string]*ProcessHandle),
		stopping:  make(map[string]bool),
	}
}

// Pool 暴露端口池（设置变更时调整区间用）。
func (m *Manager) Pool() *PortPool { return m.pool }

// StartNode 为节点启动一个 xray 进程，返回分配到的本地端口。
// 节点已在运行或正在启动时返回 ErrAlreadyRunning。
func (m *Manager) StartNode(ctx context.Context, nodeID string) (int, error) {
	node, err := m.nodes.Get(ctx, nodeID)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	if _, running := m.instances[nodeID]; running || m.stopping[nodeID] {
		m.mu.Unlock()
		return 0, ErrAlreadyRunning
	}
	// 占位，避免并发 StartNode 重复启动同一节点
	m.instances[nodeID] = nil
	m.mu.Unlock()

	port, err := m.launch(ctx, node)
	if err != nil {
		m.mu.Lock()
		delete(m.instances, nodeID)
		delete(m.stopping, nodeID)
		m.mu.Unlock()
		return 0, err
	}
	return port, nil
}

func (m *Manager) launch(ctx context.Context, node domain.Node) (int, error) {
	binary, err := m.resolveBinary()
	if err != nil {
		return 0, err
	}

	port, err := m.pool.Lease(node.ID, node.PreferredPort)
	if err != nil {
		return 0, err
	}

	node.LocalPort = port
	data, err := BuildNodeConfig(node)
	if err != nil {
		m.pool.Release(node.ID)
		return 0, err
	}

	configPath := filepath.Join(m.cfg.RuntimeDir, fmt.Sprintf("node-%d.json", port))
	if err := shared.WriteFileAtomic(configPath, data, 0o644); err != nil {
		m.pool.Release(node.ID)
		return 0, fmt.Errorf("write node config: %w", err)
	}

	if err := m.nodes.UpdateRunState(ctx, node.ID, domain.NodeStarting, port); err != nil {
		m.pool.Release(node.ID)
		return 0, err
	}

	handle, err := m.launcher.Start(binary, configPath)
	if err != nil {
		m.failCleanup(ctx, node.ID, configPath)
		return 0, &ProcessLaunchError{NodeID: node.ID, Cause: err}
	}
	handle.Port = port
	handle.Done = make(chan struct{})

	m.mu.Lock()
	m.instances[node.ID] = handle
	m.mu.Unlock()

	go m.watch(node.ID, handle)

	if err := m.launcher.WaitForReady(handle, m.cfg.ReadyTimeout); err != nil {
		m.mu.Lock()
		m.stopping[node.ID] = true
		m.mu.Unlock()
		_ = m.launcher.Stop(handle)
		_ = m.teardown(ctx, node.ID, configPath, domain.NodeFailed)
		return 0, &ProcessLaunchError{NodeID: node.ID, Cause: err}
	}

	// 启动期间可能收到了停止请求（占位阶段 StopNode 只能打标记），
	// Running 的写入必须与注册检查同临界区，避免与并发停止互相覆盖。
	m.mu.Lock()
	if m.instances[node.ID] != handle {
		// 已被并发停止回收
		m.mu.Unlock()
		return 0, ErrStartAborted
	}
	if m.stopping[node.ID] {
		m.mu.Unlock()
		_ = m.launcher.Stop(handle)
		_ = m.teardown(ctx, node.ID, configPath, domain.NodeStopped)
		return 0, ErrStartAborted
	}
	if err := m.nodes.UpdateRunState(ctx, node.ID, domain.NodeRunning, port); err != nil {
		log.Printf("[xray] 标记节点 %s 运行状态失败: %v", node.ID, err)
	}
	m.mu.Unlock()
	return port, nil
}

// teardown 注销实例并回收端口、配置与节点状态。
// 整段在同一临界区内完成：实例槽位一旦空出，并发 StartNode 就可能重新
// 租用该节点的端口，回收必须在那之前全部结束。
func (m *Manager) teardown(ctx context.Context, nodeID, configPath string, state domain.NodeState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.instances, nodeID)
	delete(m.stopping, nodeID)
	m.pool.Release(nodeID)
	_ = os.Remove(configPath)
	return m.nodes.UpdateRunState(ctx, nodeID, state, 0)
}

func (m *Manager) failCleanup(ctx context.Context, nodeID, configPath string) {
	m.pool.Release(nodeID)
	_ = os.Remove(configPath)
	if err := m.nodes.UpdateRunState(ctx, nodeID, domain.NodeFailed, 0); err != nil {
		log.Printf("[xray] 标记节点 %s 失败状态失败: %v", nodeID, err)
	}
}

// StopNode 停止节点进程并释放端口。节点未运行时为空操作。
// 节点还在启动流程中（尚无进程句柄）时打上停止标记，启动方就绪后即收尾。
func (m *Manager) StopNode(ctx context.Context, nodeID string) error {
	m.mu.Lock()
	handle, ok := m.instances[nodeID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	m.stopping[nodeID] = true
	m.mu.Unlock()

	if handle == nil {
		return nil
	}

	_ = m.launcher.Stop(handle)
	return m.teardown(ctx, nodeID, handle.ConfigPath, domain.NodeStopped)
}

// StopAll 停止全部运行中的节点，汇总各自的错误。
func (m *Manager) StopAll(ctx context.Context) error {
	// 占位中的节点也要停：StopNode 会给它们打上停止标记
	m.mu.Lock()
	ids := make([]string, 0, len(m.instances))
	for id := range m.instances {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := m.StopNode(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// IsRunning 节点是否有存活的进程实例。
func (m *Manager) IsRunning(nodeID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	handle, ok := m.instances[nodeID]
	return ok && handle != nil
}

// RunningPorts 返回运行中节点的端口映射（nodeID -> port）。
func (m *Manager) RunningPorts() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int, len(m.instances))
	for id, handle := range m.instances {
		if handle != nil {
			out[id] = handle.Port
		}
	}
	return out
}

// watch 守护进程退出：非主动停止视为崩溃，回收端口并标记失败。
// 回收全程持锁：槽位一旦空出，并发 StartNode 就能重新租端口，
// 若此时才释放旧租约会破坏端口独占。
func (m *Manager) watch(nodeID string, handle *ProcessHandle) {
	_ = m.launcher.Wait(handle)
	close(handle.Done)

	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.instances[nodeID]; !ok || current != handle || m.stopping[nodeID] {
		// 主动停止或句柄已被替换，由停止方收尾
		return
	}
	delete(m.instances, nodeID)
	m.pool.Release(nodeID)
	_ = os.Remove(handle.ConfigPath)
	if err := m.nodes.UpdateRunState(context.Background(), nodeID, domain.NodeFailed, 0); err != nil {
		log.Printf("[xray] 标记节点 %s 失败状态失败: %v", nodeID, err)
	}
	log.Printf("[xray] 节点 %s 进程意外退出（端口 %d）", nodeID, handle.Port)
}

func (m *Manager) resolveBinary() (string, error) {
	if m.cfg.BinaryPath != "" {
		if _, err := os.Stat(m.cfg.BinaryPath); err != nil {
			return "", fmt.Errorf("%w: %s", ErrEngineNotInstalled, m.cfg.BinaryPath)
		}
		return m.cfg.BinaryPath, nil
	}
	path, err := shared.FindBinaryInDir(m.cfg.BinaryDir, []string{"xray", "xray.exe"})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEngineNotInstalled, err)
	}
	return path, nil
}
