package xray

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/akasls/Xray-Multi-Port-Manager/backend/domain"
	"github.com/akasls/Xray-Multi-Port-Manager/backend/repository/events"
	"github.com/akasls/Xray-Multi-Port-Manager/backend/repository/memory"
)

// fakeLauncher 不启动真实进程，通过通道模拟进程退出。
type fakeLauncher struct {
	mu           sync.Mutex
	startErr     error
	readyErr     error
	startEntered chan struct{}
	startGate    chan struct{}
	exits        map[*ProcessHandle]chan struct{}
	last         *ProcessHandle
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{exits: make(map[*ProcessHandle]chan struct{})}
}

// setStartGate 让 Start 先通知 entered 再阻塞在 gate 上，
// 用于测试启动中途（尚无进程句柄）的并发行为。
func (f *fakeLauncher) setStartGate(entered, gate chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startEntered = entered
	f.startGate = gate
}

func (f *fakeLauncher) Start(binaryPath, configPath string) (*ProcessHandle, error) {
	f.mu.Lock()
	startErr := f.startErr
	entered, gate := f.startEntered, f.startGate
	f.mu.Unlock()
	if startErr != nil {
		return nil, startErr
	}
	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	handle := &ProcessHandle{ConfigPath: configPath, BinaryPath: binaryPath, StartedAt: time.Now()}
	f.exits[handle] = make(chan struct{})
	f.last = handle
	return handle, nil
}

func (f *fakeLauncher) Stop(handle *ProcessHandle) error {
	f.kill(handle)
	if handle.Done != nil {
		<-handle.Done
	}
	return nil
}

func (f *fakeLauncher) Wait(handle *ProcessHandle) error {
	f.mu.Lock()
	exit := f.exits[handle]
	f.mu.Unlock()
	if exit != nil {
		<-exit
	}
	return nil
}

func (f *fakeLauncher) WaitForReady(_ *ProcessHandle, _ time.Duration) error {
	return f.readyErr
}

// kill 模拟进程退出（幂等）
func (f *fakeLauncher) kill(handle *ProcessHandle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if exit, ok := f.exits[handle]; ok {
		select {
		case <-exit:
		default:
			close(exit)
		}
	}
}

func newTestManager(t *testing.T) (*Manager, *fakeLauncher, *memory.NodeRepo) {
	t.Helper()

	store := memory.NewStore(events.NewBus())
	nodes := memory.NewNodeRepo(store)

	binary := filepath.Join(t.TempDir(), "xray")
	if err := os.WriteFile(binary, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatalf("write fake binary: %v", err)
	}

	pool := NewPortPool(43000, 43100)
	m := NewManager(nodes, pool, ManagerConfig{
		BinaryPath:   binary,
		RuntimeDir:   t.TempDir(),
		ReadyTimeout: time.Second,
	})
	fake := newFakeLauncher()
	m.launcher = fake
	return m, fake, nodes
}

func createTestNode(t *testing.T, nodes *memory.NodeRepo) domain.Node {
	t.Helper()
	node, err := nodes.Create(context.Background(), domain.Node{
		Name:     "HK 01",
		Address:  "example.com",
		Port:     443,
		Protocol: domain.ProtocolVLESS,
		Security: &domain.NodeSecurity{UUID: "b33f4e5a-1a2b-4c3d-9e8f-001122334455"},
	})
	if err != nil {
		t.Fatalf("create node: %v", err)
	}
	return node
}

func TestManager_StartNode(t *testing.T) {
	t.Parallel()

	m, _, nodes := newTestManager(t)
	node := createTestNode(t, nodes)
	ctx := context.Background()

	port, err := m.StartNode(ctx, node.ID)
	if err != nil {
		t.Fatalf("StartNode: %v", err)
	}
	if port < 43000 || port > 43100 {
		t.Fatalf("port %d outside pool range", port)
	}
	if !m.IsRunning(node.ID) {
		t.Fatalf("node should be running")
	}

	got, err := nodes.Get(ctx, node.ID)
	if err != nil {
		t.Fatalf("get node: %v", err)
	}
	if got.State != domain.NodeRunning || got.LocalPort != port {
		t.Fatalf("expected running on port %d, got state=%s port=%d", port, got.State, got.LocalPort)
	}

	configPath := filepath.Join(m.cfg.RuntimeDir, fmt.Sprintf("node-%d.json", port))
	if _, err := os.Stat(configPath); err != nil {
		t.Fatalf("config file not written: %v", err)
	}
}

func TestManager_StartTwiceReturnsAlreadyRunning(t *testing.T) {
	t.Parallel()

	m, _, nodes := newTestManager(t)
	node := createTestNode(t, nodes)
	ctx := context.Background()

	if _, err := m.StartNode(ctx, node.ID); err != nil {
		t.Fatalf("first StartNode: %v", err)
	}
	if _, err := m.StartNode(ctx, node.ID); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
}

func TestManager_StopNodeIdempotent(t *testing.T) {
	t.Parallel()

	m, _, nodes := newTestManager(t)
	node := createTestNode(t, nodes)
	ctx := context.Background()

	if err := m.StopNode(ctx, node.ID); err != nil {
		t.Fatalf("stop of non-running node should be a no-op, got %v", err)
	}

	port, err := m.StartNode(ctx, node.ID)
	if err != nil {
		t.Fatalf("StartNode: %v", err)
	}
	if err := m.StopNode(ctx, node.ID); err != nil {
		t.Fatalf("StopNode: %v", err)
	}
	if m.IsRunning(node.ID) {
		t.Fatalf("node still marked running after stop")
	}

	got, err := nodes.Get(ctx, node.ID)
	if err != nil {
		t.Fatalf("get node: %v", err)
	}
	if got.State != domain.NodeStopped || got.LocalPort != 0 {
		t.Fatalf("expected stopped with no port, got state=%s port=%d", got.State, got.LocalPort)
	}

	// 端口应已归还，可立即复用
	if _, taken := m.pool.Leases()[port]; taken {
		t.Fatalf("port %d still leased after stop", port)
	}

	if err := m.StopNode(ctx, node.ID); err != nil {
		t.Fatalf("second stop should be a no-op, got %v", err)
	}
}

func TestManager_CrashMarksNodeFailed(t *testing.T) {
	t.Parallel()

	m, fake, nodes := newTestManager(t)
	node := createTestNode(t, nodes)
	ctx := context.Background()

	port, err := m.StartNode(ctx, node.ID)
	if err != nil {
		t.Fatalf("StartNode: %v", err)
	}

	fake.kill(fake.last)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, err := nodes.Get(ctx, node.ID)
		if err != nil {
			t.Fatalf("get node: %v", err)
		}
		if got.State == domain.NodeFailed {
			if got.LocalPort != 0 {
				t.Fatalf("failed node still holds port %d", got.LocalPort)
			}
			if _, taken := m.pool.Leases()[port]; taken {
				t.Fatalf("port %d still leased after crash", port)
			}
			if m.IsRunning(node.ID) {
				t.Fatalf("crashed node still listed as running")
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("node never transitioned to failed after crash")
}

func TestManager_ReadyFailureCleansUp(t *testing.T) {
	t.Parallel()

	m, fake, nodes := newTestManager(t)
	fake.readyErr = errors.New("never came up")
	node := createTestNode(t, nodes)
	ctx := context.Background()

	_, err := m.StartNode(ctx, node.ID)
	var launchErr *ProcessLaunchError
	if !errors.As(err, &launchErr) {
		t.Fatalf("expected ProcessLaunchError, got %v", err)
	}
	if m.IsRunning(node.ID) {
		t.Fatalf("node listed as running after failed launch")
	}

	got, err := nodes.Get(ctx, node.ID)
	if err != nil {
		t.Fatalf("get node: %v", err)
	}
	if got.State != domain.NodeFailed {
		t.Fatalf("expected failed state, got %s", got.State)
	}
	if len(m.pool.Leases()) != 0 {
		t.Fatalf("port still leased after failed launch: %v", m.pool.Leases())
	}

	// 失败后可以重新启动
	fake.readyErr = nil
	if _, err := m.StartNode(ctx, node.ID); err != nil {
		t.Fatalf("restart after failure: %v", err)
	}
}

func TestManager_StopDuringLaunchAbortsStart(t *testing.T) {
	t.Parallel()

	m, fake, nodes := newTestManager(t)
	node := createTestNode(t, nodes)
	ctx := context.Background()

	entered := make(chan struct{}, 1)
	gate := make(chan struct{})
	fake.setStartGate(entered, gate)

	errCh := make(chan error, 1)
	go func() {
		_, err := m.StartNode(ctx, node.ID)
		errCh <- err
	}()

	// 启动流程还没拿到进程句柄，此时的停止只能打标记
	<-entered
	if err := m.StopNode(ctx, node.ID); err != nil {
		t.Fatalf("stop during launch: %v", err)
	}
	close(gate)

	if err := <-errCh; !errors.Is(err, ErrStartAborted) {
		t.Fatalf("expected ErrStartAborted, got %v", err)
	}
	if m.IsRunning(node.ID) {
		t.Fatalf("aborted node still listed as running")
	}
	got, err := nodes.Get(ctx, node.ID)
	if err != nil {
		t.Fatalf("get node: %v", err)
	}
	if got.State != domain.NodeStopped || got.LocalPort != 0 {
		t.Fatalf("expected stopped with no port, got state=%s port=%d", got.State, got.LocalPort)
	}
	if len(m.pool.Leases()) != 0 {
		t.Fatalf("port still leased after aborted start: %v", m.pool.Leases())
	}

	// 放弃启动不应妨碍之后的正常启动
	fake.setStartGate(nil, nil)
	if _, err := m.StartNode(ctx, node.ID); err != nil {
		t.Fatalf("restart after aborted start: %v", err)
	}
}

func TestManager_RestartAfterCrashKeepsSingleLease(t *testing.T) {
	t.Parallel()

	m, fake, nodes := newTestManager(t)
	node := createTestNode(t, nodes)
	ctx := context.Background()

	if _, err := m.StartNode(ctx, node.ID); err != nil {
		t.Fatalf("StartNode: %v", err)
	}
	fake.kill(fake.last)

	// 崩溃回收一旦让出实例槽位就立刻重启
	deadline := time.Now().Add(2 * time.Second)
	var port int
	for {
		p, err := m.StartNode(ctx, node.ID)
		if err == nil {
			port = p
			break
		}
		if !errors.Is(err, ErrAlreadyRunning) {
			t.Fatalf("restart after crash: %v", err)
		}
		if time.Now().After(deadline) {
			t.Fatalf("restart never succeeded after crash")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// 旧实例的回收不得释放新实例的租约，也不得覆盖其运行状态
	time.Sleep(50 * time.Millisecond)
	got, err := nodes.Get(ctx, node.ID)
	if err != nil {
		t.Fatalf("get node: %v", err)
	}
	if got.State != domain.NodeRunning || got.LocalPort != port {
		t.Fatalf("expected running on port %d, got state=%s port=%d", port, got.State, got.LocalPort)
	}
	leases := m.pool.Leases()
	if len(leases) != 1 || leases[port] != node.ID {
		t.Fatalf("expected a single lease for port %d, got %v", port, leases)
	}
}

func TestManager_StartWithPinnedPort(t *testing.T) {
	t.Parallel()

	m, _, nodes := newTestManager(t)
	node := createTestNode(t, nodes)
	ctx := context.Background()

	updated := node
	updated.PreferredPort = 43050
	if _, err := nodes.Update(ctx, node.ID, updated); err != nil {
		t.Fatalf("pin port: %v", err)
	}

	port, err := m.StartNode(ctx, node.ID)
	if err != nil {
		t.Fatalf("StartNode: %v", err)
	}
	if port != 43050 {
		t.Fatalf("expected pinned port 43050, got %d", port)
	}
}

func TestManager_StopAll(t *testing.T) {
	t.Parallel()

	m, _, nodes := newTestManager(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		node := createTestNode(t, nodes)
		if _, err := m.StartNode(ctx, node.ID); err != nil {
			t.Fatalf("start node %d: %v", i, err)
		}
		ids = append(ids, node.ID)
	}

	if err := m.StopAll(ctx); err != nil {
		t.Fatalf("StopAll: %v", err)
	}
	for _, id := range ids {
		if m.IsRunning(id) {
			t.Fatalf("node %s still running after StopAll", id)
		}
	}
	if len(m.pool.Leases()) != 0 {
		t.Fatalf("leases remain after StopAll: %v", m.pool.Leases())
	}
}
