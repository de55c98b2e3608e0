package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/akasls/Xray-Multi-Port-Manager/backend/domain"
	"github.com/akasls/Xray-Multi-Port-Manager/backend/repository/events"
	"github.com/akasls/Xray-Multi-Port-Manager/backend/repository/memory"
)

func newTestTester(t *testing.T, probe probeFunc) (*Tester, *memory.NodeRepo, *events.Bus) {
	t.Helper()
	bus := events.NewBus()
	store := memory.NewStore(bus)
	nodes := memory.NewNodeRepo(store)
	settings := memory.NewSettingsRepo(store)
	tester := NewTester(nodes, settings, bus)
	tester.probe = probe
	return tester, nodes, bus
}

func seedNodes(t *testing.T, nodes *memory.NodeRepo, count int) []domain.Node {
	t.Helper()
	out := make([]domain.Node, 0, count)
	for i := 0; i < count; i++ {
		node, err := nodes.Create(context.Background(), domain.Node{
			Name:     fmt.Sprintf("HK %02d", i),
			Address:  fmt.Sprintf("10.0.0.%d", i+1),
			Port:     443,
			Protocol: domain.ProtocolVLESS,
		})
		if err != nil {
			t.Fatalf("create node %d: %v", i, err)
		}
		out = append(out, node)
	}
	return out
}

func TestTestAll_WritesLatencyBack(t *testing.T) {
	t.Parallel()

	tester, nodes, _ := newTestTester(t, func(_ context.Context, node domain.Node, _ time.Duration) (int64, error) {
		if node.Name == "HK 01" {
			return 0, errors.New("connection refused")
		}
		return 42, nil
	})
	seeded := seedNodes(t, nodes, 3)

	if err := tester.TestAll(context.Background()); err != nil {
		t.Fatalf("TestAll: %v", err)
	}

	for _, node := range seeded {
		got, err := nodes.Get(context.Background(), node.ID)
		if err != nil {
			t.Fatalf("get node: %v", err)
		}
		if node.Name == "HK 01" {
			if got.LastLatencyMS != domain.LatencyFailed {
				t.Fatalf("expected failed sentinel for %s, got %d", node.Name, got.LastLatencyMS)
			}
			if got.LastLatencyError == "" {
				t.Fatalf("expected failure reason for %s", node.Name)
			}
		} else {
			if got.LastLatencyMS != 42 {
				t.Fatalf("expected 42ms for %s, got %d", node.Name, got.LastLatencyMS)
			}
			if got.LastLatencyError != "" {
				t.Fatalf("stale error on %s: %q", node.Name, got.LastLatencyError)
			}
		}
		if got.LastLatencyAt.IsZero() {
			t.Fatalf("latency timestamp not set on %s", node.Name)
		}
	}
}

func TestTestAll_RespectsConcurrencyLimit(t *testing.T) {
	t.Parallel()

	var inFlight, peak int64
	tester, nodes, _ := newTestTester(t, func(_ context.Context, _ domain.Node, _ time.Duration) (int64, error) {
		cur := atomic.AddInt64(&inFlight, 1)
		for {
			old := atomic.LoadInt64(&peak)
			if cur <= old || atomic.CompareAndSwapInt64(&peak, old, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt64(&inFlight, -1)
		return 10, nil
	})
	seedNodes(t, nodes, 20)

	if err := tester.TestAll(context.Background()); err != nil {
		t.Fatalf("TestAll: %v", err)
	}
	if p := atomic.LoadInt64(&peak); p > 8 {
		t.Fatalf("concurrency peak %d exceeds limit 8", p)
	}
}

func TestTestAll_PublishesProgress(t *testing.T) {
	t.Parallel()

	tester, nodes, bus := newTestTester(t, func(_ context.Context, _ domain.Node, _ time.Duration) (int64, error) {
		return 5, nil
	})
	seedNodes(t, nodes, 4)

	var mu sync.Mutex
	var got []events.ProbeProgressEvent
	doneCh := make(chan struct{})
	bus.Subscribe(events.EventProbeProgress, func(e events.Event) {
		pe, ok := e.(events.ProbeProgressEvent)
		if !ok {
			return
		}
		mu.Lock()
		got = append(got, pe)
		complete := len(got) == 4
		mu.Unlock()
		if complete {
			close(doneCh)
		}
	})

	if err := tester.TestAll(context.Background()); err != nil {
		t.Fatalf("TestAll: %v", err)
	}

	select {
	case <-doneCh:
	case <-time.After(2 * time.Second):
		t.Fatalf("progress events missing")
	}

	mu.Lock()
	defer mu.Unlock()
	seen := make(map[int]bool)
	for _, e := range got {
		if e.Total != 4 {
			t.Fatalf("expected total 4, got %d", e.Total)
		}
		seen[e.Done] = true
	}
	for i := 1; i <= 4; i++ {
		if !seen[i] {
			t.Fatalf("missing progress step %d (got %v)", i, got)
		}
	}
}

func TestTestAll_CancelStopsDispatch(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	var calls int64
	tester, nodes, _ := newTestTester(t, func(_ context.Context, _ domain.Node, _ time.Duration) (int64, error) {
		if atomic.AddInt64(&calls, 1) == 1 {
			cancel()
		}
		time.Sleep(10 * time.Millisecond)
		return 7, nil
	})
	seedNodes(t, nodes, 50)

	err := tester.TestAll(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if atomic.LoadInt64(&calls) >= 50 {
		t.Fatalf("cancel did not stop dispatch, all %d probes ran", calls)
	}
}

func TestTestNode_SingleProbe(t *testing.T) {
	t.Parallel()

	tester, nodes, _ := newTestTester(t, func(_ context.Context, _ domain.Node, _ time.Duration) (int64, error) {
		return 33, nil
	})
	seeded := seedNodes(t, nodes, 1)

	latency, err := tester.TestNode(context.Background(), seeded[0].ID)
	if err != nil {
		t.Fatalf("TestNode: %v", err)
	}
	if latency != 33 {
		t.Fatalf("expected 33, got %d", latency)
	}

	got, err := nodes.Get(context.Background(), seeded[0].ID)
	if err != nil {
		t.Fatalf("get node: %v", err)
	}
	if got.LastLatencyMS != 33 {
		t.Fatalf("latency not written back: %d", got.LastLatencyMS)
	}
}

func TestTestNode_TimeoutWritesFailedSentinel(t *testing.T) {
	t.Parallel()

	bus := events.NewBus()
	store := memory.NewStore(bus)
	nodes := memory.NewNodeRepo(store)
	settings := memory.NewSettingsRepo(store)
	// 不替换 probe，走真实的拨号与超时路径
	tester := NewTester(nodes, settings, bus)

	// 接受连接但从不响应，TLS 握手只能等到超时
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	var connMu sync.Mutex
	var conns []net.Conn
	defer func() {
		connMu.Lock()
		defer connMu.Unlock()
		for _, c := range conns {
			_ = c.Close()
		}
	}()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			connMu.Lock()
			conns = append(conns, conn)
			connMu.Unlock()
		}
	}()
	port := ln.Addr().(*net.TCPAddr).Port

	ctx := context.Background()
	cur, err := settings.Get(ctx)
	if err != nil {
		t.Fatalf("get settings: %v", err)
	}
	cur.ProbeTimeout = 200 * time.Millisecond
	if _, err := settings.Update(ctx, cur); err != nil {
		t.Fatalf("update settings: %v", err)
	}

	node, err := nodes.Create(ctx, domain.Node{
		Name:     "HK 01",
		Address:  "127.0.0.1",
		Port:     port,
		Protocol: domain.ProtocolVLESS,
		TLS:      &domain.NodeTLS{Enabled: true, Type: "tls", Insecure: true},
	})
	if err != nil {
		t.Fatalf("create node: %v", err)
	}

	start := time.Now()
	latency, err := tester.TestNode(ctx, node.ID)
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("TestNode: %v", err)
	}
	if latency != domain.LatencyFailed {
		t.Fatalf("expected failed sentinel, got %d", latency)
	}
	// 默认 3 次尝试，每次 200ms 超时，留出调度余量
	if elapsed > 2*time.Second {
		t.Fatalf("timeout took %v, deadline not honored", elapsed)
	}

	got, err := nodes.Get(ctx, node.ID)
	if err != nil {
		t.Fatalf("get node: %v", err)
	}
	if got.LastLatencyMS != domain.LatencyFailed {
		t.Fatalf("failed sentinel not written back, got %d", got.LastLatencyMS)
	}
	if got.LastLatencyError == "" {
		t.Fatalf("timeout reason not recorded")
	}
}

func TestNodeLatencyOnce_LocalListener(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			_ = conn.Close()
		}
	}()
	port := ln.Addr().(*net.TCPAddr).Port

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	latency, err := nodeLatencyOnce(ctx, domain.Node{Address: "127.0.0.1", Port: port})
	if err != nil {
		t.Fatalf("nodeLatencyOnce: %v", err)
	}
	if latency < 1 {
		t.Fatalf("latency must be at least 1ms, got %d", latency)
	}
}

func TestShouldTLSHandshake(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		tls  *domain.NodeTLS
		want bool
	}{
		{"no tls", nil, false},
		{"tls disabled", &domain.NodeTLS{Enabled: false}, false},
		{"plain tls", &domain.NodeTLS{Enabled: true}, true},
		{"reality by type", &domain.NodeTLS{Enabled: true, Type: "reality"}, false},
		{"reality by key", &domain.NodeTLS{Enabled: true, RealityPublicKey: "pk"}, false},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := shouldTLSHandshake(domain.Node{TLS: tc.tls})
			if got != tc.want {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}
