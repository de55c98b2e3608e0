package probe

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/akasls/Xray-Multi-Port-Manager/backend/domain"
	"github.com/akasls/Xray-Multi-Port-Manager/backend/repository"
	"github.com/akasls/Xray-Multi-Port-Manager/backend/repository/events"
	"github.com/akasls/Xray-Multi-Port-Manager/backend/service/shared"
)

// probeFunc 单次探测，测试里可替换。
type probeFunc func(ctx context.Context, node domain.Node, timeout time.Duration) (int64, error)

// Tester 直连延迟探测器：TCP connect（启用 TLS 且非 Reality 时含握手），
// 信号量限流，结果逐个写回仓储。
type Tester struct {
	nodes    repository.NodeRepository
	settings repository.SettingsRepository
	bus      *events.Bus
	probe    probeFunc

	mu  sync.Mutex
	sem chan struct{}
	cap int
}

func NewTester(nodes repository.NodeRepository, settings repository.SettingsRepository, bus *events.Bus) *Tester {
	return &Tester{
		nodes:    nodes,
		settings: settings,
		bus:      bus,
		probe:    measureNodeLatency,
	}
}

// TestNode 探测单个节点并写回延迟。与批量探测共享同一个信号量。
func (t *Tester) TestNode(ctx context.Context, nodeID string) (int64, error) {
	node, err := t.nodes.Get(ctx, nodeID)
	if err != nil {
		return 0, err
	}

	sem, timeout := t.limits(ctx)
	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	defer func() { <-sem }()

	return t.testOne(ctx, node, timeout), nil
}

// TestAll 并发探测全部节点。每个节点完成即写回，之后发布进度事件。
// ctx 取消时停止派发新的探测，已开始的探测自然结束。
func (t *Tester) TestAll(ctx context.Context) error {
	nodes, err := t.nodes.List(ctx)
	if err != nil {
		return err
	}
	if len(nodes) == 0 {
		return nil
	}

	sem, timeout := t.limits(ctx)
	total := len(nodes)
	var done int
	var doneMu sync.Mutex
	var wg sync.WaitGroup

	for _, node := range nodes {
		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(node domain.Node) {
			defer wg.Done()
			defer func() { <-sem }()

			t.testOne(ctx, node, timeout)

			doneMu.Lock()
			done++
			progress := done
			doneMu.Unlock()
			t.bus.Publish(events.ProbeProgressEvent{
				EventType: events.EventProbeProgress,
				Done:      progress,
				Total:     total,
			})
		}(node)
	}

	wg.Wait()
	return nil
}

// testOne 探测并写回。失败写入 -1 哨兵和错误文本。
func (t *Tester) testOne(ctx context.Context, node domain.Node, timeout time.Duration) int64 {
	latency, err := t.probe(ctx, node, timeout)
	if err != nil {
		_ = t.nodes.UpdateLatency(ctx, node.ID, domain.LatencyFailed, err.Error())
		return domain.LatencyFailed
	}
	_ = t.nodes.UpdateLatency(ctx, node.ID, latency, "")
	return latency
}

// limits 返回共享信号量与单次超时。并发度来自设置（环境变量可覆盖），
// 设置变更后在下一次调用生效。
func (t *Tester) limits(ctx context.Context) (chan struct{}, time.Duration) {
	env := shared.ProbeConfigValue()
	concurrency := env.Concurrency
	timeout := env.Timeout

	if t.settings != nil {
		if s, err := t.settings.Get(ctx); err == nil {
			if s.ProbeConcurrency > 0 {
				concurrency = s.ProbeConcurrency
			}
			if s.ProbeTimeout > 0 {
				timeout = s.ProbeTimeout
			}
		}
	}
	if concurrency <= 0 {
		concurrency = shared.DefaultProbeConcurrency
	}
	if timeout <= 0 {
		timeout = shared.DefaultProbeTimeout
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sem == nil || t.cap != concurrency {
		t.sem = make(chan struct{}, concurrency)
		t.cap = concurrency
	}
	return t.sem, timeout
}

// measureNodeLatency 多次尝试取最优值
func measureNodeLatency(ctx context.Context, node domain.Node, timeout time.Duration) (int64, error) {
	attempts := shared.ProbeConfigValue().Attempts
	var best int64
	var lastErr error
	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			break
		}
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		latency, err := nodeLatencyOnce(attemptCtx, node)
		cancel()
		if err != nil {
			lastErr = err
			continue
		}
		if latency <= 0 {
			latency = 1
		}
		if best == 0 || latency < best {
			best = latency
		}
	}
	if best > 0 {
		return best, nil
	}
	if lastErr != nil {
		return 0, lastErr
	}
	return 0, errors.New("no latency candidate successful")
}

func nodeLatencyOnce(ctx context.Context, node domain.Node) (int64, error) {
	host := strings.TrimSpace(node.Address)
	if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") && len(host) > 2 {
		host = host[1 : len(host)-1]
	}
	if host == "" || node.Port <= 0 {
		return 0, fmt.Errorf("invalid node address/port: %q:%d", node.Address, node.Port)
	}

	deadline := time.Now().Add(5 * time.Second)
	if dl, ok := ctx.Deadline(); ok {
		deadline = dl
	}

	start := time.Now()
	d := net.Dialer{}
	raw, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(node.Port)))
	if err != nil {
		return 0, err
	}
	_ = raw.SetDeadline(deadline)

	closeFn := raw.Close
	if shouldTLSHandshake(node) {
		cfg := &tls.Config{
			ServerName:         tlsServerName(node, host),
			InsecureSkipVerify: node.TLS.Insecure,
		}
		if len(node.TLS.ALPN) > 0 {
			cfg.NextProtos = node.TLS.ALPN
		}

		tlsConn := tls.Client(raw, cfg)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			_ = raw.Close()
			return 0, err
		}
		closeFn = tlsConn.Close
	}

	latency := time.Since(start).Milliseconds()
	_ = closeFn()
	if latency <= 0 {
		latency = 1
	}
	return latency, nil
}

// shouldTLSHandshake Reality 的握手目标是伪装域名，直连握手没有意义，只测 TCP。
func shouldTLSHandshake(node domain.Node) bool {
	if node.TLS == nil || !node.TLS.Enabled {
		return false
	}
	if strings.EqualFold(node.TLS.Type, "reality") || strings.TrimSpace(node.TLS.RealityPublicKey) != "" {
		return false
	}
	return true
}

func tlsServerName(node domain.Node, fallbackHost string) string {
	if node.TLS != nil && strings.TrimSpace(node.TLS.ServerName) != "" {
		return strings.TrimSpace(node.TLS.ServerName)
	}
	return fallbackHost
}
