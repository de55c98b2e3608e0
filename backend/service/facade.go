package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/akasls/Xray-Multi-Port-Manager/backend/domain"
	"github.com/akasls/Xray-Multi-Port-Manager/backend/repository"
	"github.com/akasls/Xray-Multi-Port-Manager/backend/repository/events"
	"github.com/akasls/Xray-Multi-Port-Manager/backend/service/applog"
	"github.com/akasls/Xray-Multi-Port-Manager/backend/service/policy"
	"github.com/akasls/Xray-Multi-Port-Manager/backend/service/probe"
	"github.com/akasls/Xray-Multi-Port-Manager/backend/service/subscription"
	"github.com/akasls/Xray-Multi-Port-Manager/backend/service/xray"
)

// Facade 服务门面（API 聚合层）。路由层只跟它打交道。
type Facade struct {
	repos   repository.Repositories
	subs    *subscription.Service
	manager *xray.Manager
	tester  *probe.Tester

	appLogPath      string
	appLogStartedAt time.Time

	probeMu      sync.Mutex
	probeRunning bool
	probeDone    int
	probeTotal   int
}

func NewFacade(
	repos repository.Repositories,
	subsSvc *subscription.Service,
	manager *xray.Manager,
	tester *probe.Tester,
	bus *events.Bus,
) *Facade {
	f := &Facade{
		repos:   repos,
		subs:    subsSvc,
		manager: manager,
		tester:  tester,
	}
	if bus != nil {
		bus.Subscribe(events.EventProbeProgress, func(e events.Event) {
			pe, ok := e.(events.ProbeProgressEvent)
			if !ok {
				return
			}
			f.probeMu.Lock()
			f.probeDone = pe.Done
			f.probeTotal = pe.Total
			f.probeMu.Unlock()
		})
	}
	return f
}

func (f *Facade) SetAppLog(path string, startedAt time.Time) {
	f.appLogPath = path
	f.appLogStartedAt = startedAt
}

// ========== 节点视图 ==========

// NodeView 节点 + 展示层延迟语义
type NodeView struct {
	domain.Node
	LatencyDisplay string `json:"latencyDisplay"`
}

func latencyDisplay(n domain.Node) string {
	switch {
	case n.LastLatencyMS == domain.LatencyUntested:
		return "未测试"
	case n.LastLatencyMS == domain.LatencyFailed:
		return "不可用"
	default:
		return fmt.Sprintf("%d ms", n.LastLatencyMS)
	}
}

// ListNodes 过滤 + 排序后的节点视图（GUI 列表用）。
func (f *Facade) ListNodes(ctx context.Context) ([]NodeView, error) {
	nodes, err := f.repos.Node().List(ctx)
	if err != nil {
		return nil, err
	}
	settings, err := f.repos.Settings().Get(ctx)
	if err != nil {
		return nil, err
	}

	included, _ := policy.ApplyFilter(settings.Filter, nodes)
	sorted := policy.SortNodes(settings.Sort, included)

	views := make([]NodeView, 0, len(sorted))
	for _, n := range sorted {
		views = append(views, NodeView{Node: n, LatencyDisplay: latencyDisplay(n)})
	}
	return views, nil
}

// ListAllNodes 未过滤的全量节点（管理用）。
func (f *Facade) ListAllNodes(ctx context.Context) ([]domain.Node, error) {
	return f.repos.Node().List(ctx)
}

func (f *Facade) GetNode(ctx context.Context, id string) (domain.Node, error) {
	return f.repos.Node().Get(ctx, id)
}

// ========== 节点运行控制 ==========

func (f *Facade) StartNode(ctx context.Context, id string) (int, error) {
	return f.manager.StartNode(ctx, id)
}

func (f *Facade) StopNode(ctx context.Context, id string) error {
	return f.manager.StopNode(ctx, id)
}

func (f *Facade) StopAll(ctx context.Context) error {
	return f.manager.StopAll(ctx)
}

// DeleteNode 删除节点；运行中则先停止。
func (f *Facade) DeleteNode(ctx context.Context, id string) error {
	if f.manager.IsRunning(id) {
		if err := f.manager.StopNode(ctx, id); err != nil {
			return err
		}
	}
	return f.repos.Node().Delete(ctx, id)
}

// RenameNode 用户重命名；订阅刷新时按节点 ID 保留该名字。
func (f *Facade) RenameNode(ctx context.Context, id, name string) (domain.Node, error) {
	if name == "" {
		return domain.Node{}, fmt.Errorf("%w: empty node name", repository.ErrInvalidData)
	}
	node, err := f.repos.Node().Get(ctx, id)
	if err != nil {
		return domain.Node{}, err
	}
	node.Name = name
	return f.repos.Node().Update(ctx, id, node)
}

// PinNodePort 固定节点端口；0 表示取消固定。重启后生效。
func (f *Facade) PinNodePort(ctx context.Context, id string, port int) (domain.Node, error) {
	if port < 0 || port > 65535 {
		return domain.Node{}, fmt.Errorf("%w: port %d out of range", repository.ErrInvalidData, port)
	}
	node, err := f.repos.Node().Get(ctx, id)
	if err != nil {
		return domain.Node{}, err
	}
	node.PreferredPort = port
	return f.repos.Node().Update(ctx, id, node)
}

// ========== 延迟探测 ==========

func (f *Facade) TestNode(ctx context.Context, id string) (int64, error) {
	return f.tester.TestNode(ctx, id)
}

// TestAllNodes 异步批量探测。已有一轮在跑时直接返回 false。
func (f *Facade) TestAllNodes() bool {
	f.probeMu.Lock()
	if f.probeRunning {
		f.probeMu.Unlock()
		return false
	}
	f.probeRunning = true
	f.probeDone = 0
	f.probeTotal = 0
	f.probeMu.Unlock()

	go func() {
		defer func() {
			f.probeMu.Lock()
			f.probeRunning = false
			f.probeMu.Unlock()
		}()
		_ = f.tester.TestAll(context.Background())
	}()
	return true
}

// ========== 订阅 ==========

func (f *Facade) ListSubscriptions(ctx context.Context) ([]domain.Subscription, error) {
	return f.subs.List(ctx)
}

func (f *Facade) GetSubscription(ctx context.Context, id string) (domain.Subscription, error) {
	return f.subs.Get(ctx, id)
}

func (f *Facade) CreateSubscription(ctx context.Context, sub domain.Subscription) (domain.Subscription, error) {
	return f.subs.Create(ctx, sub)
}

func (f *Facade) UpdateSubscription(ctx context.Context, id string, sub domain.Subscription) (domain.Subscription, error) {
	return f.subs.Update(ctx, id, sub)
}

func (f *Facade) RefreshSubscription(ctx context.Context, id string) error {
	return f.subs.Refresh(ctx, id)
}

func (f *Facade) DeleteSubscription(ctx context.Context, id string) error {
	return f.subs.Delete(ctx, id)
}

func (f *Facade) ImportLinks(ctx context.Context, id, payload string) (int, error) {
	return f.subs.ImportLinks(ctx, id, payload)
}

// ========== 设置 ==========

func (f *Facade) Settings(ctx context.Context) (domain.EngineSettings, error) {
	return f.repos.Settings().Get(ctx)
}

func (f *Facade) UpdateFilter(ctx context.Context, rules domain.FilterRules) (domain.EngineSettings, error) {
	settings, err := f.repos.Settings().Get(ctx)
	if err != nil {
		return domain.EngineSettings{}, err
	}
	settings.Filter = rules
	return f.repos.Settings().Update(ctx, settings)
}

func (f *Facade) UpdateSort(ctx context.Context, sort domain.SortPolicy) (domain.EngineSettings, error) {
	if sort.Key != "" && sort.Key != domain.SortByLatency && sort.Key != domain.SortByName {
		return domain.EngineSettings{}, fmt.Errorf("%w: unknown sort key %q", repository.ErrInvalidData, sort.Key)
	}
	settings, err := f.repos.Settings().Get(ctx)
	if err != nil {
		return domain.EngineSettings{}, err
	}
	settings.Sort = sort
	return f.repos.Settings().Update(ctx, settings)
}

// UpdatePortRange 修改端口区间。已运行节点保留现有端口，仅影响后续分配。
func (f *Facade) UpdatePortRange(ctx context.Context, start, end int) (domain.EngineSettings, error) {
	if start <= 0 || end > 65535 || end < start {
		return domain.EngineSettings{}, fmt.Errorf("%w: invalid port range %d-%d", repository.ErrInvalidData, start, end)
	}
	settings, err := f.repos.Settings().Get(ctx)
	if err != nil {
		return domain.EngineSettings{}, err
	}
	settings.PortRangeStart = start
	settings.PortRangeEnd = end
	updated, err := f.repos.Settings().Update(ctx, settings)
	if err != nil {
		return domain.EngineSettings{}, err
	}
	f.manager.Pool().SetRange(start, end)
	return updated, nil
}

// ========== 状态 ==========

// ProbeStatus 批量探测进度
type ProbeStatus struct {
	Running bool `json:"running"`
	Done    int  `json:"done"`
	Total   int  `json:"total"`
}

// StatusView 运行总览
type StatusView struct {
	RunningNodes map[string]int `json:"runningNodes"` // nodeID -> localPort
	LeasedPorts  map[int]string `json:"leasedPorts"`  // localPort -> nodeID
	Probe        ProbeStatus    `json:"probe"`
}

func (f *Facade) Status() StatusView {
	f.probeMu.Lock()
	probeStatus := ProbeStatus{Running: f.probeRunning, Done: f.probeDone, Total: f.probeTotal}
	f.probeMu.Unlock()

	return StatusView{
		RunningNodes: f.manager.RunningPorts(),
		LeasedPorts:  f.manager.Pool().Leases(),
		Probe:        probeStatus,
	}
}

// GetAppLogs 应用日志增量读取
func (f *Facade) GetAppLogs(since int64) applog.Chunk {
	return applog.ReadSince(f.appLogPath, since, f.appLogStartedAt)
}

// Snapshot 完整状态快照（持久化/巡检用）
func (f *Facade) Snapshot() domain.ServiceState {
	if impl, ok := f.repos.(repository.Snapshottable); ok {
		return impl.Snapshot()
	}
	return domain.ServiceState{}
}
