package memory

import (
	"sort"
	"sync"
	"time"

	"github.com/akasls/Xray-Multi-Port-Manager/backend/domain"
	"github.com/akasls/Xray-Multi-Port-Manager/backend/repository/events"

	"github.com/google/uuid"
)

// Store 内存存储引擎
type Store struct {
	mu sync.RWMutex

	// 数据存储
	nodes         map[string]domain.Node
	subscriptions map[string]domain.Subscription

	// 单例设置
	settings domain.EngineSettings

	// 事件总线
	eventBus *events.Bus
}

// NewStore 创建新的内存存储
func NewStore(eventBus *events.Bus) *Store {
	return &Store{
		nodes:         make(map[string]domain.Node),
		subscriptions: make(map[string]domain.Subscription),
		settings:      domain.DefaultEngineSettings(),
		eventBus:      eventBus,
	}
}

// ========== 锁操作（供仓储使用）==========

// RLock 获取读锁
func (s *Store) RLock() { s.mu.RLock() }

// RUnlock 释放读锁
func (s *Store) RUnlock() { s.mu.RUnlock() }

// Lock 获取写锁
func (s *Store) Lock() { s.mu.Lock() }

// Unlock 释放写锁
func (s *Store) Unlock() { s.mu.Unlock() }

// ========== 事件发布 ==========

// PublishEvent 发布事件（异步，应在锁外调用）
func (s *Store) PublishEvent(event events.Event) {
	if s.eventBus != nil {
		s.eventBus.Publish(event)
	}
}

// PublishEventSync 发布事件（同步，应在锁外调用）
func (s *Store) PublishEventSync(event events.Event) {
	if s.eventBus != nil {
		s.eventBus.PublishSync(event)
	}
}

// ========== 数据访问（供仓储内部使用）==========

// Nodes 返回节点映射（需持有锁）
func (s *Store) Nodes() map[string]domain.Node { return s.nodes }

// Subscriptions 返回订阅映射（需持有锁）
func (s *Store) Subscriptions() map[string]domain.Subscription { return s.subscriptions }

// GetSettings 获取引擎设置（需持有锁）
func (s *Store) GetSettings() domain.EngineSettings { return s.settings }

// SetSettings 更新引擎设置（需持有锁）
func (s *Store) SetSettings(settings domain.EngineSettings) { s.settings = settings }

// ========== 快照与恢复 ==========

// Snapshot 生成状态快照
func (s *Store) Snapshot() domain.ServiceState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// 复制节点（运行时字段不进入快照）
	nodes := make([]domain.Node, 0, len(s.nodes))
	for _, node := range s.nodes {
		nodes = append(nodes, stripNodeRuntime(node))
	}
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].Name == nodes[j].Name {
			return nodes[i].CreatedAt.Before(nodes[j].CreatedAt)
		}
		return nodes[i].Name < nodes[j].Name
	})

	// 复制订阅
	subscriptions := make([]domain.Subscription, 0, len(s.subscriptions))
	for _, sub := range s.subscriptions {
		subscriptions = append(subscriptions, stripSubscriptionRuntime(sub))
	}
	sort.Slice(subscriptions, func(i, j int) bool {
		return subscriptions[i].CreatedAt.Before(subscriptions[j].CreatedAt)
	})

	return domain.ServiceState{
		Nodes:         nodes,
		Subscriptions: subscriptions,
		Settings:      s.settings,
		GeneratedAt:   time.Now(),
	}
}

// LoadState 加载状态
func (s *Store) LoadState(state domain.ServiceState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()

	// 加载节点
	s.nodes = make(map[string]domain.Node)
	for _, node := range state.Nodes {
		node = stripNodeRuntime(node)
		if node.ID == "" {
			node.ID = uuid.NewString()
		}
		if node.Region == "" {
			node.Region = domain.RegionFromName(node.Name)
		}
		if node.CreatedAt.IsZero() {
			node.CreatedAt = now
		}
		if node.UpdatedAt.IsZero() {
			node.UpdatedAt = node.CreatedAt
		}
		s.nodes[node.ID] = node
	}

	// 加载订阅
	s.subscriptions = make(map[string]domain.Subscription)
	for _, sub := range state.Subscriptions {
		sub = stripSubscriptionRuntime(sub)
		if sub.ID == "" {
			sub.ID = uuid.NewString()
		}
		if sub.CreatedAt.IsZero() {
			sub.CreatedAt = now
		}
		if sub.UpdatedAt.IsZero() {
			sub.UpdatedAt = sub.CreatedAt
		}
		s.subscriptions[sub.ID] = sub
	}

	s.settings = normalizeSettings(state.Settings)
}

// stripNodeRuntime 清除进程状态与延迟指标；改名和固定端口保留。
func stripNodeRuntime(node domain.Node) domain.Node {
	node.State = domain.NodeStopped
	node.LocalPort = 0
	node.LastLatencyMS = 0
	node.LastLatencyAt = time.Time{}
	node.LastLatencyError = ""
	return node
}

func stripSubscriptionRuntime(sub domain.Subscription) domain.Subscription {
	sub.Progress = domain.SyncProgress{}
	return sub
}

// normalizeSettings 补齐缺失的设置字段（旧快照或手工编辑）。
func normalizeSettings(settings domain.EngineSettings) domain.EngineSettings {
	defaults := domain.DefaultEngineSettings()
	if settings.PortRangeStart <= 0 || settings.PortRangeEnd <= settings.PortRangeStart {
		settings.PortRangeStart = defaults.PortRangeStart
		settings.PortRangeEnd = defaults.PortRangeEnd
	}
	if settings.ProbeConcurrency <= 0 {
		settings.ProbeConcurrency = defaults.ProbeConcurrency
	}
	if settings.ProbeTimeout <= 0 {
		settings.ProbeTimeout = defaults.ProbeTimeout
	}
	if settings.Sort.Key == "" {
		settings.Sort.Key = defaults.Sort.Key
	}
	if len(settings.Sort.RegionOrder) == 0 {
		settings.Sort.RegionOrder = defaults.Sort.RegionOrder
	}
	return settings
}
