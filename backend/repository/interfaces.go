package repository

import (
	"context"

	"github.com/akasls/Xray-Multi-Port-Manager/backend/domain"
)

// NodeRepository 节点仓储接口
type NodeRepository interface {
	// 基础 CRUD
	Get(ctx context.Context, id string) (domain.Node, error)
	List(ctx context.Context) ([]domain.Node, error)
	Create(ctx context.Context, node domain.Node) (domain.Node, error)
	Update(ctx context.Context, id string, node domain.Node) (domain.Node, error)
	Delete(ctx context.Context, id string) error

	// 按订阅 ID 查询/批量替换（用于订阅刷新）
	ListBySubscriptionID(ctx context.Context, subscriptionID string) ([]domain.Node, error)
	ReplaceNodesForSubscription(ctx context.Context, subscriptionID string, nodes []domain.Node) ([]domain.Node, error)

	// 运行时字段更新
	UpdateLatency(ctx context.Context, id string, latencyMS int64, latencyErr string) error
	UpdateRunState(ctx context.Context, id string, state domain.NodeState, localPort int) error
}

// SubscriptionRepository 订阅仓储接口
type SubscriptionRepository interface {
	// 基础 CRUD
	Get(ctx context.Context, id string) (domain.Subscription, error)
	List(ctx context.Context) ([]domain.Subscription, error)
	Create(ctx context.Context, sub domain.Subscription) (domain.Subscription, error)
	Update(ctx context.Context, id string, sub domain.Subscription) (domain.Subscription, error)
	Delete(ctx context.Context, id string) error

	// 同步状态更新
	UpdateSyncStatus(ctx context.Context, id string, checksum string, syncErr error) error
	UpdateProgress(ctx context.Context, id string, progress domain.SyncProgress) error
}

// SettingsRepository 设置仓储接口（单例设置）
type SettingsRepository interface {
	Get(ctx context.Context) (domain.EngineSettings, error)
	Update(ctx context.Context, settings domain.EngineSettings) (domain.EngineSettings, error)
}

// Repositories 聚合所有仓储的容器接口
type Repositories interface {
	Node() NodeRepository
	Subscription() SubscriptionRepository
	Settings() SettingsRepository
}

// RepositoriesImpl 仓储容器实现
type RepositoriesImpl struct {
	Store Snapshottable

	NodeRepo         NodeRepository
	SubscriptionRepo SubscriptionRepository
	SettingsRepo     SettingsRepository
}

// 实现 Repositories 接口
func (r *RepositoriesImpl) Node() NodeRepository                 { return r.NodeRepo }
func (r *RepositoriesImpl) Subscription() SubscriptionRepository { return r.SubscriptionRepo }
func (r *RepositoriesImpl) Settings() SettingsRepository         { return r.SettingsRepo }

func (r *RepositoriesImpl) Snapshot() domain.ServiceState {
	if r.Store == nil {
		return domain.ServiceState{}
	}
	return r.Store.Snapshot()
}

func (r *RepositoriesImpl) LoadState(state domain.ServiceState) {
	if r.Store == nil {
		return
	}
	r.Store.LoadState(state)
}

// Snapshottable 可快照的存储接口
type Snapshottable interface {
	// Snapshot 生成状态快照
	Snapshot() domain.ServiceState

	// LoadState 加载状态
	LoadState(state domain.ServiceState)
}
