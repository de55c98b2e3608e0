package memory

import (
	"context"
	"sort"
	"time"

	"github.com/akasls/Xray-Multi-Port-Manager/backend/domain"
	"github.com/akasls/Xray-Multi-Port-Manager/backend/repository"
	"github.com/akasls/Xray-Multi-Port-Manager/backend/repository/events"

	"github.com/google/uuid"
)

// SubscriptionRepo 订阅仓储实现
type SubscriptionRepo struct {
	store *Store
}

// NewSubscriptionRepo 创建订阅仓储
func NewSubscriptionRepo(store *Store) *SubscriptionRepo {
	return &SubscriptionRepo{store: store}
}

// Get 获取订阅
func (r *SubscriptionRepo) Get(ctx context.Context, id string) (domain.Subscription, error) {
	r.store.RLock()
	defer r.store.RUnlock()

	sub, ok := r.store.Subscriptions()[id]
	if !ok {
		return domain.Subscription{}, repository.ErrSubscriptionNotFound
	}
	return sub, nil
}

// List 列出所有订阅
func (r *SubscriptionRepo) List(ctx context.Context) ([]domain.Subscription, error) {
	r.store.RLock()
	subs := r.store.Subscriptions()
	items := make([]domain.Subscription, 0, len(subs))
	for _, sub := range subs {
		items = append(items, sub)
	}
	r.store.RUnlock()

	// 在锁外排序
	sort.Slice(items, func(i, j int) bool {
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})

	return items, nil
}

// Create 创建订阅
func (r *SubscriptionRepo) Create(ctx context.Context, sub domain.Subscription) (domain.Subscription, error) {
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	now := time.Now()
	sub.CreatedAt = now
	sub.UpdatedAt = now

	r.store.Lock()
	r.store.Subscriptions()[sub.ID] = sub
	r.store.Unlock()

	// 在锁外发布事件
	r.store.PublishEvent(events.SubscriptionEvent{
		EventType:      events.EventSubscriptionCreated,
		SubscriptionID: sub.ID,
		Subscription:   sub,
	})

	return sub, nil
}

// Update 更新订阅
func (r *SubscriptionRepo) Update(ctx context.Context, id string, sub domain.Subscription) (domain.Subscription, error) {
	r.store.Lock()

	existing, ok := r.store.Subscriptions()[id]
	if !ok {
		r.store.Unlock()
		return domain.Subscription{}, repository.ErrSubscriptionNotFound
	}

	// 保留不可变字段
	sub.ID = id
	sub.CreatedAt = existing.CreatedAt
	sub.UpdatedAt = time.Now()

	r.store.Subscriptions()[id] = sub
	r.store.Unlock()

	// 在锁外发布事件
	r.store.PublishEvent(events.SubscriptionEvent{
		EventType:      events.EventSubscriptionUpdated,
		SubscriptionID: id,
		Subscription:   sub,
	})

	return sub, nil
}

// Delete 删除订阅
func (r *SubscriptionRepo) Delete(ctx context.Context, id string) error {
	r.store.Lock()

	if _, ok := r.store.Subscriptions()[id]; !ok {
		r.store.Unlock()
		return repository.ErrSubscriptionNotFound
	}

	delete(r.store.Subscriptions(), id)
	r.store.Unlock()

	// 在锁外发布事件（节点清理由服务层负责，删除前需停掉运行中的进程）
	r.store.PublishEvent(events.SubscriptionEvent{
		EventType:      events.EventSubscriptionDeleted,
		SubscriptionID: id,
	})

	return nil
}

// UpdateSyncStatus 更新同步状态
func (r *SubscriptionRepo) UpdateSyncStatus(ctx context.Context, id string, checksum string, syncErr error) error {
	r.store.Lock()

	sub, ok := r.store.Subscriptions()[id]
	if !ok {
		r.store.Unlock()
		return repository.ErrSubscriptionNotFound
	}

	sub.Checksum = checksum
	sub.LastSyncedAt = time.Now()
	if syncErr != nil {
		sub.LastSyncError = syncErr.Error()
	} else {
		sub.LastSyncError = ""
	}
	sub.UpdatedAt = time.Now()
	r.store.Subscriptions()[id] = sub

	r.store.Unlock()

	// 在锁外发布事件
	r.store.PublishEvent(events.SubscriptionEvent{
		EventType:      events.EventSubscriptionUpdated,
		SubscriptionID: id,
		Subscription:   sub,
	})

	return nil
}

// UpdateProgress 更新刷新进度（运行时字段，不触发持久化事件）
func (r *SubscriptionRepo) UpdateProgress(ctx context.Context, id string, progress domain.SyncProgress) error {
	r.store.Lock()
	defer r.store.Unlock()

	sub, ok := r.store.Subscriptions()[id]
	if !ok {
		return repository.ErrSubscriptionNotFound
	}
	sub.Progress = progress
	r.store.Subscriptions()[id] = sub
	return nil
}

// 确保实现接口
var _ repository.SubscriptionRepository = (*SubscriptionRepo)(nil)
