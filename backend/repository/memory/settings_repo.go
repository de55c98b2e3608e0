package memory

import (
	"context"
	"time"

	"github.com/akasls/Xray-Multi-Port-Manager/backend/domain"
	"github.com/akasls/Xray-Multi-Port-Manager/backend/repository"
	"github.com/akasls/Xray-Multi-Port-Manager/backend/repository/events"
)

// SettingsRepo 设置仓储实现（单例）
type SettingsRepo struct {
	store *Store
}

// NewSettingsRepo 创建设置仓储
func NewSettingsRepo(store *Store) *SettingsRepo {
	return &SettingsRepo{store: store}
}

// Get 获取引擎设置
func (r *SettingsRepo) Get(ctx context.Context) (domain.EngineSettings, error) {
	r.store.RLock()
	defer r.store.RUnlock()
	return r.store.GetSettings(), nil
}

// Update 更新引擎设置
func (r *SettingsRepo) Update(ctx context.Context, settings domain.EngineSettings) (domain.EngineSettings, error) {
	settings = normalizeSettings(settings)
	settings.UpdatedAt = time.Now()

	r.store.Lock()
	r.store.SetSettings(settings)
	r.store.Unlock()

	// 在锁外发布事件
	r.store.PublishEvent(events.SettingsEvent{
		EventType: events.EventSettingsChanged,
	})

	return settings, nil
}

// 确保实现接口
var _ repository.SettingsRepository = (*SettingsRepo)(nil)
