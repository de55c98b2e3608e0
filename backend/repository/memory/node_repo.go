package memory

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/akasls/Xray-Multi-Port-Manager/backend/domain"
	"github.com/akasls/Xray-Multi-Port-Manager/backend/repository"
	"github.com/akasls/Xray-Multi-Port-Manager/backend/repository/events"
)

// NodeRepo Node 仓储实现（内存）
type NodeRepo struct {
	store *Store
}

func NewNodeRepo(store *Store) *NodeRepo {
	return &NodeRepo{store: store}
}

func (r *NodeRepo) Get(_ context.Context, id string) (domain.Node, error) {
	r.store.RLock()
	defer r.store.RUnlock()
	node, ok := r.store.Nodes()[id]
	if !ok {
		return domain.Node{}, repository.ErrNodeNotFound
	}
	return node, nil
}

func (r *NodeRepo) List(_ context.Context) ([]domain.Node, error) {
	r.store.RLock()
	defer r.store.RUnlock()
	items := make([]domain.Node, 0, len(r.store.Nodes()))
	for _, node := range r.store.Nodes() {
		items = append(items, node)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].Name == items[j].Name {
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		}
		return items[i].Name < items[j].Name
	})
	return items, nil
}

func (r *NodeRepo) Create(_ context.Context, node domain.Node) (domain.Node, error) {
	now := time.Now()
	r.store.Lock()
	if node.ID == "" {
		node.ID = uuid.NewString()
	}
	if node.Region == "" {
		node.Region = domain.RegionFromName(node.Name)
	}
	if node.State == "" {
		node.State = domain.NodeStopped
	}
	if node.CreatedAt.IsZero() {
		node.CreatedAt = now
	}
	node.UpdatedAt = now
	r.store.Nodes()[node.ID] = node
	r.store.Unlock()

	r.store.PublishEvent(events.NodeEvent{
		EventType: events.EventNodeCreated,
		NodeID:    node.ID,
		Node:      node,
	})
	return node, nil
}

func (r *NodeRepo) Update(_ context.Context, id string, node domain.Node) (domain.Node, error) {
	r.store.Lock()
	current, ok := r.store.Nodes()[id]
	if !ok {
		r.store.Unlock()
		return domain.Node{}, repository.ErrNodeNotFound
	}
	node.ID = id
	node.CreatedAt = current.CreatedAt
	node.UpdatedAt = time.Now()
	node.Region = domain.RegionFromName(node.Name)
	// 保留运行期字段（同 ID 代表同一节点；状态迁移走 UpdateRunState）
	node.State = current.State
	node.LocalPort = current.LocalPort
	node.LastLatencyMS = current.LastLatencyMS
	node.LastLatencyAt = current.LastLatencyAt
	node.LastLatencyError = current.LastLatencyError

	r.store.Nodes()[id] = node
	r.store.Unlock()

	r.store.PublishEvent(events.NodeEvent{
		EventType: events.EventNodeUpdated,
		NodeID:    id,
		Node:      node,
	})
	return node, nil
}

func (r *NodeRepo) Delete(_ context.Context, id string) error {
	r.store.Lock()
	current, ok := r.store.Nodes()[id]
	if !ok {
		r.store.Unlock()
		return repository.ErrNodeNotFound
	}
	delete(r.store.Nodes(), id)
	r.store.Unlock()

	r.store.PublishEvent(events.NodeEvent{
		EventType: events.EventNodeDeleted,
		NodeID:    id,
		Node:      current,
	})
	return nil
}

func (r *NodeRepo) ListBySubscriptionID(_ context.Context, subscriptionID string) ([]domain.Node, error) {
	r.store.RLock()
	defer r.store.RUnlock()
	items := make([]domain.Node, 0)
	for _, node := range r.store.Nodes() {
		if node.SubscriptionID == subscriptionID {
			items = append(items, node)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].Name == items[j].Name {
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		}
		return items[i].Name < items[j].Name
	})
	return items, nil
}

func (r *NodeRepo) ReplaceNodesForSubscription(_ context.Context, subscriptionID string, nodes []domain.Node) ([]domain.Node, error) {
	now := time.Now()
	next := make([]domain.Node, 0, len(nodes))
	nextIDs := make(map[string]struct{}, len(nodes))
	for _, node := range nodes {
		node.SubscriptionID = subscriptionID
		if strings.TrimSpace(node.Name) == "" && strings.TrimSpace(node.Address) != "" {
			node.Name = node.Address
		}
		if node.ID == "" {
			node.ID = domain.StableNodeID(subscriptionID, node)
		}
		if node.Region == "" {
			node.Region = domain.RegionFromName(node.Name)
		}
		if node.State == "" {
			node.State = domain.NodeStopped
		}
		if node.CreatedAt.IsZero() {
			node.CreatedAt = now
		}
		node.UpdatedAt = now
		next = append(next, node)
		nextIDs[node.ID] = struct{}{}
	}

	eventsToPublish := make([]events.Event, 0, len(next)+8)

	r.store.Lock()
	// ReplaceNodesForSubscription 语义：对指定订阅的节点集合做“替换”
	// - nodes == nil（domain.ClearNodes）: 显式清空该订阅的全部节点
	// - len(nodes) > 0: 以入参 nodes 作为最新快照，删除不在快照内的历史节点（避免节点越积越多）
	// - len(nodes) == 0: 不做删除（保持历史节点），用于调用方表达“本次不更新节点集合”
	for id, existing := range r.store.Nodes() {
		if existing.SubscriptionID != subscriptionID {
			continue
		}
		if nodes == nil {
			delete(r.store.Nodes(), id)
			eventsToPublish = append(eventsToPublish, events.NodeEvent{
				EventType: events.EventNodeDeleted,
				NodeID:    id,
				Node:      existing,
			})
			continue
		}
		if len(nodes) > 0 {
			if _, ok := nextIDs[id]; ok {
				continue
			}
			delete(r.store.Nodes(), id)
			eventsToPublish = append(eventsToPublish, events.NodeEvent{
				EventType: events.EventNodeDeleted,
				NodeID:    id,
				Node:      existing,
			})
		}
	}

	// Upsert 节点集合
	for i := range next {
		node := next[i]
		if existing, ok := r.store.Nodes()[node.ID]; ok {
			node.CreatedAt = existing.CreatedAt
			// 同 ID 节点保留运行状态与指标，刷新订阅不打断正在运行的进程
			node.State = existing.State
			node.LocalPort = existing.LocalPort
			node.PreferredPort = existing.PreferredPort
			node.LastLatencyMS = existing.LastLatencyMS
			node.LastLatencyAt = existing.LastLatencyAt
			node.LastLatencyError = existing.LastLatencyError
			if strings.TrimSpace(existing.Name) != "" {
				node.Name = existing.Name
				node.Region = existing.Region
			}
			next[i] = node
			r.store.Nodes()[node.ID] = node
			eventsToPublish = append(eventsToPublish, events.NodeEvent{
				EventType: events.EventNodeUpdated,
				NodeID:    node.ID,
				Node:      node,
			})
			continue
		}
		r.store.Nodes()[node.ID] = node
		eventsToPublish = append(eventsToPublish, events.NodeEvent{
			EventType: events.EventNodeCreated,
			NodeID:    node.ID,
			Node:      node,
		})
	}
	r.store.Unlock()

	for _, event := range eventsToPublish {
		r.store.PublishEvent(event)
	}

	// 返回按名称排序后的结果（对前端更友好）
	sort.Slice(next, func(i, j int) bool {
		if next[i].Name == next[j].Name {
			return next[i].CreatedAt.Before(next[j].CreatedAt)
		}
		return next[i].Name < next[j].Name
	})
	return next, nil
}

func (r *NodeRepo) UpdateLatency(_ context.Context, id string, latencyMS int64, latencyErr string) error {
	r.store.Lock()
	node, ok := r.store.Nodes()[id]
	if !ok {
		r.store.Unlock()
		return repository.ErrNodeNotFound
	}
	node.LastLatencyMS = latencyMS
	node.LastLatencyAt = time.Now()
	node.LastLatencyError = latencyErr
	r.store.Nodes()[id] = node
	r.store.Unlock()
	return nil
}

// UpdateRunState 更新节点运行状态与本地端口（仅进程管理器调用）。
func (r *NodeRepo) UpdateRunState(_ context.Context, id string, state domain.NodeState, localPort int) error {
	r.store.Lock()
	node, ok := r.store.Nodes()[id]
	if !ok {
		r.store.Unlock()
		return repository.ErrNodeNotFound
	}
	node.State = state
	node.LocalPort = localPort
	r.store.Nodes()[id] = node
	r.store.Unlock()

	r.store.PublishEvent(events.NodeEvent{
		EventType: events.EventNodeStateChanged,
		NodeID:    id,
		Node:      node,
	})
	return nil
}
