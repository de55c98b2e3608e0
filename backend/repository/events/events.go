package events

import "github.com/akasls/Xray-Multi-Port-Manager/backend/domain"

// EventType 事件类型
type EventType string

const (
	// Node 事件
	EventNodeCreated      EventType = "node.created"
	EventNodeUpdated      EventType = "node.updated"
	EventNodeDeleted      EventType = "node.deleted"
	EventNodeStateChanged EventType = "node.state_changed"

	// 订阅事件
	EventSubscriptionCreated EventType = "subscription.created"
	EventSubscriptionUpdated EventType = "subscription.updated"
	EventSubscriptionDeleted EventType = "subscription.deleted"

	// 设置事件
	EventSettingsChanged EventType = "settings.changed"

	// 批量测速进度事件
	EventProbeProgress EventType = "probe.progress"

	// 通配符事件（用于订阅所有事件）
	EventAll EventType = "*"
)

// Event 事件接口
type Event interface {
	Type() EventType
}

// NodeEvent Node 事件
type NodeEvent struct {
	EventType EventType
	NodeID    string
	Node      domain.Node
}

func (e NodeEvent) Type() EventType { return e.EventType }

// SubscriptionEvent 订阅事件
type SubscriptionEvent struct {
	EventType      EventType
	SubscriptionID string
	Subscription   domain.Subscription
}

func (e SubscriptionEvent) Type() EventType { return e.EventType }

// SettingsEvent 设置事件
type SettingsEvent struct {
	EventType EventType
}

func (e SettingsEvent) Type() EventType { return e.EventType }

// ProbeProgressEvent 批量测速进度事件
type ProbeProgressEvent struct {
	EventType EventType
	Done      int
	Total     int
}

func (e ProbeProgressEvent) Type() EventType { return e.EventType }
