package domain

import (
	"time"
)

type NodeProtocol string

const (
	ProtocolVLESS       NodeProtocol = "vless"
	ProtocolVMess       NodeProtocol = "vmess"
	ProtocolTrojan      NodeProtocol = "trojan"
	ProtocolShadowsocks NodeProtocol = "shadowsocks"
)

// NodeState 节点运行状态。状态迁移只允许由进程管理器执行。
type NodeState string

const (
	NodeStopped  NodeState = "stopped"
	NodeStarting NodeState = "starting"
	NodeRunning  NodeState = "running"
	NodeFailed   NodeState = "failed"
)

// 延迟哨兵值：0 表示未测试，-1 表示超时/失败，>0 为毫秒延迟。
const (
	LatencyUntested int64 = 0
	LatencyFailed   int64 = -1
)

type Node struct {
	ID       string       `json:"id"`
	Name     string       `json:"name"`
	Address  string       `json:"address"`
	Port     int          `json:"port"`
	Protocol NodeProtocol `json:"protocol"`
	Region   string       `json:"region,omitempty"`

	Security  *NodeSecurity  `json:"security,omitempty"`
	Transport *NodeTransport `json:"transport,omitempty"`
	TLS       *NodeTLS       `json:"tls,omitempty"`

	SubscriptionID string `json:"subscriptionId,omitempty"`

	// 运行时字段：仅进程管理器写入，不进入持久化快照。
	State     NodeState `json:"state"`
	LocalPort int       `json:"localPort,omitempty"`
	// PreferredPort 用户固定的本地端口（0 表示自动分配），跨重启保留。
	PreferredPort int `json:"preferredPort,omitempty"`

	LastLatencyMS    int64     `json:"lastLatencyMs"`
	LastLatencyAt    time.Time `json:"lastLatencyAt"`
	LastLatencyError string    `json:"lastLatencyError,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type NodeSecurity struct {
	UUID       string   `json:"uuid,omitempty"`
	Password   string   `json:"password,omitempty"`
	Method     string   `json:"method,omitempty"`
	Flow       string   `json:"flow,omitempty"`
	Encryption string   `json:"encryption,omitempty"`
	AlterID    int      `json:"alterId,omitempty"`
	ALPN       []string `json:"alpn,omitempty"`
}

type NodeTransport struct {
	Type        string            `json:"type,omitempty"`
	Host        string            `json:"host,omitempty"`
	Path        string            `json:"path,omitempty"`
	ServiceName string            `json:"serviceName,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	HeaderType  string            `json:"headerType,omitempty"` // VMess 伪装类型（http/srtp/utp/...）
}

type NodeTLS struct {
	Enabled          bool     `json:"enabled,omitempty"`
	Type             string   `json:"type,omitempty"`
	ServerName       string   `json:"serverName,omitempty"`
	Insecure         bool     `json:"insecure,omitempty"`
	Fingerprint      string   `json:"fingerprint,omitempty"`
	RealityPublicKey string   `json:"realityPublicKey,omitempty"`
	RealityShortID   string   `json:"realityShortId,omitempty"`
	ALPN             []string `json:"alpn,omitempty"`
}

// Subscription 订阅源：分享链接文本、base64 或 Clash YAML payload。
type Subscription struct {
	ID                 string        `json:"id"`
	Name               string        `json:"name"`
	URL                string        `json:"url"`
	Checksum           string        `json:"checksum,omitempty"`
	LastSyncError      string        `json:"lastSyncError,omitempty"`
	AutoUpdateInterval time.Duration `json:"autoUpdateInterval"`
	LastSyncedAt       time.Time     `json:"lastSyncedAt"`

	// 刷新进度（运行时字段，不持久化）。
	Progress SyncProgress `json:"progress"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// SyncStage 订阅刷新阶段。
type SyncStage string

const (
	SyncIdle     SyncStage = ""
	SyncFetching SyncStage = "fetching"
	SyncDecoding SyncStage = "decoding"
	SyncParsing  SyncStage = "parsing"
	SyncDone     SyncStage = "done"
	SyncError    SyncStage = "error"
)

type SyncProgress struct {
	Stage        SyncStage `json:"stage"`
	NodeCount    int       `json:"nodeCount"`
	DecodeErrors int       `json:"decodeErrors"`
	Message      string    `json:"message,omitempty"`
}

// SortKey 排序次级字段。主序固定为地区优先级。
type SortKey string

const (
	SortByLatency SortKey = "latency"
	SortByName    SortKey = "name"
)

// FilterRules 基于名称关键字的包含/排除规则（大小写不敏感的子串匹配）。
type FilterRules struct {
	Include []string `json:"include,omitempty"`
	Exclude []string `json:"exclude,omitempty"`
}

type SortPolicy struct {
	RegionOrder []string `json:"regionOrder,omitempty"`
	Key         SortKey  `json:"key"`
}

// EngineSettings 引擎运行参数（单例）。
type EngineSettings struct {
	Filter FilterRules `json:"filter"`
	Sort   SortPolicy  `json:"sort"`

	PortRangeStart int `json:"portRangeStart"`
	PortRangeEnd   int `json:"portRangeEnd"`

	ProbeConcurrency int           `json:"probeConcurrency"`
	ProbeTimeout     time.Duration `json:"probeTimeout"`

	UpdatedAt time.Time `json:"updatedAt"`
}

// DefaultExcludeKeywords 订阅中常见的非节点条目关键字（机场公告等）。
var DefaultExcludeKeywords = []string{
	"官网", "流量", "套餐", "到期", "剩余", "订阅",
	"群", "频道", "公告", "网址", "TG", "Telegram",
}

// DefaultEngineSettings 返回设置单例的默认值。
func DefaultEngineSettings() EngineSettings {
	return EngineSettings{
		Filter: FilterRules{Exclude: append([]string(nil), DefaultExcludeKeywords...)},
		Sort: SortPolicy{
			RegionOrder: append([]string(nil), DefaultRegionOrder...),
			Key:         SortByLatency,
		},
		PortRangeStart:   10000,
		PortRangeEnd:     20000,
		ProbeConcurrency: 8,
		ProbeTimeout:     3 * time.Second,
	}
}

// ServiceState 持久化快照的顶层结构。
type ServiceState struct {
	SchemaVersion string `json:"schemaVersion,omitempty"`

	Nodes         []Node         `json:"nodes"`
	Subscriptions []Subscription `json:"subscriptions"`
	Settings      EngineSettings `json:"settings"`

	GeneratedAt time.Time `json:"generatedAt"`
}
