package domain

import (
	"encoding/json"

	"github.com/google/uuid"
)

// StableNodeID 基于订阅 ID 与节点指纹生成稳定的节点 ID。
// 同一订阅两次拉取得到相同参数的节点时 ID 不变，用户改名与运行时指标得以保留。
func StableNodeID(subscriptionID string, node Node) string {
	type fingerprint struct {
		Protocol  NodeProtocol   `json:"protocol"`
		Address   string         `json:"address"`
		Port      int            `json:"port"`
		Security  *NodeSecurity  `json:"security,omitempty"`
		Transport *NodeTransport `json:"transport,omitempty"`
		TLS       *NodeTLS       `json:"tls,omitempty"`
	}
	b, _ := json.Marshal(fingerprint{
		Protocol:  node.Protocol,
		Address:   node.Address,
		Port:      node.Port,
		Security:  node.Security,
		Transport: node.Transport,
		TLS:       node.TLS,
	})
	return uuid.NewSHA1(uuid.NameSpaceOID, append([]byte(subscriptionID+"|"), b...)).String()
}
