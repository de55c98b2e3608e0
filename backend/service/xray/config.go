package xray

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/akasls/Xray-Multi-Port-Manager/backend/domain"
)

// InboundTag / OutboundTag 生成端口绑定的标签，路由规则据此做一对一映射。
func InboundTag(port int) string  { return fmt.Sprintf("in-%d", port) }
func OutboundTag(port int) string { return fmt.Sprintf("proxy-%d", port) }

// BuildNodeConfig 生成单节点的完整 xray 配置：一个本地 SOCKS 入站
// 绑定一个节点出站。node.LocalPort 必须已由端口池分配。
func BuildNodeConfig(node domain.Node) ([]byte, error) {
	if err := validateNode(node); err != nil {
		return nil, err
	}

	inTag := InboundTag(node.LocalPort)
	outbound, outTag, err := buildOutbound(node)
	if err != nil {
		return nil, err
	}

	config := map[string]interface{}{
		"log": map[string]interface{}{
			"loglevel": "warning",
		},
		"inbounds": []map[string]interface{}{
			{
				"tag":      inTag,
				"listen":   "127.0.0.1",
				"port":     node.LocalPort,
				"protocol": "socks",
				"settings": map[string]interface{}{
					"auth": "noauth",
					"udp":  true,
				},
				"sniffing": map[string]interface{}{
					"enabled":      true,
					"destOverride": []string{"http", "tls"},
				},
			},
		},
		"outbounds": []map[string]interface{}{outbound},
		"routing": map[string]interface{}{
			"domainStrategy": "AsIs",
			"rules": []map[string]interface{}{
				{
					"type":        "field",
					"inboundTag":  []string{inTag},
					"outboundTag": outTag,
				},
			},
		},
	}

	return json.MarshalIndent(config, "", "  ")
}

func validateNode(node domain.Node) error {
	if node.LocalPort <= 0 {
		return &ValidationError{NodeID: node.ID, Field: "localPort", Reason: "is not assigned"}
	}
	if node.Address == "" {
		return &ValidationError{NodeID: node.ID, Field: "address", Reason: "is empty"}
	}
	if node.Port <= 0 || node.Port > 65535 {
		return &ValidationError{NodeID: node.ID, Field: "port", Reason: "is out of range"}
	}

	sec := node.Security
	if sec == nil {
		sec = &domain.NodeSecurity{}
	}
	switch node.Protocol {
	case domain.ProtocolVLESS, domain.ProtocolVMess:
		if sec.UUID == "" {
			return &ValidationError{NodeID: node.ID, Field: "uuid", Reason: "is required"}
		}
	case domain.ProtocolTrojan:
		if sec.Password == "" {
			return &ValidationError{NodeID: node.ID, Field: "password", Reason: "is required"}
		}
	case domain.ProtocolShadowsocks:
		if sec.Method == "" {
			return &ValidationError{NodeID: node.ID, Field: "method", Reason: "is required"}
		}
		if sec.Password == "" {
			return &ValidationError{NodeID: node.ID, Field: "password", Reason: "is required"}
		}
	default:
		return &ValidationError{NodeID: node.ID, Field: "protocol", Reason: fmt.Sprintf("%q is unsupported", node.Protocol)}
	}
	return nil
}

// buildOutbound 构建单个节点的出站配置
func buildOutbound(node domain.Node) (map[string]interface{}, string, error) {
	tag := OutboundTag(node.LocalPort)
	outbound := map[string]interface{}{
		"tag":      tag,
		"protocol": strings.ToLower(string(node.Protocol)),
	}

	sec := node.Security
	if sec == nil {
		sec = &domain.NodeSecurity{}
	}

	var settings map[string]interface{}

	switch node.Protocol {
	case domain.ProtocolVMess:
		settings = map[string]interface{}{
			"vnext": []map[string]interface{}{
				{
					"address": node.Address,
					"port":    node.Port,
					"users": []map[string]interface{}{
						{
							"id":       sec.UUID,
							"alterId":  sec.AlterID,
							"security": firstNonEmpty(sec.Encryption, "auto"),
						},
					},
				},
			},
		}

	case domain.ProtocolVLESS:
		settings = map[string]interface{}{
			"vnext": []map[string]interface{}{
				{
					"address": node.Address,
					"port":    node.Port,
					"users": []map[string]interface{}{
						{
							"id":         sec.UUID,
							"encryption": firstNonEmpty(sec.Encryption, "none"),
							"flow":       sec.Flow,
						},
					},
				},
			},
		}

	case domain.ProtocolTrojan:
		settings = map[string]interface{}{
			"servers": []map[string]interface{}{
				{
					"address":  node.Address,
					"port":     node.Port,
					"password": sec.Password,
					"flow":     sec.Flow,
				},
			},
		}

	case domain.ProtocolShadowsocks:
		settings = map[string]interface{}{
			"servers": []map[string]interface{}{
				{
					"address":  node.Address,
					"port":     node.Port,
					"method":   sec.Method,
					"password": sec.Password,
				},
			},
		}

	default:
		return nil, "", fmt.Errorf("unsupported protocol %s", node.Protocol)
	}

	outbound["settings"] = settings

	// 添加 streamSettings（传输和 TLS）
	if node.Transport != nil || (node.TLS != nil && node.TLS.Enabled) {
		outbound["streamSettings"] = buildStreamSettings(node.Transport, node.TLS)
	}

	return outbound, tag, nil
}

// buildStreamSettings 构建传输层配置
func buildStreamSettings(transport *domain.NodeTransport, tls *domain.NodeTLS) map[string]interface{} {
	stream := map[string]interface{}{}

	if transport != nil {
		network := strings.ToLower(transport.Type)
		if network == "" {
			network = "tcp"
		}
		stream["network"] = network

		switch network {
		case "ws":
			wsSettings := map[string]interface{}{}
			if transport.Path != "" {
				wsSettings["path"] = transport.Path
			}
			if transport.Host != "" {
				wsSettings["headers"] = map[string]string{
					"Host": transport.Host,
				}
			}
			stream["wsSettings"] = wsSettings

		case "grpc":
			grpcSettings := map[string]interface{}{}
			if transport.ServiceName != "" {
				grpcSettings["serviceName"] = transport.ServiceName
			}
			stream["grpcSettings"] = grpcSettings

		case "http", "h2":
			httpSettings := map[string]interface{}{}
			if transport.Host != "" {
				httpSettings["host"] = []string{transport.Host}
			}
			if transport.Path != "" {
				httpSettings["path"] = transport.Path
			}
			stream["httpSettings"] = httpSettings

		case "tcp":
			// VMess 的 http 伪装头
			if transport.HeaderType == "http" {
				tcpSettings := map[string]interface{}{
					"header": map[string]interface{}{
						"type": "http",
					},
				}
				stream["tcpSettings"] = tcpSettings
			}
		}
	}

	if tls != nil && tls.Enabled {
		// Reality 使用独立的 realitySettings
		if tls.Type == "reality" || tls.RealityPublicKey != "" {
			realitySettings := map[string]interface{}{
				"publicKey": tls.RealityPublicKey,
				"shortId":   tls.RealityShortID,
			}
			if tls.ServerName != "" {
				realitySettings["serverName"] = tls.ServerName
			}
			if tls.Fingerprint != "" {
				realitySettings["fingerprint"] = tls.Fingerprint
			}
			stream["security"] = "reality"
			stream["realitySettings"] = realitySettings
			return stream
		}

		tlsSettings := map[string]interface{}{
			"allowInsecure": tls.Insecure,
		}
		if tls.ServerName != "" {
			tlsSettings["serverName"] = tls.ServerName
		}
		if tls.Fingerprint != "" {
			tlsSettings["fingerprint"] = tls.Fingerprint
		}
		if len(tls.ALPN) > 0 {
			tlsSettings["alpn"] = tls.ALPN
		}
		stream["security"] = "tls"
		stream["tlsSettings"] = tlsSettings
	}

	return stream
}

// firstNonEmpty 返回第一个非空字符串
func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
