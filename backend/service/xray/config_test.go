package xray

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/akasls/Xray-Multi-Port-Manager/backend/domain"
)

func vlessNode() domain.Node {
	return domain.Node{
		ID:        "node-1",
		Name:      "HK 01",
		Address:   "example.com",
		Port:      443,
		Protocol:  domain.ProtocolVLESS,
		LocalPort: 10800,
		Security:  &domain.NodeSecurity{UUID: "b33f4e5a-1a2b-4c3d-9e8f-001122334455"},
		TLS:       &domain.NodeTLS{Enabled: true, ServerName: "example.com"},
	}
}

func TestBuildNodeConfig_BindsInboundToOutbound(t *testing.T) {
	t.Parallel()

	data, err := BuildNodeConfig(vlessNode())
	if err != nil {
		t.Fatalf("BuildNodeConfig: %v", err)
	}

	var config struct {
		Inbounds []struct {
			Tag      string `json:"tag"`
			Listen   string `json:"listen"`
			Port     int    `json:"port"`
			Protocol string `json:"protocol"`
		} `json:"inbounds"`
		Outbounds []struct {
			Tag      string `json:"tag"`
			Protocol string `json:"protocol"`
		} `json:"outbounds"`
		Routing struct {
			Rules []struct {
				InboundTag  []string `json:"inboundTag"`
				OutboundTag string   `json:"outboundTag"`
			} `json:"rules"`
		} `json:"routing"`
	}
	if err := json.Unmarshal(data, &config); err != nil {
		t.Fatalf("unmarshal config: %v", err)
	}

	if len(config.Inbounds) != 1 || len(config.Outbounds) != 1 {
		t.Fatalf("expected 1 inbound and 1 outbound, got %d/%d", len(config.Inbounds), len(config.Outbounds))
	}
	in := config.Inbounds[0]
	if in.Tag != "in-10800" || in.Listen != "127.0.0.1" || in.Port != 10800 || in.Protocol != "socks" {
		t.Fatalf("unexpected inbound: %+v", in)
	}
	out := config.Outbounds[0]
	if out.Tag != "proxy-10800" || out.Protocol != "vless" {
		t.Fatalf("unexpected outbound: %+v", out)
	}
	if len(config.Routing.Rules) != 1 {
		t.Fatalf("expected 1 routing rule, got %d", len(config.Routing.Rules))
	}
	rule := config.Routing.Rules[0]
	if len(rule.InboundTag) != 1 || rule.InboundTag[0] != "in-10800" || rule.OutboundTag != "proxy-10800" {
		t.Fatalf("routing rule does not bind inbound to outbound: %+v", rule)
	}
}

func TestBuildNodeConfig_Deterministic(t *testing.T) {
	t.Parallel()

	node := vlessNode()
	first, err := BuildNodeConfig(node)
	if err != nil {
		t.Fatalf("first build: %v", err)
	}
	second, err := BuildNodeConfig(node)
	if err != nil {
		t.Fatalf("second build: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Fatalf("same node produced different configs")
	}
}

func TestBuildNodeConfig_RealityUsesRealitySettings(t *testing.T) {
	t.Parallel()

	node := vlessNode()
	node.TLS = &domain.NodeTLS{
		Enabled:          true,
		Type:             "reality",
		ServerName:       "cdn.example.com",
		Fingerprint:      "chrome",
		RealityPublicKey: "pubkey",
		RealityShortID:   "abcd",
	}
	node.Transport = &domain.NodeTransport{Type: "tcp"}

	data, err := BuildNodeConfig(node)
	if err != nil {
		t.Fatalf("BuildNodeConfig: %v", err)
	}
	text := string(data)
	if !strings.Contains(text, `"security": "reality"`) {
		t.Fatalf("expected reality security, got:\n%s", text)
	}
	if !strings.Contains(text, `"publicKey": "pubkey"`) || !strings.Contains(text, `"shortId": "abcd"`) {
		t.Fatalf("reality settings missing from config:\n%s", text)
	}
	if strings.Contains(text, "tlsSettings") {
		t.Fatalf("reality config must not carry tlsSettings:\n%s", text)
	}
}

func TestBuildNodeConfig_WebSocketTransport(t *testing.T) {
	t.Parallel()

	node := vlessNode()
	node.Protocol = domain.ProtocolVMess
	node.Transport = &domain.NodeTransport{Type: "ws", Path: "/tunnel", Host: "cdn.example.com"}

	data, err := BuildNodeConfig(node)
	if err != nil {
		t.Fatalf("BuildNodeConfig: %v", err)
	}
	text := string(data)
	if !strings.Contains(text, `"network": "ws"`) || !strings.Contains(text, `"path": "/tunnel"`) {
		t.Fatalf("ws settings missing:\n%s", text)
	}
}

func TestBuildNodeConfig_Validation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		mutate func(*domain.Node)
		field  string
	}{
		{"missing local port", func(n *domain.Node) { n.LocalPort = 0 }, "localPort"},
		{"missing address", func(n *domain.Node) { n.Address = "" }, "address"},
		{"missing uuid", func(n *domain.Node) { n.Security = nil }, "uuid"},
		{"bad remote port", func(n *domain.Node) { n.Port = 70000 }, "port"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			node := vlessNode()
			tc.mutate(&node)
			_, err := BuildNodeConfig(node)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if verr.Field != tc.field {
				t.Fatalf("expected field %q, got %q", tc.field, verr.Field)
			}
		})
	}
}

func TestBuildNodeConfig_ShadowsocksRequiresMethod(t *testing.T) {
	t.Parallel()

	node := vlessNode()
	node.Protocol = domain.ProtocolShadowsocks
	node.Security = &domain.NodeSecurity{Password: "secret"}
	node.TLS = nil

	_, err := BuildNodeConfig(node)
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Field != "method" {
		t.Fatalf("expected method ValidationError, got %v", err)
	}
}
