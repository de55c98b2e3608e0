package shared

import (
	"net"
	"net/http"
	"time"
)

// 常量定义
const (
	DefaultSubscriptionSyncInterval = time.Hour
	MaxDownloadSize                 = 50 << 20        // 50 MiB
	DownloadTimeout                 = 5 * time.Minute // 支持慢速网络

	// SubscriptionUserAgent 部分机场按 UA 返回不同格式，用 Clash 系 UA 拿通用 payload
	SubscriptionUserAgent = "ClashForAndroid/2.5.12"
)

// HTTPClientDirect 不走环境代理的客户端。订阅拉取用它：
// HTTP_PROXY 可能正指向本程序管理的某个节点。
var HTTPClientDirect = newDirectClient()

func newDirectClient() *http.Client {
	tr := &http.Transport{
		Proxy:               nil,
		DialContext:         (&net.Dialer{Timeout: 60 * time.Second, KeepAlive: 60 * time.Second}).DialContext,
		DisableKeepAlives:   true,
		TLSHandshakeTimeout: 30 * time.Second,
	}
	return &http.Client{
		Timeout:   DownloadTimeout,
		Transport: tr,
	}
}
