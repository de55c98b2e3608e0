package subscription

import (
	"errors"
	"fmt"

	"github.com/akasls/Xray-Multi-Port-Manager/backend/repository"
)

// ErrEmptyResult 下载成功但解析不出任何节点（旧节点予以保留）
var ErrEmptyResult = errors.New("subscription yielded no nodes")

// NetworkError 订阅下载失败（连接错误或非 200 响应）
type NetworkError struct {
	URL    string
	Status int
	Cause  error
}

func (e *NetworkError) Error() string {
	if e == nil {
		return "subscription download failed"
	}
	if e.Status != 0 {
		return fmt.Sprintf("download %s: unexpected status %d", e.URL, e.Status)
	}
	return fmt.Sprintf("download %s: %v", e.URL, e.Cause)
}

func (e *NetworkError) Unwrap() error { return e.Cause }

type parseError struct {
	subscriptionID string
	message        string
}

func (e *parseError) Error() string {
	if e == nil {
		return "subscription parse failed"
	}
	if e.subscriptionID == "" {
		return e.message
	}
	return "subscription " + e.subscriptionID + ": " + e.message
}

func (e *parseError) Unwrap() error {
	return repository.ErrInvalidData
}
