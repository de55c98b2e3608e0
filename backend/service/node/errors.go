package node

import "errors"

var (
	// ErrInvalidShareLink 链接缺少协议前缀或无法解析
	ErrInvalidShareLink = errors.New("invalid share link")

	// ErrNoValidNodes payload 非空但没有解析出任何节点
	ErrNoValidNodes = errors.New("no valid nodes in payload")
)
