// Package policy 提供节点列表的过滤与排序策略（纯函数，不做 IO）。
package policy

import (
	"strings"

	"github.com/akasls/Xray-Multi-Port-Manager/backend/domain"
)

// ApplyFilter 按规则把节点分成保留/排除两组，保持输入顺序，不修改入参。
//
// 匹配语义：大小写不敏感的子串匹配，作用于名称与地址。
// - Include 非空时，节点必须命中至少一个 include 关键字；
// - 命中任一 exclude 关键字的节点被排除（exclude 优先于 include）。
func ApplyFilter(rules domain.FilterRules, nodes []domain.Node) (included, excluded []domain.Node) {
	included = make([]domain.Node, 0, len(nodes))
	excluded = make([]domain.Node, 0)
	for _, node := range nodes {
		if matchFilter(rules, node) {
			included = append(included, node)
		} else {
			excluded = append(excluded, node)
		}
	}
	return included, excluded
}

func matchFilter(rules domain.FilterRules, node domain.Node) bool {
	haystack := strings.ToLower(node.Name + " " + node.Address)

	for _, kw := range rules.Exclude {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		if strings.Contains(haystack, kw) {
			return false
		}
	}

	hasInclude := false
	for _, kw := range rules.Include {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		hasInclude = true
		if strings.Contains(haystack, kw) {
			return true
		}
	}
	return !hasInclude
}
