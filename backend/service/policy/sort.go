package policy

import (
	"sort"
	"strings"

	"github.com/akasls/Xray-Multi-Port-Manager/backend/domain"
)

// SortNodes 返回按策略排序的新切片，稳定排序，不修改入参。
//
// 主序固定为地区优先级（不在 RegionOrder 中的地区排末尾，彼此间保持输入顺序）。
// 次序由 policy.Key 决定：
// - latency: 已测延迟升序 < 未测试 < 测试失败
// - name: 名称字典序
func SortNodes(policy domain.SortPolicy, nodes []domain.Node) []domain.Node {
	out := make([]domain.Node, len(nodes))
	copy(out, nodes)

	sort.SliceStable(out, func(i, j int) bool {
		ri := domain.RegionRank(policy.RegionOrder, out[i].Region)
		rj := domain.RegionRank(policy.RegionOrder, out[j].Region)
		if ri != rj {
			return ri < rj
		}
		switch policy.Key {
		case domain.SortByName:
			return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name)
		default:
			ci, vi := latencyClass(out[i].LastLatencyMS)
			cj, vj := latencyClass(out[j].LastLatencyMS)
			if ci != cj {
				return ci < cj
			}
			return vi < vj
		}
	})
	return out
}

// latencyClass 把延迟值映射成排序键：已测 < 未测试 < 失败。
func latencyClass(latencyMS int64) (class int, value int64) {
	switch {
	case latencyMS > 0:
		return 0, latencyMS
	case latencyMS == domain.LatencyUntested:
		return 1, 0
	default: // domain.LatencyFailed
		return 2, 0
	}
}
