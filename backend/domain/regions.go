package domain

import "strings"

// DefaultRegionOrder 默认地区排序优先级。未列出的地区排在末尾。
var DefaultRegionOrder = []string{"HK", "TW", "JP", "SG", "US", "KR"}

// regionAliases 名称关键字 -> 地区代码。匹配大小写不敏感，中文别名原样匹配。
var regionAliases = []struct {
	keyword string
	region  string
}{
	{"香港", "HK"}, {"hong kong", "HK"}, {"hongkong", "HK"}, {"hk", "HK"},
	{"台湾", "TW"}, {"台北", "TW"}, {"taiwan", "TW"}, {"tw", "TW"},
	{"日本", "JP"}, {"东京", "JP"}, {"大阪", "JP"}, {"japan", "JP"}, {"tokyo", "JP"}, {"jp", "JP"},
	{"新加坡", "SG"}, {"狮城", "SG"}, {"singapore", "SG"}, {"sg", "SG"},
	{"美国", "US"}, {"洛杉矶", "US"}, {"圣何塞", "US"}, {"united states", "US"}, {"usa", "US"}, {"us", "US"},
	{"韩国", "KR"}, {"首尔", "KR"}, {"korea", "KR"}, {"kr", "KR"},
	{"英国", "UK"}, {"伦敦", "UK"}, {"united kingdom", "UK"}, {"uk", "UK"},
	{"德国", "DE"}, {"germany", "DE"}, {"de", "DE"},
	{"法国", "FR"}, {"france", "FR"},
	{"俄罗斯", "RU"}, {"russia", "RU"},
	{"印度", "IN"}, {"india", "IN"},
	{"澳大利亚", "AU"}, {"悉尼", "AU"}, {"australia", "AU"},
	{"加拿大", "CA"}, {"canada", "CA"},
	{"土耳其", "TR"}, {"turkey", "TR"},
	{"荷兰", "NL"}, {"netherlands", "NL"},
}

// RegionFromName 从节点名称推断地区代码，未识别返回空串。
// 先用子串匹配多字符别名，再回退到以词边界出现的两字母代码。
func RegionFromName(name string) string {
	lower := strings.ToLower(name)
	for _, a := range regionAliases {
		if len(a.keyword) <= 2 {
			continue
		}
		if strings.Contains(lower, a.keyword) {
			return a.region
		}
	}
	// 两字母代码只在独立出现时匹配，避免 "uk" 命中 "fukuoka" 之类的名称。
	fields := strings.FieldsFunc(lower, func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
	for _, f := range fields {
		for _, a := range regionAliases {
			if len(a.keyword) == 2 && f == a.keyword {
				return a.region
			}
		}
	}
	return ""
}

// RegionRank 返回地区在排序策略里的序号；不在列表中的返回 len(order)。
func RegionRank(order []string, region string) int {
	for i, r := range order {
		if strings.EqualFold(r, region) {
			return i
		}
	}
	return len(order)
}
