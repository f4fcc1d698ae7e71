// Package utils 通用小工具，不依赖 internal
package utils

import "strings"

// CoalesceString 返回第一个非空字符串
func CoalesceString(ss ...string) string {
	for _, s := range ss {
		if s != "" {
			return s
		}
	}
	return ""
}

// EnvPairs 将 KEY=VALUE 列表合并进 dst（后者覆盖前者），返回格式不合法的项。
// dst 为 nil 时新建
func EnvPairs(dst map[string]string, pairs []string) (map[string]string, []string) {
	if dst == nil {
		dst = make(map[string]string, len(pairs))
	}
	var invalid []string
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			invalid = append(invalid, p)
			continue
		}
		dst[k] = v
	}
	return dst, invalid
}
