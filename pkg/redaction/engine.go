// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package redaction

// Match 规则命中结果
type Match struct {
	Rule   string
	Action Action
}

// Engine 按规则表评估文本内容，只读，可并发使用
type Engine struct {
	rules []Rule
}

// NewEngine 创建引擎；rules 为 nil 时使用内置规则，空切片表示不启用任何规则
func NewEngine(rules []Rule) *Engine {
	if rules == nil {
		rules = DefaultRules()
	}
	return &Engine{rules: append([]Rule(nil), rules...)}
}

// Rules 返回规则表副本
func (e *Engine) Rules() []Rule {
	return append([]Rule(nil), e.rules...)
}

// Evaluate 评估文本：任一 block 规则命中即返回 block，否则返回第一条命中的 redact 规则
func (e *Engine) Evaluate(text string) (Match, bool) {
	if text == "" {
		return Match{}, false
	}
	var redact *Rule
	for i := range e.rules {
		r := &e.rules[i]
		if !r.Pattern.MatchString(text) {
			continue
		}
		if r.Action == ActionBlock {
			return Match{Rule: r.Name, Action: ActionBlock}, true
		}
		if redact == nil {
			redact = r
		}
	}
	if redact == nil {
		return Match{}, false
	}
	return Match{Rule: redact.Name, Action: ActionRedact}, true
}

// MaskString 把命中片段替换为 RedactedValue（子串级），用于日志里的命令参数等
func (e *Engine) MaskString(s string) string {
	for _, r := range e.rules {
		s = r.Pattern.ReplaceAllString(s, RedactedValue)
	}
	return s
}

// MaskStrings 对每个元素调用 MaskString，返回新切片
func (e *Engine) MaskStrings(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = e.MaskString(s)
	}
	return out
}
