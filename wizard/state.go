// Package wizard 实现向导核心：客户端状态的规范化、上下文重建、
// 提示词组装与单步生成流水线。所有状态随请求往返，服务端不持久化。
package wizard

import (
	"strings"

	"github.com/yuqiangdede/PromptExecutor/textutil"
)

// HistoryEntry 记录某步骤的一次历史生成。
type HistoryEntry struct {
	Input  string `json:"input"`
	Output string `json:"output"`
	Mode   string `json:"mode"`
	TS     string `json:"ts"`
}

// State 是一次请求内的规范化向导状态。
type State struct {
	Requirement string                    `json:"requirement"`
	Facts       string                    `json:"facts"`
	StepInputs  map[string]string         `json:"step_inputs"`
	StepOutputs map[string]string         `json:"step_outputs"`
	StepOptions map[string][]string       `json:"step_options"`
	StepHistory map[string][]HistoryEntry `json:"step_history"`
}

// ValidationError 表示客户端输入不合法，应映射为 4xx。
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func asString(value any) string {
	s, _ := value.(string)
	return s
}

func asMap(value any) map[string]any {
	m, _ := value.(map[string]any)
	return m
}

// NormalizeState 把任意形状的客户端状态收敛为规范形式。任何字段缺失或
// 类型不符都退化为空值，绝不报错。
func NormalizeState(raw map[string]any) State {
	state := State{
		StepInputs:  make(map[string]string),
		StepOutputs: make(map[string]string),
		StepOptions: make(map[string][]string),
		StepHistory: make(map[string][]HistoryEntry),
	}
	if raw == nil {
		return state
	}
	state.Requirement = textutil.Normalize(asString(raw["requirement"]), textutil.MaxRequirement)
	state.Facts = textutil.Normalize(asString(raw["facts"]), textutil.MaxContext)

	for key, value := range asMap(raw["step_inputs"]) {
		state.StepInputs[key] = textutil.Normalize(asString(value), textutil.MaxContext)
	}
	for key, value := range asMap(raw["step_outputs"]) {
		state.StepOutputs[key] = textutil.Normalize(asString(value), textutil.MaxContext)
	}
	for key, value := range asMap(raw["step_options"]) {
		var items []string
		switch typed := value.(type) {
		case []any:
			for _, item := range typed {
				items = append(items, textutil.Normalize(asString(item), textutil.MaxOption))
			}
		case string:
			items = []string{textutil.Normalize(typed, textutil.MaxOption)}
		}
		var kept []string
		for _, item := range items {
			if item != "" {
				kept = append(kept, item)
			}
		}
		if len(kept) > 0 {
			state.StepOptions[key] = kept
		}
	}
	for key, value := range asMap(raw["step_history"]) {
		entries, ok := value.([]any)
		if !ok {
			continue
		}
		// 超过上限时只保留最近的条目，旧记录先被丢弃。
		if len(entries) > textutil.MaxHistoryItems {
			entries = entries[len(entries)-textutil.MaxHistoryItems:]
		}
		var normalized []HistoryEntry
		for _, rawEntry := range entries {
			record := asMap(rawEntry)
			if record == nil {
				continue
			}
			entry := HistoryEntry{
				Input:  textutil.Normalize(asString(record["input"]), textutil.MaxContext),
				Output: textutil.Normalize(asString(record["output"]), textutil.MaxContext),
				Mode:   textutil.Normalize(asString(record["mode"]), textutil.MaxHistoryMode),
				TS:     textutil.Normalize(asString(record["ts"]), textutil.MaxHistoryTS),
			}
			if entry.Input != "" || entry.Output != "" {
				normalized = append(normalized, entry)
			}
		}
		if len(normalized) > 0 {
			state.StepHistory[key] = normalized
		}
	}
	return state
}

// NormalizeMessages 规范对话消息列表：只保留 user/assistant 的非空内容，
// 条数封顶且保留最近的消息。
func NormalizeMessages(raw []any) []map[string]string {
	if len(raw) > textutil.MaxChatMessages {
		raw = raw[len(raw)-textutil.MaxChatMessages:]
	}
	var normalized []map[string]string
	for _, item := range raw {
		record := asMap(item)
		if record == nil {
			continue
		}
		role := strings.ToLower(textutil.Normalize(asString(record["role"]), textutil.MaxRole))
		if role != "user" && role != "assistant" {
			continue
		}
		content := textutil.Normalize(asString(record["content"]), textutil.MaxContext)
		if content == "" {
			continue
		}
		normalized = append(normalized, map[string]string{"role": role, "content": content})
	}
	return normalized
}
