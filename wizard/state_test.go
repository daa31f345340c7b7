package wizard

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yuqiangdede/PromptExecutor/textutil"
)

func decodeState(t *testing.T, raw string) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &m))
	return m
}

func TestNormalizeStateDefaults(t *testing.T) {
	state := NormalizeState(nil)
	assert.Empty(t, state.Requirement)
	assert.NotNil(t, state.StepInputs)
	assert.NotNil(t, state.StepHistory)
}

func TestNormalizeStateMalformedFieldsDegrade(t *testing.T) {
	state := NormalizeState(decodeState(t, `{
		"requirement": 42,
		"facts": "已知事实",
		"step_inputs": "不是映射",
		"step_outputs": {"step_1": "输出A"},
		"step_options": {"step_1": "单个选项", "step_2": ["a", "", "b"], "step_3": [""]},
		"step_history": {"step_1": "不是列表"}
	}`))
	assert.Empty(t, state.Requirement)
	assert.Equal(t, "已知事实", state.Facts)
	assert.Empty(t, state.StepInputs)
	assert.Equal(t, "输出A", state.StepOutputs["step_1"])
	assert.Equal(t, []string{"单个选项"}, state.StepOptions["step_1"])
	assert.Equal(t, []string{"a", "b"}, state.StepOptions["step_2"])
	assert.NotContains(t, state.StepOptions, "step_3")
	assert.Empty(t, state.StepHistory)
}

func TestNormalizeStateHistoryTruncation(t *testing.T) {
	entries := make([]string, 0, 40)
	for i := 0; i < 40; i++ {
		entries = append(entries, fmt.Sprintf(`{"input":"输入%d","output":"输出%d","mode":"regenerate","ts":"2026-01-01 00:00:00"}`, i, i))
	}
	raw := fmt.Sprintf(`{"step_history":{"step_1":[%s]}}`, jsonJoin(entries))
	state := NormalizeState(decodeState(t, raw))
	history := state.StepHistory["step_1"]
	require.Len(t, history, textutil.MaxHistoryItems)
	// 从旧到新裁剪，留下的是最近的 30 条。
	assert.Equal(t, "输入10", history[0].Input)
	assert.Equal(t, "输入39", history[len(history)-1].Input)
}

func jsonJoin(items []string) string {
	out := ""
	for i, item := range items {
		if i > 0 {
			out += ","
		}
		out += item
	}
	return out
}

func TestNormalizeStateHistoryDropsEmptyEntries(t *testing.T) {
	state := NormalizeState(decodeState(t, `{
		"step_history": {"step_1": [
			{"input": "", "output": "", "mode": "generate", "ts": "x"},
			{"input": "有内容", "output": "", "mode": "append", "ts": "2026-01-01 00:00:00"},
			"不是记录"
		]}
	}`))
	history := state.StepHistory["step_1"]
	require.Len(t, history, 1)
	assert.Equal(t, "有内容", history[0].Input)
	assert.Equal(t, "append", history[0].Mode)
}

func TestNormalizeStateClampsLongFields(t *testing.T) {
	long := make([]byte, 0, textutil.MaxRequirement+100)
	for i := 0; i < textutil.MaxRequirement+100; i++ {
		long = append(long, 'a')
	}
	state := NormalizeState(map[string]any{"requirement": string(long)})
	assert.Len(t, state.Requirement, textutil.MaxRequirement)
}

func TestNormalizeMessages(t *testing.T) {
	messages := NormalizeMessages([]any{
		map[string]any{"role": "User", "content": "你好"},
		map[string]any{"role": "assistant", "content": "您好"},
		map[string]any{"role": "system", "content": "忽略我"},
		map[string]any{"role": "user", "content": ""},
		"不是记录",
	})
	require.Len(t, messages, 2)
	assert.Equal(t, "user", messages[0]["role"])
	assert.Equal(t, "您好", messages[1]["content"])
}

func TestNormalizeMessagesCaps(t *testing.T) {
	raw := make([]any, 0, textutil.MaxChatMessages+10)
	for i := 0; i < textutil.MaxChatMessages+10; i++ {
		raw = append(raw, map[string]any{"role": "user", "content": fmt.Sprintf("消息%d", i)})
	}
	messages := NormalizeMessages(raw)
	require.Len(t, messages, textutil.MaxChatMessages)
	assert.Equal(t, fmt.Sprintf("消息%d", 10), messages[0]["content"])
}
