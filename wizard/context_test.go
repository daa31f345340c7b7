package wizard

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/yuqiangdede/PromptExecutor/playbook"
	"github.com/yuqiangdede/PromptExecutor/textutil"
)

func contextSteps() []playbook.Step {
	return []playbook.Step{
		{ID: "step_1", Number: 1, Title: "STEP 1｜背景确认"},
		{ID: "step_2", Number: 2, Title: "STEP 2｜假设清单"},
		{ID: "step_3", Number: 3, Title: "STEP 3｜结构草案"},
	}
}

func TestBuildContextFallbackAndHistory(t *testing.T) {
	state := State{
		Requirement: "需要一个库存系统",
		Facts:       "- 系统目标：库存管理",
		StepInputs:  map[string]string{"step_1": "Q1：是", "step_3": "目标步骤自己的输入"},
		StepOutputs: map[string]string{"step_1": "A", "step_3": "目标步骤自己的输出"},
		StepOptions: map[string][]string{"step_2": {"方向A", "方向B"}},
		StepHistory: map[string][]HistoryEntry{
			"step_2": {
				{Input: "补充一", Output: "假设一", Mode: "generate", TS: "2026-01-01 10:00:00"},
				{Output: "假设二", Mode: "append", TS: "2026-01-01 11:00:00"},
			},
		},
	}
	got := BuildContext(state, contextSteps(), "step_3")

	assert.Contains(t, got, "原始需求描述：\n需要一个库存系统")
	assert.Contains(t, got, "内部事实提取（系统态）：\n- 系统目标：库存管理")
	// step_1 无历史，回退到单次输出与用户输入。
	assert.Contains(t, got, "STEP 1｜背景确认 输出：\nA")
	assert.Contains(t, got, "STEP 1｜背景确认 用户补充：\nQ1：是")
	// step_2 有历史，只使用历史视图。
	assert.Contains(t, got, "STEP 2｜假设清单 历史记录：")
	assert.Contains(t, got, "[generate 2026-01-01 10:00:00] 输入：补充一")
	assert.Contains(t, got, "[append 2026-01-01 11:00:00] 输出：假设二")
	assert.Contains(t, got, "STEP 2｜假设清单 可选描述选择：\n- 方向A\n- 方向B")
	// 目标步骤自身的状态不得泄漏进上下文。
	assert.NotContains(t, got, "目标步骤自己的输出")
	assert.NotContains(t, got, "目标步骤自己的输入")
}

func TestBuildContextHistoryExcludesFallback(t *testing.T) {
	state := State{
		Requirement: "需求",
		StepOutputs: map[string]string{"step_1": "单次输出不应出现"},
		StepHistory: map[string][]HistoryEntry{
			"step_1": {{Output: "历史输出", Mode: "generate", TS: "ts"}},
		},
	}
	got := BuildContext(state, contextSteps(), "step_2")
	assert.Contains(t, got, "历史输出")
	assert.NotContains(t, got, "单次输出不应出现")
}

func TestBuildContextHistoryWindow(t *testing.T) {
	var entries []HistoryEntry
	for i := 0; i < 10; i++ {
		entries = append(entries, HistoryEntry{Output: fmt.Sprintf("输出%d", i), Mode: "regenerate", TS: "ts"})
	}
	state := State{
		Requirement: "需求",
		StepHistory: map[string][]HistoryEntry{"step_1": entries},
	}
	got := BuildContext(state, contextSteps(), "step_2")
	assert.NotContains(t, got, "输出3")
	for i := 10 - textutil.MaxHistoryContext; i < 10; i++ {
		assert.Contains(t, got, fmt.Sprintf("输出%d", i))
	}
}

func TestBuildContextEmptyState(t *testing.T) {
	state := State{Requirement: "只有需求"}
	got := BuildContext(state, contextSteps(), "step_1")
	assert.Equal(t, "原始需求描述：\n只有需求", strings.TrimSpace(got))
}
