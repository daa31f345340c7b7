package wizard

import (
	"fmt"
	"strings"

	"github.com/yuqiangdede/PromptExecutor/playbook"
	"github.com/yuqiangdede/PromptExecutor/textutil"
)

// BuildContext 按文档顺序为目标步骤重建文本上下文：原始需求、事实块，
// 再逐个附上目标之前每个步骤的历史窗口（有历史时只用历史，避免与单次
// 输出重复）或最近一次输出/输入，以及该步骤的已选可选项。目标步骤自身
// 的状态绝不进入上下文。
func BuildContext(state State, steps []playbook.Step, currentStepID string) string {
	parts := []string{fmt.Sprintf("原始需求描述：\n%s", state.Requirement)}
	if state.Facts != "" {
		parts = append(parts, fmt.Sprintf("内部事实提取（系统态）：\n%s", state.Facts))
	}
	for _, step := range steps {
		if step.ID == currentStepID {
			break
		}
		entries := state.StepHistory[step.ID]
		if len(entries) == 0 {
			if output := state.StepOutputs[step.ID]; output != "" {
				parts = append(parts, fmt.Sprintf("%s 输出：\n%s", step.Title, output))
			}
			if input := state.StepInputs[step.ID]; input != "" {
				parts = append(parts, fmt.Sprintf("%s 用户补充：\n%s", step.Title, input))
			}
		} else {
			window := entries
			if len(window) > textutil.MaxHistoryContext {
				window = window[len(window)-textutil.MaxHistoryContext:]
			}
			var lines []string
			for _, entry := range window {
				prefix := strings.TrimSpace(fmt.Sprintf("[%s %s]", entry.Mode, entry.TS))
				if entry.Input != "" {
					lines = append(lines, fmt.Sprintf("%s 输入：%s", prefix, entry.Input))
				}
				if entry.Output != "" {
					lines = append(lines, fmt.Sprintf("%s 输出：%s", prefix, entry.Output))
				}
			}
			if len(lines) > 0 {
				parts = append(parts, fmt.Sprintf("%s 历史记录：\n%s", step.Title, strings.Join(lines, "\n")))
			}
		}
		if options := state.StepOptions[step.ID]; len(options) > 0 {
			bullets := make([]string, 0, len(options))
			for _, item := range options {
				bullets = append(bullets, "- "+item)
			}
			parts = append(parts, fmt.Sprintf("%s 可选描述选择：\n%s", step.Title, strings.Join(bullets, "\n")))
		}
	}
	return strings.Join(parts, "\n\n")
}
