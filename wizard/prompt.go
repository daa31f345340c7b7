package wizard

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/yuqiangdede/PromptExecutor/playbook"
	"github.com/yuqiangdede/PromptExecutor/textutil"
)

// 生成模式。
const (
	ModeGenerate   = "generate"
	ModeRegenerate = "regenerate"
	ModeAppend     = "append"
)

// NoNewContentMarker 是追加模式下模型未能给出新增内容时的固定回复。
const NoNewContentMarker = "无新增内容"

var placeholderRE = regexp.MustCompile(`\{\{([a-z_]+)\}\}`)

// Render 对模板做字面量占位符替换并裁剪首尾空白。未提供的占位符替换为
// 空串；不做递归求值，也没有转义规则。
func Render(template string, values map[string]string) string {
	rendered := placeholderRE.ReplaceAllStringFunc(template, func(match string) string {
		name := match[2 : len(match)-2]
		return values[name]
	})
	return strings.TrimSpace(rendered)
}

func hasPlaceholder(template, name string) bool {
	return strings.Contains(template, "{{"+name+"}}")
}

// BuildFactsUserPrompt 组装 STEP 0 事实提取的用户消息：包装模板（可空）、
// 前导块（缺省时使用固定指令）、原始需求兜底与输出约束。
func BuildFactsUserPrompt(requirement, step0Block, wrapperTemplate string) string {
	defaultInstructions := strings.Join([]string{
		"任务：仅提取用户明确写出的事实，禁止推断或补全。",
		"输出格式（内部）：",
		"- 系统目标：...",
		"- 涉及物品类型：...",
		"- 使用角色：...",
		"- 已明确的核心关注点：...",
	}, "\n")
	values := map[string]string{
		"requirement":      requirement,
		"facts":            "",
		"context":          "",
		"input":            "",
		"assumptions":      "",
		"options":          "",
		"step_title":       "STEP 0",
		"step_id":          "step_0",
		"step_number":      "0",
		"step_question":    "",
		"step_block":       "",
		"step_instruction": "",
	}
	renderedWrapper := Render(wrapperTemplate, values)
	rendered := Render(step0Block, values)
	var parts []string
	if renderedWrapper != "" {
		parts = append(parts, renderedWrapper)
	}
	if rendered != "" {
		parts = append(parts, rendered)
	} else {
		parts = append(parts, defaultInstructions)
	}
	if !strings.Contains(rendered, "原始需求描述") && !hasPlaceholder(wrapperTemplate, "requirement") {
		parts = append(parts, fmt.Sprintf("原始需求描述：\n%s", requirement))
	}
	parts = append(parts, "输出要求：只输出事实提取结果，不要其他说明。")
	return strings.Join(parts, "\n\n")
}

// StepPromptData 汇集组装单步用户消息所需的全部素材。
type StepPromptData struct {
	Step            playbook.Step
	StepBlock       string
	Context         string
	UserInput       string
	Assumptions     string
	Requirement     string
	Facts           string
	SelectedOptions []string
	WrapperTemplate string
	CurrentOutput   string
	Mode            string
}

// BuildStepUserPrompt 两次渲染后拼出最终请求体：先渲染步骤片段，再把它
// 作为 step_block/step_instruction 注入包装模板；包装模板或片段已引用的
// 素材不再重复附加。
func BuildStepUserPrompt(data StepPromptData) string {
	optionsText := ""
	if len(data.SelectedOptions) > 0 {
		bullets := make([]string, 0, len(data.SelectedOptions))
		for _, item := range data.SelectedOptions {
			bullets = append(bullets, "- "+item)
		}
		optionsText = strings.Join(bullets, "\n")
	}
	currentOutput := textutil.Normalize(data.CurrentOutput, textutil.MaxContext)
	values := map[string]string{
		"context":        data.Context,
		"input":          data.UserInput,
		"assumptions":    data.Assumptions,
		"requirement":    data.Requirement,
		"facts":          data.Facts,
		"options":        optionsText,
		"current_output": currentOutput,
		"step_title":     data.Step.Title,
		"step_id":        data.Step.ID,
		"step_number":    fmt.Sprintf("%d", data.Step.Number),
		"step_question":  data.Step.Question,
	}
	renderedBlock := Render(data.StepBlock, values)
	values["step_block"] = renderedBlock
	values["step_instruction"] = renderedBlock
	renderedWrapper := Render(data.WrapperTemplate, values)

	wrapper := data.WrapperTemplate
	block := data.StepBlock
	wrapperHasStepBlock := hasPlaceholder(wrapper, "step_block") || hasPlaceholder(wrapper, "step_instruction")
	wrapperHasStepTitle := hasPlaceholder(wrapper, "step_title") ||
		hasPlaceholder(wrapper, "step_id") || hasPlaceholder(wrapper, "step_number")
	hasCurrentOutput := hasPlaceholder(wrapper, "current_output") || hasPlaceholder(block, "current_output")
	hasContext := hasPlaceholder(wrapper, "context") || hasPlaceholder(block, "context")
	hasInput := hasPlaceholder(wrapper, "input") || hasPlaceholder(block, "input")
	hasAssumptions := hasPlaceholder(wrapper, "assumptions") || hasPlaceholder(block, "assumptions")
	hasOptions := hasPlaceholder(wrapper, "options") || hasPlaceholder(block, "options")

	var parts []string
	if renderedWrapper != "" {
		parts = append(parts, renderedWrapper)
	}
	if !wrapperHasStepTitle {
		parts = append(parts, fmt.Sprintf("当前执行：%s", data.Step.Title))
	}
	if data.Mode == ModeAppend {
		parts = append(parts, "当前为追加思考模式：请基于已有结果补充，不要重复已有内容。")
		parts = append(parts, "必须新增至少1条不同内容；如无法新增，请仅输出："+NoNewContentMarker+"。")
	}
	parts = append(parts, "请严格遵守系统提示词中的流程与约束，仅输出本步骤结果。")
	if renderedBlock != "" && !wrapperHasStepBlock {
		parts = append(parts, fmt.Sprintf("步骤说明（摘自提示词）：\n%s", renderedBlock))
	}
	if data.Context != "" && !hasContext {
		parts = append(parts, fmt.Sprintf("已有信息：\n%s", data.Context))
	}
	if data.UserInput != "" && !hasInput {
		parts = append(parts, fmt.Sprintf("用户补充：\n%s", data.UserInput))
	}
	if data.Assumptions != "" && !hasAssumptions {
		parts = append(parts, fmt.Sprintf("当前假设：\n%s", data.Assumptions))
	}
	if optionsText != "" && !hasOptions {
		parts = append(parts, fmt.Sprintf("可选描述选择：\n%s", optionsText))
	}
	if currentOutput != "" && data.Mode == ModeAppend && !hasCurrentOutput {
		parts = append(parts, fmt.Sprintf("已有结果：\n%s", currentOutput))
	}
	if data.Mode == ModeAppend {
		parts = append(parts, "输出要求：中文，只输出新增补充内容，不要重复已有结果。")
	} else {
		parts = append(parts, "输出要求：中文，只输出本步骤内容，不要其他说明。")
	}
	return strings.Join(parts, "\n\n")
}
