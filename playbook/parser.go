// Package playbook 将半结构化的 Markdown 提示词文档解析为可寻址的步骤定义。
//
// 文档按 “STEP <n>｜标题” 形式的二到六级标题切分；编号为 0 的段落（或首个
// 标题之前的内容）作为保留的前导块。解析对格式错误完全宽容：识别不出的
// 结构只是不产生可选项或标题改写，绝不报错。
package playbook

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Step 描述向导中的一个步骤及其界面提示信息。
type Step struct {
	ID                string   `json:"id"`
	Number            int      `json:"number,omitempty"`
	Title             string   `json:"title"`
	Question          string   `json:"question,omitempty"`
	InputLabel        string   `json:"input_label,omitempty"`
	InputPlaceholder  string   `json:"input_placeholder,omitempty"`
	OutputLabel       string   `json:"output_label,omitempty"`
	OutputPlaceholder string   `json:"output_placeholder,omitempty"`
	Generate          bool     `json:"generate"`
	OutputVisible     bool     `json:"output_visible"`
	DownloadName      string   `json:"download_name,omitempty"`
	Optional          bool     `json:"optional,omitempty"`
	OptionalLabel     string   `json:"optional_label,omitempty"`
	Options           []string `json:"options,omitempty"`
}

// Document 是一次解析的不可变结果。
type Document struct {
	BasePrompt       string
	Steps            []Step
	StepBlocks       map[string]string
	Step0Block       string
	AssumptionStepID string
}

var (
	stepHeadingRE   = regexp.MustCompile(`(?i)^#{2,6}\s*STEP\s*(\d+)\s*[｜|]\s*(.+)$`)
	optionHeadingRE = regexp.MustCompile(`^(?:\*\*)?(示例方向|示例|可选项|可选描述|可选)(?:\*\*)?[:：]?$`)
	bulletRE        = regexp.MustCompile(`^\s*[-*•]\s+(.+)$`)
	numberedRE      = regexp.MustCompile(`^\s*\d+[.)]\s+(.+)$`)
	docTitleRE      = regexp.MustCompile(`《(.+?)》`)
	deliverableRE   = regexp.MustCompile(`(?i)D\d+`)
	unsafeNameRE    = regexp.MustCompile(`[\\/:*?"<>|｜]`)
)

type rawStep struct {
	number  int
	title   string
	content string
}

// 行扫描状态。
type scanState int

const (
	statePreamble scanState = iota // 尚未遇到任何 STEP 标题
	stateStep                      // 正在收集某个步骤的正文
)

// splitStepBlocks 按 STEP 标题切分文本，返回首个标题之前的前导文本与各步骤块。
func splitStepBlocks(text string) (string, []rawStep) {
	var steps []rawStep
	var current *rawStep
	var buffer []string
	preamble := ""
	state := statePreamble
	for _, rawLine := range strings.Split(text, "\n") {
		line := strings.TrimSpace(rawLine)
		if m := stepHeadingRE.FindStringSubmatch(line); m != nil {
			if state == stateStep {
				current.content = strings.TrimSpace(strings.Join(buffer, "\n"))
				steps = append(steps, *current)
			} else {
				preamble = strings.TrimSpace(strings.Join(buffer, "\n"))
			}
			number, _ := strconv.Atoi(m[1])
			current = &rawStep{number: number, title: strings.TrimSpace(m[2])}
			buffer = buffer[:0]
			state = stateStep
			continue
		}
		buffer = append(buffer, rawLine)
	}
	if state == stateStep {
		current.content = strings.TrimSpace(strings.Join(buffer, "\n"))
		steps = append(steps, *current)
	} else {
		preamble = strings.TrimSpace(strings.Join(buffer, "\n"))
	}
	return preamble, steps
}

// summarizeBlock 取正文中第一行有效文字作为该步骤的兜底提问，超长截断。
func summarizeBlock(content string) string {
	for _, rawLine := range strings.Split(content, "\n") {
		candidate := strings.TrimSpace(rawLine)
		if candidate == "" {
			continue
		}
		if strings.Trim(candidate, "-") == "" {
			continue
		}
		if strings.HasPrefix(candidate, "**") && strings.HasSuffix(candidate, "**") &&
			len([]rune(strings.Trim(candidate, "*"))) <= 8 {
			continue
		}
		if strings.HasPrefix(candidate, "#") {
			continue
		}
		if runes := []rune(candidate); len(runes) > 120 {
			candidate = string(runes[:120]) + "..."
		}
		return candidate
	}
	return ""
}

// extractOptions 收集 “示例/可选项” 小标题之后连续的列表行。
// 空行、标题或普通文字都会终止收集。
func extractOptions(content string) []string {
	var options []string
	capture := false
	for _, rawLine := range strings.Split(content, "\n") {
		line := strings.TrimSpace(rawLine)
		if line == "" {
			capture = false
			continue
		}
		if optionHeadingRE.MatchString(line) {
			capture = true
			continue
		}
		if strings.HasPrefix(line, "#") {
			capture = false
			continue
		}
		if !capture {
			continue
		}
		m := bulletRE.FindStringSubmatch(line)
		if m == nil {
			m = numberedRE.FindStringSubmatch(line)
		}
		if m == nil {
			capture = false
			continue
		}
		if option := strings.TrimSpace(m[1]); option != "" {
			options = append(options, option)
		}
	}
	return options
}

// extractDocTitle 从正文里找书名号括起的文档名，或含“文档/说明”的行。
func extractDocTitle(content string) string {
	if m := docTitleRE.FindStringSubmatch(content); m != nil {
		return strings.TrimSpace(m[1])
	}
	for _, rawLine := range strings.Split(content, "\n") {
		line := strings.TrimSpace(rawLine)
		if strings.HasPrefix(line, "#") {
			line = strings.TrimSpace(strings.TrimLeft(line, "#"))
		}
		if line == "" {
			continue
		}
		if strings.Contains(line, "文档") || strings.Contains(line, "说明") {
			return strings.Trim(line, "《》")
		}
	}
	return ""
}

func safeFilename(name string) string {
	cleaned := strings.TrimSpace(unsafeNameRE.ReplaceAllString(name, ""))
	if cleaned == "" {
		cleaned = "step-output"
	}
	return cleaned + ".md"
}

// buildStepMeta 按约定推导展示标题与输入/输出界面提示。
func buildStepMeta(step rawStep, options []string, docTitle string) Step {
	displayTitleText := step.title
	if docTitle != "" && (strings.Contains(step.title, "交付物") || deliverableRE.MatchString(step.title)) {
		displayTitleText = docTitle
		if !strings.Contains(displayTitleText, "文档") {
			displayTitleText += "文档"
		}
		if strings.Contains(step.title, "可选") && !strings.Contains(displayTitleText, "可选") {
			displayTitleText += "（可选）"
		}
	}
	displayTitle := fmt.Sprintf("STEP %d｜%s", step.number, displayTitleText)
	question := summarizeBlock(step.content)
	if question == "" {
		question = fmt.Sprintf("请根据提示词输出 %s 的内容。", displayTitle)
	}

	meta := Step{
		ID:            fmt.Sprintf("step_%d", step.number),
		Number:        step.number,
		Title:         displayTitle,
		Question:      question,
		Generate:      true,
		OutputVisible: true,
		DownloadName:  safeFilename(displayTitleText),
		Options:       options,
	}
	switch {
	case step.number == 1 || strings.Contains(step.title, "澄清") || strings.Contains(step.title, "反问"):
		meta.InputLabel = "澄清问题答案（按 Q1/Q2… 作答）"
		meta.InputPlaceholder = "示例：Q1：是/否；Q2：A/B..."
		meta.OutputLabel = "澄清问题"
		meta.OutputPlaceholder = "点击“生成内容”生成澄清问题。"
	case step.number == 2 || strings.Contains(step.title, "假设"):
		meta.InputLabel = "确认后的假设清单"
		meta.InputPlaceholder = "可编辑或补充假设（如无需假设可保留“无需假设”）"
		meta.OutputLabel = "模型建议假设"
		meta.OutputPlaceholder = "点击“生成内容”生成假设清单。"
	default:
		meta.InputLabel = "补充说明（可选）"
		meta.InputPlaceholder = "如需补充关键信息，可写在这里。"
		meta.OutputLabel = "生成结果"
		meta.OutputPlaceholder = "点击“生成内容”生成本步骤结果。"
	}
	return meta
}

// Parse 把原始文本解析为 Document。纯函数，不做任何 I/O，也从不报错。
func Parse(text string) *Document {
	doc := &Document{
		BasePrompt: strings.TrimSpace(text),
		StepBlocks: make(map[string]string),
	}
	preamble, steps := splitStepBlocks(text)
	doc.Step0Block = preamble
	for _, step := range steps {
		// 显式编号为 0 的块优先作为前导块。
		if step.number == 0 {
			doc.Step0Block = step.content
			continue
		}
		options := extractOptions(step.content)
		docTitle := extractDocTitle(step.content)
		if docTitle == "" {
			docTitle = extractDocTitle(step.title)
		}
		meta := buildStepMeta(step, options, docTitle)
		if strings.Contains(step.title, "可选") {
			meta.Optional = true
			meta.OptionalLabel = step.title
		}
		// 派生 id 冲突时用已有块数做确定性后缀，保证 id 唯一。
		if _, exists := doc.StepBlocks[meta.ID]; exists {
			meta.ID = fmt.Sprintf("%s_%d", meta.ID, len(doc.StepBlocks))
		}
		doc.StepBlocks[meta.ID] = step.content
		doc.Steps = append(doc.Steps, meta)
		if doc.AssumptionStepID == "" && (step.number == 2 || strings.Contains(step.title, "假设")) {
			doc.AssumptionStepID = meta.ID
		}
	}
	return doc
}

// StepByID 返回指定 id 的步骤定义。
func (d *Document) StepByID(id string) (Step, bool) {
	for _, step := range d.Steps {
		if step.ID == id {
			return step, true
		}
	}
	return Step{}, false
}
