package wizard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/yuqiangdede/PromptExecutor/config"
	"github.com/yuqiangdede/PromptExecutor/llm"
	"github.com/yuqiangdede/PromptExecutor/playbook"
	"github.com/yuqiangdede/PromptExecutor/textutil"
)

// ErrEmptyBasePrompt 表示选中的提示词文件没有正文可用作系统消息。
var ErrEmptyBasePrompt = errors.New("系统提示词为空")

// Caller 抽象大模型客户端，便于测试替换。
type Caller interface {
	Call(ctx context.Context, cfg llm.CallConfig, messages []llm.Message, temperature float64, tag, traceID string) (string, error)
	GenerateImage(ctx context.Context, cfg llm.ImageCallConfig, prompt, traceID string) ([]llm.ImageData, error)
}

// Service 串起单次请求的完整流水线：规范化 → 上下文重建 → 渲染 → 外呼 →
// 后处理 → 历史追加。
type Service struct {
	Config  *config.Service
	Prompts *playbook.Cache
	Wrapper *playbook.TemplateCache
	LLM     Caller
	BaseDir string
	Now     func() time.Time
}

// NewService 构造向导服务。
func NewService(cfg *config.Service, caller Caller, baseDir string) *Service {
	return &Service{
		Config:  cfg,
		Prompts: &playbook.Cache{},
		Wrapper: &playbook.TemplateCache{},
		LLM:     caller,
		BaseDir: baseDir,
		Now:     time.Now,
	}
}

// NewTraceID 生成 12 位十六进制的调用链标识。
func NewTraceID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// LoadPromptData 按覆盖路径或当前选中路径加载提示词文档。
func (s *Service) LoadPromptData(pathOverride string) (*playbook.Document, error) {
	path := pathOverride
	if path == "" {
		path = config.SystemPromptPath()
	}
	if path == "" {
		path = s.Config.SelectedPromptPath()
	}
	if path == "" {
		return nil, &ValidationError{Msg: "未选择提示词文件"}
	}
	doc, err := s.Prompts.Load(path)
	if err != nil {
		return nil, &ValidationError{Msg: err.Error()}
	}
	return doc, nil
}

func (s *Service) wrapperTemplate() string {
	return s.Wrapper.Load(config.UserPromptPath(s.BaseDir))
}

// AssumptionsText 返回会话当前的假设清单：优先取用户确认过的输入。
func AssumptionsText(state State, doc *playbook.Document) string {
	stepID := doc.AssumptionStepID
	if stepID == "" {
		return ""
	}
	if input := state.StepInputs[stepID]; input != "" {
		return input
	}
	return state.StepOutputs[stepID]
}

// EnsureFacts 保证事实块存在：已有则直接返回，否则用前导块做一次低温
// 提取。返回值第二项表示是否新生成。
func (s *Service) EnsureFacts(ctx context.Context, state State, doc *playbook.Document, wrapper, traceID string) (string, bool, error) {
	if state.Facts != "" {
		return state.Facts, false, nil
	}
	if state.Requirement == "" {
		return "", false, nil
	}
	user := BuildFactsUserPrompt(state.Requirement, doc.Step0Block, wrapper)
	facts, err := s.LLM.Call(ctx, s.callConfig(), []llm.Message{
		{Role: "system", Content: doc.BasePrompt},
		{Role: "user", Content: user},
	}, 0.1, "STEP0_FACTS", traceID)
	if err != nil {
		return "", false, err
	}
	return facts, true, nil
}

func (s *Service) callConfig() llm.CallConfig {
	effective := s.Config.Effective()
	return llm.CallConfig{
		APIKey:  effective.APIKey,
		Model:   effective.Model,
		BaseURL: effective.BaseURL,
		LogLLM:  effective.LogLLM,
	}
}

// RunStepRequest 是 /api/run_step 的入参（state 保持原始形状，由服务端规范化）。
type RunStepRequest struct {
	StepID   string
	Mode     string
	RunInput string
	RawState map[string]any
}

// RunStepResult 是单步生成的结果。
type RunStepResult struct {
	Output       string
	StepHistory  map[string][]HistoryEntry
	Facts        string
	FactsUpdated bool
}

// RunStep 执行一次步骤生成。
func (s *Service) RunStep(ctx context.Context, req RunStepRequest) (*RunStepResult, error) {
	stepID := textutil.Normalize(req.StepID, textutil.MaxStepID)
	if stepID == "" {
		return nil, &ValidationError{Msg: "缺少步骤标识"}
	}
	mode := strings.ToLower(textutil.Normalize(req.Mode, textutil.MaxMode))
	if mode != ModeAppend && mode != ModeRegenerate && mode != ModeGenerate {
		mode = ModeRegenerate
	}
	runInput := textutil.Normalize(req.RunInput, textutil.MaxContext)
	state := NormalizeState(req.RawState)
	traceID := NewTraceID()

	outputCount := 0
	for _, value := range state.StepOutputs {
		if value != "" {
			outputCount++
		}
	}
	slog.Info("步骤请求开始", "trace", traceID, "step", stepID, "mode", mode,
		"req_len", len(state.Requirement), "input_len", len(state.StepInputs[stepID]),
		"outputs", outputCount, "options", len(state.StepOptions[stepID]))

	if stepID == "input" {
		return nil, &ValidationError{Msg: "该步骤无需生成"}
	}
	if state.Requirement == "" {
		return nil, &ValidationError{Msg: "请先填写原始需求描述"}
	}
	doc, err := s.LoadPromptData("")
	if err != nil {
		return nil, err
	}
	wrapper := s.wrapperTemplate()
	stepMeta, ok := doc.StepByID(stepID)
	if !ok {
		return nil, &ValidationError{Msg: "步骤无效"}
	}
	if mode == ModeAppend && state.StepOutputs[stepID] == "" {
		return nil, &ValidationError{Msg: "请先生成本步骤内容，再进行追加思考"}
	}

	facts, factsUpdated, err := s.EnsureFacts(ctx, state, doc, wrapper, traceID)
	if err != nil {
		return nil, err
	}
	if facts != "" {
		state.Facts = facts
	}

	currentOutput := state.StepOutputs[stepID]
	output, err := s.generateStepOutput(ctx, stepMeta, state, doc, wrapper, currentOutput, mode, traceID)
	if err != nil {
		return nil, err
	}

	if mode == ModeAppend && currentOutput != "" {
		existingNorm := textutil.NormalizeForCompare(currentOutput)
		outputNorm := textutil.NormalizeForCompare(output)
		if outputNorm == "" || strings.Contains(existingNorm, outputNorm) {
			output = NoNewContentMarker
		}
	}

	entryInput := runInput
	if entryInput == "" {
		entryInput = state.StepInputs[stepID]
	}
	entry := HistoryEntry{
		Input:  entryInput,
		Output: output,
		Mode:   mode,
		TS:     s.Now().Format("2006-01-02 15:04:05"),
	}
	history := append(state.StepHistory[stepID], entry)
	if len(history) > textutil.MaxHistoryItems {
		history = history[len(history)-textutil.MaxHistoryItems:]
	}
	state.StepHistory[stepID] = history

	slog.Info("步骤请求完成", "trace", traceID, "step", stepID, "mode", mode,
		"output_len", len(output), "facts_updated", factsUpdated)
	return &RunStepResult{
		Output:       output,
		StepHistory:  state.StepHistory,
		Facts:        facts,
		FactsUpdated: factsUpdated,
	}, nil
}

func (s *Service) generateStepOutput(ctx context.Context, stepMeta playbook.Step, state State, doc *playbook.Document, wrapper, currentOutput, mode, traceID string) (string, error) {
	contextText := BuildContext(state, doc.Steps, stepMeta.ID)
	user := BuildStepUserPrompt(StepPromptData{
		Step:            stepMeta,
		StepBlock:       doc.StepBlocks[stepMeta.ID],
		Context:         contextText,
		UserInput:       state.StepInputs[stepMeta.ID],
		Assumptions:     AssumptionsText(state, doc),
		Requirement:     state.Requirement,
		Facts:           state.Facts,
		SelectedOptions: state.StepOptions[stepMeta.ID],
		WrapperTemplate: wrapper,
		CurrentOutput:   currentOutput,
		Mode:            mode,
	})
	// 前两步（澄清与假设）用更低的温度保证稳定。
	temperature := 0.3
	if stepMeta.Number == 1 || stepMeta.Number == 2 {
		temperature = 0.2
	}
	tag := fmt.Sprintf("STEP%d_OUTPUT", stepMeta.Number)
	return s.LLM.Call(ctx, s.callConfig(), []llm.Message{
		{Role: "system", Content: doc.BasePrompt},
		{Role: "user", Content: user},
	}, temperature, tag, traceID)
}

// ChatOverride 是 /api/chat 请求内联的配置覆盖。
type ChatOverride struct {
	APIKey     string
	Model      string
	BaseURL    string
	LogLLM     *bool
	PromptPath string
}

// NormalizeChatOverride 校验并规范对话配置覆盖项。
func (s *Service) NormalizeChatOverride(raw map[string]any) (ChatOverride, error) {
	var override ChatOverride
	if raw == nil {
		return override, nil
	}
	override.APIKey = textutil.Normalize(asString(raw["api_key"]), textutil.MaxContext)
	override.Model = textutil.Normalize(asString(raw["model"]), textutil.MaxOption)
	override.BaseURL = textutil.Normalize(asString(raw["base_url"]), textutil.MaxContext)
	override.LogLLM = config.ParseBoolValue(raw["log_llm"])
	override.PromptPath = playbook.NormalizeRelPath(asString(raw["prompt_path"]))
	if override.BaseURL != "" && !strings.HasPrefix(override.BaseURL, "https://") {
		return ChatOverride{}, &ValidationError{Msg: "BASE_URL 必须使用 https://"}
	}
	if override.PromptPath != "" && playbook.ResolvePath(s.Config.PromptRoot(), override.PromptPath) == "" {
		return ChatOverride{}, &ValidationError{Msg: "提示词文件不存在或无权限"}
	}
	return override, nil
}

// Chat 以当前提示词全文为系统消息做一次自由对话。
func (s *Service) Chat(ctx context.Context, rawMessages []any, rawConfig map[string]any) (string, error) {
	messages := NormalizeMessages(rawMessages)
	if len(messages) == 0 {
		return "", &ValidationError{Msg: "对话内容为空"}
	}
	override, err := s.NormalizeChatOverride(rawConfig)
	if err != nil {
		return "", err
	}
	base := s.Config.Effective()
	callCfg := llm.CallConfig{
		APIKey:  firstNonEmpty(override.APIKey, base.APIKey),
		Model:   firstNonEmpty(override.Model, base.Model),
		BaseURL: firstNonEmpty(override.BaseURL, base.BaseURL),
		LogLLM:  base.LogLLM,
	}
	if override.LogLLM != nil {
		callCfg.LogLLM = *override.LogLLM
	}

	promptOverride := ""
	if override.PromptPath != "" {
		promptOverride = playbook.ResolvePath(s.Config.PromptRoot(), override.PromptPath)
	}
	doc, err := s.LoadPromptData(promptOverride)
	if err != nil {
		return "", err
	}
	if doc.BasePrompt == "" {
		return "", ErrEmptyBasePrompt
	}

	traceID := NewTraceID()
	chars := 0
	llmMessages := []llm.Message{{Role: "system", Content: doc.BasePrompt}}
	for _, message := range messages {
		chars += len(message["content"])
		llmMessages = append(llmMessages, llm.Message{Role: message["role"], Content: message["content"]})
	}
	slog.Info("对话请求开始", "trace", traceID, "msgs", len(messages), "chars", chars)
	reply, err := s.LLM.Call(ctx, callCfg, llmMessages, 0.3, "CHAT", traceID)
	if err != nil {
		return "", err
	}
	slog.Info("对话请求完成", "trace", traceID, "reply_len", len(reply))
	return reply, nil
}

// GenerateImage 执行一次生图调用，返回提示语与图片描述列表。
func (s *Service) GenerateImage(ctx context.Context, rawPrompt string, rawConfig map[string]any) (string, []llm.ImageData, error) {
	prompt := textutil.Normalize(rawPrompt, textutil.MaxContext)
	if prompt == "" {
		return "", nil, &ValidationError{Msg: "提示词为空"}
	}
	override := struct {
		apiKey, model, baseURL string
	}{
		apiKey:  textutil.Normalize(asString(rawConfig["api_key"]), textutil.MaxContext),
		model:   textutil.Normalize(asString(rawConfig["model"]), textutil.MaxOption),
		baseURL: textutil.Normalize(asString(rawConfig["base_url"]), textutil.MaxContext),
	}
	if override.baseURL != "" && !strings.HasPrefix(override.baseURL, "https://") {
		return "", nil, &ValidationError{Msg: "IMG_BASE_URL 必须使用 https://"}
	}
	base := s.Config.ImageEffective()
	callCfg := llm.ImageCallConfig{
		APIKey:  firstNonEmpty(override.apiKey, base.APIKey),
		Model:   firstNonEmpty(override.model, base.Model),
		BaseURL: firstNonEmpty(override.baseURL, base.BaseURL),
	}
	traceID := NewTraceID()
	images, err := s.LLM.GenerateImage(ctx, callCfg, prompt, traceID)
	if err != nil {
		return "", nil, err
	}
	reply := "未返回图片数据。"
	if len(images) > 0 {
		reply = fmt.Sprintf("已生成 %d 张图片。", len(images))
	}
	return reply, images, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
