// Package llm 封装对外的大模型调用：chat-completions 通道与生图通道，
// 统一的重试/退避策略、耗时度量与（可选的）全量脱敏日志。
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/tiktoken-go/tokenizer"

	"github.com/yuqiangdede/PromptExecutor/config"
	"github.com/yuqiangdede/PromptExecutor/metrics"
	"github.com/yuqiangdede/PromptExecutor/textutil"
)

const imageEndpointSuffix = "/images/generations"

// Message 是发送给模型的一条消息。
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CallConfig 是一次 chat 调用的完整配置（由调用方合并好覆盖项后传入）。
type CallConfig struct {
	APIKey  string
	Model   string
	BaseURL string
	LogLLM  bool
}

// ImageCallConfig 是一次生图调用的配置。
type ImageCallConfig struct {
	APIKey  string
	Model   string
	BaseURL string
}

// ImageData 描述生图响应中的一张图片。
type ImageData struct {
	Type   string `json:"type"`
	Value  string `json:"value"`
	Format string `json:"format"`
}

// Client 按固定预算重试模型调用。HTTPClient 与 Sleep 可注入，便于测试。
type Client struct {
	HTTPClient *http.Client
	Timeout    time.Duration
	Retries    int
	Sleep      func(time.Duration)

	codec tokenizer.Codec
}

// NewClient 创建带默认重试与超时策略的客户端。
func NewClient() *Client {
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		codec = nil
	}
	return &Client{
		Timeout: config.Timeout(),
		Retries: config.RetryCount,
		Sleep:   time.Sleep,
		codec:   codec,
	}
}

// backoffDelay 返回第 attempt 次失败后的退避时长（从 0 计）。
func backoffDelay(attempt int) time.Duration {
	return time.Duration(float64(time.Second) * math.Pow(1.5, float64(attempt)))
}

var retryableStatus = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

var errEmptyCompletion = errors.New("模型返回内容为空")

// classify 判定一次失败可否重试，并在上游返回 HTTP 错误时给出状态码。
// 传输层错误、超时、响应解析失败与空回复一律可重试。
func classify(err error) (status int, retryable bool) {
	var apierr *openai.Error
	if errors.As(err, &apierr) {
		return apierr.StatusCode, retryableStatus[apierr.StatusCode]
	}
	return 0, true
}

func (c *Client) clientOptions(apiKey, baseURL string) []option.RequestOption {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithBaseURL(baseURL),
		option.WithMaxRetries(0),
		option.WithRequestTimeout(c.Timeout),
	}
	if c.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(c.HTTPClient))
	}
	return opts
}

// chatBaseURL 兼容两种写法：根地址或直接填到 /chat/completions 的完整地址。
func chatBaseURL(raw string) string {
	cleaned := strings.TrimRight(raw, "/")
	cleaned = strings.TrimSuffix(cleaned, "/chat/completions")
	return cleaned + "/"
}

func imageBaseURL(raw string) string {
	cleaned := strings.TrimRight(raw, "/")
	cleaned = strings.TrimSuffix(cleaned, imageEndpointSuffix)
	return cleaned + "/"
}

func (c *Client) estimateTokens(messages []Message) int {
	total := 0
	for _, m := range messages {
		if c.codec != nil {
			if count, err := c.codec.Count(m.Content); err == nil {
				total += count
				continue
			}
		}
		total += len(m.Content) / 4
	}
	return total
}

func messageChars(messages []Message) int {
	total := 0
	for _, m := range messages {
		total += len(m.Content)
	}
	return total
}

func formatMessages(messages []Message) string {
	parts := make([]string, 0, len(messages))
	for i, m := range messages {
		content := textutil.Normalize(m.Content, 0)
		parts = append(parts, fmt.Sprintf("[%d] role=%s\n%s", i+1, m.Role, content))
	}
	return strings.TrimSpace(strings.Join(parts, "\n\n"))
}

func logFullInput(messages []Message, tag, traceID string) {
	if formatted := formatMessages(messages); formatted != "" {
		slog.Info("LLM完整输入", "tag", tag, "trace", traceID,
			"payload", textutil.RedactForLog(formatted))
	}
}

func logFullOutput(content, tag, traceID string) {
	slog.Info("LLM完整输出", "tag", tag, "trace", traceID,
		"payload", textutil.RedactForLog(textutil.Normalize(content, 0)))
}

func toChatParams(messages []Message) []openai.ChatCompletionMessageParamUnion {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case "system":
			msgs = append(msgs, openai.SystemMessage(m.Content))
		case "assistant":
			msgs = append(msgs, openai.ChatCompletionMessageParamOfAssistant(m.Content))
		default:
			msgs = append(msgs, openai.UserMessage(m.Content))
		}
	}
	return msgs
}

// Call 执行一次 chat-completions 调用。重试预算内按指数退避重试可重试失败；
// 其余 HTTP 错误立即失败。成功时返回裁剪后的回复文本。
func (c *Client) Call(ctx context.Context, cfg CallConfig, messages []Message, temperature float64, tag, traceID string) (string, error) {
	if cfg.APIKey == "" {
		return "", &ConfigError{Msg: "缺少环境变量 API_KEY"}
	}
	if !strings.HasPrefix(cfg.BaseURL, "https://") {
		return "", &ConfigError{Msg: "BASE_URL 必须使用 https://"}
	}
	client := openai.NewClient(c.clientOptions(cfg.APIKey, chatBaseURL(cfg.BaseURL))...)
	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(cfg.Model),
		Messages:    toChatParams(messages),
		Temperature: openai.Float(temperature),
	}

	slog.Info("LLM请求开始", "tag", tag, "trace", traceID, "model", cfg.Model,
		"msgs", len(messages), "chars", messageChars(messages),
		"tokens_est", c.estimateTokens(messages), "temp", temperature)
	if cfg.LogLLM {
		logFullInput(messages, tag, traceID)
	}

	var lastErr error
	var lastStatus, attempts int
	for attempt := 0; attempt < c.Retries; attempt++ {
		attempts = attempt + 1
		start := time.Now()
		resp, err := client.Chat.Completions.New(ctx, params)
		content := ""
		if err == nil {
			if len(resp.Choices) > 0 {
				content = textutil.Normalize(resp.Choices[0].Message.Content, textutil.MaxOutput)
			}
			if content == "" {
				err = errEmptyCompletion
			}
		}
		elapsed := time.Since(start)
		if err == nil {
			metrics.ObserveAttempt(tag, "success", elapsed)
			slog.Info("LLM请求成功", "tag", tag, "trace", traceID, "attempt", attempt+1,
				"elapsed_ms", elapsed.Milliseconds(), "resp_chars", len(content))
			if cfg.LogLLM {
				logFullOutput(content, tag, traceID)
			}
			return content, nil
		}

		status, retryable := classify(err)
		lastErr = err
		lastStatus = status
		if status > 0 {
			metrics.ObserveAttempt(tag, "http_error", elapsed)
			slog.Warn("LLM请求HTTP错误", "tag", tag, "trace", traceID, "attempt", attempt+1,
				"status", status, "elapsed_ms", elapsed.Milliseconds())
		} else {
			metrics.ObserveAttempt(tag, "error", elapsed)
			slog.Warn("LLM请求失败", "tag", tag, "trace", traceID, "attempt", attempt+1,
				"elapsed_ms", elapsed.Milliseconds(), "err", err)
		}
		if !retryable {
			break
		}
		if attempt < c.Retries-1 {
			c.Sleep(backoffDelay(attempt))
		}
	}
	return "", &ModelError{
		Msg:      "模型调用失败",
		Attempts: attempts,
		Status:   lastStatus,
		Cause:    lastErr,
	}
}
