package llm

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
	"time"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/yuqiangdede/PromptExecutor/metrics"
	"github.com/yuqiangdede/PromptExecutor/textutil"
)

// isVolcesHost 命中时需要追加该提供商专有的分辨率与水印参数。
func isVolcesHost(baseURL string) bool {
	return strings.Contains(strings.ToLower(baseURL), "volces")
}

// GenerateImage 调用生图端点，重试策略与 chat 通道一致。
// 返回图片描述列表：type 为 url 或 b64。
func (c *Client) GenerateImage(ctx context.Context, cfg ImageCallConfig, prompt, traceID string) ([]ImageData, error) {
	if cfg.APIKey == "" {
		return nil, &ConfigError{Msg: "缺少环境变量 IMG_API_KEY"}
	}
	if !strings.HasPrefix(cfg.BaseURL, "https://") {
		return nil, &ConfigError{Msg: "IMG_BASE_URL 必须使用 https://"}
	}
	if cfg.Model == "" {
		return nil, &ConfigError{Msg: "缺少 IMG_MODEL"}
	}

	opts := c.clientOptions(cfg.APIKey, imageBaseURL(cfg.BaseURL))
	provider := "generic"
	if isVolcesHost(cfg.BaseURL) {
		provider = "volces"
		opts = append(opts,
			option.WithJSONSet("size", "2K"),
			option.WithJSONSet("watermark", false),
		)
	}
	client := openai.NewClient(opts...)
	params := openai.ImageGenerateParams{
		Prompt: prompt,
		Model:  openai.ImageModel(cfg.Model),
	}

	host := ""
	if parsed, err := url.Parse(cfg.BaseURL); err == nil {
		host = parsed.Host
	}
	slog.Info("生图请求开始", "trace", traceID, "provider", provider, "host", host,
		"model", cfg.Model, "chars", len(prompt),
		"prompt_preview", textutil.PromptPreview(prompt, textutil.PromptPreviewLimit))

	var lastErr error
	var lastStatus, attempts int
	for attempt := 0; attempt < c.Retries; attempt++ {
		attempts = attempt + 1
		start := time.Now()
		resp, err := client.Images.Generate(ctx, params)
		elapsed := time.Since(start)
		if err == nil {
			metrics.ObserveAttempt("IMAGE", "success", elapsed)
			slog.Info("生图请求成功", "trace", traceID, "attempt", attempt+1,
				"elapsed_ms", elapsed.Milliseconds())
			images := parseImageResponse(resp)
			slog.Info("生图响应摘要", "trace", traceID, "images", len(images),
				"data_items", len(resp.Data), "output_format", string(resp.OutputFormat))
			return images, nil
		}

		status, retryable := classify(err)
		lastErr = err
		lastStatus = status
		if status > 0 {
			metrics.ObserveAttempt("IMAGE", "http_error", elapsed)
			slog.Warn("生图请求HTTP错误", "trace", traceID, "attempt", attempt+1,
				"status", status, "elapsed_ms", elapsed.Milliseconds())
		} else {
			metrics.ObserveAttempt("IMAGE", "error", elapsed)
			slog.Warn("生图请求失败", "trace", traceID, "attempt", attempt+1,
				"elapsed_ms", elapsed.Milliseconds(), "err", err)
		}
		if !retryable {
			break
		}
		if attempt < c.Retries-1 {
			c.Sleep(backoffDelay(attempt))
		}
	}
	return nil, &ModelError{
		Msg:      "生图调用失败",
		Attempts: attempts,
		Status:   lastStatus,
		Cause:    lastErr,
	}
}

func parseImageResponse(resp *openai.ImagesResponse) []ImageData {
	format := strings.ToLower(string(resp.OutputFormat))
	if format == "" {
		format = "png"
	}
	var images []ImageData
	for _, item := range resp.Data {
		switch {
		case item.URL != "":
			images = append(images, ImageData{Type: "url", Value: item.URL, Format: format})
		case item.B64JSON != "":
			images = append(images, ImageData{Type: "b64", Value: item.B64JSON, Format: format})
		}
	}
	return images
}
