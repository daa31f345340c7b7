// Package config 管理进程级运行配置：请求可在线更新的运行时覆盖项、
// 进程环境变量默认值，以及可选的 JSON 配置文件，三层按此优先级合并。
package config

import (
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/yuqiangdede/PromptExecutor/playbook"
	"github.com/yuqiangdede/PromptExecutor/textutil"
)

const (
	DefaultModel   = "mimo-v2-flash"
	DefaultBaseURL = "https://api.qnaigc.com/v1/chat/completions"

	DefaultTimeoutSeconds = 20
	RetryCount            = 3
)

// Config 是一次调用看到的生效配置。
type Config struct {
	APIKey     string `json:"api_key"`
	Model      string `json:"model"`
	BaseURL    string `json:"base_url"`
	LogLLM     bool   `json:"log_llm"`
	PromptPath string `json:"prompt_path"`
}

// ImageConfig 是生图通道的生效配置。
type ImageConfig struct {
	APIKey  string `json:"api_key"`
	Model   string `json:"model"`
	BaseURL string `json:"base_url"`
}

// FileDefaults 对应 -config 指定的 JSON 文件，提供最低优先级的默认值。
type FileDefaults struct {
	APIKey     string `json:"api_key,omitempty"`
	Model      string `json:"model,omitempty"`
	BaseURL    string `json:"base_url,omitempty"`
	PromptPath string `json:"prompt_path,omitempty"`
	ServerAddr string `json:"server_addr,omitempty"`
}

type runtimeConfig struct {
	apiKey     string
	model      string
	baseURL    string
	logLLM     *bool
	promptPath string
}

// Service 持有运行时配置，内部用互斥锁保证并发读写一致，后写覆盖先写。
type Service struct {
	mu         sync.Mutex
	runtime    runtimeConfig
	file       FileDefaults
	promptRoot string
}

// NewService 创建配置服务；promptRoot 是提示词文件的沙箱根目录。
func NewService(promptRoot string, file FileDefaults) *Service {
	return &Service{promptRoot: promptRoot, file: file}
}

// PromptRoot 返回提示词沙箱根目录。
func (s *Service) PromptRoot() string {
	return s.promptRoot
}

// Effective 合并运行时覆盖、环境变量与文件默认值后返回生效配置。
func (s *Service) Effective() Config {
	s.mu.Lock()
	runtime := s.runtime
	file := s.file
	s.mu.Unlock()

	apiKey := runtime.apiKey
	if apiKey == "" {
		apiKey = strings.TrimSpace(os.Getenv("API_KEY"))
	}
	if apiKey == "" {
		apiKey = file.APIKey
	}
	model := runtime.model
	if model == "" {
		model = strings.TrimSpace(os.Getenv("MODEL"))
	}
	if model == "" {
		model = file.Model
	}
	if model == "" {
		model = DefaultModel
	}
	baseURL := runtime.baseURL
	if baseURL == "" {
		baseURL = strings.TrimSpace(os.Getenv("BASE_URL"))
	}
	if baseURL == "" {
		baseURL = file.BaseURL
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	logLLM := runtime.logLLM
	if logLLM == nil {
		logLLM = ParseBool(strings.TrimSpace(os.Getenv("API_LOG_LLM")))
	}
	if logLLM == nil {
		logLLM = ParseBool(strings.TrimSpace(os.Getenv("LOG_LLM")))
	}
	enabled := logLLM != nil && *logLLM
	promptPath := playbook.NormalizeRelPath(runtime.promptPath)
	if promptPath == "" {
		promptPath = playbook.NormalizeRelPath(os.Getenv("PROMPT_PATH"))
	}
	if promptPath == "" {
		promptPath = playbook.NormalizeRelPath(file.PromptPath)
	}
	return Config{
		APIKey:     apiKey,
		Model:      model,
		BaseURL:    baseURL,
		LogLLM:     enabled,
		PromptPath: promptPath,
	}
}

// ImageEffective 返回生图通道的生效配置（仅来自环境变量）。
func (s *Service) ImageEffective() ImageConfig {
	return ImageConfig{
		APIKey:  firstEnv("IMG_API_KEY", "OPENAI_API_KEY"),
		Model:   firstEnv("IMG_MODEL", "OPENAI_IMAGE_MODEL", "OPENAI_MODEL"),
		BaseURL: firstEnv("IMG_BASE_URL", "OPENAI_BASE_URL"),
	}
}

// UpdateRequest 表达 POST /api/config 的增量更新；nil 字段表示未提交。
type UpdateRequest struct {
	APIKey     *string         `json:"api_key"`
	Model      *string         `json:"model"`
	BaseURL    *string         `json:"base_url"`
	PromptPath *string         `json:"prompt_path"`
	LogLLM     json.RawMessage `json:"log_llm"`
}

// Update 校验并应用增量更新。校验失败时不改动任何字段。
func (s *Service) Update(req UpdateRequest) error {
	var apiKey, model, baseURL, promptPath *string
	if req.APIKey != nil {
		v := textutil.Normalize(*req.APIKey, textutil.MaxOption)
		apiKey = &v
	}
	if req.Model != nil {
		v := textutil.Normalize(*req.Model, textutil.MaxOption)
		model = &v
	}
	if req.BaseURL != nil {
		v := textutil.Normalize(*req.BaseURL, textutil.MaxContext)
		if v != "" && !strings.HasPrefix(v, "https://") {
			return errors.New("BASE_URL 必须使用 https://")
		}
		baseURL = &v
	}
	if req.PromptPath != nil {
		v := playbook.NormalizeRelPath(*req.PromptPath)
		if v != "" && playbook.ResolvePath(s.promptRoot, v) == "" {
			return errors.New("提示词文件不存在或无权限")
		}
		promptPath = &v
	}
	var logLLM *bool
	logProvided := len(req.LogLLM) > 0
	if logProvided && string(req.LogLLM) != "null" && string(req.LogLLM) != `""` {
		var raw any
		if err := json.Unmarshal(req.LogLLM, &raw); err != nil {
			return errors.New("log_llm 必须为布尔值")
		}
		parsed := ParseBoolValue(raw)
		if parsed == nil {
			return errors.New("log_llm 必须为布尔值")
		}
		logLLM = parsed
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if apiKey != nil {
		s.runtime.apiKey = *apiKey
	}
	if model != nil {
		s.runtime.model = *model
	}
	if baseURL != nil {
		s.runtime.baseURL = *baseURL
	}
	if promptPath != nil {
		s.runtime.promptPath = *promptPath
	}
	if logProvided {
		s.runtime.logLLM = logLLM
	}
	return nil
}

// SelectedPromptPath 返回当前生效的提示词文件绝对路径，未选择或越界时为空。
func (s *Service) SelectedPromptPath() string {
	candidate := s.Effective().PromptPath
	if candidate == "" {
		return ""
	}
	return playbook.ResolvePath(s.promptRoot, candidate)
}

// SystemPromptPath 允许用环境变量钉死提示词文件（绕过沙箱选择）。
func SystemPromptPath() string {
	if path := strings.TrimSpace(os.Getenv("SYSTEM_PROMPT_FILE")); path != "" {
		return path
	}
	return strings.TrimSpace(os.Getenv("PROMPT_FILE"))
}

// UserPromptPath 返回可选的用户提示词包装模板路径。
func UserPromptPath(baseDir string) string {
	if path := strings.TrimSpace(os.Getenv("USER_PROMPT_FILE")); path != "" {
		return path
	}
	for _, name := range []string{"UserPrompt.md", "user_prompt.md"} {
		candidate := filepath.Join(baseDir, name)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
	}
	return ""
}

// ParseBool 宽松解析布尔字符串；无法识别时返回 nil。
func ParseBool(value string) *bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "y", "on", "enable", "enabled":
		v := true
		return &v
	case "0", "false", "no", "n", "off", "disable", "disabled":
		v := false
		return &v
	}
	return nil
}

// ParseBoolValue 解析 JSON 解码后的任意布尔表达（bool/0/1/字符串）。
func ParseBoolValue(value any) *bool {
	switch typed := value.(type) {
	case bool:
		v := typed
		return &v
	case float64:
		if typed == 0 || typed == 1 {
			v := typed == 1
			return &v
		}
	case string:
		return ParseBool(typed)
	}
	return nil
}

// Timeout 返回单次外呼的超时时间，取自 TIMEOUT_S / API_TIMEOUT_S。
func Timeout() time.Duration {
	for _, name := range []string{"TIMEOUT_S", "API_TIMEOUT_S"} {
		raw := strings.TrimSpace(os.Getenv(name))
		if raw == "" {
			continue
		}
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			continue
		}
		return time.Duration(value) * time.Second
	}
	return DefaultTimeoutSeconds * time.Second
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if value := strings.TrimSpace(os.Getenv(name)); value != "" {
			return value
		}
	}
	return ""
}

// LoadFile 读取 JSON 配置文件；文件缺失返回零值而非错误。
func LoadFile(path string) FileDefaults {
	var defaults FileDefaults
	if path == "" {
		return defaults
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return defaults
	}
	if err := json.Unmarshal(raw, &defaults); err != nil {
		slog.Warn("配置文件解析失败", "path", path, "err", err)
		return FileDefaults{}
	}
	return defaults
}
