// Package server 暴露向导的 HTTP 接口并托管前端静态资源。
package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/yuqiangdede/PromptExecutor/config"
	"github.com/yuqiangdede/PromptExecutor/llm"
	"github.com/yuqiangdede/PromptExecutor/metrics"
	"github.com/yuqiangdede/PromptExecutor/playbook"
	"github.com/yuqiangdede/PromptExecutor/wizard"
)

// 请求体上限 1MB。
const maxBodyBytes = 1_000_000

type Server struct {
	wizard *wizard.Service
	config *config.Service
	webDir string
}

func New(wizardSvc *wizard.Service, cfgSvc *config.Service, webDir string) (*Server, error) {
	if wizardSvc == nil {
		return nil, errors.New("wizard service required")
	}
	if cfgSvc == nil {
		return nil, errors.New("config service required")
	}
	return &Server{
		wizard: wizardSvc,
		config: cfgSvc,
		webDir: webDir,
	}, nil
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/steps", s.handleSteps)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/image_config", s.handleImageConfig)
	mux.HandleFunc("/api/prompts", s.handlePrompts)
	mux.HandleFunc("/api/prompt_preview", s.handlePromptPreview)
	mux.HandleFunc("/api/run_step", s.handleRunStep)
	mux.HandleFunc("/api/chat", s.handleChat)
	mux.HandleFunc("/api/image_generate", s.handleImageGenerate)
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/", s.staticHandler())
	return logMiddleware(mux)
}

func (s *Server) staticHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upath := r.URL.Path
		if strings.HasPrefix(upath, "/api/") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Cache-Control", "no-store")
		full := filepath.Join(s.webDir, filepath.Clean("/"+upath))
		if info, err := os.Stat(full); err == nil && !info.IsDir() {
			http.ServeFile(w, r, full)
			return
		}
		// 未命中的路径回退到 index.html，交给前端路由。
		http.ServeFile(w, r, filepath.Join(s.webDir, "index.html"))
	})
}

// --- Handlers ---

func (s *Server) handleSteps(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	doc, err := s.wizard.LoadPromptData("")
	if err != nil {
		slog.Warn("步骤配置加载失败", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorBody(err.Error()))
		return
	}
	steps := make([]playbook.Step, 0, len(doc.Steps)+1)
	// 首位注入前端专用的需求输入步骤，它不触发生成。
	steps = append(steps, playbook.Step{
		ID:               "input",
		Title:            "需求输入",
		Question:         "请粘贴或输入原始需求描述。",
		InputLabel:       "原始需求描述",
		InputPlaceholder: "请尽量完整描述业务背景、目标与边界。",
		OutputVisible:    false,
		Generate:         false,
	})
	steps = append(steps, doc.Steps...)
	writeJSON(w, http.StatusOK, map[string]any{
		"steps":              steps,
		"assumption_step_id": doc.AssumptionStepID,
	})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.config.Effective())
	case http.MethodPost:
		data, err := readBody(w, r)
		if err != nil {
			writeError(w, err, "配置更新失败")
			return
		}
		var req config.UpdateRequest
		if err := json.Unmarshal(data, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody("JSON 格式错误"))
			return
		}
		if err := s.config.Update(req); err != nil {
			slog.Warn("配置更新失败", "err", err)
			writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
			return
		}
		effective := s.config.Effective()
		slog.Info("配置已更新", "api_key_set", effective.APIKey != "",
			"model", effective.Model, "base_url", effective.BaseURL, "log_llm", effective.LogLLM)
		writeJSON(w, http.StatusOK, effective)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleImageConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.config.ImageEffective())
}

func (s *Server) handlePrompts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	root := s.config.PromptRoot()
	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		writeJSON(w, http.StatusBadRequest, errorBody("prompt 目录不存在"))
		return
	}
	tree := playbook.Tree(root)
	if tree == nil {
		tree = []playbook.TreeEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tree":     tree,
		"selected": s.config.Effective().PromptPath,
	})
}

func (s *Server) handlePromptPreview(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	relative := playbook.NormalizeRelPath(r.URL.Query().Get("path"))
	path := ""
	if relative != "" {
		path = playbook.ResolvePath(s.config.PromptRoot(), relative)
		if path == "" {
			writeJSON(w, http.StatusBadRequest, errorBody("提示词文件不存在或无权限"))
			return
		}
	} else {
		path = s.config.SelectedPromptPath()
		if path == "" {
			writeJSON(w, http.StatusBadRequest, errorBody("未选择提示词文件"))
			return
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("提示词文件读取失败"))
		return
	}
	html, err := playbook.PreviewHTML(string(data))
	if err != nil {
		slog.Error("提示词预览渲染失败", "path", path, "err", err)
		writeJSON(w, http.StatusInternalServerError, errorBody("预览渲染失败"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"html": html})
}

func (s *Server) handleRunStep(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	payload, err := readJSON(w, r)
	if err != nil {
		writeError(w, err, "模型调用失败，请检查配置或稍后重试")
		return
	}
	result, err := s.wizard.RunStep(r.Context(), wizard.RunStepRequest{
		StepID:   stringField(payload, "step_id"),
		Mode:     stringField(payload, "mode"),
		RunInput: stringField(payload, "run_input"),
		RawState: mapField(payload, "state"),
	})
	if err != nil {
		writeError(w, err, "模型调用失败，请检查配置或稍后重试")
		return
	}
	response := map[string]any{
		"output":       result.Output,
		"step_history": result.StepHistory,
	}
	if result.FactsUpdated {
		response["facts"] = result.Facts
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	payload, err := readJSON(w, r)
	if err != nil {
		writeError(w, err, "模型调用失败，请检查配置或稍后重试")
		return
	}
	messages, _ := payload["messages"].([]any)
	reply, err := s.wizard.Chat(r.Context(), messages, mapField(payload, "config"))
	if err != nil {
		if errors.Is(err, wizard.ErrEmptyBasePrompt) {
			writeJSON(w, http.StatusInternalServerError, errorBody(err.Error()))
			return
		}
		writeError(w, err, "模型调用失败，请检查配置或稍后重试")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"reply": reply})
}

func (s *Server) handleImageGenerate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	payload, err := readJSON(w, r)
	if err != nil {
		writeError(w, err, "生图调用失败，请检查配置或稍后重试")
		return
	}
	reply, images, err := s.wizard.GenerateImage(r.Context(), stringField(payload, "prompt"), mapField(payload, "config"))
	if err != nil {
		writeError(w, err, "生图调用失败，请检查配置或稍后重试")
		return
	}
	if images == nil {
		images = []llm.ImageData{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"reply":  reply,
		"images": images,
	})
}

// --- Helpers ---

func stringField(payload map[string]any, key string) string {
	value, _ := payload[key].(string)
	return value
}

func mapField(payload map[string]any, key string) map[string]any {
	value, _ := payload[key].(map[string]any)
	return value
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, &wizard.ValidationError{Msg: "请求体为空"}
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, &wizard.ValidationError{Msg: "请求体过大"}
		}
		return nil, &wizard.ValidationError{Msg: "请求体读取失败"}
	}
	if len(data) == 0 {
		return nil, &wizard.ValidationError{Msg: "请求体为空"}
	}
	return data, nil
}

func readJSON(w http.ResponseWriter, r *http.Request) (map[string]any, error) {
	data, err := readBody(w, r)
	if err != nil {
		return nil, err
	}
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &wizard.ValidationError{Msg: "JSON 格式错误"}
	}
	payload, ok := raw.(map[string]any)
	if !ok {
		return nil, &wizard.ValidationError{Msg: "JSON 必须为对象"}
	}
	return payload, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError 把内部错误映射为对外响应：输入与配置类错误回 400 并透出原因，
// 其余一律 500 且只回兜底文案，避免泄露上游细节。
func writeError(w http.ResponseWriter, err error, fallback string) {
	var verr *wizard.ValidationError
	if errors.As(err, &verr) {
		slog.Warn("请求校验失败", "err", verr.Msg)
		writeJSON(w, http.StatusBadRequest, errorBody(verr.Msg))
		return
	}
	var cerr *llm.ConfigError
	if errors.As(err, &cerr) {
		slog.Warn("请求配置错误", "err", cerr.Msg)
		writeJSON(w, http.StatusBadRequest, errorBody(cerr.Msg))
		return
	}
	slog.Error("请求处理失败", "err", err)
	writeJSON(w, http.StatusInternalServerError, errorBody(fallback))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		slog.Info("HTTP请求", "method", r.Method, "path", r.URL.Path,
			"status", rec.status, "elapsed_ms", time.Since(start).Milliseconds(),
			"remote", r.RemoteAddr)
	})
}
