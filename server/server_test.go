package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yuqiangdede/PromptExecutor/config"
	"github.com/yuqiangdede/PromptExecutor/llm"
	"github.com/yuqiangdede/PromptExecutor/wizard"
)

const testPlaybook = `执行前请通读全部步骤。

## STEP 1｜需求澄清
请列出需要澄清的问题。

## STEP 2｜假设清单
请给出当前假设。

## STEP 3｜结构草案
请输出结构草案。
`

// stubCaller 以固定应答替代真实模型调用。
type stubCaller struct {
	reply  string
	err    error
	images []llm.ImageData
}

func (c *stubCaller) Call(context.Context, llm.CallConfig, []llm.Message, float64, string, string) (string, error) {
	if c.err != nil {
		return "", c.err
	}
	return c.reply, nil
}

func (c *stubCaller) GenerateImage(context.Context, llm.ImageCallConfig, string, string) ([]llm.ImageData, error) {
	if c.err != nil {
		return nil, c.err
	}
	return c.images, nil
}

func newTestServer(t *testing.T, caller wizard.Caller) (*httptest.Server, string) {
	t.Helper()
	for _, key := range []string{
		"SYSTEM_PROMPT_FILE", "PROMPT_FILE", "PROMPT_PATH", "USER_PROMPT_FILE",
		"API_KEY", "MODEL", "BASE_URL", "API_LOG_LLM", "LOG_LLM",
		"IMG_API_KEY", "IMG_MODEL", "IMG_BASE_URL",
		"OPENAI_API_KEY", "OPENAI_MODEL", "OPENAI_IMAGE_MODEL", "OPENAI_BASE_URL",
	} {
		t.Setenv(key, "")
	}
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "prompt.md"), []byte(testPlaybook), 0o644))
	webDir := filepath.Join(dir, "web")
	require.NoError(t, os.Mkdir(webDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(webDir, "index.html"), []byte("<html>wizard</html>"), 0o644))

	cfg := config.NewService(dir, config.FileDefaults{APIKey: "test-key", PromptPath: "prompt.md"})
	srv, err := New(wizard.NewService(cfg, caller, dir), cfg, webDir)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return ts, dir
}

func getJSON(t *testing.T, url string, wantStatus int) map[string]any {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, wantStatus, resp.StatusCode)
	var payload map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	return payload
}

func postJSON(t *testing.T, url, body string, wantStatus int) map[string]any {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, wantStatus, resp.StatusCode)
	var payload map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	return payload
}

func TestStepsEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, &stubCaller{})

	payload := getJSON(t, ts.URL+"/api/steps", http.StatusOK)
	assert.Equal(t, "step_2", payload["assumption_step_id"])
	steps, ok := payload["steps"].([]any)
	require.True(t, ok)
	require.Len(t, steps, 4)
	first := steps[0].(map[string]any)
	assert.Equal(t, "input", first["id"])
	assert.Equal(t, "需求输入", first["title"])
	assert.Equal(t, false, first["generate"])
	assert.Equal(t, false, first["output_visible"])
	second := steps[1].(map[string]any)
	assert.Equal(t, "step_1", second["id"])
	assert.Equal(t, true, second["generate"])
}

func TestConfigEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, &stubCaller{})

	payload := getJSON(t, ts.URL+"/api/config", http.StatusOK)
	assert.Equal(t, config.DefaultModel, payload["model"])
	assert.Equal(t, "prompt.md", payload["prompt_path"])

	payload = postJSON(t, ts.URL+"/api/config",
		`{"model":"glm-4.5","base_url":"https://example.com/v1/chat/completions"}`, http.StatusOK)
	assert.Equal(t, "glm-4.5", payload["model"])
	assert.Equal(t, "https://example.com/v1/chat/completions", payload["base_url"])

	payload = postJSON(t, ts.URL+"/api/config", `{"base_url":"http://insecure"}`, http.StatusBadRequest)
	assert.Equal(t, "BASE_URL 必须使用 https://", payload["error"])

	payload = postJSON(t, ts.URL+"/api/config", `{"prompt_path":"../escape.md"}`, http.StatusBadRequest)
	assert.Equal(t, "提示词文件不存在或无权限", payload["error"])

	payload = postJSON(t, ts.URL+"/api/config", `{bad json`, http.StatusBadRequest)
	assert.Equal(t, "JSON 格式错误", payload["error"])

	payload = postJSON(t, ts.URL+"/api/config", "", http.StatusBadRequest)
	assert.Equal(t, "请求体为空", payload["error"])
}

func TestImageConfigEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, &stubCaller{})
	t.Setenv("IMG_MODEL", "doubao-seedream")
	payload := getJSON(t, ts.URL+"/api/image_config", http.StatusOK)
	assert.Equal(t, "doubao-seedream", payload["model"])
}

func TestPromptsEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, &stubCaller{})

	payload := getJSON(t, ts.URL+"/api/prompts", http.StatusOK)
	assert.Equal(t, "prompt.md", payload["selected"])
	tree, ok := payload["tree"].([]any)
	require.True(t, ok)
	names := make([]string, 0, len(tree))
	for _, item := range tree {
		names = append(names, item.(map[string]any)["name"].(string))
	}
	assert.Contains(t, names, "prompt.md")
}

func TestPromptPreviewEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, &stubCaller{})

	payload := getJSON(t, ts.URL+"/api/prompt_preview?path=prompt.md", http.StatusOK)
	html, _ := payload["html"].(string)
	assert.Contains(t, html, "<h2")
	assert.Contains(t, html, "需求澄清")

	payload = getJSON(t, ts.URL+"/api/prompt_preview?path=../escape.md", http.StatusBadRequest)
	assert.Equal(t, "提示词文件不存在或无权限", payload["error"])
}

func TestRunStepEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, &stubCaller{reply: "生成结果"})

	body := `{"step_id":"step_3","mode":"generate","state":{"requirement":"库存系统","facts":"- 已知事实"}}`
	payload := postJSON(t, ts.URL+"/api/run_step", body, http.StatusOK)
	assert.Equal(t, "生成结果", payload["output"])
	history, ok := payload["step_history"].(map[string]any)
	require.True(t, ok)
	entries := history["step_3"].([]any)
	require.Len(t, entries, 1)
	// 事实已带入请求，响应不重复下发。
	_, hasFacts := payload["facts"]
	assert.False(t, hasFacts)
}

func TestRunStepEndpointReturnsFreshFacts(t *testing.T) {
	ts, _ := newTestServer(t, &stubCaller{reply: "生成结果"})

	body := `{"step_id":"step_3","state":{"requirement":"库存系统"}}`
	payload := postJSON(t, ts.URL+"/api/run_step", body, http.StatusOK)
	assert.Equal(t, "生成结果", payload["facts"])
}

func TestRunStepEndpointErrors(t *testing.T) {
	ts, _ := newTestServer(t, &stubCaller{reply: "生成结果"})

	payload := postJSON(t, ts.URL+"/api/run_step", `{"state":{}}`, http.StatusBadRequest)
	assert.Equal(t, "缺少步骤标识", payload["error"])

	payload = postJSON(t, ts.URL+"/api/run_step", `[1,2]`, http.StatusBadRequest)
	assert.Equal(t, "JSON 必须为对象", payload["error"])
}

func TestRunStepEndpointModelFailure(t *testing.T) {
	ts, _ := newTestServer(t, &stubCaller{err: &llm.ModelError{Msg: "上游超时", Attempts: 3}})

	body := `{"step_id":"step_3","state":{"requirement":"库存系统","facts":"- 已知事实"}}`
	payload := postJSON(t, ts.URL+"/api/run_step", body, http.StatusInternalServerError)
	// 上游细节不透出。
	assert.Equal(t, "模型调用失败，请检查配置或稍后重试", payload["error"])
}

func TestChatEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, &stubCaller{reply: "你好"})

	payload := postJSON(t, ts.URL+"/api/chat",
		`{"messages":[{"role":"user","content":"介绍一下流程"}]}`, http.StatusOK)
	assert.Equal(t, "你好", payload["reply"])

	payload = postJSON(t, ts.URL+"/api/chat", `{"messages":[]}`, http.StatusBadRequest)
	assert.Equal(t, "对话内容为空", payload["error"])
}

func TestImageGenerateEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, &stubCaller{images: []llm.ImageData{
		{Type: "url", Value: "https://img.example.com/1.png", Format: "png"},
	}})
	t.Setenv("IMG_API_KEY", "img-key")
	t.Setenv("IMG_MODEL", "doubao-seedream")
	t.Setenv("IMG_BASE_URL", "https://img.example.com/v1")

	payload := postJSON(t, ts.URL+"/api/image_generate", `{"prompt":"画一只猫"}`, http.StatusOK)
	assert.Equal(t, "已生成 1 张图片。", payload["reply"])
	images := payload["images"].([]any)
	require.Len(t, images, 1)
	assert.Equal(t, "url", images[0].(map[string]any)["type"])

	payload = postJSON(t, ts.URL+"/api/image_generate", `{"prompt":""}`, http.StatusBadRequest)
	assert.Equal(t, "提示词为空", payload["error"])
}

func TestMetricsEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, &stubCaller{})
	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStaticFallback(t *testing.T) {
	ts, _ := newTestServer(t, &stubCaller{})

	resp, err := http.Get(ts.URL + "/some/deep/route")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(data), "wizard")

	resp, err = http.Get(ts.URL + "/api/unknown")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
