package playbook

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Cache 以（绝对路径, 修改时间）为键缓存解析结果。文件被编辑后 mtime 变化，
// 下一次访问自动重新解析，无需重启进程。
type Cache struct {
	mu    sync.Mutex
	path  string
	mtime time.Time
	doc   *Document
}

// Load 返回 path 对应的 Document，命中缓存时跳过解析。
func (c *Cache) Load(path string) (*Document, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("系统提示词文件不存在: %s", path)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("系统提示词文件不存在: %s", path)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.path == abs && c.mtime.Equal(info.ModTime()) && c.doc != nil {
		return c.doc, nil
	}
	raw, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("系统提示词文件读取失败: %s", path)
	}
	doc := Parse(string(raw))
	c.path = abs
	c.mtime = info.ModTime()
	c.doc = doc
	slog.Info("系统提示词已加载", "path", abs, "steps", len(doc.Steps))
	return doc, nil
}

// TemplateCache 缓存可选的用户提示词包装模板，键结构与 Cache 相同。
type TemplateCache struct {
	mu    sync.Mutex
	path  string
	mtime time.Time
	text  string
	has   bool
}

// Load 返回包装模板内容；文件缺失不算错误，返回空串。
func (c *TemplateCache) Load(path string) string {
	if path == "" {
		return ""
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return ""
	}
	info, err := os.Stat(abs)
	if err != nil {
		slog.Warn("用户提示词文件不存在", "path", path)
		return ""
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.path == abs && c.mtime.Equal(info.ModTime()) && c.has {
		return c.text
	}
	raw, err := os.ReadFile(abs)
	if err != nil {
		return ""
	}
	text := strings.TrimSpace(string(raw))
	c.path = abs
	c.mtime = info.ModTime()
	c.text = text
	c.has = true
	slog.Info("用户提示词已加载", "path", abs, "chars", len(text))
	return text
}
