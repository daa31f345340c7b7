package playbook

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestCacheHitAndInvalidation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "使用说明.md")
	writeFile(t, path, "## STEP 1｜背景确认\n第一版\n")

	var cache Cache
	first, err := cache.Load(path)
	require.NoError(t, err)
	second, err := cache.Load(path)
	require.NoError(t, err)
	assert.Same(t, first, second)

	writeFile(t, path, "## STEP 1｜背景确认\n第二版\n\n## STEP 2｜假设清单\n正文\n")
	// mtime 精度有限，显式前移避免同秒写入被当作缓存命中。
	require.NoError(t, os.Chtimes(path, time.Now(), time.Now().Add(2*time.Second)))

	third, err := cache.Load(path)
	require.NoError(t, err)
	assert.NotSame(t, first, third)
	assert.Len(t, third.Steps, 2)
}

func TestCacheMissingFile(t *testing.T) {
	var cache Cache
	_, err := cache.Load(filepath.Join(t.TempDir(), "不存在.md"))
	assert.Error(t, err)
}

func TestTemplateCache(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "UserPrompt.md")
	writeFile(t, path, "  模板内容 {{step_block}}  \n")

	var cache TemplateCache
	assert.Equal(t, "模板内容 {{step_block}}", cache.Load(path))
	assert.Equal(t, "模板内容 {{step_block}}", cache.Load(path))
	assert.Empty(t, cache.Load(filepath.Join(dir, "无此文件.md")))
	assert.Empty(t, cache.Load(""))
}

func TestResolvePathSandbox(t *testing.T) {
	root := t.TempDir()
	inside := filepath.Join(root, "子目录", "需求分析.md")
	writeFile(t, inside, "# 内容")
	outside := filepath.Join(filepath.Dir(root), "外部.md")
	writeFile(t, outside, "# 外部")

	assert.Equal(t, inside, ResolvePath(root, "子目录/需求分析.md"))
	assert.Equal(t, inside, ResolvePath(root, `子目录\需求分析.md`))
	assert.Empty(t, ResolvePath(root, "../外部.md"))
	assert.Empty(t, ResolvePath(root, "/etc/passwd"))
	assert.Empty(t, ResolvePath(root, "不存在.md"))
	assert.Empty(t, ResolvePath(root, ""))
	assert.Empty(t, ResolvePath(root, "子目录"))
}

func TestTree(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "b.md"), "b")
	writeFile(t, filepath.Join(root, "A.md"), "a")
	writeFile(t, filepath.Join(root, "忽略.txt"), "x")
	writeFile(t, filepath.Join(root, "dir", "c.md"), "c")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "空目录"), 0o755))

	entries := Tree(root)
	require.Len(t, entries, 3)
	assert.Equal(t, "dir", entries[0].Type)
	assert.Equal(t, "c.md", entries[0].Children[0].Name)
	assert.Equal(t, "dir/c.md", entries[0].Children[0].Path)
	assert.Equal(t, "A.md", entries[1].Name)
	assert.Equal(t, "b.md", entries[2].Name)
}
