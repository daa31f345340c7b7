package playbook

import (
	"bytes"

	"github.com/yuin/goldmark"
)

// PreviewHTML 把提示词 Markdown 渲染为 HTML，供前端预览展示。
func PreviewHTML(markdown string) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(markdown), &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}
