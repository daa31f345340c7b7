package playbook

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// TreeEntry 是提示词目录树中的一个节点。
type TreeEntry struct {
	Name     string      `json:"name"`
	Type     string      `json:"type"`
	Path     string      `json:"path,omitempty"`
	Children []TreeEntry `json:"children,omitempty"`
}

// NormalizeRelPath 把用户提交的相对路径规整为统一的斜杠形式。
func NormalizeRelPath(value string) string {
	cleaned := strings.ReplaceAll(value, "\\", "/")
	cleaned = strings.TrimSpace(cleaned)
	return strings.TrimLeft(cleaned, "/")
}

// ResolvePath 仅接受严格落在 root 之内的已存在文件，否则返回空串。
func ResolvePath(root, relative string) string {
	relative = NormalizeRelPath(relative)
	if relative == "" {
		return ""
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return ""
	}
	full, err := filepath.Abs(filepath.Join(absRoot, filepath.FromSlash(relative)))
	if err != nil {
		return ""
	}
	if !strings.HasPrefix(full, absRoot+string(os.PathSeparator)) {
		return ""
	}
	info, err := os.Stat(full)
	if err != nil || info.IsDir() {
		return ""
	}
	return full
}

// Tree 列出 root 下的 .md 文件，目录在前、忽略大小写按名排序，空目录剪除。
func Tree(root string) []TreeEntry {
	return buildTree(root, root)
}

func buildTree(root, dir string) []TreeEntry {
	items, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].IsDir() != items[j].IsDir() {
			return items[i].IsDir()
		}
		return strings.ToLower(items[i].Name()) < strings.ToLower(items[j].Name())
	})
	var entries []TreeEntry
	for _, item := range items {
		full := filepath.Join(dir, item.Name())
		if item.IsDir() {
			children := buildTree(root, full)
			if len(children) > 0 {
				entries = append(entries, TreeEntry{Name: item.Name(), Type: "dir", Children: children})
			}
			continue
		}
		if !strings.HasSuffix(strings.ToLower(item.Name()), ".md") {
			continue
		}
		rel, err := filepath.Rel(root, full)
		if err != nil {
			continue
		}
		entries = append(entries, TreeEntry{
			Name: item.Name(),
			Type: "file",
			Path: NormalizeRelPath(filepath.ToSlash(rel)),
		})
	}
	return entries
}
