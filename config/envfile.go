package config

import (
	"bufio"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// LoadEnvFiles 读取 .env（以及历史遗留的 .eny），仅填充尚未设置的环境变量。
func LoadEnvFiles(baseDir string) {
	for _, name := range []string{".env", ".eny"} {
		path := filepath.Join(baseDir, name)
		file, err := os.Open(path)
		if err != nil {
			continue
		}
		loaded := 0
		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			if strings.HasPrefix(strings.ToLower(line), "export ") {
				line = strings.TrimSpace(line[7:])
			}
			key, value, ok := strings.Cut(line, "=")
			if !ok {
				continue
			}
			key = strings.TrimSpace(key)
			value = strings.TrimSpace(value)
			if key == "" {
				continue
			}
			if len(value) >= 2 {
				if (value[0] == '"' && value[len(value)-1] == '"') ||
					(value[0] == '\'' && value[len(value)-1] == '\'') {
					value = value[1 : len(value)-1]
				}
			}
			if os.Getenv(key) == "" {
				os.Setenv(key, value)
				loaded++
			}
		}
		file.Close()
		if loaded > 0 {
			slog.Info("已加载环境变量文件", "file", name, "count", loaded)
		}
	}
}
