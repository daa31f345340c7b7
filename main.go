package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/yuqiangdede/PromptExecutor/config"
	"github.com/yuqiangdede/PromptExecutor/llm"
	"github.com/yuqiangdede/PromptExecutor/server"
	"github.com/yuqiangdede/PromptExecutor/wizard"
)

func main() {
	configPath := flag.String("config", "config.json", "path to config.json")
	promptRoot := flag.String("prompt-root", "", "directory holding playbook markdown files (default <workdir>/prompt)")
	webDir := flag.String("web", "", "directory holding static web assets (default <workdir>/web)")
	addr := flag.String("addr", "", "http listen address (overrides config.server_addr)")
	flag.Parse()

	baseDir, err := os.Getwd()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	// .env 先装载，日志级别等环境变量才能生效。
	config.LoadEnvFiles(baseDir)
	setupLogging(baseDir)

	fileDefaults := config.LoadFile(*configPath)
	root := *promptRoot
	if root == "" {
		root = filepath.Join(baseDir, "prompt")
	}
	web := *webDir
	if web == "" {
		web = filepath.Join(baseDir, "web")
	}

	cfgSvc := config.NewService(root, fileDefaults)
	wizardSvc := wizard.NewService(cfgSvc, llm.NewClient(), baseDir)
	srv, err := server.New(wizardSvc, cfgSvc, web)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	listen := fileDefaults.ServerAddr
	if *addr != "" {
		listen = *addr
	}
	if listen == "" {
		listen = "127.0.0.1:8000"
	}
	fmt.Printf("服务已启动: http://%s\n", listen)
	slog.Info("服务启动", "addr", listen, "prompt_root", root, "web", web)
	if err := http.ListenAndServe(listen, srv.Routes()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setupLogging 按 LOG_LEVEL 初始化 slog，输出到标准错误并追加到 logs/app.log。
func setupLogging(baseDir string) {
	level := slog.LevelInfo
	switch strings.ToUpper(strings.TrimSpace(os.Getenv("LOG_LEVEL"))) {
	case "DEBUG":
		level = slog.LevelDebug
	case "WARN", "WARNING":
		level = slog.LevelWarn
	case "ERROR":
		level = slog.LevelError
	}

	var out io.Writer = os.Stderr
	logDir := filepath.Join(baseDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err == nil {
		file, err := os.OpenFile(filepath.Join(logDir, "app.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err == nil {
			out = io.MultiWriter(os.Stderr, file)
		}
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})))
}
