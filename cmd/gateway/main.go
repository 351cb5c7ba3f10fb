package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"wxpush_gateway/internal/app"
	"wxpush_gateway/internal/shared/config"
	"wxpush_gateway/internal/shared/logger"
)

func main() {
	configDir := flag.String("configdir", "configs", "Path to config directory")
	flag.Parse()

	iniPath := filepath.Join(*configDir, "gateway.ini")

	// 1. 加载 .ini 配置, 环境变量覆盖敏感项
	cfg, err := config.Load(iniPath)
	if err != nil {
		// Use standard fmt before logger is initialized.
		fmt.Fprintf(os.Stderr, "Fatal: Failed to load config file '%s': %v\n", iniPath, err)
		os.Exit(1)
	}

	// 1.1 初始化日志系统
	if err := logger.Init(cfg.LogConf); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal: Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	// 2. 创建并运行服务器
	appServer, err := app.New(context.Background(), cfg, iniPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("Server bootstrap failed")
	}
	if err := appServer.Run(); err != nil {
		logger.Fatal().Err(err).Msg("Server failed")
	}
}
