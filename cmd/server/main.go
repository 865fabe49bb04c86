package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/koopa0/system-design/14-multiplayer-rhythm-server/internal"
)

func main() {
	// 解析命令行參數
	var (
		configPath = flag.String("config", "server_config.yml", "設定檔路徑")
		port       = flag.Int("port", 0, "遊戲協定埠（覆寫設定檔）")
		webPort    = flag.Int("web-port", 0, "管理 API 埠（覆寫設定檔）")
		logLevel   = flag.String("log-level", "info", "日誌級別 (debug, info, warn, error)")
		logFormat  = flag.String("log-format", "text", "日誌格式 (text, json)")
	)
	flag.Parse()

	// 設置日誌
	logger := setupLogger(*logLevel, *logFormat)

	// 載入設定
	cfg, err := internal.LoadConfig(*configPath)
	if err != nil {
		logger.Error("載入設定失敗", "error", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *webPort != 0 {
		cfg.WebPort = *webPort
	}

	// 外部遊戲 API：身份、譜面、成績都從這裡查
	api := internal.NewAPIClient(cfg.APIBase)

	// 伺服器狀態（登記表 + 收割者 + TCP 監聽）
	state := internal.NewServerState(cfg, api, api, api, logger)

	// 擴充層：結構化日誌 + 管理端事件串流
	state.Hooks().Register(&internal.LogHook{Logger: logger})
	hub := internal.NewMonitorHub(logger)
	state.Hooks().Register(hub)

	if err := state.Start(); err != nil {
		logger.Error("伺服器啟動失敗", "error", err)
		os.Exit(1)
	}

	// 管理 HTTP API
	handler := internal.NewHandler(state, hub, cfg, logger)
	webServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.WebPort),
		Handler:      handler.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("管理 API 已啟動", "port", cfg.WebPort)
		if err := webServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("管理 API 啟動失敗", "error", err)
			os.Exit(1)
		}
	}()

	// 等待中斷信號
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("收到關閉信號，開始優雅關閉...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := webServer.Shutdown(ctx); err != nil {
		logger.Error("管理 API 關閉失敗", "error", err)
	}
	hub.Stop()
	state.Stop()

	logger.Info("服務器已關閉")
}

// setupLogger 設置日誌
func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: level == "debug", // debug 模式顯示源碼位置
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
