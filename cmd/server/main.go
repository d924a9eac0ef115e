package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/koopa0/system-design/14-topic-chat/internal"
	"github.com/koopa0/system-design/14-topic-chat/pkg/logger"
)

type serverFlags struct {
	configPath string
	envFile    string
	port       int
	logLevel   string
	logFormat  string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var flags serverFlags

	cmd := &cobra.Command{
		Use:   "topic-chat",
		Short: "主題聊天 WebSocket 服務器",
		Long: `topic-chat 是一個以主題分隔的即時訊息代理。

客戶端透過 /ws 建立 WebSocket 連線，第一個訊框必須是 join，
之後可以發送訊息、列出主題、發送心跳或離開。`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := internal.LoadConfig(flags.configPath, flags.envFile)
			if err != nil {
				return err
			}

			// 命令列參數最後覆蓋
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = flags.port
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Log.Level = flags.logLevel
			}
			if cmd.Flags().Changed("log-format") {
				cfg.Log.Format = flags.logFormat
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return run(ctx, cfg)
		},
	}

	cmd.Flags().StringVarP(&flags.configPath, "config", "c", "config.yaml", "配置檔路徑（不存在時使用預設值）")
	cmd.Flags().StringVar(&flags.envFile, "env-file", ".env", ".env 檔路徑")
	cmd.Flags().IntVarP(&flags.port, "port", "p", 8000, "服務器端口")
	cmd.Flags().StringVar(&flags.logLevel, "log-level", "info", "日誌級別 (debug, info, warn, error)")
	cmd.Flags().StringVar(&flags.logFormat, "log-format", "text", "日誌格式 (text, json)")

	return cmd
}

// run 組裝所有元件並執行到 ctx 取消
func run(ctx context.Context, cfg *internal.Config) error {
	// 設置日誌
	log, closer, err := logger.New(cfg.LoggerOptions())
	if err != nil {
		return err
	}
	defer closer.Close()

	audit := logger.NewAuditor(log)

	// 建立核心元件
	validator := internal.NewValidator(audit)
	registry := internal.NewRegistry(cfg.RegistryConfig(), validator, audit, log)
	messages := internal.NewMessageManager(cfg.MessageConfig(), registry, validator, audit, log)
	hub := internal.NewWebSocketHub(cfg.WebSocketConfig(), registry, messages, audit, log)
	handler := internal.NewHandler(registry, messages, hub, audit, log)
	sweeper := internal.NewSweeper(registry, messages, cfg.Broker.SweepInterval, cfg.Broker.ConnectionTimeout, log)

	// 創建 HTTP 服務器
	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      handler.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("主題聊天服務器啟動",
			"addr", server.Addr,
			"max_topics", cfg.Broker.MaxTopics,
			"max_connections_per_topic", cfg.Broker.MaxConnectionsPerTopic,
			"rate_limit_per_minute", cfg.Broker.RateLimitPerMinute,
			"message_ttl", cfg.Broker.MessageTTL,
			"log_level", cfg.Log.Level)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("服務器啟動失敗: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return sweeper.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("收到關閉信號，開始優雅關閉...")
		return shutdown(cfg, server, hub, registry, messages, log)
	})

	if err := g.Wait(); err != nil {
		log.Error("服務器異常結束", "error", err)
		return err
	}

	log.Info("服務器已關閉")
	return nil
}

// shutdown 依序停止：HTTP 入口 → Session → 連線 → 計時器
func shutdown(cfg *internal.Config, server *http.Server, hub *internal.WebSocketHub, registry *internal.Registry, messages *internal.MessageManager, log *slog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	var errs []error

	// 停止接受新連接
	if err := server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("服務器關閉失敗: %w", err))
	}

	// 關閉所有 Session（每個 Session 會自行離開主題）
	if err := hub.Shutdown(ctx); err != nil {
		log.Warn("部分 Session 未在期限內結束", "error", err)
		registry.CloseAll(internal.CloseGoingAway, "server shutdown")
	}

	// 停止訊息計時器
	messages.Stop()

	return errors.Join(errs...)
}
