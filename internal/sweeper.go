package internal

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper 定期清理逾時連線與過期訊息
//
// 訊息過期主要靠各自的計時器，這裡是備援；
// 連線逾時則只靠這裡。
type Sweeper struct {
	registry          *Registry
	messages          *MessageManager
	interval          time.Duration
	connectionTimeout time.Duration
	logger            *slog.Logger
}

// SweepResult 單次清理結果
type SweepResult struct {
	Connections int
	Messages    int
}

// NewSweeper 創建清理器
func NewSweeper(registry *Registry, messages *MessageManager, interval, connectionTimeout time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		registry:          registry,
		messages:          messages,
		interval:          interval,
		connectionTimeout: connectionTimeout,
		logger:            logger,
	}
}

// Run 執行清理循環，直到 ctx 取消
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("清理器已啟動",
		"interval", s.interval,
		"connection_timeout", s.connectionTimeout)

	for {
		select {
		case <-ticker.C:
			s.Sweep(ctx)
		case <-ctx.Done():
			s.logger.Info("清理器已停止")
			return nil
		}
	}
}

// Sweep 執行一次清理（公開方法供測試使用）
func (s *Sweeper) Sweep(ctx context.Context) SweepResult {
	result := SweepResult{
		Connections: s.registry.SweepIdle(ctx, s.connectionTimeout),
		Messages:    s.messages.SweepExpired(),
	}

	if result.Connections > 0 || result.Messages > 0 {
		s.logger.Debug("清理完成",
			"connections", result.Connections,
			"messages", result.Messages)
	}
	return result
}
