package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"kagami/internal/app"
	"kagami/internal/config"
	"kagami/internal/logging"
)

func main() {
	// 設定を読み込む
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	if err := logging.Configure(logging.Config{Level: cfg.Log.Level}); err != nil {
		log.Fatalf("ロガーの設定に失敗しました: %v", err)
	}
	logger := logging.Base()

	a, err := app.New(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("初期化に失敗しました")
	}

	// シグナルで停止する
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("異常終了しました")
		stop()
		os.Exit(1)
	}
}
