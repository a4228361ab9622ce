// Package main はKagamiサーバーコマンドの実装です
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"kagami/internal/app"
	"kagami/internal/config"
	"kagami/internal/logging"
)

func main() {
	// コマンドラインオプション
	var (
		configPath = flag.String("config", "", "設定ファイルのパス (デフォルト: $KAGAMI_CONFIG)")
		host       = flag.String("host", "", "サーバーのホスト (デフォルト: 0.0.0.0)")
		port       = flag.Int("port", 0, "サーバーのポート (デフォルト: 8080)")
		backend    = flag.String("backend", "", "カメラバックエンド mock|v4l2 (デフォルト: mock)")
		facing     = flag.String("facing", "", "起動時に開くカメラ front|back (デフォルト: back)")
		help       = flag.Bool("help", false, "ヘルプを表示")
	)

	flag.Parse()

	// ヘルプ表示
	if *help {
		fmt.Println("Kagami")
		fmt.Println()
		fmt.Println("使用方法:")
		fmt.Println("  server [オプション]")
		fmt.Println()
		fmt.Println("オプション:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	// 設定を読み込む
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	// コマンドラインオプションで設定を上書き
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *backend != "" {
		cfg.Camera.Backend = *backend
	}
	if *facing != "" {
		cfg.Camera.Facing = *facing
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("設定の検証に失敗しました: %v", err)
	}

	if err := logging.Configure(logging.Config{Level: cfg.Log.Level}); err != nil {
		log.Fatalf("ロガーの設定に失敗しました: %v", err)
	}
	logger := logging.Base()

	a, err := app.New(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("初期化に失敗しました")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info().Str("addr", cfg.ServerAddress()).Str("backend", cfg.Camera.Backend).Msg("Kagami サーバーを起動します")
	if err := a.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("異常終了しました")
		stop()
		os.Exit(1)
	}
}
