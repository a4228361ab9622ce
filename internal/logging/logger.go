// Package logging はzerologのベースロガーを管理する
package logging

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config はロガーの設定
type Config struct {
	Level   string    // "debug", "info" など。空なら info
	Output  io.Writer // 省略時は os.Stdout
	Service string    // 全ログに付与するサービス名
}

var (
	mu   sync.RWMutex
	base = zerolog.New(os.Stdout).With().Timestamp().Str("service", "kagami").Logger()
)

// Configure はベースロガーを設定する。起動時に一度だけ呼ぶ
func Configure(cfg Config) error {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		parsed, err := zerolog.ParseLevel(cfg.Level)
		if err != nil {
			return err
		}
		level = parsed
	}

	writer := cfg.Output
	if writer == nil {
		writer = os.Stdout
	}
	service := cfg.Service
	if service == "" {
		service = "kagami"
	}

	zerolog.TimeFieldFormat = time.RFC3339

	mu.Lock()
	defer mu.Unlock()
	base = zerolog.New(writer).Level(level).With().
		Timestamp().
		Str("service", service).
		Logger()
	return nil
}

// Base はベースロガーを返す
func Base() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

// WithComponent はコンポーネント名を付与した子ロガーを返す
func WithComponent(component string) zerolog.Logger {
	return Base().With().Str("component", component).Logger()
}
