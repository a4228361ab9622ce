package timelapse

import (
	"time"
)

// Config はタイムラプス設定
type Config struct {
	Enabled       bool          `json:"enabled" yaml:"enabled"`               // 有効/無効
	Interval      time.Duration `json:"interval" yaml:"interval"`             // 撮影間隔 (デフォルト: 1分)
	OutputDir     string        `json:"output_dir" yaml:"output_dir"`         // 保存先ディレクトリ
	RetentionDays int           `json:"retention_days" yaml:"retention_days"` // 保持期間（日数）。0なら削除しない
}

// DefaultConfig はデフォルトのタイムラプス設定を返す
func DefaultConfig() Config {
	return Config{
		Enabled:       false,
		Interval:      time.Minute,
		OutputDir:     "./data/timelapse",
		RetentionDays: 30,
	}
}

// Still は保存済みの静止画
type Still struct {
	ID      string    `json:"id"`
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	TakenAt time.Time `json:"taken_at"`
}

// Status はタイムラプスの状態
type Status struct {
	Enabled     bool      `json:"enabled"`
	Running     bool      `json:"running"`
	Captured    int       `json:"captured"`
	Skipped     int       `json:"skipped"`
	Failed      int       `json:"failed"`
	LastCapture time.Time `json:"last_capture,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
}
