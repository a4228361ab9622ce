package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"kagami/internal/camera"
	"kagami/internal/timelapse"
)

const (
	BackendMock = "mock"
	BackendV4L2 = "v4l2"

	// EnvConfigPath は設定ファイルのパスを指定する環境変数
	EnvConfigPath = "KAGAMI_CONFIG"
)

// Config はアプリケーション全体の設定を保持する構造体
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Camera    CameraConfig     `yaml:"camera"`
	Timelapse timelapse.Config `yaml:"timelapse"`
	Log       LogConfig        `yaml:"log"`
}

// ServerConfig はHTTPサーバーの設定
type ServerConfig struct {
	Host string `yaml:"host"` // リッスンするホスト
	Port int    `yaml:"port"` // リッスンするポート番号

	// タイムアウト設定
	ReadTimeout  time.Duration `yaml:"read_timeout"`  // 読み込みタイムアウト
	WriteTimeout time.Duration `yaml:"write_timeout"` // 書き込みタイムアウト
}

// CameraConfig はカメラ関連の設定
type CameraConfig struct {
	Backend string `yaml:"backend"` // "mock" または "v4l2"
	Facing  string `yaml:"facing"`  // 起動時に開くカメラの向き。空なら開かない

	Preview PreviewConfig `yaml:"preview"`
	Photo   PhotoConfig   `yaml:"photo"`

	// v4l2 バックエンドのデバイス一覧。空なら自動検出する
	Devices []CameraDevice `yaml:"devices"`
}

// PreviewConfig はプレビューの目標サイズ（表示座標系）
type PreviewConfig struct {
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
	FPS    int `yaml:"fps"`
}

// PhotoConfig は静止画出力の設定
type PhotoConfig struct {
	Enabled bool `yaml:"enabled"`
	Width   int  `yaml:"width"`
	Height  int  `yaml:"height"`
}

// CameraDevice は個別カメラの設定
type CameraDevice struct {
	ID                string   `yaml:"id"`                 // カメラID
	Facing            string   `yaml:"facing"`             // front / back
	Device            string   `yaml:"device"`             // デバイスパス (例: /dev/video0)
	SensorOrientation int      `yaml:"sensor_orientation"` // センサーの取り付け角度
	Sizes             []string `yaml:"sizes"`              // "1280x720" 形式。空なら問い合わせる
}

// LogConfig はログの設定
type LogConfig struct {
	Level string `yaml:"level"`
}

// Default はデフォルト設定を返す
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 0, // ストリーミング用にタイムアウト無効化
		},
		Camera: CameraConfig{
			Backend: BackendMock,
			Facing:  string(camera.FacingBack),
			Preview: PreviewConfig{
				Width:  camera.DefaultPreviewWidth,
				Height: camera.DefaultPreviewHeight,
				FPS:    camera.DefaultFPS,
			},
			Photo: PhotoConfig{
				Enabled: true,
				Width:   1080,
				Height:  1920,
			},
			Devices: []CameraDevice{},
		},
		Timelapse: timelapse.DefaultConfig(),
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load は設定を読み込む
// デフォルト値に設定ファイル、環境変数の順で上書きする
// path が空なら KAGAMI_CONFIG を参照する
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, fmt.Errorf("設定ファイル %s の読み込みに失敗: %w", path, err)
		}
	}

	cfg.applyEnv()

	// 設定の検証
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗: %w", err)
	}

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	path = filepath.Clean(path)

	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("未対応の設定ファイル形式: %s", ext)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("YAMLの解析に失敗: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Server.Host = getEnvOrDefault("SERVER_HOST", c.Server.Host)
	c.Server.Port = getEnvAsIntOrDefault("PORT", c.Server.Port)
	c.Camera.Backend = getEnvOrDefault("CAMERA_BACKEND", c.Camera.Backend)
	c.Camera.Facing = getEnvOrDefault("CAMERA_FACING", c.Camera.Facing)
	c.Log.Level = getEnvOrDefault("LOG_LEVEL", c.Log.Level)
}

// Validate は設定の妥当性を検証する
// 見つかった問題をすべてまとめて返す
func (c *Config) Validate() error {
	var errs []error

	// サーバー設定の検証
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("無効なポート番号: %d", c.Server.Port))
	}
	if c.Server.ReadTimeout < 0 || c.Server.WriteTimeout < 0 {
		errs = append(errs, errors.New("タイムアウトに負の値は指定できません"))
	}

	// カメラ設定の検証
	switch c.Camera.Backend {
	case BackendMock, BackendV4L2:
	default:
		errs = append(errs, fmt.Errorf("無効なカメラバックエンド: %q", c.Camera.Backend))
	}
	if c.Camera.Facing != "" {
		if _, err := camera.ParseFacing(c.Camera.Facing); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Camera.Preview.Width <= 0 || c.Camera.Preview.Height <= 0 {
		errs = append(errs, fmt.Errorf("無効なプレビューサイズ: %dx%d", c.Camera.Preview.Width, c.Camera.Preview.Height))
	}
	if c.Camera.Preview.FPS <= 0 {
		errs = append(errs, fmt.Errorf("無効なフレームレート: %d", c.Camera.Preview.FPS))
	}
	if c.Camera.Photo.Enabled && (c.Camera.Photo.Width <= 0 || c.Camera.Photo.Height <= 0) {
		errs = append(errs, fmt.Errorf("無効な静止画サイズ: %dx%d", c.Camera.Photo.Width, c.Camera.Photo.Height))
	}

	ids := make(map[string]bool)
	for i, d := range c.Camera.Devices {
		if d.ID == "" {
			errs = append(errs, fmt.Errorf("devices[%d]: IDが指定されていません", i))
		} else if ids[d.ID] {
			errs = append(errs, fmt.Errorf("devices[%d]: IDが重複しています: %s", i, d.ID))
		}
		ids[d.ID] = true

		if d.Device == "" {
			errs = append(errs, fmt.Errorf("devices[%d]: デバイスパスが指定されていません", i))
		}
		if _, err := camera.ParseFacing(d.Facing); err != nil {
			errs = append(errs, fmt.Errorf("devices[%d]: %w", i, err))
		}
		if d.SensorOrientation%90 != 0 || d.SensorOrientation < 0 || d.SensorOrientation >= 360 {
			errs = append(errs, fmt.Errorf("devices[%d]: 無効なセンサー角度: %d", i, d.SensorOrientation))
		}
		for _, s := range d.Sizes {
			if _, err := camera.ParseSize(s); err != nil {
				errs = append(errs, fmt.Errorf("devices[%d]: %w", i, err))
			}
		}
	}

	// タイムラプス設定の検証
	if c.Timelapse.Enabled {
		if c.Timelapse.Interval <= 0 {
			errs = append(errs, fmt.Errorf("無効な撮影間隔: %s", c.Timelapse.Interval))
		}
		if c.Timelapse.OutputDir == "" {
			errs = append(errs, errors.New("タイムラプスの保存先が指定されていません"))
		}
		if !c.Camera.Photo.Enabled {
			errs = append(errs, errors.New("タイムラプスには静止画出力が必要です"))
		}
	}
	if c.Timelapse.RetentionDays < 0 {
		errs = append(errs, fmt.Errorf("無効な保持期間: %d", c.Timelapse.RetentionDays))
	}

	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// ServerAddress はサーバーのリッスンアドレスを返す
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// PreviewTarget はプレビューの目標サイズを返す
func (c *Config) PreviewTarget() camera.Size {
	return camera.Size{Width: c.Camera.Preview.Width, Height: c.Camera.Preview.Height}
}

// PhotoTarget は静止画の目標サイズを返す。無効なら false
func (c *Config) PhotoTarget() (camera.Size, bool) {
	if !c.Camera.Photo.Enabled {
		return camera.Size{}, false
	}
	return camera.Size{Width: c.Camera.Photo.Width, Height: c.Camera.Photo.Height}, true
}

// StartupFacing は起動時に開くカメラの向きを返す。空なら false
func (c *Config) StartupFacing() (camera.Facing, bool) {
	if c.Camera.Facing == "" {
		return "", false
	}
	facing, err := camera.ParseFacing(c.Camera.Facing)
	if err != nil {
		return "", false
	}
	return facing, true
}

// DeviceSizes はデバイス設定のサイズ一覧を解析する
func (d CameraDevice) DeviceSizes() []camera.Size {
	sizes := make([]camera.Size, 0, len(d.Sizes))
	for _, s := range d.Sizes {
		if size, err := camera.ParseSize(s); err == nil {
			sizes = append(sizes, size)
		}
	}
	return sizes
}

func parseLevel(level string) (zerolog.Level, error) {
	if level == "" {
		return zerolog.InfoLevel, nil
	}
	parsed, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("無効なログレベル: %q", level)
	}
	return parsed, nil
}

// getEnvOrDefault は環境変数を取得し、設定されていない場合はデフォルト値を返す
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault は環境変数を整数として取得し、設定されていない場合はデフォルト値を返す
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var intVal int
		if _, err := fmt.Sscanf(value, "%d", &intVal); err == nil {
			return intVal
		}
	}
	return defaultValue
}
