// Package app は設定からカメラ、サーバー、タイムラプスを組み立てて実行する
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"kagami/internal/camera"
	"kagami/internal/config"
	"kagami/internal/preview"
	"kagami/internal/server"
	"kagami/internal/timelapse"
	"kagami/internal/v4l2"
)

const startupTimeout = 15 * time.Second

// App はプロセス全体のライフサイクルを持つ
type App struct {
	config   *config.Config
	logger   zerolog.Logger
	closeHW  func()
	ctrl     *camera.Controller
	surface  *preview.Surface
	events   *server.EventHub
	recorder *timelapse.Recorder
	server   *server.Server
}

// New は設定に従って各部品を組み立てる
func New(cfg *config.Config, logger zerolog.Logger) (*App, error) {
	hw, closeHW, err := newHardware(cfg, logger)
	if err != nil {
		return nil, err
	}

	events := server.NewEventHub()
	ctrl := camera.NewController(hw, camera.Options{
		Logger:        logger,
		Events:        events,
		PreviewTarget: cfg.PreviewTarget(),
		FPS:           cfg.Camera.Preview.FPS,
	})
	surface := preview.NewSurface()
	recorder := timelapse.NewRecorder(ctrl, cfg.Timelapse, logger)

	srv := server.New(cfg, server.Deps{
		Camera:    ctrl,
		Surface:   surface,
		Events:    events,
		Timelapse: recorder,
		Logger:    logger,
	})

	return &App{
		config:   cfg,
		logger:   logger.With().Str("component", "app").Logger(),
		closeHW:  closeHW,
		ctrl:     ctrl,
		surface:  surface,
		events:   events,
		recorder: recorder,
		server:   srv,
	}, nil
}

// newHardware はバックエンドに応じたハードウェア実装を返す
func newHardware(cfg *config.Config, logger zerolog.Logger) (camera.Hardware, func(), error) {
	switch cfg.Camera.Backend {
	case config.BackendMock:
		interval := time.Second / time.Duration(cfg.Camera.Preview.FPS)
		hw := camera.NewMockHardware(camera.MockOptions{FrameInterval: interval})
		return hw, hw.Close, nil

	case config.BackendV4L2:
		devices := make([]v4l2.DeviceConfig, 0, len(cfg.Camera.Devices))
		for _, d := range cfg.Camera.Devices {
			facing, err := camera.ParseFacing(d.Facing)
			if err != nil {
				return nil, nil, fmt.Errorf("デバイス %s: %w", d.ID, err)
			}
			devices = append(devices, v4l2.DeviceConfig{
				ID:                d.ID,
				Facing:            facing,
				Path:              d.Device,
				SensorOrientation: d.SensorOrientation,
				Sizes:             d.DeviceSizes(),
			})
		}
		hw := v4l2.New(v4l2.Options{Devices: devices, Logger: logger})
		return hw, hw.Close, nil

	default:
		return nil, nil, fmt.Errorf("無効なカメラバックエンド: %q", cfg.Camera.Backend)
	}
}

// Controller はカメラコントローラを返す
func (a *App) Controller() *camera.Controller {
	return a.ctrl
}

// Recorder はタイムラプスを返す
func (a *App) Recorder() *timelapse.Recorder {
	return a.recorder
}

// Run は ctx が終わるか致命的なエラーが起きるまで実行する
func (a *App) Run(ctx context.Context) error {
	defer a.shutdown()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.server.Start(ctx)
	})

	g.Go(func() error {
		return a.recorder.Run(ctx)
	})

	// 起動時のカメラは失敗してもサーバーは動かし続ける
	g.Go(func() error {
		if err := a.startCamera(ctx); err != nil {
			a.logger.Warn().Err(err).Str("event", "camera.startup_failed").Msg("起動時のカメラ開始に失敗しました")
		}
		return nil
	})

	return g.Wait()
}

func (a *App) startCamera(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()

	if size, ok := a.config.PhotoTarget(); ok {
		if err := a.ctrl.SetPhotoSize(ctx, size); err != nil {
			return err
		}
	}

	facing, ok := a.config.StartupFacing()
	if !ok {
		a.logger.Info().Msg("起動時にカメラは開きません")
		return nil
	}

	if _, err := a.ctrl.Open(ctx, facing); err != nil {
		return err
	}
	if err := a.ctrl.StartPreview(ctx, a.surface); err != nil {
		return err
	}

	a.logger.Info().Str("facing", string(facing)).Msg("カメラを開始しました")
	return nil
}

func (a *App) shutdown() {
	a.ctrl.Shutdown()
	a.closeHW()
	a.logger.Info().Msg("停止しました")
}
