// Package timelapse はカメラの静止画を一定間隔で撮影して保存する
package timelapse

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"kagami/internal/camera"
	"kagami/internal/metrics"
)

// Photographer は静止画を1枚撮影する
type Photographer interface {
	TakePhoto(ctx context.Context) ([]byte, error)
}

// Recorder はタイムラプス撮影を管理する
type Recorder struct {
	camera Photographer
	store  *Store
	config Config
	logger zerolog.Logger
	now    func() time.Time

	mu     sync.RWMutex
	status Status
}

// NewRecorder は新しいRecorderを作成する
func NewRecorder(cam Photographer, cfg Config, logger zerolog.Logger) *Recorder {
	return &Recorder{
		camera: cam,
		store:  NewStore(cfg.OutputDir),
		config: cfg,
		logger: logger.With().Str("component", "timelapse").Logger(),
		now:    time.Now,
		status: Status{Enabled: cfg.Enabled},
	}
}

// Run は ctx が終わるまで一定間隔で撮影する
func (r *Recorder) Run(ctx context.Context) error {
	if !r.config.Enabled {
		r.logger.Info().Msg("タイムラプス機能は無効です")
		return nil
	}
	if r.config.Interval <= 0 {
		return fmt.Errorf("無効な撮影間隔: %s", r.config.Interval)
	}

	r.setRunning(true)
	defer r.setRunning(false)

	r.logger.Info().
		Dur("interval", r.config.Interval).
		Str("output_dir", r.config.OutputDir).
		Msg("タイムラプス撮影を開始しました")

	r.prune()

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	lastPrune := r.now()
	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("タイムラプス撮影を停止しました")
			return nil
		case <-ticker.C:
			if err := r.CaptureOnce(ctx); err != nil {
				r.logger.Warn().Err(err).Msg("タイムラプス撮影に失敗しました")
			}
			if r.now().Sub(lastPrune) >= 24*time.Hour {
				r.prune()
				lastPrune = r.now()
			}
		}
	}
}

// CaptureOnce は1枚撮影して保存する
// プレビューが動いていない、または撮影中の場合はスキップする
func (r *Recorder) CaptureOnce(ctx context.Context) error {
	shotCtx, cancel := context.WithTimeout(ctx, r.captureTimeout())
	defer cancel()

	data, err := r.camera.TakePhoto(shotCtx)
	switch {
	case errors.Is(err, camera.ErrNoPhotoOutput), errors.Is(err, camera.ErrCaptureInProgress):
		metrics.TimelapseFramesTotal.WithLabelValues("skipped").Inc()
		r.record(func(s *Status) { s.Skipped++ })
		r.logger.Debug().Err(err).Msg("撮影できる状態ではないためスキップします")
		return nil
	case err != nil:
		metrics.TimelapseFramesTotal.WithLabelValues("error").Inc()
		r.record(func(s *Status) {
			s.Failed++
			s.LastError = err.Error()
		})
		return fmt.Errorf("タイムラプス撮影に失敗: %w", err)
	}

	still, err := r.store.Save(data, r.now())
	if err != nil {
		metrics.TimelapseFramesTotal.WithLabelValues("error").Inc()
		r.record(func(s *Status) {
			s.Failed++
			s.LastError = err.Error()
		})
		return err
	}

	metrics.TimelapseFramesTotal.WithLabelValues("saved").Inc()
	r.record(func(s *Status) {
		s.Captured++
		s.LastCapture = still.TakenAt
		s.LastError = ""
	})
	r.logger.Debug().Str("path", still.Path).Int64("bytes", still.Size).Msg("静止画を保存しました")
	return nil
}

// Stills は保存済みの静止画一覧を返す
func (r *Recorder) Stills() ([]Still, error) {
	return r.store.List()
}

// Status は現在の状態を返す
func (r *Recorder) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// GetConfig は設定を返す
func (r *Recorder) GetConfig() Config {
	return r.config
}

func (r *Recorder) captureTimeout() time.Duration {
	timeout := r.config.Interval
	if timeout > 30*time.Second || timeout <= 0 {
		timeout = 30 * time.Second
	}
	return timeout
}

func (r *Recorder) prune() {
	removed, err := r.store.Prune(r.now(), r.config.RetentionDays)
	if err != nil {
		r.logger.Warn().Err(err).Msg("古い静止画の削除に失敗しました")
		return
	}
	if removed > 0 {
		r.logger.Info().Int("days", removed).Msg("保持期間を過ぎた静止画を削除しました")
	}
}

func (r *Recorder) setRunning(running bool) {
	r.record(func(s *Status) { s.Running = running })
}

func (r *Recorder) record(update func(*Status)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	update(&r.status)
}
