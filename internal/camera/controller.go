package camera

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"kagami/internal/metrics"
)

const (
	DefaultPreviewWidth  = 720
	DefaultPreviewHeight = 1280
	DefaultFPS           = 30

	defaultQueueSize = 64
	shutdownTimeout  = 5 * time.Second
)

// PhotoCallback は撮影結果を受け取る。ワーカー上で一度だけ呼ばれる
type PhotoCallback func(jpeg []byte, err error)

// Options はControllerの設定
type Options struct {
	Logger      zerolog.Logger
	Events      Events
	Orientation *OrientationTracker

	// PreviewTarget は表示座標系で要求するプレビューサイズ
	PreviewTarget Size
	FPS           int
	QueueSize     int
}

type photoJob struct {
	id      string
	cb      PhotoCallback
	started time.Time
}

// Controller はカメラ操作の唯一の窓口
// すべてのコマンドとハードウェアコールバックを1本のワーカーに直列化する
type Controller struct {
	hw          Hardware
	w           *worker
	logger      zerolog.Logger
	events      Events
	orientation *OrientationTracker
	targetSize  Size
	fps         int

	// 以下はワーカー上でのみ操作する
	dev          *deviceSession
	lifecycle    LifecycleState
	facing       Facing
	negotiator   *Negotiator
	target       PreviewTarget
	preview      *PreviewConfig
	previewHint  Size
	photoRequest *Size
	photoSize    *Size
	reader       *photoReader
	streaming    bool
	sessionID    string
	photo        *photoJob
	openWait     pending[Attributes]
	previewWait  pending[struct{}]

	snapMu sync.RWMutex
	snap   Snapshot

	shutdownOnce sync.Once
}

// NewController は新しいControllerを作成し、ワーカーを起動する
func NewController(hw Hardware, opts Options) *Controller {
	if opts.Events == nil {
		opts.Events = NopEvents{}
	}
	if opts.Orientation == nil {
		opts.Orientation = NewOrientationTracker()
	}
	if opts.PreviewTarget.Width <= 0 || opts.PreviewTarget.Height <= 0 {
		opts.PreviewTarget = Size{Width: DefaultPreviewWidth, Height: DefaultPreviewHeight}
	}
	if opts.FPS <= 0 {
		opts.FPS = DefaultFPS
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}

	logger := opts.Logger.With().Str("component", "camera").Logger()

	c := &Controller{
		hw:          hw,
		w:           newWorker(logger, opts.QueueSize),
		logger:      logger,
		events:      opts.Events,
		orientation: opts.Orientation,
		targetSize:  opts.PreviewTarget,
		fps:         opts.FPS,
		dev:         newDeviceSession(logger),
		lifecycle:   LifecycleStopped,
		negotiator:  NewNegotiator(),
		openWait:    pending[Attributes]{name: "open"},
		previewWait: pending[struct{}]{name: "preview start"},
	}
	c.publish()

	return c
}

// Orientation は回転角の入力先を返す
func (c *Controller) Orientation() *OrientationTracker {
	return c.orientation
}

// Snapshot は現在の状態のコピーを返す
func (c *Controller) Snapshot() Snapshot {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	return c.snap
}

// Open はカメラを開き、オープン完了まで待つ
func (c *Controller) Open(ctx context.Context, facing Facing) (Attributes, error) {
	var (
		wait <-chan result[Attributes]
		err  error
	)
	if callErr := c.call(ctx, func() { wait, err = c.open(facing) }); callErr != nil {
		return Attributes{}, callErr
	}
	if err != nil {
		return Attributes{}, err
	}

	return await(ctx, c.w, wait, func() {
		c.abandonOpen(wait)
		c.publish()
	})
}

// Close はセッションとデバイスを閉じる。何度呼んでもよい
func (c *Controller) Close(ctx context.Context) error {
	return c.call(ctx, c.close)
}

// StartPreview はプレビューを開始し、最初のフレームが届くまで待つ
// ライフサイクルが Started/Resumed 以外なら何もしない
func (c *Controller) StartPreview(ctx context.Context, target PreviewTarget) error {
	return c.awaitPreview(ctx, func() (<-chan result[struct{}], error) {
		return c.startPreview(target, false)
	})
}

// StopPreview はプレビューを停止する。後始末の失敗はログに残すだけ
func (c *Controller) StopPreview(ctx context.Context) error {
	return c.call(ctx, c.stopPreview)
}

// Resume はホストのレジューム通知。停止状態でなければプレビューを再開する
func (c *Controller) Resume(ctx context.Context, target PreviewTarget) error {
	return c.awaitPreview(ctx, func() (<-chan result[struct{}], error) {
		if c.lifecycle == LifecycleStopped {
			c.logger.Debug().Str("event", "lifecycle.resume_ignored").Msg("カメラが開始されていないためレジュームを無視します")
			return nil, nil
		}
		return c.startPreview(target, true)
	})
}

// Pause はホストの一時停止通知
func (c *Controller) Pause(ctx context.Context) error {
	return c.StopPreview(ctx)
}

// SetPreviewSize は将来の拡張用。値は記録するだけで選択には使わない
func (c *Controller) SetPreviewSize(ctx context.Context, size Size) error {
	return c.call(ctx, func() {
		c.previewHint = size
		c.logger.Debug().Str("size", size.String()).Msg("プレビューサイズの指定を受け付けました")
	})
}

// SetPhotoSize は静止画の目標サイズを設定する
// 出力構成が変わるため、稼働中のセッションは作り直す
func (c *Controller) SetPhotoSize(ctx context.Context, size Size) error {
	if size.Width <= 0 || size.Height <= 0 {
		return fmt.Errorf("無効な静止画サイズ: %s", size)
	}

	var err error
	if callErr := c.call(ctx, func() {
		c.photoRequest = &size
		if c.dev.state.hasSession() && c.target != nil {
			err = c.configureSession()
		}
	}); callErr != nil {
		return callErr
	}
	return err
}

// CapturePhoto は静止画撮影を開始する。結果は cb に一度だけ渡される
func (c *Controller) CapturePhoto(ctx context.Context, cb PhotoCallback) error {
	if cb == nil {
		return errors.New("撮影コールバックが指定されていません")
	}

	var err error
	if callErr := c.call(ctx, func() { err = c.capturePhoto(cb) }); callErr != nil {
		return callErr
	}
	return err
}

// TakePhoto は撮影完了まで待ってJPEGを返す
func (c *Controller) TakePhoto(ctx context.Context) ([]byte, error) {
	done := make(chan result[[]byte], 1)
	err := c.CapturePhoto(ctx, func(data []byte, err error) {
		done <- result[[]byte]{value: data, err: err}
	})
	if err != nil {
		return nil, err
	}

	select {
	case r := <-done:
		return r.value, r.err
	case <-c.w.ctx.Done():
		return nil, ErrShutdown
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Shutdown はデバイスを閉じてワーカーを停止する
// 待機中の呼び出し元には ErrShutdown が返る
func (c *Controller) Shutdown() {
	c.shutdownOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := c.call(ctx, c.close); err != nil {
			c.logger.Warn().Err(err).Msg("シャットダウン時のクローズに失敗しました")
		}
		c.w.stop()
	})
}

func (c *Controller) call(ctx context.Context, task func()) error {
	return c.w.call(ctx, func() {
		task()
		c.publish()
	})
}

func (c *Controller) post(task func()) bool {
	return c.w.post(func() {
		task()
		c.publish()
	})
}

func (c *Controller) awaitPreview(ctx context.Context, begin func() (<-chan result[struct{}], error)) error {
	var (
		wait <-chan result[struct{}]
		err  error
	)
	if callErr := c.call(ctx, func() { wait, err = begin() }); callErr != nil {
		return callErr
	}
	if err != nil || wait == nil {
		return err
	}

	_, err = await(ctx, c.w, wait, func() { c.previewWait.disarm(wait) })
	return err
}

func (c *Controller) open(facing Facing) (<-chan result[Attributes], error) {
	if c.dev.state != DeviceClosed {
		metrics.ObserveOpen(string(facing), "already_open")
		return nil, fmt.Errorf("カメラ (%s) は既に開かれています: %w", c.facing, ErrAlreadyOpen)
	}

	id, err := c.hw.FindCamera(facing)
	if err != nil {
		metrics.ObserveOpen(string(facing), "not_found")
		return nil, fmt.Errorf("%s カメラが見つかりません: %w: %w", facing, ErrDeviceUnavailable, err)
	}
	chars, err := c.hw.Characteristics(id)
	if err != nil {
		metrics.ObserveOpen(string(facing), "error")
		return nil, fmt.Errorf("カメラ %s の特性取得に失敗: %w: %w", id, ErrDeviceUnavailable, err)
	}

	wait, err := c.openWait.arm()
	if err != nil {
		return nil, err
	}
	gen, ok := c.dev.beginOpen()
	if !ok {
		c.openWait.disarm(wait)
		return nil, fmt.Errorf("状態 %s からはオープンできません: %w", c.dev.state, ErrAlreadyOpen)
	}

	c.facing = facing

	attrs := Attributes{
		Facing:            facing,
		SensorOrientation: chars.SensorOrientation,
		PreviewSizes:      append([]Size(nil), chars.PreviewSizes...),
		PhotoSizes:        append([]Size(nil), chars.PhotoSizes...),
	}

	logger := c.logger.With().Str("camera_id", id).Uint64("generation", gen).Logger()
	logger.Info().Str("event", "device.open_requested").Str("facing", string(facing)).Msg("カメラのオープンを要求しました")

	err = c.hw.OpenDevice(id, DeviceCallbacks{
		Opened: func(d Device) {
			if !c.post(func() { c.handleOpened(gen, d, attrs) }) {
				_ = d.Close()
			}
		},
		Disconnected: func(d Device) {
			c.post(func() { c.handleDeviceLost(gen, d, "disconnected", ErrDeviceUnavailable) })
		},
		Error: func(d Device, e error) {
			c.post(func() { c.handleDeviceLost(gen, d, "error", e) })
		},
	})
	if err != nil {
		c.dev.close()
		c.openWait.disarm(wait)
		wrapped := fmt.Errorf("カメラ %s のオープンに失敗: %w: %w", id, ErrDeviceUnavailable, err)
		metrics.ObserveOpen(string(facing), "error")
		c.events.OnCameraError(wrapped)
		return nil, wrapped
	}

	return wait, nil
}

// abandonOpen は待機をやめた呼び出し元のオープン要求を取り消す
// オープン中なら世代を進め、遅れて届くデバイスは handleOpened で閉じる
func (c *Controller) abandonOpen(wait <-chan result[Attributes]) {
	if !c.openWait.holds(wait) {
		return
	}
	c.openWait.disarm(wait)

	if c.dev.state == DeviceOpening {
		c.dev.close()
		metrics.ObserveOpen(string(c.facing), "cancelled")
		c.logger.Info().Str("event", "device.open_cancelled").Msg("オープン要求を取り消しました")
	}
}

func (c *Controller) handleOpened(gen uint64, d Device, attrs Attributes) {
	if gen != c.dev.generation || c.dev.state != DeviceOpening {
		c.logger.Warn().
			Str("event", "device.stale_open").
			Uint64("generation", gen).
			Msg("破棄済みのオープン要求が完了したためデバイスを閉じます")
		_ = d.Close()
		return
	}

	c.dev.opened(d, attrs)
	c.lifecycle = LifecycleStarted
	c.sessionID = uuid.NewString()
	metrics.ObserveOpen(string(attrs.Facing), "success")
	c.logger.Info().
		Str("event", "device.opened").
		Str("camera_id", d.ID()).
		Int("sensor_orientation", attrs.SensorOrientation).
		Msg("カメラを開きました")

	c.events.OnCameraOpened(attrs.clone())
	if !c.openWait.resolve(attrs.clone(), nil) {
		c.logger.Warn().Str("event", "device.open_unawaited").Msg("オープン完了を待つ呼び出し元がいません")
	}
}

func (c *Controller) handleDeviceLost(gen uint64, d Device, kind string, cause error) {
	if gen != c.dev.generation {
		if d != nil && d != c.dev.device {
			_ = d.Close()
		}
		return
	}

	err := fmt.Errorf("カメラが利用できなくなりました (%s): %w", kind, cause)
	if !errors.Is(err, ErrDeviceUnavailable) {
		err = fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	}

	c.logger.Error().Err(err).Str("event", "device.lost").Str("kind", kind).Msg("デバイスを失いました")
	metrics.IncDeviceError(kind)

	held := c.dev.device
	c.dev.fail()
	if d != nil && d != held {
		// オープン完了前の失敗でもハンドルは閉じる
		_ = d.Close()
	}
	c.abortPhoto(err)
	c.resetPreviewState()
	c.events.OnCameraError(err)

	c.previewWait.resolve(struct{}{}, fmt.Errorf("%w: %w", ErrPreviewStart, err))
	if c.openWait.resolve(Attributes{}, err) {
		metrics.ObserveOpen(string(c.facing), "error")
	}
}

func (c *Controller) close() {
	c.lifecycle = LifecycleStopped

	c.abortPhoto(ErrDeviceClosed)
	c.previewWait.resolve(struct{}{}, fmt.Errorf("%w: %w", ErrPreviewStopped, ErrDeviceClosed))
	c.openWait.resolve(Attributes{}, ErrDeviceClosed)

	hadDevice := c.dev.close()
	c.resetPreviewState()
	c.target = nil
	c.sessionID = ""

	if hadDevice {
		c.logger.Info().Str("event", "device.closed").Msg("カメラを閉じました")
		c.events.OnCameraClosed()
	}
}

// startPreview はプレビューを開始する。resuming なら Paused からも開始する
func (c *Controller) startPreview(target PreviewTarget, resuming bool) (<-chan result[struct{}], error) {
	if target == nil {
		return nil, fmt.Errorf("プレビュー出力先が指定されていません: %w", ErrPreviewStart)
	}
	if !c.dev.state.hasDevice() || c.dev.attrs == nil {
		metrics.ObservePreviewStart("no_device")
		return nil, fmt.Errorf("カメラが開かれていません: %w", ErrPreviewStart)
	}
	if !resuming && !c.lifecycle.previewAllowed() {
		c.logger.Debug().
			Str("event", "preview.ignored").
			Str("lifecycle", string(c.lifecycle)).
			Msg("現在のライフサイクルではプレビューを開始しません")
		return nil, nil
	}

	wait, err := c.previewWait.arm()
	if err != nil {
		return nil, err
	}

	cfg, err := computePreviewConfig(*c.dev.attrs, c.targetSize, c.orientation.Rotation(), c.fps)
	if err != nil {
		c.previewWait.disarm(wait)
		metrics.ObservePreviewStart("no_size")
		return nil, fmt.Errorf("プレビューサイズを決定できません: %w: %w", ErrPreviewStart, err)
	}

	c.lifecycle = LifecycleResumed
	target.Configure(cfg)
	c.target = target
	c.preview = &cfg

	c.logger.Info().
		Str("event", "preview.configure").
		Str("stream_size", cfg.StreamSize.String()).
		Str("buffer_size", cfg.BufferSize.String()).
		Int("rotation", cfg.Rotation).
		Int("device_rotation", cfg.DeviceRotation).
		Msg("プレビューを構成します")

	if err := c.configureSession(); err != nil {
		c.previewWait.disarm(wait)
		metrics.ObservePreviewStart("configure_failed")
		return nil, err
	}

	return wait, nil
}

// configureSession は現在の出力先でセッションを作り直す
func (c *Controller) configureSession() error {
	c.abortPhoto(errors.New("セッションを再構成します"))

	outputs := []FrameSink{c.target}
	c.reader, c.photoSize = nil, nil
	if c.photoRequest != nil {
		size, err := SelectSize(c.dev.attrs.PhotoSizes, TargetForRotation(*c.photoRequest, c.preview.Rotation))
		if err != nil {
			c.logger.Warn().Err(err).Msg("静止画サイズを決定できないため静止画出力を構成しません")
		} else {
			c.photoSize = &size
			c.reader = newPhotoReader(size)
			outputs = append(outputs, c.reader)
		}
	}

	sgen := c.dev.beginSession()
	gen := c.dev.generation

	err := c.dev.device.CreateSession(outputs, SessionCallbacks{
		Configured: func(s Session) {
			if !c.post(func() { c.handleConfigured(gen, sgen, s) }) {
				_ = s.Close()
			}
		},
		ConfigureFailed: func(e error) {
			c.post(func() { c.handleConfigureFailed(gen, sgen, e) })
		},
		Closed: func(s Session) {
			c.post(func() { c.handleSessionClosed(gen, sgen, s) })
		},
	})
	if err != nil {
		c.dev.transition(DeviceOpen)
		c.reader, c.photoSize = nil, nil
		return fmt.Errorf("キャプチャセッションの作成に失敗: %w: %w", ErrSessionConfigure, err)
	}
	return nil
}

func (c *Controller) sessionStale(gen, sgen uint64) bool {
	return gen != c.dev.generation || sgen != c.dev.sessionGen
}

func (c *Controller) handleConfigured(gen, sgen uint64, s Session) {
	if c.sessionStale(gen, sgen) || c.dev.state != DeviceSessionConfiguring {
		_ = s.Close()
		return
	}

	c.dev.configured(s)

	req := Request{
		Template: TemplatePreview,
		Targets:  []FrameSink{c.target},
		AFMode:   AFModeContinuousPicture,
		FPS:      c.preview.FPS,
	}
	if err := s.SetRepeatingRequest(req, c.frameCallbacks(gen, sgen)); err != nil {
		wrapped := fmt.Errorf("繰り返しリクエストの設定に失敗: %w: %w", ErrPreviewStart, err)
		c.logger.Error().Err(wrapped).Str("event", "preview.repeating_failed").Msg("プレビューを開始できません")
		c.dev.stopSession()
		c.resetPreviewState()
		metrics.ObservePreviewStart("repeating_failed")
		c.events.OnPreviewError(wrapped)
		c.previewWait.resolve(struct{}{}, wrapped)
	}
}

func (c *Controller) handleConfigureFailed(gen, sgen uint64, cause error) {
	if c.sessionStale(gen, sgen) || c.dev.state != DeviceSessionConfiguring {
		return
	}

	err := fmt.Errorf("出力構成が拒否されました: %w: %w", ErrSessionConfigure, cause)
	c.logger.Error().Err(err).Str("event", "session.configure_failed").Msg("セッションの構成に失敗しました")

	c.dev.transition(DeviceOpen)
	c.abortPhoto(err)
	c.resetPreviewState()
	metrics.ObservePreviewStart("configure_failed")
	c.events.OnPreviewError(err)
	c.previewWait.resolve(struct{}{}, err)
}

func (c *Controller) handleSessionClosed(gen, sgen uint64, s Session) {
	if c.sessionStale(gen, sgen) || c.dev.session != s {
		return
	}

	c.logger.Warn().Str("event", "session.closed_by_device").Msg("ハードウェアがセッションを閉じました")

	c.dev.session = nil
	c.dev.stopSession()
	c.abortPhoto(ErrPreviewStopped)
	wasStreaming := c.streaming
	c.resetPreviewState()
	if wasStreaming {
		c.events.OnPreviewStopped()
	}
	c.previewWait.resolve(struct{}{}, ErrPreviewStopped)
}

func (c *Controller) frameCallbacks(gen, sgen uint64) CaptureCallbacks {
	return CaptureCallbacks{
		Completed: func(r CaptureResult) {
			c.post(func() { c.handleFrame(gen, sgen, r) })
		},
		Failed: func(err error) {
			c.post(func() {
				if !c.sessionStale(gen, sgen) {
					c.logger.Debug().Err(err).Msg("プレビューフレームが失敗しました")
				}
			})
		},
	}
}

func (c *Controller) handleFrame(gen, sgen uint64, r CaptureResult) {
	if c.sessionStale(gen, sgen) || c.dev.state != DeviceSessionActive {
		return
	}

	if !c.streaming {
		c.streaming = true
		metrics.ObservePreviewStart("success")
		c.logger.Info().Str("event", "preview.started").Int64("frame", r.FrameNumber).Msg("プレビューを開始しました")
		c.events.OnPreviewStarted()
	}
	c.previewWait.resolve(struct{}{}, nil)

	if c.photo != nil {
		c.perform(c.negotiator.OnResult(r))
	}
}

func (c *Controller) stopPreview() {
	c.lifecycle = LifecyclePaused

	c.abortPhoto(ErrPreviewStopped)
	hadSession := c.dev.stopSession()
	wasStreaming := c.streaming
	c.resetPreviewState()
	c.previewWait.resolve(struct{}{}, ErrPreviewStopped)

	if hadSession || wasStreaming {
		c.logger.Info().Str("event", "preview.stopped").Msg("プレビューを停止しました")
		c.events.OnPreviewStopped()
	}
}

func (c *Controller) resetPreviewState() {
	c.streaming = false
	c.reader = nil
	c.photoSize = nil
	c.preview = nil
}

func (c *Controller) capturePhoto(cb PhotoCallback) error {
	if c.photo != nil || c.negotiator.State() != NegotiationPreview {
		metrics.ObservePhoto("rejected", time.Time{})
		return fmt.Errorf("撮影は既に進行中です (%s): %w", c.negotiator.State(), ErrCaptureInProgress)
	}
	if c.dev.state != DeviceSessionActive || c.dev.session == nil {
		metrics.ObservePhoto("rejected", time.Time{})
		return fmt.Errorf("プレビューが開始されていません: %w", ErrNoPhotoOutput)
	}
	if c.reader == nil {
		metrics.ObservePhoto("rejected", time.Time{})
		return fmt.Errorf("静止画出力が構成されていません: %w", ErrNoPhotoOutput)
	}

	action, err := c.negotiator.Start(c.dev.attrs.Facing)
	if err != nil {
		return err
	}

	c.photo = &photoJob{id: uuid.NewString(), cb: cb, started: time.Now()}
	c.reader.drain()
	c.logger.Info().
		Str("event", "photo.requested").
		Str("photo_id", c.photo.id).
		Str("next", action.String()).
		Msg("撮影を開始します")

	c.perform(action)
	return nil
}

// perform はネゴシエータが要求した操作をハードウェアに発行する
func (c *Controller) perform(action Action) {
	switch action {
	case ActionTriggerAutoFocus:
		c.submitControl(Request{
			Template:  TemplatePreview,
			Targets:   []FrameSink{c.target},
			AFMode:    AFModeContinuousPicture,
			AFTrigger: AFTriggerStart,
			FPS:       c.preview.FPS,
		})
	case ActionTriggerPrecapture:
		c.submitControl(Request{
			Template:  TemplatePreview,
			Targets:   []FrameSink{c.target},
			AFMode:    AFModeContinuousPicture,
			AETrigger: AETriggerStart,
			FPS:       c.preview.FPS,
		})
	case ActionCaptureStill:
		c.captureStill()
	}
}

func (c *Controller) submitControl(req Request) {
	gen, sgen, id := c.dev.generation, c.dev.sessionGen, c.photo.id

	err := c.dev.session.Capture(req, CaptureCallbacks{
		Completed: func(r CaptureResult) {
			c.post(func() { c.handleFrame(gen, sgen, r) })
		},
		Failed: func(e error) {
			c.post(func() { c.handlePhotoFailed(id, e) })
		},
	})
	if err != nil {
		c.finishPhoto(nil, fmt.Errorf("トリガー要求に失敗: %w: %w", ErrCapture, err))
	}
}

func (c *Controller) captureStill() {
	if c.negotiator.Forced() {
		metrics.AFLockForcedTotal.Inc()
		c.logger.Warn().
			Str("event", "photo.af_forced").
			Int("retries", c.negotiator.Retries()).
			Msg("AFロックを待ちきれないため撮影します")
	}

	attrs := c.dev.attrs
	id := c.photo.id
	req := Request{
		Template:        TemplateStillCapture,
		Targets:         []FrameSink{c.reader},
		AFMode:          AFModeContinuousPicture,
		JPEGOrientation: CaptureRotation(attrs.Facing, attrs.SensorOrientation, c.orientation.Rotation()),
	}

	err := c.dev.session.Capture(req, CaptureCallbacks{
		Completed: func(CaptureResult) {
			c.post(func() { c.handleStillCompleted(id) })
		},
		Failed: func(e error) {
			c.post(func() { c.handlePhotoFailed(id, e) })
		},
	})
	if err != nil {
		c.finishPhoto(nil, fmt.Errorf("静止画要求に失敗: %w: %w", ErrCapture, err))
	}
}

func (c *Controller) handleStillCompleted(id string) {
	if c.photo == nil || c.photo.id != id {
		return
	}
	if c.reader == nil {
		c.finishPhoto(nil, fmt.Errorf("静止画出力がありません: %w", ErrCapture))
		return
	}

	img, ok := c.reader.acquireLatest()
	if !ok {
		c.finishPhoto(nil, fmt.Errorf("静止画が届いていません: %w", ErrCapture))
		return
	}
	data := append([]byte(nil), img.Data...)
	img.Release()

	c.finishPhoto(data, nil)
}

func (c *Controller) handlePhotoFailed(id string, cause error) {
	if c.photo == nil || c.photo.id != id {
		return
	}
	c.finishPhoto(nil, fmt.Errorf("撮影に失敗: %w: %w", ErrCapture, cause))
}

// finishPhoto はAFトリガーを解除して Preview に戻し、コールバックを一度だけ呼ぶ
func (c *Controller) finishPhoto(data []byte, err error) {
	job := c.photo
	if job == nil {
		return
	}
	c.photo = nil

	if err != nil {
		metrics.ObservePhoto("error", job.started)
		c.logger.Error().Err(err).Str("event", "photo.failed").Str("photo_id", job.id).Msg("撮影に失敗しました")
	} else {
		metrics.ObservePhoto("success", job.started)
		c.logger.Info().
			Str("event", "photo.taken").
			Str("photo_id", job.id).
			Int("bytes", len(data)).
			Dur("elapsed", time.Since(job.started)).
			Msg("撮影しました")
	}

	if c.dev.state == DeviceSessionActive && c.dev.session != nil {
		cancel := Request{
			Template:  TemplatePreview,
			Targets:   []FrameSink{c.target},
			AFMode:    AFModeContinuousPicture,
			AFTrigger: AFTriggerCancel,
			FPS:       c.preview.FPS,
		}
		if err := c.dev.session.Capture(cancel, CaptureCallbacks{}); err != nil {
			c.logger.Warn().Err(err).Str("event", "photo.af_cancel_failed").Msg("AFトリガーの解除に失敗しました")
		}
	}

	c.negotiator.Complete()
	c.publish()
	job.cb(data, err)
}

// abortPhoto は進行中の撮影を失敗として終わらせる
func (c *Controller) abortPhoto(cause error) {
	job := c.photo
	if job == nil {
		return
	}
	c.photo = nil
	c.negotiator.Reset()
	c.publish()

	err := fmt.Errorf("撮影が中断されました: %w: %w", ErrCapture, cause)
	metrics.ObservePhoto("aborted", job.started)
	c.logger.Warn().Err(err).Str("event", "photo.aborted").Str("photo_id", job.id).Msg("撮影を中断しました")
	job.cb(nil, err)
}

// publish はスナップショットを更新する
func (c *Controller) publish() {
	snap := Snapshot{
		SessionID:   c.sessionID,
		Lifecycle:   c.lifecycle,
		Device:      c.dev.state,
		Negotiation: c.negotiator.State(),
		Facing:      c.facing,
		Rotation:    c.orientation.Rotation(),
	}
	if c.dev.attrs != nil {
		attrs := c.dev.attrs.clone()
		snap.Attributes = &attrs
	}
	if c.preview != nil {
		cfg := *c.preview
		snap.Preview = &cfg
	}
	if c.photoSize != nil {
		size := *c.photoSize
		snap.PhotoSize = &size
	}

	c.snapMu.Lock()
	c.snap = snap
	c.snapMu.Unlock()
}
