// Package v4l2 はLinuxのV4L2デバイスを camera.Hardware として扱うバックエンド
//
// # 仕様
//   - ストリームは ffmpeg で MJPEG を連続出力し、JPEGのSOI/EOIで分割する
//   - 静止画はストリーム中の最新フレームを使う。ストリームがなければ ffmpeg で1枚撮る
//   - UVCカメラはAF/AEのメタデータを持たないため、結果は常に「報告なし」となる
//   - デバイスノードの出現を fsnotify で待ってからオープンし、消えたら切断を通知する
//
// # 前提要件
//   - v4l-utils: サイズ一覧とカメラ名の取得に使用
//   - ffmpeg: 画像キャプチャとストリーミングに使用
//   - videoグループへの参加: デバイスアクセス権限
package v4l2

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"kagami/internal/camera"
)

const (
	defaultOpenTimeout  = 10 * time.Second
	defaultFrameTimeout = 3 * time.Second
	defaultFPS          = 30
	resultBuffer        = 8
)

var defaultSizes = []camera.Size{
	{Width: 640, Height: 480},
	{Width: 1280, Height: 720},
}

// DeviceConfig は1台のV4L2デバイスの設定
type DeviceConfig struct {
	ID                string
	Facing            camera.Facing
	Path              string
	SensorOrientation int
	Sizes             []camera.Size // 空なら v4l2-ctl で問い合わせる
}

// Options はHardwareの設定
type Options struct {
	Devices     []DeviceConfig
	OpenTimeout time.Duration
	Logger      zerolog.Logger

	// Stream と Still はテストで差し替える
	Stream CommandFunc
	Still  CommandFunc
}

// Hardware はV4L2デバイス群の camera.Hardware 実装
type Hardware struct {
	opts      Options
	discovery *Discovery
	logger    zerolog.Logger

	mu      sync.Mutex
	devices []DeviceConfig

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New は新しいHardwareを作成する
func New(opts Options) *Hardware {
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = defaultOpenTimeout
	}
	if opts.Stream == nil {
		opts.Stream = FFmpegStream
	}
	if opts.Still == nil {
		opts.Still = FFmpegStill
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Hardware{
		opts:      opts,
		discovery: NewDiscovery(),
		logger:    opts.Logger.With().Str("component", "v4l2").Logger(),
		devices:   append([]DeviceConfig(nil), opts.Devices...),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Close はバックグラウンドの処理を全て止める
func (h *Hardware) Close() {
	h.cancel()
	h.wg.Wait()
}

// FindCamera は指定した向きのデバイスIDを返す
// 設定がない場合は最初に見つかったデバイスをアウトカメラとみなす
func (h *Hardware) FindCamera(facing camera.Facing) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.devices) == 0 {
		ctx, cancel := context.WithTimeout(h.ctx, 5*time.Second)
		defer cancel()

		found, err := h.discovery.ScanDevices(ctx)
		if err != nil {
			return "", err
		}
		if len(found) > 0 {
			h.devices = append(h.devices, DeviceConfig{
				ID:     found[0],
				Facing: camera.FacingBack,
				Path:   found[0],
			})
			h.logger.Info().Str("device", found[0]).Msg("V4L2デバイスを検出しました")
		}
	}

	for _, d := range h.devices {
		if d.Facing == facing {
			return d.ID, nil
		}
	}
	return "", fmt.Errorf("%s カメラが設定されていません", facing)
}

// Characteristics はデバイスの特性を返す
func (h *Hardware) Characteristics(id string) (camera.Characteristics, error) {
	cfg, ok := h.device(id)
	if !ok {
		return camera.Characteristics{}, fmt.Errorf("不明なカメラID: %s", id)
	}

	sizes := cfg.Sizes
	if len(sizes) == 0 {
		ctx, cancel := context.WithTimeout(h.ctx, 5*time.Second)
		defer cancel()

		listed, err := h.discovery.ListSizes(ctx, cfg.Path)
		if err != nil {
			h.logger.Warn().Err(err).Str("device", cfg.Path).Msg("サイズ一覧を取得できないため既定値を使います")
			listed = defaultSizes
		}
		sizes = listed
	}

	return camera.Characteristics{
		Facing:            cfg.Facing,
		SensorOrientation: cfg.SensorOrientation,
		PreviewSizes:      append([]camera.Size(nil), sizes...),
		PhotoSizes:        append([]camera.Size(nil), sizes...),
	}, nil
}

// OpenDevice はデバイスノードの出現を待ってからオープンを通知する
func (h *Hardware) OpenDevice(id string, callbacks camera.DeviceCallbacks) error {
	cfg, ok := h.device(id)
	if !ok {
		return fmt.Errorf("不明なカメラID: %s", id)
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()

		ctx, cancel := context.WithTimeout(h.ctx, h.opts.OpenTimeout)
		defer cancel()

		if err := waitForDevice(ctx, cfg.Path); err != nil {
			callbacks.Error(nil, err)
			return
		}
		if err := openable(cfg.Path); err != nil {
			callbacks.Error(nil, fmt.Errorf("デバイス %s を開けません: %w", cfg.Path, err))
			return
		}

		d := newDevice(h, cfg, callbacks)
		h.logger.Info().Str("device", cfg.Path).Msg("デバイスを開きました")
		callbacks.Opened(d)
	}()

	return nil
}

func (h *Hardware) device(id string) (DeviceConfig, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, d := range h.devices {
		if d.ID == id {
			return d, true
		}
	}
	return DeviceConfig{}, false
}

// goAsync はコールバックを呼び出し元と別のゴルーチンで実行する
func (h *Hardware) goAsync(fn func()) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		fn()
	}()
}

type device struct {
	hw        *Hardware
	cfg       DeviceConfig
	callbacks camera.DeviceCallbacks

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	session *session
	lost    bool
}

func newDevice(h *Hardware, cfg DeviceConfig, callbacks camera.DeviceCallbacks) *device {
	ctx, cancel := context.WithCancel(h.ctx)
	d := &device{hw: h, cfg: cfg, callbacks: callbacks, ctx: ctx, cancel: cancel}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		err := watchRemoval(ctx, cfg.Path, func() {
			d.fail(nil)
		})
		if err != nil {
			h.logger.Warn().Err(err).Str("device", cfg.Path).Msg("デバイスの監視に失敗しました")
		}
	}()

	return d
}

func (d *device) ID() string {
	return d.cfg.ID
}

func (d *device) CreateSession(outputs []camera.FrameSink, callbacks camera.SessionCallbacks) error {
	if d.ctx.Err() != nil {
		return errors.New("デバイスは閉じられています")
	}
	if len(outputs) == 0 {
		d.hw.goAsync(func() { callbacks.ConfigureFailed(errors.New("出力先がありません")) })
		return nil
	}

	s := &session{device: d, outputs: outputs, callbacks: callbacks}

	d.mu.Lock()
	old := d.session
	d.session = s
	d.mu.Unlock()
	if old != nil {
		old.stopStream()
	}

	d.hw.goAsync(func() { callbacks.Configured(s) })
	return nil
}

func (d *device) Close() error {
	d.cancel()

	d.mu.Lock()
	s := d.session
	d.session = nil
	d.mu.Unlock()

	if s != nil {
		s.stopStream()
	}
	return nil
}

// fail はデバイスの喪失を一度だけ通知する。err が nil なら切断とみなす
func (d *device) fail(err error) {
	d.mu.Lock()
	if d.lost || d.ctx.Err() != nil {
		d.mu.Unlock()
		return
	}
	d.lost = true
	d.mu.Unlock()

	if err == nil {
		d.hw.logger.Warn().Str("device", d.cfg.Path).Msg("デバイスが取り外されました")
		d.hw.goAsync(func() { d.callbacks.Disconnected(d) })
		return
	}
	d.hw.logger.Error().Err(err).Str("device", d.cfg.Path).Msg("デバイスでエラーが発生しました")
	d.hw.goAsync(func() { d.callbacks.Error(d, err) })
}

type session struct {
	device    *device
	outputs   []camera.FrameSink
	callbacks camera.SessionCallbacks

	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	latest   *camera.Frame
	frameNo  int64
	closed   bool
	newFrame chan struct{}
}

func (s *session) SetRepeatingRequest(req camera.Request, callbacks camera.CaptureCallbacks) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("セッションは閉じられています")
	}
	s.mu.Unlock()

	s.stopStream()

	size := streamSize(req.Targets)
	fps := req.FPS
	if fps <= 0 {
		fps = defaultFPS
	}

	ctx, cancel := context.WithCancel(s.device.ctx)
	done := make(chan struct{})

	s.mu.Lock()
	s.cancel = cancel
	s.done = done
	s.newFrame = make(chan struct{})
	s.mu.Unlock()

	cmd := s.device.hw.opts.Stream(ctx, s.device.cfg.Path, size, fps)
	targets := append([]camera.FrameSink(nil), req.Targets...)

	s.device.hw.logger.Info().
		Str("device", s.device.cfg.Path).
		Str("size", size.String()).
		Int("fps", fps).
		Msg("ストリームを開始します")

	// 結果の通知は別ゴルーチンで行い、読み取り側は決してブロックしない
	results := make(chan camera.CaptureResult, resultBuffer)
	s.device.hw.wg.Add(2)
	go func() {
		defer s.device.hw.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case r := <-results:
				if callbacks.Completed != nil {
					callbacks.Completed(r)
				}
			}
		}
	}()
	go func() {
		defer s.device.hw.wg.Done()
		defer close(done)

		err := readFrames(ctx, cmd, func(data []byte) {
			frame := camera.Frame{Data: data, Size: size, Timestamp: time.Now()}
			for _, t := range targets {
				t.Consume(frame)
			}
			select {
			case results <- camera.CaptureResult{FrameNumber: s.storeFrame(frame)}:
			default:
			}
		})
		if err != nil {
			s.device.fail(err)
		}
	}()

	return nil
}

func (s *session) Capture(req camera.Request, callbacks camera.CaptureCallbacks) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("セッションは閉じられています")
	}
	s.mu.Unlock()

	if req.Template != camera.TemplateStillCapture {
		// トリガー要求。UVCにはAF/AEがないため結果だけ返す
		if callbacks.Completed != nil {
			n := s.nextFrameNumber()
			s.device.hw.goAsync(func() { callbacks.Completed(camera.CaptureResult{FrameNumber: n}) })
		}
		return nil
	}

	targets := append([]camera.FrameSink(nil), req.Targets...)
	s.device.hw.goAsync(func() {
		frame, err := s.still(streamSize(targets))
		if err != nil {
			if callbacks.Failed != nil {
				callbacks.Failed(err)
			}
			return
		}
		for _, t := range targets {
			t.Consume(frame)
		}
		if callbacks.Completed != nil {
			callbacks.Completed(camera.CaptureResult{FrameNumber: s.nextFrameNumber()})
		}
	})
	return nil
}

// still はストリーム中なら次のフレームをストリームのサイズのまま返す
// ストリームがなければ size で1枚撮影する
func (s *session) still(size camera.Size) (camera.Frame, error) {
	s.mu.Lock()
	streaming := s.cancel != nil
	wait := s.newFrame
	s.mu.Unlock()

	if !streaming {
		ctx, cancel := context.WithTimeout(s.device.ctx, defaultFrameTimeout*2)
		defer cancel()

		data, err := captureStill(s.device.hw.opts.Still(ctx, s.device.cfg.Path, size, 0))
		if err != nil {
			return camera.Frame{}, err
		}
		return camera.Frame{Data: data, Size: size, Timestamp: time.Now()}, nil
	}

	select {
	case <-wait:
	case <-time.After(defaultFrameTimeout):
		return camera.Frame{}, errors.New("フレームがまだ取得されていません")
	case <-s.device.ctx.Done():
		return camera.Frame{}, errors.New("デバイスは閉じられています")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latest == nil {
		return camera.Frame{}, errors.New("フレームがまだ取得されていません")
	}
	frame := *s.latest
	frame.Data = append([]byte(nil), s.latest.Data...)
	return frame, nil
}

func (s *session) storeFrame(frame camera.Frame) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.latest = &frame
	s.frameNo++
	if s.newFrame != nil {
		close(s.newFrame)
		s.newFrame = make(chan struct{})
	}
	return s.frameNo
}

func (s *session) nextFrameNumber() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frameNo++
	return s.frameNo
}

func (s *session) StopRepeating() error {
	s.stopStream()
	return nil
}

func (s *session) AbortCaptures() error {
	return nil
}

func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.stopStream()
	if s.callbacks.Closed != nil {
		s.device.hw.goAsync(func() { s.callbacks.Closed(s) })
	}
	return nil
}

func (s *session) stopStream() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// streamSize は出力先が要求するサイズを返す
func streamSize(targets []camera.FrameSink) camera.Size {
	for _, t := range targets {
		if sized, ok := t.(camera.SizedSink); ok && !sized.FrameSize().IsZero() {
			return sized.FrameSize()
		}
	}
	return defaultSizes[0]
}
