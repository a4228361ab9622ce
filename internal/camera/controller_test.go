package camera

import (
	"bytes"
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// recordingEvents は受け取った通知を記録する
type recordingEvents struct {
	mu     sync.Mutex
	events []string
	errs   []error
}

func (r *recordingEvents) add(name string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, name)
	if err != nil {
		r.errs = append(r.errs, err)
	}
}

func (r *recordingEvents) OnCameraOpened(Attributes) { r.add("opened", nil) }
func (r *recordingEvents) OnCameraClosed()           { r.add("closed", nil) }
func (r *recordingEvents) OnCameraError(err error)   { r.add("error", err) }
func (r *recordingEvents) OnPreviewStarted()         { r.add("preview_started", nil) }
func (r *recordingEvents) OnPreviewStopped()         { r.add("preview_stopped", nil) }
func (r *recordingEvents) OnPreviewError(err error)  { r.add("preview_error", err) }

func (r *recordingEvents) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e == name {
			n++
		}
	}
	return n
}

// fakeTarget はプレビュー出力先のテスト実装
type fakeTarget struct {
	mu     sync.Mutex
	cfg    *PreviewConfig
	frames int
}

func (f *fakeTarget) Configure(cfg PreviewConfig) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cfg = &cfg
}

func (f *fakeTarget) Consume(Frame) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames++
}

func (f *fakeTarget) config() *PreviewConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cfg
}

type fixture struct {
	hw     *MockHardware
	ctrl   *Controller
	events *recordingEvents
	target *fakeTarget
}

func newFixture(t *testing.T, opts MockOptions) *fixture {
	t.Helper()

	if opts.FrameInterval == 0 {
		opts.FrameInterval = 2 * time.Millisecond
	}
	hw := NewMockHardware(opts)
	events := &recordingEvents{}
	ctrl := NewController(hw, Options{Logger: zerolog.Nop(), Events: events})

	t.Cleanup(func() {
		ctrl.Shutdown()
		hw.Close()
	})

	return &fixture{hw: hw, ctrl: ctrl, events: events, target: &fakeTarget{}}
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestController_StartPreviewBeforeOpen(t *testing.T) {
	f := newFixture(t, MockOptions{})
	ctx := testContext(t)

	err := f.ctrl.StartPreview(ctx, f.target)
	require.ErrorIs(t, err, ErrPreviewStart)

	// ハードウェアには一切触れない
	assert.Empty(t, f.hw.Calls())
	assert.Nil(t, f.target.config())
}

func TestController_OpenFrontAndPreview(t *testing.T) {
	f := newFixture(t, MockOptions{})
	ctx := testContext(t)

	attrs, err := f.ctrl.Open(ctx, FacingFront)
	require.NoError(t, err)
	assert.Equal(t, FacingFront, attrs.Facing)
	assert.Equal(t, 270, attrs.SensorOrientation)

	snap := f.ctrl.Snapshot()
	assert.Equal(t, LifecycleStarted, snap.Lifecycle)
	assert.Equal(t, DeviceOpen, snap.Device)
	assert.NotEmpty(t, snap.SessionID)

	require.NoError(t, f.ctrl.StartPreview(ctx, f.target))

	cfg := f.target.config()
	require.NotNil(t, cfg)
	assert.Equal(t, 90, cfg.Rotation)
	assert.Equal(t, Size{Width: 1280, Height: 720}, cfg.StreamSize)
	assert.Equal(t, Size{Width: 720, Height: 1280}, cfg.BufferSize)
	assert.Equal(t, DefaultFPS, cfg.FPS)

	snap = f.ctrl.Snapshot()
	assert.Equal(t, LifecycleResumed, snap.Lifecycle)
	assert.Equal(t, DeviceSessionActive, snap.Device)
	assert.Equal(t, 1, f.events.count("opened"))
	assert.Equal(t, 1, f.events.count("preview_started"))
}

func TestController_OpenTwice(t *testing.T) {
	f := newFixture(t, MockOptions{})
	ctx := testContext(t)

	_, err := f.ctrl.Open(ctx, FacingBack)
	require.NoError(t, err)

	_, err = f.ctrl.Open(ctx, FacingFront)
	require.ErrorIs(t, err, ErrAlreadyOpen)
}

func TestController_OpenFailure(t *testing.T) {
	f := newFixture(t, MockOptions{OpenError: errors.New("busy")})
	ctx := testContext(t)

	_, err := f.ctrl.Open(ctx, FacingBack)
	require.ErrorIs(t, err, ErrDeviceUnavailable)

	assert.Equal(t, 1, f.events.count("error"))
	assert.Equal(t, DeviceClosed, f.ctrl.Snapshot().Device)

	// 失敗後は再度オープンを試せる
	_, err = f.ctrl.Open(ctx, FacingBack)
	require.ErrorIs(t, err, ErrDeviceUnavailable)
}

func TestController_OpenPendingRejected(t *testing.T) {
	f := newFixture(t, MockOptions{OpenHang: true})
	ctx := testContext(t)

	done := make(chan error, 1)
	go func() {
		_, err := f.ctrl.Open(ctx, FacingBack)
		done <- err
	}()
	require.Eventually(t, func() bool {
		return f.ctrl.Snapshot().Device == DeviceOpening
	}, time.Second, 2*time.Millisecond)

	// 応答のないオープンが残っている間は二重に開けない
	_, err := f.ctrl.Open(ctx, FacingBack)
	require.ErrorIs(t, err, ErrAlreadyOpen)

	require.NoError(t, f.ctrl.Close(ctx))
	require.ErrorIs(t, <-done, ErrDeviceClosed)
	assert.Equal(t, DeviceClosed, f.ctrl.Snapshot().Device)
	assert.Zero(t, f.events.count("closed"))
}

// delayedOpenHardware は Opened コールバックを遅らせて届ける
type delayedOpenHardware struct {
	*MockHardware
	delay     time.Duration
	delivered chan struct{}
}

func (h *delayedOpenHardware) OpenDevice(id string, callbacks DeviceCallbacks) error {
	opened := callbacks.Opened
	callbacks.Opened = func(d Device) {
		time.AfterFunc(h.delay, func() {
			opened(d)
			close(h.delivered)
		})
	}
	return h.MockHardware.OpenDevice(id, callbacks)
}

func TestController_OpenCancelledBeforeOpened(t *testing.T) {
	mock := NewMockHardware(MockOptions{FrameInterval: 2 * time.Millisecond})
	hw := &delayedOpenHardware{MockHardware: mock, delay: 100 * time.Millisecond, delivered: make(chan struct{})}
	events := &recordingEvents{}
	ctrl := NewController(hw, Options{Logger: zerolog.Nop(), Events: events})
	t.Cleanup(func() {
		ctrl.Shutdown()
		mock.Close()
	})
	ctx := testContext(t)

	shortCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err := ctrl.Open(shortCtx, FacingBack)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.Eventually(t, func() bool {
		return ctrl.Snapshot().Device == DeviceClosed
	}, time.Second, 2*time.Millisecond)

	select {
	case <-hw.delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("Opened が届きませんでした")
	}

	// 遅れて届いたデバイスは閉じられ、開いたことにはならない
	require.Eventually(t, func() bool {
		return slices.Contains(mock.Calls(), "CloseDevice")
	}, time.Second, 2*time.Millisecond)
	snap := ctrl.Snapshot()
	assert.Equal(t, DeviceClosed, snap.Device)
	assert.Equal(t, LifecycleStopped, snap.Lifecycle)
	assert.Zero(t, events.count("opened"))

	// 取り消し後は改めて開ける
	hw.delivered = make(chan struct{})
	_, err = ctrl.Open(ctx, FacingBack)
	require.NoError(t, err)
	assert.Equal(t, 1, events.count("opened"))
}

func TestController_DoubleClose(t *testing.T) {
	f := newFixture(t, MockOptions{})
	ctx := testContext(t)

	_, err := f.ctrl.Open(ctx, FacingBack)
	require.NoError(t, err)
	require.NoError(t, f.ctrl.StartPreview(ctx, f.target))

	require.NoError(t, f.ctrl.Close(ctx))
	require.NoError(t, f.ctrl.Close(ctx))

	assert.Equal(t, 1, f.events.count("closed"))
	snap := f.ctrl.Snapshot()
	assert.Equal(t, LifecycleStopped, snap.Lifecycle)
	assert.Equal(t, DeviceClosed, snap.Device)
	assert.Nil(t, snap.Attributes)
}

func TestController_StopPreviewIdempotent(t *testing.T) {
	f := newFixture(t, MockOptions{})
	ctx := testContext(t)

	_, err := f.ctrl.Open(ctx, FacingBack)
	require.NoError(t, err)
	require.NoError(t, f.ctrl.StartPreview(ctx, f.target))

	require.NoError(t, f.ctrl.StopPreview(ctx))
	require.NoError(t, f.ctrl.StopPreview(ctx))

	assert.Equal(t, 1, f.events.count("preview_stopped"))
	snap := f.ctrl.Snapshot()
	assert.Equal(t, LifecyclePaused, snap.Lifecycle)
	assert.Equal(t, DeviceOpen, snap.Device)

	// Paused ではプレビューを開始しない
	require.NoError(t, f.ctrl.StartPreview(ctx, f.target))
	assert.Equal(t, DeviceOpen, f.ctrl.Snapshot().Device)

	// レジュームで再開する
	require.NoError(t, f.ctrl.Resume(ctx, f.target))
	assert.Equal(t, DeviceSessionActive, f.ctrl.Snapshot().Device)
	assert.Equal(t, 2, f.events.count("preview_started"))
}

func TestController_ResumeWhileStopped(t *testing.T) {
	f := newFixture(t, MockOptions{})
	ctx := testContext(t)

	require.NoError(t, f.ctrl.Resume(ctx, f.target))
	assert.Empty(t, f.hw.Calls())
	assert.Equal(t, LifecycleStopped, f.ctrl.Snapshot().Lifecycle)
}

func TestController_ResumeAfterDisconnectKeepsLifecycle(t *testing.T) {
	f := newFixture(t, MockOptions{})
	ctx := testContext(t)

	_, err := f.ctrl.Open(ctx, FacingBack)
	require.NoError(t, err)
	require.NoError(t, f.ctrl.StartPreview(ctx, f.target))
	require.NoError(t, f.ctrl.Pause(ctx))
	require.Equal(t, LifecyclePaused, f.ctrl.Snapshot().Lifecycle)

	f.hw.Disconnect()
	require.Eventually(t, func() bool {
		return f.ctrl.Snapshot().Device == DeviceClosed
	}, time.Second, 5*time.Millisecond)

	err = f.ctrl.Resume(ctx, f.target)
	require.ErrorIs(t, err, ErrPreviewStart)
	assert.Equal(t, LifecyclePaused, f.ctrl.Snapshot().Lifecycle)
}

func TestController_Disconnect(t *testing.T) {
	f := newFixture(t, MockOptions{})
	ctx := testContext(t)

	_, err := f.ctrl.Open(ctx, FacingBack)
	require.NoError(t, err)
	require.NoError(t, f.ctrl.StartPreview(ctx, f.target))

	f.hw.Disconnect()

	require.Eventually(t, func() bool {
		return f.ctrl.Snapshot().Device == DeviceClosed
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, f.events.count("error"))

	// 切断後の Close は通知を増やさない
	require.NoError(t, f.ctrl.Close(ctx))
	assert.Zero(t, f.events.count("closed"))

	// 再オープンできる
	_, err = f.ctrl.Open(ctx, FacingBack)
	require.NoError(t, err)
}

func TestController_ConfigureFailure(t *testing.T) {
	f := newFixture(t, MockOptions{ConfigureError: errors.New("unsupported stream")})
	ctx := testContext(t)

	_, err := f.ctrl.Open(ctx, FacingBack)
	require.NoError(t, err)

	err = f.ctrl.StartPreview(ctx, f.target)
	require.ErrorIs(t, err, ErrSessionConfigure)
	assert.Equal(t, 1, f.events.count("preview_error"))
	assert.Equal(t, DeviceOpen, f.ctrl.Snapshot().Device)
}

func TestController_CaptureFront(t *testing.T) {
	f := newFixture(t, MockOptions{})
	ctx := testContext(t)

	_, err := f.ctrl.Open(ctx, FacingFront)
	require.NoError(t, err)
	require.NoError(t, f.ctrl.SetPhotoSize(ctx, Size{Width: 720, Height: 1280}))
	require.NoError(t, f.ctrl.StartPreview(ctx, f.target))

	snap := f.ctrl.Snapshot()
	require.NotNil(t, snap.PhotoSize)
	assert.Equal(t, Size{Width: 1280, Height: 720}, *snap.PhotoSize)

	f.ctrl.Orientation().Update(90)
	data, err := f.ctrl.TakePhoto(ctx)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte{0xFF, 0xD8}), "JPEGではありません")

	var still *Request
	for _, req := range f.hw.Requests() {
		if req.Template == TemplateStillCapture {
			still = &req
		}
	}
	require.NotNil(t, still)
	// 撮影時点の回転角 270 で計算する
	assert.Equal(t, CaptureRotation(FacingFront, 270, 270), still.JPEGOrientation)

	assert.Equal(t, NegotiationPreview, f.ctrl.Snapshot().Negotiation)
}

func TestController_CaptureBackNegotiates(t *testing.T) {
	f := newFixture(t, MockOptions{})
	ctx := testContext(t)

	_, err := f.ctrl.Open(ctx, FacingBack)
	require.NoError(t, err)
	require.NoError(t, f.ctrl.SetPhotoSize(ctx, Size{Width: 3000, Height: 4000}))
	require.NoError(t, f.ctrl.StartPreview(ctx, f.target))

	data, err := f.ctrl.TakePhoto(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, data)

	var triggers []string
	for _, req := range f.hw.Requests() {
		switch {
		case req.AFTrigger == AFTriggerStart:
			triggers = append(triggers, "af")
		case req.AETrigger == AETriggerStart:
			triggers = append(triggers, "ae")
		case req.Template == TemplateStillCapture:
			triggers = append(triggers, "still")
		case req.AFTrigger == AFTriggerCancel:
			triggers = append(triggers, "cancel")
		}
	}
	assert.Equal(t, []string{"af", "ae", "still", "cancel"}, triggers)

	// 続けて撮影できる
	_, err = f.ctrl.TakePhoto(ctx)
	require.NoError(t, err)
}

func TestController_CaptureForcedWhenFocusNeverLocks(t *testing.T) {
	cams := DefaultMockCameras()
	cams[1].NeverLocks = true
	f := newFixture(t, MockOptions{Cameras: cams})
	ctx := testContext(t)

	_, err := f.ctrl.Open(ctx, FacingBack)
	require.NoError(t, err)
	require.NoError(t, f.ctrl.SetPhotoSize(ctx, Size{Width: 640, Height: 480}))
	require.NoError(t, f.ctrl.StartPreview(ctx, f.target))

	data, err := f.ctrl.TakePhoto(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, data)
}

func TestController_CaptureWithoutPhotoOutput(t *testing.T) {
	f := newFixture(t, MockOptions{})
	ctx := testContext(t)

	_, err := f.ctrl.TakePhoto(ctx)
	require.ErrorIs(t, err, ErrNoPhotoOutput)

	_, err = f.ctrl.Open(ctx, FacingFront)
	require.NoError(t, err)
	require.NoError(t, f.ctrl.StartPreview(ctx, f.target))

	_, err = f.ctrl.TakePhoto(ctx)
	require.ErrorIs(t, err, ErrNoPhotoOutput)
}

func TestController_CaptureInProgress(t *testing.T) {
	cams := DefaultMockCameras()
	cams[1].NeverLocks = true
	// フレームを手動で進めてネゴシエーション途中で止める
	hw := NewMockHardware(MockOptions{Cameras: cams})
	events := &recordingEvents{}
	ctrl := NewController(hw, Options{Logger: zerolog.Nop(), Events: events})
	defer hw.Close()
	defer ctrl.Shutdown()

	ctx := testContext(t)
	_, err := ctrl.Open(ctx, FacingBack)
	require.NoError(t, err)
	require.NoError(t, ctrl.SetPhotoSize(ctx, Size{Width: 640, Height: 480}))

	previewDone := make(chan error, 1)
	go func() { previewDone <- ctrl.StartPreview(ctx, &fakeTarget{}) }()
	require.Eventually(t, func() bool {
		return ctrl.Snapshot().Device == DeviceSessionActive
	}, time.Second, time.Millisecond)
	hw.EmitFrame()
	require.NoError(t, <-previewDone)

	results := make(chan error, 2)
	require.NoError(t, ctrl.CapturePhoto(ctx, func(_ []byte, err error) { results <- err }))

	err = ctrl.CapturePhoto(ctx, func([]byte, error) {})
	require.ErrorIs(t, err, ErrCaptureInProgress)

	// プレビュー停止で撮影は失敗として終わる
	require.NoError(t, ctrl.StopPreview(ctx))
	select {
	case err := <-results:
		require.ErrorIs(t, err, ErrCapture)
	case <-ctx.Done():
		t.Fatal("撮影コールバックが呼ばれませんでした")
	}
	assert.Equal(t, NegotiationPreview, ctrl.Snapshot().Negotiation)
}

func TestController_StillFailure(t *testing.T) {
	f := newFixture(t, MockOptions{StillError: errors.New("sensor timeout")})
	ctx := testContext(t)

	_, err := f.ctrl.Open(ctx, FacingFront)
	require.NoError(t, err)
	require.NoError(t, f.ctrl.SetPhotoSize(ctx, Size{Width: 640, Height: 480}))
	require.NoError(t, f.ctrl.StartPreview(ctx, f.target))

	_, err = f.ctrl.TakePhoto(ctx)
	require.ErrorIs(t, err, ErrCapture)
	assert.Equal(t, NegotiationPreview, f.ctrl.Snapshot().Negotiation)
}

func TestController_PreviewPendingRejected(t *testing.T) {
	hw := NewMockHardware(MockOptions{})
	ctrl := NewController(hw, Options{Logger: zerolog.Nop()})
	defer hw.Close()
	defer ctrl.Shutdown()

	ctx := testContext(t)
	_, err := ctrl.Open(ctx, FacingBack)
	require.NoError(t, err)

	first := make(chan error, 1)
	go func() { first <- ctrl.StartPreview(ctx, &fakeTarget{}) }()
	require.Eventually(t, func() bool {
		return ctrl.Snapshot().Device == DeviceSessionActive
	}, time.Second, time.Millisecond)

	err = ctrl.StartPreview(ctx, &fakeTarget{})
	require.ErrorIs(t, err, ErrOperationPending)

	hw.EmitFrame()
	require.NoError(t, <-first)
}

func TestController_CloseReleasesPreviewWaiter(t *testing.T) {
	hw := NewMockHardware(MockOptions{})
	ctrl := NewController(hw, Options{Logger: zerolog.Nop()})
	defer hw.Close()
	defer ctrl.Shutdown()

	ctx := testContext(t)
	_, err := ctrl.Open(ctx, FacingBack)
	require.NoError(t, err)

	waiting := make(chan error, 1)
	go func() { waiting <- ctrl.StartPreview(ctx, &fakeTarget{}) }()
	require.Eventually(t, func() bool {
		return ctrl.Snapshot().Device == DeviceSessionActive
	}, time.Second, time.Millisecond)

	require.NoError(t, ctrl.Close(ctx))
	require.ErrorIs(t, <-waiting, ErrDeviceClosed)
}

func TestController_Shutdown(t *testing.T) {
	hw := NewMockHardware(MockOptions{FrameInterval: 2 * time.Millisecond})
	events := &recordingEvents{}
	ctrl := NewController(hw, Options{Logger: zerolog.Nop(), Events: events})
	defer hw.Close()

	ctx := testContext(t)
	_, err := ctrl.Open(ctx, FacingBack)
	require.NoError(t, err)

	ctrl.Shutdown()
	ctrl.Shutdown()
	assert.Equal(t, 1, events.count("closed"))

	_, err = ctrl.Open(ctx, FacingBack)
	require.ErrorIs(t, err, ErrShutdown)
}

func TestController_SetPhotoSizeReconfiguresLiveSession(t *testing.T) {
	f := newFixture(t, MockOptions{})
	ctx := testContext(t)

	_, err := f.ctrl.Open(ctx, FacingBack)
	require.NoError(t, err)
	require.NoError(t, f.ctrl.StartPreview(ctx, f.target))
	assert.Nil(t, f.ctrl.Snapshot().PhotoSize)

	require.NoError(t, f.ctrl.SetPhotoSize(ctx, Size{Width: 720, Height: 1280}))

	require.Eventually(t, func() bool {
		snap := f.ctrl.Snapshot()
		return snap.Device == DeviceSessionActive && snap.PhotoSize != nil
	}, time.Second, 5*time.Millisecond)

	sessions := 0
	for _, call := range f.hw.Calls() {
		if call == "CreateSession" {
			sessions++
		}
	}
	assert.Equal(t, 2, sessions)

	_, err = f.ctrl.TakePhoto(ctx)
	require.NoError(t, err)
}

func TestController_SetPhotoSizeInvalid(t *testing.T) {
	f := newFixture(t, MockOptions{})
	err := f.ctrl.SetPhotoSize(testContext(t), Size{})
	assert.Error(t, err)
}
