package camera

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"sync"
	"time"
)

// MockCamera はMockHardwareが公開するカメラ1台分の設定
type MockCamera struct {
	ID                string
	Facing            Facing
	SensorOrientation int
	PreviewSizes      []Size
	PhotoSizes        []Size

	// AutoFocus が false ならAF状態を Inactive として報告する
	AutoFocus bool
	// NeverLocks が true ならAFトリガー後も走査中のまま報告し続ける
	NeverLocks bool
}

// MockOptions はMockHardwareの動作設定
type MockOptions struct {
	Cameras []MockCamera

	// FrameInterval はプレビューフレームの間隔。0なら EmitFrame を呼ぶまで出力しない
	FrameInterval time.Duration

	// OpenError を設定するとオープン要求がエラーコールバックで失敗する
	OpenError error
	// OpenHang が true ならオープン要求に応答しない
	OpenHang bool
	// ConfigureError を設定するとセッション構成が失敗する
	ConfigureError error
	// StillError を設定すると静止画撮影が失敗する
	StillError error
}

// DefaultMockCameras はインカメラとアウトカメラを1台ずつ返す
func DefaultMockCameras() []MockCamera {
	sizes := []Size{
		{Width: 640, Height: 480},
		{Width: 1280, Height: 720},
		{Width: 1920, Height: 1080},
	}
	return []MockCamera{
		{
			ID:                "mock-front",
			Facing:            FacingFront,
			SensorOrientation: 270,
			PreviewSizes:      sizes,
			PhotoSizes:        sizes,
			AutoFocus:         false,
		},
		{
			ID:                "mock-back",
			Facing:            FacingBack,
			SensorOrientation: 90,
			PreviewSizes:      sizes,
			PhotoSizes:        append(append([]Size(nil), sizes...), Size{Width: 4032, Height: 3024}),
			AutoFocus:         true,
		},
	}
}

// MockHardware はテストと mock バックエンド用のHardware実装
// コールバックは専用のゴルーチンから順番に配信する
type MockHardware struct {
	opts MockOptions

	mu       sync.Mutex
	calls    []string
	requests []Request
	device   *mockDevice
	frameNo  int64
	jpegs    map[Size][]byte

	queue  []func()
	notify chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
	closed bool
}

// NewMockHardware は新しいMockHardwareを作成する
func NewMockHardware(opts MockOptions) *MockHardware {
	if len(opts.Cameras) == 0 {
		opts.Cameras = DefaultMockCameras()
	}

	m := &MockHardware{
		opts:   opts,
		jpegs:  make(map[Size][]byte),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	m.wg.Add(1)
	go m.dispatchLoop()

	return m
}

// Calls は呼び出されたハードウェア操作の名前を順に返す
func (m *MockHardware) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// Requests は発行された単発リクエストを順に返す
func (m *MockHardware) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.requests...)
}

// FindCamera は指定した向きのカメラIDを返す
func (m *MockHardware) FindCamera(facing Facing) (string, error) {
	m.record("FindCamera")
	for _, cam := range m.opts.Cameras {
		if cam.Facing == facing {
			return cam.ID, nil
		}
	}
	return "", fmt.Errorf("%s カメラがありません", facing)
}

// Characteristics はカメラ特性を返す
func (m *MockHardware) Characteristics(id string) (Characteristics, error) {
	m.record("Characteristics")
	cam, ok := m.camera(id)
	if !ok {
		return Characteristics{}, fmt.Errorf("不明なカメラID: %s", id)
	}
	return Characteristics{
		Facing:            cam.Facing,
		SensorOrientation: cam.SensorOrientation,
		PreviewSizes:      append([]Size(nil), cam.PreviewSizes...),
		PhotoSizes:        append([]Size(nil), cam.PhotoSizes...),
	}, nil
}

// OpenDevice はデバイスのオープンを非同期に完了させる
func (m *MockHardware) OpenDevice(id string, callbacks DeviceCallbacks) error {
	m.record("OpenDevice")
	cam, ok := m.camera(id)
	if !ok {
		return fmt.Errorf("不明なカメラID: %s", id)
	}

	d := &mockDevice{hw: m, cam: cam, callbacks: callbacks}

	switch {
	case m.opts.OpenHang:
		return nil
	case m.opts.OpenError != nil:
		err := m.opts.OpenError
		m.dispatch(func() { callbacks.Error(d, err) })
		return nil
	}

	m.mu.Lock()
	m.device = d
	m.mu.Unlock()

	m.dispatch(func() { callbacks.Opened(d) })
	return nil
}

// Disconnect は開いているデバイスの切断を通知する
func (m *MockHardware) Disconnect() {
	m.mu.Lock()
	d := m.device
	m.mu.Unlock()
	if d == nil {
		return
	}

	d.stopSessions()
	m.dispatch(func() { d.callbacks.Disconnected(d) })
}

// EmitFrame は稼働中の繰り返しリクエストに1フレーム出力させる
func (m *MockHardware) EmitFrame() {
	m.mu.Lock()
	d := m.device
	m.mu.Unlock()
	if d == nil {
		return
	}

	d.mu.Lock()
	s := d.session
	d.mu.Unlock()
	if s != nil {
		s.emitRepeating()
	}
}

// Close は全てのゴルーチンを停止する
func (m *MockHardware) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	d := m.device
	m.mu.Unlock()

	if d != nil {
		d.stopSessions()
	}
	close(m.done)
	m.wg.Wait()
}

func (m *MockHardware) camera(id string) (MockCamera, bool) {
	for _, cam := range m.opts.Cameras {
		if cam.ID == id {
			return cam, true
		}
	}
	return MockCamera{}, false
}

func (m *MockHardware) record(call string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)
}

func (m *MockHardware) nextFrameNumber() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frameNo++
	return m.frameNo
}

// dispatch はコールバックを配信キューに積む。呼び出し元をブロックしない
func (m *MockHardware) dispatch(fn func()) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.queue = append(m.queue, fn)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *MockHardware) dispatchLoop() {
	defer m.wg.Done()

	for {
		select {
		case <-m.done:
			return
		case <-m.notify:
		}

		for {
			m.mu.Lock()
			if len(m.queue) == 0 || m.closed {
				m.mu.Unlock()
				break
			}
			fn := m.queue[0]
			m.queue = m.queue[1:]
			m.mu.Unlock()

			fn()
		}
	}
}

// testPattern はサイズごとにキャッシュしたテストパターンのJPEGを返す
func (m *MockHardware) testPattern(size Size) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	if data, ok := m.jpegs[size]; ok {
		return data
	}

	img := image.NewRGBA(image.Rect(0, 0, size.Width, size.Height))
	bands := []color.RGBA{
		{R: 0xff, G: 0xff, B: 0xff, A: 0xff},
		{R: 0xff, G: 0xff, B: 0x00, A: 0xff},
		{R: 0x00, G: 0xff, B: 0xff, A: 0xff},
		{R: 0x00, G: 0xff, B: 0x00, A: 0xff},
		{R: 0xff, G: 0x00, B: 0xff, A: 0xff},
		{R: 0xff, G: 0x00, B: 0x00, A: 0xff},
		{R: 0x00, G: 0x00, B: 0xff, A: 0xff},
	}
	for x := 0; x < size.Width; x++ {
		c := bands[x*len(bands)/size.Width]
		for y := 0; y < size.Height; y++ {
			img.SetRGBA(x, y, c)
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 60}); err != nil {
		return nil
	}
	m.jpegs[size] = buf.Bytes()
	return m.jpegs[size]
}

type mockDevice struct {
	hw        *MockHardware
	cam       MockCamera
	callbacks DeviceCallbacks

	mu      sync.Mutex
	session *mockSession
	closed  bool
}

func (d *mockDevice) ID() string {
	return d.cam.ID
}

func (d *mockDevice) CreateSession(outputs []FrameSink, callbacks SessionCallbacks) error {
	d.hw.record("CreateSession")

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return errors.New("デバイスは閉じられています")
	}
	d.mu.Unlock()

	if err := d.hw.opts.ConfigureError; err != nil {
		d.hw.dispatch(func() { callbacks.ConfigureFailed(err) })
		return nil
	}

	s := &mockSession{device: d, outputs: outputs, callbacks: callbacks}
	d.mu.Lock()
	d.session = s
	d.mu.Unlock()

	d.hw.dispatch(func() { callbacks.Configured(s) })
	return nil
}

func (d *mockDevice) Close() error {
	d.hw.record("CloseDevice")
	d.stopSessions()

	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	d.hw.mu.Lock()
	if d.hw.device == d {
		d.hw.device = nil
	}
	d.hw.mu.Unlock()
	return nil
}

func (d *mockDevice) stopSessions() {
	d.mu.Lock()
	s := d.session
	d.session = nil
	d.mu.Unlock()

	if s != nil {
		s.stopTicker()
	}
}

type mockSession struct {
	device    *mockDevice
	outputs   []FrameSink
	callbacks SessionCallbacks

	mu        sync.Mutex
	repeating *Request
	repeatCB  CaptureCallbacks
	scanLeft  int
	afLocked  bool
	aeLeft    int
	closed    bool
	stop      chan struct{}
	wg        sync.WaitGroup
}

func (s *mockSession) SetRepeatingRequest(req Request, callbacks CaptureCallbacks) error {
	s.device.hw.record("SetRepeatingRequest")

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("セッションは閉じられています")
	}
	s.repeating = &req
	s.repeatCB = callbacks
	s.mu.Unlock()

	if interval := s.device.hw.opts.FrameInterval; interval > 0 {
		s.startTicker(interval)
	}
	return nil
}

func (s *mockSession) Capture(req Request, callbacks CaptureCallbacks) error {
	hw := s.device.hw
	hw.record("Capture")
	hw.mu.Lock()
	hw.requests = append(hw.requests, req)
	hw.mu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("セッションは閉じられています")
	}
	switch req.AFTrigger {
	case AFTriggerStart:
		s.scanLeft = 1
		s.afLocked = false
	case AFTriggerCancel:
		s.scanLeft = 0
		s.afLocked = false
	}
	if req.AETrigger == AETriggerStart {
		s.aeLeft = 2
	}
	s.mu.Unlock()

	if req.Template == TemplateStillCapture {
		if err := hw.opts.StillError; err != nil {
			if callbacks.Failed != nil {
				hw.dispatch(func() { callbacks.Failed(err) })
			}
			return nil
		}
	}

	s.emit(req, callbacks)
	return nil
}

func (s *mockSession) StopRepeating() error {
	s.device.hw.record("StopRepeating")
	s.stopTicker()
	s.mu.Lock()
	s.repeating = nil
	s.mu.Unlock()
	return nil
}

func (s *mockSession) AbortCaptures() error {
	s.device.hw.record("AbortCaptures")
	return nil
}

func (s *mockSession) Close() error {
	s.device.hw.record("CloseSession")
	s.stopTicker()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.device.mu.Lock()
	if s.device.session == s {
		s.device.session = nil
	}
	s.device.mu.Unlock()

	if s.callbacks.Closed != nil {
		s.device.hw.dispatch(func() { s.callbacks.Closed(s) })
	}
	return nil
}

func (s *mockSession) startTicker(interval time.Duration) {
	s.mu.Lock()
	if s.stop != nil {
		s.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	s.stop = stop
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.emitRepeating()
			}
		}
	}()
}

func (s *mockSession) stopTicker() {
	s.mu.Lock()
	stop := s.stop
	s.stop = nil
	s.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	s.wg.Wait()
}

func (s *mockSession) emitRepeating() {
	s.mu.Lock()
	if s.repeating == nil || s.closed {
		s.mu.Unlock()
		return
	}
	req := *s.repeating
	cb := s.repeatCB
	s.mu.Unlock()

	s.emit(req, cb)
}

// emit は出力先にフレームを書き込み、メタデータを通知する
func (s *mockSession) emit(req Request, callbacks CaptureCallbacks) {
	hw := s.device.hw
	now := time.Now()

	for _, target := range req.Targets {
		size := s.outputSize(target, req)
		target.Consume(Frame{Data: hw.testPattern(size), Size: size, Timestamp: now})
	}

	result := CaptureResult{FrameNumber: hw.nextFrameNumber()}
	result.AF, result.AE = s.advance()

	if callbacks.Completed != nil {
		hw.dispatch(func() { callbacks.Completed(result) })
	}
}

func (s *mockSession) outputSize(target FrameSink, req Request) Size {
	if sized, ok := target.(SizedSink); ok && !sized.FrameSize().IsZero() {
		return sized.FrameSize()
	}
	cam := s.device.cam
	if len(cam.PreviewSizes) == 0 {
		return Size{Width: 640, Height: 480}
	}
	if req.Template == TemplatePreview {
		// プレビューは最大のサイズで代用する
		largest := cam.PreviewSizes[0]
		for _, size := range cam.PreviewSizes {
			if size.Area() > largest.Area() {
				largest = size
			}
		}
		return largest
	}
	return cam.PhotoSizes[0]
}

// advance はトリガーに応じたAF/AE状態を1フレーム分進める
func (s *mockSession) advance() (AFState, AEState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	af := AFStatePassiveFocused
	switch {
	case !s.device.cam.AutoFocus:
		af = AFStateInactive
	case s.device.cam.NeverLocks:
		af = AFStatePassiveScan
	case s.scanLeft > 0:
		s.scanLeft--
		af = AFStateActiveScan
		if s.scanLeft == 0 {
			s.afLocked = true
		}
	case s.afLocked:
		af = AFStateFocusedLocked
	}

	ae := AEStateConverged
	if s.aeLeft > 0 {
		s.aeLeft--
		ae = AEStatePrecapture
	}

	return af, ae
}
