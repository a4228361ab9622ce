package camera

import "time"

// Hardware はカメラハードウェアAPIの契約
// コールバックはハードウェア側のゴルーチンから非同期に呼ばれる
type Hardware interface {
	// FindCamera は指定した向きのカメラIDを返す
	FindCamera(facing Facing) (string, error)

	// Characteristics はカメラ特性を返す
	Characteristics(id string) (Characteristics, error)

	// OpenDevice はデバイスのオープンを要求する
	// 結果は callbacks のいずれかで一度だけ通知される
	OpenDevice(id string, callbacks DeviceCallbacks) error
}

// Characteristics はハードウェアが報告するカメラ特性
type Characteristics struct {
	Facing            Facing
	SensorOrientation int
	PreviewSizes      []Size
	PhotoSizes        []Size
}

// DeviceCallbacks はデバイスの状態通知
type DeviceCallbacks struct {
	Opened       func(Device)
	Disconnected func(Device)
	Error        func(Device, error)
}

// Device は排他的に開かれたハードウェアデバイス
type Device interface {
	ID() string

	// CreateSession は出力先を束ねたキャプチャセッションを非同期に構成する
	CreateSession(outputs []FrameSink, callbacks SessionCallbacks) error

	Close() error
}

// SessionCallbacks はキャプチャセッションの構成結果通知
type SessionCallbacks struct {
	Configured      func(Session)
	ConfigureFailed func(error)
	Closed          func(Session)
}

// Session は構成済みのキャプチャパイプライン
type Session interface {
	// SetRepeatingRequest はプレビュー用の繰り返しリクエストを設定する
	SetRepeatingRequest(req Request, callbacks CaptureCallbacks) error

	// Capture は単発のリクエストを発行する
	Capture(req Request, callbacks CaptureCallbacks) error

	StopRepeating() error
	AbortCaptures() error
	Close() error
}

// CaptureCallbacks はリクエスト単位の結果通知
type CaptureCallbacks struct {
	Completed func(CaptureResult)
	Failed    func(error)
}

// Template はリクエストの用途
type Template int

const (
	TemplatePreview Template = iota
	TemplateStillCapture
)

// AFMode はオートフォーカスのモード
type AFMode int

const (
	AFModeOff AFMode = iota
	AFModeContinuousPicture
)

// AFTrigger はオートフォーカスのトリガー
type AFTrigger int

const (
	AFTriggerIdle AFTrigger = iota
	AFTriggerStart
	AFTriggerCancel
)

// AETrigger は自動露出プリキャプチャのトリガー
type AETrigger int

const (
	AETriggerIdle AETrigger = iota
	AETriggerStart
)

// Request はハードウェアへのキャプチャ要求
type Request struct {
	Template        Template
	Targets         []FrameSink
	AFMode          AFMode
	AFTrigger       AFTrigger
	AETrigger       AETrigger
	FPS             int
	JPEGOrientation int
}

// AFState はフレームごとのオートフォーカス状態
type AFState int

const (
	AFStateNone AFState = iota // 報告なし
	AFStateInactive
	AFStatePassiveScan
	AFStatePassiveFocused
	AFStateActiveScan
	AFStateFocusedLocked
	AFStateNotFocusedLocked
	AFStatePassiveUnfocused
)

// AEState はフレームごとの自動露出状態
type AEState int

const (
	AEStateNone AEState = iota // 報告なし
	AEStateInactive
	AEStateSearching
	AEStateConverged
	AEStateLocked
	AEStateFlashRequired
	AEStatePrecapture
)

// CaptureResult はフレームのメタデータ
type CaptureResult struct {
	FrameNumber int64
	AF          AFState
	AE          AEState
}

// Frame はハードウェアが出力先に書き込む1フレーム
type Frame struct {
	Data      []byte // JPEGデータ
	Size      Size
	Timestamp time.Time
}

// FrameSink はハードウェアがフレームを書き込む出力先
type FrameSink interface {
	Consume(frame Frame)
}

// SizedSink はフレームサイズを指定する出力先
// ハードウェアはこのサイズでフレームを書き込む
type SizedSink interface {
	FrameSink
	FrameSize() Size
}

// PreviewTarget はプレビューの描画先
// 回転やバッファサイズの適用は表示層の責務とする
type PreviewTarget interface {
	FrameSink
	Configure(cfg PreviewConfig)
}
