package camera

import (
	"fmt"
	"strings"
)

// Facing はカメラの向きを表す
type Facing string

const (
	FacingFront Facing = "front" // インカメラ
	FacingBack  Facing = "back"  // アウトカメラ
)

// ParseFacing は文字列からFacingを取得する
func ParseFacing(s string) (Facing, error) {
	switch Facing(strings.ToLower(strings.TrimSpace(s))) {
	case FacingFront:
		return FacingFront, nil
	case FacingBack:
		return FacingBack, nil
	default:
		return "", fmt.Errorf("無効なカメラの向き: %q", s)
	}
}

// Size はカメラが扱う解像度を表す
// 比較は面積で行い、等価性は幅と高さの一致で判定する
type Size struct {
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

// Area は面積を返す
func (s Size) Area() int {
	return s.Width * s.Height
}

// Swap は幅と高さを入れ替えたサイズを返す
func (s Size) Swap() Size {
	return Size{Width: s.Height, Height: s.Width}
}

// Covers は s が target を幅・高さともに覆うかを返す
func (s Size) Covers(target Size) bool {
	return s.Width >= target.Width && s.Height >= target.Height
}

// IsZero はサイズが未設定かを返す
func (s Size) IsZero() bool {
	return s.Width == 0 && s.Height == 0
}

func (s Size) String() string {
	return fmt.Sprintf("%dx%d", s.Width, s.Height)
}

// ParseSize は "1280x720" 形式の文字列を解析する
func ParseSize(s string) (Size, error) {
	var size Size
	if _, err := fmt.Sscanf(strings.ToLower(strings.TrimSpace(s)), "%dx%d", &size.Width, &size.Height); err != nil {
		return Size{}, fmt.Errorf("無効なサイズ %q: %w", s, err)
	}
	if size.Width <= 0 || size.Height <= 0 {
		return Size{}, fmt.Errorf("無効なサイズ: %q", s)
	}
	return size, nil
}

// Attributes はデバイスを開いた時点で取得するカメラ特性のスナップショット
type Attributes struct {
	Facing            Facing `json:"facing"`
	SensorOrientation int    `json:"sensor_orientation"` // センサーの取り付け角度（度）
	PreviewSizes      []Size `json:"preview_sizes"`
	PhotoSizes        []Size `json:"photo_sizes"`
}

// clone はスライスを含めたコピーを返す
func (a Attributes) clone() Attributes {
	a.PreviewSizes = append([]Size(nil), a.PreviewSizes...)
	a.PhotoSizes = append([]Size(nil), a.PhotoSizes...)
	return a
}

// LifecycleState はコントローラの粗いライフサイクル状態
type LifecycleState string

const (
	LifecycleStarted LifecycleState = "started"
	LifecycleResumed LifecycleState = "resumed"
	LifecyclePaused  LifecycleState = "paused"
	LifecycleStopped LifecycleState = "stopped"
)

// previewAllowed はプレビュー開始が許される状態かを返す
func (s LifecycleState) previewAllowed() bool {
	return s == LifecycleStarted || s == LifecycleResumed
}

// PreviewConfig はプレビュー出力先に渡す設定
type PreviewConfig struct {
	StreamSize      Size   `json:"stream_size"` // センサー座標系で要求するストリームサイズ
	BufferSize      Size   `json:"buffer_size"` // 表示座標系のバッファサイズ
	Rotation        int    `json:"rotation"`
	CaptureRotation int    `json:"capture_rotation"`
	DeviceRotation  int    `json:"device_rotation"`
	Facing          Facing `json:"facing"`
	FPS             int    `json:"fps"`
}

// Snapshot はコントローラの状態のコピー
type Snapshot struct {
	SessionID   string           `json:"session_id,omitempty"`
	Lifecycle   LifecycleState   `json:"lifecycle"`
	Device      DeviceState      `json:"device"`
	Negotiation NegotiationState `json:"negotiation"`
	Facing      Facing           `json:"facing,omitempty"`
	Attributes  *Attributes      `json:"attributes,omitempty"`
	Preview     *PreviewConfig   `json:"preview,omitempty"`
	PhotoSize   *Size            `json:"photo_size,omitempty"`
	Rotation    int              `json:"rotation"`
}
