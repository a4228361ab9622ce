package camera

import "fmt"

// NegotiationState は静止画撮影のフォーカス・露出調整の状態
type NegotiationState string

const (
	NegotiationPreview              NegotiationState = "preview"
	NegotiationWaitingLock          NegotiationState = "waiting_lock"
	NegotiationWaitingPreCapture    NegotiationState = "waiting_precapture"
	NegotiationWaitingNonPreCapture NegotiationState = "waiting_non_precapture"
	NegotiationPictureTaken         NegotiationState = "picture_taken"
)

// MaxAFRetries はAFロック待ちで許容する判定不能フレーム数
const MaxAFRetries = 5

// Action はネゴシエータがコントローラに要求するハードウェア操作
type Action int

const (
	ActionNone Action = iota
	ActionTriggerAutoFocus
	ActionTriggerPrecapture
	ActionCaptureStill
)

func (a Action) String() string {
	switch a {
	case ActionTriggerAutoFocus:
		return "trigger_af"
	case ActionTriggerPrecapture:
		return "trigger_precapture"
	case ActionCaptureStill:
		return "capture_still"
	default:
		return "none"
	}
}

// Negotiator はフレームごとのAF/AEメタデータから撮影タイミングを決める状態機械
// ハードウェアには触れず、必要な操作を Action として返す
type Negotiator struct {
	state   NegotiationState
	retries int
	forced  bool
}

// NewNegotiator は新しいNegotiatorを作成する
func NewNegotiator() *Negotiator {
	return &Negotiator{state: NegotiationPreview}
}

// State は現在の状態を返す
func (n *Negotiator) State() NegotiationState {
	return n.state
}

// Retries はAFロック待ちで数えた判定不能フレーム数を返す
func (n *Negotiator) Retries() int {
	return n.retries
}

// Forced はAFロックを待ちきれずに撮影へ進んだかを返す
func (n *Negotiator) Forced() bool {
	return n.forced
}

// Start は撮影を開始する。Preview 以外では拒否する
// アウトカメラはAFロックから、インカメラは即座に静止画撮影へ進む
func (n *Negotiator) Start(facing Facing) (Action, error) {
	if n.state != NegotiationPreview {
		return ActionNone, fmt.Errorf("状態 %s では撮影を開始できません: %w", n.state, ErrCaptureInProgress)
	}

	n.retries = 0
	n.forced = false

	if facing == FacingBack {
		n.state = NegotiationWaitingLock
		return ActionTriggerAutoFocus, nil
	}

	n.state = NegotiationPictureTaken
	return ActionCaptureStill, nil
}

// OnResult はフレームのメタデータで状態を進める
func (n *Negotiator) OnResult(r CaptureResult) Action {
	switch n.state {
	case NegotiationWaitingLock:
		switch r.AF {
		case AFStateFocusedLocked, AFStateNotFocusedLocked:
			n.state = NegotiationWaitingPreCapture
			return ActionTriggerPrecapture
		case AFStateNone, AFStateInactive:
			// AFを持たないデバイス
			n.state = NegotiationPictureTaken
			return ActionCaptureStill
		default:
			n.retries++
			if n.retries >= MaxAFRetries {
				n.forced = true
				n.state = NegotiationPictureTaken
				return ActionCaptureStill
			}
			return ActionNone
		}

	case NegotiationWaitingPreCapture:
		switch r.AE {
		case AEStateNone, AEStatePrecapture, AEStateFlashRequired:
			n.state = NegotiationWaitingNonPreCapture
		}
		return ActionNone

	case NegotiationWaitingNonPreCapture:
		if r.AE != AEStatePrecapture {
			n.state = NegotiationPictureTaken
			return ActionCaptureStill
		}
		return ActionNone
	}

	return ActionNone
}

// Complete は撮影の完了（成功・失敗とも）で Preview に戻す
func (n *Negotiator) Complete() {
	n.state = NegotiationPreview
	n.retries = 0
}

// Reset は進行中の撮影を破棄する
func (n *Negotiator) Reset() {
	n.state = NegotiationPreview
	n.retries = 0
	n.forced = false
}
