package camera

import (
	"context"
	"sync/atomic"
)

// OrientationUnknown はセンサーが向きを判定できない場合の値
const OrientationUnknown = -1

// OrientationTracker は端末の回転角を 0/90/180/270 のいずれかに丸めて保持する
// 書き込みはセンサーのゴルーチン、読み込みはコントローラのワーカーのみが行う
type OrientationTracker struct {
	rotation atomic.Int32
}

// NewOrientationTracker は新しいOrientationTrackerを作成する
func NewOrientationTracker() *OrientationTracker {
	return &OrientationTracker{}
}

// Update は生の角度（度）を受け取り回転角を更新する
func (t *OrientationTracker) Update(degrees int) {
	if degrees == OrientationUnknown {
		return
	}
	t.rotation.Store(int32(RotationBucket(degrees)))
}

// Rotation は最新の回転角を返す
func (t *OrientationTracker) Rotation() int {
	return int(t.rotation.Load())
}

// Run はセンサーからの角度を ctx が終わるかチャンネルが閉じられるまで取り込む
func (t *OrientationTracker) Run(ctx context.Context, feed <-chan int) {
	for {
		select {
		case <-ctx.Done():
			return
		case degrees, ok := <-feed:
			if !ok {
				return
			}
			t.Update(degrees)
		}
	}
}

// RotationBucket は角度を画面回転角に変換する
// 端末を時計回りに回すと表示は逆方向に回るため 90 と 270 が入れ替わる
func RotationBucket(degrees int) int {
	degrees %= 360
	if degrees < 0 {
		degrees += 360
	}

	switch {
	case degrees >= 45 && degrees < 135:
		return 270
	case degrees >= 135 && degrees < 225:
		return 180
	case degrees >= 225 && degrees < 315:
		return 90
	default:
		return 0
	}
}
