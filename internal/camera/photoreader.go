package camera

import "sync"

// Image は静止画出力から取り出した1枚の画像
type Image struct {
	Frame
	release func()
}

// Release はバッファを出力先に返却する
func (i *Image) Release() {
	if i.release != nil {
		i.release()
		i.release = nil
	}
}

// photoReader は静止画の出力先。最新の1枚だけを保持する
// Consume はハードウェアのゴルーチンから呼ばれる
type photoReader struct {
	size Size

	mu     sync.Mutex
	latest *Frame
}

func newPhotoReader(size Size) *photoReader {
	return &photoReader{size: size}
}

// FrameSize は静止画出力のサイズを返す
func (r *photoReader) FrameSize() Size {
	return r.size
}

// Consume はハードウェアから静止画を受け取る
func (r *photoReader) Consume(frame Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.latest = &frame
}

// acquireLatest は最新の画像を取り出す
func (r *photoReader) acquireLatest() (*Image, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.latest == nil {
		return nil, false
	}
	frame := *r.latest
	return &Image{
		Frame: frame,
		release: func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if r.latest != nil && r.latest.Timestamp.Equal(frame.Timestamp) {
				r.latest = nil
			}
		},
	}, true
}

// drain は撮影開始前に古い画像を捨てる
func (r *photoReader) drain() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.latest = nil
}
