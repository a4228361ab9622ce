// Package preview はプレビューの描画先を提供する
//
// Surface は camera.PreviewTarget を実装し、最新フレームの保持と
// 購読者へのフレーム配信を行う。回転の適用はクライアント側の責務とする
package preview

import (
	"errors"
	"sync"
	"time"

	"kagami/internal/camera"
)

// ErrNoFrame はまだフレームが届いていないことを示す
var ErrNoFrame = errors.New("フレームがまだ取得されていません")

const subscriberBuffer = 4

// Surface はプレビューフレームの受け口
type Surface struct {
	mu     sync.RWMutex
	cfg    camera.PreviewConfig
	ready  bool
	latest *camera.Frame
	frames uint64
	subs   map[uint64]chan camera.Frame
	nextID uint64
}

// NewSurface は新しいSurfaceを作成する
func NewSurface() *Surface {
	return &Surface{subs: make(map[uint64]chan camera.Frame)}
}

// Configure はコントローラから渡されたプレビュー設定を記録する
func (s *Surface) Configure(cfg camera.PreviewConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cfg = cfg
	s.ready = true
	s.latest = nil
}

// Config は現在のプレビュー設定を返す
func (s *Surface) Config() (camera.PreviewConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg, s.ready
}

// FrameSize はハードウェアに要求するストリームサイズを返す
func (s *Surface) FrameSize() camera.Size {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.StreamSize
}

// Consume はフレームを受け取り購読者へ配る
// 遅い購読者のチャンネルが埋まっている場合は古いフレームを捨てる
func (s *Surface) Consume(frame camera.Frame) {
	if frame.Timestamp.IsZero() {
		frame.Timestamp = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.latest = &frame
	s.frames++

	for _, ch := range s.subs {
		select {
		case ch <- frame:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- frame:
			default:
			}
		}
	}
}

// Latest は最新フレームのJPEGデータのコピーを返す
func (s *Surface) Latest() ([]byte, time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.latest == nil {
		return nil, time.Time{}, ErrNoFrame
	}
	data := make([]byte, len(s.latest.Data))
	copy(data, s.latest.Data)
	return data, s.latest.Timestamp, nil
}

// Frames は受け取ったフレーム数を返す
func (s *Surface) Frames() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.frames
}

// Subscribe はフレームの購読を開始する。返した関数で購読を解除する
func (s *Surface) Subscribe() (<-chan camera.Frame, func()) {
	ch := make(chan camera.Frame, subscriberBuffer)

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

// Subscribers は購読者数を返す
func (s *Surface) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}
