package server

import (
	"sync"
	"time"

	"kagami/internal/camera"
)

const (
	eventBuffer = 16
	recentLimit = 32
)

// Event はクライアントへ配信するカメラの通知
type Event struct {
	Type       string             `json:"type"`
	Error      string             `json:"error,omitempty"`
	Attributes *camera.Attributes `json:"attributes,omitempty"`
	Time       time.Time          `json:"time"`
}

// EventHub は camera.Events を実装し、通知をSSE購読者へ配る
// ワーカー上で呼ばれるため、遅い購読者の分は捨てる
type EventHub struct {
	mu     sync.Mutex
	subs   map[uint64]chan Event
	nextID uint64
	recent []Event
	now    func() time.Time
}

// NewEventHub は新しいEventHubを作成する
func NewEventHub() *EventHub {
	return &EventHub{
		subs: make(map[uint64]chan Event),
		now:  time.Now,
	}
}

func (h *EventHub) OnCameraOpened(attrs camera.Attributes) {
	h.publish(Event{Type: "camera_opened", Attributes: &attrs})
}

func (h *EventHub) OnCameraClosed() {
	h.publish(Event{Type: "camera_closed"})
}

func (h *EventHub) OnCameraError(err error) {
	h.publish(Event{Type: "camera_error", Error: errString(err)})
}

func (h *EventHub) OnPreviewStarted() {
	h.publish(Event{Type: "preview_started"})
}

func (h *EventHub) OnPreviewStopped() {
	h.publish(Event{Type: "preview_stopped"})
}

func (h *EventHub) OnPreviewError(err error) {
	h.publish(Event{Type: "preview_error", Error: errString(err)})
}

// Subscribe は通知の購読を開始する。返す関数で購読を解除する
func (h *EventHub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	ch := make(chan Event, eventBuffer)
	h.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs, id)
		})
	}
}

// Recent は直近の通知を古い順に返す
func (h *EventHub) Recent() []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Event(nil), h.recent...)
}

func (h *EventHub) publish(ev Event) {
	ev.Time = h.now()

	h.mu.Lock()
	defer h.mu.Unlock()

	h.recent = append(h.recent, ev)
	if len(h.recent) > recentLimit {
		h.recent = h.recent[len(h.recent)-recentLimit:]
	}

	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
