package camera

import "errors"

var (
	// ErrAlreadyOpen はデバイスが既に開かれている状態でOpenが呼ばれたことを示す
	ErrAlreadyOpen = errors.New("camera already open")
	// ErrDeviceUnavailable はデバイスのオープン失敗や切断を示す
	ErrDeviceUnavailable = errors.New("camera device unavailable")
	// ErrPreviewStart はデバイス未オープンでプレビューが要求されたことを示す
	ErrPreviewStart = errors.New("preview cannot start")
	// ErrSessionConfigure はハードウェアが出力構成を拒否したことを示す
	ErrSessionConfigure = errors.New("capture session configuration failed")
	// ErrCapture は静止画キャプチャの失敗を示す
	ErrCapture = errors.New("still capture failed")

	ErrCaptureInProgress = errors.New("photo capture already in progress")
	ErrNoPhotoOutput     = errors.New("no photo output configured")
	ErrOperationPending  = errors.New("operation already pending")
	ErrPreviewStopped    = errors.New("preview stopped")
	ErrDeviceClosed      = errors.New("camera closed")
	ErrShutdown          = errors.New("controller shut down")
	ErrNoSizes           = errors.New("no candidate sizes")
)
