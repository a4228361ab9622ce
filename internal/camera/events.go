package camera

// Events はコントローラのライフサイクル通知を受け取るインターフェース
// 通知はワーカーゴルーチン上で順番に呼ばれるため、ハンドラ内で
// コントローラのブロッキング操作を呼んではいけない
type Events interface {
	OnCameraOpened(attrs Attributes)
	OnCameraClosed()
	OnCameraError(err error)
	OnPreviewStarted()
	OnPreviewStopped()
	OnPreviewError(err error)
}

// NopEvents は何もしないEvents実装。埋め込んで必要なメソッドだけ上書きする
type NopEvents struct{}

func (NopEvents) OnCameraOpened(Attributes) {}
func (NopEvents) OnCameraClosed()           {}
func (NopEvents) OnCameraError(error)       {}
func (NopEvents) OnPreviewStarted()         {}
func (NopEvents) OnPreviewStopped()         {}
func (NopEvents) OnPreviewError(error)      {}

// MultiEvents は複数のEventsへ同じ通知を配信する
type MultiEvents []Events

func (m MultiEvents) OnCameraOpened(attrs Attributes) {
	for _, e := range m {
		e.OnCameraOpened(attrs)
	}
}

func (m MultiEvents) OnCameraClosed() {
	for _, e := range m {
		e.OnCameraClosed()
	}
}

func (m MultiEvents) OnCameraError(err error) {
	for _, e := range m {
		e.OnCameraError(err)
	}
}

func (m MultiEvents) OnPreviewStarted() {
	for _, e := range m {
		e.OnPreviewStarted()
	}
}

func (m MultiEvents) OnPreviewStopped() {
	for _, e := range m {
		e.OnPreviewStopped()
	}
}

func (m MultiEvents) OnPreviewError(err error) {
	for _, e := range m {
		e.OnPreviewError(err)
	}
}
