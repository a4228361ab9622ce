package camera

import (
	"slices"

	"github.com/rs/zerolog"
)

// DeviceState はデバイスとキャプチャセッションの状態
type DeviceState string

const (
	DeviceClosed             DeviceState = "closed"
	DeviceOpening            DeviceState = "opening"
	DeviceOpen               DeviceState = "open"
	DeviceSessionConfiguring DeviceState = "session_configuring"
	DeviceSessionActive      DeviceState = "session_active"
	DeviceStopping           DeviceState = "stopping"
	DeviceClosing            DeviceState = "closing"
)

// deviceTransitions は許可された状態遷移
var deviceTransitions = map[DeviceState][]DeviceState{
	DeviceClosed:             {DeviceOpening},
	DeviceOpening:            {DeviceOpen, DeviceClosed},
	DeviceOpen:               {DeviceSessionConfiguring, DeviceClosing, DeviceClosed},
	DeviceSessionConfiguring: {DeviceSessionActive, DeviceSessionConfiguring, DeviceOpen, DeviceStopping, DeviceClosing, DeviceClosed},
	DeviceSessionActive:      {DeviceSessionConfiguring, DeviceStopping, DeviceClosing, DeviceClosed},
	DeviceStopping:           {DeviceOpen, DeviceClosed},
	DeviceClosing:            {DeviceClosed},
}

// hasDevice はデバイスハンドルを保持しうる状態かを返す
func (s DeviceState) hasDevice() bool {
	switch s {
	case DeviceOpen, DeviceSessionConfiguring, DeviceSessionActive, DeviceStopping:
		return true
	default:
		return false
	}
}

// hasSession はセッションが構成中または稼働中かを返す
func (s DeviceState) hasSession() bool {
	return s == DeviceSessionConfiguring || s == DeviceSessionActive
}

// deviceSession はデバイスハンドルとセッションハンドルを排他的に所有する
// ワーカー上でのみ操作する
type deviceSession struct {
	state   DeviceState
	device  Device
	session Session
	attrs   *Attributes

	// generation はオープンごと、sessionGen はセッション構成ごとに増える
	// 古い世代のコールバックは無視する
	generation uint64
	sessionGen uint64

	logger zerolog.Logger
}

func newDeviceSession(logger zerolog.Logger) *deviceSession {
	return &deviceSession{state: DeviceClosed, logger: logger}
}

// transition は遷移表に従って状態を変更する
func (d *deviceSession) transition(to DeviceState) bool {
	if !slices.Contains(deviceTransitions[d.state], to) {
		d.logger.Error().
			Str("event", "device.illegal_transition").
			Str("from", string(d.state)).
			Str("to", string(to)).
			Msg("不正な状態遷移を拒否しました")
		return false
	}

	d.logger.Debug().
		Str("event", "device.transition").
		Str("from", string(d.state)).
		Str("to", string(to)).
		Msg("状態遷移")
	d.state = to
	return true
}

// beginOpen はオープン要求を開始し、新しい世代を返す
func (d *deviceSession) beginOpen() (uint64, bool) {
	if !d.transition(DeviceOpening) {
		return 0, false
	}
	d.generation++
	return d.generation, true
}

// opened はオープン完了を記録する
func (d *deviceSession) opened(device Device, attrs Attributes) {
	d.device = device
	d.attrs = &attrs
	d.transition(DeviceOpen)
}

// beginSession はセッション構成を開始し、新しいセッション世代を返す
// 既存のセッションは出力構成が変わるため破棄する
func (d *deviceSession) beginSession() uint64 {
	if d.session != nil {
		d.closeSession(d.session)
		d.session = nil
	}
	d.transition(DeviceSessionConfiguring)
	d.sessionGen++
	return d.sessionGen
}

// configured はセッション構成完了を記録する
func (d *deviceSession) configured(session Session) {
	d.session = session
	d.transition(DeviceSessionActive)
}

// stopSession は繰り返しリクエストを止めてセッションを破棄する
// 後始末の失敗はログに残して続行する
func (d *deviceSession) stopSession() bool {
	if !d.state.hasSession() {
		return false
	}

	d.transition(DeviceStopping)
	d.sessionGen++
	if d.session != nil {
		d.teardownSession(d.session)
		d.session = nil
	}
	d.transition(DeviceOpen)
	return true
}

// close はセッションとデバイスを閉じる。デバイスを保持していたら true
func (d *deviceSession) close() bool {
	hadDevice := d.device != nil

	switch {
	case d.state == DeviceClosed:
		return false
	case d.state == DeviceOpening:
		// オープン完了前。遅れて届くコールバックは世代で弾く
		d.generation++
		d.transition(DeviceClosed)
		return false
	}

	d.transition(DeviceClosing)
	if d.session != nil {
		d.teardownSession(d.session)
	}
	if d.device != nil {
		if err := d.device.Close(); err != nil {
			d.logger.Warn().Err(err).Str("event", "device.close_failed").Msg("デバイスのクローズに失敗しました")
		}
	}
	d.reset()
	d.transition(DeviceClosed)
	return hadDevice
}

// fail は切断・エラー時にハンドルを即座に無効化する
func (d *deviceSession) fail() {
	if d.session != nil {
		d.closeSession(d.session)
	}
	if d.device != nil {
		if err := d.device.Close(); err != nil {
			d.logger.Warn().Err(err).Str("event", "device.close_failed").Msg("エラー後のデバイスクローズに失敗しました")
		}
	}
	d.reset()
	d.state = DeviceClosed
}

func (d *deviceSession) reset() {
	d.device = nil
	d.session = nil
	d.attrs = nil
	d.generation++
	d.sessionGen++
}

func (d *deviceSession) teardownSession(s Session) {
	if err := s.StopRepeating(); err != nil {
		d.logger.Warn().Err(err).Str("event", "session.stop_repeating_failed").Msg("繰り返しリクエストの停止に失敗しました")
	}
	if err := s.AbortCaptures(); err != nil {
		d.logger.Warn().Err(err).Str("event", "session.abort_failed").Msg("キャプチャの中断に失敗しました")
	}
	d.closeSession(s)
}

func (d *deviceSession) closeSession(s Session) {
	if err := s.Close(); err != nil {
		d.logger.Warn().Err(err).Str("event", "session.close_failed").Msg("セッションのクローズに失敗しました")
	}
}
