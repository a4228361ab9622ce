package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"kagami/internal/camera"
	"kagami/internal/config"
	"kagami/internal/preview"
	"kagami/internal/timelapse"
)

// Handler はAPIエンドポイントの実装
type Handler struct {
	config         *config.Config
	camera         Camera
	surface        *preview.Surface
	events         *EventHub
	timelapse      Timelapse
	commandTimeout time.Duration
}

// HealthResponse はヘルスチェックの応答
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// ServerInfo はサーバー情報
type ServerInfo struct {
	Host    string `json:"host"`
	Port    int    `json:"port"`
	Backend string `json:"backend"`
}

// PreviewInfo は描画先の状態
type PreviewInfo struct {
	Configured  bool                  `json:"configured"`
	Config      *camera.PreviewConfig `json:"config,omitempty"`
	Frames      uint64                `json:"frames"`
	Subscribers int                   `json:"subscribers"`
}

// StatusResponse はシステム状態の応答
type StatusResponse struct {
	Status    string            `json:"status"`
	Server    ServerInfo        `json:"server"`
	Camera    camera.Snapshot   `json:"camera"`
	Preview   PreviewInfo       `json:"preview"`
	Timelapse *timelapse.Status `json:"timelapse,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// ErrorResponse はエラー応答
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// OpenRequest はカメラを開く要求
type OpenRequest struct {
	Facing string `json:"facing" binding:"required"`
}

// OrientationRequest は端末の回転角の通知
type OrientationRequest struct {
	Degrees *int `json:"degrees" binding:"required"`
}

// PhotoSizeRequest は静止画サイズの指定
type PhotoSizeRequest struct {
	Width  int `json:"width" binding:"required,gt=0"`
	Height int `json:"height" binding:"required,gt=0"`
}

// TimelapseResponse はタイムラプスの状態と保存済み静止画
type TimelapseResponse struct {
	Status timelapse.Status  `json:"status"`
	Stills []timelapse.Still `json:"stills"`
}

// HealthCheck はヘルスチェックエンドポイントの実装
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
	})
}

// GetStatus はシステム状態取得エンドポイントの実装
func (h *Handler) GetStatus(c *gin.Context) {
	response := StatusResponse{
		Status: "running",
		Server: ServerInfo{
			Host:    h.config.Server.Host,
			Port:    h.config.Server.Port,
			Backend: h.config.Camera.Backend,
		},
		Camera: h.camera.Snapshot(),
		Preview: PreviewInfo{
			Frames:      h.surface.Frames(),
			Subscribers: h.surface.Subscribers(),
		},
		Timestamp: time.Now(),
	}
	if cfg, ok := h.surface.Config(); ok {
		response.Preview.Configured = true
		response.Preview.Config = &cfg
	}
	if h.timelapse != nil {
		status := h.timelapse.Status()
		response.Timelapse = &status
	}

	c.JSON(http.StatusOK, response)
}

// OpenCamera は指定した向きのカメラを開く
func (h *Handler) OpenCamera(c *gin.Context) {
	var req OpenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	facing, err := camera.ParseFacing(req.Facing)
	if err != nil {
		badRequest(c, err)
		return
	}

	ctx, cancel := h.commandContext(c)
	defer cancel()

	attrs, err := h.camera.Open(ctx, facing)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, attrs)
}

// CloseCamera はカメラを閉じる
func (h *Handler) CloseCamera(c *gin.Context) {
	h.command(c, h.camera.Close)
}

// StartPreview はプレビューを開始する
func (h *Handler) StartPreview(c *gin.Context) {
	h.command(c, func(ctx context.Context) error {
		return h.camera.StartPreview(ctx, h.surface)
	})
}

// StopPreview はプレビューを停止する
func (h *Handler) StopPreview(c *gin.Context) {
	h.command(c, h.camera.StopPreview)
}

// ResumePreview はホストのレジューム通知を受け付ける
func (h *Handler) ResumePreview(c *gin.Context) {
	h.command(c, func(ctx context.Context) error {
		return h.camera.Resume(ctx, h.surface)
	})
}

// PausePreview はホストの一時停止通知を受け付ける
func (h *Handler) PausePreview(c *gin.Context) {
	h.command(c, h.camera.Pause)
}

// PutOrientation は端末の回転角を更新する
func (h *Handler) PutOrientation(c *gin.Context) {
	var req OrientationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	tracker := h.camera.Orientation()
	tracker.Update(*req.Degrees)
	c.JSON(http.StatusOK, gin.H{"rotation": tracker.Rotation()})
}

// PutPhotoSize は静止画の目標サイズを設定する
func (h *Handler) PutPhotoSize(c *gin.Context) {
	var req PhotoSizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	h.command(c, func(ctx context.Context) error {
		return h.camera.SetPhotoSize(ctx, camera.Size{Width: req.Width, Height: req.Height})
	})
}

// TakePhoto は静止画を撮影してJPEGを返す
func (h *Handler) TakePhoto(c *gin.Context) {
	ctx, cancel := h.commandContext(c)
	defer cancel()

	data, err := h.camera.TakePhoto(ctx)
	if err != nil {
		respondError(c, err)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, "image/jpeg", data)
}

// StreamPreview はMJPEGストリームを配信する
func (h *Handler) StreamPreview(c *gin.Context) {
	// レスポンスヘッダーを設定
	c.Header("Content-Type", preview.ContentType)
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("Access-Control-Allow-Origin", "*")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	// クライアント切断で終了する
	_ = preview.WriteMJPEG(c.Request.Context(), c.Writer, h.surface)
}

// LatestFrame は最新のプレビューフレームを返す
func (h *Handler) LatestFrame(c *gin.Context) {
	data, at, err := h.surface.Latest()
	if err != nil {
		respondError(c, err)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Header("Last-Modified", at.UTC().Format(http.TimeFormat))
	c.Data(http.StatusOK, "image/jpeg", data)
}

// StreamEvents はカメラの通知をSSEで配信する
func (h *Handler) StreamEvents(c *gin.Context) {
	events, unsubscribe := h.events.Subscribe()
	defer unsubscribe()

	c.Header("Cache-Control", "no-cache")
	c.Stream(func(io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case ev := <-events:
			c.SSEvent(ev.Type, ev)
			return true
		}
	})
}

// RecentEvents は直近の通知を返す
func (h *Handler) RecentEvents(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"events": h.events.Recent()})
}

// GetTimelapse はタイムラプスの状態を返す
func (h *Handler) GetTimelapse(c *gin.Context) {
	if h.timelapse == nil {
		errorJSON(c, http.StatusNotFound, "timelapse_disabled", "タイムラプス機能は無効です")
		return
	}

	stills, err := h.timelapse.Stills()
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, TimelapseResponse{
		Status: h.timelapse.Status(),
		Stills: stills,
	})
}

// LatestStill は最新のタイムラプス静止画を返す
func (h *Handler) LatestStill(c *gin.Context) {
	if h.timelapse == nil {
		errorJSON(c, http.StatusNotFound, "timelapse_disabled", "タイムラプス機能は無効です")
		return
	}

	stills, err := h.timelapse.Stills()
	if err != nil {
		respondError(c, err)
		return
	}
	if len(stills) == 0 {
		errorJSON(c, http.StatusNotFound, "no_stills", "保存済みの静止画がありません")
		return
	}
	c.File(stills[len(stills)-1].Path)
}

// Root はルートパスのハンドラ
func (h *Handler) Root(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(`<!DOCTYPE html>
<html lang="ja">
<head>
    <meta charset="UTF-8">
    <title>Kagami カメラ</title>
</head>
<body>
    <h1>Kagami カメラ</h1>
    <img src="/api/preview/stream" alt="preview">
    <p>ステータス: <a href="/api/status">/api/status</a></p>
    <p>ヘルスチェック: <a href="/health">/health</a></p>
</body>
</html>`))
}

// ヘルパー関数

func (h *Handler) commandContext(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), h.commandTimeout)
}

// command はカメラ操作を実行し、結果を状態とともに返す
func (h *Handler) command(c *gin.Context, run func(ctx context.Context) error) {
	ctx, cancel := h.commandContext(c)
	defer cancel()

	if err := run(ctx); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.camera.Snapshot())
}

// errorStatus はエラーをHTTPステータスとエラーコードに変換する
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, camera.ErrAlreadyOpen):
		return http.StatusConflict, "already_open"
	case errors.Is(err, camera.ErrOperationPending):
		return http.StatusConflict, "operation_pending"
	case errors.Is(err, camera.ErrCaptureInProgress):
		return http.StatusConflict, "capture_in_progress"
	case errors.Is(err, camera.ErrPreviewStart):
		return http.StatusConflict, "preview_not_ready"
	case errors.Is(err, camera.ErrNoPhotoOutput):
		return http.StatusConflict, "no_photo_output"
	case errors.Is(err, camera.ErrPreviewStopped):
		return http.StatusConflict, "preview_stopped"
	case errors.Is(err, camera.ErrDeviceClosed):
		return http.StatusConflict, "camera_closed"
	case errors.Is(err, camera.ErrDeviceUnavailable):
		return http.StatusServiceUnavailable, "camera_unavailable"
	case errors.Is(err, camera.ErrSessionConfigure):
		return http.StatusServiceUnavailable, "session_configure_failed"
	case errors.Is(err, camera.ErrShutdown):
		return http.StatusServiceUnavailable, "shutting_down"
	case errors.Is(err, camera.ErrCapture):
		return http.StatusBadGateway, "capture_failed"
	case errors.Is(err, camera.ErrNoSizes):
		return http.StatusUnprocessableEntity, "no_sizes"
	case errors.Is(err, preview.ErrNoFrame):
		return http.StatusNotFound, "no_frame"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func respondError(c *gin.Context, err error) {
	status, code := errorStatus(err)
	_ = c.Error(err)
	errorJSON(c, status, code, err.Error())
}

func badRequest(c *gin.Context, err error) {
	_ = c.Error(err)
	errorJSON(c, http.StatusBadRequest, "invalid_request", err.Error())
}

func errorJSON(c *gin.Context, status int, code, message string) {
	c.JSON(status, ErrorResponse{
		Error:     code,
		Message:   message,
		Timestamp: time.Now(),
	})
}
