package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"kagami/internal/camera"
	"kagami/internal/config"
	"kagami/internal/preview"
	"kagami/internal/timelapse"
)

const (
	defaultCommandTimeout = 15 * time.Second
	shutdownTimeout       = 5 * time.Second
)

// Camera はHTTPから操作するカメラコントローラ
type Camera interface {
	Snapshot() camera.Snapshot
	Orientation() *camera.OrientationTracker
	Open(ctx context.Context, facing camera.Facing) (camera.Attributes, error)
	Close(ctx context.Context) error
	StartPreview(ctx context.Context, target camera.PreviewTarget) error
	StopPreview(ctx context.Context) error
	Resume(ctx context.Context, target camera.PreviewTarget) error
	Pause(ctx context.Context) error
	SetPhotoSize(ctx context.Context, size camera.Size) error
	TakePhoto(ctx context.Context) ([]byte, error)
}

// Timelapse はタイムラプスの参照口
type Timelapse interface {
	Status() timelapse.Status
	Stills() ([]timelapse.Still, error)
}

// Deps はサーバーが使う部品
type Deps struct {
	Camera    Camera
	Surface   *preview.Surface
	Events    *EventHub
	Timelapse Timelapse // nil ならタイムラプスAPIは無効
	Logger    zerolog.Logger
}

// Server はHTTPサーバーを管理する構造体
type Server struct {
	config     *config.Config
	httpServer *http.Server
	router     *gin.Engine
	logger     zerolog.Logger
}

// New は新しいServerインスタンスを作成する
func New(cfg *config.Config, deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)

	if deps.Events == nil {
		deps.Events = NewEventHub()
	}
	logger := deps.Logger.With().Str("component", "server").Logger()

	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger))

	h := &Handler{
		config:         cfg,
		camera:         deps.Camera,
		surface:        deps.Surface,
		events:         deps.Events,
		timelapse:      deps.Timelapse,
		commandTimeout: defaultCommandTimeout,
	}
	registerRoutes(router, h)

	return &Server{
		config: cfg,
		router: router,
		logger: logger,
		httpServer: &http.Server{
			Addr:         cfg.ServerAddress(),
			Handler:      router,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		},
	}
}

// registerRoutes はHTTPルートを設定する
func registerRoutes(r *gin.Engine, h *Handler) {
	// ヘルスチェックとメトリクス
	r.GET("/health", h.HealthCheck)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/", h.Root)

	api := r.Group("/api")
	api.GET("/status", h.GetStatus)
	api.PUT("/orientation", h.PutOrientation)
	api.GET("/events", h.StreamEvents)
	api.GET("/events/recent", h.RecentEvents)

	cam := api.Group("/camera")
	cam.POST("/open", h.OpenCamera)
	cam.POST("/close", h.CloseCamera)

	pv := api.Group("/preview")
	pv.POST("/start", h.StartPreview)
	pv.POST("/stop", h.StopPreview)
	pv.POST("/resume", h.ResumePreview)
	pv.POST("/pause", h.PausePreview)
	pv.GET("/stream", h.StreamPreview)
	pv.GET("/latest", h.LatestFrame)

	photo := api.Group("/photo")
	photo.POST("", h.TakePhoto)
	photo.PUT("/size", h.PutPhotoSize)

	tl := api.Group("/timelapse")
	tl.GET("", h.GetTimelapse)
	tl.GET("/latest", h.LatestStill)
}

// Handler はHTTPハンドラを返す
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start はサーバーを起動し、ctx が終わるとグレースフルにシャットダウンする
func (s *Server) Start(ctx context.Context) error {
	// ストリーミング中のリクエストも ctx の終了で抜けられるようにする
	s.httpServer.BaseContext = func(net.Listener) context.Context { return ctx }

	errCh := make(chan error, 1)

	// サーバーを別ゴルーチンで起動
	go func() {
		s.logger.Info().Str("addr", s.config.ServerAddress()).Msg("HTTPサーバーを起動しています")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("サーバーの起動に失敗: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err, ok := <-errCh:
		if ok {
			return err
		}
	}

	return s.Shutdown()
}

// Shutdown はサーバーをグレースフルにシャットダウンする
func (s *Server) Shutdown() error {
	s.logger.Info().Msg("サーバーをシャットダウンしています")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("サーバーのシャットダウンに失敗: %w", err)
	}

	s.logger.Info().Msg("サーバーが正常にシャットダウンされました")
	return nil
}
