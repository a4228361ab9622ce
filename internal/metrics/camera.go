// Package metrics はカメラパイプラインのPrometheusメトリクスを定義する
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CameraOpenTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kagami_camera_open_total",
		Help: "Total number of camera open attempts by result",
	}, []string{"facing", "result"})

	PreviewStartTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kagami_preview_start_total",
		Help: "Total number of preview start attempts by result",
	}, []string{"result"})

	PhotoCaptureTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kagami_photo_capture_total",
		Help: "Total number of still photo captures by result",
	}, []string{"result"})

	AFLockForcedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kagami_af_lock_forced_total",
		Help: "Still captures forced after the autofocus retry budget was exhausted",
	})

	PhotoNegotiationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "kagami_photo_negotiation_seconds",
		Help:    "Time from capture request to delivered still image",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	})

	DeviceErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kagami_device_errors_total",
		Help: "Asynchronous device disconnects and errors",
	}, []string{"kind"})

	TimelapseFramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kagami_timelapse_frames_total",
		Help: "Timelapse stills by result",
	}, []string{"result"})
)

// ObserveOpen はオープン結果を記録する
func ObserveOpen(facing, result string) {
	if facing == "" {
		facing = "unknown"
	}
	CameraOpenTotal.WithLabelValues(facing, result).Inc()
}

// ObservePreviewStart はプレビュー開始結果を記録する
func ObservePreviewStart(result string) {
	PreviewStartTotal.WithLabelValues(result).Inc()
}

// ObservePhoto は撮影結果と所要時間を記録する
func ObservePhoto(result string, started time.Time) {
	PhotoCaptureTotal.WithLabelValues(result).Inc()
	if result == "success" && !started.IsZero() {
		PhotoNegotiationSeconds.Observe(time.Since(started).Seconds())
	}
}

// IncDeviceError はデバイスエラーを記録する
func IncDeviceError(kind string) {
	if kind == "" {
		kind = "unknown"
	}
	DeviceErrorsTotal.WithLabelValues(kind).Inc()
}
