package timelapse

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"kagami/internal/camera"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakePhotographer struct {
	mu    sync.Mutex
	data  []byte
	err   error
	calls int
}

func (f *fakePhotographer) TakePhoto(ctx context.Context) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.data, nil
}

func (f *fakePhotographer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestRecorder(t *testing.T, cam Photographer) *Recorder {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.Interval = 5 * time.Millisecond
	cfg.OutputDir = t.TempDir()
	return NewRecorder(cam, cfg, zerolog.Nop())
}

func TestRecorder_CaptureOnceSaves(t *testing.T) {
	cam := &fakePhotographer{data: []byte("jpeg")}
	r := newTestRecorder(t, cam)
	fixed := time.Date(2024, 3, 9, 14, 5, 6, 0, time.Local)
	r.now = func() time.Time { return fixed }

	require.NoError(t, r.CaptureOnce(context.Background()))

	stills, err := r.Stills()
	require.NoError(t, err)
	require.Len(t, stills, 1)
	assert.Equal(t, fixed, stills[0].TakenAt)
	assert.Equal(t, int64(4), stills[0].Size)
	assert.Equal(t, "2024-03-09", filepath.Base(filepath.Dir(stills[0].Path)))

	data, err := os.ReadFile(stills[0].Path)
	require.NoError(t, err)
	assert.Equal(t, []byte("jpeg"), data)

	status := r.Status()
	assert.Equal(t, 1, status.Captured)
	assert.Equal(t, fixed, status.LastCapture)
}

func TestRecorder_SkipsWhenCameraNotReady(t *testing.T) {
	for _, e := range []error{camera.ErrNoPhotoOutput, camera.ErrCaptureInProgress} {
		cam := &fakePhotographer{err: e}
		r := newTestRecorder(t, cam)

		require.NoError(t, r.CaptureOnce(context.Background()))

		status := r.Status()
		assert.Equal(t, 1, status.Skipped)
		assert.Zero(t, status.Failed)
		stills, err := r.Stills()
		require.NoError(t, err)
		assert.Empty(t, stills)
	}
}

func TestRecorder_RecordsFailure(t *testing.T) {
	cam := &fakePhotographer{err: errors.New("boom")}
	r := newTestRecorder(t, cam)

	err := r.CaptureOnce(context.Background())
	require.Error(t, err)

	status := r.Status()
	assert.Equal(t, 1, status.Failed)
	assert.Contains(t, status.LastError, "boom")
}

func TestRecorder_RunUntilCancelled(t *testing.T) {
	cam := &fakePhotographer{data: []byte("jpeg")}
	r := newTestRecorder(t, cam)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return cam.callCount() >= 2 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, r.Status().Running)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run が終了しませんでした")
	}
	assert.False(t, r.Status().Running)
}

func TestRecorder_RunDisabled(t *testing.T) {
	cam := &fakePhotographer{data: []byte("jpeg")}
	r := NewRecorder(cam, DefaultConfig(), zerolog.Nop())

	require.NoError(t, r.Run(context.Background()))
	assert.Zero(t, cam.callCount())
}

func TestRecorder_RunInvalidInterval(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.Interval = 0
	r := NewRecorder(&fakePhotographer{}, cfg, zerolog.Nop())

	assert.Error(t, r.Run(context.Background()))
}
