package camera

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNegotiator_BackFullSequence(t *testing.T) {
	n := NewNegotiator()

	action, err := n.Start(FacingBack)
	require.NoError(t, err)
	assert.Equal(t, ActionTriggerAutoFocus, action)
	assert.Equal(t, NegotiationWaitingLock, n.State())

	assert.Equal(t, ActionNone, n.OnResult(CaptureResult{AF: AFStateActiveScan}))
	assert.Equal(t, ActionTriggerPrecapture, n.OnResult(CaptureResult{AF: AFStateFocusedLocked}))
	assert.Equal(t, NegotiationWaitingPreCapture, n.State())

	// AEがまだ収束中なら待つ
	assert.Equal(t, ActionNone, n.OnResult(CaptureResult{AE: AEStateSearching}))
	assert.Equal(t, NegotiationWaitingPreCapture, n.State())

	assert.Equal(t, ActionNone, n.OnResult(CaptureResult{AE: AEStatePrecapture}))
	assert.Equal(t, NegotiationWaitingNonPreCapture, n.State())

	assert.Equal(t, ActionNone, n.OnResult(CaptureResult{AE: AEStatePrecapture}))
	assert.Equal(t, ActionCaptureStill, n.OnResult(CaptureResult{AE: AEStateConverged}))
	assert.Equal(t, NegotiationPictureTaken, n.State())
	assert.False(t, n.Forced())

	n.Complete()
	assert.Equal(t, NegotiationPreview, n.State())
}

func TestNegotiator_FrontCapturesImmediately(t *testing.T) {
	n := NewNegotiator()

	action, err := n.Start(FacingFront)
	require.NoError(t, err)
	assert.Equal(t, ActionCaptureStill, action)
	assert.Equal(t, NegotiationPictureTaken, n.State())
}

func TestNegotiator_RejectsWhileInProgress(t *testing.T) {
	n := NewNegotiator()
	_, err := n.Start(FacingBack)
	require.NoError(t, err)

	_, err = n.Start(FacingBack)
	require.ErrorIs(t, err, ErrCaptureInProgress)
}

func TestNegotiator_AFRetryBound(t *testing.T) {
	n := NewNegotiator()
	_, err := n.Start(FacingBack)
	require.NoError(t, err)

	inconclusive := CaptureResult{AF: AFStatePassiveScan}
	for i := 1; i < MaxAFRetries; i++ {
		assert.Equal(t, ActionNone, n.OnResult(inconclusive), "frame %d", i)
		assert.Equal(t, NegotiationWaitingLock, n.State())
	}

	// 5フレーム目で撮影に進む
	assert.Equal(t, ActionCaptureStill, n.OnResult(inconclusive))
	assert.Equal(t, NegotiationPictureTaken, n.State())
	assert.True(t, n.Forced())
	assert.Equal(t, MaxAFRetries, n.Retries())

	// 6フレーム目は何もしない
	assert.Equal(t, ActionNone, n.OnResult(inconclusive))
}

func TestNegotiator_NoAutoFocus(t *testing.T) {
	tests := []AFState{AFStateNone, AFStateInactive}

	for _, af := range tests {
		n := NewNegotiator()
		_, err := n.Start(FacingBack)
		require.NoError(t, err)

		assert.Equal(t, ActionCaptureStill, n.OnResult(CaptureResult{AF: af}))
		assert.Equal(t, NegotiationPictureTaken, n.State())
	}
}

func TestNegotiator_PrecaptureShortcuts(t *testing.T) {
	tests := []struct {
		name string
		ae   AEState
	}{
		{"AE報告なし", AEStateNone},
		{"フラッシュ必要", AEStateFlashRequired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := NewNegotiator()
			_, err := n.Start(FacingBack)
			require.NoError(t, err)
			require.Equal(t, ActionTriggerPrecapture, n.OnResult(CaptureResult{AF: AFStateNotFocusedLocked}))

			assert.Equal(t, ActionNone, n.OnResult(CaptureResult{AE: tt.ae}))
			assert.Equal(t, NegotiationWaitingNonPreCapture, n.State())
		})
	}
}

func TestNegotiator_ResetClearsProgress(t *testing.T) {
	n := NewNegotiator()
	_, err := n.Start(FacingBack)
	require.NoError(t, err)
	n.OnResult(CaptureResult{AF: AFStatePassiveScan})

	n.Reset()
	assert.Equal(t, NegotiationPreview, n.State())
	assert.Equal(t, 0, n.Retries())

	_, err = n.Start(FacingFront)
	assert.NoError(t, err)
}
