package camera

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectSize(t *testing.T) {
	candidates := []Size{
		{Width: 640, Height: 480},
		{Width: 1280, Height: 720},
		{Width: 1920, Height: 1080},
		{Width: 720, Height: 1280},
	}

	tests := []struct {
		name       string
		candidates []Size
		target     Size
		want       Size
	}{
		{
			name:       "完全一致",
			candidates: candidates,
			target:     Size{Width: 1280, Height: 720},
			want:       Size{Width: 1280, Height: 720},
		},
		{
			name:       "覆う候補のうち最小",
			candidates: candidates,
			target:     Size{Width: 1000, Height: 700},
			want:       Size{Width: 1280, Height: 720},
		},
		{
			name:       "覆う候補がなければ最大",
			candidates: candidates,
			target:     Size{Width: 4000, Height: 3000},
			want:       Size{Width: 1920, Height: 1080},
		},
		{
			name:       "縦長のターゲット",
			candidates: candidates,
			target:     Size{Width: 700, Height: 1200},
			want:       Size{Width: 720, Height: 1280},
		},
		{
			name: "同面積なら幅の小さい方",
			candidates: []Size{
				{Width: 1280, Height: 720},
				{Width: 720, Height: 1280},
			},
			target: Size{Width: 100, Height: 100},
			want:   Size{Width: 720, Height: 1280},
		},
		{
			name: "最大も同面積なら幅の小さい方",
			candidates: []Size{
				{Width: 1280, Height: 720},
				{Width: 720, Height: 1280},
			},
			target: Size{Width: 2000, Height: 2000},
			want:   Size{Width: 720, Height: 1280},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SelectSize(tt.candidates, tt.target)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSelectSize_Empty(t *testing.T) {
	_, err := SelectSize(nil, Size{Width: 1, Height: 1})
	require.ErrorIs(t, err, ErrNoSizes)
}

// 選ばれたサイズが覆うなら、それより小さい面積で覆う候補は存在しない
func TestSelectSize_Properties(t *testing.T) {
	candidates := []Size{
		{Width: 176, Height: 144},
		{Width: 320, Height: 240},
		{Width: 640, Height: 480},
		{Width: 800, Height: 600},
		{Width: 1280, Height: 720},
		{Width: 1280, Height: 960},
		{Width: 1920, Height: 1080},
	}

	for w := 100; w <= 2100; w += 250 {
		for h := 100; h <= 1300; h += 150 {
			target := Size{Width: w, Height: h}
			got, err := SelectSize(candidates, target)
			require.NoError(t, err)
			require.Contains(t, candidates, got)

			if got.Covers(target) {
				for _, c := range candidates {
					if c.Covers(target) {
						assert.GreaterOrEqual(t, c.Area(), got.Area(), "target %s", target)
					}
				}
				continue
			}

			for _, c := range candidates {
				assert.False(t, c.Covers(target), "target %s: %s covers", target, c)
				assert.LessOrEqual(t, c.Area(), got.Area(), "target %s", target)
			}
		}
	}
}

func TestPreviewRotation(t *testing.T) {
	tests := []struct {
		facing Facing
		sensor int
		device int
		want   int
	}{
		{FacingBack, 90, 0, 90},
		{FacingBack, 90, 90, 0},
		{FacingBack, 90, 270, 180},
		{FacingFront, 270, 0, 90},
		{FacingFront, 270, 90, 0},
		{FacingFront, 270, 180, 270},
		{FacingFront, 0, 0, 0},
	}

	for _, tt := range tests {
		got := PreviewRotation(tt.facing, tt.sensor, tt.device)
		assert.Equal(t, tt.want, got, "%s sensor=%d device=%d", tt.facing, tt.sensor, tt.device)
	}
}

func TestCaptureRotation(t *testing.T) {
	assert.Equal(t, 90, CaptureRotation(FacingBack, 90, 0))
	assert.Equal(t, 0, CaptureRotation(FacingBack, 90, 90))
	assert.Equal(t, 270, CaptureRotation(FacingFront, 270, 0))
	assert.Equal(t, 0, CaptureRotation(FacingFront, 270, 90))
}

func TestComputePreviewConfig_Front(t *testing.T) {
	attrs := Attributes{
		Facing:            FacingFront,
		SensorOrientation: 270,
		PreviewSizes:      []Size{{Width: 640, Height: 480}, {Width: 1280, Height: 720}, {Width: 1920, Height: 1080}},
	}

	cfg, err := computePreviewConfig(attrs, Size{Width: 720, Height: 1280}, 0, 30)
	require.NoError(t, err)

	assert.Equal(t, 90, cfg.Rotation)
	assert.Equal(t, Size{Width: 1280, Height: 720}, cfg.StreamSize)
	assert.Equal(t, Size{Width: 720, Height: 1280}, cfg.BufferSize)
	assert.Equal(t, 270, cfg.CaptureRotation)
	assert.Equal(t, 30, cfg.FPS)
}

func TestComputePreviewConfig_NoRotation(t *testing.T) {
	attrs := Attributes{
		Facing:            FacingBack,
		SensorOrientation: 90,
		PreviewSizes:      []Size{{Width: 1280, Height: 720}, {Width: 1920, Height: 1080}},
	}

	// 端末を横向きにするとスワップしない
	cfg, err := computePreviewConfig(attrs, Size{Width: 1280, Height: 720}, 90, 30)
	require.NoError(t, err)

	assert.Equal(t, 0, cfg.Rotation)
	assert.Equal(t, Size{Width: 1280, Height: 720}, cfg.StreamSize)
	assert.Equal(t, cfg.StreamSize, cfg.BufferSize)
}

func TestParseSize(t *testing.T) {
	size, err := ParseSize(" 1280x720 ")
	require.NoError(t, err)
	assert.Equal(t, Size{Width: 1280, Height: 720}, size)
	assert.Equal(t, "1280x720", size.String())

	_, err = ParseSize("0x720")
	assert.Error(t, err)
	_, err = ParseSize("wide")
	assert.Error(t, err)
}

func TestParseFacing(t *testing.T) {
	f, err := ParseFacing("BACK")
	require.NoError(t, err)
	assert.Equal(t, FacingBack, f)

	_, err = ParseFacing("side")
	assert.Error(t, err)
}
