package v4l2

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kagami/internal/camera"
)

func jpegFrame(payload string) []byte {
	frame := append([]byte{0xFF, 0xD8}, []byte(payload)...)
	return append(frame, 0xFF, 0xD9)
}

func TestSplitJPEG(t *testing.T) {
	var stream []byte
	stream = append(stream, []byte("garbage")...)
	stream = append(stream, jpegFrame("one")...)
	stream = append(stream, jpegFrame("two")...)
	stream = append(stream, []byte{0xFF, 0xD8, 'x'}...) // 途中で切れたフレーム

	// 1バイトずつ読ませて境界をまたぐ場合を確認する
	scanner := bufio.NewScanner(&oneByteReader{data: stream})
	scanner.Split(splitJPEG)

	var frames [][]byte
	for scanner.Scan() {
		frames = append(frames, append([]byte(nil), scanner.Bytes()...))
	}
	require.NoError(t, scanner.Err())
	assert.Equal(t, [][]byte{jpegFrame("one"), jpegFrame("two")}, frames)
}

type oneByteReader struct {
	data []byte
}

func (r *oneByteReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	p[0] = r.data[0]
	r.data = r.data[1:]
	return 1, nil
}

func TestStreamArgs(t *testing.T) {
	args := streamArgs("/dev/video0", camera.Size{Width: 1280, Height: 720}, 30)
	joined := " " + string(bytes.Join(toBytes(args), []byte(" "))) + " "

	assert.Contains(t, joined, " -video_size 1280x720 ")
	assert.Contains(t, joined, " -framerate 30 ")
	assert.Contains(t, joined, " -i /dev/video0 ")
	assert.Contains(t, joined, " -f image2pipe ")
}

func TestStillArgs(t *testing.T) {
	args := stillArgs("/dev/video1", camera.Size{Width: 640, Height: 480})
	assert.Contains(t, args, "-vframes")
	assert.Contains(t, args, "640x480")
}

func toBytes(ss []string) [][]byte {
	out := make([][]byte, len(ss))
	for i, s := range ss {
		out[i] = []byte(s)
	}
	return out
}

func TestReadFrames(t *testing.T) {
	if _, err := exec.LookPath("cat"); err != nil {
		t.Skip("cat が見つかりません")
	}

	path := filepath.Join(t.TempDir(), "stream.mjpeg")
	require.NoError(t, os.WriteFile(path, append(jpegFrame("a"), jpegFrame("b")...), 0o600))

	ctx := context.Background()
	var frames [][]byte
	err := readFrames(ctx, exec.CommandContext(ctx, "cat", path), func(b []byte) {
		frames = append(frames, b)
	})

	// コマンドが自然に終了するとストリーム終了のエラーになる
	require.Error(t, err)
	assert.Equal(t, [][]byte{jpegFrame("a"), jpegFrame("b")}, frames)
}

func TestCaptureStill(t *testing.T) {
	if _, err := exec.LookPath("cat"); err != nil {
		t.Skip("cat が見つかりません")
	}

	dir := t.TempDir()
	good := filepath.Join(dir, "still.jpg")
	require.NoError(t, os.WriteFile(good, jpegFrame("still"), 0o600))
	bad := filepath.Join(dir, "still.txt")
	require.NoError(t, os.WriteFile(bad, []byte("text"), 0o600))

	data, err := captureStill(exec.Command("cat", good))
	require.NoError(t, err)
	assert.Equal(t, jpegFrame("still"), data)

	_, err = captureStill(exec.Command("cat", bad))
	assert.Error(t, err)

	_, err = captureStill(exec.Command("cat", filepath.Join(dir, "missing")))
	assert.Error(t, err)
}
