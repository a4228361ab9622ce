package v4l2

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"

	"kagami/internal/camera"
)

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

const maxFrameBytes = 16 * 1024 * 1024

// CommandFunc はデバイスからMJPEGを連続出力するコマンドを作る
type CommandFunc func(ctx context.Context, device string, size camera.Size, fps int) *exec.Cmd

// FFmpegStream はffmpegでV4L2デバイスからMJPEGを連続出力する
func FFmpegStream(ctx context.Context, device string, size camera.Size, fps int) *exec.Cmd {
	return exec.CommandContext(ctx, "ffmpeg", streamArgs(device, size, fps)...)
}

// FFmpegStill はffmpegでV4L2デバイスから1フレームだけJPEGを出力する
func FFmpegStill(ctx context.Context, device string, size camera.Size, _ int) *exec.Cmd {
	return exec.CommandContext(ctx, "ffmpeg", stillArgs(device, size)...)
}

func streamArgs(device string, size camera.Size, fps int) []string {
	return []string{
		"-hide_banner", "-loglevel", "error",
		"-f", "v4l2",
		"-video_size", size.String(),
		"-framerate", strconv.Itoa(fps),
		"-i", device,
		"-f", "image2pipe",
		"-c:v", "mjpeg",
		"-q:v", "3",
		"-",
	}
}

func stillArgs(device string, size camera.Size) []string {
	return []string{
		"-hide_banner", "-loglevel", "error",
		"-f", "v4l2",
		"-video_size", size.String(),
		"-i", device,
		"-vframes", "1",
		"-f", "image2",
		"-c:v", "mjpeg",
		"-q:v", "2",
		"-",
	}
}

// splitJPEG はSOIからEOIまでを1フレームとして切り出す bufio.SplitFunc
func splitJPEG(data []byte, atEOF bool) (int, []byte, error) {
	start := bytes.Index(data, jpegSOI)
	if start < 0 {
		// 次の読み込みでSOIが分割される可能性があるため末尾1バイトは残す
		if atEOF {
			return len(data), nil, nil
		}
		if len(data) > 1 {
			return len(data) - 1, nil, nil
		}
		return 0, nil, nil
	}

	end := bytes.Index(data[start+len(jpegSOI):], jpegEOI)
	if end < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		// 先頭のゴミを捨てて続きを待つ
		return start, nil, nil
	}

	end += start + len(jpegSOI) + len(jpegEOI)
	frame := make([]byte, end-start)
	copy(frame, data[start:end])
	return end, frame, nil
}

// readFrames はコマンドの標準出力からJPEGフレームを読み出して onFrame に渡す
// コマンドの終了まで、または ctx の終了までブロックする
func readFrames(ctx context.Context, cmd *exec.Cmd, onFrame func([]byte)) error {
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdoutパイプの作成に失敗: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("キャプチャコマンドの起動に失敗: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 1024*1024), maxFrameBytes)
	scanner.Split(splitJPEG)
	for scanner.Scan() {
		onFrame(scanner.Bytes())
	}
	scanErr := scanner.Err()

	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		return nil
	}
	if scanErr != nil {
		return fmt.Errorf("フレーム読み取りエラー: %w", scanErr)
	}
	if waitErr != nil {
		return fmt.Errorf("キャプチャコマンドが異常終了: %w (stderr: %s)", waitErr, tail(stderr.Bytes(), 512))
	}
	return errors.New("キャプチャコマンドが終了しました")
}

// captureStill はコマンドを実行して1枚のJPEGを返す
func captureStill(cmd *exec.Cmd) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("JPEGフレームキャプチャに失敗: %w (stderr: %s)", err, tail(stderr.Bytes(), 512))
	}
	if !bytes.HasPrefix(stdout.Bytes(), jpegSOI) {
		return nil, errors.New("キャプチャ結果がJPEGではありません")
	}
	return stdout.Bytes(), nil
}

func tail(b []byte, n int) string {
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return string(bytes.TrimSpace(b))
}
