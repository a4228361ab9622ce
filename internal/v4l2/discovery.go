package v4l2

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"slices"
	"sort"
	"strconv"
	"strings"

	"kagami/internal/camera"
)

var (
	deviceNumberRe = regexp.MustCompile(`video(\d+)$`)
	frameSizeRe    = regexp.MustCompile(`Size:\s+Discrete\s+(\d+)x(\d+)`)
)

// runner は外部コマンドを実行して標準出力を返す
type runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// Discovery はV4L2デバイスの検出と能力の問い合わせを行う
type Discovery struct {
	devDir string
	run    runner
}

// NewDiscovery は新しいDiscoveryを作成する
func NewDiscovery() *Discovery {
	return &Discovery{devDir: "/dev", run: execRunner}
}

// ScanDevices は /dev/video* を番号順に返す
func (d *Discovery) ScanDevices(ctx context.Context) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(d.devDir, "video*"))
	if err != nil {
		return nil, fmt.Errorf("デバイスのスキャンに失敗: %w", err)
	}

	sort.Slice(matches, func(i, j int) bool {
		return extractDeviceNumber(matches[i]) < extractDeviceNumber(matches[j])
	})

	devices := make([]string, 0, len(matches))
	for _, match := range matches {
		select {
		case <-ctx.Done():
			return devices, ctx.Err()
		default:
		}

		if deviceNumberRe.MatchString(match) {
			devices = append(devices, match)
		}
	}

	return devices, nil
}

// DeviceName は v4l2-ctl の "Card type" からカメラ名を取得する
func (d *Discovery) DeviceName(ctx context.Context, device string) string {
	output, err := d.run(ctx, "v4l2-ctl", "--device", device, "--info")
	if err != nil {
		return fmt.Sprintf("カメラ %d", extractDeviceNumber(device))
	}
	if name := parseCardType(string(output)); name != "" {
		return name
	}
	return fmt.Sprintf("カメラ %d", extractDeviceNumber(device))
}

// ListSizes はデバイスが対応するフレームサイズを返す
func (d *Discovery) ListSizes(ctx context.Context, device string) ([]camera.Size, error) {
	output, err := d.run(ctx, "v4l2-ctl", "--device", device, "--list-formats-ext")
	if err != nil {
		return nil, fmt.Errorf("フォーマット一覧の取得に失敗: %w", err)
	}

	sizes := parseFrameSizes(string(output))
	if len(sizes) == 0 {
		return nil, fmt.Errorf("%s は離散フレームサイズを報告しません", device)
	}
	return sizes, nil
}

// parseCardType は v4l2-ctl --info の出力からカード名を取り出す
func parseCardType(output string) string {
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "Card type") {
			continue
		}
		if _, value, ok := strings.Cut(line, ":"); ok {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

// parseFrameSizes は v4l2-ctl --list-formats-ext の出力から重複なくサイズを集める
func parseFrameSizes(output string) []camera.Size {
	var sizes []camera.Size
	for _, m := range frameSizeRe.FindAllStringSubmatch(output, -1) {
		w, errW := strconv.Atoi(m[1])
		h, errH := strconv.Atoi(m[2])
		if errW != nil || errH != nil || w <= 0 || h <= 0 {
			continue
		}
		size := camera.Size{Width: w, Height: h}
		if !slices.Contains(sizes, size) {
			sizes = append(sizes, size)
		}
	}
	return sizes
}

// extractDeviceNumber はデバイスパスから番号を抽出する
func extractDeviceNumber(device string) int {
	matches := deviceNumberRe.FindStringSubmatch(device)
	if len(matches) < 2 {
		return 0
	}
	num, err := strconv.Atoi(matches[1])
	if err != nil {
		return 0
	}
	return num
}

// openable はデバイスファイルを読み取りで開けるかを返す
func openable(device string) error {
	file, err := os.OpenFile(device, os.O_RDONLY, 0)
	if err != nil {
		return err
	}
	return file.Close()
}
