package preview

import (
	"context"
	"fmt"
	"io"
	"net/textproto"
	"strconv"
)

// Boundary はMJPEGストリームのパート境界
const Boundary = "frame"

// ContentType はMJPEGストリームのContent-Type
const ContentType = "multipart/x-mixed-replace; boundary=" + Boundary

// Flusher はパートごとに送信バッファを吐き出す書き込み先
type Flusher interface {
	Flush()
}

// WriteMJPEG は ctx が終わるまで購読したフレームをマルチパートで書き込む
// 書き込みに失敗したらクライアントが切断したとみなして終了する
func WriteMJPEG(ctx context.Context, w io.Writer, s *Surface) error {
	frames, unsubscribe := s.Subscribe()
	defer unsubscribe()

	flusher, _ := w.(Flusher)

	for {
		select {
		case <-ctx.Done():
			return nil
		case frame := <-frames:
			if err := writePart(w, frame.Data); err != nil {
				return fmt.Errorf("MJPEGフレームの書き込みに失敗: %w", err)
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}

func writePart(w io.Writer, jpeg []byte) error {
	header := make(textproto.MIMEHeader)
	header.Set("Content-Type", "image/jpeg")
	header.Set("Content-Length", strconv.Itoa(len(jpeg)))

	if _, err := fmt.Fprintf(w, "--%s\r\n", Boundary); err != nil {
		return err
	}
	for key, values := range header {
		for _, v := range values {
			if _, err := fmt.Fprintf(w, "%s: %s\r\n", key, v); err != nil {
				return err
			}
		}
	}
	if _, err := io.WriteString(w, "\r\n"); err != nil {
		return err
	}
	if _, err := w.Write(jpeg); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\r\n")
	return err
}
