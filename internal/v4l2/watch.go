package v4l2

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// waitForDevice はデバイスノードが現れるまで待つ
func waitForDevice(ctx context.Context, path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("ファイル監視の作成に失敗: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("%s の監視に失敗: %w", filepath.Dir(path), err)
	}

	// 監視開始までに作成された場合
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("デバイス %s が利用可能になりません: %w", path, ctx.Err())
		case event, ok := <-watcher.Events:
			if !ok {
				return errors.New("ファイル監視が終了しました")
			}
			if filepath.Clean(event.Name) == filepath.Clean(path) && event.Has(fsnotify.Create) {
				return nil
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return errors.New("ファイル監視が終了しました")
			}
			return fmt.Errorf("ファイル監視エラー: %w", err)
		}
	}
}

// watchRemoval はデバイスノードが消えたら onRemove を呼ぶ
// ctx が終わるまでブロックする
func watchRemoval(ctx context.Context, path string, onRemove func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("ファイル監視の作成に失敗: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("%s の監視に失敗: %w", filepath.Dir(path), err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(path) {
				continue
			}
			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				onRemove()
				return nil
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("ファイル監視エラー: %w", err)
		}
	}
}
