package timelapse

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/renameio/v2"
	"github.com/google/uuid"
)

const dayLayout = "2006-01-02"

// Store は日付ごとのディレクトリに静止画を保存する
type Store struct {
	dir string
}

// NewStore は新しいStoreを作成する
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Save はJPEGをアトミックに書き込む
func (s *Store) Save(data []byte, takenAt time.Time) (Still, error) {
	dayDir := filepath.Join(s.dir, takenAt.Format(dayLayout))
	if err := os.MkdirAll(dayDir, 0o755); err != nil {
		return Still{}, fmt.Errorf("出力ディレクトリの作成に失敗: %w", err)
	}

	id := uuid.NewString()
	path := filepath.Join(dayDir, fmt.Sprintf("%s_%s.jpg", takenAt.Format("150405"), id[:8]))

	pending, err := renameio.NewPendingFile(path, renameio.WithPermissions(0o644))
	if err != nil {
		return Still{}, fmt.Errorf("一時ファイルの作成に失敗: %w", err)
	}
	defer func() { _ = pending.Cleanup() }()

	if _, err := pending.Write(data); err != nil {
		return Still{}, fmt.Errorf("静止画の書き込みに失敗: %w", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return Still{}, fmt.Errorf("静止画の保存に失敗: %w", err)
	}

	return Still{ID: id, Path: path, Size: int64(len(data)), TakenAt: takenAt}, nil
}

// List は保存済みの静止画を撮影順に返す
func (s *Store) List() ([]Still, error) {
	days, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []Still{}, nil
		}
		return nil, fmt.Errorf("ディレクトリの読み取りに失敗: %w", err)
	}

	stills := []Still{}
	for _, day := range days {
		if !day.IsDir() {
			continue
		}
		if _, err := time.Parse(dayLayout, day.Name()); err != nil {
			continue
		}

		entries, err := os.ReadDir(filepath.Join(s.dir, day.Name()))
		if err != nil {
			return nil, fmt.Errorf("ディレクトリの読み取りに失敗: %w", err)
		}
		for _, entry := range entries {
			if entry.IsDir() || filepath.Ext(entry.Name()) != ".jpg" {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				continue
			}

			name := strings.TrimSuffix(entry.Name(), ".jpg")
			stamp, id, _ := strings.Cut(name, "_")
			takenAt, err := time.ParseInLocation(dayLayout+"150405", day.Name()+stamp, time.Local)
			if err != nil {
				takenAt = info.ModTime()
			}

			stills = append(stills, Still{
				ID:      id,
				Path:    filepath.Join(s.dir, day.Name(), entry.Name()),
				Size:    info.Size(),
				TakenAt: takenAt,
			})
		}
	}

	sort.Slice(stills, func(i, j int) bool {
		return stills[i].TakenAt.Before(stills[j].TakenAt)
	})
	return stills, nil
}

// Prune は保持期間を過ぎた日付のディレクトリを削除し、削除した日数を返す
func (s *Store) Prune(now time.Time, retentionDays int) (int, error) {
	if retentionDays <= 0 {
		return 0, nil
	}

	days, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("ディレクトリの読み取りに失敗: %w", err)
	}

	cutoff := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).
		AddDate(0, 0, -retentionDays)

	removed := 0
	for _, day := range days {
		if !day.IsDir() {
			continue
		}
		date, err := time.ParseInLocation(dayLayout, day.Name(), now.Location())
		if err != nil || !date.Before(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.dir, day.Name())); err != nil {
			return removed, fmt.Errorf("%s の削除に失敗: %w", day.Name(), err)
		}
		removed++
	}
	return removed, nil
}
