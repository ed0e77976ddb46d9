package calibration

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

// fileRecord はJSONファイル上の形式
type fileRecord struct {
	Mode      string  `json:"mode"`
	Gains     Gains   `json:"gains"`
	Timestamp float64 `json:"timestamp"`
}

// FileStore は記録を1つのJSONファイルに保存する
// 書き込みは一時ファイルへの書き込み → fsync → rename で行い、
// 途中で落ちても直前の記録は壊れない
type FileStore struct {
	mu     sync.Mutex
	path   string
	bounds Bounds
	now    func() time.Time
}

// NewFileStore は新しい FileStore を作成する
func NewFileStore(path string, bounds Bounds) *FileStore {
	return &FileStore{path: path, bounds: bounds, now: time.Now}
}

// Path は保存先のパスを返す
func (s *FileStore) Path() string {
	return s.path
}

// Load は記録を読み込み、ゲインを範囲内に丸めて返す
func (s *FileStore) Load(_ context.Context) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("%w: %s の読み込みに失敗: %w", ErrIO, s.path, err)
	}

	var fr fileRecord
	if err := json.Unmarshal(data, &fr); err != nil {
		return Record{}, false, fmt.Errorf("%w: %s の解析に失敗: %w", ErrIO, s.path, err)
	}

	return Record{
		Gains:     s.bounds.Clamp(fr.Gains),
		Timestamp: fromUnixSeconds(fr.Timestamp),
	}, true, nil
}

// Save はゲインを範囲内に丸めてアトミックに保存する
func (s *FileStore) Save(_ context.Context, g Gains) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := Record{Gains: s.bounds.Clamp(g), Timestamp: recordTime(s.now())}
	data, err := json.MarshalIndent(fileRecord{
		Mode:      ModeLocked,
		Gains:     rec.Gains,
		Timestamp: unixSeconds(rec.Timestamp),
	}, "", "  ")
	if err != nil {
		return Record{}, fmt.Errorf("%w: エンコードに失敗: %w", ErrIO, err)
	}

	if err := writeFileAtomic(s.path, data); err != nil {
		return Record{}, fmt.Errorf("%w: %w", ErrIO, err)
	}
	return rec, nil
}

// Clear は記録ファイルを削除する。ファイルがなくてもエラーにしない
func (s *FileStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s の削除に失敗: %w", ErrIO, s.path, err)
	}
	return nil
}

// writeFileAtomic は path.tmp に書き込んで fsync してから rename する
func writeFileAtomic(path string, data []byte) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("ディレクトリの作成に失敗: %w", err)
		}
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("一時ファイルの作成に失敗: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("一時ファイルへの書き込みに失敗: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("fsyncに失敗: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("一時ファイルのクローズに失敗: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("renameに失敗: %w", err)
	}
	return nil
}
