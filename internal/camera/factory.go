package camera

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// キャプチャバックエンド名
const (
	BackendV4L2   = "v4l2"
	BackendFFmpeg = "ffmpeg"
	BackendMock   = "mock"
)

const defaultReadTimeout = 2 * time.Second

// SourceCreator はソース作成関数の型
type SourceCreator func() (Source, error)

// Factory はバックエンド名からソースを作成する
type Factory struct {
	creators map[string]SourceCreator
}

// NewFactory は標準のバックエンドを登録したファクトリーを作成する
func NewFactory(logger zerolog.Logger, run Runner) *Factory {
	f := &Factory{creators: make(map[string]SourceCreator)}

	f.Register(BackendV4L2, func() (Source, error) {
		return NewV4L2Source(run, defaultReadTimeout), nil
	})
	f.Register(BackendFFmpeg, func() (Source, error) {
		return NewFFmpegSource(logger, run, defaultReadTimeout), nil
	})
	f.Register(BackendMock, func() (Source, error) {
		return NewMockSource(), nil
	})

	return f
}

// Register はソース作成関数を登録する
func (f *Factory) Register(backend string, creator SourceCreator) {
	f.creators[backend] = creator
}

// Create はソースを作成する
func (f *Factory) Create(backend string) (Source, error) {
	creator, ok := f.creators[backend]
	if !ok {
		return nil, fmt.Errorf("サポートされていないバックエンド: %s (利用可能: %s)", backend, strings.Join(f.Backends(), ", "))
	}
	return creator()
}

// Backends は登録済みのバックエンド名を返す
func (f *Factory) Backends() []string {
	names := make([]string, 0, len(f.creators))
	for name := range f.creators {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
