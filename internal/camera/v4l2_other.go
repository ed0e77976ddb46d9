//go:build !linux

package camera

import (
	"context"
	"fmt"
	"image"
	"runtime"
	"time"
)

// V4L2Source は Linux 以外では利用できない
type V4L2Source struct{}

// NewV4L2Source は常にオープンに失敗するソースを返す
func NewV4L2Source(_ Runner, _ time.Duration) *V4L2Source {
	return &V4L2Source{}
}

// Open は常に ErrDeviceOpen を返す
func (s *V4L2Source) Open(_ context.Context, path string) error {
	return fmt.Errorf("%w: %s: v4l2 は %s では利用できません", ErrDeviceOpen, path, runtime.GOOS)
}

// Configure は常に ErrDeviceOpen を返す
func (s *V4L2Source) Configure(_ context.Context, _ Settings) (Settings, error) {
	return Settings{}, fmt.Errorf("%w: %w", ErrDeviceOpen, ErrNotOpen)
}

// ReadFrame は常に ErrRead を返す
func (s *V4L2Source) ReadFrame(_ context.Context) (image.Image, error) {
	return nil, fmt.Errorf("%w: %w", ErrRead, ErrNotOpen)
}

// Close は何もしない
func (s *V4L2Source) Close() error {
	return nil
}
