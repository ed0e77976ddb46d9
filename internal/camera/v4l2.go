//go:build linux

package camera

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"sync"
	"time"

	"github.com/vladimirvivien/go4vl/device"
	"github.com/vladimirvivien/go4vl/v4l2"
)

const v4l2BufferSize = 4

// V4L2Source は go4vl で V4L2 デバイスから MJPEG フレームを直接取得する
type V4L2Source struct {
	mu       sync.Mutex
	path     string
	dev      *device.Device
	cancel   context.CancelFunc
	frames   <-chan []byte
	controls *Controls

	readTimeout time.Duration // この時間フレームが来なければ読み込み失敗とする
}

// NewV4L2Source は新しい V4L2Source を作成する
func NewV4L2Source(run Runner, readTimeout time.Duration) *V4L2Source {
	return &V4L2Source{
		controls:    NewControls("", run),
		readTimeout: readTimeout,
	}
}

// Open はデバイスを開き、キャプチャ可能かを確認する
func (s *V4L2Source) Open(_ context.Context, path string) error {
	dev, err := device.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrDeviceOpen, path, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.path = path
	s.dev = dev
	s.controls = NewControls(path, s.controls.run)
	return nil
}

// Configure はフォーマットを指定してデバイスを開き直し、ストリーミングを開始する
// 実際に選ばれた値はドライバーから読み戻す
func (s *V4L2Source) Configure(_ context.Context, want Settings) (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		return Settings{}, fmt.Errorf("%w: %w", ErrDeviceOpen, ErrNotOpen)
	}
	s.release()

	dev, err := device.Open(s.path,
		device.WithIOType(v4l2.IOTypeMMAP),
		device.WithPixFormat(v4l2.PixFormat{
			PixelFormat: v4l2.PixelFmtMJPEG,
			Width:       uint32(want.Width),
			Height:      uint32(want.Height),
			Field:       v4l2.FieldNone,
		}),
		device.WithFPS(uint32(want.FPS)),
		device.WithBufferSize(v4l2BufferSize),
	)
	if err != nil {
		return Settings{}, fmt.Errorf("%w: フォーマット設定に失敗: %w", ErrDeviceOpen, err)
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	if err := dev.Start(streamCtx); err != nil {
		cancel()
		_ = dev.Close()
		return Settings{}, fmt.Errorf("%w: ストリーミング開始に失敗: %w", ErrDeviceOpen, err)
	}

	s.dev = dev
	s.cancel = cancel
	s.frames = dev.GetOutput()

	got := want
	if pix, err := dev.GetPixFormat(); err == nil {
		got.Width = int(pix.Width)
		got.Height = int(pix.Height)
	}
	if fps, err := dev.GetFrameRate(); err == nil && fps > 0 {
		got.FPS = int(fps)
	}
	return got, nil
}

// ReadFrame は次の MJPEG フレームをデコードして返す
func (s *V4L2Source) ReadFrame(ctx context.Context) (image.Image, error) {
	s.mu.Lock()
	frames := s.frames
	s.mu.Unlock()
	if frames == nil {
		return nil, fmt.Errorf("%w: %w", ErrRead, ErrNotOpen)
	}

	timer := time.NewTimer(s.readTimeout)
	defer timer.Stop()

	select {
	case data, ok := <-frames:
		if !ok {
			return nil, fmt.Errorf("%w: ストリームが終了しました", ErrRead)
		}
		img, err := jpeg.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("%w: JPEG画像のデコードに失敗: %w", ErrRead, err)
		}
		return img, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: %v 以内にフレームが届きません", ErrRead, s.readTimeout)
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrRead, ctx.Err())
	}
}

// SetExposure は v4l2-ctl で露出値を設定する
func (s *V4L2Source) SetExposure(ctx context.Context, value int) error {
	return s.controls.SetExposure(ctx, value)
}

// SetModeHint は v4l2-ctl でデバイス側の自動WBを切り替える
func (s *V4L2Source) SetModeHint(ctx context.Context, night bool) error {
	return s.controls.SetModeHint(ctx, night)
}

// ApplyControls は起動時のコントロールを適用する
func (s *V4L2Source) ApplyControls(ctx context.Context, controls ...Control) error {
	return s.controls.Set(ctx, controls...)
}

// Close はストリーミングを止めてデバイスを解放する
func (s *V4L2Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.release()
}

func (s *V4L2Source) release() error {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.frames = nil
	if s.dev == nil {
		return nil
	}
	err := s.dev.Close()
	s.dev = nil
	if err != nil {
		return fmt.Errorf("デバイスのクローズに失敗: %w", err)
	}
	return nil
}
