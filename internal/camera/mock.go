package camera

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"sync"
)

// ReadFunc は MockSource の n 回目（0始まり）の読み込み結果を返す
type ReadFunc func(ctx context.Context, n int) (image.Image, error)

// MockSource はテストとデモ用のソース実装
// 既定ではフレーム番号に応じて動くテストパターンを返す
type MockSource struct {
	mu         sync.Mutex
	device     string
	settings   Settings
	negotiated *Settings
	readFunc   ReadFunc
	openErr    error

	opens     int
	closes    int
	reads     int
	exposures []int
	hints     []bool
	controls  []Control
}

// NewMockSource は新しい MockSource を作成する
func NewMockSource() *MockSource {
	return &MockSource{}
}

// SetReadFunc は読み込み結果を差し替える
func (m *MockSource) SetReadFunc(f ReadFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readFunc = f
}

// SetFrame は常に同じ画像を返すようにする
func (m *MockSource) SetFrame(img image.Image) {
	m.SetReadFunc(func(context.Context, int) (image.Image, error) { return img, nil })
}

// SetOpenError は Open が返すエラーを設定する
func (m *MockSource) SetOpenError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openErr = err
}

// SetNegotiated はデバイスが選んだことにする値を設定する
func (m *MockSource) SetNegotiated(s Settings) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.negotiated = &s
}

// Open はモックデバイスを開く
func (m *MockSource) Open(_ context.Context, device string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opens++
	if m.openErr != nil {
		return fmt.Errorf("%w: %s: %w", ErrDeviceOpen, device, m.openErr)
	}
	m.device = device
	return nil
}

// Configure は要求値、または SetNegotiated で指定された値を返す
func (m *MockSource) Configure(_ context.Context, want Settings) (Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.device == "" {
		return Settings{}, fmt.Errorf("%w: %w", ErrDeviceOpen, ErrNotOpen)
	}
	m.settings = want
	if m.negotiated != nil {
		m.settings = *m.negotiated
	}
	return m.settings, nil
}

// ReadFrame は次のフレームを返す
func (m *MockSource) ReadFrame(ctx context.Context) (image.Image, error) {
	m.mu.Lock()
	if m.device == "" {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %w", ErrRead, ErrNotOpen)
	}
	n := m.reads
	m.reads++
	f := m.readFunc
	settings := m.settings
	m.mu.Unlock()

	if f == nil {
		return testPattern(settings.Width, settings.Height, n), nil
	}
	img, err := f(ctx, n)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRead, err)
	}
	return img, nil
}

// Close はモックデバイスを閉じる
func (m *MockSource) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closes++
	m.device = ""
	return nil
}

// SetExposure は設定された露出値を記録する
func (m *MockSource) SetExposure(_ context.Context, value int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exposures = append(m.exposures, value)
	return nil
}

// SetModeHint は夜モードヒントを記録する
func (m *MockSource) SetModeHint(_ context.Context, night bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hints = append(m.hints, night)
	return nil
}

// ApplyControls は適用されたコントロールを記録する
func (m *MockSource) ApplyControls(_ context.Context, controls ...Control) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.controls = append(m.controls, controls...)
	return nil
}

// Opens は Open が呼ばれた回数を返す
func (m *MockSource) Opens() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opens
}

// Closes は Close が呼ばれた回数を返す
func (m *MockSource) Closes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closes
}

// Reads は ReadFrame が呼ばれた回数を返す
func (m *MockSource) Reads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads
}

// Exposures は設定された露出値の履歴を返す
func (m *MockSource) Exposures() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.exposures...)
}

// Hints は夜モードヒントの履歴を返す
func (m *MockSource) Hints() []bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]bool(nil), m.hints...)
}

// Controls は適用されたコントロールの履歴を返す
func (m *MockSource) Controls() []Control {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Control(nil), m.controls...)
}

// testPattern は n に応じて横に流れるグラデーションを生成する
func testPattern(width, height, n int) image.Image {
	if width <= 0 || height <= 0 {
		width, height = 320, 240
	}
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	shift := n * 4
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			v := uint8((x + shift) * 255 / width)
			img.SetRGBA(x, y, color.RGBA{R: v, G: uint8(y * 255 / height), B: 255 - v, A: 255})
		}
	}
	return img
}
