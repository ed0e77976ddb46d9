package camera

import (
	"context"
	"errors"
	"image"
)

var (
	// ErrDeviceOpen はデバイスのオープン・設定・ウォームアップに失敗したことを表す
	ErrDeviceOpen = errors.New("camera: device open failed")
	// ErrRead はフレーム読み込みの一時的な失敗を表す
	ErrRead = errors.New("camera: frame read failed")
	// ErrNotOpen はオープン前に操作されたことを表す
	ErrNotOpen = errors.New("camera: source not open")
)

// Settings はカメラの解像度とフレームレート
type Settings struct {
	Width  int // 画像幅
	Height int // 画像高さ
	FPS    int // フレームレート
}

// Source は単一の物理カメラを表すインターフェース
// 全てのメソッドはプロデューサー goroutine からのみ呼ばれる
type Source interface {
	// Open はデバイスを開く。失敗時は ErrDeviceOpen をラップして返す
	Open(ctx context.Context, device string) error

	// Configure は要求値を設定し、デバイスが実際に選んだ値を返す
	Configure(ctx context.Context, want Settings) (Settings, error)

	// ReadFrame は補正前のフレームを1枚読み込む。失敗時は ErrRead をラップして返す
	ReadFrame(ctx context.Context) (image.Image, error)

	// Close はデバイスを解放する
	Close() error
}

// ExposureSetter は手動露出値を設定できるソース
type ExposureSetter interface {
	SetExposure(ctx context.Context, value int) error
}

// ModeHinter は昼夜モードに応じたデバイス側の制御を持つソース
type ModeHinter interface {
	SetModeHint(ctx context.Context, night bool) error
}

// ControlApplier は起動時にデバイスコントロールを適用できるソース
type ControlApplier interface {
	ApplyControls(ctx context.Context, controls ...Control) error
}

// Discovery はカメラデバイスの検出機能を提供する
type Discovery interface {
	// ScanDevices はシステム内の利用可能なカメラデバイスをスキャンする
	ScanDevices(ctx context.Context) ([]string, error)

	// IsDeviceAvailable は指定されたデバイスが利用可能かチェックする
	IsDeviceAvailable(ctx context.Context, device string) bool

	// GetDeviceInfo はデバイスの詳細情報を取得する
	GetDeviceInfo(ctx context.Context, device string) (*DeviceInfo, error)
}

// DeviceInfo はカメラデバイスの詳細情報を表す
type DeviceInfo struct {
	Device  string   // デバイスパス
	Name    string   // デバイス名
	Driver  string   // ドライバー名
	Formats []string // サポートされるピクセルフォーマット
}
