package imaging

import (
	"errors"
	"image"
	"math"

	"podcam/internal/calibration"
)

var (
	// ErrNoFrame はキャリブレーションに使える補正前フレームがまだないことを表す
	ErrNoFrame = errors.New("imaging: no recent frame available")
	// ErrUnknownMode は不明なWBモードが指定されたことを表す
	ErrUnknownMode = errors.New("imaging: unknown white balance mode")
)

// ExposureMode は昼夜モード
type ExposureMode int

const (
	ModeDay ExposureMode = iota
	ModeNight
)

// String はモード名を返す
func (m ExposureMode) String() string {
	if m == ModeNight {
		return "night"
	}
	return "day"
}

// Label はフレームに描画するラベルを返す
func (m ExposureMode) Label() string {
	if m == ModeNight {
		return "NIGHT"
	}
	return "DAY"
}

// WBMode はホワイトバランスのモード
type WBMode string

const (
	WBOff    WBMode = "off"
	WBAuto   WBMode = "auto_grayworld"
	WBLocked WBMode = "locked"
)

// ParseWBMode は文字列をWBモードに変換する
func ParseWBMode(s string) (WBMode, error) {
	switch WBMode(s) {
	case WBOff, WBAuto, WBLocked:
		return WBMode(s), nil
	}
	return "", ErrUnknownMode
}

// Gains はチャンネル毎のホワイトバランスゲイン
type Gains = calibration.Gains

// ROI の大きさの範囲と既定値
const (
	ROISizeMin     = 0.05
	ROISizeMax     = 0.95
	ROISizeDefault = 0.45
)

// ROI はホワイトバランス推定に使う領域の指定
type ROI struct {
	Center bool    // true なら中央の正方形、false ならフレーム全体
	Size   float64 // 短辺に対する正方形の一辺の比率
}

// NewROI はクエリの値から ROI を作成する。size は [0.05, 0.95] に丸める
// 数値でない size は既定値として扱う
func NewROI(mode string, size float64) ROI {
	if math.IsNaN(size) {
		size = ROISizeDefault
	}
	if size < ROISizeMin {
		size = ROISizeMin
	}
	if size > ROISizeMax {
		size = ROISizeMax
	}
	return ROI{Center: mode == "center", Size: size}
}

// Name は ROI の種類を返す
func (r ROI) Name() string {
	if r.Center {
		return "center"
	}
	return "full"
}

// Rect は bounds 内の対象領域を返す
func (r ROI) Rect(bounds image.Rectangle) image.Rectangle {
	if !r.Center {
		return bounds
	}
	w, h := bounds.Dx(), bounds.Dy()
	s := int(float64(min(w, h)) * r.Size)
	if s < 1 {
		s = 1
	}
	cx, cy := bounds.Min.X+w/2, bounds.Min.Y+h/2
	x1 := max(bounds.Min.X, cx-s/2)
	y1 := max(bounds.Min.Y, cy-s/2)
	return image.Rect(x1, y1, min(bounds.Max.X, x1+s), min(bounds.Max.Y, y1+s))
}
