package imaging

import (
	"image"
	"sync"
)

const (
	// lumaAlpha は輝度のEMA係数
	lumaAlpha = 0.3
	// confirmSamples はモード切り替えに必要な連続サンプル数
	confirmSamples = 2
)

// ExposureController は輝度サンプルから昼夜モードを決める
// 2つの閾値の間はヒステリシス帯で、どちらへの遷移も起きない
type ExposureController struct {
	mu             sync.RWMutex
	nightThreshold float64
	dayThreshold   float64

	mode     ExposureMode
	smoothed float64
	raw      float64
	seeded   bool
	streak   int
}

// NewExposureController は昼モードで開始するコントローラーを作成する
func NewExposureController(nightThreshold, dayThreshold float64) *ExposureController {
	return &ExposureController{
		nightThreshold: nightThreshold,
		dayThreshold:   dayThreshold,
		mode:           ModeDay,
	}
}

// Observe は生の輝度を1サンプル取り込み、現在のモードとモードが変わったかを返す
func (e *ExposureController) Observe(raw float64) (ExposureMode, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.raw = raw
	if !e.seeded {
		e.smoothed = raw
		e.seeded = true
	} else {
		e.smoothed = lumaAlpha*raw + (1-lumaAlpha)*e.smoothed
	}

	toNight := e.mode == ModeDay && e.smoothed < e.nightThreshold
	toDay := e.mode == ModeNight && e.smoothed > e.dayThreshold
	if !toNight && !toDay {
		e.streak = 0
		return e.mode, false
	}

	e.streak++
	if e.streak < confirmSamples {
		return e.mode, false
	}

	e.streak = 0
	if toNight {
		e.mode = ModeNight
	} else {
		e.mode = ModeDay
	}
	return e.mode, true
}

// Mode は現在のモードを返す
func (e *ExposureController) Mode() ExposureMode {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.mode
}

// Luma は平滑化後と直近の生の輝度を返す。まだサンプルがなければ ok は false
func (e *ExposureController) Luma() (smoothed, raw float64, ok bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.smoothed, e.raw, e.seeded
}

// MeanLuma は Rec.601 の重みで正規化した平均輝度を返す
func MeanLuma(img *image.RGBA) float64 {
	b := img.Bounds()
	n := b.Dx() * b.Dy()
	if n == 0 {
		return 0
	}

	var sum uint64
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := img.Pix[img.PixOffset(b.Min.X, y):img.PixOffset(b.Max.X, y)]
		for i := 0; i+3 < len(row); i += 4 {
			sum += uint64(gray(row[i], row[i+1], row[i+2]))
		}
	}
	return float64(sum) / float64(n) / 255.0
}

// gray は Rec.601 の整数近似で輝度を計算する
func gray(r, g, b uint8) uint8 {
	return uint8((uint32(r)*4899 + uint32(g)*9617 + uint32(b)*1868 + 8192) >> 14)
}
