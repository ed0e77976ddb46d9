package imaging

import (
	"image"
	"sync"

	"golang.org/x/image/draw"

	"podcam/internal/calibration"
)

// grayworldMaxWidth は推定前に縮小する幅の上限
const grayworldMaxWidth = 320

// Grayworld はグレーワールド仮定でゲインを推定する
type Grayworld struct {
	ExcludeDark   uint8 // これ未満の輝度の画素は除外
	ExcludeBright uint8 // これを超える輝度の画素は除外
	Bounds        calibration.Bounds
}

// Estimate は img の roi 領域からゲインを推定する
// 有効な画素がなければ (1,1,1) を返す。img は変更しない
func (gw Grayworld) Estimate(img *image.RGBA, roi ROI) Gains {
	region := roi.Rect(img.Bounds())
	if region.Empty() {
		return calibration.Unity
	}
	src := img.SubImage(region).(*image.RGBA)

	small := src
	if w := region.Dx(); w > grayworldMaxWidth {
		h := max(1, region.Dy()*grayworldMaxWidth/w)
		small = image.NewRGBA(image.Rect(0, 0, grayworldMaxWidth, h))
		draw.ApproxBiLinear.Scale(small, small.Bounds(), src, region, draw.Src, nil)
	}

	var sumR, sumG, sumB, n uint64
	b := small.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := small.Pix[small.PixOffset(b.Min.X, y):small.PixOffset(b.Max.X, y)]
		for i := 0; i+3 < len(row); i += 4 {
			r, g, bl := row[i], row[i+1], row[i+2]
			if v := gray(r, g, bl); v < gw.ExcludeDark || v > gw.ExcludeBright {
				continue
			}
			sumR += uint64(r)
			sumG += uint64(g)
			sumB += uint64(bl)
			n++
		}
	}
	if n == 0 {
		return calibration.Unity
	}

	meanR := float64(sumR) / float64(n)
	meanG := float64(sumG) / float64(n)
	meanB := float64(sumB) / float64(n)
	target := (meanR + meanG + meanB) / 3

	gains := Gains{
		R: target / max(meanR, 1e-6),
		G: target / max(meanG, 1e-6),
		B: target / max(meanB, 1e-6),
	}
	// 明るさは変えずに色かぶりだけを補正するため緑を 1.0 に揃える
	gains.R /= gains.G
	gains.B /= gains.G
	gains.G = 1.0

	return gw.Bounds.Clamp(gains)
}

// WhiteBalance はホワイトバランスのモードと現在のゲインを保持する
// モードは制御リクエストでのみ変わり、パイプラインは自動モードのゲインだけを更新する
type WhiteBalance struct {
	mu     sync.RWMutex
	mode   WBMode
	gains  Gains
	alpha  float64
	bounds calibration.Bounds
}

// NewWhiteBalance は (1,1,1) のゲインで開始する WhiteBalance を作成する
func NewWhiteBalance(mode WBMode, alpha float64, bounds calibration.Bounds) *WhiteBalance {
	return &WhiteBalance{
		mode:   mode,
		gains:  calibration.Unity,
		alpha:  alpha,
		bounds: bounds,
	}
}

// State は現在のモードとゲインを返す
func (w *WhiteBalance) State() (WBMode, Gains) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.mode, w.gains
}

// SetMode はモードを変更する。off はゲインも (1,1,1) に戻す
func (w *WhiteBalance) SetMode(mode WBMode) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.mode = mode
	if mode == WBOff {
		w.gains = calibration.Unity
	}
}

// Lock はゲインを範囲内に丸めて固定し、固定したゲインを返す
func (w *WhiteBalance) Lock(g Gains) Gains {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.gains = w.bounds.Clamp(g)
	w.mode = WBLocked
	return w.gains
}

// Blend は自動モードのときだけ推定値をEMAで取り込む
func (w *WhiteBalance) Blend(est Gains) (Gains, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.mode != WBAuto {
		return w.gains, false
	}
	a := w.alpha
	w.gains = w.bounds.Clamp(Gains{
		R: (1-a)*w.gains.R + a*est.R,
		G: (1-a)*w.gains.G + a*est.G,
		B: (1-a)*w.gains.B + a*est.B,
	})
	return w.gains, true
}
