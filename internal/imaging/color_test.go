package imaging

import (
	"image"
	"image/color"
	"testing"
	"time"
)

// TestGammaTable はガンマテーブルをテストする
func TestGammaTable(t *testing.T) {
	identity := gammaTable(1.0)
	for i, v := range identity {
		if int(v) != i {
			t.Fatalf("ガンマ 1.0 のテーブルが恒等ではありません: [%d] = %d", i, v)
		}
	}

	bright := gammaTable(2.0)
	if bright[0] != 0 || bright[255] != 255 {
		t.Errorf("両端の値が変わりました: %d %d", bright[0], bright[255])
	}
	if bright[64] <= 64 {
		t.Errorf("ガンマ > 1 では中間調が明るくなるはずです: %d", bright[64])
	}
}

// TestCorrectionLUT は色補正のLUTをテストする
func TestCorrectionLUT(t *testing.T) {
	lut := correctionLUT([3]float64{2.0, 1.0, 0.5}, 1.0)
	img := uniform(2, 2, color.RGBA{R: 100, G: 100, B: 100, A: 255})
	lut.apply(img)

	got := img.RGBAAt(1, 1)
	if got.R != 200 || got.G != 100 || got.B != 50 || got.A != 255 {
		t.Errorf("予期しないLUT: %+v", got)
	}

	// 上限で飽和する
	sat := correctionLUT([3]float64{3.0, 1, 1}, 1.0)
	if sat[0][200] != 255 {
		t.Errorf("255 で飽和するはずです: %d", sat[0][200])
	}
}

// TestBoostLUT は夜間補正のLUTをテストする
func TestBoostLUT(t *testing.T) {
	lut := boostLUT(1.0, 7, 1.0)
	if lut[0][0] != 7 || lut[1][100] != 107 || lut[2][255] != 255 {
		t.Errorf("予期しない夜間補正の値: %d %d %d", lut[0][0], lut[1][100], lut[2][255])
	}
}

// TestRotate は画像の回転をテストする
func TestRotate(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 3, 2))
	marker := color.RGBA{R: 255, A: 255}
	img.SetRGBA(0, 0, marker) // 左上

	testCases := []struct {
		deg    int
		w, h   int
		mx, my int
	}{
		{0, 3, 2, 0, 0},
		{90, 2, 3, 0, 2},  // 反時計回り: 左上 → 左下
		{180, 3, 2, 2, 1}, // 右下
		{270, 2, 3, 1, 0}, // 時計回り: 左上 → 右上
	}

	for _, tc := range testCases {
		out := rotate(img, tc.deg)
		if out.Bounds().Dx() != tc.w || out.Bounds().Dy() != tc.h {
			t.Errorf("%d 度: サイズが異なります: %v", tc.deg, out.Bounds())
			continue
		}
		if out.RGBAAt(tc.mx, tc.my) != marker {
			t.Errorf("%d 度: 目印が (%d,%d) にありません", tc.deg, tc.mx, tc.my)
		}
	}
}

// TestToRGBA_Copies はtoRGBA が元の画像を共有しないことをテストする
func TestToRGBA_Copies(t *testing.T) {
	src := uniform(4, 4, color.RGBA{R: 10, G: 20, B: 30, A: 255})
	dst := toRGBA(src)
	dst.Pix[0] = 99
	if src.Pix[0] != 10 {
		t.Error("toRGBA が元の画像を共有しています")
	}
}

// TestDrawModeLabel は昼夜ラベルの描画位置をテストする
func TestDrawModeLabel(t *testing.T) {
	img := uniform(200, 100, color.RGBA{A: 255})
	drawModeLabel(img, ModeNight)

	// 右上に赤い背景が描かれる
	if img.RGBAAt(185, 6) != nightLabelBg {
		t.Errorf("右上に夜モードの背景がありません: %+v", img.RGBAAt(185, 6))
	}
	// 左下は変化しない
	if img.RGBAAt(5, 95) != (color.RGBA{A: 255}) {
		t.Error("左下にラベルが描画されています")
	}

	drawModeLabel(img, ModeDay)
	if img.RGBAAt(185, 6) != dayLabelBg {
		t.Errorf("昼モードの背景がありません: %+v", img.RGBAAt(185, 6))
	}
}

// TestLabelOverlay_Cycle はラベルの表示周期をテストする
func TestLabelOverlay_Cycle(t *testing.T) {
	o := NewLabelOverlay("POD CAM", 10*time.Minute, 30*time.Second, 2, 0.7)
	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	steps := []struct {
		at      time.Duration
		visible bool
		changed bool
	}{
		{0, true, true},
		{10 * time.Second, true, false},
		{31 * time.Second, false, true},
		{5 * time.Minute, false, false},
		{10 * time.Minute, true, true},
		{10*time.Minute + 29*time.Second, true, false},
		{10*time.Minute + 30*time.Second, false, true},
	}

	for _, s := range steps {
		img := uniform(320, 240, color.RGBA{R: 200, G: 200, B: 200, A: 255})
		visible, changed := o.Apply(img, t0.Add(s.at))
		if visible != s.visible || changed != s.changed {
			t.Errorf("%v: visible=%v changed=%v, want %v/%v", s.at, visible, changed, s.visible, s.changed)
		}

		// 表示中は左下の背景が暗くなる
		corner := img.RGBAAt(15, 225)
		darkened := corner.R < 200
		if darkened != s.visible {
			t.Errorf("%v: 背景の暗化が異なります: %v, want %v", s.at, darkened, s.visible)
		}
	}
}
