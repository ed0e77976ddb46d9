package imaging

import (
	"image"
	"math"

	"golang.org/x/image/draw"
)

// channelLUT は R, G, B それぞれの変換テーブル
type channelLUT [3][256]uint8

// gammaTable は out = (in/255)^(1/gamma) * 255 のテーブルを返す
func gammaTable(gamma float64) [256]uint8 {
	var t [256]uint8
	if gamma == 1.0 || gamma <= 0 {
		for i := range t {
			t[i] = uint8(i)
		}
		return t
	}
	inv := 1.0 / gamma
	for i := range t {
		t[i] = uint8(math.Pow(float64(i)/255.0, inv) * 255)
	}
	return t
}

// saturate は v を 0..255 に収めて切り捨てる
func saturate(v float64) uint8 {
	if v <= 0 {
		return 0
	}
	if v >= 255 {
		return 255
	}
	return uint8(v)
}

// correctionLUT はチャンネル毎の乗算と共通のガンマを1つのテーブルにまとめる
func correctionLUT(mult [3]float64, gamma float64) *channelLUT {
	g := gammaTable(gamma)
	var lut channelLUT
	for c := 0; c < 3; c++ {
		for i := 0; i < 256; i++ {
			lut[c][i] = g[saturate(float64(i)*mult[c])]
		}
	}
	return &lut
}

// boostLUT は夜モード用の contrast*v+brightness → ガンマのテーブルを作る
func boostLUT(contrast, brightness, gamma float64) *channelLUT {
	g := gammaTable(gamma)
	var lut channelLUT
	for i := 0; i < 256; i++ {
		v := g[saturate(math.Abs(contrast*float64(i)+brightness))]
		lut[0][i], lut[1][i], lut[2][i] = v, v, v
	}
	return &lut
}

// apply は img をその場で変換する
func (l *channelLUT) apply(img *image.RGBA) {
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := img.Pix[img.PixOffset(b.Min.X, y):img.PixOffset(b.Max.X, y)]
		for i := 0; i+3 < len(row); i += 4 {
			row[i] = l[0][row[i]]
			row[i+1] = l[1][row[i+1]]
			row[i+2] = l[2][row[i+2]]
		}
	}
}

// toRGBA は img のコピーを原点始まりの *image.RGBA として返す
func toRGBA(img image.Image) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}

// rotate は反時計回りに deg 度回転した画像を返す。0 の場合は img をそのまま返す
func rotate(img *image.RGBA, deg int) *image.RGBA {
	if deg != 90 && deg != 180 && deg != 270 {
		return img
	}

	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	var dst *image.RGBA
	if deg == 180 {
		dst = image.NewRGBA(image.Rect(0, 0, w, h))
	} else {
		dst = image.NewRGBA(image.Rect(0, 0, h, w))
	}

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			si := img.PixOffset(b.Min.X+x, b.Min.Y+y)
			var dx, dy int
			switch deg {
			case 90:
				dx, dy = y, w-1-x
			case 180:
				dx, dy = w-1-x, h-1-y
			case 270:
				dx, dy = h-1-y, x
			}
			di := dst.PixOffset(dx, dy)
			copy(dst.Pix[di:di+4], img.Pix[si:si+4])
		}
	}
	return dst
}
