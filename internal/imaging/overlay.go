package imaging

import (
	"image"
	"image/color"
	"sync"
	"time"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

var (
	labelFace      = basicfont.Face7x13
	textColor      = color.RGBA{R: 255, G: 255, B: 255, A: 255}
	dayLabelBg     = color.RGBA{G: 120, A: 255}
	nightLabelBg   = color.RGBA{R: 160, A: 255}
	modeLabelPad   = 6
	labelMargin    = 20
	labelBoxMargin = 10
)

// drawModeLabel は右上に DAY / NIGHT のラベルを描画する
func drawModeLabel(img *image.RGBA, mode ExposureMode) {
	text := mode.Label()
	tw := font.MeasureString(labelFace, text).Ceil()
	th := labelFace.Metrics().Ascent.Ceil()

	b := img.Bounds()
	x := max(b.Min.X, b.Max.X-tw-modeLabelPad-8)
	y := b.Min.Y + modeLabelPad + th + 2

	bg := dayLabelBg
	if mode == ModeNight {
		bg = nightLabelBg
	}
	box := image.Rect(x-modeLabelPad, y-th-modeLabelPad, x+tw+modeLabelPad, y+modeLabelPad/2).Intersect(b)
	draw.Draw(img, box, image.NewUniform(bg), image.Point{}, draw.Src)

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(textColor),
		Face: labelFace,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(text)
}

// LabelOverlay は cycle 毎に先頭の duration だけ左下へテキストを表示する
type LabelOverlay struct {
	mu       sync.Mutex
	text     string
	cycle    time.Duration
	duration time.Duration
	scale    int
	opacity  float64

	start time.Time
	shown bool
	glyph *image.RGBA // 拡大済みのテキスト
}

// NewLabelOverlay は新しい LabelOverlay を作成する
func NewLabelOverlay(text string, cycle, duration time.Duration, scale int, opacity float64) *LabelOverlay {
	return &LabelOverlay{
		text:     text,
		cycle:    cycle,
		duration: duration,
		scale:    max(1, scale),
		opacity:  opacity,
		glyph:    renderText(text, max(1, scale)),
	}
}

// Apply は表示期間中であればラベルを描画する
// 表示状態が変わったときは changed が true になる
func (o *LabelOverlay) Apply(img *image.RGBA, now time.Time) (visible, changed bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.start.IsZero() || now.Sub(o.start) >= o.cycle {
		o.start = now
	}
	visible = now.Sub(o.start) < o.duration
	changed = visible != o.shown
	o.shown = visible

	if visible {
		o.draw(img)
	}
	return visible, changed
}

func (o *LabelOverlay) draw(img *image.RGBA) {
	gb := o.glyph.Bounds()
	b := img.Bounds()
	x := b.Min.X + labelMargin
	y := b.Max.Y - labelMargin // テキストのベースライン

	box := image.Rect(
		x-labelBoxMargin, y-gb.Dy()-labelBoxMargin,
		x+gb.Dx()+labelBoxMargin, y+labelBoxMargin,
	).Intersect(b)
	darken(img, box, o.opacity)

	dst := image.Rect(x, y-gb.Dy(), x+gb.Dx(), y)
	draw.Draw(img, dst, o.glyph, gb.Min, draw.Over)
}

// darken は rect 内を黒と opacity の割合で合成する
func darken(img *image.RGBA, rect image.Rectangle, opacity float64) {
	keep := 1 - opacity
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		row := img.Pix[img.PixOffset(rect.Min.X, y):img.PixOffset(rect.Max.X, y)]
		for i := 0; i+3 < len(row); i += 4 {
			row[i] = uint8(float64(row[i]) * keep)
			row[i+1] = uint8(float64(row[i+1]) * keep)
			row[i+2] = uint8(float64(row[i+2]) * keep)
		}
	}
}

// renderText は透明な背景に白でテキストを描き、scale 倍に拡大した画像を返す
func renderText(text string, scale int) *image.RGBA {
	w := max(1, font.MeasureString(labelFace, text).Ceil())
	m := labelFace.Metrics()
	h := (m.Ascent + m.Descent).Ceil()
	asc := m.Ascent.Ceil()

	small := image.NewRGBA(image.Rect(0, 0, w, h))
	d := &font.Drawer{
		Dst:  small,
		Src:  image.NewUniform(textColor),
		Face: labelFace,
		Dot:  fixed.P(0, asc),
	}
	d.DrawString(text)

	if scale == 1 {
		return small
	}
	big := image.NewRGBA(image.Rect(0, 0, w*scale, h*scale))
	draw.NearestNeighbor.Scale(big, big.Bounds(), small, small.Bounds(), draw.Src, nil)
	return big
}
