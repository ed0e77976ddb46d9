package imaging

import (
	"context"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"podcam/internal/calibration"
	"podcam/internal/camera"
	"podcam/internal/config"
)

const (
	previewCacheTTL     = 30 * time.Second
	previewCacheCleanup = time.Minute
)

// Status はパイプラインの現在の状態
type Status struct {
	WBMode       WBMode
	Gains        Gains
	ExposureMode ExposureMode
	Luma         float64 // 平滑化後の輝度
	RawLuma      float64 // 直近の生の輝度
	LumaSampled  bool    // 輝度サンプルがあるか
}

// Pipeline は補正前フレームから配信用フレームを作る
// Process はプロデューサー goroutine からのみ呼ばれ、
// それ以外のメソッドは制御エンドポイントから並行に呼ばれる
type Pipeline struct {
	cfg       config.Config
	exposure  *ExposureController
	wb        *WhiteBalance
	grayworld Grayworld
	store     calibration.Store
	label     *LabelOverlay
	boost     *channelLUT
	previews  *cache.Cache
	logger    zerolog.Logger

	// 最後の補正前フレーム（公開後は変更しない）
	mu      sync.RWMutex
	last    *image.RGBA
	frameNo uint64

	// プロデューサー専用
	lastLumaCheck time.Time
	lastWBUpdate  time.Time
}

// NewPipeline は新しい Pipeline を作成する
func NewPipeline(cfg *config.Config, store calibration.Store, logger zerolog.Logger) (*Pipeline, error) {
	mode, err := ParseWBMode(cfg.WhiteBalance.Mode)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", err, cfg.WhiteBalance.Mode)
	}

	bounds := calibration.Bounds{Min: cfg.WhiteBalance.GainMin, Max: cfg.WhiteBalance.GainMax}
	p := &Pipeline{
		cfg:      *cfg,
		exposure: NewExposureController(cfg.Exposure.NightThreshold, cfg.Exposure.DayThreshold),
		wb:       NewWhiteBalance(mode, cfg.WhiteBalance.Alpha, bounds),
		grayworld: Grayworld{
			ExcludeDark:   uint8(cfg.WhiteBalance.ExcludeDark),
			ExcludeBright: uint8(cfg.WhiteBalance.ExcludeBright),
			Bounds:        bounds,
		},
		store:    store,
		previews: cache.New(previewCacheTTL, previewCacheCleanup),
		logger:   logger,
	}

	if cfg.NightBoost.Enabled {
		p.boost = boostLUT(cfg.NightBoost.Contrast, cfg.NightBoost.Brightness, cfg.NightBoost.Gamma)
	}
	if cfg.Overlay.Enabled && cfg.Overlay.Text != "" {
		o := cfg.Overlay
		p.label = NewLabelOverlay(o.Text, o.Cycle, o.Duration, o.Scale, o.Opacity)
	}

	return p, nil
}

// LoadCalibration は保存されたキャリブレーションがあればゲインを固定する
// 読み込みに失敗してもエラーにはせず、現在のモードとゲインのまま続ける
func (p *Pipeline) LoadCalibration(ctx context.Context) bool {
	rec, ok, err := p.store.Load(ctx)
	if err != nil {
		p.logger.Warn().Err(err).Msg("キャリブレーションの読み込みに失敗、デフォルトのゲインを使用")
		return false
	}
	if !ok {
		return false
	}

	g := p.wb.Lock(rec.Gains)
	p.logger.Info().
		Float64("r", g.R).Float64("g", g.G).Float64("b", g.B).
		Time("calibrated_at", rec.Timestamp).
		Msg("キャリブレーションを読み込み、WBを固定しました")
	return true
}

// Process は1フレームを補正して返す。img は変更しない
func (p *Pipeline) Process(ctx context.Context, src camera.Source, img image.Image, now time.Time) *image.RGBA {
	raw := toRGBA(img)
	p.mu.Lock()
	p.last = raw
	p.frameNo++
	p.mu.Unlock()

	out := &image.RGBA{
		Pix:    append([]uint8(nil), raw.Pix...),
		Stride: raw.Stride,
		Rect:   raw.Rect,
	}

	// ホワイトバランス
	if now.Sub(p.lastWBUpdate) >= p.cfg.WhiteBalance.UpdateInterval {
		if mode, _ := p.wb.State(); mode == WBAuto {
			p.lastWBUpdate = now
			g, _ := p.wb.Blend(p.grayworld.Estimate(raw, ROI{}))
			p.logger.Debug().Float64("r", g.R).Float64("g", g.G).Float64("b", g.B).Msg("WBゲイン更新")
		}
	}
	p.correct(out)

	// 昼夜判定は補正前のフレームで行う
	if p.cfg.Exposure.Enabled && now.Sub(p.lastLumaCheck) >= p.cfg.Exposure.SampleInterval {
		p.lastLumaCheck = now
		rawLuma := MeanLuma(raw)
		if mode, changed := p.exposure.Observe(rawLuma); changed {
			smoothed, _, _ := p.exposure.Luma()
			p.logger.Info().
				Str("mode", mode.String()).
				Float64("smoothed_luma", smoothed).
				Float64("raw_luma", rawLuma).
				Msg("昼夜モードを切り替えました")
			p.applyMode(ctx, src, mode)
		}
	}

	night := p.cfg.Exposure.Enabled && p.exposure.Mode() == ModeNight
	if night && p.boost != nil {
		p.boost.apply(out)
	}

	if p.label != nil {
		if visible, changed := p.label.Apply(out, now); changed {
			if visible {
				p.logger.Info().Str("text", p.cfg.Overlay.Text).Dur("duration", p.cfg.Overlay.Duration).Msg("ラベルを表示")
			} else {
				p.logger.Info().Str("text", p.cfg.Overlay.Text).Dur("next_in", p.cfg.Overlay.Cycle-p.cfg.Overlay.Duration).Msg("ラベルを非表示")
			}
		}
	}

	out = rotate(out, p.cfg.Camera.Rotation)

	if p.cfg.Exposure.Enabled && p.cfg.Overlay.ModeLabel {
		drawModeLabel(out, p.exposure.Mode())
	}

	return out
}

// correct は基本倍率とWBゲインの乗算、ガンマ補正を行う
func (p *Pipeline) correct(img *image.RGBA) {
	_, g := p.wb.State()
	base := p.cfg.WhiteBalance.BaseGains
	mult := [3]float64{base.R * g.R, base.G * g.G, base.B * g.B}
	if mult == [3]float64{1, 1, 1} && p.cfg.WhiteBalance.Gamma == 1.0 {
		return
	}
	correctionLUT(mult, p.cfg.WhiteBalance.Gamma).apply(img)
}

// applyMode はソースが対応していれば露出値とモードヒントを設定する
func (p *Pipeline) applyMode(ctx context.Context, src camera.Source, mode ExposureMode) {
	if !p.cfg.Camera.AutoExposure {
		if setter, ok := src.(camera.ExposureSetter); ok {
			value := p.cfg.Exposure.DayValue
			if mode == ModeNight {
				value = p.cfg.Exposure.NightValue
			}
			if err := setter.SetExposure(ctx, value); err != nil {
				p.logger.Warn().Err(err).Msg("露出値の設定に失敗")
			} else {
				p.logger.Info().Str("mode", mode.String()).Int("exposure", value).Msg("露出値を設定しました")
			}
		}
	}
	if hinter, ok := src.(camera.ModeHinter); ok {
		if err := hinter.SetModeHint(ctx, mode == ModeNight); err != nil {
			p.logger.Warn().Err(err).Msg("モードヒントの設定に失敗")
		}
	}
}

// RestoreMode は現在の昼夜モードの露出値とヒントをソースに設定し直す
// 再接続後のソースは起動時のコントロール (昼の露出値) に戻っている
func (p *Pipeline) RestoreMode(ctx context.Context, src camera.Source) {
	if !p.cfg.Exposure.Enabled {
		return
	}
	mode := p.exposure.Mode()
	p.logger.Info().Str("mode", mode.String()).Msg("再接続後に昼夜モードを再設定します")
	p.applyMode(ctx, src, mode)
}

// lastFrame は最後の補正前フレームとその番号を返す
func (p *Pipeline) lastFrame() (*image.RGBA, uint64, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.last == nil {
		return nil, 0, ErrNoFrame
	}
	return p.last, p.frameNo, nil
}

// Calibrate は最後の補正前フレームからゲインを計算して固定し、保存する
// 保存に失敗してもメモリ上のゲインは有効なままにする
func (p *Pipeline) Calibrate(ctx context.Context, roi ROI) (Gains, error) {
	frame, _, err := p.lastFrame()
	if err != nil {
		return Gains{}, err
	}

	g := p.wb.Lock(p.grayworld.Estimate(frame, roi))
	p.logger.Info().
		Str("roi", roi.Name()).Float64("size", roi.Size).
		Float64("r", g.R).Float64("g", g.G).Float64("b", g.B).
		Msg("WBをキャリブレーションして固定しました")

	if _, err := p.store.Save(ctx, g); err != nil {
		p.logger.Warn().Err(err).Msg("キャリブレーションの保存に失敗")
	}
	return g, nil
}

// Preview は Calibrate と同じ推定を状態を変えずに行う
func (p *Pipeline) Preview(roi ROI) (Gains, error) {
	frame, no, err := p.lastFrame()
	if err != nil {
		return Gains{}, err
	}

	key := fmt.Sprintf("%d/%s/%.4f", no, roi.Name(), roi.Size)
	if v, found := p.previews.Get(key); found {
		return v.(Gains), nil
	}
	g := p.grayworld.Estimate(frame, roi)
	p.previews.Set(key, g, cache.DefaultExpiration)
	return g, nil
}

// SetWBMode はWBモードを変更する
func (p *Pipeline) SetWBMode(mode WBMode) {
	p.wb.SetMode(mode)
	p.logger.Info().Str("wb_mode", string(mode)).Msg("WBモードを変更しました")
}

// ClearCalibration は保存された記録を削除して自動モードにする
// 削除に失敗した場合もモードは自動に切り替える
func (p *Pipeline) ClearCalibration(ctx context.Context) error {
	p.wb.SetMode(WBAuto)
	if err := p.store.Clear(ctx); err != nil {
		p.logger.Warn().Err(err).Msg("キャリブレーションの削除に失敗")
		return err
	}
	p.logger.Info().Msg("キャリブレーションを削除し、自動モードにしました")
	return nil
}

// WhiteBalance は現在のWBモードとゲインを返す
func (p *Pipeline) WhiteBalance() (WBMode, Gains) {
	return p.wb.State()
}

// Status は現在の状態を返す
func (p *Pipeline) Status() Status {
	mode, gains := p.wb.State()
	smoothed, raw, ok := p.exposure.Luma()
	return Status{
		WBMode:       mode,
		Gains:        gains,
		ExposureMode: p.exposure.Mode(),
		Luma:         smoothed,
		RawLuma:      raw,
		LumaSampled:  ok,
	}
}
