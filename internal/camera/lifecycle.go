package camera

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

const warmupRetryInterval = 100 * time.Millisecond

// Warmup は timeout 以内に実フレームを1枚取得できるまで読み込みを繰り返す
func Warmup(ctx context.Context, src Source, timeout time.Duration) error {
	warmCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		_, err := src.ReadFrame(warmCtx)
		if err == nil {
			return nil
		}
		lastErr := err

		select {
		case <-warmCtx.Done():
			return fmt.Errorf("%w: %v 以内にフレームを取得できません: %v", ErrDeviceOpen, timeout, lastErr)
		case <-time.After(warmupRetryInterval):
		}
	}
}

// Lifecycle はソースのオープンから再接続までの手順をまとめる
type Lifecycle struct {
	Source   Source
	Device   string
	Want     Settings
	Warmup   time.Duration
	Controls []Control // オープン後に適用するコントロール
	Logger   zerolog.Logger
}

// Open は Open → Configure → コントロール適用 → ウォームアップ を行い、実際の設定を返す
func (l *Lifecycle) Open(ctx context.Context) (Settings, error) {
	if err := l.Source.Open(ctx, l.Device); err != nil {
		return Settings{}, err
	}

	got, err := l.Source.Configure(ctx, l.Want)
	if err != nil {
		_ = l.Source.Close()
		return Settings{}, err
	}

	l.Logger.Info().
		Str("device", l.Device).
		Int("width", got.Width).
		Int("height", got.Height).
		Int("fps", got.FPS).
		Msg("カメラ設定")
	if got.Width != l.Want.Width || got.Height != l.Want.Height {
		l.Logger.Warn().
			Str("requested", fmt.Sprintf("%dx%d", l.Want.Width, l.Want.Height)).
			Str("actual", fmt.Sprintf("%dx%d", got.Width, got.Height)).
			Msg("解像度が要求値と異なります")
	}
	if got.FPS != l.Want.FPS {
		l.Logger.Warn().Int("requested", l.Want.FPS).Int("actual", got.FPS).Msg("FPSが要求値と異なります")
	}

	if applier, ok := l.Source.(ControlApplier); ok && len(l.Controls) > 0 {
		if err := applier.ApplyControls(ctx, l.Controls...); err != nil {
			l.Logger.Warn().Err(err).Msg("コントロールの適用に失敗")
		}
	}

	if err := Warmup(ctx, l.Source, l.Warmup); err != nil {
		_ = l.Source.Close()
		return Settings{}, err
	}
	l.Logger.Info().Msg("ウォームアップ完了")

	return got, nil
}

// Reopen はソースを解放してから Open をやり直す
func (l *Lifecycle) Reopen(ctx context.Context) (Settings, error) {
	if err := l.Source.Close(); err != nil {
		l.Logger.Warn().Err(err).Msg("再接続前のクローズに失敗")
	}
	return l.Open(ctx)
}
