// Package calibration はホワイトバランスのキャリブレーション記録を永続化する
//
// 記録はゲインの三つ組とタイムスタンプのみで、読み込み時に範囲外の値は
// 拒否せずに許容範囲へ丸める。I/O の失敗は ErrIO でラップして返し、
// 呼び出し側はログを出してメモリ上の状態で動作を続ける。
package calibration

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"podcam/internal/config"
)

// ErrIO は記録の読み書きに失敗したことを表す
var ErrIO = errors.New("calibration: io failure")

// ModeLocked は保存された記録のモード
const ModeLocked = "locked"

// Gains はチャンネル毎のホワイトバランスゲイン
type Gains struct {
	R float64 `json:"r"`
	G float64 `json:"g"`
	B float64 `json:"b"`
}

// Unity は補正なしのゲイン
var Unity = Gains{R: 1, G: 1, B: 1}

// Bounds はゲインの許容範囲
type Bounds struct {
	Min float64
	Max float64
}

// Clamp は各ゲインを範囲内に丸める。数値でない値は 1.0 として扱う
func (b Bounds) Clamp(g Gains) Gains {
	return Gains{R: b.clamp(g.R), G: b.clamp(g.G), B: b.clamp(g.B)}
}

func (b Bounds) clamp(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		v = 1.0
	}
	return math.Min(math.Max(v, b.Min), b.Max)
}

// Record は保存されたキャリブレーション
type Record struct {
	Gains     Gains
	Timestamp time.Time
}

// Store はキャリブレーション記録の保存先
type Store interface {
	// Load は記録を読み込む。記録がなければ false を返す
	Load(ctx context.Context) (Record, bool, error)

	// Save はゲインを保存し、保存した記録を返す
	Save(ctx context.Context, g Gains) (Record, error)

	// Clear は記録を削除する
	Clear(ctx context.Context) error
}

// timestampResolution は記録するタイムスタンプの精度
// 小数の Unix 秒で損失なく往復できるのはマイクロ秒まで
const timestampResolution = time.Microsecond

// recordTime は保存するタイムスタンプを記録の精度に揃える
func recordTime(t time.Time) time.Time {
	return t.Truncate(timestampResolution)
}

// unixSeconds は time.Time を小数の Unix 秒に変換する
func unixSeconds(t time.Time) float64 {
	return float64(t.UnixMicro()) / 1e6
}

// fromUnixSeconds は小数の Unix 秒を time.Time に変換する
func fromUnixSeconds(s float64) time.Time {
	return time.UnixMicro(int64(math.Round(s * 1e6)))
}

// New は設定に従って Store を作成する
func New(cfg config.CalibrationConfig, bounds Bounds) (Store, error) {
	switch cfg.Backend {
	case "sqlite":
		s, err := NewSQLiteStore(cfg.Path, bounds, cfg.HistoryLimit)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "file", "":
		return NewFileStore(cfg.Path, bounds), nil
	default:
		return nil, fmt.Errorf("サポートされていない保存方式: %s", cfg.Backend)
	}
}
