package broadcast

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"podcam/internal/camera"
)

var (
	// ErrStopped は配信ループが終了し、今後フレームが公開されないことを表す
	ErrStopped = errors.New("broadcast: stopped")
	// ErrReconnectFailed は再接続に失敗して配信ループが終了したことを表す
	ErrReconnectFailed = errors.New("broadcast: reconnect failed")
)

const defaultHeartbeat = 60 * time.Second

// Frame は公開済みのJPEGフレーム。公開後は変更しない
type Frame struct {
	Seq        uint64
	Data       []byte
	CapturedAt time.Time
}

// Processor は補正前フレームを配信用フレームに変換する
type Processor interface {
	Process(ctx context.Context, src camera.Source, img image.Image, now time.Time) *image.RGBA
}

// ModeRestorer は再接続したソースに現在の撮影モードを設定し直す
// Processor が実装していれば再接続の成功後に呼ばれる
type ModeRestorer interface {
	RestoreMode(ctx context.Context, src camera.Source)
}

// Reopener はソースの再接続を行う
type Reopener interface {
	Reopen(ctx context.Context) (camera.Settings, error)
}

// Options は配信ループの設定
type Options struct {
	FPS            int           // 目標フレームレート
	JPEGQuality    int           // JPEG品質
	ReconnectAfter time.Duration // 連続失敗がこの時間分続いたら再接続する
	Heartbeat      time.Duration // 稼働ログの間隔。0 なら60秒
}

// Stats は配信ループの統計
type Stats struct {
	Seq            uint64 `json:"seq"`
	Published      uint64 `json:"published"`
	ReadFailures   uint64 `json:"read_failures"`
	EncodeFailures uint64 `json:"encode_failures"`
	Reconnects     uint64 `json:"reconnects"`
	Dead           bool   `json:"dead"`
}

// Broadcaster は唯一のプロデューサーとして最新フレームを公開する
// 保持するのは最新の1枚だけで、遅いコンシューマーは途中のフレームを飛ばす
type Broadcaster struct {
	src      camera.Source
	reopener Reopener
	proc     Processor
	opts     Options
	logger   zerolog.Logger
	encode   func(img image.Image) ([]byte, error)

	mu     sync.Mutex
	cond   *sync.Cond
	latest Frame
	seq    uint64
	dead   bool
	err    error

	published      atomic.Uint64
	readFailures   atomic.Uint64
	encodeFailures atomic.Uint64
	reconnects     atomic.Uint64
}

// New は新しい Broadcaster を作成する
// src はオープン済みであること
func New(src camera.Source, reopener Reopener, proc Processor, opts Options, logger zerolog.Logger) *Broadcaster {
	if opts.FPS <= 0 {
		opts.FPS = 1
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = defaultHeartbeat
	}

	b := &Broadcaster{
		src:      src,
		reopener: reopener,
		proc:     proc,
		opts:     opts,
		logger:   logger,
	}
	b.cond = sync.NewCond(&b.mu)
	b.encode = func(img image.Image) ([]byte, error) {
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: opts.JPEGQuality}); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	return b
}

// reconnectThreshold は再接続までに許す連続失敗回数
func (b *Broadcaster) reconnectThreshold() int {
	n := int(b.opts.ReconnectAfter.Seconds() * float64(b.opts.FPS))
	if n < 1 {
		n = 1
	}
	return n
}

// Run は ctx が終了するか再接続に失敗するまで配信ループを実行する
// 終了時には待機中の全コンシューマーを起こす
func (b *Broadcaster) Run(ctx context.Context) error {
	interval := time.Second / time.Duration(b.opts.FPS)
	threshold := b.reconnectThreshold()
	failures := 0

	heartbeat := time.NewTicker(b.opts.Heartbeat)
	defer heartbeat.Stop()
	lastBeat := b.published.Load()

	b.logger.Info().
		Int("fps", b.opts.FPS).
		Int("reconnect_threshold", threshold).
		Msg("配信ループを開始しました")

	for {
		start := time.Now()

		select {
		case <-ctx.Done():
			b.stop(nil)
			b.logger.Info().Msg("配信ループを停止しました")
			return nil
		case <-heartbeat.C:
			now := b.published.Load()
			b.logger.Info().
				Uint64("seq", b.currentSeq()).
				Float64("fps", float64(now-lastBeat)/b.opts.Heartbeat.Seconds()).
				Uint64("read_failures", b.readFailures.Load()).
				Msg("配信中")
			lastBeat = now
		default:
		}

		img, err := b.src.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			failures++
			b.readFailures.Add(1)
			if failures%b.opts.FPS == 0 {
				b.logger.Warn().Err(err).Int("consecutive", failures).Msg("フレーム取得に連続で失敗しています")
			}
			if failures >= threshold {
				if err := b.reconnect(ctx); err != nil {
					b.stop(err)
					return err
				}
				failures = 0
			}
		} else {
			failures = 0
			b.produce(ctx, img, start)
		}

		if d := interval - time.Since(start); d > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(d):
			}
		}
	}
}

// reconnect はソースを一度だけ開き直す
func (b *Broadcaster) reconnect(ctx context.Context) error {
	b.reconnects.Add(1)
	b.logger.Warn().Msg("フレーム取得の失敗が続いたため再接続します")

	settings, err := b.reopener.Reopen(ctx)
	if err != nil {
		b.logger.Error().Err(err).Msg("再接続に失敗しました。配信を停止します")
		return fmt.Errorf("%w: %w", ErrReconnectFailed, err)
	}

	b.logger.Info().
		Int("width", settings.Width).
		Int("height", settings.Height).
		Int("fps", settings.FPS).
		Msg("再接続しました")

	if r, ok := b.proc.(ModeRestorer); ok {
		r.RestoreMode(ctx, b.src)
	}
	return nil
}

// produce は1フレームを補正・エンコードして公開する
func (b *Broadcaster) produce(ctx context.Context, img image.Image, at time.Time) {
	out := b.proc.Process(ctx, b.src, img, at)

	data, err := b.encode(out)
	if err != nil {
		b.encodeFailures.Add(1)
		b.logger.Warn().Err(err).Msg("JPEGエンコードに失敗、フレームをスキップします")
		return
	}
	b.publish(data, at)
}

// publish は最新フレームを差し替えて待機中のコンシューマーを起こす
func (b *Broadcaster) publish(data []byte, at time.Time) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	b.latest = Frame{Seq: b.seq, Data: data, CapturedAt: at}
	b.published.Add(1)
	b.cond.Broadcast()
	return b.seq
}

// stop は配信ループを終了状態にする
func (b *Broadcaster) stop(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.dead = true
	b.err = err
	b.cond.Broadcast()
}

// Next は afterSeq より新しいフレームが公開されるまで待ち、最新のフレームを返す
// 待機の間に複数回公開された場合は最新のものだけを返す
// ctx の終了で待機を中断する。配信ループ終了後は ErrStopped を返す
func (b *Broadcaster) Next(ctx context.Context, afterSeq uint64) (Frame, error) {
	stop := context.AfterFunc(ctx, func() {
		b.mu.Lock()
		b.cond.Broadcast()
		b.mu.Unlock()
	})
	defer stop()

	b.mu.Lock()
	defer b.mu.Unlock()

	for b.seq == afterSeq && !b.dead && ctx.Err() == nil {
		b.cond.Wait()
	}

	if b.dead {
		if b.err != nil {
			return Frame{}, fmt.Errorf("%w: %w", ErrStopped, b.err)
		}
		return Frame{}, ErrStopped
	}
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	return b.latest, nil
}

// Dead は配信ループが終了しているかを返す
func (b *Broadcaster) Dead() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dead
}

// Err は配信ループを終了させたエラーを返す。正常停止または稼働中は nil
func (b *Broadcaster) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

func (b *Broadcaster) currentSeq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

// Stats は現在の統計を返す
func (b *Broadcaster) Stats() Stats {
	b.mu.Lock()
	seq, dead := b.seq, b.dead
	b.mu.Unlock()

	return Stats{
		Seq:            seq,
		Published:      b.published.Load(),
		ReadFailures:   b.readFailures.Load(),
		EncodeFailures: b.encodeFailures.Load(),
		Reconnects:     b.reconnects.Load(),
		Dead:           dead,
	}
}
