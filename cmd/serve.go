package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"podcam/internal/broadcast"
	"podcam/internal/calibration"
	"podcam/internal/camera"
	"podcam/internal/config"
	"podcam/internal/imaging"
	"podcam/internal/logging"
	"podcam/internal/server"
)

var (
	serveHost    string
	servePort    int
	serveBackend string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "カメラを開いて配信サーバーを起動する",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}

		// コマンドラインオプションで設定を上書き
		if serveHost != "" {
			cfg.Server.Host = serveHost
		}
		if servePort != 0 {
			cfg.Server.Port = servePort
		}
		if serveBackend != "" {
			cfg.Camera.Backend = serveBackend
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		return runServe(cmd.Context(), cfg, logger)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "サーバーのホスト (デフォルト: 0.0.0.0)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "サーバーのポート (デフォルト: 8000)")
	backends := camera.NewFactory(zerolog.Nop(), nil).Backends()
	serveCmd.Flags().StringVar(&serveBackend, "backend", "", "キャプチャバックエンド ("+strings.Join(backends, ", ")+")")
	rootCmd.AddCommand(serveCmd)
}

// runServe はカメラ・パイプライン・配信ループ・HTTPサーバーを組み立てて実行する
// カメラを開けない場合はエラーを返して終了する
func runServe(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	run := camera.ExecRunner

	device, err := camera.ResolveDevice(ctx, camera.NewLinuxDiscovery(run), cfg.Camera.Device)
	if err != nil {
		return fmt.Errorf("カメラデバイスの検出に失敗: %w", err)
	}

	src, err := camera.NewFactory(logging.Component(logger, "camera"), run).Create(cfg.Camera.Backend)
	if err != nil {
		return err
	}

	lc := &camera.Lifecycle{
		Source: src,
		Device: device,
		Want: camera.Settings{
			Width:  cfg.Camera.Width,
			Height: cfg.Camera.Height,
			FPS:    cfg.Camera.FPS,
		},
		Warmup:   cfg.Camera.WarmupTimeout,
		Controls: camera.InitialControls(cfg.Camera.AutoExposure, cfg.Exposure.DayValue, cfg.Camera.PowerLineFrequency),
		Logger:   logging.Component(logger, "camera"),
	}
	settings, err := lc.Open(ctx)
	if err != nil {
		return fmt.Errorf("カメラを開けませんでした: %w", err)
	}
	defer func() {
		if err := src.Close(); err != nil {
			logger.Warn().Err(err).Msg("カメラのクローズに失敗")
		}
	}()

	bounds := calibration.Bounds{Min: cfg.WhiteBalance.GainMin, Max: cfg.WhiteBalance.GainMax}
	store, err := calibration.New(cfg.Calibration, bounds)
	if err != nil {
		return err
	}
	if closer, ok := store.(io.Closer); ok {
		defer closer.Close()
	}

	pipeline, err := imaging.NewPipeline(cfg, store, logging.Component(logger, "imaging"))
	if err != nil {
		return err
	}
	pipeline.LoadCalibration(ctx)

	b := broadcast.New(src, lc, pipeline, broadcast.Options{
		FPS:            cfg.Camera.FPS,
		JPEGQuality:    cfg.Camera.JPEGQuality,
		ReconnectAfter: cfg.Camera.ReconnectAfter,
	}, logging.Component(logger, "broadcast"))

	// 配信ループが止まっても制御エンドポイントは動かし続ける
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := b.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("配信ループが停止しました。ストリームは 503 を返します")
		}
	}()

	srv := server.New(cfg, server.Deps{
		Frames:   b,
		Imaging:  pipeline,
		Settings: settings,
	}, logging.Component(logger, "server"))

	logger.Info().
		Str("device", device).
		Str("backend", cfg.Camera.Backend).
		Str("stream", fmt.Sprintf("http://%s/stream0.mjpg", cfg.ServerAddress())).
		Msg("podcam を起動します")

	err = srv.Start(ctx)
	cancel()
	<-done
	return err
}
