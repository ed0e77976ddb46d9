// Package cmd は podcam のコマンドラインを実装する
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"podcam/internal/config"
	"podcam/internal/logging"
)

// Version はアプリケーションのバージョン
const Version = "0.1.0"

// configPath は設定ファイルのパス。空ならデフォルト値と環境変数のみを使う
var configPath string

var rootCmd = &cobra.Command{
	Use:          "podcam",
	Short:        "カメラ映像を補正してMJPEGで配信するライブ中継サーバー",
	Version:      Version,
	SilenceUsage: true,
}

// Execute はルートコマンドを実行する
func Execute() {
	// Ctrl+C (SIGINT) と SIGTERM でキャンセルされるコンテキスト
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "設定ファイル (YAML)")
}

// loadConfig は設定を読み込み、ロガーを作成する
func loadConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("設定の読み込みに失敗しました: %w", err)
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	return cfg, logger, nil
}
