package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config はアプリケーション全体の設定を保持する構造体
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Camera       CameraConfig       `yaml:"camera"`
	Exposure     ExposureConfig     `yaml:"exposure"`
	NightBoost   NightBoostConfig   `yaml:"night_boost"`
	WhiteBalance WhiteBalanceConfig `yaml:"white_balance"`
	Calibration  CalibrationConfig  `yaml:"calibration"`
	Overlay      OverlayConfig      `yaml:"overlay"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// ServerConfig はHTTPサーバーの設定
type ServerConfig struct {
	Host string `yaml:"host"`                              // リッスンするホスト
	Port int    `yaml:"port" validate:"min=1,max=65535"` // リッスンするポート番号

	// タイムアウト設定
	ReadTimeout  time.Duration `yaml:"read_timeout" validate:"gte=0"`  // 読み込みタイムアウト
	WriteTimeout time.Duration `yaml:"write_timeout" validate:"gte=0"` // 書き込みタイムアウト（ストリーミングでは0）
}

// CameraConfig はカメラデバイスとキャプチャループの設定
type CameraConfig struct {
	Device  string `yaml:"device" validate:"required"`                 // デバイスパス、"auto" で自動検出
	Backend string `yaml:"backend" validate:"oneof=v4l2 ffmpeg mock"` // キャプチャ方式

	// 要求値（デバイスが近い値を選ぶ場合がある）
	Width  int `yaml:"width" validate:"gt=0,lte=4096"`
	Height int `yaml:"height" validate:"gt=0,lte=4096"`
	FPS    int `yaml:"fps" validate:"gt=0,lte=120"`

	JPEGQuality int `yaml:"jpeg_quality" validate:"min=1,max=100"` // JPEG品質
	Rotation    int `yaml:"rotation" validate:"oneof=0 90 180 270"` // 反時計回りの回転角度

	WarmupTimeout  time.Duration `yaml:"warmup_timeout" validate:"gt=0"`  // 最初のフレーム取得までの上限
	ReconnectAfter time.Duration `yaml:"reconnect_after" validate:"gt=0"` // 連続失敗がこの時間分続いたら再接続

	// 露出制御（v4l2-ctl 経由）
	AutoExposure       bool `yaml:"auto_exposure"`
	PowerLineFrequency int  `yaml:"power_line_frequency" validate:"oneof=0 1 2"` // 0=無効 1=50Hz 2=60Hz
}

// ExposureConfig は昼夜モード自動切り替えの設定
type ExposureConfig struct {
	Enabled        bool          `yaml:"enabled"`
	NightThreshold float64       `yaml:"night_threshold" validate:"gte=0,lte=1"` // この値を下回ると夜モード候補
	DayThreshold   float64       `yaml:"day_threshold" validate:"gte=0,lte=1"`   // この値を上回ると昼モード候補
	SampleInterval time.Duration `yaml:"sample_interval" validate:"gt=0"`        // 輝度サンプリング間隔
	DayValue       int           `yaml:"day_value"`                              // 昼モードの露出値
	NightValue     int           `yaml:"night_value"`                            // 夜モードの露出値
}

// NightBoostConfig は夜モード時のみ適用する明るさ補正
type NightBoostConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Contrast   float64 `yaml:"contrast" validate:"gt=0"`
	Brightness float64 `yaml:"brightness" validate:"gte=-255,lte=255"`
	Gamma      float64 `yaml:"gamma" validate:"gt=0"`
}

// WhiteBalanceConfig はソフトウェアホワイトバランスの設定
type WhiteBalanceConfig struct {
	Mode           string        `yaml:"mode" validate:"oneof=off auto_grayworld locked"`
	Alpha          float64       `yaml:"alpha" validate:"gt=0,lte=1"` // ゲインのEMA係数
	UpdateInterval time.Duration `yaml:"update_interval" validate:"gt=0"`
	GainMin        float64       `yaml:"gain_min" validate:"gt=0"`
	GainMax        float64       `yaml:"gain_max" validate:"gt=0"`
	ExcludeDark    int           `yaml:"exclude_dark" validate:"gte=0,lte=255"`   // これ未満の画素は推定から除外
	ExcludeBright  int           `yaml:"exclude_bright" validate:"gte=0,lte=255"` // これを超える画素は推定から除外
	Gamma          float64       `yaml:"gamma" validate:"gt=0"`                   // 色補正後のガンマ
	BaseGains      RGB           `yaml:"base_gains"`                              // 照明補正用の固定倍率
}

// RGB はチャンネル毎の倍率
type RGB struct {
	R float64 `yaml:"r" validate:"gt=0"`
	G float64 `yaml:"g" validate:"gt=0"`
	B float64 `yaml:"b" validate:"gt=0"`
}

// CalibrationConfig はキャリブレーション記録の保存先
type CalibrationConfig struct {
	Backend      string `yaml:"backend" validate:"oneof=file sqlite"`
	Path         string `yaml:"path" validate:"required"`
	HistoryLimit int    `yaml:"history_limit" validate:"gte=1"` // sqlite で保持する履歴数
}

// OverlayConfig はフレームに描画するラベルの設定
type OverlayConfig struct {
	ModeLabel bool          `yaml:"mode_label"` // 右上の DAY/NIGHT 表示
	Enabled   bool          `yaml:"enabled"`    // 周期ラベル表示
	Text      string        `yaml:"text"`
	Cycle     time.Duration `yaml:"cycle" validate:"gt=0"`
	Duration  time.Duration `yaml:"duration" validate:"gte=0"`
	Scale     int           `yaml:"scale" validate:"min=1,max=8"`
	Opacity   float64       `yaml:"opacity" validate:"gte=0,lte=1"` // 背景の不透明度
}

// LoggingConfig はログ出力の設定
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=console json"`
}

// Default はデフォルト値を設定した Config を返す
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8000,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 0, // ストリーミング用にタイムアウト無効化
		},
		Camera: CameraConfig{
			Device:             "/dev/video0",
			Backend:            "v4l2",
			Width:              1920,
			Height:             1080,
			FPS:                5,
			JPEGQuality:        85,
			Rotation:           0,
			WarmupTimeout:      6 * time.Second,
			ReconnectAfter:     3 * time.Second,
			AutoExposure:       false,
			PowerLineFrequency: 2,
		},
		Exposure: ExposureConfig{
			Enabled:        true,
			NightThreshold: 0.18,
			DayThreshold:   0.30,
			SampleInterval: 15 * time.Second,
			DayValue:       40,
			NightValue:     300,
		},
		NightBoost: NightBoostConfig{
			Enabled:    true,
			Contrast:   1.0,
			Brightness: 7,
			Gamma:      1.0,
		},
		WhiteBalance: WhiteBalanceConfig{
			Mode:           "auto_grayworld",
			Alpha:          0.12,
			UpdateInterval: 3 * time.Second,
			GainMin:        0.5,
			GainMax:        2.0,
			ExcludeDark:    25,
			ExcludeBright:  235,
			Gamma:          1.5,
			BaseGains:      RGB{R: 1, G: 1, B: 1},
		},
		Calibration: CalibrationConfig{
			Backend:      "file",
			Path:         "wb_calibration.json",
			HistoryLimit: 50,
		},
		Overlay: OverlayConfig{
			ModeLabel: true,
			Enabled:   false,
			Text:      "",
			Cycle:     10 * time.Minute,
			Duration:  30 * time.Second,
			Scale:     2,
			Opacity:   0.7,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load は設定を読み込む
// デフォルト値 → YAMLファイル（path が空でなければ）→ 環境変数 の順に上書きする
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("設定ファイルの解析に失敗: %w", err)
		}
	}

	cfg.Server.Host = getEnvOrDefault("SERVER_HOST", cfg.Server.Host)
	cfg.Server.Port = getEnvAsIntOrDefault("PORT", cfg.Server.Port)
	cfg.Camera.Device = getEnvOrDefault("CAMERA_DEVICE", cfg.Camera.Device)
	cfg.Logging.Level = getEnvOrDefault("LOG_LEVEL", cfg.Logging.Level)

	// 設定の検証
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗: %w", err)
	}

	return cfg, nil
}

// Validate は設定の妥当性を検証する
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s(%s)", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("無効な設定値: %s", strings.Join(fields, ", "))
		}
		return err
	}

	// ヒステリシス帯が存在しないと昼夜が振動する
	if c.Exposure.NightThreshold >= c.Exposure.DayThreshold {
		return fmt.Errorf("night_threshold (%.3f) は day_threshold (%.3f) より小さくする必要があります",
			c.Exposure.NightThreshold, c.Exposure.DayThreshold)
	}
	if c.WhiteBalance.GainMin >= c.WhiteBalance.GainMax {
		return fmt.Errorf("gain_min (%.3f) は gain_max (%.3f) より小さくする必要があります",
			c.WhiteBalance.GainMin, c.WhiteBalance.GainMax)
	}
	if c.WhiteBalance.ExcludeDark >= c.WhiteBalance.ExcludeBright {
		return fmt.Errorf("exclude_dark (%d) は exclude_bright (%d) より小さくする必要があります",
			c.WhiteBalance.ExcludeDark, c.WhiteBalance.ExcludeBright)
	}

	return nil
}

// ServerAddress はサーバーのリッスンアドレスを返す
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// getEnvOrDefault は環境変数を取得し、設定されていない場合はデフォルト値を返す
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault は環境変数を整数として取得し、設定されていない場合はデフォルト値を返す
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var intVal int
		if _, err := fmt.Sscanf(value, "%d", &intVal); err == nil {
			return intVal
		}
	}
	return defaultValue
}
