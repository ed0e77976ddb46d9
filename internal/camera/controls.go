package camera

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// V4L2 コントロール名（uvcvideo）
const (
	CtrlExposureAuto       = "exposure_auto"
	CtrlExposureAbsolute   = "exposure_absolute"
	CtrlPowerLineFrequency = "power_line_frequency"
	CtrlWhiteBalanceAuto   = "white_balance_temperature_auto"
)

// exposure_auto の値
const (
	exposureManual           = 1
	exposureAperturePriority = 3
)

// Runner は外部コマンドを実行して標準出力を返す
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner は exec.CommandContext でコマンドを実行する
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// Control は1つのコントロール設定
type Control struct {
	Name  string
	Value int
}

// Controls は v4l2-ctl を使ってデバイスコントロールを操作する
type Controls struct {
	device string
	run    Runner
}

// NewControls は新しい Controls を作成する
func NewControls(device string, run Runner) *Controls {
	if run == nil {
		run = ExecRunner
	}
	return &Controls{device: device, run: run}
}

// Set はコントロールを順番に設定する
func (c *Controls) Set(ctx context.Context, controls ...Control) error {
	for _, ctrl := range controls {
		arg := fmt.Sprintf("%s=%d", ctrl.Name, ctrl.Value)
		if _, err := c.run(ctx, "v4l2-ctl", "--device", c.device, "--set-ctrl", arg); err != nil {
			return fmt.Errorf("コントロール %s の設定に失敗: %w", ctrl.Name, err)
		}
	}
	return nil
}

// SetExposure は手動露出に切り替えて露出値を設定する
func (c *Controls) SetExposure(ctx context.Context, value int) error {
	return c.Set(ctx,
		Control{Name: CtrlExposureAuto, Value: exposureManual},
		Control{Name: CtrlExposureAbsolute, Value: value},
	)
}

// SetModeHint は夜モードでデバイス側の自動WBを止め、昼モードで戻す
func (c *Controls) SetModeHint(ctx context.Context, night bool) error {
	v := 1
	if night {
		v = 0
	}
	return c.Set(ctx, Control{Name: CtrlWhiteBalanceAuto, Value: v})
}

// InitialControls は起動時に適用するコントロール一覧を返す
func InitialControls(autoExposure bool, exposure, powerLine int) []Control {
	controls := []Control{{Name: CtrlPowerLineFrequency, Value: powerLine}}
	if autoExposure {
		return append(controls, Control{Name: CtrlExposureAuto, Value: exposureAperturePriority})
	}
	return append(controls,
		Control{Name: CtrlExposureAuto, Value: exposureManual},
		Control{Name: CtrlExposureAbsolute, Value: exposure},
	)
}

// QueryFormat は v4l2-ctl で現在の解像度とフレームレートを読み戻す
// 読み取れなかった値は fallback の値を使う
func (c *Controls) QueryFormat(ctx context.Context, fallback Settings) Settings {
	got := fallback
	if out, err := c.run(ctx, "v4l2-ctl", "--device", c.device, "--get-fmt-video"); err == nil {
		if w, h, ok := parseWidthHeight(string(out)); ok {
			got.Width, got.Height = w, h
		}
	}
	if out, err := c.run(ctx, "v4l2-ctl", "--device", c.device, "--get-parm"); err == nil {
		if fps, ok := parseFPS(string(out)); ok {
			got.FPS = fps
		}
	}
	return got
}

// parseWidthHeight は "Width/Height      : 1920/1080" の行を解析する
func parseWidthHeight(output string) (int, int, bool) {
	for _, line := range strings.Split(output, "\n") {
		key, value, found := strings.Cut(line, ":")
		if !found || strings.TrimSpace(key) != "Width/Height" {
			continue
		}
		ws, hs, found := strings.Cut(strings.TrimSpace(value), "/")
		if !found {
			return 0, 0, false
		}
		w, errW := strconv.Atoi(strings.TrimSpace(ws))
		h, errH := strconv.Atoi(strings.TrimSpace(hs))
		if errW != nil || errH != nil {
			return 0, 0, false
		}
		return w, h, true
	}
	return 0, 0, false
}

// parseFPS は "Frames per second: 30.000 (30/1)" の行を解析する
func parseFPS(output string) (int, bool) {
	for _, line := range strings.Split(output, "\n") {
		key, value, found := strings.Cut(line, ":")
		if !found || strings.TrimSpace(key) != "Frames per second" {
			continue
		}
		fields := strings.Fields(value)
		if len(fields) == 0 {
			return 0, false
		}
		f, err := strconv.ParseFloat(fields[0], 64)
		if err != nil || f <= 0 {
			return 0, false
		}
		return int(f + 0.5), true
	}
	return 0, false
}
