package camera

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
)

type recordedCommand struct {
	name string
	args []string
}

func recordingRunner(calls *[]recordedCommand, outputs map[string]string) Runner {
	return func(_ context.Context, name string, args ...string) ([]byte, error) {
		*calls = append(*calls, recordedCommand{name: name, args: args})
		if out, ok := outputs[args[len(args)-1]]; ok {
			return []byte(out), nil
		}
		return nil, nil
	}
}

// TestControls_SetExposure は露出値の設定で発行されるコマンドをテストする
func TestControls_SetExposure(t *testing.T) {
	var calls []recordedCommand
	c := NewControls("/dev/video0", recordingRunner(&calls, nil))

	if err := c.SetExposure(context.Background(), 300); err != nil {
		t.Fatal(err)
	}

	want := []string{"exposure_auto=1", "exposure_absolute=300"}
	if len(calls) != len(want) {
		t.Fatalf("コマンドは %d 個のはずです: %d", len(want), len(calls))
	}
	for i, call := range calls {
		if call.name != "v4l2-ctl" {
			t.Errorf("%d 番目のコマンドが異なります: %s", i, call.name)
		}
		if got := call.args[len(call.args)-1]; got != want[i] {
			t.Errorf("%d 番目のコマンドが異なります: got %s, want %s", i, got, want[i])
		}
		if call.args[1] != "/dev/video0" {
			t.Errorf("%d 番目のコマンドのデバイスが異なります: %s", i, call.args[1])
		}
	}
}

// TestControls_SetError はコントロール設定の失敗がエラーになることをテストする
func TestControls_SetError(t *testing.T) {
	fail := func(context.Context, string, ...string) ([]byte, error) {
		return nil, errors.New("inappropriate ioctl")
	}
	err := NewControls("/dev/video0", fail).SetModeHint(context.Background(), true)
	if err == nil || !strings.Contains(err.Error(), CtrlWhiteBalanceAuto) {
		t.Errorf("コントロール名を含むエラーが期待されました: %v", err)
	}
}

// TestInitialControls は起動時に適用するコントロール一覧をテストする
func TestInitialControls(t *testing.T) {
	manual := InitialControls(false, 40, 2)
	want := []Control{
		{Name: CtrlPowerLineFrequency, Value: 2},
		{Name: CtrlExposureAuto, Value: 1},
		{Name: CtrlExposureAbsolute, Value: 40},
	}
	if !reflect.DeepEqual(manual, want) {
		t.Errorf("手動露出のコントロールが異なります: %v", manual)
	}

	auto := InitialControls(true, 40, 1)
	if len(auto) != 2 || auto[1].Value != 3 {
		t.Errorf("自動露出のコントロールが異なります: %v", auto)
	}
}

// TestControls_QueryFormat は実際のフォーマットの読み戻しをテストする
func TestControls_QueryFormat(t *testing.T) {
	var calls []recordedCommand
	outputs := map[string]string{
		"--get-fmt-video": "Format Video Capture:\n\tWidth/Height      : 1280/720\n\tPixel Format      : 'MJPG'\n",
		"--get-parm":      "Streaming Parameters Video Capture:\n\tFrames per second: 30.000 (30/1)\n",
	}
	c := NewControls("/dev/video0", recordingRunner(&calls, outputs))

	got := c.QueryFormat(context.Background(), Settings{Width: 1920, Height: 1080, FPS: 5})
	want := Settings{Width: 1280, Height: 720, FPS: 30}
	if got != want {
		t.Errorf("読み戻した値が異なります: got %+v, want %+v", got, want)
	}
}

// TestControls_QueryFormatFallback は読み戻せない場合に要求値を返すことをテストする
func TestControls_QueryFormatFallback(t *testing.T) {
	fail := func(context.Context, string, ...string) ([]byte, error) {
		return nil, errors.New("no device")
	}
	want := Settings{Width: 640, Height: 480, FPS: 5}
	if got := NewControls("/dev/video0", fail).QueryFormat(context.Background(), want); got != want {
		t.Errorf("読み戻した値が異なります: got %+v, want %+v", got, want)
	}
}
