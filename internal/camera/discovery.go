package camera

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// DeviceAuto はデバイスを自動検出する指定
const DeviceAuto = "auto"

// ErrNoDevice は利用可能なデバイスが見つからないことを表す
var ErrNoDevice = errors.New("camera: no capture device found")

var (
	videoDevicePattern = regexp.MustCompile(`^/dev/video(\d+)$`)
	formatPattern      = regexp.MustCompile(`'([A-Z0-9]{4})'`)
)

// LinuxDiscovery はLinux環境でのカメラデバイス検出を実装する
type LinuxDiscovery struct {
	pattern string
	run     Runner
}

// NewLinuxDiscovery は新しいLinuxDiscoveryを作成する
func NewLinuxDiscovery(run Runner) *LinuxDiscovery {
	if run == nil {
		run = ExecRunner
	}
	return &LinuxDiscovery{pattern: "/dev/video*", run: run}
}

// ScanDevices はカラーフォーマットを持つキャプチャデバイスを番号順に返す
// 同じカメラの複数ノードは最も小さい番号だけを返す
func (d *LinuxDiscovery) ScanDevices(ctx context.Context) ([]string, error) {
	matches, err := filepath.Glob(d.pattern)
	if err != nil {
		return nil, fmt.Errorf("デバイスのスキャンに失敗: %w", err)
	}

	sort.Slice(matches, func(i, j int) bool {
		return extractDeviceNumber(matches[i]) < extractDeviceNumber(matches[j])
	})

	var devices []string
	seen := make(map[string]bool)
	for _, match := range matches {
		if err := ctx.Err(); err != nil {
			return devices, err
		}
		if !d.IsDeviceAvailable(ctx, match) {
			continue
		}

		info, err := d.GetDeviceInfo(ctx, match)
		if err != nil || !hasColorFormat(info.Formats) {
			continue
		}
		if info.Name != "" && seen[info.Name] {
			continue
		}
		seen[info.Name] = true
		devices = append(devices, match)
	}

	return devices, nil
}

// IsDeviceAvailable は指定されたデバイスが開けるかチェックする
func (d *LinuxDiscovery) IsDeviceAvailable(_ context.Context, device string) bool {
	if !videoDevicePattern.MatchString(device) {
		return false
	}
	file, err := os.OpenFile(device, os.O_RDONLY, 0)
	if err != nil {
		return false
	}
	_ = file.Close()
	return true
}

// GetDeviceInfo は v4l2-ctl でデバイス名とフォーマットを取得する
func (d *LinuxDiscovery) GetDeviceInfo(ctx context.Context, device string) (*DeviceInfo, error) {
	out, err := d.run(ctx, "v4l2-ctl", "--device", device, "--info")
	if err != nil {
		return nil, fmt.Errorf("デバイス情報の取得に失敗: %w", err)
	}

	info := &DeviceInfo{Device: device}
	for _, line := range strings.Split(string(out), "\n") {
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		switch strings.TrimSpace(key) {
		case "Card type":
			info.Name = strings.TrimSpace(value)
		case "Driver name":
			info.Driver = strings.TrimSpace(value)
		}
	}
	if info.Name == "" {
		info.Name = fmt.Sprintf("カメラ %d", extractDeviceNumber(device))
	}

	if out, err := d.run(ctx, "v4l2-ctl", "--device", device, "--list-formats"); err == nil {
		info.Formats = parseFormats(string(out))
	}

	return info, nil
}

// parseFormats は "[0]: 'MJPG' (Motion-JPEG, compressed)" 形式の行からフォーマットを抽出する
func parseFormats(output string) []string {
	var formats []string
	for _, m := range formatPattern.FindAllStringSubmatch(output, -1) {
		formats = append(formats, m[1])
	}
	return formats
}

func hasColorFormat(formats []string) bool {
	for _, f := range formats {
		if f == "MJPG" || f == "YUYV" {
			return true
		}
	}
	return false
}

// extractDeviceNumber はデバイスパスから番号を抽出する
func extractDeviceNumber(device string) int {
	m := videoDevicePattern.FindStringSubmatch(device)
	if len(m) < 2 {
		return 0
	}
	num, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return num
}

// ResolveDevice は "auto" を最初に見つかったデバイスに解決する
func ResolveDevice(ctx context.Context, d Discovery, device string) (string, error) {
	if device != DeviceAuto {
		return device, nil
	}
	devices, err := d.ScanDevices(ctx)
	if err != nil {
		return "", err
	}
	if len(devices) == 0 {
		return "", ErrNoDevice
	}
	return devices[0], nil
}

// MockDiscovery はテスト用のモックDiscovery実装
type MockDiscovery struct {
	mu          sync.Mutex
	devices     []string
	deviceInfos map[string]*DeviceInfo
}

// NewMockDiscovery は新しいMockDiscoveryを作成する
func NewMockDiscovery(devices ...string) *MockDiscovery {
	m := &MockDiscovery{deviceInfos: make(map[string]*DeviceInfo)}
	for _, device := range devices {
		m.AddDevice(device)
	}
	return m
}

// ScanDevices はモックデバイス一覧を返す
func (m *MockDiscovery) ScanDevices(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.devices...), nil
}

// IsDeviceAvailable はモックデバイスが登録されているかチェックする
func (m *MockDiscovery) IsDeviceAvailable(_ context.Context, device string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.deviceInfos[device]
	return ok
}

// GetDeviceInfo はモックデバイス情報のコピーを返す
func (m *MockDiscovery) GetDeviceInfo(_ context.Context, device string) (*DeviceInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.deviceInfos[device]
	if !ok {
		return nil, fmt.Errorf("デバイスが見つかりません: %s", device)
	}
	result := *info
	return &result, nil
}

// AddDevice はテスト用にデバイスを追加する
func (m *MockDiscovery) AddDevice(device string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.deviceInfos[device]; ok {
		return
	}
	m.devices = append(m.devices, device)
	m.deviceInfos[device] = &DeviceInfo{
		Device:  device,
		Name:    fmt.Sprintf("テストカメラ %d", len(m.devices)),
		Driver:  "mock",
		Formats: []string{"MJPG"},
	}
}
