package server

import (
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"podcam/internal/broadcast"
	"podcam/internal/calibration"
	"podcam/internal/camera"
	"podcam/internal/config"
	"podcam/internal/imaging"
)

// stubFrames は決まったフレーム列を返し、尽きたら ctx の終了まで待つ
type stubFrames struct {
	mu     sync.Mutex
	frames []broadcast.Frame
	dead   bool
}

func (s *stubFrames) Next(ctx context.Context, afterSeq uint64) (broadcast.Frame, error) {
	s.mu.Lock()
	for _, f := range s.frames {
		if f.Seq > afterSeq {
			s.mu.Unlock()
			return f, nil
		}
	}
	s.mu.Unlock()
	<-ctx.Done()
	return broadcast.Frame{}, ctx.Err()
}

func (s *stubFrames) Dead() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dead
}

func (s *stubFrames) Stats() broadcast.Stats {
	return broadcast.Stats{Seq: uint64(len(s.frames)), Dead: s.Dead()}
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	return cfg
}

func newTestPipeline(t *testing.T, cfg *config.Config) *imaging.Pipeline {
	t.Helper()
	store := calibration.NewFileStore(filepath.Join(t.TempDir(), "wb.json"), calibration.Bounds{Min: 0.5, Max: 2.0})
	p, err := imaging.NewPipeline(cfg, store, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func castFrame() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, 64, 48))
	for y := 0; y < 48; y++ {
		for x := 0; x < 64; x++ {
			img.SetRGBA(x, y, color.RGBA{R: 120, G: 100, B: 80, A: 255})
		}
	}
	return img
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// TestServerStartAndShutdown はサーバーの起動とシャットダウンをテストする
func TestServerStartAndShutdown(t *testing.T) {
	srv := New(testConfig(), Deps{}, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	// サーバーが起動するまで少し待つ
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("サーバーの起動/停止でエラーが発生しました: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("サーバーの停止がタイムアウトしました")
	}
}

// TestServerRoutes は各エンドポイントのステータスコードをテストする
func TestServerRoutes(t *testing.T) {
	cfg := testConfig()
	srv := New(cfg, Deps{Frames: &stubFrames{}, Imaging: newTestPipeline(t, cfg)}, zerolog.Nop())
	h := srv.Handler()

	testCases := []struct {
		name           string
		endpoint       string
		expectedStatus int
	}{
		{"ルートはリダイレクト", "/", http.StatusMovedPermanently},
		{"ビューアーページ", "/index.html", http.StatusOK},
		{"favicon", "/favicon.ico", http.StatusNoContent},
		{"ヘルスチェック", "/health", http.StatusOK},
		{"ステータス", "/api/status", http.StatusOK},
		{"WBステータス", "/wb/status", http.StatusOK},
		{"存在しないカメラ", "/stream1.mjpg", http.StatusNotFound},
		{"存在しないパス", "/nope", http.StatusNotFound},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rec := get(t, h, tc.endpoint)
			if rec.Code != tc.expectedStatus {
				t.Errorf("予期しないステータスコード: got %d, want %d", rec.Code, tc.expectedStatus)
			}
		})
	}

	rec := get(t, h, "/")
	if loc := rec.Header().Get("Location"); loc != "/index.html" {
		t.Errorf("リダイレクト先が異なります: %q", loc)
	}
	rec = get(t, h, "/index.html")
	if !strings.Contains(rec.Body.String(), "/stream0.mjpg") {
		t.Error("ビューアーページにストリームが埋め込まれていません")
	}
}

// TestStream_Unavailable は配信ループが使えない場合に 503 を返すことをテストする
func TestStream_Unavailable(t *testing.T) {
	testCases := []struct {
		name   string
		frames FrameSource
	}{
		{"未初期化", nil},
		{"停止済み", &stubFrames{dead: true}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			srv := New(testConfig(), Deps{Frames: tc.frames}, zerolog.Nop())
			rec := get(t, srv.Handler(), "/stream0.mjpg")
			if rec.Code != http.StatusServiceUnavailable {
				t.Errorf("503 が期待されました: %d", rec.Code)
			}
			var body ErrorResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body.Error == "" {
				t.Errorf("エラーレスポンスが期待されました: %q (%v)", rec.Body.String(), err)
			}
		})
	}
}

// TestStream_MultipartFraming はマルチパートの各パートの形式と切断時の後始末をテストする
func TestStream_MultipartFraming(t *testing.T) {
	frames := &stubFrames{frames: []broadcast.Frame{
		{Seq: 1, Data: []byte("\xff\xd8first\xff\xd9")},
		{Seq: 2, Data: []byte("\xff\xd8second\xff\xd9")},
		{Seq: 3, Data: []byte("\xff\xd8third\xff\xd9")},
	}}
	srv := New(testConfig(), Deps{Frames: frames}, zerolog.Nop())
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/stream0.mjpg")
	if err != nil {
		t.Fatal(err)
	}

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("200 が期待されました: %d", resp.StatusCode)
	}
	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/x-mixed-replace" || params["boundary"] != "FRAME" {
		t.Fatalf("予期しない Content-Type: %q", resp.Header.Get("Content-Type"))
	}
	if got := resp.Header.Get("Cache-Control"); got != "no-cache, private" {
		t.Errorf("Cache-Control が異なります: %q", got)
	}
	if got := resp.Header.Get("Pragma"); got != "no-cache" {
		t.Errorf("Pragma が異なります: %q", got)
	}

	mr := multipart.NewReader(resp.Body, "FRAME")
	for _, want := range frames.frames[:2] {
		part, err := mr.NextPart()
		if err != nil {
			t.Fatal(err)
		}
		if ct := part.Header.Get("Content-Type"); ct != "image/jpeg" {
			t.Errorf("パートの Content-Type が異なります: %q", ct)
		}
		data, err := io.ReadAll(part)
		if err != nil {
			t.Fatal(err)
		}
		if cl := part.Header.Get("Content-Length"); cl != strconv.Itoa(len(want.Data)) {
			t.Errorf("パートの Content-Length が異なります: %q, want %d", cl, len(want.Data))
		}
		if string(data) != string(want.Data) {
			t.Errorf("パートのデータが異なります: %q, want %q", data, want.Data)
		}
	}

	if n := srv.ActiveStreams(); n != 1 {
		t.Errorf("配信中の接続は1のはずです: %d", n)
	}

	// 切断するとハンドラーだけが終了する
	resp.Body.Close()
	deadline := time.Now().Add(2 * time.Second)
	for srv.ActiveStreams() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("切断後もストリームハンドラーが終了しません")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// 他の接続は影響を受けない
	if rec := get(t, srv.Handler(), "/health"); rec.Code != http.StatusOK {
		t.Errorf("切断後のヘルスチェックが失敗しました: %d", rec.Code)
	}
}

// TestWhiteBalanceEndpoints はWB制御エンドポイントをテストする
func TestWhiteBalanceEndpoints(t *testing.T) {
	cfg := testConfig()
	p := newTestPipeline(t, cfg)
	srv := New(cfg, Deps{Frames: &stubFrames{}, Imaging: p}, zerolog.Nop())
	h := srv.Handler()

	// フレームがまだない
	if rec := get(t, h, "/wb/calibrate"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("フレーム取得前のキャリブレーションは 503 のはずです: %d", rec.Code)
	}

	p.Process(context.Background(), nil, castFrame(), time.Now())

	var status WBStatusResponse
	rec := get(t, h, "/wb/status")
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatal(err)
	}
	if status.Mode != imaging.WBAuto {
		t.Errorf("auto モードが期待されました: %s", status.Mode)
	}

	// プレビューは冪等で状態を変えない
	var first, second PreviewResponse
	if err := json.Unmarshal(get(t, h, "/wb/preview?roi=center&size=0.45").Body.Bytes(), &first); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(get(t, h, "/wb/preview?roi=center&size=0.45").Body.Bytes(), &second); err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Errorf("プレビューの結果が異なります: %+v vs %+v", first, second)
	}
	if first.ROI != "center" || first.SizeFraction != 0.45 || first.Mode != imaging.WBAuto {
		t.Errorf("予期しないプレビュー: %+v", first)
	}
	var after WBStatusResponse
	if err := json.Unmarshal(get(t, h, "/wb/status").Body.Bytes(), &after); err != nil {
		t.Fatal(err)
	}
	if after != status {
		t.Errorf("プレビューで状態が変わりました: %+v -> %+v", status, after)
	}

	var full PreviewResponse
	if err := json.Unmarshal(get(t, h, "/wb/preview?size=9").Body.Bytes(), &full); err != nil {
		t.Fatal(err)
	}
	if full.ROI != "full" || full.SizeFraction != imaging.ROISizeMax {
		t.Errorf("フレーム全体と丸めたサイズが期待されました: %+v", full)
	}

	// 数値でない size は状態を変えずに 400 を返す
	invalidCases := []string{
		"/wb/preview?size=abc",
		"/wb/preview?roi=center&size=NaN",
		"/wb/preview?roi=center&size=-Inf",
		"/wb/calibrate?roi=center&size=NaN",
		"/wb/calibrate?size=Inf",
	}
	for _, target := range invalidCases {
		rec := get(t, h, target)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: 400 が期待されました: %d %q", target, rec.Code, rec.Body.String())
			continue
		}
		var body ErrorResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body.Error != "invalid_parameter" {
			t.Errorf("%s: invalid_parameter が期待されました: %q", target, rec.Body.String())
		}
	}
	if mode, _ := p.WhiteBalance(); mode != imaging.WBAuto {
		t.Errorf("不正なリクエストでモードが変わりました: %s", mode)
	}

	rec = get(t, h, "/wb/calibrate?roi=center")
	if rec.Code != http.StatusOK {
		t.Fatalf("キャリブレーションに失敗しました: %d %s", rec.Code, rec.Body.String())
	}
	if got, want := rec.Body.String(), "Calibrated and locked WB (R,G,B)=(0.833,1.000,1.250)"; got != want {
		t.Errorf("レスポンスが異なります: got %q, want %q", got, want)
	}
	if mode, _ := p.WhiteBalance(); mode != imaging.WBLocked {
		t.Errorf("キャリブレーション後は locked のはずです: %s", mode)
	}

	modeCases := []struct {
		endpoint string
		body     string
		mode     imaging.WBMode
	}{
		{"/wb/auto", "WB mode set to auto_grayworld", imaging.WBAuto},
		{"/wb/locked", "WB mode set to locked", imaging.WBLocked},
		{"/wb/off", "WB mode set to off", imaging.WBOff},
		{"/wb/clear", "WB calibration cleared; mode set to auto", imaging.WBAuto},
	}
	for _, tc := range modeCases {
		rec := get(t, h, tc.endpoint)
		if rec.Code != http.StatusOK || rec.Body.String() != tc.body {
			t.Errorf("%s: %d %q", tc.endpoint, rec.Code, rec.Body.String())
		}
		if mode, _ := p.WhiteBalance(); mode != tc.mode {
			t.Errorf("%s: モードが異なります: %s, want %s", tc.endpoint, mode, tc.mode)
		}
		if tc.mode == imaging.WBOff {
			if _, g := p.WhiteBalance(); g != calibration.Unity {
				t.Errorf("off でゲインが初期化されていません: %+v", g)
			}
		}
	}
}

// TestControlEndpoints_NoCamera はカメラがない場合の制御エンドポイントをテストする
func TestControlEndpoints_NoCamera(t *testing.T) {
	srv := New(testConfig(), Deps{}, zerolog.Nop())
	for _, path := range []string{"/wb/calibrate", "/wb/preview", "/wb/locked", "/wb/auto", "/wb/off", "/wb/clear"} {
		if rec := get(t, srv.Handler(), path); rec.Code != http.StatusServiceUnavailable {
			t.Errorf("%s: 503 が期待されました: %d", path, rec.Code)
		}
	}
	if rec := get(t, srv.Handler(), "/wb/status"); rec.Code != http.StatusOK {
		t.Errorf("ステータスは応答するべきです: %d", rec.Code)
	}
}

// brightnessCounter は呼ばれるたびに明るくなる一様な画像を返す
// Process は配信ループのゴルーチンからしか呼ばれない
type brightnessCounter struct {
	n int
}

func (c *brightnessCounter) Process(_ context.Context, _ camera.Source, _ image.Image, _ time.Time) *image.RGBA {
	c.n++
	v := uint8(min(10+c.n*3, 255))
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = v, v, v, 255
	}
	return img
}

// streamClient は /stream0.mjpg を読み続けるクライアント
type streamClient struct {
	resp *http.Response
	mr   *multipart.Reader
	last int
}

func openStream(t *testing.T, url string) *streamClient {
	t.Helper()
	resp, err := http.Get(url + "/stream0.mjpg")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("200 が期待されました: %d", resp.StatusCode)
	}
	return &streamClient{resp: resp, mr: multipart.NewReader(resp.Body, "FRAME"), last: -1}
}

// readNewer は次のパートを読み、前のパートより新しいフレームであることを確認する
func (c *streamClient) readNewer(t *testing.T, name string) {
	t.Helper()
	part, err := c.mr.NextPart()
	if err != nil {
		t.Fatalf("%s: パートの読み込みに失敗しました: %v", name, err)
	}
	img, err := jpeg.Decode(part)
	if err != nil {
		t.Fatalf("%s: JPEGのデコードに失敗しました: %v", name, err)
	}
	r, _, _, _ := img.At(8, 8).RGBA()
	v := int(r >> 8)
	if v <= c.last {
		t.Errorf("%s: 古いフレームを受信しました: %d の後に %d", name, c.last, v)
	}
	c.last = v
}

// TestStream_ClientsAreIsolated は1つの接続を切っても他の接続が新しいフレームを受信し続けることをテストする
func TestStream_ClientsAreIsolated(t *testing.T) {
	src := camera.NewMockSource()
	if err := src.Open(context.Background(), "/dev/video0"); err != nil {
		t.Fatal(err)
	}
	b := broadcast.New(src, nil, &brightnessCounter{}, broadcast.Options{
		FPS:            20,
		JPEGQuality:    95,
		ReconnectAfter: time.Second,
	}, zerolog.Nop())

	runCtx, stopRun := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- b.Run(runCtx) }()

	srv := New(testConfig(), Deps{Frames: b}, zerolog.Nop())
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	defer stopRun()

	first := openStream(t, ts.URL)
	second := openStream(t, ts.URL)
	defer second.resp.Body.Close()

	for i := 0; i < 2; i++ {
		first.readNewer(t, "1つ目")
		second.readNewer(t, "2つ目")
	}

	first.resp.Body.Close()
	deadline := time.Now().Add(2 * time.Second)
	for srv.ActiveStreams() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("切断した接続のハンドラーが終了しません: %d", srv.ActiveStreams())
		}
		time.Sleep(10 * time.Millisecond)
	}

	for i := 0; i < 3; i++ {
		second.readNewer(t, "2つ目")
	}

	// 配信ループを止めると残りの接続も終了する
	stopRun()
	if err := <-runDone; err != nil {
		t.Errorf("配信ループがエラーで終了しました: %v", err)
	}
	deadline = time.Now().Add(2 * time.Second)
	for srv.ActiveStreams() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("配信ループ停止後もストリームハンドラーが終了しません")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
