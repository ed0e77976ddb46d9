package camera

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// FFmpegSource は ffmpeg の image2pipe 出力からフレームを取得する
type FFmpegSource struct {
	mu          sync.Mutex
	device      string
	controls    *Controls
	logger      zerolog.Logger
	readTimeout time.Duration // この時間フレームが来なければ読み込み失敗とする
	command     func(ctx context.Context, name string, args ...string) *exec.Cmd

	run *ffmpegRun
}

// ffmpegRun は起動した ffmpeg プロセス1回分の状態
type ffmpegRun struct {
	cancel context.CancelFunc
	frames chan []byte
	done   chan struct{} // stop で閉じる
	exited chan struct{} // プロセスの回収後に閉じる
	exit   error         // ffmpeg の終了理由。exited が閉じてから読む
}

// NewFFmpegSource は新しい FFmpegSource を作成する
func NewFFmpegSource(logger zerolog.Logger, run Runner, readTimeout time.Duration) *FFmpegSource {
	if readTimeout <= 0 {
		readTimeout = defaultReadTimeout
	}
	return &FFmpegSource{
		logger:      logger,
		controls:    NewControls("", run),
		readTimeout: readTimeout,
		command:     exec.CommandContext,
	}
}

// Open はデバイスの存在を確認する
func (s *FFmpegSource) Open(_ context.Context, device string) error {
	if _, err := os.Stat(device); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrDeviceOpen, device, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.device = device
	s.controls = NewControls(device, s.controls.run)
	return nil
}

// Configure は ffmpeg を起動し、デバイスが選んだ値を v4l2-ctl で読み戻す
// 起動中の ffmpeg があれば停止して回収してから起動し直す
func (s *FFmpegSource) Configure(ctx context.Context, want Settings) (Settings, error) {
	s.mu.Lock()
	device := s.device
	s.mu.Unlock()
	if device == "" {
		return Settings{}, fmt.Errorf("%w: %w", ErrDeviceOpen, ErrNotOpen)
	}

	s.stop()

	streamCtx, cancel := context.WithCancel(context.Background())
	cmd := s.command(streamCtx,
		"ffmpeg",
		"-hide_banner",
		"-loglevel", "error",
		"-f", "v4l2",
		"-input_format", "mjpeg",
		"-video_size", fmt.Sprintf("%dx%d", want.Width, want.Height),
		"-framerate", strconv.Itoa(want.FPS),
		"-i", device,
		"-f", "image2pipe",
		"-c:v", "mjpeg",
		"-q:v", "3",
		"-",
	)
	// 停止後にパイプが閉じられなくても Wait を返す
	cmd.WaitDelay = time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return Settings{}, fmt.Errorf("%w: stdoutパイプの作成に失敗: %w", ErrDeviceOpen, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return Settings{}, fmt.Errorf("%w: stderrパイプの作成に失敗: %w", ErrDeviceOpen, err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return Settings{}, fmt.Errorf("%w: ffmpegの起動に失敗: %w", ErrDeviceOpen, err)
	}

	r := &ffmpegRun{
		cancel: cancel,
		frames: make(chan []byte, 1),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	s.mu.Lock()
	s.run = r
	s.mu.Unlock()

	go s.logStderr(stderr)
	go s.readLoop(r, cmd, stdout)

	return s.controls.QueryFormat(ctx, want), nil
}

// logStderr は ffmpeg のエラー出力をログに流す
func (s *FFmpegSource) logStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		s.logger.Debug().Str("ffmpeg", scanner.Text()).Msg("ffmpeg stderr")
	}
}

// readLoop は標準出力をフレームに分割して r.frames に送る
// どの経路で終了してもプロセスを回収する
func (s *FFmpegSource) readLoop(r *ffmpegRun, cmd *exec.Cmd, stdout io.Reader) {
	var readErr error
	defer func() {
		waitErr := cmd.Wait()
		switch {
		case readErr != nil:
			r.exit = readErr
		case waitErr != nil:
			r.exit = waitErr
		default:
			r.exit = io.EOF
		}
		close(r.frames)
		close(r.exited)
	}()

	var splitter jpegSplitter
	buf := make([]byte, 256*1024)
	for {
		n, err := stdout.Read(buf)
		for _, frame := range splitter.Feed(buf[:n]) {
			select {
			case r.frames <- frame:
			case <-r.done:
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				readErr = err
			}
			return
		}
	}
}

// ReadFrame は次のフレームをデコードして返す
func (s *FFmpegSource) ReadFrame(ctx context.Context) (image.Image, error) {
	s.mu.Lock()
	r := s.run
	s.mu.Unlock()
	if r == nil {
		return nil, fmt.Errorf("%w: %w", ErrRead, ErrNotOpen)
	}

	timer := time.NewTimer(s.readTimeout)
	defer timer.Stop()

	select {
	case data, ok := <-r.frames:
		if !ok {
			return nil, fmt.Errorf("%w: ffmpegが終了しました: %v", ErrRead, r.exit)
		}
		img, err := jpeg.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("%w: JPEG画像のデコードに失敗: %w", ErrRead, err)
		}
		return img, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: %v 以内にフレームが届きません", ErrRead, s.readTimeout)
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrRead, ctx.Err())
	}
}

// SetExposure は v4l2-ctl で露出値を設定する
func (s *FFmpegSource) SetExposure(ctx context.Context, value int) error {
	return s.controls.SetExposure(ctx, value)
}

// SetModeHint は v4l2-ctl でデバイス側の自動WBを切り替える
func (s *FFmpegSource) SetModeHint(ctx context.Context, night bool) error {
	return s.controls.SetModeHint(ctx, night)
}

// ApplyControls は起動時のコントロールを適用する
func (s *FFmpegSource) ApplyControls(ctx context.Context, controls ...Control) error {
	return s.controls.Set(ctx, controls...)
}

// Close は ffmpeg を停止する
func (s *FFmpegSource) Close() error {
	s.stop()
	return nil
}

// stop は起動中の ffmpeg を停止し、回収されるまで待つ
func (s *FFmpegSource) stop() {
	s.mu.Lock()
	r := s.run
	s.run = nil
	s.mu.Unlock()

	if r == nil {
		return
	}
	close(r.done)
	r.cancel()
	<-r.exited
}
