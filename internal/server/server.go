package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"podcam/internal/broadcast"
	"podcam/internal/camera"
	"podcam/internal/config"
	"podcam/internal/imaging"
)

const shutdownTimeout = 5 * time.Second

// FrameSource は配信フレームの供給元
type FrameSource interface {
	Next(ctx context.Context, afterSeq uint64) (broadcast.Frame, error)
	Dead() bool
	Stats() broadcast.Stats
}

// Imaging はホワイトバランス制御エンドポイントが使う操作
type Imaging interface {
	Calibrate(ctx context.Context, roi imaging.ROI) (imaging.Gains, error)
	Preview(roi imaging.ROI) (imaging.Gains, error)
	SetWBMode(mode imaging.WBMode)
	ClearCalibration(ctx context.Context) error
	WhiteBalance() (imaging.WBMode, imaging.Gains)
	Status() imaging.Status
}

// Deps はサーバーが参照する中継状態
// Frames または Imaging が nil の場合、対応するエンドポイントは 503 を返す
type Deps struct {
	Frames   FrameSource
	Imaging  Imaging
	Settings camera.Settings // デバイスが実際に選んだ値
}

// Server はHTTPサーバーを管理する構造体
type Server struct {
	config     *config.Config
	deps       Deps
	engine     *gin.Engine
	httpServer *http.Server
	logger     zerolog.Logger

	// ストリーミング中のリクエストはシャットダウン時にこのコンテキストで終了させる
	baseCtx    context.Context
	cancelBase context.CancelFunc

	activeStreams atomic.Int64
}

// New は新しいServerインスタンスを作成する
func New(cfg *config.Config, deps Deps, logger zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()

	baseCtx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:     cfg,
		deps:       deps,
		engine:     engine,
		logger:     logger,
		baseCtx:    baseCtx,
		cancelBase: cancel,
	}
	s.httpServer = &http.Server{
		Addr:         cfg.ServerAddress(),
		Handler:      engine,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		BaseContext:  func(net.Listener) context.Context { return s.baseCtx },
	}

	engine.Use(gin.Recovery(), requestLogger(logger))
	s.setupRoutes()
	return s
}

// setupRoutes はHTTPルートを設定する
func (s *Server) setupRoutes() {
	s.engine.GET("/", func(c *gin.Context) {
		c.Redirect(http.StatusMovedPermanently, "/index.html")
	})
	s.engine.GET("/index.html", s.handleIndex)
	s.engine.GET("/favicon.ico", func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	// ストリーム（カメラ0のみ）
	s.engine.GET("/stream0.mjpg", s.handleStream)

	// ホワイトバランス制御
	wb := s.engine.Group("/wb")
	wb.GET("/status", s.handleWBStatus)
	wb.GET("/calibrate", s.handleCalibrate)
	wb.GET("/preview", s.handlePreview)
	wb.GET("/locked", s.handleSetMode(imaging.WBLocked))
	wb.GET("/auto", s.handleSetMode(imaging.WBAuto))
	wb.GET("/off", s.handleSetMode(imaging.WBOff))
	wb.GET("/clear", s.handleClear)

	// ヘルスチェックとステータス
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/api/status", s.handleStatus)

	s.engine.NoRoute(func(c *gin.Context) {
		writeError(c, http.StatusNotFound, "not_found", "指定されたパスは存在しません")
	})
}

// Handler はHTTPハンドラーを返す
func (s *Server) Handler() http.Handler {
	return s.engine
}

// ActiveStreams は配信中の接続数を返す
func (s *Server) ActiveStreams() int64 {
	return s.activeStreams.Load()
}

// Start はサーバーを起動し、ctx がキャンセルされるとシャットダウンする
func (s *Server) Start(ctx context.Context) error {
	shutdownCh := make(chan error, 1)

	go func() {
		s.logger.Info().Str("addr", s.config.ServerAddress()).Msg("HTTPサーバーを起動しています")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			shutdownCh <- fmt.Errorf("サーバーの起動に失敗: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info().Msg("コンテキストがキャンセルされました")
	case err := <-shutdownCh:
		s.cancelBase()
		return err
	}

	return s.Shutdown()
}

// Shutdown はサーバーをグレースフルにシャットダウンする
func (s *Server) Shutdown() error {
	s.logger.Info().Int64("active_streams", s.activeStreams.Load()).Msg("サーバーをシャットダウンしています")

	// ストリーミング中のハンドラーを先に終了させる
	s.cancelBase()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("サーバーのシャットダウンに失敗: %w", err)
	}

	s.logger.Info().Msg("サーバーが正常にシャットダウンされました")
	return nil
}

// requestLogger はリクエストの完了をログに記録するミドルウェア
// ストリームは切断時に記録される
func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		event := logger.Debug()
		if status >= http.StatusInternalServerError {
			event = logger.Warn()
		}
		event.
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Str("client", c.ClientIP()).
			Dur("duration", time.Since(start)).
			Msg("リクエスト")
	}
}
