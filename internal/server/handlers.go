package server

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"podcam/internal/imaging"
)

// ErrorResponse はエラー時のレスポンス
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// WBStatusResponse は /wb/status のレスポンス
type WBStatusResponse struct {
	Mode  imaging.WBMode `json:"mode"`
	Gains imaging.Gains  `json:"gains"`
}

// PreviewResponse は /wb/preview のレスポンス
type PreviewResponse struct {
	ProposedGains imaging.Gains  `json:"proposed_gains"`
	Mode          imaging.WBMode `json:"mode"`
	ROI           string         `json:"roi"`
	SizeFraction  float64        `json:"size_fraction"`
}

func writeError(c *gin.Context, status int, code, message string) {
	c.JSON(status, ErrorResponse{
		Error:     code,
		Message:   message,
		Timestamp: time.Now(),
	})
}

// handleHealth はヘルスチェックエンドポイント
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now(),
	})
}

// handleStatus はシステム状態取得エンドポイント
func (s *Server) handleStatus(c *gin.Context) {
	resp := gin.H{
		"status": "running",
		"server": gin.H{
			"host": s.config.Server.Host,
			"port": s.config.Server.Port,
		},
		"camera": gin.H{
			"device": s.config.Camera.Device,
			"width":  s.deps.Settings.Width,
			"height": s.deps.Settings.Height,
			"fps":    s.deps.Settings.FPS,
		},
		"active_streams": s.activeStreams.Load(),
		"timestamp":      time.Now(),
	}

	if s.deps.Frames != nil {
		resp["broadcast"] = s.deps.Frames.Stats()
		if s.deps.Frames.Dead() {
			resp["status"] = "stopped"
		}
	}
	if s.deps.Imaging != nil {
		st := s.deps.Imaging.Status()
		resp["exposure"] = gin.H{
			"mode":     st.ExposureMode.String(),
			"luma":     st.Luma,
			"raw_luma": st.RawLuma,
			"sampled":  st.LumaSampled,
		}
		resp["white_balance"] = WBStatusResponse{Mode: st.WBMode, Gains: st.Gains}
	}

	c.JSON(http.StatusOK, resp)
}

// handleIndex はビューアーページを返す
func (s *Server) handleIndex(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", indexHTML())
}

// handleStream はMJPEGストリームを配信する
// 書き込みに失敗した時点でこの接続だけを終了する
func (s *Server) handleStream(c *gin.Context) {
	frames := s.deps.Frames
	if frames == nil || frames.Dead() {
		s.logger.Error().Str("path", c.Request.URL.Path).Msg("カメラが利用できません")
		writeError(c, http.StatusServiceUnavailable, "camera_unavailable", "カメラが利用できません")
		return
	}

	session := uuid.NewString()
	active := s.activeStreams.Add(1)
	s.logger.Info().
		Str("session", session).
		Str("client", c.ClientIP()).
		Int64("active", active).
		Msg("ストリーミングクライアントが接続しました")
	defer func() {
		active := s.activeStreams.Add(-1)
		s.logger.Info().
			Str("session", session).
			Int64("active", active).
			Msg("ストリーミングクライアントが切断しました")
	}()

	c.Header("Age", "0")
	c.Header("Cache-Control", "no-cache, private")
	c.Header("Pragma", "no-cache")
	c.Header("Content-Type", "multipart/x-mixed-replace; boundary=FRAME")
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	ctx := c.Request.Context()
	w := c.Writer
	var last uint64
	for {
		frame, err := frames.Next(ctx, last)
		if err != nil {
			s.logger.Debug().Err(err).Str("session", session).Msg("ストリームを終了します")
			return
		}
		last = frame.Seq

		if _, err := fmt.Fprintf(w, "--FRAME\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(frame.Data)); err != nil {
			s.logger.Debug().Err(err).Str("session", session).Msg("書き込みに失敗")
			return
		}
		if _, err := w.Write(frame.Data); err != nil {
			s.logger.Debug().Err(err).Str("session", session).Msg("書き込みに失敗")
			return
		}
		if _, err := w.Write([]byte("\r\n")); err != nil {
			s.logger.Debug().Err(err).Str("session", session).Msg("書き込みに失敗")
			return
		}
		w.Flush()
	}
}

// handleWBStatus は現在のWBモードとゲインを返す
func (s *Server) handleWBStatus(c *gin.Context) {
	if s.deps.Imaging == nil {
		c.JSON(http.StatusOK, WBStatusResponse{Mode: imaging.WBOff, Gains: imaging.Gains{R: 1, G: 1, B: 1}})
		return
	}
	mode, gains := s.deps.Imaging.WhiteBalance()
	c.JSON(http.StatusOK, WBStatusResponse{Mode: mode, Gains: gains})
}

// parseROI は roi と size クエリを読み取る
func parseROI(c *gin.Context) (imaging.ROI, error) {
	mode := strings.ToLower(c.Query("roi"))
	size := imaging.ROISizeDefault
	if raw := c.Query("size"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return imaging.ROI{}, fmt.Errorf("size が不正です: %q", raw)
		}
		size = v
	}
	return imaging.NewROI(mode, size), nil
}

// imagingError はパイプラインのエラーをレスポンスに変換する
func imagingError(c *gin.Context, code string, err error) {
	if errors.Is(err, imaging.ErrNoFrame) {
		writeError(c, http.StatusServiceUnavailable, code, "フレームをまだ取得していません")
		return
	}
	writeError(c, http.StatusInternalServerError, code, err.Error())
}

// handleCalibrate は直近の補正前フレームからゲインを計算して固定する
func (s *Server) handleCalibrate(c *gin.Context) {
	if s.deps.Imaging == nil {
		writeError(c, http.StatusServiceUnavailable, "calibration_failed", "カメラが利用できません")
		return
	}
	roi, err := parseROI(c)
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid_parameter", err.Error())
		return
	}

	g, err := s.deps.Imaging.Calibrate(c.Request.Context(), roi)
	if err != nil {
		imagingError(c, "calibration_failed", err)
		return
	}
	c.String(http.StatusOK, "Calibrated and locked WB (R,G,B)=(%.3f,%.3f,%.3f)", g.R, g.G, g.B)
}

// handlePreview は状態を変えずに推定ゲインを返す
func (s *Server) handlePreview(c *gin.Context) {
	if s.deps.Imaging == nil {
		writeError(c, http.StatusServiceUnavailable, "preview_failed", "カメラが利用できません")
		return
	}
	roi, err := parseROI(c)
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid_parameter", err.Error())
		return
	}

	g, err := s.deps.Imaging.Preview(roi)
	if err != nil {
		imagingError(c, "preview_failed", err)
		return
	}
	mode, _ := s.deps.Imaging.WhiteBalance()
	c.JSON(http.StatusOK, PreviewResponse{
		ProposedGains: g,
		Mode:          mode,
		ROI:           roi.Name(),
		SizeFraction:  roi.Size,
	})
}

// handleSetMode はWBモードを変更するハンドラーを返す
func (s *Server) handleSetMode(mode imaging.WBMode) gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.deps.Imaging == nil {
			writeError(c, http.StatusServiceUnavailable, "mode_change_failed", "カメラが利用できません")
			return
		}
		s.deps.Imaging.SetWBMode(mode)
		c.String(http.StatusOK, "WB mode set to %s", mode)
	}
}

// handleClear は保存されたキャリブレーションを削除して自動モードにする
func (s *Server) handleClear(c *gin.Context) {
	if s.deps.Imaging == nil {
		writeError(c, http.StatusServiceUnavailable, "clear_failed", "カメラが利用できません")
		return
	}
	if err := s.deps.Imaging.ClearCalibration(c.Request.Context()); err != nil {
		writeError(c, http.StatusInternalServerError, "clear_failed", err.Error())
		return
	}
	c.String(http.StatusOK, "WB calibration cleared; mode set to auto")
}
