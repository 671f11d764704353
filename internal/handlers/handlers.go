package handlers

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/wastesense/internal/auth"
	"github.com/example/wastesense/internal/capture"
	"github.com/example/wastesense/internal/catalog"
	"github.com/example/wastesense/internal/classifier"
	"github.com/example/wastesense/internal/export"
	"github.com/example/wastesense/internal/geo"
	"github.com/example/wastesense/internal/metrics"
	"github.com/example/wastesense/internal/session"
	"github.com/example/wastesense/internal/usecase"
	"github.com/example/wastesense/internal/verifier"
)

// MaxUploadSize is the largest accepted image.
const MaxUploadSize = capture.MaxImageSize

// multipart framing allowance on top of the image itself
const formOverhead = 1 << 20

// Options tunes the routes registered by RegisterRoutes.
type Options struct {
	// SessionSecret signs the mode cookie. Empty means a per-process secret.
	SessionSecret string
	DefaultMode   catalog.Mode
	// CORSOrigins lists allowed browser origins; "*" allows all, empty
	// disables CORS handling.
	CORSOrigins      []string
	ClassifierTarget string
	Logger           *zap.Logger
}

type api struct {
	uc     *usecase.ScanUseCase
	opts   Options
	logger *zap.Logger
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, uc *usecase.ScanUseCase, authMiddleware gin.HandlerFunc, opts ...Options) {
	var o Options
	if len(opts) > 0 {
		o = opts[0]
	}
	if o.DefaultMode == "" {
		o.DefaultMode = catalog.ModeCampus
	}
	if o.SessionSecret == "" {
		o.SessionSecret = uuid.NewString()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if len(o.CORSOrigins) > 0 {
		router.Use(cors.New(corsConfig(o.CORSOrigins)))
	}

	h := &api{uc: uc, opts: o, logger: o.Logger.Named("handlers")}

	router.GET("/health", h.health)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	secured := router.Group("/", authMiddleware, session.Middleware(o.SessionSecret))
	secured.POST("/scan", h.scan)
	secured.GET("/result/:id", h.result)
	secured.POST("/verify", h.verify)
	secured.GET("/bins", h.bins)
	secured.GET("/mode", h.mode)
	secured.POST("/mode/toggle", h.toggleMode)
	secured.GET("/stats", h.stats)
	secured.GET("/heatmap", h.heatmap)
	secured.GET("/export.xlsx", h.exportScans)
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.DefaultConfig()
	cfg.AllowHeaders = append(cfg.AllowHeaders, "Authorization")
	for _, origin := range origins {
		if origin == "*" {
			cfg.AllowAllOrigins = true
			return cfg
		}
	}
	cfg.AllowOrigins = origins
	cfg.AllowCredentials = true
	return cfg
}

func (h *api) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"classifier": h.opts.ClassifierTarget,
		"categories": verifier.KnownCategories,
	})
}

func (h *api) scan(c *gin.Context) {
	userID, ok := auth.GetUserID(c.Request.Context())
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxUploadSize+formOverhead)
	file, err := c.FormFile("image")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image exceeds size limit"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "image file is required"})
		return
	}
	if file.Size > MaxUploadSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image exceeds size limit"})
		return
	}
	if !capture.IsImageContentType(file.Header.Get("Content-Type")) {
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "unsupported content type"})
		return
	}

	pos, err := formPosition(c.PostForm("latitude"), c.PostForm("longitude"))
	if err != nil {
		writeError(c, err)
		return
	}

	data, err := readUpload(file)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unable to read image"})
		return
	}

	var outcome *usecase.ScanOutcome
	err = capture.WithSource(c.Request.Context(), capture.NewBytesSource(data, file.Filename), func(frame *capture.Frame) error {
		var scanErr error
		outcome, scanErr = h.uc.Scan(c.Request.Context(), usecase.ScanRequest{
			UserID:   userID,
			Image:    frame.Data,
			Filename: frame.Filename,
			Position: pos,
			Mode:     session.Mode(c, h.opts.DefaultMode),
		})
		return scanErr
	})
	if err != nil {
		writeError(c, err)
		return
	}
	if err := session.SetLastScan(c, outcome.RequestID); err != nil {
		// only /result/latest is lost
		h.logger.Warn("failed to remember last scan", zap.String("request_id", outcome.RequestID), zap.Error(err))
	}
	c.JSON(http.StatusOK, outcome)
}

func (h *api) result(c *gin.Context) {
	userID, ok := auth.GetUserID(c.Request.Context())
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	requestID := c.Param("id")
	if requestID == "latest" {
		requestID, _ = session.LastScan(c)
	}
	if requestID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required"})
		return
	}

	outcome, err := h.uc.GetResult(c.Request.Context(), userID, requestID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, outcome)
}

type verifyBody struct {
	Latitude  *float64 `json:"latitude" binding:"required"`
	Longitude *float64 `json:"longitude" binding:"required"`
	WasteType string   `json:"waste_type" binding:"required"`
}

func (h *api) verify(c *gin.Context) {
	var body verifyBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "latitude, longitude and waste_type are required"})
		return
	}

	out, err := h.uc.Verify(c.Request.Context(), usecase.VerifyRequest{
		Position:  geo.Position{Latitude: *body.Latitude, Longitude: *body.Longitude},
		WasteType: verifier.WasteCategory(body.WasteType),
		Mode:      session.Mode(c, h.opts.DefaultMode),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h *api) bins(c *gin.Context) {
	pos, err := formPosition(c.Query("latitude"), c.Query("longitude"))
	if err != nil {
		writeError(c, err)
		return
	}
	out, err := h.uc.Bins(session.Mode(c, h.opts.DefaultMode), pos)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h *api) mode(c *gin.Context) {
	mode := session.Mode(c, h.opts.DefaultMode)
	c.JSON(http.StatusOK, gin.H{"mode": mode, "label": mode.Label()})
}

func (h *api) toggleMode(c *gin.Context) {
	mode, err := session.ToggleMode(c, h.opts.DefaultMode)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save session"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"mode": mode, "label": mode.Label()})
}

func (h *api) stats(c *gin.Context) {
	counts, err := h.uc.Stats(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, counts)
}

func (h *api) heatmap(c *gin.Context) {
	points, err := h.uc.Heatmap(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, points)
}

func (h *api) exportScans(c *gin.Context) {
	var limit int
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	scans, err := h.uc.RecentScans(c.Request.Context(), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	var buf bytes.Buffer
	if err := export.WriteScans(&buf, scans); err != nil {
		writeError(c, err)
		return
	}
	c.Header("Content-Disposition", `attachment; filename="wastesense-scans.xlsx"`)
	c.Data(http.StatusOK, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", buf.Bytes())
}

// formPosition parses an optional coordinate pair. Both values or neither
// must be present.
func formPosition(rawLat, rawLng string) (*geo.Position, error) {
	if rawLat == "" && rawLng == "" {
		return nil, nil
	}
	if rawLat == "" || rawLng == "" {
		return nil, fmt.Errorf("%w: latitude and longitude must be sent together", geo.ErrInvalidInput)
	}
	lat, err := strconv.ParseFloat(rawLat, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: latitude %q", geo.ErrInvalidInput, rawLat)
	}
	lng, err := strconv.ParseFloat(rawLng, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: longitude %q", geo.ErrInvalidInput, rawLng)
	}
	pos := &geo.Position{Latitude: lat, Longitude: lng}
	if err := pos.Validate(); err != nil {
		return nil, err
	}
	return pos, nil
}

func readUpload(file *multipart.FileHeader) ([]byte, error) {
	src, err := file.Open()
	if err != nil {
		return nil, err
	}
	defer src.Close()
	return io.ReadAll(io.LimitReader(src, MaxUploadSize+1))
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, geo.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, capture.ErrUnsupportedMedia):
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "unsupported media type"})
	case errors.Is(err, capture.ErrTooLarge):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image exceeds size limit"})
	case errors.Is(err, usecase.ErrProcessing):
		c.JSON(http.StatusAccepted, gin.H{"status": "processing"})
	case errors.Is(err, usecase.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "result not found"})
	case errors.Is(err, usecase.ErrSuperseded):
		c.JSON(http.StatusConflict, gin.H{"error": "superseded by a newer scan"})
	case errors.Is(err, classifier.ErrService):
		c.JSON(http.StatusBadGateway, gin.H{"error": "classification service unavailable"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
