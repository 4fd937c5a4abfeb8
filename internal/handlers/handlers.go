package handlers

import (
	"context"
	"errors"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/faceverify/internal/auth"
	"github.com/example/faceverify/internal/detector"
	"github.com/example/faceverify/internal/engine"
	"github.com/example/faceverify/internal/faults"
	"github.com/example/faceverify/internal/repository"
	"github.com/example/faceverify/internal/usecase"
)

// MaxUploadSize bounds a pushed camera frame.
const MaxUploadSize = 5 << 20

var allowedFrameTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
}

// Service is the verification use case as seen by the HTTP surface.
type Service interface {
	StartSession(ctx context.Context, req usecase.StartRequest) (engine.Snapshot, error)
	Snapshot(sessionID, userID string) (engine.Snapshot, error)
	Retry(sessionID, userID string) (engine.Snapshot, error)
	Cancel(sessionID, userID string) (engine.Snapshot, error)
	ExecuteRecoveryAction(sessionID, userID, action string) (engine.Snapshot, error)
	Subscribe(sessionID, userID string) (<-chan engine.Snapshot, func(), error)
	HostLifecycle(state string) error
	PushObservation(userID string, obs detector.Observation) (bool, error)
	PushFrame(userID, contentType string, data []byte) error
	GetResult(ctx context.Context, userID, sessionID string) (*repository.SessionRecord, error)
	GetMetricsSummary(ctx context.Context) (*usecase.MetricsSummary, error)
}

type startRequest struct {
	Mode     string `json:"mode"`
	DeviceID string `json:"device_id"`
}

type actionRequest struct {
	Action string `json:"action" binding:"required"`
}

type lifecycleRequest struct {
	State string `json:"state" binding:"required"`
}

type handler struct {
	svc    Service
	logger *zap.Logger
}

// RegisterRoutes wires the HTTP handlers to the Gin router. Everything but
// /health sits behind authMiddleware.
func RegisterRoutes(router *gin.Engine, svc Service, authMiddleware gin.HandlerFunc, logger *zap.Logger) {
	h := &handler{svc: svc, logger: logger.Named("handlers")}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := router.Group("/v1", authMiddleware)
	v1.POST("/sessions", h.startSession)
	v1.GET("/sessions/:id", h.snapshot)
	v1.GET("/sessions/:id/stream", h.stream)
	v1.POST("/sessions/:id/retry", h.retry)
	v1.POST("/sessions/:id/cancel", h.cancel)
	v1.POST("/sessions/:id/actions", h.action)
	v1.GET("/sessions/:id/result", h.result)
	v1.POST("/frames", h.frame)
	v1.POST("/observations", h.observations)
	v1.POST("/lifecycle", h.lifecycle)
	v1.GET("/metrics", h.metrics)
}

func (h *handler) startSession(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	var body startRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}
	deviceID := body.DeviceID
	if deviceID == "" {
		deviceID = auth.GetDeviceID(c.Request.Context())
	}

	snap, err := h.svc.StartSession(c.Request.Context(), usecase.StartRequest{
		UserID:   userID,
		DeviceID: deviceID,
		Mode:     engine.Mode(body.Mode),
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, snap)
}

func (h *handler) snapshot(c *gin.Context) {
	h.sessionCommand(c, h.svc.Snapshot)
}

func (h *handler) retry(c *gin.Context) {
	h.sessionCommand(c, h.svc.Retry)
}

func (h *handler) cancel(c *gin.Context) {
	h.sessionCommand(c, h.svc.Cancel)
}

func (h *handler) action(c *gin.Context) {
	var body actionRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "action is required"})
		return
	}
	h.sessionCommand(c, func(sessionID, userID string) (engine.Snapshot, error) {
		return h.svc.ExecuteRecoveryAction(sessionID, userID, body.Action)
	})
}

func (h *handler) sessionCommand(c *gin.Context, cmd func(sessionID, userID string) (engine.Snapshot, error)) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	snap, err := cmd(c.Param("id"), userID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h *handler) result(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	rec, err := h.svc.GetResult(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *handler) frame(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxUploadSize+(1<<20))
	file, err := c.FormFile("frame")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "frame too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "frame file is required"})
		return
	}
	if file.Size > MaxUploadSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "frame too large"})
		return
	}
	contentType := file.Header.Get("Content-Type")
	if !allowedFrameTypes[contentType] {
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "frame must be image/jpeg or image/png"})
		return
	}

	data, err := readPart(file)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read frame"})
		return
	}
	if err := h.svc.PushFrame(userID, contentType, data); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handler) observations(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	var batch []detector.Observation
	if err := c.ShouldBindJSON(&batch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "expected a JSON array of observations"})
		return
	}
	accepted := 0
	for _, obs := range batch {
		forwarded, err := h.svc.PushObservation(userID, obs)
		if err != nil {
			h.writeError(c, err)
			return
		}
		if forwarded {
			accepted++
		}
	}
	c.JSON(http.StatusAccepted, gin.H{"accepted": accepted, "dropped": len(batch) - accepted})
}

func (h *handler) lifecycle(c *gin.Context) {
	var body lifecycleRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "state is required"})
		return
	}
	if err := h.svc.HostLifecycle(body.State); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handler) metrics(c *gin.Context) {
	summary, err := h.svc.GetMetricsSummary(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func requireUser(c *gin.Context) (string, bool) {
	userID, ok := auth.GetUserID(c.Request.Context())
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return "", false
	}
	return userID, true
}

func readPart(file *multipart.FileHeader) ([]byte, error) {
	src, err := file.Open()
	if err != nil {
		return nil, err
	}
	defer src.Close()
	return io.ReadAll(io.LimitReader(src, MaxUploadSize))
}

// writeError maps domain errors to HTTP responses. Classified faults carry
// their user-facing message and recovery actions.
func (h *handler) writeError(c *gin.Context, err error) {
	var verr *faults.VerificationError
	switch {
	case errors.As(err, &verr):
		status := http.StatusUnprocessableEntity
		switch verr.Kind {
		case faults.KindTooManyAttempts:
			status = http.StatusTooManyRequests
		case faults.KindAccountLocked:
			status = http.StatusLocked
		}
		c.JSON(status, gin.H{"error": verr.UserMessage, "verification_error": verr})
	case errors.Is(err, usecase.ErrInvalidMode),
		errors.Is(err, usecase.ErrUnknownAction),
		errors.Is(err, usecase.ErrUnknownLifecycle):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, usecase.ErrStaleSession):
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
	case errors.Is(err, repository.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "result not found"})
	case errors.Is(err, engine.ErrRetryNotAllowed),
		errors.Is(err, engine.ErrActionNotOffered),
		errors.Is(err, engine.ErrTerminated),
		errors.Is(err, engine.ErrAlreadyStarted):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, usecase.ErrClosed):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "service shutting down"})
	default:
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
