package handlers

import (
	"context"
	"errors"
	"image"
	"io"
	"net/http"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/avocado-ripeness/internal/auth"
	"github.com/example/avocado-ripeness/internal/camera"
	"github.com/example/avocado-ripeness/internal/media"
	"github.com/example/avocado-ripeness/internal/prediction"
	"github.com/example/avocado-ripeness/internal/usecase"
)

// MaxUploadSize bounds request bodies. It sits above the image limit so that
// oversized images reach validation and surface as a TooLarge failure.
const MaxUploadSize = 16 << 20

// Workspace is the use case behind the routes.
type Workspace interface {
	State() usecase.State
	SwitchMode(ctx context.Context, mode usecase.Mode, secure bool) (usecase.State, error)
	SelectUpload(filename, declaredType string, r io.Reader) (usecase.State, error)
	DiscardUpload() (usecase.State, error)
	Predict(ctx context.Context) (usecase.State, error)
	Capture(ctx context.Context) (usecase.State, error)
	Frame(ctx context.Context) (image.Image, error)
	Reset() (usecase.State, error)
	Summary() usecase.Summary
}

// Previews serves preview bytes until revoked.
type Previews interface {
	Open(handle media.PreviewHandle) ([]byte, string, error)
}

// Options carries the optional collaborators of RegisterRoutes.
type Options struct {
	Metrics http.Handler
	// Auth protects the workspace routes when set. /health, /metrics and
	// /previews stay open.
	Auth   gin.HandlerFunc
	Logger *zap.Logger
}

type modeRequest struct {
	Mode string `json:"mode" binding:"required"`
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, ws Workspace, previews Previews, opts Options) {
	if opts.Logger != nil {
		router.Use(RequestLogger(opts.Logger))
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if opts.Metrics != nil {
		router.GET("/metrics", gin.WrapH(opts.Metrics))
	}

	router.GET("/previews/:id", func(c *gin.Context) {
		data, mimeType, err := previews.Open(media.PreviewHandle(c.Param("id")))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "preview not found"})
			return
		}
		c.Header("Cache-Control", "no-store")
		c.Data(http.StatusOK, mimeType, data)
	})

	api := router.Group("/")
	if opts.Auth != nil {
		api.Use(opts.Auth)
	}

	api.GET("/state", func(c *gin.Context) {
		c.JSON(http.StatusOK, ws.State())
	})

	api.GET("/summary", func(c *gin.Context) {
		c.JSON(http.StatusOK, ws.Summary())
	})

	api.POST("/mode", func(c *gin.Context) {
		var req modeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "mode is required"})
			return
		}
		mode, err := usecase.ParseMode(req.Mode)
		if err != nil {
			writeError(c, err, ws.State())
			return
		}
		state, err := ws.SwitchMode(c.Request.Context(), mode, camera.IsSecureContext(c.Request))
		if err != nil {
			writeError(c, err, state)
			return
		}
		c.JSON(http.StatusOK, state)
	})

	api.POST("/upload", func(c *gin.Context) {
		if c.Request.ContentLength > MaxUploadSize {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "upload too large"})
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxUploadSize)
		file, err := c.FormFile("file")
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "upload too large"})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": "image file is required"})
			return
		}

		src, err := file.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open image"})
			return
		}
		defer src.Close()

		state, err := ws.SelectUpload(file.Filename, file.Header.Get("Content-Type"), src)
		if err != nil {
			writeError(c, err, state)
			return
		}
		c.JSON(http.StatusOK, state)
	})

	api.DELETE("/upload", func(c *gin.Context) {
		state, err := ws.DiscardUpload()
		if err != nil {
			writeError(c, err, state)
			return
		}
		c.JSON(http.StatusOK, state)
	})

	api.POST("/predict", func(c *gin.Context) {
		state, err := ws.Predict(operatorContext(c))
		if err != nil {
			writeError(c, err, state)
			return
		}
		c.JSON(http.StatusAccepted, state)
	})

	api.POST("/reset", func(c *gin.Context) {
		state, err := ws.Reset()
		if err != nil {
			writeError(c, err, state)
			return
		}
		c.JSON(http.StatusOK, state)
	})

	api.POST("/camera/capture", func(c *gin.Context) {
		state, err := ws.Capture(operatorContext(c))
		if err != nil {
			writeError(c, err, state)
			return
		}
		c.JSON(http.StatusAccepted, state)
	})

	api.GET("/camera/frame", func(c *gin.Context) {
		frame, err := ws.Frame(c.Request.Context())
		if err != nil {
			writeError(c, err, ws.State())
			return
		}
		c.Header("Content-Type", "image/jpeg")
		c.Header("Cache-Control", "no-store")
		c.Status(http.StatusOK)
		if err := imaging.Encode(c.Writer, frame, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
			_ = c.Error(err)
		}
	})
}

// operatorContext carries the authenticated subject into the submission so the
// views it produces name their operator.
func operatorContext(c *gin.Context) context.Context {
	ctx := c.Request.Context()
	if subject, ok := auth.GetSubject(ctx); ok {
		return prediction.WithOperator(ctx, subject)
	}
	return ctx
}

// writeError maps workspace errors onto statuses. The state is always returned
// so clients can render the failure the machine recorded.
func writeError(c *gin.Context, err error, state usecase.State) {
	status := http.StatusInternalServerError
	var validation *media.ValidationError
	switch {
	case errors.As(err, &validation):
		status = http.StatusUnprocessableEntity
		if validation.Kind == media.UnsupportedType {
			status = http.StatusUnsupportedMediaType
		} else if validation.Kind == media.TooLarge {
			status = http.StatusRequestEntityTooLarge
		}
	case errors.Is(err, usecase.ErrInvalidMode), errors.Is(err, usecase.ErrNoImageSelected):
		status = http.StatusBadRequest
	case errors.Is(err, usecase.ErrWrongMode),
		errors.Is(err, prediction.ErrSubmissionInFlight),
		errors.Is(err, camera.ErrNotReady):
		status = http.StatusConflict
	case errors.Is(err, usecase.ErrClosed):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		_ = c.Error(err)
	}
	c.JSON(status, gin.H{"error": err.Error(), "state": state})
}

// RequestLogger replaces gin's default access log with zap.
func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	named := logger.Named("http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		}
		if subject, ok := auth.GetSubject(c.Request.Context()); ok {
			fields = append(fields, zap.String("subject", subject))
		}
		if len(c.Errors) > 0 {
			named.Error("request failed", append(fields, zap.String("errors", c.Errors.String()))...)
			return
		}
		named.Info("request", fields...)
	}
}
