package server

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-fetch/internal/cache"
	"github.com/any-hub/any-fetch/internal/download"
)

// DownloadService describes the manager operations exposed over HTTP. It allows
// injecting fake managers during tests.
type DownloadService interface {
	Submit(download.Request) (uint64, error)
	Cancel(uint64) error
	CancelAll() error
	Pause(uint64) error
	PauseAll() error
	Resume(uint64) error
	ResumeAll() error
	Query(uint64) (download.Snapshot, error)
	List() ([]download.Snapshot, error)
	Clear(uint64) error

	Size() (int64, error)
	MaxBytes() int64
	Entries() ([]cache.EntryInfo, error)
	DiskUsage() (cache.DiskStats, error)
	Open(key string) (*cache.Snapshot, error)
	Remove(key string) (bool, error)
}

// AppOptions controls how the Fiber application should behave.
type AppOptions struct {
	Logger     *logrus.Logger
	Service    DownloadService
	ListenPort int
}

const contextKeyRequestID = "_anyfetch_request_id"

// NewApp builds a Fiber application with request-id middleware and structured
// error handling. Routes are attached by the routes package.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Service == nil {
		return nil, errors.New("download service is required")
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
		ErrorHandler:  errorHandler(opts.Logger),
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware(opts.Logger))

	return app, nil
}

// requestContextMiddleware 负责生成请求 ID，并在请求结束后记录访问日志。
func requestContextMiddleware(logger *logrus.Logger) fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)

		started := time.Now()
		err := c.Next()

		logger.WithFields(logrus.Fields{
			"action":     "admin_request",
			"request_id": reqID,
			"method":     c.Method(),
			"path":       c.Path(),
			"elapsed_ms": time.Since(started).Milliseconds(),
		}).Debug("admin_request_served")
		return err
	}
}

func errorHandler(logger *logrus.Logger) fiber.ErrorHandler {
	return func(c fiber.Ctx, err error) error {
		status, code := StatusFor(err)
		if status >= fiber.StatusInternalServerError {
			logger.WithFields(logrus.Fields{
				"action":     "admin_request",
				"request_id": RequestID(c),
				"path":       c.Path(),
			}).WithError(err).Error("admin_request_failed")
		}
		return c.Status(status).JSON(fiber.Map{
			"error":   code,
			"message": err.Error(),
		})
	}
}

// StatusFor 将下载/缓存错误映射为 HTTP 状态码与错误码。
func StatusFor(err error) (int, string) {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return fe.Code, "http_error"
	}

	var de *download.Error
	if errors.As(err, &de) {
		switch de.Kind {
		case download.KindInvalidArgument:
			return fiber.StatusBadRequest, string(de.Kind)
		case download.KindUnknownRequest:
			return fiber.StatusNotFound, string(de.Kind)
		case download.KindReleased:
			return fiber.StatusServiceUnavailable, string(de.Kind)
		default:
			return fiber.StatusInternalServerError, string(de.Kind)
		}
	}

	switch {
	case errors.Is(err, cache.ErrNotFound):
		return fiber.StatusNotFound, "cache_miss"
	case errors.Is(err, cache.ErrInvalidKey):
		return fiber.StatusBadRequest, "invalid_key"
	case errors.Is(err, cache.ErrEditInProgress):
		return fiber.StatusConflict, "cache_conflict"
	}
	return fiber.StatusInternalServerError, "internal_error"
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}
