package routes

import (
	"strconv"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-fetch/internal/cache"
	"github.com/any-hub/any-fetch/internal/server"
)

type cacheStatusPayload struct {
	Size     int64             `json:"size"`
	MaxBytes int64             `json:"max_bytes"`
	Entries  []cache.EntryInfo `json:"entries"`
	Disk     *cache.DiskStats  `json:"disk,omitempty"`
}

// RegisterCacheRoutes 暴露 /-/cache 诊断接口：占用、条目列表、读取与删除单个条目。
func RegisterCacheRoutes(app *fiber.App, svc server.DownloadService, logger *logrus.Logger) {
	if app == nil || svc == nil {
		return
	}

	app.Get("/-/cache", func(c fiber.Ctx) error {
		size, err := svc.Size()
		if err != nil {
			return err
		}
		entries, err := svc.Entries()
		if err != nil {
			return err
		}
		if entries == nil {
			entries = []cache.EntryInfo{}
		}
		payload := cacheStatusPayload{
			Size:     size,
			MaxBytes: svc.MaxBytes(),
			Entries:  entries,
		}
		if stats, err := svc.DiskUsage(); err == nil {
			payload.Disk = &stats
		} else if logger != nil {
			logger.WithFields(logrus.Fields{
				"action":     "cache_status",
				"request_id": server.RequestID(c),
			}).WithError(err).Warn("disk_usage_unavailable")
		}
		return c.JSON(payload)
	})

	app.Get("/-/cache/:key", func(c fiber.Ctx) error {
		snap, err := svc.Open(c.Params("key"))
		if err != nil {
			return err
		}
		c.Set(fiber.HeaderContentType, fiber.MIMEOctetStream)
		c.Set("X-Cache-Seq", strconv.FormatUint(snap.Seq, 10))
		// fasthttp 在响应写完后关闭 Reader。
		return c.SendStream(snap.Reader, int(snap.Size))
	})

	app.Delete("/-/cache/:key", func(c fiber.Ctx) error {
		removed, err := svc.Remove(c.Params("key"))
		if err != nil {
			return err
		}
		return c.JSON(fiber.Map{"removed": removed})
	})
}
