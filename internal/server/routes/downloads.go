package routes

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/any-fetch/internal/download"
	"github.com/any-hub/any-fetch/internal/server"
)

// submitPayload 是 POST /-/downloads 的请求体。
type submitPayload struct {
	URL          string            `json:"url"`
	Key          string            `json:"key"`
	Priority     int               `json:"priority"`
	ExpectedSize int64             `json:"expected_size"`
	ExpectedHash string            `json:"expected_hash"`
	MaxRetries   int               `json:"max_retries"`
	Headers      map[string]string `json:"headers"`
}

func (p submitPayload) request() download.Request {
	req := download.Request{
		URL:          strings.TrimSpace(p.URL),
		Key:          strings.TrimSpace(p.Key),
		Priority:     p.Priority,
		ExpectedSize: p.ExpectedSize,
		ExpectedHash: strings.TrimSpace(p.ExpectedHash),
		MaxRetries:   p.MaxRetries,
	}
	if len(p.Headers) > 0 {
		req.Headers = make(http.Header, len(p.Headers))
		for k, v := range p.Headers {
			req.Headers.Set(k, v)
		}
	}
	return req
}

// RegisterDownloadRoutes 暴露 /-/downloads 管理接口，映射到下载管理器的各项操作。
func RegisterDownloadRoutes(app *fiber.App, svc server.DownloadService) {
	if app == nil || svc == nil {
		return
	}

	app.Get("/-/downloads", func(c fiber.Ctx) error {
		list, err := svc.List()
		if err != nil {
			return err
		}
		if list == nil {
			list = []download.Snapshot{}
		}
		return c.JSON(fiber.Map{"downloads": list})
	})

	app.Post("/-/downloads", func(c fiber.Ctx) error {
		var payload submitPayload
		if err := json.Unmarshal(c.Body(), &payload); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid json body")
		}
		id, err := svc.Submit(payload.request())
		if err != nil {
			return err
		}
		return c.Status(fiber.StatusCreated).JSON(fiber.Map{"id": id})
	})

	bulk := map[string]func() error{
		"pause-all":  svc.PauseAll,
		"resume-all": svc.ResumeAll,
		"cancel-all": svc.CancelAll,
	}
	for name, op := range bulk {
		app.Post("/-/downloads/"+name, func(c fiber.Ctx) error {
			if err := op(); err != nil {
				return err
			}
			return c.SendStatus(fiber.StatusNoContent)
		})
	}

	app.Get("/-/downloads/:id", func(c fiber.Ctx) error {
		id, err := parseID(c)
		if err != nil {
			return err
		}
		snap, err := svc.Query(id)
		if err != nil {
			return err
		}
		return c.JSON(snap)
	})

	app.Delete("/-/downloads/:id", withID(svc.Cancel, fiber.StatusAccepted))
	app.Post("/-/downloads/:id/pause", withID(svc.Pause, fiber.StatusNoContent))
	app.Post("/-/downloads/:id/resume", withID(svc.Resume, fiber.StatusNoContent))
	app.Delete("/-/downloads/:id/record", withID(svc.Clear, fiber.StatusNoContent))
}

func withID(op func(uint64) error, status int) fiber.Handler {
	return func(c fiber.Ctx) error {
		id, err := parseID(c)
		if err != nil {
			return err
		}
		if err := op(id); err != nil {
			return err
		}
		return c.SendStatus(status)
	}
}

func parseID(c fiber.Ctx) (uint64, error) {
	id, err := strconv.ParseUint(c.Params("id"), 10, 64)
	if err != nil || id == 0 {
		return 0, fiber.NewError(fiber.StatusBadRequest, "invalid download id")
	}
	return id, nil
}
