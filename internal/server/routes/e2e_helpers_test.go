package routes_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-fetch/internal/download"
	"github.com/any-hub/any-fetch/internal/server"
	"github.com/any-hub/any-fetch/internal/server/routes"
)

// testAgent 组合真实的下载管理器与管理接口，只通过 HTTP 驱动。
type testAgent struct {
	t   *testing.T
	mgr *download.Manager
	app *fiber.App
	dir string
}

func newTestAgent(t *testing.T, dir string, mutate func(*download.Options)) *testAgent {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	opts := download.Options{
		CacheDir:          dir,
		CacheMaxBytes:     1 << 20,
		Workers:           2,
		ChunkSize:         1024,
		InactivityTimeout: 5 * time.Second,
		TransferTimeout:   30 * time.Second,
		MaxRetries:        1,
		InitialBackoff:    10 * time.Millisecond,
		MaxBackoff:        50 * time.Millisecond,
		Logger:            logger,
	}
	if mutate != nil {
		mutate(&opts)
	}

	mgr, err := download.NewManager(opts)
	if err != nil {
		t.Fatalf("manager error: %v", err)
	}

	app, err := server.NewApp(server.AppOptions{Logger: logger, Service: mgr, ListenPort: 5100})
	if err != nil {
		t.Fatalf("app error: %v", err)
	}
	routes.RegisterDownloadRoutes(app, mgr)
	routes.RegisterCacheRoutes(app, mgr, logger)

	agent := &testAgent{t: t, mgr: mgr, app: app, dir: dir}
	t.Cleanup(func() { _ = mgr.Release() })
	return agent
}

func (a *testAgent) do(method, path string, payload any) *http.Response {
	a.t.Helper()
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			a.t.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, body)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := a.app.Test(req, fiber.TestConfig{Timeout: 5 * time.Second})
	if err != nil {
		a.t.Fatalf("app.Test %s %s failed: %v", method, path, err)
	}
	return resp
}

func (a *testAgent) submit(req map[string]any) uint64 {
	a.t.Helper()
	resp := a.do("POST", "/-/downloads", req)
	if resp.StatusCode != fiber.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		a.t.Fatalf("submit failed: %d %s", resp.StatusCode, body)
	}
	var out struct {
		ID uint64 `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		a.t.Fatalf("decode submit: %v", err)
	}
	return out.ID
}

func (a *testAgent) query(id uint64) snapshotView {
	a.t.Helper()
	resp := a.do("GET", "/-/downloads/"+strconv.FormatUint(id, 10), nil)
	if resp.StatusCode != fiber.StatusOK {
		a.t.Fatalf("query %d failed: %d", id, resp.StatusCode)
	}
	var snap snapshotView
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		a.t.Fatalf("decode snapshot: %v", err)
	}
	return snap
}

func (a *testAgent) waitFor(id uint64, cond func(snapshotView) bool) snapshotView {
	a.t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		snap := a.query(id)
		if cond(snap) {
			return snap
		}
		if time.Now().After(deadline) {
			a.t.Fatalf("request %d did not reach expected state, last=%+v", id, snap)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (a *testAgent) waitStatus(id uint64, status download.Status) snapshotView {
	a.t.Helper()
	return a.waitFor(id, func(s snapshotView) bool { return s.Status == status })
}

func (a *testAgent) readCache(key string) ([]byte, int) {
	a.t.Helper()
	resp := a.do("GET", "/-/cache/"+key, nil)
	body, _ := io.ReadAll(resp.Body)
	return body, resp.StatusCode
}

// snapshotView 只解码断言需要的字段，错误信息保持 JSON 原样。
type snapshotView struct {
	ID               uint64          `json:"id"`
	Key              string          `json:"key"`
	Status           download.Status `json:"status"`
	Paused           bool            `json:"paused"`
	BytesTransferred int64           `json:"bytes_transferred"`
	TotalBytes       int64           `json:"total_bytes"`
	Retries          int             `json:"retries"`
	Error            *errorView      `json:"error"`
}

type errorView struct {
	Kind       string `json:"kind"`
	StatusCode int    `json:"status_code"`
	Retryable  bool   `json:"retryable"`
}

func itoa(id uint64) string {
	return strconv.FormatUint(id, 10)
}
