package routes

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-fetch/internal/cache"
	"github.com/any-hub/any-fetch/internal/download"
	"github.com/any-hub/any-fetch/internal/server"
)

func TestSubmitDownload(t *testing.T) {
	svc := newFakeService()
	app := newRoutesApp(t, svc)

	body := `{"url":"https://example.com/fw.bin","key":"fw.bin","priority":3,"expected_hash":"sha256:abc","headers":{"authorization":"Bearer x"}}`
	resp := doRequest(t, app, "POST", "/-/downloads", body)
	if resp.StatusCode != fiber.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	var decoded struct {
		ID uint64 `json:"id"`
	}
	decodeBody(t, resp, &decoded)
	if decoded.ID != 7 {
		t.Fatalf("expected id 7, got %d", decoded.ID)
	}

	want := download.Request{
		URL:          "https://example.com/fw.bin",
		Key:          "fw.bin",
		Priority:     3,
		ExpectedHash: "sha256:abc",
		Headers:      http.Header{"Authorization": []string{"Bearer x"}},
	}
	if diff := cmp.Diff(want, svc.submitted); diff != "" {
		t.Fatalf("submitted request mismatch (-want +got):\n%s", diff)
	}
}

func TestSubmitRejectsBadJSON(t *testing.T) {
	app := newRoutesApp(t, newFakeService())
	resp := doRequest(t, app, "POST", "/-/downloads", "{")
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestSubmitSurfacesInvalidArgument(t *testing.T) {
	svc := newFakeService()
	svc.submitErr = &download.Error{Kind: download.KindInvalidArgument, Err: download.ErrInvalidRequest}
	app := newRoutesApp(t, svc)

	resp := doRequest(t, app, "POST", "/-/downloads", `{"url":"x","key":"k"}`)
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestQueryDownload(t *testing.T) {
	svc := newFakeService()
	svc.snapshots[5] = download.Snapshot{ID: 5, Key: "fw.bin", Status: download.StatusRunning, BytesTransferred: 10, TotalBytes: 20}
	app := newRoutesApp(t, svc)

	resp := doRequest(t, app, "GET", "/-/downloads/5", "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var snap download.Snapshot
	decodeBody(t, resp, &snap)
	if snap.Status != download.StatusRunning || snap.BytesTransferred != 10 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}

	if resp := doRequest(t, app, "GET", "/-/downloads/6", ""); resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected 404 for unknown id, got %d", resp.StatusCode)
	}
	if resp := doRequest(t, app, "GET", "/-/downloads/abc", ""); resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("expected 400 for bad id, got %d", resp.StatusCode)
	}
}

func TestListDownloadsNeverNull(t *testing.T) {
	app := newRoutesApp(t, newFakeService())
	resp := doRequest(t, app, "GET", "/-/downloads", "")
	body, _ := io.ReadAll(resp.Body)
	if string(body) != `{"downloads":[]}` {
		t.Fatalf("unexpected body %s", body)
	}
}

func TestControlRoutesDispatch(t *testing.T) {
	testCases := []struct {
		method string
		path   string
		status int
		call   string
	}{
		{"DELETE", "/-/downloads/3", fiber.StatusAccepted, "cancel:3"},
		{"POST", "/-/downloads/3/pause", fiber.StatusNoContent, "pause:3"},
		{"POST", "/-/downloads/3/resume", fiber.StatusNoContent, "resume:3"},
		{"DELETE", "/-/downloads/3/record", fiber.StatusNoContent, "clear:3"},
		{"POST", "/-/downloads/pause-all", fiber.StatusNoContent, "pause-all"},
		{"POST", "/-/downloads/resume-all", fiber.StatusNoContent, "resume-all"},
		{"POST", "/-/downloads/cancel-all", fiber.StatusNoContent, "cancel-all"},
	}
	for _, tc := range testCases {
		t.Run(tc.call, func(t *testing.T) {
			svc := newFakeService()
			app := newRoutesApp(t, svc)
			resp := doRequest(t, app, tc.method, tc.path, "")
			if resp.StatusCode != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, resp.StatusCode)
			}
			if diff := cmp.Diff([]string{tc.call}, svc.calls); diff != "" {
				t.Fatalf("calls mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestReleasedManagerReturns503(t *testing.T) {
	svc := newFakeService()
	svc.released = true
	app := newRoutesApp(t, svc)

	resp := doRequest(t, app, "POST", "/-/downloads/pause-all", "")
	if resp.StatusCode != fiber.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
}

func TestCacheStatus(t *testing.T) {
	svc := newFakeService()
	svc.entries = []cache.EntryInfo{{Key: "a", Size: 3, Seq: 1}}
	app := newRoutesApp(t, svc)

	resp := doRequest(t, app, "GET", "/-/cache", "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var payload cacheStatusPayload
	decodeBody(t, resp, &payload)
	want := cacheStatusPayload{
		Size:     3,
		MaxBytes: 100,
		Entries:  []cache.EntryInfo{{Key: "a", Size: 3, Seq: 1}},
		Disk:     &cache.DiskStats{Path: "/cache", Total: 1000, Free: 400, UsedPercent: 60},
	}
	if diff := cmp.Diff(want, payload); diff != "" {
		t.Fatalf("payload mismatch (-want +got):\n%s", diff)
	}
}

func TestCacheReadAndRemove(t *testing.T) {
	svc := newFakeService()
	svc.blobs["fw.bin"] = "firmware"
	app := newRoutesApp(t, svc)

	resp := doRequest(t, app, "GET", "/-/cache/fw.bin", "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "firmware" {
		t.Fatalf("unexpected body %q", body)
	}

	if resp := doRequest(t, app, "GET", "/-/cache/missing", ""); resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected 404 for miss, got %d", resp.StatusCode)
	}

	resp = doRequest(t, app, "DELETE", "/-/cache/fw.bin", "")
	body, _ = io.ReadAll(resp.Body)
	if string(body) != `{"removed":true}` {
		t.Fatalf("unexpected remove body %s", body)
	}
	resp = doRequest(t, app, "DELETE", "/-/cache/fw.bin", "")
	body, _ = io.ReadAll(resp.Body)
	if string(body) != `{"removed":false}` {
		t.Fatalf("second remove should report false, got %s", body)
	}
}

func newRoutesApp(t *testing.T, svc *fakeService) *fiber.App {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	app, err := server.NewApp(server.AppOptions{Logger: logger, Service: svc, ListenPort: 5100})
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}
	RegisterDownloadRoutes(app, svc)
	RegisterCacheRoutes(app, svc, logger)
	return app
}

func doRequest(t *testing.T, app *fiber.App, method, path, body string) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatalf("expected X-Request-ID header on %s %s", method, path)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode body: %v", err)
	}
}

type fakeService struct {
	mu        sync.Mutex
	released  bool
	calls     []string
	submitted download.Request
	submitErr error
	snapshots map[uint64]download.Snapshot
	entries   []cache.EntryInfo
	blobs     map[string]string
}

func newFakeService() *fakeService {
	return &fakeService{
		snapshots: map[uint64]download.Snapshot{},
		blobs:     map[string]string{},
	}
}

func (f *fakeService) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.released {
		return &download.Error{Kind: download.KindReleased, Err: download.ErrReleased}
	}
	f.calls = append(f.calls, call)
	return nil
}

func (f *fakeService) Submit(req download.Request) (uint64, error) {
	if f.submitErr != nil {
		return 0, f.submitErr
	}
	f.submitted = req
	return 7, nil
}

func (f *fakeService) Cancel(id uint64) error { return f.record("cancel:" + itoa(id)) }
func (f *fakeService) CancelAll() error { return f.record("cancel-all") }
func (f *fakeService) Pause(id uint64) error { return f.record("pause:" + itoa(id)) }
func (f *fakeService) PauseAll() error { return f.record("pause-all") }
func (f *fakeService) Resume(id uint64) error { return f.record("resume:" + itoa(id)) }
func (f *fakeService) ResumeAll() error { return f.record("resume-all") }
func (f *fakeService) Clear(id uint64) error { return f.record("clear:" + itoa(id)) }

func (f *fakeService) Query(id uint64) (download.Snapshot, error) {
	snap, ok := f.snapshots[id]
	if !ok {
		return download.Snapshot{}, &download.Error{Kind: download.KindUnknownRequest, Err: download.ErrUnknownRequest}
	}
	return snap, nil
}

func (f *fakeService) List() ([]download.Snapshot, error) { return nil, nil }

func (f *fakeService) Size() (int64, error) {
	var total int64
	for _, e := range f.entries {
		total += e.Size
	}
	return total, nil
}

func (f *fakeService) MaxBytes() int64 { return 100 }

func (f *fakeService) Entries() ([]cache.EntryInfo, error) { return f.entries, nil }

func (f *fakeService) DiskUsage() (cache.DiskStats, error) {
	return cache.DiskStats{Path: "/cache", Total: 1000, Free: 400, UsedPercent: 60}, nil
}

func (f *fakeService) Open(key string) (*cache.Snapshot, error) {
	blob, ok := f.blobs[key]
	if !ok {
		return nil, cache.ErrNotFound
	}
	return &cache.Snapshot{Key: key, Size: int64(len(blob)), Seq: 1, Reader: nopCloser{strings.NewReader(blob)}}, nil
}

func (f *fakeService) Remove(key string) (bool, error) {
	if _, ok := f.blobs[key]; !ok {
		return false, nil
	}
	delete(f.blobs, key)
	return true, nil
}

type nopCloser struct {
	*strings.Reader
}

func (nopCloser) Close() error { return nil }

func itoa(id uint64) string {
	return strconv.FormatUint(id, 10)
}
