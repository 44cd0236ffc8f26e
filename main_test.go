package main

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-fetch/internal/cache"
	"github.com/any-hub/any-fetch/internal/config"
	"github.com/any-hub/any-fetch/internal/download"
)

func TestParseCLIFlagsPriority(t *testing.T) {
	t.Setenv("ANY_FETCH_CONFIG", "/tmp/env.toml")

	opts, err := parseCLIFlags([]string{})
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if opts.configPath != "/tmp/env.toml" {
		t.Fatalf("应优先使用环境变量，得到 %s", opts.configPath)
	}

	opts, err = parseCLIFlags([]string{"--config", "/tmp/flag.toml"})
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if opts.configPath != "/tmp/flag.toml" {
		t.Fatalf("flag 应高于环境变量，得到 %s", opts.configPath)
	}

	opts, err = parseCLIFlags([]string{"-c", "/tmp/short.toml", "--check-config"})
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if opts.configPath != "/tmp/short.toml" || !opts.checkOnly {
		t.Fatalf("短参数解析错误: %+v", opts)
	}
}

func TestParseCLIFlagsRejectsUnknown(t *testing.T) {
	if _, err := parseCLIFlags([]string{"--nope"}); err == nil {
		t.Fatalf("未知参数应返回错误")
	}
}

func TestRunCheckConfigSuccess(t *testing.T) {
	useBufferWriters(t)
	code := run(cliOptions{configPath: configFixture(t, "valid.toml"), checkOnly: true})
	if code != 0 {
		t.Fatalf("期望退出码 0，得到 %d", code)
	}
}

func TestRunCheckConfigFailure(t *testing.T) {
	useBufferWriters(t)
	code := run(cliOptions{configPath: configFixture(t, "missing.toml"), checkOnly: true})
	if code == 0 {
		t.Fatalf("无效配置应返回非零退出码")
	}
	if !strings.Contains(stdErrBuffer().String(), "Artifact[firmware.bin].URL") {
		t.Fatalf("错误输出应包含字段路径，得到 %s", stdErrBuffer().String())
	}
}

func TestRunVersionOutput(t *testing.T) {
	useBufferWriters(t)
	code := run(cliOptions{showVersion: true})
	if code != 0 {
		t.Fatalf("version 模式应成功退出，得到 %d", code)
	}
	if !strings.Contains(stdOut.(*bytes.Buffer).String(), "any-fetch") {
		t.Fatalf("version 输出应包含 any-fetch 标识")
	}
}

func TestManagerOptionsFromConfig(t *testing.T) {
	cfg := &config.Config{Global: config.GlobalConfig{
		CacheDir:                "/var/cache/any-fetch",
		CacheMaxBytes:           1 << 20,
		JournalCompactThreshold: 64,
		Workers:                 2,
		ChunkSize:               4096,
		InactivityTimeout:       config.Duration(5 * time.Second),
		TransferTimeout:         config.Duration(time.Minute),
		MaxRetries:              4,
		InitialBackoff:          config.Duration(time.Second),
		MaxBackoff:              config.Duration(time.Minute),
		BandwidthLimit:          8192,
		MaxRedirects:            3,
		UserAgent:               "agent/1",
	}}

	got := managerOptions(cfg, nil, nil)
	want := download.Options{
		CacheDir:          "/var/cache/any-fetch",
		CacheMaxBytes:     1 << 20,
		CompactThreshold:  64,
		Workers:           2,
		ChunkSize:         4096,
		InactivityTimeout: 5 * time.Second,
		TransferTimeout:   time.Minute,
		MaxRetries:        4,
		InitialBackoff:    time.Second,
		MaxBackoff:        time.Minute,
		BandwidthLimit:    8192,
		MaxRedirects:      3,
		UserAgent:         "agent/1",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("options mismatch (-want +got):\n%s", diff)
	}
}

func TestArtifactRequest(t *testing.T) {
	req := artifactRequest(config.ArtifactConfig{
		Key:        "fw.bin",
		URL:        "https://example.com/fw.bin",
		Priority:   2,
		Size:       10,
		SHA256:     strings.Repeat("ab", 32),
		MaxRetries: -1,
		Headers:    map[string]string{"authorization": "Bearer x"},
	})
	want := download.Request{
		URL:          "https://example.com/fw.bin",
		Key:          "fw.bin",
		Priority:     2,
		ExpectedSize: 10,
		ExpectedHash: "sha256:" + strings.Repeat("ab", 32),
		MaxRetries:   -1,
		Headers:      http.Header{"Authorization": []string{"Bearer x"}},
	}
	if diff := cmp.Diff(want, req); diff != "" {
		t.Fatalf("request mismatch (-want +got):\n%s", diff)
	}
}

func TestSubmitArtifactsSkipsCached(t *testing.T) {
	svc := &stubSubmitter{
		cached: map[string]bool{"cached.bin": true},
		failOn: "broken.bin",
	}
	artifacts := []config.ArtifactConfig{
		{Key: "cached.bin", URL: "https://example.com/a"},
		{Key: "fresh.bin", URL: "https://example.com/b"},
		{Key: "broken.bin", URL: "https://example.com/c"},
	}

	got := submitArtifacts(svc, artifacts, discardLogger())
	if diff := cmp.Diff(map[string]uint64{"fresh.bin": 1}, got); diff != "" {
		t.Fatalf("submitted mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"fresh.bin", "broken.bin"}, svc.submitted); diff != "" {
		t.Fatalf("submit calls mismatch (-want +got):\n%s", diff)
	}
}

func TestArtifactListenerLogsOnlyTerminalStartupEvents(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := logrus.New()
	logger.SetOutput(buf)
	logger.SetFormatter(&logrus.JSONFormatter{})

	listen := artifactListener([]config.ArtifactConfig{{Key: "fw.bin"}}, logger)
	listen(download.Event{ID: 1, Key: "fw.bin", Status: download.StatusRunning, Bytes: 5})
	listen(download.Event{ID: 2, Key: "other.bin", Status: download.StatusCompleted})
	listen(download.Event{ID: 1, Key: "fw.bin", Status: download.StatusCompleted, Bytes: 10})

	out := buf.String()
	if strings.Count(out, "\n") != 1 || !strings.Contains(out, "artifact_ready") {
		t.Fatalf("expected one artifact_ready line, got %s", out)
	}
}

type stubSubmitter struct {
	cached    map[string]bool
	failOn    string
	submitted []string
	nextID    uint64
}

func (s *stubSubmitter) Open(key string) (*cache.Snapshot, error) {
	if s.cached[key] {
		return &cache.Snapshot{Key: key, Size: 1}, nil
	}
	return nil, cache.ErrNotFound
}

func (s *stubSubmitter) Submit(req download.Request) (uint64, error) {
	s.submitted = append(s.submitted, req.Key)
	if req.Key == s.failOn {
		return 0, errors.New("queue full")
	}
	s.nextID++
	return s.nextID, nil
}

func discardLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}
