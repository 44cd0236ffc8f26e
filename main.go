package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/any-hub/any-fetch/internal/cache"
	"github.com/any-hub/any-fetch/internal/config"
	"github.com/any-hub/any-fetch/internal/download"
	"github.com/any-hub/any-fetch/internal/logging"
	"github.com/any-hub/any-fetch/internal/server"
	"github.com/any-hub/any-fetch/internal/server/routes"
	"github.com/any-hub/any-fetch/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

const shutdownTimeout = 10 * time.Second

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["artifacts"] = config.ArtifactKeys(cfg.Artifacts)
		fields["cache_dir"] = cfg.Global.CacheDir
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// 启动顺序：配置 → 磁盘缓存 + 下载队列 → 启动制品入队 → Fiber 管理接口。
	mgr, err := download.NewManager(managerOptions(cfg, logger, artifactListener(cfg.Artifacts, logger)))
	if err != nil {
		fmt.Fprintf(stdErr, "初始化下载管理器失败: %v\n", err)
		return 1
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["artifacts"] = len(cfg.Artifacts)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["cache_dir"] = cfg.Global.CacheDir
	fields["workers"] = cfg.Global.Workers
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	submitArtifacts(mgr, cfg.Artifacts, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	code := 0
	if err := serveHTTP(ctx, cfg, mgr, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		code = 1
	}

	if err := mgr.Release(); err != nil {
		logger.WithField("action", "shutdown").WithError(err).Error("download_manager_release_failed")
		code = 1
	}
	return code
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := pflag.NewFlagSet("any-fetch", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVarP(&configFlag, "config", "c", "", "配置文件路径（默认 ./config.toml，可被 ANY_FETCH_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVarP(&showVer, "version", "v", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("ANY_FETCH_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}

// managerOptions 将全局配置映射为下载管理器参数。
func managerOptions(cfg *config.Config, logger *logrus.Logger, listener download.Listener) download.Options {
	g := cfg.Global
	return download.Options{
		CacheDir:          g.CacheDir,
		CacheMaxBytes:     g.CacheMaxBytes.Int64(),
		CompactThreshold:  g.JournalCompactThreshold,
		Workers:           g.Workers,
		ChunkSize:         int(g.ChunkSize),
		InactivityTimeout: g.InactivityTimeout.DurationValue(),
		TransferTimeout:   g.TransferTimeout.DurationValue(),
		MaxRetries:        g.MaxRetries,
		InitialBackoff:    g.InitialBackoff.DurationValue(),
		MaxBackoff:        g.MaxBackoff.DurationValue(),
		BandwidthLimit:    g.BandwidthLimit.Int64(),
		MaxRedirects:      g.MaxRedirects,
		UserAgent:         g.UserAgent,
		Logger:            logger,
		Listener:          listener,
	}
}

// artifactSubmitter 是启动制品入队所需的最小接口。
type artifactSubmitter interface {
	Open(key string) (*cache.Snapshot, error)
	Submit(download.Request) (uint64, error)
}

// submitArtifacts 为尚未缓存的制品提交下载，返回 key → 请求 id。
func submitArtifacts(svc artifactSubmitter, artifacts []config.ArtifactConfig, logger *logrus.Logger) map[string]uint64 {
	submitted := make(map[string]uint64, len(artifacts))
	for _, a := range artifacts {
		fields := logrus.Fields{"action": "startup_artifact", "key": a.Key, "url": a.URL}

		if snap, err := svc.Open(a.Key); err == nil {
			size := snap.Size
			_ = snap.Close()
			logger.WithFields(fields).WithField("size", size).Info("artifact_already_cached")
			continue
		} else if !errors.Is(err, cache.ErrNotFound) {
			logger.WithFields(fields).WithError(err).Warn("artifact_cache_lookup_failed")
		}

		id, err := svc.Submit(artifactRequest(a))
		if err != nil {
			logger.WithFields(fields).WithError(err).Error("artifact_submit_failed")
			continue
		}
		submitted[a.Key] = id
		logger.WithFields(fields).WithField("request_id", id).Info("artifact_submitted")
	}
	return submitted
}

func artifactRequest(a config.ArtifactConfig) download.Request {
	req := download.Request{
		URL:          a.URL,
		Key:          a.Key,
		Priority:     a.Priority,
		ExpectedSize: a.Size.Int64(),
		MaxRetries:   a.MaxRetries,
	}
	if a.SHA256 != "" {
		req.ExpectedHash = "sha256:" + a.SHA256
	}
	if len(a.Headers) > 0 {
		req.Headers = make(http.Header, len(a.Headers))
		for k, v := range a.Headers {
			req.Headers.Set(k, v)
		}
	}
	return req
}

// artifactListener 记录启动制品的最终结果，其余请求的事件交由队列日志处理。
func artifactListener(artifacts []config.ArtifactConfig, logger *logrus.Logger) download.Listener {
	keys := make(map[string]struct{}, len(artifacts))
	for _, a := range artifacts {
		keys[a.Key] = struct{}{}
	}
	return func(ev download.Event) {
		if _, ok := keys[ev.Key]; !ok || !ev.Status.Terminal() {
			return
		}
		entry := logger.WithFields(logrus.Fields{
			"action":     "startup_artifact",
			"key":        ev.Key,
			"request_id": ev.ID,
			"status":     ev.Status,
			"bytes":      ev.Bytes,
		})
		if ev.Err != nil {
			entry.WithError(ev.Err).Warn("artifact_not_ready")
			return
		}
		entry.Info("artifact_ready")
	}
}

// serveHTTP 启动管理接口并阻塞，直到 ctx 结束或监听失败。
func serveHTTP(ctx context.Context, cfg *config.Config, svc server.DownloadService, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Service:    svc,
		ListenPort: port,
	})
	if err != nil {
		return err
	}
	routes.RegisterDownloadRoutes(app, svc)
	routes.RegisterCacheRoutes(app, svc, logger)

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(fmt.Sprintf(":%d", port), fiber.ListenConfig{DisableStartupMessage: true})
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.WithField("action", "shutdown").Info("Fiber 服务停止")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return app.ShutdownWithContext(shutdownCtx)
}
