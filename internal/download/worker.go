package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/any-hub/any-fetch/internal/cache"
	"github.com/any-hub/any-fetch/internal/logging"
	"github.com/any-hub/any-fetch/internal/upstream"
)

const defaultChunkSize = 32 * 1024

// WorkerOptions 描述单次传输的执行环境，所有 worker goroutine 共享同一份。
type WorkerOptions struct {
	Cache  *cache.Cache
	Client *upstream.Client
	// ChunkSize 为单次读取与写入缓存的块大小，也是取消检查点的粒度。
	ChunkSize int
	// InactivityTimeout 为两次收到数据之间的最长间隔，0 表示不限制。
	InactivityTimeout time.Duration
	// TransferTimeout 为单次传输的总时长上限，0 表示不限制。
	TransferTimeout time.Duration
	// Limiter 为空时不限速；burst 必须不小于 ChunkSize。
	Limiter *rate.Limiter
	Logger  *logrus.Logger
}

// Worker 执行一次下载：校验地址、打开缓存编辑会话、流式写入、校验大小与
// 摘要后提交。Worker 不修改队列状态，只返回 result 交由队列裁决。
type Worker struct {
	cache      *cache.Cache
	client     *upstream.Client
	chunkSize  int
	inactivity time.Duration
	timeout    time.Duration
	limiter    *rate.Limiter
	logger     *logrus.Logger
}

// job 是队列在派发时拷贝出的只读任务描述。
type job struct {
	id        uint64
	worker    int
	req       Request
	digest    *upstream.Digest
	validator string
	canRetry  bool
	stop      *atomic.Int32
}

// result 是 worker 对一次执行的结论，err 为 nil 表示条目已提交。
type result struct {
	err       error
	bytes     int64
	total     int64
	validator string
	suspended bool
}

type progressFunc func(bytes, total int64)

// NewWorker 校验依赖并补全默认值。
func NewWorker(opts WorkerOptions) (*Worker, error) {
	if opts.Cache == nil {
		return nil, errors.New("worker requires a cache")
	}
	client := opts.Client
	if client == nil {
		client = upstream.NewClient(upstream.Options{MaxRedirects: 5})
	}
	chunk := opts.ChunkSize
	if chunk <= 0 {
		chunk = defaultChunkSize
	}
	if opts.Limiter != nil && opts.Limiter.Limit() != rate.Inf && opts.Limiter.Burst() < chunk {
		return nil, fmt.Errorf("limiter burst %d smaller than chunk size %d", opts.Limiter.Burst(), chunk)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	return &Worker{
		cache:      opts.Cache,
		client:     client,
		chunkSize:  chunk,
		inactivity: opts.InactivityTimeout,
		timeout:    opts.TransferTimeout,
		limiter:    opts.Limiter,
		logger:     logger,
	}, nil
}

// transfer 是 run 的单次执行状态。
type transfer struct {
	w         *Worker
	j         job
	ctx       context.Context
	ed        *cache.Editor
	idle      *time.Timer
	written   int64
	total     int64
	validator string
	closed    bool
}

func (w *Worker) run(parent context.Context, j job, progress progressFunc) result {
	if _, err := upstream.ParseURL(j.req.URL); err != nil {
		return result{err: err, total: -1}
	}

	ed, err := w.cache.Edit(j.req.Key)
	if err != nil {
		return result{err: err, total: -1}
	}

	ctx := parent
	if w.timeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeoutCause(ctx, w.timeout, errTransferTimeout)
		defer cancelTimeout()
	}
	ctx, abort := context.WithCancelCause(ctx)
	defer abort(nil)

	t := &transfer{w: w, j: j, ctx: ctx, ed: ed, total: -1}
	if w.inactivity > 0 {
		t.idle = time.AfterFunc(w.inactivity, func() { abort(errInactivity) })
		defer t.idle.Stop()
	}
	defer func() {
		if !t.closed {
			if err := ed.Abort(); err != nil && !errors.Is(err, cache.ErrEditClosed) {
				w.logger.WithError(err).WithFields(logging.DownloadFields(j.id, j.req.Key, "", j.worker)).Warn("cache_abort_failed")
			}
		}
	}()

	res := t.execute(progress)
	fields := logging.DownloadFields(j.id, j.req.Key, j.req.URL, j.worker)
	fields["action"] = "download_transfer"
	fields["bytes"] = res.bytes
	if res.err != nil && !errors.Is(res.err, errStopped) {
		w.logger.WithError(res.err).WithFields(fields).Warn("download_attempt_failed")
	} else if res.err == nil {
		w.logger.WithFields(fields).Info("download_committed")
	}
	return res
}

func (t *transfer) execute(progress progressFunc) result {
	offset := t.ed.Offset()
	opts := upstream.GetOptions{Header: t.j.req.Headers}
	if offset > 0 && t.j.validator != "" && t.ed.Owner() == partialOwner(t.j.id, t.j.req.URL, t.j.validator) {
		opts.Offset = offset
		opts.IfRange = t.j.validator
		t.written = offset
		t.validator = t.j.validator
	} else if offset > 0 {
		if err := t.restart(); err != nil {
			return t.finish(err)
		}
	}

	resp, err := t.w.client.Get(t.ctx, t.j.req.URL, opts)
	if err != nil {
		return t.finish(t.cause(err))
	}
	defer resp.Body.Close()
	t.touch()

	switch {
	case resp.StatusCode == http.StatusPartialContent && opts.Offset > 0:
		start, total, ok := upstream.ContentRange(resp)
		if !ok || start != opts.Offset {
			return t.finish(fmt.Errorf("unexpected content range %q for offset %d", resp.Header.Get("Content-Range"), opts.Offset))
		}
		t.written = opts.Offset
		t.total = total
		if v := upstream.ResumeValidator(resp); v != "" {
			t.validator = v
		}
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if t.ed.Offset() > 0 || t.ed.Size() > 0 {
			if err := t.restart(); err != nil {
				return t.finish(err)
			}
		}
		t.total = resp.ContentLength
		t.validator = upstream.ResumeValidator(resp)
	default:
		return t.finish(httpStatusError(resp))
	}

	expected := t.j.req.ExpectedSize
	if expected > 0 && t.total >= 0 && t.total != expected {
		return t.finish(&Error{Kind: KindSizeMismatch, Err: fmt.Errorf("upstream declares %d bytes, expected %d", t.total, expected)})
	}
	if t.total < 0 && expected > 0 {
		t.total = expected
	}
	progress(t.written, t.total)

	buf := make([]byte, t.w.chunkSize)
	for {
		if t.stopped() {
			return t.finish(errStopped)
		}
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			t.touch()
			if err := t.throttle(n); err != nil {
				return t.finish(t.cause(err))
			}
			if _, err := t.ed.Write(buf[:n]); err != nil {
				return t.finish(&Error{Kind: KindCacheIO, Err: err})
			}
			t.written += int64(n)
			if expected > 0 && t.written > expected {
				return t.finish(&Error{Kind: KindSizeMismatch, Err: fmt.Errorf("received more than %d bytes", expected)})
			}
			progress(t.written, t.total)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return t.finish(t.cause(readErr))
		}
	}

	if expected > 0 && t.written != expected {
		return t.finish(&Error{Kind: KindSizeMismatch, Err: fmt.Errorf("received %d bytes, expected %d", t.written, expected)})
	}
	if t.stopped() {
		return t.finish(errStopped)
	}
	if d := t.j.digest; d != nil {
		actual, err := upstream.HashFile(t.ed.Path(), d.Algorithm)
		if err != nil {
			return t.finish(&Error{Kind: KindCacheIO, Err: fmt.Errorf("hash partial file: %w", err)})
		}
		if !d.Matches(actual) {
			return t.finish(&Error{Kind: KindHashMismatch, Err: fmt.Errorf("got %s:%s, expected %s", d.Algorithm, actual, d)})
		}
	}
	if t.stopped() {
		return t.finish(errStopped)
	}

	t.closed = true
	if err := t.ed.Commit(); err != nil {
		return result{err: err, bytes: t.written, total: t.total, validator: t.validator}
	}
	return result{bytes: t.written, total: t.total, validator: t.validator}
}

// finish 结束一次失败的执行。暂停或可重试的失败在上游支持续传时挂起编辑，
// 保留已写入的字节；其余情况由 run 中的 defer 放弃编辑。
func (t *transfer) finish(err error) result {
	res := result{err: err, bytes: t.written, total: t.total, validator: t.validator}
	if t.keepPartial(err) {
		t.ed.SetOwner(partialOwner(t.j.id, t.j.req.URL, t.validator))
		if suspendErr := t.ed.Suspend(); suspendErr == nil {
			t.closed = true
			res.suspended = true
			return res
		}
	}
	res.bytes = 0
	res.validator = ""
	return res
}

func (t *transfer) keepPartial(err error) bool {
	if t.validator == "" || t.written == 0 {
		return false
	}
	switch t.j.stop.Load() {
	case stopPause:
		return true
	case stopCancel:
		return false
	}
	return t.j.canRetry && classify(err).Retryable()
}

// partialOwner 标记挂起的字节来自哪个请求、哪个地址与哪个版本的上游内容。
// 同一 key 上的其他请求接手这些字节时标记不一致，只能从头下载。
func partialOwner(id uint64, rawURL, validator string) string {
	return fmt.Sprintf("%d|%s|%s", id, rawURL, validator)
}

// discardPartial 删除请求在取消前挂起的部分下载。
func (w *Worker) discardPartial(id uint64, key, owner string) {
	dropped, err := w.cache.DiscardPartial(key, owner)
	fields := logging.DownloadFields(id, key, "", 0)
	fields["action"] = "download_cancel"
	if err != nil {
		if !errors.Is(err, cache.ErrClosed) {
			w.logger.WithError(err).WithFields(fields).Warn("partial_discard_failed")
		}
		return
	}
	if dropped {
		w.logger.WithFields(fields).Debug("partial_discarded")
	}
}

func (t *transfer) restart() error {
	if err := t.ed.Reset(); err != nil {
		return &Error{Kind: KindCacheIO, Err: err}
	}
	t.written = 0
	return nil
}

func (t *transfer) stopped() bool {
	return t.j.stop.Load() != stopNone
}

// cause 把 context 取消还原为真正的原因：停止信号、静默超时或总超时。
func (t *transfer) cause(err error) error {
	if t.stopped() {
		return errStopped
	}
	if c := context.Cause(t.ctx); c != nil && (errors.Is(c, errInactivity) || errors.Is(c, errTransferTimeout)) {
		return fmt.Errorf("%w: %v", c, err)
	}
	return err
}

func (t *transfer) touch() {
	if t.idle != nil {
		t.idle.Reset(t.w.inactivity)
	}
}

// throttle 在限速器上等待 n 个字节的令牌，等待期间暂停静默计时。
func (t *transfer) throttle(n int) error {
	if t.w.limiter == nil {
		return nil
	}
	if t.idle != nil {
		t.idle.Stop()
		defer t.touch()
	}
	return t.w.limiter.WaitN(t.ctx, n)
}
