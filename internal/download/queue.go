package download

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-fetch/internal/logging"
)

// QueueOptions 控制 worker 数量、默认重试策略与事件回调。
type QueueOptions struct {
	// Workers 为固定的并发传输数，<=0 时为 1。
	Workers int
	// MaxRetries 为请求未指定时的默认最大重试次数。
	MaxRetries int
	// InitialBackoff/MaxBackoff 控制重试前的指数退避。
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Logger         *logrus.Logger
	// Listener 按状态变化的先后顺序接收事件，在独立 goroutine 中串行调用，
	// 不能在回调中调用 Release。
	Listener Listener
}

type transferFunc func(ctx context.Context, j job, progress progressFunc) result

type discardFunc func(id uint64, key, owner string)

// Queue 是请求状态的唯一权威：worker 只提交结果，状态迁移全部在 mu 下完成。
type Queue struct {
	workers        int
	maxRetries     int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	logger         *logrus.Logger
	listener       Listener
	transfer       transferFunc
	discard        discardFunc

	mu       sync.Mutex
	tasks    map[uint64]*task
	pending  []*task // priority desc, seq asc
	nextID   uint64
	seq      uint64
	started  bool
	released bool
	outbox   []Event

	// progressAt 记录 outbox 中尚未投递的进度事件下标，同一请求只保留最新一条。
	progressAt map[uint64]int

	base     context.Context
	cancel   context.CancelCauseFunc
	notify   chan struct{}
	done     chan struct{}
	wg       sync.WaitGroup
	kick     chan struct{}
	drained  chan struct{}
	stopping chan struct{}
}

// NewQueue 构造队列，调用 Start 之前提交的请求会排队等待。
func NewQueue(opts QueueOptions, worker *Worker) (*Queue, error) {
	if worker == nil {
		return nil, errors.New("queue requires a worker")
	}
	q := newQueue(opts, worker.run)
	q.discard = worker.discardPartial
	return q, nil
}

func newQueue(opts QueueOptions, transfer transferFunc) *Queue {
	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	base, cancel := context.WithCancelCause(context.Background())

	q := &Queue{
		workers:        workers,
		maxRetries:     opts.MaxRetries,
		initialBackoff: opts.InitialBackoff,
		maxBackoff:     opts.MaxBackoff,
		logger:         logger,
		listener:       opts.Listener,
		transfer:       transfer,
		tasks:          make(map[uint64]*task),
		progressAt:     make(map[uint64]int),
		base:           base,
		cancel:         cancel,
		notify:         make(chan struct{}, workers),
		done:           make(chan struct{}),
		kick:           make(chan struct{}, 1),
		drained:        make(chan struct{}),
		stopping:       make(chan struct{}),
	}
	go q.dispatch()
	return q
}

// Start 启动固定数量的 worker，重复调用无副作用。
func (q *Queue) Start() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.released {
		return releasedError()
	}
	if q.started {
		return nil
	}
	q.started = true
	for i := 1; i <= q.workers; i++ {
		q.wg.Add(1)
		go q.loop(i)
	}
	q.logger.WithFields(logrus.Fields{"action": "queue_start", "workers": q.workers}).Info("queue_started")
	return nil
}

// Add 校验并入队，返回分配的 id。
func (q *Queue) Add(req Request) (uint64, error) {
	digest, err := req.validate()
	if err != nil {
		return 0, err
	}

	q.mu.Lock()
	if q.released {
		q.mu.Unlock()
		return 0, releasedError()
	}

	q.nextID++
	q.seq++
	t := &task{
		id:          q.nextID,
		seq:         q.seq,
		req:         req,
		digest:      digest,
		maxRetries:  q.resolveRetries(req.MaxRetries),
		status:      StatusPending,
		total:       -1,
		submittedAt: time.Now(),
	}
	if req.ExpectedSize > 0 {
		t.total = req.ExpectedSize
	}
	q.tasks[t.id] = t
	q.insertLocked(t)
	q.publishLocked(t)
	q.mu.Unlock()

	fields := logging.DownloadFields(t.id, req.Key, req.URL, 0)
	fields["action"] = "download_submit"
	fields["priority"] = req.Priority
	q.logger.WithFields(fields).Info("download_queued")

	q.signal()
	return t.id, nil
}

func (q *Queue) resolveRetries(requested int) int {
	switch {
	case requested < 0:
		return 0
	case requested == 0:
		return q.maxRetries
	default:
		return requested
	}
}

// Cancel 取消请求：排队中的立即变为 CANCELLED；运行中的通知 worker 在下一个
// 检查点放弃编辑，由 worker 确认后变为 CANCELLED。终态请求不受影响。
func (q *Queue) Cancel(id uint64) error {
	q.mu.Lock()
	if q.released {
		q.mu.Unlock()
		return releasedError()
	}
	t, ok := q.tasks[id]
	if !ok {
		q.mu.Unlock()
		return unknownError(id)
	}
	abort := q.cancelLocked(t)
	q.mu.Unlock()

	if abort != nil {
		abort(errStopped)
	}
	return nil
}

// CancelAll 取消所有排队与运行中的请求。
func (q *Queue) CancelAll() error {
	q.mu.Lock()
	if q.released {
		q.mu.Unlock()
		return releasedError()
	}
	aborts := q.cancelAllLocked()
	q.mu.Unlock()

	for _, abort := range aborts {
		abort(errStopped)
	}
	return nil
}

func (q *Queue) cancelAllLocked() []func(error) {
	var aborts []func(error)
	for _, t := range q.sortedLocked() {
		if abort := q.cancelLocked(t); abort != nil {
			aborts = append(aborts, abort)
		}
	}
	return aborts
}

func (q *Queue) cancelLocked(t *task) func(error) {
	switch t.status {
	case StatusPending:
		q.removePendingLocked(t)
		t.status = StatusCancelled
		t.paused = false
		t.cancelRequested = true
		t.nextRetry = time.Time{}
		t.finishedAt = time.Now()
		drop := q.dropPartialLocked(t)
		q.publishLocked(t)
		return drop
	case StatusRunning:
		t.cancelRequested = true
		t.stop.Store(stopCancel)
		return t.abort
	default:
		return nil
	}
}

// dropPartialLocked 为持有挂起字节的排队请求返回清理函数，调用方在释放锁后
// 与其他 abort 一并执行。
func (q *Queue) dropPartialLocked(t *task) func(error) {
	if q.discard == nil || t.validator == "" {
		return nil
	}
	id, key := t.id, t.req.Key
	owner := partialOwner(t.id, t.req.URL, t.validator)
	t.validator = ""
	t.bytes = 0
	return func(error) { q.discard(id, key, owner) }
}

// Pause 暂停请求：排队中的标记为 paused 不再调度；运行中的中止本次传输，
// 由 worker 确认后回到 PENDING+paused，上游支持续传时保留已下载的字节。
func (q *Queue) Pause(id uint64) error {
	q.mu.Lock()
	if q.released {
		q.mu.Unlock()
		return releasedError()
	}
	t, ok := q.tasks[id]
	if !ok {
		q.mu.Unlock()
		return unknownError(id)
	}
	abort := q.pauseLocked(t)
	q.mu.Unlock()

	if abort != nil {
		abort(errStopped)
	}
	return nil
}

// PauseAll 暂停所有未结束的请求。
func (q *Queue) PauseAll() error {
	q.mu.Lock()
	if q.released {
		q.mu.Unlock()
		return releasedError()
	}
	var aborts []func(error)
	for _, t := range q.sortedLocked() {
		if abort := q.pauseLocked(t); abort != nil {
			aborts = append(aborts, abort)
		}
	}
	q.mu.Unlock()

	for _, abort := range aborts {
		abort(errStopped)
	}
	return nil
}

func (q *Queue) pauseLocked(t *task) func(error) {
	switch t.status {
	case StatusPending:
		if !t.paused {
			t.paused = true
			q.publishLocked(t)
		}
		return nil
	case StatusRunning:
		t.resumeAfterPause = false
		if t.stop.CompareAndSwap(stopNone, stopPause) {
			return t.abort
		}
		return nil
	default:
		return nil
	}
}

// Resume 取消暂停，请求重新参与调度。
func (q *Queue) Resume(id uint64) error {
	q.mu.Lock()
	if q.released {
		q.mu.Unlock()
		return releasedError()
	}
	t, ok := q.tasks[id]
	if !ok {
		q.mu.Unlock()
		return unknownError(id)
	}
	wake := q.resumeLocked(t)
	q.mu.Unlock()

	if wake {
		q.signal()
	}
	return nil
}

// ResumeAll 恢复所有被暂停的请求。
func (q *Queue) ResumeAll() error {
	q.mu.Lock()
	if q.released {
		q.mu.Unlock()
		return releasedError()
	}
	wake := false
	for _, t := range q.sortedLocked() {
		if q.resumeLocked(t) {
			wake = true
		}
	}
	q.mu.Unlock()

	if wake {
		q.signal()
	}
	return nil
}

func (q *Queue) resumeLocked(t *task) bool {
	switch t.status {
	case StatusPending:
		if !t.paused {
			return false
		}
		t.paused = false
		q.publishLocked(t)
		return true
	case StatusRunning:
		if t.stop.Load() == stopPause {
			t.resumeAfterPause = true
		}
		return false
	default:
		return false
	}
}

// Query 返回请求当前状态，不产生副作用。
func (q *Queue) Query(id uint64) (Snapshot, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.released {
		return Snapshot{}, releasedError()
	}
	t, ok := q.tasks[id]
	if !ok {
		return Snapshot{}, unknownError(id)
	}
	return t.snapshot(), nil
}

// List 按 id 顺序返回所有被追踪请求的快照。
func (q *Queue) List() ([]Snapshot, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.released {
		return nil, releasedError()
	}
	tasks := q.sortedLocked()
	result := make([]Snapshot, len(tasks))
	for i, t := range tasks {
		result[i] = t.snapshot()
	}
	return result, nil
}

// Clear 删除已到终态的请求记录，之后 Query 返回未知请求。
func (q *Queue) Clear(id uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.released {
		return releasedError()
	}
	t, ok := q.tasks[id]
	if !ok {
		return unknownError(id)
	}
	if !t.status.Terminal() {
		return invalidf("request %d is still %s", id, t.status)
	}
	delete(q.tasks, id)
	return nil
}

// Release 取消全部请求、等待 worker 退出并使队列永久不可用。
// 第二次调用返回 released 错误。
func (q *Queue) Release() error {
	q.mu.Lock()
	if q.released {
		q.mu.Unlock()
		return releasedError()
	}
	aborts := q.cancelAllLocked()
	q.released = true
	close(q.done)
	q.mu.Unlock()

	for _, abort := range aborts {
		abort(errStopped)
	}
	q.cancel(ErrReleased)
	q.wg.Wait()

	close(q.stopping)
	<-q.drained

	q.logger.WithField("action", "queue_release").Info("queue_released")
	return nil
}

func (q *Queue) loop(worker int) {
	defer q.wg.Done()
	for {
		t, j, ctx, ok := q.next(worker)
		if !ok {
			select {
			case <-q.done:
				return
			case <-q.notify:
				continue
			}
		}

		res := q.transfer(ctx, j, func(bytes, total int64) {
			q.progress(t, bytes, total)
		})
		q.finish(t, res)
	}
}

// next 取出优先级最高、未暂停且已到重试时间的请求并标记为 RUNNING。
func (q *Queue) next(worker int) (*task, job, context.Context, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.released {
		return nil, job{}, nil, false
	}
	now := time.Now()
	for i, t := range q.pending {
		if t.paused || (!t.nextRetry.IsZero() && t.nextRetry.After(now)) {
			continue
		}
		q.pending = append(q.pending[:i], q.pending[i+1:]...)

		ctx, abort := context.WithCancelCause(q.base)
		t.status = StatusRunning
		t.worker = worker
		t.nextRetry = time.Time{}
		t.stop.Store(stopNone)
		t.abort = abort
		if t.startedAt.IsZero() {
			t.startedAt = now
		}
		q.publishLocked(t)
		if len(q.pending) > 0 {
			q.signal()
		}

		j := job{
			id:        t.id,
			worker:    worker,
			req:       t.req,
			digest:    t.digest,
			validator: t.validator,
			canRetry:  t.retries < t.maxRetries,
			stop:      &t.stop,
		}
		return t, j, ctx, true
	}
	return nil, job{}, nil, false
}

func (q *Queue) progress(t *task, bytes, total int64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if t.status != StatusRunning {
		return
	}
	t.bytes = bytes
	t.total = total
	if q.listener == nil {
		return
	}
	if i, ok := q.progressAt[t.id]; ok {
		q.outbox[i] = t.event()
		return
	}
	q.publishLocked(t)
	q.progressAt[t.id] = len(q.outbox) - 1
}

// finish 在锁内裁决 worker 结果：提交成功优先于取消请求。
func (q *Queue) finish(t *task, res result) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if t.abort != nil {
		t.abort(nil)
		t.abort = nil
	}
	t.worker = 0
	t.bytes = res.bytes
	if res.total >= 0 {
		t.total = res.total
	}
	t.validator = res.validator
	now := time.Now()
	fields := logging.DownloadFields(t.id, t.req.Key, t.req.URL, 0)

	stop := t.stop.Load()
	t.stop.Store(stopNone)

	switch {
	case res.err == nil:
		t.status = StatusCompleted
		t.err = nil
		t.finishedAt = now
		fields["action"] = "download_complete"
		fields["bytes"] = res.bytes
		q.logger.WithFields(fields).Info("download_complete")

	case stop == stopCancel || q.released:
		t.status = StatusCancelled
		t.finishedAt = now
		fields["action"] = "download_cancel"
		q.logger.WithFields(fields).Info("download_cancelled")

	case stop == stopPause:
		t.status = StatusPending
		t.paused = !t.resumeAfterPause
		t.resumeAfterPause = false
		q.insertLocked(t)
		if !t.paused {
			defer q.signal()
		}
		fields["action"] = "download_pause"
		fields["kept_bytes"] = res.bytes
		q.logger.WithFields(fields).Info("download_paused")

	default:
		derr := classify(res.err)
		t.err = derr
		fields["kind"] = derr.Kind
		if derr.Retryable() && t.retries < t.maxRetries {
			t.retries++
			delay := backoffDelay(q.initialBackoff, q.maxBackoff, t.retries)
			if derr.RetryAfter > delay {
				delay = derr.RetryAfter
			}
			t.status = StatusPending
			t.nextRetry = now.Add(delay)
			q.insertLocked(t)
			time.AfterFunc(delay, q.signal)
			fields["action"] = "download_retry"
			fields["retries"] = t.retries
			fields["delay"] = delay.String()
			q.logger.WithError(derr).WithFields(fields).Warn("download_retry_scheduled")
		} else {
			t.status = StatusFailed
			t.finishedAt = now
			fields["action"] = "download_fail"
			fields["retries"] = t.retries
			q.logger.WithError(derr).WithFields(fields).Error("download_failed")
		}
	}
	q.publishLocked(t)
}

// insertLocked 按 (priority desc, seq asc) 插入 pending。
func (q *Queue) insertLocked(t *task) {
	idx := sort.Search(len(q.pending), func(i int) bool {
		p := q.pending[i]
		if p.req.Priority != t.req.Priority {
			return p.req.Priority < t.req.Priority
		}
		return p.seq > t.seq
	})
	q.pending = append(q.pending, nil)
	copy(q.pending[idx+1:], q.pending[idx:])
	q.pending[idx] = t
}

func (q *Queue) removePendingLocked(t *task) {
	for i, p := range q.pending {
		if p == t {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return
		}
	}
}

func (q *Queue) sortedLocked() []*task {
	tasks := make([]*task, 0, len(q.tasks))
	for _, t := range q.tasks {
		tasks = append(tasks, t)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].id < tasks[j].id })
	return tasks
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// publishLocked 记录事件，由 dispatch goroutine 按入队顺序投递。状态事件之后
// 同一请求的进度另起一条，保证每个请求的事件顺序不变。
func (q *Queue) publishLocked(t *task) {
	if q.listener == nil {
		return
	}
	delete(q.progressAt, t.id)
	q.outbox = append(q.outbox, t.event())
	select {
	case q.kick <- struct{}{}:
	default:
	}
}

func (q *Queue) dispatch() {
	defer close(q.drained)
	for {
		select {
		case <-q.kick:
			q.deliver()
		case <-q.stopping:
			q.deliver()
			return
		}
	}
}

func (q *Queue) deliver() {
	q.mu.Lock()
	batch := q.outbox
	q.outbox = nil
	clear(q.progressAt)
	q.mu.Unlock()

	for _, ev := range batch {
		q.listener(ev)
	}
}
