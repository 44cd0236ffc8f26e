package download

import (
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/any-hub/any-fetch/internal/cache"
	"github.com/any-hub/any-fetch/internal/upstream"
)

// Status 是请求的生命周期状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal 报告状态是否为终态。
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Request 描述一次下载。提交后由队列持有，调用方不应再修改其中的 Headers。
type Request struct {
	URL string `json:"url"`
	// Key 为目标缓存 key，需满足 cache.ValidKey。
	Key string `json:"key"`
	// Priority 越大越先调度，不能为负数。
	Priority int `json:"priority"`
	// ExpectedSize > 0 时要求收到的字节数完全一致。
	ExpectedSize int64 `json:"expected_size,omitempty"`
	// ExpectedHash 为 "sha256:<hex>" 或按长度推断算法的裸十六进制。
	ExpectedHash string `json:"expected_hash,omitempty"`
	// MaxRetries 为可重试失败的最大重试次数：0 使用队列默认值，<0 表示不重试。
	MaxRetries int         `json:"max_retries,omitempty"`
	Headers    http.Header `json:"headers,omitempty"`
}

// Snapshot 是某一时刻请求状态的只读副本。
type Snapshot struct {
	ID               uint64     `json:"id"`
	URL              string     `json:"url"`
	Key              string     `json:"key"`
	Priority         int        `json:"priority"`
	Status           Status     `json:"status"`
	Paused           bool       `json:"paused"`
	Worker           int        `json:"worker,omitempty"`
	BytesTransferred int64      `json:"bytes_transferred"`
	TotalBytes       int64      `json:"total_bytes"`
	Retries          int        `json:"retries"`
	NextRetry        *time.Time `json:"next_retry,omitempty"`
	Error            *Error     `json:"error,omitempty"`
	CancelRequested  bool       `json:"cancel_requested,omitempty"`
	SubmittedAt      time.Time  `json:"submitted_at"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
}

// Event 在状态变化与传输进度时发出。Total 未知时为 -1。
type Event struct {
	ID     uint64 `json:"id"`
	Key    string `json:"key"`
	Status Status `json:"status"`
	Paused bool   `json:"paused"`
	Bytes  int64  `json:"bytes"`
	Total  int64  `json:"total"`
	Err    *Error `json:"error,omitempty"`
}

// Listener 接收事件。回调在队列锁之外调用，但会阻塞发出事件的 goroutine，
// 实现应尽快返回。
type Listener func(Event)

// stop 信号：worker 在块之间读取。
const (
	stopNone int32 = iota
	stopCancel
	stopPause
)

// task 是队列内部对请求的运行时记录，除 stop 外的字段只在持有队列锁时读写。
type task struct {
	id         uint64
	seq        uint64
	req        Request
	digest     *upstream.Digest
	maxRetries int

	status    Status
	paused    bool
	worker    int
	bytes     int64
	total     int64
	retries   int
	nextRetry time.Time
	err       *Error

	submittedAt time.Time
	startedAt   time.Time
	finishedAt  time.Time

	cancelRequested  bool
	resumeAfterPause bool
	// validator 是上一次响应的 If-Range 校验值，为空表示不能续传。
	validator string

	stop  atomic.Int32
	abort func(error)
}

func (t *task) snapshot() Snapshot {
	s := Snapshot{
		ID:               t.id,
		URL:              t.req.URL,
		Key:              t.req.Key,
		Priority:         t.req.Priority,
		Status:           t.status,
		Paused:           t.paused,
		Worker:           t.worker,
		BytesTransferred: t.bytes,
		TotalBytes:       t.total,
		Retries:          t.retries,
		Error:            t.err,
		CancelRequested:  t.cancelRequested,
		SubmittedAt:      t.submittedAt,
	}
	if !t.nextRetry.IsZero() {
		next := t.nextRetry
		s.NextRetry = &next
	}
	if !t.startedAt.IsZero() {
		started := t.startedAt
		s.StartedAt = &started
	}
	if !t.finishedAt.IsZero() {
		finished := t.finishedAt
		s.FinishedAt = &finished
	}
	return s
}

func (t *task) event() Event {
	return Event{
		ID:     t.id,
		Key:    t.req.Key,
		Status: t.status,
		Paused: t.paused,
		Bytes:  t.bytes,
		Total:  t.total,
		Err:    t.err,
	}
}

// validate 做同步参数校验，返回解析后的摘要。
func (r *Request) validate() (*upstream.Digest, error) {
	r.URL = strings.TrimSpace(r.URL)
	if r.URL == "" {
		return nil, invalidf("url is required")
	}
	if r.Priority < 0 {
		return nil, invalidf("priority must be >= 0, got %d", r.Priority)
	}
	if !cache.ValidKey(r.Key) {
		return nil, invalidf("invalid cache key %q", r.Key)
	}
	if r.ExpectedSize < 0 {
		return nil, invalidf("expected size must be >= 0, got %d", r.ExpectedSize)
	}
	if strings.TrimSpace(r.ExpectedHash) == "" {
		return nil, nil
	}
	d, err := upstream.ParseDigest(r.ExpectedHash)
	if err != nil {
		return nil, invalidf("expected hash: %v", err)
	}
	return &d, nil
}
