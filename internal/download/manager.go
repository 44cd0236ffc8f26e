package download

import (
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/any-hub/any-fetch/internal/cache"
	"github.com/any-hub/any-fetch/internal/upstream"
)

// Options 汇总缓存、队列与传输参数，由入口从配置文件映射而来。
type Options struct {
	CacheDir         string
	CacheMaxBytes    int64
	CompactThreshold int
	// FS 为空时使用真实文件系统。
	FS cache.FS

	Workers           int
	ChunkSize         int
	InactivityTimeout time.Duration
	TransferTimeout   time.Duration
	MaxRetries        int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	// BandwidthLimit 为所有 worker 共享的字节/秒上限，0 表示不限速。
	BandwidthLimit int64

	MaxRedirects int
	UserAgent    string
	// Client 非空时忽略 MaxRedirects 与 UserAgent。
	Client *upstream.Client

	Logger   *logrus.Logger
	Listener Listener
}

// Manager 把缓存与队列的生命周期合并为一个入口：构造即打开缓存并启动
// worker，Release 之后所有调用返回 released 错误。
type Manager struct {
	cache    *cache.Cache
	queue    *Queue
	logger   *logrus.Logger
	released atomic.Bool
}

// NewManager 打开缓存并启动队列。
func NewManager(opts Options) (*Manager, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}

	store, err := cache.New(cache.Options{
		Dir:              opts.CacheDir,
		MaxBytes:         opts.CacheMaxBytes,
		CompactThreshold: opts.CompactThreshold,
		FS:               opts.FS,
		Logger:           logger,
	})
	if err != nil {
		return nil, err
	}
	if err := store.Open(); err != nil {
		return nil, err
	}

	client := opts.Client
	if client == nil {
		client = upstream.NewClient(upstream.Options{MaxRedirects: opts.MaxRedirects, UserAgent: opts.UserAgent})
	}
	chunk := opts.ChunkSize
	if chunk <= 0 {
		chunk = defaultChunkSize
	}

	worker, err := NewWorker(WorkerOptions{
		Cache:             store,
		Client:            client,
		ChunkSize:         chunk,
		InactivityTimeout: opts.InactivityTimeout,
		TransferTimeout:   opts.TransferTimeout,
		Limiter:           newLimiter(opts.BandwidthLimit, chunk),
		Logger:            logger,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	queue, err := NewQueue(QueueOptions{
		Workers:        opts.Workers,
		MaxRetries:     opts.MaxRetries,
		InitialBackoff: opts.InitialBackoff,
		MaxBackoff:     opts.MaxBackoff,
		Logger:         logger,
		Listener:       opts.Listener,
	}, worker)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	if err := queue.Start(); err != nil {
		_ = queue.Release()
		_ = store.Close()
		return nil, err
	}

	return &Manager{cache: store, queue: queue, logger: logger}, nil
}

// newLimiter 返回共享限速器，burst 至少为一个块，保证 WaitN 不会因块过大失败。
func newLimiter(bytesPerSecond int64, chunk int) *rate.Limiter {
	if bytesPerSecond <= 0 {
		return nil
	}
	burst := chunk
	if int64(burst) < bytesPerSecond {
		burst = int(bytesPerSecond)
	}
	return rate.NewLimiter(rate.Limit(bytesPerSecond), burst)
}

func (m *Manager) guard() error {
	if m.released.Load() {
		return releasedError()
	}
	return nil
}

// Submit 提交下载请求，参数非法时同步返回 invalid_argument。
func (m *Manager) Submit(req Request) (uint64, error) {
	if err := m.guard(); err != nil {
		return 0, err
	}
	return m.queue.Add(req)
}

func (m *Manager) Cancel(id uint64) error {
	if err := m.guard(); err != nil {
		return err
	}
	return m.queue.Cancel(id)
}

func (m *Manager) CancelAll() error {
	if err := m.guard(); err != nil {
		return err
	}
	return m.queue.CancelAll()
}

func (m *Manager) Pause(id uint64) error {
	if err := m.guard(); err != nil {
		return err
	}
	return m.queue.Pause(id)
}

func (m *Manager) PauseAll() error {
	if err := m.guard(); err != nil {
		return err
	}
	return m.queue.PauseAll()
}

func (m *Manager) Resume(id uint64) error {
	if err := m.guard(); err != nil {
		return err
	}
	return m.queue.Resume(id)
}

func (m *Manager) ResumeAll() error {
	if err := m.guard(); err != nil {
		return err
	}
	return m.queue.ResumeAll()
}

func (m *Manager) Query(id uint64) (Snapshot, error) {
	if err := m.guard(); err != nil {
		return Snapshot{}, err
	}
	return m.queue.Query(id)
}

func (m *Manager) List() ([]Snapshot, error) {
	if err := m.guard(); err != nil {
		return nil, err
	}
	return m.queue.List()
}

func (m *Manager) Clear(id uint64) error {
	if err := m.guard(); err != nil {
		return err
	}
	return m.queue.Clear(id)
}

// Size 返回缓存中已提交条目的总字节数。
func (m *Manager) Size() (int64, error) {
	if err := m.guard(); err != nil {
		return 0, err
	}
	return m.cache.Size(), nil
}

// MaxBytes 返回缓存预算。
func (m *Manager) MaxBytes() int64 {
	return m.cache.MaxBytes()
}

// Entries 按从旧到新的 LRU 顺序列出已提交条目。
func (m *Manager) Entries() ([]cache.EntryInfo, error) {
	if err := m.guard(); err != nil {
		return nil, err
	}
	return m.cache.Entries(), nil
}

// DiskUsage 返回缓存目录所在文件系统的容量。
func (m *Manager) DiskUsage() (cache.DiskStats, error) {
	if err := m.guard(); err != nil {
		return cache.DiskStats{}, err
	}
	return m.cache.DiskUsage()
}

// Open 读取已校验的缓存条目，调用方负责关闭 Snapshot。
func (m *Manager) Open(key string) (*cache.Snapshot, error) {
	if err := m.guard(); err != nil {
		return nil, err
	}
	snap, err := m.cache.Get(key)
	if errors.Is(err, cache.ErrClosed) {
		return nil, releasedError()
	}
	return snap, err
}

// Remove 删除未在编辑中的缓存条目。
func (m *Manager) Remove(key string) (bool, error) {
	if err := m.guard(); err != nil {
		return false, err
	}
	removed, err := m.cache.Remove(key)
	if errors.Is(err, cache.ErrClosed) {
		return false, releasedError()
	}
	return removed, err
}

// Release 取消全部下载、停止 worker 并关闭缓存；第二次调用返回 released 错误。
func (m *Manager) Release() error {
	if !m.released.CompareAndSwap(false, true) {
		return releasedError()
	}

	var errs []error
	if err := m.queue.Release(); err != nil {
		errs = append(errs, err)
	}
	if err := m.cache.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close cache: %w", err))
	}

	m.logger.WithFields(logrus.Fields{
		"action": "manager_release",
		"size":   m.cache.Size(),
	}).Info("download_manager_released")
	return errors.Join(errs...)
}
