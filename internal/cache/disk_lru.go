package cache

import (
	"bytes"
	"container/list"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

const (
	journalFile             = "journal"
	entriesDir              = "entries"
	defaultCompactThreshold = 2000
)

type entry struct {
	key  string
	size int64
	seq  uint64
	elem *list.Element
}

// partial 是被挂起的编辑留下的临时文件，仅保存在内存中，重新打开缓存时清理。
// owner 为挂起时会话记录的归属标记，续写方据此判断这些字节是否属于自己。
type partial struct {
	path  string
	size  int64
	owner string
}

// Cache 是带字节预算的磁盘 LRU 缓存。索引、LRU 链表与 journal 句柄只在持有
// mu 时修改；编辑会话写入的正文在锁外进行。
type Cache struct {
	dir              string
	entriesPath      string
	journalPath      string
	maxBytes         int64
	compactThreshold int
	fs               FS
	logger           *logrus.Logger

	mu        sync.Mutex
	journal   *journalWriter
	entries   map[string]*entry
	lru       *list.List // front = most recently used
	editing   map[string]*Editor
	partials  map[string]partial
	size      int64
	seq       uint64
	redundant int
}

// New 校验参数并构造缓存，调用 Open 之前不会触碰磁盘。
func New(opts Options) (*Cache, error) {
	if opts.Dir == "" {
		return nil, errors.New("cache dir required")
	}
	if opts.MaxBytes <= 0 {
		return nil, fmt.Errorf("cache max bytes must be > 0, got %d", opts.MaxBytes)
	}
	abs, err := filepath.Abs(opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("resolve cache dir: %w", err)
	}
	threshold := opts.CompactThreshold
	if threshold <= 0 {
		threshold = defaultCompactThreshold
	}
	fsys := opts.FS
	if fsys == nil {
		fsys = NewOSFS()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}

	return &Cache{
		dir:              abs,
		entriesPath:      filepath.Join(abs, entriesDir),
		journalPath:      filepath.Join(abs, journalFile),
		maxBytes:         opts.MaxBytes,
		compactThreshold: threshold,
		fs:               fsys,
		logger:           logger,
	}, nil
}

// Open 回放 journal 重建索引；journal 缺失或损坏时扫描 entries/ 目录并重写
// journal。已打开时直接返回 nil。
func (c *Cache) Open() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.journal != nil {
		return nil
	}

	if err := c.fs.MkdirAll(c.entriesPath, 0o755); err != nil {
		return fmt.Errorf("%w: create cache dir: %w", ErrIO, err)
	}

	c.entries = make(map[string]*entry)
	c.lru = list.New()
	c.editing = make(map[string]*Editor)
	c.partials = make(map[string]partial)
	c.size = 0
	c.seq = 0
	c.redundant = 0

	rewrite := false
	state, err := readJournal(c.fs, c.journalPath)
	switch {
	case err == nil:
		dropped, err := c.adoptLocked(state)
		if err != nil {
			return err
		}
		rewrite = dropped || state.truncated
	case isNotExist(err) || errors.Is(err, ErrJournalCorrupt):
		if !isNotExist(err) {
			c.logger.WithError(err).WithFields(logrus.Fields{
				"action": "cache_open",
				"dir":    c.dir,
			}).Warn("journal_corrupt_rebuilding")
		}
		if err := c.rebuildFromScanLocked(); err != nil {
			return err
		}
		rewrite = true
	default:
		return fmt.Errorf("%w: read journal: %w", ErrIO, err)
	}

	if rewrite || c.needsCompactionLocked() {
		if err := c.rewriteJournalLocked(); err != nil {
			return err
		}
	} else {
		jw, err := openJournalWriter(c.fs, c.journalPath)
		if err != nil {
			return fmt.Errorf("%w: open journal: %w", ErrIO, err)
		}
		c.journal = jw
	}

	c.trimLocked()
	c.warnLowDisk()

	c.logger.WithFields(logrus.Fields{
		"action":    "cache_open",
		"dir":       c.dir,
		"entries":   len(c.entries),
		"size":      c.size,
		"max_bytes": c.maxBytes,
	}).Info("cache_opened")
	return nil
}

// adoptLocked 将回放结果与磁盘文件核对：未完成编辑的临时文件被删除，
// 缺失或大小不符的条目被丢弃，entries/ 中无索引的文件被回收。
func (c *Cache) adoptLocked(state *replayState) (bool, error) {
	dropped := false
	for el := state.lru.Back(); el != nil; el = el.Prev() {
		e := el.Value.(*entry)
		info, err := c.fs.Stat(c.entryPath(e.key))
		if err != nil || !info.Mode().IsRegular() || info.Size() != e.size {
			c.logger.WithFields(logrus.Fields{
				"action": "cache_open",
				"key":    e.key,
			}).Warn("cache_entry_dropped")
			_ = c.fs.Remove(c.entryPath(e.key))
			dropped = true
			continue
		}
		ne := &entry{key: e.key, size: e.size, seq: e.seq}
		ne.elem = c.lru.PushFront(ne)
		c.entries[e.key] = ne
		c.size += e.size
	}
	c.seq = state.seq
	c.redundant = state.records - len(c.entries)

	if err := c.sweepLocked(); err != nil {
		return false, err
	}
	return dropped, nil
}

// sweepLocked 删除 entries/ 下所有临时文件以及不在索引中的文件。
func (c *Cache) sweepLocked() error {
	items, err := c.fs.ReadDir(c.entriesPath)
	if err != nil {
		return fmt.Errorf("%w: read entries: %w", ErrIO, err)
	}
	for _, item := range items {
		if item.IsDir() {
			continue
		}
		name := item.Name()
		if _, ok := c.entries[name]; ok {
			continue
		}
		if err := c.fs.Remove(filepath.Join(c.entriesPath, name)); err != nil && !isNotExist(err) {
			c.logger.WithError(err).WithField("file", name).Warn("cache_sweep_failed")
		}
	}
	return nil
}

// rewriteJournalLocked 原子替换 journal 为当前状态的精简版本，并重新打开追加句柄。
// 写入失败时保留原有句柄。
func (c *Cache) rewriteJournalLocked() error {
	editing := make([]string, 0, len(c.editing))
	for key := range c.editing {
		editing = append(editing, key)
	}
	sort.Strings(editing)

	content := compactJournal(c.lru, editing)
	if err := c.fs.WriteFileAtomic(c.journalPath, bytes.NewReader(content)); err != nil {
		return fmt.Errorf("%w: rewrite journal: %w", ErrIO, err)
	}

	if c.journal != nil {
		if err := c.journal.close(); err != nil {
			c.logger.WithError(err).Warn("journal_close_failed")
		}
		c.journal = nil
	}
	jw, err := openJournalWriter(c.fs, c.journalPath)
	if err != nil {
		return fmt.Errorf("%w: open journal: %w", ErrIO, err)
	}
	c.journal = jw
	c.redundant = 0

	c.logger.WithFields(logrus.Fields{
		"action":  "journal_rewrite",
		"entries": len(c.entries),
		"editing": len(editing),
	}).Debug("journal_rewritten")
	return nil
}

func (c *Cache) needsCompactionLocked() bool {
	return c.redundant >= c.compactThreshold && c.redundant >= len(c.entries)
}

// appendLocked 追加一条 journal 记录，调用前内存状态必须已经更新；写入失败时
// 用内存状态整体重写 journal。
func (c *Cache) appendLocked(op, key string, size int64) error {
	if op != opClean {
		c.redundant++
	}

	err := c.journal.append(op, key, size)
	if err == nil {
		return nil
	}

	c.logger.WithError(err).WithFields(logrus.Fields{
		"action": "journal_append",
		"op":     op,
		"key":    key,
	}).Error("journal_append_failed")
	return c.rewriteJournalLocked()
}

// maybeCompactLocked 在冗余记录过多时重写 journal，失败只记录日志。
func (c *Cache) maybeCompactLocked() {
	if !c.needsCompactionLocked() {
		return
	}
	if err := c.rewriteJournalLocked(); err != nil {
		c.logger.WithError(err).Error("journal_compact_failed")
	}
}

// Edit 为 key 开启独占编辑会话并立即追加 DIRTY 记录。若 key 有被挂起的部分
// 下载，会话将在原临时文件末尾继续写入，Offset 返回已有字节数，Owner 返回
// 挂起者记录的归属标记。
func (c *Cache) Edit(key string) (*Editor, error) {
	if !ValidKey(key) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.journal == nil {
		return nil, ErrClosed
	}
	if _, busy := c.editing[key]; busy {
		return nil, fmt.Errorf("%w: %s", ErrEditInProgress, key)
	}

	tmpPath := c.tempPath(key)
	flag := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	var (
		offset int64
		owner  string
	)
	if p, ok := c.partials[key]; ok {
		flag = os.O_WRONLY | os.O_CREATE | os.O_APPEND
		offset = p.size
		owner = p.owner
		delete(c.partials, key)
	}

	f, err := c.fs.OpenFile(tmpPath, flag, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: create temp for %s: %w", ErrIO, key, err)
	}

	ed := &Editor{
		cache:   c,
		key:     key,
		tmpPath: tmpPath,
		file:    f,
		offset:  offset,
		size:    offset,
		owner:   owner,
	}
	c.editing[key] = ed

	if err := c.appendLocked(opDirty, key, 0); err != nil {
		delete(c.editing, key)
		ed.done = true
		_ = f.Close()
		_ = c.fs.Remove(tmpPath)
		return nil, err
	}
	c.maybeCompactLocked()
	return ed, nil
}

// Commit 将编辑会话的临时文件原子替换为条目文件，追加 CLEAN 记录，更新 LRU
// 并在超出预算时淘汰最久未使用的条目。失败时临时文件被删除，索引保持不变。
func (c *Cache) Commit(ed *Editor) error {
	if err := ed.finishWrite(); err != nil {
		c.discard(ed)
		return fmt.Errorf("%w: finish %s: %w", ErrIO, ed.key, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.release(ed) {
		return ErrEditClosed
	}
	if c.journal == nil {
		_ = c.fs.Remove(ed.tmpPath)
		return ErrClosed
	}

	size := ed.size
	if size > c.maxBytes {
		_ = c.fs.Remove(ed.tmpPath)
		c.logger.WithFields(logrus.Fields{
			"action":    "cache_commit",
			"key":       ed.key,
			"size":      size,
			"max_bytes": c.maxBytes,
		}).Warn("cache_entry_too_large")
		return fmt.Errorf("%w: %s is %d bytes, budget %d", ErrEntryTooLarge, ed.key, size, c.maxBytes)
	}

	if err := c.fs.Rename(ed.tmpPath, c.entryPath(ed.key)); err != nil {
		_ = c.fs.Remove(ed.tmpPath)
		c.logger.WithError(err).WithFields(logrus.Fields{
			"action": "cache_commit",
			"key":    ed.key,
		}).Error("cache_commit_failed")
		return fmt.Errorf("%w: commit %s: %w", ErrIO, ed.key, err)
	}

	if old, ok := c.entries[ed.key]; ok {
		c.lru.Remove(old.elem)
		c.size -= old.size
		c.redundant++
	}
	c.seq++
	e := &entry{key: ed.key, size: size, seq: c.seq}
	e.elem = c.lru.PushFront(e)
	c.entries[ed.key] = e
	c.size += size

	journalErr := c.appendLocked(opClean, ed.key, size)
	c.trimLocked()
	c.maybeCompactLocked()

	if journalErr != nil {
		return fmt.Errorf("%w: journal %s: %w", ErrIO, ed.key, journalErr)
	}
	return nil
}

// Abort 丢弃临时文件，不追加任何记录，缓存总大小不变。
func (c *Cache) Abort(ed *Editor) error {
	_ = ed.closeFile()

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.release(ed) {
		return ErrEditClosed
	}
	if err := c.fs.Remove(ed.tmpPath); err != nil && !isNotExist(err) {
		return fmt.Errorf("%w: remove temp %s: %w", ErrIO, ed.key, err)
	}
	return nil
}

// suspend 关闭编辑会话但保留临时文件，供下一次 Edit 续写。
func (c *Cache) suspend(ed *Editor) error {
	if err := ed.finishWrite(); err != nil {
		c.discard(ed)
		return fmt.Errorf("%w: suspend %s: %w", ErrIO, ed.key, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.release(ed) {
		return ErrEditClosed
	}
	if c.journal == nil {
		_ = c.fs.Remove(ed.tmpPath)
		return ErrClosed
	}
	c.partials[ed.key] = partial{path: ed.tmpPath, size: ed.size, owner: ed.owner}
	return nil
}

// DiscardPartial 删除 key 被挂起的部分下载，仅当其归属标记等于 owner 时生效。
// key 正在编辑或部分下载属于其他归属时不做任何事，返回 false。
func (c *Cache) DiscardPartial(key, owner string) (bool, error) {
	if !ValidKey(key) {
		return false, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.journal == nil {
		return false, ErrClosed
	}
	if _, busy := c.editing[key]; busy {
		return false, nil
	}
	p, ok := c.partials[key]
	if !ok || p.owner != owner {
		return false, nil
	}
	delete(c.partials, key)
	if err := c.fs.Remove(p.path); err != nil && !isNotExist(err) {
		return false, fmt.Errorf("%w: remove partial %s: %w", ErrIO, key, err)
	}
	c.logger.WithFields(logrus.Fields{
		"action": "cache_discard_partial",
		"key":    key,
		"bytes":  p.size,
	}).Debug("cache_partial_discarded")
	return true, nil
}

// discard 在写入失败后释放会话并删除临时文件。
func (c *Cache) discard(ed *Editor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.release(ed) {
		_ = c.fs.Remove(ed.tmpPath)
	}
}

// release 将会话标记为结束并从 editing 中移除；会话已结束时返回 false。
func (c *Cache) release(ed *Editor) bool {
	if ed.done {
		return false
	}
	ed.done = true
	if c.editing[ed.key] == ed {
		delete(c.editing, ed.key)
	}
	return true
}

// trimLocked 按 LRU 顺序淘汰，直到总大小不超过预算。
func (c *Cache) trimLocked() {
	for c.size > c.maxBytes {
		el := c.lru.Back()
		if el == nil {
			return
		}
		e := el.Value.(*entry)
		if err := c.removeEntryLocked(e); err != nil {
			c.logger.WithError(err).WithField("key", e.key).Error("cache_evict_failed")
			return
		}
		c.logger.WithFields(logrus.Fields{
			"action": "cache_evict",
			"key":    e.key,
			"size":   e.size,
			"total":  c.size,
		}).Info("cache_evicted")
	}
}

func (c *Cache) removeEntryLocked(e *entry) error {
	if err := c.fs.Remove(c.entryPath(e.key)); err != nil && !isNotExist(err) {
		return fmt.Errorf("%w: remove %s: %w", ErrIO, e.key, err)
	}
	c.lru.Remove(e.elem)
	delete(c.entries, e.key)
	c.size -= e.size
	return c.appendLocked(opRemove, e.key, 0)
}

// Get 打开已提交条目的正文并追加 READ 记录，将其移到 LRU 头部。
func (c *Cache) Get(key string) (*Snapshot, error) {
	if !ValidKey(key) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.journal == nil {
		return nil, ErrClosed
	}
	e, ok := c.entries[key]
	if !ok {
		return nil, ErrNotFound
	}

	f, err := c.fs.Open(c.entryPath(key))
	if err != nil {
		c.logger.WithError(err).WithField("key", key).Warn("cache_entry_unreadable")
		c.lru.Remove(e.elem)
		delete(c.entries, key)
		c.size -= e.size
		_ = c.appendLocked(opRemove, key, 0)
		return nil, ErrNotFound
	}

	c.lru.MoveToFront(e.elem)
	if err := c.appendLocked(opRead, key, 0); err != nil {
		c.logger.WithError(err).WithField("key", key).Warn("cache_read_record_failed")
	}
	c.maybeCompactLocked()
	return &Snapshot{Key: key, Size: e.size, Seq: e.seq, Reader: f}, nil
}

// Remove 删除未处于编辑中的条目，返回是否确实删除了条目。挂起的部分下载一并丢弃。
func (c *Cache) Remove(key string) (bool, error) {
	if !ValidKey(key) {
		return false, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.journal == nil {
		return false, ErrClosed
	}
	if _, busy := c.editing[key]; busy {
		return false, nil
	}
	if p, ok := c.partials[key]; ok {
		_ = c.fs.Remove(p.path)
		delete(c.partials, key)
	}
	e, ok := c.entries[key]
	if !ok {
		return false, nil
	}
	if err := c.removeEntryLocked(e); err != nil {
		return false, err
	}
	c.maybeCompactLocked()
	return true, nil
}

// Size 返回已提交条目的总字节数（内存中的计数，而非实时扫描文件系统）。
func (c *Cache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// MaxBytes 返回缓存预算。
func (c *Cache) MaxBytes() int64 {
	return c.maxBytes
}

// Dir 返回缓存根目录的绝对路径。
func (c *Cache) Dir() string {
	return c.dir
}

// Entries 按从最久未使用到最近使用的顺序返回已提交条目。
func (c *Cache) Entries() []EntryInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.lru == nil {
		return nil
	}
	result := make([]EntryInfo, 0, len(c.entries))
	for el := c.lru.Back(); el != nil; el = el.Prev() {
		e := el.Value.(*entry)
		result = append(result, EntryInfo{Key: e.key, Size: e.size, Seq: e.seq})
	}
	return result
}

// Keys 按 LRU 顺序（最旧在前）返回已提交的 key。
func (c *Cache) Keys() []string {
	infos := c.Entries()
	keys := make([]string, len(infos))
	for i, info := range infos {
		keys[i] = info.Key
	}
	return keys
}

// Flush 将 journal 强制落盘。
func (c *Cache) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.journal == nil {
		return ErrClosed
	}
	if err := c.journal.sync(); err != nil {
		return fmt.Errorf("%w: flush journal: %w", ErrIO, err)
	}
	return nil
}

// Close 落盘并释放 journal 句柄，丢弃挂起的部分下载。条目仍保留在磁盘上，
// 之后再次 Open 可恢复。重复调用返回 nil。
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.journal == nil {
		return nil
	}
	for key, p := range c.partials {
		_ = c.fs.Remove(p.path)
		delete(c.partials, key)
	}
	err := c.journal.close()
	c.journal = nil
	if err != nil {
		return fmt.Errorf("%w: close journal: %w", ErrIO, err)
	}
	c.logger.WithFields(logrus.Fields{
		"action":  "cache_close",
		"entries": len(c.entries),
		"size":    c.size,
	}).Info("cache_closed")
	return nil
}

func (c *Cache) entryPath(key string) string {
	return filepath.Join(c.entriesPath, key)
}

func (c *Cache) tempPath(key string) string {
	return filepath.Join(c.entriesPath, "."+key+".tmp")
}
