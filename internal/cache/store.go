package cache

import (
	"errors"
	"fmt"
	"io"
	"regexp"

	"github.com/sirupsen/logrus"
)

// Options 描述缓存目录、容量预算以及可注入的文件系统/日志实现。
type Options struct {
	// Dir 为缓存根目录，包含 journal 与 entries/ 子目录。
	Dir string
	// MaxBytes 为已提交条目的总字节预算，超出时按 LRU 淘汰。
	MaxBytes int64
	// CompactThreshold 为触发 journal 重写的冗余记录数，<=0 时使用 2000。
	CompactThreshold int
	// FS 为空时使用真实文件系统。
	FS FS
	// Logger 为空时丢弃日志。
	Logger *logrus.Logger
}

// Snapshot 表示一次读取命中：条目元信息 + 可 Seek 的正文 Reader。
type Snapshot struct {
	Key    string
	Size   int64
	Seq    uint64
	Reader io.ReadSeekCloser
}

// Close 释放正文 Reader。
func (s *Snapshot) Close() error {
	if s == nil || s.Reader == nil {
		return nil
	}
	return s.Reader.Close()
}

// EntryInfo 是不带正文的条目描述，用于列表/诊断接口。
type EntryInfo struct {
	Key  string `json:"key"`
	Size int64  `json:"size"`
	Seq  uint64 `json:"seq"`
}

var (
	// ErrNotFound 表示条目不存在（或尚未提交）。
	ErrNotFound = errors.New("cache entry not found")
	// ErrEditInProgress 表示同一 key 已有未结束的编辑会话。
	ErrEditInProgress = errors.New("cache edit already in progress")
	// ErrEditClosed 表示编辑会话已经提交、放弃或挂起。
	ErrEditClosed = errors.New("cache edit already finished")
	// ErrClosed 表示缓存尚未打开或已经关闭。
	ErrClosed = errors.New("cache closed")
	// ErrInvalidKey 表示 key 不符合 [A-Za-z0-9_][A-Za-z0-9_.-]{0,119}。
	ErrInvalidKey = errors.New("invalid cache key")
	// ErrEntryTooLarge 表示单个条目超过整个缓存预算。
	ErrEntryTooLarge = errors.New("cache entry exceeds budget")
	// ErrIO 包装所有底层文件系统失败，调用方据此区分 I/O 类错误。
	ErrIO = errors.New("cache io")
	// ErrJournalCorrupt 表示 journal 头部或中间记录无法解析。
	ErrJournalCorrupt = errors.New("cache journal corrupt")
)

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.-]{0,119}$`)

// ValidKey 报告 key 是否可以作为缓存条目文件名。
func ValidKey(key string) bool {
	return keyPattern.MatchString(key)
}

// wrapIO 以 ErrIO 包装底层错误，保留原始错误链。
func wrapIO(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrIO, op, err)
}
