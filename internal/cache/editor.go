package cache

import (
	"io"
)

// Editor 是某个 key 的独占写入会话。同一时刻每个 key 至多存在一个 Editor；
// 调用方必须以 Commit、Abort 或 Suspend 之一结束会话。Editor 不是并发安全的，
// 只能由打开它的 goroutine 使用。
type Editor struct {
	cache   *Cache
	key     string
	tmpPath string
	file    File
	offset  int64
	size    int64
	owner   string
	done    bool
	closed  bool
}

// Key 返回会话对应的缓存 key。
func (e *Editor) Key() string {
	return e.key
}

// Offset 返回会话开始时临时文件中已有的字节数（续写挂起的下载时大于 0）。
func (e *Editor) Offset() int64 {
	return e.offset
}

// Owner 返回续写的部分下载在挂起时记录的归属标记，新建会话为空。
func (e *Editor) Owner() string {
	return e.owner
}

// SetOwner 设置挂起时随部分下载一起保存的归属标记。
func (e *Editor) SetOwner(owner string) {
	e.owner = owner
}

// Size 返回临时文件当前的总字节数。
func (e *Editor) Size() int64 {
	return e.size
}

// Path 返回临时文件路径，仅用于提交前的内容校验（例如计算摘要）。
func (e *Editor) Path() string {
	return e.tmpPath
}

// Write 将数据追加到临时文件。
func (e *Editor) Write(p []byte) (int, error) {
	if e.done || e.closed {
		return 0, ErrEditClosed
	}
	n, err := e.file.Write(p)
	e.size += int64(n)
	if err == nil && n < len(p) {
		err = io.ErrShortWrite
	}
	return n, err
}

// Reset 清空临时文件，用于上游不支持续传时从头重新下载。
func (e *Editor) Reset() error {
	if e.done || e.closed {
		return ErrEditClosed
	}
	if err := e.file.Truncate(0); err != nil {
		return err
	}
	if _, err := e.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	e.offset = 0
	e.size = 0
	e.owner = ""
	return nil
}

// Commit 提交会话，见 Cache.Commit。
func (e *Editor) Commit() error {
	return e.cache.Commit(e)
}

// Abort 放弃会话，见 Cache.Abort。
func (e *Editor) Abort() error {
	return e.cache.Abort(e)
}

// Suspend 结束会话但保留已写入的字节，下一次对同一 key 调用 Edit 时从
// Offset 处续写。挂起的数据不写入 journal，缓存关闭或重新打开后丢失。
func (e *Editor) Suspend() error {
	return e.cache.suspend(e)
}

// finishWrite 将临时文件落盘并关闭。
func (e *Editor) finishWrite() error {
	if e.closed {
		return nil
	}
	syncErr := e.file.Sync()
	closeErr := e.closeFile()
	if syncErr != nil {
		return syncErr
	}
	return closeErr
}

func (e *Editor) closeFile() error {
	if e.closed {
		return nil
	}
	e.closed = true
	return e.file.Close()
}
