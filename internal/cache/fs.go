package cache

import (
	"io"
	"os"

	"github.com/natefinch/atomic"
)

// File 是缓存使用的已打开文件，*os.File 天然满足。
type File interface {
	io.ReadWriteCloser
	io.Seeker
	Stat() (os.FileInfo, error)
	Sync() error
	Truncate(size int64) error
}

// FS 抽象缓存根目录内的文件操作（创建/重命名/删除），测试中可注入故障实现。
type FS interface {
	MkdirAll(path string, perm os.FileMode) error
	Open(path string) (File, error)
	OpenFile(path string, flag int, perm os.FileMode) (File, error)
	ReadFile(path string) ([]byte, error)
	ReadDir(path string) ([]os.DirEntry, error)
	Stat(path string) (os.FileInfo, error)
	Rename(oldpath, newpath string) error
	Remove(path string) error
	// WriteFileAtomic 通过临时文件 + fsync + rename 整体替换 path。
	WriteFileAtomic(path string, r io.Reader) error
}

// osFS 直接透传到 os 包。
type osFS struct{}

func (osFS) MkdirAll(path string, perm os.FileMode) error { return os.MkdirAll(path, perm) }

func (osFS) Open(path string) (File, error) { return os.Open(path) }

func (osFS) OpenFile(path string, flag int, perm os.FileMode) (File, error) {
	return os.OpenFile(path, flag, perm)
}

func (osFS) ReadFile(path string) ([]byte, error) { return os.ReadFile(path) }

func (osFS) ReadDir(path string) ([]os.DirEntry, error) { return os.ReadDir(path) }

func (osFS) Stat(path string) (os.FileInfo, error) { return os.Stat(path) }

func (osFS) Rename(oldpath, newpath string) error { return os.Rename(oldpath, newpath) }

func (osFS) Remove(path string) error { return os.Remove(path) }

func (osFS) WriteFileAtomic(path string, r io.Reader) error {
	return atomic.WriteFile(path, r)
}

// NewOSFS 返回基于真实文件系统的 FS。
func NewOSFS() FS {
	return osFS{}
}

var (
	_ File = (*os.File)(nil)
	_ FS   = osFS{}
)
