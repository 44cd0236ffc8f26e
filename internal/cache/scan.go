package cache

import (
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/sirupsen/logrus"
)

// rebuildFromScanLocked 在 journal 缺失或损坏时，按 entries/ 中的文件重建索引：
// 临时文件删除，合法 key 的文件按修改时间从旧到新排列为 LRU 顺序。
func (c *Cache) rebuildFromScanLocked() error {
	items, err := c.fs.ReadDir(c.entriesPath)
	if err != nil {
		return wrapIO("scan entries", err)
	}

	type found struct {
		key     string
		size    int64
		modTime time.Time
	}
	var files []found

	for _, item := range items {
		if item.IsDir() {
			continue
		}
		name := item.Name()
		path := filepath.Join(c.entriesPath, name)
		if strings.HasPrefix(name, ".") || !ValidKey(name) {
			if err := c.fs.Remove(path); err != nil && !isNotExist(err) {
				c.logger.WithError(err).WithField("file", name).Warn("cache_sweep_failed")
			}
			continue
		}
		info, err := c.fs.Stat(path)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		files = append(files, found{key: name, size: info.Size(), modTime: info.ModTime()})
	}

	sort.SliceStable(files, func(i, j int) bool {
		if files[i].modTime.Equal(files[j].modTime) {
			return files[i].key < files[j].key
		}
		return files[i].modTime.Before(files[j].modTime)
	})

	for _, f := range files {
		c.seq++
		e := &entry{key: f.key, size: f.size, seq: c.seq}
		e.elem = c.lru.PushFront(e)
		c.entries[f.key] = e
		c.size += f.size
	}

	c.logger.WithFields(logrus.Fields{
		"action":  "cache_open",
		"dir":     c.dir,
		"entries": len(c.entries),
		"size":    c.size,
	}).Info("journal_rebuilt")
	return nil
}

// DiskStats 描述缓存所在文件系统的占用情况。
type DiskStats struct {
	Path        string  `json:"path"`
	Total       uint64  `json:"total"`
	Free        uint64  `json:"free"`
	UsedPercent float64 `json:"used_percent"`
}

// DiskUsage 查询缓存根目录所在文件系统的容量。
func (c *Cache) DiskUsage() (DiskStats, error) {
	usage, err := disk.Usage(c.dir)
	if err != nil {
		return DiskStats{}, wrapIO("disk usage", err)
	}
	return DiskStats{
		Path:        c.dir,
		Total:       usage.Total,
		Free:        usage.Free,
		UsedPercent: usage.UsedPercent,
	}, nil
}

// warnLowDisk 在剩余空间不足以容纳整个预算时给出告警，不影响打开流程。
func (c *Cache) warnLowDisk() {
	stats, err := c.DiskUsage()
	if err != nil {
		c.logger.WithError(err).WithField("dir", c.dir).Debug("disk_usage_unavailable")
		return
	}
	headroom := uint64(c.maxBytes - c.size)
	if c.size < c.maxBytes && stats.Free < headroom {
		c.logger.WithFields(logrus.Fields{
			"action":    "cache_open",
			"dir":       c.dir,
			"free":      stats.Free,
			"max_bytes": c.maxBytes,
			"size":      c.size,
		}).Warn("cache_disk_low")
	}
}
