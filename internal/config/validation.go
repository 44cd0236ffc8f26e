package config

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/any-hub/any-fetch/internal/cache"
	"github.com/any-hub/any-fetch/internal/upstream"
)

const (
	maxWorkers      = 64
	maxRedirects    = 20
	minChunkSize    = 512
	maxChunkSize    = 16 << 20
	minCompactLimit = 16
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.CacheDir == "" {
		return newFieldError("Global.CacheDir", "不能为空")
	}
	if g.CacheMaxBytes <= 0 {
		return newFieldError("Global.CacheMaxBytes", "必须大于 0")
	}
	if g.JournalCompactThreshold < minCompactLimit {
		return newFieldError("Global.JournalCompactThreshold", fmt.Sprintf("不能小于 %d", minCompactLimit))
	}
	if g.Workers <= 0 || g.Workers > maxWorkers {
		return newFieldError("Global.Workers", fmt.Sprintf("必须在 1-%d", maxWorkers))
	}
	if g.ChunkSize < minChunkSize || g.ChunkSize > maxChunkSize {
		return newFieldError("Global.ChunkSize", fmt.Sprintf("必须在 %d-%d 字节", minChunkSize, maxChunkSize))
	}
	if g.InactivityTimeout.DurationValue() <= 0 {
		return newFieldError("Global.InactivityTimeout", "必须大于 0")
	}
	if g.TransferTimeout.DurationValue() <= 0 {
		return newFieldError("Global.TransferTimeout", "必须大于 0")
	}
	if g.TransferTimeout.DurationValue() < g.InactivityTimeout.DurationValue() {
		return newFieldError("Global.TransferTimeout", "不能小于 InactivityTimeout")
	}
	if g.MaxRedirects < 0 || g.MaxRedirects > maxRedirects {
		return newFieldError("Global.MaxRedirects", fmt.Sprintf("必须在 0-%d", maxRedirects))
	}
	if g.MaxRetries < 0 {
		return newFieldError("Global.MaxRetries", "不能为负数")
	}
	if g.InitialBackoff.DurationValue() <= 0 {
		return newFieldError("Global.InitialBackoff", "必须大于 0")
	}
	if g.MaxBackoff.DurationValue() < g.InitialBackoff.DurationValue() {
		return newFieldError("Global.MaxBackoff", "不能小于 InitialBackoff")
	}
	if g.BandwidthLimit < 0 {
		return newFieldError("Global.BandwidthLimit", "不能为负数")
	}

	seenKeys := map[string]struct{}{}
	for i := range c.Artifacts {
		a := &c.Artifacts[i]
		if a.Key == "" {
			return newFieldError("Artifact[].Key", "不能为空")
		}
		if !cache.ValidKey(a.Key) {
			return newFieldError(artifactField(a.Key, "Key"), "仅允许字母、数字、'_'、'.'、'-'，且不能以 '.' 或 '-' 开头")
		}
		if _, exists := seenKeys[a.Key]; exists {
			return newFieldError(artifactField(a.Key, "Key"), "重复")
		}
		seenKeys[a.Key] = struct{}{}

		if err := validateSource(a.URL); err != nil {
			return fmt.Errorf("%s: %w", artifactField(a.Key, "URL"), err)
		}
		if a.Priority < 0 {
			return newFieldError(artifactField(a.Key, "Priority"), "不能为负数")
		}
		if a.Size < 0 {
			return newFieldError(artifactField(a.Key, "Size"), "不能为负数")
		}
		if a.Size > g.CacheMaxBytes {
			return newFieldError(artifactField(a.Key, "Size"), "超过 CacheMaxBytes")
		}
		if a.SHA256 != "" {
			if _, err := upstream.ParseDigest("sha256:" + a.SHA256); err != nil {
				return newFieldError(artifactField(a.Key, "SHA256"), "必须是 64 位十六进制")
			}
		}
		if a.MaxRetries < -1 {
			return newFieldError(artifactField(a.Key, "MaxRetries"), "仅允许 -1（不重试）或非负数")
		}
	}

	return nil
}

func validateSource(raw string) error {
	if raw == "" {
		return errors.New("缺少下载地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，地址: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("地址缺少 Host: %s", raw)
	}
	return nil
}
