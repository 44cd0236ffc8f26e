package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const (
	defaultListenPort       = 5100
	defaultCacheMaxBytes    = 2 << 30
	defaultCompactThreshold = 2000
	defaultWorkers          = 3
	defaultChunkSize        = 32 << 10
	defaultUserAgent        = "any-fetch"
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	hooks := mapstructure.ComposeDecodeHookFunc(durationDecodeHook(), byteSizeDecodeHook())
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hooks)); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	for i := range cfg.Artifacts {
		applyArtifactDefaults(&cfg.Artifacts[i])
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absCache, err := filepath.Abs(cfg.Global.CacheDir)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.CacheDir = absCache

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", defaultListenPort)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("CacheDir", "./cache")
	v.SetDefault("CacheMaxBytes", defaultCacheMaxBytes)
	v.SetDefault("JournalCompactThreshold", defaultCompactThreshold)
	v.SetDefault("Workers", defaultWorkers)
	v.SetDefault("ChunkSize", defaultChunkSize)
	v.SetDefault("InactivityTimeout", "30s")
	v.SetDefault("TransferTimeout", "30m")
	v.SetDefault("MaxRedirects", 5)
	v.SetDefault("MaxRetries", 3)
	v.SetDefault("InitialBackoff", "1s")
	v.SetDefault("MaxBackoff", "5m")
	v.SetDefault("BandwidthLimit", 0)
	v.SetDefault("UserAgent", defaultUserAgent)
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = defaultListenPort
	}
	if g.CacheMaxBytes == 0 {
		g.CacheMaxBytes = defaultCacheMaxBytes
	}
	if g.JournalCompactThreshold == 0 {
		g.JournalCompactThreshold = defaultCompactThreshold
	}
	if g.Workers == 0 {
		g.Workers = defaultWorkers
	}
	if g.ChunkSize == 0 {
		g.ChunkSize = defaultChunkSize
	}
	if g.InactivityTimeout.DurationValue() == 0 {
		g.InactivityTimeout = Duration(30 * time.Second)
	}
	if g.TransferTimeout.DurationValue() == 0 {
		g.TransferTimeout = Duration(30 * time.Minute)
	}
	if g.InitialBackoff.DurationValue() == 0 {
		g.InitialBackoff = Duration(time.Second)
	}
	if g.MaxBackoff.DurationValue() == 0 {
		g.MaxBackoff = Duration(5 * time.Minute)
	}
	if strings.TrimSpace(g.UserAgent) == "" {
		g.UserAgent = defaultUserAgent
	}
}

func applyArtifactDefaults(a *ArtifactConfig) {
	a.Key = strings.TrimSpace(a.Key)
	a.URL = strings.TrimSpace(a.URL)
	a.SHA256 = strings.ToLower(strings.TrimSpace(a.SHA256))
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}

func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(ByteSize(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			parsed, err := ParseByteSize(v)
			if err != nil {
				return nil, fmt.Errorf("无法解析字节数字段: %w", err)
			}
			return parsed, nil
		case int:
			return ByteSize(v), nil
		case int64:
			return ByteSize(v), nil
		case float64:
			return ByteSize(v), nil
		case ByteSize:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的字节数类型: %T", v)
		}
	}
}
