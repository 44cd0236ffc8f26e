package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if seconds, err := time.ParseDuration(raw); err == nil {
		*d = Duration(seconds)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// ByteSize 表示字节数，配置中可写整数或带单位的字符串（"512MiB"、"2GB"）。
type ByteSize int64

var byteUnits = map[string]int64{
	"":    1,
	"b":   1,
	"k":   1 << 10,
	"kb":  1000,
	"kib": 1 << 10,
	"m":   1 << 20,
	"mb":  1000 * 1000,
	"mib": 1 << 20,
	"g":   1 << 30,
	"gb":  1000 * 1000 * 1000,
	"gib": 1 << 30,
	"t":   1 << 40,
	"tb":  1000 * 1000 * 1000 * 1000,
	"tib": 1 << 40,
}

// ParseByteSize 解析整数或 "<数字><单位>" 形式的字节数。
func ParseByteSize(raw string) (ByteSize, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return 0, nil
	}
	if n, err := parseInt(value); err == nil {
		return ByteSize(n), nil
	}

	idx := len(value)
	for idx > 0 && (value[idx-1] < '0' || value[idx-1] > '9') {
		idx--
	}
	number := strings.TrimSpace(value[:idx])
	unit := strings.ToLower(strings.TrimSpace(value[idx:]))
	mult, ok := byteUnits[unit]
	if !ok || number == "" {
		return 0, fmt.Errorf("invalid byte size: %s", raw)
	}
	f, err := strconv.ParseFloat(number, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size: %s", raw)
	}
	return ByteSize(f * float64(mult)), nil
}

// UnmarshalText 支持 TOML 字符串写法。
func (b *ByteSize) UnmarshalText(text []byte) error {
	parsed, err := ParseByteSize(string(text))
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// Int64 返回字节数。
func (b ByteSize) Int64() int64 {
	return int64(b)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述全局运行时行为：管理接口、日志、缓存与下载队列参数。
type GlobalConfig struct {
	ListenPort    int    `mapstructure:"ListenPort"`
	LogLevel      string `mapstructure:"LogLevel"`
	LogFilePath   string `mapstructure:"LogFilePath"`
	LogMaxSize    int    `mapstructure:"LogMaxSize"`
	LogMaxBackups int    `mapstructure:"LogMaxBackups"`
	LogCompress   bool   `mapstructure:"LogCompress"`

	CacheDir                string   `mapstructure:"CacheDir"`
	CacheMaxBytes           ByteSize `mapstructure:"CacheMaxBytes"`
	JournalCompactThreshold int      `mapstructure:"JournalCompactThreshold"`

	Workers           int      `mapstructure:"Workers"`
	ChunkSize         ByteSize `mapstructure:"ChunkSize"`
	InactivityTimeout Duration `mapstructure:"InactivityTimeout"`
	TransferTimeout   Duration `mapstructure:"TransferTimeout"`
	MaxRedirects      int      `mapstructure:"MaxRedirects"`
	MaxRetries        int      `mapstructure:"MaxRetries"`
	InitialBackoff    Duration `mapstructure:"InitialBackoff"`
	MaxBackoff        Duration `mapstructure:"MaxBackoff"`
	BandwidthLimit    ByteSize `mapstructure:"BandwidthLimit"`
	UserAgent         string   `mapstructure:"UserAgent"`
}

// ArtifactConfig 描述启动时需要确保已缓存的制品（固件/应用包）。
type ArtifactConfig struct {
	Key        string            `mapstructure:"Key"`
	URL        string            `mapstructure:"URL"`
	Priority   int               `mapstructure:"Priority"`
	Size       ByteSize          `mapstructure:"Size"`
	SHA256     string            `mapstructure:"SHA256"`
	MaxRetries int               `mapstructure:"MaxRetries"`
	Headers    map[string]string `mapstructure:"Headers"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global    GlobalConfig     `mapstructure:",squash"`
	Artifacts []ArtifactConfig `mapstructure:"Artifact"`
}

// ArtifactKeys 返回所有制品 key，供启动日志使用。
func ArtifactKeys(artifacts []ArtifactConfig) []string {
	if len(artifacts) == 0 {
		return nil
	}
	keys := make([]string, len(artifacts))
	for i, a := range artifacts {
		keys[i] = a.Key
	}
	return keys
}
