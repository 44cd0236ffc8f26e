package download

import (
	"math"
	"math/rand/v2"
	"time"
)

// defaultMaxBackoff 在未配置上限时封顶退避时间。
const defaultMaxBackoff = 5 * time.Minute

// backoffDelay 返回第 attempt 次重试（从 1 开始）前的等待时间：指数增长并
// 以 ceiling 封顶（<=0 时使用默认上限），再乘以 0.5~1.5 的随机抖动。
func backoffDelay(initial, ceiling time.Duration, attempt int) time.Duration {
	if initial <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	if ceiling <= 0 {
		ceiling = max(defaultMaxBackoff, initial)
	}
	delay := initial
	for i := 1; i < attempt && delay < ceiling && delay <= math.MaxInt64/2; i++ {
		delay *= 2
	}
	if delay > ceiling {
		delay = ceiling
	}
	jittered := float64(delay) * (0.5 + rand.Float64())
	if jittered >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(jittered)
}
