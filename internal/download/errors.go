package download

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/any-hub/any-fetch/internal/cache"
	"github.com/any-hub/any-fetch/internal/upstream"
)

var (
	// ErrReleased 表示队列或管理器已经释放，之后的调用全部失败。
	ErrReleased = errors.New("download manager released")
	// ErrInvalidRequest 表示提交的请求参数不合法，请求不会入队。
	ErrInvalidRequest = errors.New("invalid download request")
	// ErrUnknownRequest 表示 id 未被追踪（从未提交或已被 Clear）。
	ErrUnknownRequest = errors.New("unknown download request")
)

// Kind 是失败分类，用于决定是否重试以及向上层汇报。
type Kind string

const (
	KindInvalidArgument  Kind = "invalid_argument"
	KindUnknownRequest   Kind = "unknown_request"
	KindReleased         Kind = "released"
	KindMalformedURI     Kind = "malformed_uri"
	KindConnection       Kind = "connection"
	KindTimeout          Kind = "timeout"
	KindTooManyRedirects Kind = "too_many_redirects"
	KindHTTPStatus       Kind = "http_status"
	KindSizeMismatch     Kind = "size_mismatch"
	KindHashMismatch     Kind = "hash_mismatch"
	KindCacheIO          Kind = "cache_io"
	KindCacheConflict    Kind = "cache_conflict"
)

// Error 描述一次失败的分类与原因；HTTP 状态类错误携带状态码。
type Error struct {
	Kind       Kind
	StatusCode int
	// RetryAfter 来自上游 Retry-After 头，作为下一次重试的最小等待时间。
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.StatusCode != 0 && e.Err != nil:
		return fmt.Sprintf("%s (%d): %v", e.Kind, e.StatusCode, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s (%d)", e.Kind, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable 报告失败是否值得按退避策略重试：网络 I/O、超时、5xx 与 429。
func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	switch e.Kind {
	case KindConnection, KindTimeout:
		return true
	case KindHTTPStatus:
		return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
	default:
		return false
	}
}

// MarshalJSON 输出 {kind, status_code, message, retryable}，供快照与管理接口使用。
func (e *Error) MarshalJSON() ([]byte, error) {
	payload := struct {
		Kind       Kind   `json:"kind"`
		StatusCode int    `json:"status_code,omitempty"`
		Message    string `json:"message"`
		Retryable  bool   `json:"retryable"`
	}{
		Kind:       e.Kind,
		StatusCode: e.StatusCode,
		Message:    e.Error(),
		Retryable:  e.Retryable(),
	}
	return json.Marshal(payload)
}

func newError(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

func invalidf(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidArgument, Err: fmt.Errorf("%w: "+format, append([]any{ErrInvalidRequest}, args...)...)}
}

func releasedError() *Error {
	return &Error{Kind: KindReleased, Err: ErrReleased}
}

func unknownError(id uint64) *Error {
	return &Error{Kind: KindUnknownRequest, Err: fmt.Errorf("%w: %d", ErrUnknownRequest, id)}
}

var (
	errInactivity      = errors.New("no data received within inactivity timeout")
	errTransferTimeout = errors.New("transfer exceeded overall timeout")
	errStopped         = errors.New("transfer stopped")
)

// classify 将 worker 内部错误映射到失败分类。
func classify(err error) *Error {
	if err == nil {
		return nil
	}
	var derr *Error
	if errors.As(err, &derr) {
		return derr
	}

	switch {
	case errors.Is(err, upstream.ErrMalformedURL):
		return newError(KindMalformedURI, err)
	case errors.Is(err, upstream.ErrTooManyRedirects):
		return newError(KindTooManyRedirects, err)
	case errors.Is(err, errInactivity), errors.Is(err, errTransferTimeout), errors.Is(err, context.DeadlineExceeded):
		return newError(KindTimeout, err)
	case errors.Is(err, cache.ErrEditInProgress):
		return newError(KindCacheConflict, err)
	case errors.Is(err, cache.ErrIO), errors.Is(err, cache.ErrEntryTooLarge), errors.Is(err, cache.ErrClosed):
		return newError(KindCacheIO, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return newError(KindTimeout, err)
	}
	return newError(KindConnection, err)
}

// httpStatusError 构造状态码错误，并解析 Retry-After（秒数或 HTTP 日期）。
func httpStatusError(resp *http.Response) *Error {
	e := &Error{Kind: KindHTTPStatus, StatusCode: resp.StatusCode, Err: errors.New(resp.Status)}
	if raw := resp.Header.Get("Retry-After"); raw != "" {
		var seconds int
		if _, err := fmt.Sscanf(raw, "%d", &seconds); err == nil && seconds > 0 {
			e.RetryAfter = time.Duration(seconds) * time.Second
		} else if at, err := http.ParseTime(raw); err == nil {
			e.RetryAfter = time.Until(at)
		}
	}
	return e
}
