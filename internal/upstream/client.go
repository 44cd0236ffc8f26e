package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrMalformedURL 表示地址无法解析、协议不是 http/https 或缺少 Host。
	ErrMalformedURL = errors.New("malformed url")
	// ErrTooManyRedirects 表示重定向次数超过 Options.MaxRedirects。
	ErrTooManyRedirects = errors.New("too many redirects")
)

// Shared HTTP transport tunings，复用长连接并集中配置超时。
// 关闭透明解压，保证写入缓存的字节与上游声明的大小/摘要一致。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   100,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DisableCompression:    true,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// Options 控制上游客户端的重定向与标识。
type Options struct {
	// MaxRedirects 为允许跟随的最大重定向次数，0 表示不跟随。
	MaxRedirects int
	// UserAgent 在请求未显式携带时写入 User-Agent。
	UserAgent string
	// Transport 为空时使用共享 transport 的副本，测试可注入。
	Transport http.RoundTripper
}

// Client 对所有下载共享，封装重定向上限与 Range 请求。
type Client struct {
	http      *http.Client
	userAgent string
}

// NewClient 返回共享客户端。整体超时由调用方的 context 控制，不设置
// http.Client.Timeout，避免截断大文件的流式读取。
func NewClient(opts Options) *Client {
	transport := opts.Transport
	if transport == nil {
		transport = defaultTransport.Clone()
	}
	maxRedirects := opts.MaxRedirects
	if maxRedirects < 0 {
		maxRedirects = 0
	}

	return &Client{
		http: &http.Client{
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) > maxRedirects {
					return fmt.Errorf("%w: stopped after %d", ErrTooManyRedirects, maxRedirects)
				}
				if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
					return fmt.Errorf("%w: redirect to %s", ErrMalformedURL, req.URL.Redacted())
				}
				return nil
			},
		},
		userAgent: opts.UserAgent,
	}
}

// GetOptions 描述一次 GET 的续传与附加头部。
type GetOptions struct {
	// Offset > 0 时发送 Range: bytes=Offset-。
	Offset int64
	// IfRange 为续传校验值（ETag 或 Last-Modified），与 Offset 一起使用。
	IfRange string
	// Header 为调用方附加的请求头，hop-by-hop 字段会被忽略。
	Header http.Header
}

// Get 在发起任何网络 I/O 之前校验 URL，然后以 ctx 发送 GET 请求。
// 调用方负责关闭响应 Body。
func (c *Client) Get(ctx context.Context, rawURL string, opts GetOptions) (*http.Response, error) {
	target, err := ParseURL(rawURL)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedURL, err)
	}
	CopyHeaders(req.Header, opts.Header)
	if c.userAgent != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if opts.Offset > 0 {
		req.Header.Set("Range", "bytes="+strconv.FormatInt(opts.Offset, 10)+"-")
		if opts.IfRange != "" {
			req.Header.Set("If-Range", opts.IfRange)
		}
	}

	return c.http.Do(req)
}

// ParseURL 接受带 Host 的 http/https 绝对地址。
func ParseURL(raw string) (*url.URL, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty", ErrMalformedURL)
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedURL, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrMalformedURL, parsed.Scheme)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrMalformedURL)
	}
	return parsed, nil
}

// ResumeValidator 返回可用于 If-Range 的强校验值；上游未声明
// Accept-Ranges: bytes 或没有可用校验值时返回空串，表示只能从头下载。
func ResumeValidator(resp *http.Response) string {
	if resp == nil {
		return ""
	}
	if !strings.EqualFold(strings.TrimSpace(resp.Header.Get("Accept-Ranges")), "bytes") {
		return ""
	}
	if etag := strings.TrimSpace(resp.Header.Get("ETag")); etag != "" && !strings.HasPrefix(etag, "W/") {
		return etag
	}
	return strings.TrimSpace(resp.Header.Get("Last-Modified"))
}

// ContentRange 解析 206 响应的 Content-Range: bytes start-end/total。
// total 未知（"*"）时返回 -1。
func ContentRange(resp *http.Response) (start, total int64, ok bool) {
	raw := strings.TrimSpace(resp.Header.Get("Content-Range"))
	rng, found := strings.CutPrefix(raw, "bytes ")
	if !found {
		return 0, 0, false
	}
	rangePart, totalPart, found := strings.Cut(rng, "/")
	if !found {
		return 0, 0, false
	}
	startPart, _, found := strings.Cut(rangePart, "-")
	if !found {
		return 0, 0, false
	}
	start, err := strconv.ParseInt(strings.TrimSpace(startPart), 10, 64)
	if err != nil || start < 0 {
		return 0, 0, false
	}
	total = -1
	if t := strings.TrimSpace(totalPart); t != "*" {
		total, err = strconv.ParseInt(t, 10, 64)
		if err != nil {
			return 0, 0, false
		}
	}
	return start, total, true
}
