package routes_test

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"sync"
	"testing"
	"time"
)

// upstreamStub 模拟制品下载源：固定负载、可阻塞的慢速负载，以及中途断开的连接。
type upstreamStub struct {
	server   *http.Server
	listener net.Listener
	URL      string

	mu       sync.Mutex
	requests []RecordedRequest
	blobs    map[string][]byte
	release  chan struct{}
	once     sync.Once
}

// RecordedRequest 捕获每次请求的方法/路径/Headers，便于断言 worker 行为。
type RecordedRequest struct {
	Method  string
	Path    string
	Headers http.Header
}

func newUpstreamStub(t *testing.T, blobs map[string][]byte) *upstreamStub {
	t.Helper()

	stub := &upstreamStub{
		blobs:   blobs,
		release: make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/blobs/", stub.serveBlob)
	mux.HandleFunc("/slow/", stub.serveSlow)
	mux.HandleFunc("/drop/", stub.serveDrop)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stub.recordRequest(r)
		mux.ServeHTTP(w, r)
	})

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("unable to start upstream stub listener: %v", err)
	}
	server := &http.Server{Handler: handler}

	stub.server = server
	stub.listener = listener
	stub.URL = "http://" + listener.Addr().String()

	go func() {
		_ = server.Serve(listener)
	}()

	return stub
}

func (s *upstreamStub) Close() {
	s.Release()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = s.server.Shutdown(ctx)
	_ = s.listener.Close()
}

// Release 放行所有阻塞在 /slow/ 上的响应。
func (s *upstreamStub) Release() {
	s.once.Do(func() { close(s.release) })
}

func (s *upstreamStub) blob(name string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blobs[name]
	return b, ok
}

func (s *upstreamStub) serveBlob(w http.ResponseWriter, r *http.Request) {
	body, ok := s.blob(r.URL.Path[len("/blobs/"):])
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	_, _ = w.Write(body)
}

// serveSlow 先写出一半负载，然后阻塞到 Release 或客户端断开。
func (s *upstreamStub) serveSlow(w http.ResponseWriter, r *http.Request) {
	body, ok := s.blob(r.URL.Path[len("/slow/"):])
	if !ok {
		http.NotFound(w, r)
		return
	}
	half := len(body) / 2
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	_, _ = w.Write(body[:half])
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	select {
	case <-s.release:
		_, _ = w.Write(body[half:])
	case <-r.Context().Done():
	}
}

// serveDrop 声明完整长度但只写出部分数据后断开连接。
func (s *upstreamStub) serveDrop(w http.ResponseWriter, r *http.Request) {
	body, ok := s.blob(r.URL.Path[len("/drop/"):])
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	_, _ = w.Write(body[:len(body)/3])
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	panic(http.ErrAbortHandler)
}

func (s *upstreamStub) recordRequest(r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, RecordedRequest{
		Method:  r.Method,
		Path:    r.URL.Path,
		Headers: r.Header.Clone(),
	})
}

func (s *upstreamStub) Requests() []RecordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RecordedRequest(nil), s.requests...)
}
