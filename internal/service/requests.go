package service

import (
	"sync"

	"github.com/yohan020/my-bucket-editor/internal/domain"
)

// RequestLog remembers the most recent guest requests published by an AccessGate so the
// host can poll them.
type RequestLog struct {
	mu    sync.Mutex
	items []domain.GuestRequest
	size  int

	cancel func()
	done   chan struct{}
}

// NewRequestLog subscribes to gate and keeps the last size requests.
func NewRequestLog(gate *AccessGate, size int) *RequestLog {
	if size <= 0 {
		size = 100
	}
	ch, cancel := gate.Subscribe(size)
	l := &RequestLog{size: size, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(l.done)
		for req := range ch {
			l.add(req)
		}
	}()
	return l
}

func (l *RequestLog) add(req domain.GuestRequest) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = append(l.items, req)
	if over := len(l.items) - l.size; over > 0 {
		l.items = append(l.items[:0], l.items[over:]...)
	}
}

// Recent returns the remembered requests, oldest first.
func (l *RequestLog) Recent() []domain.GuestRequest {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.GuestRequest, len(l.items))
	copy(out, l.items)
	return out
}

// Close unsubscribes and waits for the collector goroutine to finish.
func (l *RequestLog) Close() {
	l.cancel()
	<-l.done
}
