package app

import (
	"context"
	"sync"

	"github.com/Longtran2404/knowledge-base-sub000/cmd/internal/realtime"
)

// socketBackend lets the registry exist before a socket does. The socket is
// dialed after a successful restore and dropped on sign-out.
type socketBackend struct {
	mu sync.Mutex
	s  *realtime.Socket
}

func (b *socketBackend) OpenChannel(ctx context.Context, name string) (realtime.Channel, error) {
	s := b.current()
	if s == nil {
		return nil, realtime.ErrClosed
	}
	return s.OpenChannel(ctx, name)
}

func (b *socketBackend) current() *realtime.Socket {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.s == nil {
		return nil
	}
	select {
	case <-b.s.Done():
		b.s = nil
		return nil
	default:
		return b.s
	}
}

func (b *socketBackend) set(s *realtime.Socket) {
	b.mu.Lock()
	old := b.s
	b.s = s
	b.mu.Unlock()
	if old != nil && old != s {
		_ = old.Close()
	}
}

func (b *socketBackend) close() {
	b.set(nil)
}
