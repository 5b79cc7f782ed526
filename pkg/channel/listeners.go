package channel

import (
    "fmt"
    "runtime/debug"
    "sync"
    "sync/atomic"

    "github.com/amirimatin/go-tribes/pkg/member"
)

// ChannelListener receives application payloads. Accept is asked first;
// MessageReceived only runs for accepted payloads.
type ChannelListener interface {
    Accept(payload any, source *member.Member) bool
    MessageReceived(payload any, source *member.Member) error
}

// MembershipListener is told about members joining and leaving.
type MembershipListener interface {
    MemberAdded(m *member.Member)
    MemberDisappeared(m *member.Member)
}

// Heartbeater is implemented by listeners that want to run on every channel
// heartbeat.
type Heartbeater interface {
    Heartbeat()
}

// replyOwner is implemented by listeners that answer RPC requests
// themselves, so the channel does not send a no-handler reply.
type replyOwner interface {
    ownsReplies() bool
}

// listenerList is a copy-on-write list. Readers iterate a snapshot without
// locking, so listeners may add or remove listeners from a callback.
type listenerList[T comparable] struct {
    mu   sync.Mutex
    list atomic.Pointer[[]T]
}

func (l *listenerList[T]) snapshot() []T {
    p := l.list.Load()
    if p == nil { return nil }
    return *p
}

func (l *listenerList[T]) add(v T) {
    l.mu.Lock()
    defer l.mu.Unlock()
    cur := l.snapshot()
    for _, x := range cur {
        if x == v { return }
    }
    next := make([]T, 0, len(cur)+1)
    next = append(next, cur...)
    next = append(next, v)
    l.list.Store(&next)
}

func (l *listenerList[T]) remove(v T) {
    l.mu.Lock()
    defer l.mu.Unlock()
    cur := l.snapshot()
    next := make([]T, 0, len(cur))
    for _, x := range cur {
        if x != v { next = append(next, x) }
    }
    l.list.Store(&next)
}

// callListener turns a listener panic into an error.
func callListener(fn func() error) (err error) {
    defer func() {
        if r := recover(); r != nil {
            err = fmt.Errorf("listener panic: %v\n%s", r, debug.Stack())
        }
    }()
    return fn()
}
