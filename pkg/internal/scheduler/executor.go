package scheduler

import (
    "context"
    "log"
    "sync"

    "golang.org/x/sync/semaphore"

    "github.com/amirimatin/go-tribes/pkg/internal/logutil"
)

// Executor runs callbacks, possibly on another goroutine.
type Executor interface {
    Execute(fn func())
}

// Pool runs callbacks on goroutines, at most size at a time.
type Pool struct {
    sem    *semaphore.Weighted
    wg     sync.WaitGroup
    logger *log.Logger
}

// NewPool returns a pool allowing size concurrent callbacks.
func NewPool(size int, logger *log.Logger) *Pool {
    if size <= 0 { size = 4 }
    if logger == nil { logger = log.Default() }
    return &Pool{sem: semaphore.NewWeighted(int64(size)), logger: logger}
}

// Execute blocks while the pool is saturated, then runs fn asynchronously.
func (p *Pool) Execute(fn func()) {
    if err := p.sem.Acquire(context.Background(), 1); err != nil { return }
    p.wg.Add(1)
    go func() {
        defer p.wg.Done()
        defer p.sem.Release(1)
        defer func() {
            if r := recover(); r != nil {
                logutil.Errorf(p.logger, "executor: callback panicked: %v", r)
            }
        }()
        fn()
    }()
}

// Wait blocks until every submitted callback returned.
func (p *Pool) Wait() { p.wg.Wait() }

// Inline runs callbacks on the calling goroutine.
type Inline struct{}

func (Inline) Execute(fn func()) { fn() }
