package scheduler

import (
    "errors"
    "fmt"
    "log"
    "sync"
    "time"

    "github.com/amirimatin/go-tribes/pkg/internal/logutil"
)

var (
    // ErrCancelled is reported by a future that was cancelled.
    ErrCancelled = errors.New("scheduler: cancelled")
    // ErrShutdown is reported by futures scheduled on a stopped scheduler.
    ErrShutdown = errors.New("scheduler: shut down")
)

// Task is a unit of periodic work. Returning an error, or panicking, ends the
// schedule and completes the future with that error.
type Task func() error

// Scheduler runs periodic tasks with fixed-delay semantics: the next run
// starts delay after the previous one finished, so runs never overlap.
type Scheduler struct {
    mu      sync.Mutex
    futures map[*Future]struct{}
    closed  bool
    wg      sync.WaitGroup
    logger  *log.Logger
}

// New returns a running scheduler.
func New(logger *log.Logger) *Scheduler {
    if logger == nil { logger = log.Default() }
    return &Scheduler{futures: make(map[*Future]struct{}), logger: logger}
}

// Future tracks one scheduled task.
type Future struct {
    cancel chan struct{}
    done   chan struct{}
    once   sync.Once
    mu     sync.Mutex
    err    error
}

func newFuture() *Future {
    return &Future{cancel: make(chan struct{}), done: make(chan struct{})}
}

// Cancel stops future runs. A run in progress is not interrupted.
func (f *Future) Cancel() {
    f.once.Do(func() { close(f.cancel) })
}

// Done is closed once the task will not run again.
func (f *Future) Done() <-chan struct{} { return f.done }

// IsDone reports whether the task finished, failed or was cancelled.
func (f *Future) IsDone() bool {
    select {
    case <-f.done:
        return true
    default:
        return false
    }
}

// IsCancelled reports whether the task ended because of Cancel or Shutdown.
func (f *Future) IsCancelled() bool {
    err := f.Err()
    return errors.Is(err, ErrCancelled) || errors.Is(err, ErrShutdown)
}

// Err returns the reason the task ended, nil while it is still scheduled.
func (f *Future) Err() error {
    f.mu.Lock()
    defer f.mu.Unlock()
    return f.err
}

func (f *Future) finish(err error) {
    f.mu.Lock()
    f.err = err
    f.mu.Unlock()
    close(f.done)
}

// ScheduleWithFixedDelay runs task after initial, then repeatedly with delay
// between the end of one run and the start of the next.
func (s *Scheduler) ScheduleWithFixedDelay(initial, delay time.Duration, task Task) *Future {
    f := newFuture()
    s.mu.Lock()
    if s.closed {
        s.mu.Unlock()
        f.finish(ErrShutdown)
        return f
    }
    s.futures[f] = struct{}{}
    s.wg.Add(1)
    s.mu.Unlock()

    go func() {
        defer s.wg.Done()
        defer func() {
            s.mu.Lock()
            delete(s.futures, f)
            s.mu.Unlock()
        }()
        wait := initial
        for {
            timer := time.NewTimer(wait)
            select {
            case <-f.cancel:
                timer.Stop()
                f.finish(ErrCancelled)
                return
            case <-timer.C:
            }
            if err := run(task); err != nil {
                logutil.Errorf(s.logger, "scheduler: task ended: %v", err)
                f.finish(err)
                return
            }
            wait = delay
        }
    }()
    return f
}

func run(task Task) (err error) {
    defer func() {
        if r := recover(); r != nil {
            err = fmt.Errorf("scheduler: task panicked: %v", r)
        }
    }()
    return task()
}

// Shutdown cancels every scheduled task and waits for running ones to return.
func (s *Scheduler) Shutdown() {
    s.mu.Lock()
    if s.closed {
        s.mu.Unlock()
        return
    }
    s.closed = true
    for f := range s.futures {
        f.Cancel()
    }
    s.mu.Unlock()
    s.wg.Wait()
}

// IsShutdown reports whether Shutdown was called.
func (s *Scheduler) IsShutdown() bool {
    s.mu.Lock()
    defer s.mu.Unlock()
    return s.closed
}
