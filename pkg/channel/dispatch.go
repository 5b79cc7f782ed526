package channel

import (
    "context"
    "errors"
    "log"
    "sync"

    "github.com/amirimatin/go-tribes/pkg/internal/logutil"
    "github.com/amirimatin/go-tribes/pkg/message"
    obsmetrics "github.com/amirimatin/go-tribes/pkg/observability/metrics"
)

// ErrQueueFull is returned when the dispatch queue cannot take more messages.
var ErrQueueFull = errors.New("channel: dispatch queue full")

// DispatchOptions configures a DispatchInterceptor.
type DispatchOptions struct {
    // Workers defaults to 4.
    Workers int
    // QueueSize defaults to 1024.
    QueueSize int
    Logger    *log.Logger
}

// DispatchInterceptor sends messages flagged OptAsync from a worker pool.
// The caller returns as soon as the message is queued; the outcome goes to
// the message's ErrorHandler.
type DispatchInterceptor struct {
    InterceptorBase
    opts DispatchOptions

    mu    sync.RWMutex
    queue chan dispatchTask
    wg    sync.WaitGroup
}

type dispatchTask struct {
    ctx context.Context
    out *Outbound
}

func NewDispatchInterceptor(opts DispatchOptions) *DispatchInterceptor {
    if opts.Workers <= 0 { opts.Workers = 4 }
    if opts.QueueSize <= 0 { opts.QueueSize = 1024 }
    if opts.Logger == nil { opts.Logger = log.Default() }
    return &DispatchInterceptor{InterceptorBase: InterceptorBase{Flag: message.OptAsync}, opts: opts}
}

func (d *DispatchInterceptor) Name() string { return "dispatch" }

func (d *DispatchInterceptor) SendMessage(ctx context.Context, out *Outbound) (Verdict, error) {
    d.mu.RLock()
    defer d.mu.RUnlock()
    if d.queue == nil { return Forward, nil }
    select {
    case d.queue <- dispatchTask{ctx: context.WithoutCancel(ctx), out: out}:
        return Stop, nil
    default:
        obsmetrics.MessagesDropped.WithLabelValues("queue_full").Inc()
        return Stop, ErrQueueFull
    }
}

func (d *DispatchInterceptor) Start(ctx context.Context, svc int) error {
    if svc&SndTx == 0 { return nil }
    d.mu.Lock()
    defer d.mu.Unlock()
    if d.queue != nil { return nil }
    d.queue = make(chan dispatchTask, d.opts.QueueSize)
    for i := 0; i < d.opts.Workers; i++ {
        d.wg.Add(1)
        go d.work(d.queue)
    }
    return nil
}

// Stop drains the queue before returning.
func (d *DispatchInterceptor) Stop(svc int) error {
    if svc&SndTx == 0 { return nil }
    d.mu.Lock()
    q := d.queue
    d.queue = nil
    d.mu.Unlock()
    if q == nil { return nil }
    close(q)
    d.wg.Wait()
    return nil
}

// Pending returns the number of queued messages.
func (d *DispatchInterceptor) Pending() int {
    d.mu.RLock()
    defer d.mu.RUnlock()
    return len(d.queue)
}

func (d *DispatchInterceptor) work(q <-chan dispatchTask) {
    defer d.wg.Done()
    for t := range q {
        err := t.out.Continue(t.ctx)
        h := t.out.ErrorHandler
        switch {
        case h != nil && err != nil:
            h.HandleError(err, t.out.Msg)
        case h != nil:
            h.HandleCompletion(t.out.Msg)
        case err != nil:
            logutil.Warnf(d.opts.Logger, "dispatch: async send of %s failed: %v", t.out.Msg.UniqueID, err)
        }
    }
}

var _ Interceptor = (*DispatchInterceptor)(nil)
