package interceptors

import (
    "context"
    "log"
    "sync/atomic"
    "time"

    "github.com/amirimatin/go-tribes/pkg/channel"
    "github.com/amirimatin/go-tribes/pkg/internal/logutil"
    obsmetrics "github.com/amirimatin/go-tribes/pkg/observability/metrics"
)

// Throughput counts messages and bytes in both directions and logs a
// summary every Interval messages.
type Throughput struct {
    channel.InterceptorBase
    interval int64
    logger   *log.Logger
    started  atomic.Int64 // unix nanos of the first message

    txMsgs, txBytes atomic.Int64
    rxMsgs, rxBytes atomic.Int64
}

// ThroughputStats is a snapshot of the counters.
type ThroughputStats struct {
    TxMessages, TxBytes int64
    RxMessages, RxBytes int64
    Elapsed             time.Duration
}

// NewThroughput logs every interval messages per direction; zero defaults to
// 10000.
func NewThroughput(interval int, logger *log.Logger) *Throughput {
    if interval <= 0 { interval = 10000 }
    if logger == nil { logger = log.Default() }
    return &Throughput{interval: int64(interval), logger: logger}
}

func (t *Throughput) Name() string { return "throughput" }

func (t *Throughput) mark() {
    t.started.CompareAndSwap(0, time.Now().UnixNano())
}

func (t *Throughput) SendMessage(ctx context.Context, out *channel.Outbound) (channel.Verdict, error) {
    t.mark()
    n := int64(len(out.Msg.Payload)) * int64(len(out.Destination))
    t.txBytes.Add(n)
    obsmetrics.ThroughputBytes.WithLabelValues("tx").Add(float64(n))
    if c := t.txMsgs.Add(1); c%t.interval == 0 { t.report("tx") }
    return channel.Forward, nil
}

func (t *Throughput) MessageReceived(in *channel.Inbound) channel.Verdict {
    t.mark()
    n := int64(len(in.Msg.Payload))
    t.rxBytes.Add(n)
    obsmetrics.ThroughputBytes.WithLabelValues("rx").Add(float64(n))
    if c := t.rxMsgs.Add(1); c%t.interval == 0 { t.report("rx") }
    return channel.Forward
}

// Stats returns the current counters.
func (t *Throughput) Stats() ThroughputStats {
    s := ThroughputStats{
        TxMessages: t.txMsgs.Load(), TxBytes: t.txBytes.Load(),
        RxMessages: t.rxMsgs.Load(), RxBytes: t.rxBytes.Load(),
    }
    if start := t.started.Load(); start != 0 { s.Elapsed = time.Since(time.Unix(0, start)) }
    return s
}

func (t *Throughput) report(dir string) {
    s := t.Stats()
    secs := s.Elapsed.Seconds()
    if secs <= 0 { secs = 1 }
    msgs, bytes := s.TxMessages, s.TxBytes
    if dir == "rx" { msgs, bytes = s.RxMessages, s.RxBytes }
    logutil.Infof(t.logger, "throughput %s: %d messages, %.2f MB, %.2f msg/s, %.2f MB/s",
        dir, msgs, float64(bytes)/(1<<20), float64(msgs)/secs, float64(bytes)/(1<<20)/secs)
}

var _ channel.Interceptor = (*Throughput)(nil)
