package channel

import (
    "time"

    "github.com/amirimatin/go-tribes/pkg/internal/logutil"
    "github.com/amirimatin/go-tribes/pkg/internal/scheduler"
    obsmetrics "github.com/amirimatin/go-tribes/pkg/observability/metrics"
)

// startHeartbeat schedules the heartbeat and its monitor. The monitor
// reschedules the heartbeat if a run failed and ended the schedule.
func (g *GroupChannel) startHeartbeat() {
    if g.opts.DisableHeartbeat { return }
    g.hbMu.Lock()
    defer g.hbMu.Unlock()
    if g.hbFuture != nil && !g.hbFuture.IsDone() { return }
    if g.sched == nil || (g.ownSched && g.sched.IsShutdown()) {
        g.sched = scheduler.New(g.logger)
        g.ownSched = true
    }
    g.hbFuture = g.scheduleHeartbeatLocked()
    if g.monFuture == nil || g.monFuture.IsDone() {
        g.monFuture = g.sched.ScheduleWithFixedDelay(0, g.monitorInterval, g.monitorHeartbeat)
    }
}

func (g *GroupChannel) scheduleHeartbeatLocked() *scheduler.Future {
    return g.sched.ScheduleWithFixedDelay(g.hbInterval, g.hbInterval, func() error {
        g.Heartbeat()
        return nil
    })
}

func (g *GroupChannel) monitorHeartbeat() error {
    g.hbMu.Lock()
    f := g.hbFuture
    if f == nil || !f.IsDone() || f.IsCancelled() {
        g.hbMu.Unlock()
        return nil
    }
    cause := f.Err()
    g.hbFuture = g.scheduleHeartbeatLocked()
    g.hbMu.Unlock()

    obsmetrics.HeartbeatRestarts.Inc()
    logutil.Errorf(g.logger, "channel %s: heartbeat stopped unexpectedly (%v), restarting", g.name, cause)
    g.events.publish(Event{Type: EventHeartbeatRestarted, At: time.Now(), Err: cause})
    return nil
}

// stopHeartbeat cancels both tasks. An owned scheduler is shut down after the
// lock is released because Shutdown waits for a running monitor.
func (g *GroupChannel) stopHeartbeat() {
    g.hbMu.Lock()
    if g.hbFuture != nil { g.hbFuture.Cancel() }
    if g.monFuture != nil { g.monFuture.Cancel() }
    g.hbFuture, g.monFuture = nil, nil
    sched := g.sched
    owned := g.ownSched
    g.hbMu.Unlock()
    if owned && sched != nil { sched.Shutdown() }
}
