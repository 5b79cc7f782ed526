package scheduler

import (
    "errors"
    "sync/atomic"
    "testing"
    "time"
)

func TestFixedDelayRunsRepeatedly(t *testing.T) {
    s := New(nil)
    defer s.Shutdown()
    var n atomic.Int32
    f := s.ScheduleWithFixedDelay(0, 5*time.Millisecond, func() error { n.Add(1); return nil })
    deadline := time.Now().Add(2 * time.Second)
    for n.Load() < 3 {
        if time.Now().After(deadline) { t.Fatalf("task ran %d times", n.Load()) }
        time.Sleep(time.Millisecond)
    }
    f.Cancel()
    <-f.Done()
    if !f.IsCancelled() { t.Fatalf("expected cancelled future, err=%v", f.Err()) }
}

func TestPanicCompletesFutureWithError(t *testing.T) {
    s := New(nil)
    defer s.Shutdown()
    f := s.ScheduleWithFixedDelay(0, time.Millisecond, func() error { panic("boom") })
    select {
    case <-f.Done():
    case <-time.After(2 * time.Second):
        t.Fatalf("future not done")
    }
    if f.Err() == nil || f.IsCancelled() { t.Fatalf("expected failure, got %v", f.Err()) }
}

func TestShutdownCancelsAndRejects(t *testing.T) {
    s := New(nil)
    f := s.ScheduleWithFixedDelay(time.Hour, time.Hour, func() error { return nil })
    s.Shutdown()
    if !f.IsDone() || !f.IsCancelled() { t.Fatalf("future should be cancelled by shutdown") }
    late := s.ScheduleWithFixedDelay(0, time.Millisecond, func() error { return nil })
    if !errors.Is(late.Err(), ErrShutdown) { t.Fatalf("expected ErrShutdown, got %v", late.Err()) }
}

func TestPoolBoundsConcurrency(t *testing.T) {
    p := NewPool(2, nil)
    var cur, peak atomic.Int32
    for i := 0; i < 8; i++ {
        p.Execute(func() {
            v := cur.Add(1)
            for {
                old := peak.Load()
                if v <= old || peak.CompareAndSwap(old, v) { break }
            }
            time.Sleep(2 * time.Millisecond)
            cur.Add(-1)
        })
    }
    p.Wait()
    if peak.Load() > 2 { t.Fatalf("peak concurrency %d > 2", peak.Load()) }
}
