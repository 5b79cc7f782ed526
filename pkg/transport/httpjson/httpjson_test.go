package httpjson

import (
    "context"
    "errors"
    "net/http"
    "net/http/httptest"
    "strings"
    "sync"
    "sync/atomic"
    "testing"
    "time"
)

func TestEndpoints(t *testing.T) {
    var (
        mu      sync.Mutex
        sent    []byte
        healthy atomic.Bool
    )
    healthy.Store(true)
    srv := httptest.NewServer(Handler(Handlers{
        Status: func(ctx context.Context) ([]byte, error) { return []byte(`{"name":"g"}`), nil },
        Health: func(ctx context.Context) error {
            if !healthy.Load() { return errors.New("channel stopped") }
            return nil
        },
        Send: func(ctx context.Context, payload []byte) error {
            if string(payload) == "boom" { return errors.New("no members") }
            mu.Lock()
            sent = payload
            mu.Unlock()
            return nil
        },
    }))
    defer srv.Close()
    addr := strings.TrimPrefix(srv.URL, "http://")
    c := NewClient(time.Second)
    ctx := context.Background()

    b, err := c.GetStatus(ctx, addr)
    if err != nil || string(b) != `{"name":"g"}` { t.Fatalf("status = %q, %v", b, err) }

    resp, err := c.PostSend(ctx, addr, []byte("hello"))
    mu.Lock()
    got := string(sent)
    mu.Unlock()
    if err != nil || !resp.Accepted || got != "hello" { t.Fatalf("send = %+v, %v (sent %q)", resp, err, got) }

    if _, err := c.PostSend(ctx, addr, []byte("boom")); err == nil || err.Error() != "no members" {
        t.Fatalf("expected remote error, got %v", err)
    }

    r, err := http.Get(srv.URL + "/healthz")
    if err != nil || r.StatusCode != http.StatusOK { t.Fatalf("healthz: %v %v", r, err) }
    r.Body.Close()
    healthy.Store(false)
    r, err = http.Get(srv.URL + "/healthz")
    if err != nil || r.StatusCode != http.StatusServiceUnavailable { t.Fatalf("healthz when stopped: %v %v", r, err) }
    r.Body.Close()

    r, err = http.Get(srv.URL + "/metrics")
    if err != nil || r.StatusCode != http.StatusOK { t.Fatalf("metrics: %v %v", r, err) }
    r.Body.Close()

    r, err = http.Post(srv.URL+"/status", "application/json", nil)
    if err != nil || r.StatusCode != http.StatusMethodNotAllowed { t.Fatalf("POST /status: %v %v", r, err) }
    r.Body.Close()
}

func TestServerLifecycle(t *testing.T) {
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    s := NewServer("127.0.0.1:0", nil)
    if err := s.Start(ctx, Handlers{}); err == nil { t.Fatalf("expected error without status handler") }
    err := s.Start(ctx, Handlers{Status: func(ctx context.Context) ([]byte, error) { return []byte("{}"), nil }})
    if err != nil { t.Fatalf("start: %v", err) }
    b, err := NewClient(time.Second).GetStatus(ctx, s.Addr())
    if err != nil || string(b) != "{}" { t.Fatalf("status = %q, %v", b, err) }
    if err := s.Stop(context.Background()); err != nil { t.Fatalf("stop: %v", err) }
    if err := s.Stop(context.Background()); err != nil { t.Fatalf("second stop: %v", err) }
}
