package channel

import (
    "context"
    "errors"
    "fmt"
    "strings"
    "sync"
    "sync/atomic"
    "testing"
    "time"

    "github.com/amirimatin/go-tribes/pkg/member"
    "github.com/amirimatin/go-tribes/pkg/message"
    "github.com/amirimatin/go-tribes/pkg/membership"
    "github.com/amirimatin/go-tribes/pkg/transport/loopback"
)

func newTestChannel(t *testing.T, hub *loopback.Hub, m membership.Service) *GroupChannel {
    t.Helper()
    g, err := New(Options{
        Receiver:         hub.NewReceiver("127.0.0.1", 0),
        Sender:           hub.NewSender(),
        Membership:       m,
        DisableHeartbeat: true,
    })
    if err != nil { t.Fatalf("new channel: %v", err) }
    t.Cleanup(func() { _ = g.Stop(Default) })
    return g
}

type recorder struct {
    InterceptorBase
    name string
    mu   *sync.Mutex
    log  *[]string
}

func (r *recorder) note(s string) {
    r.mu.Lock()
    *r.log = append(*r.log, s)
    r.mu.Unlock()
}

func (r *recorder) SendMessage(ctx context.Context, out *Outbound) (Verdict, error) {
    r.note("down:" + r.name)
    return Forward, nil
}

func (r *recorder) MessageReceived(in *Inbound) Verdict {
    r.note("up:" + r.name)
    return Forward
}

func (r *recorder) Start(ctx context.Context, svc int) error {
    r.note("start:" + r.name)
    return nil
}

type byteCollector struct {
    mu  sync.Mutex
    got []string
    src []*member.Member
    err error
}

func (c *byteCollector) Accept(payload any, src *member.Member) bool {
    _, ok := payload.(message.ByteMessage)
    return ok
}

func (c *byteCollector) MessageReceived(payload any, src *member.Member) error {
    c.mu.Lock()
    defer c.mu.Unlock()
    c.got = append(c.got, string(payload.(message.ByteMessage)))
    c.src = append(c.src, src)
    return c.err
}

func TestChainOrder(t *testing.T) {
    ctx := context.Background()
    g := newTestChannel(t, loopback.NewHub(), nil)
    var mu sync.Mutex
    var log []string
    for _, n := range []string{"a", "b", "c"} {
        if err := g.AddInterceptor(&recorder{name: n, mu: &mu, log: &log}); err != nil { t.Fatalf("add: %v", err) }
    }
    if err := g.Start(ctx, Default); err != nil { t.Fatalf("start: %v", err) }
    if err := g.AddInterceptor(&recorder{name: "late", mu: &mu, log: &log}); !errors.Is(err, ErrChainActive) {
        t.Fatalf("expected ErrChainActive, got %v", err)
    }
    c := &byteCollector{}
    g.AddChannelListener(c)
    if _, err := g.Send(ctx, []*member.Member{g.LocalMember(false)}, []byte("self"), message.OptUseAck); err != nil {
        t.Fatalf("send: %v", err)
    }
    want := []string{"start:c", "start:b", "start:a", "down:a", "down:b", "down:c", "up:c", "up:b", "up:a"}
    if fmt.Sprint(log) != fmt.Sprint(want) { t.Fatalf("order = %v, want %v", log, want) }
    if len(c.got) != 1 || c.got[0] != "self" { t.Fatalf("delivered %v", c.got) }
}

func TestOptionFlagSkipsLink(t *testing.T) {
    ctx := context.Background()
    g := newTestChannel(t, loopback.NewHub(), nil)
    var mu sync.Mutex
    var log []string
    _ = g.AddInterceptor(&recorder{InterceptorBase: InterceptorBase{Flag: message.OptCompress}, name: "z", mu: &mu, log: &log})
    if err := g.Start(ctx, Default); err != nil { t.Fatalf("start: %v", err) }
    self := []*member.Member{g.LocalMember(false)}
    if _, err := g.Send(ctx, self, []byte("x"), message.OptUseAck); err != nil { t.Fatalf("send: %v", err) }
    if len(log) != 1 { t.Fatalf("flagged link should only have started, log=%v", log) }
    if _, err := g.Send(ctx, self, []byte("x"), message.OptUseAck|message.OptCompress); err != nil { t.Fatalf("send: %v", err) }
    if len(log) != 3 { t.Fatalf("flagged link should see flagged message, log=%v", log) }
}

func TestOptionFlagConflict(t *testing.T) {
    g := newTestChannel(t, loopback.NewHub(), nil)
    var mu sync.Mutex
    var log []string
    _ = g.AddInterceptor(&recorder{InterceptorBase: InterceptorBase{Flag: message.OptAsync | message.OptSyncAck}, name: "r", mu: &mu, log: &log})
    _ = g.AddInterceptor(&InterceptorBase{Flag: message.OptAsync})
    err := g.Start(context.Background(), Default)
    if !errors.Is(err, ErrConfiguration) { t.Fatalf("expected configuration error, got %v", err) }
    for _, name := range []string{"*channel.recorder", "*channel.InterceptorBase"} {
        if !strings.Contains(err.Error(), name) { t.Fatalf("error %q does not name %s", err, name) }
    }
    if g.Coordinator().Level() != 0 { t.Fatalf("nothing should run after a refused start") }
}

type failingStart struct {
    InterceptorBase
    stopped int
}

func (f *failingStart) Start(ctx context.Context, svc int) error { return errors.New("no") }
func (f *failingStart) Stop(svc int) error                     { f.stopped++; return nil }

type stopCounter struct {
    InterceptorBase
    started, stopped int
}

func (s *stopCounter) Start(ctx context.Context, svc int) error { s.started++; return nil }
func (s *stopCounter) Stop(svc int) error                     { s.stopped++; return nil }

func TestFailedLinkStartRollsBack(t *testing.T) {
    fm := &fakeMembership{local: member.New("", 0)}
    g := newTestChannel(t, loopback.NewHub(), fm)
    top, bottom := &failingStart{}, &stopCounter{}
    _ = g.AddInterceptor(top)
    _ = g.AddInterceptor(bottom)

    err := g.Start(context.Background(), Default)
    if err == nil || !strings.Contains(err.Error(), "failingStart") { t.Fatalf("expected link start error, got %v", err) }
    if g.State() != StateNew { t.Fatalf("state = %s, want new", g.State()) }
    if lvl := g.Coordinator().Level(); lvl != 0 { t.Fatalf("services still running after failed start: %#x", lvl) }
    if fm.started != 0 { t.Fatalf("membership still running: %#x", fm.started) }
    if bottom.started != 1 || bottom.stopped != 1 { t.Fatalf("started link not stopped again: %+v", bottom) }
    if top.stopped != 0 { t.Fatalf("failed link should not be stopped") }
}

func TestStartStopLevels(t *testing.T) {
    ctx := context.Background()
    g := newTestChannel(t, loopback.NewHub(), nil)
    if err := g.Start(ctx, SndRx); err != nil { t.Fatalf("start rx: %v", err) }
    if err := g.Start(ctx, SndRx); !errors.Is(err, ErrConfiguration) { t.Fatalf("restarting a running subset: %v", err) }
    if err := g.Start(ctx, Default); err != nil { t.Fatalf("start rest: %v", err) }
    if got := g.Coordinator().Level(); got != Default { t.Fatalf("level = %#x", got) }
    if err := g.Start(ctx, Default); err != nil { t.Fatalf("starting everything twice should be a no-op: %v", err) }
    if err := g.Stop(0); err != nil { t.Fatalf("stop 0: %v", err) }
    if err := g.Stop(SndRx); !errors.Is(err, ErrConfiguration) { t.Fatalf("receiver must outlive membership: %v", err) }
    if err := g.Stop(MbrRx | MbrTx); err != nil { t.Fatalf("stop membership: %v", err) }
    if err := g.Stop(Default); err != nil { t.Fatalf("stop: %v", err) }
    if g.Coordinator().Level() != 0 || g.State() != StateStopped { t.Fatalf("level=%#x state=%s", g.Coordinator().Level(), g.State()) }
}

func TestMembershipNeedsReceiver(t *testing.T) {
    g := newTestChannel(t, loopback.NewHub(), nil)
    err := g.Start(context.Background(), MbrRx)
    if !errors.Is(err, ErrConfiguration) { t.Fatalf("expected configuration error, got %v", err) }
    if err := g.Start(context.Background(), SndRx|MbrRx); err != nil { t.Fatalf("start together: %v", err) }
}

func TestSendValidation(t *testing.T) {
    g := newTestChannel(t, loopback.NewHub(), nil)
    if _, err := g.Send(context.Background(), nil, []byte("x"), 0); !errors.Is(err, ErrNoDestination) { t.Fatalf("got %v", err) }
    dest := []*member.Member{member.New("127.0.0.1", 1)}
    if _, err := g.Send(context.Background(), dest, nil, 0); !errors.Is(err, ErrNilPayload) { t.Fatalf("got %v", err) }
    if _, err := g.Send(context.Background(), dest, []byte("x"), 0); !errors.Is(err, ErrNotStarted) { t.Fatalf("got %v", err) }
}

func TestSendBelowSkipsUpperLinks(t *testing.T) {
    hub := loopback.NewHub()
    var mu sync.Mutex
    var log []string
    top := &recorder{name: "top", mu: &mu, log: &log}
    mid := &recorder{name: "mid", mu: &mu, log: &log}
    bottom := &recorder{name: "bottom", mu: &mu, log: &log}
    a := newTestChannel(t, hub, nil)
    for _, l := range []Interceptor{top, mid, bottom} {
        if err := a.AddInterceptor(l); err != nil { t.Fatal(err) }
    }
    b := newTestChannel(t, hub, nil)
    for _, g := range []*GroupChannel{a, b} {
        if err := g.Start(context.Background(), Default); err != nil { t.Fatal(err) }
    }
    dest := []*member.Member{b.LocalMember(false)}
    log = nil
    if err := a.SendBelow(context.Background(), mid, dest, []byte("x"), 0); err != nil { t.Fatal(err) }
    if got := strings.Join(log, ","); got != "down:bottom" { t.Fatalf("links called: %s", got) }

    stray := &recorder{name: "stray", mu: &mu, log: &log}
    if err := a.SendBelow(context.Background(), stray, dest, []byte("x"), 0); err == nil { t.Fatal("expected an error for a link outside the chain") }
    if err := a.SendBelow(context.Background(), mid, nil, []byte("x"), 0); !errors.Is(err, ErrNoDestination) { t.Fatalf("got %v", err) }
}

func TestPingRecordsSender(t *testing.T) {
    ctx := context.Background()
    hub := loopback.NewHub()
    a := newTestChannel(t, hub, nil)
    b := newTestChannel(t, hub, nil)
    if err := a.Start(ctx, Default); err != nil { t.Fatalf("start a: %v", err) }
    if err := b.Start(ctx, Default); err != nil { t.Fatalf("start b: %v", err) }
    c := &byteCollector{}
    b.AddChannelListener(c)

    id, err := a.Send(ctx, []*member.Member{b.LocalMember(false)}, []byte("ping"), message.OptUseAck|message.OptByte)
    if err != nil { t.Fatalf("send: %v", err) }
    if id.IsZero() { t.Fatalf("expected a message id") }
    if len(c.got) != 1 || c.got[0] != "ping" { t.Fatalf("b received %v", c.got) }
    if !member.Same(c.src[0], a.LocalMember(false)) { t.Fatalf("source = %v", c.src[0]) }
    if _, ok := b.Coordinator().SenderStates().Get(a.LocalMember(false)); !ok { t.Fatalf("b should track a after first contact") }
}

func TestListenerErrorReachesSender(t *testing.T) {
    ctx := context.Background()
    hub := loopback.NewHub()
    a := newTestChannel(t, hub, nil)
    b := newTestChannel(t, hub, nil)
    _ = a.Start(ctx, Default)
    _ = b.Start(ctx, Default)
    boom := errors.New("boom")
    ok := &byteCollector{}
    b.AddChannelListener(&byteCollector{err: boom})
    b.AddChannelListener(ok)

    _, err := a.Send(ctx, []*member.Member{b.LocalMember(false)}, []byte("x"), message.OptUseAck)
    var ce *ChannelError
    if !errors.As(err, &ce) || len(ce.Faulty) != 1 { t.Fatalf("expected channel error with one faulty member, got %v", err) }
    var rpe *RemoteProcessError
    if !errors.As(ce.Faulty[0].Err, &rpe) || !errors.Is(rpe, boom) { t.Fatalf("expected remote process error, got %v", ce.Faulty[0].Err) }
    if len(ok.got) != 1 { t.Fatalf("later listeners must still be called") }
}

func TestAsyncSendCompletes(t *testing.T) {
    ctx := context.Background()
    hub := loopback.NewHub()
    a := newTestChannel(t, hub, nil)
    b := newTestChannel(t, hub, nil)
    _ = a.Start(ctx, Default)
    _ = b.Start(ctx, Default)
    h := &completion{done: make(chan error, 1)}
    if _, err := a.SendWithHandler(ctx, []*member.Member{b.LocalMember(false)}, []byte("x"), message.OptAsync, h); err != nil {
        t.Fatalf("send: %v", err)
    }
    select {
    case err := <-h.done:
        if err != nil { t.Fatalf("async send failed: %v", err) }
    case <-time.After(2 * time.Second):
        t.Fatalf("no completion")
    }
}

type completion struct{ done chan error }

func (c *completion) HandleError(err error, msg *message.Message) { c.done <- err }
func (c *completion) HandleCompletion(msg *message.Message)       { c.done <- nil }

type echo struct{}

func (echo) ReplyRequest(payload any, sender *member.Member) any { return fmt.Sprintf("echo:%v", payload) }
func (echo) LeftOver(payload any, sender *member.Member)         {}

func TestRPCReply(t *testing.T) {
    ctx := context.Background()
    hub := loopback.NewHub()
    a := newTestChannel(t, hub, nil)
    b := newTestChannel(t, hub, nil)
    _ = a.Start(ctx, Default)
    _ = b.Start(ctx, Default)
    client := NewRPCChannel([]byte("svc"), a, nil)
    NewRPCChannel([]byte("svc"), b, echo{})

    resp, err := client.Send(ctx, []*member.Member{b.LocalMember(false)}, "hello", AllReply, message.OptUseAck, 2*time.Second)
    if err != nil { t.Fatalf("rpc: %v", err) }
    if len(resp) != 1 || resp[0].NoHandler || resp[0].Message != "echo:hello" { t.Fatalf("responses = %+v", resp) }
}

func TestRPCWithoutHandler(t *testing.T) {
    ctx := context.Background()
    hub := loopback.NewHub()
    a := newTestChannel(t, hub, nil)
    b := newTestChannel(t, hub, nil)
    _ = a.Start(ctx, Default)
    _ = b.Start(ctx, Default)
    client := NewRPCChannel([]byte("svc"), a, nil)

    start := time.Now()
    resp, err := client.Send(ctx, []*member.Member{b.LocalMember(false)}, "hello", FirstReply, message.OptUseAck, 5*time.Second)
    if err != nil { t.Fatalf("rpc: %v", err) }
    if len(resp) != 1 || !resp[0].NoHandler { t.Fatalf("expected a no-handler response, got %+v", resp) }
    if time.Since(start) > 4*time.Second { t.Fatalf("caller waited for the timeout") }
}

type fakeMembership struct {
    mu       sync.Mutex
    listener membership.Listener
    local    *member.Member
    started  int
}

func (f *fakeMembership) Start(ctx context.Context, level int) error {
    f.mu.Lock(); defer f.mu.Unlock(); f.started |= level; return nil
}
func (f *fakeMembership) Stop(level int) error {
    f.mu.Lock(); defer f.mu.Unlock(); f.started &^= level; return nil
}
func (f *fakeMembership) LocalMember(bool) *member.Member { return f.local.Clone() }
func (f *fakeMembership) SetLocalMemberProperties(host string, port, sp, up int) {
    f.local.Host, f.local.Port = host, port
}
func (f *fakeMembership) Members() []*member.Member                             { return nil }
func (f *fakeMembership) Member(m *member.Member) *member.Member                { return nil }
func (f *fakeMembership) HasMembers() bool                                      { return false }
func (f *fakeMembership) Broadcast(context.Context, *message.Message) error     { return membership.ErrBroadcastUnsupported }
func (f *fakeMembership) SetListener(l membership.Listener)                     { f.listener = l }
func (f *fakeMembership) SetMessageListener(membership.MessageListener)         {}

type memberLog struct {
    mu    sync.Mutex
    added []string
    gone  []string
}

func (m *memberLog) MemberAdded(x *member.Member)       { m.mu.Lock(); m.added = append(m.added, x.Addr()); m.mu.Unlock() }
func (m *memberLog) MemberDisappeared(x *member.Member) { m.mu.Lock(); m.gone = append(m.gone, x.Addr()); m.mu.Unlock() }

func TestMembershipEventsFanOut(t *testing.T) {
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    fm := &fakeMembership{local: member.New("", 0)}
    g := newTestChannel(t, loopback.NewHub(), fm)
    ml := &memberLog{}
    g.AddMembershipListener(ml)
    events := g.Subscribe(ctx)
    if err := g.Start(ctx, Default); err != nil { t.Fatalf("start: %v", err) }
    if fm.local.Port == 0 { t.Fatalf("receiver address should be published to membership") }

    peer := member.New("10.0.0.2", 4000)
    fm.listener.MemberAdded(peer)
    fm.listener.MemberDisappeared(peer)
    if len(ml.added) != 1 || len(ml.gone) != 1 { t.Fatalf("listener saw added=%v gone=%v", ml.added, ml.gone) }

    var types []EventType
    timeout := time.After(time.Second)
    for len(types) < 3 {
        select {
        case ev := <-events:
            types = append(types, ev.Type)
        case <-timeout:
            t.Fatalf("events so far: %v", types)
        }
    }
    want := []EventType{EventStarted, EventMemberAdded, EventMemberDisappeared}
    if fmt.Sprint(types) != fmt.Sprint(want) { t.Fatalf("events = %v, want %v", types, want) }
}

type flakyBeat struct {
    byteCollector
    calls atomic.Int32
}

func (f *flakyBeat) Heartbeat() {
    if f.calls.Add(1) == 1 { panic("first beat fails") }
}

func TestHeartbeatRestartsAfterFailure(t *testing.T) {
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    g, err := New(Options{HeartbeatInterval: 10 * time.Millisecond})
    if err != nil { t.Fatalf("new: %v", err) }
    g.monitorInterval = 20 * time.Millisecond
    fb := &flakyBeat{}
    g.AddChannelListener(fb)
    events := g.Subscribe(ctx)
    if err := g.Start(ctx, Default); err != nil { t.Fatalf("start: %v", err) }
    defer g.Stop(Default)

    deadline := time.After(2 * time.Second)
    for {
        select {
        case ev := <-events:
            if ev.Type != EventHeartbeatRestarted { continue }
            if ev.Err == nil { t.Fatalf("restart event should carry the cause") }
            for fb.calls.Load() < 2 {
                select {
                case <-deadline:
                    t.Fatalf("heartbeat did not resume")
                case <-time.After(5 * time.Millisecond):
                }
            }
            return
        case <-deadline:
            t.Fatalf("heartbeat was not restarted")
        }
    }
}

func TestStatusSnapshot(t *testing.T) {
    g := newTestChannel(t, loopback.NewHub(), nil)
    if err := g.Start(context.Background(), SndRx|SndTx); err != nil { t.Fatalf("start: %v", err) }
    st := g.Status()
    if st.State != "started" || st.Level != SndRx|SndTx { t.Fatalf("status = %+v", st) }
    if len(st.Interceptors) != 1 || st.Interceptors[0] != "dispatch" { t.Fatalf("interceptors = %v", st.Interceptors) }
    if st.Local.Addr == "" || st.Local.ID == "" { t.Fatalf("local = %+v", st.Local) }
    if len(st.Warnings) == 0 { t.Fatalf("partial start should warn") }
    if st.HealthScore != -1 { t.Fatalf("health score without membership = %d, want -1", st.HealthScore) }
    b, err := g.StatusJSON(context.Background())
    if err != nil || len(b) == 0 { t.Fatalf("json: %v", err) }
}
