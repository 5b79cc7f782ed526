package memberlist

import (
    "context"
    "log"
    "net"
    "sync"
    "testing"
    "time"

    "github.com/hashicorp/memberlist"

    "github.com/amirimatin/go-tribes/pkg/member"
    base "github.com/amirimatin/go-tribes/pkg/membership"
    "github.com/amirimatin/go-tribes/pkg/message"
)

type recorder struct {
    mu    sync.Mutex
    added []*member.Member
    gone  []*member.Member
    msgs  []*message.Message
}

func (r *recorder) MemberAdded(m *member.Member)       { r.mu.Lock(); r.added = append(r.added, m); r.mu.Unlock() }
func (r *recorder) MemberDisappeared(m *member.Member) { r.mu.Lock(); r.gone = append(r.gone, m); r.mu.Unlock() }
func (r *recorder) MessageReceived(msg *message.Message) error {
    r.mu.Lock()
    r.msgs = append(r.msgs, msg)
    r.mu.Unlock()
    return nil
}

func (r *recorder) counts() (int, int, int) {
    r.mu.Lock()
    defer r.mu.Unlock()
    return len(r.added), len(r.gone), len(r.msgs)
}

func TestValidate(t *testing.T) {
    if _, err := New(Options{}); err == nil { t.Fatalf("expected error for empty bind") }
    if _, err := New(Options{Bind: "nope"}); err == nil { t.Fatalf("expected error for bad bind") }
    if _, err := New(Options{Bind: "127.0.0.1:0", SecretKey: []byte("short")}); err == nil {
        t.Fatalf("expected error for bad secret key")
    }
}

func TestStartLocal(t *testing.T) {
    m, err := New(Options{Bind: "127.0.0.1:0", Logger: log.Default(), ProbeInterval: 100 * time.Millisecond})
    if err != nil { t.Fatalf("new: %v", err) }
    if s := m.HealthScore(); s != -1 { t.Fatalf("health before start = %d, want -1", s) }
    if err := m.Start(context.Background(), 1); err == nil { t.Fatalf("expected invalid level error") }
    m.SetLocalMemberProperties("127.0.0.1", 4000, -1, -1)
    if err := m.Start(context.Background(), base.MbrRx|base.MbrTx); err != nil { t.Fatalf("start: %v", err) }
    defer m.Stop(base.MbrRx | base.MbrTx)

    if m.GossipAddr() == "" { t.Fatalf("gossip address empty after start") }
    if s := m.HealthScore(); s < 0 { t.Fatalf("unexpected health score: %d", s) }
    if !m.LocalMember(false).HasID() { t.Fatalf("local member has no id") }
    if m.HasMembers() { t.Fatalf("a lone node has no members") }
}

func startNode(t *testing.T, port int, seeds ...string) (*Service, *recorder) {
    t.Helper()
    m, err := New(Options{Bind: "127.0.0.1:0", Seeds: seeds, Domain: []byte("blue"), Logger: log.Default(),
        ProbeInterval: 100 * time.Millisecond, SuspicionMult: 2})
    if err != nil { t.Fatalf("new: %v", err) }
    rec := &recorder{}
    m.SetListener(rec)
    m.SetMessageListener(rec)
    m.SetLocalMemberProperties("127.0.0.1", port, -1, -1)
    if err := m.Start(context.Background(), base.MbrRx|base.MbrTx); err != nil { t.Fatalf("start: %v", err) }
    return m, rec
}

func await(t *testing.T, what string, timeout time.Duration, cond func() bool) {
    t.Helper()
    deadline := time.Now().Add(timeout)
    for !cond() {
        if time.Now().After(deadline) { t.Fatalf("timeout waiting for %s", what) }
        time.Sleep(50 * time.Millisecond)
    }
}

func TestJoinBroadcastLeave(t *testing.T) {
    n1, r1 := startNode(t, 4001)
    defer n1.Stop(base.MbrRx | base.MbrTx)
    n2, r2 := startNode(t, 4002, n1.GossipAddr())
    n3, _ := startNode(t, 4003, n1.GossipAddr())
    defer n3.Stop(base.MbrRx | base.MbrTx)

    for _, n := range []*Service{n1, n2, n3} {
        n := n
        await(t, "convergence", 5*time.Second, func() bool { return len(n.Members()) == 2 })
    }
    peer := n1.Member(member.New("127.0.0.1", 4002))
    if peer == nil || string(peer.Domain) != "blue" {
        t.Fatalf("member metadata not propagated: %v", peer)
    }
    if a, _, _ := r2.counts(); a != 2 { t.Fatalf("n2 saw %d additions, want 2", a) }

    msg := &message.Message{UniqueID: message.NewUniqueID(), Address: n2.LocalMember(false), Timestamp: time.Now(), Payload: []byte("hi")}
    if err := n2.Broadcast(context.Background(), msg); err != nil { t.Fatalf("broadcast: %v", err) }
    await(t, "broadcast", 5*time.Second, func() bool { _, _, m := r1.counts(); return m == 1 })
    r1.mu.Lock()
    got := r1.msgs[0]
    r1.mu.Unlock()
    if got.UniqueID != msg.UniqueID || string(got.Payload) != "hi" || got.Address.Port != 4002 {
        t.Fatalf("unexpected broadcast: %+v", got)
    }

    if err := n2.Stop(base.MbrRx | base.MbrTx); err != nil { t.Fatalf("stop: %v", err) }
    await(t, "leave", 5*time.Second, func() bool { return len(n1.Members()) == 1 && len(n3.Members()) == 1 })
    await(t, "disappeared event", 5*time.Second, func() bool { _, g, _ := r1.counts(); return g == 1 })
}

func TestDecodeReplacesLoopbackHost(t *testing.T) {
    m, err := New(Options{Bind: "127.0.0.1:0", Logger: log.Default()})
    if err != nil { t.Fatalf("new: %v", err) }
    node := func(host string, addr string) *memberlist.Node {
        meta, err := member.Marshal(member.New(host, 4000))
        if err != nil { t.Fatalf("marshal: %v", err) }
        return &memberlist.Node{Name: "peer", Addr: net.ParseIP(addr), Meta: meta}
    }

    got, ok := m.decode(node("127.0.0.1", "10.1.2.3"))
    if !ok || got.Host != "10.1.2.3" { t.Fatalf("loopback host kept: %+v", got) }
    got, ok = m.decode(node("", "10.1.2.3"))
    if !ok || got.Host != "10.1.2.3" { t.Fatalf("empty host not filled: %+v", got) }
    got, ok = m.decode(node("10.4.4.4", "10.1.2.3"))
    if !ok || got.Host != "10.4.4.4" { t.Fatalf("advertised host overwritten: %+v", got) }
    got, ok = m.decode(node("127.0.0.1", "127.0.0.1"))
    if !ok || got.Host != "127.0.0.1" { t.Fatalf("single-host cluster broken: %+v", got) }
}
