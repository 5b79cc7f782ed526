package grpc

import (
    "context"
    "errors"
    "sync"
    "testing"
    "time"

    "github.com/amirimatin/go-tribes/pkg/member"
    "github.com/amirimatin/go-tribes/pkg/message"
    "github.com/amirimatin/go-tribes/pkg/transport"
)

type sink struct {
    mu   sync.Mutex
    msgs []*message.Message
    err  error
}

func (s *sink) MessageReceived(msg *message.Message) error {
    s.mu.Lock()
    defer s.mu.Unlock()
    s.msgs = append(s.msgs, msg)
    return s.err
}

func (s *sink) count() int { s.mu.Lock(); defer s.mu.Unlock(); return len(s.msgs) }

func startReceiver(t *testing.T, h transport.MessageHandler) (*Receiver, *member.Member) {
    t.Helper()
    r := NewReceiver(ReceiverOptions{Bind: "127.0.0.1:0"})
    r.SetMessageHandler(h)
    if err := r.Start(context.Background()); err != nil { t.Fatalf("start receiver: %v", err) }
    t.Cleanup(func() { _ = r.Stop() })
    return r, member.New(r.Host(), r.Port())
}

func TestDeliverToReceivers(t *testing.T) {
    a, b := &sink{}, &sink{}
    _, ma := startReceiver(t, a)
    _, mb := startReceiver(t, b)

    s := NewSender(SenderOptions{Timeout: 2 * time.Second})
    if err := s.SendMessage(context.Background(), []*member.Member{ma}, &message.Message{}); !errors.Is(err, transport.ErrNotStarted) {
        t.Fatalf("expected ErrNotStarted, got %v", err)
    }
    if err := s.Start(context.Background()); err != nil { t.Fatalf("start sender: %v", err) }
    defer s.Stop()

    src := member.New("127.0.0.1", 9)
    msg := &message.Message{UniqueID: message.NewUniqueID(), Address: src, Timestamp: time.Now(), Options: message.OptUseAck, Payload: []byte("hello")}
    if err := s.SendMessage(context.Background(), []*member.Member{ma, mb}, msg); err != nil { t.Fatalf("send: %v", err) }
    if a.count() != 1 || b.count() != 1 { t.Fatalf("deliveries a=%d b=%d", a.count(), b.count()) }
    got := a.msgs[0]
    if got.UniqueID != msg.UniqueID || string(got.Payload) != "hello" || got.Address.Port != 9 {
        t.Fatalf("envelope changed in transit: %+v", got)
    }

    if err := s.SendMessage(context.Background(), []*member.Member{ma}, msg); err != nil { t.Fatalf("second send: %v", err) }
    if n := s.conns().Len(); n != 2 { t.Fatalf("cached connections = %d, want 2", n) }
    s.Remove(ma)
    if n := s.conns().Len(); n != 1 { t.Fatalf("cached connections after remove = %d, want 1", n) }
}

func TestPartialFailure(t *testing.T) {
    ok := &sink{}
    bad := &sink{err: errors.New("listener refused")}
    _, mok := startReceiver(t, ok)
    _, mbad := startReceiver(t, bad)
    dead := member.New("127.0.0.1", 1)

    s := NewSender(SenderOptions{Timeout: time.Second})
    _ = s.Start(context.Background())
    defer s.Stop()

    err := s.SendMessage(context.Background(), []*member.Member{mok, mbad, dead}, &message.Message{UniqueID: message.NewUniqueID(), Timestamp: time.Now()})
    var se *transport.SendError
    if !errors.As(err, &se) { t.Fatalf("expected SendError, got %v", err) }
    if len(se.Faulty) != 2 || !se.Failed(mbad) || !se.Failed(dead) || se.Failed(mok) {
        t.Fatalf("unexpected faults: %v", err)
    }
    for _, f := range se.Faulty {
        if member.Same(f.Member, mbad) && f.Err.Error() != "listener refused" {
            t.Fatalf("remote error not carried: %v", f.Err)
        }
    }
    if ok.count() != 1 { t.Fatalf("healthy member missed the message") }
}

func TestReceiverAddress(t *testing.T) {
    r := NewReceiver(ReceiverOptions{Bind: ":0", Advertise: "10.9.8.7"})
    if err := r.Start(context.Background()); err != nil { t.Fatalf("start: %v", err) }
    defer r.Stop()
    if r.Host() != "10.9.8.7" || r.Port() <= 0 { t.Fatalf("unexpected address %s:%d", r.Host(), r.Port()) }
    if err := r.Stop(); err != nil { t.Fatalf("stop: %v", err) }
    if err := r.Stop(); err != nil { t.Fatalf("second stop: %v", err) }
}
