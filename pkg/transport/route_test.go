package transport

import (
    "context"
    "errors"
    "testing"

    "github.com/amirimatin/go-tribes/pkg/member"
    "github.com/amirimatin/go-tribes/pkg/message"
)

type countingSender struct {
    sent, added, removed int
    startErr             error
    stopped              bool
}

func (c *countingSender) Start(ctx context.Context) error { return c.startErr }
func (c *countingSender) Stop() error                     { c.stopped = true; return nil }
func (c *countingSender) SendMessage(ctx context.Context, dest []*member.Member, msg *message.Message) error {
    c.sent++
    return nil
}
func (c *countingSender) Add(m *member.Member)    { c.added++ }
func (c *countingSender) Remove(m *member.Member) { c.removed++ }

func TestRoutedSenderSplitsOnUDPOption(t *testing.T) {
    primary, dgram := &countingSender{}, &countingSender{}
    s := NewRoutedSender(primary, dgram)
    dest := []*member.Member{member.New("10.0.0.2", 4000)}

    if err := s.SendMessage(context.Background(), dest, &message.Message{Options: message.OptDefault}); err != nil { t.Fatalf("send: %v", err) }
    if err := s.SendMessage(context.Background(), dest, &message.Message{Options: message.OptUDP | message.OptByte}); err != nil { t.Fatalf("send: %v", err) }
    if primary.sent != 1 || dgram.sent != 1 { t.Fatalf("routing: primary=%d datagram=%d", primary.sent, dgram.sent) }

    s.Add(dest[0])
    s.Remove(dest[0])
    if primary.added != 1 || dgram.removed != 1 { t.Fatalf("member hooks not forwarded") }
}

func TestRoutedSenderStartRollsBack(t *testing.T) {
    primary, dgram := &countingSender{}, &countingSender{startErr: errors.New("no socket")}
    if err := NewRoutedSender(primary, dgram).Start(context.Background()); err == nil { t.Fatalf("expected start error") }
    if !primary.stopped { t.Fatalf("primary not stopped after datagram start failure") }
}

type fakeReceiver struct {
    host              string
    port, sport, uport int
    h                 MessageHandler
    started           bool
}

func (f *fakeReceiver) Start(ctx context.Context) error    { f.started = true; return nil }
func (f *fakeReceiver) Stop() error                        { f.started = false; return nil }
func (f *fakeReceiver) Host() string                       { return f.host }
func (f *fakeReceiver) Port() int                          { return f.port }
func (f *fakeReceiver) SecurePort() int                    { return f.sport }
func (f *fakeReceiver) UDPPort() int                       { return f.uport }
func (f *fakeReceiver) SetMessageHandler(h MessageHandler) { f.h = h }

type nopHandler struct{}

func (nopHandler) MessageReceived(*message.Message) error { return nil }

func TestReceiverPairPorts(t *testing.T) {
    primary := &fakeReceiver{host: "10.0.0.1", port: 4000, sport: -1, uport: -1}
    dgram := &fakeReceiver{host: "10.0.0.1", port: 4100, sport: -1, uport: 4100}
    p := NewReceiverPair(primary, dgram)
    p.SetMessageHandler(nopHandler{})
    if primary.h == nil || dgram.h == nil { t.Fatalf("handler not set on both receivers") }
    if err := p.Start(context.Background()); err != nil { t.Fatalf("start: %v", err) }
    if p.Host() != "10.0.0.1" || p.Port() != 4000 || p.UDPPort() != 4100 || p.SecurePort() != -1 {
        t.Fatalf("unexpected ports %s %d %d %d", p.Host(), p.Port(), p.SecurePort(), p.UDPPort())
    }
    if err := p.Stop(); err != nil || primary.started || dgram.started { t.Fatalf("stop: %v", err) }
}
