package transport

import (
    "context"

    "github.com/hashicorp/go-multierror"

    "github.com/amirimatin/go-tribes/pkg/member"
    "github.com/amirimatin/go-tribes/pkg/message"
)

// UDPOptionFlag routes a message to the datagram path.
const UDPOptionFlag = message.OptUDP

// ReceiverPair runs a primary receiver next to a datagram receiver. The
// primary supplies host, port and secure port; the datagram receiver the
// UDP port.
type ReceiverPair struct {
    Primary  Receiver
    Datagram Receiver
}

func NewReceiverPair(primary, datagram Receiver) *ReceiverPair {
    return &ReceiverPair{Primary: primary, Datagram: datagram}
}

func (p *ReceiverPair) Start(ctx context.Context) error {
    if err := p.Primary.Start(ctx); err != nil { return err }
    if err := p.Datagram.Start(ctx); err != nil {
        _ = p.Primary.Stop()
        return err
    }
    return nil
}

func (p *ReceiverPair) Stop() error {
    var merr *multierror.Error
    if err := p.Datagram.Stop(); err != nil { merr = multierror.Append(merr, err) }
    if err := p.Primary.Stop(); err != nil { merr = multierror.Append(merr, err) }
    return merr.ErrorOrNil()
}

func (p *ReceiverPair) Host() string    { return p.Primary.Host() }
func (p *ReceiverPair) Port() int       { return p.Primary.Port() }
func (p *ReceiverPair) SecurePort() int { return p.Primary.SecurePort() }
func (p *ReceiverPair) UDPPort() int    { return p.Datagram.UDPPort() }

func (p *ReceiverPair) SetMessageHandler(h MessageHandler) {
    p.Primary.SetMessageHandler(h)
    p.Datagram.SetMessageHandler(h)
}

// RoutedSender sends messages carrying the UDP option through Datagram and
// everything else through Primary.
type RoutedSender struct {
    Primary  Sender
    Datagram Sender
}

func NewRoutedSender(primary, datagram Sender) *RoutedSender {
    return &RoutedSender{Primary: primary, Datagram: datagram}
}

func (s *RoutedSender) Start(ctx context.Context) error {
    if err := s.Primary.Start(ctx); err != nil { return err }
    if err := s.Datagram.Start(ctx); err != nil {
        _ = s.Primary.Stop()
        return err
    }
    return nil
}

func (s *RoutedSender) Stop() error {
    var merr *multierror.Error
    if err := s.Datagram.Stop(); err != nil { merr = multierror.Append(merr, err) }
    if err := s.Primary.Stop(); err != nil { merr = multierror.Append(merr, err) }
    return merr.ErrorOrNil()
}

func (s *RoutedSender) SendMessage(ctx context.Context, dest []*member.Member, msg *message.Message) error {
    if msg.Has(UDPOptionFlag) { return s.Datagram.SendMessage(ctx, dest, msg) }
    return s.Primary.SendMessage(ctx, dest, msg)
}

func (s *RoutedSender) Add(m *member.Member) {
    for _, x := range []Sender{s.Primary, s.Datagram} {
        if ma, ok := x.(MemberAware); ok { ma.Add(m) }
    }
}

func (s *RoutedSender) Remove(m *member.Member) {
    for _, x := range []Sender{s.Primary, s.Datagram} {
        if ma, ok := x.(MemberAware); ok { ma.Remove(m) }
    }
}

var (
    _ Receiver    = (*ReceiverPair)(nil)
    _ Sender      = (*RoutedSender)(nil)
    _ MemberAware = (*RoutedSender)(nil)
)
