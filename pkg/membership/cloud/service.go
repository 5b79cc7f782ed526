package cloud

import (
    "context"
    "fmt"
    "log"
    "sync"

    "github.com/amirimatin/go-tribes/pkg/internal/logutil"
    "github.com/amirimatin/go-tribes/pkg/member"
    "github.com/amirimatin/go-tribes/pkg/membership"
    "github.com/amirimatin/go-tribes/pkg/message"
)

// Service exposes a Provider as a membership.Service. MbrRx polls the
// directory on every channel heartbeat; MbrTx registers the local member
// when the fetcher can announce.
type Service struct {
    p      *Provider
    logger *log.Logger

    mu     sync.Mutex
    level  int
    ctx    context.Context
    cancel context.CancelFunc
}

func NewService(opts Options) (*Service, error) {
    p, err := NewProvider(opts)
    if err != nil { return nil, err }
    return &Service{p: p, logger: p.logger}, nil
}

// Provider returns the underlying provider.
func (s *Service) Provider() *Provider { return s.p }

func (s *Service) Start(ctx context.Context, level int) error {
    if level&^(membership.MbrRx|membership.MbrTx) != 0 || level == 0 {
        return fmt.Errorf("cloud: invalid start level %#x", level)
    }
    s.mu.Lock()
    defer s.mu.Unlock()
    level &^= s.level
    if level == 0 { return nil }
    if s.ctx == nil { s.ctx, s.cancel = context.WithCancel(context.Background()) }

    if level&membership.MbrRx != 0 {
        s.level |= membership.MbrRx
        s.p.Heartbeat(ctx)
    }
    if level&membership.MbrTx != 0 {
        if a, ok := s.p.fetcher.(Announcer); ok {
            if err := a.Announce(ctx, s.p.LocalMember(false)); err != nil {
                return fmt.Errorf("cloud %s: announce: %w", s.p.name, err)
            }
        }
        s.level |= membership.MbrTx
    }
    logutil.Infof(s.logger, "cloud %s: started level %#x", s.p.name, s.level)
    return nil
}

func (s *Service) Stop(level int) error {
    s.mu.Lock()
    defer s.mu.Unlock()
    level &= s.level
    if level == 0 { return nil }
    var err error
    if level&membership.MbrTx != 0 {
        if a, ok := s.p.fetcher.(Announcer); ok {
            if werr := a.Withdraw(context.Background()); werr != nil {
                err = fmt.Errorf("cloud %s: withdraw: %w", s.p.name, werr)
            }
        }
        s.level &^= membership.MbrTx
    }
    if level&membership.MbrRx != 0 {
        s.level &^= membership.MbrRx
        s.p.Wait()
        s.p.Reset()
    }
    if s.level == 0 && s.cancel != nil {
        s.cancel()
        s.ctx, s.cancel = nil, nil
    }
    return err
}

// Heartbeat is driven by the channel heartbeat.
func (s *Service) Heartbeat() {
    s.mu.Lock()
    level, ctx := s.level, s.ctx
    s.mu.Unlock()
    if ctx == nil { return }
    if level&membership.MbrTx != 0 {
        if r, ok := s.p.fetcher.(Refresher); ok {
            if err := r.Refresh(ctx); err != nil {
                logutil.Warnf(s.logger, "cloud %s: refresh registration: %v", s.p.name, err)
            }
        }
    }
    if level&membership.MbrRx != 0 { s.p.Heartbeat(ctx) }
}

func (s *Service) LocalMember(incAlive bool) *member.Member { return s.p.LocalMember(incAlive) }

func (s *Service) SetLocalMemberProperties(host string, port, securePort, udpPort int) {
    s.p.SetLocalMemberProperties(host, port, securePort, udpPort)
}

func (s *Service) Members() []*member.Member              { return s.p.Members() }
func (s *Service) Member(m *member.Member) *member.Member { return s.p.Member(m) }
func (s *Service) HasMembers() bool                       { return s.p.HasMembers() }

func (s *Service) Broadcast(ctx context.Context, msg *message.Message) error {
    return membership.ErrBroadcastUnsupported
}

func (s *Service) SetListener(l membership.Listener) { s.p.SetListener(l) }

// SetMessageListener is a no-op: a directory carries no messages.
func (s *Service) SetMessageListener(l membership.MessageListener) {}

var (
    _ membership.Service     = (*Service)(nil)
    _ membership.Heartbeater = (*Service)(nil)
)
