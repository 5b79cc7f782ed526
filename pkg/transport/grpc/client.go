package grpc

import (
    "context"
    "crypto/tls"
    "errors"
    "fmt"
    "log"
    "net"
    "strconv"
    "sync"
    "time"

    "google.golang.org/grpc"
    "google.golang.org/grpc/backoff"
    "google.golang.org/grpc/credentials"
    "google.golang.org/grpc/credentials/insecure"
    "google.golang.org/grpc/keepalive"

    "github.com/amirimatin/go-tribes/pkg/internal/logutil"
    "github.com/amirimatin/go-tribes/pkg/member"
    "github.com/amirimatin/go-tribes/pkg/message"
    "github.com/amirimatin/go-tribes/pkg/transport"
)

// SenderOptions configures a Sender.
type SenderOptions struct {
    // Timeout bounds each delivery; defaults to 3s.
    Timeout time.Duration
    // IdleTTL evicts unused connections; defaults to 30s.
    IdleTTL time.Duration
    TLS     *tls.Config
    Logger  *log.Logger
}

// Sender delivers frames to every destination in parallel.
type Sender struct {
    opts   SenderOptions
    logger *log.Logger

    mu sync.RWMutex
    cm *ConnManager
}

func NewSender(opts SenderOptions) *Sender {
    if opts.Timeout <= 0 { opts.Timeout = 3 * time.Second }
    if opts.IdleTTL <= 0 { opts.IdleTTL = 30 * time.Second }
    if opts.Logger == nil { opts.Logger = log.Default() }
    return &Sender{opts: opts, logger: opts.Logger}
}

func (s *Sender) dial(ctx context.Context, target string) (*grpc.ClientConn, error) {
    opts := []grpc.DialOption{
        grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{}), grpc.CallContentSubtype("json")),
        grpc.WithConnectParams(grpc.ConnectParams{Backoff: backoff.DefaultConfig, MinConnectTimeout: 500 * time.Millisecond}),
        grpc.WithKeepaliveParams(keepalive.ClientParameters{Time: 20 * time.Second, Timeout: 5 * time.Second, PermitWithoutStream: true}),
    }
    if s.opts.TLS != nil {
        opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(s.opts.TLS)))
    } else {
        opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
    }
    return grpc.NewClient(target, opts...)
}

func (s *Sender) Start(ctx context.Context) error {
    s.mu.Lock()
    defer s.mu.Unlock()
    if s.cm == nil { s.cm = NewConnManager(s.opts.IdleTTL, s.dial) }
    return nil
}

func (s *Sender) Stop() error {
    s.mu.Lock()
    cm := s.cm
    s.cm = nil
    s.mu.Unlock()
    if cm != nil { cm.Close() }
    return nil
}

func (s *Sender) conns() *ConnManager {
    s.mu.RLock()
    defer s.mu.RUnlock()
    return s.cm
}

// SendMessage delivers msg to all destinations concurrently and reports the
// ones that failed in a *transport.SendError.
func (s *Sender) SendMessage(ctx context.Context, dest []*member.Member, msg *message.Message) error {
    cm := s.conns()
    if cm == nil { return transport.ErrNotStarted }
    frame, err := message.Encode(msg)
    if err != nil { return err }
    req := &deliverRequest{Frame: frame}

    var (
        mu     sync.Mutex
        faults []transport.FaultyMember
        wg     sync.WaitGroup
    )
    for _, d := range dest {
        wg.Add(1)
        go func(d *member.Member) {
            defer wg.Done()
            if err := s.deliver(ctx, cm, target(d, msg), req); err != nil {
                mu.Lock()
                faults = append(faults, transport.FaultyMember{Member: d, Err: err})
                mu.Unlock()
            }
        }(d)
    }
    wg.Wait()
    return transport.NewSendError(faults)
}

func (s *Sender) deliver(ctx context.Context, cm *ConnManager, addr string, req *deliverRequest) error {
    cctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
    defer cancel()
    cc, rel, err := cm.Get(cctx, addr)
    if err != nil { return fmt.Errorf("grpc: connect %s: %w", addr, err) }
    defer rel()
    out := new(deliverReply)
    if err := cc.Invoke(cctx, deliverMethod, req, out); err != nil {
        logutil.Debugf(s.logger, "grpc: deliver to %s: %v", addr, err)
        return fmt.Errorf("grpc: deliver to %s: %w", addr, err)
    }
    if out.Error != "" { return errors.New(out.Error) }
    return nil
}

// target picks the secure port for OptSecure messages when one is advertised.
func target(d *member.Member, msg *message.Message) string {
    if msg.Has(message.OptSecure) && d.SecurePort > 0 {
        return net.JoinHostPort(d.Host, strconv.Itoa(d.SecurePort))
    }
    return d.Addr()
}

// Add is a no-op; connections are dialed lazily.
func (s *Sender) Add(m *member.Member) {}

// Remove closes the cached connection to a departed member.
func (s *Sender) Remove(m *member.Member) {
    if cm := s.conns(); cm != nil { cm.Drop(m.Addr()) }
}

var (
    _ transport.Sender      = (*Sender)(nil)
    _ transport.MemberAware = (*Sender)(nil)
)
