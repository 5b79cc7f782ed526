// Package memberlist is a gossip membership service built on HashiCorp
// memberlist. Each node advertises its channel member in the gossip node
// metadata, and broadcasts travel as reliable user messages.
package memberlist

import (
    "context"
    "encoding/hex"
    "errors"
    "fmt"
    "log"
    "net"
    "sort"
    "strconv"
    "sync"
    "time"

    "github.com/google/uuid"
    "github.com/hashicorp/go-multierror"
    "github.com/hashicorp/memberlist"

    "github.com/amirimatin/go-tribes/pkg/internal/logutil"
    "github.com/amirimatin/go-tribes/pkg/internal/scheduler"
    "github.com/amirimatin/go-tribes/pkg/member"
    base "github.com/amirimatin/go-tribes/pkg/membership"
    "github.com/amirimatin/go-tribes/pkg/message"
    obsmetrics "github.com/amirimatin/go-tribes/pkg/observability/metrics"
)

// SeedSource supplies join addresses; static and file directories satisfy it.
type SeedSource interface {
    Seeds() []string
}

// Options configures the memberlist-based membership implementation.
type Options struct {
    // NodeName is the gossip node name. Defaults to the hex local id.
    NodeName string

    // Bind is the gossip bind address in host:port form (e.g. ":7946").
    Bind string

    // Advertise is the gossip address peers use to reach this node.
    // If empty, memberlist derives it from Bind.
    Advertise string

    // Seeds are gossip addresses joined when MbrTx starts. SeedSource is
    // consulted as well when set.
    Seeds      []string
    SeedSource SeedSource

    // Domain is advertised by the local member.
    Domain []byte
    // Payload is opaque application data advertised by the local member.
    Payload []byte

    // SecretKey enables gossip encryption (16, 24 or 32 bytes).
    SecretKey []byte

    // Logger is optional. If nil, log.Default() is used.
    Logger *log.Logger

    // Tuning parameters (optional). Zero means use defaults.
    ProbeInterval time.Duration
    ProbeTimeout  time.Duration
    SuspicionMult int
    LeaveTimeout  time.Duration
}

func (o Options) Validate() error {
    if o.Bind == "" { return errors.New("memberlist: empty Bind address") }
    if _, _, err := splitHostPort(o.Bind); err != nil { return err }
    if o.Advertise != "" {
        if _, _, err := splitHostPort(o.Advertise); err != nil { return err }
    }
    switch len(o.SecretKey) {
    case 0, 16, 24, 32:
    default:
        return fmt.Errorf("memberlist: secret key must be 16, 24 or 32 bytes, got %d", len(o.SecretKey))
    }
    return nil
}

// Service implements membership.Service over a memberlist instance.
type Service struct {
    opts   Options
    logger *log.Logger
    exec   scheduler.Executor
    start  time.Time

    life     sync.Mutex // serializes Start and Stop
    mu       sync.RWMutex
    level    int
    ml       *memberlist.Memberlist
    local    *member.Member
    known    map[string]*member.Member // gossip node name -> channel member
    listener base.Listener
    msgs     base.MessageListener
}

// New constructs a memberlist-backed membership.
func New(opts Options) (*Service, error) {
    if err := opts.Validate(); err != nil { return nil, err }
    if opts.Logger == nil { opts.Logger = log.Default() }
    if opts.LeaveTimeout <= 0 { opts.LeaveTimeout = time.Second }
    id := uuid.New()
    local := member.New("", 0)
    local.UniqueID = id[:]
    local.Domain = append([]byte(nil), opts.Domain...)
    local.Payload = append([]byte(nil), opts.Payload...)
    local.Local = true
    if opts.NodeName == "" { opts.NodeName = hex.EncodeToString(local.UniqueID) }
    return &Service{
        opts:   opts,
        logger: opts.Logger,
        exec:   scheduler.NewPool(1, opts.Logger),
        start:  time.Now(),
        local:  local,
        known:  map[string]*member.Member{},
    }, nil
}

// Start creates the gossip node on the first level and joins the seeds when
// MbrTx starts.
func (s *Service) Start(ctx context.Context, level int) error {
    if level == 0 || level&^(base.MbrRx|base.MbrTx) != 0 {
        return fmt.Errorf("memberlist: invalid start level %#x", level)
    }
    s.life.Lock()
    defer s.life.Unlock()
    s.mu.RLock()
    level &^= s.level
    ml := s.ml
    s.mu.RUnlock()
    if level == 0 { return nil }
    // memberlist asks for node metadata while being created, so s.mu must
    // not be held here.
    if ml == nil {
        var err error
        if ml, err = s.create(); err != nil { return err }
    }
    s.mu.Lock()
    s.ml = ml
    s.level |= level
    s.mu.Unlock()

    if level&base.MbrRx != 0 {
        for _, n := range ml.Members() {
            s.nodeChanged(n)
        }
    }
    if level&base.MbrTx != 0 {
        seeds := s.seeds()
        if len(seeds) > 0 {
            n, err := ml.Join(seeds)
            if err != nil && n == 0 {
                logutil.Warnf(s.logger, "memberlist: join %v failed: %v", seeds, err)
            } else {
                logutil.Infof(s.logger, "memberlist: joined %d of %d seed(s)", n, len(seeds))
            }
        }
    }
    return nil
}

func (s *Service) create() (*memberlist.Memberlist, error) {
    cfg := memberlist.DefaultLANConfig()
    cfg.Name = s.opts.NodeName
    host, port, err := splitHostPort(s.opts.Bind)
    if err != nil { return nil, err }
    cfg.BindAddr, cfg.BindPort = host, port
    if s.opts.Advertise != "" {
        ahost, aport, err := splitHostPort(s.opts.Advertise)
        if err != nil { return nil, err }
        cfg.AdvertiseAddr, cfg.AdvertisePort = ahost, aport
    }
    if s.opts.ProbeInterval > 0 { cfg.ProbeInterval = s.opts.ProbeInterval }
    if s.opts.ProbeTimeout > 0 { cfg.ProbeTimeout = s.opts.ProbeTimeout }
    if s.opts.SuspicionMult > 0 { cfg.SuspicionMult = s.opts.SuspicionMult }
    if len(s.opts.SecretKey) > 0 { cfg.SecretKey = s.opts.SecretKey }
    cfg.Logger = s.logger
    cfg.Events = &eventDelegate{s: s}
    cfg.Delegate = &nodeDelegate{s: s}

    ml, err := memberlist.Create(cfg)
    if err != nil { return nil, fmt.Errorf("memberlist: create: %w", err) }
    return ml, nil
}

func (s *Service) seeds() []string {
    out := append([]string(nil), s.opts.Seeds...)
    if s.opts.SeedSource != nil { out = append(out, s.opts.SeedSource.Seeds()...) }
    return out
}

// Stop leaves the group when MbrTx stops and shuts the gossip node down once
// nothing runs.
func (s *Service) Stop(level int) error {
    s.life.Lock()
    defer s.life.Unlock()
    s.mu.Lock()
    level &= s.level
    if level == 0 {
        s.mu.Unlock()
        return nil
    }
    ml := s.ml
    s.level &^= level
    remaining := s.level
    if remaining == 0 { s.ml = nil }
    if level&base.MbrRx != 0 { s.known = map[string]*member.Member{} }
    s.mu.Unlock()

    var merr *multierror.Error
    if level&base.MbrTx != 0 && ml != nil {
        s.mu.Lock()
        s.local.Command = append([]byte(nil), member.ShutdownCommand...)
        s.mu.Unlock()
        _ = ml.UpdateNode(s.opts.LeaveTimeout)
        if err := ml.Leave(s.opts.LeaveTimeout); err != nil { merr = multierror.Append(merr, fmt.Errorf("memberlist: leave: %w", err)) }
    }
    if remaining == 0 && ml != nil {
        if err := ml.Shutdown(); err != nil { merr = multierror.Append(merr, fmt.Errorf("memberlist: shutdown: %w", err)) }
        s.mu.Lock()
        s.local.Command = nil
        s.mu.Unlock()
    }
    if level&base.MbrRx != 0 {
        if p, ok := s.exec.(*scheduler.Pool); ok { p.Wait() }
        obsmetrics.Members.Set(0)
    }
    return merr.ErrorOrNil()
}

// GossipAddr returns the address peers join, or "" when not started.
func (s *Service) GossipAddr() string {
    s.mu.RLock()
    defer s.mu.RUnlock()
    if s.ml == nil { return "" }
    n := s.ml.LocalNode()
    return net.JoinHostPort(n.Addr.String(), strconv.Itoa(int(n.Port)))
}

func (s *Service) LocalMember(incAlive bool) *member.Member {
    s.mu.RLock()
    m := s.local.Clone()
    s.mu.RUnlock()
    if incAlive { m.AliveTime = time.Since(s.start) }
    return m
}

// SetLocalMemberProperties refreshes the advertised metadata when the node
// is already gossiping.
func (s *Service) SetLocalMemberProperties(host string, port, securePort, udpPort int) {
    s.mu.Lock()
    s.local.Host, s.local.Port, s.local.SecurePort, s.local.UDPPort = host, port, securePort, udpPort
    ml := s.ml
    s.mu.Unlock()
    if ml != nil {
        if err := ml.UpdateNode(time.Second); err != nil {
            logutil.Warnf(s.logger, "memberlist: update local metadata: %v", err)
        }
    }
}

func (s *Service) Members() []*member.Member {
    s.mu.RLock()
    out := make([]*member.Member, 0, len(s.known))
    for _, m := range s.known {
        out = append(out, m.Clone())
    }
    s.mu.RUnlock()
    sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
    return out
}

func (s *Service) Member(m *member.Member) *member.Member {
    s.mu.RLock()
    defer s.mu.RUnlock()
    for _, k := range s.known {
        if member.Same(k, m) { return k.Clone() }
    }
    return nil
}

func (s *Service) HasMembers() bool {
    s.mu.RLock()
    defer s.mu.RUnlock()
    return len(s.known) > 0
}

// Broadcast sends msg as a reliable user message to every other gossip node.
func (s *Service) Broadcast(ctx context.Context, msg *message.Message) error {
    s.mu.RLock()
    ml := s.ml
    s.mu.RUnlock()
    if ml == nil { return errors.New("memberlist: not started") }
    frame, err := message.Encode(msg)
    if err != nil { return err }
    var merr *multierror.Error
    self := ml.LocalNode().Name
    for _, n := range ml.Members() {
        if n.Name == self { continue }
        if err := ctx.Err(); err != nil { return err }
        if err := ml.SendReliable(n, frame); err != nil {
            merr = multierror.Append(merr, fmt.Errorf("memberlist: send to %s: %w", n.Name, err))
        }
    }
    return merr.ErrorOrNil()
}

func (s *Service) SetListener(l base.Listener) {
    s.mu.Lock()
    s.listener = l
    s.mu.Unlock()
}

func (s *Service) SetMessageListener(l base.MessageListener) {
    s.mu.Lock()
    s.msgs = l
    s.mu.Unlock()
}

// HealthScore exposes memberlist's awareness score; -1 when not started.
func (s *Service) HealthScore() int {
    s.mu.RLock()
    defer s.mu.RUnlock()
    if s.ml == nil { return -1 }
    return s.ml.GetHealthScore()
}

// nodeChanged applies a join or update for a gossip node.
func (s *Service) nodeChanged(n *memberlist.Node) {
    m, ok := s.decode(n)
    if !ok { return }
    s.mu.Lock()
    if s.level&base.MbrRx == 0 {
        s.mu.Unlock()
        return
    }
    _, had := s.known[n.Name]
    if m.IsShutdown() {
        delete(s.known, n.Name)
    } else {
        s.known[n.Name] = m
    }
    size := len(s.known)
    l := s.listener
    s.mu.Unlock()
    obsmetrics.Members.Set(float64(size))

    switch {
    case m.IsShutdown() && had:
        logutil.Infof(s.logger, "memberlist: member %s is shutting down", m.Name())
        s.notify(l, m, false)
    case !m.IsShutdown() && !had:
        logutil.Infof(s.logger, "memberlist: member added %s", m.Name())
        s.notify(l, m, true)
    }
}

func (s *Service) nodeLeft(n *memberlist.Node) {
    s.mu.Lock()
    m, had := s.known[n.Name]
    delete(s.known, n.Name)
    size := len(s.known)
    l := s.listener
    s.mu.Unlock()
    if !had { return }
    obsmetrics.Members.Set(float64(size))
    logutil.Infof(s.logger, "memberlist: member disappeared %s", m.Name())
    s.notify(l, m, false)
}

// decode extracts the channel member from gossip metadata. Nodes whose
// receiver is not bound yet advertise no port and are ignored until updated.
func (s *Service) decode(n *memberlist.Node) (*member.Member, bool) {
    if n == nil || n.Name == s.opts.NodeName || len(n.Meta) == 0 { return nil, false }
    m, err := member.Unmarshal(n.Meta)
    if err != nil {
        logutil.Warnf(s.logger, "memberlist: node %s advertises bad metadata: %v", n.Name, err)
        return nil, false
    }
    if m.Port <= 0 { return nil, false }
    if n.Addr != nil && (m.Host == "" || isLoopback(m.Host) && !n.Addr.IsLoopback()) { m.Host = n.Addr.String() }
    return m, true
}

func isLoopback(host string) bool {
    if host == "localhost" { return true }
    ip := net.ParseIP(host)
    return ip != nil && ip.IsLoopback()
}

func (s *Service) notify(l base.Listener, m *member.Member, added bool) {
    if l == nil { return }
    s.exec.Execute(func() {
        if added {
            l.MemberAdded(m)
        } else {
            l.MemberDisappeared(m)
        }
    })
}

func (s *Service) userMessage(b []byte) {
    msg, err := message.Decode(b)
    if err != nil {
        obsmetrics.MessagesDropped.WithLabelValues("decode").Inc()
        logutil.Warnf(s.logger, "memberlist: dropping broadcast: %v", err)
        return
    }
    s.mu.RLock()
    l := s.msgs
    s.mu.RUnlock()
    if l == nil { return }
    s.exec.Execute(func() {
        if err := l.MessageReceived(msg); err != nil {
            logutil.Debugf(s.logger, "memberlist: broadcast %s: %v", msg.UniqueID, err)
        }
    })
}

func (s *Service) meta(limit int) []byte {
    b, err := member.Marshal(s.LocalMember(true))
    if err != nil {
        logutil.Errorf(s.logger, "memberlist: encode local member: %v", err)
        return nil
    }
    if len(b) > limit {
        logutil.Warnf(s.logger, "memberlist: local member metadata of %d bytes exceeds %d", len(b), limit)
        return nil
    }
    return b
}

// eventDelegate adapts memberlist events to membership transitions.
type eventDelegate struct{ s *Service }

func (d *eventDelegate) NotifyJoin(n *memberlist.Node)   { d.s.nodeChanged(n) }
func (d *eventDelegate) NotifyLeave(n *memberlist.Node)  { d.s.nodeLeft(n) }
func (d *eventDelegate) NotifyUpdate(n *memberlist.Node) { d.s.nodeChanged(n) }

// nodeDelegate publishes the local member and receives broadcasts.
type nodeDelegate struct{ s *Service }

func (d *nodeDelegate) NodeMeta(limit int) []byte              { return d.s.meta(limit) }
func (d *nodeDelegate) NotifyMsg(b []byte)                     { d.s.userMessage(b) }
func (d *nodeDelegate) GetBroadcasts(int, int) [][]byte        { return nil }
func (d *nodeDelegate) LocalState(join bool) []byte            { return nil }
func (d *nodeDelegate) MergeRemoteState(buf []byte, join bool) {}

func splitHostPort(addr string) (string, int, error) {
    host, ps, err := net.SplitHostPort(addr)
    if err != nil { return "", 0, fmt.Errorf("memberlist: invalid address %q: %w", addr, err) }
    p, err := strconv.Atoi(ps)
    if err != nil || p < 0 || p > 65535 { return "", 0, fmt.Errorf("memberlist: invalid port: %q", ps) }
    return host, p, nil
}

var (
    _ base.Service        = (*Service)(nil)
    _ base.HealthReporter = (*Service)(nil)
)
