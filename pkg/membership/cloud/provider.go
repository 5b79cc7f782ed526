// Package cloud discovers members by polling an external directory such as
// DNS or an orchestrator API. Liveness is purely timestamp driven: a member
// stays until it has not been returned for the expiration window.
package cloud

import (
    "bytes"
    "context"
    "errors"
    "log"
    "sync"
    "time"

    "go.opentelemetry.io/otel/attribute"

    "github.com/amirimatin/go-tribes/pkg/internal/logutil"
    "github.com/amirimatin/go-tribes/pkg/internal/scheduler"
    "github.com/amirimatin/go-tribes/pkg/member"
    "github.com/amirimatin/go-tribes/pkg/membership"
    obsmetrics "github.com/amirimatin/go-tribes/pkg/observability/metrics"
    "github.com/amirimatin/go-tribes/pkg/observability/tracing"
)

const (
    DefaultExpiration     = 5 * time.Second
    DefaultConnectTimeout = time.Second
    DefaultReadTimeout    = time.Second
)

// Fetcher enumerates the peers currently registered in the directory. local
// is the member this process advertises; fetchers use its port and domain
// for the members they build.
type Fetcher interface {
    FetchMembers(ctx context.Context, local *member.Member) ([]*member.Member, error)
}

// Announcer is implemented by fetchers backed by a writable registry.
type Announcer interface {
    Announce(ctx context.Context, local *member.Member) error
    Withdraw(ctx context.Context) error
}

// Refresher is implemented by announcers whose registration must be kept
// alive from the heartbeat.
type Refresher interface {
    Refresh(ctx context.Context) error
}

// Options configures a Provider.
type Options struct {
    Fetcher Fetcher
    // Name labels metrics and logs, e.g. "dns" or "kubernetes".
    Name string
    // Expiration defaults to DefaultExpiration.
    Expiration time.Duration
    // Local seeds the local member. Host and ports are normally filled in
    // later through SetLocalMemberProperties.
    Local *member.Member
    // Executor runs listener callbacks. Defaults to a single worker so
    // notifications keep their order without blocking the heartbeat.
    Executor scheduler.Executor
    Logger   *log.Logger
    // Clock is for tests.
    Clock func() time.Time
}

func (o Options) Validate() error {
    if o.Fetcher == nil { return errors.New("cloud: fetcher is required") }
    if o.Expiration < 0 { return errors.New("cloud: negative expiration") }
    return nil
}

// Provider runs the discovery heartbeat: fetch candidates, mark them alive,
// expire the silent ones and notify the listener.
type Provider struct {
    name       string
    fetcher    Fetcher
    expiration time.Duration
    exec       scheduler.Executor
    logger     *log.Logger
    now        func() time.Time
    set        *membership.Set
    startTime  time.Time

    hbMu sync.Mutex // one heartbeat at a time

    mu         sync.RWMutex
    local      *member.Member
    idAssigned bool
    listener   membership.Listener
}

func NewProvider(opts Options) (*Provider, error) {
    if err := opts.Validate(); err != nil { return nil, err }
    if opts.Name == "" { opts.Name = "cloud" }
    if opts.Expiration == 0 { opts.Expiration = DefaultExpiration }
    if opts.Logger == nil { opts.Logger = log.Default() }
    if opts.Executor == nil { opts.Executor = scheduler.NewPool(1, opts.Logger) }
    if opts.Clock == nil { opts.Clock = time.Now }
    local := opts.Local
    if local == nil {
        local = member.New("", 0)
    } else {
        local = local.Clone()
    }
    local.Local = true
    p := &Provider{
        name:       opts.Name,
        fetcher:    opts.Fetcher,
        expiration: opts.Expiration,
        exec:       opts.Executor,
        logger:     opts.Logger,
        now:        opts.Clock,
        startTime:  opts.Clock(),
        local:      local,
        idAssigned: local.HasID(),
    }
    p.set = membership.NewSet(local.Clone())
    p.set.SetClock(opts.Clock)
    return p, nil
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) SetListener(l membership.Listener) {
    p.mu.Lock()
    p.listener = l
    p.mu.Unlock()
}

// LocalMember returns a copy of the local member. With incAlive the alive
// time is the provider's uptime.
func (p *Provider) LocalMember(incAlive bool) *member.Member {
    p.mu.RLock()
    m := p.local.Clone()
    p.mu.RUnlock()
    if incAlive { m.AliveTime = p.now().Sub(p.startTime) }
    return m
}

func (p *Provider) SetLocalMemberProperties(host string, port, securePort, udpPort int) {
    p.mu.Lock()
    p.local.Host, p.local.Port, p.local.SecurePort, p.local.UDPPort = host, port, securePort, udpPort
    local := p.local.Clone()
    p.mu.Unlock()
    p.set.SetLocal(local)
}

// SetLocalDomain sets the domain advertised by the local member.
func (p *Provider) SetLocalDomain(domain []byte) {
    p.mu.Lock()
    p.local.Domain = append([]byte(nil), domain...)
    p.mu.Unlock()
}

func (p *Provider) Members() []*member.Member            { return p.set.Members() }
func (p *Provider) Member(m *member.Member) *member.Member { return p.set.Member(m) }
func (p *Provider) HasMembers() bool                       { return p.set.Len() > 0 }

// Heartbeat runs one discovery cycle. A failed fetch counts as an empty
// result; members only leave through expiry.
func (p *Provider) Heartbeat(ctx context.Context) {
    p.hbMu.Lock()
    defer p.hbMu.Unlock()
    ctx, span := tracing.StartSpan(ctx, "cloud.heartbeat", attribute.String("provider", p.name))
    defer span.End()

    local := p.LocalMember(false)
    candidates, err := p.fetcher.FetchMembers(ctx, local)
    if err != nil {
        span.Fail(err)
        obsmetrics.DiscoveryFetch.WithLabelValues(p.name, "error").Inc()
        logutil.Warnf(p.logger, "cloud %s: fetch members failed: %v", p.name, err)
        candidates = nil
    } else {
        obsmetrics.DiscoveryFetch.WithLabelValues(p.name, "ok").Inc()
    }

    for _, m := range candidates {
        if m == nil { continue }
        if p.isSelf(m, local) {
            p.adoptID(m)
            continue
        }
        if p.set.MemberAlive(m) {
            logutil.Infof(p.logger, "cloud %s: member added %s", p.name, m.Name())
            p.notify(m.Clone(), true)
        }
    }
    for _, m := range p.set.Expire(p.expiration) {
        logutil.Infof(p.logger, "cloud %s: member expired %s", p.name, m.Name())
        p.notify(m, false)
    }
    obsmetrics.Members.Set(float64(p.set.Len()))
}

// isSelf compares against the current local address on every cycle, so a
// changed bind address is picked up.
func (p *Provider) isSelf(m, local *member.Member) bool {
    if m.HasID() && local.HasID() && bytes.Equal(m.UniqueID, local.UniqueID) { return true }
    if local.Host == "" || m.Host != local.Host { return false }
    return m.Port <= 0 || local.Port <= 0 || m.Port == local.Port
}

// adoptID gives the local member the id the directory derived for it, once.
func (p *Provider) adoptID(self *member.Member) {
    id := self.UniqueID
    if !self.HasID() { id = member.DeriveID(self.Addr()) }
    p.mu.Lock()
    defer p.mu.Unlock()
    if p.idAssigned {
        if !bytes.Equal(id, p.local.UniqueID) {
            logutil.Debugf(p.logger, "cloud %s: directory reports id %x for the local member, keeping %x", p.name, id, p.local.UniqueID)
        }
        return
    }
    p.local.UniqueID = append([]byte(nil), id...)
    p.idAssigned = true
    p.set.SetLocal(p.local.Clone())
    logutil.Infof(p.logger, "cloud %s: local member id set to %x", p.name, id)
}

func (p *Provider) notify(m *member.Member, added bool) {
    p.mu.RLock()
    l := p.listener
    p.mu.RUnlock()
    if l == nil { return }
    p.exec.Execute(func() {
        if added {
            l.MemberAdded(m)
        } else {
            l.MemberDisappeared(m)
        }
    })
}

// Reset forgets every member without notifying.
func (p *Provider) Reset() {
    for _, m := range p.set.Members() {
        p.set.Remove(m)
    }
    obsmetrics.Members.Set(0)
}

// Wait blocks until queued notifications ran, when the executor supports it.
func (p *Provider) Wait() {
    if w, ok := p.exec.(interface{ Wait() }); ok { w.Wait() }
}
