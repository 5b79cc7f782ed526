// Package etcd keeps the member directory in etcd. Each process registers
// itself under a lease so a crashed member drops out once the lease expires.
package etcd

import (
    "context"
    "encoding/hex"
    "encoding/json"
    "errors"
    "fmt"
    "log"
    "strings"
    "sync"
    "time"

    clientv3 "go.etcd.io/etcd/client/v3"
    "go.uber.org/zap"

    "github.com/amirimatin/go-tribes/pkg/internal/logutil"
    "github.com/amirimatin/go-tribes/pkg/member"
    "github.com/amirimatin/go-tribes/pkg/membership/cloud"
)

const DefaultPrefix = "/tribes/members/"

// Options configures the registry.
type Options struct {
    Endpoints   []string
    DialTimeout time.Duration
    // Prefix namespaces the registration keys.
    Prefix string
    // TTL of the registration lease; defaults to 10s.
    TTL time.Duration

    // Client reuses an existing connection. KV and Lease override it.
    Client *clientv3.Client
    KV     clientv3.KV
    Lease  clientv3.Lease

    Logger *log.Logger
}

// record is the value stored per member.
type record struct {
    Host       string    `json:"host"`
    Port       int       `json:"port"`
    SecurePort int       `json:"securePort"`
    UDPPort    int       `json:"udpPort"`
    ID         string    `json:"id,omitempty"`
    Domain     string    `json:"domain,omitempty"`
    Started    time.Time `json:"started"`
}

// Registry fetches and announces members.
type Registry struct {
    opts   Options
    kv     clientv3.KV
    lease  clientv3.Lease
    owned  *clientv3.Client
    logger *log.Logger
    start  time.Time

    mu      sync.Mutex
    leaseID clientv3.LeaseID
    local   *member.Member
}

func New(opts Options) (*Registry, error) {
    if opts.Prefix == "" { opts.Prefix = DefaultPrefix }
    if !strings.HasSuffix(opts.Prefix, "/") { opts.Prefix += "/" }
    if opts.TTL <= 0 { opts.TTL = 10 * time.Second }
    if opts.DialTimeout <= 0 { opts.DialTimeout = 5 * time.Second }
    if opts.Logger == nil { opts.Logger = log.Default() }
    r := &Registry{opts: opts, kv: opts.KV, lease: opts.Lease, logger: opts.Logger, start: time.Now()}
    if r.kv == nil || r.lease == nil {
        cli := opts.Client
        if cli == nil {
            if len(opts.Endpoints) == 0 { return nil, errors.New("etcd: endpoints are required") }
            var err error
            cli, err = clientv3.New(clientv3.Config{
                Endpoints:   opts.Endpoints,
                DialTimeout: opts.DialTimeout,
                Logger:      zap.NewNop(),
            })
            if err != nil { return nil, fmt.Errorf("etcd: connect: %w", err) }
            r.owned = cli
        }
        if r.kv == nil { r.kv = cli.KV }
        if r.lease == nil { r.lease = cli.Lease }
    }
    return r, nil
}

// Close releases a connection the registry opened itself.
func (r *Registry) Close() error {
    if r.owned == nil { return nil }
    return r.owned.Close()
}

func (r *Registry) FetchMembers(ctx context.Context, local *member.Member) ([]*member.Member, error) {
    resp, err := r.kv.Get(ctx, r.opts.Prefix, clientv3.WithPrefix())
    if err != nil { return nil, fmt.Errorf("etcd: list %s: %w", r.opts.Prefix, err) }
    now := time.Now()
    out := make([]*member.Member, 0, len(resp.Kvs))
    for _, kv := range resp.Kvs {
        var rec record
        if err := json.Unmarshal(kv.Value, &rec); err != nil || rec.Host == "" {
            logutil.Warnf(r.logger, "etcd: skipping malformed entry %s", kv.Key)
            continue
        }
        m := member.New(rec.Host, rec.Port)
        m.SecurePort, m.UDPPort = rec.SecurePort, rec.UDPPort
        if id, err := hex.DecodeString(rec.ID); err == nil && len(id) > 0 { m.UniqueID = id }
        m.Domain = []byte(rec.Domain)
        if !rec.Started.IsZero() && now.After(rec.Started) { m.AliveTime = now.Sub(rec.Started) }
        out = append(out, m)
    }
    return out, nil
}

func (r *Registry) key(m *member.Member) string { return r.opts.Prefix + m.Addr() }

// Announce registers local under a fresh lease.
func (r *Registry) Announce(ctx context.Context, local *member.Member) error {
    r.mu.Lock()
    defer r.mu.Unlock()
    rec := record{
        Host: local.Host, Port: local.Port, SecurePort: local.SecurePort, UDPPort: local.UDPPort,
        Domain: string(local.Domain), Started: r.start,
    }
    if local.HasID() { rec.ID = hex.EncodeToString(local.UniqueID) }
    val, err := json.Marshal(rec)
    if err != nil { return err }
    grant, err := r.lease.Grant(ctx, int64(r.opts.TTL/time.Second))
    if err != nil { return fmt.Errorf("etcd: grant lease: %w", err) }
    if _, err := r.kv.Put(ctx, r.key(local), string(val), clientv3.WithLease(grant.ID)); err != nil {
        return fmt.Errorf("etcd: register %s: %w", local.Addr(), err)
    }
    r.leaseID = grant.ID
    r.local = local.Clone()
    logutil.Infof(r.logger, "etcd: registered %s under lease %x", local.Addr(), int64(grant.ID))
    return nil
}

// Refresh keeps the lease alive and registers again if it was lost.
func (r *Registry) Refresh(ctx context.Context) error {
    r.mu.Lock()
    id, local := r.leaseID, r.local
    r.mu.Unlock()
    if local == nil { return nil }
    if _, err := r.lease.KeepAliveOnce(ctx, id); err != nil {
        logutil.Warnf(r.logger, "etcd: lease %x lost (%v), registering again", int64(id), err)
        return r.Announce(ctx, local)
    }
    return nil
}

// Withdraw revokes the lease, which removes the registration.
func (r *Registry) Withdraw(ctx context.Context) error {
    r.mu.Lock()
    defer r.mu.Unlock()
    if r.local == nil { return nil }
    _, err := r.lease.Revoke(ctx, r.leaseID)
    r.local, r.leaseID = nil, 0
    if err != nil { return fmt.Errorf("etcd: revoke lease: %w", err) }
    return nil
}

var (
    _ cloud.Fetcher   = (*Registry)(nil)
    _ cloud.Announcer = (*Registry)(nil)
    _ cloud.Refresher = (*Registry)(nil)
)
