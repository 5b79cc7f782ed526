// Package dns discovers peers by resolving a service name every heartbeat.
// Resolved addresses carry no age, so every peer looks equally young.
package dns

import (
    "context"
    "errors"
    "fmt"
    "log"
    "net"
    "sort"
    "strconv"
    "strings"
    "time"

    mdns "github.com/miekg/dns"
    "github.com/hashicorp/go-multierror"

    "github.com/amirimatin/go-tribes/pkg/member"
    "github.com/amirimatin/go-tribes/pkg/membership/cloud"
)

// Options configures DNS discovery.
type Options struct {
    // Names are SRV records or hostnames to resolve.
    // Examples: "_tribes._tcp.example.com" (SRV) or "tribes.example.com" (A/AAAA).
    // Entries already in host:port form are taken as-is.
    Names []string

    // Port used for A/AAAA answers. Zero uses the local member's port.
    Port int

    // Nameserver ("host:port") sends queries straight to that server instead
    // of going through the system resolver.
    Nameserver string

    // Resolver optionally overrides the system resolver.
    Resolver *net.Resolver

    // Timeout bounds each lookup; defaults to cloud.DefaultReadTimeout.
    Timeout time.Duration

    // Logger optional.
    Logger *log.Logger
}

// FromEnv reads the service name from CLUSTER_DNS_SERVICE_NAME, falling back
// to DNS_MEMBERSHIP_SERVICE_NAME. Several names may be comma separated.
func FromEnv() (Options, error) {
    v := cloud.Getenv("CLUSTER_DNS_SERVICE_NAME", "DNS_MEMBERSHIP_SERVICE_NAME")
    if v == "" { return Options{}, errors.New("dns: no service name in CLUSTER_DNS_SERVICE_NAME or DNS_MEMBERSHIP_SERVICE_NAME") }
    return Options{Names: strings.Split(v, ",")}, nil
}

// Fetcher resolves Names into members.
type Fetcher struct {
    opts Options
}

func New(opts Options) (*Fetcher, error) {
    var names []string
    for _, n := range opts.Names {
        if n = strings.TrimSpace(n); n != "" { names = append(names, n) }
    }
    if len(names) == 0 { return nil, errors.New("dns: at least one name is required") }
    opts.Names = names
    if opts.Timeout <= 0 { opts.Timeout = cloud.DefaultReadTimeout }
    if opts.Logger == nil { opts.Logger = log.Default() }
    return &Fetcher{opts: opts}, nil
}

// FetchMembers returns one member per resolved address. It fails only when
// no name could be resolved.
func (d *Fetcher) FetchMembers(ctx context.Context, local *member.Member) ([]*member.Member, error) {
    port := d.opts.Port
    if port == 0 && local != nil { port = local.Port }
    addrs, err := d.resolveAll(ctx, port)
    if len(addrs) == 0 && err != nil { return nil, err }
    out := make([]*member.Member, 0, len(addrs))
    for _, hp := range addrs {
        host, ps, err := net.SplitHostPort(hp)
        if err != nil { continue }
        p, _ := strconv.Atoi(ps)
        m := member.New(host, p)
        m.UniqueID = member.DeriveID(host)
        if local != nil { m.Domain = append([]byte(nil), local.Domain...) }
        out = append(out, m)
    }
    return out, nil
}

func (d *Fetcher) resolveAll(ctx context.Context, port int) ([]string, error) {
    ctx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
    defer cancel()
    seen := make(map[string]struct{})
    var out []string
    var merr *multierror.Error
    add := func(hp string) {
        if _, ok := seen[hp]; ok { return }
        seen[hp] = struct{}{}
        out = append(out, hp)
    }
    for _, name := range d.opts.Names {
        // If already host:port, take as-is
        if strings.Contains(name, ":") && !strings.HasPrefix(name, "_") {
            add(name)
            continue
        }
        if strings.HasPrefix(name, "_") && strings.Contains(name, "._") {
            recs, err := d.lookupSRV(ctx, name)
            if err != nil { merr = multierror.Append(merr, err) }
            if len(recs) > 0 {
                for _, hp := range recs { add(hp) }
                continue
            }
        }
        hosts, err := d.lookupHost(ctx, name)
        if err != nil {
            merr = multierror.Append(merr, err)
            continue
        }
        for _, h := range hosts { add(net.JoinHostPort(h, strconv.Itoa(port))) }
    }
    sort.Strings(out)
    return out, merr.ErrorOrNil()
}

func (d *Fetcher) lookupSRV(ctx context.Context, fqdn string) ([]string, error) {
    type target struct {
        host string
        port uint16
    }
    var targets []target
    if d.opts.Nameserver != "" {
        ans, err := d.exchange(ctx, fqdn, mdns.TypeSRV)
        if err != nil { return nil, err }
        for _, rr := range ans {
            if srv, ok := rr.(*mdns.SRV); ok { targets = append(targets, target{srv.Target, srv.Port}) }
        }
    } else {
        svc, proto, domain := parseSRVName(fqdn)
        if svc == "" || proto == "" || domain == "" { return nil, fmt.Errorf("dns: malformed SRV name %q", fqdn) }
        _, addrs, err := d.resolver().LookupSRV(ctx, svc, proto, domain)
        if err != nil { return nil, fmt.Errorf("dns: SRV %s: %w", fqdn, err) }
        for _, a := range addrs {
            targets = append(targets, target{a.Target, a.Port})
        }
    }
    var out []string
    for _, t := range targets {
        host := strings.TrimSuffix(t.host, ".")
        ips, err := d.lookupHost(ctx, host)
        if err != nil || len(ips) == 0 { ips = []string{host} }
        for _, ip := range ips {
            out = append(out, net.JoinHostPort(ip, strconv.Itoa(int(t.port))))
        }
    }
    return out, nil
}

func (d *Fetcher) lookupHost(ctx context.Context, host string) ([]string, error) {
    if ip := net.ParseIP(host); ip != nil { return []string{ip.String()}, nil }
    if d.opts.Nameserver == "" {
        ips, err := d.resolver().LookupHost(ctx, host)
        if err != nil { return nil, fmt.Errorf("dns: lookup %s: %w", host, err) }
        return ips, nil
    }
    var out []string
    var merr *multierror.Error
    for _, qt := range []uint16{mdns.TypeA, mdns.TypeAAAA} {
        ans, err := d.exchange(ctx, host, qt)
        if err != nil {
            merr = multierror.Append(merr, err)
            continue
        }
        for _, rr := range ans {
            switch v := rr.(type) {
            case *mdns.A:
                out = append(out, v.A.String())
            case *mdns.AAAA:
                out = append(out, v.AAAA.String())
            }
        }
    }
    if len(out) == 0 { return nil, merr.ErrorOrNil() }
    return out, nil
}

func (d *Fetcher) exchange(ctx context.Context, name string, qtype uint16) ([]mdns.RR, error) {
    q := new(mdns.Msg)
    q.SetQuestion(mdns.Fqdn(name), qtype)
    c := &mdns.Client{Timeout: d.opts.Timeout}
    r, _, err := c.ExchangeContext(ctx, q, d.opts.Nameserver)
    if err != nil { return nil, fmt.Errorf("dns: %s %s via %s: %w", mdns.TypeToString[qtype], name, d.opts.Nameserver, err) }
    if r.Rcode != mdns.RcodeSuccess {
        return nil, fmt.Errorf("dns: %s %s via %s: %s", mdns.TypeToString[qtype], name, d.opts.Nameserver, mdns.RcodeToString[r.Rcode])
    }
    return r.Answer, nil
}

func (d *Fetcher) resolver() *net.Resolver {
    if d.opts.Resolver != nil { return d.opts.Resolver }
    return net.DefaultResolver
}

func parseSRVName(fqdn string) (service, proto, name string) {
    // Expect pattern: _service._proto.name
    parts := strings.SplitN(fqdn, ".", 3)
    if len(parts) < 3 { return "", "", "" }
    s := strings.TrimPrefix(parts[0], "_")
    p := strings.TrimPrefix(parts[1], "_")
    n := parts[2]
    return s, p, n
}

var _ cloud.Fetcher = (*Fetcher)(nil)
