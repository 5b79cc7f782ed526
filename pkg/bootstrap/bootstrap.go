// Package bootstrap assembles a group channel node from a flat Config:
// network transport, membership backend, interceptor stack and the
// management endpoint. Applications embed a node by calling Build or Run.
package bootstrap

import (
    "context"
    "crypto/tls"
    "encoding/hex"
    "errors"
    "fmt"
    "log"
    "strings"
    "time"

    "github.com/hashicorp/go-multierror"

    "github.com/amirimatin/go-tribes/pkg/channel"
    "github.com/amirimatin/go-tribes/pkg/channel/interceptors"
    "github.com/amirimatin/go-tribes/pkg/internal/logutil"
    "github.com/amirimatin/go-tribes/pkg/member"
    "github.com/amirimatin/go-tribes/pkg/membership"
    "github.com/amirimatin/go-tribes/pkg/membership/cloud"
    cdns "github.com/amirimatin/go-tribes/pkg/membership/cloud/dns"
    cetcd "github.com/amirimatin/go-tribes/pkg/membership/cloud/etcd"
    cfile "github.com/amirimatin/go-tribes/pkg/membership/cloud/file"
    ckube "github.com/amirimatin/go-tribes/pkg/membership/cloud/kubernetes"
    cstatic "github.com/amirimatin/go-tribes/pkg/membership/cloud/static"
    ml "github.com/amirimatin/go-tribes/pkg/membership/memberlist"
    "github.com/amirimatin/go-tribes/pkg/message"
    obsmetrics "github.com/amirimatin/go-tribes/pkg/observability/metrics"
    tlsx "github.com/amirimatin/go-tribes/pkg/security/tlsconfig"
    "github.com/amirimatin/go-tribes/pkg/transport"
    tgrpc "github.com/amirimatin/go-tribes/pkg/transport/grpc"
    "github.com/amirimatin/go-tribes/pkg/transport/httpjson"
    "github.com/amirimatin/go-tribes/pkg/transport/udp"
)

// Membership kinds understood by Build.
const (
    KindMemberlist = "memberlist"
    KindDNS        = "dns"
    KindKubernetes = "kubernetes"
    KindEtcd       = "etcd"
    KindStatic     = "static"
    KindFile       = "file"
)

// Config defines high-level inputs to assemble a node with sensible
// defaults.
type Config struct {
    // Name labels the channel in logs and status output.
    Name string

    // Transport addresses: Bind is host:port for inbound messages,
    // Advertise the host peers should use.
    Bind      string
    Advertise string
    // UDPBind enables the datagram path for messages sent with the UDP
    // option.
    UDPBind string

    // Membership selects the backend: memberlist (default), dns,
    // kubernetes, etcd, static or file.
    Membership string
    Domain     string
    // Expiration is the silence window of directory based backends.
    Expiration time.Duration

    // Gossip settings (memberlist).
    GossipBind      string
    GossipAdvertise string
    GossipKey       string // hex, 16/24/32 bytes

    // SeedsCSV lists gossip seeds for memberlist and peers for static.
    SeedsCSV string

    // DNS settings; empty names fall back to the environment.
    DNSNamesCSV   string
    DNSPort       int
    DNSNameserver string

    // File settings, also used as memberlist seed source when set.
    FilePath    string
    FileEnv     string
    FileRefresh time.Duration

    // Etcd settings.
    EtcdEndpointsCSV string
    EtcdPrefix       string
    EtcdTTL          time.Duration

    // Interceptors is a chain spec such as "gzip;encrypt(key=...)".
    Interceptors      string
    HeartbeatInterval time.Duration

    // MgmtAddr enables the management HTTP endpoint when set.
    MgmtAddr string

    // TLS (optional) for the transport and the management endpoint.
    TLSEnable     bool
    TLSCA         string
    TLSCert       string
    TLSKey        string
    TLSServerName string
    TLSSkipVerify bool

    // Logger (optional). If nil, log.Default() is used.
    Logger *log.Logger
}

// Node is an assembled, possibly running, group member.
type Node struct {
    Channel    *channel.GroupChannel
    Membership membership.Service
    Mgmt       *httpjson.Server

    logger  *log.Logger
    closers []func() error
}

// Build assembles a Node from Config without starting it.
func Build(cfg Config) (*Node, error) {
    if cfg.Logger == nil { cfg.Logger = log.Default() }
    if cfg.Bind == "" { cfg.Bind = ":4000" }
    if cfg.Membership == "" { cfg.Membership = KindMemberlist }

    var srvTLS, cliTLS *tls.Config
    if cfg.TLSEnable {
        topts := tlsx.Options{Enable: true, CAFile: cfg.TLSCA, CertFile: cfg.TLSCert, KeyFile: cfg.TLSKey,
            InsecureSkipVerify: cfg.TLSSkipVerify, ServerName: cfg.TLSServerName, Reload: true}
        var err error
        if srvTLS, err = topts.Server(); err != nil { return nil, err }
        if cliTLS, err = topts.Client(); err != nil { return nil, err }
    }

    n := &Node{logger: cfg.Logger}
    mbr, err := n.buildMembership(cfg)
    if err != nil { return nil, err }
    n.Membership = mbr

    var (
        rx transport.Receiver = tgrpc.NewReceiver(tgrpc.ReceiverOptions{Bind: cfg.Bind, Advertise: cfg.Advertise, TLS: srvTLS, Logger: cfg.Logger})
        tx transport.Sender   = tgrpc.NewSender(tgrpc.SenderOptions{TLS: cliTLS, Logger: cfg.Logger})
    )
    if cfg.UDPBind != "" {
        rx = transport.NewReceiverPair(rx, udp.NewReceiver(cfg.UDPBind, cfg.Advertise, cfg.Logger))
        tx = transport.NewRoutedSender(tx, udp.NewSender(cfg.Logger))
    }
    ch, err := channel.New(channel.Options{
        Name:              cfg.Name,
        Receiver:          rx,
        Sender:            tx,
        Membership:        mbr,
        Logger:            cfg.Logger,
        HeartbeatInterval: cfg.HeartbeatInterval,
    })
    if err != nil { return nil, n.closeAll(err) }
    links, err := interceptors.NewRegistry(cfg.Logger).Build(cfg.Interceptors)
    if err != nil { return nil, n.closeAll(fmt.Errorf("interceptors: %w", err)) }
    if cfg.Domain != "" && !hasLink(cfg.Interceptors, "domain") {
        links = append(links, interceptors.NewDomain(cfg.Domain, cfg.Logger))
    }
    for _, ic := range links {
        if err := ch.AddInterceptor(ic); err != nil { return nil, n.closeAll(err) }
    }
    n.Channel = ch

    if cfg.MgmtAddr != "" {
        n.Mgmt = httpjson.NewServer(cfg.MgmtAddr, cfg.Logger)
        if srvTLS != nil { n.Mgmt.UseTLS(srvTLS) }
    }
    return n, nil
}

func hasLink(spec, name string) bool {
    specs, _ := channel.ParseInterceptors(spec)
    for _, s := range specs {
        if strings.EqualFold(s.Name, name) { return true }
    }
    return false
}

func (n *Node) buildMembership(cfg Config) (membership.Service, error) {
    local := member.New("", 0)
    local.Domain = []byte(cfg.Domain)
    cloudService := func(name string, f cloud.Fetcher) (membership.Service, error) {
        return cloud.NewService(cloud.Options{Fetcher: f, Name: name, Expiration: cfg.Expiration, Local: local, Logger: cfg.Logger})
    }

    switch strings.ToLower(cfg.Membership) {
    case KindMemberlist:
        opts := ml.Options{
            Bind:      cfg.GossipBind,
            Advertise: cfg.GossipAdvertise,
            Seeds:     cstatic.Parse(cfg.SeedsCSV),
            Domain:    []byte(cfg.Domain),
            Logger:    cfg.Logger,
        }
        if opts.Bind == "" { opts.Bind = ":7946" }
        if cfg.FilePath != "" || cfg.FileEnv != "" {
            opts.SeedSource = cfile.New(cfile.Options{Path: cfg.FilePath, Env: cfg.FileEnv, Refresh: cfg.FileRefresh, Logger: cfg.Logger})
        }
        if cfg.GossipKey != "" {
            key, err := hex.DecodeString(cfg.GossipKey)
            if err != nil { return nil, fmt.Errorf("gossip key: %w", err) }
            opts.SecretKey = key
        }
        return ml.New(opts)
    case KindDNS:
        var opts cdns.Options
        if cfg.DNSNamesCSV != "" {
            opts.Names = cloud.SplitList(cfg.DNSNamesCSV)
        } else {
            var err error
            if opts, err = cdns.FromEnv(); err != nil { return nil, err }
        }
        opts.Port, opts.Nameserver, opts.Logger = cfg.DNSPort, cfg.DNSNameserver, cfg.Logger
        f, err := cdns.New(opts)
        if err != nil { return nil, err }
        return cloudService(KindDNS, f)
    case KindKubernetes:
        opts, err := ckube.FromEnv()
        if err != nil { return nil, err }
        opts.Logger = cfg.Logger
        f, err := ckube.New(opts)
        if err != nil { return nil, err }
        return cloudService(KindKubernetes, f)
    case KindEtcd:
        reg, err := cetcd.New(cetcd.Options{
            Endpoints: cloud.SplitList(cfg.EtcdEndpointsCSV),
            Prefix:    cfg.EtcdPrefix,
            TTL:       cfg.EtcdTTL,
            Logger:    cfg.Logger,
        })
        if err != nil { return nil, err }
        n.closers = append(n.closers, reg.Close)
        return cloudService(KindEtcd, reg)
    case KindStatic:
        return cloudService(KindStatic, cstatic.New(cstatic.Parse(cfg.SeedsCSV)...).WithLogger(cfg.Logger))
    case KindFile:
        return cloudService(KindFile, cfile.New(cfile.Options{Path: cfg.FilePath, Env: cfg.FileEnv, Refresh: cfg.FileRefresh, Logger: cfg.Logger}))
    default:
        return nil, fmt.Errorf("unknown membership kind %q", cfg.Membership)
    }
}

// Start starts every channel service and the management endpoint.
func (n *Node) Start(ctx context.Context) error {
    obsmetrics.Register()
    if err := n.Channel.Start(ctx, channel.Default); err != nil { return err }
    if n.Mgmt != nil {
        err := n.Mgmt.Start(ctx, httpjson.Handlers{
            Status: n.Channel.StatusJSON,
            Health: n.health,
            Send:   n.SendBytes,
        })
        if err != nil {
            _ = n.Channel.Stop(channel.Default)
            return err
        }
    }
    logutil.Infof(n.logger, "bootstrap: node %s started", n.Channel.LocalMember(false).Name())
    return nil
}

func (n *Node) health(ctx context.Context) error {
    if st := n.Channel.State(); st != channel.StateStarted { return fmt.Errorf("channel %s", st) }
    return nil
}

// SendBytes sends payload as a byte message to every current member.
func (n *Node) SendBytes(ctx context.Context, payload []byte) error {
    return n.send(ctx, payload, message.OptDefault)
}

// SendDatagram is SendBytes over the UDP path; it needs Config.UDPBind.
func (n *Node) SendDatagram(ctx context.Context, payload []byte) error {
    return n.send(ctx, payload, message.OptUDP)
}

func (n *Node) send(ctx context.Context, payload []byte, options int) error {
    members := n.Channel.Members()
    if len(members) == 0 { return errors.New("no members to send to") }
    _, err := n.Channel.Send(ctx, members, message.ByteMessage(payload), options)
    return err
}

// Close stops the node and releases what Build opened.
func (n *Node) Close() error {
    var merr *multierror.Error
    if n.Mgmt != nil {
        if err := n.Mgmt.Stop(context.Background()); err != nil { merr = multierror.Append(merr, err) }
    }
    if n.Channel != nil && n.Channel.State() == channel.StateStarted {
        if err := n.Channel.Stop(channel.Default); err != nil { merr = multierror.Append(merr, err) }
    }
    if err := n.closeAll(nil); err != nil { merr = multierror.Append(merr, err) }
    return merr.ErrorOrNil()
}

func (n *Node) closeAll(cause error) error {
    var merr *multierror.Error
    if cause != nil { merr = multierror.Append(merr, cause) }
    for _, c := range n.closers {
        if err := c(); err != nil { merr = multierror.Append(merr, err) }
    }
    n.closers = nil
    return merr.ErrorOrNil()
}

// Run builds and starts a node. The caller is responsible for calling
// Close when finished.
func Run(ctx context.Context, cfg Config) (*Node, error) {
    n, err := Build(cfg)
    if err != nil { return nil, err }
    if err := n.Start(ctx); err != nil {
        _ = n.Close()
        return nil, err
    }
    return n, nil
}
