package cli

import (
    "context"
    "crypto/tls"
    "encoding/json"
    "fmt"
    "log"
    "os"
    "os/signal"
    "syscall"
    "time"

    "github.com/spf13/cobra"

    "github.com/amirimatin/go-tribes/pkg/bootstrap"
    "github.com/amirimatin/go-tribes/pkg/member"
    "github.com/amirimatin/go-tribes/pkg/message"
    tracing "github.com/amirimatin/go-tribes/pkg/observability/tracing"
    tlsx "github.com/amirimatin/go-tribes/pkg/security/tlsconfig"
    httpjson "github.com/amirimatin/go-tribes/pkg/transport/httpjson"
)

// AddAll attaches the group subcommands (run/status/send) to the provided root command.
func AddAll(root *cobra.Command) {
    root.AddCommand(NewRunCmd())
    root.AddCommand(NewStatusCmd())
    root.AddCommand(NewSendCmd())
}

// NewGroupCommand returns a parent command "group" containing run/status/send as subcommands.
func NewGroupCommand() *cobra.Command {
    parent := &cobra.Command{Use: "group", Short: "group channel commands"}
    AddAll(parent)
    return parent
}

// printer writes received byte messages to stdout.
type printer struct{ out *log.Logger }

func (p printer) Accept(payload any, src *member.Member) bool {
    _, ok := payload.(message.ByteMessage)
    return ok
}

func (p printer) MessageReceived(payload any, src *member.Member) error {
    p.out.Printf("MESSAGE from=%s payload=%q", src.Name(), string(payload.(message.ByteMessage)))
    return nil
}

type tlsFlags struct {
    enable, skip              bool
    ca, cert, key, serverName string
}

func (f *tlsFlags) bind(cmd *cobra.Command, role string) {
    cmd.Flags().BoolVar(&f.enable, "tls-enable", false, "enable mTLS for transport and management")
    cmd.Flags().StringVar(&f.ca, "tls-ca", "", "path to CA cert (PEM)")
    cmd.Flags().StringVar(&f.cert, "tls-cert", "", "path to "+role+" certificate (PEM)")
    cmd.Flags().StringVar(&f.key, "tls-key", "", "path to "+role+" private key (PEM)")
    cmd.Flags().BoolVar(&f.skip, "tls-skip-verify", false, "skip server cert verification (DEV ONLY)")
    cmd.Flags().StringVar(&f.serverName, "tls-server-name", "", "expected server name (for TLS validation)")
}

func (f *tlsFlags) client() (*tls.Config, error) {
    if !f.enable { return nil, nil }
    topts := tlsx.Options{Enable: true, CAFile: f.ca, CertFile: f.cert, KeyFile: f.key, InsecureSkipVerify: f.skip, ServerName: f.serverName}
    cfg, err := topts.Client()
    if err != nil { return nil, fmt.Errorf("tls client config: %w", err) }
    return cfg, nil
}

// NewRunCmd returns the "run" command used to start a group member.
func NewRunCmd() *cobra.Command {
    var (
        cfg         bootstrap.Config
        tf          tlsFlags
        traceEnable bool
        ping        time.Duration
    )
    cmd := &cobra.Command{
        Use:   "run",
        Short: "Run a group member",
        RunE: func(cmd *cobra.Command, args []string) error {
            ctx, cancel := signalContext()
            defer cancel()

            if traceEnable {
                shutdown, err := tracing.Setup(true)
                if err != nil {
                    log.Printf("tracing setup error: %v", err)
                } else {
                    defer func() { _ = shutdown(context.Background()) }()
                }
            }

            cfg.TLSEnable, cfg.TLSCA, cfg.TLSCert, cfg.TLSKey = tf.enable, tf.ca, tf.cert, tf.key
            cfg.TLSServerName, cfg.TLSSkipVerify = tf.serverName, tf.skip
            cfg.Logger = log.Default()
            n, err := bootstrap.Run(ctx, cfg)
            if err != nil { return err }
            defer n.Close()

            out := log.New(os.Stdout, "", log.LstdFlags)
            n.Channel.AddChannelListener(printer{out: out})
            evs := n.Channel.Subscribe(ctx)
            go func() {
                for e := range evs {
                    if e.Member != nil {
                        out.Printf("EVENT type=%s member=%s", e.Type, e.Member.Name())
                    } else {
                        out.Printf("EVENT type=%s level=%d", e.Type, e.Level)
                    }
                }
            }()
            if ping > 0 { go pingLoop(ctx, n, ping) }

            fmt.Printf("member %s running. Press Ctrl+C to exit.\n", n.Channel.LocalMember(false).Name())
            <-ctx.Done()
            return nil
        },
    }
    f := cmd.Flags()
    f.StringVar(&cfg.Name, "name", "tribes", "channel name")
    f.StringVar(&cfg.Bind, "bind", ":4000", "message transport bind addr (host:port)")
    f.StringVar(&cfg.Advertise, "advertise", "", "host advertised to peers (optional)")
    f.StringVar(&cfg.UDPBind, "udp-bind", "", "datagram bind addr for UDP-option messages (optional)")
    f.StringVar(&cfg.Membership, "membership", bootstrap.KindMemberlist, "membership backend: memberlist|dns|kubernetes|etcd|static|file")
    f.StringVar(&cfg.Domain, "domain", "", "membership domain; members of other domains are ignored")
    f.DurationVar(&cfg.Expiration, "expiration", 0, "silence window for directory backends (default 5s)")
    f.StringVar(&cfg.GossipBind, "gossip-bind", ":7946", "gossip bind addr (memberlist)")
    f.StringVar(&cfg.GossipAdvertise, "gossip-adv", "", "gossip advertise addr (host:port, optional)")
    f.StringVar(&cfg.GossipKey, "gossip-key", "", "hex gossip encryption key (16, 24 or 32 bytes)")
    f.StringVar(&cfg.SeedsCSV, "join", "", "comma-separated seeds: gossip addrs for memberlist, members for static")
    f.StringVar(&cfg.DNSNamesCSV, "dns-names", "", "comma-separated DNS names or SRV records (e.g., _tribes._tcp.example.com)")
    f.IntVar(&cfg.DNSPort, "dns-port", 0, "port used for A/AAAA lookups (default: local port)")
    f.StringVar(&cfg.DNSNameserver, "dns-server", "", "nameserver host:port queried directly (optional)")
    f.StringVar(&cfg.FilePath, "file-path", "", "path or glob to a file with members (one per line or CSV)")
    f.StringVar(&cfg.FileEnv, "file-env", "", "ENV var name containing CSV members; overrides file when set")
    f.DurationVar(&cfg.FileRefresh, "file-refresh", 5*time.Second, "file cache duration")
    f.StringVar(&cfg.EtcdEndpointsCSV, "etcd-endpoints", "127.0.0.1:2379", "comma-separated etcd endpoints")
    f.StringVar(&cfg.EtcdPrefix, "etcd-prefix", "", "etcd key prefix for registrations")
    f.DurationVar(&cfg.EtcdTTL, "etcd-ttl", 0, "etcd registration lease TTL")
    f.StringVar(&cfg.Interceptors, "interceptors", "", "interceptor chain, e.g. gzip;encrypt(key=...)")
    f.DurationVar(&cfg.HeartbeatInterval, "heartbeat", 0, "channel heartbeat interval (default 5s)")
    f.StringVar(&cfg.MgmtAddr, "mgmt-addr", ":17946", "management HTTP address, empty disables it")
    f.BoolVar(&traceEnable, "trace", false, "enable OpenTelemetry stdout tracing (dev)")
    f.DurationVar(&ping, "ping", 0, "send a ping message to the group at this interval (0 disables)")
    tf.bind(cmd, "node")
    return cmd
}

func pingLoop(ctx context.Context, n *bootstrap.Node, every time.Duration) {
    t := time.NewTicker(every)
    defer t.Stop()
    seq := 0
    for {
        select {
        case <-ctx.Done():
            return
        case <-t.C:
            if !n.Channel.HasMembers() { continue }
            seq++
            payload := fmt.Sprintf("ping %d from %s", seq, n.Channel.LocalMember(false).Name())
            if err := n.SendBytes(ctx, []byte(payload)); err != nil { log.Printf("ping: %v", err) }
        }
    }
}

// NewStatusCmd returns the "status" command.
func NewStatusCmd() *cobra.Command {
    var (
        addr    string
        timeout time.Duration
        tf      tlsFlags
    )
    cmd := &cobra.Command{
        Use:   "status",
        Short: "Fetch channel status as JSON",
        RunE: func(cmd *cobra.Command, args []string) error {
            cliTLS, err := tf.client()
            if err != nil { return err }
            ctx, cancel := context.WithTimeout(context.Background(), timeout)
            defer cancel()
            client := httpjson.NewClient(timeout)
            if cliTLS != nil { client.UseTLS(cliTLS) }
            data, err := client.GetStatus(ctx, addr)
            if err != nil { return fmt.Errorf("status error: %w", err) }
            os.Stdout.Write(data)
            if len(data) == 0 || data[len(data)-1] != '\n' { os.Stdout.Write([]byte("\n")) }
            return nil
        },
    }
    cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:17946", "management HTTP address of a node (host:port)")
    cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Second, "request timeout")
    tf.bind(cmd, "client")
    return cmd
}

// NewSendCmd returns the "send" command.
func NewSendCmd() *cobra.Command {
    var (
        addr    string
        timeout time.Duration
        tf      tlsFlags
    )
    cmd := &cobra.Command{
        Use:   "send <payload>",
        Short: "Ask a node to send a message to its group",
        Args:  cobra.ExactArgs(1),
        RunE: func(cmd *cobra.Command, args []string) error {
            cliTLS, err := tf.client()
            if err != nil { return err }
            client := httpjson.NewClient(timeout)
            if cliTLS != nil { client.UseTLS(cliTLS) }
            ctx, cancel := context.WithTimeout(context.Background(), timeout)
            defer cancel()
            resp, err := client.PostSend(ctx, addr, []byte(args[0]))
            if err != nil { return fmt.Errorf("send error: %w", err) }
            return json.NewEncoder(cmd.OutOrStdout()).Encode(resp)
        },
    }
    cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:17946", "management HTTP address of a node (host:port)")
    cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Second, "request timeout")
    tf.bind(cmd, "client")
    return cmd
}

func signalContext() (context.Context, context.CancelFunc) {
    ctx, cancel := context.WithCancel(context.Background())
    go func() {
        ch := make(chan os.Signal, 1)
        signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
        <-ch
        cancel()
    }()
    return ctx, cancel
}
