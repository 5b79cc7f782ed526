// Package kubernetes discovers peers by listing the pods of a namespace
// through the orchestrator API.
package kubernetes

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "log"
    "net"
    "net/url"
    "path"
    "strconv"
    "time"

    "github.com/amirimatin/go-tribes/pkg/internal/logutil"
    "github.com/amirimatin/go-tribes/pkg/member"
    "github.com/amirimatin/go-tribes/pkg/membership/cloud"
    "github.com/amirimatin/go-tribes/pkg/membership/cloud/stream"
)

// Options configures the pod listing. FromEnv fills it from the environment.
type Options struct {
    Namespace  string
    Host       string
    Port       int
    Protocol   string
    APIVersion string
    // Labels is a label selector, e.g. "app=tribes".
    Labels string

    CAFile    string
    CertFile  string
    KeyFile   string
    TokenFile string

    // Stream overrides the provider chosen from the credentials above.
    Stream         stream.Provider
    ConnectTimeout time.Duration
    ReadTimeout    time.Duration
    // MemberPort is the port peers listen on. Zero uses the local port.
    MemberPort int
    Logger     *log.Logger
}

func (o Options) Validate() error {
    if o.Namespace == "" { return errors.New("kubernetes: namespace is required") }
    if o.Host == "" { return errors.New("kubernetes: master host is required") }
    if o.Port <= 0 || o.Port > 65535 { return fmt.Errorf("kubernetes: invalid master port %d", o.Port) }
    return nil
}

// FromEnv reads the namespace, master address, credentials and selector from
// CLUSTER_KUBE_* variables with the usual orchestrator names as fallback.
func FromEnv() (Options, error) {
    o := Options{
        Namespace:  cloud.Getenv("CLUSTER_KUBE_NAMESPACE", "KUBERNETES_NAMESPACE"),
        Host:       cloud.Getenv("CLUSTER_KUBE_MASTER_HOST", "KUBERNETES_SERVICE_HOST"),
        Protocol:   cloud.GetenvDefault("https", "CLUSTER_KUBE_MASTER_PROTOCOL", "KUBERNETES_MASTER_PROTOCOL"),
        APIVersion: cloud.GetenvDefault("v1", "CLUSTER_KUBE_API_VERSION", "KUBERNETES_API_VERSION"),
        Labels:     cloud.Getenv("CLUSTER_KUBE_LABELS", "KUBERNETES_LABELS"),
        CertFile:   cloud.Getenv("CLUSTER_KUBE_CLIENT_CERT_FILE", "KUBERNETES_CLIENT_CERTIFICATE_FILE"),
        KeyFile:    cloud.Getenv("CLUSTER_KUBE_CLIENT_KEY_FILE", "KUBERNETES_CLIENT_KEY_FILE"),
        CAFile: cloud.GetenvDefault(cloud.FileIfExists(path.Join(cloud.ServiceAccountDir, "ca.crt")),
            "CLUSTER_KUBE_CA_CERT_FILE", "KUBERNETES_CA_CERTIFICATE_FILE"),
        TokenFile: cloud.GetenvDefault(cloud.FileIfExists(path.Join(cloud.ServiceAccountDir, "token")),
            "CLUSTER_KUBE_SA_TOKEN_FILE", "SA_TOKEN_FILE"),
    }
    port := cloud.GetenvDefault("443", "CLUSTER_KUBE_MASTER_PORT", "KUBERNETES_SERVICE_PORT")
    p, err := strconv.Atoi(port)
    if err != nil { return o, fmt.Errorf("kubernetes: invalid master port %q", port) }
    o.Port = p
    return o, o.Validate()
}

// Fetcher lists running pods.
type Fetcher struct {
    opts      Options
    url       string
    stream    stream.Provider
    startTime time.Time
    logger    *log.Logger
}

func New(opts Options) (*Fetcher, error) {
    if err := opts.Validate(); err != nil { return nil, err }
    if opts.Protocol == "" { opts.Protocol = "https" }
    if opts.APIVersion == "" { opts.APIVersion = "v1" }
    if opts.ConnectTimeout <= 0 { opts.ConnectTimeout = cloud.DefaultConnectTimeout }
    if opts.ReadTimeout <= 0 { opts.ReadTimeout = cloud.DefaultReadTimeout }
    if opts.Logger == nil { opts.Logger = log.Default() }
    f := &Fetcher{opts: opts, startTime: time.Now(), logger: opts.Logger, stream: opts.Stream}
    f.url = podsURL(opts)
    if f.stream == nil {
        var err error
        if opts.CertFile != "" && opts.KeyFile != "" {
            f.stream, err = stream.NewCertificate(opts.CertFile, opts.KeyFile, opts.CAFile, opts.Logger)
        } else {
            f.stream, err = stream.NewToken(opts.TokenFile, opts.CAFile, opts.Logger)
        }
        if err != nil { return nil, err }
    }
    return f, nil
}

func podsURL(o Options) string {
    u := url.URL{
        Scheme: o.Protocol,
        Host:   net.JoinHostPort(o.Host, strconv.Itoa(o.Port)),
        Path:   path.Join("/api", o.APIVersion, "namespaces", o.Namespace, "pods"),
    }
    if o.Labels != "" { u.RawQuery = url.Values{"labelSelector": {o.Labels}}.Encode() }
    return u.String()
}

// URL returns the pod listing endpoint.
func (f *Fetcher) URL() string { return f.url }

type podList struct {
    Items []pod `json:"items"`
}

type pod struct {
    Kind     string `json:"kind"`
    Metadata struct {
        Name              string `json:"name"`
        UID               string `json:"uid"`
        CreationTimestamp string `json:"creationTimestamp"`
    } `json:"metadata"`
    Status struct {
        Phase string `json:"phase"`
        PodIP string `json:"podIP"`
    } `json:"status"`
}

func (f *Fetcher) FetchMembers(ctx context.Context, local *member.Member) ([]*member.Member, error) {
    rc, err := f.stream.Open(ctx, f.url, map[string]string{"Accept": "application/json"}, f.opts.ConnectTimeout, f.opts.ReadTimeout)
    if err != nil { return nil, err }
    defer rc.Close()
    var list podList
    if err := json.NewDecoder(rc).Decode(&list); err != nil { return nil, fmt.Errorf("kubernetes: decode pod list: %w", err) }

    port := f.opts.MemberPort
    if port == 0 && local != nil { port = local.Port }
    out := make([]*member.Member, 0, len(list.Items))
    for i, p := range list.Items {
        if p.Kind != "" && p.Kind != "Pod" { continue }
        if p.Status.Phase != "Running" { continue }
        if p.Metadata.Name == "" || p.Status.PodIP == "" || p.Metadata.CreationTimestamp == "" {
            logutil.Warnf(f.logger, "kubernetes: skipping pod %d %q: missing name, podIP or creationTimestamp", i, p.Metadata.Name)
            continue
        }
        created, err := time.Parse(time.RFC3339, p.Metadata.CreationTimestamp)
        if err != nil {
            logutil.Warnf(f.logger, "kubernetes: skipping pod %s: bad creationTimestamp: %v", p.Metadata.Name, err)
            continue
        }
        m := member.New(p.Status.PodIP, port)
        idSource := p.Metadata.UID
        if idSource == "" { idSource = p.Status.PodIP }
        m.UniqueID = member.DeriveID(idSource)
        if alive := f.startTime.Sub(created); alive > 0 { m.AliveTime = alive }
        if local != nil { m.Domain = append([]byte(nil), local.Domain...) }
        out = append(out, m)
    }
    return out, nil
}

var _ cloud.Fetcher = (*Fetcher)(nil)
