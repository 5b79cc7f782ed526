// Package stream opens authenticated HTTP(S) streams to a discovery backend.
package stream

import (
    "context"
    "crypto/tls"
    "fmt"
    "io"
    "log"
    "net"
    "net/http"
    "os"
    "strings"
    "time"

    "github.com/amirimatin/go-tribes/pkg/internal/logutil"
    "github.com/amirimatin/go-tribes/pkg/security/tlsconfig"
)

// Provider opens a response body stream for a GET request.
type Provider interface {
    Open(ctx context.Context, url string, headers map[string]string, connectTimeout, readTimeout time.Duration) (io.ReadCloser, error)
}

// trust builds the client TLS config shared by every variant. Without a CA
// bundle the server certificate is not verified.
func trust(caFile string, logger *log.Logger) (*tls.Config, error) {
    if caFile == "" {
        logutil.Warnf(logger, "stream: no CA certificate configured, server certificates will not be verified")
        return tlsconfig.Insecure(), nil
    }
    pool, err := tlsconfig.CertPool(caFile)
    if err != nil { return nil, fmt.Errorf("stream: load CA %s: %w", caFile, err) }
    return &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}, nil
}

// open performs the request with a one-shot transport so the timeouts apply
// per call.
func open(ctx context.Context, cfg *tls.Config, url string, headers map[string]string, connectTimeout, readTimeout time.Duration) (io.ReadCloser, error) {
    tr := &http.Transport{
        DialContext:           (&net.Dialer{Timeout: connectTimeout}).DialContext,
        TLSClientConfig:       cfg,
        TLSHandshakeTimeout:   connectTimeout,
        ResponseHeaderTimeout: readTimeout,
        DisableKeepAlives:     true,
        Proxy:                 http.ProxyFromEnvironment,
    }
    req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
    if err != nil { return nil, err }
    for k, v := range headers {
        req.Header.Set(k, v)
    }
    resp, err := (&http.Client{Transport: tr}).Do(req)
    if err != nil { return nil, err }
    if resp.StatusCode != http.StatusOK {
        body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
        resp.Body.Close()
        return nil, fmt.Errorf("unexpected status %s: %s", resp.Status, strings.TrimSpace(string(body)))
    }
    return resp.Body, nil
}

// Insecure trusts any server and sends no credentials. Development only.
type Insecure struct{}

func (Insecure) Open(ctx context.Context, url string, headers map[string]string, connectTimeout, readTimeout time.Duration) (io.ReadCloser, error) {
    return open(ctx, tlsconfig.Insecure(), url, headers, connectTimeout, readTimeout)
}

// Token authenticates with a bearer token read from a file on every call,
// so rotated service account tokens are picked up.
type Token struct {
    tokenFile string
    cfg       *tls.Config
}

// NewToken returns a bearer token provider. An empty tokenFile sends no
// Authorization header.
func NewToken(tokenFile, caFile string, logger *log.Logger) (*Token, error) {
    if logger == nil { logger = log.Default() }
    cfg, err := trust(caFile, logger)
    if err != nil { return nil, err }
    return &Token{tokenFile: tokenFile, cfg: cfg}, nil
}

func (t *Token) Open(ctx context.Context, url string, headers map[string]string, connectTimeout, readTimeout time.Duration) (io.ReadCloser, error) {
    h := make(map[string]string, len(headers)+1)
    for k, v := range headers {
        h[k] = v
    }
    if t.tokenFile != "" {
        tok, err := os.ReadFile(t.tokenFile)
        if err != nil { return nil, fmt.Errorf("stream: read token %s: %w", t.tokenFile, err) }
        h["Authorization"] = "Bearer " + strings.TrimSpace(string(tok))
    }
    rc, err := open(ctx, t.cfg, url, h, connectTimeout, readTimeout)
    if err != nil { return nil, fmt.Errorf("stream: open %s with token authentication: %w", url, err) }
    return rc, nil
}

// Certificate authenticates with a client certificate.
type Certificate struct {
    cfg *tls.Config
}

func NewCertificate(certFile, keyFile, caFile string, logger *log.Logger) (*Certificate, error) {
    if logger == nil { logger = log.Default() }
    cfg, err := trust(caFile, logger)
    if err != nil { return nil, err }
    cert, err := tls.LoadX509KeyPair(certFile, keyFile)
    if err != nil { return nil, fmt.Errorf("stream: load client certificate: %w", err) }
    cfg.Certificates = []tls.Certificate{cert}
    return &Certificate{cfg: cfg}, nil
}

func (c *Certificate) Open(ctx context.Context, url string, headers map[string]string, connectTimeout, readTimeout time.Duration) (io.ReadCloser, error) {
    rc, err := open(ctx, c.cfg, url, headers, connectTimeout, readTimeout)
    if err != nil { return nil, fmt.Errorf("stream: open %s with certificate authentication: %w", url, err) }
    return rc, nil
}

var (
    _ Provider = Insecure{}
    _ Provider = (*Token)(nil)
    _ Provider = (*Certificate)(nil)
)
