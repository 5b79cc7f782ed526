package tlsconfig

import (
    "crypto/tls"
    "crypto/x509"
    "errors"
    "fmt"
    "os"
    "sync"
    "time"
)

// reloadTTL bounds how long a loaded certificate is reused when Reload is set.
const reloadTTL = 10 * time.Second

// Options defines TLS inputs for the network transport and discovery clients.
type Options struct {
    Enable             bool
    CAFile             string
    CertFile           string
    KeyFile            string
    InsecureSkipVerify bool
    ServerName         string
    // Reload re-reads the certificate pair from disk on handshakes so it can
    // be rotated without a restart.
    Reload bool
}

// CertPool loads a PEM bundle. It fails if the file holds no certificate.
func CertPool(caFile string) (*x509.CertPool, error) {
    pem, err := os.ReadFile(caFile)
    if err != nil { return nil, err }
    pool := x509.NewCertPool()
    if !pool.AppendCertsFromPEM(pem) { return nil, fmt.Errorf("tls: no certificates in %s", caFile) }
    return pool, nil
}

// Insecure returns a client config that accepts any server certificate.
// Meant for development clusters only.
func Insecure() *tls.Config {
    return &tls.Config{InsecureSkipVerify: true} //nolint:gosec
}

// Server returns a tls.Config for servers if enabled, otherwise nil.
func (o Options) Server() (*tls.Config, error) {
    if !o.Enable { return nil, nil }
    if o.CertFile == "" || o.KeyFile == "" {
        return nil, errors.New("tls: server cert/key required when TLS enabled")
    }
    cfg := &tls.Config{MinVersion: tls.VersionTLS12}
    if o.CAFile != "" {
        pool, err := CertPool(o.CAFile)
        if err != nil { return nil, err }
        cfg.ClientCAs = pool
        cfg.ClientAuth = tls.RequireAndVerifyClientCert
    }
    load := o.loader()
    if o.Reload {
        cfg.GetCertificate = func(*tls.ClientHelloInfo) (*tls.Certificate, error) { return load() }
        return cfg, nil
    }
    cert, err := load()
    if err != nil { return nil, err }
    cfg.Certificates = []tls.Certificate{*cert}
    return cfg, nil
}

// Client returns a tls.Config for clients if enabled, otherwise nil.
func (o Options) Client() (*tls.Config, error) {
    if !o.Enable { return nil, nil }
    cfg := &tls.Config{InsecureSkipVerify: o.InsecureSkipVerify, MinVersion: tls.VersionTLS12} //nolint:gosec
    if o.ServerName != "" { cfg.ServerName = o.ServerName }
    if o.CAFile != "" {
        pool, err := CertPool(o.CAFile)
        if err != nil { return nil, err }
        cfg.RootCAs = pool
    }
    if o.CertFile == "" || o.KeyFile == "" { return cfg, nil }
    load := o.loader()
    if o.Reload {
        cfg.GetClientCertificate = func(*tls.CertificateRequestInfo) (*tls.Certificate, error) { return load() }
        return cfg, nil
    }
    cert, err := load()
    if err != nil { return nil, err }
    cfg.Certificates = []tls.Certificate{*cert}
    return cfg, nil
}

func (o Options) loader() func() (*tls.Certificate, error) {
    var (
        mu       sync.Mutex
        cached   *tls.Certificate
        lastLoad time.Time
    )
    return func() (*tls.Certificate, error) {
        mu.Lock()
        defer mu.Unlock()
        if cached != nil && time.Since(lastLoad) < reloadTTL {
            c := *cached
            return &c, nil
        }
        cert, err := tls.LoadX509KeyPair(o.CertFile, o.KeyFile)
        if err != nil { return nil, err }
        cached, lastLoad = &cert, time.Now()
        c := cert
        return &c, nil
    }
}
