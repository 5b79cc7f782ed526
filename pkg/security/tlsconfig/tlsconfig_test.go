package tlsconfig

import (
    "crypto/ecdsa"
    "crypto/elliptic"
    "crypto/rand"
    "crypto/tls"
    "crypto/x509"
    "crypto/x509/pkix"
    "encoding/pem"
    "math/big"
    "os"
    "path/filepath"
    "testing"
    "time"
)

func writePair(t *testing.T) (certFile, keyFile string) {
    t.Helper()
    key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
    if err != nil { t.Fatalf("key: %v", err) }
    tmpl := &x509.Certificate{
        SerialNumber:          big.NewInt(1),
        Subject:               pkix.Name{CommonName: "node"},
        NotBefore:             time.Now().Add(-time.Hour),
        NotAfter:              time.Now().Add(time.Hour),
        IsCA:                  true,
        BasicConstraintsValid: true,
        KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
        DNSNames:              []string{"node"},
    }
    der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
    if err != nil { t.Fatalf("cert: %v", err) }
    kb, err := x509.MarshalECPrivateKey(key)
    if err != nil { t.Fatalf("marshal key: %v", err) }
    dir := t.TempDir()
    certFile, keyFile = filepath.Join(dir, "node.crt"), filepath.Join(dir, "node.key")
    if err := os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600); err != nil { t.Fatal(err) }
    if err := os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: kb}), 0o600); err != nil { t.Fatal(err) }
    return certFile, keyFile
}

func TestDisabledReturnsNil(t *testing.T) {
    srv, err := Options{}.Server()
    if err != nil || srv != nil { t.Fatalf("server: %v %v", srv, err) }
    cli, err := Options{}.Client()
    if err != nil || cli != nil { t.Fatalf("client: %v %v", cli, err) }
}

func TestServerNeedsKeyPair(t *testing.T) {
    if _, err := (Options{Enable: true}).Server(); err == nil { t.Fatalf("expected error without cert/key") }
    if _, err := (Options{Enable: true, CertFile: "/nope.crt", KeyFile: "/nope.key"}).Server(); err == nil {
        t.Fatalf("expected load error")
    }
}

func TestMutualConfigs(t *testing.T) {
    cert, key := writePair(t)
    o := Options{Enable: true, CAFile: cert, CertFile: cert, KeyFile: key, ServerName: "node"}
    srv, err := o.Server()
    if err != nil { t.Fatalf("server: %v", err) }
    if srv.ClientAuth != tls.RequireAndVerifyClientCert || len(srv.Certificates) != 1 { t.Fatalf("unexpected server config") }
    cli, err := o.Client()
    if err != nil { t.Fatalf("client: %v", err) }
    if cli.ServerName != "node" || cli.RootCAs == nil || len(cli.Certificates) != 1 { t.Fatalf("unexpected client config") }

    o.Reload = true
    srv, err = o.Server()
    if err != nil { t.Fatalf("server reload: %v", err) }
    c, err := srv.GetCertificate(nil)
    if err != nil || c == nil { t.Fatalf("reload loader: %v", err) }
}

func TestCertPoolRejectsEmptyBundle(t *testing.T) {
    f := filepath.Join(t.TempDir(), "empty.pem")
    if err := os.WriteFile(f, []byte("not a cert"), 0o600); err != nil { t.Fatal(err) }
    if _, err := CertPool(f); err == nil { t.Fatalf("expected error for empty bundle") }
    if !Insecure().InsecureSkipVerify { t.Fatalf("insecure config verifies") }
}
