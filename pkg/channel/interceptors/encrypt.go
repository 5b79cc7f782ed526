package interceptors

import (
    "context"
    "crypto/aes"
    "crypto/cipher"
    "crypto/rand"
    "encoding/hex"
    "errors"
    "fmt"
    "log"
    "strings"
    "sync"

    "golang.org/x/crypto/chacha20poly1305"

    "github.com/amirimatin/go-tribes/pkg/channel"
    "github.com/amirimatin/go-tribes/pkg/internal/logutil"
    obsmetrics "github.com/amirimatin/go-tribes/pkg/observability/metrics"
)

// Supported encryption algorithms.
const (
    AESGCM           = "aes-gcm"
    ChaCha20Poly1305 = "chacha20-poly1305"
)

var errShortPayload = errors.New("encrypt: payload shorter than nonce")

// EncryptOptions configures an Encrypt link.
type EncryptOptions struct {
    // Algorithm defaults to AESGCM.
    Algorithm string
    // Key is hex encoded. AES accepts 16, 24 or 32 bytes, ChaCha20-Poly1305
    // exactly 32.
    Key    string
    Logger *log.Logger
}

func (o EncryptOptions) Validate() error {
    if o.Key == "" { return errors.New("encrypt: key is required") }
    switch strings.ToLower(o.Algorithm) {
    case "", AESGCM, ChaCha20Poly1305:
    default:
        return fmt.Errorf("encrypt: unsupported algorithm %q", o.Algorithm)
    }
    return nil
}

// Encrypt seals every outbound payload with an AEAD cipher and opens inbound
// ones. The wire form is nonce followed by the sealed payload. Messages that
// fail to open are dropped.
type Encrypt struct {
    channel.InterceptorBase
    opts EncryptOptions
    key  []byte

    mu   sync.RWMutex
    aead cipher.AEAD
}

func NewEncrypt(opts EncryptOptions) (*Encrypt, error) {
    if err := opts.Validate(); err != nil { return nil, err }
    key, err := hex.DecodeString(opts.Key)
    if err != nil { return nil, fmt.Errorf("encrypt: key is not hex: %w", err) }
    if opts.Logger == nil { opts.Logger = log.Default() }
    opts.Algorithm = strings.ToLower(opts.Algorithm)
    if opts.Algorithm == "" { opts.Algorithm = AESGCM }
    e := &Encrypt{opts: opts, key: key}
    if _, err := e.newAEAD(); err != nil { return nil, err }
    return e, nil
}

func (e *Encrypt) Name() string { return "encrypt" }

func (e *Encrypt) newAEAD() (cipher.AEAD, error) {
    switch e.opts.Algorithm {
    case ChaCha20Poly1305:
        a, err := chacha20poly1305.New(e.key)
        if err != nil { return nil, fmt.Errorf("encrypt: %w", err) }
        return a, nil
    default:
        block, err := aes.NewCipher(e.key)
        if err != nil { return nil, fmt.Errorf("encrypt: %w", err) }
        return cipher.NewGCM(block)
    }
}

func (e *Encrypt) Start(ctx context.Context, svc int) error {
    if svc&(channel.SndTx|channel.SndRx) == 0 { return nil }
    e.mu.Lock()
    defer e.mu.Unlock()
    if e.aead != nil { return nil }
    a, err := e.newAEAD()
    if err != nil { return err }
    e.aead = a
    return nil
}

func (e *Encrypt) current() (cipher.AEAD, error) {
    e.mu.RLock()
    defer e.mu.RUnlock()
    if e.aead == nil { return nil, fmt.Errorf("encrypt: %w", channel.ErrNotStarted) }
    return e.aead, nil
}

func (e *Encrypt) SendMessage(ctx context.Context, out *channel.Outbound) (channel.Verdict, error) {
    a, err := e.current()
    if err != nil { return channel.Stop, err }
    sealed, err := seal(a, out.Msg.Payload)
    if err != nil { return channel.Stop, err }
    out.Msg = out.Msg.WithPayload(sealed)
    return channel.Forward, nil
}

func (e *Encrypt) MessageReceived(in *channel.Inbound) channel.Verdict {
    a, err := e.current()
    if err == nil {
        var plain []byte
        if plain, err = open(a, in.Msg.Payload); err == nil {
            in.Msg = in.Msg.WithPayload(plain)
            return channel.Forward
        }
    }
    obsmetrics.MessagesDropped.WithLabelValues("decrypt").Inc()
    logutil.Errorf(e.opts.Logger, "encrypt: unable to decrypt message %s from %s: %v", in.Msg.UniqueID, in.Msg.Address.Name(), err)
    return channel.Stop
}

func seal(a cipher.AEAD, plain []byte) ([]byte, error) {
    nonce := make([]byte, a.NonceSize(), a.NonceSize()+len(plain)+a.Overhead())
    if _, err := rand.Read(nonce); err != nil { return nil, fmt.Errorf("encrypt: nonce: %w", err) }
    return a.Seal(nonce, nonce, plain, nil), nil
}

func open(a cipher.AEAD, sealed []byte) ([]byte, error) {
    n := a.NonceSize()
    if len(sealed) < n { return nil, errShortPayload }
    return a.Open(nil, sealed[:n], sealed[n:], nil)
}

var _ channel.Interceptor = (*Encrypt)(nil)
