package httpjson

import (
    "bytes"
    "context"
    "crypto/tls"
    "encoding/json"
    "errors"
    "fmt"
    "io"
    "net/http"
    "time"
)

// Client is a thin HTTP client for the management API. It supports optional
// TLS configuration and simple retry with backoff for robustness.
type Client struct {
    httpc     *http.Client
    transport *http.Transport
    isTLS     bool
}

// NewClient constructs a new Client with the given timeout.
func NewClient(timeout time.Duration) *Client {
    if timeout <= 0 { timeout = 3 * time.Second }
    tr := &http.Transport{}
    return &Client{httpc: &http.Client{Timeout: timeout, Transport: tr}, transport: tr}
}

// UseTLS sets the TLS config for the underlying HTTP client and switches the
// request scheme to https.
func (c *Client) UseTLS(cfg *tls.Config) *Client {
    c.transport.TLSClientConfig = cfg
    c.isTLS = cfg != nil
    return c
}

func (c *Client) url(addr, path string) string {
    scheme := "http"
    if c.isTLS { scheme = "https" }
    return fmt.Sprintf("%s://%s%s", scheme, addr, path)
}

// GetStatus fetches the raw /status document from addr (host:port).
func (c *Client) GetStatus(ctx context.Context, addr string) ([]byte, error) {
    var out []byte
    err := c.retry(ctx, func() error {
        req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(addr, "/status"), nil)
        if err != nil { return err }
        resp, err := c.httpc.Do(req)
        if err != nil { return err }
        defer resp.Body.Close()
        b, err := io.ReadAll(resp.Body)
        if err != nil { return err }
        if resp.StatusCode != http.StatusOK { return fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(b)) }
        out = b
        return nil
    })
    return out, err
}

// PostSend asks the node at addr to send payload to its group.
func (c *Client) PostSend(ctx context.Context, addr string, payload []byte) (SendResponse, error) {
    var out SendResponse
    body, err := json.Marshal(SendRequest{Payload: payload})
    if err != nil { return out, err }
    err = c.retry(ctx, func() error {
        req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(addr, "/send"), bytes.NewReader(body))
        if err != nil { return err }
        req.Header.Set("Content-Type", "application/json")
        resp, err := c.httpc.Do(req)
        if err != nil { return err }
        defer resp.Body.Close()
        b, _ := io.ReadAll(resp.Body)
        out = SendResponse{}
        _ = json.Unmarshal(b, &out)
        if resp.StatusCode != http.StatusOK {
            if out.Error != "" { return errors.New(out.Error) }
            return fmt.Errorf("send status %d: %s", resp.StatusCode, bytes.TrimSpace(b))
        }
        return nil
    })
    return out, err
}

// retry runs fn up to three times with exponential backoff.
func (c *Client) retry(ctx context.Context, fn func() error) error {
    var lastErr error
    for attempt := 0; attempt < 3; attempt++ {
        if lastErr = fn(); lastErr == nil { return nil }
        select {
        case <-ctx.Done():
            return lastErr
        case <-time.After(time.Duration(100*(1<<attempt)) * time.Millisecond):
        }
    }
    return lastErr
}
