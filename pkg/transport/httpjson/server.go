// Package httpjson is the management surface of a node: JSON status, a
// health probe, Prometheus metrics and a send endpoint for tooling.
package httpjson

import (
    "context"
    "crypto/tls"
    "encoding/json"
    "errors"
    "fmt"
    "io"
    "log"
    "net"
    "net/http"
    "sync"
    "time"

    "github.com/prometheus/client_golang/prometheus/promhttp"

    "github.com/amirimatin/go-tribes/pkg/internal/logutil"
    "github.com/amirimatin/go-tribes/pkg/observability/tracing"
    "github.com/amirimatin/go-tribes/pkg/transport"
)

// maxSendBody caps the payload accepted by /send.
const maxSendBody = 1 << 20

// HealthFunc reports whether the node is serving.
type HealthFunc func(ctx context.Context) error

// SendFunc hands a raw payload to the group.
type SendFunc func(ctx context.Context, payload []byte) error

// Handlers back the management endpoints. Status is required.
type Handlers struct {
    Status transport.StatusFunc
    Health HealthFunc
    Send   SendFunc
}

// SendRequest is the body of POST /send.
type SendRequest struct {
    Payload []byte `json:"payload"`
}

// SendResponse reports the outcome of POST /send.
type SendResponse struct {
    Accepted bool   `json:"accepted"`
    Error    string `json:"error,omitempty"`
}

// Server exposes management endpoints over HTTP(S).
type Server struct {
    bind   string
    logger *log.Logger
    tlsCfg *tls.Config

    mu  sync.Mutex
    srv *http.Server
    ln  net.Listener
}

// NewServer binds to the given TCP address (e.g., ":17946").
func NewServer(bind string, logger *log.Logger) *Server {
    if logger == nil { logger = log.Default() }
    return &Server{bind: bind, logger: logger}
}

// UseTLS enables TLS for the HTTP server using the provided config.
func (s *Server) UseTLS(cfg *tls.Config) *Server { s.tlsCfg = cfg; return s }

// Handler builds the endpoint mux.
func Handler(h Handlers) http.Handler {
    mux := http.NewServeMux()
    mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
        if r.Method != http.MethodGet { http.Error(w, "method not allowed", http.StatusMethodNotAllowed); return }
        ctx, span := tracing.StartSpan(r.Context(), "http.status")
        defer span.End()
        data, err := h.Status(ctx)
        if err != nil {
            span.Fail(err)
            http.Error(w, fmt.Sprintf("status error: %v", err), http.StatusInternalServerError)
            return
        }
        w.Header().Set("Content-Type", "application/json")
        _, _ = w.Write(data)
    })
    mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
        if r.Method != http.MethodGet { http.Error(w, "method not allowed", http.StatusMethodNotAllowed); return }
        if h.Health != nil {
            if err := h.Health(r.Context()); err != nil {
                http.Error(w, err.Error(), http.StatusServiceUnavailable)
                return
            }
        }
        w.WriteHeader(http.StatusOK)
        _, _ = w.Write([]byte("ok"))
    })
    mux.Handle("/metrics", promhttp.Handler())
    mux.HandleFunc("/send", func(w http.ResponseWriter, r *http.Request) {
        if r.Method != http.MethodPost { http.Error(w, "method not allowed", http.StatusMethodNotAllowed); return }
        if h.Send == nil { http.Error(w, "send not supported", http.StatusNotImplemented); return }
        var req SendRequest
        if err := json.NewDecoder(io.LimitReader(r.Body, maxSendBody)).Decode(&req); err != nil {
            http.Error(w, fmt.Sprintf("bad request: %v", err), http.StatusBadRequest)
            return
        }
        ctx, span := tracing.StartSpan(r.Context(), "http.send")
        defer span.End()
        w.Header().Set("Content-Type", "application/json")
        if err := h.Send(ctx, req.Payload); err != nil {
            span.Fail(err)
            w.WriteHeader(http.StatusBadGateway)
            _ = json.NewEncoder(w).Encode(SendResponse{Error: err.Error()})
            return
        }
        _ = json.NewEncoder(w).Encode(SendResponse{Accepted: true})
    })
    return mux
}

// Start launches the HTTP server. It is shut down when ctx is canceled.
func (s *Server) Start(ctx context.Context, h Handlers) error {
    if h.Status == nil { return errors.New("httpjson: status handler is required") }
    ln, err := net.Listen("tcp", s.bind)
    if err != nil { return fmt.Errorf("httpjson: listen %s: %w", s.bind, err) }
    if s.tlsCfg != nil { ln = tls.NewListener(ln, s.tlsCfg) }
    srv := &http.Server{Handler: Handler(h), ReadHeaderTimeout: 5 * time.Second}

    s.mu.Lock()
    s.srv, s.ln = srv, ln
    s.mu.Unlock()

    go func() {
        <-ctx.Done()
        _ = s.Stop(context.Background())
    }()
    go func() {
        if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
            logutil.Errorf(s.logger, "httpjson: server error: %v", err)
        }
    }()
    logutil.Infof(s.logger, "httpjson: management listening on %s", ln.Addr())
    return nil
}

// Addr returns the bound address once started, else the configured one.
func (s *Server) Addr() string {
    s.mu.Lock()
    defer s.mu.Unlock()
    if s.ln != nil { return s.ln.Addr().String() }
    return s.bind
}

// Stop attempts a graceful shutdown with a short timeout.
func (s *Server) Stop(ctx context.Context) error {
    s.mu.Lock()
    srv := s.srv
    s.srv = nil
    s.mu.Unlock()
    if srv == nil { return nil }
    c, cancel := context.WithTimeout(ctx, 2*time.Second)
    defer cancel()
    return srv.Shutdown(c)
}
