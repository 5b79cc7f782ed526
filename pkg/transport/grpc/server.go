// Package grpc is the network transport: a Receiver serving
// tribes.v1.Transport/Deliver and a Sender with a cached connection per
// destination.
package grpc

import (
    "context"
    "crypto/tls"
    "errors"
    "fmt"
    "log"
    "net"
    "strconv"
    "sync"
    "time"

    "google.golang.org/grpc"
    "google.golang.org/grpc/codes"
    "google.golang.org/grpc/credentials"
    "google.golang.org/grpc/health"
    healthpb "google.golang.org/grpc/health/grpc_health_v1"
    "google.golang.org/grpc/keepalive"
    "google.golang.org/grpc/status"

    "github.com/amirimatin/go-tribes/pkg/internal/logutil"
    "github.com/amirimatin/go-tribes/pkg/message"
    obsmetrics "github.com/amirimatin/go-tribes/pkg/observability/metrics"
    "github.com/amirimatin/go-tribes/pkg/transport"
)

const deliverMethod = "/tribes.v1.Transport/Deliver"

// ReceiverOptions configures a Receiver.
type ReceiverOptions struct {
    // Bind is host:port; port 0 picks a free one.
    Bind string
    // Advertise is the host peers use. Defaults to the bind host, or
    // 127.0.0.1 when binding to every interface.
    Advertise string
    TLS       *tls.Config
    Logger    *log.Logger
}

// Receiver serves inbound frames over gRPC.
type Receiver struct {
    opts   ReceiverOptions
    logger *log.Logger

    mu      sync.RWMutex
    lis     net.Listener
    srv     *grpc.Server
    health  *health.Server
    host    string
    port    int
    handler transport.MessageHandler
}

func NewReceiver(opts ReceiverOptions) *Receiver {
    if opts.Bind == "" { opts.Bind = ":0" }
    if opts.Logger == nil { opts.Logger = log.Default() }
    return &Receiver{opts: opts, logger: opts.Logger, port: -1}
}

// transportServer defines the methods we expose.
type transportServer interface {
    Deliver(ctx context.Context, in *deliverRequest) (*deliverReply, error)
}

// Hand-written descriptor; the JSON codec makes codegen unnecessary.
var _Transport_serviceDesc = grpc.ServiceDesc{
    ServiceName: "tribes.v1.Transport",
    HandlerType: (*transportServer)(nil),
    Methods: []grpc.MethodDesc{
        {MethodName: "Deliver", Handler: _Transport_Deliver_Handler},
    },
}

func _Transport_Deliver_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
    in := new(deliverRequest)
    if err := dec(in); err != nil { return nil, err }
    if interceptor == nil { return srv.(transportServer).Deliver(ctx, in) }
    info := &grpc.UnaryServerInfo{Server: srv, FullMethod: deliverMethod}
    handler := func(ctx context.Context, req interface{}) (interface{}, error) {
        return srv.(transportServer).Deliver(ctx, req.(*deliverRequest))
    }
    return interceptor(ctx, in, info, handler)
}

func (r *Receiver) Start(ctx context.Context) error {
    r.mu.Lock()
    defer r.mu.Unlock()
    if r.srv != nil { return nil }
    lis, err := net.Listen("tcp", r.opts.Bind)
    if err != nil { return fmt.Errorf("grpc: listen %s: %w", r.opts.Bind, err) }
    opts := []grpc.ServerOption{
        grpc.ForceServerCodec(jsonCodec{}),
        grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{MinTime: 5 * time.Second, PermitWithoutStream: true}),
        grpc.KeepaliveParams(keepalive.ServerParameters{Time: 30 * time.Second, Timeout: 10 * time.Second}),
    }
    if r.opts.TLS != nil { opts = append(opts, grpc.Creds(credentials.NewTLS(r.opts.TLS))) }
    srv := grpc.NewServer(opts...)
    hs := health.NewServer()
    healthpb.RegisterHealthServer(srv, hs)
    srv.RegisterService(&_Transport_serviceDesc, r)

    r.lis, r.srv, r.health = lis, srv, hs
    tcp := lis.Addr().(*net.TCPAddr)
    r.host, r.port = transport.AdvertiseHost(r.opts.Advertise, tcp.IP), tcp.Port
    go func() {
        if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
            logutil.Errorf(r.logger, "grpc: receiver on %s stopped: %v", lis.Addr(), err)
        }
    }()
    logutil.Infof(r.logger, "grpc: receiver listening on %s, advertising %s", lis.Addr(), net.JoinHostPort(r.host, strconv.Itoa(r.port)))
    return nil
}

// Stop drains in-flight deliveries for up to two seconds.
func (r *Receiver) Stop() error {
    r.mu.Lock()
    srv, hs := r.srv, r.health
    r.srv, r.lis, r.health = nil, nil, nil
    r.mu.Unlock()
    if srv == nil { return nil }
    hs.Shutdown()
    done := make(chan struct{})
    go func() { srv.GracefulStop(); close(done) }()
    select {
    case <-done:
    case <-time.After(2 * time.Second):
        srv.Stop()
    }
    return nil
}

func (r *Receiver) Host() string    { r.mu.RLock(); defer r.mu.RUnlock(); return r.host }
func (r *Receiver) Port() int       { r.mu.RLock(); defer r.mu.RUnlock(); return r.port }
func (r *Receiver) SecurePort() int { return -1 }
func (r *Receiver) UDPPort() int    { return -1 }

func (r *Receiver) SetMessageHandler(h transport.MessageHandler) {
    r.mu.Lock()
    r.handler = h
    r.mu.Unlock()
}

// Deliver decodes one frame and hands it to the handler. Handler errors are
// returned in the reply so the sender can tell them from network faults.
func (r *Receiver) Deliver(ctx context.Context, in *deliverRequest) (*deliverReply, error) {
    msg, err := message.Decode(in.Frame)
    if err != nil {
        obsmetrics.MessagesDropped.WithLabelValues("decode").Inc()
        return nil, status.Errorf(codes.InvalidArgument, "bad frame: %v", err)
    }
    r.mu.RLock()
    h := r.handler
    r.mu.RUnlock()
    if h == nil { return nil, status.Error(codes.Unavailable, "no message handler") }
    if err := h.MessageReceived(msg); err != nil { return &deliverReply{Error: err.Error()}, nil }
    return &deliverReply{}, nil
}

var (
    _ transport.Receiver = (*Receiver)(nil)
    _ transportServer    = (*Receiver)(nil)
)
