// Package udp carries messages sent with the UDP option as single datagrams.
// Delivery is best effort: there is no acknowledgement and a frame larger
// than MaxDatagram is rejected before it is sent.
package udp

import (
    "context"
    "errors"
    "fmt"
    "log"
    "net"
    "strconv"
    "sync"

    "github.com/amirimatin/go-tribes/pkg/internal/logutil"
    "github.com/amirimatin/go-tribes/pkg/member"
    "github.com/amirimatin/go-tribes/pkg/message"
    obsmetrics "github.com/amirimatin/go-tribes/pkg/observability/metrics"
    "github.com/amirimatin/go-tribes/pkg/transport"
)

// MaxDatagram is the largest UDP payload over IPv4.
const MaxDatagram = 65507

// ErrTooLarge is returned for frames that do not fit one datagram.
var ErrTooLarge = errors.New("udp: frame exceeds datagram size")

// ErrNoUDPPort is reported for destinations that advertise no UDP port.
var ErrNoUDPPort = errors.New("udp: member has no udp port")

// Receiver reads frames from a UDP socket. Host and Port describe the
// datagram socket; UDPPort reports the same port.
type Receiver struct {
    bind      string
    advertise string
    logger    *log.Logger

    mu      sync.RWMutex
    conn    net.PacketConn
    host    string
    port    int
    handler transport.MessageHandler
    done    chan struct{}
}

// NewReceiver listens on bind (host:port) once started. advertise overrides
// the host published to peers.
func NewReceiver(bind, advertise string, logger *log.Logger) *Receiver {
    if logger == nil { logger = log.Default() }
    return &Receiver{bind: bind, advertise: advertise, logger: logger, port: -1}
}

func (r *Receiver) Start(ctx context.Context) error {
    r.mu.Lock()
    defer r.mu.Unlock()
    if r.conn != nil { return nil }
    pc, err := net.ListenPacket("udp", r.bind)
    if err != nil { return fmt.Errorf("udp: listen %s: %w", r.bind, err) }
    addr := pc.LocalAddr().(*net.UDPAddr)
    r.conn, r.port, r.done = pc, addr.Port, make(chan struct{})
    r.host = transport.AdvertiseHost(r.advertise, addr.IP)
    go r.serve(pc, r.done)
    logutil.Infof(r.logger, "udp: receiver listening on %s", pc.LocalAddr())
    return nil
}

func (r *Receiver) serve(pc net.PacketConn, done chan struct{}) {
    defer close(done)
    buf := make([]byte, MaxDatagram)
    for {
        n, from, err := pc.ReadFrom(buf)
        if err != nil {
            if errors.Is(err, net.ErrClosed) { return }
            logutil.Warnf(r.logger, "udp: read: %v", err)
            continue
        }
        msg, err := message.Decode(append([]byte(nil), buf[:n]...))
        if err != nil {
            obsmetrics.MessagesDropped.WithLabelValues("decode").Inc()
            logutil.Debugf(r.logger, "udp: bad frame from %s: %v", from, err)
            continue
        }
        r.mu.RLock()
        h := r.handler
        r.mu.RUnlock()
        if h == nil {
            obsmetrics.MessagesDropped.WithLabelValues("no_handler").Inc()
            continue
        }
        if err := h.MessageReceived(msg); err != nil {
            logutil.Debugf(r.logger, "udp: handler rejected message from %s: %v", from, err)
        }
    }
}

// Stop closes the socket and waits for the read loop to exit.
func (r *Receiver) Stop() error {
    r.mu.Lock()
    pc, done := r.conn, r.done
    r.conn, r.done = nil, nil
    r.mu.Unlock()
    if pc == nil { return nil }
    err := pc.Close()
    <-done
    return err
}

func (r *Receiver) Host() string    { r.mu.RLock(); defer r.mu.RUnlock(); return r.host }
func (r *Receiver) Port() int       { r.mu.RLock(); defer r.mu.RUnlock(); return r.port }
func (r *Receiver) SecurePort() int { return -1 }
func (r *Receiver) UDPPort() int    { return r.Port() }

func (r *Receiver) SetMessageHandler(h transport.MessageHandler) {
    r.mu.Lock()
    r.handler = h
    r.mu.Unlock()
}

// Sender writes each frame as one datagram to the destination's UDP port.
type Sender struct {
    logger *log.Logger
    mu     sync.RWMutex
    conn   net.PacketConn
}

func NewSender(logger *log.Logger) *Sender {
    if logger == nil { logger = log.Default() }
    return &Sender{logger: logger}
}

func (s *Sender) Start(ctx context.Context) error {
    s.mu.Lock()
    defer s.mu.Unlock()
    if s.conn != nil { return nil }
    pc, err := net.ListenPacket("udp", ":0")
    if err != nil { return fmt.Errorf("udp: open sender socket: %w", err) }
    s.conn = pc
    return nil
}

func (s *Sender) Stop() error {
    s.mu.Lock()
    pc := s.conn
    s.conn = nil
    s.mu.Unlock()
    if pc == nil { return nil }
    return pc.Close()
}

func (s *Sender) SendMessage(ctx context.Context, dest []*member.Member, msg *message.Message) error {
    s.mu.RLock()
    pc := s.conn
    s.mu.RUnlock()
    if pc == nil { return transport.ErrNotStarted }
    frame, err := message.Encode(msg)
    if err != nil { return err }
    if len(frame) > MaxDatagram { return fmt.Errorf("%w: %d bytes", ErrTooLarge, len(frame)) }

    var faults []transport.FaultyMember
    for _, d := range dest {
        if err := ctx.Err(); err != nil {
            faults = append(faults, transport.FaultyMember{Member: d, Err: err})
            continue
        }
        if err := s.write(pc, d, frame); err != nil {
            logutil.Debugf(s.logger, "udp: send to %s: %v", d.Name(), err)
            faults = append(faults, transport.FaultyMember{Member: d, Err: err})
        }
    }
    return transport.NewSendError(faults)
}

func (s *Sender) write(pc net.PacketConn, d *member.Member, frame []byte) error {
    if d.UDPPort <= 0 { return ErrNoUDPPort }
    addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(d.Host, strconv.Itoa(d.UDPPort)))
    if err != nil { return err }
    _, err = pc.WriteTo(frame, addr)
    return err
}

var (
    _ transport.Receiver = (*Receiver)(nil)
    _ transport.Sender   = (*Sender)(nil)
)
