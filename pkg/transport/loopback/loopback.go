// Package loopback is an in-process transport. Messages are framed and
// parsed on every hop so the envelope behaves as it would on a network.
package loopback

import (
    "context"
    "fmt"
    "net"
    "strconv"
    "sync"

    "github.com/amirimatin/go-tribes/pkg/member"
    "github.com/amirimatin/go-tribes/pkg/message"
    "github.com/amirimatin/go-tribes/pkg/transport"
)

// Hub connects the receivers and senders of one test or process.
type Hub struct {
    mu        sync.RWMutex
    receivers map[string]*Receiver
    nextPort  int
}

func NewHub() *Hub { return &Hub{receivers: make(map[string]*Receiver), nextPort: 4000} }

func (h *Hub) lookup(addr string) *Receiver {
    h.mu.RLock()
    defer h.mu.RUnlock()
    return h.receivers[addr]
}

// Receiver is registered in its hub while started.
type Receiver struct {
    hub     *Hub
    host    string
    port    int
    mu      sync.RWMutex
    handler transport.MessageHandler
    started bool
}

// NewReceiver returns a receiver for host:port. A zero port picks a free one.
func (h *Hub) NewReceiver(host string, port int) *Receiver {
    if host == "" { host = "127.0.0.1" }
    return &Receiver{hub: h, host: host, port: port}
}

func (r *Receiver) Start(ctx context.Context) error {
    r.hub.mu.Lock()
    defer r.hub.mu.Unlock()
    r.mu.Lock()
    defer r.mu.Unlock()
    if r.started { return nil }
    if r.port == 0 {
        for {
            r.hub.nextPort++
            if _, taken := r.hub.receivers[r.addrFor(r.hub.nextPort)]; !taken { break }
        }
        r.port = r.hub.nextPort
    }
    addr := r.addrFor(r.port)
    if _, taken := r.hub.receivers[addr]; taken { return fmt.Errorf("loopback: address %s in use", addr) }
    r.hub.receivers[addr] = r
    r.started = true
    return nil
}

func (r *Receiver) Stop() error {
    r.hub.mu.Lock()
    defer r.hub.mu.Unlock()
    r.mu.Lock()
    defer r.mu.Unlock()
    if !r.started { return nil }
    delete(r.hub.receivers, r.addrFor(r.port))
    r.started = false
    return nil
}

func (r *Receiver) addrFor(port int) string { return net.JoinHostPort(r.host, strconv.Itoa(port)) }

func (r *Receiver) Host() string    { return r.host }
func (r *Receiver) Port() int       { r.mu.RLock(); defer r.mu.RUnlock(); return r.port }
func (r *Receiver) SecurePort() int { return -1 }
func (r *Receiver) UDPPort() int    { return -1 }

func (r *Receiver) SetMessageHandler(h transport.MessageHandler) {
    r.mu.Lock()
    r.handler = h
    r.mu.Unlock()
}

func (r *Receiver) deliver(frame []byte) error {
    msg, err := message.Decode(frame)
    if err != nil { return err }
    r.mu.RLock()
    h := r.handler
    r.mu.RUnlock()
    if h == nil { return fmt.Errorf("loopback: no handler at %s", r.addrFor(r.Port())) }
    return h.MessageReceived(msg)
}

// Sender delivers synchronously on the calling goroutine.
type Sender struct {
    hub     *Hub
    mu      sync.RWMutex
    started bool
}

func (h *Hub) NewSender() *Sender { return &Sender{hub: h} }

func (s *Sender) Start(ctx context.Context) error {
    s.mu.Lock()
    s.started = true
    s.mu.Unlock()
    return nil
}

func (s *Sender) Stop() error {
    s.mu.Lock()
    s.started = false
    s.mu.Unlock()
    return nil
}

func (s *Sender) SendMessage(ctx context.Context, dest []*member.Member, msg *message.Message) error {
    s.mu.RLock()
    started := s.started
    s.mu.RUnlock()
    if !started { return transport.ErrNotStarted }
    frame, err := message.Encode(msg)
    if err != nil { return err }
    var faults []transport.FaultyMember
    for _, d := range dest {
        if err := ctx.Err(); err != nil {
            faults = append(faults, transport.FaultyMember{Member: d, Err: err})
            continue
        }
        r := s.hub.lookup(d.Addr())
        if r == nil {
            faults = append(faults, transport.FaultyMember{Member: d, Err: fmt.Errorf("loopback: no receiver at %s", d.Addr())})
            continue
        }
        if err := r.deliver(frame); err != nil {
            faults = append(faults, transport.FaultyMember{Member: d, Err: err})
        }
    }
    return transport.NewSendError(faults)
}

var (
    _ transport.Receiver = (*Receiver)(nil)
    _ transport.Sender   = (*Sender)(nil)
)
