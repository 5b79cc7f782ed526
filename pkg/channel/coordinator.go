package channel

import (
    "context"
    "errors"
    "fmt"
    "log"
    "sync"

    "github.com/google/uuid"
    "github.com/hashicorp/go-multierror"

    "github.com/amirimatin/go-tribes/pkg/internal/logutil"
    "github.com/amirimatin/go-tribes/pkg/member"
    "github.com/amirimatin/go-tribes/pkg/message"
    "github.com/amirimatin/go-tribes/pkg/membership"
    obsmetrics "github.com/amirimatin/go-tribes/pkg/observability/metrics"
    "github.com/amirimatin/go-tribes/pkg/transport"
)

// upstream is where the coordinator injects inbound traffic: the top of the chain.
type upstream interface {
    inbound(msg *message.Message) error
    memberEvent(m *member.Member, added bool)
}

// Coordinator terminates the chain on the transport side. It owns the
// receiver, the sender and the membership service, and the start mask
// describing which of them run.
type Coordinator struct {
    receiver   transport.Receiver
    sender     transport.Sender
    membership membership.Service
    states     *transport.SenderStates
    logger     *log.Logger
    up         upstream

    mu    sync.Mutex
    level int
    local *member.Member // used when no membership service is configured
}

func newCoordinator(r transport.Receiver, s transport.Sender, m membership.Service, logger *log.Logger, up upstream) *Coordinator {
    id := uuid.New()
    local := member.New("", 0)
    local.UniqueID = id[:]
    local.Local = true
    return &Coordinator{
        receiver:   r,
        sender:     s,
        membership: m,
        states:     transport.NewSenderStates(),
        logger:     logger,
        up:         up,
        local:      local,
    }
}

// Level returns the mask of running services.
func (c *Coordinator) Level() int {
    c.mu.Lock()
    defer c.mu.Unlock()
    return c.level
}

// SenderStates exposes the per-member sender health cache.
func (c *Coordinator) SenderStates() *transport.SenderStates { return c.states }

func (c *Coordinator) start(ctx context.Context, svc int) error {
    c.mu.Lock()
    defer c.mu.Unlock()
    if svc == Default && c.level == Default { return nil }
    if svc <= 0 || svc&^Default != 0 { return configErrorf("invalid start level %#x", svc) }
    if c.level&svc == svc { return configErrorf("services %#x already started (running %#x)", svc, c.level) }
    svc &^= c.level
    if svc&(MbrRx|MbrTx) != 0 && (c.level|svc)&SndRx == 0 {
        return configErrorf("membership services %#x need the receiver started first", svc&(MbrRx|MbrTx))
    }

    started := 0
    fail := func(err error) error {
        if started != 0 {
            if serr := c.stopServicesLocked(started); serr != nil {
                logutil.Warnf(c.logger, "coordinator: rollback after failed start: %v", serr)
            }
        }
        return err
    }

    if svc&SndRx != 0 {
        if c.receiver != nil {
            c.receiver.SetMessageHandler(c)
            if err := c.receiver.Start(ctx); err != nil { return fail(fmt.Errorf("start receiver: %w", err)) }
        }
        started |= SndRx
        c.level |= SndRx
        c.publishLocalLocked()
    }
    if svc&SndTx != 0 {
        if c.sender != nil {
            if err := c.sender.Start(ctx); err != nil { return fail(fmt.Errorf("start sender: %w", err)) }
        }
        started |= SndTx
        c.level |= SndTx
    }
    if svc&MbrRx != 0 {
        if c.membership != nil {
            c.membership.SetListener(c)
            c.membership.SetMessageListener(c)
            if err := c.membership.Start(ctx, MbrRx); err != nil { return fail(fmt.Errorf("start membership rx: %w", err)) }
        }
        started |= MbrRx
        c.level |= MbrRx
    }
    if svc&MbrTx != 0 {
        if c.membership != nil {
            if err := c.membership.Start(ctx, MbrTx); err != nil { return fail(fmt.Errorf("start membership tx: %w", err)) }
        }
        started |= MbrTx
        c.level |= MbrTx
    }
    return nil
}

func (c *Coordinator) stop(svc int) error {
    c.mu.Lock()
    defer c.mu.Unlock()
    if svc == 0 { return nil }
    if svc < 0 || svc&^Default != 0 { return configErrorf("invalid stop level %#x", svc) }
    svc &= c.level
    if svc == 0 { return nil }
    if svc&SndRx != 0 && (c.level&^svc)&(MbrRx|MbrTx) != 0 {
        return configErrorf("cannot stop the receiver while membership services %#x run", c.level&(MbrRx|MbrTx))
    }
    return c.stopServicesLocked(svc)
}

// stopServicesLocked stops in reverse dependency order and keeps going on
// errors so nothing is left half running.
func (c *Coordinator) stopServicesLocked(svc int) error {
    var merr *multierror.Error
    if svc&MbrTx != 0 && c.membership != nil {
        if err := c.membership.Stop(MbrTx); err != nil { merr = multierror.Append(merr, fmt.Errorf("stop membership tx: %w", err)) }
    }
    if svc&MbrRx != 0 && c.membership != nil {
        if err := c.membership.Stop(MbrRx); err != nil { merr = multierror.Append(merr, fmt.Errorf("stop membership rx: %w", err)) }
    }
    if svc&SndTx != 0 && c.sender != nil {
        if err := c.sender.Stop(); err != nil { merr = multierror.Append(merr, fmt.Errorf("stop sender: %w", err)) }
    }
    if svc&SndRx != 0 && c.receiver != nil {
        if err := c.receiver.Stop(); err != nil { merr = multierror.Append(merr, fmt.Errorf("stop receiver: %w", err)) }
    }
    c.level &^= svc
    if c.level == 0 { c.states.Clear() }
    return merr.ErrorOrNil()
}

// publishLocalLocked tells the membership service where the receiver listens,
// which has to be known before the local member is announced.
func (c *Coordinator) publishLocalLocked() {
    if c.receiver == nil { return }
    host, port, sport, uport := c.receiver.Host(), c.receiver.Port(), c.receiver.SecurePort(), c.receiver.UDPPort()
    c.local.Host, c.local.Port, c.local.SecurePort, c.local.UDPPort = host, port, sport, uport
    if c.membership != nil {
        c.membership.SetLocalMemberProperties(host, port, sport, uport)
    }
}

// LocalMember describes this process.
func (c *Coordinator) LocalMember(incAlive bool) *member.Member {
    if c.membership != nil { return c.membership.LocalMember(incAlive) }
    c.mu.Lock()
    defer c.mu.Unlock()
    return c.local.Clone()
}

func (c *Coordinator) members() []*member.Member {
    if c.membership == nil { return nil }
    return c.membership.Members()
}

func (c *Coordinator) sendMessage(ctx context.Context, out *Outbound) error {
    level := c.Level()
    msg := out.Msg
    dest := out.Destination
    if len(dest) == 0 { dest = c.members() }

    if msg.Has(message.OptBroadcast) && c.membership != nil {
        if level&MbrTx == 0 { return fmt.Errorf("%w: membership broadcast", ErrNotStarted) }
        err := c.membership.Broadcast(ctx, msg)
        if !errors.Is(err, membership.ErrBroadcastUnsupported) {
            c.countSend(err)
            return err
        }
        logutil.Debugf(c.logger, "coordinator: broadcast unsupported, sending %s to %d member(s)", msg.UniqueID, len(dest))
    }

    if level&SndTx == 0 || c.sender == nil { return fmt.Errorf("%w: sender", ErrNotStarted) }
    if len(dest) == 0 { return nil }
    err := c.sender.SendMessage(ctx, dest, msg)
    c.recordOutcome(dest, err)
    c.countSend(err)
    return err
}

func (c *Coordinator) countSend(err error) {
    if err != nil {
        obsmetrics.MessagesSent.WithLabelValues("error").Inc()
        return
    }
    obsmetrics.MessagesSent.WithLabelValues("ok").Inc()
}

func (c *Coordinator) recordOutcome(dest []*member.Member, err error) {
    var se *transport.SendError
    partial := errors.As(err, &se)
    for _, d := range dest {
        switch {
        case err == nil, partial && !se.Failed(d):
            c.states.Succeeded(d)
        default:
            if st := c.states.Failed(d); st == transport.Failing {
                logutil.Warnf(c.logger, "coordinator: member %s is failing", d.Name())
            }
        }
    }
}

// MessageReceived is the entry point for transports and membership broadcasts.
func (c *Coordinator) MessageReceived(msg *message.Message) error {
    if msg == nil { return nil }
    if msg.Address != nil && c.states.Add(msg.Address) {
        logutil.Debugf(c.logger, "coordinator: first contact from %s", msg.Address.Name())
    }
    return c.up.inbound(msg)
}

func (c *Coordinator) MemberAdded(m *member.Member) {
    c.states.Add(m)
    if ma, ok := c.sender.(transport.MemberAware); ok { ma.Add(m) }
    c.up.memberEvent(m, true)
}

func (c *Coordinator) MemberDisappeared(m *member.Member) {
    c.states.Remove(m)
    if ma, ok := c.sender.(transport.MemberAware); ok { ma.Remove(m) }
    c.up.memberEvent(m, false)
}

func (c *Coordinator) heartbeat() {
    level := c.Level()
    if level&SndRx != 0 {
        if hb, ok := c.receiver.(membership.Heartbeater); ok { hb.Heartbeat() }
    }
    if level&SndTx != 0 {
        if hb, ok := c.sender.(membership.Heartbeater); ok { hb.Heartbeat() }
    }
    if level&MbrRx != 0 {
        if hb, ok := c.membership.(membership.Heartbeater); ok { hb.Heartbeat() }
    }
}

var (
    _ transport.MessageHandler   = (*Coordinator)(nil)
    _ membership.Listener        = (*Coordinator)(nil)
    _ membership.MessageListener = (*Coordinator)(nil)
)
