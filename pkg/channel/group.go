package channel

import (
    "context"
    "errors"
    "fmt"
    "log"
    "sync"
    "sync/atomic"
    "time"

    "github.com/hashicorp/go-multierror"
    "go.opentelemetry.io/otel/attribute"

    "github.com/amirimatin/go-tribes/pkg/internal/logutil"
    "github.com/amirimatin/go-tribes/pkg/internal/scheduler"
    "github.com/amirimatin/go-tribes/pkg/member"
    "github.com/amirimatin/go-tribes/pkg/message"
    "github.com/amirimatin/go-tribes/pkg/membership"
    obsmetrics "github.com/amirimatin/go-tribes/pkg/observability/metrics"
    "github.com/amirimatin/go-tribes/pkg/observability/tracing"
    "github.com/amirimatin/go-tribes/pkg/transport"
)

const (
    defaultHeartbeatInterval = 5 * time.Second
    defaultMonitorInterval   = 60 * time.Second
)

// Options configures a GroupChannel. Nil transport primitives are allowed;
// the matching services are then no-ops.
type Options struct {
    // Name labels the channel in logs and status output.
    Name string

    Receiver   transport.Receiver
    Sender     transport.Sender
    Membership membership.Service

    // Scheduler runs the heartbeat tasks. If nil the channel creates its own
    // and shuts it down on Stop.
    Scheduler *scheduler.Scheduler

    // Logger is optional. If nil, log.Default() is used.
    Logger *log.Logger

    // Codec encodes non-byte payloads. Defaults to GobCodec.
    Codec Codec

    // HeartbeatInterval defaults to 5s.
    HeartbeatInterval time.Duration
    DisableHeartbeat  bool

    // DisableOptionCheck skips the interceptor option flag conflict check.
    DisableOptionCheck bool
}

// Validate checks option values without side effects.
func (o Options) Validate() error {
    if o.HeartbeatInterval < 0 {
        return errors.New("channel: negative heartbeat interval")
    }
    return nil
}

// State of the channel lifecycle.
type State int

const (
    StateNew State = iota
    StateStarted
    StateStopped
)

func (s State) String() string {
    switch s {
    case StateNew:
        return "new"
    case StateStarted:
        return "started"
    case StateStopped:
        return "stopped"
    }
    return "unknown"
}

// GroupChannel is the application facing end of the interceptor chain. It
// encodes and decodes payloads, fans inbound messages and membership events
// out to listeners and drives the heartbeat.
type GroupChannel struct {
    name   string
    opts   Options
    logger *log.Logger
    codec  Codec
    coord  *Coordinator

    mu    sync.Mutex // lifecycle and chain changes
    links atomic.Pointer[[]Interceptor]
    state State

    channelListeners    listenerList[ChannelListener]
    membershipListeners listenerList[MembershipListener]

    hbMu            sync.Mutex
    sched           *scheduler.Scheduler
    ownSched        bool
    hbFuture        *scheduler.Future
    monFuture       *scheduler.Future
    hbInterval      time.Duration
    monitorInterval time.Duration

    events eventBus
}

// New assembles a channel around the given transport primitives.
func New(opts Options) (*GroupChannel, error) {
    if err := opts.Validate(); err != nil { return nil, err }
    if opts.Logger == nil { opts.Logger = log.Default() }
    if opts.Codec == nil { opts.Codec = GobCodec{} }
    if opts.HeartbeatInterval == 0 { opts.HeartbeatInterval = defaultHeartbeatInterval }
    if opts.Name == "" { opts.Name = "tribes" }
    g := &GroupChannel{
        name:            opts.Name,
        opts:            opts,
        logger:          opts.Logger,
        codec:           opts.Codec,
        sched:           opts.Scheduler,
        hbInterval:      opts.HeartbeatInterval,
        monitorInterval: defaultMonitorInterval,
    }
    g.coord = newCoordinator(opts.Receiver, opts.Sender, opts.Membership, opts.Logger, g)
    empty := []Interceptor{}
    g.links.Store(&empty)
    return g, nil
}

func (g *GroupChannel) Name() string { return g.name }

// State returns the lifecycle state.
func (g *GroupChannel) State() State {
    g.mu.Lock()
    defer g.mu.Unlock()
    return g.state
}

// Coordinator returns the terminal link.
func (g *GroupChannel) Coordinator() *Coordinator { return g.coord }

func (g *GroupChannel) chain() []Interceptor { return *g.links.Load() }

// AddInterceptor appends ic below the links added before it. The chain is
// fixed once the channel started.
func (g *GroupChannel) AddInterceptor(ic Interceptor) error {
    g.mu.Lock()
    defer g.mu.Unlock()
    if g.state == StateStarted { return ErrChainActive }
    g.appendLocked(ic)
    return nil
}

func (g *GroupChannel) appendLocked(ic Interceptor) {
    if b, ok := ic.(channelBinder); ok { b.BindChannel(g) }
    cur := g.chain()
    next := make([]Interceptor, 0, len(cur)+1)
    next = append(next, cur...)
    next = append(next, ic)
    g.links.Store(&next)
}

// Interceptors returns the chain in insertion order.
func (g *GroupChannel) Interceptors() []Interceptor {
    return append([]Interceptor(nil), g.chain()...)
}

// setupDefaultStackLocked gives an empty chain an async dispatch link.
func (g *GroupChannel) setupDefaultStackLocked() {
    if len(g.chain()) > 0 { return }
    g.appendLocked(NewDispatchInterceptor(DispatchOptions{Logger: g.logger}))
}

// Start brings up the services in svc. Starting everything on a fully
// started channel is a no-op; starting a subset that already runs is a
// configuration error.
func (g *GroupChannel) Start(ctx context.Context, svc int) error {
    g.mu.Lock()
    defer g.mu.Unlock()
    if svc == Default && g.coord.Level() == Default { return nil }
    ctx, span := tracing.StartSpan(ctx, "channel.start", attribute.Int("svc", svc))
    defer span.End()

    g.setupDefaultStackLocked()
    links := g.chain()
    if !g.opts.DisableOptionCheck {
        if err := checkOptionFlags(links); err != nil {
            span.Fail(err)
            return wrapOp("start", err)
        }
    }
    before := g.coord.Level()
    if err := startChain(ctx, links, svc, g.coord.start); err != nil {
        if started := g.coord.Level() &^ before; started != 0 {
            if serr := g.coord.stop(started); serr != nil {
                logutil.Warnf(g.logger, "channel %s: rollback after failed start: %v", g.name, serr)
            }
        }
        span.Fail(err)
        return wrapOp("start", err)
    }
    g.startHeartbeat()
    g.state = StateStarted
    logutil.Infof(g.logger, "channel %s: started services %#x (running %#x)", g.name, svc, g.coord.Level())
    g.events.publish(Event{Type: EventStarted, At: time.Now(), Level: g.coord.Level()})
    return nil
}

// Stop shuts down the services in svc. A zero mask is a no-op.
func (g *GroupChannel) Stop(svc int) error {
    g.mu.Lock()
    defer g.mu.Unlock()
    if svc == 0 { return nil }
    g.stopHeartbeat()
    err := stopChain(g.chain(), svc, g.coord.stop)
    level := g.coord.Level()
    if level == 0 {
        if g.state == StateStarted { g.state = StateStopped }
    } else {
        g.startHeartbeat()
    }
    if err != nil { return wrapOp("stop", err) }
    logutil.Infof(g.logger, "channel %s: stopped services %#x (running %#x)", g.name, svc, level)
    g.events.publish(Event{Type: EventStopped, At: time.Now(), Level: level})
    return nil
}

// Send delivers payload to dest and returns the id stamped on the message.
// []byte and message.ByteMessage payloads are sent as-is, anything else is
// encoded with the channel codec.
func (g *GroupChannel) Send(ctx context.Context, dest []*member.Member, payload any, options int) (message.UniqueID, error) {
    return g.SendWithHandler(ctx, dest, payload, options, nil)
}

// SendWithHandler is Send with a handler notified when an asynchronous send
// completes or fails.
func (g *GroupChannel) SendWithHandler(ctx context.Context, dest []*member.Member, payload any, options int, h ErrorHandler) (message.UniqueID, error) {
    var id message.UniqueID
    if payload == nil { return id, wrapOp("send", ErrNilPayload) }
    if len(dest) == 0 { return id, wrapOp("send", ErrNoDestination) }

    var body []byte
    switch p := payload.(type) {
    case message.ByteMessage:
        body = p
        options |= message.OptByte
    case []byte:
        body = p
        options |= message.OptByte
    default:
        b, err := g.codec.Encode(payload)
        if err != nil { return id, wrapOp("send", fmt.Errorf("encode payload: %w", err)) }
        body = b
        options &^= message.OptByte
    }
    msg := &message.Message{
        UniqueID:  message.NewUniqueID(),
        Address:   g.LocalMember(false),
        Timestamp: time.Now(),
        Options:   options,
        Payload:   body,
    }
    ctx, span := tracing.StartSpan(ctx, "channel.send",
        attribute.String("message.id", msg.UniqueID.String()),
        attribute.Int("destinations", len(dest)))
    defer span.End()

    out := &Outbound{Destination: dest, Msg: msg, ErrorHandler: h, ch: g}
    if err := g.dispatchDown(ctx, 0, out); err != nil {
        span.Fail(err)
        return msg.UniqueID, wrapOp("send", err)
    }
    if logutil.DebugEnabled() {
        logutil.Debugf(g.logger, "channel %s: sent %s to %d member(s)", g.name, msg.UniqueID, len(dest))
    }
    return msg.UniqueID, nil
}

// SendBelow sends payload as a byte message to dest through the links under
// link only. Links use it for their own traffic, which the links above them
// never see on either side.
func (g *GroupChannel) SendBelow(ctx context.Context, link Interceptor, dest []*member.Member, payload []byte, options int) error {
    if len(dest) == 0 { return wrapOp("send", ErrNoDestination) }
    pos := -1
    for i, l := range g.chain() {
        if l == link { pos = i; break }
    }
    if pos < 0 { return wrapOp("send", fmt.Errorf("%T is not part of the chain", link)) }
    msg := &message.Message{
        UniqueID:  message.NewUniqueID(),
        Address:   g.LocalMember(false),
        Timestamp: time.Now(),
        Options:   options | message.OptByte,
        Payload:   payload,
    }
    out := &Outbound{Destination: dest, Msg: msg, ch: g}
    if err := g.dispatchDown(ctx, pos+1, out); err != nil { return wrapOp("send", err) }
    return nil
}

func (g *GroupChannel) dispatchDown(ctx context.Context, from int, out *Outbound) error {
    return dispatchDown(ctx, g.chain(), from, out, g.coord.sendMessage)
}

// inbound is called by the coordinator for every received message.
func (g *GroupChannel) inbound(msg *message.Message) error {
    return dispatchUp(g.chain(), &Inbound{Msg: msg}, g.deliver)
}

// deliver decodes the payload and offers it to every channel listener.
func (g *GroupChannel) deliver(in *Inbound) error {
    msg := in.Msg
    var payload any
    if msg.Has(message.OptByte) {
        payload = message.ByteMessage(append([]byte(nil), msg.Payload...))
    } else {
        v, err := g.codec.Decode(msg.Payload)
        if err != nil {
            obsmetrics.MessagesDropped.WithLabelValues("decode").Inc()
            logutil.Errorf(g.logger, "channel %s: unable to decode message %s from %s: %v", g.name, msg.UniqueID, msg.Address.Name(), err)
            return nil
        }
        payload = v
    }
    obsmetrics.MessagesReceived.Inc()
    _, span := tracing.StartSpan(context.Background(), "channel.deliver", attribute.String("message.id", msg.UniqueID.String()))
    defer span.End()

    source := msg.Address
    var merr *multierror.Error
    claimed, delivered := false, false
    for _, l := range g.channelListeners.snapshot() {
        accepted := false
        err := callListener(func() error {
            if !l.Accept(payload, source) { return nil }
            accepted = true
            return l.MessageReceived(payload, source)
        })
        if err != nil {
            obsmetrics.ListenerErrors.Inc()
            logutil.Warnf(g.logger, "channel %s: listener %T failed on message %s: %v", g.name, l, msg.UniqueID, err)
            merr = multierror.Append(merr, fmt.Errorf("%T: %w", l, err))
        }
        if !accepted { continue }
        delivered = true
        if ro, ok := l.(replyOwner); ok && ro.ownsReplies() { claimed = true }
    }
    if !claimed {
        if req, ok := payload.(RPCMessage); ok && !req.Reply {
            g.sendNoRPCReply(req, source)
        }
    }
    logutil.Debugf(g.logger, "channel %s: message %s delivered=%t", g.name, msg.UniqueID, delivered)
    if err := merr.ErrorOrNil(); err != nil {
        span.Fail(err)
        return &RemoteProcessError{Err: err}
    }
    return nil
}

// sendNoRPCReply answers an RPC request nobody handled so the caller does
// not wait for its timeout.
func (g *GroupChannel) sendNoRPCReply(req RPCMessage, dest *member.Member) {
    if dest == nil { return }
    reply := NoRPCChannelReply{RPCID: req.RPCID, UUID: req.UUID}
    if _, err := g.Send(context.Background(), []*member.Member{dest}, reply, message.OptAsync); err != nil {
        logutil.Errorf(g.logger, "channel %s: unable to send no-handler reply to %s: %v", g.name, dest.Name(), err)
    }
}

// memberEvent enters membership transitions at the bottom of the chain.
func (g *GroupChannel) memberEvent(m *member.Member, added bool) {
    dispatchMemberUp(g.chain(), m, added, func(m *member.Member) { g.fanOutMember(m, added) })
}

func (g *GroupChannel) fanOutMember(m *member.Member, added bool) {
    for _, l := range g.membershipListeners.snapshot() {
        err := callListener(func() error {
            if added {
                l.MemberAdded(m)
            } else {
                l.MemberDisappeared(m)
            }
            return nil
        })
        if err != nil {
            obsmetrics.ListenerErrors.Inc()
            logutil.Warnf(g.logger, "channel %s: membership listener %T failed: %v", g.name, l, err)
        }
    }
    typ := EventMemberDisappeared
    if added { typ = EventMemberAdded }
    g.events.publish(Event{Type: typ, At: time.Now(), Member: m})
}

// Heartbeat runs one heartbeat through the chain, the transport and every
// listener that asked for heartbeats.
func (g *GroupChannel) Heartbeat() {
    obsmetrics.Heartbeats.Inc()
    dispatchHeartbeat(g.chain(), g.coord.heartbeat)
    for _, l := range g.channelListeners.snapshot() {
        if hb, ok := l.(Heartbeater); ok { hb.Heartbeat() }
    }
    for _, l := range g.membershipListeners.snapshot() {
        if hb, ok := l.(Heartbeater); ok { hb.Heartbeat() }
    }
}

// LocalMember describes this process as peers see it.
func (g *GroupChannel) LocalMember(incAlive bool) *member.Member { return g.coord.LocalMember(incAlive) }

// Members returns the current membership, or nil without a membership service.
func (g *GroupChannel) Members() []*member.Member { return g.coord.members() }

// Member returns the current version of m, or nil.
func (g *GroupChannel) Member(m *member.Member) *member.Member {
    if g.opts.Membership == nil { return nil }
    return g.opts.Membership.Member(m)
}

func (g *GroupChannel) HasMembers() bool {
    if g.opts.Membership == nil { return false }
    return g.opts.Membership.HasMembers()
}

func (g *GroupChannel) AddChannelListener(l ChannelListener)       { g.channelListeners.add(l) }
func (g *GroupChannel) RemoveChannelListener(l ChannelListener)    { g.channelListeners.remove(l) }
func (g *GroupChannel) AddMembershipListener(l MembershipListener) { g.membershipListeners.add(l) }
func (g *GroupChannel) RemoveMembershipListener(l MembershipListener) {
    g.membershipListeners.remove(l)
}
