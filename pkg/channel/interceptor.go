package channel

import (
    "context"

    "github.com/amirimatin/go-tribes/pkg/member"
    "github.com/amirimatin/go-tribes/pkg/message"
    "github.com/amirimatin/go-tribes/pkg/membership"
)

// Service start mask bits.
const (
    // SndRx is the receiver.
    SndRx = 1
    // SndTx is the sender.
    SndTx = 2
    // MbrRx listens to membership changes.
    MbrRx = membership.MbrRx
    // MbrTx announces this member.
    MbrTx = membership.MbrTx
    // Default starts or stops everything.
    Default = SndRx | SndTx | MbrRx | MbrTx
)

// Verdict tells the chain driver whether to keep walking.
type Verdict int

const (
    // Forward passes the message or event to the next link.
    Forward Verdict = iota
    // Stop ends propagation; the link consumed or dropped it.
    Stop
)

// ErrorHandler is notified about the outcome of a send that completed
// asynchronously.
type ErrorHandler interface {
    HandleError(err error, msg *message.Message)
    HandleCompletion(msg *message.Message)
}

// Outbound is a message travelling down the chain. Links may replace Msg or
// Destination to transform or route it.
type Outbound struct {
    Destination  []*member.Member
    Msg          *message.Message
    ErrorHandler ErrorHandler

    ch  *GroupChannel
    pos int
}

// Continue resumes the downward walk after the link currently holding the
// message. Links that returned Stop to defer the send call it later.
func (o *Outbound) Continue(ctx context.Context) error {
    return o.ch.dispatchDown(ctx, o.pos+1, o)
}

// Inbound is a message travelling up the chain.
type Inbound struct {
    Msg *message.Message
}

// Interceptor is one link of the chain. SendMessage runs in insertion order on
// the way down, MessageReceived in reverse order on the way up. Links whose
// OptionFlag is not fully set in a message's options are skipped for it.
type Interceptor interface {
    OptionFlag() int

    SendMessage(ctx context.Context, out *Outbound) (Verdict, error)
    MessageReceived(in *Inbound) Verdict

    MemberAdded(m *member.Member) Verdict
    MemberDisappeared(m *member.Member) Verdict

    Heartbeat()

    // Start and Stop run after the links below this one and the coordinator
    // have handled the same mask.
    Start(ctx context.Context, svc int) error
    Stop(svc int) error
}

// InterceptorBase forwards everything. Embed it and override what you need.
type InterceptorBase struct {
    Flag    int
    channel *GroupChannel
}

func (b *InterceptorBase) OptionFlag() int { return b.Flag }

func (b *InterceptorBase) SendMessage(ctx context.Context, out *Outbound) (Verdict, error) {
    return Forward, nil
}

func (b *InterceptorBase) MessageReceived(in *Inbound) Verdict         { return Forward }
func (b *InterceptorBase) MemberAdded(m *member.Member) Verdict        { return Forward }
func (b *InterceptorBase) MemberDisappeared(m *member.Member) Verdict  { return Forward }
func (b *InterceptorBase) Heartbeat()                                  {}
func (b *InterceptorBase) Start(ctx context.Context, svc int) error    { return nil }
func (b *InterceptorBase) Stop(svc int) error                          { return nil }

// BindChannel is called when the link is added to a channel.
func (b *InterceptorBase) BindChannel(ch *GroupChannel) { b.channel = ch }

// Channel returns the channel the link belongs to, nil before it is added.
func (b *InterceptorBase) Channel() *GroupChannel { return b.channel }

type channelBinder interface {
    BindChannel(ch *GroupChannel)
}

// okToProcess reports whether a link with the given flag handles a message
// carrying opts.
func okToProcess(flag, opts int) bool {
    return flag == 0 || opts&flag == flag
}
