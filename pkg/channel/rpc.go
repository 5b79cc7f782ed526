package channel

import (
    "bytes"
    "context"
    "encoding/hex"
    "errors"
    "sync"
    "time"

    "github.com/amirimatin/go-tribes/pkg/internal/logutil"
    "github.com/amirimatin/go-tribes/pkg/member"
    "github.com/amirimatin/go-tribes/pkg/message"
)

// ReplyMode tells RPCChannel.Send how many responses to wait for.
type ReplyMode int

const (
    FirstReply    ReplyMode = 1
    MajorityReply ReplyMode = 2
    AllReply      ReplyMode = 3
    NoReply       ReplyMode = 4
)

// ErrRPCClosed is returned by Send on a closed RPCChannel.
var ErrRPCClosed = errors.New("channel: rpc channel closed")

// RPCMessage carries an RPC request or reply. RPCID identifies the RPC
// channel, UUID the call.
type RPCMessage struct {
    RPCID   []byte
    UUID    []byte
    Payload any
    Reply   bool
}

// NoRPCChannelReply tells the caller that nobody on the remote side handles
// the request.
type NoRPCChannelReply struct {
    RPCID []byte
    UUID  []byte
}

// RPCCallback answers requests. ReplyRequest returning nil makes the channel
// send a no-handler reply. LeftOver receives replies that arrived after the
// call completed.
type RPCCallback interface {
    ReplyRequest(payload any, sender *member.Member) any
    LeftOver(payload any, sender *member.Member)
}

// Response is one answer to an RPC call.
type Response struct {
    Source    *member.Member
    Message   any
    NoHandler bool
}

// RPCChannel implements request/response on top of a GroupChannel.
type RPCChannel struct {
    id []byte
    ch *GroupChannel
    cb RPCCallback

    mu           sync.Mutex
    pending      map[string]*collector
    replyOptions int
    closed       bool
}

type collector struct {
    need      int
    responses []Response
    done      chan struct{}
    finished  bool
}

func (c *collector) add(r Response) {
    if c.finished { return }
    c.responses = append(c.responses, r)
    if len(c.responses) >= c.need {
        c.finished = true
        close(c.done)
    }
}

// NewRPCChannel registers an RPC endpoint named id on ch. cb may be nil for
// a client only endpoint.
func NewRPCChannel(id []byte, ch *GroupChannel, cb RPCCallback) *RPCChannel {
    r := &RPCChannel{
        id:           append([]byte(nil), id...),
        ch:           ch,
        cb:           cb,
        pending:      make(map[string]*collector),
        replyOptions: message.OptDefault,
    }
    ch.AddChannelListener(r)
    return r
}

// SetReplyOptions sets the send options used for replies.
func (r *RPCChannel) SetReplyOptions(opts int) {
    r.mu.Lock()
    r.replyOptions = opts
    r.mu.Unlock()
}

// Close unregisters the endpoint and releases pending calls.
func (r *RPCChannel) Close() {
    r.ch.RemoveChannelListener(r)
    r.mu.Lock()
    defer r.mu.Unlock()
    r.closed = true
    for k, c := range r.pending {
        if !c.finished {
            c.finished = true
            close(c.done)
        }
        delete(r.pending, k)
    }
}

func needed(mode ReplyMode, n int) int {
    switch mode {
    case FirstReply:
        return 1
    case MajorityReply:
        return n/2 + 1
    }
    return n
}

// Send calls dest and collects responses according to mode. Hitting the
// timeout is not an error; the responses gathered so far are returned.
func (r *RPCChannel) Send(ctx context.Context, dest []*member.Member, payload any, mode ReplyMode, options int, timeout time.Duration) ([]Response, error) {
    if len(dest) == 0 { return nil, ErrNoDestination }
    if payload == nil { return nil, ErrNilPayload }
    call := message.NewUniqueID()
    req := RPCMessage{RPCID: r.id, UUID: call[:], Payload: payload}

    if mode == NoReply {
        _, err := r.ch.Send(ctx, dest, req, options)
        return nil, err
    }

    c := &collector{need: needed(mode, len(dest)), done: make(chan struct{})}
    key := hex.EncodeToString(call[:])
    r.mu.Lock()
    if r.closed {
        r.mu.Unlock()
        return nil, ErrRPCClosed
    }
    r.pending[key] = c
    r.mu.Unlock()
    defer func() {
        r.mu.Lock()
        delete(r.pending, key)
        r.mu.Unlock()
    }()

    if _, err := r.ch.Send(ctx, dest, req, options); err != nil { return nil, err }

    var timer <-chan time.Time
    if timeout > 0 {
        t := time.NewTimer(timeout)
        defer t.Stop()
        timer = t.C
    }
    select {
    case <-c.done:
    case <-timer:
    case <-ctx.Done():
    }
    r.mu.Lock()
    defer r.mu.Unlock()
    c.finished = true
    out := make([]Response, len(c.responses))
    copy(out, c.responses)
    return out, nil
}

func (r *RPCChannel) Accept(payload any, source *member.Member) bool {
    switch p := payload.(type) {
    case RPCMessage:
        return bytes.Equal(p.RPCID, r.id)
    case NoRPCChannelReply:
        return bytes.Equal(p.RPCID, r.id)
    }
    return false
}

func (r *RPCChannel) MessageReceived(payload any, source *member.Member) error {
    switch p := payload.(type) {
    case NoRPCChannelReply:
        r.collect(p.UUID, Response{Source: source, NoHandler: true}, payload)
    case RPCMessage:
        if p.Reply {
            r.collect(p.UUID, Response{Source: source, Message: p.Payload}, p.Payload)
            return nil
        }
        return r.answer(p, source)
    }
    return nil
}

func (r *RPCChannel) collect(call []byte, resp Response, raw any) {
    r.mu.Lock()
    c, ok := r.pending[hex.EncodeToString(call)]
    if ok && !c.finished {
        c.add(resp)
        r.mu.Unlock()
        return
    }
    r.mu.Unlock()
    if r.cb != nil && !resp.NoHandler { r.cb.LeftOver(raw, resp.Source) }
}

func (r *RPCChannel) answer(req RPCMessage, source *member.Member) error {
    dest := []*member.Member{source}
    var reply any
    if r.cb != nil { reply = r.cb.ReplyRequest(req.Payload, source) }
    if reply == nil {
        _, err := r.ch.Send(context.Background(), dest, NoRPCChannelReply{RPCID: r.id, UUID: req.UUID}, message.OptAsync)
        return err
    }
    r.mu.Lock()
    opts := r.replyOptions
    r.mu.Unlock()
    _, err := r.ch.Send(context.Background(), dest, RPCMessage{RPCID: r.id, UUID: req.UUID, Payload: reply, Reply: true}, opts)
    if err != nil {
        logutil.Warnf(r.ch.logger, "rpc: unable to reply to %s: %v", source.Name(), err)
    }
    return err
}

func (r *RPCChannel) ownsReplies() bool { return true }

var (
    _ ChannelListener = (*RPCChannel)(nil)
    _ replyOwner      = (*RPCChannel)(nil)
)
