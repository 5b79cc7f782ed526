package membership

import (
    "context"
    "errors"

    "github.com/amirimatin/go-tribes/pkg/member"
    "github.com/amirimatin/go-tribes/pkg/message"
)

// Service levels a membership service understands. They share the bit space
// of the channel start mask.
const (
    // MbrRx listens for membership changes.
    MbrRx = 4
    // MbrTx announces the local member to the group.
    MbrTx = 8
)

// ErrBroadcastUnsupported is returned by services without a broadcast primitive.
var ErrBroadcastUnsupported = errors.New("membership: broadcast not supported")

// Listener receives membership transitions.
type Listener interface {
    MemberAdded(m *member.Member)
    MemberDisappeared(m *member.Member)
}

// MessageListener receives messages delivered by the membership broadcast.
type MessageListener interface {
    MessageReceived(msg *message.Message) error
}

// Service discovers peers and tracks their liveness.
type Service interface {
    // Start brings up the MbrRx and/or MbrTx part of the service.
    Start(ctx context.Context, level int) error
    Stop(level int) error

    // LocalMember describes this process. When incAlive is true AliveTime
    // reflects the current uptime.
    LocalMember(incAlive bool) *member.Member
    // SetLocalMemberProperties records the address the receiver is bound to.
    SetLocalMemberProperties(host string, port, securePort, udpPort int)

    Members() []*member.Member
    Member(m *member.Member) *member.Member
    HasMembers() bool

    // Broadcast delivers msg to every member. Services that cannot do it
    // return ErrBroadcastUnsupported.
    Broadcast(ctx context.Context, msg *message.Message) error

    SetListener(l Listener)
    SetMessageListener(l MessageListener)
}

// Heartbeater is implemented by services that do periodic work driven by the
// channel heartbeat.
type Heartbeater interface {
    Heartbeat()
}
