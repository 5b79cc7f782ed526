package transport

import (
    "context"
    "errors"

    "github.com/amirimatin/go-tribes/pkg/member"
    "github.com/amirimatin/go-tribes/pkg/message"
)

// ErrNotStarted is returned when a transport is used before Start.
var ErrNotStarted = errors.New("transport: not started")

// MessageHandler consumes inbound messages. An error is reported back to the
// sender where the transport supports it.
type MessageHandler interface {
    MessageReceived(msg *message.Message) error
}

// Receiver accepts inbound connections and hands decoded messages to its handler.
type Receiver interface {
    Start(ctx context.Context) error
    Stop() error

    // Host and ports are valid after Start; ports are -1 when unused.
    Host() string
    Port() int
    SecurePort() int
    UDPPort() int

    SetMessageHandler(h MessageHandler)
}

// Sender delivers messages to explicit destinations.
type Sender interface {
    Start(ctx context.Context) error
    Stop() error
    // SendMessage delivers msg to every destination. Partial failures are
    // reported as a *SendError.
    SendMessage(ctx context.Context, dest []*member.Member, msg *message.Message) error
}

// MemberAware is implemented by senders that keep per-member resources.
type MemberAware interface {
    Add(m *member.Member)
    Remove(m *member.Member)
}

// StatusFunc returns a JSON-encoded status payload for management /status.
type StatusFunc func(ctx context.Context) ([]byte, error)
