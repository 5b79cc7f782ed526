package channel

import (
    "errors"
    "fmt"

    "github.com/amirimatin/go-tribes/pkg/transport"
)

var (
    // ErrConfiguration marks start/stop requests the channel refuses: bad
    // service masks, conflicting interceptors, broken dependency order.
    ErrConfiguration = errors.New("channel: configuration error")
    ErrChainActive   = errors.New("channel: interceptor chain is active")
    ErrNoDestination = errors.New("channel: no destination given")
    ErrNilPayload    = errors.New("channel: nil payload")
    ErrNotStarted    = errors.New("channel: service not started")
)

func configErrorf(format string, args ...any) error {
    return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

// ChannelError is returned by channel operations. For sends it lists the
// members that could not be reached.
type ChannelError struct {
    Op     string
    Err    error
    Faulty []transport.FaultyMember
}

func (e *ChannelError) Error() string { return fmt.Sprintf("channel: %s: %v", e.Op, e.Err) }
func (e *ChannelError) Unwrap() error { return e.Err }

func wrapOp(op string, err error) error {
    if err == nil { return nil }
    var ce *ChannelError
    if errors.As(err, &ce) { return err }
    out := &ChannelError{Op: op, Err: err}
    var se *transport.SendError
    if errors.As(err, &se) { out.Faulty = se.Faulty }
    return out
}

// RemoteProcessError reports that one or more listeners failed while a
// received message or event was fanned out. Every listener was still called.
type RemoteProcessError struct {
    Err error
}

func (e *RemoteProcessError) Error() string { return "channel: error processing received message: " + e.Err.Error() }
func (e *RemoteProcessError) Unwrap() error { return e.Err }
