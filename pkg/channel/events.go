package channel

import (
    "context"
    "sync"
    "time"

    "github.com/amirimatin/go-tribes/pkg/member"
)

type EventType string

const (
    EventMemberAdded        EventType = "member_added"
    EventMemberDisappeared  EventType = "member_disappeared"
    EventHeartbeatRestarted EventType = "heartbeat_restarted"
    EventStarted            EventType = "started"
    EventStopped            EventType = "stopped"
    EventCoordinatorChanged EventType = "coordinator_changed"
)

// Event describes a channel state change. Only the fields relevant to the
// event type are populated.
type Event struct {
    Type   EventType
    At     time.Time
    Member *member.Member
    // Level is the running service mask after a start or stop.
    Level  int
    Err    error
}

// Subscribe returns a buffered channel of events, closed when ctx is done.
// Slow consumers miss events rather than block the channel.
func (g *GroupChannel) Subscribe(ctx context.Context) <-chan Event {
    ch := make(chan Event, 64)
    g.events.add(ch)
    go func() {
        <-ctx.Done()
        g.events.remove(ch)
        close(ch)
    }()
    return ch
}

// Publish hands e to every subscriber. Links use it to report their own state
// changes; a zero At is stamped with the current time.
func (g *GroupChannel) Publish(e Event) {
    if e.At.IsZero() { e.At = time.Now() }
    g.events.publish(e)
}

type eventBus struct {
    mu   sync.Mutex
    subs map[chan Event]struct{}
}

func (e *eventBus) add(ch chan Event) {
    e.mu.Lock()
    if e.subs == nil { e.subs = make(map[chan Event]struct{}) }
    e.subs[ch] = struct{}{}
    e.mu.Unlock()
}

func (e *eventBus) remove(ch chan Event) {
    e.mu.Lock()
    if e.subs != nil { delete(e.subs, ch) }
    e.mu.Unlock()
}

func (e *eventBus) publish(ev Event) {
    e.mu.Lock()
    for ch := range e.subs {
        select {
        case ch <- ev:
        default:
            // slow receiver
        }
    }
    e.mu.Unlock()
}
