package interceptors

import (
    "bytes"
    "context"
    "encoding/binary"
    "errors"
    "log"
    "sort"
    "sync"
    "time"

    "github.com/amirimatin/go-tribes/pkg/channel"
    "github.com/amirimatin/go-tribes/pkg/internal/logutil"
    "github.com/amirimatin/go-tribes/pkg/member"
    "github.com/amirimatin/go-tribes/pkg/message"
)

// CoordinatorInfo describes the coordinator of the installed view.
type CoordinatorInfo struct {
    ID     string
    Addr   string
    ViewID message.UniqueID
    // Term grows with every view one coordinator installs.
    Term uint64
}

var viewTokenHeader = []byte("TRIBES-VIEW-TOKEN")

const (
    // tokenConf carries a view the coordinator installed.
    tokenConf byte = 1
    // tokenMerge carries the peers a member knows to the member it takes for
    // the coordinator.
    tokenMerge byte = 2
)

const defaultTokenTimeout = 5 * time.Second

var errBadToken = errors.New("coordinator: malformed view token")

// Coordinator elects the member with the lowest key as the coordinator of
// the group. The elected member sends its view to every other member. A
// member that knows peers missing from a received view sends them back, and
// the coordinator merges them and sends a new view.
type Coordinator struct {
    channel.InterceptorBase
    logger  *log.Logger
    timeout time.Duration

    mu     sync.Mutex
    local  *member.Member
    known  map[string]*member.Member
    gone   map[string]struct{}
    view   []*member.Member
    viewID message.UniqueID
    term   uint64
    // confirmed is false while the view is a local cut of a confirmed one.
    confirmed bool

    changes chan CoordinatorInfo
}

// NewCoordinator returns the link. timeout bounds each view token send; zero
// means five seconds.
func NewCoordinator(timeout time.Duration, logger *log.Logger) *Coordinator {
    if logger == nil { logger = log.Default() }
    if timeout <= 0 { timeout = defaultTokenTimeout }
    return &Coordinator{
        logger:  logger,
        timeout: timeout,
        known:   make(map[string]*member.Member),
        gone:    make(map[string]struct{}),
        changes: make(chan CoordinatorInfo, 1),
    }
}

func (c *Coordinator) Name() string { return "coordinator" }

// Coordinator returns the coordinator of the installed view, or nil before
// the link has started.
func (c *Coordinator) Coordinator() *member.Member {
    c.mu.Lock()
    defer c.mu.Unlock()
    if len(c.view) == 0 { return nil }
    return c.view[0].Clone()
}

func (c *Coordinator) IsCoordinator() bool {
    c.mu.Lock()
    defer c.mu.Unlock()
    return len(c.view) > 0 && c.local != nil && c.view[0].Key() == c.local.Key()
}

// View returns the installed view ordered by member key.
func (c *Coordinator) View() []*member.Member {
    c.mu.Lock()
    defer c.mu.Unlock()
    out := make([]*member.Member, len(c.view))
    for i, m := range c.view { out[i] = m.Clone() }
    return out
}

func (c *Coordinator) ViewID() message.UniqueID {
    c.mu.Lock()
    defer c.mu.Unlock()
    return c.viewID
}

// CoordinatorCh delivers coordinator changes. Updates are coalesced: a slow
// reader only sees the latest one. The channel is never closed.
func (c *Coordinator) CoordinatorCh() <-chan CoordinatorInfo { return c.changes }

func (c *Coordinator) Start(ctx context.Context, svc int) error {
    ch := c.Channel()
    if ch == nil { return nil }
    local := ch.LocalMember(false)
    local.Local = true
    c.mu.Lock()
    c.local = local
    delete(c.known, local.Key())
    c.mu.Unlock()
    c.elect()
    return nil
}

func (c *Coordinator) MemberAdded(m *member.Member) channel.Verdict {
    key := m.Key()
    c.mu.Lock()
    delete(c.gone, key)
    _, had := c.known[key]
    self := c.local != nil && c.local.Key() == key
    if !self { c.known[key] = peer(m) }
    c.mu.Unlock()
    if !had && !self { c.elect() }
    return channel.Forward
}

func (c *Coordinator) MemberDisappeared(m *member.Member) channel.Verdict {
    key := m.Key()
    c.mu.Lock()
    delete(c.known, key)
    c.gone[key] = struct{}{}
    var (
        next    *member.Member
        info    CoordinatorInfo
        changed bool
    )
    if i := indexOf(c.view, key); i >= 0 && len(c.view) > 1 {
        view := append(append([]*member.Member(nil), c.view[:i]...), c.view[i+1:]...)
        next = view[0]
        info, changed = c.installLocked(view, c.viewID, c.term)
        c.confirmed = false
    }
    c.mu.Unlock()
    if changed { c.announce(next, info) }
    c.elect()
    return channel.Forward
}

// Heartbeat resends the view when this member coordinates and its view no
// longer matches the peers it knows.
func (c *Coordinator) Heartbeat() {
    c.mu.Lock()
    stale := false
    if c.local != nil {
        all := c.membersLocked()
        stale = all[0].Key() == c.local.Key() && !sameKeys(c.view, all)
    }
    c.mu.Unlock()
    if stale { c.elect() }
}

func (c *Coordinator) MessageReceived(in *channel.Inbound) channel.Verdict {
    msg := in.Msg
    if !msg.Has(message.OptByte) || !bytes.HasPrefix(msg.Payload, viewTokenHeader) { return channel.Forward }
    typ, id, term, members, err := decodeViewToken(msg.Payload)
    if err != nil {
        logutil.Warnf(c.logger, "coordinator: dropping token %s from %s: %v", msg.UniqueID, msg.Address.Name(), err)
        return channel.Stop
    }
    switch typ {
    case tokenConf:
        c.handleView(id, term, members)
    case tokenMerge:
        c.handleMerge(members)
    default:
        logutil.Warnf(c.logger, "coordinator: unknown token type %d from %s", typ, msg.Address.Name())
    }
    return channel.Stop
}

// elect installs and sends a new view when this member has the lowest key of
// the peers it knows. Otherwise it sends its peers to the lowest one.
func (c *Coordinator) elect() {
    c.mu.Lock()
    if c.local == nil { c.mu.Unlock(); return }
    all := c.membersLocked()
    if all[0].Key() != c.local.Key() {
        c.mu.Unlock()
        c.send(all[:1], tokenMerge, message.UniqueID{}, 0, all)
        return
    }
    id := message.NewUniqueID()
    term := c.term + 1
    info, changed := c.installLocked(all, id, term)
    c.confirmed = true
    c.mu.Unlock()
    logutil.Debugf(c.logger, "coordinator: installed view %s with %d member(s)", id, len(all))
    if changed { c.announce(all[0], info) }
    if len(all) > 1 { c.send(all[1:], tokenConf, id, term, all) }
}

func (c *Coordinator) handleView(id message.UniqueID, term uint64, view []*member.Member) {
    if len(view) == 0 { return }
    sortByKey(view)
    c.mu.Lock()
    if c.local == nil { c.mu.Unlock(); return }
    if c.confirmed && len(c.view) > 0 && c.view[0].Key() == view[0].Key() && term <= c.term {
        c.mu.Unlock()
        logutil.Debugf(c.logger, "coordinator: ignoring outdated view %s (term %d)", id, term)
        return
    }
    c.mergeLocked(view)
    all := c.membersLocked()
    lowest := all[0]
    if lowest.Key() != view[0].Key() {
        c.mu.Unlock()
        // Either this member or a peer the sender does not know ranks lower.
        c.elect()
        return
    }
    info, changed := c.installLocked(view, id, term)
    c.confirmed = true
    complete := sameKeys(view, all)
    c.mu.Unlock()
    logutil.Debugf(c.logger, "coordinator: installed view %s from %s", id, lowest.Name())
    if changed { c.announce(lowest, info) }
    if !complete { c.send([]*member.Member{lowest}, tokenMerge, message.UniqueID{}, 0, all) }
}

func (c *Coordinator) handleMerge(members []*member.Member) {
    c.mu.Lock()
    if c.local == nil { c.mu.Unlock(); return }
    added := c.mergeLocked(members)
    stale := !sameKeys(c.view, c.membersLocked())
    c.mu.Unlock()
    if added || stale { c.elect() }
}

// membersLocked returns this member and its known peers ordered by key.
func (c *Coordinator) membersLocked() []*member.Member {
    all := make([]*member.Member, 0, len(c.known)+1)
    all = append(all, c.local)
    for _, m := range c.known { all = append(all, m) }
    sortByKey(all)
    return all
}

// mergeLocked adds the peers of members that are neither known nor reported
// gone and reports whether any was added.
func (c *Coordinator) mergeLocked(members []*member.Member) bool {
    added := false
    for _, m := range members {
        key := m.Key()
        if key == c.local.Key() { continue }
        if _, ok := c.known[key]; ok { continue }
        if _, ok := c.gone[key]; ok { continue }
        c.known[key] = peer(m)
        added = true
    }
    return added
}

func (c *Coordinator) installLocked(view []*member.Member, id message.UniqueID, term uint64) (CoordinatorInfo, bool) {
    changed := len(c.view) == 0 || c.view[0].Key() != view[0].Key()
    c.view = view
    c.viewID = id
    c.term = term
    head := view[0]
    return CoordinatorInfo{ID: head.Key(), Addr: head.Addr(), ViewID: id, Term: term}, changed
}

func (c *Coordinator) announce(m *member.Member, info CoordinatorInfo) {
    logutil.Infof(c.logger, "coordinator: %s coordinates view %s", m.Name(), info.ViewID)
    select {
    case <-c.changes:
    default:
    }
    select {
    case c.changes <- info:
    default:
    }
    if ch := c.Channel(); ch != nil {
        ch.Publish(channel.Event{Type: channel.EventCoordinatorChanged, Member: m.Clone()})
    }
}

func (c *Coordinator) send(dest []*member.Member, typ byte, id message.UniqueID, term uint64, members []*member.Member) {
    ch := c.Channel()
    if ch == nil { return }
    b, err := encodeViewToken(typ, id, term, members)
    if err != nil {
        logutil.Errorf(c.logger, "coordinator: unable to encode view token: %v", err)
        return
    }
    ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
    defer cancel()
    if err := ch.SendBelow(ctx, c, dest, b, 0); err != nil {
        logutil.Warnf(c.logger, "coordinator: unable to send view token to %d member(s): %v", len(dest), err)
    }
}

// A view token is the header, the token type, the view id, the term and the
// length-prefixed member packages.
func encodeViewToken(typ byte, id message.UniqueID, term uint64, members []*member.Member) ([]byte, error) {
    var buf bytes.Buffer
    buf.Write(viewTokenHeader)
    buf.WriteByte(typ)
    buf.Write(id[:])
    var t [8]byte
    binary.BigEndian.PutUint64(t[:], term)
    buf.Write(t[:])
    var n [4]byte
    binary.BigEndian.PutUint32(n[:], uint32(len(members)))
    buf.Write(n[:])
    for _, m := range members {
        b, err := member.Marshal(m)
        if err != nil { return nil, err }
        binary.BigEndian.PutUint32(n[:], uint32(len(b)))
        buf.Write(n[:])
        buf.Write(b)
    }
    return buf.Bytes(), nil
}

func decodeViewToken(b []byte) (byte, message.UniqueID, uint64, []*member.Member, error) {
    var id message.UniqueID
    b = b[len(viewTokenHeader):]
    if len(b) < 1+len(id)+8+4 { return 0, id, 0, nil, errBadToken }
    typ := b[0]
    copy(id[:], b[1:1+len(id)])
    b = b[1+len(id):]
    term := binary.BigEndian.Uint64(b)
    count := binary.BigEndian.Uint32(b[8:])
    b = b[12:]
    members := make([]*member.Member, 0, count)
    for i := uint32(0); i < count; i++ {
        if len(b) < 4 { return 0, id, 0, nil, errBadToken }
        size := binary.BigEndian.Uint32(b)
        b = b[4:]
        if uint32(len(b)) < size { return 0, id, 0, nil, errBadToken }
        m, err := member.Unmarshal(b[:size])
        if err != nil { return 0, id, 0, nil, err }
        members = append(members, m)
        b = b[size:]
    }
    if len(b) != 0 { return 0, id, 0, nil, errBadToken }
    return typ, id, term, members, nil
}

func peer(m *member.Member) *member.Member {
    p := m.Clone()
    p.Local = false
    return p
}

func sortByKey(ms []*member.Member) {
    sort.Slice(ms, func(i, j int) bool { return ms[i].Key() < ms[j].Key() })
}

func indexOf(ms []*member.Member, key string) int {
    for i, m := range ms {
        if m.Key() == key { return i }
    }
    return -1
}

func sameKeys(a, b []*member.Member) bool {
    if len(a) != len(b) { return false }
    for i := range a {
        if a[i].Key() != b[i].Key() { return false }
    }
    return true
}

var _ channel.Interceptor = (*Coordinator)(nil)
