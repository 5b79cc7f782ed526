package membership

import (
    "sort"
    "sync"
    "time"

    "github.com/amirimatin/go-tribes/pkg/member"
)

type entry struct {
    m         *member.Member
    lastHeard time.Time
}

// Set holds the currently alive members keyed by identity. The local member
// is never part of the set. It is safe for concurrent use: writes come from
// one heartbeat at a time while reads happen from any goroutine.
type Set struct {
    mu      sync.RWMutex
    local   *member.Member
    entries map[string]*entry
    now     func() time.Time
}

// NewSet returns an empty set that ignores local.
func NewSet(local *member.Member) *Set {
    return &Set{local: local, entries: make(map[string]*entry), now: time.Now}
}

// SetClock replaces the time source; used by tests.
func (s *Set) SetClock(now func() time.Time) {
    s.mu.Lock()
    s.now = now
    s.mu.Unlock()
}

// SetLocal updates the member excluded from the set.
func (s *Set) SetLocal(local *member.Member) {
    s.mu.Lock()
    s.local = local
    s.mu.Unlock()
}

// MemberAlive records that m was heard from now. It returns true only when m
// was not known before.
func (s *Set) MemberAlive(m *member.Member) bool {
    s.mu.Lock()
    defer s.mu.Unlock()
    return s.aliveLocked(m, s.now())
}

// MemberAliveAt is MemberAlive with an explicit timestamp.
func (s *Set) MemberAliveAt(m *member.Member, at time.Time) bool {
    s.mu.Lock()
    defer s.mu.Unlock()
    return s.aliveLocked(m, at)
}

func (s *Set) aliveLocked(m *member.Member, at time.Time) bool {
    if m == nil || (s.local != nil && member.Same(m, s.local)) { return false }
    k := m.Key()
    if e, ok := s.entries[k]; ok {
        e.m = m
        e.lastHeard = at
        return false
    }
    s.entries[k] = &entry{m: m, lastHeard: at}
    return true
}

// Remove drops m and returns the stored member, or nil.
func (s *Set) Remove(m *member.Member) *member.Member {
    if m == nil { return nil }
    s.mu.Lock()
    defer s.mu.Unlock()
    k := m.Key()
    e, ok := s.entries[k]
    if !ok { return nil }
    delete(s.entries, k)
    return e.m
}

// Expire removes and returns the members not heard from for longer than window.
func (s *Set) Expire(window time.Duration) []*member.Member {
    s.mu.Lock()
    defer s.mu.Unlock()
    now := s.now()
    var out []*member.Member
    for k, e := range s.entries {
        if now.Sub(e.lastHeard) > window {
            out = append(out, e.m)
            delete(s.entries, k)
        }
    }
    sortMembers(out)
    return out
}

// Members returns a snapshot, longest advertised uptime first.
func (s *Set) Members() []*member.Member {
    s.mu.RLock()
    out := make([]*member.Member, 0, len(s.entries))
    for _, e := range s.entries {
        out = append(out, e.m)
    }
    s.mu.RUnlock()
    sortMembers(out)
    return out
}

// Member returns the stored version of m, or nil.
func (s *Set) Member(m *member.Member) *member.Member {
    if m == nil { return nil }
    s.mu.RLock()
    defer s.mu.RUnlock()
    if e, ok := s.entries[m.Key()]; ok { return e.m }
    return nil
}

// Has reports whether m is in the set.
func (s *Set) Has(m *member.Member) bool { return s.Member(m) != nil }

// LastHeard returns when m was last refreshed.
func (s *Set) LastHeard(m *member.Member) (time.Time, bool) {
    s.mu.RLock()
    defer s.mu.RUnlock()
    e, ok := s.entries[m.Key()]
    if !ok { return time.Time{}, false }
    return e.lastHeard, true
}

func (s *Set) Len() int {
    s.mu.RLock()
    defer s.mu.RUnlock()
    return len(s.entries)
}

func sortMembers(ms []*member.Member) {
    sort.SliceStable(ms, func(i, j int) bool {
        if ms[i].AliveTime != ms[j].AliveTime { return ms[i].AliveTime > ms[j].AliveTime }
        return ms[i].Key() < ms[j].Key()
    })
}
