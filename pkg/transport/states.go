package transport

import (
    "sync"
    "time"

    "github.com/amirimatin/go-tribes/pkg/member"
)

// State is the connection health of a peer as seen by the sender.
type State int

const (
    Ready State = iota
    Suspect
    Failing
)

// failingAfter is the number of consecutive failures that marks a peer failing.
const failingAfter = 3

func (s State) String() string {
    switch s {
    case Ready:
        return "ready"
    case Suspect:
        return "suspect"
    case Failing:
        return "failing"
    }
    return "unknown"
}

// SenderState tracks one peer.
type SenderState struct {
    Member      *member.Member
    State       State
    Failures    int
    LastFailure time.Time
    LastSuccess time.Time
}

// SenderStates caches per-member sender health. It is owned by a single
// coordinator and safe for concurrent use.
type SenderStates struct {
    mu sync.Mutex
    m  map[string]*SenderState
}

func NewSenderStates() *SenderStates {
    return &SenderStates{m: make(map[string]*SenderState)}
}

// Add registers m in the Ready state. It returns true if m was not known.
func (s *SenderStates) Add(m *member.Member) bool {
    s.mu.Lock()
    defer s.mu.Unlock()
    k := m.Key()
    if st, ok := s.m[k]; ok {
        st.Member = m
        return false
    }
    s.m[k] = &SenderState{Member: m, State: Ready}
    return true
}

// Remove forgets m.
func (s *SenderStates) Remove(m *member.Member) {
    s.mu.Lock()
    delete(s.m, m.Key())
    s.mu.Unlock()
}

// Succeeded marks a successful delivery to m.
func (s *SenderStates) Succeeded(m *member.Member) {
    s.mu.Lock()
    defer s.mu.Unlock()
    st := s.getLocked(m)
    st.State = Ready
    st.Failures = 0
    st.LastSuccess = time.Now()
}

// Failed records a failed delivery and returns the resulting state.
func (s *SenderStates) Failed(m *member.Member) State {
    s.mu.Lock()
    defer s.mu.Unlock()
    st := s.getLocked(m)
    st.Failures++
    st.LastFailure = time.Now()
    if st.Failures >= failingAfter {
        st.State = Failing
    } else {
        st.State = Suspect
    }
    return st.State
}

func (s *SenderStates) getLocked(m *member.Member) *SenderState {
    k := m.Key()
    st, ok := s.m[k]
    if !ok {
        st = &SenderState{Member: m, State: Ready}
        s.m[k] = st
    }
    return st
}

// Get returns a copy of the state of m.
func (s *SenderStates) Get(m *member.Member) (SenderState, bool) {
    s.mu.Lock()
    defer s.mu.Unlock()
    st, ok := s.m[m.Key()]
    if !ok { return SenderState{}, false }
    return *st, true
}

// Snapshot returns copies of all states.
func (s *SenderStates) Snapshot() []SenderState {
    s.mu.Lock()
    defer s.mu.Unlock()
    out := make([]SenderState, 0, len(s.m))
    for _, st := range s.m {
        out = append(out, *st)
    }
    return out
}

// Clear forgets every member.
func (s *SenderStates) Clear() {
    s.mu.Lock()
    s.m = make(map[string]*SenderState)
    s.mu.Unlock()
}
