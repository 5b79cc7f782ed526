package channel

import (
    "context"
    "encoding/json"
    "fmt"
    "strings"

    "github.com/amirimatin/go-tribes/pkg/member"
    "github.com/amirimatin/go-tribes/pkg/membership"
    "github.com/amirimatin/go-tribes/pkg/transport"
)

// Status is a JSON friendly snapshot of the channel for status endpoints and
// tooling.
type Status struct {
    Name  string `json:"name"`
    State string `json:"state"`
    // Level is the running service mask.
    Level int          `json:"level"`
    Local MemberStatus `json:"local"`
    Members []MemberStatus `json:"members"`
    Interceptors []string  `json:"interceptors"`
    // HealthScore comes from the membership service, -1 when unknown.
    HealthScore int      `json:"healthScore"`
    Warnings    []string `json:"warnings,omitempty"`
}

type MemberStatus struct {
    ID          string `json:"id,omitempty"`
    Addr        string `json:"addr"`
    Domain      string `json:"domain,omitempty"`
    AliveMillis int64  `json:"aliveMillis"`
    SenderState string `json:"senderState,omitempty"`
}

func (g *GroupChannel) memberStatus(m *member.Member) MemberStatus {
    ms := MemberStatus{Addr: m.Addr(), Domain: string(m.Domain), AliveMillis: m.AliveTime.Milliseconds()}
    if m.HasID() { ms.ID = m.Key() }
    if st, ok := g.coord.states.Get(m); ok { ms.SenderState = st.State.String() }
    return ms
}

// Status returns a snapshot of the channel.
func (g *GroupChannel) Status() *Status {
    st := &Status{
        Name:        g.name,
        State:       g.State().String(),
        Level:       g.coord.Level(),
        Local:       g.memberStatus(g.LocalMember(true)),
        HealthScore: -1,
    }
    for _, ic := range g.chain() {
        st.Interceptors = append(st.Interceptors, interceptorName(ic))
    }
    for _, m := range g.Members() {
        ms := g.memberStatus(m)
        if ms.SenderState == transport.Failing.String() {
            st.Warnings = append(st.Warnings, "member "+ms.Addr+" is failing")
        }
        st.Members = append(st.Members, ms)
    }
    if hr, ok := g.opts.Membership.(membership.HealthReporter); ok {
        st.HealthScore = hr.HealthScore()
    }
    if st.Level != 0 && st.Level != Default {
        st.Warnings = append(st.Warnings, "channel is partially started")
    }
    return st
}

// StatusJSON encodes Status. It satisfies transport.StatusFunc.
func (g *GroupChannel) StatusJSON(ctx context.Context) ([]byte, error) {
    return json.Marshal(g.Status())
}

// Named is implemented by links that want a readable name in status output.
type Named interface {
    Name() string
}

func interceptorName(ic Interceptor) string {
    if n, ok := ic.(Named); ok { return n.Name() }
    return strings.TrimPrefix(fmt.Sprintf("%T", ic), "*")
}
