package channel

import (
    "context"
    "fmt"

    "github.com/amirimatin/go-tribes/pkg/member"
)

// The chain is a plain slice of links. Index 0 sits next to the application;
// the coordinator terminates the downward direction and the GroupChannel the
// upward one.

// dispatchDown walks links[from:] in order and hands the message to bottom if
// no link stopped it.
func dispatchDown(ctx context.Context, links []Interceptor, from int, out *Outbound, bottom func(context.Context, *Outbound) error) error {
    for i := from; i < len(links); i++ {
        ic := links[i]
        if !okToProcess(ic.OptionFlag(), out.Msg.Options) { continue }
        out.pos = i
        v, err := ic.SendMessage(ctx, out)
        if err != nil { return err }
        if v == Stop { return nil }
    }
    out.pos = len(links)
    return bottom(ctx, out)
}

// dispatchUp walks links in reverse and hands the message to top if no link
// stopped it.
func dispatchUp(links []Interceptor, in *Inbound, top func(*Inbound) error) error {
    for i := len(links) - 1; i >= 0; i-- {
        ic := links[i]
        if !okToProcess(ic.OptionFlag(), in.Msg.Options) { continue }
        if ic.MessageReceived(in) == Stop { return nil }
    }
    return top(in)
}

// dispatchMemberUp propagates a membership transition toward the application.
func dispatchMemberUp(links []Interceptor, m *member.Member, added bool, top func(*member.Member)) {
    for i := len(links) - 1; i >= 0; i-- {
        var v Verdict
        if added {
            v = links[i].MemberAdded(m)
        } else {
            v = links[i].MemberDisappeared(m)
        }
        if v == Stop { return }
    }
    top(m)
}

// dispatchHeartbeat propagates a heartbeat toward the transport.
func dispatchHeartbeat(links []Interceptor, bottom func()) {
    for _, ic := range links {
        ic.Heartbeat()
    }
    bottom()
}

// startChain starts the bottom first and then the links from the transport
// side up, so every link finds the layers below it ready. When a link fails,
// the links already started are stopped again; the bottom is left to the
// caller.
func startChain(ctx context.Context, links []Interceptor, svc int, bottom func(context.Context, int) error) error {
    if err := bottom(ctx, svc); err != nil { return err }
    for i := len(links) - 1; i >= 0; i-- {
        if err := links[i].Start(ctx, svc); err != nil {
            for j := i + 1; j < len(links); j++ {
                _ = links[j].Stop(svc)
            }
            return fmt.Errorf("start %T: %w", links[i], err)
        }
    }
    return nil
}

// stopChain mirrors startChain: the bottom is stopped first, then each link
// tears down its own resources.
func stopChain(links []Interceptor, svc int, bottom func(int) error) error {
    if err := bottom(svc); err != nil { return err }
    for i := len(links) - 1; i >= 0; i-- {
        if err := links[i].Stop(svc); err != nil {
            return fmt.Errorf("stop %T: %w", links[i], err)
        }
    }
    return nil
}

// checkOptionFlags fails when two links claim overlapping option flags.
func checkOptionFlags(links []Interceptor) error {
    for i := 0; i < len(links); i++ {
        a := links[i].OptionFlag()
        if a == 0 { continue }
        for j := i + 1; j < len(links); j++ {
            b := links[j].OptionFlag()
            if b == 0 { continue }
            if a&b == a || a&b == b {
                return configErrorf("interceptor option flag conflict: %T (%#x) and %T (%#x)", links[i], a, links[j], b)
            }
        }
    }
    return nil
}
