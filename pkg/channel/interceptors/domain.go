package interceptors

import (
    "bytes"
    "log"

    "github.com/amirimatin/go-tribes/pkg/channel"
    "github.com/amirimatin/go-tribes/pkg/internal/logutil"
    "github.com/amirimatin/go-tribes/pkg/member"
)

// Domain drops traffic and membership events from members outside its
// domain. Members without a domain are treated as foreign.
type Domain struct {
    channel.InterceptorBase
    domain []byte
    logger *log.Logger
}

func NewDomain(domain string, logger *log.Logger) *Domain {
    if logger == nil { logger = log.Default() }
    return &Domain{domain: []byte(domain), logger: logger}
}

func (d *Domain) Name() string { return "domain" }

func (d *Domain) accept(m *member.Member) bool {
    return m != nil && bytes.Equal(m.Domain, d.domain)
}

func (d *Domain) MessageReceived(in *channel.Inbound) channel.Verdict {
    if d.accept(in.Msg.Address) { return channel.Forward }
    logutil.Debugf(d.logger, "domain: dropping message %s from %s (domain %q)", in.Msg.UniqueID, in.Msg.Address.Name(), addrDomain(in.Msg.Address))
    return channel.Stop
}

func (d *Domain) MemberAdded(m *member.Member) channel.Verdict {
    if d.accept(m) { return channel.Forward }
    logutil.Debugf(d.logger, "domain: ignoring member %s from domain %q", m.Name(), m.Domain)
    return channel.Stop
}

func (d *Domain) MemberDisappeared(m *member.Member) channel.Verdict {
    if d.accept(m) { return channel.Forward }
    return channel.Stop
}

func addrDomain(m *member.Member) string {
    if m == nil { return "" }
    return string(m.Domain)
}

var _ channel.Interceptor = (*Domain)(nil)
