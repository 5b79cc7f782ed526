package cloud

import (
    "fmt"
    "net"
    "strconv"
    "strings"

    "github.com/hashicorp/go-multierror"

    "github.com/amirimatin/go-tribes/pkg/member"
)

// SplitList splits a comma separated list, dropping blanks.
func SplitList(csv string) []string {
    if csv == "" { return nil }
    var out []string
    for _, p := range strings.Split(csv, ",") {
        if p = strings.TrimSpace(p); p != "" { out = append(out, p) }
    }
    return out
}

// MembersFromAddrs builds members from host:port entries. A bare host takes
// the local member's port. Ids are derived from host:port and the domain is
// copied from local. Bad entries are skipped and reported in the error.
func MembersFromAddrs(addrs []string, local *member.Member) ([]*member.Member, error) {
    var merr *multierror.Error
    out := make([]*member.Member, 0, len(addrs))
    for _, a := range addrs {
        host, port, err := splitAddr(a, local)
        if err != nil { merr = multierror.Append(merr, err); continue }
        m := member.New(host, port)
        m.UniqueID = member.DeriveID(m.Addr())
        if local != nil { m.Domain = append([]byte(nil), local.Domain...) }
        out = append(out, m)
    }
    return out, merr.ErrorOrNil()
}

func splitAddr(a string, local *member.Member) (string, int, error) {
    host, ps, err := net.SplitHostPort(a)
    if err != nil {
        if local == nil || local.Port <= 0 { return "", 0, fmt.Errorf("address %q: missing port", a) }
        return strings.Trim(a, "[]"), local.Port, nil
    }
    port, err := strconv.Atoi(ps)
    if err != nil || port <= 0 || port > 65535 { return "", 0, fmt.Errorf("address %q: bad port", a) }
    if host == "" { return "", 0, fmt.Errorf("address %q: missing host", a) }
    return host, port, nil
}
