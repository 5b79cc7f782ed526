// Package static serves a fixed list of peers. It is the simplest directory
// and the usual choice for tests and small fixed deployments.
package static

import (
    "context"
    "log"

    "github.com/amirimatin/go-tribes/pkg/internal/logutil"
    "github.com/amirimatin/go-tribes/pkg/member"
    "github.com/amirimatin/go-tribes/pkg/membership/cloud"
)

// Static always returns the same peers.
type Static struct {
    seeds  []string
    logger *log.Logger
}

// New returns a directory listing the given host:port seeds.
func New(seeds ...string) *Static {
    cleaned := make([]string, 0, len(seeds))
    for _, v := range seeds {
        cleaned = append(cleaned, cloud.SplitList(v)...)
    }
    return &Static{seeds: cleaned, logger: log.Default()}
}

// Parse converts a comma separated list into seeds.
func Parse(csv string) []string { return cloud.SplitList(csv) }

// WithLogger sets the logger used to report bad entries.
func (s *Static) WithLogger(l *log.Logger) *Static {
    if l != nil { s.logger = l }
    return s
}

func (s *Static) Seeds() []string { return append([]string(nil), s.seeds...) }

func (s *Static) FetchMembers(ctx context.Context, local *member.Member) ([]*member.Member, error) {
    ms, err := cloud.MembersFromAddrs(s.seeds, local)
    if err != nil { logutil.Warnf(s.logger, "static: %v", err) }
    return ms, nil
}

var _ cloud.Fetcher = (*Static)(nil)
