// Package file reads peers from a file, a glob of files or an environment
// variable. The file is re-read when it changes or the cache goes stale, so
// an operator can edit the list while the group runs.
package file

import (
    "bufio"
    "context"
    "log"
    "os"
    "path/filepath"
    "sort"
    "strings"
    "sync"
    "time"

    "github.com/amirimatin/go-tribes/pkg/internal/logutil"
    "github.com/amirimatin/go-tribes/pkg/member"
    "github.com/amirimatin/go-tribes/pkg/membership/cloud"
)

// Options configures file/ENV-based discovery.
type Options struct {
    // Path to a file (or glob) with one peer per line or comma separated.
    Path string
    // Env overrides the file when set and non-empty.
    Env string
    // Refresh controls cache staleness; defaults to 5s.
    Refresh time.Duration
    Logger  *log.Logger
}

// File is a directory backed by files on disk.
type File struct {
    opts  Options
    mu    sync.Mutex
    last  time.Time
    mtime time.Time
    cache []string
}

func New(opts Options) *File {
    if opts.Refresh <= 0 { opts.Refresh = 5 * time.Second }
    if opts.Logger == nil { opts.Logger = log.Default() }
    return &File{opts: opts}
}

// Seeds returns the current peer addresses, sorted and de-duplicated.
func (f *File) Seeds() []string {
    f.mu.Lock()
    defer f.mu.Unlock()
    if f.opts.Env != "" {
        if v := strings.TrimSpace(os.Getenv(f.opts.Env)); v != "" { return normalize(cloud.SplitList(v)) }
    }
    if f.opts.Path == "" { return nil }
    now := time.Now()
    if st, err := os.Stat(f.opts.Path); err == nil {
        if st.ModTime().After(f.mtime) || now.Sub(f.last) >= f.opts.Refresh {
            f.cache = f.load(f.opts.Path)
            f.last, f.mtime = now, st.ModTime()
        }
        return append([]string(nil), f.cache...)
    }
    if matches, _ := filepath.Glob(f.opts.Path); len(matches) > 0 {
        var all []string
        for _, m := range matches {
            all = append(all, f.load(m)...)
        }
        f.cache = normalize(all)
        f.last = now
    }
    return append([]string(nil), f.cache...)
}

func (f *File) FetchMembers(ctx context.Context, local *member.Member) ([]*member.Member, error) {
    ms, err := cloud.MembersFromAddrs(f.Seeds(), local)
    if err != nil { logutil.Warnf(f.opts.Logger, "file: %v", err) }
    return ms, nil
}

func (f *File) load(path string) []string {
    fh, err := os.Open(path)
    if err != nil {
        logutil.Warnf(f.opts.Logger, "file: open %s: %v", path, err)
        return nil
    }
    defer fh.Close()
    var seeds []string
    s := bufio.NewScanner(fh)
    for s.Scan() {
        line := strings.TrimSpace(s.Text())
        if line == "" || strings.HasPrefix(line, "#") { continue }
        seeds = append(seeds, cloud.SplitList(line)...)
    }
    if err := s.Err(); err != nil {
        logutil.Warnf(f.opts.Logger, "file: read %s: %v", path, err)
        return nil
    }
    return normalize(seeds)
}

func normalize(in []string) []string {
    set := make(map[string]struct{}, len(in))
    for _, x := range in { set[x] = struct{}{} }
    out := make([]string, 0, len(set))
    for x := range set { out = append(out, x) }
    sort.Strings(out)
    return out
}

var _ cloud.Fetcher = (*File)(nil)
