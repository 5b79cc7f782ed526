package file

import (
    "context"
    "os"
    "path/filepath"
    "testing"
    "time"

    "github.com/amirimatin/go-tribes/pkg/member"
)

func TestEnvOverridesFile(t *testing.T) {
    dir := t.TempDir()
    f := filepath.Join(dir, "peers.txt")
    if err := os.WriteFile(f, []byte("a:1\n"), 0o644); err != nil { t.Fatal(err) }

    const envName = "TEST_TRIBES_PEERS"
    t.Setenv(envName, "y:8,x:9")

    d := New(Options{Path: f, Env: envName, Refresh: 5 * time.Millisecond})
    got := d.Seeds()
    if len(got) != 2 || got[0] != "x:9" || got[1] != "y:8" {
        t.Fatalf("env override failed, got %#v", got)
    }
}

func TestFileReadAndCacheRefresh(t *testing.T) {
    dir := t.TempDir()
    f := filepath.Join(dir, "peers.txt")
    if err := os.WriteFile(f, []byte("# peers\na:1\nb:2\n"), 0o644); err != nil { t.Fatal(err) }

    d := New(Options{Path: f, Refresh: 10 * time.Millisecond})
    got1 := d.Seeds()
    if len(got1) != 2 || got1[0] != "a:1" || got1[1] != "b:2" {
        t.Fatalf("unexpected initial peers: %#v", got1)
    }

    if err := os.WriteFile(f, []byte("b:2\nc:3\n"), 0o644); err != nil { t.Fatal(err) }
    time.Sleep(15 * time.Millisecond)

    got2 := d.Seeds()
    if len(got2) != 2 || got2[0] != "b:2" || got2[1] != "c:3" {
        t.Fatalf("expected refreshed peers, got %#v", got2)
    }
}

func TestGlobReadsUniqueSorted(t *testing.T) {
    dir := t.TempDir()
    if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a:1\nb:2\n"), 0o644); err != nil { t.Fatal(err) }
    if err := os.WriteFile(filepath.Join(dir, "b.txt"), []byte("b:2\nc:3\n"), 0o644); err != nil { t.Fatal(err) }

    d := New(Options{Path: filepath.Join(dir, "*.txt"), Refresh: 5 * time.Millisecond})
    got := d.Seeds()
    want := []string{"a:1", "b:2", "c:3"}
    if len(got) != len(want) {
        t.Fatalf("len mismatch: got %d want %d (%#v)", len(got), len(want), got)
    }
    for i := range want {
        if got[i] != want[i] {
            t.Fatalf("item %d: got %q want %q (%#v)", i, got[i], want[i], got)
        }
    }
}

func TestFetchMembersUsesLocalPort(t *testing.T) {
    f := filepath.Join(t.TempDir(), "peers.txt")
    if err := os.WriteFile(f, []byte("10.0.0.2\n10.0.0.3:4100\n"), 0o644); err != nil { t.Fatal(err) }
    d := New(Options{Path: f})
    ms, err := d.FetchMembers(context.Background(), member.New("10.0.0.1", 4000))
    if err != nil { t.Fatal(err) }
    if len(ms) != 2 || ms[0].Addr() != "10.0.0.2:4000" || ms[1].Addr() != "10.0.0.3:4100" {
        t.Fatalf("unexpected members: %v", ms)
    }
}
