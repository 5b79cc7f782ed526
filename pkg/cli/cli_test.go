package cli

import (
    "bytes"
    "context"
    "log"
    "strings"
    "testing"
    "time"

    "github.com/spf13/cobra"

    "github.com/amirimatin/go-tribes/pkg/member"
    "github.com/amirimatin/go-tribes/pkg/message"
    httpjson "github.com/amirimatin/go-tribes/pkg/transport/httpjson"
)

func TestAddAll(t *testing.T) {
    root := &cobra.Command{Use: "tribesctl"}
    AddAll(root)
    for _, name := range []string{"run", "status", "send"} {
        c, _, err := root.Find([]string{name})
        if err != nil || c.Name() != name { t.Fatalf("command %s not found: %v", name, err) }
    }
    if NewRunCmd().Flags().Lookup("membership").DefValue != "memberlist" { t.Fatalf("unexpected default membership") }
}

func TestPrinterAcceptsBytesOnly(t *testing.T) {
    var buf bytes.Buffer
    p := printer{out: log.New(&buf, "", 0)}
    if p.Accept("text", nil) { t.Fatalf("non byte payload accepted") }
    src := member.New("10.0.0.1", 4000)
    if !p.Accept(message.ByteMessage("hi"), src) { t.Fatalf("byte payload rejected") }
    if err := p.MessageReceived(message.ByteMessage("hi"), src); err != nil { t.Fatalf("received: %v", err) }
    if !strings.Contains(buf.String(), `payload="hi"`) { t.Fatalf("unexpected output %q", buf.String()) }
}

func TestSendAgainstServer(t *testing.T) {
    got := make(chan string, 1)
    srv := httpjson.NewServer("127.0.0.1:0", log.Default())
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    err := srv.Start(ctx, httpjson.Handlers{
        Status: func(ctx context.Context) ([]byte, error) { return []byte(`{}`), nil },
        Send:   func(ctx context.Context, p []byte) error { got <- string(p); return nil },
    })
    if err != nil { t.Fatalf("start: %v", err) }
    defer srv.Stop(context.Background())

    cmd := NewSendCmd()
    var out bytes.Buffer
    cmd.SetOut(&out)
    cmd.SetArgs([]string{"--addr", srv.Addr(), "--timeout", (2 * time.Second).String(), "hello"})
    if err := cmd.Execute(); err != nil { t.Fatalf("send: %v", err) }
    if g := <-got; g != "hello" { t.Fatalf("server got %q", g) }
    if !strings.Contains(out.String(), "true") { t.Fatalf("unexpected output %q", out.String()) }
}
