package interceptors

import (
    "bytes"
    "compress/gzip"
    "context"
    "fmt"
    "io"
    "log"

    "github.com/amirimatin/go-tribes/pkg/channel"
    "github.com/amirimatin/go-tribes/pkg/internal/logutil"
    "github.com/amirimatin/go-tribes/pkg/message"
    obsmetrics "github.com/amirimatin/go-tribes/pkg/observability/metrics"
)

// maxInflated bounds the size of an inflated payload.
const maxInflated = 64 << 20

// Gzip compresses payloads of messages flagged OptCompress.
type Gzip struct {
    channel.InterceptorBase
    level  int
    logger *log.Logger
}

// NewGzip returns a compressing link. level follows compress/gzip; zero means
// the default level.
func NewGzip(level int, logger *log.Logger) (*Gzip, error) {
    if level == 0 { level = gzip.DefaultCompression }
    if level < gzip.HuffmanOnly || level > gzip.BestCompression { return nil, fmt.Errorf("gzip: invalid level %d", level) }
    if logger == nil { logger = log.Default() }
    return &Gzip{InterceptorBase: channel.InterceptorBase{Flag: message.OptCompress}, level: level, logger: logger}, nil
}

func (g *Gzip) Name() string { return "gzip" }

func (g *Gzip) SendMessage(ctx context.Context, out *channel.Outbound) (channel.Verdict, error) {
    var buf bytes.Buffer
    w, err := gzip.NewWriterLevel(&buf, g.level)
    if err != nil { return channel.Stop, err }
    if _, err := w.Write(out.Msg.Payload); err != nil { return channel.Stop, fmt.Errorf("gzip: compress: %w", err) }
    if err := w.Close(); err != nil { return channel.Stop, fmt.Errorf("gzip: compress: %w", err) }
    out.Msg = out.Msg.WithPayload(buf.Bytes())
    return channel.Forward, nil
}

func (g *Gzip) MessageReceived(in *channel.Inbound) channel.Verdict {
    b, err := inflate(in.Msg.Payload)
    if err != nil {
        obsmetrics.MessagesDropped.WithLabelValues("decompress").Inc()
        logutil.Errorf(g.logger, "gzip: unable to inflate message %s from %s: %v", in.Msg.UniqueID, in.Msg.Address.Name(), err)
        return channel.Stop
    }
    in.Msg = in.Msg.WithPayload(b)
    return channel.Forward
}

func inflate(p []byte) ([]byte, error) {
    r, err := gzip.NewReader(bytes.NewReader(p))
    if err != nil { return nil, err }
    defer r.Close()
    b, err := io.ReadAll(io.LimitReader(r, maxInflated+1))
    if err != nil { return nil, err }
    if len(b) > maxInflated { return nil, fmt.Errorf("payload exceeds %d bytes", maxInflated) }
    return b, nil
}

var _ channel.Interceptor = (*Gzip)(nil)
