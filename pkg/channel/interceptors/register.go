// Package interceptors holds the stock chain links and their registry
// factories.
package interceptors

import (
    "fmt"
    "log"
    "strconv"
    "time"

    "github.com/amirimatin/go-tribes/pkg/channel"
)

// Register adds the stock links to reg under the names coordinator, dispatch,
// domain, encrypt, gzip and throughput. logger is handed to every link built.
func Register(reg *channel.Registry, logger *log.Logger) error {
    factories := map[string]channel.Factory{
        "coordinator": func(p map[string]string) (channel.Interceptor, error) {
            ms, err := intProp(p, "timeout")
            if err != nil { return nil, err }
            return NewCoordinator(time.Duration(ms)*time.Millisecond, logger), nil
        },
        "dispatch": func(p map[string]string) (channel.Interceptor, error) {
            workers, err := intProp(p, "workers")
            if err != nil { return nil, err }
            queue, err := intProp(p, "queue")
            if err != nil { return nil, err }
            return channel.NewDispatchInterceptor(channel.DispatchOptions{Workers: workers, QueueSize: queue, Logger: logger}), nil
        },
        "domain": func(p map[string]string) (channel.Interceptor, error) {
            return NewDomain(p["domain"], logger), nil
        },
        "encrypt": func(p map[string]string) (channel.Interceptor, error) {
            return NewEncrypt(EncryptOptions{Algorithm: p["algorithm"], Key: p["key"], Logger: logger})
        },
        "gzip": func(p map[string]string) (channel.Interceptor, error) {
            level, err := intProp(p, "level")
            if err != nil { return nil, err }
            return NewGzip(level, logger)
        },
        "throughput": func(p map[string]string) (channel.Interceptor, error) {
            interval, err := intProp(p, "interval")
            if err != nil { return nil, err }
            return NewThroughput(interval, logger), nil
        },
    }
    for _, name := range []string{"coordinator", "dispatch", "domain", "encrypt", "gzip", "throughput"} {
        if err := reg.Register(name, factories[name]); err != nil { return err }
    }
    return nil
}

// NewRegistry returns a registry with the stock links registered.
func NewRegistry(logger *log.Logger) *channel.Registry {
    reg := channel.NewRegistry()
    if err := Register(reg, logger); err != nil { panic(err) }
    return reg
}

func intProp(p map[string]string, key string) (int, error) {
    v, ok := p[key]
    if !ok || v == "" { return 0, nil }
    n, err := strconv.Atoi(v)
    if err != nil { return 0, fmt.Errorf("property %s: %w", key, err) }
    return n, nil
}
