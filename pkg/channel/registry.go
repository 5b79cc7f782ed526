package channel

import (
    "fmt"
    "sort"
    "strings"
    "sync"
)

// Factory builds a link from the properties given in an interceptor list.
type Factory func(props map[string]string) (Interceptor, error)

// Registry maps interceptor names to factories. Links are registered
// explicitly; nothing is looked up by reflection.
type Registry struct {
    mu        sync.RWMutex
    factories map[string]Factory
}

func NewRegistry() *Registry {
    return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory. Names are case insensitive and unique.
func (r *Registry) Register(name string, f Factory) error {
    key := strings.ToLower(strings.TrimSpace(name))
    if key == "" || f == nil { return fmt.Errorf("channel: invalid registration %q", name) }
    r.mu.Lock()
    defer r.mu.Unlock()
    if _, dup := r.factories[key]; dup { return fmt.Errorf("channel: interceptor %q already registered", key) }
    r.factories[key] = f
    return nil
}

// Names lists the registered interceptors.
func (r *Registry) Names() []string {
    r.mu.RLock()
    defer r.mu.RUnlock()
    out := make([]string, 0, len(r.factories))
    for k := range r.factories {
        out = append(out, k)
    }
    sort.Strings(out)
    return out
}

// Build parses spec and instantiates every link in order.
func (r *Registry) Build(spec string) ([]Interceptor, error) {
    specs, err := ParseInterceptors(spec)
    if err != nil { return nil, err }
    out := make([]Interceptor, 0, len(specs))
    r.mu.RLock()
    defer r.mu.RUnlock()
    for _, s := range specs {
        f, ok := r.factories[strings.ToLower(s.Name)]
        if !ok { return nil, fmt.Errorf("channel: unknown interceptor %q", s.Name) }
        ic, err := f(s.Props)
        if err != nil { return nil, fmt.Errorf("channel: build %s: %w", s.Name, err) }
        out = append(out, ic)
    }
    return out, nil
}

// InterceptorSpec is one entry of an interceptor list.
type InterceptorSpec struct {
    Name  string
    Props map[string]string
}

// ParseInterceptors parses "name;name(key=value,key=value)". Empty entries
// are skipped.
func ParseInterceptors(spec string) ([]InterceptorSpec, error) {
    var out []InterceptorSpec
    for _, raw := range strings.Split(spec, ";") {
        raw = strings.TrimSpace(raw)
        if raw == "" { continue }
        s := InterceptorSpec{Props: map[string]string{}}
        open := strings.IndexByte(raw, '(')
        if open < 0 {
            if strings.ContainsAny(raw, ")=,") { return nil, fmt.Errorf("channel: malformed interceptor %q", raw) }
            s.Name = raw
            out = append(out, s)
            continue
        }
        if !strings.HasSuffix(raw, ")") { return nil, fmt.Errorf("channel: unterminated properties in %q", raw) }
        s.Name = strings.TrimSpace(raw[:open])
        if s.Name == "" { return nil, fmt.Errorf("channel: missing interceptor name in %q", raw) }
        body := raw[open+1 : len(raw)-1]
        for _, kv := range strings.Split(body, ",") {
            kv = strings.TrimSpace(kv)
            if kv == "" { continue }
            k, v, ok := strings.Cut(kv, "=")
            k = strings.TrimSpace(k)
            if !ok || k == "" { return nil, fmt.Errorf("channel: malformed property %q in %q", kv, raw) }
            s.Props[k] = strings.TrimSpace(v)
        }
        out = append(out, s)
    }
    return out, nil
}
