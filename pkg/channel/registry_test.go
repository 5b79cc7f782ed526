package channel

import (
    "testing"

    "github.com/stretchr/testify/require"
)

func TestParseInterceptors(t *testing.T) {
    specs, err := ParseInterceptors(" dispatch ; encrypt(algorithm=aes-gcm, key=00ff) ;; domain(domain=blue)")
    require.NoError(t, err)
    require.Len(t, specs, 3)
    require.Equal(t, "dispatch", specs[0].Name)
    require.Empty(t, specs[0].Props)
    require.Equal(t, "encrypt", specs[1].Name)
    require.Equal(t, map[string]string{"algorithm": "aes-gcm", "key": "00ff"}, specs[1].Props)
    require.Equal(t, "blue", specs[2].Props["domain"])
}

func TestParseInterceptorsRejectsMalformed(t *testing.T) {
    for _, in := range []string{"gzip(level=1", "(a=b)", "gzip(level)", "a=b"} {
        _, err := ParseInterceptors(in)
        require.Error(t, err, in)
    }
}

func TestRegistryBuild(t *testing.T) {
    reg := NewRegistry()
    require.NoError(t, reg.Register("dispatch", func(props map[string]string) (Interceptor, error) {
        return NewDispatchInterceptor(DispatchOptions{}), nil
    }))
    require.Error(t, reg.Register("Dispatch", func(map[string]string) (Interceptor, error) { return nil, nil }))

    links, err := reg.Build("DISPATCH")
    require.NoError(t, err)
    require.Len(t, links, 1)
    require.IsType(t, &DispatchInterceptor{}, links[0])

    _, err = reg.Build("dispatch;unknown")
    require.ErrorContains(t, err, "unknown")
    require.Equal(t, []string{"dispatch"}, reg.Names())
}
