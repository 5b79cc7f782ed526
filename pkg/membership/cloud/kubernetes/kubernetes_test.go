package kubernetes

import (
    "context"
    "net"
    "net/http"
    "net/http/httptest"
    "net/url"
    "strconv"
    "testing"
    "time"

    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-tribes/pkg/internal/scheduler"
    "github.com/amirimatin/go-tribes/pkg/member"
    "github.com/amirimatin/go-tribes/pkg/membership/cloud"
    "github.com/amirimatin/go-tribes/pkg/membership/cloud/stream"
)

const pods = `{
  "kind": "PodList",
  "items": [
    {"kind": "Pod", "metadata": {"name": "a", "uid": "uid-a", "creationTimestamp": "2020-01-01T00:00:00Z"},
     "status": {"phase": "Running", "podIP": "10.1.0.1"}},
    {"metadata": {"name": "b", "creationTimestamp": "2020-01-01T00:00:00Z"},
     "status": {"phase": "Running", "podIP": "10.1.0.2"}},
    {"kind": "Pod", "metadata": {"name": "c", "uid": "uid-c", "creationTimestamp": "2020-01-01T00:00:00Z"},
     "status": {"phase": "Pending", "podIP": "10.1.0.3"}},
    {"kind": "Pod", "metadata": {"name": "d", "uid": "uid-d"},
     "status": {"phase": "Running", "podIP": "10.1.0.4"}},
    {"kind": "Service", "metadata": {"name": "e", "uid": "uid-e", "creationTimestamp": "2020-01-01T00:00:00Z"},
     "status": {"phase": "Running", "podIP": "10.1.0.5"}},
    {"kind": "Pod", "metadata": {"name": "f", "uid": "uid-f", "creationTimestamp": "not-a-time"},
     "status": {"phase": "Running", "podIP": "10.1.0.6"}}
  ]
}`

func newServer(t *testing.T, seen *url.URL) (*httptest.Server, string, int) {
    t.Helper()
    srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        *seen = *r.URL
        w.Header().Set("Content-Type", "application/json")
        _, _ = w.Write([]byte(pods))
    }))
    t.Cleanup(srv.Close)
    host, port, err := net.SplitHostPort(srv.Listener.Addr().String())
    require.NoError(t, err)
    p, _ := strconv.Atoi(port)
    return srv, host, p
}

func TestFetchRunningPods(t *testing.T) {
    var seen url.URL
    _, host, port := newServer(t, &seen)
    f, err := New(Options{
        Namespace: "prod", Host: host, Port: port, Protocol: "http",
        Labels: "app=tribes", Stream: stream.Insecure{},
    })
    require.NoError(t, err)

    local := member.New("10.1.0.9", 4000)
    local.Domain = []byte("blue")
    ms, err := f.FetchMembers(context.Background(), local)
    require.NoError(t, err)
    require.Equal(t, "/api/v1/namespaces/prod/pods", seen.Path)
    require.Equal(t, "app=tribes", seen.Query().Get("labelSelector"))

    require.Len(t, ms, 2)
    require.Equal(t, "10.1.0.1:4000", ms[0].Addr())
    require.Equal(t, member.DeriveID("uid-a"), ms[0].UniqueID)
    require.Equal(t, member.DeriveID("10.1.0.2"), ms[1].UniqueID, "id falls back to the pod IP")
    require.Equal(t, []byte("blue"), ms[0].Domain)
    require.Greater(t, ms[0].AliveTime, 24*time.Hour)
}

func TestUnreachableMasterIsAnError(t *testing.T) {
    f, err := New(Options{Namespace: "prod", Host: "127.0.0.1", Port: 1, Protocol: "http", Stream: stream.Insecure{}, ConnectTimeout: 200 * time.Millisecond})
    require.NoError(t, err)
    _, err = f.FetchMembers(context.Background(), member.New("10.1.0.9", 4000))
    require.Error(t, err)
}

func TestProviderOverPodListing(t *testing.T) {
    var seen url.URL
    _, host, port := newServer(t, &seen)
    f, err := New(Options{Namespace: "prod", Host: host, Port: port, Protocol: "http", Stream: stream.Insecure{}, MemberPort: 4000})
    require.NoError(t, err)
    p, err := cloud.NewProvider(cloud.Options{Fetcher: f, Name: "kubernetes", Executor: scheduler.Inline{}})
    require.NoError(t, err)
    p.SetLocalMemberProperties("10.1.0.1", 4000, -1, -1)
    p.Heartbeat(context.Background())

    require.Len(t, p.Members(), 1)
    require.Equal(t, "10.1.0.2:4000", p.Members()[0].Addr())
    require.Equal(t, member.DeriveID("uid-a"), p.LocalMember(false).UniqueID)
}

func TestFromEnv(t *testing.T) {
    t.Setenv("CLUSTER_KUBE_NAMESPACE", "")
    t.Setenv("KUBERNETES_NAMESPACE", "ns")
    t.Setenv("KUBERNETES_SERVICE_HOST", "10.96.0.1")
    t.Setenv("KUBERNETES_SERVICE_PORT", "")
    t.Setenv("CLUSTER_KUBE_MASTER_PORT", "6443")
    t.Setenv("KUBERNETES_LABELS", "app=x")
    o, err := FromEnv()
    require.NoError(t, err)
    require.Equal(t, "ns", o.Namespace)
    require.Equal(t, "10.96.0.1", o.Host)
    require.Equal(t, 6443, o.Port)
    require.Equal(t, "https", o.Protocol)
    require.Equal(t, "v1", o.APIVersion)
    require.Equal(t, "app=x", o.Labels)
    require.Equal(t, "https://10.96.0.1:6443/api/v1/namespaces/ns/pods?labelSelector=app%3Dx", podsURL(o))

    t.Setenv("KUBERNETES_NAMESPACE", "")
    _, err = FromEnv()
    require.Error(t, err)
}
