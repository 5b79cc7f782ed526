package member

import (
    "bytes"
    "encoding/binary"
    "encoding/hex"
    "fmt"
    "net"
    "strconv"
    "time"

    "github.com/twmb/murmur3"
)

// IDLength is the size of a member unique id in bytes.
const IDLength = 16

// ShutdownCommand is carried in Command by a member that is leaving the group.
var ShutdownCommand = []byte("TRIBES-SHUTDOWN")

// Member describes a peer of the group: where it can be reached, how long it
// has been alive and the opaque data it advertises.
type Member struct {
    Host       string
    Port       int
    SecurePort int
    UDPPort    int

    // UniqueID is stable for the lifetime of the peer process.
    UniqueID []byte

    // AliveTime is the uptime advertised by the peer.
    AliveTime time.Duration

    Payload []byte
    Command []byte
    Domain  []byte

    // Local marks the member describing this process.
    Local bool
}

// New returns a member reachable at host:port without secure or UDP ports.
func New(host string, port int) *Member {
    return &Member{Host: host, Port: port, SecurePort: -1, UDPPort: -1}
}

// Addr returns host:port.
func (m *Member) Addr() string {
    return net.JoinHostPort(m.Host, strconv.Itoa(m.Port))
}

// HasID reports whether a non-zero unique id is set.
func (m *Member) HasID() bool {
    if len(m.UniqueID) == 0 { return false }
    for _, b := range m.UniqueID {
        if b != 0 { return true }
    }
    return false
}

// Key is the identity used for maps and comparisons: the hex unique id when
// present, otherwise host:port.
func (m *Member) Key() string {
    if m == nil { return "" }
    if m.HasID() { return hex.EncodeToString(m.UniqueID) }
    return m.Addr()
}

// Name is a human readable label used in logs and status output.
func (m *Member) Name() string {
    if m == nil { return "<nil>" }
    if m.HasID() {
        return fmt.Sprintf("tcp://%s,%s", m.Addr(), hex.EncodeToString(m.UniqueID[:4]))
    }
    return "tcp://" + m.Addr()
}

func (m *Member) String() string { return m.Name() }

// IsShutdown reports whether the member announced it is leaving.
func (m *Member) IsShutdown() bool {
    return len(m.Command) > 0 && bytes.Equal(m.Command, ShutdownCommand)
}

// Clone returns a deep copy.
func (m *Member) Clone() *Member {
    if m == nil { return nil }
    c := *m
    c.UniqueID = cloneBytes(m.UniqueID)
    c.Payload = cloneBytes(m.Payload)
    c.Command = cloneBytes(m.Command)
    c.Domain = cloneBytes(m.Domain)
    return &c
}

// Same reports whether a and b denote the same peer. Ids win when both are
// known; otherwise host and port decide.
func Same(a, b *Member) bool {
    if a == nil || b == nil { return a == b }
    if a.HasID() && b.HasID() {
        return bytes.Equal(a.UniqueID, b.UniqueID)
    }
    return a.Host == b.Host && a.Port == b.Port
}

// DeriveID hashes s into a 16 byte unique id.
func DeriveID(s string) []byte {
    h1, h2 := murmur3.Sum128([]byte(s))
    id := make([]byte, IDLength)
    binary.BigEndian.PutUint64(id[:8], h1)
    binary.BigEndian.PutUint64(id[8:], h2)
    return id
}

func cloneBytes(b []byte) []byte {
    if b == nil { return nil }
    return append([]byte(nil), b...)
}
