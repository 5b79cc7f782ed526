package member

import (
    "bytes"
    "errors"
    "testing"
    "time"
)

func TestMarshalRoundTrip(t *testing.T) {
    in := &Member{
        Host:       "10.1.2.3",
        Port:       4000,
        SecurePort: -1,
        UDPPort:    4001,
        UniqueID:   DeriveID("10.1.2.3:4000"),
        AliveTime:  1500 * time.Millisecond,
        Payload:    []byte("payload"),
        Command:    ShutdownCommand,
        Domain:     []byte("orders"),
    }
    b, err := Marshal(in)
    if err != nil { t.Fatalf("marshal: %v", err) }
    out, err := Unmarshal(b)
    if err != nil { t.Fatalf("unmarshal: %v", err) }
    if out.Host != in.Host || out.Port != in.Port || out.SecurePort != -1 || out.UDPPort != 4001 {
        t.Fatalf("address mismatch: %+v", out)
    }
    if out.AliveTime != in.AliveTime { t.Fatalf("alive = %v, want %v", out.AliveTime, in.AliveTime) }
    if !bytes.Equal(out.UniqueID, in.UniqueID) { t.Fatalf("id mismatch") }
    if string(out.Payload) != "payload" || string(out.Domain) != "orders" { t.Fatalf("data mismatch: %+v", out) }
    if !out.IsShutdown() { t.Fatalf("expected shutdown command to survive") }
}

func TestUnmarshalRejectsCorruptPackages(t *testing.T) {
    b, err := Marshal(New("127.0.0.1", 4000))
    if err != nil { t.Fatalf("marshal: %v", err) }

    cases := map[string][]byte{
        "short":      b[:10],
        "bad begin":  append([]byte("XXXXXXXXXX"), b[10:]...),
        "truncated":  b[:len(b)-1],
        "extra byte": append(append([]byte(nil), b...), 0),
    }
    for name, data := range cases {
        if _, err := Unmarshal(data); !errors.Is(err, ErrMalformed) {
            t.Fatalf("%s: expected ErrMalformed, got %v", name, err)
        }
    }
}

func TestKeyFallsBackToAddress(t *testing.T) {
    m := New("10.0.0.1", 4000)
    if m.Key() != "10.0.0.1:4000" { t.Fatalf("key = %q", m.Key()) }
    m.UniqueID = make([]byte, IDLength)
    if m.Key() != "10.0.0.1:4000" { t.Fatalf("zero id should fall back to address, got %q", m.Key()) }
    m.UniqueID = DeriveID("x")
    if m.Key() == "10.0.0.1:4000" { t.Fatalf("expected id based key") }
}

func TestSame(t *testing.T) {
    a := New("10.0.0.1", 4000)
    b := New("10.0.0.1", 4000)
    if !Same(a, b) { t.Fatalf("same address without ids should match") }
    a.UniqueID = DeriveID("a")
    b.UniqueID = DeriveID("b")
    if Same(a, b) { t.Fatalf("different ids must not match") }
    b.UniqueID = DeriveID("a")
    b.Port = 5000
    if !Same(a, b) { t.Fatalf("matching ids should win over address") }
}

func TestDeriveIDStable(t *testing.T) {
    if !bytes.Equal(DeriveID("pod-uid"), DeriveID("pod-uid")) { t.Fatalf("derived id not stable") }
    if bytes.Equal(DeriveID("a"), DeriveID("b")) { t.Fatalf("derived ids collide") }
    if len(DeriveID("a")) != IDLength { t.Fatalf("bad id length") }
}
