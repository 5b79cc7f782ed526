package member

import (
    "bytes"
    "encoding/binary"
    "errors"
    "fmt"
    "time"
)

var (
    beginMarker = []byte{'T', 'R', 'I', 'B', 'E', 'S', '-', 'B', 1, 0}
    endMarker   = []byte{'T', 'R', 'I', 'B', 'E', 'S', '-', 'E', 1, 0}
)

// ErrMalformed is returned when a member package cannot be decoded.
var ErrMalformed = errors.New("member: malformed package")

// fixed part of the body: alive(8) ports(3*4) hostLen(1) cmdLen(4) domainLen(4) id(16) payloadLen(4)
const fixedBody = 8 + 12 + 1 + 4 + 4 + IDLength + 4

// Marshal encodes m into the binary member package used on the wire and in
// gossip metadata.
func Marshal(m *Member) ([]byte, error) {
    if m == nil { return nil, fmt.Errorf("member: nil member") }
    if len(m.Host) > 255 { return nil, fmt.Errorf("member: host %q longer than 255 bytes", m.Host) }
    id := m.UniqueID
    if len(id) != 0 && len(id) != IDLength {
        return nil, fmt.Errorf("member: unique id must be %d bytes, got %d", IDLength, len(id))
    }
    bodyLen := fixedBody + len(m.Host) + len(m.Command) + len(m.Domain) + len(m.Payload)
    buf := bytes.NewBuffer(make([]byte, 0, len(beginMarker)+4+bodyLen+len(endMarker)))
    buf.Write(beginMarker)
    writeUint32(buf, uint32(bodyLen))
    var b8 [8]byte
    binary.BigEndian.PutUint64(b8[:], uint64(m.AliveTime/time.Millisecond))
    buf.Write(b8[:])
    writeUint32(buf, uint32(int32(m.Port)))
    writeUint32(buf, uint32(int32(m.SecurePort)))
    writeUint32(buf, uint32(int32(m.UDPPort)))
    buf.WriteByte(byte(len(m.Host)))
    buf.WriteString(m.Host)
    writeUint32(buf, uint32(len(m.Command)))
    buf.Write(m.Command)
    writeUint32(buf, uint32(len(m.Domain)))
    buf.Write(m.Domain)
    if len(id) == 0 {
        buf.Write(make([]byte, IDLength))
    } else {
        buf.Write(id)
    }
    writeUint32(buf, uint32(len(m.Payload)))
    buf.Write(m.Payload)
    buf.Write(endMarker)
    return buf.Bytes(), nil
}

// Unmarshal decodes a member package produced by Marshal.
func Unmarshal(b []byte) (*Member, error) {
    if len(b) < len(beginMarker)+4+fixedBody+len(endMarker) { return nil, ErrMalformed }
    if !bytes.Equal(b[:len(beginMarker)], beginMarker) { return nil, fmt.Errorf("%w: bad begin marker", ErrMalformed) }
    r := reader{b: b, off: len(beginMarker)}
    bodyLen := int(r.uint32())
    if len(b) != len(beginMarker)+4+bodyLen+len(endMarker) {
        return nil, fmt.Errorf("%w: body length %d does not match package size %d", ErrMalformed, bodyLen, len(b))
    }
    if !bytes.Equal(b[len(b)-len(endMarker):], endMarker) { return nil, fmt.Errorf("%w: bad end marker", ErrMalformed) }
    r.end = len(b) - len(endMarker)

    m := &Member{}
    m.AliveTime = time.Duration(r.uint64()) * time.Millisecond
    m.Port = int(int32(r.uint32()))
    m.SecurePort = int(int32(r.uint32()))
    m.UDPPort = int(int32(r.uint32()))
    m.Host = string(r.bytes(int(r.byte())))
    m.Command = r.bytes(int(r.uint32()))
    m.Domain = r.bytes(int(r.uint32()))
    m.UniqueID = r.bytes(IDLength)
    m.Payload = r.bytes(int(r.uint32()))
    if r.err != nil { return nil, r.err }
    if r.off != r.end { return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, r.end-r.off) }
    return m, nil
}

func writeUint32(buf *bytes.Buffer, v uint32) {
    var b [4]byte
    binary.BigEndian.PutUint32(b[:], v)
    buf.Write(b[:])
}

// reader walks a package and latches the first bounds error.
type reader struct {
    b   []byte
    off int
    end int
    err error
}

func (r *reader) take(n int) []byte {
    if r.err != nil { return nil }
    limit := r.end
    if limit == 0 { limit = len(r.b) }
    if n < 0 || r.off+n > limit {
        r.err = fmt.Errorf("%w: field of %d bytes overruns package at offset %d", ErrMalformed, n, r.off)
        return nil
    }
    out := r.b[r.off : r.off+n]
    r.off += n
    return out
}

func (r *reader) byte() byte {
    b := r.take(1)
    if b == nil { return 0 }
    return b[0]
}

func (r *reader) uint32() uint32 {
    b := r.take(4)
    if b == nil { return 0 }
    return binary.BigEndian.Uint32(b)
}

func (r *reader) uint64() uint64 {
    b := r.take(8)
    if b == nil { return 0 }
    return binary.BigEndian.Uint64(b)
}

func (r *reader) bytes(n int) []byte {
    b := r.take(n)
    if b == nil || n == 0 { return nil }
    return append([]byte(nil), b...)
}
