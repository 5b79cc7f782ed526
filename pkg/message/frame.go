package message

import (
    "bytes"
    "encoding/binary"
    "errors"
    "fmt"
    "time"

    "github.com/amirimatin/go-tribes/pkg/member"
)

var (
    startData = []byte("FLT2002")
    endData   = []byte("TLF2003")
)

// ErrBadFrame is returned for frames with missing markers or bad lengths.
var ErrBadFrame = errors.New("message: bad frame")

// Encode writes msg as a single frame:
//
//  FLT2002 | len(4) | options(4) | timestamp ms(8) | idLen(4) id | mbrLen(4) member | payloadLen(4) payload | TLF2003
func Encode(msg *Message) ([]byte, error) {
    var mbr []byte
    if msg.Address != nil {
        b, err := member.Marshal(msg.Address)
        if err != nil { return nil, fmt.Errorf("message: encode address: %w", err) }
        mbr = b
    }
    bodyLen := 4 + 8 + 4 + len(msg.UniqueID) + 4 + len(mbr) + 4 + len(msg.Payload)
    buf := bytes.NewBuffer(make([]byte, 0, len(startData)+4+bodyLen+len(endData)))
    buf.Write(startData)
    putUint32(buf, uint32(bodyLen))
    putUint32(buf, uint32(msg.Options))
    var ts [8]byte
    binary.BigEndian.PutUint64(ts[:], uint64(msg.Timestamp.UnixMilli()))
    buf.Write(ts[:])
    putUint32(buf, uint32(len(msg.UniqueID)))
    buf.Write(msg.UniqueID[:])
    putUint32(buf, uint32(len(mbr)))
    buf.Write(mbr)
    putUint32(buf, uint32(len(msg.Payload)))
    buf.Write(msg.Payload)
    buf.Write(endData)
    return buf.Bytes(), nil
}

// Decode parses exactly one frame.
func Decode(b []byte) (*Message, error) {
    n, ok := frameLen(b)
    if !ok || n != len(b) { return nil, fmt.Errorf("%w: incomplete or oversized frame", ErrBadFrame) }
    if !bytes.Equal(b[len(b)-len(endData):], endData) { return nil, fmt.Errorf("%w: missing end marker", ErrBadFrame) }
    body := b[len(startData)+4 : len(b)-len(endData)]

    cur := cursor{b: body}
    msg := &Message{}
    msg.Options = int(cur.uint32())
    msg.Timestamp = time.UnixMilli(int64(cur.uint64()))
    id := cur.next(int(cur.uint32()))
    if cur.err == nil && len(id) != len(msg.UniqueID) {
        return nil, fmt.Errorf("%w: unique id of %d bytes", ErrBadFrame, len(id))
    }
    copy(msg.UniqueID[:], id)
    mbr := cur.next(int(cur.uint32()))
    payload := cur.next(int(cur.uint32()))
    if cur.err != nil { return nil, cur.err }
    if cur.off != len(body) { return nil, fmt.Errorf("%w: %d trailing bytes", ErrBadFrame, len(body)-cur.off) }
    if len(mbr) > 0 {
        m, err := member.Unmarshal(mbr)
        if err != nil { return nil, fmt.Errorf("message: decode address: %w", err) }
        msg.Address = m
    }
    if len(payload) > 0 { msg.Payload = append([]byte(nil), payload...) }
    return msg, nil
}

// CountFrames returns how many complete frames buf starts with.
func CountFrames(buf []byte) int {
    cnt := 0
    for {
        n, ok := frameLen(buf)
        if !ok || n > len(buf) || !bytes.Equal(buf[n-len(endData):n], endData) { return cnt }
        cnt++
        buf = buf[n:]
    }
}

// frameLen returns the total size of the frame at the start of b.
func frameLen(b []byte) (int, bool) {
    if len(b) < len(startData)+4+len(endData) { return 0, false }
    if !bytes.Equal(b[:len(startData)], startData) { return 0, false }
    body := int(binary.BigEndian.Uint32(b[len(startData):]))
    return len(startData) + 4 + body + len(endData), true
}

func putUint32(buf *bytes.Buffer, v uint32) {
    var b [4]byte
    binary.BigEndian.PutUint32(b[:], v)
    buf.Write(b[:])
}

type cursor struct {
    b   []byte
    off int
    err error
}

func (c *cursor) next(n int) []byte {
    if c.err != nil { return nil }
    if n < 0 || c.off+n > len(c.b) {
        c.err = fmt.Errorf("%w: field of %d bytes overruns frame", ErrBadFrame, n)
        return nil
    }
    out := c.b[c.off : c.off+n]
    c.off += n
    return out
}

func (c *cursor) uint32() uint32 {
    b := c.next(4)
    if b == nil { return 0 }
    return binary.BigEndian.Uint32(b)
}

func (c *cursor) uint64() uint64 {
    b := c.next(8)
    if b == nil { return 0 }
    return binary.BigEndian.Uint64(b)
}
