package channel

import (
    "bytes"
    "encoding/gob"

    "github.com/amirimatin/go-tribes/pkg/message"
)

// Codec turns application payloads into message bytes and back.
type Codec interface {
    Encode(v any) ([]byte, error)
    Decode(b []byte) (any, error)
}

// GobCodec encodes payloads with encoding/gob. Concrete types carried as
// payloads must be registered with gob.Register on both ends.
type GobCodec struct{}

func (GobCodec) Encode(v any) ([]byte, error) {
    var buf bytes.Buffer
    if err := gob.NewEncoder(&buf).Encode(&v); err != nil { return nil, err }
    return buf.Bytes(), nil
}

func (GobCodec) Decode(b []byte) (any, error) {
    var v any
    if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&v); err != nil { return nil, err }
    return v, nil
}

func init() {
    gob.Register(RPCMessage{})
    gob.Register(NoRPCChannelReply{})
    gob.Register(message.ByteMessage(nil))
}

var _ Codec = GobCodec{}
