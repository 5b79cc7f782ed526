package grpc

import (
    "encoding/json"

    "google.golang.org/grpc/encoding"
)

// jsonCodec carries the transport envelopes as JSON so no protobuf codegen
// is needed. Frames are []byte and travel base64 encoded.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error)   { return json.Marshal(v) }
func (jsonCodec) Unmarshal(b []byte, v interface{}) error { return json.Unmarshal(b, v) }
func (jsonCodec) Name() string                            { return "json" }

func init() {
    encoding.RegisterCodec(jsonCodec{})
}

// deliverRequest carries one message frame.
type deliverRequest struct {
    Frame []byte `json:"frame"`
}

// deliverReply reports a failure of the receiving handler. Transport errors
// travel as gRPC status errors instead.
type deliverReply struct {
    Error string `json:"error,omitempty"`
}
