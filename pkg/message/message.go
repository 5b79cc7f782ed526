package message

import (
    "encoding/hex"
    "time"

    "github.com/google/uuid"

    "github.com/amirimatin/go-tribes/pkg/member"
)

// Send options. They travel with the message and select delivery semantics.
const (
    // OptByte marks a payload that is raw bytes rather than an encoded value.
    OptByte = 0x0001
    // OptUseAck asks the transport to wait for the receiver to acknowledge.
    OptUseAck = 0x0002
    // OptSyncAck acknowledges only after the receiver processed the message.
    OptSyncAck = 0x0004
    // OptAsync hands the message to a dispatch queue instead of the caller.
    OptAsync = 0x0008
    // OptSecure selects the secure port of the destination.
    OptSecure = 0x0010
    // OptUDP selects the datagram port of the destination.
    OptUDP = 0x0020
    // OptBroadcast delivers through the membership service broadcast primitive.
    OptBroadcast = 0x0040
    // OptCompress asks the compression interceptor to deflate the payload.
    OptCompress = 0x0100

    OptDefault = OptUseAck
)

// UniqueID identifies a message across the group.
type UniqueID [16]byte

// NewUniqueID returns a random id.
func NewUniqueID() UniqueID { return UniqueID(uuid.New()) }

func (u UniqueID) String() string { return hex.EncodeToString(u[:]) }

// IsZero reports whether no id was assigned.
func (u UniqueID) IsZero() bool { return u == UniqueID{} }

// Message is the envelope flowing through the interceptor chain. It is not
// modified in place; interceptors that transform it build a copy.
type Message struct {
    UniqueID  UniqueID
    Address   *member.Member
    Timestamp time.Time
    Options   int
    Payload   []byte
}

// WithPayload returns a copy of m carrying p.
func (m *Message) WithPayload(p []byte) *Message {
    c := *m
    c.Payload = p
    return &c
}

// WithOptions returns a copy of m with the given options.
func (m *Message) WithOptions(opts int) *Message {
    c := *m
    c.Options = opts
    return &c
}

// Has reports whether all bits of flag are set.
func (m *Message) Has(flag int) bool { return m.Options&flag == flag }

// ByteMessage is a payload sent as-is without encoding.
type ByteMessage []byte
