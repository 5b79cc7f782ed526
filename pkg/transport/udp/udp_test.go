package udp

import (
    "context"
    "errors"
    "testing"
    "time"

    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-tribes/pkg/member"
    "github.com/amirimatin/go-tribes/pkg/message"
    "github.com/amirimatin/go-tribes/pkg/transport"
)

type chanHandler chan *message.Message

func (c chanHandler) MessageReceived(msg *message.Message) error { c <- msg; return nil }

func TestDatagramRoundTrip(t *testing.T) {
    rx := NewReceiver("127.0.0.1:0", "", nil)
    got := make(chanHandler, 1)
    rx.SetMessageHandler(got)
    require.NoError(t, rx.Start(context.Background()))
    defer rx.Stop()
    require.Equal(t, rx.Port(), rx.UDPPort())
    require.Equal(t, -1, rx.SecurePort())

    tx := NewSender(nil)
    require.NoError(t, tx.Start(context.Background()))
    defer tx.Stop()

    dest := member.New(rx.Host(), 4000)
    dest.UDPPort = rx.UDPPort()
    msg := &message.Message{
        UniqueID:  message.NewUniqueID(),
        Address:   member.New("127.0.0.1", 4001),
        Timestamp: time.Now(),
        Options:   message.OptUDP | message.OptByte,
        Payload:   []byte("datagram"),
    }
    require.NoError(t, tx.SendMessage(context.Background(), []*member.Member{dest}, msg))
    select {
    case in := <-got:
        require.Equal(t, "datagram", string(in.Payload))
        require.Equal(t, msg.UniqueID, in.UniqueID)
    case <-time.After(2 * time.Second):
        t.Fatalf("datagram not received")
    }
}

func TestSendFailures(t *testing.T) {
    tx := NewSender(nil)
    msg := &message.Message{UniqueID: message.NewUniqueID(), Address: member.New("127.0.0.1", 4001), Timestamp: time.Now()}
    noUDP := member.New("127.0.0.1", 4000)
    require.ErrorIs(t, tx.SendMessage(context.Background(), []*member.Member{noUDP}, msg), transport.ErrNotStarted)

    require.NoError(t, tx.Start(context.Background()))
    defer tx.Stop()
    err := tx.SendMessage(context.Background(), []*member.Member{noUDP}, msg)
    var se *transport.SendError
    require.True(t, errors.As(err, &se))
    require.True(t, se.Failed(noUDP))
    require.ErrorIs(t, err, ErrNoUDPPort)

    big := *msg
    big.Payload = make([]byte, MaxDatagram)
    require.ErrorIs(t, tx.SendMessage(context.Background(), []*member.Member{noUDP}, &big), ErrTooLarge)
}

func TestStopIsIdempotent(t *testing.T) {
    rx := NewReceiver("127.0.0.1:0", "10.9.9.9", nil)
    require.NoError(t, rx.Start(context.Background()))
    require.Equal(t, "10.9.9.9", rx.Host())
    require.NoError(t, rx.Stop())
    require.NoError(t, rx.Stop())
}
