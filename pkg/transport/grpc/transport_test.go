package grpc

import (
    "context"
    "sync"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-gms/pkg/merge"
    "github.com/amirimatin/go-gms/pkg/transport"
    "github.com/amirimatin/go-gms/pkg/view"
)

type collector struct {
    mu   sync.Mutex
    msgs []transport.Message
}

func (c *collector) Handle(_ context.Context, m transport.Message) error {
    c.mu.Lock()
    c.msgs = append(c.msgs, m)
    c.mu.Unlock()
    return nil
}

func (c *collector) all() []transport.Message {
    c.mu.Lock()
    defer c.mu.Unlock()
    return append([]transport.Message(nil), c.msgs...)
}

func startTransport(t *testing.T, h transport.Handler) *Transport {
    t.Helper()
    tr, err := New(Options{Bind: "127.0.0.1:0", Timeout: 2 * time.Second})
    require.NoError(t, err)
    require.NoError(t, tr.Start(context.Background(), h))
    t.Cleanup(func() { _ = tr.Stop(context.Background()) })
    return tr
}

func TestDeliverOverLoopback(t *testing.T) {
    ca, cb := &collector{}, &collector{}
    a := startTransport(t, ca)
    b := startTransport(t, cb)
    require.NotEqual(t, a.Addr(), b.Addr())

    id := merge.NewID(a.Addr())
    d := merge.Accept(a.Addr(), view.New(view.ViewID{Creator: a.Addr(), Counter: 4}, a.Addr()), view.Digest("dg"))
    err := a.Send(context.Background(), b.Addr(), transport.Message{Kind: transport.KindMergeResponse, MergeID: id, Data: &d})
    require.NoError(t, err)

    msgs := cb.all()
    require.Len(t, msgs, 1)
    assert.Equal(t, a.Addr(), msgs[0].From)
    assert.Equal(t, id, msgs[0].MergeID)
    assert.Equal(t, view.ViewID{Creator: a.Addr(), Counter: 4}, msgs[0].Data.View.ID())
    assert.Equal(t, view.Digest("dg"), msgs[0].Data.Digest)

    // connection is cached for the next call
    require.NoError(t, a.Send(context.Background(), b.Addr(), transport.Message{Kind: transport.KindLeaveRequest, Member: a.Addr()}))
    assert.Len(t, cb.all(), 2)
}

func TestSelfSendIsAsync(t *testing.T) {
    c := &collector{}
    a := startTransport(t, c)
    require.NoError(t, a.Send(context.Background(), a.Addr(), transport.Message{Kind: transport.KindLeaveResponse}))
    require.Eventually(t, func() bool { return len(c.all()) == 1 }, time.Second, time.Millisecond)
}

func TestSendToDeadPeerFails(t *testing.T) {
    a := startTransport(t, &collector{})
    ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
    defer cancel()
    assert.Error(t, a.Send(ctx, "127.0.0.1:1", transport.Message{Kind: transport.KindView}))
}

func TestOptionsValidate(t *testing.T) {
    _, err := New(Options{})
    assert.Error(t, err)
}
