package local

import (
    "context"
    "sync"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-gms/pkg/transport"
    "github.com/amirimatin/go-gms/pkg/view"
)

type inbox struct {
    mu   sync.Mutex
    msgs []transport.Message
}

func (i *inbox) Handle(_ context.Context, m transport.Message) error {
    i.mu.Lock()
    i.msgs = append(i.msgs, m)
    i.mu.Unlock()
    return nil
}

func (i *inbox) members() []view.Address {
    i.mu.Lock()
    defer i.mu.Unlock()
    out := make([]view.Address, len(i.msgs))
    for k, m := range i.msgs { out[k] = m.Member }
    return out
}

func TestFIFODeliveryAndSelfSend(t *testing.T) {
    n := NewNetwork()
    a, b := n.Endpoint("a"), n.Endpoint("b")
    ia, ib := &inbox{}, &inbox{}
    ctx := context.Background()
    require.NoError(t, a.Start(ctx, ia))
    require.NoError(t, b.Start(ctx, ib))
    defer a.Stop(ctx)
    defer b.Stop(ctx)

    want := []view.Address{"1", "2", "3", "4", "5"}
    for _, m := range want {
        require.NoError(t, a.Send(ctx, "b", transport.Message{Kind: transport.KindLeaveRequest, Member: m}))
    }
    require.NoError(t, a.Send(ctx, "a", transport.Message{Kind: transport.KindLeaveRequest, Member: "self"}))

    require.Eventually(t, func() bool { return len(ib.members()) == 5 && len(ia.members()) == 1 }, time.Second, time.Millisecond)
    assert.Equal(t, want, ib.members())
    assert.Equal(t, view.Address("a"), ib.msgs[0].From)
}

func TestPartitionDropsAndHealRestores(t *testing.T) {
    n := NewNetwork()
    a, b, c := n.Endpoint("a"), n.Endpoint("b"), n.Endpoint("c")
    ia, ib, ic := &inbox{}, &inbox{}, &inbox{}
    ctx := context.Background()
    require.NoError(t, a.Start(ctx, ia))
    require.NoError(t, b.Start(ctx, ib))
    require.NoError(t, c.Start(ctx, ic))

    n.Partition([]view.Address{"a", "b"}, []view.Address{"c"})
    require.NoError(t, a.Send(ctx, "c", transport.Message{Member: "lost"}))
    require.NoError(t, a.Send(ctx, "b", transport.Message{Member: "kept"}))
    require.Eventually(t, func() bool { return len(ib.members()) == 1 }, time.Second, time.Millisecond)
    assert.Empty(t, ic.members())

    n.Heal()
    require.NoError(t, a.Send(ctx, "c", transport.Message{Member: "after"}))
    require.Eventually(t, func() bool { return len(ic.members()) == 1 }, time.Second, time.Millisecond)
}

func TestUnknownOrStoppedIsUnreachable(t *testing.T) {
    n := NewNetwork()
    a := n.Endpoint("a")
    b := n.Endpoint("b")
    ctx := context.Background()
    assert.ErrorIs(t, a.Send(ctx, "nobody", transport.Message{}), transport.ErrUnreachable)
    assert.ErrorIs(t, a.Send(ctx, "b", transport.Message{}), transport.ErrUnreachable)

    require.NoError(t, b.Start(ctx, &inbox{}))
    require.NoError(t, b.Stop(ctx))
    assert.ErrorIs(t, a.Send(ctx, "b", transport.Message{}), transport.ErrUnreachable)
    assert.NoError(t, b.Stop(ctx))
}
