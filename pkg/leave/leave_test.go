package leave

import (
    "context"
    "sync"
    "sync/atomic"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-gms/pkg/view"
)

type fakeNet struct {
    mu    sync.Mutex
    coord view.Address
    sent  []view.Address
}

func (f *fakeNet) coordinator() view.Address {
    f.mu.Lock()
    defer f.mu.Unlock()
    return f.coord
}

func (f *fakeNet) setCoord(a view.Address) {
    f.mu.Lock()
    f.coord = a
    f.mu.Unlock()
}

func (f *fakeNet) send(_ context.Context, to view.Address) error {
    f.mu.Lock()
    f.sent = append(f.sent, to)
    f.mu.Unlock()
    return nil
}

func (f *fakeNet) sentTo() []view.Address {
    f.mu.Lock()
    defer f.mu.Unlock()
    return append([]view.Address(nil), f.sent...)
}

func newCoord(t *testing.T, n *fakeNet, timeout time.Duration) *Coordinator {
    t.Helper()
    c, err := New(Options{Local: "me", Coordinator: n.coordinator, Send: n.send, Timeout: timeout})
    require.NoError(t, err)
    return c
}

func TestLeaveWithoutCoordinator(t *testing.T) {
    n := &fakeNet{}
    c := newCoord(t, n, time.Second)
    res, err := c.Leave(context.Background())
    require.NoError(t, err)
    assert.Equal(t, Result{Sender: "me", Status: Self}, res)
    assert.Empty(t, n.sentTo())
    assert.False(t, c.Leaving())
}

func TestLeaveAcknowledged(t *testing.T) {
    n := &fakeNet{coord: "boss"}
    c := newCoord(t, n, 5*time.Second)
    go func() {
        assert.Eventually(t, func() bool { return len(n.sentTo()) == 1 }, time.Second, time.Millisecond)
        assert.NoError(t, c.HandleLeaveResponse("boss"))
    }()
    res, err := c.Leave(context.Background())
    require.NoError(t, err)
    assert.Equal(t, Result{Sender: "boss", Status: Acknowledged}, res)
    assert.Equal(t, []view.Address{"boss"}, n.sentTo())
}

func TestConcurrentLeaveOnlyOneBlocks(t *testing.T) {
    n := &fakeNet{coord: "boss"}
    c := newCoord(t, n, 5*time.Second)

    var returned atomic.Bool
    first := make(chan Result, 1)
    go func() {
        r, _ := c.Leave(context.Background())
        returned.Store(true)
        first <- r
    }()
    require.Eventually(t, c.Leaving, time.Second, time.Millisecond)

    r, err := c.Leave(context.Background())
    require.NoError(t, err)
    assert.Equal(t, Retried, r.Status)
    assert.False(t, returned.Load(), "first caller must still be waiting")
    assert.Equal(t, []view.Address{"boss", "boss"}, n.sentTo())

    require.NoError(t, c.HandleLeaveResponse("boss"))
    assert.Equal(t, Acknowledged, (<-first).Status)
}

func TestLeaveTimesOut(t *testing.T) {
    n := &fakeNet{coord: "boss"}
    c := newCoord(t, n, 20*time.Millisecond)
    res, err := c.Leave(context.Background())
    require.NoError(t, err)
    assert.Equal(t, TimedOut, res.Status)
    assert.True(t, res.Sender.IsZero())
    assert.False(t, c.Leaving())
}

func TestLeaveContextCancelled(t *testing.T) {
    n := &fakeNet{coord: "boss"}
    c := newCoord(t, n, time.Minute)
    ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
    defer cancel()
    res, err := c.Leave(ctx)
    assert.ErrorIs(t, err, context.DeadlineExceeded)
    assert.Equal(t, Cancelled, res.Status)
}

func TestResetUnblocksWaiter(t *testing.T) {
    n := &fakeNet{coord: "boss"}
    c := newCoord(t, n, time.Minute)

    c.Reset() // idle: no-op
    assert.False(t, c.Leaving())

    done := make(chan Result, 1)
    go func() { r, _ := c.Leave(context.Background()); done <- r }()
    require.Eventually(t, c.Leaving, time.Second, time.Millisecond)
    c.Reset()
    select {
    case r := <-done:
        assert.Equal(t, Cancelled, r.Status)
        assert.True(t, r.Sender.IsZero())
    case <-time.After(time.Second):
        t.Fatal("reset did not unblock leave")
    }
    require.Eventually(t, func() bool { return !c.Leaving() }, time.Second, time.Millisecond)
}

func TestCoordChangedResends(t *testing.T) {
    n := &fakeNet{coord: "old"}
    c := newCoord(t, n, 5*time.Second)

    c.CoordChanged("ignored") // idle
    assert.Empty(t, n.sentTo())

    done := make(chan Result, 1)
    go func() { r, _ := c.Leave(context.Background()); done <- r }()
    require.Eventually(t, c.Leaving, time.Second, time.Millisecond)
    n.setCoord("new")
    c.CoordChanged("new")
    require.NoError(t, c.HandleLeaveResponse("new"))

    r := <-done
    assert.Equal(t, Result{Sender: "new", Status: Acknowledged}, r)
    assert.ElementsMatch(t, []view.Address{"old", "new"}, n.sentTo())
}

func TestHandleLeaveResponse(t *testing.T) {
    c := newCoord(t, &fakeNet{}, time.Second)
    assert.ErrorIs(t, c.HandleLeaveResponse(""), view.ErrInvalidArgument)
    assert.NoError(t, c.HandleLeaveResponse("late"))
}

func TestOptionsValidate(t *testing.T) {
    _, err := New(Options{})
    assert.Error(t, err)
}
