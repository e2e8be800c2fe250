package promise

import (
    "context"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"
)

func TestFirstSetWins(t *testing.T) {
    p := New[string]()
    assert.True(t, p.Set("a"))
    assert.False(t, p.Set("b"))
    v, err := p.Wait(context.Background(), time.Second)
    require.NoError(t, err)
    assert.Equal(t, "a", v)
}

func TestTimeoutAndReset(t *testing.T) {
    p := New[int]()
    _, err := p.Wait(context.Background(), 10*time.Millisecond)
    assert.ErrorIs(t, err, ErrTimeout)

    p.Set(1)
    p.Reset()
    assert.False(t, p.IsSet())
    go func() { time.Sleep(5 * time.Millisecond); p.Set(2) }()
    v, err := p.Wait(context.Background(), time.Second)
    require.NoError(t, err)
    assert.Equal(t, 2, v)
}

func TestWaitHonorsContext(t *testing.T) {
    p := New[int]()
    ctx, cancel := context.WithCancel(context.Background())
    cancel()
    _, err := p.Wait(ctx, time.Second)
    assert.ErrorIs(t, err, context.Canceled)
}
