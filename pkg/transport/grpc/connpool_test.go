package grpc

import (
    "context"
    "errors"
    "sync"
    "sync/atomic"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"
    "google.golang.org/grpc"
    "google.golang.org/grpc/credentials/insecure"
)

// gatedDialer creates lazy client connections, blocking each dial until
// gate is closed.
type gatedDialer struct {
    gate    chan struct{}
    dialing chan string
    dials   atomic.Int32
    fail    error
}

func newGatedDialer() *gatedDialer {
    return &gatedDialer{gate: make(chan struct{}), dialing: make(chan string, 16)}
}

func (d *gatedDialer) dial(ctx context.Context, target string) (*grpc.ClientConn, error) {
    d.dials.Add(1)
    d.dialing <- target
    select {
    case <-d.gate:
    case <-ctx.Done():
        return nil, ctx.Err()
    }
    if d.fail != nil { return nil, d.fail }
    return grpc.NewClient("passthrough:///"+target, grpc.WithTransportCredentials(insecure.NewCredentials()))
}

func TestPoolSharesOneDial(t *testing.T) {
    d := newGatedDialer()
    p := newConnPool(time.Minute, d.dial)
    defer p.close()

    const callers = 5
    conns := make([]*grpc.ClientConn, callers)
    var wg sync.WaitGroup
    for i := 0; i < callers; i++ {
        wg.Add(1)
        go func(i int) {
            defer wg.Done()
            cc, release, err := p.get(context.Background(), "10.0.0.1:7950")
            if err == nil {
                conns[i] = cc
                release()
            }
        }(i)
    }
    <-d.dialing
    close(d.gate)
    wg.Wait()

    assert.EqualValues(t, 1, d.dials.Load())
    for _, cc := range conns {
        require.NotNil(t, cc)
        assert.Same(t, conns[0], cc)
    }
    assert.Equal(t, 1, p.size())
}

func TestPoolForgetDuringDial(t *testing.T) {
    d := newGatedDialer()
    p := newConnPool(time.Minute, d.dial)
    defer p.close()

    errc := make(chan error, 1)
    go func() {
        _, _, err := p.get(context.Background(), "10.0.0.2:7950")
        errc <- err
    }()
    <-d.dialing
    p.forget("10.0.0.2:7950")
    close(d.gate)

    assert.ErrorIs(t, <-errc, errEvicted)
    assert.Zero(t, p.size())
}

func TestPoolDoesNotCacheDialErrors(t *testing.T) {
    d := newGatedDialer()
    d.fail = errors.New("connection refused")
    close(d.gate)
    p := newConnPool(time.Minute, d.dial)
    defer p.close()

    for i := 0; i < 2; i++ {
        _, _, err := p.get(context.Background(), "10.0.0.3:7950")
        assert.ErrorIs(t, err, d.fail)
        <-d.dialing
    }
    assert.EqualValues(t, 2, d.dials.Load())
    assert.Zero(t, p.size())
}

func TestPoolEvictsOnlyIdleConnections(t *testing.T) {
    d := newGatedDialer()
    close(d.gate)
    p := newConnPool(time.Minute, d.dial)
    defer p.close()

    _, releaseA, err := p.get(context.Background(), "a:1")
    require.NoError(t, err)
    releaseA()
    _, releaseB, err := p.get(context.Background(), "b:1")
    require.NoError(t, err)
    defer releaseB()

    p.evictIdle(time.Now().Add(time.Second))
    assert.Equal(t, 1, p.size(), "connection in use survives the sweep")

    p.close()
    _, _, err = p.get(context.Background(), "a:1")
    assert.ErrorIs(t, err, errPoolClosed)
}
