package grpc

import (
    "context"
    "errors"
    "sync"
    "time"

    "google.golang.org/grpc"

    obsmetrics "github.com/amirimatin/go-gms/pkg/observability/metrics"
)

const defaultIdleTTL = 30 * time.Second

var (
    errPoolClosed = errors.New("grpc: connection pool closed")
    errEvicted    = errors.New("grpc: member evicted while dialing")
)

type dialFunc func(ctx context.Context, target string) (*grpc.ClientConn, error)

// connPool keeps one client connection per member address. Concurrent
// callers for the same member share a single dial. Forget drops a member
// that left the view; idle connections are swept after the TTL.
type connPool struct {
    idle time.Duration
    dial dialFunc

    mu     sync.Mutex
    conns  map[string]*pooledConn
    closed bool
    stop   chan struct{}
}

type pooledConn struct {
    ready chan struct{} // closed when the dial returned
    cc    *grpc.ClientConn
    err   error
    users int
    last  time.Time
}

func newConnPool(idle time.Duration, dial dialFunc) *connPool {
    if idle <= 0 { idle = defaultIdleTTL }
    p := &connPool{idle: idle, dial: dial, conns: make(map[string]*pooledConn), stop: make(chan struct{})}
    go p.sweep()
    return p
}

// get returns the connection to target and a release func the caller runs
// when its call is done.
func (p *connPool) get(ctx context.Context, target string) (*grpc.ClientConn, func(), error) {
    p.mu.Lock()
    if p.closed {
        p.mu.Unlock()
        return nil, nil, errPoolClosed
    }
    pc, found := p.conns[target]
    if !found {
        pc = &pooledConn{ready: make(chan struct{})}
        p.conns[target] = pc
    }
    pc.users++
    p.mu.Unlock()
    release := func() { p.release(pc) }

    if found {
        select {
        case <-pc.ready:
        case <-ctx.Done():
            release()
            return nil, nil, ctx.Err()
        }
        if pc.err != nil {
            release()
            return nil, nil, pc.err
        }
        obsmetrics.GRPCConnReuse.Inc()
        return pc.cc, release, nil
    }

    cc, err := p.dial(ctx, target)
    p.mu.Lock()
    switch {
    case err != nil:
        pc.err = err
        if p.conns[target] == pc { delete(p.conns, target) }
    case p.conns[target] != pc:
        // forgotten or pool closed during the dial
        _ = cc.Close()
        pc.err = errEvicted
    default:
        pc.cc = cc
        obsmetrics.GRPCConnDials.Inc()
        obsmetrics.GRPCConnActive.Inc()
    }
    close(pc.ready)
    err = pc.err
    p.mu.Unlock()
    if err != nil {
        release()
        return nil, nil, err
    }
    return cc, release, nil
}

func (p *connPool) release(pc *pooledConn) {
    p.mu.Lock()
    if pc.users > 0 { pc.users-- }
    pc.last = time.Now()
    p.mu.Unlock()
}

// forget closes the connection to target. A dial still in flight is
// discarded when it completes.
func (p *connPool) forget(target string) {
    p.mu.Lock()
    defer p.mu.Unlock()
    pc, ok := p.conns[target]
    if !ok { return }
    delete(p.conns, target)
    if pc.cc != nil {
        _ = pc.cc.Close()
        obsmetrics.GRPCConnEvictions.Inc()
        obsmetrics.GRPCConnActive.Dec()
    }
}

// size reports the number of cached or dialing members.
func (p *connPool) size() int {
    p.mu.Lock()
    defer p.mu.Unlock()
    return len(p.conns)
}

func (p *connPool) close() {
    p.mu.Lock()
    defer p.mu.Unlock()
    if p.closed { return }
    p.closed = true
    close(p.stop)
    for target, pc := range p.conns {
        if pc.cc != nil {
            _ = pc.cc.Close()
            obsmetrics.GRPCConnActive.Dec()
        }
        delete(p.conns, target)
    }
}

func (p *connPool) sweep() {
    ticker := time.NewTicker(p.idle / 2)
    defer ticker.Stop()
    for {
        select {
        case <-p.stop:
            return
        case now := <-ticker.C:
            p.evictIdle(now.Add(-p.idle))
        }
    }
}

func (p *connPool) evictIdle(cutoff time.Time) {
    p.mu.Lock()
    defer p.mu.Unlock()
    for target, pc := range p.conns {
        if pc.cc == nil || pc.users > 0 || !pc.last.Before(cutoff) { continue }
        _ = pc.cc.Close()
        obsmetrics.GRPCConnEvictions.Inc()
        obsmetrics.GRPCConnActive.Dec()
        delete(p.conns, target)
    }
}
