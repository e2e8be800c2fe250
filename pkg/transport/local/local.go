// Package local is an in-process message network for running several nodes
// in one process. Delivery is asynchronous and FIFO per receiver; links can
// be cut to simulate partitions.
package local

import (
    "context"
    "errors"
    "fmt"
    "sync"

    "github.com/amirimatin/go-gms/pkg/transport"
    "github.com/amirimatin/go-gms/pkg/view"
)

type link struct{ from, to view.Address }

type Network struct {
    mu    sync.RWMutex
    nodes map[view.Address]*Endpoint
    cut   map[link]struct{}
}

func NewNetwork() *Network {
    return &Network{nodes: make(map[view.Address]*Endpoint), cut: make(map[link]struct{})}
}

// Endpoint returns the endpoint for addr, creating it if needed.
func (n *Network) Endpoint(addr view.Address) *Endpoint {
    n.mu.Lock()
    defer n.mu.Unlock()
    if ep, ok := n.nodes[addr]; ok { return ep }
    ep := &Endpoint{net: n, addr: addr}
    n.nodes[addr] = ep
    return ep
}

// Partition cuts every link between members of different groups. Addresses
// not listed keep their links.
func (n *Network) Partition(groups ...[]view.Address) {
    n.mu.Lock()
    defer n.mu.Unlock()
    for i, g := range groups {
        for j, h := range groups {
            if i == j { continue }
            for _, a := range g {
                for _, b := range h { n.cut[link{a, b}] = struct{}{} }
            }
        }
    }
}

func (n *Network) Heal() {
    n.mu.Lock()
    n.cut = make(map[link]struct{})
    n.mu.Unlock()
}

func (n *Network) route(from, to view.Address) (*Endpoint, bool, error) {
    n.mu.RLock()
    defer n.mu.RUnlock()
    ep, ok := n.nodes[to]
    if !ok { return nil, false, fmt.Errorf("%w: %s", transport.ErrUnreachable, to) }
    _, dropped := n.cut[link{from, to}]
    return ep, dropped, nil
}

// Endpoint is one node's attachment to a Network.
type Endpoint struct {
    net  *Network
    addr view.Address

    mu      sync.Mutex
    handler transport.Handler
    queue   []transport.Message
    wake    chan struct{}
    stop    chan struct{}
    done    chan struct{}
}

var _ transport.Transport = (*Endpoint)(nil)

func (e *Endpoint) Addr() view.Address { return e.addr }

func (e *Endpoint) Start(ctx context.Context, h transport.Handler) error {
    if h == nil { return errors.New("local: handler is required") }
    e.mu.Lock()
    defer e.mu.Unlock()
    if e.handler != nil { return errors.New("local: endpoint already started") }
    e.handler = h
    e.queue = nil
    e.wake = make(chan struct{}, 1)
    e.stop = make(chan struct{})
    e.done = make(chan struct{})
    go e.loop(e.handler, e.wake, e.stop, e.done)
    return nil
}

func (e *Endpoint) Stop(ctx context.Context) error {
    e.mu.Lock()
    if e.handler == nil {
        e.mu.Unlock()
        return nil
    }
    e.handler = nil
    close(e.stop)
    done := e.done
    e.mu.Unlock()
    select {
    case <-done:
        return nil
    case <-ctx.Done():
        return ctx.Err()
    }
}

// Send enqueues msg at the destination. Messages over a cut link are dropped
// silently, as a real network would lose them.
func (e *Endpoint) Send(ctx context.Context, to view.Address, msg transport.Message) error {
    if err := ctx.Err(); err != nil { return err }
    dst, dropped, err := e.net.route(e.addr, to)
    if err != nil { return err }
    if dropped { return nil }
    if msg.From.IsZero() { msg.From = e.addr }
    return dst.enqueue(msg)
}

func (e *Endpoint) enqueue(msg transport.Message) error {
    e.mu.Lock()
    defer e.mu.Unlock()
    if e.handler == nil { return fmt.Errorf("%w: %s is stopped", transport.ErrUnreachable, e.addr) }
    e.queue = append(e.queue, msg)
    select {
    case e.wake <- struct{}{}:
    default:
    }
    return nil
}

func (e *Endpoint) loop(h transport.Handler, wake, stop, done chan struct{}) {
    defer close(done)
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    for {
        select {
        case <-stop:
            return
        case <-wake:
        }
        for {
            e.mu.Lock()
            if len(e.queue) == 0 || e.handler == nil {
                e.mu.Unlock()
                break
            }
            msg := e.queue[0]
            e.queue = e.queue[1:]
            e.mu.Unlock()
            _ = h.Handle(ctx, msg)
        }
    }
}
