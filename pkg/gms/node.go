package gms

import (
    "context"
    "fmt"
    "sync"
    "sync/atomic"
    "time"

    "go.uber.org/zap"

    "github.com/amirimatin/go-gms/pkg/coalescer"
    "github.com/amirimatin/go-gms/pkg/internal/logutil"
    "github.com/amirimatin/go-gms/pkg/leave"
    "github.com/amirimatin/go-gms/pkg/merge"
    "github.com/amirimatin/go-gms/pkg/observability/metrics"
    "github.com/amirimatin/go-gms/pkg/observability/tracing"
    "github.com/amirimatin/go-gms/pkg/transport"
    "github.com/amirimatin/go-gms/pkg/view"
)

// Node is the group membership facade of one member. It owns the current
// view and routes protocol messages to the request coalescer, the leave
// handshake and the merge session. Whether it acts as coordinator is derived
// from the current view on every call.
type Node struct {
    opts  Options
    local view.Address
    tr    transport.Transport
    log   *zap.Logger

    co      *coalescer.Coalescer
    leaver  *leave.Coordinator
    session *merge.Session
    leader  *merge.Leader
    eb      eventBus

    cur       atomic.Pointer[view.View]
    installMu sync.Mutex // serializes installs and their side effects

    smu       sync.Mutex
    suspected map[view.Address]struct{}

    wmu     sync.Mutex
    changed chan struct{} // closed on every install
    joinRsp chan *view.View

    run struct {
        mu      sync.Mutex
        started bool
        stopped bool
        cancel  context.CancelFunc
        wg      sync.WaitGroup
    }
    runCtx context.Context // cancelled by Stop
}

var _ transport.Handler = (*Node)(nil)

// New assembles a Node. It performs no network activity; call Start.
func New(opts Options) (*Node, error) {
    if err := opts.Validate(); err != nil { return nil, err }
    opts.setDefaults()
    n := &Node{
        opts:      opts,
        local:     opts.Transport.Addr(),
        tr:        opts.Transport,
        log:       logutil.Named(opts.Logger, "gms").With(zap.Stringer("local", opts.Transport.Addr())),
        suspected: make(map[view.Address]struct{}),
        changed:   make(chan struct{}),
        joinRsp:   make(chan *view.View, 1),
    }
    n.runCtx, n.run.cancel = context.WithCancel(context.Background())

    var err error
    n.co, err = coalescer.New(coalescer.Options{
        Process:     n.processBatch,
        HistorySize: opts.HistorySize,
        MaxBatchAge: opts.MaxBatchAge,
        Logger:      n.log,
    })
    if err != nil { return nil, err }

    n.leaver, err = leave.New(leave.Options{
        Local:       n.local,
        Coordinator: n.leaveTarget,
        Send: func(ctx context.Context, coord view.Address) error {
            return n.tr.Send(ctx, coord, transport.Message{Kind: transport.KindLeaveRequest, From: n.local, Member: n.local})
        },
        Timeout: opts.LeaveTimeout,
        Logger:  n.log,
    })
    if err != nil { return nil, err }

    snd := &mergeSender{n: n}
    n.session, err = merge.NewSession(merge.SessionOptions{
        Local:       n.local,
        CurrentView: n.View,
        Digest:      n.digest,
        Install:     n.installMerge,
        Sender:      snd,
        Hooks: merge.Hooks{
            Started: func(id merge.ID) {
                n.co.Suspend()
                n.eb.publish(Event{Type: EventMergeStarted, MergeID: id.String()})
            },
            Ended: func(id merge.ID) {
                n.co.Resume()
                n.eb.publish(Event{Type: EventMergeEnded, MergeID: id.String()})
            },
        },
        HistorySize:  opts.HistorySize,
        AwaitDigests: true,
        Logger:       n.log,
    })
    if err != nil { return nil, err }

    n.leader, err = merge.NewLeader(merge.LeaderOptions{
        Local:   n.local,
        Session: n.session,
        Sender:  snd,
        Timeout: opts.MergeTimeout,
        Joiner:  opts.Joiner,
        Logger:  n.log,
    })
    if err != nil { return nil, err }
    return n, nil
}

func (n *Node) Addr() view.Address { return n.local }

// Start begins receiving messages and runs the merge killer.
func (n *Node) Start(ctx context.Context) error {
    n.run.mu.Lock()
    defer n.run.mu.Unlock()
    if n.run.stopped { return ErrStopped }
    if n.run.started { return nil }
    metrics.Register()
    if err := n.tr.Start(ctx, n); err != nil { return err }
    n.run.started = true
    n.run.wg.Add(1)
    go func() {
        defer n.run.wg.Done()
        n.mergeKiller(n.runCtx)
    }()
    n.log.Info("node started")
    return nil
}

// Stop stops the transport and background loops. A stopped node cannot be
// restarted.
func (n *Node) Stop(ctx context.Context) error {
    n.run.mu.Lock()
    if n.run.stopped {
        n.run.mu.Unlock()
        return nil
    }
    n.run.stopped = true
    started := n.run.started
    n.run.mu.Unlock()

    n.leaver.Reset()
    n.run.cancel()
    n.run.wg.Wait()
    var err error
    if started { err = n.tr.Stop(ctx) }
    if n.opts.ViewLog != nil {
        if cerr := n.opts.ViewLog.Close(); cerr != nil && err == nil { err = cerr }
    }
    n.log.Info("node stopped")
    return err
}

func (n *Node) stopped() bool {
    n.run.mu.Lock()
    defer n.run.mu.Unlock()
    return n.run.stopped
}

// View returns the current view, or nil before Bootstrap or Join.
func (n *Node) View() *view.View { return n.cur.Load() }

// Bootstrap installs a singleton view making the local node the coordinator
// of a new group. It is a no-op when a view is already installed.
func (n *Node) Bootstrap() error {
    if n.stopped() { return ErrStopped }
    if n.View() != nil { return nil }
    n.install(view.New(view.ViewID{Creator: n.local, Counter: 1}, n.local), "bootstrap")
    return nil
}

// Join asks seed to admit the local node and waits until a view containing
// it is installed. Requests are retried every JoinRetry; a non-coordinator
// seed answers with its view and the request is redirected to that view's
// coordinator. A zero or local seed bootstraps a new group.
func (n *Node) Join(ctx context.Context, seed view.Address) error {
    if n.stopped() { return ErrStopped }
    if seed.IsZero() || seed == n.local { return n.Bootstrap() }
    ctx, end := tracing.StartSpan(ctx, "gms.join", "seed", string(seed))
    defer end()

    target := seed
    retry := time.NewTicker(n.opts.JoinRetry)
    defer retry.Stop()
    for {
        ch := n.changedCh()
        if v := n.View(); v.Contains(n.local) {
            n.log.Info("joined", zap.Stringer("view", v))
            return nil
        }
        msg := transport.Message{Kind: transport.KindJoinRequest, From: n.local, Member: n.local,
            StateTransfer: n.opts.StateTransfer, UseFlush: n.opts.UseFlush}
        if err := n.tr.Send(ctx, target, msg); err != nil {
            n.log.Debug("sending join request failed", zap.Stringer("to", target), zap.Error(err))
        }
        select {
        case <-ctx.Done():
            return fmt.Errorf("gms: join via %s: %w", seed, ctx.Err())
        case <-ch:
        case v := <-n.joinRsp:
            if c := v.Coordinator(); !c.IsZero() && c != target {
                n.log.Debug("redirecting join", zap.Stringer("coord", c))
                target = c
            }
        case <-retry.C:
        }
    }
}

// Leave runs the leave handshake with the coordinator. Unless the call was
// a retry of a pending leave, the local view is dropped afterwards.
func (n *Node) Leave(ctx context.Context) (leave.Result, error) {
    if n.stopped() { return leave.Result{Status: leave.Cancelled}, ErrStopped }
    res, err := n.leaver.Leave(ctx)
    if err != nil || res.Status == leave.Retried || res.Status == leave.Cancelled { return res, err }
    n.installMu.Lock()
    old := n.cur.Swap(nil)
    n.installMu.Unlock()
    n.clearSuspects()
    metrics.ViewSize.Set(0)
    metrics.IsCoordinator.Set(0)
    n.log.Info("left group", zap.Stringer("status", res.Status), zap.Stringer("last_view", old))
    n.eb.publish(Event{Type: EventLeft, View: old, Member: n.local})
    return res, nil
}

// Suspect reports member as failed. The acting coordinator removes it; a
// participant that becomes the first unsuspected member takes over.
func (n *Node) Suspect(member view.Address) error {
    if member.IsZero() { return fmt.Errorf("%w: empty member", view.ErrInvalidArgument) }
    if n.stopped() { return ErrStopped }
    if member == n.local { return nil }
    cur := n.View()
    if !cur.Contains(member) { return nil }
    before := n.coordinatorOf(cur)
    n.smu.Lock()
    n.suspected[member] = struct{}{}
    n.smu.Unlock()
    n.eb.publish(Event{Type: EventSuspected, Member: member})
    after := n.coordinatorOf(cur)
    if before != after {
        n.log.Info("coordinator suspected", zap.Stringer("suspected", before), zap.Stringer("next", after))
        n.leaver.CoordChanged(after)
    }
    n.co.Submit(coalescer.Suspect(member))
    return nil
}

// Merge submits the views reported by the coordinators of partitions that
// can see each other again. The node that is the merge leader of the
// resolved subgroups runs the merge; the others drop the request.
func (n *Node) Merge(views map[view.Address]*view.View) error {
    if n.stopped() { return ErrStopped }
    cur := n.View()
    if cur == nil { return ErrNoView }
    if n.coordinatorOf(cur) != n.local { return ErrNotCoordinator }
    if len(views) == 0 { return fmt.Errorf("%w: no views to merge", view.ErrInvalidArgument) }
    n.co.Submit(coalescer.Merge(views))
    return nil
}

// WouldBeCoordinator reports whether the local node would coordinate the
// current membership extended by candidates.
func (n *Node) WouldBeCoordinator(candidates ...view.Address) bool {
    if n.local.IsZero() { return false }
    all := view.Dedup(append(n.View().Members(), candidates...))
    if len(all) == 0 { return false }
    view.SortAddresses(all)
    return all[0] == n.local
}

// coordinatorOf returns the first member of v not suspected locally.
func (n *Node) coordinatorOf(v *view.View) view.Address {
    n.smu.Lock()
    defer n.smu.Unlock()
    for _, m := range v.Members() {
        if _, bad := n.suspected[m]; !bad { return m }
    }
    return ""
}

func (n *Node) leaveTarget() view.Address {
    cur := n.View()
    if cur.Size() <= 1 { return "" }
    return n.coordinatorOf(cur)
}

func (n *Node) suspectedList() []view.Address {
    n.smu.Lock()
    out := make([]view.Address, 0, len(n.suspected))
    for a := range n.suspected { out = append(out, a) }
    n.smu.Unlock()
    view.SortAddresses(out)
    return out
}

func (n *Node) clearSuspects() {
    n.smu.Lock()
    n.suspected = make(map[view.Address]struct{})
    n.smu.Unlock()
}

func (n *Node) digest() view.Digest {
    if n.opts.Digest == nil { return nil }
    return n.opts.Digest()
}

func (n *Node) changedCh() <-chan struct{} {
    n.wmu.Lock()
    defer n.wmu.Unlock()
    return n.changed
}

// install replaces the current view when next is newer. It reports whether
// next was installed.
func (n *Node) install(next *view.View, source string) bool {
    n.installMu.Lock()
    defer n.installMu.Unlock()

    old := n.cur.Load()
    if old != nil && next.ID().Compare(old.ID()) <= 0 {
        n.log.Debug("ignoring view not newer than current", zap.Stringer("current", old.ID()), zap.Stringer("received", next.ID()))
        return false
    }
    oldCoord := n.coordinatorOf(old)
    n.cur.Store(next)

    n.smu.Lock()
    for a := range n.suspected {
        if !next.Contains(a) || a == next.ID().Creator { delete(n.suspected, a) }
    }
    n.smu.Unlock()

    newCoord := n.coordinatorOf(next)
    metrics.ViewsInstalled.WithLabelValues(source).Inc()
    metrics.ViewSize.Set(float64(next.Size()))
    if newCoord == n.local {
        metrics.IsCoordinator.Set(1)
    } else {
        metrics.IsCoordinator.Set(0)
    }
    n.log.Info("installed view", zap.String("source", source), zap.Stringer("view", next))

    if n.opts.ViewLog != nil {
        if err := n.opts.ViewLog.Append(next); err != nil { n.log.Warn("journaling view failed", zap.Error(err)) }
    }
    if old != nil && oldCoord != newCoord { n.leaver.CoordChanged(newCoord) }
    if n.opts.OnViewChange != nil { n.opts.OnViewChange(old, next) }

    n.wmu.Lock()
    close(n.changed)
    n.changed = make(chan struct{})
    n.wmu.Unlock()
    n.eb.publish(Event{Type: EventViewInstalled, View: next})
    return true
}
