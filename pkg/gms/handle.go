package gms

import (
    "context"
    "errors"
    "fmt"

    "go.uber.org/zap"

    "github.com/amirimatin/go-gms/pkg/coalescer"
    "github.com/amirimatin/go-gms/pkg/merge"
    "github.com/amirimatin/go-gms/pkg/transport"
    "github.com/amirimatin/go-gms/pkg/view"
)

// Handle dispatches an inbound protocol message.
func (n *Node) Handle(ctx context.Context, msg transport.Message) error {
    if msg.From.IsZero() { return fmt.Errorf("%w: %s message without sender", view.ErrInvalidArgument, msg.Kind) }
    if n.stopped() { return ErrStopped }

    switch msg.Kind {
    case transport.KindJoinRequest:
        n.handleJoinRequest(ctx, msg)
    case transport.KindJoinResponse:
        if msg.View != nil {
            select {
            case n.joinRsp <- msg.View:
            default:
            }
        }
    case transport.KindLeaveRequest:
        member := msg.Member
        if member.IsZero() { member = msg.From }
        if !n.isCoordinator() {
            n.log.Debug("not coordinator, ignoring leave request", zap.Stringer("from", msg.From))
            return nil
        }
        n.co.Submit(coalescer.Leave(member, false))
    case transport.KindLeaveResponse:
        return n.leaver.HandleLeaveResponse(msg.From)
    case transport.KindView:
        if msg.View == nil { return fmt.Errorf("%w: view message without view", view.ErrInvalidArgument) }
        if !msg.View.Contains(n.local) {
            n.log.Debug("ignoring view without local member", zap.Stringer("view", msg.View))
            return nil
        }
        n.install(msg.View, "view")
    case transport.KindDeltaView:
        n.handleDelta(msg)
    case transport.KindMergeRequest:
        n.handleMergeRequest(ctx, msg)
    case transport.KindMergeResponse:
        if msg.Data == nil { return fmt.Errorf("%w: merge response without data", view.ErrInvalidArgument) }
        n.session.HandleMergeResponse(*msg.Data, msg.MergeID)
    case transport.KindInstallMergeView:
        if msg.Data == nil || msg.Data.View == nil { return fmt.Errorf("%w: merge view message without view", view.ErrInvalidArgument) }
        n.session.HandleMergeView(ctx, *msg.Data, msg.MergeID)
    case transport.KindCancelMerge:
        n.session.HandleMergeCancelled(msg.MergeID)
    case transport.KindDigestRequest:
        to := msg.ReplyTo
        if to.IsZero() { to = msg.From }
        rsp := transport.Message{Kind: transport.KindDigestResponse, From: n.local, MergeID: msg.MergeID, Digest: n.digest()}
        if err := n.tr.Send(ctx, to, rsp); err != nil {
            n.log.Debug("sending digest response failed", zap.Stringer("to", to), zap.Error(err))
        }
    case transport.KindDigestResponse:
        n.session.HandleDigestResponse(msg.From, msg.Digest, msg.MergeID)
    default:
        return fmt.Errorf("%w: unknown message kind %q", view.ErrInvalidArgument, msg.Kind)
    }
    return nil
}

func (n *Node) isCoordinator() bool {
    cur := n.View()
    return cur != nil && n.coordinatorOf(cur) == n.local
}

func (n *Node) handleJoinRequest(ctx context.Context, msg transport.Message) {
    member := msg.Member
    if member.IsZero() { member = msg.From }
    cur := n.View()
    if cur == nil {
        // founders starting together: the smallest address founds the group
        if !n.WouldBeCoordinator(member, n.local) {
            n.log.Debug("no view, leaving join to a smaller founder", zap.Stringer("from", member))
            return
        }
        if err := n.Bootstrap(); err != nil { return }
    } else if !n.isCoordinator() {
        rsp := transport.Message{Kind: transport.KindJoinResponse, From: n.local, View: cur}
        if err := n.tr.Send(ctx, msg.From, rsp); err != nil {
            n.log.Debug("sending join redirect failed", zap.Stringer("to", msg.From), zap.Error(err))
        }
        return
    }
    if msg.StateTransfer {
        n.co.Submit(coalescer.JoinWithStateTransfer(member, msg.UseFlush))
        return
    }
    n.co.Submit(coalescer.Join(member, msg.UseFlush))
}

func (n *Node) handleDelta(msg transport.Message) {
    d, err := msg.DeltaView()
    if err != nil {
        n.log.Warn("dropping undecodable delta view", zap.Stringer("from", msg.From), zap.Error(err))
        return
    }
    cur := n.View()
    next, err := d.Apply(cur)
    if errors.Is(err, view.ErrRefMismatch) {
        n.log.Warn("dropping delta view for another base view", zap.Stringer("delta", d), zap.Stringer("current", cur.ID()))
        return
    }
    if err != nil {
        n.log.Warn("applying delta view failed", zap.Stringer("delta", d), zap.Error(err))
        return
    }
    if !next.Contains(n.local) { return }
    n.install(next, "delta")
}

func (n *Node) handleMergeRequest(ctx context.Context, msg transport.Message) {
    n.session.HandleMergeRequest(ctx, msg.From, msg.MergeID, msg.Members)
    if id, _, ok := n.session.Active(); !ok || id != msg.MergeID { return }
    // members of the subgroup report their digests straight to the leader
    for _, m := range view.Dedup(msg.Members) {
        if m == n.local { continue }
        req := transport.Message{Kind: transport.KindDigestRequest, From: n.local, MergeID: msg.MergeID, ReplyTo: msg.From}
        if err := n.tr.Send(ctx, m, req); err != nil {
            n.log.Debug("sending digest request failed", zap.Stringer("to", m), zap.Error(err))
        }
    }
}

// processBatch runs with the coalescer lock held. Only the acting
// coordinator changes the view; for everyone else the batch is a no-op.
func (n *Node) processBatch(batch []coalescer.Request) error {
    ctx := n.runCtx
    cur := n.View()
    if cur == nil || n.coordinatorOf(cur) != n.local {
        n.log.Debug("not coordinator, dropping batch", zap.Int("size", len(batch)))
        return nil
    }

    var (
        joiners, leavers, replyTo, resend []view.Address
        gone                              = make(map[view.Address]bool)
    )
    for _, r := range batch {
        switch r.Kind {
        case coalescer.KindJoin, coalescer.KindJoinWithStateTransfer:
            switch {
            case cur.Contains(r.Member):
                resend = append(resend, r.Member)
            case !containsAddr(joiners, r.Member):
                joiners = append(joiners, r.Member)
            }
        case coalescer.KindLeave:
            if !r.Suspected { replyTo = append(replyTo, r.Member) }
            if cur.Contains(r.Member) && !gone[r.Member] {
                gone[r.Member] = true
                leavers = append(leavers, r.Member)
            }
        case coalescer.KindSuspect:
            if cur.Contains(r.Member) && !gone[r.Member] {
                gone[r.Member] = true
                leavers = append(leavers, r.Member)
            }
        case coalescer.KindMerge:
            n.startMerge(r.Views)
        }
    }

    // suspected members will be removed by this node taking over
    n.smu.Lock()
    for a := range n.suspected {
        if cur.Contains(a) && !gone[a] {
            gone[a] = true
            leavers = append(leavers, a)
        }
    }
    n.smu.Unlock()

    for _, m := range resend {
        if gone[m] { continue }
        n.send(ctx, m, transport.Message{Kind: transport.KindView, From: n.local, View: cur})
    }
    if len(joiners) == 0 && len(leavers) == 0 {
        n.replyLeaves(ctx, replyTo)
        return nil
    }

    members := make([]view.Address, 0, cur.Size()+len(joiners))
    for _, m := range cur.Members() {
        if !gone[m] { members = append(members, m) }
    }
    members = append(members, joiners...)
    next := view.New(view.ViewID{Creator: n.local, Counter: cur.ID().Counter + 1}, members...)
    d, err := view.Diff(cur, next)
    if err != nil { return err }
    dm, err := transport.DeltaMessage(n.local, d)
    if err != nil { return err }

    for _, m := range cur.Members() {
        if m == n.local || gone[m] { continue }
        n.send(ctx, m, dm)
    }
    for _, m := range joiners {
        n.send(ctx, m, transport.Message{Kind: transport.KindView, From: n.local, View: next})
    }
    if next.Contains(n.local) { n.install(next, "coordinator") }
    n.replyLeaves(ctx, replyTo)
    n.log.Info("view change sent", zap.Stringer("view", next), zap.Stringers("joined", joiners), zap.Stringers("left", leavers))
    return nil
}

func (n *Node) replyLeaves(ctx context.Context, to []view.Address) {
    for _, m := range to {
        n.send(ctx, m, transport.Message{Kind: transport.KindLeaveResponse, From: n.local})
    }
}

func (n *Node) send(ctx context.Context, to view.Address, msg transport.Message) {
    if err := n.tr.Send(ctx, to, msg); err != nil {
        n.log.Warn("send failed", zap.String("kind", string(msg.Kind)), zap.Stringer("to", to), zap.Error(err))
    }
}

// startMerge launches the leader run when the local node leads the merge of
// the resolved subgroups.
func (n *Node) startMerge(views map[view.Address]*view.View) {
    groups := merge.Resolve(merge.SanitizeViews(views))
    if len(groups) < 2 {
        n.log.Debug("nothing to merge", zap.Int("subgroups", len(groups)))
        return
    }
    if l := merge.LeaderOf(groups); l != n.local {
        n.log.Debug("not merge leader", zap.Stringer("leader", l))
        return
    }
    if n.leader.Running() {
        n.log.Debug("merge leader already running")
        return
    }
    n.run.wg.Add(1)
    go func() {
        defer n.run.wg.Done()
        out, err := n.leader.Run(n.runCtx, views)
        if err != nil {
            n.log.Warn("merge failed", zap.Stringer("id", out.ID), zap.Error(err))
            return
        }
        n.log.Info("merge led", zap.Stringer("id", out.ID), zap.Stringer("view", out.View), zap.Stringers("missing", out.Missing))
    }()
}

func containsAddr(list []view.Address, a view.Address) bool {
    for _, x := range list {
        if x == a { return true }
    }
    return false
}
