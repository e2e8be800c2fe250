package gms

import (
    "context"
    "time"

    "go.uber.org/zap"

    "github.com/amirimatin/go-gms/pkg/merge"
    "github.com/amirimatin/go-gms/pkg/transport"
    "github.com/amirimatin/go-gms/pkg/view"
)

// mergeSender maps the merge protocol onto transport messages.
type mergeSender struct{ n *Node }

var _ merge.Sender = (*mergeSender)(nil)

func (s *mergeSender) SendMergeRequest(ctx context.Context, to view.Address, id merge.ID, expected []view.Address) error {
    return s.n.tr.Send(ctx, to, transport.Message{Kind: transport.KindMergeRequest, From: s.n.local, MergeID: id, Members: expected})
}

func (s *mergeSender) SendMergeResponse(ctx context.Context, to view.Address, id merge.ID, data merge.Data) error {
    return s.n.tr.Send(ctx, to, transport.Message{Kind: transport.KindMergeResponse, From: s.n.local, MergeID: id, Data: &data})
}

func (s *mergeSender) SendMergeView(ctx context.Context, to view.Address, id merge.ID, data merge.Data) error {
    return s.n.tr.Send(ctx, to, transport.Message{Kind: transport.KindInstallMergeView, From: s.n.local, MergeID: id, Data: &data})
}

func (s *mergeSender) SendMergeCancelled(ctx context.Context, to view.Address, id merge.ID) error {
    return s.n.tr.Send(ctx, to, transport.Message{Kind: transport.KindCancelMerge, From: s.n.local, MergeID: id})
}

// installMerge installs the merged view on a subgroup coordinator and casts
// it to the members of the subgroup.
func (n *Node) installMerge(ctx context.Context, data merge.Data, digests map[view.Address]view.Digest) {
    merged := data.View
    if merged == nil || !merged.Contains(n.local) {
        n.log.Warn("merge view without local member, ignoring", zap.Stringer("view", merged))
        return
    }
    old := n.View()
    // the other subgroups are reachable again
    n.clearSuspects()
    if !n.install(merged, "merge") { return }
    if n.opts.InstallDigest != nil && len(data.Digest) > 0 { n.opts.InstallDigest(data.Digest) }
    n.log.Debug("merge view installed", zap.Int("collected_digests", len(digests)))

    for _, m := range old.Members() {
        if m == n.local || !merged.Contains(m) { continue }
        n.send(ctx, m, transport.Message{Kind: transport.KindView, From: n.local, View: merged})
    }
}

// mergeKiller cancels a merge that stayed active for twice the merge timeout,
// which happens when the leader died before installing or cancelling.
func (n *Node) mergeKiller(ctx context.Context) {
    limit := 2 * n.leader.Timeout()
    t := time.NewTicker(limit / 4)
    defer t.Stop()
    for {
        select {
        case <-ctx.Done():
            return
        case <-t.C:
            if id, since, ok := n.session.Active(); ok && time.Since(since) > limit {
                n.log.Warn("merge exceeded its deadline, cancelling", zap.Stringer("id", id), zap.Duration("age", time.Since(since)))
                n.session.ForceCancel()
            }
        }
    }
}
