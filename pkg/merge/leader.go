package merge

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "sync/atomic"
    "time"

    "go.uber.org/zap"

    "github.com/amirimatin/go-gms/pkg/internal/logutil"
    "github.com/amirimatin/go-gms/pkg/observability/metrics"
    "github.com/amirimatin/go-gms/pkg/observability/tracing"
    "github.com/amirimatin/go-gms/pkg/view"
)

const DefaultTimeout = 10 * time.Second

// DigestJoiner combines the digests of all merged subgroups into the digest
// installed with the merge view.
type DigestJoiner func(digests map[view.Address]view.Digest) (view.Digest, error)

// JSONDigestJoiner packs the digests as a JSON object keyed by address.
func JSONDigestJoiner(digests map[view.Address]view.Digest) (view.Digest, error) {
    if len(digests) == 0 { return nil, nil }
    return json.Marshal(digests)
}

type LeaderOptions struct {
    Local   view.Address
    Session *Session
    Sender  Sender
    Timeout time.Duration // default DefaultTimeout
    Joiner  DigestJoiner  // default JSONDigestJoiner
    Logger  *zap.Logger
}

func (o *LeaderOptions) Validate() error {
    if o.Local.IsZero() { return errors.New("merge: local address is required") }
    if o.Session == nil { return errors.New("merge: session is required") }
    if o.Sender == nil { return errors.New("merge: sender is required") }
    if o.Timeout < 0 { return errors.New("merge: timeout must be >= 0") }
    return nil
}

// Leader drives merge attempts on the node that leads them.
type Leader struct {
    local   view.Address
    session *Session
    sender  Sender
    timeout time.Duration
    joiner  DigestJoiner
    log     *zap.Logger
    running atomic.Bool
}

func NewLeader(opts LeaderOptions) (*Leader, error) {
    if err := opts.Validate(); err != nil { return nil, err }
    if opts.Timeout == 0 { opts.Timeout = DefaultTimeout }
    if opts.Joiner == nil { opts.Joiner = JSONDigestJoiner }
    return &Leader{
        local:   opts.Local,
        session: opts.Session,
        sender:  opts.Sender,
        timeout: opts.Timeout,
        joiner:  opts.Joiner,
        log:     logutil.Named(opts.Logger, "merge.leader"),
    }, nil
}

func (l *Leader) Timeout() time.Duration { return l.timeout }

func (l *Leader) Running() bool { return l.running.Load() }

// Outcome describes a finished leader run.
type Outcome struct {
    ID       ID
    View     *view.View
    Merged   []view.Address // coordinators that received the merge view
    Missing  []view.Address
    Rejected []view.Address
}

// Run executes one merge attempt over views. It returns ErrMergeAborted
// when the attempt was cancelled.
func (l *Leader) Run(ctx context.Context, views map[view.Address]*view.View) (Outcome, error) {
    if !l.running.CompareAndSwap(false, true) { return Outcome{}, ErrMergeInProgress }
    defer l.running.Store(false)

    start := time.Now()
    groups := Resolve(SanitizeViews(views))
    id := NewID(l.local)
    ctx, end := tracing.StartSpan(ctx, "gms.merge.lead", "merge_id", id.String())
    defer end()

    if err := l.session.Start(id, groups); err != nil {
        metrics.MergeRuns.WithLabelValues("failed").Inc()
        return Outcome{ID: id}, err
    }
    out := Outcome{ID: id}
    coords := make([]view.Address, 0, len(groups))
    for c := range groups { coords = append(coords, c) }
    view.SortAddresses(coords)

    l.log.Info("merge started", zap.Stringer("id", id), zap.Int("coords", len(coords)))
    for _, c := range coords {
        if err := l.sender.SendMergeRequest(ctx, c, id, groups[c]); err != nil {
            l.log.Warn("sending merge request failed", zap.Stringer("to", c), zap.Error(err))
        }
    }

    l.session.Await(ctx, id, l.timeout)
    rsps := l.session.Responses(id)
    collected := l.session.Digests(id)

    digests := make(map[view.Address]view.Digest)
    var accepted []view.Address
    var subviews []*view.View
    for _, c := range coords {
        d, ok := rsps[c]
        switch {
        case !ok:
            out.Missing = append(out.Missing, c)
        case d.Rejected || d.View == nil:
            out.Rejected = append(out.Rejected, c)
        default:
            accepted = append(accepted, c)
            subviews = append(subviews, d.View)
            if d.Digest != nil { digests[c] = d.Digest }
        }
    }
    for a, d := range collected {
        if _, ok := digests[a]; !ok { digests[a] = d }
    }

    abort := func(reason string) (Outcome, error) {
        l.log.Warn("merge cancelled", zap.Stringer("id", id), zap.String("reason", reason),
            zap.Stringers("missing", out.Missing), zap.Stringers("rejected", out.Rejected))
        for _, c := range coords {
            if contains(out.Missing, c) { continue }
            if err := l.sender.SendMergeCancelled(ctx, c, id); err != nil {
                l.log.Debug("sending merge cancel failed", zap.Stringer("to", c), zap.Error(err))
            }
        }
        l.session.HandleMergeCancelled(id)
        metrics.MergeRuns.WithLabelValues("cancelled").Inc()
        return out, fmt.Errorf("%w: %s", ErrMergeAborted, reason)
    }

    if len(accepted) == 0 { return abort("no merge responses from partition coordinators") }
    if !contains(accepted, l.local) { return abort("merge leader rejected merge request") }

    merged := Consolidate(subviews)
    if merged == nil { return abort("could not consolidate merge") }
    digest, err := l.joiner(digests)
    if err != nil { return abort("joining digests: " + err.Error()) }

    data := Accept(l.local, merged, digest)
    for _, c := range accepted {
        if err := l.sender.SendMergeView(ctx, c, id, data); err != nil {
            l.log.Warn("sending merge view failed", zap.Stringer("to", c), zap.Error(err))
        }
    }
    out.View, out.Merged = merged, accepted
    metrics.MergeRuns.WithLabelValues("installed").Inc()
    l.log.Info("merge view sent", zap.Stringer("id", id), zap.Stringer("view", merged), zap.Duration("took", time.Since(start)))
    return out, nil
}

func contains(list []view.Address, a view.Address) bool {
    for _, x := range list {
        if x == a { return true }
    }
    return false
}
