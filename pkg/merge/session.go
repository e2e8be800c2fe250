package merge

import (
    "context"
    "errors"
    "sync"
    "time"

    "go.uber.org/zap"

    "github.com/amirimatin/go-gms/pkg/internal/logutil"
    "github.com/amirimatin/go-gms/pkg/observability/metrics"
    "github.com/amirimatin/go-gms/pkg/observability/tracing"
    "github.com/amirimatin/go-gms/pkg/view"
)

const DefaultHistorySize = 20

// Sender delivers merge protocol messages. Implementations must not block on
// the receiver processing them.
type Sender interface {
    SendMergeRequest(ctx context.Context, to view.Address, id ID, expected []view.Address) error
    SendMergeResponse(ctx context.Context, to view.Address, id ID, data Data) error
    SendMergeView(ctx context.Context, to view.Address, id ID, data Data) error
    SendMergeCancelled(ctx context.Context, to view.Address, id ID) error
}

// Hooks observe the adoption and the end of a merge id on this node. They run
// with the session lock held and must not call back into the session.
type Hooks struct {
    Started func(id ID)
    Ended   func(id ID)
}

type SessionOptions struct {
    Local       view.Address
    CurrentView func() *view.View
    Digest      func() view.Digest
    // Install applies a merge view. digests holds what HandleDigestResponse
    // collected during the attempt.
    Install     func(ctx context.Context, data Data, digests map[view.Address]view.Digest)
    Sender      Sender
    Hooks       Hooks
    HistorySize int // default DefaultHistorySize
    // AwaitDigests makes Await also wait for a digest response from every
    // non-coordinator member of each accepting subgroup.
    AwaitDigests bool
    Logger       *zap.Logger
}

func (o *SessionOptions) Validate() error {
    if o.Local.IsZero() { return errors.New("merge: local address is required") }
    if o.CurrentView == nil { return errors.New("merge: current view lookup is required") }
    if o.Install == nil { return errors.New("merge: install callback is required") }
    if o.Sender == nil { return errors.New("merge: sender is required") }
    if o.HistorySize < 0 { return errors.New("merge: history size must be >= 0") }
    return nil
}

// Session is the per-attempt merge state of one node. Every inbound message
// is gated on its merge id matching the active one.
type Session struct {
    local   view.Address
    current func() *view.View
    digest  func() view.Digest
    install func(ctx context.Context, data Data, digests map[view.Address]view.Digest)
    sender  Sender
    hooks   Hooks
    waitDig bool
    log     *zap.Logger

    mu           sync.Mutex
    active       ID
    since        time.Time
    participants map[view.Address][]view.Address
    responses    map[view.Address]Data
    digests      map[view.Address]view.Digest
    changed      chan struct{}
    history      []ID
    historyCap   int
}

func NewSession(opts SessionOptions) (*Session, error) {
    if err := opts.Validate(); err != nil { return nil, err }
    if opts.HistorySize == 0 { opts.HistorySize = DefaultHistorySize }
    return &Session{
        local:      opts.Local,
        current:    opts.CurrentView,
        digest:     opts.Digest,
        install:    opts.Install,
        sender:     opts.Sender,
        hooks:      opts.Hooks,
        waitDig:    opts.AwaitDigests,
        log:        logutil.Named(opts.Logger, "merge"),
        changed:    make(chan struct{}),
        historyCap: opts.HistorySize,
    }, nil
}

// Active returns the active merge id and when it was adopted.
func (s *Session) Active() (ID, time.Time, bool) {
    s.mu.Lock()
    defer s.mu.Unlock()
    return s.active, s.since, !s.active.IsZero()
}

func (s *Session) InProgress() bool {
    _, _, ok := s.Active()
    return ok
}

// History returns finished merge ids, oldest first.
func (s *Session) History() []ID {
    s.mu.Lock()
    defer s.mu.Unlock()
    return append([]ID(nil), s.history...)
}

// Start makes id active for a run led by this node. participants maps each
// subgroup coordinator to the members it is expected to bring.
func (s *Session) Start(id ID, participants map[view.Address][]view.Address) error {
    s.mu.Lock()
    if !s.active.IsZero() {
        s.mu.Unlock()
        return ErrMergeInProgress
    }
    if s.finishedLocked(id) {
        s.mu.Unlock()
        return ErrMergeAborted
    }
    s.adoptLocked(id)
    s.participants = make(map[view.Address][]view.Address, len(participants))
    for k, v := range participants { s.participants[k] = append([]view.Address(nil), v...) }
    s.mu.Unlock()
    return nil
}

// HandleMergeRequest answers a merge leader. A request for a merge other than
// the active one, or for one already finished here, is rejected.
func (s *Session) HandleMergeRequest(ctx context.Context, sender view.Address, id ID, expected []view.Address) {
    ctx, end := tracing.StartSpan(ctx, "gms.merge.request", "from", string(sender))
    defer end()

    var reply Data
    s.mu.Lock()
    switch {
    case !s.active.IsZero() && s.active != id:
        s.log.Debug("merge already in progress, rejecting", zap.Stringer("active", s.active), zap.Stringer("requested", id), zap.Stringer("from", sender))
        reply = Reject(s.local)
    case s.active.IsZero() && s.finishedLocked(id):
        s.log.Debug("merge id already finished, rejecting", zap.Stringer("requested", id), zap.Stringer("from", sender))
        reply = Reject(s.local)
    default:
        cur := s.current()
        if cur == nil {
            s.log.Warn("no view installed, rejecting merge request", zap.Stringer("from", sender))
            reply = Reject(s.local)
            break
        }
        if s.active.IsZero() { s.adoptLocked(id) }
        mbrs := view.Dedup(expected)
        if len(mbrs) == 0 { mbrs = cur.Members() }
        var d view.Digest
        if s.digest != nil { d = s.digest() }
        reply = Accept(s.local, view.New(cur.ID(), mbrs...), d)
    }
    s.mu.Unlock()

    if err := s.sender.SendMergeResponse(ctx, sender, id, reply); err != nil {
        s.log.Warn("sending merge response failed", zap.Stringer("to", sender), zap.Error(err))
    }
}

// HandleMergeResponse records data for its sender, replacing an earlier
// response from the same sender. It reports whether the response was kept.
func (s *Session) HandleMergeResponse(data Data, id ID) bool {
    s.mu.Lock()
    defer s.mu.Unlock()
    if s.active.IsZero() || s.active != id {
        s.staleLocked("merge response", id, data.Sender)
        return false
    }
    if data.Rejected {
        data.View, data.Digest = nil, nil
        metrics.MergeResponses.WithLabelValues("rejected").Inc()
    } else {
        metrics.MergeResponses.WithLabelValues("accepted").Inc()
    }
    if s.responses == nil { s.responses = make(map[view.Address]Data) }
    s.responses[data.Sender] = data
    s.notifyLocked()
    return true
}

// HandleMergeView installs the merged view and ends the attempt.
func (s *Session) HandleMergeView(ctx context.Context, data Data, id ID) bool {
    ctx, end := tracing.StartSpan(ctx, "gms.merge.view", "from", string(data.Sender))
    defer end()

    s.mu.Lock()
    if s.active.IsZero() || s.active != id {
        s.staleLocked("merge view", id, data.Sender)
        s.mu.Unlock()
        return false
    }
    digests := s.digests
    s.clearLocked()
    s.mu.Unlock()

    s.install(ctx, data, digests)

    s.mu.Lock()
    if s.active.IsZero() { s.ended(id) }
    s.mu.Unlock()
    return true
}

// HandleMergeCancelled ends the attempt without installing anything.
func (s *Session) HandleMergeCancelled(id ID) bool {
    s.mu.Lock()
    if s.active.IsZero() || s.active != id {
        s.mu.Unlock()
        return false
    }
    s.clearLocked()
    s.ended(id)
    s.mu.Unlock()

    s.log.Info("merge cancelled", zap.Stringer("id", id))
    return true
}

// HandleDigestResponse records the digest of sender for the merge id. Digests
// tagged with any other id are discarded.
func (s *Session) HandleDigestResponse(sender view.Address, d view.Digest, id ID) bool {
    s.mu.Lock()
    defer s.mu.Unlock()
    if s.active.IsZero() || s.active != id {
        s.staleLocked("digest response", id, sender)
        return false
    }
    if s.digests == nil { s.digests = make(map[view.Address]view.Digest) }
    s.digests[sender] = append(view.Digest(nil), d...)
    s.notifyLocked()
    return true
}

// ForceCancel ends whatever merge is active. It reports the id it ended.
func (s *Session) ForceCancel() (ID, bool) {
    s.mu.Lock()
    id := s.active
    if id.IsZero() {
        s.mu.Unlock()
        return ID{}, false
    }
    s.clearLocked()
    s.ended(id)
    s.mu.Unlock()

    s.log.Warn("merge forcibly cancelled", zap.Stringer("id", id))
    return id, true
}

// Responses returns a copy of the responses recorded for id.
func (s *Session) Responses(id ID) map[view.Address]Data {
    s.mu.Lock()
    defer s.mu.Unlock()
    if s.active != id { return nil }
    out := make(map[view.Address]Data, len(s.responses))
    for k, v := range s.responses { out[k] = v }
    return out
}

// Digests returns a copy of the digests recorded for id.
func (s *Session) Digests(id ID) map[view.Address]view.Digest {
    s.mu.Lock()
    defer s.mu.Unlock()
    if s.active != id { return nil }
    out := make(map[view.Address]view.Digest, len(s.digests))
    for k, v := range s.digests { out[k] = v }
    return out
}

// Await blocks until every participant passed to Start answered id, the
// timeout elapses or ctx is done. It reports whether all answered.
func (s *Session) Await(ctx context.Context, id ID, timeout time.Duration) bool {
    t := time.NewTimer(timeout)
    defer t.Stop()
    for {
        s.mu.Lock()
        if s.active != id {
            s.mu.Unlock()
            return false
        }
        all := s.answeredLocked()
        ch := s.changed
        s.mu.Unlock()
        if all { return true }

        select {
        case <-ch:
        case <-t.C:
            return false
        case <-ctx.Done():
            return false
        }
    }
}

func (s *Session) answeredLocked() bool {
    for p, mbrs := range s.participants {
        rsp, ok := s.responses[p]
        if !ok { return false }
        if !s.waitDig || rsp.Rejected { continue }
        for _, m := range mbrs {
            if m == p { continue }
            if _, ok := s.digests[m]; !ok { return false }
        }
    }
    return true
}

func (s *Session) adoptLocked(id ID) {
    s.active = id
    s.since = time.Now()
    s.participants = nil
    s.responses = nil
    s.digests = nil
    s.started(id)
}

func (s *Session) clearLocked() {
    if s.historyCap > 0 {
        s.history = append(s.history, s.active)
        if len(s.history) > s.historyCap { s.history = s.history[len(s.history)-s.historyCap:] }
    }
    s.active = ID{}
    s.since = time.Time{}
    s.participants = nil
    s.responses = nil
    s.digests = nil
    s.notifyLocked()
}

func (s *Session) notifyLocked() {
    close(s.changed)
    s.changed = make(chan struct{})
}

func (s *Session) finishedLocked(id ID) bool {
    for _, h := range s.history {
        if h == id { return true }
    }
    return false
}

func (s *Session) staleLocked(what string, id ID, from view.Address) {
    metrics.MergeStale.Inc()
    s.log.Debug("discarding stale "+what, zap.Stringer("active", s.active), zap.Stringer("received", id), zap.Stringer("from", from))
}

func (s *Session) started(id ID) {
    if s.hooks.Started != nil { s.hooks.Started(id) }
}

func (s *Session) ended(id ID) {
    if s.hooks.Ended != nil { s.hooks.Ended(id) }
}
