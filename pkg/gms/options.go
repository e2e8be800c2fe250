package gms

import (
    "errors"
    "time"

    "go.uber.org/zap"

    "github.com/amirimatin/go-gms/pkg/coalescer"
    "github.com/amirimatin/go-gms/pkg/leave"
    "github.com/amirimatin/go-gms/pkg/merge"
    "github.com/amirimatin/go-gms/pkg/state"
    "github.com/amirimatin/go-gms/pkg/transport"
    "github.com/amirimatin/go-gms/pkg/view"
)

const DefaultJoinRetry = 500 * time.Millisecond

// Options carries the components and tuning of a Node. Instances are
// typically produced from bootstrap.Config.
type Options struct {
    // Transport delivers protocol messages; its Addr is the local member.
    Transport transport.Transport

    LeaveTimeout time.Duration // default leave.DefaultTimeout
    MergeTimeout time.Duration // default merge.DefaultTimeout
    JoinRetry    time.Duration // default DefaultJoinRetry
    HistorySize  int           // coalescer and merge id history, default 20
    MaxBatchAge  time.Duration

    // StateTransfer makes Join ask for a join with state transfer, which is
    // never batched with other requests.
    StateTransfer bool
    UseFlush      bool

    // Digest returns the local delivery progress for merges.
    Digest func() view.Digest
    // InstallDigest receives the joined digest installed with a merge view.
    InstallDigest func(view.Digest)
    Joiner        merge.DigestJoiner
    // OnViewChange is called after every local install, in install order.
    // It must not call back into the Node synchronously.
    OnViewChange func(old, next *view.View)

    // ViewLog journals installed views when set.
    ViewLog state.ViewStore

    Logger *zap.Logger
}

func (o *Options) Validate() error {
    if o.Transport == nil { return errors.New("gms: nil Transport") }
    if o.Transport.Addr().IsZero() { return errors.New("gms: transport has no address") }
    if o.LeaveTimeout < 0 || o.MergeTimeout < 0 || o.JoinRetry < 0 { return errors.New("gms: timeouts must be >= 0") }
    if o.HistorySize < 0 { return errors.New("gms: history size must be >= 0") }
    if o.MaxBatchAge < 0 { return errors.New("gms: max batch age must be >= 0") }
    return nil
}

func (o *Options) setDefaults() {
    if o.LeaveTimeout == 0 { o.LeaveTimeout = leave.DefaultTimeout }
    if o.MergeTimeout == 0 { o.MergeTimeout = merge.DefaultTimeout }
    if o.JoinRetry == 0 { o.JoinRetry = DefaultJoinRetry }
    if o.HistorySize == 0 { o.HistorySize = coalescer.DefaultHistorySize }
}
