package leave

import (
    "context"
    "errors"
    "fmt"
    "sync"
    "sync/atomic"
    "time"

    "go.uber.org/zap"

    "github.com/amirimatin/go-gms/pkg/internal/logutil"
    "github.com/amirimatin/go-gms/pkg/internal/promise"
    "github.com/amirimatin/go-gms/pkg/observability/metrics"
    "github.com/amirimatin/go-gms/pkg/observability/tracing"
    "github.com/amirimatin/go-gms/pkg/view"
)

const DefaultTimeout = 5 * time.Second

type Status int

const (
    // Acknowledged: the coordinator answered. Sender may be the local node
    // when it was its own coordinator and replied to itself.
    Acknowledged Status = iota + 1
    // Self: there was no coordinator to ask, nothing was sent.
    Self
    // Retried: another leave was already waiting; the request was resent.
    Retried
    TimedOut
    Cancelled
)

func (s Status) String() string {
    switch s {
    case Acknowledged:
        return "acknowledged"
    case Self:
        return "self"
    case Retried:
        return "retried"
    case TimedOut:
        return "timed_out"
    case Cancelled:
        return "cancelled"
    }
    return fmt.Sprintf("status(%d)", int(s))
}

type Result struct {
    Sender view.Address
    Status Status
}

// SendFunc delivers a leave request for the local member to coord.
type SendFunc func(ctx context.Context, coord view.Address) error

type Options struct {
    Local view.Address
    // Coordinator returns the coordinator to ask, or the zero Address when
    // the local node is alone.
    Coordinator func() view.Address
    Send        SendFunc
    Timeout     time.Duration // default DefaultTimeout
    Logger      *zap.Logger
}

func (o *Options) Validate() error {
    if o.Local.IsZero() { return errors.New("leave: local address is required") }
    if o.Coordinator == nil { return errors.New("leave: coordinator lookup is required") }
    if o.Send == nil { return errors.New("leave: send function is required") }
    if o.Timeout < 0 { return errors.New("leave: timeout must be >= 0") }
    return nil
}

// Coordinator runs the leave handshake of the local member.
type Coordinator struct {
    local   view.Address
    coord   func() view.Address
    send    SendFunc
    timeout time.Duration
    log     *zap.Logger

    mu      sync.Mutex // guards Leaving->Idle against responses and Reset
    leaving atomic.Bool
    result  *promise.Promise[view.Address]
}

func New(opts Options) (*Coordinator, error) {
    if err := opts.Validate(); err != nil { return nil, err }
    if opts.Timeout == 0 { opts.Timeout = DefaultTimeout }
    return &Coordinator{
        local:   opts.Local,
        coord:   opts.Coordinator,
        send:    opts.Send,
        timeout: opts.Timeout,
        log:     logutil.Named(opts.Logger, "leave"),
        result:  promise.New[view.Address](),
    }, nil
}

func (c *Coordinator) Leaving() bool { return c.leaving.Load() }

// Leave asks the coordinator to remove the local member and waits for the
// answer, the timeout or ctx. If a leave is already waiting, the request is
// resent to the current coordinator and Leave returns at once with Retried.
func (c *Coordinator) Leave(ctx context.Context) (Result, error) {
    ctx, end := tracing.StartSpan(ctx, "gms.leave", "member", string(c.local))
    defer end()

    if !c.leaving.CompareAndSwap(false, true) {
        if coord := c.coord(); !coord.IsZero() { c.resend(ctx, coord) }
        return c.done(Result{Status: Retried}), nil
    }
    defer c.finish()

    coord := c.coord()
    if coord.IsZero() {
        c.log.Info("no coordinator, leaving immediately")
        return c.done(Result{Sender: c.local, Status: Self}), nil
    }
    if err := c.send(ctx, coord); err != nil {
        // the wait still applies; CoordChanged or a retry may resend
        c.log.Warn("sending leave request failed", zap.Stringer("coord", coord), zap.Error(err))
    }

    sender, err := c.result.Wait(ctx, c.timeout)
    switch {
    case errors.Is(err, promise.ErrTimeout):
        c.log.Warn("leave response timed out", zap.Stringer("coord", coord), zap.Duration("timeout", c.timeout))
        return c.done(Result{Status: TimedOut}), nil
    case err != nil:
        return c.done(Result{Status: Cancelled}), err
    case sender.IsZero():
        return c.done(Result{Status: Cancelled}), nil
    case sender == c.local:
        c.log.Info("got leave response from self")
    default:
        c.log.Info("got leave response", zap.Stringer("from", sender))
    }
    return c.done(Result{Sender: sender, Status: Acknowledged}), nil
}

func (c *Coordinator) finish() {
    c.mu.Lock()
    c.result.Reset()
    c.leaving.Store(false)
    c.mu.Unlock()
}

func (c *Coordinator) done(r Result) Result {
    metrics.LeaveOutcomes.WithLabelValues(r.Status.String()).Inc()
    return r
}

func (c *Coordinator) resend(ctx context.Context, coord view.Address) {
    if err := c.send(ctx, coord); err != nil {
        c.log.Warn("resending leave request failed", zap.Stringer("coord", coord), zap.Error(err))
    }
}

// HandleLeaveResponse completes a waiting Leave. Responses while idle are
// ignored.
func (c *Coordinator) HandleLeaveResponse(sender view.Address) error {
    if sender.IsZero() {
        return fmt.Errorf("%w: leave response without sender", view.ErrInvalidArgument)
    }
    c.mu.Lock()
    defer c.mu.Unlock()
    if !c.leaving.Load() {
        c.log.Debug("leave response while idle, ignoring", zap.Stringer("from", sender))
        return nil
    }
    c.result.Set(sender)
    return nil
}

// CoordChanged resends a pending leave request to the new coordinator.
func (c *Coordinator) CoordChanged(coord view.Address) {
    if coord.IsZero() || !c.leaving.Load() { return }
    c.log.Info("coordinator changed while leaving, resending", zap.Stringer("coord", coord))
    ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
    defer cancel()
    c.resend(ctx, coord)
}

// Reset unblocks a waiting Leave with an absent result; the waiter returns
// the coordinator to idle. It is a no-op when idle.
func (c *Coordinator) Reset() {
    c.mu.Lock()
    defer c.mu.Unlock()
    if c.leaving.Load() { c.result.Set("") }
}
