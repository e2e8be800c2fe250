package coalescer

import (
    "errors"
    "fmt"
    "sync"
    "sync/atomic"
    "time"

    "go.uber.org/zap"

    "github.com/amirimatin/go-gms/pkg/internal/logutil"
    "github.com/amirimatin/go-gms/pkg/observability/metrics"
)

const DefaultHistorySize = 20

// ProcessFunc handles one flushed batch. It runs while the coalescer lock is
// held and must not submit to the same coalescer.
type ProcessFunc func(batch []Request) error

// CompatibleFunc decides whether candidate may join the batch opened by first.
type CompatibleFunc func(first, candidate Request) bool

type Options struct {
    Process     ProcessFunc
    Compatible  CompatibleFunc // default DefaultCompatible
    HistorySize int            // default DefaultHistorySize
    // MaxBatchAge, when > 0, flushes a batch at the end of any submission that
    // finds it older than this, even while other submitters are in flight.
    MaxBatchAge time.Duration
    Logger      *zap.Logger
}

func (o *Options) Validate() error {
    if o.Process == nil { return errors.New("coalescer: process callback is required") }
    if o.HistorySize < 0 { return errors.New("coalescer: history size must be >= 0") }
    if o.MaxBatchAge < 0 { return errors.New("coalescer: max batch age must be >= 0") }
    return nil
}

// Coalescer serializes membership requests into batches with at most one
// batch being processed at a time.
//
// A batch is flushed when the last submitter that entered concurrently
// finishes adding its requests. Under a continuous stream of overlapping
// submitters the flush can therefore be deferred indefinitely; MaxBatchAge
// bounds that when set.
type Coalescer struct {
    process    ProcessFunc
    compatible CompatibleFunc
    maxAge     time.Duration
    log        *zap.Logger
    now        func() time.Time

    inFlight atomic.Int32

    mu         sync.Mutex
    batch      []Request
    batchStart time.Time
    suspended  bool
    hist       *history
}

func New(opts Options) (*Coalescer, error) {
    if err := opts.Validate(); err != nil { return nil, err }
    if opts.Compatible == nil { opts.Compatible = DefaultCompatible }
    if opts.HistorySize == 0 { opts.HistorySize = DefaultHistorySize }
    return &Coalescer{
        process:    opts.Process,
        compatible: opts.Compatible,
        maxAge:     opts.MaxBatchAge,
        log:        logutil.Named(opts.Logger, "coalescer"),
        now:        time.Now,
        hist:       newHistory(opts.HistorySize),
    }, nil
}

func (c *Coalescer) Submit(req Request) { c.SubmitBatch(req) }

// SubmitBatch adds reqs in order. An incompatible request flushes the open
// batch synchronously and opens a new one. While suspended the requests are
// recorded in the history and dropped.
func (c *Coalescer) SubmitBatch(reqs ...Request) {
    if len(reqs) == 0 { return }
    c.inFlight.Add(1)
    c.mu.Lock()
    defer c.mu.Unlock()

    now := c.now()
    for _, r := range reqs {
        c.hist.add(Entry{At: now, Request: r, Dropped: c.suspended})
        metrics.RequestsSubmitted.WithLabelValues(r.Kind.String()).Inc()
    }
    if c.suspended {
        metrics.RequestsDropped.Add(float64(len(reqs)))
        c.log.Debug("coalescer suspended, dropping requests", zap.Int("count", len(reqs)))
        c.inFlight.Add(-1)
        return
    }

    for _, r := range reqs {
        if len(c.batch) > 0 && !c.compatible(c.batch[0], r) {
            c.flushLocked()
        }
        if len(c.batch) == 0 { c.batchStart = now }
        c.batch = append(c.batch, r)
    }

    last := c.inFlight.Add(-1) == 0
    if last || (c.maxAge > 0 && len(c.batch) > 0 && c.now().Sub(c.batchStart) >= c.maxAge) {
        c.flushLocked()
    }
}

func (c *Coalescer) flushLocked() {
    if len(c.batch) == 0 { return }
    batch := c.batch
    c.batch = nil
    c.batchStart = time.Time{}

    metrics.BatchSize.Observe(float64(len(batch)))
    if err := c.run(batch); err != nil {
        metrics.BatchesFlushed.WithLabelValues("error").Inc()
        c.log.Error("processing batch failed", zap.Int("size", len(batch)), zap.Stringer("first", batch[0]), zap.Error(err))
        return
    }
    metrics.BatchesFlushed.WithLabelValues("ok").Inc()
}

func (c *Coalescer) run(batch []Request) (err error) {
    defer func() {
        if r := recover(); r != nil { err = fmt.Errorf("coalescer: process panicked: %v", r) }
    }()
    return c.process(batch)
}

// Suspend discards the open batch without processing it and drops every
// later submission until Resume.
func (c *Coalescer) Suspend() {
    c.mu.Lock()
    defer c.mu.Unlock()
    if n := len(c.batch); n > 0 {
        c.log.Debug("suspending, discarding open batch", zap.Int("size", n))
    }
    c.batch = nil
    c.suspended = true
}

func (c *Coalescer) Resume() {
    c.mu.Lock()
    c.suspended = false
    c.mu.Unlock()
}

func (c *Coalescer) Suspended() bool {
    c.mu.Lock()
    defer c.mu.Unlock()
    return c.suspended
}

// Pending returns a copy of the open batch.
func (c *Coalescer) Pending() []Request {
    c.mu.Lock()
    defer c.mu.Unlock()
    return append([]Request(nil), c.batch...)
}

// History returns recorded submissions, oldest first.
func (c *Coalescer) History() []Entry {
    c.mu.Lock()
    defer c.mu.Unlock()
    return c.hist.entries()
}
