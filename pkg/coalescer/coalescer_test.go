package coalescer

import (
    "errors"
    "fmt"
    "sync"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-gms/pkg/view"
)

type recorder struct {
    mu      sync.Mutex
    batches [][]Request
}

func (r *recorder) process(b []Request) error {
    r.mu.Lock()
    defer r.mu.Unlock()
    r.batches = append(r.batches, append([]Request(nil), b...))
    return nil
}

func (r *recorder) snapshot() [][]Request {
    r.mu.Lock()
    defer r.mu.Unlock()
    return append([][]Request(nil), r.batches...)
}

func newTestCoalescer(t *testing.T, opts Options) *Coalescer {
    t.Helper()
    c, err := New(opts)
    require.NoError(t, err)
    return c
}

func kinds(b []Request) []Kind {
    out := make([]Kind, len(b))
    for i, r := range b { out[i] = r.Kind }
    return out
}

func TestValidate(t *testing.T) {
    _, err := New(Options{})
    assert.Error(t, err)
    _, err = New(Options{Process: func([]Request) error { return nil }, MaxBatchAge: -1})
    assert.Error(t, err)
}

func TestConcurrentSubmitEveryRequestOnce(t *testing.T) {
    rec := &recorder{}
    c := newTestCoalescer(t, Options{Process: rec.process})

    const n = 200
    var wg sync.WaitGroup
    for i := 0; i < n; i++ {
        wg.Add(1)
        go func(i int) {
            defer wg.Done()
            m := view.Address(fmt.Sprintf("m-%03d", i))
            switch i % 3 {
            case 0:
                c.Submit(Join(m, false))
            case 1:
                c.Submit(Leave(m, false))
            default:
                c.Submit(Suspect(m))
            }
        }(i)
    }
    wg.Wait()

    seen := map[view.Address]int{}
    for _, b := range rec.snapshot() {
        require.NotEmpty(t, b)
        for _, r := range b { seen[r.Member]++ }
    }
    require.Len(t, seen, n)
    for m, cnt := range seen {
        assert.Equal(t, 1, cnt, "member %s", m)
    }
    assert.Empty(t, c.Pending())
}

func TestDeferredFlushCoalescesWaitingSubmitters(t *testing.T) {
    release := make(chan struct{})
    entered := make(chan struct{}, 1)
    rec := &recorder{}
    first := true
    c := newTestCoalescer(t, Options{Process: func(b []Request) error {
        if first {
            first = false
            entered <- struct{}{}
            <-release
        }
        return rec.process(b)
    }})

    go c.Submit(Join("a", false))
    <-entered

    var wg sync.WaitGroup
    for _, m := range []view.Address{"b", "c", "d"} {
        wg.Add(1)
        go func(m view.Address) { defer wg.Done(); c.Submit(Join(m, false)) }(m)
    }
    require.Eventually(t, func() bool { return c.inFlight.Load() == 3 }, time.Second, time.Millisecond)
    close(release)
    wg.Wait()

    batches := rec.snapshot()
    require.Len(t, batches, 2)
    assert.Equal(t, view.Address("a"), batches[0][0].Member)
    members := []view.Address{}
    for _, r := range batches[1] { members = append(members, r.Member) }
    assert.ElementsMatch(t, []view.Address{"b", "c", "d"}, members)
}

func TestMaxBatchAgeFlushesDespiteInFlight(t *testing.T) {
    release := make(chan struct{})
    entered := make(chan struct{}, 1)
    rec := &recorder{}
    first := true
    c := newTestCoalescer(t, Options{MaxBatchAge: time.Second, Process: func(b []Request) error {
        if first {
            first = false
            entered <- struct{}{}
            <-release
        }
        return rec.process(b)
    }})
    var clock sync.Mutex
    now := time.Unix(0, 0)
    c.now = func() time.Time {
        clock.Lock()
        defer clock.Unlock()
        now = now.Add(time.Second)
        return now
    }

    go c.Submit(Join("a", false))
    <-entered
    var wg sync.WaitGroup
    for _, m := range []view.Address{"b", "c", "d"} {
        wg.Add(1)
        go func(m view.Address) { defer wg.Done(); c.Submit(Join(m, false)) }(m)
    }
    require.Eventually(t, func() bool { return c.inFlight.Load() == 3 }, time.Second, time.Millisecond)
    close(release)
    wg.Wait()

    batches := rec.snapshot()
    require.Len(t, batches, 4)
    for _, b := range batches { assert.Len(t, b, 1) }
}

func TestMergeNeverShareABatch(t *testing.T) {
    rec := &recorder{}
    c := newTestCoalescer(t, Options{Process: rec.process})
    views := map[view.Address]*view.View{"a": view.New(view.ViewID{Creator: "a", Counter: 1}, "a")}

    c.SubmitBatch(Join("j", false), Merge(views), Leave("l", false), Suspect("s"), Merge(views), Merge(views))

    batches := rec.snapshot()
    require.Len(t, batches, 5)
    assert.Equal(t, []Kind{KindJoin}, kinds(batches[0]))
    assert.Equal(t, []Kind{KindMerge}, kinds(batches[1]))
    assert.Equal(t, []Kind{KindLeave, KindSuspect}, kinds(batches[2]))
    assert.Equal(t, []Kind{KindMerge}, kinds(batches[3]))
    assert.Equal(t, []Kind{KindMerge}, kinds(batches[4]))
}

func TestStateTransferJoinRunsAlone(t *testing.T) {
    rec := &recorder{}
    c := newTestCoalescer(t, Options{Process: rec.process})
    c.SubmitBatch(JoinWithStateTransfer("x", true), Join("y", false), Join("z", false))
    batches := rec.snapshot()
    require.Len(t, batches, 2)
    assert.Equal(t, []Kind{KindJoinWithStateTransfer}, kinds(batches[0]))
    assert.Equal(t, []Kind{KindJoin, KindJoin}, kinds(batches[1]))
}

func TestCompatibilityCheckedAgainstFirstOnly(t *testing.T) {
    rec := &recorder{}
    // a join opens a batch that admits anything; nothing else admits a merge
    compat := func(first, cand Request) bool {
        if first.Kind == KindJoin { return true }
        return cand.Kind != KindMerge
    }
    c := newTestCoalescer(t, Options{Process: rec.process, Compatible: compat})

    c.SubmitBatch(Join("a", false), Leave("b", false), Merge(nil))
    c.SubmitBatch(Leave("b", false), Merge(nil))

    batches := rec.snapshot()
    require.Len(t, batches, 3)
    assert.Equal(t, []Kind{KindJoin, KindLeave, KindMerge}, kinds(batches[0]))
    assert.Equal(t, []Kind{KindLeave}, kinds(batches[1]))
    assert.Equal(t, []Kind{KindMerge}, kinds(batches[2]))
}

func TestSuspendDropsAndResumeReopens(t *testing.T) {
    rec := &recorder{}
    c := newTestCoalescer(t, Options{Process: rec.process})

    c.Suspend()
    assert.True(t, c.Suspended())
    c.Submit(Join("dropped", false))
    assert.Empty(t, rec.snapshot())
    assert.Empty(t, c.Pending())

    c.Resume()
    assert.False(t, c.Suspended())
    c.Submit(Join("kept", false))

    batches := rec.snapshot()
    require.Len(t, batches, 1)
    assert.Equal(t, view.Address("kept"), batches[0][0].Member)

    h := c.History()
    require.Len(t, h, 2)
    assert.True(t, h[0].Dropped)
    assert.False(t, h[1].Dropped)
}

func TestSuspendDiscardsOpenBatch(t *testing.T) {
    rec := &recorder{}
    c := newTestCoalescer(t, Options{Process: rec.process})

    // left open by a submitter that was not the last one in flight
    c.mu.Lock()
    c.batch = []Request{Join("a", false), Leave("b", false)}
    c.mu.Unlock()

    c.Suspend()
    assert.Empty(t, c.Pending())
    c.Resume()
    c.Submit(Suspect("c"))

    batches := rec.snapshot()
    require.Len(t, batches, 1)
    assert.Equal(t, []Kind{KindSuspect}, kinds(batches[0]))
}

func TestCallbackFailureDoesNotWedge(t *testing.T) {
    calls := 0
    var got [][]Request
    c := newTestCoalescer(t, Options{Process: func(b []Request) error {
        calls++
        switch calls {
        case 1:
            return errors.New("boom")
        case 2:
            panic("kaboom")
        }
        got = append(got, b)
        return nil
    }})

    c.Submit(Join("a", false))
    c.Submit(Join("b", false))
    c.Submit(Join("c", false))

    assert.Equal(t, 3, calls)
    require.Len(t, got, 1)
    assert.Equal(t, view.Address("c"), got[0][0].Member)
    assert.Empty(t, c.Pending())
}

func TestHistoryIsBounded(t *testing.T) {
    c := newTestCoalescer(t, Options{Process: func([]Request) error { return nil }, HistorySize: 5})
    for i := 0; i < 12; i++ {
        c.Submit(Join(view.Address(fmt.Sprintf("m%02d", i)), false))
    }
    h := c.History()
    require.Len(t, h, 5)
    assert.Equal(t, view.Address("m07"), h[0].Request.Member)
    assert.Equal(t, view.Address("m11"), h[4].Request.Member)

    d := newTestCoalescer(t, Options{Process: func([]Request) error { return nil }})
    for i := 0; i < 30; i++ { d.Submit(Suspect("x")) }
    assert.Len(t, d.History(), DefaultHistorySize)
}
