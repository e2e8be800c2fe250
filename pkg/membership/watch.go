package membership

import (
    "context"
    "time"

    "go.uber.org/zap"

    "github.com/amirimatin/go-gms/pkg/internal/logutil"
    "github.com/amirimatin/go-gms/pkg/observability/metrics"
    "github.com/amirimatin/go-gms/pkg/view"
)

// Group is the part of the membership node driven by failure detection;
// *gms.Node satisfies it.
type Group interface {
    Addr() view.Address
    View() *view.View
    Suspect(member view.Address) error
    Merge(views map[view.Address]*view.View) error
}

const healthInterval = 5 * time.Second

// Watch feeds events of m into g until ctx is done or the event channel is
// closed. Failed and departed members are suspected. A view reported by the
// coordinator of another partition triggers a merge when the local node
// coordinates its own view.
func Watch(ctx context.Context, m Membership, g Group, log *zap.Logger) {
    log = logutil.Named(log, "membership")
    hr, _ := m.(HealthReporter)
    tick := time.NewTicker(healthInterval)
    defer tick.Stop()
    events := m.Events()
    for {
        select {
        case <-ctx.Done():
            return
        case <-tick.C:
            if hr != nil { metrics.DetectorHealth.Set(float64(hr.HealthScore())) }
        case ev, ok := <-events:
            if !ok { return }
            handle(g, ev, log)
        }
    }
}

func handle(g Group, ev Event, log *zap.Logger) {
    switch ev.Type {
    case EventFailed, EventLeave:
        addr := ev.Member.GMSAddr()
        if addr.IsZero() || addr == g.Addr() { return }
        log.Info("member gone, suspecting", zap.String("event", string(ev.Type)), zap.Stringer("member", addr))
        if err := g.Suspect(addr); err != nil { log.Warn("suspect failed", zap.Stringer("member", addr), zap.Error(err)) }
    case EventView:
        theirs := ev.View
        mine := g.View()
        if theirs == nil || mine == nil || mine.Coordinator() != g.Addr() { return }
        other := theirs.Coordinator()
        if other.IsZero() || other == g.Addr() || theirs.ID() == mine.ID() || mine.Contains(other) { return }
        log.Info("found another partition", zap.Stringer("coord", other), zap.Stringer("view", theirs))
        views := map[view.Address]*view.View{g.Addr(): mine, other: theirs}
        if err := g.Merge(views); err != nil { log.Warn("merge request failed", zap.Error(err)) }
    }
}
