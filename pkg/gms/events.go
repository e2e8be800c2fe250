package gms

import (
    "context"
    "sync"
    "time"

    "github.com/amirimatin/go-gms/pkg/view"
)

type EventType string

const (
    EventViewInstalled EventType = "view_installed"
    EventSuspected     EventType = "member_suspected"
    EventMergeStarted  EventType = "merge_started"
    EventMergeEnded    EventType = "merge_ended"
    EventLeft          EventType = "left"
)

// Event describes a membership change on this node. Only the fields relevant
// to Type are populated.
type Event struct {
    Type    EventType
    At      time.Time
    View    *view.View
    Member  view.Address
    MergeID string
}

// Subscribe returns a buffered channel of events, closed when ctx is done.
// Events are dropped for consumers that fall behind.
func (n *Node) Subscribe(ctx context.Context) <-chan Event {
    ch := make(chan Event, 64)
    n.eb.add(ch)
    go func() {
        <-ctx.Done()
        n.eb.remove(ch)
        close(ch)
    }()
    return ch
}

type eventBus struct {
    mu   sync.Mutex
    subs map[chan Event]struct{}
}

func (e *eventBus) add(ch chan Event) {
    e.mu.Lock()
    if e.subs == nil { e.subs = make(map[chan Event]struct{}) }
    e.subs[ch] = struct{}{}
    e.mu.Unlock()
}

func (e *eventBus) remove(ch chan Event) {
    e.mu.Lock()
    delete(e.subs, ch)
    e.mu.Unlock()
}

func (e *eventBus) publish(ev Event) {
    if ev.At.IsZero() { ev.At = time.Now() }
    e.mu.Lock()
    for ch := range e.subs {
        select {
        case ch <- ev:
        default:
        }
    }
    e.mu.Unlock()
}
