package membership

import (
    "context"
    "time"

    "github.com/amirimatin/go-gms/pkg/view"
)

// MetaGMSAddr is the metadata key carrying the group membership address of a
// member, which differs from its gossip address.
const MetaGMSAddr = "gms"

// MemberInfo describes a member as observed by the failure detector.
type MemberInfo struct {
    ID   string
    Addr string
    Meta map[string]string
}

// GMSAddr returns the membership address advertised by the member, falling
// back to its ID.
func (m MemberInfo) GMSAddr() view.Address {
    if a := m.Meta[MetaGMSAddr]; a != "" { return view.Address(a) }
    return view.Address(m.ID)
}

type EventType string

const (
    // EventJoin indicates a member joined or became visible.
    EventJoin   EventType = "join"
    // EventLeave indicates a member left gracefully.
    EventLeave  EventType = "leave"
    // EventFailed indicates the member was declared dead.
    EventFailed EventType = "failed"
    // EventView carries the view another node reported during state exchange.
    EventView   EventType = "view"
)

// Event is the translated failure detector notification. View is only set
// for EventView.
type Event struct {
    Type   EventType
    Member MemberInfo
    View   *view.View
    At     time.Time
}

// Membership is the abstraction over the gossip and failure detection layer.
type Membership interface {
    Start(ctx context.Context) error
    Join(seeds []string) error
    Local() MemberInfo
    Members() []MemberInfo
    Events() <-chan Event
    Leave() error
    Stop() error
}
