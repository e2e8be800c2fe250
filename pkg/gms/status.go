package gms

import (
    "context"
    "encoding/json"

    "github.com/amirimatin/go-gms/pkg/view"
)

// Status is a JSON-serializable snapshot of the node for the management
// endpoint and tooling.
type Status struct {
    Local         view.Address   `json:"local"`
    View          *view.View     `json:"view,omitempty"`
    Coordinator   view.Address   `json:"coordinator,omitempty"`
    IsCoordinator bool           `json:"isCoordinator"`
    Leaving       bool           `json:"leaving"`
    Suspected     []view.Address `json:"suspected,omitempty"`
    Pending       int            `json:"pendingRequests"`
    Suspended     bool           `json:"coalescerSuspended"`
    MergeID       string         `json:"mergeId,omitempty"`
    MergeHistory  []string       `json:"mergeHistory,omitempty"`
    Warnings      []string       `json:"warnings,omitempty"`
}

func (n *Node) Status() Status {
    cur := n.View()
    s := Status{
        Local:     n.local,
        View:      cur,
        Leaving:   n.leaver.Leaving(),
        Suspected: n.suspectedList(),
        Pending:   len(n.co.Pending()),
        Suspended: n.co.Suspended(),
    }
    if cur != nil {
        s.Coordinator = n.coordinatorOf(cur)
        s.IsCoordinator = s.Coordinator == n.local
    } else {
        s.Warnings = append(s.Warnings, "no view installed")
    }
    if id, _, ok := n.session.Active(); ok { s.MergeID = id.String() }
    for _, id := range n.session.History() { s.MergeHistory = append(s.MergeHistory, id.String()) }
    return s
}

// StatusJSON matches transport.StatusFunc.
func (n *Node) StatusJSON(ctx context.Context) ([]byte, error) {
    return json.Marshal(n.Status())
}
