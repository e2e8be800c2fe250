package view

import (
    "encoding/json"
    "fmt"
    "strings"
)

// ViewID identifies one membership snapshot: the member that created it and a
// counter that only ever increases within a group.
type ViewID struct {
    Creator Address `json:"creator"`
    Counter uint64  `json:"counter"`
}

func (id ViewID) IsZero() bool { return id.Creator.IsZero() && id.Counter == 0 }

// Compare orders ids by counter first and creator second.
func (id ViewID) Compare(o ViewID) int {
    switch {
    case id.Counter < o.Counter:
        return -1
    case id.Counter > o.Counter:
        return 1
    }
    return id.Creator.Compare(o.Creator)
}

func (id ViewID) String() string { return fmt.Sprintf("[%s|%d]", id.Creator, id.Counter) }

// View is an immutable membership snapshot. The first member is the acting
// coordinator. Use New to construct one; a View is never modified after
// construction, a new one replaces it.
type View struct {
    id      ViewID
    members []Address
}

// New returns a view with the given id and members. Duplicate and absent
// members are dropped, the order of the rest is kept.
func New(id ViewID, members ...Address) *View {
    return &View{id: id, members: Dedup(members)}
}

func (v *View) ID() ViewID {
    if v == nil { return ViewID{} }
    return v.id
}

// Members returns a copy of the member list.
func (v *View) Members() []Address {
    if v == nil { return nil }
    return append([]Address(nil), v.members...)
}

func (v *View) Size() int {
    if v == nil { return 0 }
    return len(v.members)
}

// Coordinator returns the first member, or the zero Address for an empty view.
func (v *View) Coordinator() Address {
    if v == nil || len(v.members) == 0 { return "" }
    return v.members[0]
}

func (v *View) Contains(a Address) bool {
    return v.IndexOf(a) >= 0
}

func (v *View) IndexOf(a Address) int {
    if v == nil { return -1 }
    for i, m := range v.members {
        if m == a { return i }
    }
    return -1
}

func (v *View) String() string {
    if v == nil { return "<nil>" }
    parts := make([]string, len(v.members))
    for i, m := range v.members { parts[i] = string(m) }
    return fmt.Sprintf("%s (%d) [%s]", v.id, len(v.members), strings.Join(parts, ", "))
}

type viewJSON struct {
    ID      ViewID    `json:"id"`
    Members []Address `json:"members"`
}

func (v *View) MarshalJSON() ([]byte, error) {
    return json.Marshal(viewJSON{ID: v.id, Members: v.members})
}

func (v *View) UnmarshalJSON(b []byte) error {
    var raw viewJSON
    if err := json.Unmarshal(b, &raw); err != nil { return err }
    v.id = raw.ID
    v.members = Dedup(raw.Members)
    return nil
}

// Digest is an opaque delivery-progress marker owned by the reliable
// delivery layer. It is stored and forwarded, never interpreted.
type Digest []byte
