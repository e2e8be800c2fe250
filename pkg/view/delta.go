package view

import (
    "encoding/binary"
    "fmt"
)

// DeltaView is an incremental view change: the view ViewID is the view
// RefViewID without Left and with Joined appended.
type DeltaView struct {
    ViewID    ViewID    `json:"viewId"`
    RefViewID ViewID    `json:"refViewId"`
    Left      []Address `json:"left,omitempty"`
    Joined    []Address `json:"joined,omitempty"`
}

// NewDeltaView validates that both ids are present.
func NewDeltaView(id, ref ViewID, left, joined []Address) (*DeltaView, error) {
    if id.IsZero() {
        return nil, fmt.Errorf("%w: delta view without view id", ErrInvalidArgument)
    }
    if ref.IsZero() {
        return nil, fmt.Errorf("%w: delta view without ref view id", ErrInvalidArgument)
    }
    return &DeltaView{
        ViewID:    id,
        RefViewID: ref,
        Left:      append([]Address(nil), left...),
        Joined:    append([]Address(nil), joined...),
    }, nil
}

// Diff computes the delta that turns old into next.
func Diff(old, next *View) (*DeltaView, error) {
    var left, joined []Address
    for _, m := range old.Members() {
        if !next.Contains(m) { left = append(left, m) }
    }
    for _, m := range next.Members() {
        if !old.Contains(m) { joined = append(joined, m) }
    }
    return NewDeltaView(next.ID(), old.ID(), left, joined)
}

// Apply reconstructs the full view from base, which must be the referenced
// view.
func (d *DeltaView) Apply(base *View) (*View, error) {
    if base == nil || base.ID() != d.RefViewID {
        return nil, fmt.Errorf("%w: have %s, delta refers to %s", ErrRefMismatch, base.ID(), d.RefViewID)
    }
    gone := make(map[Address]struct{}, len(d.Left))
    for _, a := range d.Left { gone[a] = struct{}{} }
    members := make([]Address, 0, base.Size()+len(d.Joined))
    for _, m := range base.members {
        if _, ok := gone[m]; !ok { members = append(members, m) }
    }
    members = append(members, d.Joined...)
    return New(d.ViewID, members...), nil
}

func (d *DeltaView) String() string {
    return fmt.Sprintf("%s (ref=%s) left=%v joined=%v", d.ViewID, d.RefViewID, d.Left, d.Joined)
}

// MarshalBinary encodes view_id, ref_view_id, then the left and joined lists
// as length-prefixed address sequences.
func (d *DeltaView) MarshalBinary() ([]byte, error) {
    buf := make([]byte, 0, 64)
    buf = appendViewID(buf, d.ViewID)
    buf = appendViewID(buf, d.RefViewID)
    buf = appendAddresses(buf, d.Left)
    buf = appendAddresses(buf, d.Joined)
    return buf, nil
}

func (d *DeltaView) UnmarshalBinary(b []byte) error {
    var (
        out DeltaView
        err error
    )
    if out.ViewID, b, err = readViewID(b); err != nil { return err }
    if out.RefViewID, b, err = readViewID(b); err != nil { return err }
    if out.Left, b, err = readAddresses(b); err != nil { return err }
    if out.Joined, _, err = readAddresses(b); err != nil { return err }
    if out.ViewID.IsZero() || out.RefViewID.IsZero() {
        return fmt.Errorf("%w: delta view without view id or ref view id", ErrInvalidArgument)
    }
    *d = out
    return nil
}

func appendAddress(buf []byte, a Address) []byte {
    buf = binary.AppendUvarint(buf, uint64(len(a)))
    return append(buf, a...)
}

func appendViewID(buf []byte, id ViewID) []byte {
    buf = appendAddress(buf, id.Creator)
    return binary.AppendUvarint(buf, id.Counter)
}

func appendAddresses(buf []byte, addrs []Address) []byte {
    buf = binary.AppendUvarint(buf, uint64(len(addrs)))
    for _, a := range addrs { buf = appendAddress(buf, a) }
    return buf
}

func readUvarint(b []byte) (uint64, []byte, error) {
    v, n := binary.Uvarint(b)
    if n <= 0 { return 0, nil, ErrShortBuffer }
    return v, b[n:], nil
}

func readAddress(b []byte) (Address, []byte, error) {
    n, b, err := readUvarint(b)
    if err != nil { return "", nil, err }
    if uint64(len(b)) < n { return "", nil, ErrShortBuffer }
    return Address(b[:n]), b[n:], nil
}

func readViewID(b []byte) (ViewID, []byte, error) {
    var id ViewID
    var err error
    if id.Creator, b, err = readAddress(b); err != nil { return id, nil, err }
    if id.Counter, b, err = readUvarint(b); err != nil { return id, nil, err }
    return id, b, nil
}

func readAddresses(b []byte) ([]Address, []byte, error) {
    n, b, err := readUvarint(b)
    if err != nil { return nil, nil, err }
    if n > uint64(len(b)) { return nil, nil, ErrShortBuffer }
    out := make([]Address, 0, n)
    for i := uint64(0); i < n; i++ {
        var a Address
        if a, b, err = readAddress(b); err != nil { return nil, nil, err }
        out = append(out, a)
    }
    return out, b, nil
}
