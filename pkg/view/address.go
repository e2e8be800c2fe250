package view

import (
    "sort"
    "strings"
)

// Address is the opaque identity of a group member. The zero value means
// "absent". Addresses are totally ordered by their byte-wise string order,
// which is what coordinator election and merge tie-breaks rely on.
type Address string

func (a Address) IsZero() bool { return a == "" }

func (a Address) String() string {
    if a == "" { return "<nil>" }
    return string(a)
}

// Compare returns -1, 0 or +1.
func (a Address) Compare(b Address) int { return strings.Compare(string(a), string(b)) }

// Less reports whether a sorts before b.
func (a Address) Less(b Address) bool { return a < b }

// SortAddresses sorts in place by the Address total order.
func SortAddresses(addrs []Address) {
    sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
}

// Dedup returns addrs without duplicates and absent entries, keeping the
// first occurrence of each.
func Dedup(addrs []Address) []Address {
    seen := make(map[Address]struct{}, len(addrs))
    out := make([]Address, 0, len(addrs))
    for _, a := range addrs {
        if a.IsZero() { continue }
        if _, ok := seen[a]; ok { continue }
        seen[a] = struct{}{}
        out = append(out, a)
    }
    return out
}
