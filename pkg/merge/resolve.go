package merge

import (
    "sort"

    "github.com/amirimatin/go-gms/pkg/view"
)

// Resolve groups the observed views by sub-partition coordinator. Views are
// visited in observer order; a view contributes its members, first seen
// first, to the group of its coordinator. An address that appears anywhere but
// is in no group yet becomes a singleton group; existing groups are kept.
func Resolve(views map[view.Address]*view.View) map[view.Address][]view.Address {
    groups := make(map[view.Address][]view.Address)
    seen := make(map[view.Address]map[view.Address]struct{})
    universe := make([]view.Address, 0, len(views))

    for _, obs := range observers(views) {
        universe = append(universe, obs)
        v := views[obs]
        if v == nil { continue }
        key := coordinatorKey(v)
        if key.IsZero() { continue }
        set, ok := seen[key]
        if !ok {
            set = make(map[view.Address]struct{})
            seen[key] = set
        }
        for _, m := range v.Members() {
            universe = append(universe, m)
            if _, dup := set[m]; dup { continue }
            set[m] = struct{}{}
            groups[key] = append(groups[key], m)
        }
    }
    covered := make(map[view.Address]struct{}, len(universe))
    for _, set := range seen {
        for m := range set { covered[m] = struct{}{} }
    }
    for _, a := range universe {
        if _, ok := covered[a]; ok { continue }
        if _, ok := groups[a]; !ok { groups[a] = []view.Address{a} }
    }
    return groups
}

func coordinatorKey(v *view.View) view.Address {
    if c := v.Coordinator(); !c.IsZero() { return c }
    return v.ID().Creator
}

func observers(views map[view.Address]*view.View) []view.Address {
    out := make([]view.Address, 0, len(views))
    for a := range views { out = append(out, a) }
    view.SortAddresses(out)
    return out
}

// SanitizeViews returns a copy of views where every member that has a view of
// its own which does not list the observer is removed from the observer's
// view. Members without a known view are kept.
func SanitizeViews(views map[view.Address]*view.View) map[view.Address]*view.View {
    out := make(map[view.Address]*view.View, len(views))
    for obs, v := range views {
        if v == nil { continue }
        members := v.Members()
        kept := members[:0]
        for _, m := range members {
            if m != obs {
                if other := views[m]; other != nil && !other.Contains(obs) { continue }
            }
            kept = append(kept, m)
        }
        out[obs] = view.New(v.ID(), kept...)
    }
    return out
}

// LeaderOf returns the group key that drives the merge: the smallest.
func LeaderOf(groups map[view.Address][]view.Address) view.Address {
    var leader view.Address
    for k := range groups {
        if leader.IsZero() || k < leader { leader = k }
    }
    return leader
}

// Consolidate builds the merge view from the accepted subgroup views: the
// union of their members sorted by address, with a counter one past the
// highest seen. The smallest member coordinates and creates the view.
func Consolidate(views []*view.View) *view.View {
    var counter uint64
    set := make(map[view.Address]struct{})
    var members []view.Address
    for _, v := range views {
        if v == nil { continue }
        if c := v.ID().Counter; c > counter { counter = c }
        for _, m := range v.Members() {
            if _, ok := set[m]; ok { continue }
            set[m] = struct{}{}
            members = append(members, m)
        }
    }
    if len(members) == 0 { return nil }
    sort.Slice(members, func(i, j int) bool { return members[i] < members[j] })
    return view.New(view.ViewID{Creator: members[0], Counter: counter + 1}, members...)
}
