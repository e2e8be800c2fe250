package coalescer

import (
    "fmt"
    "sort"
    "strings"

    "github.com/amirimatin/go-gms/pkg/view"
)

type Kind int

const (
    KindJoin Kind = iota + 1
    KindJoinWithStateTransfer
    KindLeave
    KindSuspect
    KindMerge
)

func (k Kind) String() string {
    switch k {
    case KindJoin:
        return "join"
    case KindJoinWithStateTransfer:
        return "join_with_state_transfer"
    case KindLeave:
        return "leave"
    case KindSuspect:
        return "suspect"
    case KindMerge:
        return "merge"
    }
    return fmt.Sprintf("kind(%d)", int(k))
}

// Request is a queued membership change. Only the fields relevant to Kind are
// set; use the constructors.
type Request struct {
    Kind              Kind
    Member            view.Address
    UseFlushIfPresent bool
    Suspected         bool
    Views             map[view.Address]*view.View
}

func Join(member view.Address, useFlushIfPresent bool) Request {
    return Request{Kind: KindJoin, Member: member, UseFlushIfPresent: useFlushIfPresent}
}

func JoinWithStateTransfer(member view.Address, useFlushIfPresent bool) Request {
    return Request{Kind: KindJoinWithStateTransfer, Member: member, UseFlushIfPresent: useFlushIfPresent}
}

func Leave(member view.Address, suspected bool) Request {
    return Request{Kind: KindLeave, Member: member, Suspected: suspected}
}

func Suspect(member view.Address) Request {
    return Request{Kind: KindSuspect, Member: member}
}

func Merge(views map[view.Address]*view.View) Request {
    return Request{Kind: KindMerge, Views: views}
}

func (r Request) String() string {
    switch r.Kind {
    case KindMerge:
        keys := make([]string, 0, len(r.Views))
        for a := range r.Views { keys = append(keys, string(a)) }
        sort.Strings(keys)
        return fmt.Sprintf("merge(%s)", strings.Join(keys, ","))
    case KindLeave:
        if r.Suspected { return fmt.Sprintf("leave(%s, suspected)", r.Member) }
    }
    return fmt.Sprintf("%s(%s)", r.Kind, r.Member)
}

// DefaultCompatible lets joins, leaves and suspicions share a batch. Merge and
// state-transfer joins always run alone.
func DefaultCompatible(first, candidate Request) bool {
    return coalescable(first.Kind) && coalescable(candidate.Kind)
}

func coalescable(k Kind) bool {
    return k == KindJoin || k == KindLeave || k == KindSuspect
}
