package static

import (
    "context"
    "strings"

    "github.com/amirimatin/go-gms/pkg/discovery"
)

type staticSeeds struct {
    peers []discovery.Peer
}

func (s *staticSeeds) Seeds(context.Context) ([]discovery.Peer, error) {
    return append([]discovery.Peer(nil), s.peers...), nil
}

// New returns a Discovery that always returns the given membership seeds,
// paired by position with gossip seeds when those are given.
func New(seeds []string, gossip []string) discovery.Discovery {
    s := &staticSeeds{}
    for i, v := range seeds {
        v = strings.TrimSpace(v)
        if v == "" { continue }
        p := discovery.Peer{GMS: v}
        if i < len(gossip) { p.Gossip = strings.TrimSpace(gossip[i]) }
        s.peers = append(s.peers, p)
    }
    for i := len(seeds); i < len(gossip); i++ {
        if g := strings.TrimSpace(gossip[i]); g != "" { s.peers = append(s.peers, discovery.Peer{Gossip: g}) }
    }
    return s
}

// Parse converts a comma-separated list into seeds.
func Parse(csv string) []string {
    if csv == "" { return nil }
    parts := strings.Split(csv, ",")
    out := make([]string, 0, len(parts))
    for _, p := range parts {
        p = strings.TrimSpace(p)
        if p != "" { out = append(out, p) }
    }
    return out
}
