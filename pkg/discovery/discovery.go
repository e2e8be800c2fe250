package discovery

import "context"

// Peer is a node that can be asked to admit a joiner.
type Peer struct {
    // GMS is the membership (transport) address used for Join.
    GMS string `json:"gms"`
    // Gossip is the failure detector address, if the node runs one.
    Gossip string `json:"gossip,omitempty"`
    // Mgmt is the management HTTP address.
    Mgmt string `json:"mgmt,omitempty"`
}

// Discovery abstracts how seed nodes are provided.
type Discovery interface {
    Seeds(ctx context.Context) ([]Peer, error)
}

// Registrar is implemented by discoveries nodes publish themselves to.
type Registrar interface {
    Register(ctx context.Context, self Peer) error
    Deregister(ctx context.Context) error
}

// GMSAddrs returns the membership addresses of peers, skipping self.
func GMSAddrs(peers []Peer, self string) []string {
    out := make([]string, 0, len(peers))
    for _, p := range peers {
        if p.GMS != "" && p.GMS != self { out = append(out, p.GMS) }
    }
    return out
}

// GossipAddrs returns the failure detector addresses of peers, skipping self.
func GossipAddrs(peers []Peer, self string) []string {
    out := make([]string, 0, len(peers))
    for _, p := range peers {
        if p.Gossip != "" && p.Gossip != self { out = append(out, p.Gossip) }
    }
    return out
}
