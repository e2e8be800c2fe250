package merge

import (
    "errors"
    "fmt"

    "github.com/google/uuid"

    "github.com/amirimatin/go-gms/pkg/view"
)

var (
    ErrMergeInProgress = errors.New("merge: a merge is already in progress")
    ErrMergeAborted    = errors.New("merge: aborted")
)

// ID identifies one merge attempt. Only equality is meaningful.
type ID struct {
    Creator view.Address `json:"creator"`
    Token   uuid.UUID    `json:"token"`
}

func NewID(creator view.Address) ID { return ID{Creator: creator, Token: uuid.New()} }

func (id ID) IsZero() bool { return id.Token == uuid.Nil }

func (id ID) String() string {
    if id.IsZero() { return "<none>" }
    return fmt.Sprintf("%s::%s", id.Creator, id.Token)
}

// Data is one coordinator's answer to a merge request, or the merged result
// sent back by the leader. A rejected Data carries neither view nor digest.
type Data struct {
    Sender   view.Address `json:"sender"`
    Rejected bool         `json:"rejected,omitempty"`
    View     *view.View   `json:"view,omitempty"`
    Digest   view.Digest  `json:"digest,omitempty"`
}

func Accept(sender view.Address, v *view.View, d view.Digest) Data {
    return Data{Sender: sender, View: v, Digest: d}
}

func Reject(sender view.Address) Data { return Data{Sender: sender, Rejected: true} }
