package transport

import (
    "context"
    "errors"
    "fmt"

    "github.com/amirimatin/go-gms/pkg/merge"
    "github.com/amirimatin/go-gms/pkg/view"
)

var ErrUnreachable = errors.New("transport: destination unreachable")

type Kind string

const (
    KindJoinRequest      Kind = "join_req"
    KindJoinResponse     Kind = "join_rsp"
    KindLeaveRequest     Kind = "leave_req"
    KindLeaveResponse    Kind = "leave_rsp"
    KindView             Kind = "view"
    KindDeltaView        Kind = "delta_view"
    KindMergeRequest     Kind = "merge_req"
    KindMergeResponse    Kind = "merge_rsp"
    KindInstallMergeView Kind = "install_merge_view"
    KindCancelMerge      Kind = "cancel_merge"
    KindDigestRequest    Kind = "digest_req"
    KindDigestResponse   Kind = "digest_rsp"
)

// Message is the membership protocol envelope. Which fields are set depends
// on Kind.
type Message struct {
    Kind    Kind           `json:"kind"`
    From    view.Address   `json:"from"`
    Member  view.Address   `json:"member,omitempty"`
    Members []view.Address `json:"members,omitempty"`
    View    *view.View     `json:"view,omitempty"`
    // Delta holds a binary encoded view.DeltaView.
    Delta   []byte         `json:"delta,omitempty"`
    MergeID merge.ID       `json:"mergeId"`
    Data    *merge.Data    `json:"data,omitempty"`
    Digest  view.Digest    `json:"digest,omitempty"`
    ReplyTo view.Address   `json:"replyTo,omitempty"`
    // join request flags
    StateTransfer bool `json:"stateTransfer,omitempty"`
    UseFlush      bool `json:"useFlush,omitempty"`
}

// DeltaMessage wraps d for transmission.
func DeltaMessage(from view.Address, d *view.DeltaView) (Message, error) {
    b, err := d.MarshalBinary()
    if err != nil { return Message{}, err }
    return Message{Kind: KindDeltaView, From: from, Delta: b}, nil
}

// DeltaView decodes the carried delta.
func (m Message) DeltaView() (*view.DeltaView, error) {
    if m.Kind != KindDeltaView { return nil, fmt.Errorf("%w: %s message carries no delta", view.ErrInvalidArgument, m.Kind) }
    d := new(view.DeltaView)
    if err := d.UnmarshalBinary(m.Delta); err != nil { return nil, err }
    return d, nil
}

// Handler consumes inbound messages.
type Handler interface {
    Handle(ctx context.Context, msg Message) error
}

type HandlerFunc func(ctx context.Context, msg Message) error

func (f HandlerFunc) Handle(ctx context.Context, msg Message) error { return f(ctx, msg) }

// Sender is the downstream send primitive. Send must not wait for the
// receiver to act on msg beyond accepting it.
type Sender interface {
    Send(ctx context.Context, to view.Address, msg Message) error
}

// Transport is a Sender bound to a local address that delivers inbound
// messages to a Handler between Start and Stop.
type Transport interface {
    Sender
    Addr() view.Address
    Start(ctx context.Context, h Handler) error
    Stop(ctx context.Context) error
}
