package grpc

import (
    "encoding/json"
    "fmt"

    "google.golang.org/grpc/encoding"

    "github.com/amirimatin/go-gms/pkg/transport"
)

// codecName is sent as the content subtype of every Deliver call.
const codecName = "gms-json"

// messageCodec carries transport.Message envelopes of the gms.v1.Membership
// service as JSON. Other values, such as health replies, fall back to plain
// encoding/json.
type messageCodec struct{}

func (messageCodec) Marshal(v any) ([]byte, error) {
    switch m := v.(type) {
    case *transport.Message:
        if m == nil { return nil, fmt.Errorf("%s: nil message", codecName) }
        return json.Marshal(m)
    case *empty:
        return []byte("{}"), nil
    default:
        return json.Marshal(v)
    }
}

func (messageCodec) Unmarshal(b []byte, v any) error {
    switch m := v.(type) {
    case *empty:
        return nil
    case *transport.Message:
        if len(b) == 0 { return fmt.Errorf("%s: empty message body", codecName) }
        *m = transport.Message{}
        return json.Unmarshal(b, m)
    default:
        return json.Unmarshal(b, v)
    }
}

func (messageCodec) Name() string { return codecName }

func init() { encoding.RegisterCodec(messageCodec{}) }
