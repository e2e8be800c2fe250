package grpc

import (
    "testing"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"
    "google.golang.org/grpc/encoding"

    "github.com/amirimatin/go-gms/pkg/transport"
    "github.com/amirimatin/go-gms/pkg/view"
)

func TestMessageCodec(t *testing.T) {
    c := encoding.GetCodec(codecName)
    require.NotNil(t, c, "codec registered under its content subtype")

    in := &transport.Message{Kind: transport.KindJoinRequest, From: "10.0.0.1:7950", Member: "10.0.0.1:7950", StateTransfer: true}
    b, err := c.Marshal(in)
    require.NoError(t, err)
    out := &transport.Message{Kind: transport.KindView, View: view.New(view.ViewID{Creator: "x", Counter: 1}, "x")}
    require.NoError(t, c.Unmarshal(b, out))
    assert.Equal(t, *in, *out, "decoding resets the target")

    b, err = c.Marshal(&empty{})
    require.NoError(t, err)
    assert.Equal(t, "{}", string(b))
    assert.NoError(t, c.Unmarshal(nil, &empty{}))

    assert.Error(t, c.Unmarshal(nil, &transport.Message{}))
    _, err = c.Marshal((*transport.Message)(nil))
    assert.Error(t, err)
}
