package view

import (
    "encoding/json"
    "testing"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"
)

func TestViewCoordinatorAndCopies(t *testing.T) {
    v := New(ViewID{Creator: "a", Counter: 1}, "a", "b", "a", "", "c")
    assert.Equal(t, []Address{"a", "b", "c"}, v.Members())
    assert.Equal(t, Address("a"), v.Coordinator())

    m := v.Members()
    m[0] = "z"
    assert.Equal(t, Address("a"), v.Coordinator(), "accessor must not leak internal slice")

    var empty *View
    assert.True(t, empty.Coordinator().IsZero())
    assert.Equal(t, 0, empty.Size())
}

func TestViewIDCompare(t *testing.T) {
    a := ViewID{Creator: "b", Counter: 1}
    b := ViewID{Creator: "a", Counter: 2}
    assert.Equal(t, -1, a.Compare(b))
    assert.Equal(t, 1, b.Compare(a))
    assert.Equal(t, 1, ViewID{Creator: "b", Counter: 2}.Compare(b))
    assert.Equal(t, 0, a.Compare(a))
}

func TestViewJSON(t *testing.T) {
    v := New(ViewID{Creator: "a", Counter: 7}, "a", "b")
    b, err := json.Marshal(v)
    require.NoError(t, err)
    var out View
    require.NoError(t, json.Unmarshal(b, &out))
    assert.Equal(t, v.ID(), out.ID())
    assert.Equal(t, v.Members(), out.Members())
}

func TestDeltaApply(t *testing.T) {
    v1 := New(ViewID{Creator: "X", Counter: 1}, "X", "Y", "Z")
    d, err := NewDeltaView(ViewID{Creator: "X", Counter: 2}, v1.ID(), []Address{"Y"}, []Address{"W"})
    require.NoError(t, err)
    v2, err := d.Apply(v1)
    require.NoError(t, err)
    assert.Equal(t, []Address{"X", "Z", "W"}, v2.Members())
    assert.Equal(t, ViewID{Creator: "X", Counter: 2}, v2.ID())
}

func TestDeltaRequiresIDs(t *testing.T) {
    _, err := NewDeltaView(ViewID{}, ViewID{Creator: "X", Counter: 1}, nil, nil)
    assert.ErrorIs(t, err, ErrInvalidArgument)
    _, err = NewDeltaView(ViewID{Creator: "X", Counter: 2}, ViewID{}, nil, nil)
    assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestDeltaRefMismatch(t *testing.T) {
    d, err := NewDeltaView(ViewID{Creator: "X", Counter: 3}, ViewID{Creator: "X", Counter: 2}, nil, []Address{"W"})
    require.NoError(t, err)
    _, err = d.Apply(New(ViewID{Creator: "X", Counter: 1}, "X"))
    assert.ErrorIs(t, err, ErrRefMismatch)
}

func TestDiffRoundTripsThroughApply(t *testing.T) {
    old := New(ViewID{Creator: "a", Counter: 4}, "a", "b", "c", "d")
    next := New(ViewID{Creator: "a", Counter: 5}, "a", "c", "e", "f")
    d, err := Diff(old, next)
    require.NoError(t, err)
    assert.Equal(t, []Address{"b", "d"}, d.Left)
    assert.Equal(t, []Address{"e", "f"}, d.Joined)
    got, err := d.Apply(old)
    require.NoError(t, err)
    assert.Equal(t, next.Members(), got.Members())
}

func TestDeltaBinary(t *testing.T) {
    d, err := NewDeltaView(ViewID{Creator: "node-1", Counter: 300}, ViewID{Creator: "node-1", Counter: 299},
        []Address{"node-2"}, []Address{"node-4", "node-5"})
    require.NoError(t, err)
    b, err := d.MarshalBinary()
    require.NoError(t, err)

    var out DeltaView
    require.NoError(t, out.UnmarshalBinary(b))
    assert.Equal(t, *d, out)

    assert.ErrorIs(t, new(DeltaView).UnmarshalBinary(b[:len(b)-3]), ErrShortBuffer)
}
