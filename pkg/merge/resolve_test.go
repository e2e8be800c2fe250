package merge

import (
    "testing"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-gms/pkg/view"
)

func vid(c view.Address, n uint64) view.ViewID { return view.ViewID{Creator: c, Counter: n} }

func TestResolveDisjointPartitions(t *testing.T) {
    got := Resolve(map[view.Address]*view.View{
        "A": view.New(vid("A", 1), "A", "B"),
        "C": view.New(vid("C", 1), "C"),
    })
    assert.Equal(t, map[view.Address][]view.Address{
        "A": {"A", "B"},
        "C": {"C"},
    }, got)
}

func TestResolveSameCreatorAccumulates(t *testing.T) {
    got := Resolve(map[view.Address]*view.View{
        "A": view.New(vid("A", 1), "A", "B"),
        "B": view.New(vid("A", 2), "A", "B", "D"),
    })
    require.Len(t, got, 1)
    assert.Equal(t, []view.Address{"A", "B", "D"}, got["A"])
}

func TestResolveAddsUncoveredObservers(t *testing.T) {
    got := Resolve(map[view.Address]*view.View{
        "A": view.New(vid("A", 1), "A", "B"),
        "E": nil,
    })
    assert.Equal(t, []view.Address{"E"}, got["E"])
    assert.NotContains(t, got, view.Address("B"))
}

func TestResolveIsDeterministic(t *testing.T) {
    views := map[view.Address]*view.View{
        "B": view.New(vid("A", 2), "A", "D", "B"),
        "A": view.New(vid("A", 1), "A", "B", "C"),
    }
    for i := 0; i < 20; i++ {
        assert.Equal(t, []view.Address{"A", "B", "C", "D"}, Resolve(views)["A"])
    }
}

func TestSanitizeViews(t *testing.T) {
    in := map[view.Address]*view.View{
        "A": view.New(vid("A", 1), "A", "B"),
        "B": view.New(vid("A", 1), "A", "B"),
        "C": view.New(vid("A", 2), "A", "B", "C"),
    }
    out := SanitizeViews(in)
    assert.Equal(t, []view.Address{"A", "B"}, out["A"].Members())
    assert.Equal(t, []view.Address{"A", "B"}, out["B"].Members())
    assert.Equal(t, []view.Address{"C"}, out["C"].Members())
    assert.Equal(t, vid("A", 2), out["C"].ID())
    assert.Equal(t, []view.Address{"A", "B", "C"}, in["C"].Members(), "input untouched")
}

func TestLeaderAndConsolidate(t *testing.T) {
    groups := map[view.Address][]view.Address{"n3": {"n3"}, "n1": {"n1", "n4"}, "n2": {"n2"}}
    assert.Equal(t, view.Address("n1"), LeaderOf(groups))
    assert.True(t, LeaderOf(nil).IsZero())

    merged := Consolidate([]*view.View{
        view.New(vid("n2", 7), "n2", "n5"),
        view.New(vid("n1", 4), "n1", "n4", "n5"),
    })
    require.NotNil(t, merged)
    assert.Equal(t, vid("n1", 8), merged.ID())
    assert.Equal(t, []view.Address{"n1", "n2", "n4", "n5"}, merged.Members())
    assert.Nil(t, Consolidate(nil))
}
