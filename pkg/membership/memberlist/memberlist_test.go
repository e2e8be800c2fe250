package memberlist

import (
    "context"
    "net"
    "strconv"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    base "github.com/amirimatin/go-gms/pkg/membership"
    "github.com/amirimatin/go-gms/pkg/view"
)

func freePort(t *testing.T) int {
    t.Helper()
    a, err := net.ListenPacket("udp", "127.0.0.1:0")
    require.NoError(t, err)
    defer a.Close()
    return a.LocalAddr().(*net.UDPAddr).Port
}

func TestStartLocal(t *testing.T) {
    addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(freePort(t)))
    m, err := New(Options{NodeID: "t1", Bind: addr, Advertise: addr, GMSAddr: "10.0.0.1:7000", ProbeInterval: 100 * time.Millisecond})
    require.NoError(t, err)
    ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
    defer cancel()
    require.NoError(t, m.Start(ctx))
    defer m.Stop()

    local := m.Local()
    assert.Equal(t, "t1", local.ID)
    assert.Equal(t, view.Address("10.0.0.1:7000"), local.GMSAddr())

    hr, ok := m.(base.HealthReporter)
    require.True(t, ok)
    assert.GreaterOrEqual(t, hr.HealthScore(), 0)
}

func TestOptionsValidate(t *testing.T) {
    _, err := New(Options{Bind: ":0"})
    assert.Error(t, err)
    _, err = New(Options{NodeID: "x"})
    assert.Error(t, err)
}

func TestMultiNodeJoinLeave(t *testing.T) {
    ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
    defer cancel()

    n1, addr1 := startNode(t, ctx, "n1", nil)
    defer n1.Stop()
    n2, _ := startNode(t, ctx, "n2", nil)
    defer n2.Stop()
    require.NoError(t, n2.Join([]string{addr1}))
    n3, _ := startNode(t, ctx, "n3", nil)
    defer n3.Stop()
    require.NoError(t, n3.Join([]string{addr1}))

    for _, n := range []*impl{n1, n2, n3} { awaitMembers(t, n, 3, 5*time.Second) }

    require.NoError(t, n2.Leave())
    require.NoError(t, n2.Stop())
    awaitMembers(t, n1, 2, 5*time.Second)
    awaitMembers(t, n3, 2, 5*time.Second)

    assert.Eventually(t, func() bool {
        for {
            select {
            case ev := <-n1.Events():
                if (ev.Type == base.EventLeave || ev.Type == base.EventFailed) && ev.Member.ID == "n2" { return true }
            default:
                return false
            }
        }
    }, 5*time.Second, 50*time.Millisecond)
}

func TestJoinExchangesViews(t *testing.T) {
    ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
    defer cancel()

    v1 := view.New(view.ViewID{Creator: "a", Counter: 3}, "a", "b")
    v2 := view.New(view.ViewID{Creator: "c", Counter: 5}, "c")
    n1, addr1 := startNode(t, ctx, "n1", v1)
    defer n1.Stop()
    n2, _ := startNode(t, ctx, "n2", v2)
    defer n2.Stop()
    require.NoError(t, n2.Join([]string{addr1}))

    got := awaitView(t, n1, 5*time.Second)
    assert.Equal(t, v2.ID(), got.ID())
    assert.Equal(t, v1.ID(), awaitView(t, n2, 5*time.Second).ID())
}

func startNode(t *testing.T, ctx context.Context, id string, v *view.View) (*impl, string) {
    t.Helper()
    m, err := New(Options{
        NodeID:        id,
        Bind:          "127.0.0.1:0",
        GMSAddr:       view.Address(id),
        LocalView:     func() *view.View { return v },
        ProbeInterval: 100 * time.Millisecond,
        SuspicionMult: 2,
    })
    require.NoError(t, err)
    require.NoError(t, m.Start(ctx))
    la := m.Local().Addr
    require.NotEmpty(t, la)
    return m.(*impl), la
}

func awaitMembers(t *testing.T, m base.Membership, want int, timeout time.Duration) {
    t.Helper()
    require.Eventually(t, func() bool { return len(m.Members()) == want }, timeout, 100*time.Millisecond,
        "members of %s never reached %d", m.Local().ID, want)
}

func awaitView(t *testing.T, m base.Membership, timeout time.Duration) *view.View {
    t.Helper()
    deadline := time.After(timeout)
    for {
        select {
        case ev := <-m.Events():
            if ev.Type == base.EventView { return ev.View }
        case <-deadline:
            t.Fatalf("no view event on %s", m.Local().ID)
            return nil
        }
    }
}
