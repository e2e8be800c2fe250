package memberlist

import (
    "context"
    "encoding/json"
    "fmt"
    "net"
    "strconv"
    "sync"
    "time"

    "github.com/hashicorp/memberlist"
    "go.uber.org/zap"

    "github.com/amirimatin/go-gms/pkg/internal/logutil"
    base "github.com/amirimatin/go-gms/pkg/membership"
    "github.com/amirimatin/go-gms/pkg/view"
)

// Options configures the memberlist based failure detector.
type Options struct {
    // NodeID is the unique gossip name of the node.
    NodeID string
    // Bind is the bind address in host:port form (e.g. ":7946").
    Bind string
    // Advertise is the address peers use to reach this node. If empty,
    // memberlist derives it from Bind.
    Advertise string
    // GMSAddr is the group membership address published in node metadata.
    GMSAddr view.Address
    Meta    map[string]string
    // LocalView is exchanged with peers during push/pull state sync so that
    // coordinators of disjoint views find each other.
    LocalView func() *view.View

    Logger *zap.Logger

    // Tuning parameters; zero means memberlist defaults.
    ProbeInterval    time.Duration
    ProbeTimeout     time.Duration
    SuspicionMult    int
    PushPullInterval time.Duration
}

func (o *Options) Validate() error {
    if o.NodeID == "" { return fmt.Errorf("memberlist: empty NodeID") }
    if o.Bind == "" { return fmt.Errorf("memberlist: empty Bind address") }
    return nil
}

// impl implements base.Membership using HashiCorp memberlist.
type impl struct {
    mu     sync.RWMutex
    opts   Options
    log    *zap.Logger
    ml     *memberlist.Memberlist
    closed bool

    emu       sync.Mutex // guards closing evts against emit
    evts      chan base.Event
    evtClosed bool
}

// New constructs a memberlist backed membership.
func New(opts Options) (base.Membership, error) {
    if err := opts.Validate(); err != nil { return nil, err }
    meta := make(map[string]string, len(opts.Meta)+1)
    for k, v := range opts.Meta { meta[k] = v }
    if !opts.GMSAddr.IsZero() { meta[base.MetaGMSAddr] = string(opts.GMSAddr) }
    opts.Meta = meta
    return &impl{
        opts: opts,
        log:  logutil.Named(opts.Logger, "memberlist"),
        evts: make(chan base.Event, 64),
    }, nil
}

// Start creates and launches the underlying memberlist instance.
func (m *impl) Start(ctx context.Context) error {
    m.mu.Lock()
    defer m.mu.Unlock()
    if m.ml != nil { return nil }
    if m.closed { return fmt.Errorf("memberlist: stopped") }

    cfg := memberlist.DefaultLANConfig()
    cfg.Name = m.opts.NodeID
    host, port, err := splitHostPort(m.opts.Bind)
    if err != nil { return fmt.Errorf("memberlist: invalid bind address %q: %w", m.opts.Bind, err) }
    cfg.BindAddr, cfg.BindPort = host, port
    if m.opts.Advertise != "" {
        ahost, aport, err := splitHostPort(m.opts.Advertise)
        if err != nil { return fmt.Errorf("memberlist: invalid advertise address %q: %w", m.opts.Advertise, err) }
        cfg.AdvertiseAddr, cfg.AdvertisePort = ahost, aport
    }
    if m.opts.ProbeInterval > 0 { cfg.ProbeInterval = m.opts.ProbeInterval }
    if m.opts.ProbeTimeout > 0 { cfg.ProbeTimeout = m.opts.ProbeTimeout }
    if m.opts.SuspicionMult > 0 { cfg.SuspicionMult = m.opts.SuspicionMult }
    if m.opts.PushPullInterval > 0 { cfg.PushPullInterval = m.opts.PushPullInterval }
    if std, err := zap.NewStdLogAt(m.log, zap.DebugLevel); err == nil { cfg.Logger = std }

    metaBytes, err := json.Marshal(m.opts.Meta)
    if err != nil { return err }
    cfg.Events = &eventDelegate{emit: m.emit}
    cfg.Delegate = &nodeDelegate{meta: metaBytes, localView: m.opts.LocalView, emit: m.emit, log: m.log}

    ml, err := memberlist.Create(cfg)
    if err != nil { return err }
    m.ml = ml

    go func() {
        <-ctx.Done()
        _ = m.Stop()
    }()
    return nil
}

func (m *impl) Join(seeds []string) error {
    m.mu.RLock()
    ml := m.ml
    m.mu.RUnlock()
    if ml == nil { return fmt.Errorf("memberlist: not started") }
    if len(seeds) == 0 { return nil }
    _, err := ml.Join(seeds)
    return err
}

func (m *impl) Local() base.MemberInfo {
    m.mu.RLock()
    defer m.mu.RUnlock()
    if m.ml == nil { return base.MemberInfo{} }
    info := memberInfo(m.ml.LocalNode())
    if len(info.Meta) == 0 { info.Meta = m.opts.Meta }
    return info
}

func (m *impl) Members() []base.MemberInfo {
    m.mu.RLock()
    defer m.mu.RUnlock()
    if m.ml == nil { return nil }
    nodes := m.ml.Members()
    out := make([]base.MemberInfo, 0, len(nodes))
    for _, n := range nodes { out = append(out, memberInfo(n)) }
    return out
}

func (m *impl) Events() <-chan base.Event { return m.evts }

// Leave broadcasts an intent to leave and waits up to a second for it to
// propagate.
func (m *impl) Leave() error {
    m.mu.RLock()
    ml := m.ml
    m.mu.RUnlock()
    if ml == nil { return nil }
    return ml.Leave(time.Second)
}

func (m *impl) Stop() error {
    m.mu.Lock()
    if m.closed {
        m.mu.Unlock()
        return nil
    }
    m.closed = true
    ml := m.ml
    m.ml = nil
    m.mu.Unlock()

    var err error
    if ml != nil { err = ml.Shutdown() }
    m.emu.Lock()
    m.evtClosed = true
    close(m.evts)
    m.emu.Unlock()
    return err
}

// HealthScore implements base.HealthReporter.
func (m *impl) HealthScore() int {
    m.mu.RLock()
    defer m.mu.RUnlock()
    if m.ml == nil { return -1 }
    return m.ml.GetHealthScore()
}

func (m *impl) emit(e base.Event) {
    m.emu.Lock()
    defer m.emu.Unlock()
    if m.evtClosed { return }
    select {
    case m.evts <- e:
    default:
        m.log.Warn("dropping event, channel full", zap.String("type", string(e.Type)))
    }
}

func memberInfo(n *memberlist.Node) base.MemberInfo {
    meta := map[string]string{}
    if len(n.Meta) > 0 { _ = json.Unmarshal(n.Meta, &meta) }
    return base.MemberInfo{ID: n.Name, Addr: net.JoinHostPort(n.Addr.String(), strconv.Itoa(int(n.Port))), Meta: meta}
}

func splitHostPort(addr string) (string, int, error) {
    host, ps, err := net.SplitHostPort(addr)
    if err != nil { return "", 0, err }
    p, err := strconv.Atoi(ps)
    if err != nil || p < 0 || p > 65535 { return "", 0, fmt.Errorf("invalid port: %q", ps) }
    return host, p, nil
}

// eventDelegate adapts memberlist events to base.Event.
type eventDelegate struct {
    emit func(e base.Event)
}

func (d *eventDelegate) NotifyJoin(n *memberlist.Node) {
    if n == nil { return }
    d.emit(base.Event{Type: base.EventJoin, Member: memberInfo(n), At: time.Now()})
}

// NotifyLeave fires for both graceful leaves and dead nodes; the node state
// tells them apart.
func (d *eventDelegate) NotifyLeave(n *memberlist.Node) {
    if n == nil { return }
    typ := base.EventFailed
    if n.State == memberlist.StateLeft { typ = base.EventLeave }
    d.emit(base.Event{Type: typ, Member: memberInfo(n), At: time.Now()})
}

func (d *eventDelegate) NotifyUpdate(n *memberlist.Node) {
    if n == nil { return }
    d.emit(base.Event{Type: base.EventJoin, Member: memberInfo(n), At: time.Now()})
}

// viewState is the push/pull payload.
type viewState struct {
    Addr view.Address `json:"addr"`
    View *view.View   `json:"view,omitempty"`
}

// nodeDelegate propagates node metadata and exchanges installed views.
type nodeDelegate struct {
    meta      []byte
    localView func() *view.View
    emit      func(e base.Event)
    log       *zap.Logger
}

func (d *nodeDelegate) NodeMeta(limit int) []byte {
    if len(d.meta) <= limit { return d.meta }
    if limit <= 0 { return nil }
    return d.meta[:limit]
}

func (d *nodeDelegate) LocalState(join bool) []byte {
    if d.localView == nil { return nil }
    var st viewState
    st.View = d.localView()
    if st.View == nil { return nil }
    st.Addr = st.View.Coordinator()
    b, err := json.Marshal(st)
    if err != nil { return nil }
    return b
}

func (d *nodeDelegate) MergeRemoteState(buf []byte, join bool) {
    if len(buf) == 0 { return }
    var st viewState
    if err := json.Unmarshal(buf, &st); err != nil {
        d.log.Debug("discarding undecodable remote state", zap.Error(err))
        return
    }
    if st.View == nil { return }
    d.emit(base.Event{Type: base.EventView, View: st.View, Member: base.MemberInfo{ID: string(st.Addr)}, At: time.Now()})
}

func (d *nodeDelegate) NotifyMsg([]byte)                {}
func (d *nodeDelegate) GetBroadcasts(int, int) [][]byte { return nil }
