package bootstrap

import (
    "context"
    "errors"
    "fmt"
    "net"
    "sync"
    "time"

    "go.uber.org/zap"

    "github.com/amirimatin/go-gms/pkg/discovery"
    dEtcd "github.com/amirimatin/go-gms/pkg/discovery/etcd"
    dStatic "github.com/amirimatin/go-gms/pkg/discovery/static"
    "github.com/amirimatin/go-gms/pkg/gms"
    "github.com/amirimatin/go-gms/pkg/internal/logutil"
    "github.com/amirimatin/go-gms/pkg/membership"
    ml "github.com/amirimatin/go-gms/pkg/membership/memberlist"
    tlsx "github.com/amirimatin/go-gms/pkg/security/tlsconfig"
    "github.com/amirimatin/go-gms/pkg/state/viewlog"
    "github.com/amirimatin/go-gms/pkg/transport"
    gmsgrpc "github.com/amirimatin/go-gms/pkg/transport/grpc"
    httpjson "github.com/amirimatin/go-gms/pkg/transport/httpjson"
    "github.com/amirimatin/go-gms/pkg/view"
)

const (
    DiscoveryStatic = "static"
    DiscoveryEtcd   = "etcd"

    DefaultJoinTimeout = 5 * time.Second
    DefaultJournalKeep = 128
)

// Config defines high-level inputs to assemble a group membership node.
// Applications embed the node by providing this structure and calling
// Build/Run.
type Config struct {
    // Identity and addresses
    NodeID       string // gossip name, defaults to the GMS address
    GMSBind      string // membership transport bind host:port
    GMSAdvertise string // address peers dial, defaults to GMSBind when it names a host
    MemBind      string // failure detector bind host:port, empty disables gossip
    MemAdv       string // optional failure detector advertise host:port

    // Management API (status/leave/suspect/metrics)
    MgmtAddr string // empty disables the management server

    // Discovery settings
    DiscoveryKind    string // "static" (default) or "etcd"
    SeedsCSV         string // GMS seeds for discovery=static
    GossipSeedsCSV   string // gossip seeds for discovery=static
    EtcdEndpointsCSV string
    EtcdPrefix       string
    EtcdTTL          int64

    // Persistence; empty DataDir keeps the view journal in memory.
    DataDir     string
    JournalKeep int // journaled views kept after compaction

    // Protocol tuning, zero means package defaults.
    LeaveTimeout  time.Duration
    MergeTimeout  time.Duration
    JoinTimeout   time.Duration // per seed
    HistorySize   int
    MaxBatchAge   time.Duration
    StateTransfer bool
    UseFlush      bool

    // Application state carried across merges.
    Digest        func() view.Digest
    InstallDigest func(view.Digest)
    OnViewChange  func(old, next *view.View)

    // TLS (optional) for the GMS transport and the management API
    TLSEnable     bool
    TLSCA         string
    TLSCert       string
    TLSKey        string
    TLSServerName string
    TLSSkipVerify bool
    TLSHotReload  bool

    // Logger (optional). If nil one is built from LogLevel.
    Logger   *zap.Logger
    LogLevel string
}

func (c *Config) Validate() error {
    if c.GMSBind == "" { return errors.New("bootstrap: gms bind address is required") }
    switch c.DiscoveryKind {
    case "", DiscoveryStatic:
    case DiscoveryEtcd:
        if len(dStatic.Parse(c.EtcdEndpointsCSV)) == 0 { return errors.New("bootstrap: etcd discovery needs endpoints") }
    default:
        return fmt.Errorf("bootstrap: unknown discovery %q", c.DiscoveryKind)
    }
    if _, err := c.advertise(); err != nil { return err }
    if c.JournalKeep < 0 { return errors.New("bootstrap: journal keep must be >= 0") }
    return nil
}

func (c *Config) setDefaults() {
    if c.DiscoveryKind == "" { c.DiscoveryKind = DiscoveryStatic }
    if c.JoinTimeout <= 0 { c.JoinTimeout = DefaultJoinTimeout }
    if c.JournalKeep == 0 { c.JournalKeep = DefaultJournalKeep }
    if c.NodeID == "" {
        if a, err := c.advertise(); err == nil { c.NodeID = string(a) }
    }
}

// advertise returns the GMS address of the node. Members are identified by
// it, so it must be routable and cannot be derived from a wildcard bind.
func (c *Config) advertise() (view.Address, error) {
    if c.GMSAdvertise != "" { return view.Address(c.GMSAdvertise), nil }
    host, port, err := net.SplitHostPort(c.GMSBind)
    if err != nil { return "", fmt.Errorf("bootstrap: invalid gms bind %q: %w", c.GMSBind, err) }
    if host == "" || host == "0.0.0.0" || host == "::" || port == "0" {
        return "", fmt.Errorf("bootstrap: gms advertise address required for bind %q", c.GMSBind)
    }
    return view.Address(c.GMSBind), nil
}

func (c *Config) tlsOptions() tlsx.Options {
    return tlsx.Options{
        Enable:             c.TLSEnable,
        CAFile:             c.TLSCA,
        CertFile:           c.TLSCert,
        KeyFile:            c.TLSKey,
        InsecureSkipVerify: c.TLSSkipVerify,
        ServerName:         c.TLSServerName,
        HotReload:          c.TLSHotReload,
    }
}

// Runtime is an assembled node with its failure detector, discovery and
// management server.
type Runtime struct {
    Node       *gms.Node
    Membership membership.Membership // nil when gossip is disabled
    Journal    *viewlog.Log
    Mgmt       *httpjson.Server // nil when the management server is disabled

    cfg  Config
    log  *zap.Logger
    tr   *gmsgrpc.Transport
    disc discovery.Discovery

    mu     sync.Mutex
    cancel context.CancelFunc
    wg     sync.WaitGroup
    closed bool
}

// Build assembles a Runtime from Config without starting it.
func Build(cfg Config) (*Runtime, error) {
    if err := cfg.Validate(); err != nil { return nil, err }
    cfg.setDefaults()
    if cfg.Logger == nil {
        l, err := logutil.New(cfg.LogLevel)
        if err != nil { return nil, err }
        cfg.Logger = l
    }
    adv, _ := cfg.advertise()
    log := cfg.Logger.With(zap.String("node", cfg.NodeID))

    srvTLS, cliTLS, err := cfg.tlsOptions().Pair()
    if err != nil { return nil, err }

    tr, err := gmsgrpc.New(gmsgrpc.Options{Bind: cfg.GMSBind, Advertise: adv, ServerTLS: srvTLS, ClientTLS: cliTLS, Logger: log})
    if err != nil { return nil, err }

    var journal *viewlog.Log
    if cfg.DataDir != "" {
        if journal, err = viewlog.Open(cfg.DataDir); err != nil { return nil, err }
    } else {
        journal = viewlog.NewInmem()
    }

    rt := &Runtime{Journal: journal, cfg: cfg, log: log, tr: tr}
    node, err := gms.New(gms.Options{
        Transport:     tr,
        LeaveTimeout:  cfg.LeaveTimeout,
        MergeTimeout:  cfg.MergeTimeout,
        HistorySize:   cfg.HistorySize,
        MaxBatchAge:   cfg.MaxBatchAge,
        StateTransfer: cfg.StateTransfer,
        UseFlush:      cfg.UseFlush,
        Digest:        cfg.Digest,
        InstallDigest: cfg.InstallDigest,
        OnViewChange:  rt.viewChanged,
        ViewLog:       journal,
        Logger:        log,
    })
    if err != nil {
        _ = journal.Close()
        return nil, err
    }
    rt.Node = node

    if cfg.MemBind != "" {
        meta := map[string]string{}
        if cfg.MgmtAddr != "" { meta["mgmt"] = cfg.MgmtAddr }
        mem, err := ml.New(ml.Options{
            NodeID:    cfg.NodeID,
            Bind:      cfg.MemBind,
            Advertise: cfg.MemAdv,
            GMSAddr:   adv,
            Meta:      meta,
            LocalView: node.View,
            Logger:    log,
        })
        if err != nil {
            _ = journal.Close()
            return nil, err
        }
        rt.Membership = mem
    }

    switch cfg.DiscoveryKind {
    case DiscoveryEtcd:
        d, err := dEtcd.New(dEtcd.Options{Endpoints: dStatic.Parse(cfg.EtcdEndpointsCSV), Prefix: cfg.EtcdPrefix, TTL: cfg.EtcdTTL, Logger: log})
        if err != nil {
            _ = journal.Close()
            return nil, err
        }
        rt.disc = d
    default:
        rt.disc = dStatic.New(dStatic.Parse(cfg.SeedsCSV), dStatic.Parse(cfg.GossipSeedsCSV))
    }

    if cfg.MgmtAddr != "" {
        s := httpjson.NewServer(cfg.MgmtAddr, log)
        if srvTLS != nil { s.UseTLS(srvTLS) }
        rt.Mgmt = s
    }
    return rt, nil
}

// Run builds and starts a node, joining the group found through discovery
// or founding a new one. The caller is responsible for calling Close.
func Run(ctx context.Context, cfg Config) (*Runtime, error) {
    rt, err := Build(cfg)
    if err != nil { return nil, err }
    if err := rt.Start(ctx); err != nil {
        _ = rt.Close(context.Background())
        return nil, err
    }
    return rt, nil
}

// Start launches the transport, failure detector and management server and
// then joins the group.
func (r *Runtime) Start(ctx context.Context) error {
    r.mu.Lock()
    if r.closed {
        r.mu.Unlock()
        return gms.ErrStopped
    }
    runCtx, cancel := context.WithCancel(context.Background())
    r.cancel = cancel
    r.mu.Unlock()

    if err := r.Node.Start(runCtx); err != nil { return err }
    if r.Mgmt != nil {
        if err := r.Mgmt.Start(runCtx, r.management()); err != nil { return err }
    }

    peers, err := r.disc.Seeds(ctx)
    if err != nil {
        r.log.Warn("discovery failed, continuing without seeds", zap.Error(err))
    }
    self := string(r.Node.Addr())

    if r.Membership != nil {
        if err := r.Membership.Start(runCtx); err != nil { return err }
        if gossip := discovery.GossipAddrs(peers, r.cfg.MemAdv); len(gossip) > 0 {
            if err := r.Membership.Join(gossip); err != nil {
                r.log.Warn("gossip join failed", zap.Strings("seeds", gossip), zap.Error(err))
            }
        }
        r.wg.Add(1)
        go func() {
            defer r.wg.Done()
            membership.Watch(runCtx, r.Membership, r.Node, r.log)
        }()
    }

    seeds := discovery.GMSAddrs(peers, self)
    if len(seeds) == 0 { seeds = r.journalSeeds() }
    if err := r.join(ctx, seeds); err != nil { return err }

    if reg, ok := r.disc.(discovery.Registrar); ok {
        p := discovery.Peer{GMS: self, Gossip: r.gossipAddr(), Mgmt: r.mgmtAddr()}
        if err := reg.Register(runCtx, p); err != nil { return err }
    }
    return nil
}

// join tries each seed in turn and founds a new group when none admits the
// local node.
func (r *Runtime) join(ctx context.Context, seeds []string) error {
    for _, s := range seeds {
        jctx, cancel := context.WithTimeout(ctx, r.cfg.JoinTimeout)
        err := r.Node.Join(jctx, view.Address(s))
        cancel()
        if err == nil { return nil }
        if ctx.Err() != nil { return ctx.Err() }
        r.log.Warn("join via seed failed", zap.String("seed", s), zap.Error(err))
    }
    if len(seeds) > 0 { r.log.Info("no seed admitted us, founding a new group") }
    return r.Node.Bootstrap()
}

// journalSeeds returns the members of the last journaled view, which are the
// most likely live members after a restart.
func (r *Runtime) journalSeeds() []string {
    last, err := r.Journal.Last()
    if err != nil || last == nil { return nil }
    var out []string
    for _, m := range last.Members() {
        if m != r.Node.Addr() { out = append(out, string(m)) }
    }
    return out
}

func (r *Runtime) management() transport.Management {
    return transport.Management{
        Status: r.Node.StatusJSON,
        Leave: func(ctx context.Context) (transport.LeaveResponse, error) {
            res, err := r.Node.Leave(ctx)
            out := transport.LeaveResponse{Status: res.Status.String(), Sender: string(res.Sender)}
            if err != nil { out.Error = err.Error() }
            return out, err
        },
        Suspect: func(_ context.Context, req transport.SuspectRequest) error {
            m := view.Address(req.Member)
            if m == r.Node.Addr() { return fmt.Errorf("%w: cannot suspect the local member", view.ErrInvalidArgument) }
            return r.Node.Suspect(m)
        },
    }
}

func (r *Runtime) viewChanged(old, next *view.View) {
    // drop cached connections to departed members
    for _, m := range old.Members() {
        if !next.Contains(m) { r.tr.Forget(m) }
    }
    if err := r.Journal.Compact(r.cfg.JournalKeep); err != nil {
        r.log.Warn("compacting view journal failed", zap.Error(err))
    }
    if r.cfg.OnViewChange != nil { r.cfg.OnViewChange(old, next) }
}

func (r *Runtime) gossipAddr() string {
    if r.Membership == nil { return "" }
    if a := r.Membership.Local().Addr; a != "" { return a }
    return r.cfg.MemBind
}

func (r *Runtime) mgmtAddr() string {
    if r.Mgmt == nil { return "" }
    return r.Mgmt.Addr()
}

// Leave runs the leave handshake and then announces the departure to the
// failure detector.
func (r *Runtime) Leave(ctx context.Context) (transport.LeaveResponse, error) {
    resp, err := r.management().Leave(ctx)
    if err != nil { return resp, err }
    if r.Membership != nil {
        if lerr := r.Membership.Leave(); lerr != nil { r.log.Debug("gossip leave failed", zap.Error(lerr)) }
    }
    return resp, nil
}

// Close stops every component. It does not leave the group; call Leave
// first for a graceful departure.
func (r *Runtime) Close(ctx context.Context) error {
    r.mu.Lock()
    if r.closed {
        r.mu.Unlock()
        return nil
    }
    r.closed = true
    cancel := r.cancel
    r.mu.Unlock()

    var errs []error
    if reg, ok := r.disc.(discovery.Registrar); ok {
        if err := reg.Deregister(ctx); err != nil { errs = append(errs, err) }
    }
    if c, ok := r.disc.(interface{ Close() error }); ok {
        if err := c.Close(); err != nil { errs = append(errs, err) }
    }
    if r.Membership != nil {
        if err := r.Membership.Stop(); err != nil { errs = append(errs, err) }
    }
    if r.Mgmt != nil {
        if err := r.Mgmt.Stop(ctx); err != nil { errs = append(errs, err) }
    }
    if cancel != nil { cancel() }
    r.wg.Wait()
    // stopping the node closes the journal
    if err := r.Node.Stop(ctx); err != nil { errs = append(errs, err) }
    return errors.Join(errs...)
}
