package etcd

import (
    "context"
    "encoding/json"
    "errors"
    "strings"
    "sync"
    "time"

    "go.etcd.io/etcd/api/v3/mvccpb"
    clientv3 "go.etcd.io/etcd/client/v3"
    "go.uber.org/zap"

    "github.com/amirimatin/go-gms/pkg/discovery"
    "github.com/amirimatin/go-gms/pkg/internal/logutil"
)

const (
    DefaultPrefix = "/gms/nodes/"
    DefaultTTL    = 10 // seconds
)

type Options struct {
    Endpoints   []string
    Prefix      string // default DefaultPrefix
    TTL         int64  // lease TTL in seconds, default DefaultTTL
    DialTimeout time.Duration
    Logger      *zap.Logger
}

func (o *Options) Validate() error {
    if len(o.Endpoints) == 0 { return errors.New("etcd: no endpoints") }
    if o.TTL < 0 { return errors.New("etcd: ttl must be >= 0") }
    return nil
}

// Discovery publishes nodes under a key prefix with a lease and lists the
// registered nodes as seeds.
type Discovery struct {
    cli    *clientv3.Client
    owned  bool
    prefix string
    ttl    int64
    log    *zap.Logger

    mu     sync.Mutex
    lease  clientv3.LeaseID
    cancel context.CancelFunc
}

var (
    _ discovery.Discovery = (*Discovery)(nil)
    _ discovery.Registrar = (*Discovery)(nil)
)

func New(opts Options) (*Discovery, error) {
    if err := opts.Validate(); err != nil { return nil, err }
    if opts.DialTimeout <= 0 { opts.DialTimeout = 5 * time.Second }
    cli, err := clientv3.New(clientv3.Config{Endpoints: opts.Endpoints, DialTimeout: opts.DialTimeout})
    if err != nil { return nil, err }
    d := NewFromClient(cli, opts)
    d.owned = true
    return d, nil
}

// NewFromClient uses an existing client, which Close leaves open.
func NewFromClient(cli *clientv3.Client, opts Options) *Discovery {
    if opts.Prefix == "" { opts.Prefix = DefaultPrefix }
    if !strings.HasSuffix(opts.Prefix, "/") { opts.Prefix += "/" }
    if opts.TTL == 0 { opts.TTL = DefaultTTL }
    return &Discovery{cli: cli, prefix: opts.Prefix, ttl: opts.TTL, log: logutil.Named(opts.Logger, "discovery.etcd")}
}

// Register stores self under prefix/<gms address> bound to a kept-alive
// lease, so the key disappears when the node dies.
func (d *Discovery) Register(ctx context.Context, self discovery.Peer) error {
    if self.GMS == "" { return errors.New("etcd: peer without membership address") }
    val, err := json.Marshal(self)
    if err != nil { return err }
    lease, err := d.cli.Grant(ctx, d.ttl)
    if err != nil { return err }
    if _, err := d.cli.Put(ctx, d.prefix+self.GMS, string(val), clientv3.WithLease(lease.ID)); err != nil { return err }

    kctx, cancel := context.WithCancel(context.Background())
    ch, err := d.cli.KeepAlive(kctx, lease.ID)
    if err != nil {
        cancel()
        return err
    }
    go func() {
        for range ch {
        }
        d.log.Debug("lease keepalive ended", zap.Int64("lease", int64(lease.ID)))
    }()

    d.mu.Lock()
    if d.cancel != nil { d.cancel() }
    d.lease, d.cancel = lease.ID, cancel
    d.mu.Unlock()
    d.log.Info("registered", zap.String("key", d.prefix+self.GMS), zap.Int64("ttl", d.ttl))
    return nil
}

// Deregister revokes the registration lease.
func (d *Discovery) Deregister(ctx context.Context) error {
    d.mu.Lock()
    lease, cancel := d.lease, d.cancel
    d.lease, d.cancel = 0, nil
    d.mu.Unlock()
    if cancel == nil { return nil }
    cancel()
    _, err := d.cli.Revoke(ctx, lease)
    return err
}

func (d *Discovery) Seeds(ctx context.Context) ([]discovery.Peer, error) {
    resp, err := d.cli.Get(ctx, d.prefix, clientv3.WithPrefix())
    if err != nil { return nil, err }
    return decodePeers(resp.Kvs, d.log), nil
}

func (d *Discovery) Close() error {
    _ = d.Deregister(context.Background())
    if !d.owned { return nil }
    return d.cli.Close()
}

func decodePeers(kvs []*mvccpb.KeyValue, log *zap.Logger) []discovery.Peer {
    out := make([]discovery.Peer, 0, len(kvs))
    for _, kv := range kvs {
        var p discovery.Peer
        if err := json.Unmarshal(kv.Value, &p); err != nil || p.GMS == "" {
            log.Debug("skipping malformed registration", zap.ByteString("key", kv.Key))
            continue
        }
        out = append(out, p)
    }
    return out
}
