package grpc

import (
    "context"
    "crypto/tls"
    "errors"
    "net"
    "sync"
    "time"

    "go.uber.org/zap"
    "google.golang.org/grpc"
    "google.golang.org/grpc/credentials"
    "google.golang.org/grpc/health"
    healthpb "google.golang.org/grpc/health/grpc_health_v1"
    "google.golang.org/grpc/keepalive"

    "github.com/amirimatin/go-gms/pkg/internal/logutil"
    "github.com/amirimatin/go-gms/pkg/observability/tracing"
    "github.com/amirimatin/go-gms/pkg/transport"
    "github.com/amirimatin/go-gms/pkg/view"
)

const serviceName = "gms.v1.Membership"

type Options struct {
    // Bind is the TCP listen address, e.g. ":7950".
    Bind string
    // Advertise is the local Address peers dial. Defaults to the bound
    // listener address.
    Advertise view.Address
    // Timeout bounds each outbound delivery. Default 3s.
    Timeout time.Duration
    // ServerTLS secures the listener, ClientTLS outbound deliveries.
    ServerTLS *tls.Config
    ClientTLS *tls.Config
    Logger    *zap.Logger
}

func (o *Options) Validate() error {
    if o.Bind == "" { return errors.New("grpc: bind address is required") }
    if o.Timeout < 0 { return errors.New("grpc: timeout must be >= 0") }
    return nil
}

// Transport implements transport.Transport over a unary gRPC method using the
// gms-json codec. Addresses are dialable host:port strings.
type Transport struct {
    bind   string
    local  view.Address
    tlsCfg *tls.Config
    log    *zap.Logger
    client *Client

    mu      sync.Mutex
    lis     net.Listener
    srv     *grpc.Server
    health  *health.Server
    handler transport.Handler
}

var _ transport.Transport = (*Transport)(nil)

func New(opts Options) (*Transport, error) {
    if err := opts.Validate(); err != nil { return nil, err }
    t := &Transport{
        bind:   opts.Bind,
        local:  opts.Advertise,
        tlsCfg: opts.ServerTLS,
        log:    logutil.Named(opts.Logger, "grpc"),
    }
    t.client = NewClient(opts.Timeout)
    if opts.ClientTLS != nil { t.client.UseTLS(opts.ClientTLS) }
    return t, nil
}

// empty is the reply of Deliver.
type empty struct{}

// membershipServer defines the methods we expose.
type membershipServer interface {
    Deliver(ctx context.Context, in *transport.Message) (*empty, error)
}

type membershipImpl struct{ t *Transport }

func (m *membershipImpl) Deliver(ctx context.Context, in *transport.Message) (*empty, error) {
    if in == nil { return &empty{}, nil }
    ctx, end := tracing.StartSpan(ctx, "grpc.deliver", "kind", string(in.Kind), "from", string(in.From))
    defer end()
    h := m.t.currentHandler()
    if h == nil { return nil, transport.ErrUnreachable }
    if err := h.Handle(ctx, *in); err != nil {
        m.t.log.Debug("handler failed", zap.String("kind", string(in.Kind)), zap.Stringer("from", in.From), zap.Error(err))
    }
    return &empty{}, nil
}

// Service descriptor and handlers (hand-written, no codegen required)
var _Membership_serviceDesc = grpc.ServiceDesc{
    ServiceName: serviceName,
    HandlerType: (*membershipServer)(nil),
    Methods: []grpc.MethodDesc{
        { MethodName: "Deliver", Handler: _Membership_Deliver_Handler },
    },
}

func _Membership_Deliver_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
    in := new(transport.Message)
    if err := dec(in); err != nil { return nil, err }
    if interceptor == nil { return srv.(membershipServer).Deliver(ctx, in) }
    info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Deliver"}
    handler := func(ctx context.Context, req interface{}) (interface{}, error) {
        return srv.(membershipServer).Deliver(ctx, req.(*transport.Message))
    }
    return interceptor(ctx, in, info, handler)
}

func (t *Transport) currentHandler() transport.Handler {
    t.mu.Lock()
    defer t.mu.Unlock()
    return t.handler
}

// Start listens and serves until Stop or until ctx is canceled.
func (t *Transport) Start(ctx context.Context, h transport.Handler) error {
    if h == nil { return errors.New("grpc: handler is required") }
    t.mu.Lock()
    defer t.mu.Unlock()
    if t.srv != nil { return errors.New("grpc: transport already started") }

    lis, err := net.Listen("tcp", t.bind)
    if err != nil { return err }
    if t.local.IsZero() { t.local = view.Address(lis.Addr().String()) }

    var opts []grpc.ServerOption
    opts = append(opts, grpc.ForceServerCodec(messageCodec{}))
    opts = append(opts, grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{MinTime: 5 * time.Second, PermitWithoutStream: true}))
    opts = append(opts, grpc.KeepaliveParams(keepalive.ServerParameters{Time: 30 * time.Second, Timeout: 10 * time.Second}))
    if t.tlsCfg != nil { opts = append(opts, grpc.Creds(credentials.NewTLS(t.tlsCfg))) }
    srv := grpc.NewServer(opts...)
    hs := health.NewServer()
    healthpb.RegisterHealthServer(srv, hs)
    hs.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)
    srv.RegisterService(&_Membership_serviceDesc, &membershipImpl{t: t})

    t.lis, t.srv, t.health, t.handler = lis, srv, hs, h
    go func() {
        if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
            t.log.Error("grpc serve failed", zap.Error(err))
        }
    }()
    go func() {
        <-ctx.Done()
        sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
        defer cancel()
        _ = t.Stop(sctx)
    }()
    t.log.Info("membership transport listening", zap.String("bind", lis.Addr().String()), zap.Stringer("addr", t.local))
    return nil
}

func (t *Transport) Addr() view.Address {
    t.mu.Lock()
    defer t.mu.Unlock()
    return t.local
}

// Send delivers msg to the node at to. Self-sends are handed to the local
// handler on a separate goroutine so callers never re-enter the handler.
func (t *Transport) Send(ctx context.Context, to view.Address, msg transport.Message) error {
    t.mu.Lock()
    local, h := t.local, t.handler
    t.mu.Unlock()
    if msg.From.IsZero() { msg.From = local }
    if to == local {
        if h == nil { return transport.ErrUnreachable }
        go func() { _ = h.Handle(context.Background(), msg) }()
        return nil
    }
    ctx, end := tracing.StartSpan(ctx, "grpc.send", "kind", string(msg.Kind), "to", string(to))
    defer end()
    return t.client.Deliver(ctx, string(to), msg)
}

// Forget drops the cached connection to a departed member.
func (t *Transport) Forget(addr view.Address) { t.client.Forget(string(addr)) }

// Stop gracefully stops serving, falling back to a hard stop when ctx ends.
func (t *Transport) Stop(ctx context.Context) error {
    t.mu.Lock()
    srv, hs := t.srv, t.health
    t.srv, t.handler, t.health = nil, nil, nil
    t.lis = nil
    t.mu.Unlock()
    if srv == nil { return nil }
    hs.Shutdown()
    ch := make(chan struct{})
    go func() { srv.GracefulStop(); close(ch) }()
    select {
    case <-ch:
    case <-ctx.Done():
        srv.Stop()
    }
    t.client.Close()
    return nil
}
