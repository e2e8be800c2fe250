package grpc

import (
    "context"
    "crypto/tls"
    "sync"
    "time"

    "google.golang.org/grpc"
    "google.golang.org/grpc/backoff"
    "google.golang.org/grpc/credentials"
    "google.golang.org/grpc/credentials/insecure"
    "google.golang.org/grpc/keepalive"

    "github.com/amirimatin/go-gms/pkg/transport"
)

type Client struct {
    timeout time.Duration
    tlsCfg  *tls.Config

    mu sync.Mutex
    pool *connPool
}

func NewClient(timeout time.Duration) *Client {
    if timeout <= 0 { timeout = 3 * time.Second }
    return &Client{timeout: timeout}
}

// UseTLS sets TLS config for the client.
func (c *Client) UseTLS(cfg *tls.Config) *Client { c.tlsCfg = cfg; return c }

func (c *Client) dialCtx(ctx context.Context, target string) (*grpc.ClientConn, error) {
    opts := []grpc.DialOption{
        grpc.WithDefaultCallOptions(grpc.ForceCodec(messageCodec{}), grpc.CallContentSubtype(codecName)),
        grpc.WithConnectParams(grpc.ConnectParams{Backoff: backoff.DefaultConfig, MinConnectTimeout: 500 * time.Millisecond}),
        grpc.WithKeepaliveParams(keepalive.ClientParameters{Time: 20 * time.Second, Timeout: 5 * time.Second, PermitWithoutStream: true}),
        grpc.WithBlock(),
    }
    if c.tlsCfg != nil {
        opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(c.tlsCfg)))
    } else {
        opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
    }
    return grpc.DialContext(ctx, target, opts...)
}

// Deliver invokes Membership/Deliver on addr.
func (c *Client) Deliver(ctx context.Context, addr string, msg transport.Message) error {
    cctx, cancel := context.WithTimeout(ctx, c.timeout)
    defer cancel()
    cc, rel, err := c.getConn(cctx, addr)
    if err != nil { return err }
    defer rel()
    return cc.Invoke(cctx, "/"+serviceName+"/Deliver", &msg, &empty{})
}

// Close drops cached connections.
func (c *Client) Close() {
    c.mu.Lock()
    p := c.pool
    c.pool = nil
    c.mu.Unlock()
    if p != nil { p.close() }
}

// Forget drops the cached connection to addr.
func (c *Client) Forget(addr string) {
    c.mu.Lock()
    p := c.pool
    c.mu.Unlock()
    if p != nil { p.forget(addr) }
}

// getConn returns a pooled connection, creating the pool on first use.
func (c *Client) getConn(ctx context.Context, addr string) (*grpc.ClientConn, func(), error) {
    c.mu.Lock()
    if c.pool == nil { c.pool = newConnPool(defaultIdleTTL, c.dialCtx) }
    p := c.pool
    c.mu.Unlock()
    return p.get(ctx, addr)
}
