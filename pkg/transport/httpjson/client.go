package httpjson

import (
    "bytes"
    "context"
    "crypto/tls"
    "encoding/json"
    "fmt"
    "io"
    "net/http"
    "time"

    "github.com/amirimatin/go-gms/pkg/transport"
)

// Client is a thin HTTP client for the management API. It supports optional
// TLS configuration and simple retry with backoff for idempotent calls.
type Client struct {
    httpc     *http.Client
    transport *http.Transport
    isTLS     bool
}

// NewClient constructs a new Client with the given timeout.
func NewClient(timeout time.Duration) *Client {
    if timeout <= 0 { timeout = 3 * time.Second }
    tr := &http.Transport{}
    return &Client{httpc: &http.Client{Timeout: timeout, Transport: tr}, transport: tr}
}

// UseTLS sets the TLS config for the underlying HTTP client and switches the
// request scheme to https.
func (c *Client) UseTLS(cfg *tls.Config) *Client {
    if c.transport != nil { c.transport.TLSClientConfig = cfg }
    c.isTLS = cfg != nil
    return c
}

func (c *Client) url(addr, path string) string {
    scheme := "http"
    if c.isTLS { scheme = "https" }
    return fmt.Sprintf("%s://%s%s", scheme, addr, path)
}

// do performs up to attempts requests, backing off exponentially between
// failures. body is resent on every attempt.
func (c *Client) do(ctx context.Context, method, url string, body []byte, attempts int) ([]byte, int, error) {
    var lastErr error
    for attempt := 0; attempt < attempts; attempt++ {
        var rd io.Reader
        if body != nil { rd = bytes.NewReader(body) }
        req, err := http.NewRequestWithContext(ctx, method, url, rd)
        if err != nil { return nil, 0, err }
        if body != nil { req.Header.Set("Content-Type", "application/json") }
        resp, err := c.httpc.Do(req)
        if err == nil {
            b, rerr := io.ReadAll(resp.Body)
            resp.Body.Close()
            if rerr == nil && resp.StatusCode < 500 { return b, resp.StatusCode, nil }
            if rerr != nil {
                lastErr = rerr
            } else {
                lastErr = fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(b))
            }
        } else {
            lastErr = err
        }
        if attempt == attempts-1 { break }
        // backoff unless context is done
        select {
        case <-ctx.Done():
            return nil, 0, ctx.Err()
        case <-time.After(time.Duration(100*(1<<attempt)) * time.Millisecond):
        }
    }
    return nil, 0, lastErr
}

func (c *Client) GetStatus(ctx context.Context, addr string) ([]byte, error) {
    b, code, err := c.do(ctx, http.MethodGet, c.url(addr, "/status"), nil, 3)
    if err != nil { return nil, err }
    if code != http.StatusOK { return nil, fmt.Errorf("status %d: %s", code, bytes.TrimSpace(b)) }
    return b, nil
}

// PostLeave is not retried: a second leave while one is pending only resends
// the request.
func (c *Client) PostLeave(ctx context.Context, addr string) (transport.LeaveResponse, error) {
    var out transport.LeaveResponse
    b, code, err := c.do(ctx, http.MethodPost, c.url(addr, "/leave"), []byte("{}"), 1)
    if err != nil { return out, err }
    if err := json.Unmarshal(b, &out); err != nil { return out, fmt.Errorf("leave status %d: %s", code, bytes.TrimSpace(b)) }
    if out.Error != "" { return out, fmt.Errorf("leave: %s", out.Error) }
    return out, nil
}

func (c *Client) PostSuspect(ctx context.Context, addr string, req transport.SuspectRequest) error {
    body, err := json.Marshal(req)
    if err != nil { return err }
    b, code, err := c.do(ctx, http.MethodPost, c.url(addr, "/suspect"), body, 3)
    if err != nil { return err }
    if code != http.StatusAccepted { return fmt.Errorf("suspect status %d: %s", code, bytes.TrimSpace(b)) }
    return nil
}

var _ transport.ManagementClient = (*Client)(nil)
