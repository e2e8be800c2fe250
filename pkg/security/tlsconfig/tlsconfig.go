package tlsconfig

import (
    "crypto/tls"
    "crypto/x509"
    "errors"
    "fmt"
    "os"
    "sync"
    "time"
)

// reloadTTL bounds how long a loaded key pair is reused before the files are
// read again.
const reloadTTL = 10 * time.Second

var ErrCertRequired = errors.New("tls: server cert/key required when TLS enabled")

// Options defines mTLS configuration inputs shared by the GMS transport and
// the management API.
type Options struct {
    Enable             bool
    CAFile             string
    CertFile           string
    KeyFile            string
    InsecureSkipVerify bool
    ServerName         string
    // HotReload reloads the key pair from disk on handshake so certificates
    // can be rotated without restarting the node.
    HotReload bool
}

// Pair returns the server and client configs, both nil when TLS is off.
func (o Options) Pair() (server, client *tls.Config, err error) {
    if !o.Enable { return nil, nil, nil }
    if o.HotReload {
        if server, err = o.ServerHotReload(); err != nil { return nil, nil, err }
        if client, err = o.ClientHotReload(); err != nil { return nil, nil, err }
        return server, client, nil
    }
    if server, err = o.Server(); err != nil { return nil, nil, err }
    if client, err = o.Client(); err != nil { return nil, nil, err }
    return server, client, nil
}

// Server returns a tls.Config for servers if enabled, otherwise nil. A CA
// file turns on client certificate verification.
func (o Options) Server() (*tls.Config, error) {
    if !o.Enable { return nil, nil }
    if o.CertFile == "" || o.KeyFile == "" { return nil, ErrCertRequired }
    cert, err := tls.LoadX509KeyPair(o.CertFile, o.KeyFile)
    if err != nil { return nil, fmt.Errorf("tls: load key pair: %w", err) }
    cfg := &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
    if err := o.requireClients(cfg); err != nil { return nil, err }
    return cfg, nil
}

// Client returns a tls.Config for clients if enabled, otherwise nil.
func (o Options) Client() (*tls.Config, error) {
    if !o.Enable { return nil, nil }
    cfg, err := o.clientBase()
    if err != nil { return nil, err }
    if o.CertFile != "" && o.KeyFile != "" {
        cert, err := tls.LoadX509KeyPair(o.CertFile, o.KeyFile)
        if err != nil { return nil, fmt.Errorf("tls: load key pair: %w", err) }
        cfg.Certificates = []tls.Certificate{cert}
    }
    return cfg, nil
}

// ServerHotReload is Server with the certificate loaded lazily on
// handshake. The CA pool is loaded once.
func (o Options) ServerHotReload() (*tls.Config, error) {
    if !o.Enable { return nil, nil }
    if o.CertFile == "" || o.KeyFile == "" { return nil, ErrCertRequired }
    cfg := &tls.Config{MinVersion: tls.VersionTLS12}
    if err := o.requireClients(cfg); err != nil { return nil, err }
    kp := &keyPair{certFile: o.CertFile, keyFile: o.KeyFile}
    cfg.GetCertificate = func(*tls.ClientHelloInfo) (*tls.Certificate, error) { return kp.load() }
    return cfg, nil
}

// ClientHotReload is Client with the client certificate loaded on demand.
func (o Options) ClientHotReload() (*tls.Config, error) {
    if !o.Enable { return nil, nil }
    cfg, err := o.clientBase()
    if err != nil { return nil, err }
    kp := &keyPair{certFile: o.CertFile, keyFile: o.KeyFile}
    cfg.GetClientCertificate = func(*tls.CertificateRequestInfo) (*tls.Certificate, error) {
        if o.CertFile == "" || o.KeyFile == "" { return &tls.Certificate{}, nil }
        return kp.load()
    }
    return cfg, nil
}

func (o Options) clientBase() (*tls.Config, error) {
    cfg := &tls.Config{InsecureSkipVerify: o.InsecureSkipVerify, MinVersion: tls.VersionTLS12} //nolint:gosec
    if o.ServerName != "" { cfg.ServerName = o.ServerName }
    if o.CAFile != "" {
        pool, err := loadPool(o.CAFile)
        if err != nil { return nil, err }
        cfg.RootCAs = pool
    }
    return cfg, nil
}

func (o Options) requireClients(cfg *tls.Config) error {
    if o.CAFile == "" { return nil }
    pool, err := loadPool(o.CAFile)
    if err != nil { return err }
    cfg.ClientCAs = pool
    cfg.ClientAuth = tls.RequireAndVerifyClientCert
    return nil
}

func loadPool(file string) (*x509.CertPool, error) {
    ca, err := os.ReadFile(file)
    if err != nil { return nil, fmt.Errorf("tls: read CA: %w", err) }
    pool := x509.NewCertPool()
    if !pool.AppendCertsFromPEM(ca) { return nil, fmt.Errorf("tls: no certificates in %s", file) }
    return pool, nil
}

// keyPair caches a certificate loaded from disk for reloadTTL.
type keyPair struct {
    certFile, keyFile string

    mu       sync.RWMutex
    cached   *tls.Certificate
    lastLoad time.Time
}

func (k *keyPair) load() (*tls.Certificate, error) {
    k.mu.RLock()
    if k.cached != nil && time.Since(k.lastLoad) < reloadTTL {
        c := *k.cached
        k.mu.RUnlock()
        return &c, nil
    }
    k.mu.RUnlock()
    cert, err := tls.LoadX509KeyPair(k.certFile, k.keyFile)
    if err != nil { return nil, err }
    k.mu.Lock()
    k.cached = &cert
    k.lastLoad = time.Now()
    k.mu.Unlock()
    return &cert, nil
}
