package tlsconfig

import (
    "crypto/ecdsa"
    "crypto/elliptic"
    "crypto/rand"
    "crypto/tls"
    "crypto/x509"
    "crypto/x509/pkix"
    "encoding/pem"
    "math/big"
    "os"
    "path/filepath"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"
)

// writeSelfSigned writes a self-signed CA certificate and its key, which is
// enough to serve as CA, server and client identity in tests.
func writeSelfSigned(t *testing.T) (caFile, certFile, keyFile string) {
    t.Helper()
    key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
    require.NoError(t, err)
    tmpl := &x509.Certificate{
        SerialNumber:          big.NewInt(1),
        Subject:               pkix.Name{CommonName: "gms-test"},
        DNSNames:              []string{"localhost"},
        NotBefore:             time.Now().Add(-time.Hour),
        NotAfter:              time.Now().Add(time.Hour),
        IsCA:                  true,
        BasicConstraintsValid: true,
        KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
        ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
    }
    der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
    require.NoError(t, err)
    kb, err := x509.MarshalECPrivateKey(key)
    require.NoError(t, err)

    dir := t.TempDir()
    certFile = filepath.Join(dir, "cert.pem")
    keyFile = filepath.Join(dir, "key.pem")
    require.NoError(t, os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
    require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: kb}), 0o600))
    return certFile, certFile, keyFile
}

func TestDisabledReturnsNil(t *testing.T) {
    var o Options
    srv, cli, err := o.Pair()
    require.NoError(t, err)
    assert.Nil(t, srv)
    assert.Nil(t, cli)
}

func TestServerRequiresKeyPair(t *testing.T) {
    o := Options{Enable: true}
    _, err := o.Server()
    assert.ErrorIs(t, err, ErrCertRequired)
    _, err = o.ServerHotReload()
    assert.ErrorIs(t, err, ErrCertRequired)
}

func TestMissingCAFile(t *testing.T) {
    o := Options{Enable: true, CAFile: filepath.Join(t.TempDir(), "missing.pem")}
    _, err := o.Client()
    assert.Error(t, err)
}

func TestPairWithMutualTLS(t *testing.T) {
    ca, cert, key := writeSelfSigned(t)
    o := Options{Enable: true, CAFile: ca, CertFile: cert, KeyFile: key, ServerName: "localhost"}

    srv, cli, err := o.Pair()
    require.NoError(t, err)
    require.Len(t, srv.Certificates, 1)
    assert.Equal(t, tls.RequireAndVerifyClientCert, srv.ClientAuth)
    assert.NotNil(t, srv.ClientCAs)
    require.Len(t, cli.Certificates, 1)
    assert.NotNil(t, cli.RootCAs)
    assert.Equal(t, "localhost", cli.ServerName)
}

func TestHotReloadLoadsOnHandshake(t *testing.T) {
    ca, cert, key := writeSelfSigned(t)
    o := Options{Enable: true, CAFile: ca, CertFile: cert, KeyFile: key, HotReload: true}

    srv, cli, err := o.Pair()
    require.NoError(t, err)
    require.NotNil(t, srv.GetCertificate)
    require.NotNil(t, cli.GetClientCertificate)

    c1, err := srv.GetCertificate(&tls.ClientHelloInfo{})
    require.NoError(t, err)
    assert.NotEmpty(t, c1.Certificate)
    c2, err := cli.GetClientCertificate(&tls.CertificateRequestInfo{})
    require.NoError(t, err)
    assert.Equal(t, c1.Certificate, c2.Certificate)
}
