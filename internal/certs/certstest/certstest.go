// Package certstest builds throwaway CA-signed company certificates for tests.
package certstest

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"software.sslmate.com/src/go-pkcs12"
)

type Fixture struct {
	CA        *x509.Certificate
	Leaf      *x509.Certificate
	Key       *rsa.PrivateKey
	Container []byte
	Password  string
}

type Options struct {
	NotBefore time.Time
	NotAfter  time.Time
	NoChain   bool
	Password  string
}

func New(t *testing.T, opts Options) *Fixture {
	t.Helper()
	now := time.Now()
	if opts.NotBefore.IsZero() {
		opts.NotBefore = now.Add(-time.Hour)
	}
	if opts.NotAfter.IsZero() {
		opts.NotAfter = now.Add(365 * 24 * time.Hour)
	}
	if opts.Password == "" {
		opts.Password = "s3cret"
	}

	caKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	caTpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Test Computadores", Organization: []string{"AFIP"}},
		NotBefore:             now.Add(-24 * time.Hour),
		NotAfter:              now.Add(10 * 365 * 24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTpl, caTpl, &caKey.PublicKey, caKey)
	require.NoError(t, err)
	ca, err := x509.ParseCertificate(caDER)
	require.NoError(t, err)

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	leafTpl := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "customsbox", SerialNumber: "CUIT 30712345678"},
		NotBefore:    opts.NotBefore,
		NotAfter:     opts.NotAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	leafDER, err := x509.CreateCertificate(rand.Reader, leafTpl, ca, &key.PublicKey, caKey)
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(leafDER)
	require.NoError(t, err)

	var chain []*x509.Certificate
	if !opts.NoChain {
		chain = []*x509.Certificate{ca}
	}
	container, err := pkcs12.Modern.Encode(key, leaf, chain, opts.Password)
	require.NoError(t, err)

	return &Fixture{CA: ca, Leaf: leaf, Key: key, Container: container, Password: opts.Password}
}
