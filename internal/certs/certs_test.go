package certs

import (
	"context"
	"crypto/x509"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/BearBump/CustomsBox/internal/certs/certstest"
	"github.com/BearBump/CustomsBox/internal/customserr"
	"github.com/BearBump/CustomsBox/internal/models"
	"github.com/stretchr/testify/require"
)

func TestReadCertificate_OK(t *testing.T) {
	fx := certstest.New(t, certstest.Options{})

	b, err := ReadCertificate(fx.Container, fx.Password)
	require.NoError(t, err)
	require.NotNil(t, b.Certificate)
	require.NotNil(t, b.PrivateKey)
	require.Len(t, b.Chain, 1)
	require.Equal(t, fx.Leaf.SerialNumber, b.Certificate.SerialNumber)
}

func TestReadCertificate_WrongPassword(t *testing.T) {
	fx := certstest.New(t, certstest.Options{})
	orig := append([]byte(nil), fx.Container...)

	for _, pw := range []string{"", "wrong", fx.Password + "x"} {
		b, err := ReadCertificate(fx.Container, pw)
		require.Nil(t, b)
		require.True(t, customserr.Is(err, customserr.KindCertificate), "password %q: %v", pw, err)
	}
	require.Equal(t, orig, fx.Container)
}

func TestReadCertificate_Corrupt(t *testing.T) {
	_, err := ReadCertificate([]byte("not a pkcs12 container"), "x")
	require.True(t, customserr.Is(err, customserr.KindCertificate))

	_, err = ReadCertificate(nil, "x")
	require.True(t, customserr.Is(err, customserr.KindCertificate))
}

func TestValidate(t *testing.T) {
	now := time.Now()

	t.Run("valid with chain", func(t *testing.T) {
		fx := certstest.New(t, certstest.Options{})
		b, err := ReadCertificate(fx.Container, fx.Password)
		require.NoError(t, err)
		rep := Validate(b, now)
		require.True(t, rep.IsValid)
		require.Empty(t, rep.Warnings)
		require.NoError(t, rep.Err())
	})

	t.Run("missing chain is only a warning", func(t *testing.T) {
		fx := certstest.New(t, certstest.Options{NoChain: true})
		b, err := ReadCertificate(fx.Container, fx.Password)
		require.NoError(t, err)
		rep := Validate(b, now)
		require.True(t, rep.IsValid)
		require.Len(t, rep.Warnings, 1)
	})

	t.Run("expired leaf is rejected", func(t *testing.T) {
		fx := certstest.New(t, certstest.Options{
			NotBefore: now.Add(-48 * time.Hour),
			NotAfter:  now.Add(-time.Hour),
		})
		b, err := ReadCertificate(fx.Container, fx.Password)
		require.NoError(t, err)
		rep := Validate(b, now)
		require.False(t, rep.IsValid)
		require.True(t, customserr.Is(rep.Err(), customserr.KindCertificate))
	})

	t.Run("expiring soon warns", func(t *testing.T) {
		fx := certstest.New(t, certstest.Options{NotAfter: now.Add(5 * 24 * time.Hour)})
		b, err := ReadCertificate(fx.Container, fx.Password)
		require.NoError(t, err)
		rep := Validate(b, now)
		require.True(t, rep.IsValid)
		require.NotEmpty(t, rep.Warnings)
	})

	t.Run("foreign chain is rejected", func(t *testing.T) {
		fx := certstest.New(t, certstest.Options{})
		other := certstest.New(t, certstest.Options{})
		b, err := ReadCertificate(fx.Container, fx.Password)
		require.NoError(t, err)
		b.Chain = []*x509.Certificate{other.CA}
		require.False(t, Validate(b, now).IsValid)
	})
}

func TestManager_Load_DirSource(t *testing.T) {
	fx := certstest.New(t, certstest.Options{})
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "42.p12"), fx.Container, 0o600))

	m := NewManager(DirSource{Dir: dir, Password: fx.Password})
	b, err := m.Load(context.Background(), models.CompanyContext{CompanyID: 42})
	require.NoError(t, err)
	require.NotNil(t, b.PrivateKey)

	_, err = m.Load(context.Background(), models.CompanyContext{CompanyID: 7})
	require.True(t, customserr.Is(err, customserr.KindCertificate))

	_, err = m.Load(context.Background(), models.CompanyContext{CompanyID: 1, CertificateRef: "../42"})
	require.Error(t, err)
}
