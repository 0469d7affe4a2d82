package ticket

import (
	"context"
	"encoding/base64"
	"encoding/xml"
	"strings"
	"testing"
	"time"

	"github.com/BearBump/CustomsBox/internal/certs"
	"github.com/BearBump/CustomsBox/internal/certs/certstest"
	"github.com/BearBump/CustomsBox/internal/customserr"
	"github.com/pkg/errors"
	"github.com/smallstep/pkcs7"
	"github.com/stretchr/testify/require"
)

func TestBuildTicket_Window(t *testing.T) {
	tk, doc, err := BuildTicket("wgesregsintia2", 10*time.Minute)
	require.NoError(t, err)

	gen, err := tk.Generated()
	require.NoError(t, err)
	exp, err := tk.Expires()
	require.NoError(t, err)
	require.Equal(t, 20*time.Minute, exp.Sub(gen))

	var parsed Ticket
	require.NoError(t, xml.Unmarshal(doc, &parsed))
	require.Equal(t, "1.0", parsed.Version)
	require.Equal(t, "wgesregsintia2", parsed.Service)
	require.Equal(t, tk.UniqueID, parsed.UniqueID)
	require.True(t, strings.HasPrefix(string(doc), "<?xml"))
}

func TestBuildTicket_DefaultWindowAndValidation(t *testing.T) {
	tk, _, err := BuildTicket("wsmicdta", 0)
	require.NoError(t, err)
	gen, _ := tk.Generated()
	exp, _ := tk.Expires()
	require.Equal(t, 2*DefaultWindow, exp.Sub(gen))

	_, _, err = BuildTicket("", time.Minute)
	require.Error(t, err)
}

func TestBuildTicket_UniqueIDs(t *testing.T) {
	fixed := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	b := NewBuilder(time.FixedZone("ART", -3*3600))
	b.now = func() time.Time { return fixed }

	seen := map[uint32]bool{}
	for i := 0; i < 50; i++ {
		tk, _, err := b.Build("wsmicdta", time.Minute)
		require.NoError(t, err)
		require.False(t, seen[tk.UniqueID], "duplicate uniqueId %d", tk.UniqueID)
		seen[tk.UniqueID] = true
		require.True(t, strings.HasSuffix(tk.GenerationTime, "-03:00"))
	}
}

func loadBundle(t *testing.T, opts certstest.Options) *certs.Bundle {
	fx := certstest.New(t, opts)
	b, err := certs.ReadCertificate(fx.Container, fx.Password)
	require.NoError(t, err)
	return b
}

func TestSigner_LibraryProducesDetachedDER(t *testing.T) {
	b := loadBundle(t, certstest.Options{})
	_, doc, err := BuildTicket("wsmicdta", time.Minute)
	require.NoError(t, err)

	res, err := NewSigner(LibraryStrategy()).Sign(context.Background(), doc, b)
	require.NoError(t, err)
	require.Equal(t, "library", res.Strategy)
	require.NotContains(t, res.SignatureBase64, "MIME")

	der, err := base64.StdEncoding.DecodeString(res.SignatureBase64)
	require.NoError(t, err)
	p7, err := pkcs7.Parse(der)
	require.NoError(t, err)
	require.Empty(t, p7.Content, "signature must be detached")
	require.Len(t, p7.Certificates, 2, "leaf and chain certificates are embedded")

	p7.Content = doc
	require.NoError(t, p7.Verify())
}

func TestSigner_FallsBackInOrder(t *testing.T) {
	b := loadBundle(t, certstest.Options{NoChain: true})
	lib := LibraryStrategy()

	var calls []string
	failing := Strategy{Name: "broken", Sign: func(context.Context, []byte, *certs.Bundle) ([]byte, error) {
		calls = append(calls, "broken")
		return nil, errors.New("boom")
	}}
	mime := Strategy{Name: "smime-envelope", Sign: func(context.Context, []byte, *certs.Bundle) ([]byte, error) {
		calls = append(calls, "smime-envelope")
		return []byte("MIME-Version: 1.0\nContent-Type: application/x-pkcs7-signature\n\nMIIB"), nil
	}}
	good := Strategy{Name: "second-library", Sign: func(ctx context.Context, c []byte, bb *certs.Bundle) ([]byte, error) {
		calls = append(calls, "second-library")
		return lib.Sign(ctx, c, bb)
	}}

	res, err := NewSigner(failing, mime, good).Sign(context.Background(), []byte("<x/>"), b)
	require.NoError(t, err)
	require.Equal(t, "second-library", res.Strategy)
	require.Equal(t, []string{"broken", "smime-envelope", "second-library"}, calls)
}

func TestSigner_AllFail(t *testing.T) {
	b := loadBundle(t, certstest.Options{})
	run := func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return nil, errors.New("executable file not found in $PATH")
	}
	failLib := Strategy{Name: "library", Sign: func(context.Context, []byte, *certs.Bundle) ([]byte, error) {
		return nil, errors.New("unsupported key")
	}}
	strategies := append([]Strategy{failLib}, DefaultStrategies(run)[1:]...)

	res, err := NewSigner(strategies...).Sign(context.Background(), []byte("<x/>"), b)
	require.Empty(t, res.SignatureBase64)
	require.True(t, customserr.Is(err, customserr.KindSigning))

	var ce *customserr.Error
	require.ErrorAs(t, err, &ce)
	require.Len(t, ce.Failures(), 3)
	require.Contains(t, err.Error(), "openssl-smime-legacy")
}

func TestOpenSSLStrategy_PassesFiles(t *testing.T) {
	b := loadBundle(t, certstest.Options{})
	lib := LibraryStrategy()

	var gotArgs []string
	run := func(ctx context.Context, name string, args ...string) ([]byte, error) {
		require.Equal(t, "openssl", name)
		gotArgs = args
		return lib.Sign(ctx, []byte("<x/>"), b)
	}

	res, err := NewSigner(DefaultStrategies(run)[1]).Sign(context.Background(), []byte("<x/>"), b)
	require.NoError(t, err)
	require.Equal(t, "openssl-cms", res.Strategy)
	require.Contains(t, gotArgs, "-signer")
	require.Contains(t, gotArgs, "-inkey")
	require.Contains(t, gotArgs, "-certfile")
	require.Equal(t, "cms", gotArgs[0])
}

func TestSigner_NoBundle(t *testing.T) {
	_, err := NewSigner(LibraryStrategy()).Sign(context.Background(), []byte("<x/>"), nil)
	require.True(t, customserr.Is(err, customserr.KindSigning))
}

func TestSelectStrategies(t *testing.T) {
	all, err := SelectStrategies(nil, ExecRunner)
	require.NoError(t, err)
	require.Len(t, all, 3)

	picked, err := SelectStrategies([]string{"openssl-cms", "library"}, ExecRunner)
	require.NoError(t, err)
	require.Equal(t, "openssl-cms", picked[0].Name)
	require.Equal(t, "library", picked[1].Name)

	_, err = SelectStrategies([]string{"pkcs11"}, ExecRunner)
	require.Error(t, err)
}
