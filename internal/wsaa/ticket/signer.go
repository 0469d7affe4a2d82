package ticket

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/BearBump/CustomsBox/internal/certs"
	"github.com/BearBump/CustomsBox/internal/customserr"
	"github.com/pkg/errors"
	"github.com/smallstep/pkcs7"
)

// Strategy produces a detached DER CMS signature over content.
type Strategy struct {
	Name string
	Sign func(ctx context.Context, content []byte, b *certs.Bundle) ([]byte, error)
}

type SignResult struct {
	SignatureBase64 string
	Strategy        string
}

type Signer struct {
	strategies []Strategy
}

// NewSigner tries strategies in order. With none given it uses DefaultStrategies.
func NewSigner(strategies ...Strategy) *Signer {
	if len(strategies) == 0 {
		strategies = DefaultStrategies(ExecRunner)
	}
	return &Signer{strategies: strategies}
}

func DefaultStrategies(run CommandRunner) []Strategy {
	return []Strategy{
		LibraryStrategy(),
		OpenSSLStrategy("openssl-cms", run, "cms", "-sign", "-binary", "-outform", "DER", "-md", "sha256"),
		OpenSSLStrategy("openssl-smime-legacy", run, "smime", "-sign", "-binary", "-outform", "DER", "-md", "sha256", "-noattr"),
	}
}

// SelectStrategies picks default strategies by name, keeping the given order. No names means all of them.
func SelectStrategies(names []string, run CommandRunner) ([]Strategy, error) {
	all := DefaultStrategies(run)
	if len(names) == 0 {
		return all, nil
	}
	byName := make(map[string]Strategy, len(all))
	for _, st := range all {
		byName[st.Name] = st
	}
	out := make([]Strategy, 0, len(names))
	for _, n := range names {
		st, ok := byName[n]
		if !ok {
			return nil, errors.Errorf("unknown signing strategy %q", n)
		}
		out = append(out, st)
	}
	return out, nil
}

// Sign returns the base64 of the first strategy output that parses as a DER SignedData.
// When every strategy fails the SigningError lists each failure.
func (s *Signer) Sign(ctx context.Context, content []byte, b *certs.Bundle) (SignResult, error) {
	if b == nil || b.Certificate == nil || b.PrivateKey == nil {
		return SignResult{}, customserr.NewSigningError("no certificate bundle to sign with", nil)
	}

	var failures []error
	for _, st := range s.strategies {
		der, err := st.Sign(ctx, content, b)
		if err == nil {
			err = checkDER(der)
		}
		if err != nil {
			slog.Warn("signing strategy failed", "strategy", st.Name, "error", err.Error())
			failures = append(failures, fmt.Errorf("%s: %w", st.Name, err))
			continue
		}
		slog.Debug("login ticket signed", "strategy", st.Name)
		return SignResult{
			SignatureBase64: base64.StdEncoding.EncodeToString(der),
			Strategy:        st.Name,
		}, nil
	}
	return SignResult{}, customserr.NewSigningError("all signing strategies failed", failures)
}

func checkDER(der []byte) error {
	if len(der) == 0 {
		return errors.New("empty signature")
	}
	if _, err := pkcs7.Parse(der); err != nil {
		return errors.Wrap(err, "output is not a DER signed-data")
	}
	return nil
}

func LibraryStrategy() Strategy {
	return Strategy{
		Name: "library",
		Sign: func(_ context.Context, content []byte, b *certs.Bundle) ([]byte, error) {
			sd, err := pkcs7.NewSignedData(content)
			if err != nil {
				return nil, errors.Wrap(err, "new signed data")
			}
			sd.SetDigestAlgorithm(pkcs7.OIDDigestAlgorithmSHA256)
			if err := sd.AddSignerChain(b.Certificate, b.PrivateKey, b.Chain, pkcs7.SignerInfoConfig{}); err != nil {
				return nil, errors.Wrap(err, "add signer")
			}
			sd.Detach()
			der, err := sd.Finish()
			if err != nil {
				return nil, errors.Wrap(err, "finish signed data")
			}
			return der, nil
		},
	}
}

// CommandRunner runs an external program and returns its stdout.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, errors.Wrapf(err, "%s: %s", name, bytes.TrimSpace(stderr.Bytes()))
	}
	return out, nil
}

// OpenSSLStrategy signs with the openssl binary. The key is written unencrypted to a private
// temp dir that is removed before returning.
func OpenSSLStrategy(name string, run CommandRunner, args ...string) Strategy {
	return Strategy{
		Name: name,
		Sign: func(ctx context.Context, content []byte, b *certs.Bundle) ([]byte, error) {
			dir, err := os.MkdirTemp("", "tra-*")
			if err != nil {
				return nil, errors.Wrap(err, "temp dir")
			}
			defer os.RemoveAll(dir)

			files, err := writeSigningFiles(dir, content, b)
			if err != nil {
				return nil, err
			}

			full := append([]string{}, args...)
			full = append(full, "-in", files.content, "-signer", files.cert, "-inkey", files.key)
			if files.chain != "" {
				full = append(full, "-certfile", files.chain)
			}
			return run(ctx, "openssl", full...)
		},
	}
}

type signingFiles struct {
	content, cert, key, chain string
}

func writeSigningFiles(dir string, content []byte, b *certs.Bundle) (signingFiles, error) {
	f := signingFiles{
		content: filepath.Join(dir, "tra.xml"),
		cert:    filepath.Join(dir, "cert.pem"),
		key:     filepath.Join(dir, "key.pem"),
	}
	if err := os.WriteFile(f.content, content, 0o600); err != nil {
		return f, errors.Wrap(err, "write ticket")
	}
	if err := os.WriteFile(f.cert, pemCert(b.Certificate), 0o600); err != nil {
		return f, errors.Wrap(err, "write certificate")
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(b.PrivateKey)
	if err != nil {
		return f, errors.Wrap(err, "marshal key")
	}
	if err := os.WriteFile(f.key, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}), 0o600); err != nil {
		return f, errors.Wrap(err, "write key")
	}
	if len(b.Chain) > 0 {
		var chain []byte
		for _, c := range b.Chain {
			chain = append(chain, pemCert(c)...)
		}
		f.chain = filepath.Join(dir, "chain.pem")
		if err := os.WriteFile(f.chain, chain, 0o600); err != nil {
			return f, errors.Wrap(err, "write chain")
		}
	}
	return f, nil
}

func pemCert(c *x509.Certificate) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: c.Raw})
}
