package certs

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"fmt"
	"log/slog"
	"time"

	"github.com/BearBump/CustomsBox/internal/customserr"
	"github.com/pkg/errors"
	"software.sslmate.com/src/go-pkcs12"
)

// ExpiryWarningWindow is how close to NotAfter a leaf is reported as expiring soon.
const ExpiryWarningWindow = 30 * 24 * time.Hour

// Bundle is the decrypted content of a company certificate container.
// It only lives for the duration of a signing operation and is never persisted.
type Bundle struct {
	Certificate *x509.Certificate
	PrivateKey  crypto.Signer
	Chain       []*x509.Certificate
	password    string
}

// Password returns the password the bundle was opened with, for strategies that
// re-export the key to an external tool.
func (b *Bundle) Password() string { return b.password }

// ReadCertificate decodes a PKCS#12 container. Every failure is a CertificateError.
func ReadCertificate(container []byte, password string) (*Bundle, error) {
	if len(container) == 0 {
		return nil, customserr.NewCertificateError("empty certificate container")
	}

	key, leaf, chain, err := pkcs12.DecodeChain(container, password)
	if err != nil {
		if errors.Is(err, pkcs12.ErrIncorrectPassword) {
			return nil, customserr.WrapCertificateError(err, "incorrect certificate password")
		}
		return nil, customserr.WrapCertificateError(err, "unreadable certificate container")
	}
	if leaf == nil {
		return nil, customserr.NewCertificateError("certificate container holds no certificate")
	}
	if key == nil {
		return nil, customserr.NewCertificateError("certificate container holds no private key")
	}

	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, customserr.NewCertificateError(fmt.Sprintf("unsupported private key type %T", key))
	}
	if err := keyMatchesCertificate(signer, leaf); err != nil {
		return nil, err
	}

	return &Bundle{
		Certificate: leaf,
		PrivateKey:  signer,
		Chain:       chain,
		password:    password,
	}, nil
}

func keyMatchesCertificate(key crypto.Signer, cert *x509.Certificate) error {
	type equaler interface {
		Equal(x crypto.PublicKey) bool
	}
	pub, ok := key.Public().(equaler)
	if !ok {
		return customserr.NewCertificateError(fmt.Sprintf("unsupported public key type %T", key.Public()))
	}
	switch cert.PublicKey.(type) {
	case *rsa.PublicKey, *ecdsa.PublicKey, ed25519.PublicKey:
	default:
		return customserr.NewCertificateError(fmt.Sprintf("unsupported certificate key type %T", cert.PublicKey))
	}
	if !pub.Equal(cert.PublicKey) {
		return customserr.NewCertificateError("private key does not match certificate")
	}
	return nil
}

type ValidationReport struct {
	IsValid  bool
	Errors   []string
	Warnings []string
	NotAfter time.Time
	Subject  string
}

// Validate checks the leaf validity window and the chain. A missing chain is only a warning;
// an expired leaf or a chain that does not link to the leaf is an error.
func Validate(b *Bundle, now time.Time) ValidationReport {
	r := ValidationReport{}
	if b == nil || b.Certificate == nil {
		r.Errors = append(r.Errors, "no certificate")
		return r
	}
	leaf := b.Certificate
	r.NotAfter = leaf.NotAfter
	r.Subject = leaf.Subject.String()

	switch {
	case now.After(leaf.NotAfter):
		r.Errors = append(r.Errors, fmt.Sprintf("certificate expired at %s", leaf.NotAfter.UTC().Format(time.RFC3339)))
	case now.Before(leaf.NotBefore):
		r.Errors = append(r.Errors, fmt.Sprintf("certificate not valid before %s", leaf.NotBefore.UTC().Format(time.RFC3339)))
	case leaf.NotAfter.Sub(now) < ExpiryWarningWindow:
		r.Warnings = append(r.Warnings, fmt.Sprintf("certificate expires at %s", leaf.NotAfter.UTC().Format(time.RFC3339)))
	}

	if len(b.Chain) == 0 {
		r.Warnings = append(r.Warnings, "no intermediate chain in container")
		slog.Warn("certificate without chain", "subject", r.Subject)
	} else if !signedByChain(leaf, b.Chain) {
		r.Errors = append(r.Errors, "no chain certificate signs the leaf certificate")
	}

	r.IsValid = len(r.Errors) == 0
	return r
}

// Err turns an invalid report into a CertificateError.
func (r ValidationReport) Err() error {
	if r.IsValid {
		return nil
	}
	msg := "invalid certificate"
	for _, e := range r.Errors {
		msg += "; " + e
	}
	return customserr.NewCertificateError(msg)
}

func signedByChain(leaf *x509.Certificate, chain []*x509.Certificate) bool {
	for _, c := range chain {
		if leaf.CheckSignatureFrom(c) == nil {
			return true
		}
	}
	return false
}
