package certs

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/BearBump/CustomsBox/internal/customserr"
	"github.com/BearBump/CustomsBox/internal/models"
	"github.com/pkg/errors"
)

// Source returns the encrypted container and its password for a company.
// Upload and storage of containers belong to a collaborator.
type Source interface {
	Fetch(ctx context.Context, company models.CompanyContext) (container []byte, password string, err error)
}

type Manager struct {
	src Source
	now func() time.Time
}

func NewManager(src Source) *Manager {
	return &Manager{src: src, now: time.Now}
}

// Load fetches, decrypts and validates the company bundle.
func (m *Manager) Load(ctx context.Context, company models.CompanyContext) (*Bundle, error) {
	container, password, err := m.src.Fetch(ctx, company)
	if err != nil {
		return nil, customserr.WrapCertificateError(err, fmt.Sprintf("fetch certificate for company %d", company.CompanyID))
	}

	b, err := ReadCertificate(container, password)
	if err != nil {
		return nil, err
	}

	rep := Validate(b, m.now())
	for _, w := range rep.Warnings {
		slog.Warn("certificate finding", "company_id", company.CompanyID, "finding", w)
	}
	if err := rep.Err(); err != nil {
		return nil, err
	}
	return b, nil
}

// DirSource reads <dir>/<ref>.p12, where ref is the company CertificateRef or, when empty,
// the company id. Every company shares one password unless Passwords overrides it.
type DirSource struct {
	Dir       string
	Password  string
	Passwords map[uint64]string
}

func (s DirSource) Fetch(_ context.Context, company models.CompanyContext) ([]byte, string, error) {
	ref := company.CertificateRef
	if ref == "" {
		ref = fmt.Sprintf("%d", company.CompanyID)
	}
	if filepath.Base(ref) != ref {
		return nil, "", fmt.Errorf("invalid certificate reference %q", ref)
	}

	root, err := os.OpenRoot(s.Dir)
	if err != nil {
		return nil, "", errors.Wrap(err, "open certificate dir")
	}
	defer root.Close()

	data, err := root.ReadFile(ref + ".p12")
	if err != nil {
		return nil, "", errors.Wrap(err, "read certificate container")
	}

	pw := s.Password
	if p, ok := s.Passwords[company.CompanyID]; ok {
		pw = p
	}
	return data, pw, nil
}
