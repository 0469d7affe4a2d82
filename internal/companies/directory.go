package companies

import (
	"context"

	"github.com/BearBump/CustomsBox/internal/models"
	"github.com/pkg/errors"
)

// Directory resolves company contexts from a fixed list; company administration lives elsewhere.
type Directory struct {
	byID map[uint64]models.CompanyContext
}

func NewDirectory(list []models.CompanyContext) *Directory {
	d := &Directory{byID: make(map[uint64]models.CompanyContext, len(list))}
	for _, c := range list {
		d.byID[c.CompanyID] = c
	}
	return d
}

func (d *Directory) Company(_ context.Context, companyID uint64) (models.CompanyContext, error) {
	c, ok := d.byID[companyID]
	if !ok {
		return models.CompanyContext{}, errors.Wrapf(models.ErrNotFound, "company %d", companyID)
	}
	return c, nil
}

func (d *Directory) All() []models.CompanyContext {
	out := make([]models.CompanyContext, 0, len(d.byID))
	for _, c := range d.byID {
		out = append(out, c)
	}
	return out
}
