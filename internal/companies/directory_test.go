package companies

import (
	"context"
	"testing"

	"github.com/BearBump/CustomsBox/internal/models"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestDirectory_Company(t *testing.T) {
	d := NewDirectory([]models.CompanyContext{{CompanyID: 7, Cuit: "20123456789"}})

	c, err := d.Company(context.Background(), 7)
	require.NoError(t, err)
	require.Equal(t, "20123456789", c.Cuit)

	_, err = d.Company(context.Background(), 8)
	require.True(t, errors.Is(err, models.ErrNotFound))
	require.Len(t, d.All(), 1)
}
