package fake

import (
	"context"
	"testing"

	"github.com/BearBump/CustomsBox/internal/integrations/declaration"
	"github.com/BearBump/CustomsBox/internal/models"
	"github.com/stretchr/testify/require"
)

func TestClient_Submit(t *testing.T) {
	c := New()
	req := declaration.Request{Country: "AR", WebserviceType: models.WebserviceAnticipada, ExternalReference: "r1"}

	res, err := c.Submit(context.Background(), req)
	require.NoError(t, err)
	require.NotEmpty(t, res.ConfirmationNumber)
	require.Len(t, res.TrackNumbers, 2)

	again, err := c.Submit(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, res, again)

	req.WebserviceType = models.WebserviceMicDta
	res, err = c.Submit(context.Background(), req)
	require.NoError(t, err)
	require.Empty(t, res.TrackNumbers)

	req.Payload = []byte("<MicDta>" + RejectMarker + "</MicDta>")
	res, err = c.Submit(context.Background(), req)
	require.NoError(t, err)
	require.True(t, res.Rejected())
	require.Len(t, c.Calls(), 4)
}
