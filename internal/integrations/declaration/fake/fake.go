package fake

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"

	"github.com/BearBump/CustomsBox/internal/integrations/declaration"
)

// Client accepts every declaration with identifiers derived from the external reference,
// so reruns against the same transaction return the same confirmation and tracks.
// A payload containing RejectMarker is rejected the way a remote business validation would.
type Client struct {
	mu    sync.Mutex
	calls []declaration.Request
}

const RejectMarker = "<!-- reject -->"

func New() *Client { return &Client{} }

func (c *Client) Submit(ctx context.Context, req declaration.Request) (declaration.Response, error) {
	if err := ctx.Err(); err != nil {
		return declaration.Response{}, err
	}
	c.mu.Lock()
	c.calls = append(c.calls, req)
	c.mu.Unlock()

	if strings.Contains(string(req.Payload), RejectMarker) {
		return declaration.Response{Errors: []declaration.BusinessError{{Code: "FAKE-001", Message: "rejected by fake customs"}}}, nil
	}

	h := fnv.New32a()
	_, _ = h.Write([]byte(req.Country))
	_, _ = h.Write([]byte("|"))
	_, _ = h.Write([]byte(req.ExternalReference))
	v := h.Sum32()

	res := declaration.Response{
		ConfirmationNumber: fmt.Sprintf("%s%s%08X", strings.ToUpper(req.Country), strings.ToUpper(string(req.WebserviceType)), v),
	}
	if req.WebserviceType.IssuesTracks() {
		res.TrackNumbers = []string{fmt.Sprintf("TRK%08X1", v), fmt.Sprintf("TRK%08X2", v)}
	}
	return res, nil
}

// Calls returns a copy of every request received.
func (c *Client) Calls() []declaration.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]declaration.Request, len(c.calls))
	copy(out, c.calls)
	return out
}
