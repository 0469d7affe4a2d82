package soapws

import (
	"context"
	"encoding/xml"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/BearBump/CustomsBox/internal/customserr"
	"github.com/BearBump/CustomsBox/internal/integrations/declaration"
	"github.com/BearBump/CustomsBox/internal/integrations/soap"
	"github.com/BearBump/CustomsBox/internal/models"
	"github.com/pkg/errors"
	"github.com/sony/gobreaker"
)

// Endpoint is one declaration operation of a customs administration.
type Endpoint struct {
	URL       string
	Operation string
	Namespace string
	Action    string
}

type BreakerSettings struct {
	MaxRequests         uint32
	Interval            time.Duration
	Timeout             time.Duration
	ConsecutiveFailures uint32
}

func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{MaxRequests: 1, Interval: time.Minute, Timeout: 30 * time.Second, ConsecutiveFailures: 5}
}

type Client struct {
	httpc     *http.Client
	endpoints map[string]Endpoint
	settings  BreakerSettings

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// EndpointKey is the lookup key of New's endpoint map, e.g. "AR/micdta".
func EndpointKey(country string, t models.WebserviceType) string {
	return strings.ToUpper(country) + "/" + string(t)
}

func New(httpc *http.Client, endpoints map[string]Endpoint) *Client {
	return &Client{
		httpc:     httpc,
		endpoints: endpoints,
		settings:  DefaultBreakerSettings(),
		breakers:  make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (c *Client) WithBreakerSettings(s BreakerSettings) *Client {
	c.settings = s
	return c
}

type authElement struct {
	Token string `xml:"Token"`
	Sign  string `xml:"Sign"`
	Cuit  string `xml:"CuitEmpresaConectada"`
}

type document struct {
	Inner []byte `xml:",innerxml"`
}

type submitRequest struct {
	XMLName   xml.Name
	Auth      authElement `xml:"argWSAutenticacionEmpresa"`
	Reference string      `xml:"argIdTransaccion"`
	Tracks    []string    `xml:"argTracks>Track,omitempty"`
	Document  document    `xml:"argDocumento"`
}

type businessError struct {
	Code    string `xml:"Codigo"`
	Message string `xml:"Descripcion"`
}

type submitResult struct {
	Identifier string          `xml:"Identificador"`
	Tracks     []string        `xml:"Tracks>Track"`
	Errors     []businessError `xml:"ListaErrores>DetalleError"`
}

type submitResponse struct {
	Result submitResult `xml:",any"`
}

// Submit sends the declaration. Only transport failures count against the endpoint's breaker.
func (c *Client) Submit(ctx context.Context, req declaration.Request) (declaration.Response, error) {
	key := EndpointKey(req.Country, req.WebserviceType)
	ep, ok := c.endpoints[key]
	if !ok {
		return declaration.Response{}, errors.Errorf("no declaration endpoint configured for %s", key)
	}
	if ep.Operation == "" {
		return declaration.Response{}, errors.Errorf("declaration endpoint %s has no operation", key)
	}

	body := submitRequest{
		XMLName:   xml.Name{Space: ep.Namespace, Local: ep.Operation},
		Auth:      authElement{Token: req.Auth.Token, Sign: req.Auth.Sign, Cuit: req.Auth.Cuit},
		Reference: req.ExternalReference,
		Tracks:    req.TrackNumbers,
		Document:  document{Inner: req.Payload},
	}

	res, err := c.breaker(key).Execute(func() (any, error) {
		var out submitResponse
		if err := soap.Call(ctx, c.httpc, ep.URL, ep.Action, body, &out); err != nil {
			return nil, err
		}
		return out.Result, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return declaration.Response{}, customserr.WrapTransportError(err, "declaration endpoint "+key)
	}
	if err != nil {
		return declaration.Response{}, err
	}

	r := res.(submitResult)
	out := declaration.Response{
		ConfirmationNumber: strings.TrimSpace(r.Identifier),
		TrackNumbers:       trimAll(r.Tracks),
	}
	for _, e := range r.Errors {
		out.Errors = append(out.Errors, declaration.BusinessError{Code: strings.TrimSpace(e.Code), Message: strings.TrimSpace(e.Message)})
	}
	if !out.Rejected() && out.ConfirmationNumber == "" {
		return declaration.Response{}, customserr.NewProtocolError(fmt.Sprintf("%s response without identifier or errors", ep.Operation))
	}
	return out, nil
}

func (c *Client) breaker(key string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cb, ok := c.breakers[key]; ok {
		return cb
	}
	threshold := c.settings.ConsecutiveFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        key,
		MaxRequests: c.settings.MaxRequests,
		Interval:    c.settings.Interval,
		Timeout:     c.settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !customserr.Is(err, customserr.KindTransport)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("declaration breaker state changed", "endpoint", name, "from", from.String(), "to", to.String())
		},
	})
	c.breakers[key] = cb
	return cb
}

// BreakerStates reports the state of every breaker created so far.
func (c *Client) BreakerStates() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.breakers))
	for k, cb := range c.breakers {
		out[k] = cb.State().String()
	}
	return out
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
