package wsaa

import (
	"context"
	"encoding/xml"
	"net/http"
	"strings"
	"time"

	"github.com/BearBump/CustomsBox/internal/customserr"
	"github.com/BearBump/CustomsBox/internal/integrations/soap"
	"github.com/BearBump/CustomsBox/internal/models"
)

const (
	HomologationEndpoint = "https://wsaahomo.afip.gov.ar/ws/services/LoginCms"
	ProductionEndpoint   = "https://wsaa.afip.gov.ar/ws/services/LoginCms"

	loginNS = "http://wsaa.view.sua.dvadac.desein.afip.gov"

	DefaultTimeout = 25 * time.Second
)

// EndpointFor returns the configured override or the public endpoint of env.
func EndpointFor(env models.Environment, override string) string {
	if override != "" {
		return override
	}
	if env == models.EnvironmentProduction {
		return ProductionEndpoint
	}
	return HomologationEndpoint
}

type Credentials struct {
	Token       string
	Sign        string
	GeneratedAt time.Time
	ExpiresAt   time.Time
	Source      string
	Destination string
}

type Client struct {
	httpc *http.Client
}

// New builds a client; peer verification is relaxed only when env is not production.
func New(env models.Environment, timeout time.Duration, relaxTLS bool) *Client {
	insecure := relaxTLS && env != models.EnvironmentProduction
	return &Client{httpc: soap.NewHTTPClient(timeout, insecure)}
}

func NewWithHTTPClient(httpc *http.Client) *Client {
	return &Client{httpc: httpc}
}

type loginCms struct {
	XMLName xml.Name `xml:"wsaa:loginCms"`
	NS      string   `xml:"xmlns:wsaa,attr"`
	In0     string   `xml:"wsaa:in0"`
}

type loginCmsResponse struct {
	Return string `xml:"loginCmsReturn"`
}

type loginTicketResponse struct {
	Header struct {
		Source         string `xml:"source"`
		Destination    string `xml:"destination"`
		GenerationTime string `xml:"generationTime"`
		ExpirationTime string `xml:"expirationTime"`
	} `xml:"header"`
	Credentials struct {
		Token string `xml:"token"`
		Sign  string `xml:"sign"`
	} `xml:"credentials"`
}

// Login exchanges a signed login ticket for credentials. It never returns credentials
// together with an error.
func (c *Client) Login(ctx context.Context, signatureBase64, endpoint string) (Credentials, error) {
	if signatureBase64 == "" {
		return Credentials{}, customserr.NewProtocolError("empty signature")
	}

	var resp loginCmsResponse
	err := soap.Call(ctx, c.httpc, endpoint, "", loginCms{NS: loginNS, In0: signatureBase64}, &resp)
	if err != nil {
		return Credentials{}, err
	}
	return parseTicketResponse(resp.Return)
}

func parseTicketResponse(doc string) (Credentials, error) {
	doc = strings.TrimSpace(doc)
	if doc == "" {
		return Credentials{}, customserr.NewProtocolError("empty loginCmsReturn")
	}

	var tr loginTicketResponse
	if err := xml.Unmarshal([]byte(doc), &tr); err != nil {
		return Credentials{}, customserr.WrapProtocolError(err, "malformed login ticket response")
	}

	cr := Credentials{
		Token:       strings.TrimSpace(tr.Credentials.Token),
		Sign:        strings.TrimSpace(tr.Credentials.Sign),
		Source:      tr.Header.Source,
		Destination: tr.Header.Destination,
	}
	if cr.Token == "" || cr.Sign == "" {
		return Credentials{}, customserr.NewProtocolError("login ticket response without token or sign")
	}

	exp, err := time.Parse(time.RFC3339, strings.TrimSpace(tr.Header.ExpirationTime))
	if err != nil {
		return Credentials{}, customserr.WrapProtocolError(err, "invalid expirationTime")
	}
	cr.ExpiresAt = exp
	if gen, err := time.Parse(time.RFC3339, strings.TrimSpace(tr.Header.GenerationTime)); err == nil {
		cr.GeneratedAt = gen
	}
	return cr, nil
}
