package tokens

import (
	"context"
	"log/slog"
	"time"

	"github.com/BearBump/CustomsBox/internal/certs"
	"github.com/BearBump/CustomsBox/internal/integrations/wsaa"
	"github.com/BearBump/CustomsBox/internal/metrics"
	"github.com/BearBump/CustomsBox/internal/models"
	"github.com/BearBump/CustomsBox/internal/wsaa/ticket"
)

type CertificateLoader interface {
	Load(ctx context.Context, company models.CompanyContext) (*certs.Bundle, error)
}

type TicketBuilder interface {
	Build(service string, window time.Duration) (ticket.Ticket, []byte, error)
}

type TicketSigner interface {
	Sign(ctx context.Context, content []byte, b *certs.Bundle) (ticket.SignResult, error)
}

type LoginClient interface {
	Login(ctx context.Context, signatureBase64, endpoint string) (wsaa.Credentials, error)
}

// WsaaAuthenticator runs certificate, ticket, signature and loginCms for one token.
type WsaaAuthenticator struct {
	certs     CertificateLoader
	tickets   TicketBuilder
	signer    TicketSigner
	login     LoginClient
	logins    map[models.Environment]LoginClient
	m         *metrics.Metrics
	window    time.Duration
	endpoints map[models.Environment]string
	now       func() time.Time
}

func NewWsaaAuthenticator(cl CertificateLoader, tb TicketBuilder, sg TicketSigner, lc LoginClient, m *metrics.Metrics) *WsaaAuthenticator {
	if m == nil {
		m = metrics.New()
	}
	return &WsaaAuthenticator{
		certs: cl, tickets: tb, signer: sg, login: lc, m: m,
		window:    ticket.DefaultWindow,
		endpoints: map[models.Environment]string{},
		logins:    map[models.Environment]LoginClient{},
		now:       time.Now,
	}
}

// WithEndpoint overrides the public WSAA endpoint of env.
func (a *WsaaAuthenticator) WithEndpoint(env models.Environment, endpoint string) *WsaaAuthenticator {
	if endpoint != "" {
		a.endpoints[env] = endpoint
	}
	return a
}

// WithLoginClient routes logins of env through lc, e.g. a client with relaxed TLS for homologation.
func (a *WsaaAuthenticator) WithLoginClient(env models.Environment, lc LoginClient) *WsaaAuthenticator {
	if lc != nil {
		a.logins[env] = lc
	}
	return a
}

func (a *WsaaAuthenticator) WithTicketWindow(window time.Duration) *WsaaAuthenticator {
	if window > 0 {
		a.window = window
	}
	return a
}

// Authenticate returns an unsaved active token. Certificate and signing failures are returned
// as they are; nothing is substituted for a missing credential.
func (a *WsaaAuthenticator) Authenticate(ctx context.Context, company models.CompanyContext, service string) (*models.AuthToken, error) {
	bundle, err := a.certs.Load(ctx, company)
	if err != nil {
		return nil, err
	}

	tk, doc, err := a.tickets.Build(service, a.window)
	if err != nil {
		return nil, err
	}

	signed, err := a.signer.Sign(ctx, doc, bundle)
	if err != nil {
		return nil, err
	}
	a.m.SigningStrategy.WithLabelValues(signed.Strategy).Inc()

	start := time.Now()
	login := a.login
	if lc, ok := a.logins[company.Environment]; ok {
		login = lc
	}
	cr, err := login.Login(ctx, signed.SignatureBase64, wsaa.EndpointFor(company.Environment, a.endpoints[company.Environment]))
	a.m.WsaaLoginDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}

	issued := cr.GeneratedAt
	if issued.IsZero() {
		issued = a.now()
	}
	slog.Info("wsaa login ok",
		"company_id", company.CompanyID, "service", service, "environment", company.Environment,
		"unique_id", tk.UniqueID, "strategy", signed.Strategy, "expires_at", cr.ExpiresAt)

	return &models.AuthToken{
		CompanyID:   company.CompanyID,
		Service:     service,
		Environment: company.Environment,
		Token:       cr.Token,
		Sign:        cr.Sign,
		IssuedAt:    issued.UTC(),
		ExpiresAt:   cr.ExpiresAt.UTC(),
		Status:      models.TokenStatusActive,
	}, nil
}
