// Package httpapi exposes the customs core over JSON/HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/BearBump/CustomsBox/internal/customserr"
	"github.com/BearBump/CustomsBox/internal/metrics"
	"github.com/BearBump/CustomsBox/internal/models"
	"github.com/BearBump/CustomsBox/internal/services/declarations"
	"github.com/BearBump/CustomsBox/internal/services/tokens"
	"github.com/BearBump/CustomsBox/internal/services/tracks"
	"github.com/BearBump/CustomsBox/internal/services/voyagestatus"
	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	httpSwagger "github.com/swaggo/http-swagger"
)

type TokenService interface {
	PurgeStale(ctx context.Context, p tokens.PurgePolicy) (tokens.PurgeReport, error)
	Invalidate(ctx context.Context, key models.TokenKey) error
}

type TransactionService interface {
	Get(ctx context.Context, id uint64) (*models.Transaction, error)
	Cancel(ctx context.Context, id uint64, reason string) (*models.Transaction, error)
	Stats(ctx context.Context, f models.TransactionStatsFilter) (models.TransactionStats, error)
}

type DeclarationService interface {
	Submit(ctx context.Context, in declarations.SubmitInput) (*declarations.SubmitResult, error)
	RetryNow(ctx context.Context, id uint64) (*declarations.SubmitResult, error)
}

type TrackService interface {
	Status(ctx context.Context, trackNumber string) (tracks.TrackStatusView, error)
	ListExpired(ctx context.Context, now time.Time, limit int) ([]tracks.TrackStatusView, error)
}

type VoyageService interface {
	EnsureForVoyage(ctx context.Context, voyageID uint64, caps []models.Capability, countries []string) ([]*models.VoyageWebserviceStatus, error)
	Summary(ctx context.Context, voyageID uint64) ([]*models.VoyageWebserviceStatus, error)
	Pending(ctx context.Context, voyageID uint64) ([]*models.VoyageWebserviceStatus, error)
	Backfill(ctx context.Context, opts voyagestatus.BackfillOptions) (voyagestatus.BackfillReport, error)
}

type CompanyResolver interface {
	Company(ctx context.Context, companyID uint64) (models.CompanyContext, error)
}

type Services struct {
	Tokens       TokenService
	Transactions TransactionService
	Declarations DeclarationService
	Tracks       TrackService
	Voyages      VoyageService
	Companies    CompanyResolver
}

type API struct {
	svc         Services
	m           *metrics.Metrics
	swaggerPath string
	now         func() time.Time
}

func New(svc Services, m *metrics.Metrics) *API {
	if m == nil {
		m = metrics.New()
	}
	return &API{svc: svc, m: m, now: time.Now}
}

// WithSwagger serves the document at path under /swagger.json and /docs/.
func (a *API) WithSwagger(path string) *API {
	a.swaggerPath = path
	return a
}

func (a *API) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(a.m.Instrument(routePattern))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", a.m.Handler())

	if a.swaggerPath != "" {
		r.Get("/swagger.json", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Cache-Control", "no-store")
			http.ServeFile(w, r, a.swaggerPath)
		})
		r.Get("/docs/*", httpSwagger.Handler(httpSwagger.URL("/swagger.json")))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/tokens/purge", a.purgeTokens)
		r.Delete("/tokens/{companyID}/{service}", a.invalidateToken)

		r.Post("/declarations", a.submitDeclaration)

		r.Get("/transactions/stats", a.transactionStats)
		r.Get("/transactions/{id}", a.getTransaction)
		r.Post("/transactions/{id}/retry", a.retryTransaction)
		r.Post("/transactions/{id}/cancel", a.cancelTransaction)

		r.Get("/tracks/expired", a.expiredTracks)
		r.Get("/tracks/{number}", a.trackStatus)

		r.Get("/voyages/{id}/statuses", a.voyageSummary)
		r.Get("/voyages/{id}/statuses/pending", a.voyagePending)
		r.Post("/voyages/{id}/statuses", a.ensureVoyage)
		r.Post("/voyage-statuses/backfill", a.backfill)
	})
	return r
}

func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

type errorBody struct {
	Kind        string   `json:"kind,omitempty"`
	Error       string   `json:"error"`
	FaultCode   string   `json:"fault_code,omitempty"`
	FaultString string   `json:"fault_string,omitempty"`
	Subjects    []string `json:"subjects,omitempty"`
}

// statusOf maps the error taxonomy onto HTTP codes.
func statusOf(err error) int {
	if errors.Is(err, models.ErrNotFound) {
		return http.StatusNotFound
	}
	switch customserr.KindOf(err) {
	case customserr.KindState:
		return http.StatusConflict
	case customserr.KindCertificate, customserr.KindSigning:
		return http.StatusUnprocessableEntity
	case customserr.KindTransport, customserr.KindProtocol:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusOf(err)
	body := errorBody{Kind: string(customserr.KindOf(err)), Error: err.Error()}
	var ce *customserr.Error
	if errors.As(err, &ce) {
		body.FaultCode = ce.FaultCode()
		body.FaultString = ce.FaultString()
		body.Subjects = ce.Subjects()
	}
	if code >= http.StatusInternalServerError {
		slog.Error("request failed", "path", r.URL.Path, "error", err.Error())
	}
	writeJSON(w, code, body)
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func idParam(r *http.Request, name string) (uint64, bool) {
	v, err := parseUint(chi.URLParam(r, name))
	return v, err == nil && v > 0
}

func parseUint(s string) (uint64, error) { return strconv.ParseUint(s, 10, 64) }

func queryInt(r *http.Request, name string, def int) int {
	if v, err := strconv.Atoi(r.URL.Query().Get(name)); err == nil {
		return v
	}
	return def
}

func queryBool(r *http.Request, name string) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get(name))
	return v
}
