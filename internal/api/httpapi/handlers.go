package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/BearBump/CustomsBox/internal/models"
	"github.com/BearBump/CustomsBox/internal/services/declarations"
	"github.com/BearBump/CustomsBox/internal/services/tokens"
	"github.com/BearBump/CustomsBox/internal/services/voyagestatus"
	"github.com/go-chi/chi/v5"
)

type transactionView struct {
	ID                 uint64     `json:"id"`
	CompanyID          uint64     `json:"company_id"`
	SubjectKind        string     `json:"subject_kind"`
	SubjectID          uint64     `json:"subject_id"`
	WebserviceType     string     `json:"webservice_type"`
	Country            string     `json:"country"`
	Environment        string     `json:"environment"`
	Status             string     `json:"status"`
	RetryCount         int32      `json:"retry_count"`
	MaxRetries         int32      `json:"max_retries"`
	ConfirmationNumber *string    `json:"confirmation_number,omitempty"`
	ExternalReference  string     `json:"external_reference"`
	SentAt             *time.Time `json:"sent_at,omitempty"`
	ResponseAt         *time.Time `json:"response_at,omitempty"`
	NextAttemptAt      *time.Time `json:"next_attempt_at,omitempty"`
	ErrorCode          *string    `json:"error_code,omitempty"`
	ErrorMessage       *string    `json:"error_message,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

func toTransactionView(t *models.Transaction) transactionView {
	return transactionView{
		ID:                 t.ID,
		CompanyID:          t.CompanyID,
		SubjectKind:        string(t.SubjectKind),
		SubjectID:          t.SubjectID,
		WebserviceType:     string(t.WebserviceType),
		Country:            t.Country,
		Environment:        string(t.Environment),
		Status:             string(t.Status),
		RetryCount:         t.RetryCount,
		MaxRetries:         t.MaxRetries,
		ConfirmationNumber: t.ConfirmationNumber,
		ExternalReference:  t.ExternalReference,
		SentAt:             t.SentAt,
		ResponseAt:         t.ResponseAt,
		NextAttemptAt:      t.NextAttemptAt,
		ErrorCode:          t.ErrorCode,
		ErrorMessage:       t.ErrorMessage,
		CreatedAt:          t.CreatedAt,
		UpdatedAt:          t.UpdatedAt,
	}
}

type submitResultView struct {
	Transaction transactionView `json:"transaction"`
	Tracks      []string        `json:"tracks,omitempty"`
}

func toSubmitResultView(res *declarations.SubmitResult) submitResultView {
	out := submitResultView{Transaction: toTransactionView(res.Transaction)}
	for _, t := range res.Tracks {
		out.Tracks = append(out.Tracks, t.TrackNumber)
	}
	return out
}

type voyageStatusView struct {
	Country            string     `json:"country"`
	WebserviceType     string     `json:"webservice_type"`
	Status             string     `json:"status"`
	CanSend            bool       `json:"can_send"`
	IsRequired         bool       `json:"is_required"`
	RetryCount         int32      `json:"retry_count"`
	MaxRetries         int32      `json:"max_retries"`
	LastTransactionID  *uint64    `json:"last_transaction_id,omitempty"`
	ConfirmationNumber *string    `json:"confirmation_number,omitempty"`
	FirstSentAt        *time.Time `json:"first_sent_at,omitempty"`
	LastSentAt         *time.Time `json:"last_sent_at,omitempty"`
	ApprovedAt         *time.Time `json:"approved_at,omitempty"`
}

func toVoyageStatusViews(rows []*models.VoyageWebserviceStatus) []voyageStatusView {
	out := make([]voyageStatusView, 0, len(rows))
	for _, s := range rows {
		out = append(out, voyageStatusView{
			Country:            s.Country,
			WebserviceType:     string(s.WebserviceType),
			Status:             string(s.Status),
			CanSend:            s.CanSend,
			IsRequired:         s.IsRequired,
			RetryCount:         s.RetryCount,
			MaxRetries:         s.MaxRetries,
			LastTransactionID:  s.LastTransactionID,
			ConfirmationNumber: s.ConfirmationNumber,
			FirstSentAt:        s.FirstSentAt,
			LastSentAt:         s.LastSentAt,
			ApprovedAt:         s.ApprovedAt,
		})
	}
	return out
}

type purgeRequest struct {
	DryRun              bool   `json:"dry_run"`
	CompanyID           uint64 `json:"company_id"`
	ExpiredRetentionSec int64  `json:"expired_retention_seconds"`
	FailedRetentionSec  int64  `json:"failed_retention_seconds"`
}

func (a *API) purgeTokens(w http.ResponseWriter, r *http.Request) {
	var req purgeRequest
	if err := decode(w, r, &req); err != nil {
		badRequest(w, "invalid body: "+err.Error())
		return
	}
	rep, err := a.svc.Tokens.PurgeStale(r.Context(), tokens.PurgePolicy{
		DryRun:           req.DryRun,
		CompanyID:        req.CompanyID,
		ExpiredRetention: time.Duration(req.ExpiredRetentionSec) * time.Second,
		FailedRetention:  time.Duration(req.FailedRetentionSec) * time.Second,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (a *API) invalidateToken(w http.ResponseWriter, r *http.Request) {
	companyID, ok := idParam(r, "companyID")
	if !ok {
		badRequest(w, "invalid company id")
		return
	}
	company, err := a.svc.Companies.Company(r.Context(), companyID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	key := models.TokenKey{CompanyID: company.CompanyID, Service: chi.URLParam(r, "service"), Environment: company.Environment}
	if err := a.svc.Tokens.Invalidate(r.Context(), key); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type submitRequest struct {
	CompanyID      uint64   `json:"company_id"`
	SubjectKind    string   `json:"subject_kind"`
	SubjectID      uint64   `json:"subject_id"`
	ShipmentID     uint64   `json:"shipment_id"`
	WebserviceType string   `json:"webservice_type"`
	Country        string   `json:"country"`
	MaxRetries     int32    `json:"max_retries"`
	TrackNumbers   []string `json:"track_numbers"`
	Payload        string   `json:"payload"`
}

func (a *API) submitDeclaration(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decode(w, r, &req); err != nil {
		badRequest(w, "invalid body: "+err.Error())
		return
	}
	wsType, err := models.ParseWebserviceType(req.WebserviceType)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	kind := models.SubjectKind(req.SubjectKind)
	if kind != models.SubjectVoyage && kind != models.SubjectShipment {
		badRequest(w, "subjectKind must be voyage or shipment")
		return
	}
	company, err := a.svc.Companies.Company(r.Context(), req.CompanyID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	res, err := a.svc.Declarations.Submit(r.Context(), declarations.SubmitInput{
		Company:        company,
		SubjectKind:    kind,
		SubjectID:      req.SubjectID,
		ShipmentID:     req.ShipmentID,
		WebserviceType: wsType,
		Country:        strings.ToUpper(strings.TrimSpace(req.Country)),
		MaxRetries:     req.MaxRetries,
		TrackNumbers:   req.TrackNumbers,
		Payload:        []byte(req.Payload),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSubmitResultView(res))
}

func (a *API) getTransaction(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r, "id")
	if !ok {
		badRequest(w, "invalid transaction id")
		return
	}
	t, err := a.svc.Transactions.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionView(t))
}

func (a *API) retryTransaction(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r, "id")
	if !ok {
		badRequest(w, "invalid transaction id")
		return
	}
	res, err := a.svc.Declarations.RetryNow(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSubmitResultView(res))
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (a *API) cancelTransaction(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r, "id")
	if !ok {
		badRequest(w, "invalid transaction id")
		return
	}
	var req cancelRequest
	if r.ContentLength != 0 {
		if err := decode(w, r, &req); err != nil {
			badRequest(w, "invalid body: "+err.Error())
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "cancelled by operator"
	}
	t, err := a.svc.Transactions.Cancel(r.Context(), id, req.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionView(t))
}

type statsView struct {
	Total            int64            `json:"total"`
	ByStatus         map[string]int64 `json:"by_status"`
	ByWebserviceType map[string]int64 `json:"by_webservice_type"`
}

func (a *API) transactionStats(w http.ResponseWriter, r *http.Request) {
	f := models.TransactionStatsFilter{}
	if v := r.URL.Query().Get("company_id"); v != "" {
		id, err := parseUint(v)
		if err != nil {
			badRequest(w, "invalid company_id")
			return
		}
		f.CompanyID = id
	}
	if v := r.URL.Query().Get("since"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			badRequest(w, "since must be RFC3339")
			return
		}
		f.Since = ts
	}
	st, err := a.svc.Transactions.Stats(r.Context(), f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := statsView{Total: st.Total, ByStatus: map[string]int64{}, ByWebserviceType: map[string]int64{}}
	for k, v := range st.ByStatus {
		out.ByStatus[string(k)] = v
	}
	for k, v := range st.ByWebserviceType {
		out.ByWebserviceType[string(k)] = v
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) trackStatus(w http.ResponseWriter, r *http.Request) {
	v, err := a.svc.Tracks.Status(r.Context(), chi.URLParam(r, "number"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (a *API) expiredTracks(w http.ResponseWriter, r *http.Request) {
	out, err := a.svc.Tracks.ListExpired(r.Context(), a.now(), queryInt(r, "limit", 0))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tracks": out})
}

func (a *API) voyageSummary(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r, "id")
	if !ok {
		badRequest(w, "invalid voyage id")
		return
	}
	rows, err := a.svc.Voyages.Summary(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"voyage_id": id, "statuses": toVoyageStatusViews(rows)})
}

func (a *API) voyagePending(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r, "id")
	if !ok {
		badRequest(w, "invalid voyage id")
		return
	}
	rows, err := a.svc.Voyages.Pending(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"voyage_id": id, "statuses": toVoyageStatusViews(rows)})
}

type ensureRequest struct {
	CompanyID uint64   `json:"company_id"`
	Countries []string `json:"countries"`
}

func (a *API) ensureVoyage(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r, "id")
	if !ok {
		badRequest(w, "invalid voyage id")
		return
	}
	var req ensureRequest
	if err := decode(w, r, &req); err != nil {
		badRequest(w, "invalid body: "+err.Error())
		return
	}
	if len(req.Countries) == 0 {
		badRequest(w, "countries are required")
		return
	}
	company, err := a.svc.Companies.Company(r.Context(), req.CompanyID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	rows, err := a.svc.Voyages.EnsureForVoyage(r.Context(), id, company.Capabilities, req.Countries)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"voyage_id": id, "statuses": toVoyageStatusViews(rows)})
}

func (a *API) backfill(w http.ResponseWriter, r *http.Request) {
	rep, err := a.svc.Voyages.Backfill(r.Context(), voyagestatus.BackfillOptions{
		ChunkSize: queryInt(r, "chunk", 0),
		DryRun:    queryBool(r, "dry_run"),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}
