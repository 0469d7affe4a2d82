package declarations

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BearBump/CustomsBox/internal/customserr"
	"github.com/BearBump/CustomsBox/internal/integrations/declaration"
	"github.com/BearBump/CustomsBox/internal/metrics"
	"github.com/BearBump/CustomsBox/internal/models"
	"github.com/BearBump/CustomsBox/internal/services/tracks"
	"github.com/BearBump/CustomsBox/internal/services/transactions"
	"github.com/pkg/errors"
)

type TokenProvider interface {
	GetValid(ctx context.Context, company models.CompanyContext, service string) (*models.AuthToken, error)
}

type Transactions interface {
	Begin(ctx context.Context, in transactions.BeginInput) (*models.Transaction, error)
	Get(ctx context.Context, id uint64) (*models.Transaction, error)
	MarkSent(ctx context.Context, id uint64) (*models.Transaction, error)
	CompleteWith(ctx context.Context, id uint64, o transactions.Outcome, after models.AfterWrite) (*models.Transaction, error)
	Retry(ctx context.Context, id uint64) (*models.Transaction, error)
	Cancel(ctx context.Context, id uint64, reason string) (*models.Transaction, error)
}

type Tracks interface {
	Within(w models.TrackWriter) tracks.Writes
	ConsumedBy(ctx context.Context, transactionID uint64) ([]string, error)
}

type VoyageGate interface {
	CanSend(ctx context.Context, voyageID uint64, country string, wsType models.WebserviceType) error
}

// CompanyResolver rebuilds the company context of a stored transaction.
type CompanyResolver interface {
	Company(ctx context.Context, companyID uint64) (models.CompanyContext, error)
}

const DefaultWsaaService = "wgesregsintia2"

type Service struct {
	tokens    TokenProvider
	txs       Transactions
	tracks    Tracks
	voyages   VoyageGate
	companies CompanyResolver
	client    declaration.Client
	m         *metrics.Metrics

	callTimeout   time.Duration
	settleTimeout time.Duration
	services      map[models.WebserviceType]string
	trackType     string
}

func New(tokens TokenProvider, txs Transactions, tr Tracks, voyages VoyageGate, companies CompanyResolver, client declaration.Client, m *metrics.Metrics) *Service {
	if m == nil {
		m = metrics.New()
	}
	return &Service{
		tokens: tokens, txs: txs, tracks: tr, voyages: voyages, companies: companies, client: client, m: m,
		callTimeout:   60 * time.Second,
		settleTimeout: 30 * time.Second,
		services:      map[models.WebserviceType]string{},
		trackType:     "TRACK",
	}
}

// WithSettings overrides the per-call timeout and the WSAA service of each webservice type.
func (s *Service) WithSettings(callTimeout time.Duration, services map[models.WebserviceType]string) *Service {
	if callTimeout > 0 {
		s.callTimeout = callTimeout
	}
	for k, v := range services {
		s.services[k] = v
	}
	return s
}

func (s *Service) wsaaService(t models.WebserviceType) string {
	if v, ok := s.services[t]; ok && v != "" {
		return v
	}
	return DefaultWsaaService
}

type SubmitInput struct {
	Company        models.CompanyContext
	SubjectKind    models.SubjectKind
	SubjectID      uint64
	ShipmentID     uint64
	WebserviceType models.WebserviceType
	Country        string
	MaxRetries     int32
	TrackNumbers   []string
	Payload        []byte
}

type SubmitResult struct {
	Transaction *models.Transaction `json:"transaction"`
	Tracks      []*models.Track     `json:"tracks,omitempty"`
}

// Submit runs one declaration from the sendability check to the recorded outcome.
// A failed call is returned in the result as an error transaction, not as err. Tracks a MIC/DTA
// declares are reserved together with its transaction; a conflict creates nothing.
func (s *Service) Submit(ctx context.Context, in SubmitInput) (*SubmitResult, error) {
	if in.SubjectKind == models.SubjectVoyage {
		if err := s.voyages.CanSend(ctx, in.SubjectID, in.Country, in.WebserviceType); err != nil {
			return nil, err
		}
	}
	if in.WebserviceType.ConsumesTracks() && len(in.TrackNumbers) == 0 {
		return nil, errors.Errorf("%s requires track numbers", in.WebserviceType)
	}
	if in.ShipmentID == 0 && in.SubjectKind == models.SubjectShipment {
		in.ShipmentID = in.SubjectID
	}

	begin := transactions.BeginInput{
		Company:        in.Company,
		SubjectKind:    in.SubjectKind,
		SubjectID:      in.SubjectID,
		WebserviceType: in.WebserviceType,
		Country:        in.Country,
		MaxRetries:     in.MaxRetries,
		Payload:        in.Payload,
	}
	if in.WebserviceType.ConsumesTracks() {
		numbers := in.TrackNumbers
		begin.After = func(ctx context.Context, t *models.Transaction, w models.TrackWriter) error {
			return s.tracks.Within(w).Consume(ctx, numbers, t.ID)
		}
	}
	t, err := s.txs.Begin(ctx, begin)
	if err != nil {
		return nil, err
	}

	// from here on the transaction is driven to an outcome even if the caller goes away
	return s.send(context.WithoutCancel(ctx), in.Company, t, in.ShipmentID, in.TrackNumbers)
}

// Resubmit sends a transaction the retrier has moved back to pending, with its stored payload
// and the tracks it already holds.
func (s *Service) Resubmit(ctx context.Context, id uint64) (*SubmitResult, error) {
	t, err := s.txs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status != models.StatusPending {
		return nil, customserr.NewStateError("only pending transactions can be resubmitted", "transaction "+formatID(id))
	}
	company, err := s.companies.Company(ctx, t.CompanyID)
	if err != nil {
		return nil, err
	}

	var trackNumbers []string
	if t.WebserviceType.ConsumesTracks() {
		if trackNumbers, err = s.tracks.ConsumedBy(ctx, t.ID); err != nil {
			return nil, err
		}
		if len(trackNumbers) == 0 {
			serr := customserr.NewStateError(
				fmt.Sprintf("%s transaction holds no tracks", t.WebserviceType), "transaction "+formatID(id))
			if _, cerr := s.txs.Cancel(context.WithoutCancel(ctx), id, serr.Error()); cerr != nil {
				slog.Error("cancel transaction without tracks", "transaction_id", id, "error", cerr.Error())
			}
			return nil, serr
		}
	}
	var shipmentID uint64
	if t.SubjectKind == models.SubjectShipment {
		shipmentID = t.SubjectID
	}
	return s.send(context.WithoutCancel(ctx), company, t, shipmentID, trackNumbers)
}

// RetryNow spends one retry of a failed transaction and sends it immediately.
func (s *Service) RetryNow(ctx context.Context, id uint64) (*SubmitResult, error) {
	if _, err := s.txs.Retry(ctx, id); err != nil {
		return nil, err
	}
	return s.Resubmit(ctx, id)
}

// send expects a context that is not tied to the caller; every step carries its own timeout.
func (s *Service) send(ctx context.Context, company models.CompanyContext, t *models.Transaction, shipmentID uint64, held []string) (*SubmitResult, error) {
	tok, err := s.tokens.GetValid(ctx, company, s.wsaaService(t.WebserviceType))
	if err != nil {
		// no request left; the attempt is recorded as failed without a sent timestamp
		return s.complete(ctx, t, transactions.Failed(err), shipmentID, held, nil)
	}

	sentCtx, cancelSent := context.WithTimeout(ctx, s.settleTimeout)
	_, err = s.txs.MarkSent(sentCtx, t.ID)
	cancelSent()
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	res, err := s.client.Submit(callCtx, declaration.Request{
		Country:           t.Country,
		WebserviceType:    t.WebserviceType,
		Environment:       t.Environment,
		Auth:              declaration.Auth{Token: tok.Token, Sign: tok.Sign, Cuit: company.Cuit},
		ExternalReference: t.ExternalReference,
		TrackNumbers:      held,
		Payload:           t.Payload,
	})

	var outcome transactions.Outcome
	switch {
	case err != nil:
		outcome = transactions.Failed(err)
	case res.Rejected():
		outcome = transactions.Rejected(res.Rejection())
	default:
		outcome = transactions.Accepted(res.ConfirmationNumber)
	}
	return s.complete(ctx, t, outcome, shipmentID, held, res.TrackNumbers)
}

// complete records the outcome and, in the same database transaction, the track changes it
// implies: issued tracks are registered, held tracks are completed or flagged.
func (s *Service) complete(ctx context.Context, t *models.Transaction, o transactions.Outcome, shipmentID uint64, held, issued []string) (*SubmitResult, error) {
	var registered []*models.Track
	after := func(ctx context.Context, done *models.Transaction, w models.TrackWriter) error {
		tr := s.tracks.Within(w)
		if done.Status == models.StatusApproved && t.WebserviceType.IssuesTracks() && len(issued) > 0 {
			var err error
			registered, err = tr.RegisterTracks(ctx, tracks.RegisterInput{
				ShipmentID:     shipmentID,
				TransactionID:  done.ID,
				WebserviceType: t.WebserviceType,
				TrackType:      s.trackType,
				TrackNumbers:   issued,
			})
			return errors.Wrap(err, "register tracks")
		}
		if !t.WebserviceType.ConsumesTracks() || len(held) == 0 {
			return nil
		}
		switch done.Status {
		case models.StatusApproved:
			return errors.Wrap(tr.MarkCompleted(ctx, held), "complete tracks")
		case models.StatusRejected, models.StatusCancelled:
			reason := string(done.Status)
			if done.ErrorMessage != nil {
				reason += ": " + *done.ErrorMessage
			}
			return errors.Wrap(tr.MarkError(ctx, held, reason), "flag tracks")
		}
		return nil
	}

	settleCtx, cancel := context.WithTimeout(ctx, s.settleTimeout)
	defer cancel()
	done, err := s.txs.CompleteWith(settleCtx, t.ID, o, after)
	if err != nil {
		slog.Error("record declaration outcome",
			"transaction_id", t.ID, "webservice_type", t.WebserviceType, "issued_tracks", issued, "error", err.Error())
		return nil, err
	}
	s.m.DeclarationCalls.WithLabelValues(t.Country, string(t.WebserviceType), string(done.Status)).Inc()
	slog.Info("declaration completed",
		"transaction_id", t.ID, "webservice_type", t.WebserviceType, "country", t.Country, "status", done.Status)

	return &SubmitResult{Transaction: done, Tracks: registered}, nil
}
