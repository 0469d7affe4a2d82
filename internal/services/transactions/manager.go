package transactions

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/BearBump/CustomsBox/internal/broker/messages"
	"github.com/BearBump/CustomsBox/internal/customserr"
	"github.com/BearBump/CustomsBox/internal/metrics"
	"github.com/BearBump/CustomsBox/internal/models"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type Repository interface {
	CreateTransaction(ctx context.Context, t *models.Transaction, after models.AfterWrite) (*models.Transaction, error)
	GetTransaction(ctx context.Context, id uint64) (*models.Transaction, error)
	UpdateTransaction(ctx context.Context, id uint64, mutate func(t *models.Transaction) error, after models.AfterWrite) (*models.Transaction, error)
	ExpireStaleTransactions(ctx context.Context, before time.Time, limit int) ([]*models.Transaction, error)
	TransactionStats(ctx context.Context, f models.TransactionStatsFilter) (models.TransactionStats, error)
}

type Producer interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

const budgetExhausted = "retry budget exhausted"

type Manager struct {
	repo     Repository
	producer Producer
	topic    string
	planner  *Planner
	m        *metrics.Metrics
	now      func() time.Time
}

// New builds a manager. producer may be nil, events are then not published.
func New(repo Repository, producer Producer, m *metrics.Metrics) *Manager {
	if m == nil {
		m = metrics.New()
	}
	return &Manager{
		repo: repo, producer: producer, m: m,
		topic:   messages.TopicTransactionUpdated,
		planner: NewPlanner(DefaultPlannerConfig(), nil),
		now:     time.Now,
	}
}

func (mg *Manager) WithPlanner(cfg PlannerConfig) *Manager {
	mg.planner = NewPlanner(cfg, nil)
	return mg
}

func (mg *Manager) WithTopic(topic string) *Manager {
	if topic != "" {
		mg.topic = topic
	}
	return mg
}

type BeginInput struct {
	Company           models.CompanyContext
	SubjectKind       models.SubjectKind
	SubjectID         uint64
	WebserviceType    models.WebserviceType
	Country           string
	MaxRetries        int32
	ExternalReference string
	Payload           []byte
	// After commits together with the new transaction, e.g. the tracks it reserves.
	After models.AfterWrite
}

// Begin records a pending declaration attempt.
func (mg *Manager) Begin(ctx context.Context, in BeginInput) (*models.Transaction, error) {
	if in.SubjectID == 0 {
		return nil, errors.New("subject id is required")
	}
	if in.SubjectKind != models.SubjectVoyage && in.SubjectKind != models.SubjectShipment {
		return nil, errors.Errorf("unknown subject kind %q", in.SubjectKind)
	}
	if !in.WebserviceType.Valid() {
		return nil, errors.Errorf("unknown webservice type %q", in.WebserviceType)
	}
	if in.Country == "" {
		return nil, errors.New("country is required")
	}
	if in.MaxRetries <= 0 {
		in.MaxRetries = models.DefaultMaxRetries
	}
	if in.ExternalReference == "" {
		in.ExternalReference = uuid.NewString()
	}

	t, err := mg.repo.CreateTransaction(ctx, &models.Transaction{
		CompanyID:         in.Company.CompanyID,
		SubjectKind:       in.SubjectKind,
		SubjectID:         in.SubjectID,
		WebserviceType:    in.WebserviceType,
		Country:           in.Country,
		Environment:       in.Company.Environment,
		Status:            models.StatusPending,
		MaxRetries:        in.MaxRetries,
		ExternalReference: in.ExternalReference,
		Payload:           in.Payload,
	}, in.After)
	if err != nil {
		return nil, err
	}
	mg.changed(ctx, t)
	return t, nil
}

func (mg *Manager) Get(ctx context.Context, id uint64) (*models.Transaction, error) {
	return mg.repo.GetTransaction(ctx, id)
}

func subject(t *models.Transaction) string { return "transaction " + strconv.FormatUint(t.ID, 10) }

// MarkSent records that the request left for the remote system.
func (mg *Manager) MarkSent(ctx context.Context, id uint64) (*models.Transaction, error) {
	return mg.update(ctx, id, func(t *models.Transaction) error {
		if t.Status != models.StatusPending {
			return customserr.NewStateError(fmt.Sprintf("cannot send a %s transaction", t.Status), subject(t))
		}
		now := mg.now().UTC()
		t.Status = models.StatusSent
		t.SentAt = &now
		return nil
	})
}

type OutcomeKind int

const (
	OutcomeAccepted OutcomeKind = iota + 1
	OutcomeRejected
	OutcomeFailed
)

type Outcome struct {
	Kind               OutcomeKind
	ConfirmationNumber string
	ErrorCode          string
	ErrorMessage       string
	// Retryable only matters for OutcomeFailed; a terminal failure is parked for an operator.
	Retryable bool
}

func Accepted(confirmation string) Outcome {
	return Outcome{Kind: OutcomeAccepted, ConfirmationNumber: confirmation}
}

func Rejected(code, msg string) Outcome {
	return Outcome{Kind: OutcomeRejected, ErrorCode: code, ErrorMessage: msg}
}

// Failed classifies err with the customserr taxonomy, keeping any remote fault verbatim.
func Failed(err error) Outcome {
	o := Outcome{Kind: OutcomeFailed, ErrorMessage: err.Error(), Retryable: customserr.IsRetryable(err)}
	if code, msg, ok := customserr.Fault(err); ok {
		o.ErrorCode, o.ErrorMessage = code, msg
	} else if k := customserr.KindOf(err); k != "" {
		o.ErrorCode = string(k)
	}
	return o
}

// Complete applies the response of a pending or sent transaction.
func (mg *Manager) Complete(ctx context.Context, id uint64, o Outcome) (*models.Transaction, error) {
	return mg.CompleteWith(ctx, id, o, nil)
}

// CompleteWith is Complete with after committed atomically with the outcome. When after fails the
// transaction keeps its previous status.
func (mg *Manager) CompleteWith(ctx context.Context, id uint64, o Outcome, after models.AfterWrite) (*models.Transaction, error) {
	return mg.updateWith(ctx, id, after, func(t *models.Transaction) error {
		if t.Status != models.StatusPending && t.Status != models.StatusSent {
			return customserr.NewStateError(fmt.Sprintf("cannot complete a %s transaction", t.Status), subject(t))
		}
		now := mg.now().UTC()
		t.ResponseAt = &now
		t.NextAttemptAt = nil

		switch o.Kind {
		case OutcomeAccepted:
			t.Status = models.StatusApproved
			t.ConfirmationNumber = optional(o.ConfirmationNumber)
			t.ErrorCode, t.ErrorMessage = nil, nil
		case OutcomeRejected:
			t.Status = models.StatusRejected
			t.ErrorCode, t.ErrorMessage = optional(o.ErrorCode), optional(o.ErrorMessage)
		case OutcomeFailed:
			t.ErrorCode, t.ErrorMessage = optional(o.ErrorCode), optional(o.ErrorMessage)
			if t.RetryCount >= t.MaxRetries {
				t.Status = models.StatusCancelled
				msg := budgetExhausted
				if o.ErrorMessage != "" {
					msg += ": " + o.ErrorMessage
				}
				t.ErrorMessage = &msg
				return nil
			}
			t.Status = models.StatusError
			if o.Retryable {
				next := now.Add(mg.planner.BackoffDelay(t.RetryCount + 1))
				t.NextAttemptAt = &next
			}
		default:
			return errors.Errorf("unknown outcome %d", o.Kind)
		}
		return nil
	})
}

// Retry moves a failed transaction back to pending and spends one unit of its retry budget.
func (mg *Manager) Retry(ctx context.Context, id uint64) (*models.Transaction, error) {
	return mg.update(ctx, id, func(t *models.Transaction) error {
		if t.Status != models.StatusError && t.Status != models.StatusRetry {
			return customserr.NewStateError(fmt.Sprintf("cannot retry a %s transaction", t.Status), subject(t))
		}
		if t.RetryCount >= t.MaxRetries {
			return customserr.NewStateError(
				fmt.Sprintf("%s (%d of %d)", budgetExhausted, t.RetryCount, t.MaxRetries), subject(t))
		}
		t.RetryCount++
		t.Status = models.StatusPending
		t.NextAttemptAt = nil
		return nil
	})
}

// Cancel is the operator stop for any non-terminal transaction.
func (mg *Manager) Cancel(ctx context.Context, id uint64, reason string) (*models.Transaction, error) {
	return mg.update(ctx, id, func(t *models.Transaction) error {
		if t.Status.Terminal() {
			return customserr.NewStateError(fmt.Sprintf("cannot cancel a %s transaction", t.Status), subject(t))
		}
		if reason == "" {
			reason = "cancelled by operator"
		}
		t.Status = models.StatusCancelled
		t.ErrorMessage = &reason
		t.NextAttemptAt = nil
		return nil
	})
}

// ExpireStale moves pending or sent transactions untouched for maxAge to expired.
func (mg *Manager) ExpireStale(ctx context.Context, maxAge time.Duration, limit int) (int, error) {
	expired, err := mg.repo.ExpireStaleTransactions(ctx, mg.now().Add(-maxAge), limit)
	if err != nil {
		return 0, err
	}
	for _, t := range expired {
		mg.changed(ctx, t)
	}
	return len(expired), nil
}

func (mg *Manager) Stats(ctx context.Context, f models.TransactionStatsFilter) (models.TransactionStats, error) {
	return mg.repo.TransactionStats(ctx, f)
}

func (mg *Manager) update(ctx context.Context, id uint64, mutate func(t *models.Transaction) error) (*models.Transaction, error) {
	return mg.updateWith(ctx, id, nil, mutate)
}

func (mg *Manager) updateWith(ctx context.Context, id uint64, after models.AfterWrite, mutate func(t *models.Transaction) error) (*models.Transaction, error) {
	t, err := mg.repo.UpdateTransaction(ctx, id, mutate, after)
	if err != nil {
		return nil, err
	}
	mg.changed(ctx, t)
	return t, nil
}

// changed runs after commit. Publishing is best effort and never undoes the change.
func (mg *Manager) changed(ctx context.Context, t *models.Transaction) {
	mg.m.TransactionChanges.WithLabelValues(string(t.WebserviceType), string(t.Status)).Inc()
	slog.Info("transaction updated",
		"transaction_id", t.ID, "status", t.Status, "webservice_type", t.WebserviceType,
		"country", t.Country, "retry_count", t.RetryCount)

	if mg.producer == nil {
		return
	}
	b, err := json.Marshal(messages.NewTransactionUpdated(uuid.NewString(), t))
	if err != nil {
		slog.Error("marshal transaction event", "transaction_id", t.ID, "error", err.Error())
		return
	}
	if err := mg.producer.Publish(ctx, mg.topic, []byte(strconv.FormatUint(t.ID, 10)), b); err != nil {
		slog.Error("publish transaction event", "transaction_id", t.ID, "error", err.Error())
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
