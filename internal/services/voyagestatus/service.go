package voyagestatus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/BearBump/CustomsBox/internal/broker/messages"
	"github.com/BearBump/CustomsBox/internal/cache"
	"github.com/BearBump/CustomsBox/internal/customserr"
	"github.com/BearBump/CustomsBox/internal/models"
	"github.com/pkg/errors"
)

type Repository interface {
	EnsureVoyageStatuses(ctx context.Context, voyageID uint64, rules []models.WebserviceRule) ([]*models.VoyageWebserviceStatus, error)
	ListVoyageStatuses(ctx context.Context, voyageID uint64, onlySendable bool) ([]*models.VoyageWebserviceStatus, error)
	GetVoyageStatus(ctx context.Context, voyageID uint64, country string, wsType models.WebserviceType) (*models.VoyageWebserviceStatus, error)
	ListLegacyVoyageStatuses(ctx context.Context, afterVoyageID uint64, afterCountry string, limit int) ([]models.LegacyVoyageStatus, error)
	InsertBackfilledStatuses(ctx context.Context, items []*models.VoyageWebserviceStatus) (int, error)
}

type Service struct {
	repo       Repository
	cache      cache.BytesCache
	summaryTTL time.Duration
}

// New builds the service. A nil cache or zero ttl disables the summary cache.
func New(repo Repository, c cache.BytesCache, summaryTTL time.Duration) *Service {
	return &Service{repo: repo, cache: c, summaryTTL: summaryTTL}
}

// EnsureForVoyage creates the pending rows for every declaration the capabilities make applicable.
// Existing rows are kept as they are.
func (s *Service) EnsureForVoyage(ctx context.Context, voyageID uint64, caps []models.Capability, countries []string) ([]*models.VoyageWebserviceStatus, error) {
	if voyageID == 0 {
		return nil, errors.New("voyageId is required")
	}
	rules := models.ApplicableWebservices(caps, countries)
	if len(rules) == 0 {
		return s.repo.ListVoyageStatuses(ctx, voyageID, false)
	}
	out, err := s.repo.EnsureVoyageStatuses(ctx, voyageID, rules)
	if err != nil {
		return nil, err
	}
	s.store(ctx, voyageID, out)
	return out, nil
}

// Pending returns the rows that may be sent now.
func (s *Service) Pending(ctx context.Context, voyageID uint64) ([]*models.VoyageWebserviceStatus, error) {
	return s.repo.ListVoyageStatuses(ctx, voyageID, true)
}

// CanSend fails with a state error unless the declaration exists and is sendable.
func (s *Service) CanSend(ctx context.Context, voyageID uint64, country string, wsType models.WebserviceType) error {
	subject := fmt.Sprintf("voyage %d %s/%s", voyageID, country, wsType)
	st, err := s.repo.GetVoyageStatus(ctx, voyageID, country, wsType)
	if errors.Is(err, models.ErrNotFound) {
		return customserr.NewStateError("declaration is not applicable to the voyage", subject)
	}
	if err != nil {
		return err
	}
	if !st.CanSend {
		return customserr.NewStateError(fmt.Sprintf("cannot send while %s", st.Status), subject)
	}
	return nil
}

// Summary returns every row of the voyage, served from the cache when possible.
func (s *Service) Summary(ctx context.Context, voyageID uint64) ([]*models.VoyageWebserviceStatus, error) {
	if s.cacheEnabled() {
		if b, ok, err := s.cache.Get(ctx, summaryKey(voyageID)); err == nil && ok {
			var out []*models.VoyageWebserviceStatus
			if json.Unmarshal(b, &out) == nil {
				return out, nil
			}
		}
	}

	out, err := s.repo.ListVoyageStatuses(ctx, voyageID, false)
	if err != nil {
		return nil, err
	}
	s.store(ctx, voyageID, out)
	return out, nil
}

// ApplyKafkaUpdate refreshes the cached summary of the voyage a transaction event belongs to.
// The row itself was already written with the transaction.
func (s *Service) ApplyKafkaUpdate(ctx context.Context, msg messages.TransactionUpdated) error {
	if !msg.IsVoyage() {
		return nil
	}
	if msg.SubjectID == 0 {
		return errors.New("subject_id is required")
	}
	if !s.cacheEnabled() {
		return nil
	}

	out, err := s.repo.ListVoyageStatuses(ctx, msg.SubjectID, false)
	if err != nil {
		_ = s.cache.Delete(ctx, summaryKey(msg.SubjectID))
		return err
	}
	s.store(ctx, msg.SubjectID, out)
	return nil
}

func (s *Service) store(ctx context.Context, voyageID uint64, rows []*models.VoyageWebserviceStatus) {
	if !s.cacheEnabled() {
		return
	}
	b, err := json.Marshal(rows)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, summaryKey(voyageID), b, s.summaryTTL); err != nil {
		slog.Warn("cache voyage summary", "voyage_id", voyageID, "error", err.Error())
	}
}

func (s *Service) cacheEnabled() bool { return s.cache != nil && s.summaryTTL > 0 }

func summaryKey(voyageID uint64) string {
	return fmt.Sprintf("voyage:%d:statuses", voyageID)
}
