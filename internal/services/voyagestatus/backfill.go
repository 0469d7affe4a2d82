package voyagestatus

import (
	"context"
	"log/slog"

	"github.com/BearBump/CustomsBox/internal/models"
	"github.com/pkg/errors"
)

// legacyTypeByCountry is the declaration the single per-country status used to describe.
var legacyTypeByCountry = map[string]models.WebserviceType{
	models.CountryAR: models.WebserviceMicDta,
	models.CountryPY: models.WebserviceManifiesto,
}

const DefaultBackfillChunk = 500

type BackfillOptions struct {
	ChunkSize int
	DryRun    bool
}

type BackfillReport struct {
	DryRun   bool `json:"dry_run"`
	Scanned  int  `json:"scanned"`
	Inserted int  `json:"inserted"`
	Existing int  `json:"existing"`
	Skipped  int  `json:"skipped"`
	Chunks   int  `json:"chunks"`
}

// Backfill copies legacy per-country statuses into the per-type table one chunk per transaction.
// A failed chunk stops the run; earlier chunks stay committed and rerunning is safe.
func (s *Service) Backfill(ctx context.Context, opts BackfillOptions) (BackfillReport, error) {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultBackfillChunk
	}
	rep := BackfillReport{DryRun: opts.DryRun}

	var afterVoyage uint64
	var afterCountry string
	for {
		legacy, err := s.repo.ListLegacyVoyageStatuses(ctx, afterVoyage, afterCountry, opts.ChunkSize)
		if err != nil {
			return rep, err
		}
		if len(legacy) == 0 {
			break
		}
		last := legacy[len(legacy)-1]
		afterVoyage, afterCountry = last.VoyageID, last.Country
		rep.Scanned += len(legacy)
		rep.Chunks++

		items := make([]*models.VoyageWebserviceStatus, 0, len(legacy))
		for _, l := range legacy {
			st, ok := fromLegacy(l)
			if !ok {
				rep.Skipped++
				slog.Warn("backfill: no declaration for legacy country", "voyage_id", l.VoyageID, "country", l.Country)
				continue
			}
			items = append(items, st)
		}

		if opts.DryRun {
			for _, it := range items {
				_, err := s.repo.GetVoyageStatus(ctx, it.VoyageID, it.Country, it.WebserviceType)
				switch {
				case errors.Is(err, models.ErrNotFound):
					rep.Inserted++
				case err != nil:
					return rep, err
				default:
					rep.Existing++
				}
			}
			continue
		}

		n, err := s.repo.InsertBackfilledStatuses(ctx, items)
		if err != nil {
			return rep, errors.Wrapf(err, "backfill chunk %d", rep.Chunks)
		}
		rep.Inserted += n
		rep.Existing += len(items) - n
		slog.Info("backfill chunk committed", "chunk", rep.Chunks, "inserted", n, "after_voyage_id", afterVoyage)

		if len(legacy) < opts.ChunkSize {
			break
		}
	}
	return rep, nil
}

func fromLegacy(l models.LegacyVoyageStatus) (*models.VoyageWebserviceStatus, bool) {
	wsType, ok := legacyTypeByCountry[l.Country]
	if !ok {
		return nil, false
	}
	status := l.Status
	if status == "" {
		status = models.StatusPending
	}
	st := &models.VoyageWebserviceStatus{
		VoyageID:           l.VoyageID,
		Country:            l.Country,
		WebserviceType:     wsType,
		Status:             status,
		CanSend:            status.Sendable(),
		IsRequired:         true,
		MaxRetries:         models.DefaultMaxRetries,
		ConfirmationNumber: l.ConfirmationNumber,
		FirstSentAt:        l.SentAt,
		LastSentAt:         l.SentAt,
	}
	if status == models.StatusApproved {
		st.ApprovedAt = l.SentAt
	}
	return st, true
}
