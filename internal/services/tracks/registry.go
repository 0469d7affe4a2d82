package tracks

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/BearBump/CustomsBox/internal/customserr"
	"github.com/BearBump/CustomsBox/internal/models"
	"github.com/pkg/errors"
)

type Repository interface {
	models.TrackWriter
	GetTrack(ctx context.Context, trackNumber string) (*models.Track, error)
	ListGeneratedBefore(ctx context.Context, before time.Time, limit int) ([]*models.Track, error)
	ListConsumedBy(ctx context.Context, transactionID uint64) ([]*models.Track, error)
}

const maxTracksPerCall = 10_000

type Registry struct {
	repo   Repository
	w      models.TrackWriter
	expiry time.Duration
	now    func() time.Time
}

func New(repo Repository) *Registry {
	return &Registry{repo: repo, w: repo, expiry: models.TrackExpiry, now: time.Now}
}

// Writes are the registry mutations; Within binds them to another writer.
type Writes interface {
	RegisterTracks(ctx context.Context, in RegisterInput) ([]*models.Track, error)
	Consume(ctx context.Context, trackNumbers []string, transactionID uint64) error
	MarkCompleted(ctx context.Context, trackNumbers []string) error
	MarkError(ctx context.Context, trackNumbers []string, reason string) error
}

// Within returns the registry writing through w, usually the open database transaction that
// records the declaration outcome.
func (r *Registry) Within(w models.TrackWriter) Writes {
	cp := *r
	cp.w = w
	return &cp
}

type RegisterInput struct {
	ShipmentID     uint64
	TransactionID  uint64
	WebserviceType models.WebserviceType
	TrackType      string
	TrackNumbers   []string
}

// RegisterTracks stores the identifiers returned by a register call as generated.
// Registering a number twice returns the stored track unchanged.
func (r *Registry) RegisterTracks(ctx context.Context, in RegisterInput) ([]*models.Track, error) {
	if in.TransactionID == 0 {
		return nil, errors.New("transactionId is required")
	}
	numbers, err := clean(in.TrackNumbers)
	if err != nil {
		return nil, err
	}

	now := r.now().UTC()
	items := make([]*models.Track, 0, len(numbers))
	for _, n := range numbers {
		items = append(items, &models.Track{
			TrackNumber:    n,
			TrackType:      in.TrackType,
			WebserviceType: in.WebserviceType,
			TransactionID:  in.TransactionID,
			ShipmentID:     in.ShipmentID,
			GeneratedAt:    now,
		})
	}
	return r.w.InsertTracks(ctx, items)
}

// Consume marks every track as used by the declaring transaction, or none of them.
func (r *Registry) Consume(ctx context.Context, trackNumbers []string, transactionID uint64) error {
	if transactionID == 0 {
		return errors.New("transactionId is required")
	}
	numbers, err := clean(trackNumbers)
	if err != nil {
		return err
	}

	err = r.w.UpdateTracks(ctx, numbers, func(found []*models.Track) error {
		if err := requireAll(numbers, found, models.TrackStatusGenerated, "cannot consume tracks"); err != nil {
			return err
		}
		now := r.now().UTC()
		for _, t := range found {
			t.Status = models.TrackStatusUsedInMicDta
			t.UsedAt = &now
			id := transactionID
			t.ConsumerTransactionID = &id
		}
		return nil
	})
	if err != nil {
		return err
	}
	slog.Info("tracks consumed", "transaction_id", transactionID, "count", len(numbers))
	return nil
}

// MarkCompleted closes tracks whose declaration was approved.
func (r *Registry) MarkCompleted(ctx context.Context, trackNumbers []string) error {
	numbers, err := clean(trackNumbers)
	if err != nil {
		return err
	}
	return r.w.UpdateTracks(ctx, numbers, func(found []*models.Track) error {
		if err := requireAll(numbers, found, models.TrackStatusUsedInMicDta, "cannot complete tracks"); err != nil {
			return err
		}
		now := r.now().UTC()
		for _, t := range found {
			t.Status = models.TrackStatusCompleted
			t.CompletedAt = &now
		}
		return nil
	})
}

// MarkError flags generated tracks that will never be declared. Completed tracks are left as they are.
func (r *Registry) MarkError(ctx context.Context, trackNumbers []string, reason string) error {
	numbers, err := clean(trackNumbers)
	if err != nil {
		return err
	}
	return r.w.UpdateTracks(ctx, numbers, func(found []*models.Track) error {
		for _, t := range found {
			if t.Status == models.TrackStatusCompleted {
				continue
			}
			t.Status = models.TrackStatusError
			msg := reason
			t.ErrorMessage = &msg
		}
		return nil
	})
}

// ConsumedBy returns the numbers of the tracks held by a declaring transaction.
func (r *Registry) ConsumedBy(ctx context.Context, transactionID uint64) ([]string, error) {
	ts, err := r.repo.ListConsumedBy(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(ts))
	for _, t := range ts {
		out = append(out, t.TrackNumber)
	}
	return out, nil
}

type TrackStatusView struct {
	TrackNumber string             `json:"track_number"`
	State       models.TrackStatus `json:"state"`
	GeneratedAt time.Time          `json:"generated_at"`
	UsedAt      *time.Time         `json:"used_at,omitempty"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
	IsExpired   bool               `json:"is_expired"`
}

// Status is a pure read; expiry is computed, never stored.
func (r *Registry) Status(ctx context.Context, trackNumber string) (TrackStatusView, error) {
	trackNumber = strings.TrimSpace(trackNumber)
	if trackNumber == "" {
		return TrackStatusView{}, errors.New("trackNumber is required")
	}
	t, err := r.repo.GetTrack(ctx, trackNumber)
	if err != nil {
		return TrackStatusView{}, err
	}
	return r.view(t), nil
}

// ListExpired reports generated tracks older than the expiry threshold at now.
func (r *Registry) ListExpired(ctx context.Context, now time.Time, limit int) ([]TrackStatusView, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	ts, err := r.repo.ListGeneratedBefore(ctx, now.Add(-r.expiry), limit)
	if err != nil {
		return nil, err
	}
	out := make([]TrackStatusView, 0, len(ts))
	for _, t := range ts {
		v := r.view(t)
		v.IsExpired = true
		out = append(out, v)
	}
	return out, nil
}

func (r *Registry) view(t *models.Track) TrackStatusView {
	return TrackStatusView{
		TrackNumber: t.TrackNumber,
		State:       t.Status,
		GeneratedAt: t.GeneratedAt,
		UsedAt:      t.UsedAt,
		CompletedAt: t.CompletedAt,
		IsExpired:   t.Status == models.TrackStatusGenerated && r.now().Sub(t.GeneratedAt) > r.expiry,
	}
}

// requireAll fails naming every requested track that is missing or not in want.
func requireAll(requested []string, found []*models.Track, want models.TrackStatus, msg string) error {
	byNumber := make(map[string]*models.Track, len(found))
	for _, t := range found {
		byNumber[t.TrackNumber] = t
	}

	var offending []string
	for _, n := range requested {
		t, ok := byNumber[n]
		switch {
		case !ok:
			offending = append(offending, n+" (unknown)")
		case t.Status != want:
			offending = append(offending, fmt.Sprintf("%s (%s)", n, t.Status))
		}
	}
	if len(offending) == 0 {
		return nil
	}
	return customserr.NewStateError(msg, offending...)
}

func clean(numbers []string) ([]string, error) {
	if len(numbers) == 0 {
		return nil, errors.New("trackNumbers is empty")
	}
	if len(numbers) > maxTracksPerCall {
		return nil, errors.Errorf("too many tracks (max %d)", maxTracksPerCall)
	}
	seen := make(map[string]struct{}, len(numbers))
	out := make([]string, 0, len(numbers))
	for _, n := range numbers {
		n = strings.TrimSpace(n)
		if n == "" {
			return nil, errors.New("trackNumber is required")
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	sort.Strings(out)
	return out, nil
}
