package pgcustoms

import (
	"context"
	"time"

	"github.com/BearBump/CustomsBox/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

const trackColumns = `id, track_number, track_type, webservice_type, status, transaction_id, shipment_id,
  consumer_transaction_id, generated_at, used_at, completed_at, error_message, created_at, updated_at`

func scanTrack(row pgx.Row) (*models.Track, error) {
	var t models.Track
	if err := row.Scan(
		&t.ID, &t.TrackNumber, &t.TrackType, &t.WebserviceType, &t.Status, &t.TransactionID, &t.ShipmentID,
		&t.ConsumerTransactionID, &t.GeneratedAt, &t.UsedAt, &t.CompletedAt, &t.ErrorMessage, &t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &t, nil
}

// InsertTracks stores tracks as generated. A track number that already exists is returned as stored.
func (s *Storage) InsertTracks(ctx context.Context, items []*models.Track) ([]*models.Track, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	out, err := insertTracks(ctx, tx, items)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}
	return out, nil
}

func insertTracks(ctx context.Context, tx pgx.Tx, items []*models.Track) ([]*models.Track, error) {
	out := make([]*models.Track, 0, len(items))
	for _, it := range items {
		t, err := scanTrack(tx.QueryRow(ctx, `
INSERT INTO webservice_tracks (
  track_number, track_type, webservice_type, status, transaction_id, shipment_id, generated_at, created_at, updated_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$7,$7)
ON CONFLICT (track_number)
DO UPDATE SET updated_at = webservice_tracks.updated_at
RETURNING `+trackColumns,
			it.TrackNumber, it.TrackType, it.WebserviceType, models.TrackStatusGenerated,
			it.TransactionID, it.ShipmentID, it.GeneratedAt.UTC()))
		if err != nil {
			return nil, errors.Wrap(err, "insert track")
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *Storage) GetTrack(ctx context.Context, trackNumber string) (*models.Track, error) {
	t, err := scanTrack(s.db.QueryRow(ctx, `SELECT `+trackColumns+` FROM webservice_tracks WHERE track_number = $1`, trackNumber))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "select track")
	}
	return t, nil
}

// UpdateTracks locks the named tracks in a stable order and hands the found ones to mutate.
// Nothing is written unless mutate succeeds for the whole set.
func (s *Storage) UpdateTracks(ctx context.Context, trackNumbers []string, mutate func(found []*models.Track) error) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := updateTracks(ctx, tx, trackNumbers, mutate); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(ctx), "commit tx")
}

func updateTracks(ctx context.Context, tx pgx.Tx, trackNumbers []string, mutate func(found []*models.Track) error) error {
	rows, err := tx.Query(ctx, `
SELECT `+trackColumns+`
FROM webservice_tracks
WHERE track_number = ANY($1)
ORDER BY track_number
FOR UPDATE
`, trackNumbers)
	if err != nil {
		return errors.Wrap(err, "lock tracks")
	}
	found, err := collectTracks(rows)
	if err != nil {
		return err
	}

	if err := mutate(found); err != nil {
		return err
	}

	for _, t := range found {
		_, err := tx.Exec(ctx, `
UPDATE webservice_tracks SET
  status = $2, consumer_transaction_id = $3, used_at = $4, completed_at = $5, error_message = $6, updated_at = now()
WHERE id = $1
`, t.ID, t.Status, t.ConsumerTransactionID, t.UsedAt, t.CompletedAt, t.ErrorMessage)
		if err != nil {
			return errors.Wrap(err, "update track")
		}
	}
	return nil
}

// txTracks writes tracks inside a transaction owned by someone else; it never commits.
type txTracks struct{ tx pgx.Tx }

func (w txTracks) InsertTracks(ctx context.Context, items []*models.Track) ([]*models.Track, error) {
	return insertTracks(ctx, w.tx, items)
}

func (w txTracks) UpdateTracks(ctx context.Context, trackNumbers []string, mutate func(found []*models.Track) error) error {
	return updateTracks(ctx, w.tx, trackNumbers, mutate)
}

// ListConsumedBy returns the tracks a declaring transaction holds.
func (s *Storage) ListConsumedBy(ctx context.Context, transactionID uint64) ([]*models.Track, error) {
	rows, err := s.db.Query(ctx, `
SELECT `+trackColumns+`
FROM webservice_tracks
WHERE consumer_transaction_id = $1
ORDER BY track_number
`, transactionID)
	if err != nil {
		return nil, errors.Wrap(err, "select consumed tracks")
	}
	return collectTracks(rows)
}

// ListGeneratedBefore is the read-only expiry report.
func (s *Storage) ListGeneratedBefore(ctx context.Context, before time.Time, limit int) ([]*models.Track, error) {
	rows, err := s.db.Query(ctx, `
SELECT `+trackColumns+`
FROM webservice_tracks
WHERE status = 'generated' AND generated_at < $1
ORDER BY generated_at
LIMIT $2
`, before.UTC(), limit)
	if err != nil {
		return nil, errors.Wrap(err, "select expired tracks")
	}
	return collectTracks(rows)
}

func collectTracks(rows pgx.Rows) ([]*models.Track, error) {
	defer rows.Close()
	out := []*models.Track{}
	for rows.Next() {
		t, err := scanTrack(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan track")
		}
		out = append(out, t)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}
