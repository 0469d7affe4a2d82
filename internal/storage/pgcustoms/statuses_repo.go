package pgcustoms

import (
	"context"
	"fmt"
	"time"

	"github.com/BearBump/CustomsBox/internal/customserr"
	"github.com/BearBump/CustomsBox/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

const statusColumns = `id, voyage_id, country, webservice_type, status, can_send, is_required,
  retry_count, max_retries, last_transaction_id, confirmation_number, external_voyage_number,
  first_sent_at, last_sent_at, approved_at, created_at, updated_at`

func scanStatus(row pgx.Row) (*models.VoyageWebserviceStatus, error) {
	var v models.VoyageWebserviceStatus
	if err := row.Scan(
		&v.ID, &v.VoyageID, &v.Country, &v.WebserviceType, &v.Status, &v.CanSend, &v.IsRequired,
		&v.RetryCount, &v.MaxRetries, &v.LastTransactionID, &v.ConfirmationNumber, &v.ExternalVoyageNumber,
		&v.FirstSentAt, &v.LastSentAt, &v.ApprovedAt, &v.CreatedAt, &v.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &v, nil
}

// mirrorVoyageStatus projects a voyage transaction onto its status row. Shipment-level
// transactions have no status row. link makes t the row's last transaction; otherwise the row
// is only touched while t is still its last transaction, so a superseded one cannot overwrite it.
func mirrorVoyageStatus(ctx context.Context, tx pgx.Tx, t *models.Transaction, link bool) error {
	if t.SubjectKind != models.SubjectVoyage {
		return nil
	}
	var approvedAt *time.Time
	if t.Status == models.StatusApproved {
		approvedAt = t.ResponseAt
	}
	_, err := tx.Exec(ctx, `
INSERT INTO voyage_webservice_statuses (
  voyage_id, country, webservice_type, status, can_send, retry_count, max_retries,
  last_transaction_id, confirmation_number, first_sent_at, last_sent_at, approved_at, created_at, updated_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$10,$11,now(),now())
ON CONFLICT (voyage_id, country, webservice_type) DO UPDATE SET
  status = EXCLUDED.status,
  can_send = EXCLUDED.can_send,
  retry_count = EXCLUDED.retry_count,
  max_retries = EXCLUDED.max_retries,
  last_transaction_id = EXCLUDED.last_transaction_id,
  confirmation_number = COALESCE(EXCLUDED.confirmation_number, voyage_webservice_statuses.confirmation_number),
  first_sent_at = COALESCE(voyage_webservice_statuses.first_sent_at, EXCLUDED.first_sent_at),
  last_sent_at = COALESCE(EXCLUDED.last_sent_at, voyage_webservice_statuses.last_sent_at),
  approved_at = COALESCE(EXCLUDED.approved_at, voyage_webservice_statuses.approved_at),
  updated_at = now()
WHERE $12
   OR voyage_webservice_statuses.last_transaction_id IS NULL
   OR voyage_webservice_statuses.last_transaction_id = EXCLUDED.last_transaction_id
`, t.SubjectID, t.Country, t.WebserviceType, t.Status, t.Status.Sendable(), t.RetryCount, t.MaxRetries,
		t.ID, t.ConfirmationNumber, t.SentAt, approvedAt, link)
	return errors.Wrap(err, "mirror voyage status")
}

// lockVoyageDeclaration makes sure the status row of t exists, locks it and refuses t while the
// row's last transaction can still be sent or retried.
func lockVoyageDeclaration(ctx context.Context, tx pgx.Tx, t *models.Transaction) error {
	_, err := tx.Exec(ctx, `
INSERT INTO voyage_webservice_statuses (
  voyage_id, country, webservice_type, status, can_send, max_retries, created_at, updated_at
)
VALUES ($1,$2,$3,'pending',true,$4,now(),now())
ON CONFLICT (voyage_id, country, webservice_type) DO NOTHING
`, t.SubjectID, t.Country, t.WebserviceType, t.MaxRetries)
	if err != nil {
		return errors.Wrap(err, "ensure voyage status")
	}

	var lastID *uint64
	var lastStatus *models.TransactionStatus
	err = tx.QueryRow(ctx, `
SELECT s.last_transaction_id, w.status
FROM voyage_webservice_statuses s
LEFT JOIN webservice_transactions w ON w.id = s.last_transaction_id
WHERE s.voyage_id = $1 AND s.country = $2 AND s.webservice_type = $3
FOR UPDATE OF s
`, t.SubjectID, t.Country, t.WebserviceType).Scan(&lastID, &lastStatus)
	if err != nil {
		return errors.Wrap(err, "lock voyage status")
	}
	if lastID == nil || lastStatus == nil || lastStatus.Terminal() {
		return nil
	}
	return customserr.NewStateError(
		fmt.Sprintf("voyage %d %s/%s already has an open %s declaration, retry or cancel it first",
			t.SubjectID, t.Country, t.WebserviceType, *lastStatus),
		fmt.Sprintf("transaction %d", *lastID))
}

// EnsureVoyageStatuses creates missing rows for rules as pending and returns every row of the voyage.
// Existing rows keep their state; only is_required is raised when a rule now requires the type.
func (s *Storage) EnsureVoyageStatuses(ctx context.Context, voyageID uint64, rules []models.WebserviceRule) ([]*models.VoyageWebserviceStatus, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, r := range rules {
		_, err := tx.Exec(ctx, `
INSERT INTO voyage_webservice_statuses (
  voyage_id, country, webservice_type, status, can_send, is_required, max_retries, created_at, updated_at
)
VALUES ($1,$2,$3,'pending',true,$4,$5,now(),now())
ON CONFLICT (voyage_id, country, webservice_type) DO UPDATE SET
  is_required = voyage_webservice_statuses.is_required OR EXCLUDED.is_required
`, voyageID, r.Country, r.Type, r.Required, models.DefaultMaxRetries)
		if err != nil {
			return nil, errors.Wrap(err, "ensure voyage status")
		}
	}

	out, err := listVoyageStatuses(ctx, tx, voyageID, false)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}
	return out, nil
}

func (s *Storage) ListVoyageStatuses(ctx context.Context, voyageID uint64, onlySendable bool) ([]*models.VoyageWebserviceStatus, error) {
	return listVoyageStatuses(ctx, s.db, voyageID, onlySendable)
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func listVoyageStatuses(ctx context.Context, q querier, voyageID uint64, onlySendable bool) ([]*models.VoyageWebserviceStatus, error) {
	rows, err := q.Query(ctx, `
SELECT `+statusColumns+`
FROM voyage_webservice_statuses
WHERE voyage_id = $1 AND (NOT $2 OR can_send)
ORDER BY country, webservice_type
`, voyageID, onlySendable)
	if err != nil {
		return nil, errors.Wrap(err, "select voyage statuses")
	}
	defer rows.Close()

	out := []*models.VoyageWebserviceStatus{}
	for rows.Next() {
		v, err := scanStatus(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan voyage status")
		}
		out = append(out, v)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

func (s *Storage) GetVoyageStatus(ctx context.Context, voyageID uint64, country string, wsType models.WebserviceType) (*models.VoyageWebserviceStatus, error) {
	v, err := scanStatus(s.db.QueryRow(ctx, `
SELECT `+statusColumns+`
FROM voyage_webservice_statuses
WHERE voyage_id = $1 AND country = $2 AND webservice_type = $3
`, voyageID, country, wsType))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "select voyage status")
	}
	return v, nil
}

// ListLegacyVoyageStatuses pages the legacy table by (voyage_id, country) keyset.
func (s *Storage) ListLegacyVoyageStatuses(ctx context.Context, afterVoyageID uint64, afterCountry string, limit int) ([]models.LegacyVoyageStatus, error) {
	rows, err := s.db.Query(ctx, `
SELECT voyage_id, country, status, confirmation_number, sent_at
FROM legacy_voyage_statuses
WHERE (voyage_id, country) > ($1, $2)
ORDER BY voyage_id, country
LIMIT $3
`, afterVoyageID, afterCountry, limit)
	if err != nil {
		return nil, errors.Wrap(err, "select legacy statuses")
	}
	defer rows.Close()

	var out []models.LegacyVoyageStatus
	for rows.Next() {
		var l models.LegacyVoyageStatus
		if err := rows.Scan(&l.VoyageID, &l.Country, &l.Status, &l.ConfirmationNumber, &l.SentAt); err != nil {
			return nil, errors.Wrap(err, "scan legacy status")
		}
		out = append(out, l)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

// InsertBackfilledStatuses writes one chunk in a single transaction. Rows that already exist
// are left alone; the returned count is what was actually inserted.
func (s *Storage) InsertBackfilledStatuses(ctx context.Context, items []*models.VoyageWebserviceStatus) (int, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	inserted := 0
	for _, v := range items {
		tag, err := tx.Exec(ctx, `
INSERT INTO voyage_webservice_statuses (
  voyage_id, country, webservice_type, status, can_send, is_required, retry_count, max_retries,
  confirmation_number, first_sent_at, last_sent_at, approved_at, created_at, updated_at
)
VALUES ($1,$2,$3,$4,$5,$6,0,$7,$8,$9,$9,$10,now(),now())
ON CONFLICT (voyage_id, country, webservice_type) DO NOTHING
`, v.VoyageID, v.Country, v.WebserviceType, v.Status, v.Status.Sendable(), v.IsRequired, v.MaxRetries,
			v.ConfirmationNumber, v.FirstSentAt, v.ApprovedAt)
		if err != nil {
			return 0, errors.Wrap(err, "insert backfilled status")
		}
		inserted += int(tag.RowsAffected())
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, errors.Wrap(err, "commit tx")
	}
	return inserted, nil
}
