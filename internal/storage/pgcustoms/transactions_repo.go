package pgcustoms

import (
	"context"
	"time"

	"github.com/BearBump/CustomsBox/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

const transactionColumns = `id, company_id, subject_kind, subject_id, webservice_type, country, environment,
  status, retry_count, max_retries, confirmation_number, external_reference, payload,
  sent_at, response_at, next_attempt_at, error_code, error_message, created_at, updated_at`

func scanTransaction(row pgx.Row) (*models.Transaction, error) {
	var t models.Transaction
	if err := row.Scan(
		&t.ID, &t.CompanyID, &t.SubjectKind, &t.SubjectID, &t.WebserviceType, &t.Country, &t.Environment,
		&t.Status, &t.RetryCount, &t.MaxRetries, &t.ConfirmationNumber, &t.ExternalReference, &t.Payload,
		&t.SentAt, &t.ResponseAt, &t.NextAttemptAt, &t.ErrorCode, &t.ErrorMessage, &t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &t, nil
}

// CreateTransaction inserts t and links it to its voyage status row in one transaction. A voyage
// declaration whose previous transaction is still open is refused with a state error. after, when
// set, runs before the commit.
func (s *Storage) CreateTransaction(ctx context.Context, t *models.Transaction, after models.AfterWrite) (*models.Transaction, error) {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if t.SubjectKind == models.SubjectVoyage {
		if err := lockVoyageDeclaration(ctx, tx, t); err != nil {
			return nil, err
		}
	}

	saved, err := scanTransaction(tx.QueryRow(ctx, `
INSERT INTO webservice_transactions (
  company_id, subject_kind, subject_id, webservice_type, country, environment,
  status, retry_count, max_retries, external_reference, payload, created_at, updated_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$12)
RETURNING `+transactionColumns,
		t.CompanyID, t.SubjectKind, t.SubjectID, t.WebserviceType, t.Country, t.Environment,
		t.Status, t.RetryCount, t.MaxRetries, t.ExternalReference, t.Payload, now))
	if err != nil {
		return nil, errors.Wrap(err, "insert transaction")
	}

	if err := mirrorVoyageStatus(ctx, tx, saved, true); err != nil {
		return nil, err
	}
	if after != nil {
		if err := after(ctx, saved, txTracks{tx: tx}); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}
	return saved, nil
}

func (s *Storage) GetTransaction(ctx context.Context, id uint64) (*models.Transaction, error) {
	t, err := scanTransaction(s.db.QueryRow(ctx, `SELECT `+transactionColumns+` FROM webservice_transactions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "select transaction")
	}
	return t, nil
}

// UpdateTransaction locks the row, lets mutate change it and writes it back together with the
// voyage status mirror and whatever after writes. An error from mutate or after rolls everything
// back and is returned as is.
func (s *Storage) UpdateTransaction(ctx context.Context, id uint64, mutate func(t *models.Transaction) error, after models.AfterWrite) (*models.Transaction, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	t, err := scanTransaction(tx.QueryRow(ctx, `SELECT `+transactionColumns+` FROM webservice_transactions WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "lock transaction")
	}

	if err := mutate(t); err != nil {
		return nil, err
	}

	saved, err := writeTransaction(ctx, tx, t)
	if err != nil {
		return nil, err
	}
	if err := mirrorVoyageStatus(ctx, tx, saved, false); err != nil {
		return nil, err
	}
	if after != nil {
		if err := after(ctx, saved, txTracks{tx: tx}); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}
	return saved, nil
}

func writeTransaction(ctx context.Context, tx pgx.Tx, t *models.Transaction) (*models.Transaction, error) {
	saved, err := scanTransaction(tx.QueryRow(ctx, `
UPDATE webservice_transactions SET
  status = $2, retry_count = $3, max_retries = $4, confirmation_number = $5,
  sent_at = $6, response_at = $7, next_attempt_at = $8, error_code = $9, error_message = $10,
  updated_at = now()
WHERE id = $1
RETURNING `+transactionColumns,
		t.ID, t.Status, t.RetryCount, t.MaxRetries, t.ConfirmationNumber,
		t.SentAt, t.ResponseAt, t.NextAttemptAt, t.ErrorCode, t.ErrorMessage))
	if err != nil {
		return nil, errors.Wrap(err, "update transaction")
	}
	return saved, nil
}

// ClaimRetryableTransactions picks failed transactions whose next attempt is due and leases them
// by moving them to retry with next_attempt_at pushed by lease. Rows leased by a crashed worker
// become claimable again once the lease passes. Failures without a scheduled attempt wait for
// an operator.
func (s *Storage) ClaimRetryableTransactions(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*models.Transaction, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
SELECT `+transactionColumns+`
FROM webservice_transactions
WHERE status IN ('error', 'retry')
  AND retry_count < max_retries
  AND next_attempt_at IS NOT NULL
  AND next_attempt_at <= $1
ORDER BY next_attempt_at ASC
LIMIT $2
FOR UPDATE SKIP LOCKED
`, now.UTC(), limit)
	if err != nil {
		return nil, errors.Wrap(err, "select due transactions")
	}
	picked, err := collectTransactions(rows)
	if err != nil {
		return nil, err
	}

	leaseUntil := now.UTC().Add(lease)
	out := make([]*models.Transaction, 0, len(picked))
	for _, t := range picked {
		t.Status = models.StatusRetry
		t.NextAttemptAt = &leaseUntil
		saved, err := writeTransaction(ctx, tx, t)
		if err != nil {
			return nil, err
		}
		if err := mirrorVoyageStatus(ctx, tx, saved, false); err != nil {
			return nil, err
		}
		out = append(out, saved)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}
	return out, nil
}

// ExpireStaleTransactions moves pending and sent transactions untouched since before to expired.
func (s *Storage) ExpireStaleTransactions(ctx context.Context, before time.Time, limit int) ([]*models.Transaction, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
SELECT `+transactionColumns+`
FROM webservice_transactions
WHERE status IN ('pending', 'sent') AND updated_at < $1
ORDER BY id
LIMIT $2
FOR UPDATE SKIP LOCKED
`, before.UTC(), limit)
	if err != nil {
		return nil, errors.Wrap(err, "select stale transactions")
	}
	picked, err := collectTransactions(rows)
	if err != nil {
		return nil, err
	}

	out := make([]*models.Transaction, 0, len(picked))
	for _, t := range picked {
		msg := "no response before expiry"
		t.Status = models.StatusExpired
		t.ErrorMessage = &msg
		t.NextAttemptAt = nil
		saved, err := writeTransaction(ctx, tx, t)
		if err != nil {
			return nil, err
		}
		if err := mirrorVoyageStatus(ctx, tx, saved, false); err != nil {
			return nil, err
		}
		out = append(out, saved)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}
	return out, nil
}

func (s *Storage) TransactionStats(ctx context.Context, f models.TransactionStatsFilter) (models.TransactionStats, error) {
	st := models.TransactionStats{
		ByStatus:         map[models.TransactionStatus]int64{},
		ByWebserviceType: map[models.WebserviceType]int64{},
	}

	rows, err := s.db.Query(ctx, `
SELECT status, webservice_type, count(*)
FROM webservice_transactions
WHERE ($1::bigint = 0 OR company_id = $1::bigint)
  AND created_at >= $2
GROUP BY status, webservice_type
`, int64(f.CompanyID), f.Since.UTC())
	if err != nil {
		return st, errors.Wrap(err, "transaction stats")
	}
	defer rows.Close()

	for rows.Next() {
		var status models.TransactionStatus
		var wsType models.WebserviceType
		var n int64
		if err := rows.Scan(&status, &wsType, &n); err != nil {
			return st, errors.Wrap(err, "scan stats")
		}
		st.ByStatus[status] += n
		st.ByWebserviceType[wsType] += n
		st.Total += n
	}
	if rows.Err() != nil {
		return st, errors.Wrap(rows.Err(), "rows")
	}
	return st, nil
}

func collectTransactions(rows pgx.Rows) ([]*models.Transaction, error) {
	defer rows.Close()
	var out []*models.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan transaction")
		}
		out = append(out, t)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}
