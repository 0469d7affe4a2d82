package pgcustoms

import (
	"context"
	"time"

	"github.com/BearBump/CustomsBox/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

const tokenColumns = `id, company_id, service, environment, token, sign,
  COALESCE(issued_at, created_at), COALESCE(expires_at, created_at),
  status, last_error, created_at, updated_at`

func scanToken(row pgx.Row) (*models.AuthToken, error) {
	var t models.AuthToken
	if err := row.Scan(
		&t.ID, &t.CompanyID, &t.Service, &t.Environment, &t.Token, &t.Sign,
		&t.IssuedAt, &t.ExpiresAt,
		&t.Status, &t.LastError, &t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &t, nil
}

// GetActiveToken returns the active token of key or ErrNotFound.
func (s *Storage) GetActiveToken(ctx context.Context, key models.TokenKey) (*models.AuthToken, error) {
	t, err := scanToken(s.db.QueryRow(ctx, `
SELECT `+tokenColumns+`
FROM auth_tokens
WHERE company_id = $1 AND service = $2 AND environment = $3 AND status = 'active'
`, key.CompanyID, key.Service, key.Environment))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "select active token")
	}
	return t, nil
}

// ReplaceActiveToken expires the current active token of the same key and inserts t as active.
func (s *Storage) ReplaceActiveToken(ctx context.Context, t *models.AuthToken) (*models.AuthToken, error) {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
UPDATE auth_tokens SET status = 'expired', updated_at = $4
WHERE company_id = $1 AND service = $2 AND environment = $3 AND status = 'active'
`, t.CompanyID, t.Service, t.Environment, now)
	if err != nil {
		return nil, errors.Wrap(err, "expire previous token")
	}

	saved, err := scanToken(tx.QueryRow(ctx, `
INSERT INTO auth_tokens (
  company_id, service, environment, token, sign, issued_at, expires_at, status, created_at, updated_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,'active',$8,$8)
RETURNING `+tokenColumns,
		t.CompanyID, t.Service, t.Environment, t.Token, t.Sign, t.IssuedAt.UTC(), t.ExpiresAt.UTC(), now))
	if err != nil {
		return nil, errors.Wrap(err, "insert token")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}
	return saved, nil
}

// RecordTokenError keeps a failed refresh for diagnostics. It never touches the active row.
func (s *Storage) RecordTokenError(ctx context.Context, key models.TokenKey, msg string) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO auth_tokens (company_id, service, environment, status, last_error, created_at, updated_at)
VALUES ($1,$2,$3,'error',$4,now(),now())
`, key.CompanyID, key.Service, key.Environment, msg)
	return errors.Wrap(err, "insert token error")
}

func (s *Storage) RevokeActiveToken(ctx context.Context, key models.TokenKey) (bool, error) {
	tag, err := s.db.Exec(ctx, `
UPDATE auth_tokens SET status = 'revoked', updated_at = now()
WHERE company_id = $1 AND service = $2 AND environment = $3 AND status = 'active'
`, key.CompanyID, key.Service, key.Environment)
	if err != nil {
		return false, errors.Wrap(err, "revoke token")
	}
	return tag.RowsAffected() > 0, nil
}

// staleTokenWhere matches expired rows (explicitly or past expires_at) older than $2 and
// revoked/error rows older than $3. $1 = 0 matches every company.
const staleTokenWhere = `
WHERE ($1::bigint = 0 OR company_id = $1::bigint)
  AND (
    (status = 'expired' AND COALESCE(expires_at, updated_at) < $2)
 OR (status = 'active' AND expires_at < $2)
 OR (status IN ('revoked', 'error') AND updated_at < $3)
  )`

// staleStatus folds lapsed active rows into expired for reporting.
const staleStatus = `CASE WHEN status = 'active' THEN 'expired' ELSE status END`

func (s *Storage) CountStaleTokens(ctx context.Context, r models.TokenRetention) (map[models.TokenStatus]int64, error) {
	rows, err := s.db.Query(ctx, `
SELECT `+staleStatus+` AS st, count(*)
FROM auth_tokens`+staleTokenWhere+`
GROUP BY st
`, int64(r.CompanyID), r.ExpiredBefore.UTC(), r.FailedBefore.UTC())
	if err != nil {
		return nil, errors.Wrap(err, "count stale tokens")
	}
	return collectStatusCounts(rows)
}

func (s *Storage) DeleteStaleTokens(ctx context.Context, r models.TokenRetention) (map[models.TokenStatus]int64, error) {
	rows, err := s.db.Query(ctx, `
WITH deleted AS (
  DELETE FROM auth_tokens`+staleTokenWhere+`
  RETURNING status
)
SELECT `+staleStatus+` AS st, count(*) FROM deleted GROUP BY st
`, int64(r.CompanyID), r.ExpiredBefore.UTC(), r.FailedBefore.UTC())
	if err != nil {
		return nil, errors.Wrap(err, "delete stale tokens")
	}
	return collectStatusCounts(rows)
}

func collectStatusCounts(rows pgx.Rows) (map[models.TokenStatus]int64, error) {
	defer rows.Close()
	out := map[models.TokenStatus]int64{}
	for rows.Next() {
		var st models.TokenStatus
		var n int64
		if err := rows.Scan(&st, &n); err != nil {
			return nil, errors.Wrap(err, "scan count")
		}
		out[st] = n
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}
