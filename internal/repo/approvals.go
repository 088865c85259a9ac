package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"discard/internal/domain"
)

const approvalColumns = `id,user_id,plan_id,intent_id,preview_json,approval_mode,
countdown_started_at,countdown_duration_ms,auto_approve_at_ms,status,
created_at,expires_at,resolved_at,approved_by,rejection_reason`

func (r Repo) InsertApproval(ctx context.Context, tx *sql.Tx, a domain.ApprovalEntry) error {
	preview, err := json.Marshal(a.Preview)
	if err != nil {
		return fmt.Errorf("marshal approval preview: %w", err)
	}
	_, err = r.exec(ctx, tx, `INSERT INTO approval_entries(`+approvalColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.UserID, a.PlanID, a.IntentID, string(preview), a.ApprovalMode,
		nullablePtr(a.CountdownStartedAt), a.CountdownDurationMs, a.AutoApproveAtMs, a.Status,
		a.CreatedAt, a.ExpiresAt, nullablePtr(a.ResolvedAt), nullablePtr(a.ApprovedBy), nullablePtr(a.RejectionReason))
	return err
}

func scanApproval(scan func(...any) error) (domain.ApprovalEntry, error) {
	var (
		a       domain.ApprovalEntry
		preview string
		started sql.NullString
		durMs   sql.NullInt64
		autoMs  sql.NullInt64
		resAt   sql.NullString
		appBy   sql.NullString
		reason  sql.NullString
	)
	err := scan(&a.ID, &a.UserID, &a.PlanID, &a.IntentID, &preview, &a.ApprovalMode,
		&started, &durMs, &autoMs, &a.Status,
		&a.CreatedAt, &a.ExpiresAt, &resAt, &appBy, &reason)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if err := json.Unmarshal([]byte(preview), &a.Preview); err != nil {
		return a, fmt.Errorf("approval %s preview: %w", a.ID, err)
	}
	if started.Valid {
		a.CountdownStartedAt = &started.String
	}
	if durMs.Valid {
		a.CountdownDurationMs = &durMs.Int64
	}
	if autoMs.Valid {
		a.AutoApproveAtMs = &autoMs.Int64
	}
	if resAt.Valid {
		a.ResolvedAt = &resAt.String
	}
	if appBy.Valid {
		a.ApprovedBy = &appBy.String
	}
	if reason.Valid {
		a.RejectionReason = &reason.String
	}
	return a, nil
}

func (r Repo) GetApproval(ctx context.Context, id string) (domain.ApprovalEntry, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approval_entries WHERE id=?`, id)
	return scanApproval(row.Scan)
}

func (r Repo) GetApprovalByPlan(ctx context.Context, planID string) (domain.ApprovalEntry, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approval_entries WHERE plan_id=?`, planID)
	return scanApproval(row.Scan)
}

func (r Repo) ListApprovals(ctx context.Context, userID, status string, limit int) ([]domain.ApprovalEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	clauses := []string{"user_id=?"}
	args := []any{userID}
	if status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, status)
	}
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+approvalColumns+` FROM approval_entries WHERE `+strings.Join(clauses, " AND ")+` ORDER BY created_at DESC, id DESC LIMIT ?`,
		args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ApprovalEntry
	for rows.Next() {
		a, err := scanApproval(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// ApprovalResolution carries the terminal fields of a resolved entry.
type ApprovalResolution struct {
	ResolvedAt      string
	ApprovedBy      string
	RejectionReason string
}

// ResolveApproval moves an approval from one of the allowed statuses to its
// terminal status. The WHERE clause carries the legal from-set so concurrent
// resolvers cannot double-fire: exactly one caller sees ok=true.
func (r Repo) ResolveApproval(ctx context.Context, tx *sql.Tx, id string, from []string, to string, res ApprovalResolution) (bool, error) {
	if len(from) == 0 {
		return false, fmt.Errorf("resolve approval: empty from-set")
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(from)), ",")
	args := []any{to, nullable(res.ResolvedAt), nullable(res.ApprovedBy), nullable(res.RejectionReason), id}
	for _, s := range from {
		args = append(args, s)
	}
	result, err := r.exec(ctx, tx,
		`UPDATE approval_entries SET status=?, resolved_at=?, approved_by=?, rejection_reason=? WHERE id=? AND status IN (`+placeholders+`)`,
		args...)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ListExpiredPending returns pending entries whose hard expiry has passed.
// Entries in counting_down resolve via their own timer and are excluded.
func (r Repo) ListExpiredPending(ctx context.Context, cutoff string) ([]domain.ApprovalEntry, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+approvalColumns+` FROM approval_entries WHERE status='pending' AND expires_at<=? ORDER BY expires_at ASC`,
		cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ApprovalEntry
	for rows.Next() {
		a, err := scanApproval(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
