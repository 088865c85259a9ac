package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"discard/internal/domain"
)

const signingColumns = `id,request_id,intent_id,user_id,sub_organization_id,wallet_address,
unsigned_transaction,transaction_message,status,signer_activity_id,signature,
settlement_signature,error,confirmation_time_ms,created_at,updated_at`

func (r Repo) InsertSigningRequest(ctx context.Context, tx *sql.Tx, s domain.SigningRequest) error {
	_, err := r.exec(ctx, tx, `INSERT INTO signing_requests(`+signingColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.RequestID, s.IntentID, s.UserID, s.SubOrganizationID, s.WalletAddress,
		s.UnsignedTransaction, s.TransactionMessage, s.Status, nullablePtr(s.SignerActivityID), nullablePtr(s.Signature),
		nullablePtr(s.SettlementSignature), nullablePtr(s.Error), s.ConfirmationTimeMs, s.CreatedAt, s.UpdatedAt)
	return err
}

func scanSigningRequest(scan func(...any) error) (domain.SigningRequest, error) {
	var (
		s          domain.SigningRequest
		activityID sql.NullString
		signature  sql.NullString
		settlement sql.NullString
		errMsg     sql.NullString
		confMs     sql.NullInt64
	)
	err := scan(&s.ID, &s.RequestID, &s.IntentID, &s.UserID, &s.SubOrganizationID, &s.WalletAddress,
		&s.UnsignedTransaction, &s.TransactionMessage, &s.Status, &activityID, &signature,
		&settlement, &errMsg, &confMs, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if activityID.Valid {
		s.SignerActivityID = &activityID.String
	}
	if signature.Valid {
		s.Signature = &signature.String
	}
	if settlement.Valid {
		s.SettlementSignature = &settlement.String
	}
	if errMsg.Valid {
		s.Error = &errMsg.String
	}
	if confMs.Valid {
		s.ConfirmationTimeMs = &confMs.Int64
	}
	return s, nil
}

func (r Repo) GetSigningRequest(ctx context.Context, id string) (domain.SigningRequest, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+signingColumns+` FROM signing_requests WHERE id=?`, id)
	return scanSigningRequest(row.Scan)
}

// GetSigningRequestByActivity resolves the single request joined to an
// external signer activity id.
func (r Repo) GetSigningRequestByActivity(ctx context.Context, activityID string) (domain.SigningRequest, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+signingColumns+` FROM signing_requests WHERE signer_activity_id=?`, activityID)
	return scanSigningRequest(row.Scan)
}

func (r Repo) GetSigningRequestByIntent(ctx context.Context, intentID string) (domain.SigningRequest, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT `+signingColumns+` FROM signing_requests WHERE intent_id=? ORDER BY created_at DESC, id DESC LIMIT 1`, intentID)
	return scanSigningRequest(row.Scan)
}

func (r Repo) ListSigningRequests(ctx context.Context, userID, status string, limit int) ([]domain.SigningRequest, error) {
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
		`SELECT `+signingColumns+` FROM signing_requests WHERE `+strings.Join(clauses, " AND ")+` ORDER BY created_at DESC, id DESC LIMIT ?`,
		args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SigningRequest
	for rows.Next() {
		s, err := scanSigningRequest(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// SigningPatch carries the optional fields written alongside a status advance.
type SigningPatch struct {
	SignerActivityID    string
	Signature           string
	SettlementSignature string
	Error               string
	ConfirmationTimeMs  *int64
}

// AdvanceSigningRequest moves a request forward through its lifecycle with a
// compare-and-swap on the current status. Returns false when the request has
// already moved past every status in the from-set, which makes redelivered
// webhooks and duplicate timers no-ops.
func (r Repo) AdvanceSigningRequest(ctx context.Context, tx *sql.Tx, id string, from []string, to string, patch SigningPatch) (bool, error) {
	if len(from) == 0 {
		return false, fmt.Errorf("advance signing request: empty from-set")
	}
	sets := []string{"status=?", "updated_at=?"}
	args := []any{to, r.now()}
	if patch.SignerActivityID != "" {
		sets = append(sets, "signer_activity_id=?")
		args = append(args, patch.SignerActivityID)
	}
	if patch.Signature != "" {
		sets = append(sets, "signature=?")
		args = append(args, patch.Signature)
	}
	if patch.SettlementSignature != "" {
		sets = append(sets, "settlement_signature=?")
		args = append(args, patch.SettlementSignature)
	}
	if patch.Error != "" {
		sets = append(sets, "error=?")
		args = append(args, patch.Error)
	}
	if patch.ConfirmationTimeMs != nil {
		sets = append(sets, "confirmation_time_ms=?")
		args = append(args, *patch.ConfirmationTimeMs)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(from)), ",")
	args = append(args, id)
	for _, s := range from {
		args = append(args, s)
	}
	result, err := r.exec(ctx, tx,
		`UPDATE signing_requests SET `+strings.Join(sets, ", ")+` WHERE id=? AND status IN (`+placeholders+`)`,
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

// ListStuckSigningRequests returns requests that have waited on the external
// signer past the cutoff.
func (r Repo) ListStuckSigningRequests(ctx context.Context, cutoff string) ([]domain.SigningRequest, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+signingColumns+` FROM signing_requests WHERE status IN ('awaiting_approval','signing') AND updated_at<=? ORDER BY updated_at ASC`,
		cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SigningRequest
	for rows.Next() {
		s, err := scanSigningRequest(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// --- signing activities ---

func (r Repo) InsertSigningActivity(ctx context.Context, tx *sql.Tx, a domain.SigningActivity) error {
	_, err := r.exec(ctx, tx,
		`INSERT INTO signing_activities(request_id,activity_id,activity_type,status,result,error,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		a.RequestID, a.ActivityID, a.ActivityType, a.Status, nullable(a.Result), nullable(a.Error), a.CreatedAt, a.UpdatedAt)
	return err
}

// RefreshSigningActivity updates the latest row for an activity id with the
// signer's most recent status. Rows are otherwise immutable.
func (r Repo) RefreshSigningActivity(ctx context.Context, tx *sql.Tx, activityID, status, result, errMsg string) error {
	now := r.now()
	_, err := r.exec(ctx, tx,
		`UPDATE signing_activities SET status=?, result=COALESCE(?,result), error=COALESCE(?,error), updated_at=?
WHERE id=(SELECT MAX(id) FROM signing_activities WHERE activity_id=?)`,
		status, nullable(result), nullable(errMsg), now, activityID)
	return err
}

func (r Repo) ListSigningActivities(ctx context.Context, requestID string) ([]domain.SigningActivity, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,request_id,activity_id,activity_type,status,COALESCE(result,''),COALESCE(error,''),created_at,updated_at
FROM signing_activities WHERE request_id=? ORDER BY id ASC`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SigningActivity
	for rows.Next() {
		var a domain.SigningActivity
		if err := rows.Scan(&a.ID, &a.RequestID, &a.ActivityID, &a.ActivityType, &a.Status, &a.Result, &a.Error, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
