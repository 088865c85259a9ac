package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"discard/internal/domain"
)

type Repo struct {
	DB *sql.DB
	// Now stamps updated_at columns; defaults to time.Now.
	Now func() time.Time
}

func (r Repo) now() string {
	if r.Now != nil {
		return r.Now().UTC().Format(time.RFC3339)
	}
	return time.Now().UTC().Format(time.RFC3339)
}

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict means a conditional status update matched no row: the
	// entity moved on under a concurrent writer.
	ErrConflict = errors.New("status changed concurrently")
)

func (r Repo) exec(ctx context.Context, tx *sql.Tx, query string, args ...any) (sql.Result, error) {
	if tx != nil {
		return tx.ExecContext(ctx, query, args...)
	}
	return r.DB.ExecContext(ctx, query, args...)
}

// --- intents ---

func (r Repo) InsertIntent(ctx context.Context, in domain.Intent) error {
	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO intents(id,user_id,kind,amount_cents,destination,status,error,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		in.ID, in.UserID, in.Kind, in.AmountCents, nullable(in.Destination), in.Status, nullable(in.Error), in.CreatedAt, in.UpdatedAt)
	return err
}

func (r Repo) GetIntent(ctx context.Context, id string) (domain.Intent, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT id,user_id,kind,amount_cents,COALESCE(destination,''),status,COALESCE(error,''),created_at,updated_at FROM intents WHERE id=?`, id)
	var in domain.Intent
	err := row.Scan(&in.ID, &in.UserID, &in.Kind, &in.AmountCents, &in.Destination, &in.Status, &in.Error, &in.CreatedAt, &in.UpdatedAt)
	if err == sql.ErrNoRows {
		return in, ErrNotFound
	}
	return in, err
}

func (r Repo) SetIntentStatus(ctx context.Context, tx *sql.Tx, id, status, errMsg string) error {
	now := r.now()
	res, err := r.exec(ctx, tx,
		`UPDATE intents SET status=?, error=?, updated_at=? WHERE id=?`,
		status, nullable(errMsg), now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListIntents(ctx context.Context, userID string, limit int) ([]domain.Intent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,user_id,kind,amount_cents,COALESCE(destination,''),status,COALESCE(error,''),created_at,updated_at
FROM intents WHERE user_id=? ORDER BY created_at DESC, id DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Intent
	for rows.Next() {
		var in domain.Intent
		if err := rows.Scan(&in.ID, &in.UserID, &in.Kind, &in.AmountCents, &in.Destination, &in.Status, &in.Error, &in.CreatedAt, &in.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, in)
	}
	return res, rows.Err()
}

// --- plans ---

func (r Repo) InsertPlan(ctx context.Context, p domain.Plan) error {
	steps, err := json.Marshal(p.Steps)
	if err != nil {
		return fmt.Errorf("marshal plan steps: %w", err)
	}
	_, err = r.DB.ExecContext(ctx,
		`INSERT INTO plans(id,intent_id,user_id,steps_json,total_max_spend_cents,status,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		p.ID, p.IntentID, p.UserID, string(steps), p.TotalMaxSpendCents, p.Status, p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) GetPlan(ctx context.Context, id string) (domain.Plan, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT id,intent_id,user_id,steps_json,total_max_spend_cents,status,created_at,updated_at FROM plans WHERE id=?`, id)
	var (
		p     domain.Plan
		steps string
	)
	err := row.Scan(&p.ID, &p.IntentID, &p.UserID, &steps, &p.TotalMaxSpendCents, &p.Status, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if err := json.Unmarshal([]byte(steps), &p.Steps); err != nil {
		return p, fmt.Errorf("plan %s steps: %w", id, err)
	}
	return p, nil
}

func (r Repo) SetPlanStatus(ctx context.Context, tx *sql.Tx, id, status string) error {
	now := r.now()
	res, err := r.exec(ctx, tx, `UPDATE plans SET status=?, updated_at=? WHERE id=?`, status, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- wallets ---

func (r Repo) UpsertWallet(ctx context.Context, w domain.WalletConfig) error {
	merchants, err := marshalNullable(w.MerchantWhitelist)
	if err != nil {
		return err
	}
	mccs, err := marshalNullable(w.MCCWhitelist)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO wallets(
user_id,sub_organization_id,wallet_address,
per_transaction_cents,daily_limit_cents,monthly_limit_cents,daily_spent_cents,monthly_spent_cents,
require_2fa_above_cents,require_biometric,merchant_locking,merchant_whitelist_json,mcc_locking,mcc_whitelist_json,
daily_reset_at,monthly_reset_at,created_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(user_id) DO UPDATE SET
sub_organization_id=excluded.sub_organization_id,
wallet_address=excluded.wallet_address,
per_transaction_cents=excluded.per_transaction_cents,
daily_limit_cents=excluded.daily_limit_cents,
monthly_limit_cents=excluded.monthly_limit_cents,
require_2fa_above_cents=excluded.require_2fa_above_cents,
require_biometric=excluded.require_biometric,
merchant_locking=excluded.merchant_locking,
merchant_whitelist_json=excluded.merchant_whitelist_json,
mcc_locking=excluded.mcc_locking,
mcc_whitelist_json=excluded.mcc_whitelist_json`,
		w.UserID, w.SubOrganizationID, w.WalletAddress,
		w.Limits.PerTransactionCents, w.Limits.DailyLimitCents, w.Limits.MonthlyLimitCents,
		w.Limits.DailySpentCents, w.Limits.MonthlySpentCents,
		w.Limits.Require2FAAboveCents, boolInt(w.Limits.RequireBiometric),
		boolInt(w.MerchantLocking), merchants, boolInt(w.MCCLocking), mccs,
		w.DailyResetAt, w.MonthlyResetAt, w.CreatedAt)
	return err
}

func (r Repo) GetWallet(ctx context.Context, userID string) (domain.WalletConfig, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT
user_id,sub_organization_id,wallet_address,
per_transaction_cents,daily_limit_cents,monthly_limit_cents,daily_spent_cents,monthly_spent_cents,
require_2fa_above_cents,require_biometric,merchant_locking,merchant_whitelist_json,mcc_locking,mcc_whitelist_json,
daily_reset_at,monthly_reset_at,created_at FROM wallets WHERE user_id=?`, userID)
	var (
		w                   domain.WalletConfig
		biometric           int
		merchantLock        int
		mccLock             int
		merchants, mccsJSON sql.NullString
	)
	err := row.Scan(&w.UserID, &w.SubOrganizationID, &w.WalletAddress,
		&w.Limits.PerTransactionCents, &w.Limits.DailyLimitCents, &w.Limits.MonthlyLimitCents,
		&w.Limits.DailySpentCents, &w.Limits.MonthlySpentCents,
		&w.Limits.Require2FAAboveCents, &biometric, &merchantLock, &merchants, &mccLock, &mccsJSON,
		&w.DailyResetAt, &w.MonthlyResetAt, &w.CreatedAt)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	if err != nil {
		return w, err
	}
	w.Limits.RequireBiometric = biometric != 0
	w.MerchantLocking = merchantLock != 0
	w.MCCLocking = mccLock != 0
	if merchants.Valid && merchants.String != "" {
		if err := json.Unmarshal([]byte(merchants.String), &w.MerchantWhitelist); err != nil {
			return w, fmt.Errorf("wallet %s merchant whitelist: %w", userID, err)
		}
	}
	if mccsJSON.Valid && mccsJSON.String != "" {
		if err := json.Unmarshal([]byte(mccsJSON.String), &w.MCCWhitelist); err != nil {
			return w, fmt.Errorf("wallet %s mcc whitelist: %w", userID, err)
		}
	}
	return w, nil
}

// RecordSpend charges the rolling velocity counters. Called by the settlement
// confirmation path, never by the policy gate.
func (r Repo) RecordSpend(ctx context.Context, tx *sql.Tx, userID string, amountCents int64) error {
	res, err := r.exec(ctx, tx,
		`UPDATE wallets SET daily_spent_cents=daily_spent_cents+?, monthly_spent_cents=monthly_spent_cents+? WHERE user_id=?`,
		amountCents, amountCents, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ResetDailySpending zeroes daily counters for wallets whose window elapsed.
func (r Repo) ResetDailySpending(ctx context.Context, cutoff, now string) (int64, error) {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE wallets SET daily_spent_cents=0, daily_reset_at=? WHERE daily_reset_at<=?`, now, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ResetMonthlySpending zeroes monthly counters for wallets whose window elapsed.
func (r Repo) ResetMonthlySpending(ctx context.Context, cutoff, now string) (int64, error) {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE wallets SET monthly_spent_cents=0, monthly_reset_at=? WHERE monthly_reset_at<=?`, now, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullablePtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func marshalNullable[T any](in []T) (any, error) {
	if len(in) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
