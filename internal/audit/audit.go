package audit

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"discard/internal/domain"
)

// GenesisHash is the previous-hash sentinel for the first entry of a user's chain.
const GenesisHash = "genesis"

// Chain writes and verifies the per-user hash-linked audit log.
type Chain struct {
	DB  *sql.DB
	Now func() time.Time
}

func (c Chain) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Append inserts the next entry of userID's chain inside the caller's
// transaction. The caller commits; a rollback discards the entry together
// with the state change it describes.
func (c Chain) Append(ctx context.Context, tx *sql.Tx, userID string, payload Payload) error {
	if userID == "" {
		return fmt.Errorf("audit: user id required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("audit: marshal %s payload: %w", payload.EventType(), err)
	}
	var (
		lastSeq  int64
		lastHash string
	)
	err = tx.QueryRowContext(ctx,
		`SELECT sequence, event_hash FROM audit_log WHERE user_id=? ORDER BY sequence DESC LIMIT 1`,
		userID).Scan(&lastSeq, &lastHash)
	if err == sql.ErrNoRows {
		lastSeq = 0
		lastHash = GenesisHash
	} else if err != nil {
		return fmt.Errorf("audit: read chain head: %w", err)
	}
	seq := lastSeq + 1
	ts := c.now().UTC().Format(time.RFC3339)
	hash := EntryHash(userID, seq, payload.EventType(), ts, lastHash, string(data))
	_, err = tx.ExecContext(ctx,
		`INSERT INTO audit_log(user_id,sequence,event_type,event_data,previous_hash,event_hash,anchored_to_chain,ts) VALUES (?,?,?,?,?,?,0,?)`,
		userID, seq, payload.EventType(), string(data), lastHash, hash, ts)
	if err != nil {
		return fmt.Errorf("audit: append: %w", err)
	}
	return nil
}

// EntryHash is the canonical digest over an entry's identifying fields.
// Including the previous hash makes every digest commit to the whole prefix
// of the chain.
func EntryHash(userID string, seq int64, eventType, ts, prevHash, dataJSON string) string {
	canonical := fmt.Sprintf("%s|%d|%s|%s|%s|%s", userID, seq, eventType, ts, prevHash, dataJSON)
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

// VerifyResult reports the outcome of a chain walk.
type VerifyResult struct {
	UserID  string `json:"user_id"`
	Entries int64  `json:"entries"`
	Valid   bool   `json:"valid"`
	// BrokenAt is the sequence of the first entry that failed verification.
	BrokenAt int64  `json:"broken_at,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// Verify rewalks userID's chain from sequence 1 recomputing every hash.
// Any previous-hash mismatch indicates tampering or a missed write.
func (c Chain) Verify(ctx context.Context, userID string) (VerifyResult, error) {
	rows, err := c.DB.QueryContext(ctx,
		`SELECT sequence,event_type,event_data,previous_hash,event_hash,ts FROM audit_log WHERE user_id=? ORDER BY sequence ASC`,
		userID)
	if err != nil {
		return VerifyResult{}, err
	}
	defer rows.Close()
	res := VerifyResult{UserID: userID, Valid: true}
	prevHash := GenesisHash
	var expectSeq int64 = 1
	for rows.Next() {
		var (
			seq                              int64
			evtType, data, prev, hash, ts string
		)
		if err := rows.Scan(&seq, &evtType, &data, &prev, &hash, &ts); err != nil {
			return VerifyResult{}, err
		}
		res.Entries++
		if seq != expectSeq {
			return brokenAt(res, seq, fmt.Sprintf("expected sequence %d, found %d", expectSeq, seq)), nil
		}
		if prev != prevHash {
			return brokenAt(res, seq, "previous hash does not match prior entry"), nil
		}
		if EntryHash(userID, seq, evtType, ts, prev, data) != hash {
			return brokenAt(res, seq, "event hash does not match recomputation"), nil
		}
		prevHash = hash
		expectSeq++
	}
	return res, rows.Err()
}

func brokenAt(res VerifyResult, seq int64, detail string) VerifyResult {
	res.Valid = false
	res.BrokenAt = seq
	res.Detail = detail
	return res
}

// List returns the most recent entries for a user, newest first.
func (c Chain) List(ctx context.Context, userID string, limit int) ([]domain.AuditLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := c.DB.QueryContext(ctx,
		`SELECT id,user_id,sequence,event_type,event_data,previous_hash,event_hash,anchored_to_chain,ts
FROM audit_log WHERE user_id=? ORDER BY sequence DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []domain.AuditLogEntry
	for rows.Next() {
		var e domain.AuditLogEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Sequence, &e.EventType, &e.EventData, &e.PreviousHash, &e.EventHash, &e.AnchoredToChain, &e.Timestamp); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// EntriesAfter returns entries with id greater than cursor, oldest first.
// Used by the outbound webhook notifier.
func (c Chain) EntriesAfter(ctx context.Context, cursor int64, limit int) ([]domain.AuditLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := c.DB.QueryContext(ctx,
		`SELECT id,user_id,sequence,event_type,event_data,previous_hash,event_hash,anchored_to_chain,ts
FROM audit_log WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []domain.AuditLogEntry
	for rows.Next() {
		var e domain.AuditLogEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Sequence, &e.EventType, &e.EventData, &e.PreviousHash, &e.EventHash, &e.AnchoredToChain, &e.Timestamp); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// LatestEntryID returns the current tail of the audit log, 0 when empty.
func (c Chain) LatestEntryID(ctx context.Context) (int64, error) {
	var id int64
	err := c.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM audit_log`).Scan(&id)
	return id, err
}
