package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"discard/internal/domain"
)

// AnchorBatch rolls all unanchored entries of userID's chain into a Merkle
// root, records the anchor, and marks the entries anchored. Returns the
// anchor, or ErrNothingToAnchor when the chain has no unanchored entries.
func (c Chain) AnchorBatch(ctx context.Context, userID string) (domain.AuditAnchor, error) {
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.AuditAnchor{}, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT sequence, event_hash FROM audit_log WHERE user_id=? AND anchored_to_chain=0 ORDER BY sequence ASC`,
		userID)
	if err != nil {
		return domain.AuditAnchor{}, err
	}
	var (
		hashes   [][]byte
		firstSeq int64
		lastSeq  int64
	)
	for rows.Next() {
		var (
			seq  int64
			hash string
		)
		if err := rows.Scan(&seq, &hash); err != nil {
			rows.Close()
			return domain.AuditAnchor{}, err
		}
		raw, err := hex.DecodeString(hash)
		if err != nil {
			rows.Close()
			return domain.AuditAnchor{}, fmt.Errorf("audit: entry %d has malformed hash: %w", seq, err)
		}
		if firstSeq == 0 {
			firstSeq = seq
		}
		lastSeq = seq
		hashes = append(hashes, raw)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return domain.AuditAnchor{}, err
	}
	if len(hashes) == 0 {
		return domain.AuditAnchor{}, ErrNothingToAnchor
	}

	root := merkleRoot(hashes)
	anchor := domain.AuditAnchor{
		UserID:     userID,
		MerkleRoot: hex.EncodeToString(root),
		BatchSize:  len(hashes),
		FirstSeq:   firstSeq,
		LastSeq:    lastSeq,
		AnchoredAt: c.now().UTC().Format(time.RFC3339),
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO audit_anchors(user_id,merkle_root,batch_size,first_seq,last_seq,anchored_at) VALUES (?,?,?,?,?,?)`,
		anchor.UserID, anchor.MerkleRoot, anchor.BatchSize, anchor.FirstSeq, anchor.LastSeq, anchor.AnchoredAt)
	if err != nil {
		return domain.AuditAnchor{}, err
	}
	anchor.ID, _ = res.LastInsertId()
	if _, err := tx.ExecContext(ctx,
		`UPDATE audit_log SET anchored_to_chain=1 WHERE user_id=? AND sequence>=? AND sequence<=?`,
		userID, firstSeq, lastSeq); err != nil {
		return domain.AuditAnchor{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.AuditAnchor{}, err
	}
	return anchor, nil
}

// ErrNothingToAnchor is returned when every entry is already anchored.
var ErrNothingToAnchor = fmt.Errorf("no unanchored audit entries")

// merkleRoot folds leaf hashes pairwise with SHA-256, duplicating the last
// leaf on odd levels.
func merkleRoot(leaves [][]byte) []byte {
	level := leaves
	for len(level) > 1 {
		var next [][]byte
		for i := 0; i < len(level); i += 2 {
			left := level[i]
			right := left
			if i+1 < len(level) {
				right = level[i+1]
			}
			sum := sha256.Sum256(append(append([]byte{}, left...), right...))
			next = append(next, sum[:])
		}
		level = next
	}
	return level[0]
}
