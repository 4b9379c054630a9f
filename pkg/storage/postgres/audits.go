package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/censys/scan-lifecycle/pkg/storage"
)

// CreateAudits records status as the latest audit of every listed finding.
func (s *Store) CreateAudits(ctx context.Context, findingIDs []int64, status storage.FindingStatus, auditor, comment string) error {
	if len(findingIDs) == 0 {
		return nil
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return createAudits(ctx, tx, findingIDs, status, auditor, comment)
	})
}

func createAudits(ctx context.Context, q querier, findingIDs []int64, status storage.FindingStatus, auditor, comment string) error {
	if len(findingIDs) == 0 {
		return nil
	}
	if _, err := q.Exec(ctx, `UPDATE audits SET is_latest = false WHERE finding_id = ANY($1) AND is_latest;`, findingIDs); err != nil {
		return fmt.Errorf("demote latest audits: %w", err)
	}
	_, err := q.Exec(ctx, `
INSERT INTO audits (finding_id, status, auditor, comment, timestamp, is_latest)
SELECT unnest($1::BIGINT[]), $2, $3, $4, now(), true;
`, findingIDs, string(status), auditor, comment)
	if err != nil {
		return fmt.Errorf("insert audits: %w", err)
	}
	return nil
}

// RevertLastAudit deletes the latest audit of each finding when its status
// matches, then promotes the newest remaining audit of those findings.
func (s *Store) RevertLastAudit(ctx context.Context, findingIDs []int64, status storage.FindingStatus) error {
	if len(findingIDs) == 0 {
		return nil
	}
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
DELETE FROM audits
WHERE finding_id = ANY($1) AND is_latest AND status = $2
RETURNING finding_id;
`, findingIDs, string(status))
		if err != nil {
			return fmt.Errorf("delete latest audits: %w", err)
		}
		reverted, err := pgx.CollectRows(rows, pgx.RowTo[int64])
		if err != nil {
			return fmt.Errorf("delete latest audits: %w", err)
		}
		if len(reverted) == 0 {
			return nil
		}
		_, err = tx.Exec(ctx, `
UPDATE audits SET is_latest = true
WHERE id IN (SELECT MAX(id) FROM audits WHERE finding_id = ANY($1) GROUP BY finding_id);
`, reverted)
		if err != nil {
			return fmt.Errorf("promote previous audits: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("revert last audit: %w", err)
	}
	return nil
}
