package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/censys/scan-lifecycle/pkg/storage"
)

const scanColumns = `id, repository_id, scan_type, last_scanned_commit, timestamp, increment_number, rule_pack, is_latest`

func scanScan(row pgx.Row) (*storage.Scan, error) {
	var (
		scan     storage.Scan
		scanType string
	)
	err := row.Scan(
		&scan.ID,
		&scan.RepositoryID,
		&scanType,
		&scan.LastScannedCommit,
		&scan.Timestamp,
		&scan.IncrementNumber,
		&scan.RulePack,
		&scan.IsLatest,
	)
	if err != nil {
		return nil, err
	}
	scan.ScanType = storage.ScanType(scanType)
	scan.Timestamp = scan.Timestamp.UTC()
	return &scan, nil
}

func collectScan(row pgx.CollectableRow) (storage.Scan, error) {
	scan, err := scanScan(row)
	if err != nil {
		return storage.Scan{}, err
	}
	return *scan, nil
}

// GetScan returns nil when no scan has the id.
func (s *Store) GetScan(ctx context.Context, id int64) (*storage.Scan, error) {
	scan, err := scanScan(s.pool.QueryRow(ctx, `SELECT `+scanColumns+` FROM scans WHERE id = $1;`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get scan %d: %w", id, err)
	}
	return scan, nil
}

// CreateScan inserts the scan as the repository's latest and demotes the
// previous latest scan.
func (s *Store) CreateScan(ctx context.Context, in storage.ScanCreate) (*storage.Scan, error) {
	var created *storage.Scan
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `UPDATE scans SET is_latest = false WHERE repository_id = $1 AND is_latest;`, in.RepositoryID); err != nil {
			return fmt.Errorf("demote latest scan: %w", err)
		}
		row := tx.QueryRow(ctx, `
INSERT INTO scans (repository_id, scan_type, last_scanned_commit, timestamp, increment_number, rule_pack, is_latest)
VALUES ($1, $2, $3, $4, $5, $6, true)
RETURNING `+scanColumns+`;
`,
			in.RepositoryID,
			string(in.ScanType),
			in.LastScannedCommit,
			in.Timestamp.UTC(),
			in.IncrementNumber,
			in.RulePack,
		)
		scan, err := scanScan(row)
		if err != nil {
			return fmt.Errorf("insert scan: %w", err)
		}
		created = scan
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("create scan: %w", err)
	}
	return created, nil
}

// UpdateScan replaces the mutable fields of a scan. It returns nil when the
// scan does not exist. Moving a scan to another repository keeps one latest
// scan per repository on both sides.
func (s *Store) UpdateScan(ctx context.Context, id int64, in storage.ScanCreate) (*storage.Scan, error) {
	var updated *storage.Scan
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var (
			from     int64
			isLatest bool
		)
		err := tx.QueryRow(ctx, `SELECT repository_id, is_latest FROM scans WHERE id = $1 FOR UPDATE;`, id).Scan(&from, &isLatest)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("lock scan: %w", err)
		}

		moved := from != in.RepositoryID
		if moved && isLatest {
			_, err := tx.Exec(ctx, `UPDATE scans SET is_latest = false WHERE repository_id = $1 AND is_latest AND id <> $2;`, in.RepositoryID, id)
			if err != nil {
				return fmt.Errorf("demote latest scan: %w", err)
			}
		} else if moved {
			err := tx.QueryRow(ctx, `SELECT NOT EXISTS (SELECT 1 FROM scans WHERE repository_id = $1 AND is_latest);`, in.RepositoryID).Scan(&isLatest)
			if err != nil {
				return fmt.Errorf("check latest scan: %w", err)
			}
		}

		row := tx.QueryRow(ctx, `
UPDATE scans SET
  repository_id = $2,
  scan_type = $3,
  last_scanned_commit = $4,
  timestamp = $5,
  increment_number = $6,
  rule_pack = $7,
  is_latest = $8
WHERE id = $1
RETURNING `+scanColumns+`;
`,
			id,
			in.RepositoryID,
			string(in.ScanType),
			in.LastScannedCommit,
			in.Timestamp.UTC(),
			in.IncrementNumber,
			in.RulePack,
			isLatest,
		)
		scan, err := scanScan(row)
		if err != nil {
			return fmt.Errorf("update scan row: %w", err)
		}
		updated = scan

		if moved {
			if err := promoteNewest(ctx, tx, from); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("update scan %d: %w", id, err)
	}
	return updated, nil
}

// promoteNewest flags the newest scan of a repository left without a latest
// scan.
func promoteNewest(ctx context.Context, q querier, repositoryID int64) error {
	_, err := q.Exec(ctx, `
UPDATE scans SET is_latest = true
WHERE id = (SELECT id FROM scans WHERE repository_id = $1 ORDER BY id DESC LIMIT 1)
  AND NOT EXISTS (SELECT 1 FROM scans WHERE repository_id = $1 AND is_latest);
`, repositoryID)
	if err != nil {
		return fmt.Errorf("promote latest scan: %w", err)
	}
	return nil
}

// DeleteScan removes a scan. With deleteRelated, findings left without any
// scan association are removed too. When the latest scan goes, the newest
// remaining scan of the repository takes over the flag. A scan that does not
// belong to the repository is left untouched.
func (s *Store) DeleteScan(ctx context.Context, repositoryID, scanID int64, deleteRelated bool) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var wasLatest bool
		err := tx.QueryRow(ctx, `SELECT is_latest FROM scans WHERE id = $1 AND repository_id = $2 FOR UPDATE;`, scanID, repositoryID).Scan(&wasLatest)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("lock scan: %w", err)
		}

		if deleteRelated {
			rows, err := tx.Query(ctx, `DELETE FROM scan_findings WHERE scan_id = $1 RETURNING finding_id;`, scanID)
			if err != nil {
				return fmt.Errorf("unlink findings: %w", err)
			}
			findingIDs, err := pgx.CollectRows(rows, pgx.RowTo[int64])
			if err != nil {
				return fmt.Errorf("unlink findings: %w", err)
			}
			if len(findingIDs) > 0 {
				_, err = tx.Exec(ctx, `
DELETE FROM findings f
WHERE f.id = ANY($1)
  AND NOT EXISTS (SELECT 1 FROM scan_findings sf WHERE sf.finding_id = f.id);
`, findingIDs)
				if err != nil {
					return fmt.Errorf("delete orphaned findings: %w", err)
				}
			}
		}

		if _, err := tx.Exec(ctx, `DELETE FROM scans WHERE id = $1;`, scanID); err != nil {
			return fmt.Errorf("delete scan row: %w", err)
		}
		if !wasLatest {
			return nil
		}
		return promoteNewest(ctx, tx, repositoryID)
	})
	if err != nil {
		return fmt.Errorf("delete scan %d: %w", scanID, err)
	}
	return nil
}

// ListScans returns a window of scans ordered by id.
func (s *Store) ListScans(ctx context.Context, skip, limit int) ([]storage.Scan, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+scanColumns+` FROM scans ORDER BY id OFFSET $1 LIMIT $2;`, skip, limit)
	if err != nil {
		return nil, fmt.Errorf("list scans: %w", err)
	}
	scans, err := pgx.CollectRows(rows, collectScan)
	if err != nil {
		return nil, fmt.Errorf("list scans: %w", err)
	}
	return scans, nil
}

func (s *Store) CountScans(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM scans;`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count scans: %w", err)
	}
	return n, nil
}

// GetLatestScanForRepository returns nil when the repository has no scans.
func (s *Store) GetLatestScanForRepository(ctx context.Context, repositoryID int64) (*storage.Scan, error) {
	row := s.pool.QueryRow(ctx, `
SELECT `+scanColumns+`
FROM scans
WHERE repository_id = $1 AND is_latest
ORDER BY id DESC
LIMIT 1;
`, repositoryID)
	scan, err := scanScan(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest scan for repository %d: %w", repositoryID, err)
	}
	return scan, nil
}
