package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/censys/scan-lifecycle/pkg/storage"
)

// findingColumns selects a finding with the ids of every scan it belongs to.
const findingColumns = `
  f.id,
  ARRAY(SELECT sf.scan_id FROM scan_findings sf WHERE sf.finding_id = f.id ORDER BY sf.scan_id)::BIGINT[],
  f.file_path, f.line_number, f.column_start, f.column_end,
  f.commit_id, f.commit_message, f.commit_timestamp, f.author, f.email,
  f.rule_name, f.repository_id, f.event_sent_on`

// latestStatus resolves a finding's current status from its latest audit.
const latestStatus = `COALESCE((SELECT a.status FROM audits a WHERE a.finding_id = f.id AND a.is_latest LIMIT 1), 'NOT_ANALYZED')`

func collectFinding(row pgx.CollectableRow) (storage.Finding, error) {
	var f storage.Finding
	err := row.Scan(
		&f.ID,
		&f.ScanIDs,
		&f.FilePath,
		&f.LineNumber,
		&f.ColumnStart,
		&f.ColumnEnd,
		&f.CommitID,
		&f.CommitMessage,
		&f.CommitTimestamp,
		&f.Author,
		&f.Email,
		&f.RuleName,
		&f.RepositoryID,
		&f.EventSentOn,
	)
	if err != nil {
		return storage.Finding{}, err
	}
	f.CommitTimestamp = f.CommitTimestamp.UTC()
	return f, nil
}

func statusArg(s *storage.FindingStatus) *string {
	if s == nil {
		return nil
	}
	v := string(*s)
	return &v
}

// CreateFinding inserts a finding and associates it with the given scans.
func (s *Store) CreateFinding(ctx context.Context, f storage.Finding, scanIDs []int64) (*storage.Finding, error) {
	out := f
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
INSERT INTO findings (file_path, line_number, column_start, column_end, commit_id, commit_message,
  commit_timestamp, author, email, rule_name, repository_id, event_sent_on)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
RETURNING id;
`,
			f.FilePath, f.LineNumber, f.ColumnStart, f.ColumnEnd, f.CommitID, f.CommitMessage,
			f.CommitTimestamp.UTC(), f.Author, f.Email, f.RuleName, f.RepositoryID, f.EventSentOn,
		).Scan(&out.ID)
		if err != nil {
			return fmt.Errorf("insert finding: %w", err)
		}
		if len(scanIDs) == 0 {
			return nil
		}
		_, err = tx.Exec(ctx, `
INSERT INTO scan_findings (scan_id, finding_id)
SELECT unnest($1::BIGINT[]), $2
ON CONFLICT DO NOTHING;
`, scanIDs, out.ID)
		if err != nil {
			return fmt.Errorf("link finding to scans: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("create finding: %w", err)
	}
	out.ScanIDs = append([]int64(nil), scanIDs...)
	return &out, nil
}

// GetFindingsForRepositories returns findings of the repositories filtered by
// current status. Nil filters are ignored.
func (s *Store) GetFindingsForRepositories(ctx context.Context, repositoryIDs []int64, status, notStatus *storage.FindingStatus) ([]storage.Finding, error) {
	if len(repositoryIDs) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
SELECT `+findingColumns+`
FROM findings f
WHERE f.repository_id = ANY($1)
  AND ($2::TEXT IS NULL OR `+latestStatus+` = $2)
  AND ($3::TEXT IS NULL OR `+latestStatus+` <> $3)
ORDER BY f.id;
`, repositoryIDs, statusArg(status), statusArg(notStatus))
	if err != nil {
		return nil, fmt.Errorf("findings for repositories: %w", err)
	}
	findings, err := pgx.CollectRows(rows, collectFinding)
	if err != nil {
		return nil, fmt.Errorf("findings for repositories: %w", err)
	}
	return findings, nil
}

// GetFindingsForScans returns a window of findings linked to any of the
// scans, ordered by id.
func (s *Store) GetFindingsForScans(ctx context.Context, scanIDs []int64, skip, limit int) ([]storage.Finding, error) {
	rows, err := s.pool.Query(ctx, `
SELECT `+findingColumns+`
FROM findings f
WHERE EXISTS (SELECT 1 FROM scan_findings sf WHERE sf.finding_id = f.id AND sf.scan_id = ANY($1))
ORDER BY f.id
OFFSET $2 LIMIT $3;
`, scanIDs, skip, limit)
	if err != nil {
		return nil, fmt.Errorf("findings for scans: %w", err)
	}
	findings, err := pgx.CollectRows(rows, collectFinding)
	if err != nil {
		return nil, fmt.Errorf("findings for scans: %w", err)
	}
	return findings, nil
}

func (s *Store) CountFindingsForScans(ctx context.Context, scanIDs []int64) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
SELECT count(*)
FROM findings f
WHERE EXISTS (SELECT 1 FROM scan_findings sf WHERE sf.finding_id = f.id AND sf.scan_id = ANY($1));
`, scanIDs).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count findings for scans: %w", err)
	}
	return n, nil
}

// GetDistinctRulesForScans lists each rule name once, in order of the first
// finding that carries it.
func (s *Store) GetDistinctRulesForScans(ctx context.Context, scanIDs []int64) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
SELECT f.rule_name
FROM findings f
JOIN scan_findings sf ON sf.finding_id = f.id
WHERE sf.scan_id = ANY($1)
GROUP BY f.rule_name
ORDER BY MIN(f.id);
`, scanIDs)
	if err != nil {
		return nil, fmt.Errorf("distinct rules for scans: %w", err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("distinct rules for scans: %w", err)
	}
	return names, nil
}
