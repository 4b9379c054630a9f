package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/censys/scan-lifecycle/pkg/storage"
)

// newTestStore connects to TEST_DATABASE_URL and empties every table.
func newTestStore(t *testing.T) *Store {
	t.Helper()

	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := NewDB(ctx, dsn)
	if err != nil {
		t.Fatalf("database unavailable: %v", err)
	}
	t.Cleanup(pool.Close)

	if err := EnsureSchema(ctx, pool); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	if _, err := pool.Exec(ctx, "TRUNCATE audits, scan_findings, findings, scans, repositories RESTART IDENTITY CASCADE"); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return NewStore(pool)
}

func mustRepository(t *testing.T, s *Store, name string) *storage.Repository {
	t.Helper()
	repo, err := s.CreateRepository(context.Background(), storage.Repository{
		ProjectKey:     "project_key",
		RepositoryID:   name,
		RepositoryName: name,
		RepositoryURL:  "https://vcs.example.com/" + name,
		VCSInstance:    1,
	})
	if err != nil {
		t.Fatalf("create repository: %v", err)
	}
	return repo
}

func mustScan(t *testing.T, s *Store, repoID int64, typ storage.ScanType, increment int) *storage.Scan {
	t.Helper()
	scan, err := s.CreateScan(context.Background(), storage.ScanCreate{
		RepositoryID:      repoID,
		ScanType:          typ,
		LastScannedCommit: "FAKE_HASH",
		Timestamp:         time.Now().UTC().Truncate(time.Second),
		IncrementNumber:   increment,
		RulePack:          "1.0.0",
	})
	if err != nil {
		t.Fatalf("create scan: %v", err)
	}
	return scan
}

func mustFinding(t *testing.T, s *Store, repoID int64, rule string, scanIDs ...int64) *storage.Finding {
	t.Helper()
	f, err := s.CreateFinding(context.Background(), storage.Finding{
		FilePath:        "config/app.yaml",
		LineNumber:      3,
		ColumnStart:     1,
		ColumnEnd:       20,
		CommitID:        "abc123",
		CommitMessage:   "add config",
		CommitTimestamp: time.Now().UTC().Truncate(time.Second),
		Author:          "dev",
		Email:           "dev@example.com",
		RuleName:        rule,
		RepositoryID:    repoID,
	}, scanIDs)
	if err != nil {
		t.Fatalf("create finding: %v", err)
	}
	return f
}

func TestCreateScanKeepsSingleLatest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo := mustRepository(t, s, "repo_1")

	first := mustScan(t, s, repo.ID, storage.ScanTypeBase, 0)
	second := mustScan(t, s, repo.ID, storage.ScanTypeIncremental, 1)

	latest, err := s.GetLatestScanForRepository(ctx, repo.ID)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest == nil || latest.ID != second.ID {
		t.Fatalf("expected scan %d to be latest, got %+v", second.ID, latest)
	}

	got, err := s.GetScan(ctx, first.ID)
	if err != nil {
		t.Fatalf("get scan: %v", err)
	}
	if got.IsLatest {
		t.Fatalf("expected first scan demoted")
	}

	n, err := s.CountScans(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 scans, got %d", n)
	}
}

func TestDeleteScanRemovesOrphanedFindings(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo := mustRepository(t, s, "repo_1")

	base := mustScan(t, s, repo.ID, storage.ScanTypeBase, 0)
	inc := mustScan(t, s, repo.ID, storage.ScanTypeIncremental, 1)
	mustFinding(t, s, repo.ID, "aws-key", base.ID, inc.ID)
	mustFinding(t, s, repo.ID, "password", inc.ID)

	if err := s.DeleteScan(ctx, repo.ID, inc.ID, true); err != nil {
		t.Fatalf("delete: %v", err)
	}

	remaining, err := s.GetFindingsForRepositories(ctx, []int64{repo.ID}, nil, nil)
	if err != nil {
		t.Fatalf("findings: %v", err)
	}
	if len(remaining) != 1 || remaining[0].RuleName != "aws-key" {
		t.Fatalf("expected only shared finding to survive, got %+v", remaining)
	}
	if len(remaining[0].ScanIDs) != 1 || remaining[0].ScanIDs[0] != base.ID {
		t.Fatalf("unexpected scan ids: %v", remaining[0].ScanIDs)
	}

	latest, err := s.GetLatestScanForRepository(ctx, repo.ID)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest == nil || latest.ID != base.ID {
		t.Fatalf("expected base scan promoted to latest, got %+v", latest)
	}
}

func TestSoftDeleteAndRevert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo := mustRepository(t, s, "repo_1")
	scan := mustScan(t, s, repo.ID, storage.ScanTypeBase, 0)
	f := mustFinding(t, s, repo.ID, "aws-key", scan.ID)

	if err := s.CreateAudits(ctx, []int64{f.ID}, storage.StatusTruePositive, "alice", "confirmed"); err != nil {
		t.Fatalf("audit: %v", err)
	}
	if err := s.SoftDeleteRepositories(ctx, []int64{repo.ID}); err != nil {
		t.Fatalf("soft delete: %v", err)
	}

	got, err := s.GetRepository(ctx, repo.ID)
	if err != nil {
		t.Fatalf("get repository: %v", err)
	}
	if !got.IsDeleted() {
		t.Fatalf("expected repository deleted")
	}

	inaccessible, err := s.GetFindingsForRepositories(ctx, []int64{repo.ID}, storage.StatusPtr(storage.StatusNotAccessible), nil)
	if err != nil {
		t.Fatalf("findings: %v", err)
	}
	if len(inaccessible) != 1 {
		t.Fatalf("expected 1 NOT_ACCESSIBLE finding, got %d", len(inaccessible))
	}

	if err := s.UndeleteRepositories(ctx, []int64{repo.ID}); err != nil {
		t.Fatalf("undelete: %v", err)
	}
	if err := s.RevertLastAudit(ctx, []int64{f.ID}, storage.StatusNotAccessible); err != nil {
		t.Fatalf("revert: %v", err)
	}

	truePositive, err := s.GetFindingsForRepositories(ctx, []int64{repo.ID}, storage.StatusPtr(storage.StatusTruePositive), nil)
	if err != nil {
		t.Fatalf("findings: %v", err)
	}
	if len(truePositive) != 1 {
		t.Fatalf("expected audit reverted to TRUE_POSITIVE, got %d findings", len(truePositive))
	}
}

func TestDistinctRulesForScans(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo := mustRepository(t, s, "repo_1")
	scan := mustScan(t, s, repo.ID, storage.ScanTypeBase, 0)
	mustFinding(t, s, repo.ID, "password", scan.ID)
	mustFinding(t, s, repo.ID, "aws-key", scan.ID)
	mustFinding(t, s, repo.ID, "password", scan.ID)

	rules, err := s.GetDistinctRulesForScans(ctx, []int64{scan.ID})
	if err != nil {
		t.Fatalf("rules: %v", err)
	}
	if len(rules) != 2 || rules[0] != "password" || rules[1] != "aws-key" {
		t.Fatalf("unexpected rules: %v", rules)
	}

	page, err := s.GetFindingsForScans(ctx, []int64{scan.ID}, 1, 5)
	if err != nil {
		t.Fatalf("findings: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("expected 2 findings after skip, got %d", len(page))
	}
	total, err := s.CountFindingsForScans(ctx, []int64{scan.ID})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if total != 3 {
		t.Fatalf("expected total 3, got %d", total)
	}
}

func TestDeleteScanWrongRepositoryKeepsFindings(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo := mustRepository(t, s, "repo_1")
	other := mustRepository(t, s, "repo_2")

	scan := mustScan(t, s, repo.ID, storage.ScanTypeBase, 0)
	mustFinding(t, s, repo.ID, "aws-key", scan.ID)

	if err := s.DeleteScan(ctx, other.ID, scan.ID, true); err != nil {
		t.Fatalf("delete: %v", err)
	}

	got, err := s.GetScan(ctx, scan.ID)
	if err != nil {
		t.Fatalf("get scan: %v", err)
	}
	if got == nil || !got.IsLatest {
		t.Fatalf("scan must survive a delete keyed by another repository, got %+v", got)
	}
	n, err := s.CountFindingsForScans(ctx, []int64{scan.ID})
	if err != nil {
		t.Fatalf("count findings: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected the finding to stay linked, got %d", n)
	}
}

func TestUpdateScanMovesLatestFlag(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo1 := mustRepository(t, s, "repo_1")
	repo2 := mustRepository(t, s, "repo_2")

	older := mustScan(t, s, repo1.ID, storage.ScanTypeBase, 0)
	moved := mustScan(t, s, repo1.ID, storage.ScanTypeIncremental, 1)
	target := mustScan(t, s, repo2.ID, storage.ScanTypeBase, 0)

	updated, err := s.UpdateScan(ctx, moved.ID, storage.ScanCreate{
		RepositoryID:      repo2.ID,
		ScanType:          storage.ScanTypeIncremental,
		LastScannedCommit: "FAKE_HASH",
		Timestamp:         time.Now().UTC().Truncate(time.Second),
		IncrementNumber:   1,
		RulePack:          "1.0.0",
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated == nil || !updated.IsLatest || updated.RepositoryID != repo2.ID {
		t.Fatalf("unexpected updated scan: %+v", updated)
	}

	got, err := s.GetScan(ctx, target.ID)
	if err != nil {
		t.Fatalf("get scan: %v", err)
	}
	if got.IsLatest {
		t.Fatalf("previous latest of repo_2 should be demoted")
	}
	latest, err := s.GetLatestScanForRepository(ctx, repo1.ID)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest == nil || latest.ID != older.ID {
		t.Fatalf("expected scan %d promoted in repo_1, got %+v", older.ID, latest)
	}

	missing, err := s.UpdateScan(ctx, 9999, storage.ScanCreate{RepositoryID: repo1.ID, ScanType: storage.ScanTypeBase})
	if err != nil || missing != nil {
		t.Fatalf("expected nil for unknown scan, got %+v, %v", missing, err)
	}
}
