// Package scans implements the scan lifecycle: creating scans (reviving
// soft-deleted repositories on the way), reading, updating, deleting and
// listing them along with their findings.
//
// The service keeps no state of its own. Every operation is a fixed
// sequence of store calls and nothing wraps several calls in one
// transaction, so a failure part way through leaves earlier calls applied.
package scans

import (
	"context"
	"fmt"

	"code.cloudfoundry.org/lager"

	"github.com/censys/scan-lifecycle/pkg/storage"
)

// DefaultLimit is the page size used when the caller gives none.
const DefaultLimit = 100

// Stores bundles the collaborators of the service.
type Stores struct {
	Repositories storage.RepositoryStore
	Scans        storage.ScanStore
	Findings     storage.FindingStore
	Audits       storage.AuditStore
}

type Service struct {
	logger lager.Logger
	stores Stores
}

func NewService(logger lager.Logger, stores Stores) *Service {
	return &Service{
		logger: logger.Session("scans"),
		stores: stores,
	}
}

// Page is one window of a listing plus the size of the whole listing.
type Page[T any] struct {
	Items []T
	Total int
	Skip  int
	Limit int
}

// CreateScan persists a new scan for an existing repository. A soft-deleted
// repository is revived first and its NOT_ACCESSIBLE audits are reverted.
// BASE scans always get increment 0; INCREMENTAL scans get one more than the
// repository's latest scan, or 1 when there is none.
func (s *Service) CreateScan(ctx context.Context, in storage.ScanCreate) (*storage.Scan, error) {
	logger := s.logger.Session("create-scan", lager.Data{
		"repository-id": in.RepositoryID,
		"scan-type":     in.ScanType,
	})
	logger.Debug("starting")
	defer logger.Debug("done")

	repo, err := s.stores.Repositories.GetRepository(ctx, in.RepositoryID)
	if err != nil {
		logger.Error("failed-to-get-repository", err)
		return nil, fmt.Errorf("get repository: %w", err)
	}
	if repo == nil {
		logger.Info("repository-not-found")
		return nil, ErrRepositoryNotFound
	}

	if repo.IsDeleted() {
		if err := s.reviveRepository(ctx, logger, repo.ID); err != nil {
			return nil, err
		}
	}

	switch in.ScanType {
	case storage.ScanTypeIncremental:
		latest, err := s.stores.Scans.GetLatestScanForRepository(ctx, repo.ID)
		if err != nil {
			logger.Error("failed-to-get-latest-scan", err)
			return nil, fmt.Errorf("get latest scan: %w", err)
		}
		if latest != nil {
			in.IncrementNumber = latest.IncrementNumber + 1
		} else {
			in.IncrementNumber = 1
		}
	default:
		in.IncrementNumber = 0
	}

	scan, err := s.stores.Scans.CreateScan(ctx, in)
	if err != nil {
		logger.Error("failed-to-create-scan", err)
		return nil, fmt.Errorf("create scan: %w", err)
	}
	logger.Info("created", lager.Data{"scan-id": scan.ID, "increment-number": scan.IncrementNumber})
	return scan, nil
}

// reviveRepository undeletes the repository and reverts the audits that
// marked its findings NOT_ACCESSIBLE. The revert runs even with no findings.
func (s *Service) reviveRepository(ctx context.Context, logger lager.Logger, repositoryID int64) error {
	logger = logger.Session("revive-repository")

	ids := []int64{repositoryID}
	if err := s.stores.Repositories.UndeleteRepositories(ctx, ids); err != nil {
		logger.Error("failed-to-undelete", err)
		return fmt.Errorf("undelete repository: %w", err)
	}

	findings, err := s.stores.Findings.GetFindingsForRepositories(ctx, ids, storage.StatusPtr(storage.StatusNotAccessible), nil)
	if err != nil {
		logger.Error("failed-to-get-findings", err)
		return fmt.Errorf("get inaccessible findings: %w", err)
	}

	findingIDs := make([]int64, 0, len(findings))
	for _, f := range findings {
		findingIDs = append(findingIDs, f.ID)
	}
	if err := s.stores.Audits.RevertLastAudit(ctx, findingIDs, storage.StatusNotAccessible); err != nil {
		logger.Error("failed-to-revert-audits", err)
		return fmt.Errorf("revert audits: %w", err)
	}

	logger.Info("revived", lager.Data{"reverted-findings": len(findingIDs)})
	return nil
}

func (s *Service) GetScan(ctx context.Context, id int64) (*storage.Scan, error) {
	scan, err := s.stores.Scans.GetScan(ctx, id)
	if err != nil {
		s.logger.Error("failed-to-get-scan", err, lager.Data{"scan-id": id})
		return nil, fmt.Errorf("get scan: %w", err)
	}
	if scan == nil {
		return nil, ErrScanNotFound
	}
	return scan, nil
}

// UpdateScan replaces the mutable fields of an existing scan. The repository
// is not checked again.
func (s *Service) UpdateScan(ctx context.Context, id int64, in storage.ScanCreate) (*storage.Scan, error) {
	logger := s.logger.Session("update-scan", lager.Data{"scan-id": id})

	if _, err := s.GetScan(ctx, id); err != nil {
		return nil, err
	}

	scan, err := s.stores.Scans.UpdateScan(ctx, id, in)
	if err != nil {
		logger.Error("failed-to-update-scan", err)
		return nil, fmt.Errorf("update scan: %w", err)
	}
	if scan == nil {
		return nil, ErrScanNotFound
	}
	return scan, nil
}

// DeleteScan removes a scan together with the findings only it referenced.
func (s *Service) DeleteScan(ctx context.Context, id int64) error {
	logger := s.logger.Session("delete-scan", lager.Data{"scan-id": id})

	scan, err := s.GetScan(ctx, id)
	if err != nil {
		return err
	}

	if err := s.stores.Scans.DeleteScan(ctx, scan.RepositoryID, scan.ID, true); err != nil {
		logger.Error("failed-to-delete-scan", err)
		return fmt.Errorf("delete scan: %w", err)
	}
	logger.Info("deleted", lager.Data{"repository-id": scan.RepositoryID})
	return nil
}

func (s *Service) ListScans(ctx context.Context, skip, limit int) (*Page[storage.Scan], error) {
	if err := ValidatePage(skip, limit); err != nil {
		return nil, err
	}

	items, err := s.stores.Scans.ListScans(ctx, skip, limit)
	if err != nil {
		s.logger.Error("failed-to-list-scans", err)
		return nil, fmt.Errorf("list scans: %w", err)
	}
	total, err := s.stores.Scans.CountScans(ctx)
	if err != nil {
		s.logger.Error("failed-to-count-scans", err)
		return nil, fmt.Errorf("count scans: %w", err)
	}
	return &Page[storage.Scan]{Items: items, Total: total, Skip: skip, Limit: limit}, nil
}

func (s *Service) ListFindingsForScan(ctx context.Context, scanID int64, skip, limit int) (*Page[storage.Finding], error) {
	return s.ListFindingsForScans(ctx, []int64{scanID}, skip, limit)
}

// ListFindingsForScans pages through findings of any of the scans. No scan
// ids gives an empty page.
func (s *Service) ListFindingsForScans(ctx context.Context, scanIDs []int64, skip, limit int) (*Page[storage.Finding], error) {
	if err := ValidatePage(skip, limit); err != nil {
		return nil, err
	}
	page := &Page[storage.Finding]{Items: []storage.Finding{}, Skip: skip, Limit: limit}
	if len(scanIDs) == 0 {
		return page, nil
	}

	items, err := s.stores.Findings.GetFindingsForScans(ctx, scanIDs, skip, limit)
	if err != nil {
		s.logger.Error("failed-to-list-findings", err, lager.Data{"scan-ids": scanIDs})
		return nil, fmt.Errorf("list findings: %w", err)
	}
	total, err := s.stores.Findings.CountFindingsForScans(ctx, scanIDs)
	if err != nil {
		s.logger.Error("failed-to-count-findings", err, lager.Data{"scan-ids": scanIDs})
		return nil, fmt.Errorf("count findings: %w", err)
	}
	if items != nil {
		page.Items = items
	}
	page.Total = total
	return page, nil
}

// ListDistinctRulesForScans returns each detected rule name once.
func (s *Service) ListDistinctRulesForScans(ctx context.Context, scanIDs []int64) ([]string, error) {
	if len(scanIDs) == 0 {
		return []string{}, nil
	}
	rules, err := s.stores.Findings.GetDistinctRulesForScans(ctx, scanIDs)
	if err != nil {
		s.logger.Error("failed-to-list-rules", err, lager.Data{"scan-ids": scanIDs})
		return nil, fmt.Errorf("list rules: %w", err)
	}
	if rules == nil {
		rules = []string{}
	}
	return rules, nil
}
