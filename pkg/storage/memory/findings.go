package memory

import (
	"context"

	"github.com/censys/scan-lifecycle/pkg/storage"
)

// status returns the finding's current status, NOT_ANALYZED without audits.
func (s *Store) status(findingID int64) storage.FindingStatus {
	for i := len(s.audits) - 1; i >= 0; i-- {
		if a := s.audits[i]; a.FindingID == findingID && a.IsLatest {
			return a.Status
		}
	}
	return storage.StatusNotAnalyzed
}

func (s *Store) GetFindingsForRepositories(_ context.Context, repositoryIDs []int64, status, notStatus *storage.FindingStatus) ([]storage.Finding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wanted := map[int64]bool{}
	for _, id := range repositoryIDs {
		wanted[id] = true
	}
	var out []storage.Finding
	for _, id := range s.sortedFindingIDs() {
		if !wanted[s.findings[id].RepositoryID] {
			continue
		}
		current := s.status(id)
		if status != nil && current != *status {
			continue
		}
		if notStatus != nil && current == *notStatus {
			continue
		}
		out = append(out, s.finding(id))
	}
	return out, nil
}

// scanFindingIDs lists, in id order, the findings linked to any of scanIDs.
func (s *Store) scanFindingIDs(scanIDs []int64) []int64 {
	var out []int64
	for _, id := range s.sortedFindingIDs() {
		for _, scanID := range scanIDs {
			if _, ok := s.scanFindings[id][scanID]; ok {
				out = append(out, id)
				break
			}
		}
	}
	return out
}

func (s *Store) GetFindingsForScans(_ context.Context, scanIDs []int64, skip, limit int) ([]storage.Finding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := window(s.scanFindingIDs(scanIDs), skip, limit)
	out := make([]storage.Finding, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.finding(id))
	}
	return out, nil
}

func (s *Store) CountFindingsForScans(_ context.Context, scanIDs []int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.scanFindingIDs(scanIDs)), nil
}

func (s *Store) GetDistinctRulesForScans(_ context.Context, scanIDs []int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := map[string]bool{}
	out := []string{}
	for _, id := range s.scanFindingIDs(scanIDs) {
		name := s.findings[id].RuleName
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	return out, nil
}

func (s *Store) CreateAudits(_ context.Context, findingIDs []int64, status storage.FindingStatus, auditor, comment string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.createAudits(findingIDs, status, auditor, comment)
	return nil
}

func (s *Store) createAudits(findingIDs []int64, status storage.FindingStatus, auditor, comment string) {
	now := s.clock.Now().UTC()
	for _, findingID := range findingIDs {
		if _, ok := s.findings[findingID]; !ok {
			continue
		}
		for i := range s.audits {
			if s.audits[i].FindingID == findingID {
				s.audits[i].IsLatest = false
			}
		}
		s.audits = append(s.audits, storage.Audit{
			ID:        nextID(&s.lastAuditID, 0),
			FindingID: findingID,
			Status:    status,
			Auditor:   auditor,
			Comment:   comment,
			Timestamp: now,
			IsLatest:  true,
		})
	}
}

func (s *Store) RevertLastAudit(_ context.Context, findingIDs []int64, status storage.FindingStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, findingID := range findingIDs {
		latest, previous := -1, -1
		for i, a := range s.audits {
			if a.FindingID != findingID {
				continue
			}
			if a.IsLatest {
				latest = i
			} else {
				previous = i
			}
		}
		if latest < 0 || s.audits[latest].Status != status {
			continue
		}
		if previous >= 0 {
			s.audits[previous].IsLatest = true
		}
		s.audits = append(s.audits[:latest], s.audits[latest+1:]...)
	}
	return nil
}
