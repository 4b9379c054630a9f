package memory

import (
	"context"
	"sort"

	"github.com/censys/scan-lifecycle/pkg/storage"
)

func (s *Store) GetScan(_ context.Context, id int64) (*storage.Scan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	scan, ok := s.scans[id]
	if !ok {
		return nil, nil
	}
	return &scan, nil
}

func (s *Store) CreateScan(_ context.Context, in storage.ScanCreate) (*storage.Scan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.demoteLatest(in.RepositoryID, 0)
	scan := storage.Scan{ID: nextID(&s.lastScanID, 0), IsLatest: true}
	apply(&scan, in)
	s.scans[scan.ID] = scan
	return &scan, nil
}

func (s *Store) UpdateScan(_ context.Context, id int64, in storage.ScanCreate) (*storage.Scan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	scan, ok := s.scans[id]
	if !ok {
		return nil, nil
	}
	from := scan.RepositoryID
	apply(&scan, in)
	if from != scan.RepositoryID {
		if scan.IsLatest {
			s.demoteLatest(scan.RepositoryID, id)
		} else {
			scan.IsLatest = s.latestID(scan.RepositoryID) == 0
		}
	}
	s.scans[id] = scan
	if from != scan.RepositoryID && s.latestID(from) == 0 {
		s.promoteNewest(from)
	}
	return &scan, nil
}

// demoteLatest clears the latest flag on every scan of the repository except
// keep.
func (s *Store) demoteLatest(repositoryID, keep int64) {
	for id, other := range s.scans {
		if id != keep && other.RepositoryID == repositoryID && other.IsLatest {
			other.IsLatest = false
			s.scans[id] = other
		}
	}
}

func (s *Store) latestID(repositoryID int64) int64 {
	for id, scan := range s.scans {
		if scan.RepositoryID == repositoryID && scan.IsLatest {
			return id
		}
	}
	return 0
}

// promoteNewest flags the repository's highest scan id as latest.
func (s *Store) promoteNewest(repositoryID int64) {
	var newest int64
	for id, other := range s.scans {
		if other.RepositoryID == repositoryID && id > newest {
			newest = id
		}
	}
	if newest != 0 {
		promoted := s.scans[newest]
		promoted.IsLatest = true
		s.scans[newest] = promoted
	}
}

func apply(scan *storage.Scan, in storage.ScanCreate) {
	scan.RepositoryID = in.RepositoryID
	scan.ScanType = in.ScanType
	scan.LastScannedCommit = in.LastScannedCommit
	scan.Timestamp = in.Timestamp.UTC()
	scan.IncrementNumber = in.IncrementNumber
	scan.RulePack = in.RulePack
}

func (s *Store) DeleteScan(_ context.Context, repositoryID, scanID int64, deleteRelated bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	scan, ok := s.scans[scanID]
	if !ok || scan.RepositoryID != repositoryID {
		return nil
	}
	for findingID, links := range s.scanFindings {
		if _, linked := links[scanID]; !linked {
			continue
		}
		delete(links, scanID)
		if deleteRelated && len(links) == 0 {
			s.deleteFinding(findingID)
		}
	}
	delete(s.scans, scanID)
	if scan.IsLatest {
		s.promoteNewest(repositoryID)
	}
	return nil
}

func (s *Store) deleteFinding(id int64) {
	delete(s.findings, id)
	delete(s.scanFindings, id)
	kept := s.audits[:0]
	for _, a := range s.audits {
		if a.FindingID != id {
			kept = append(kept, a)
		}
	}
	s.audits = kept
}

func (s *Store) ListScans(_ context.Context, skip, limit int) ([]storage.Scan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := make([]storage.Scan, 0, len(s.scans))
	for _, scan := range s.scans {
		all = append(all, scan)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	return window(all, skip, limit), nil
}

func (s *Store) CountScans(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.scans), nil
}

func (s *Store) GetLatestScanForRepository(_ context.Context, repositoryID int64) (*storage.Scan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *storage.Scan
	for _, scan := range s.scans {
		if scan.RepositoryID != repositoryID || !scan.IsLatest {
			continue
		}
		if latest == nil || scan.ID > latest.ID {
			scan := scan
			latest = &scan
		}
	}
	return latest, nil
}

func window[T any](items []T, skip, limit int) []T {
	if skip >= len(items) {
		return []T{}
	}
	end := len(items)
	if limit < end-skip {
		end = skip + limit
	}
	return items[skip:end]
}
