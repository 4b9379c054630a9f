// Package memory keeps every storage contract in process memory. It backs
// local runs of the API and transport tests.
package memory

import (
	"context"
	"sort"
	"sync"

	"code.cloudfoundry.org/clock"

	"github.com/censys/scan-lifecycle/pkg/storage"
)

var (
	_ storage.RepositoryStore = (*Store)(nil)
	_ storage.ScanStore       = (*Store)(nil)
	_ storage.FindingStore    = (*Store)(nil)
	_ storage.AuditStore      = (*Store)(nil)
)

const systemAuditor = "system"

type Store struct {
	mu    sync.Mutex
	clock clock.Clock

	lastRepositoryID int64
	lastScanID       int64
	lastFindingID    int64
	lastAuditID      int64

	repositories map[int64]storage.Repository
	scans        map[int64]storage.Scan
	findings     map[int64]storage.Finding
	// scanFindings maps finding id to the set of scan ids it appears in.
	scanFindings map[int64]map[int64]struct{}
	audits       []storage.Audit
}

func NewStore() *Store {
	return NewStoreWithClock(clock.NewClock())
}

// NewStoreWithClock is NewStore with an injected clock for soft-delete
// timestamps.
func NewStoreWithClock(clk clock.Clock) *Store {
	return &Store{
		clock:        clk,
		repositories: map[int64]storage.Repository{},
		scans:        map[int64]storage.Scan{},
		findings:     map[int64]storage.Finding{},
		scanFindings: map[int64]map[int64]struct{}{},
	}
}

// nextID advances one of the per-table sequences. Explicit ids passed to
// the seed helpers move the sequence forward.
func nextID(last *int64, want int64) int64 {
	if want == 0 {
		*last++
		return *last
	}
	if want > *last {
		*last = want
	}
	return want
}

// SeedRepository stores repo, assigning an id when it has none.
func (s *Store) SeedRepository(repo storage.Repository) storage.Repository {
	s.mu.Lock()
	defer s.mu.Unlock()
	repo.ID = nextID(&s.lastRepositoryID, repo.ID)
	s.repositories[repo.ID] = repo
	return repo
}

// SeedFinding stores f linked to scanIDs, assigning an id when it has none.
func (s *Store) SeedFinding(f storage.Finding, scanIDs ...int64) storage.Finding {
	s.mu.Lock()
	defer s.mu.Unlock()
	f.ID = nextID(&s.lastFindingID, f.ID)
	f.ScanIDs = nil
	s.findings[f.ID] = f
	links := map[int64]struct{}{}
	for _, id := range scanIDs {
		links[id] = struct{}{}
	}
	s.scanFindings[f.ID] = links
	return s.finding(f.ID)
}

// finding returns a copy of the finding with its scan ids filled in.
func (s *Store) finding(id int64) storage.Finding {
	f := s.findings[id]
	f.ScanIDs = make([]int64, 0, len(s.scanFindings[id]))
	for scanID := range s.scanFindings[id] {
		f.ScanIDs = append(f.ScanIDs, scanID)
	}
	sort.Slice(f.ScanIDs, func(i, j int) bool { return f.ScanIDs[i] < f.ScanIDs[j] })
	return f
}

func (s *Store) sortedFindingIDs() []int64 {
	ids := make([]int64, 0, len(s.findings))
	for id := range s.findings {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (s *Store) GetRepository(_ context.Context, id int64) (*storage.Repository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	repo, ok := s.repositories[id]
	if !ok {
		return nil, nil
	}
	return &repo, nil
}

func (s *Store) UndeleteRepositories(_ context.Context, ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if repo, ok := s.repositories[id]; ok {
			repo.DeletedAt = nil
			s.repositories[id] = repo
		}
	}
	return nil
}

func (s *Store) SoftDeleteRepositories(_ context.Context, ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now().UTC()
	deleted := map[int64]bool{}
	for _, id := range ids {
		repo, ok := s.repositories[id]
		if !ok || repo.IsDeleted() {
			continue
		}
		ts := now
		repo.DeletedAt = &ts
		s.repositories[id] = repo
		deleted[id] = true
	}
	var findingIDs []int64
	for _, id := range s.sortedFindingIDs() {
		if deleted[s.findings[id].RepositoryID] {
			findingIDs = append(findingIDs, id)
		}
	}
	s.createAudits(findingIDs, storage.StatusNotAccessible, systemAuditor, "repository deleted")
	return nil
}
