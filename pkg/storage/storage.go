package storage

import (
	"context"
	"time"
)

// ScanType distinguishes full scans from delta scans.
type ScanType string

const (
	ScanTypeBase        ScanType = "BASE"
	ScanTypeIncremental ScanType = "INCREMENTAL"
)

// Valid reports whether t is a known scan type.
func (t ScanType) Valid() bool {
	return t == ScanTypeBase || t == ScanTypeIncremental
}

// FindingStatus is the audit status of a finding.
type FindingStatus string

const (
	StatusNotAnalyzed           FindingStatus = "NOT_ANALYZED"
	StatusUnderReview           FindingStatus = "UNDER_REVIEW"
	StatusClarificationRequired FindingStatus = "CLARIFICATION_REQUIRED"
	StatusFalsePositive         FindingStatus = "FALSE_POSITIVE"
	StatusTruePositive          FindingStatus = "TRUE_POSITIVE"
	StatusNotAccessible         FindingStatus = "NOT_ACCESSIBLE"
	StatusOutdated              FindingStatus = "OUTDATED"
)

// Repository is a VCS repository known to the system. It is soft-deleted
// when DeletedAt is set.
type Repository struct {
	ID             int64
	ProjectKey     string
	RepositoryID   string
	RepositoryName string
	RepositoryURL  string
	VCSInstance    int64
	DeletedAt      *time.Time
}

// IsDeleted reports whether the repository is soft-deleted.
func (r *Repository) IsDeleted() bool {
	return r.DeletedAt != nil
}

// ScanCreate holds the caller-supplied fields of a scan. It is also the
// replacement payload for updates.
type ScanCreate struct {
	RepositoryID      int64
	ScanType          ScanType
	LastScannedCommit string
	Timestamp         time.Time
	IncrementNumber   int
	RulePack          string
}

// Scan is one persisted analysis pass over a repository.
type Scan struct {
	ID                int64
	RepositoryID      int64
	ScanType          ScanType
	LastScannedCommit string
	Timestamp         time.Time
	IncrementNumber   int
	RulePack          string
	IsLatest          bool
}

// Finding is a single detected issue. ScanIDs is populated on read from the
// scan association table.
type Finding struct {
	ID              int64
	ScanIDs         []int64
	FilePath        string
	LineNumber      int
	ColumnStart     int
	ColumnEnd       int
	CommitID        string
	CommitMessage   string
	CommitTimestamp time.Time
	Author          string
	Email           string
	RuleName        string
	RepositoryID    int64
	EventSentOn     *time.Time
}

// Audit is a status change recorded against a finding.
type Audit struct {
	ID        int64
	FindingID int64
	Status    FindingStatus
	Auditor   string
	Comment   string
	Timestamp time.Time
	IsLatest  bool
}

// RepositoryStore looks up and soft-deletes repositories. Absent records are
// returned as nil with a nil error.
type RepositoryStore interface {
	GetRepository(ctx context.Context, id int64) (*Repository, error)
	UndeleteRepositories(ctx context.Context, ids []int64) error
	SoftDeleteRepositories(ctx context.Context, ids []int64) error
}

// ScanStore persists scans. CreateScan keeps at most one scan per
// repository flagged as latest.
type ScanStore interface {
	GetScan(ctx context.Context, id int64) (*Scan, error)
	CreateScan(ctx context.Context, scan ScanCreate) (*Scan, error)
	UpdateScan(ctx context.Context, id int64, scan ScanCreate) (*Scan, error)
	DeleteScan(ctx context.Context, repositoryID, scanID int64, deleteRelated bool) error
	ListScans(ctx context.Context, skip, limit int) ([]Scan, error)
	CountScans(ctx context.Context) (int, error)
	GetLatestScanForRepository(ctx context.Context, repositoryID int64) (*Scan, error)
}

// FindingStore reads findings. A nil status filter is not applied.
type FindingStore interface {
	GetFindingsForRepositories(ctx context.Context, repositoryIDs []int64, status, notStatus *FindingStatus) ([]Finding, error)
	GetFindingsForScans(ctx context.Context, scanIDs []int64, skip, limit int) ([]Finding, error)
	CountFindingsForScans(ctx context.Context, scanIDs []int64) (int, error)
	GetDistinctRulesForScans(ctx context.Context, scanIDs []int64) ([]string, error)
}

// AuditStore records and reverts finding status changes.
type AuditStore interface {
	CreateAudits(ctx context.Context, findingIDs []int64, status FindingStatus, auditor, comment string) error
	// RevertLastAudit drops the latest audit of each finding when it carries
	// status, making the previous audit current again.
	RevertLastAudit(ctx context.Context, findingIDs []int64, status FindingStatus) error
}

// StatusPtr is a convenience for building finding filters.
func StatusPtr(s FindingStatus) *FindingStatus {
	return &s
}
