package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/censys/scan-lifecycle/pkg/storage"
)

// systemAuditor is recorded on audits the store writes on its own.
const systemAuditor = "system"

// querier is satisfied by both the pool and an open transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// CreateRepository inserts a repository and returns it with its id.
func (s *Store) CreateRepository(ctx context.Context, repo storage.Repository) (*storage.Repository, error) {
	const query = `
INSERT INTO repositories (project_key, repository_id, repository_name, repository_url, vcs_instance, deleted_at)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING id;
`
	out := repo
	err := s.pool.QueryRow(ctx, query,
		repo.ProjectKey,
		repo.RepositoryID,
		repo.RepositoryName,
		repo.RepositoryURL,
		repo.VCSInstance,
		repo.DeletedAt,
	).Scan(&out.ID)
	if err != nil {
		return nil, fmt.Errorf("create repository: %w", err)
	}
	return &out, nil
}

// GetRepository returns nil when no repository has the id.
func (s *Store) GetRepository(ctx context.Context, id int64) (*storage.Repository, error) {
	const query = `
SELECT id, project_key, repository_id, repository_name, repository_url, vcs_instance, deleted_at
FROM repositories
WHERE id = $1;
`
	var repo storage.Repository
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&repo.ID,
		&repo.ProjectKey,
		&repo.RepositoryID,
		&repo.RepositoryName,
		&repo.RepositoryURL,
		&repo.VCSInstance,
		&repo.DeletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get repository %d: %w", id, err)
	}
	return &repo, nil
}

// UndeleteRepositories clears the deletion timestamp of every listed
// repository.
func (s *Store) UndeleteRepositories(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.pool.Exec(ctx, `UPDATE repositories SET deleted_at = NULL WHERE id = ANY($1);`, ids); err != nil {
		return fmt.Errorf("undelete repositories: %w", err)
	}
	return nil
}

// SoftDeleteRepositories stamps deleted_at on live repositories and marks
// all of their findings NOT_ACCESSIBLE in the same transaction.
func (s *Store) SoftDeleteRepositories(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
UPDATE repositories SET deleted_at = now()
WHERE id = ANY($1) AND deleted_at IS NULL
RETURNING id;
`, ids)
		if err != nil {
			return fmt.Errorf("soft delete repositories: %w", err)
		}
		deleted, err := pgx.CollectRows(rows, pgx.RowTo[int64])
		if err != nil {
			return fmt.Errorf("soft delete repositories: %w", err)
		}
		if len(deleted) == 0 {
			return nil
		}

		rows, err = tx.Query(ctx, `SELECT id FROM findings WHERE repository_id = ANY($1) ORDER BY id;`, deleted)
		if err != nil {
			return fmt.Errorf("findings of deleted repositories: %w", err)
		}
		findingIDs, err := pgx.CollectRows(rows, pgx.RowTo[int64])
		if err != nil {
			return fmt.Errorf("findings of deleted repositories: %w", err)
		}
		return createAudits(ctx, tx, findingIDs, storage.StatusNotAccessible, systemAuditor, "repository deleted")
	})
}
