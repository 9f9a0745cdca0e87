package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/devspace/internal/domain"
	"github.com/splax/devspace/internal/repository"
)

const (
	projectUpsert = `INSERT INTO projects (id, user_id, status, data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (id) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			status = EXCLUDED.status,
			data = EXCLUDED.data,
			updated_at = NOW()`
	projectPrune  = `DELETE FROM projects WHERE NOT (id = ANY($1))`
	projectSelect = `SELECT id, data FROM projects ORDER BY created_at ASC`
)

// Store implements repository.ProjectStore on PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ repository.ProjectStore = (*Store)(nil)

// New constructs a Store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// SaveAll upserts every record and prunes the rest in a single transaction.
func (s *Store) SaveAll(ctx context.Context, projects []*domain.Project) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	ids := make([]string, 0, len(projects))
	batch := &pgx.Batch{}
	for _, p := range projects {
		if p == nil || p.ID == "" {
			continue
		}
		data, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("encode project %s: %w", p.ID, err)
		}
		batch.Queue(projectUpsert, p.ID, p.UserID, string(p.Status), data, p.CreatedAt.UTC())
		ids = append(ids, p.ID)
	}
	if batch.Len() > 0 {
		br := tx.SendBatch(ctx, batch)
		for range ids {
			if _, err := br.Exec(); err != nil {
				br.Close()
				return fmt.Errorf("upsert project: %w", err)
			}
		}
		if err := br.Close(); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(ctx, projectPrune, ids); err != nil {
		return fmt.Errorf("prune projects: %w", err)
	}
	return tx.Commit(ctx)
}

// LoadAll returns every stored record ordered by creation time.
func (s *Store) LoadAll(ctx context.Context) ([]*domain.Project, error) {
	rows, err := s.pool.Query(ctx, projectSelect)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Project
	for rows.Next() {
		var (
			id   string
			data []byte
		)
		if err := rows.Scan(&id, &data); err != nil {
			return nil, err
		}
		var p domain.Project
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("decode project %s: %w", id, err)
		}
		if p.ID == "" {
			p.ID = id
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}
