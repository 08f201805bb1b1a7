package repo

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"dispatchq/internal/models"
)

// Repo wraps pgxpool for the host application's candidate and selection
// records. It backs the CandidateRepository and SelectionStore
// collaborators consumed by the dispatch worker.
type Repo struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Repo, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Repo{pool: pool}, nil
}

func (r *Repo) Close() {
	if r.pool != nil {
		r.pool.Close()
	}
}

// GetCandidatesByClient returns every candidate belonging to a client.
// The messaging destination prefers the chat handle and falls back to
// email when the handle is empty.
func (r *Repo) GetCandidatesByClient(ctx context.Context, clientID string) ([]models.Candidate, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, name, COALESCE(NULLIF(whatsapp, ''), email)
		FROM candidates
		WHERE client_id = $1
		ORDER BY id
	`, clientID)
	if err != nil {
		return nil, fmt.Errorf("query candidates: %w", err)
	}
	defer rows.Close()

	var out []models.Candidate
	for rows.Next() {
		var c models.Candidate
		if err := rows.Scan(&c.ID, &c.Name, &c.Destination); err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// MarkSent flips the originating selection to sent once its dispatch job
// has been fully expanded.
func (r *Repo) MarkSent(ctx context.Context, selectionID string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE selections SET status = 'sent', updated_at = NOW() WHERE id = $1
	`, selectionID)
	return err
}
