package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ghuser/whatsup/pkg/database"
)

// CheckpointStore persists the change-feed publisher's position so a restart
// resumes where the previous run left off instead of replaying from the
// beginning.
type CheckpointStore struct {
	db *database.Database
}

// NewCheckpointStore returns a CheckpointStore backed by the given pool.
func NewCheckpointStore(db *database.Database) *CheckpointStore {
	return &CheckpointStore{db: db}
}

// Load returns the saved position for the consumer, or 0 when none exists yet.
func (s *CheckpointStore) Load(ctx context.Context, consumer string) (int64, error) {
	var position int64
	err := s.db.Pool().QueryRow(ctx,
		`SELECT position FROM change_feed_checkpoints WHERE consumer = $1`,
		consumer,
	).Scan(&position)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("load checkpoint: %w", err)
	}
	return position, nil
}

// Save upserts the consumer's position.
func (s *CheckpointStore) Save(ctx context.Context, consumer string, position int64) error {
	_, err := s.db.Pool().Exec(ctx, `
        INSERT INTO change_feed_checkpoints (consumer, position, updated_at)
        VALUES ($1, $2, now())
        ON CONFLICT (consumer) DO UPDATE
        SET position = EXCLUDED.position, updated_at = now()
    `, consumer, position)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}
