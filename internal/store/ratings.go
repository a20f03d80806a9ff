package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/mirage-run/mirage/internal/domain"
	"github.com/mirage-run/mirage/internal/merr"
)

// InsertRating stores a Rating. Ratings are append-only: no update or
// delete path exists anywhere in this package. The caller is responsible
// for also calling MarkTaskDone; the two are not wrapped in a shared
// transaction because a rating recorded against a task that stays "open"
// is a harmless, recoverable inconsistency (the task can simply be rated
// again), unlike the Run/ProviderCall invariants which guard real money
// and storage writes.
func (s *Store) InsertRating(ctx context.Context, rating *domain.Rating) error {
	if rating.RatingID == "" {
		rating.RatingID = uuid.New().String()
	}

	const query = `
		INSERT INTO ratings (
			rating_id, task_id, rater_id, choice_realism, choice_lipsync, choice_targetmatch, notes
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`

	err := s.conn.QueryRowContext(ctx, query,
		rating.RatingID, rating.TaskID, rating.RaterID,
		rating.ChoiceRealism, rating.ChoiceLipsync, rating.ChoiceTargetMatch, rating.Notes,
	).Scan(&rating.CreatedAt)
	if err != nil {
		return classifyPQError(err, merr.StoreViolation)
	}

	return nil
}

// GetRating looks up a Rating by primary key.
func (s *Store) GetRating(ctx context.Context, ratingID string) (*domain.Rating, error) {
	const query = `
		SELECT rating_id, task_id, rater_id, choice_realism, choice_lipsync, choice_targetmatch, notes, created_at
		FROM ratings WHERE rating_id = $1
	`

	var r domain.Rating

	err := s.conn.QueryRowContext(ctx, query, ratingID).Scan(
		&r.RatingID, &r.TaskID, &r.RaterID, &r.ChoiceRealism, &r.ChoiceLipsync, &r.ChoiceTargetMatch,
		&r.Notes, &r.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, merr.New(merr.NotFound, fmt.Sprintf("rating %s", ratingID))
	}

	if err != nil {
		return nil, merr.Wrap(merr.StoreViolation, "get rating", err)
	}

	return &r, nil
}

// ListRatingsByTasks loads every Rating tied to one of the given task IDs,
// the snapshot internal/aggregator folds over.
func (s *Store) ListRatingsByTasks(ctx context.Context, taskIDs []string) ([]*domain.Rating, error) {
	if len(taskIDs) == 0 {
		return nil, nil
	}

	const query = `
		SELECT rating_id, task_id, rater_id, choice_realism, choice_lipsync, choice_targetmatch, notes, created_at
		FROM ratings WHERE task_id = ANY($1)
	`

	rows, err := s.conn.QueryContext(ctx, query, pq.Array(taskIDs))
	if err != nil {
		return nil, merr.Wrap(merr.StoreViolation, "list ratings by tasks", err)
	}
	defer func() { _ = rows.Close() }()

	var ratings []*domain.Rating

	for rows.Next() {
		var r domain.Rating

		if err := rows.Scan(
			&r.RatingID, &r.TaskID, &r.RaterID, &r.ChoiceRealism, &r.ChoiceLipsync, &r.ChoiceTargetMatch,
			&r.Notes, &r.CreatedAt,
		); err != nil {
			return nil, merr.Wrap(merr.StoreViolation, "scan rating", err)
		}

		ratings = append(ratings, &r)
	}

	return ratings, rows.Err()
}
