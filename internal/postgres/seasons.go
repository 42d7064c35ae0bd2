package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/WhitePlusMS/ink-survivor-sub000/internal/domain"
)

const seasonColumns = `id, name, theme, current_round, round_phase, round_start_time,
	reading_minutes, outline_minutes, writing_minutes, max_rounds, status, end_time,
	min_words, max_words, created_at`

type seasonRepository struct {
	pool *pgxpool.Pool
}

// NewSeasonRepository wraps a pgxpool with the SeasonRepository interface.
func NewSeasonRepository(pool *pgxpool.Pool) SeasonRepository {
	return &seasonRepository{pool: pool}
}

func (r *seasonRepository) CreateSeason(ctx context.Context, s *domain.Season) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	if s.CurrentRound < 1 {
		s.CurrentRound = 1
	}
	if s.Phase == "" {
		s.Phase = domain.PhaseNone
	}
	if s.Status == "" {
		s.Status = domain.SeasonActive
	}
	if s.RoundStartTime.IsZero() {
		s.RoundStartTime = time.Now().UTC()
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO seasons
			(id, name, theme, current_round, round_phase, round_start_time,
			 reading_minutes, outline_minutes, writing_minutes, max_rounds, status, end_time,
			 min_words, max_words)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`,
		s.ID, s.Name, s.Theme, s.CurrentRound, string(s.Phase), s.RoundStartTime,
		s.PhaseDurations.Reading, s.PhaseDurations.Outline, s.PhaseDurations.Writing,
		s.MaxRounds, string(s.Status), s.EndTime, s.MinWords, s.MaxWords,
	)
	if err != nil {
		return fmt.Errorf("create season %s: %w", s.ID, err)
	}
	return nil
}

func (r *seasonRepository) GetSeason(ctx context.Context, id string) (*domain.Season, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+seasonColumns+` FROM seasons WHERE id = $1`, id)
	s, err := scanSeason(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &domain.NotFoundError{Kind: "season", ID: id}
	}
	return s, err
}

func (r *seasonRepository) ListSeasons(ctx context.Context, status domain.SeasonStatus) ([]*domain.Season, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+seasonColumns+`
		FROM seasons
		WHERE status = $1
		ORDER BY created_at ASC
	`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list seasons: %w", err)
	}
	defer rows.Close()

	var out []*domain.Season
	for rows.Next() {
		s, err := scanSeason(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *seasonRepository) AdvancePhase(ctx context.Context, t domain.PhaseTransition) (bool, error) {
	applied := false
	err := inTx(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE seasons
			SET round_phase      = $4,
			    current_round    = $5,
			    round_start_time = $6,
			    status           = CASE WHEN $7::boolean THEN 'FINISHED' ELSE status END
			WHERE id = $1 AND round_phase = $2 AND current_round = $3 AND status = 'ACTIVE'
		`, t.SeasonID, string(t.FromPhase), t.FromRound,
			string(t.ToPhase), t.ToRound, t.StartedAt, t.Finish)
		if err != nil {
			return fmt.Errorf("advance season %s: %w", t.SeasonID, err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		for _, spec := range t.Enqueue {
			if _, err := insertTask(ctx, tx, spec); err != nil {
				return err
			}
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

func scanSeason(row interface {
	Scan(...any) error
}) (*domain.Season, error) {
	var s domain.Season
	var phase, status string
	err := row.Scan(
		&s.ID, &s.Name, &s.Theme, &s.CurrentRound, &phase, &s.RoundStartTime,
		&s.PhaseDurations.Reading, &s.PhaseDurations.Outline, &s.PhaseDurations.Writing,
		&s.MaxRounds, &status, &s.EndTime, &s.MinWords, &s.MaxWords, &s.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan season: %w", err)
	}
	s.Phase = domain.Phase(phase)
	s.Status = domain.SeasonStatus(status)
	return &s, nil
}
