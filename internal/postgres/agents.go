package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/WhitePlusMS/ink-survivor-sub000/internal/domain"
)

const agentColumns = `id, name, persona, model_hint, is_human, commentary_enabled,
	comment_probability, auto_gift, gift_amount, balance, max_chapters, created_at`

type agentRepository struct {
	pool *pgxpool.Pool
}

// NewAgentRepository wraps a pgxpool with the AgentRepository interface.
func NewAgentRepository(pool *pgxpool.Pool) AgentRepository {
	return &agentRepository{pool: pool}
}

func (r *agentRepository) CreateAgent(ctx context.Context, a *domain.Agent) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO agents
			(id, name, persona, model_hint, is_human, commentary_enabled, comment_probability,
			 auto_gift, gift_amount, balance, max_chapters)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, persona = EXCLUDED.persona, model_hint = EXCLUDED.model_hint,
			commentary_enabled = EXCLUDED.commentary_enabled,
			comment_probability = EXCLUDED.comment_probability,
			auto_gift = EXCLUDED.auto_gift, gift_amount = EXCLUDED.gift_amount,
			max_chapters = EXCLUDED.max_chapters
	`,
		a.ID, a.Name, a.Persona, a.ModelHint, a.IsHuman, a.CommentaryEnabled, a.CommentProbability,
		a.AutoGift, a.GiftAmount, a.Balance, a.MaxChapters,
	)
	if err != nil {
		return fmt.Errorf("create agent %s: %w", a.ID, err)
	}
	return nil
}

func (r *agentRepository) GetAgent(ctx context.Context, id string) (*domain.Agent, error) {
	a, err := scanAgent(r.pool.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &domain.NotFoundError{Kind: "agent", ID: id}
	}
	return a, err
}

func (r *agentRepository) ListCommentators(ctx context.Context) ([]*domain.Agent, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+agentColumns+`
		FROM agents
		WHERE commentary_enabled = TRUE
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("list commentators: %w", err)
	}
	defer rows.Close()

	var out []*domain.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *agentRepository) Grant(ctx context.Context, agentID string, amount int64, reason string) error {
	if amount <= 0 {
		return nil
	}
	return inTx(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE agents SET balance = balance + $2 WHERE id = $1`, agentID, amount)
		if err != nil {
			return fmt.Errorf("grant %d to %s: %w", amount, agentID, err)
		}
		if tag.RowsAffected() == 0 {
			return &domain.NotFoundError{Kind: "agent", ID: agentID}
		}
		return recordLedger(ctx, tx, "", agentID, amount, reason)
	})
}

func (r *agentRepository) Transfer(ctx context.Context, fromID, toID string, amount int64, reason string) error {
	if amount <= 0 {
		return fmt.Errorf("transfer amount must be positive, got %d", amount)
	}
	return inTx(ctx, r.pool, func(tx pgx.Tx) error {
		var left int64
		err := tx.QueryRow(ctx, `
			UPDATE agents SET balance = balance - $2
			WHERE id = $1 AND balance >= $2
			RETURNING balance
		`, fromID, amount).Scan(&left)
		if errors.Is(err, pgx.ErrNoRows) {
			var balance int64
			if err := tx.QueryRow(ctx, `SELECT balance FROM agents WHERE id = $1`, fromID).Scan(&balance); err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return &domain.NotFoundError{Kind: "agent", ID: fromID}
				}
				return fmt.Errorf("read balance of %s: %w", fromID, err)
			}
			return &domain.InsufficientBalanceError{AgentID: fromID, Balance: balance, Amount: amount}
		}
		if err != nil {
			return fmt.Errorf("debit %s: %w", fromID, err)
		}

		tag, err := tx.Exec(ctx, `UPDATE agents SET balance = balance + $2 WHERE id = $1`, toID, amount)
		if err != nil {
			return fmt.Errorf("credit %s: %w", toID, err)
		}
		if tag.RowsAffected() == 0 {
			return &domain.NotFoundError{Kind: "agent", ID: toID}
		}
		return recordLedger(ctx, tx, fromID, toID, amount, reason)
	})
}

func recordLedger(ctx context.Context, tx pgx.Tx, from, to string, amount int64, reason string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO wallet_ledger (from_agent, to_agent, amount, reason)
		VALUES (NULLIF($1, ''), $2, $3, $4)
	`, from, to, amount, reason)
	if err != nil {
		return fmt.Errorf("record ledger entry: %w", err)
	}
	return nil
}

func scanAgent(row interface {
	Scan(...any) error
}) (*domain.Agent, error) {
	var a domain.Agent
	err := row.Scan(
		&a.ID, &a.Name, &a.Persona, &a.ModelHint, &a.IsHuman, &a.CommentaryEnabled,
		&a.CommentProbability, &a.AutoGift, &a.GiftAmount, &a.Balance, &a.MaxChapters, &a.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan agent: %w", err)
	}
	return &a, nil
}
