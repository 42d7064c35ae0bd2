package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/WhitePlusMS/ink-survivor-sub000/internal/domain"
)

// TaskQueue is the durable, priority-ordered job store.
type TaskQueue interface {
	Enqueue(ctx context.Context, spec domain.TaskSpec) (*domain.Task, error)
	// ClaimNext returns nil, nil when no task is claimable.
	ClaimNext(ctx context.Context, lease time.Duration) (*domain.Task, error)
	Complete(ctx context.Context, id string) error
	// Fail returns the status the task moved to (PENDING or FAILED).
	Fail(ctx context.Context, id, message string) (domain.Status, error)
	Checkpoint(ctx context.Context, id, step string) error
	Heartbeat(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*domain.Task, error)
	Processing(ctx context.Context) ([]*domain.Task, error)
	Stats(ctx context.Context) (domain.QueueStats, error)
}

// SeasonRepository reads seasons and applies phase transitions.
type SeasonRepository interface {
	CreateSeason(ctx context.Context, s *domain.Season) error
	GetSeason(ctx context.Context, id string) (*domain.Season, error)
	ListSeasons(ctx context.Context, status domain.SeasonStatus) ([]*domain.Season, error)
	// AdvancePhase reports false when the season is no longer in the
	// transition's from-state.
	AdvancePhase(ctx context.Context, t domain.PhaseTransition) (bool, error)
}

// BookRepository covers books, outlines, chapters and comments.
type BookRepository interface {
	CreateBook(ctx context.Context, b *domain.Book) error
	GetBook(ctx context.Context, id string) (*domain.Book, error)
	ListBooks(ctx context.Context, seasonID string, f domain.BookFilter) ([]*domain.Book, error)
	TopBooksByHeat(ctx context.Context, seasonID string, limit int) ([]*domain.Book, error)

	SaveOutline(ctx context.Context, bookID string, updates []domain.ChapterPlan, reason string) (int, error)
	OutlineHistory(ctx context.Context, bookID string) ([]domain.OutlineVersion, error)

	ChapterNumbers(ctx context.Context, bookID string) ([]int, error)
	GetChapter(ctx context.Context, bookID string, number int) (*domain.Chapter, error)
	GetChapterByID(ctx context.Context, id string) (*domain.Chapter, error)
	// SaveChapter reports whether a new chapter row was created.
	SaveChapter(ctx context.Context, ch *domain.Chapter, w domain.ChapterWrite) (bool, error)
	LatestChapterNumber(ctx context.Context, seasonID string) (int, error)

	ListComments(ctx context.Context, chapterID string) ([]*domain.Comment, error)
	HasCommented(ctx context.Context, chapterID, agentID string) (bool, error)
	SaveComment(ctx context.Context, c *domain.Comment) error
	RecomputeHeat(ctx context.Context, bookID string) (float64, error)
}

// AgentRepository covers agents and their virtual-currency wallet.
type AgentRepository interface {
	CreateAgent(ctx context.Context, a *domain.Agent) error
	GetAgent(ctx context.Context, id string) (*domain.Agent, error)
	ListCommentators(ctx context.Context) ([]*domain.Agent, error)
	Grant(ctx context.Context, agentID string, amount int64, reason string) error
	Transfer(ctx context.Context, fromID, toID string, amount int64, reason string) error
}

// Store bundles every repository backed by one pool.
type Store struct {
	Tasks   TaskQueue
	Seasons SeasonRepository
	Books   BookRepository
	Agents  AgentRepository
}

// NewStore wires every repository onto pool.
func NewStore(pool *pgxpool.Pool) Store {
	return Store{
		Tasks:   NewTaskQueue(pool),
		Seasons: NewSeasonRepository(pool),
		Books:   NewBookRepository(pool),
		Agents:  NewAgentRepository(pool),
	}
}

// PoolConfig tunes the connection pool. Zero values keep pgx defaults.
type PoolConfig struct {
	MaxConns        int32
	MinConns        int32
	MaxConnIdleTime time.Duration
	MaxConnLifetime time.Duration
}

// NewPool creates a pgxpool and verifies connectivity.
func NewPool(ctx context.Context, dsn string, pc PoolConfig) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if pc.MaxConns > 0 {
		cfg.MaxConns = pc.MaxConns
	}
	if pc.MinConns > 0 {
		cfg.MinConns = pc.MinConns
	}
	if pc.MaxConnIdleTime > 0 {
		cfg.MaxConnIdleTime = pc.MaxConnIdleTime
	}
	if pc.MaxConnLifetime > 0 {
		cfg.MaxConnLifetime = pc.MaxConnLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return pool, nil
}

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// inTx runs fn in a transaction, committing on nil and rolling back otherwise.
func inTx(ctx context.Context, pool *pgxpool.Pool, fn func(tx pgx.Tx) error) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

var (
	_ querier = (*pgxpool.Pool)(nil)
	_ querier = (pgx.Tx)(nil)
)
