package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/WhitePlusMS/ink-survivor-sub000/internal/domain"
)

const bookColumns = `id, season_id, author_id, title, synopsis, chapters_plan, outline_version,
	chapter_count, max_chapters, status, heat, score, created_at`

const chapterColumns = `id, book_id, number, title, content, summary, word_count,
	comment_count, published_at`

type bookRepository struct {
	pool *pgxpool.Pool
}

// NewBookRepository wraps a pgxpool with the BookRepository interface.
func NewBookRepository(pool *pgxpool.Pool) BookRepository {
	return &bookRepository{pool: pool}
}

func (r *bookRepository) CreateBook(ctx context.Context, b *domain.Book) error {
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	if b.Status == "" {
		b.Status = domain.BookActive
	}
	plan, err := json.Marshal(planOrEmpty(b.ChaptersPlan))
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO books
			(id, season_id, author_id, title, synopsis, chapters_plan, outline_version,
			 chapter_count, max_chapters, status, heat, score)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		b.ID, b.SeasonID, b.AuthorID, b.Title, b.Synopsis, plan, b.OutlineVersion,
		b.ChapterCount, b.MaxChapters, string(b.Status), b.Heat, b.Score,
	)
	if err != nil {
		return fmt.Errorf("create book %s: %w", b.ID, err)
	}
	return nil
}

func (r *bookRepository) GetBook(ctx context.Context, id string) (*domain.Book, error) {
	b, err := scanBook(r.pool.QueryRow(ctx, `SELECT `+bookColumns+` FROM books WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &domain.NotFoundError{Kind: "book", ID: id}
	}
	return b, err
}

func (r *bookRepository) ListBooks(ctx context.Context, seasonID string, f domain.BookFilter) ([]*domain.Book, error) {
	var ids []string
	if len(f.IDs) > 0 {
		ids = f.IDs
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+bookColumns+`
		FROM books
		WHERE season_id = $1
		  AND ($2::boolean = FALSE OR status = 'ACTIVE')
		  AND ($3::text[] IS NULL OR id = ANY($3))
		ORDER BY created_at ASC, id ASC
	`, seasonID, f.ActiveOnly, ids)
	if err != nil {
		return nil, fmt.Errorf("list books of season %s: %w", seasonID, err)
	}
	return collectBooks(rows)
}

func (r *bookRepository) TopBooksByHeat(ctx context.Context, seasonID string, limit int) ([]*domain.Book, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+bookColumns+`
		FROM books
		WHERE season_id = $1
		ORDER BY heat DESC, created_at ASC
		LIMIT $2
	`, seasonID, limit)
	if err != nil {
		return nil, fmt.Errorf("top books of season %s: %w", seasonID, err)
	}
	return collectBooks(rows)
}

func (r *bookRepository) SaveOutline(ctx context.Context, bookID string, updates []domain.ChapterPlan, reason string) (int, error) {
	var version int
	err := inTx(ctx, r.pool, func(tx pgx.Tx) error {
		var current []domain.ChapterPlan
		var raw []byte
		err := tx.QueryRow(ctx, `
			SELECT chapters_plan, outline_version FROM books WHERE id = $1 FOR UPDATE
		`, bookID).Scan(&raw, &version)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return &domain.NotFoundError{Kind: "book", ID: bookID}
			}
			return fmt.Errorf("lock book %s: %w", bookID, err)
		}
		if err := json.Unmarshal(raw, &current); err != nil {
			return fmt.Errorf("decode plan of book %s: %w", bookID, err)
		}

		merged, err := json.Marshal(domain.MergePlan(current, updates))
		if err != nil {
			return fmt.Errorf("marshal plan: %w", err)
		}
		version++

		if _, err := tx.Exec(ctx, `
			UPDATE books SET chapters_plan = $2, outline_version = $3 WHERE id = $1
		`, bookID, merged, version); err != nil {
			return fmt.Errorf("update plan of book %s: %w", bookID, err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO outline_versions (book_id, version, chapters, reason)
			VALUES ($1, $2, $3, $4)
		`, bookID, version, merged, reason); err != nil {
			return fmt.Errorf("record outline version %d of book %s: %w", version, bookID, err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return version, nil
}

func (r *bookRepository) OutlineHistory(ctx context.Context, bookID string) ([]domain.OutlineVersion, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT book_id, version, chapters, reason, created_at
		FROM outline_versions
		WHERE book_id = $1
		ORDER BY version ASC
	`, bookID)
	if err != nil {
		return nil, fmt.Errorf("outline history of book %s: %w", bookID, err)
	}
	defer rows.Close()

	var out []domain.OutlineVersion
	for rows.Next() {
		var v domain.OutlineVersion
		var raw []byte
		if err := rows.Scan(&v.BookID, &v.Version, &raw, &v.Reason, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outline version: %w", err)
		}
		if err := json.Unmarshal(raw, &v.Chapters); err != nil {
			return nil, fmt.Errorf("decode outline version %d: %w", v.Version, err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (r *bookRepository) ChapterNumbers(ctx context.Context, bookID string) ([]int, error) {
	rows, err := r.pool.Query(ctx, `SELECT number FROM chapters WHERE book_id = $1 ORDER BY number`, bookID)
	if err != nil {
		return nil, fmt.Errorf("chapter numbers of book %s: %w", bookID, err)
	}
	defer rows.Close()

	var out []int
	for rows.Next() {
		var n int
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("scan chapter number: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (r *bookRepository) GetChapter(ctx context.Context, bookID string, number int) (*domain.Chapter, error) {
	ch, err := scanChapter(r.pool.QueryRow(ctx, `
		SELECT `+chapterColumns+` FROM chapters WHERE book_id = $1 AND number = $2
	`, bookID, number))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &domain.NotFoundError{Kind: "chapter", ID: fmt.Sprintf("%s#%d", bookID, number)}
	}
	return ch, err
}

func (r *bookRepository) GetChapterByID(ctx context.Context, id string) (*domain.Chapter, error) {
	ch, err := scanChapter(r.pool.QueryRow(ctx, `SELECT `+chapterColumns+` FROM chapters WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &domain.NotFoundError{Kind: "chapter", ID: id}
	}
	return ch, err
}

func (r *bookRepository) SaveChapter(ctx context.Context, ch *domain.Chapter, w domain.ChapterWrite) (bool, error) {
	if ch.ID == "" {
		ch.ID = uuid.New().String()
	}
	created := false
	err := inTx(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO chapters (id, book_id, number, title, content, summary, word_count)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (book_id, number) DO NOTHING
		`, ch.ID, ch.BookID, ch.Number, ch.Title, ch.Content, ch.Summary, ch.WordCount)
		if err != nil {
			return fmt.Errorf("insert chapter %d of book %s: %w", ch.Number, ch.BookID, err)
		}

		if tag.RowsAffected() == 1 {
			created = true
			_, err = tx.Exec(ctx, `
				UPDATE books
				SET chapter_count = chapter_count + 1,
				    heat          = heat + $2,
				    status        = CASE WHEN max_chapters > 0 AND chapter_count + 1 >= max_chapters
				                         THEN 'COMPLETED' ELSE status END
				WHERE id = $1
			`, ch.BookID, w.HeatDelta)
			if err != nil {
				return fmt.Errorf("bump counters of book %s: %w", ch.BookID, err)
			}
			return nil
		}

		if !w.Overwrite {
			return tx.QueryRow(ctx, `
				SELECT id FROM chapters WHERE book_id = $1 AND number = $2
			`, ch.BookID, ch.Number).Scan(&ch.ID)
		}
		return tx.QueryRow(ctx, `
			UPDATE chapters
			SET title = $3, content = $4, summary = $5, word_count = $6, published_at = now()
			WHERE book_id = $1 AND number = $2
			RETURNING id
		`, ch.BookID, ch.Number, ch.Title, ch.Content, ch.Summary, ch.WordCount).Scan(&ch.ID)
	})
	if err != nil {
		return false, err
	}
	return created, nil
}

func (r *bookRepository) LatestChapterNumber(ctx context.Context, seasonID string) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `
		SELECT COALESCE(MAX(c.number), 0)
		FROM chapters c
		JOIN books b ON b.id = c.book_id
		WHERE b.season_id = $1
	`, seasonID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("latest chapter of season %s: %w", seasonID, err)
	}
	return n, nil
}

func (r *bookRepository) ListComments(ctx context.Context, chapterID string) ([]*domain.Comment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, chapter_id, book_id, agent_id, rating, content, created_at
		FROM comments
		WHERE chapter_id = $1
		ORDER BY created_at ASC
	`, chapterID)
	if err != nil {
		return nil, fmt.Errorf("list comments of chapter %s: %w", chapterID, err)
	}
	defer rows.Close()

	var out []*domain.Comment
	for rows.Next() {
		var c domain.Comment
		if err := rows.Scan(&c.ID, &c.ChapterID, &c.BookID, &c.AgentID, &c.Rating, &c.Content, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (r *bookRepository) HasCommented(ctx context.Context, chapterID, agentID string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM comments WHERE chapter_id = $1 AND agent_id = $2)
	`, chapterID, agentID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check comment of %s on %s: %w", agentID, chapterID, err)
	}
	return exists, nil
}

// SaveComment inserts the comment and bumps the chapter's comment count atomically.
func (r *bookRepository) SaveComment(ctx context.Context, c *domain.Comment) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	return inTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO comments (id, chapter_id, book_id, agent_id, rating, content)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, c.ID, c.ChapterID, c.BookID, c.AgentID, c.Rating, c.Content); err != nil {
			return fmt.Errorf("insert comment on %s: %w", c.ChapterID, err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE chapters SET comment_count = comment_count + 1 WHERE id = $1
		`, c.ChapterID); err != nil {
			return fmt.Errorf("bump comment count of %s: %w", c.ChapterID, err)
		}
		return nil
	})
}

func (r *bookRepository) RecomputeHeat(ctx context.Context, bookID string) (float64, error) {
	var heat float64
	err := r.pool.QueryRow(ctx, `
		WITH agg AS (
			SELECT COUNT(*) AS n, COALESCE(AVG(rating), 0)::float8 AS avg
			FROM comments
			WHERE book_id = $1
		)
		UPDATE books b
		SET score = agg.avg,
		    heat  = b.chapter_count * $2::float8 + agg.n * $3::float8 + agg.avg * $4::float8
		FROM agg
		WHERE b.id = $1
		RETURNING b.heat
	`, bookID, domain.ChapterHeat, domain.CommentHeat, domain.RatingHeat).Scan(&heat)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, &domain.NotFoundError{Kind: "book", ID: bookID}
		}
		return 0, fmt.Errorf("recompute heat of book %s: %w", bookID, err)
	}
	return heat, nil
}

func collectBooks(rows pgx.Rows) ([]*domain.Book, error) {
	defer rows.Close()
	var out []*domain.Book
	for rows.Next() {
		b, err := scanBook(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func scanBook(row interface {
	Scan(...any) error
}) (*domain.Book, error) {
	var b domain.Book
	var plan []byte
	var status string
	err := row.Scan(
		&b.ID, &b.SeasonID, &b.AuthorID, &b.Title, &b.Synopsis, &plan, &b.OutlineVersion,
		&b.ChapterCount, &b.MaxChapters, &status, &b.Heat, &b.Score, &b.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan book: %w", err)
	}
	if err := json.Unmarshal(plan, &b.ChaptersPlan); err != nil {
		return nil, fmt.Errorf("decode plan of book %s: %w", b.ID, err)
	}
	b.Status = domain.BookStatus(status)
	return &b, nil
}

func scanChapter(row interface {
	Scan(...any) error
}) (*domain.Chapter, error) {
	var ch domain.Chapter
	err := row.Scan(
		&ch.ID, &ch.BookID, &ch.Number, &ch.Title, &ch.Content, &ch.Summary,
		&ch.WordCount, &ch.CommentCount, &ch.PublishedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan chapter: %w", err)
	}
	return &ch, nil
}

func planOrEmpty(p []domain.ChapterPlan) []domain.ChapterPlan {
	if p == nil {
		return []domain.ChapterPlan{}
	}
	return p
}
