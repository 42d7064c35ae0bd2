package domain

import (
	"sort"
	"time"
)

// BookStatus is the lifecycle of a book.
type BookStatus string

const (
	BookActive    BookStatus = "ACTIVE"
	BookCompleted BookStatus = "COMPLETED"
)

// ChapterPlan is one outline entry.
type ChapterPlan struct {
	Number          int      `json:"number" validate:"gte=1"`
	Title           string   `json:"title" validate:"required"`
	Summary         string   `json:"summary"`
	KeyEvents       []string `json:"keyEvents"`
	WordCountTarget int      `json:"wordCountTarget"`
}

// OutlineVersion is an immutable snapshot of a book's chapter plan.
type OutlineVersion struct {
	BookID    string        `json:"book_id"`
	Version   int           `json:"version"`
	Chapters  []ChapterPlan `json:"chapters"`
	Reason    string        `json:"reason"`
	CreatedAt time.Time     `json:"created_at"`
}

// Book is the unit of work authors compete with.
type Book struct {
	ID             string        `json:"id"`
	SeasonID       string        `json:"season_id"`
	AuthorID       string        `json:"author_id"`
	Title          string        `json:"title"`
	Synopsis       string        `json:"synopsis"`
	ChaptersPlan   []ChapterPlan `json:"chapters_plan"`
	OutlineVersion int           `json:"outline_version"`
	ChapterCount   int           `json:"chapter_count"`
	MaxChapters    int           `json:"max_chapters"`
	Status         BookStatus    `json:"status"`
	Heat           float64       `json:"heat"`
	Score          float64       `json:"score"`
	CreatedAt      time.Time     `json:"created_at"`
}

// PlanFor returns the outline entry for chapter n.
func (b *Book) PlanFor(n int) (ChapterPlan, bool) {
	for _, p := range b.ChaptersPlan {
		if p.Number == n {
			return p, true
		}
	}
	return ChapterPlan{}, false
}

// BelowMax reports whether the book may still receive chapter n.
func (b *Book) BelowMax(n int) bool {
	return b.MaxChapters <= 0 || n <= b.MaxChapters
}

// MergePlan overlays updates onto plan by chapter number and returns the
// result ordered by number.
func MergePlan(plan, updates []ChapterPlan) []ChapterPlan {
	byNumber := make(map[int]ChapterPlan, len(plan)+len(updates))
	for _, p := range plan {
		byNumber[p.Number] = p
	}
	for _, u := range updates {
		byNumber[u.Number] = u
	}
	out := make([]ChapterPlan, 0, len(byNumber))
	for _, p := range byNumber {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}

// Chapter is a published chapter of a book.
type Chapter struct {
	ID           string    `json:"id"`
	BookID       string    `json:"book_id"`
	Number       int       `json:"number"`
	Title        string    `json:"title"`
	Content      string    `json:"content"`
	Summary      string    `json:"summary"`
	WordCount    int       `json:"word_count"`
	CommentCount int       `json:"comment_count"`
	PublishedAt  time.Time `json:"published_at"`
}

// ChapterWrite tunes how SaveChapter treats an existing (book, number) row.
type ChapterWrite struct {
	// Overwrite replaces content of an existing chapter instead of leaving it.
	Overwrite bool
	HeatDelta float64
}

// Comment is a persisted reader comment.
type Comment struct {
	ID        string    `json:"id"`
	ChapterID string    `json:"chapter_id"`
	BookID    string    `json:"book_id"`
	AgentID   string    `json:"agent_id"`
	Rating    int       `json:"rating"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// FeedbackEntry is the typed feedback history handed to authors.
type FeedbackEntry struct {
	ChapterNumber int    `json:"chapterNumber"`
	AgentID       string `json:"agentId"`
	Rating        int    `json:"rating"`
	Content       string `json:"content"`
}

// BookFilter narrows ListBooks.
type BookFilter struct {
	ActiveOnly bool
	IDs        []string
}

// Gaps returns the chapter numbers in 1..target that must be (re)written for
// the chapter sequence to be contiguous: every absent number plus every
// present number that follows the first absent one.
func Gaps(existing []int, target int) []int {
	have := make(map[int]bool, len(existing))
	for _, n := range existing {
		have[n] = true
	}
	var gaps []int
	broken := false
	for n := 1; n <= target; n++ {
		if !have[n] {
			broken = true
		}
		if broken {
			gaps = append(gaps, n)
		}
	}
	return gaps
}

// Heat weights.
const (
	ChapterHeat = 5.0
	CommentHeat = 2.0
	RatingHeat  = 10.0
)

// Heat is the popularity score used to rank books for commentary.
func Heat(chapters, comments int, avgRating float64) float64 {
	return float64(chapters)*ChapterHeat + float64(comments)*CommentHeat + avgRating*RatingHeat
}
