package generation

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WhitePlusMS/ink-survivor-sub000/internal/domain"
	"github.com/WhitePlusMS/ink-survivor-sub000/internal/llm"
	"github.com/WhitePlusMS/ink-survivor-sub000/internal/memstore"
	"github.com/WhitePlusMS/ink-survivor-sub000/internal/notify"
	"github.com/WhitePlusMS/ink-survivor-sub000/internal/parser"
)

// ── mocks ────────────────────────────────────────────────────────────────

var writeChapterRe = regexp.MustCompile(`Write chapter (\d+)`)

// scriptedLLM answers outline and chapter prompts. Books whose title is
// listed in fail always get an error back.
type scriptedLLM struct {
	mu       sync.Mutex
	fail     map[string]bool
	messages []string
}

func (s *scriptedLLM) Generate(_ context.Context, req llm.Request) (string, error) {
	s.mu.Lock()
	s.messages = append(s.messages, req.Message)
	s.mu.Unlock()

	for title := range s.fail {
		if strings.Contains(req.Message, "Book: "+title) {
			return "", errors.New("model unavailable")
		}
	}
	switch {
	case strings.Contains(req.Message, "Plan the whole book"):
		var items []string
		for i := 1; i <= 5; i++ {
			items = append(items, fmt.Sprintf(`{"number": %d, "title": "Part %d", "summary": "s%d"}`, i, i, i))
		}
		return "```json\n{\"title\": \"T\", \"chapters\": [" + strings.Join(items, ", ") + "]}\n```", nil
	case strings.Contains(req.Message, "Plan chapter(s)"):
		return `{"chapters": [{"number": 99, "title": "Next part", "summary": "more"}]}`, nil
	case writeChapterRe.MatchString(req.Message):
		n := writeChapterRe.FindStringSubmatch(req.Message)[1]
		return `{"title": "Chapter ` + n + `", "content": "It was a dark and stormy night.", "summary": "storm"}`, nil
	}
	return "", fmt.Errorf("unexpected prompt: %q", req.Message)
}

func (s *scriptedLLM) Messages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.messages...)
}

type recordingSink struct {
	mu     sync.Mutex
	topics []string
}

func (r *recordingSink) Emit(_ context.Context, topic string, _ any) error {
	r.mu.Lock()
	r.topics = append(r.topics, topic)
	r.mu.Unlock()
	return nil
}

func (r *recordingSink) Count(topic string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, t := range r.topics {
		if t == topic {
			n++
		}
	}
	return n
}

var (
	_ llm.Client  = (*scriptedLLM)(nil)
	_ notify.Sink = (*recordingSink)(nil)
)

// ── helpers ──────────────────────────────────────────────────────────────

type fixture struct {
	store  *memstore.Store
	llm    *scriptedLLM
	events *recordingSink
	deps   Deps
	season *domain.Season
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := memstore.New()
	season := &domain.Season{Name: "Spring", Theme: "storms", MaxRounds: 3, MinWords: 100, MaxWords: 500}
	require.NoError(t, store.CreateSeason(ctx, season))

	f := &fixture{
		store:  store,
		llm:    &scriptedLLM{fail: map[string]bool{}},
		events: &recordingSink{},
		season: season,
	}
	f.deps = Deps{
		Seasons: store,
		Books:   store,
		Agents:  store,
		LLM:     f.llm,
		Events:  f.events,
		Retry:   parser.RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
	}
	return f
}

func (f *fixture) addBook(t *testing.T, title string, plan ...domain.ChapterPlan) *domain.Book {
	t.Helper()
	ctx := context.Background()
	author := &domain.Agent{ID: "author-" + title, Name: title + " author"}
	require.NoError(t, f.store.CreateAgent(ctx, author))
	b := &domain.Book{SeasonID: f.season.ID, AuthorID: author.ID, Title: title, MaxChapters: 3, ChaptersPlan: plan}
	require.NoError(t, f.store.CreateBook(ctx, b))
	return b
}

func planOf(numbers ...int) []domain.ChapterPlan {
	var out []domain.ChapterPlan
	for _, n := range numbers {
		out = append(out, domain.ChapterPlan{Number: n, Title: "Planned " + strconv.Itoa(n)})
	}
	return out
}

// ── outliner ─────────────────────────────────────────────────────────────

func TestOutliner_FirstRoundPlansWholeBook(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	b := f.addBook(t, "Gale")

	rep, err := NewOutliner(f.deps).Run(ctx, f.season.ID, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Persisted)

	got, err := f.store.GetBook(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, got.ChaptersPlan, 3, "entries beyond max chapters are dropped")
	assert.Equal(t, "Part 3", got.ChaptersPlan[2].Title)
	assert.Equal(t, 1, got.OutlineVersion)
	assert.Equal(t, 1, f.events.Count(notify.TopicOutlineUpdated))

	rep, err = NewOutliner(f.deps).Run(ctx, f.season.ID, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Skipped, "a fully planned book is not planned again")
}

func TestOutliner_LaterRoundPlansNextChapterWithFeedback(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	b := f.addBook(t, "Drizzle", planOf(1)...)

	ch := &domain.Chapter{BookID: b.ID, Number: 1, Title: "One", Content: "rain"}
	_, err := f.store.SaveChapter(ctx, ch, domain.ChapterWrite{})
	require.NoError(t, err)
	require.NoError(t, f.store.SaveComment(ctx, &domain.Comment{ChapterID: ch.ID, BookID: b.ID, AgentID: "r1", Rating: 3, Content: "too wet"}))

	rep, err := NewOutliner(f.deps).Run(ctx, f.season.ID, 2, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Persisted)

	got, err := f.store.GetBook(ctx, b.ID)
	require.NoError(t, err)
	p, ok := got.PlanFor(2)
	require.True(t, ok)
	assert.Equal(t, "Next part", p.Title)

	msgs := f.llm.Messages()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], "too wet")
}

func TestOutliner_SkipsBooksAtLimitOrAhead(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addBook(t, "Short", planOf(1, 2, 3)...)

	rep, err := NewOutliner(f.deps).Run(ctx, f.season.ID, 4, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Skipped)
	assert.Empty(t, f.llm.Messages())
}

func TestOutliner_EnsureChapterOnlyWhereMissing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	has := f.addBook(t, "Has", planOf(1, 2)...)
	lacks := f.addBook(t, "Lacks", planOf(1)...)

	rep, err := NewOutliner(f.deps).EnsureChapter(ctx, f.season.ID, 2, []string{has.ID, lacks.ID})
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Skipped)
	assert.Equal(t, 1, rep.Persisted)

	got, err := f.store.GetBook(ctx, lacks.ID)
	require.NoError(t, err)
	_, ok := got.PlanFor(2)
	assert.True(t, ok)
}

// ── writer ───────────────────────────────────────────────────────────────

func TestWriter_PartialFailureKeepsOthers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ok := f.addBook(t, "Calm", planOf(1, 2, 3)...)
	doomed := f.addBook(t, "Doomed", planOf(1, 2, 3)...)
	f.addBook(t, "Unplanned")
	f.llm.fail["Doomed"] = true

	rep, err := NewWriter(f.deps).Run(ctx, f.season.ID, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Total)
	assert.Equal(t, 1, rep.Persisted)
	assert.Equal(t, 1, rep.Skipped, "a book without a plan entry is skipped")
	assert.Equal(t, []string{doomed.ID}, rep.FailedKeys())

	ch, err := f.store.GetChapter(ctx, ok.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, "Chapter 1", ch.Title)
	assert.Equal(t, 7, ch.WordCount)
	assert.Equal(t, 1, f.events.Count(notify.TopicChapterPublished))

	_, err = f.store.GetChapter(ctx, doomed.ID, 1)
	var nf *domain.NotFoundError
	assert.True(t, errors.As(err, &nf))
}

func TestWriter_SkipsWrittenChapterUnlessOverwriting(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	b := f.addBook(t, "Mist", planOf(1, 2, 3)...)
	_, err := f.store.SaveChapter(ctx, &domain.Chapter{BookID: b.ID, Number: 1, Content: "old"}, domain.ChapterWrite{})
	require.NoError(t, err)

	rep, err := NewWriter(f.deps).Run(ctx, f.season.ID, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Skipped)

	rep, err = NewWriter(f.deps).WriteChapter(ctx, f.season.ID, 1, []string{b.ID}, true)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Persisted)

	ch, err := f.store.GetChapter(ctx, b.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, "It was a dark and stormy night.", ch.Content)

	got, err := f.store.GetBook(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ChapterCount, "an overwrite does not bump the count")
}

func TestWriter_PromptCarriesPreviousChapterFeedback(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	b := f.addBook(t, "Thunder", planOf(1, 2, 3)...)
	prev := &domain.Chapter{BookID: b.ID, Number: 1, Title: "Start", Content: "lightning struck"}
	_, err := f.store.SaveChapter(ctx, prev, domain.ChapterWrite{})
	require.NoError(t, err)
	require.NoError(t, f.store.SaveComment(ctx, &domain.Comment{ChapterID: prev.ID, BookID: b.ID, AgentID: "r", Rating: 9, Content: "electric"}))

	_, err = NewWriter(f.deps).Run(ctx, f.season.ID, 2, nil)
	require.NoError(t, err)

	msgs := f.llm.Messages()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], "lightning struck")
	assert.Contains(t, msgs[0], "electric")
}

func TestWordCount(t *testing.T) {
	assert.Equal(t, 0, WordCount(""))
	assert.Equal(t, 3, WordCount("one two  three"))
	assert.Equal(t, 4, WordCount("下雨了 go"))
	assert.Equal(t, 1, WordCount("don't!"))
}
