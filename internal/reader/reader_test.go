package reader

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WhitePlusMS/ink-survivor-sub000/internal/domain"
	"github.com/WhitePlusMS/ink-survivor-sub000/internal/generation"
	"github.com/WhitePlusMS/ink-survivor-sub000/internal/llm"
	"github.com/WhitePlusMS/ink-survivor-sub000/internal/memstore"
	"github.com/WhitePlusMS/ink-survivor-sub000/internal/parser"
	"github.com/WhitePlusMS/ink-survivor-sub000/internal/postgres"
	"github.com/WhitePlusMS/ink-survivor-sub000/internal/redis"
)

// ── mocks ────────────────────────────────────────────────────────────────

// ratingLLM answers every comment prompt with the rating configured for
// the agent named in the system prompt.
type ratingLLM struct {
	ratings map[string]int

	mu      sync.Mutex
	readers []string
}

func (f *ratingLLM) Generate(_ context.Context, req llm.Request) (string, error) {
	for name, rating := range f.ratings {
		if strings.Contains(req.SystemPrompt, "You are "+name+",") {
			f.mu.Lock()
			f.readers = append(f.readers, name)
			f.mu.Unlock()
			return fmt.Sprintf(`{"rating": %d, "content": "%s liked it this much"}`, rating, name), nil
		}
	}
	return "", fmt.Errorf("unknown reader in %q", req.SystemPrompt)
}

func (f *ratingLLM) Readers() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.readers...)
}

type denyAll struct{}

func (denyAll) Allow(context.Context, string) (bool, error) { return false, nil }
func (denyAll) Limit() int                                  { return 0 }

// brokenFor fails the limiter lookup for one agent and allows the rest.
type brokenFor struct{ agentID string }

func (b brokenFor) Allow(_ context.Context, key string) (bool, error) {
	if key == b.agentID {
		return false, errors.New("redis down")
	}
	return true, nil
}
func (brokenFor) Limit() int { return 10 }

// failingGrants rejects every Grant and counts the calls.
type failingGrants struct {
	postgres.AgentRepository
	calls int
}

func (f *failingGrants) Grant(context.Context, string, int64, string) error {
	f.calls++
	return errors.New("ledger unavailable")
}

// failingHistory breaks HasCommented for one agent.
type failingHistory struct {
	postgres.BookRepository
	agentID string
}

func (f failingHistory) HasCommented(ctx context.Context, chapterID, agentID string) (bool, error) {
	if agentID == f.agentID {
		return false, errors.New("connection reset")
	}
	return f.BookRepository.HasCommented(ctx, chapterID, agentID)
}

var (
	_ llm.Client               = (*ratingLLM)(nil)
	_ redis.RateLimiter        = denyAll{}
	_ redis.RateLimiter        = brokenFor{}
	_ postgres.AgentRepository = (*failingGrants)(nil)
	_ postgres.BookRepository  = failingHistory{}
)

// ── helpers ──────────────────────────────────────────────────────────────

type fixture struct {
	store   *memstore.Store
	llm     *ratingLLM
	book    *domain.Book
	chapter *domain.Chapter
}

func newFixture(t *testing.T, agents ...*domain.Agent) *fixture {
	t.Helper()
	ctx := context.Background()
	s := memstore.New()
	f := &fixture{store: s, llm: &ratingLLM{ratings: map[string]int{}}}

	require.NoError(t, s.CreateAgent(ctx, &domain.Agent{ID: "author", Name: "Author", CommentaryEnabled: true, CommentProbability: 1}))
	f.llm.ratings["Author"] = 10
	for _, a := range agents {
		require.NoError(t, s.CreateAgent(ctx, a))
	}

	f.book = &domain.Book{SeasonID: "s1", AuthorID: "author", Title: "Rain", MaxChapters: 3}
	require.NoError(t, s.CreateBook(ctx, f.book))
	f.chapter = &domain.Chapter{BookID: f.book.ID, Number: 1, Title: "Drops", Content: "It rained."}
	_, err := s.SaveChapter(ctx, f.chapter, domain.ChapterWrite{HeatDelta: domain.ChapterHeat})
	require.NoError(t, err)
	return f
}

func (f *fixture) dispatcher(opts ...Option) *Dispatcher {
	return f.dispatcherWith(f.store, f.store, opts...)
}

func (f *fixture) dispatcherWith(books postgres.BookRepository, agents postgres.AgentRepository, opts ...Option) *Dispatcher {
	deps := generation.Deps{
		Seasons: f.store,
		Books:   books,
		Agents:  agents,
		LLM:     f.llm,
		Retry:   parser.RetryConfig{MaxAttempts: 1, BaseDelay: time.Millisecond},
	}
	opts = append([]Option{WithRand(rand.New(rand.NewPCG(1, 2)))}, opts...)
	return New(deps, opts...)
}

func reader(id string, rating int, f *fixture) *domain.Agent {
	f.llm.ratings[id] = rating
	return &domain.Agent{ID: id, Name: id, CommentaryEnabled: true, CommentProbability: 1}
}

// ── tests ────────────────────────────────────────────────────────────────

func TestDispatch_ExcludesAuthor(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.store.CreateAgent(ctx, reader("ann", 7, f)))

	rep, err := f.dispatcher().Dispatch(ctx, "s1", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Assigned)
	assert.Equal(t, []string{"ann"}, f.llm.Readers())
}

func TestDispatch_RatingThresholdAndRewards(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	low := reader("grumpy", 2, f)
	high := reader("fan", 9, f)
	high.AutoGift = true
	high.GiftAmount = 15
	for _, a := range []*domain.Agent{low, high} {
		require.NoError(t, f.store.CreateAgent(ctx, a))
	}

	rep, err := f.dispatcher().Dispatch(ctx, "s1", 1)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Assigned)
	assert.Equal(t, 1, rep.Discarded)
	assert.Equal(t, 2, rep.Pipeline.Persisted, "a discarded comment still leaves the pipeline cleanly")

	comments, err := f.store.ListComments(ctx, f.chapter.ID)
	require.NoError(t, err)
	require.Len(t, comments, 1)
	assert.Equal(t, "fan", comments[0].AgentID)

	fan, err := f.store.GetAgent(ctx, "fan")
	require.NoError(t, err)
	assert.Equal(t, DefaultPolicy.HighGrant-15, fan.Balance)
	author, err := f.store.GetAgent(ctx, "author")
	require.NoError(t, err)
	assert.Equal(t, int64(15), author.Balance)

	book, err := f.store.GetBook(ctx, f.book.ID)
	require.NoError(t, err)
	assert.InDelta(t, domain.Heat(1, 1, 9), book.Heat, 1e-9)
}

func TestDispatch_MachineReaderCommentsOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	bot := reader("bot", 7, f)
	human := reader("human", 7, f)
	human.IsHuman = true
	for _, a := range []*domain.Agent{bot, human} {
		require.NoError(t, f.store.CreateAgent(ctx, a))
	}
	d := f.dispatcher()

	_, err := d.Dispatch(ctx, "s1", 1)
	require.NoError(t, err)
	rep, err := d.Dispatch(ctx, "s1", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Assigned)

	comments, err := f.store.ListComments(ctx, f.chapter.ID)
	require.NoError(t, err)
	assert.Len(t, comments, 3)
}

func TestDispatch_RateLimited(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.store.CreateAgent(ctx, reader("ann", 7, f)))

	rep, err := f.dispatcher(WithRateLimiter(denyAll{})).Dispatch(ctx, "s1", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Limited)
	assert.Equal(t, 0, rep.Assigned)
	assert.Empty(t, f.llm.Readers())
}

func TestDispatch_GiftWithoutFundsIsNotFatal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	fan := reader("fan", 9, f)
	fan.AutoGift = true
	fan.GiftAmount = 1000
	require.NoError(t, f.store.CreateAgent(ctx, fan))

	rep, err := f.dispatcher().Dispatch(ctx, "s1", 1)
	require.NoError(t, err)
	assert.Empty(t, rep.Pipeline.Failures)

	comments, err := f.store.ListComments(ctx, f.chapter.ID)
	require.NoError(t, err)
	assert.Len(t, comments, 1)
}

func TestReadOne(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.store.CreateAgent(ctx, reader("ann", 6, f)))
	d := f.dispatcher()

	rep, err := d.ReadOne(ctx, "author", f.chapter.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Assigned, "authors never review themselves")

	rep, err = d.ReadOne(ctx, "ann", f.chapter.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Pipeline.Persisted)

	ann, err := f.store.GetAgent(ctx, "ann")
	require.NoError(t, err)
	assert.Equal(t, DefaultPolicy.MediumGrant, ann.Balance)
}

func TestDispatch_LimiterErrorSkipsOnlyThatReader(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	for _, a := range []*domain.Agent{reader("ann", 7, f), reader("bob", 7, f), reader("cid", 7, f)} {
		require.NoError(t, f.store.CreateAgent(ctx, a))
	}

	policy := DefaultPolicy
	policy.ReadersPerBook = 10
	rep, err := f.dispatcher(WithPolicy(policy), WithRateLimiter(brokenFor{agentID: "bob"})).Dispatch(ctx, "s1", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Skipped)
	assert.Equal(t, 2, rep.Assigned)
	assert.Equal(t, 2, rep.Pipeline.Persisted)
	assert.ElementsMatch(t, []string{"ann", "cid"}, f.llm.Readers())
}

func TestDispatch_EligibilityErrorSkipsOnlyThatReader(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	for _, a := range []*domain.Agent{reader("ann", 7, f), reader("bob", 7, f)} {
		require.NoError(t, f.store.CreateAgent(ctx, a))
	}

	d := f.dispatcherWith(failingHistory{BookRepository: f.store, agentID: "ann"}, f.store)
	rep, err := d.Dispatch(ctx, "s1", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Skipped)
	assert.Equal(t, []string{"bob"}, f.llm.Readers())
}

func TestReadOne_GrantFailureKeepsSingleComment(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	hugo := reader("hugo", 7, f)
	hugo.IsHuman = true
	require.NoError(t, f.store.CreateAgent(ctx, hugo))

	grants := &failingGrants{AgentRepository: f.store}
	rep, err := f.dispatcherWith(f.store, grants).ReadOne(ctx, "hugo", f.chapter.ID)
	require.NoError(t, err)

	// The item succeeds, so the reader.comment task completes and is not
	// re-run into a second comment.
	assert.Empty(t, rep.Pipeline.Failures)
	assert.Equal(t, 1, rep.Pipeline.Persisted)
	assert.Equal(t, 1, rep.Unrewarded)
	assert.Equal(t, 1, grants.calls)

	comments, err := f.store.ListComments(ctx, f.chapter.ID)
	require.NoError(t, err)
	assert.Len(t, comments, 1)
	ch, err := f.store.GetChapterByID(ctx, f.chapter.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, ch.CommentCount)

	got, err := f.store.GetAgent(ctx, "hugo")
	require.NoError(t, err)
	assert.Zero(t, got.Balance)
}

func TestPolicyGrantTiers(t *testing.T) {
	p := DefaultPolicy
	assert.Equal(t, p.LowGrant, p.Grant(4))
	assert.Equal(t, p.LowGrant, p.Grant(5))
	assert.Equal(t, p.MediumGrant, p.Grant(6))
	assert.Equal(t, p.MediumGrant, p.Grant(7))
	assert.Equal(t, p.HighGrant, p.Grant(8))
	assert.Equal(t, p.HighGrant, p.Grant(10))
}
