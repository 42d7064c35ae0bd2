// Package reader assigns published chapters to commentator agents and turns
// their reactions into comments, heat and wallet rewards.
package reader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"

	"github.com/WhitePlusMS/ink-survivor-sub000/internal/domain"
	"github.com/WhitePlusMS/ink-survivor-sub000/internal/generation"
	"github.com/WhitePlusMS/ink-survivor-sub000/internal/llm"
	"github.com/WhitePlusMS/ink-survivor-sub000/internal/notify"
	"github.com/WhitePlusMS/ink-survivor-sub000/internal/parser"
	"github.com/WhitePlusMS/ink-survivor-sub000/internal/pipeline"
	"github.com/WhitePlusMS/ink-survivor-sub000/internal/prompts"
	"github.com/WhitePlusMS/ink-survivor-sub000/internal/redis"
	"github.com/WhitePlusMS/ink-survivor-sub000/pkg/telemetry"
)

// Report summarises one dispatch.
type Report struct {
	Books     int
	Assigned  int
	Limited   int
	Discarded int
	// Skipped counts books and agents dropped from the batch because a
	// store or limiter call failed for them.
	Skipped int
	// Unrewarded counts saved comments whose heat refresh or reward grant
	// failed. The comment itself stands.
	Unrewarded int
	Pipeline   pipeline.Report
}

// Dispatcher runs reader agents over the hottest books.
type Dispatcher struct {
	d       generation.Deps
	limiter redis.RateLimiter

	mu     sync.Mutex
	rng    *rand.Rand
	policy Policy
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithPolicy sets the initial policy.
func WithPolicy(p Policy) Option {
	return func(d *Dispatcher) { d.policy = p }
}

// WithRand injects the sampling source.
func WithRand(r *rand.Rand) Option {
	return func(d *Dispatcher) { d.rng = r }
}

// WithRateLimiter caps comments per agent.
func WithRateLimiter(rl redis.RateLimiter) Option {
	return func(d *Dispatcher) { d.limiter = rl }
}

// New returns a Dispatcher.
func New(deps generation.Deps, opts ...Option) *Dispatcher {
	d := &Dispatcher{d: deps.WithDefaults(), policy: DefaultPolicy}
	for _, o := range opts {
		o(d)
	}
	if d.rng == nil {
		d.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return d
}

// SetPolicy swaps the policy for subsequent dispatches.
func (r *Dispatcher) SetPolicy(p Policy) {
	r.mu.Lock()
	r.policy = p
	r.mu.Unlock()
}

// Policy returns the policy in force.
func (r *Dispatcher) Policy() Policy {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.policy
}

type assignment struct {
	seasonID string
	book     *domain.Book
	chapter  *domain.Chapter
	agent    *domain.Agent
}

type readJob struct {
	assignment
	system  string
	message string
}

type readOut struct {
	job   *readJob
	draft generation.CommentDraft
}

// Dispatch samples readers for chapter number of the top books by heat.
func (r *Dispatcher) Dispatch(ctx context.Context, seasonID string, number int) (Report, error) {
	policy := r.Policy()
	log := r.d.Logger.With(slog.String("season_id", seasonID), slog.Int("chapter", number))

	books, err := pipeline.TransientValue(ctx, func() ([]*domain.Book, error) {
		return r.d.Books.TopBooksByHeat(ctx, seasonID, policy.TopBooks)
	})
	if err != nil {
		return Report{}, err
	}
	commentators, err := pipeline.TransientValue(ctx, func() ([]*domain.Agent, error) {
		return r.d.Agents.ListCommentators(ctx)
	})
	if err != nil {
		return Report{}, err
	}

	var rep Report
	var work []assignment
	for _, b := range books {
		blog := log.With(slog.String("book_id", b.ID))
		ch, err := pipeline.TransientValue(ctx, func() (*domain.Chapter, error) {
			return r.d.Books.GetChapter(ctx, b.ID, number)
		})
		var nf *domain.NotFoundError
		if errors.As(err, &nf) {
			continue
		}
		if err != nil {
			rep.Skipped++
			blog.Warn("load chapter, book skipped", slog.String("error", err.Error()))
			continue
		}
		rep.Books++

		pool, skipped := r.candidates(ctx, b, ch, commentators, blog)
		rep.Skipped += skipped
		for _, a := range r.sample(pool, policy.ReadersPerBook) {
			if r.limiter != nil {
				if err := redis.Check(ctx, r.limiter, a.ID); err != nil {
					var limited *domain.RateLimitExceededError
					if !errors.As(err, &limited) {
						rep.Skipped++
						blog.Warn("rate limit check, reader skipped",
							slog.String("agent_id", a.ID),
							slog.String("error", err.Error()),
						)
						continue
					}
					rep.Limited++
					telemetry.ReaderCommentsTotal.WithLabelValues("rate_limited").Inc()
					continue
				}
			}
			work = append(work, assignment{seasonID: seasonID, book: b, chapter: ch, agent: a})
		}
	}
	rep.Assigned = len(work)
	telemetry.ReaderCommentsTotal.WithLabelValues("skipped").Add(float64(rep.Skipped))

	r.run(ctx, work, policy, &rep)
	log.Info("readers dispatched",
		slog.Int("books", rep.Books),
		slog.Int("assigned", rep.Assigned),
		slog.Int("skipped", rep.Skipped),
		slog.Int("persisted", rep.Pipeline.Persisted),
		slog.Int("discarded", rep.Discarded),
		slog.Int("failed", len(rep.Pipeline.Failures)),
	)
	return rep, nil
}

// ReadOne has agentID comment on chapterID without sampling or the coin
// flip. The author and repeat machine readers are still excluded.
func (r *Dispatcher) ReadOne(ctx context.Context, agentID, chapterID string) (Report, error) {
	policy := r.Policy()
	ch, err := r.d.Books.GetChapterByID(ctx, chapterID)
	if err != nil {
		return Report{}, err
	}
	b, err := r.d.Books.GetBook(ctx, ch.BookID)
	if err != nil {
		return Report{}, err
	}
	a, err := r.d.Agents.GetAgent(ctx, agentID)
	if err != nil {
		return Report{}, err
	}

	rep := Report{Books: 1}
	ok, err := r.eligible(ctx, b, ch, a)
	if err != nil {
		return rep, err
	}
	if !ok {
		r.d.Logger.Info("reader not eligible",
			slog.String("agent_id", agentID),
			slog.String("chapter_id", chapterID),
		)
		return rep, nil
	}
	rep.Assigned = 1
	r.run(ctx, []assignment{{seasonID: b.SeasonID, book: b, chapter: ch, agent: a}}, policy, &rep)
	return rep, nil
}

// candidates returns the eligible agents and how many could not be checked.
func (r *Dispatcher) candidates(ctx context.Context, b *domain.Book, ch *domain.Chapter, all []*domain.Agent, log *slog.Logger) ([]*domain.Agent, int) {
	var pool []*domain.Agent
	skipped := 0
	for _, a := range all {
		ok, err := r.eligible(ctx, b, ch, a)
		if err != nil {
			skipped++
			log.Warn("eligibility check, reader skipped",
				slog.String("agent_id", a.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if ok {
			pool = append(pool, a)
		}
	}
	return pool, skipped
}

// eligible excludes the author and machine readers that already commented.
func (r *Dispatcher) eligible(ctx context.Context, b *domain.Book, ch *domain.Chapter, a *domain.Agent) (bool, error) {
	if a.ID == b.AuthorID {
		return false, nil
	}
	if a.IsHuman {
		return true, nil
	}
	done, err := pipeline.TransientValue(ctx, func() (bool, error) {
		return r.d.Books.HasCommented(ctx, ch.ID, a.ID)
	})
	if err != nil {
		return false, fmt.Errorf("check prior comment of %s: %w", a.ID, err)
	}
	return !done, nil
}

// sample picks up to n agents, then keeps each with its comment probability.
func (r *Dispatcher) sample(pool []*domain.Agent, n int) []*domain.Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	picked := make([]*domain.Agent, len(pool))
	copy(picked, pool)
	r.rng.Shuffle(len(picked), func(i, j int) { picked[i], picked[j] = picked[j], picked[i] })
	if len(picked) > n {
		picked = picked[:n]
	}
	out := picked[:0]
	for _, a := range picked {
		if r.rng.Float64() < a.CommentProbability {
			out = append(out, a)
		}
	}
	return out
}

// run feeds work through the comment pipeline and tallies into rep.
func (r *Dispatcher) run(ctx context.Context, work []assignment, policy Policy, rep *Report) {
	d := r.d
	var mu sync.Mutex
	rep.Pipeline = pipeline.Run(ctx, work, pipeline.Stages[assignment, *readJob, readOut]{
		Name: "reader",
		Key: func(a assignment) string {
			return a.agent.ID + "@" + a.chapter.ID
		},
		Prepare: func(_ context.Context, a assignment) (*readJob, error) {
			system, err := prompts.System(a.agent)
			if err != nil {
				return nil, err
			}
			msg, err := prompts.Comment(prompts.CommentData{Book: a.book, Chapter: a.chapter, Reader: a.agent})
			if err != nil {
				return nil, err
			}
			return &readJob{assignment: a, system: system, message: msg}, nil
		},
		Generate: func(ctx context.Context, job *readJob) (readOut, error) {
			draft, err := generation.Ask[generation.CommentDraft](ctx, d, parser.CommentSchema, job.chapter.ID, llm.Request{
				Message:      job.message,
				SystemPrompt: job.system,
				ModelHint:    job.agent.ModelHint,
			})
			if err != nil {
				return readOut{}, err
			}
			return readOut{job: job, draft: draft}, nil
		},
		Persist: func(ctx context.Context, out readOut) error {
			job := out.job
			log := d.Logger.With(
				slog.String("agent_id", job.agent.ID),
				slog.String("book_id", job.book.ID),
				slog.Int("chapter", job.chapter.Number),
				slog.Int("rating", out.draft.Rating),
			)
			if out.draft.Rating < policy.Threshold {
				mu.Lock()
				rep.Discarded++
				mu.Unlock()
				telemetry.ReaderCommentsTotal.WithLabelValues("discarded").Inc()
				log.Info("comment below threshold discarded", slog.Int("threshold", policy.Threshold))
				return nil
			}
			rewarded, err := r.persist(ctx, job, out.draft, policy, log)
			if err == nil && !rewarded {
				mu.Lock()
				rep.Unrewarded++
				mu.Unlock()
			}
			return err
		},
	}, d.Pipeline)
}

// persist saves the comment, then refreshes heat and pays the reader. Only
// the comment write can fail the item: once it is committed a retry would
// duplicate it, so later steps log and report rewarded=false instead.
func (r *Dispatcher) persist(ctx context.Context, job *readJob, draft generation.CommentDraft, policy Policy, log *slog.Logger) (rewarded bool, err error) {
	d := r.d
	c := &domain.Comment{
		ChapterID: job.chapter.ID,
		BookID:    job.book.ID,
		AgentID:   job.agent.ID,
		Rating:    draft.Rating,
		Content:   draft.Content,
	}
	if err := pipeline.Transient(ctx, func() error { return d.Books.SaveComment(ctx, c) }); err != nil {
		return false, err
	}
	telemetry.ReaderCommentsTotal.WithLabelValues("persisted").Inc()
	rewarded = true

	heat, err := pipeline.TransientValue(ctx, func() (float64, error) {
		return d.Books.RecomputeHeat(ctx, job.book.ID)
	})
	if err != nil {
		rewarded = false
		log.Warn("recompute heat", slog.String("error", err.Error()))
	} else if err := d.Events.Emit(ctx, notify.TopicHeatUpdated, notify.HeatUpdated{
		SeasonID: job.seasonID, BookID: job.book.ID, Heat: heat,
	}); err != nil {
		log.Warn("emit event", slog.String("topic", notify.TopicHeatUpdated), slog.String("error", err.Error()))
	}

	reason := fmt.Sprintf("comment on %s#%d", job.book.ID, job.chapter.Number)
	amount := policy.Grant(draft.Rating)
	if err := pipeline.Transient(ctx, func() error {
		return d.Agents.Grant(ctx, job.agent.ID, amount, reason)
	}); err != nil {
		rewarded = false
		telemetry.ReaderCommentsTotal.WithLabelValues("unrewarded").Inc()
		log.Error("grant reader reward", slog.Int64("amount", amount), slog.String("error", err.Error()))
	}

	if job.agent.AutoGift && job.agent.GiftAmount > 0 && draft.Rating >= policy.HighRating {
		err := d.Agents.Transfer(ctx, job.agent.ID, job.book.AuthorID, job.agent.GiftAmount, "gift: "+reason)
		if err != nil {
			log.Warn("author gift failed", slog.String("error", err.Error()))
		}
	}
	log.Info("comment saved", slog.Float64("heat", heat))
	return rewarded, nil
}
