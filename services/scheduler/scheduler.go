package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/WhitePlusMS/ink-survivor-sub000/internal/domain"
	"github.com/WhitePlusMS/ink-survivor-sub000/internal/lock"
	"github.com/WhitePlusMS/ink-survivor-sub000/internal/notify"
	"github.com/WhitePlusMS/ink-survivor-sub000/internal/postgres"
	"github.com/WhitePlusMS/ink-survivor-sub000/pkg/telemetry"
)

// DefaultSchedule is how often every active season is evaluated.
const DefaultSchedule = "@every 30s"

// Action is what a tick did to a season.
type Action string

const (
	ActionNoop      Action = "noop"
	ActionAdvanced  Action = "advanced"
	ActionFinished  Action = "finished"
	ActionContended Action = "contended"
	ActionInactive  Action = "inactive"
)

// Outcome describes one tick of one season.
type Outcome struct {
	SeasonID  string        `json:"seasonId"`
	Action    Action        `json:"action"`
	From      domain.Phase  `json:"from"`
	To        domain.Phase  `json:"to"`
	Round     int           `json:"round"`
	Remaining time.Duration `json:"remaining,omitempty"`
	Enqueued  []string      `json:"enqueued,omitempty"`
}

// Scheduler drives each season through NONE → OUTLINE → WRITING → READING
// and back to OUTLINE for the next round.
type Scheduler struct {
	seasons  postgres.SeasonRepository
	books    postgres.BookRepository
	events   notify.Sink
	leader   lock.Mutex
	grace    time.Duration
	schedule string
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithGrace(d time.Duration) Option      { return func(s *Scheduler) { s.grace = d } }
func WithSchedule(spec string) Option       { return func(s *Scheduler) { s.schedule = spec } }
func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }
func WithEvents(e notify.Sink) Option       { return func(s *Scheduler) { s.events = e } }
func WithLogger(l *slog.Logger) Option      { return func(s *Scheduler) { s.logger = l } }

// WithLeaderLock makes Run tick only while it holds m. Ticks stay safe
// without it; the lock just keeps replicas from racing every cycle.
func WithLeaderLock(m lock.Mutex) Option { return func(s *Scheduler) { s.leader = m } }

// NewScheduler returns a Scheduler.
func NewScheduler(seasons postgres.SeasonRepository, books postgres.BookRepository, opts ...Option) *Scheduler {
	s := &Scheduler{
		seasons:  seasons,
		books:    books,
		events:   notify.Nop{},
		schedule: DefaultSchedule,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Run ticks every active season on the configured schedule until ctx is
// cancelled. The first tick happens immediately.
func (s *Scheduler) Run(ctx context.Context) error {
	sched, err := cron.ParseStandard(s.schedule)
	if err != nil {
		return fmt.Errorf("parse tick schedule %q: %w", s.schedule, err)
	}
	s.logger.Info("scheduler started", slog.String("schedule", s.schedule), slog.Duration("grace", s.grace))

	for {
		s.runCycle(ctx)
		now := time.Now()
		timer := time.NewTimer(sched.Next(now).Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (s *Scheduler) runCycle(ctx context.Context) {
	if s.leader != nil {
		lease, err := s.leader.TryAcquire(ctx)
		if errors.Is(err, lock.ErrNotAcquired) {
			s.logger.Debug("not leader, skipping tick")
			return
		}
		if err != nil {
			s.logger.Warn("leader lock", slog.String("error", err.Error()))
			return
		}
		defer func() { _ = lease.Release(context.WithoutCancel(ctx)) }()
	}
	if _, err := s.TickAll(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("tick failed", slog.String("error", err.Error()))
	}
}

// TickAll ticks every active season. A failing season does not stop the
// others; their errors are joined.
func (s *Scheduler) TickAll(ctx context.Context) ([]Outcome, error) {
	seasons, err := s.seasons.ListSeasons(ctx, domain.SeasonActive)
	if err != nil {
		telemetry.SchedulerTicksTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("list active seasons: %w", err)
	}
	var (
		out  []Outcome
		errs []error
	)
	for _, season := range seasons {
		o, err := s.Tick(ctx, season.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("season %s: %w", season.ID, err))
			continue
		}
		out = append(out, o)
	}
	return out, errors.Join(errs...)
}

// Tick evaluates one season's phase clock and advances it when due.
func (s *Scheduler) Tick(ctx context.Context, seasonID string) (Outcome, error) {
	ctx, span := otel.Tracer("scheduler").Start(ctx, "scheduler.tick")
	defer span.End()
	span.SetAttributes(attribute.String("season_id", seasonID))

	o, err := s.tick(ctx, seasonID)
	if err != nil {
		span.RecordError(err)
		telemetry.SchedulerTicksTotal.WithLabelValues("error").Inc()
		return o, err
	}
	telemetry.SchedulerTicksTotal.WithLabelValues(string(o.Action)).Inc()
	span.SetAttributes(attribute.String("action", string(o.Action)))
	return o, nil
}

func (s *Scheduler) tick(ctx context.Context, seasonID string) (Outcome, error) {
	season, err := s.seasons.GetSeason(ctx, seasonID)
	if err != nil {
		return Outcome{SeasonID: seasonID}, err
	}
	o := Outcome{SeasonID: seasonID, From: season.Phase, To: season.Phase, Round: season.CurrentRound}
	if season.Status != domain.SeasonActive {
		o.Action = ActionInactive
		return o, nil
	}
	now := s.now().UTC()

	if season.Phase == domain.PhaseNone {
		return s.start(ctx, season, now, o)
	}
	if season.Expired(now) {
		written := season.CurrentRound - 1
		if season.Phase == domain.PhaseWriting {
			written = season.CurrentRound
		}
		return s.finish(ctx, season, now, written, o)
	}

	o.Remaining = season.PhaseRemaining(now)
	if o.Remaining > s.grace {
		o.Action = ActionNoop
		return o, nil
	}

	t := domain.PhaseTransition{
		SeasonID:  season.ID,
		FromPhase: season.Phase,
		FromRound: season.CurrentRound,
		ToPhase:   season.Phase.Next(),
		ToRound:   season.CurrentRound,
		StartedAt: now,
	}
	switch season.Phase {
	case domain.PhaseOutline:
		t.Enqueue = []domain.TaskSpec{roundTask(domain.TaskChapterWrite, season.ID, season.CurrentRound, nil, domain.PriorityContent)}

	case domain.PhaseWriting:
		written := season.CurrentRound
		if season.MaxRounds > 0 && written+1 > season.MaxRounds {
			return s.finish(ctx, season, now, written, o)
		}
		t.ToRound = written + 1
		latest, err := s.books.LatestChapterNumber(ctx, season.ID)
		if err != nil {
			return o, err
		}
		if latest > 0 {
			t.Enqueue = append(t.Enqueue, roundTask(domain.TaskReaderDispatch, season.ID, latest, nil, domain.PriorityReader))
		}
		catchUp, err := s.catchUpTask(ctx, season.ID, written)
		if err != nil {
			return o, err
		}
		if catchUp != nil {
			t.Enqueue = append(t.Enqueue, *catchUp)
		}

	case domain.PhaseReading:
		books, err := s.books.ListBooks(ctx, season.ID, domain.BookFilter{ActiveOnly: true})
		if err != nil {
			return o, err
		}
		var ids []string
		for _, b := range books {
			if b.BelowMax(season.CurrentRound) {
				ids = append(ids, b.ID)
			}
		}
		if len(ids) > 0 {
			t.Enqueue = []domain.TaskSpec{roundTask(domain.TaskOutlineGenerate, season.ID, season.CurrentRound, ids, domain.PriorityContent)}
		}

	default:
		return o, fmt.Errorf("season %s in unknown phase %q", season.ID, season.Phase)
	}
	return s.apply(ctx, t, o, ActionAdvanced)
}

// start opens round 1 with a single outline task covering every book that
// has not written anything yet.
func (s *Scheduler) start(ctx context.Context, season *domain.Season, now time.Time, o Outcome) (Outcome, error) {
	books, err := s.books.ListBooks(ctx, season.ID, domain.BookFilter{ActiveOnly: true})
	if err != nil {
		return o, err
	}
	var ids []string
	for _, b := range books {
		if b.ChapterCount == 0 {
			ids = append(ids, b.ID)
		}
	}
	t := domain.PhaseTransition{
		SeasonID:  season.ID,
		FromPhase: domain.PhaseNone,
		FromRound: season.CurrentRound,
		ToPhase:   domain.PhaseOutline,
		ToRound:   1,
		StartedAt: now,
	}
	if len(ids) > 0 {
		t.Enqueue = []domain.TaskSpec{roundTask(domain.TaskOutlineGenerate, season.ID, 1, ids, domain.PriorityContent)}
	}
	return s.apply(ctx, t, o, ActionAdvanced)
}

// finish closes the season. Phase and round stay as they are; a final
// catch-up is queued when books lag behind the last written round.
func (s *Scheduler) finish(ctx context.Context, season *domain.Season, now time.Time, written int, o Outcome) (Outcome, error) {
	t := domain.PhaseTransition{
		SeasonID:  season.ID,
		FromPhase: season.Phase,
		FromRound: season.CurrentRound,
		ToPhase:   season.Phase,
		ToRound:   season.CurrentRound,
		StartedAt: now,
		Finish:    true,
	}
	if written > 0 {
		catchUp, err := s.catchUpTask(ctx, season.ID, written)
		if err != nil {
			return o, err
		}
		if catchUp != nil {
			t.Enqueue = []domain.TaskSpec{*catchUp}
		}
	}
	return s.apply(ctx, t, o, ActionFinished)
}

// catchUpTask returns a season.catchup task when any active book is out of
// sequence up to round.
func (s *Scheduler) catchUpTask(ctx context.Context, seasonID string, round int) (*domain.TaskSpec, error) {
	books, err := s.books.ListBooks(ctx, seasonID, domain.BookFilter{ActiveOnly: true})
	if err != nil {
		return nil, err
	}
	for _, b := range books {
		target := round
		if b.MaxChapters > 0 && b.MaxChapters < target {
			target = b.MaxChapters
		}
		numbers, err := s.books.ChapterNumbers(ctx, b.ID)
		if err != nil {
			return nil, err
		}
		if len(domain.Gaps(numbers, target)) > 0 {
			spec := roundTask(domain.TaskSeasonCatchUp, seasonID, round, nil, domain.PriorityCatchUp)
			return &spec, nil
		}
	}
	return nil, nil
}

func (s *Scheduler) apply(ctx context.Context, t domain.PhaseTransition, o Outcome, action Action) (Outcome, error) {
	applied, err := s.seasons.AdvancePhase(ctx, t)
	if err != nil {
		return o, fmt.Errorf("advance season %s: %w", t.SeasonID, err)
	}
	if !applied {
		o.Action = ActionContended
		s.logger.Info("season moved under us, skipping",
			slog.String("season_id", t.SeasonID),
			slog.String("phase", string(t.FromPhase)),
			slog.Int("round", t.FromRound),
		)
		return o, nil
	}

	o.Action = action
	o.To = t.ToPhase
	o.Round = t.ToRound
	for _, spec := range t.Enqueue {
		o.Enqueued = append(o.Enqueued, spec.Type)
	}
	telemetry.SchedulerTransitionsTotal.WithLabelValues(string(t.FromPhase), string(t.ToPhase)).Inc()

	if err := s.events.Emit(ctx, notify.TopicSeasonAdvanced, notify.SeasonAdvanced{
		SeasonID: t.SeasonID,
		Round:    t.ToRound,
		Phase:    string(t.ToPhase),
		Finished: t.Finish,
	}); err != nil {
		s.logger.Warn("emit event", slog.String("topic", notify.TopicSeasonAdvanced), slog.String("error", err.Error()))
	}
	s.logger.Info("season advanced",
		slog.String("season_id", t.SeasonID),
		slog.String("from", string(t.FromPhase)),
		slog.String("to", string(t.ToPhase)),
		slog.Int("round", t.ToRound),
		slog.Bool("finished", t.Finish),
		slog.Any("enqueued", o.Enqueued),
	)
	return o, nil
}

func roundTask(typ, seasonID string, round int, bookIDs []string, priority int) domain.TaskSpec {
	return domain.TaskSpec{
		Type:      typ,
		Payload:   domain.TaskPayload{SeasonID: seasonID, Round: round, BookIDs: bookIDs},
		Priority:  priority,
		DedupeKey: fmt.Sprintf("%s:%s:%d", typ, seasonID, round),
	}
}
