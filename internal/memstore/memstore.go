// Package memstore keeps every repository in process memory. It backs the
// "memory" store mode and the unit tests of the components above the
// repositories.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/WhitePlusMS/ink-survivor-sub000/internal/domain"
	"github.com/WhitePlusMS/ink-survivor-sub000/internal/postgres"
)

// Store is safe for concurrent use. Values handed out are copies.
type Store struct {
	mu  sync.Mutex
	now func() time.Time
	seq int64

	tasks    map[string]*taskRow
	seasons  map[string]*domain.Season
	books    map[string]*domain.Book
	outlines map[string][]domain.OutlineVersion
	chapters map[string]*domain.Chapter
	comments []*domain.Comment
	agents   map[string]*domain.Agent
	ledger   []LedgerEntry
}

type taskRow struct {
	task domain.Task
	seq  int64
}

// LedgerEntry is one wallet movement. From is empty for grants.
type LedgerEntry struct {
	From   string
	To     string
	Amount int64
	Reason string
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New returns an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		now:      time.Now,
		tasks:    make(map[string]*taskRow),
		seasons:  make(map[string]*domain.Season),
		books:    make(map[string]*domain.Book),
		outlines: make(map[string][]domain.OutlineVersion),
		chapters: make(map[string]*domain.Chapter),
		agents:   make(map[string]*domain.Agent),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Repos exposes the store through the repository bundle.
func (s *Store) Repos() postgres.Store {
	return postgres.Store{Tasks: s, Seasons: s, Books: s, Agents: s}
}

// ── tasks ────────────────────────────────────────────────────────────────

func (s *Store) Enqueue(_ context.Context, spec domain.TaskSpec) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enqueueLocked(spec)
}

func (s *Store) enqueueLocked(spec domain.TaskSpec) (*domain.Task, error) {
	spec = spec.Normalized()
	if spec.DedupeKey != "" {
		for _, r := range s.tasks {
			if r.task.DedupeKey == spec.DedupeKey && !r.task.Status.IsTerminal() {
				return copyTask(&r.task), nil
			}
		}
	}
	payload, err := json.Marshal(spec.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	now := s.now().UTC()
	s.seq++
	r := &taskRow{seq: s.seq, task: domain.Task{
		ID:          uuid.New().String(),
		Type:        spec.Type,
		Payload:     payload,
		Status:      domain.StatusPending,
		Priority:    spec.Priority,
		MaxAttempts: spec.MaxAttempts,
		DedupeKey:   spec.DedupeKey,
		CreatedAt:   now,
		UpdatedAt:   now,
	}}
	s.tasks[r.task.ID] = r
	return copyTask(&r.task), nil
}

func (s *Store) ClaimNext(_ context.Context, lease time.Duration) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	var best *taskRow
	for _, r := range s.tasks {
		t := &r.task
		expired := t.Status == domain.StatusProcessing && now.Sub(t.LastSeen()) > lease
		if expired && t.Attempts >= t.MaxAttempts {
			msg := "lease expired on final attempt"
			if t.ErrorMessage != nil {
				msg = *t.ErrorMessage
			}
			t.Status = domain.StatusFailed
			t.ErrorMessage = &msg
			t.CompletedAt = &now
			t.UpdatedAt = now
			continue
		}
		if t.Attempts >= t.MaxAttempts || (t.Status != domain.StatusPending && !expired) {
			continue
		}
		if best == nil || before(r, best) {
			best = r
		}
	}
	if best == nil {
		return nil, nil
	}
	t := &best.task
	t.Status = domain.StatusProcessing
	t.Attempts++
	t.StartedAt = &now
	t.HeartbeatAt = nil
	t.Step = "claimed"
	t.StepAt = &now
	t.UpdatedAt = now
	return copyTask(t), nil
}

// before orders by priority DESC, createdAt ASC, insertion order ASC.
func before(a, b *taskRow) bool {
	if a.task.Priority != b.task.Priority {
		return a.task.Priority > b.task.Priority
	}
	if !a.task.CreatedAt.Equal(b.task.CreatedAt) {
		return a.task.CreatedAt.Before(b.task.CreatedAt)
	}
	return a.seq < b.seq
}

func (s *Store) Complete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.processingLocked(id)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	t.Status = domain.StatusCompleted
	t.CompletedAt = &now
	t.Step = "completed"
	t.StepAt = &now
	t.UpdatedAt = now
	return nil
}

func (s *Store) Fail(_ context.Context, id, message string) (domain.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.processingLocked(id)
	if err != nil {
		return "", err
	}
	now := s.now().UTC()
	msg := message
	t.ErrorMessage = &msg
	t.HeartbeatAt = nil
	t.Step = "failed"
	t.StepAt = &now
	t.UpdatedAt = now
	if t.Attempts < t.MaxAttempts {
		t.Status = domain.StatusPending
		t.StartedAt = nil
	} else {
		t.Status = domain.StatusFailed
		t.CompletedAt = &now
	}
	return t.Status, nil
}

func (s *Store) processingLocked(id string) (*domain.Task, error) {
	r, ok := s.tasks[id]
	if !ok {
		return nil, &domain.TaskNotFoundError{TaskID: id}
	}
	switch {
	case r.task.Status.IsTerminal():
		return nil, &domain.TaskAlreadyProcessedError{TaskID: id, Status: r.task.Status}
	case r.task.Status != domain.StatusProcessing:
		return nil, fmt.Errorf("task %s is %s, not PROCESSING", id, r.task.Status)
	}
	return &r.task, nil
}

func (s *Store) Checkpoint(_ context.Context, id, step string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.tasks[id]; ok {
		now := s.now().UTC()
		r.task.Step = step
		r.task.StepAt = &now
		r.task.UpdatedAt = now
	}
	return nil
}

func (s *Store) Heartbeat(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.tasks[id]; ok && r.task.Status == domain.StatusProcessing {
		now := s.now().UTC()
		r.task.HeartbeatAt = &now
	}
	return nil
}

func (s *Store) Get(_ context.Context, id string) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.tasks[id]
	if !ok {
		return nil, &domain.TaskNotFoundError{TaskID: id}
	}
	return copyTask(&r.task), nil
}

func (s *Store) Processing(_ context.Context) ([]*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var rows []*taskRow
	for _, r := range s.tasks {
		if r.task.Status == domain.StatusProcessing {
			rows = append(rows, r)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].seq < rows[j].seq })
	out := make([]*domain.Task, 0, len(rows))
	for _, r := range rows {
		out = append(out, copyTask(&r.task))
	}
	return out, nil
}

func (s *Store) Stats(_ context.Context) (domain.QueueStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st domain.QueueStats
	for _, r := range s.tasks {
		switch r.task.Status {
		case domain.StatusPending:
			st.Pending++
		case domain.StatusProcessing:
			st.Processing++
		case domain.StatusCompleted:
			st.Completed++
		case domain.StatusFailed:
			st.Failed++
		}
	}
	return st, nil
}

// Tasks returns every task in insertion order.
func (s *Store) Tasks() []*domain.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := make([]*taskRow, 0, len(s.tasks))
	for _, r := range s.tasks {
		rows = append(rows, r)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].seq < rows[j].seq })
	out := make([]*domain.Task, 0, len(rows))
	for _, r := range rows {
		out = append(out, copyTask(&r.task))
	}
	return out
}

func copyTask(t *domain.Task) *domain.Task {
	c := *t
	c.Payload = append(json.RawMessage(nil), t.Payload...)
	return &c
}

// ── seasons ──────────────────────────────────────────────────────────────

func (s *Store) CreateSeason(_ context.Context, season *domain.Season) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if season.ID == "" {
		season.ID = uuid.New().String()
	}
	if season.CurrentRound < 1 {
		season.CurrentRound = 1
	}
	if season.Phase == "" {
		season.Phase = domain.PhaseNone
	}
	if season.Status == "" {
		season.Status = domain.SeasonActive
	}
	now := s.now().UTC()
	if season.RoundStartTime.IsZero() {
		season.RoundStartTime = now
	}
	if season.CreatedAt.IsZero() {
		season.CreatedAt = now
	}
	c := *season
	s.seasons[season.ID] = &c
	return nil
}

func (s *Store) GetSeason(_ context.Context, id string) (*domain.Season, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	season, ok := s.seasons[id]
	if !ok {
		return nil, &domain.NotFoundError{Kind: "season", ID: id}
	}
	c := *season
	return &c, nil
}

func (s *Store) ListSeasons(_ context.Context, status domain.SeasonStatus) ([]*domain.Season, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Season
	for _, season := range s.seasons {
		if season.Status == status {
			c := *season
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) AdvancePhase(_ context.Context, t domain.PhaseTransition) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	season, ok := s.seasons[t.SeasonID]
	if !ok || season.Status != domain.SeasonActive || season.Phase != t.FromPhase || season.CurrentRound != t.FromRound {
		return false, nil
	}
	for _, spec := range t.Enqueue {
		if _, err := s.enqueueLocked(spec); err != nil {
			return false, err
		}
	}
	season.Phase = t.ToPhase
	season.CurrentRound = t.ToRound
	season.RoundStartTime = t.StartedAt
	if t.Finish {
		season.Status = domain.SeasonFinished
	}
	return true, nil
}

// ── books ────────────────────────────────────────────────────────────────

func (s *Store) CreateBook(_ context.Context, b *domain.Book) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	if b.Status == "" {
		b.Status = domain.BookActive
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = s.now().UTC()
	}
	s.books[b.ID] = copyBook(b)
	return nil
}

func (s *Store) GetBook(_ context.Context, id string) (*domain.Book, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.books[id]
	if !ok {
		return nil, &domain.NotFoundError{Kind: "book", ID: id}
	}
	return copyBook(b), nil
}

func (s *Store) ListBooks(_ context.Context, seasonID string, f domain.BookFilter) ([]*domain.Book, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids map[string]bool
	if len(f.IDs) > 0 {
		ids = make(map[string]bool, len(f.IDs))
		for _, id := range f.IDs {
			ids[id] = true
		}
	}
	var out []*domain.Book
	for _, b := range s.books {
		if b.SeasonID != seasonID || (f.ActiveOnly && b.Status != domain.BookActive) {
			continue
		}
		if ids != nil && !ids[b.ID] {
			continue
		}
		out = append(out, copyBook(b))
	}
	sortBooks(out, func(a, b *domain.Book) bool { return false })
	return out, nil
}

func (s *Store) TopBooksByHeat(_ context.Context, seasonID string, limit int) ([]*domain.Book, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Book
	for _, b := range s.books {
		if b.SeasonID == seasonID {
			out = append(out, copyBook(b))
		}
	}
	sortBooks(out, func(a, b *domain.Book) bool { return a.Heat > b.Heat })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// sortBooks orders by first (when it separates a and b), then createdAt, then id.
func sortBooks(books []*domain.Book, first func(a, b *domain.Book) bool) {
	sort.Slice(books, func(i, j int) bool {
		a, b := books[i], books[j]
		if first(a, b) {
			return true
		}
		if first(b, a) {
			return false
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

func (s *Store) SaveOutline(_ context.Context, bookID string, updates []domain.ChapterPlan, reason string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.books[bookID]
	if !ok {
		return 0, &domain.NotFoundError{Kind: "book", ID: bookID}
	}
	b.ChaptersPlan = domain.MergePlan(b.ChaptersPlan, updates)
	b.OutlineVersion++
	s.outlines[bookID] = append(s.outlines[bookID], domain.OutlineVersion{
		BookID:    bookID,
		Version:   b.OutlineVersion,
		Chapters:  append([]domain.ChapterPlan(nil), b.ChaptersPlan...),
		Reason:    reason,
		CreatedAt: s.now().UTC(),
	})
	return b.OutlineVersion, nil
}

func (s *Store) OutlineHistory(_ context.Context, bookID string) ([]domain.OutlineVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.OutlineVersion(nil), s.outlines[bookID]...), nil
}

func (s *Store) ChapterNumbers(_ context.Context, bookID string) ([]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []int
	for _, ch := range s.chapters {
		if ch.BookID == bookID {
			out = append(out, ch.Number)
		}
	}
	sort.Ints(out)
	return out, nil
}

func (s *Store) GetChapter(_ context.Context, bookID string, number int) (*domain.Chapter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch := s.chapterLocked(bookID, number); ch != nil {
		c := *ch
		return &c, nil
	}
	return nil, &domain.NotFoundError{Kind: "chapter", ID: fmt.Sprintf("%s#%d", bookID, number)}
}

func (s *Store) chapterLocked(bookID string, number int) *domain.Chapter {
	for _, ch := range s.chapters {
		if ch.BookID == bookID && ch.Number == number {
			return ch
		}
	}
	return nil
}

func (s *Store) GetChapterByID(_ context.Context, id string) (*domain.Chapter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.chapters[id]
	if !ok {
		return nil, &domain.NotFoundError{Kind: "chapter", ID: id}
	}
	c := *ch
	return &c, nil
}

func (s *Store) SaveChapter(_ context.Context, ch *domain.Chapter, w domain.ChapterWrite) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.books[ch.BookID]
	if !ok {
		return false, &domain.NotFoundError{Kind: "book", ID: ch.BookID}
	}
	now := s.now().UTC()
	if existing := s.chapterLocked(ch.BookID, ch.Number); existing != nil {
		ch.ID = existing.ID
		if w.Overwrite {
			existing.Title = ch.Title
			existing.Content = ch.Content
			existing.Summary = ch.Summary
			existing.WordCount = ch.WordCount
			existing.PublishedAt = now
		}
		return false, nil
	}
	if ch.ID == "" {
		ch.ID = uuid.New().String()
	}
	ch.PublishedAt = now
	c := *ch
	s.chapters[c.ID] = &c

	b.ChapterCount++
	b.Heat += w.HeatDelta
	if b.MaxChapters > 0 && b.ChapterCount >= b.MaxChapters {
		b.Status = domain.BookCompleted
	}
	return true, nil
}

func (s *Store) LatestChapterNumber(_ context.Context, seasonID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ch := range s.chapters {
		if b, ok := s.books[ch.BookID]; ok && b.SeasonID == seasonID && ch.Number > n {
			n = ch.Number
		}
	}
	return n, nil
}

func (s *Store) ListComments(_ context.Context, chapterID string) ([]*domain.Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Comment
	for _, c := range s.comments {
		if c.ChapterID == chapterID {
			cc := *c
			out = append(out, &cc)
		}
	}
	return out, nil
}

func (s *Store) HasCommented(_ context.Context, chapterID, agentID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.comments {
		if c.ChapterID == chapterID && c.AgentID == agentID {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) SaveComment(_ context.Context, c *domain.Comment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.chapters[c.ChapterID]
	if !ok {
		return &domain.NotFoundError{Kind: "chapter", ID: c.ChapterID}
	}
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now().UTC()
	}
	cc := *c
	s.comments = append(s.comments, &cc)
	ch.CommentCount++
	return nil
}

func (s *Store) RecomputeHeat(_ context.Context, bookID string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.books[bookID]
	if !ok {
		return 0, &domain.NotFoundError{Kind: "book", ID: bookID}
	}
	n, sum := 0, 0
	for _, c := range s.comments {
		if c.BookID == bookID {
			n++
			sum += c.Rating
		}
	}
	avg := 0.0
	if n > 0 {
		avg = float64(sum) / float64(n)
	}
	b.Score = avg
	b.Heat = domain.Heat(b.ChapterCount, n, avg)
	return b.Heat, nil
}

func copyBook(b *domain.Book) *domain.Book {
	c := *b
	c.ChaptersPlan = append([]domain.ChapterPlan(nil), b.ChaptersPlan...)
	return &c
}

// ── agents ───────────────────────────────────────────────────────────────

func (s *Store) CreateAgent(_ context.Context, a *domain.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now().UTC()
	}
	c := *a
	if prev, ok := s.agents[a.ID]; ok {
		c.Balance = prev.Balance
	}
	s.agents[a.ID] = &c
	return nil
}

func (s *Store) GetAgent(_ context.Context, id string) (*domain.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, &domain.NotFoundError{Kind: "agent", ID: id}
	}
	c := *a
	return &c, nil
}

func (s *Store) ListCommentators(_ context.Context) ([]*domain.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Agent
	for _, a := range s.agents {
		if a.CommentaryEnabled {
			c := *a
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) Grant(_ context.Context, agentID string, amount int64, reason string) error {
	if amount <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[agentID]
	if !ok {
		return &domain.NotFoundError{Kind: "agent", ID: agentID}
	}
	a.Balance += amount
	s.ledger = append(s.ledger, LedgerEntry{To: agentID, Amount: amount, Reason: reason})
	return nil
}

func (s *Store) Transfer(_ context.Context, fromID, toID string, amount int64, reason string) error {
	if amount <= 0 {
		return fmt.Errorf("transfer amount must be positive, got %d", amount)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	from, ok := s.agents[fromID]
	if !ok {
		return &domain.NotFoundError{Kind: "agent", ID: fromID}
	}
	to, ok := s.agents[toID]
	if !ok {
		return &domain.NotFoundError{Kind: "agent", ID: toID}
	}
	if from.Balance < amount {
		return &domain.InsufficientBalanceError{AgentID: fromID, Balance: from.Balance, Amount: amount}
	}
	from.Balance -= amount
	to.Balance += amount
	s.ledger = append(s.ledger, LedgerEntry{From: fromID, To: toID, Amount: amount, Reason: reason})
	return nil
}

// Ledger returns every wallet movement in order.
func (s *Store) Ledger() []LedgerEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]LedgerEntry(nil), s.ledger...)
}

var (
	_ postgres.TaskQueue        = (*Store)(nil)
	_ postgres.SeasonRepository = (*Store)(nil)
	_ postgres.BookRepository   = (*Store)(nil)
	_ postgres.AgentRepository  = (*Store)(nil)
)
