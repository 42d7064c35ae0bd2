package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/WhitePlusMS/ink-survivor-sub000/internal/domain"
	"github.com/WhitePlusMS/ink-survivor-sub000/internal/postgres"
)

var seedCmd = &cobra.Command{
	Use:   "seed FILE",
	Short: "Load agents, seasons and books from a YAML fixture",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		fixture, err := parseSeed(f)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		store, pool, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		if pool != nil {
			defer pool.Close()
		}
		n, err := applySeed(ctx, store, fixture, time.Now().UTC())
		if err != nil {
			return err
		}
		fmt.Printf("seeded %d agents, %d seasons, %d books\n", n.agents, n.seasons, n.books)
		return nil
	},
}

type seedFile struct {
	Agents  []domain.Agent `yaml:"agents"`
	Seasons []seedSeason   `yaml:"seasons"`
}

type seedSeason struct {
	ID        string                `yaml:"id"`
	Name      string                `yaml:"name"`
	Theme     string                `yaml:"theme"`
	MaxRounds int                   `yaml:"max_rounds"`
	Durations domain.PhaseDurations `yaml:"durations"`
	// Duration bounds the season from seeding time; zero leaves it open.
	Duration time.Duration `yaml:"duration"`
	MinWords int           `yaml:"min_words"`
	MaxWords int           `yaml:"max_words"`
	Books    []seedBook    `yaml:"books"`
}

type seedBook struct {
	ID          string `yaml:"id"`
	Title       string `yaml:"title"`
	Synopsis    string `yaml:"synopsis"`
	Author      string `yaml:"author"`
	MaxChapters int    `yaml:"max_chapters"`
}

type seedCounts struct{ agents, seasons, books int }

func parseSeed(r io.Reader) (seedFile, error) {
	var f seedFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return f, fmt.Errorf("parse seed: %w", err)
	}

	authors := make(map[string]bool, len(f.Agents))
	for i, a := range f.Agents {
		if a.ID == "" || a.Name == "" {
			return f, fmt.Errorf("agent #%d needs id and name", i+1)
		}
		authors[a.ID] = true
	}
	for _, s := range f.Seasons {
		if s.Name == "" || s.MaxRounds < 1 {
			return f, fmt.Errorf("season %q needs a name and max_rounds >= 1", s.ID)
		}
		for _, b := range s.Books {
			if b.Title == "" {
				return f, fmt.Errorf("season %q has a book without title", s.Name)
			}
			if !authors[b.Author] {
				return f, fmt.Errorf("book %q: unknown author %q", b.Title, b.Author)
			}
		}
	}
	return f, nil
}

// applySeed creates everything in f. A book without max_chapters inherits
// its author's.
func applySeed(ctx context.Context, store postgres.Store, f seedFile, now time.Time) (seedCounts, error) {
	var n seedCounts
	limits := make(map[string]int, len(f.Agents))
	for i := range f.Agents {
		a := f.Agents[i]
		if err := store.Agents.CreateAgent(ctx, &a); err != nil {
			return n, err
		}
		limits[a.ID] = a.MaxChapters
		n.agents++
	}

	for _, ss := range f.Seasons {
		season := &domain.Season{
			ID:             ss.ID,
			Name:           ss.Name,
			Theme:          ss.Theme,
			MaxRounds:      ss.MaxRounds,
			PhaseDurations: ss.Durations,
			MinWords:       ss.MinWords,
			MaxWords:       ss.MaxWords,
			RoundStartTime: now,
		}
		if ss.Duration > 0 {
			end := now.Add(ss.Duration)
			season.EndTime = &end
		}
		if err := store.Seasons.CreateSeason(ctx, season); err != nil {
			return n, err
		}
		n.seasons++

		for _, sb := range ss.Books {
			b := &domain.Book{
				ID:          sb.ID,
				SeasonID:    season.ID,
				AuthorID:    sb.Author,
				Title:       sb.Title,
				Synopsis:    sb.Synopsis,
				MaxChapters: sb.MaxChapters,
			}
			if b.MaxChapters == 0 {
				b.MaxChapters = limits[sb.Author]
			}
			if err := store.Books.CreateBook(ctx, b); err != nil {
				return n, err
			}
			n.books++
		}
	}
	return n, nil
}
