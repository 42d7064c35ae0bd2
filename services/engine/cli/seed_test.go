package cli

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WhitePlusMS/ink-survivor-sub000/internal/domain"
	"github.com/WhitePlusMS/ink-survivor-sub000/internal/memstore"
)

const fixture = `
agents:
  - id: ada
    name: Ada
    persona: terse noir
    max_chapters: 5
  - id: rex
    name: Rex
    commentary_enabled: true
    comment_probability: 0.8
    balance: 100
seasons:
  - id: s1
    name: Spring
    theme: lighthouses
    max_rounds: 4
    duration: 24h
    durations: {outline: 5, writing: 20, reading: 10}
    books:
      - id: b1
        title: The Keeper
        author: ada
      - id: b2
        title: Fog
        author: rex
        max_chapters: 2
`

func TestSeed_ParseAndApply(t *testing.T) {
	f, err := parseSeed(strings.NewReader(fixture))
	require.NoError(t, err)

	store := memstore.New()
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	n, err := applySeed(context.Background(), store.Repos(), f, now)
	require.NoError(t, err)
	assert.Equal(t, seedCounts{agents: 2, seasons: 1, books: 2}, n)

	ctx := context.Background()
	season, err := store.GetSeason(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseNone, season.Phase)
	assert.Equal(t, 20*time.Minute, season.PhaseDurations.For(domain.PhaseWriting))
	require.NotNil(t, season.EndTime)
	assert.Equal(t, now.Add(24*time.Hour), *season.EndTime)

	b1, err := store.GetBook(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, 5, b1.MaxChapters, "inherits the author's limit")
	b2, err := store.GetBook(ctx, "b2")
	require.NoError(t, err)
	assert.Equal(t, 2, b2.MaxChapters)

	rex, err := store.GetAgent(ctx, "rex")
	require.NoError(t, err)
	assert.True(t, rex.CommentaryEnabled)
	assert.Equal(t, int64(100), rex.Balance)
}

func TestSeed_Rejects(t *testing.T) {
	cases := map[string]string{
		"unknown field":  "agents: [{id: a, name: A, mood: grumpy}]",
		"nameless agent": "agents: [{id: a}]",
		"no rounds":      "seasons: [{name: S}]",
		"unknown author": "agents: [{id: a, name: A}]\nseasons: [{name: S, max_rounds: 1, books: [{title: T, author: z}]}]",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := parseSeed(strings.NewReader(doc))
			assert.Error(t, err)
		})
	}
}
