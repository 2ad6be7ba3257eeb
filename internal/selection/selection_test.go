package selection

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chrono-downloader/chrono/internal/config"
	"github.com/chrono-downloader/chrono/internal/match"
	"github.com/chrono-downloader/chrono/internal/provider"
	"github.com/chrono-downloader/chrono/internal/workctx"
)

type fakeProvider struct {
	key     string
	results []provider.SearchResult
	err     error
	delay   time.Duration

	mu    sync.Mutex
	calls int
}

func (f *fakeProvider) Key() string { return f.key }

func (f *fakeProvider) Search(_ context.Context, _ provider.Query, limit int) ([]provider.SearchResult, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return nil, f.err
	}
	out := f.results
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	// Copy so scoring one round cannot leak into the next.
	dup := make([]provider.SearchResult, len(out))
	copy(dup, out)
	return dup, nil
}

func (f *fakeProvider) Download(context.Context, *workctx.Context, provider.SearchResult, string) error {
	return nil
}

func (f *fakeProvider) searches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testSelector(cfg *config.Config, provs ...provider.Provider) *Selector {
	return &Selector{cfg: cfg, providers: provs}
}

func testConfig() *config.Config {
	return &config.Config{ProviderSettings: map[string]config.ProviderSettings{}}
}

var draculaQuery = provider.Query{Title: "Dracula", Creator: "Bram Stoker"}

func TestCollectAndSelectRanksByPriorityThenTotal(t *testing.T) {
	ia := &fakeProvider{key: "internet_archive", results: []provider.SearchResult{
		{Title: "Dracula", Creators: []string{"Bram Stoker"}, SourceID: "ia-exact"},
		{Title: "Dracula page", Creators: []string{"Bram Stoker"}, SourceID: "ia-weak"},
		// High total thanks to boosts, but the threshold compares the
		// unboosted score, so this one must not qualify.
		{Title: "Dracula abc", Creators: []string{"Bram Stoker"}, SourceID: "ia-boosted",
			ItemURL: "https://archive.org/details/x", ManifestURL: "https://archive.org/iiif/x/manifest.json"},
	}}
	gallica := &fakeProvider{key: "bnf_gallica", results: []provider.SearchResult{
		{Title: "Dracula", Creators: []string{"Bram Stoker"}, SourceID: "gallica-rich",
			ItemURL: "https://gallica.bnf.fr/ark:/12148/x", ManifestURL: "https://gallica.bnf.fr/iiif/x/manifest.json"},
	}}

	s := testSelector(testConfig(), ia, gallica)
	res, err := s.Select(context.Background(), draculaQuery)
	require.NoError(t, err)

	require.Len(t, res.Candidates, 4, "failing candidates stay in the audit list")
	for _, c := range res.Candidates {
		require.NotNil(t, c.Scores)
		_, ok := c.Raw[match.ScoresKey]
		assert.True(t, ok, "scores attach to raw for %s", c.SourceID)
	}

	// gallica's total (103.5) beats ia's (100), but ia comes first in
	// the hierarchy.
	require.Len(t, res.Qualifiers, 2)
	assert.Equal(t, "ia-exact", res.Qualifiers[0].SourceID)
	assert.Equal(t, "gallica-rich", res.Qualifiers[1].SourceID)

	sel := res.Selected()
	require.NotNil(t, sel)
	assert.Equal(t, "internet_archive", sel.ProviderKey)
	assert.InDelta(t, 100.0, sel.Scores.Total, 0.01)

	rich := res.Qualifiers[1]
	assert.InDelta(t, 100.0, rich.Scores.Score, 0.01)
	assert.InDelta(t, 3.5, rich.Scores.Boost, 0.01)
	assert.InDelta(t, 103.5, rich.Scores.Total, 0.01)

	for _, c := range res.Candidates {
		if c.SourceID == "ia-boosted" {
			assert.InDelta(t, 82.4, c.Scores.Score, 0.05)
			assert.InDelta(t, 85.9, c.Scores.Total, 0.05)
		}
	}
}

func TestCollectParallelPreservesHierarchyOrder(t *testing.T) {
	slow := &fakeProvider{key: "internet_archive", delay: 30 * time.Millisecond, results: []provider.SearchResult{
		{Title: "Dracula", Creators: []string{"Bram Stoker"}, SourceID: "first"},
	}}
	mid := &fakeProvider{key: "bnf_gallica", delay: 10 * time.Millisecond, results: []provider.SearchResult{
		{Title: "Dracula", Creators: []string{"Bram Stoker"}, SourceID: "second"},
	}}
	fast := &fakeProvider{key: "mdz", results: []provider.SearchResult{
		{Title: "Dracula", Creators: []string{"Bram Stoker"}, SourceID: "third"},
	}}

	cfg := testConfig()
	cfg.Selection.MaxParallelSearches = 4

	s := testSelector(cfg, slow, mid, fast)
	res, err := s.Select(context.Background(), draculaQuery)
	require.NoError(t, err)

	require.Len(t, res.Candidates, 3)
	assert.Equal(t, "first", res.Candidates[0].SourceID)
	assert.Equal(t, "second", res.Candidates[1].SourceID)
	assert.Equal(t, "third", res.Candidates[2].SourceID)

	require.Len(t, res.Qualifiers, 3)
	assert.Equal(t, "first", res.Qualifiers[0].SourceID)

	assert.Equal(t, 1, slow.searches())
	assert.Equal(t, 1, mid.searches())
	assert.Equal(t, 1, fast.searches())
}

func TestSequentialFirstHitStopsEarly(t *testing.T) {
	weak := &fakeProvider{key: "internet_archive", results: []provider.SearchResult{
		{Title: "Dracula page", Creators: []string{"Bram Stoker"}, SourceID: "ia-weak"},
	}}
	winner := &fakeProvider{key: "bnf_gallica", results: []provider.SearchResult{
		{Title: "Dracula", Creators: []string{"Bram Stoker"}, SourceID: "plain"},
		{Title: "Dracula", Creators: []string{"Bram Stoker"}, SourceID: "rich",
			ManifestURL: "https://gallica.bnf.fr/iiif/x/manifest.json", ItemURL: "https://gallica.bnf.fr/ark:/12148/x"},
	}}
	never := &fakeProvider{key: "mdz", results: []provider.SearchResult{
		{Title: "Dracula", Creators: []string{"Bram Stoker"}, SourceID: "unreached"},
	}}

	cfg := testConfig()
	cfg.Selection.Strategy = "sequential-first-hit"

	s := testSelector(cfg, weak, winner, never)
	res, err := s.Select(context.Background(), draculaQuery)
	require.NoError(t, err)

	assert.Zero(t, never.searches(), "search stops at the first passing provider")
	require.Len(t, res.Candidates, 3, "the weak hit stays in the audit list")

	// Within the winning provider the boosted candidate ranks first.
	require.Len(t, res.Qualifiers, 2)
	assert.Equal(t, "rich", res.Qualifiers[0].SourceID)
	assert.Equal(t, "plain", res.Qualifiers[1].SourceID)
}

func TestPerProviderThresholdOverride(t *testing.T) {
	ia := &fakeProvider{key: "internet_archive", results: []provider.SearchResult{
		{Title: "Dracula page", Creators: []string{"Bram Stoker"}, SourceID: "ia"},
	}}
	gallica := &fakeProvider{key: "bnf_gallica", results: []provider.SearchResult{
		{Title: "Dracula page", Creators: []string{"Bram Stoker"}, SourceID: "gallica"},
	}}

	cfg := testConfig()
	relaxed := 70.0
	cfg.ProviderSettings["internet_archive"] = config.ProviderSettings{MinTitleScore: &relaxed}

	s := testSelector(cfg, ia, gallica)
	res, err := s.Select(context.Background(), draculaQuery)
	require.NoError(t, err)

	// Both candidates score ~79.2: over ia's relaxed threshold, under
	// the global 85 that still applies to gallica.
	require.Len(t, res.Qualifiers, 1)
	assert.Equal(t, "ia", res.Qualifiers[0].SourceID)
	assert.InDelta(t, 79.2, res.Qualifiers[0].Scores.Score, 0.05)
}

func TestMissingCreatorCapsCombinedScore(t *testing.T) {
	p := &fakeProvider{key: "internet_archive", results: []provider.SearchResult{
		{Title: "Dracula", Creators: []string{"Bram Stoker"}, SourceID: "only"},
	}}

	// With the default creator weight an exact title match tops out at
	// 80 when the query has no creator, under the default threshold.
	s := testSelector(testConfig(), p)
	res, err := s.Select(context.Background(), provider.Query{Title: "Dracula"})
	require.NoError(t, err)
	require.Len(t, res.Candidates, 1)
	assert.InDelta(t, 80.0, res.Candidates[0].Scores.Score, 0.01)
	assert.Nil(t, res.Selected())

	// Zeroing the weight restores full title-only matching.
	cfg := testConfig()
	zero := 0.0
	cfg.Selection.CreatorWeight = &zero
	s = testSelector(cfg, p)
	res, err = s.Select(context.Background(), provider.Query{Title: "Dracula"})
	require.NoError(t, err)
	require.NotNil(t, res.Selected())
	assert.InDelta(t, 100.0, res.Selected().Scores.Score, 0.01)
}

func TestSelectAbsorbsProviderErrors(t *testing.T) {
	broken := &fakeProvider{key: "internet_archive", err: errors.New("search blew up")}
	good := &fakeProvider{key: "bnf_gallica", results: []provider.SearchResult{
		{Title: "Dracula", Creators: []string{"Bram Stoker"}, SourceID: "ok"},
	}}

	s := testSelector(testConfig(), broken, good)
	res, err := s.Select(context.Background(), draculaQuery)
	require.NoError(t, err)

	require.Len(t, res.Qualifiers, 1)
	assert.Equal(t, "ok", res.Qualifiers[0].SourceID)
}

func TestSnapshot(t *testing.T) {
	cfg := testConfig()
	cfg.Selection.Strategy = "sequential_first_hit"
	s := testSelector(cfg,
		&fakeProvider{key: "internet_archive"},
		&fakeProvider{key: "bnf_gallica"},
	)

	snap := s.Snapshot()
	assert.Equal(t, "sequential_first_hit", snap["strategy"])
	assert.Equal(t, "selected_only", snap["download_strategy"])
	assert.Equal(t, 85.0, snap["min_title_score"])
	assert.Equal(t, 0.2, snap["creator_weight"])
	assert.Equal(t, 2, snap["year_tolerance"])
	assert.Equal(t, true, snap["keep_non_selected_metadata"])
	assert.Equal(t, []string{"internet_archive", "bnf_gallica"}, snap["provider_hierarchy"])
}
