// Package selection scores provider search results and picks the
// candidate to download. The default strategy queries the whole
// hierarchy and ranks everything; sequential_first_hit stops at the
// first provider with an acceptable hit.
package selection

import (
	"context"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/chrono-downloader/chrono/internal/config"
	"github.com/chrono-downloader/chrono/internal/logx"
	"github.com/chrono-downloader/chrono/internal/match"
	"github.com/chrono-downloader/chrono/internal/provider"
)

// Quality boosts for candidates that arrive with ready-to-use links.
// Boosts affect ranking only; thresholds compare the unboosted score.
const (
	manifestBoost = 3.0
	itemURLBoost  = 0.5
)

// Result is the outcome of one search-and-select round. Candidates
// keeps every scored hit for the audit record; Qualifiers holds the
// above-threshold ones in rank order, best first.
type Result struct {
	Candidates []provider.SearchResult
	Qualifiers []provider.SearchResult
}

// Selected returns the top qualifier, or nil when nothing passed.
func (r *Result) Selected() *provider.SearchResult {
	if len(r.Qualifiers) == 0 {
		return nil
	}
	return &r.Qualifiers[0]
}

// Selector runs the configured search strategy over the provider
// hierarchy.
type Selector struct {
	cfg       *config.Config
	providers []provider.Provider
}

// New builds a Selector over the registry's enabled connectors in
// hierarchy order.
func New(cfg *config.Config, reg *provider.Registry) *Selector {
	return &Selector{cfg: cfg, providers: reg.InHierarchy(cfg.Selection.ProviderHierarchy)}
}

// Select runs the configured strategy for the query. Provider search
// failures are absorbed (logged, treated as no hits); the returned
// error reflects only context cancellation.
func (s *Selector) Select(ctx context.Context, q provider.Query) (*Result, error) {
	if s.cfg.Selection.GetStrategy() == config.StrategySequentialFirstHit {
		return s.sequentialFirstHit(ctx, q)
	}
	return s.collectAndSelect(ctx, q)
}

// Snapshot is the selection-config block recorded in work.json for
// audit.
func (s *Selector) Snapshot() map[string]any {
	sel := s.cfg.Selection
	hierarchy := make([]string, 0, len(s.providers))
	for _, p := range s.providers {
		hierarchy = append(hierarchy, p.Key())
	}
	return map[string]any{
		"strategy":                   sel.GetStrategy(),
		"download_strategy":          sel.GetDownloadStrategy(),
		"min_title_score":            s.cfg.MinTitleScore(""),
		"creator_weight":             sel.GetCreatorWeight(),
		"year_tolerance":             sel.GetYearTolerance(),
		"keep_non_selected_metadata": sel.GetKeepNonSelectedMetadata(),
		"provider_hierarchy":         hierarchy,
	}
}

func (s *Selector) collectAndSelect(ctx context.Context, q provider.Query) (*Result, error) {
	candidates := s.collect(ctx, q)
	return &Result{
		Candidates: candidates,
		Qualifiers: s.rank(candidates),
	}, ctx.Err()
}

// sequentialFirstHit searches providers in hierarchy order and returns
// as soon as one of them produces a candidate over its threshold. Later
// providers are never queried.
func (s *Selector) sequentialFirstHit(ctx context.Context, q provider.Query) (*Result, error) {
	res := &Result{}
	for _, p := range s.providers {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		found := s.searchOne(ctx, p, q)
		if len(found) == 0 {
			logx.Infof("%s: no hits for '%s'", p.Key(), q.Title)
			continue
		}
		res.Candidates = append(res.Candidates, found...)

		if passing := s.rank(found); len(passing) > 0 {
			res.Qualifiers = passing
			logx.Infof("%s: selected '%s' (first hit)", p.Key(), passing[0].Title)
			return res, nil
		}
	}
	return res, ctx.Err()
}

// collect queries every provider. With max_parallel_searches > 1 the
// searches run concurrently; the merged list always keeps hierarchy
// order so ranking stays deterministic.
func (s *Selector) collect(ctx context.Context, q provider.Query) []provider.SearchResult {
	workers := s.cfg.Selection.GetMaxParallelSearches()
	if workers <= 1 || len(s.providers) <= 1 {
		var all []provider.SearchResult
		for _, p := range s.providers {
			if ctx.Err() != nil {
				return all
			}
			all = append(all, s.searchOne(ctx, p, q)...)
		}
		return all
	}

	byProvider := make([][]provider.SearchResult, len(s.providers))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, p := range s.providers {
		i, p := i, p
		g.Go(func() error {
			byProvider[i] = s.searchOne(gctx, p, q)
			return nil
		})
	}
	_ = g.Wait() // searches never fail the round; errors were logged

	var all []provider.SearchResult
	for _, found := range byProvider {
		all = append(all, found...)
	}
	return all
}

// searchOne queries one provider and scores whatever comes back.
func (s *Selector) searchOne(ctx context.Context, p provider.Provider, q provider.Query) []provider.SearchResult {
	results, err := p.Search(ctx, q, s.cfg.MaxResults(p.Key()))
	if err != nil {
		logx.Errorf("%s: search for '%s' failed: %v", p.Key(), q.Title, err)
		return nil
	}
	if len(results) > 0 {
		logx.Infof("%s: %d hit(s) for '%s'", p.Key(), len(results), q.Title)
	}
	for i := range results {
		r := &results[i]
		r.ProviderKey = p.Key()
		if r.Provider == "" {
			r.Provider = provider.DisplayName(p.Key())
		}
		s.score(r, q)
	}
	return results
}

// score computes the combined title/creator score plus quality boosts
// and attaches them to the candidate's raw payload, where they survive
// serialisation into work records and deferred items.
func (s *Selector) score(r *provider.SearchResult, q provider.Query) {
	combined := match.Combined(q.Title, r.Title, q.Creator, r.Creators,
		s.cfg.Selection.GetCreatorWeight(), match.MethodTokenSet)

	var boost float64
	if r.ManifestURL != "" {
		boost += manifestBoost
	}
	if r.ItemURL != "" {
		boost += itemURLBoost
	}

	sc := match.Scores{Score: combined, Boost: boost, Total: combined + boost}
	if r.Raw == nil {
		r.Raw = make(map[string]any)
	}
	sc.Attach(r.Raw)
	r.Scores = &sc
}

// rank filters candidates through their provider thresholds and orders
// the passing ones by provider priority, then total score. Insertion
// order breaks remaining ties, so equal candidates keep the order their
// provider returned them in.
func (s *Selector) rank(candidates []provider.SearchResult) []provider.SearchResult {
	prio := make(map[string]int, len(s.providers))
	for i, p := range s.providers {
		prio[p.Key()] = i
	}

	type entry struct {
		prio  int
		total float64
		res   provider.SearchResult
	}
	var pass []entry
	for _, r := range candidates {
		sc, ok := match.ScoresFrom(r.Raw)
		if !ok {
			continue
		}
		if sc.Score < s.cfg.MinTitleScore(r.ProviderKey) {
			continue
		}
		pr, known := prio[r.ProviderKey]
		if !known {
			pr = len(s.providers)
		}
		pass = append(pass, entry{prio: pr, total: sc.Total, res: r})
	}

	sort.SliceStable(pass, func(i, j int) bool {
		if pass[i].prio != pass[j].prio {
			return pass[i].prio < pass[j].prio
		}
		return pass[i].total > pass[j].total
	})

	out := make([]provider.SearchResult, len(pass))
	for i, e := range pass {
		out[i] = e.res
	}
	return out
}
