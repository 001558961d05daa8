// Package worker implements WorkerIteration: one research worker's
// search -> fetch -> extract -> link-filter pipeline for a single
// iteration. It is a pure function over its dependencies and the worker's
// own state; the only shared mutable state it touches is the DedupStore,
// which is safe for concurrent callers by construction.
package worker

import (
	"context"
	"math/rand"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/antigravity-dev/prospect/internal/linkfilter"
	"github.com/antigravity-dev/prospect/internal/linkscore"
	"github.com/antigravity-dev/prospect/internal/research"
)

// MaxConcurrentFetches bounds in-flight fetch+extract calls for a single
// worker iteration.
const MaxConcurrentFetches = 10

// SearchMaxResults is the primary engine's per-call result ceiling; a
// worker with several queries in its pool splits this across them, never
// below MinResultsPerQuery.
const (
	SearchMaxResults   = 10
	MinResultsPerQuery = 3
)

// MaxCanonicalNameLen rejects extraction artifacts: a "name" longer than
// this is a sentence fragment, not an entity.
const MaxCanonicalNameLen = 100

// Domain-yield heuristic thresholds: a domain whose pages
// have historically produced enough links to judge, and a healthy
// entities-per-link yield, gets its candidate links boosted; a domain that
// has produced plenty of links but almost no entities gets penalized.
const (
	DomainYieldMinLinks   = 5
	DomainYieldBoostMin   = 0.30
	DomainYieldPenaltyMax = 0.05
	DomainYieldBoost      = 2
	DomainYieldPenalty    = -2
)

// QueuePressureThreshold is the queue-pressure fraction above which
// discovered links are scored by an LLM rather than queued unconditionally.
const QueuePressureThreshold = 0.5

// genericNames are canonical-name stop words: extraction sometimes hands
// back the category instead of the asset.
var genericNames = map[string]struct{}{
	"unknown":   {},
	"inhibitor": {},
	"antibody":  {},
	"compound":  {},
	"drug":      {},
	"molecule":  {},
	"candidate": {},
	"n/a":       {},
	"none":      {},
}

// Deps bundles the ports and heuristic components one WorkerIteration call
// needs. Holding no state itself, it is safe to share a single Deps across
// many concurrent worker iterations.
type Deps struct {
	Searcher   research.Searcher
	Fetcher    research.Fetcher
	Extractor  research.Extractor
	Dedup      research.DedupStore
	LinkFilter *linkfilter.Filter
	LinkScorer *linkscore.Scorer

	// Store, when set, receives the mid-iteration UpdateWorkerMetrics
	// checkpoint so external observers see progress between the
	// orchestrator's full-state saves. Best effort: a failed write never
	// fails the iteration.
	Store research.SessionStore
}

// Result is what one worker iteration hands back to the orchestrator for
// fan-in aggregation. It carries no pointer into the worker's own state:
// the orchestrator is the sole mutator of ResearchState, so the worker
// only reports what it observed.
type Result struct {
	WorkerID        string
	PagesFetched    int
	NewEntities     []research.ExtractedEntity
	GloballyNew     int
	DiscoveredLinks []string
	ConsumedURLs    []string
	NoveltyRate     float64
	Status          research.WorkerStatus
	QueryRecord     research.QueryRecord
	SearchEngine    research.Engine
	Cost            float64
}

// RunIteration executes one iteration for worker against a shared page
// budget: round-robin query selection, an A/B search-engine pick, search,
// personal-queue top-up, bounded concurrent fetch+extract, link triage,
// and novelty-based status. A search-engine failure degrades to an empty
// result set; the iteration itself only fails on infrastructure errors
// that make its output meaningless.
func RunIteration(ctx context.Context, deps Deps, researchID string, w *research.WorkerState) (Result, error) {
	query, iterationIndex := w.NextQuery()

	engine := pickEngine(w)
	searchResults, err := deps.Searcher.Search(ctx, engine, query, resultsPerQuery(len(w.Queries)))
	if err != nil {
		searchResults = nil
	}

	urlQueue := make([]string, 0, len(searchResults))
	for _, r := range searchResults {
		if !isHTTP(r.URL) {
			continue
		}
		urlQueue = append(urlQueue, r.URL)
	}

	budget := w.PageBudget
	if budget <= 0 {
		budget = 1
	}
	urlQueue = topUpFromPersonalQueue(w, urlQueue, budget)
	if len(urlQueue) > budget {
		urlQueue = urlQueue[:budget]
	}

	pages, entities, globallyNew, links := fetchAndExtract(ctx, deps, researchID, w, urlQueue)

	if deps.Store != nil {
		// Mid-iteration progress checkpoint; last-writer-wins against the
		// orchestrator's end-of-iteration save.
		_ = deps.Store.UpdateWorkerMetrics(ctx, researchID, w.ID,
			w.PagesFetched+pages, w.EntitiesFound+len(entities))
	}

	// Triaged links are reported in the result, not appended here: the
	// orchestrator's aggregation step owns queue admission, checking each
	// link against its visited-URL shadow set before queuing it.
	queuePressure := deps.LinkFilter.QueuePressure(len(w.PersonalQueue))
	triagedLinks, scoringCost := triageLinks(ctx, deps, researchID, w, query, links, queuePressure)
	for _, l := range triagedLinks {
		bumpLinksAdded(w, l)
	}

	novelty := research.GlobalNovelty(globallyNew, pages)
	status := research.StatusDeclining
	if novelty > 0.1 {
		status = research.StatusProductive
	}

	record := research.QueryRecord{
		Query:        query,
		Iteration:    iterationIndex,
		ResultsCount: len(searchResults),
		NewEntities:  globallyNew,
	}

	return Result{
		WorkerID:        w.ID,
		PagesFetched:    pages,
		NewEntities:     entities,
		GloballyNew:     globallyNew,
		DiscoveredLinks: triagedLinks,
		ConsumedURLs:    urlQueue,
		NoveltyRate:     novelty,
		Status:          status,
		QueryRecord:     record,
		SearchEngine:    engine,
		Cost:            scoringCost,
	}, nil
}

// resultsPerQuery splits the primary engine's per-call ceiling across the
// worker's query pool, floored at MinResultsPerQuery.
func resultsPerQuery(queryCount int) int {
	if queryCount < 1 {
		queryCount = 1
	}
	per := SearchMaxResults / queryCount
	if per < MinResultsPerQuery {
		return MinResultsPerQuery
	}
	return per
}

func isHTTP(rawURL string) bool {
	return strings.HasPrefix(rawURL, "http://") || strings.HasPrefix(rawURL, "https://")
}

// validEntityName rejects empty, generic, or absurdly long canonical names
// before they pollute the shared entity registry.
func validEntityName(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > MaxCanonicalNameLen {
		return false
	}
	_, generic := genericNames[strings.ToLower(name)]
	return !generic
}

// topUpFromPersonalQueue fills urlQueue up to budget from the worker's
// personal queue, preferring URLs whose domain hasn't been explored yet
// this run: a worker with a deep backlog on one productive domain should
// still sample breadth across domains rather than tunnel into the first
// one it found.
func topUpFromPersonalQueue(w *research.WorkerState, urlQueue []string, budget int) []string {
	if len(urlQueue) >= budget || len(w.PersonalQueue) == 0 {
		return urlQueue
	}

	var preferred, rest []string
	for _, u := range w.PersonalQueue {
		if _, explored := w.ExploredDomains[research.Netloc(u)]; explored {
			rest = append(rest, u)
		} else {
			preferred = append(preferred, u)
		}
	}

	ordered := append(preferred, rest...)
	remaining := ordered[:0:0]
	for _, u := range ordered {
		if len(urlQueue) < budget {
			urlQueue = append(urlQueue, u)
			continue
		}
		remaining = append(remaining, u)
	}
	w.PersonalQueue = remaining
	return urlQueue
}

// pickEngine flips the A/B coin between the two configured search engines,
// recording the outcome on the worker so the orchestrator can persist it.
func pickEngine(w *research.WorkerState) research.Engine {
	engine := research.PrimaryEngine
	if rand.Intn(2) == 1 {
		engine = research.SecondaryEngine
	}
	w.SearchEngineHistory = append(w.SearchEngineHistory, string(engine))
	return engine
}

// fetchAndExtract fetches and extracts each url with bounded concurrency,
// claiming each one through the DedupStore first so two workers racing on
// the same URL never both pay for the fetch. Each surviving entity mention
// is registered via MarkEntityKnown; the count of mentions that were
// globally novel feeds the worker's novelty rate.
func fetchAndExtract(ctx context.Context, deps Deps, researchID string, w *research.WorkerState, urls []string) (pages int, entities []research.ExtractedEntity, globallyNew int, links []string) {
	type pageResult struct {
		ok       bool
		domain   string
		entities []research.ExtractedEntity
		links    []string
	}
	results := make([]pageResult, len(urls))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(MaxConcurrentFetches)

	for i, u := range urls {
		i, u := i, u
		g.Go(func() error {
			reject, _ := deps.LinkFilter.ShouldRejectFast(u)
			if reject {
				return nil
			}

			claimed, err := deps.Dedup.MarkURLVisited(gctx, researchID, u)
			if err != nil || !claimed {
				return nil
			}

			fetched, err := deps.Fetcher.Fetch(gctx, u)
			if err != nil {
				// A single page failure degrades this URL's contribution
				// to zero rather than failing the whole iteration. The URL
				// stays claimed, so nothing re-attempts it.
				return nil
			}
			extracted, err := deps.Extractor.Extract(gctx, fetched)
			if err != nil {
				return nil
			}

			results[i] = pageResult{ok: true, domain: research.Netloc(u), entities: extracted.Entities, links: extracted.Links}
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		if !r.ok {
			continue
		}
		pages++
		links = append(links, r.links...)
		markDomainExplored(w, r.domain)

		for _, e := range r.entities {
			if !validEntityName(e.Canonical) {
				continue
			}
			entities = append(entities, e)
			bumpEntitiesFound(w, r.domain)

			novel, err := deps.Dedup.MarkEntityKnown(ctx, researchID, e.Canonical, e.Attributes)
			if err != nil {
				continue
			}
			if novel {
				globallyNew++
			}
		}
	}
	return pages, entities, globallyNew, links
}

func markDomainExplored(w *research.WorkerState, domain string) {
	if domain == "" {
		return
	}
	if w.ExploredDomains == nil {
		w.ExploredDomains = make(map[string]struct{})
	}
	w.ExploredDomains[domain] = struct{}{}
}

func domainPerf(w *research.WorkerState, domain string) *research.DomainPerf {
	if w.LinkPerformance == nil {
		w.LinkPerformance = make(map[string]*research.DomainPerf)
	}
	perf, ok := w.LinkPerformance[domain]
	if !ok {
		perf = &research.DomainPerf{}
		w.LinkPerformance[domain] = perf
	}
	return perf
}

func bumpEntitiesFound(w *research.WorkerState, domain string) {
	if domain == "" {
		return
	}
	domainPerf(w, domain).EntitiesFound++
}

func bumpLinksAdded(w *research.WorkerState, rawURL string) {
	domain := research.Netloc(rawURL)
	if domain == "" {
		return
	}
	domainPerf(w, domain).LinksAdded++
}

// triageLinks applies the fast heuristic filter and the dedup store's
// visited check to every discovered link, then decides queue admission by
// pressure: under low pressure survivors are accepted in discovery order;
// under high pressure they are LLM-scored, yield-adjusted, sorted, and
// only the best make it in. Either way the personal queue never grows past
// its cap.
func triageLinks(ctx context.Context, deps Deps, researchID string, w *research.WorkerState, query string, links []string, queuePressure float64) (kept []string, cost float64) {
	capacity := linkfilter.MaxQueueSize - len(w.PersonalQueue)
	if capacity <= 0 {
		return nil, 0
	}

	seen := make(map[string]struct{}, len(links))
	survivors := make([]string, 0, len(links))
	for _, l := range links {
		if _, dup := seen[l]; dup {
			continue
		}
		seen[l] = struct{}{}
		if reject, _ := deps.LinkFilter.ShouldRejectFast(l); reject {
			continue
		}
		if visited, err := deps.Dedup.IsURLVisited(ctx, researchID, l); err == nil && visited {
			continue
		}
		survivors = append(survivors, l)
	}
	if len(survivors) == 0 {
		return nil, 0
	}

	if queuePressure <= QueuePressureThreshold || deps.LinkScorer == nil {
		if len(survivors) > capacity {
			survivors = survivors[:capacity]
		}
		return survivors, 0
	}

	candidates := make([]linkscore.Link, len(survivors))
	for i, l := range survivors {
		candidates[i] = linkscore.Link{URL: l}
	}

	scored, err := deps.LinkScorer.ScoreBatch(ctx, candidates, query)
	if err != nil {
		if len(survivors) > capacity {
			survivors = survivors[:capacity]
		}
		return survivors, 0
	}

	type rankedLink struct {
		url   string
		score int
	}
	ranked := make([]rankedLink, 0, len(scored))
	for _, s := range scored {
		cost += s.Cost
		ranked = append(ranked, rankedLink{url: s.URL, score: s.Score + domainYieldAdjustment(w, s.URL)})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })
	if len(ranked) > capacity {
		ranked = ranked[:capacity]
	}

	kept = make([]string, len(ranked))
	for i, r := range ranked {
		kept[i] = r.url
	}
	return kept, cost
}

// domainYieldAdjustment boosts or penalizes a candidate link's score based
// on how productive its domain has historically been for this worker: a
// domain with enough of a track record and a healthy
// entities-per-link yield is worth a second look even at a marginal score;
// one that has produced many links but almost no entities is deprioritized.
func domainYieldAdjustment(w *research.WorkerState, rawURL string) int {
	if w == nil || w.LinkPerformance == nil {
		return 0
	}
	perf, ok := w.LinkPerformance[research.Netloc(rawURL)]
	if !ok || perf.LinksAdded < DomainYieldMinLinks {
		return 0
	}

	yield := perf.Yield()
	switch {
	case yield > DomainYieldBoostMin:
		return DomainYieldBoost
	case yield < DomainYieldPenaltyMax:
		return DomainYieldPenalty
	default:
		return 0
	}
}

// IterationTimeout is the default activity-level timeout budget one
// WorkerIteration call is allotted. internal/temporal does not reference
// it: WorkerIterationActivity runs under that package's own
// iterationTimeout, which has the same value.
const IterationTimeout = 5 * time.Minute
