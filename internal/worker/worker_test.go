package worker

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/antigravity-dev/prospect/internal/dedup"
	"github.com/antigravity-dev/prospect/internal/linkfilter"
	"github.com/antigravity-dev/prospect/internal/linkscore"
	"github.com/antigravity-dev/prospect/internal/llm"
	"github.com/antigravity-dev/prospect/internal/research"
)

type stubSearcher struct {
	results []research.SearchResult
	calls   []research.Engine
}

func (s *stubSearcher) Search(ctx context.Context, engine research.Engine, query string, maxResults int) ([]research.SearchResult, error) {
	s.calls = append(s.calls, engine)
	return s.results, nil
}

type stubFetcher struct{}

func (stubFetcher) Fetch(ctx context.Context, rawURL string) (research.FetchResult, error) {
	return research.FetchResult{URL: rawURL, ContentType: "text/html", Raw: []byte("<html>stub</html>")}, nil
}

type stubExtractor struct {
	entitiesPerPage []research.ExtractedEntity
	linksPerPage    []string
}

func (s stubExtractor) Extract(ctx context.Context, fetched research.FetchResult) (research.ExtractedPage, error) {
	return research.ExtractedPage{Text: "stub text", Entities: s.entitiesPerPage, Links: s.linksPerPage}, nil
}

func openTestDedup(t *testing.T) *dedup.Store {
	t.Helper()
	store, err := dedup.Open(":memory:")
	if err != nil {
		t.Fatalf("opening dedup store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRunIterationFetchesAndMergesEntities(t *testing.T) {
	searcher := &stubSearcher{results: []research.SearchResult{
		{URL: "https://pharma.example.com/a"},
		{URL: "https://pharma.example.com/b"},
	}}
	extractor := stubExtractor{
		entitiesPerPage: []research.ExtractedEntity{{Canonical: "Compound X", Alias: "CPX-1"}},
	}
	deps := Deps{
		Searcher:   searcher,
		Fetcher:    stubFetcher{},
		Extractor:  extractor,
		Dedup:      openTestDedup(t),
		LinkFilter: linkfilter.New(),
	}
	w := research.NewWorkerState("r1", "broad", []string{"compound x pipeline"}, 10)

	result, err := RunIteration(context.Background(), deps, "r1", w)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.PagesFetched != 2 {
		t.Fatalf("expected 2 pages fetched, got %d", result.PagesFetched)
	}
	if len(result.NewEntities) != 2 {
		t.Fatalf("expected 2 entity mentions (one per page), got %d", len(result.NewEntities))
	}
}

func TestRunIterationSkipsAlreadyVisitedURLs(t *testing.T) {
	store := openTestDedup(t)
	if _, err := store.MarkURLVisited(context.Background(), "r1", "https://pharma.example.com/a"); err != nil {
		t.Fatalf("priming dedup store: %v", err)
	}

	searcher := &stubSearcher{results: []research.SearchResult{
		{URL: "https://pharma.example.com/a"},
		{URL: "https://pharma.example.com/b"},
	}}
	deps := Deps{
		Searcher:   searcher,
		Fetcher:    stubFetcher{},
		Extractor:  stubExtractor{},
		Dedup:      store,
		LinkFilter: linkfilter.New(),
	}
	w := research.NewWorkerState("r1", "broad", []string{"compound x pipeline"}, 10)

	result, err := RunIteration(context.Background(), deps, "r1", w)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.PagesFetched != 1 {
		t.Fatalf("expected the already-visited URL to be skipped, got %d pages fetched", result.PagesFetched)
	}
}

func TestRunIterationRecordsSearchEngineHistory(t *testing.T) {
	searcher := &stubSearcher{}
	deps := Deps{
		Searcher:   searcher,
		Fetcher:    stubFetcher{},
		Extractor:  stubExtractor{},
		Dedup:      openTestDedup(t),
		LinkFilter: linkfilter.New(),
	}
	w := research.NewWorkerState("r1", "broad", []string{"q1", "q2"}, 10)

	for i := 0; i < 3; i++ {
		if _, err := RunIteration(context.Background(), deps, "r1", w); err != nil {
			t.Fatalf("iteration %d: unexpected error: %v", i, err)
		}
	}

	if len(searcher.calls) != 3 {
		t.Fatalf("expected 3 search calls, got %d", len(searcher.calls))
	}
	if len(w.SearchEngineHistory) != 3 {
		t.Fatalf("expected 3 engine-history entries, got %v", w.SearchEngineHistory)
	}
	for i, e := range w.SearchEngineHistory {
		if e != string(research.PrimaryEngine) && e != string(research.SecondaryEngine) {
			t.Fatalf("entry %d: unexpected engine %q", i, e)
		}
		if string(searcher.calls[i]) != e {
			t.Fatalf("entry %d: history %q disagrees with the engine actually called %q", i, e, searcher.calls[i])
		}
	}
}

type failingSearcher struct{}

func (failingSearcher) Search(ctx context.Context, engine research.Engine, query string, maxResults int) ([]research.SearchResult, error) {
	return nil, context.DeadlineExceeded
}

func TestRunIterationDegradesOnSearchFailure(t *testing.T) {
	deps := Deps{
		Searcher:   failingSearcher{},
		Fetcher:    stubFetcher{},
		Extractor:  stubExtractor{},
		Dedup:      openTestDedup(t),
		LinkFilter: linkfilter.New(),
	}
	w := research.NewWorkerState("r1", "broad", []string{"q"}, 10)

	result, err := RunIteration(context.Background(), deps, "r1", w)
	if err != nil {
		t.Fatalf("expected a degraded result, not an error: %v", err)
	}
	if result.PagesFetched != 0 || result.NoveltyRate != 0 {
		t.Fatalf("expected an empty iteration, got %+v", result)
	}
	if result.Status != research.StatusDeclining {
		t.Fatalf("expected DECLINING after an empty iteration, got %v", result.Status)
	}
}

func TestRunIterationSkipsNonHTTPSearchResults(t *testing.T) {
	searcher := &stubSearcher{results: []research.SearchResult{
		{URL: ""},
		{URL: "ftp://pharma.example.com/archive"},
		{URL: "https://pharma.example.com/a"},
	}}
	deps := Deps{
		Searcher:   searcher,
		Fetcher:    stubFetcher{},
		Extractor:  stubExtractor{},
		Dedup:      openTestDedup(t),
		LinkFilter: linkfilter.New(),
	}
	w := research.NewWorkerState("r1", "broad", []string{"q"}, 10)

	result, err := RunIteration(context.Background(), deps, "r1", w)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.PagesFetched != 1 {
		t.Fatalf("expected only the https URL to be fetched, got %d pages", result.PagesFetched)
	}
}

func TestRunIterationFiltersGenericAndOverlongEntityNames(t *testing.T) {
	longName := strings.Repeat("x", MaxCanonicalNameLen+1)
	extractor := stubExtractor{
		entitiesPerPage: []research.ExtractedEntity{
			{Canonical: "Unknown"},
			{Canonical: "inhibitor"},
			{Canonical: ""},
			{Canonical: longName},
			{Canonical: "CPX-101"},
		},
	}
	deps := Deps{
		Searcher:   &stubSearcher{results: []research.SearchResult{{URL: "https://pharma.example.com/a"}}},
		Fetcher:    stubFetcher{},
		Extractor:  extractor,
		Dedup:      openTestDedup(t),
		LinkFilter: linkfilter.New(),
	}
	w := research.NewWorkerState("r1", "broad", []string{"q"}, 10)

	result, err := RunIteration(context.Background(), deps, "r1", w)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.NewEntities) != 1 || result.NewEntities[0].Canonical != "CPX-101" {
		t.Fatalf("expected only CPX-101 to survive filtering, got %+v", result.NewEntities)
	}
	if result.GloballyNew != 1 {
		t.Fatalf("expected 1 globally new entity, got %d", result.GloballyNew)
	}
}

func TestRunIterationCountsGloballyNewOnce(t *testing.T) {
	store := openTestDedup(t)
	if _, err := store.MarkEntityKnown(context.Background(), "r1", "Compound X", nil); err != nil {
		t.Fatalf("priming entity: %v", err)
	}

	extractor := stubExtractor{
		entitiesPerPage: []research.ExtractedEntity{{Canonical: "Compound X"}},
	}
	deps := Deps{
		Searcher:   &stubSearcher{results: []research.SearchResult{{URL: "https://pharma.example.com/a"}}},
		Fetcher:    stubFetcher{},
		Extractor:  extractor,
		Dedup:      store,
		LinkFilter: linkfilter.New(),
	}
	w := research.NewWorkerState("r1", "broad", []string{"q"}, 10)

	result, err := RunIteration(context.Background(), deps, "r1", w)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.NewEntities) != 1 {
		t.Fatalf("expected the mention to be reported, got %+v", result.NewEntities)
	}
	if result.GloballyNew != 0 {
		t.Fatalf("expected an already-known entity to count 0 globally new, got %d", result.GloballyNew)
	}
	if result.NoveltyRate != 0 {
		t.Fatalf("expected novelty 0 for a known entity, got %v", result.NoveltyRate)
	}
}

type metricsRecorder struct {
	research.SessionStore
	calls []string
}

func (m *metricsRecorder) UpdateWorkerMetrics(ctx context.Context, researchID, workerID string, pagesFetched, entitiesFound int) error {
	m.calls = append(m.calls, workerID)
	return nil
}

func TestRunIterationWritesMidIterationMetrics(t *testing.T) {
	recorder := &metricsRecorder{}
	deps := Deps{
		Searcher:   &stubSearcher{results: []research.SearchResult{{URL: "https://pharma.example.com/a"}}},
		Fetcher:    stubFetcher{},
		Extractor:  stubExtractor{},
		Dedup:      openTestDedup(t),
		LinkFilter: linkfilter.New(),
		Store:      recorder,
	}
	w := research.NewWorkerState("r1", "broad", []string{"q"}, 10)

	if _, err := RunIteration(context.Background(), deps, "r1", w); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(recorder.calls) != 1 || recorder.calls[0] != w.ID {
		t.Fatalf("expected one mid-iteration metrics write for %s, got %v", w.ID, recorder.calls)
	}
}

func TestRunIterationCapsPersonalQueueAtMaxSize(t *testing.T) {
	manyLinks := make([]string, 0, 80)
	for i := 0; i < 80; i++ {
		manyLinks = append(manyLinks, fmt.Sprintf("https://pharma.example.com/page-%d", i))
	}
	extractor := stubExtractor{linksPerPage: manyLinks}
	deps := Deps{
		Searcher:   &stubSearcher{results: []research.SearchResult{{URL: "https://pharma.example.com/news"}}},
		Fetcher:    stubFetcher{},
		Extractor:  extractor,
		Dedup:      openTestDedup(t),
		LinkFilter: linkfilter.New(),
	}
	w := research.NewWorkerState("r1", "broad", []string{"q"}, 1)
	for i := 0; i < 40; i++ {
		w.PersonalQueue = append(w.PersonalQueue, fmt.Sprintf("https://other.example.com/backlog-%d", i))
	}

	result, err := RunIteration(context.Background(), deps, "r1", w)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total := len(w.PersonalQueue) + len(result.DiscoveredLinks); total > linkfilter.MaxQueueSize {
		t.Fatalf("expected discovered links truncated so the queue stays within %d, got %d", linkfilter.MaxQueueSize, total)
	}
	if len(result.DiscoveredLinks) == 0 {
		t.Fatalf("expected some links to survive truncation")
	}
}

func TestRunIterationRejectsFastFilteredLinksUnconditionally(t *testing.T) {
	extractor := stubExtractor{
		linksPerPage: []string{
			"https://pharma.example.com/pipeline/compound-x",
			"https://twitter.com/pharma",
		},
	}
	deps := Deps{
		Searcher:   &stubSearcher{results: []research.SearchResult{{URL: "https://pharma.example.com/news"}}},
		Fetcher:    stubFetcher{},
		Extractor:  extractor,
		Dedup:      openTestDedup(t),
		LinkFilter: linkfilter.New(),
	}
	w := research.NewWorkerState("r1", "broad", []string{"q"}, 10)

	result, err := RunIteration(context.Background(), deps, "r1", w)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.DiscoveredLinks) != 1 || result.DiscoveredLinks[0] != "https://pharma.example.com/pipeline/compound-x" {
		t.Fatalf("expected the twitter link to be fast-rejected, got %v", result.DiscoveredLinks)
	}
}

func TestRunIterationTracksExploredDomainsAndLinkPerformance(t *testing.T) {
	extractor := stubExtractor{
		entitiesPerPage: []research.ExtractedEntity{{Canonical: "Compound X", Alias: "CPX-1"}},
		linksPerPage:    []string{"https://pharma.example.com/other"},
	}
	deps := Deps{
		Searcher:   &stubSearcher{results: []research.SearchResult{{URL: "https://pharma.example.com/a"}}},
		Fetcher:    stubFetcher{},
		Extractor:  extractor,
		Dedup:      openTestDedup(t),
		LinkFilter: linkfilter.New(),
	}
	w := research.NewWorkerState("r1", "broad", []string{"q"}, 10)

	if _, err := RunIteration(context.Background(), deps, "r1", w); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, ok := w.ExploredDomains["pharma.example.com"]; !ok {
		t.Fatalf("expected pharma.example.com to be marked explored, got %v", w.ExploredDomains)
	}
	perf, ok := w.LinkPerformance["pharma.example.com"]
	if !ok {
		t.Fatalf("expected link performance to be recorded for pharma.example.com")
	}
	if perf.LinksAdded != 1 || perf.EntitiesFound != 1 {
		t.Fatalf("expected 1 link / 1 entity recorded, got %+v", perf)
	}
}

func TestRunIterationTopsUpQueuePreferringUnexploredDomains(t *testing.T) {
	deps := Deps{
		Searcher:   &stubSearcher{results: []research.SearchResult{{URL: "https://pharma.example.com/a"}}},
		Fetcher:    stubFetcher{},
		Extractor:  stubExtractor{},
		Dedup:      openTestDedup(t),
		LinkFilter: linkfilter.New(),
	}
	w := research.NewWorkerState("r1", "broad", []string{"q"}, 2)
	w.ExploredDomains["pharma.example.com"] = struct{}{}
	w.PersonalQueue = []string{"https://pharma.example.com/explored", "https://newdomain.example.com/fresh"}

	result, err := RunIteration(context.Background(), deps, "r1", w)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.ConsumedURLs) != 2 {
		t.Fatalf("expected budget of 2 consumed URLs, got %v", result.ConsumedURLs)
	}
	found := false
	for _, u := range result.ConsumedURLs {
		if u == "https://newdomain.example.com/fresh" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected the unexplored domain's URL to be preferred for top-up, got %v", result.ConsumedURLs)
	}
}

func TestDomainYieldAdjustmentBoostsProductiveDomains(t *testing.T) {
	w := research.NewWorkerState("r1", "broad", []string{"q"}, 10)
	w.LinkPerformance["good.example.com"] = &research.DomainPerf{LinksAdded: 10, EntitiesFound: 5}
	w.LinkPerformance["bad.example.com"] = &research.DomainPerf{LinksAdded: 10, EntitiesFound: 0}

	if adj := domainYieldAdjustment(w, "https://good.example.com/x"); adj != DomainYieldBoost {
		t.Fatalf("expected a boost for a productive domain, got %d", adj)
	}
	if adj := domainYieldAdjustment(w, "https://bad.example.com/x"); adj != DomainYieldPenalty {
		t.Fatalf("expected a penalty for an unproductive domain, got %d", adj)
	}
	if adj := domainYieldAdjustment(w, "https://unknown.example.com/x"); adj != 0 {
		t.Fatalf("expected no adjustment for an untracked domain, got %d", adj)
	}
}

func TestRunIterationScoresLinksUnderQueuePressure(t *testing.T) {
	extractor := stubExtractor{
		linksPerPage: []string{
			"https://pharma.example.com/a",
			"https://pharma.example.com/b",
		},
	}
	scoredClient := llm.NewScripted(research.CompletionResponse{
		Text: `[{"url": "https://pharma.example.com/a", "score": 9, "reasoning": "relevant"},
		        {"url": "https://pharma.example.com/b", "score": 1, "reasoning": "irrelevant"}]`,
	})
	deps := Deps{
		Searcher:   &stubSearcher{results: []research.SearchResult{{URL: "https://pharma.example.com/news"}}},
		Fetcher:    stubFetcher{},
		Extractor:  extractor,
		Dedup:      openTestDedup(t),
		LinkFilter: linkfilter.New(),
		LinkScorer: linkscore.New(scoredClient),
	}
	// Page budget 1 keeps the personal queue untouched; pre-filling it to
	// one slot short of the cap forces scoring and leaves room for exactly
	// one link, so only the top-scored candidate survives the sort+cap.
	w := research.NewWorkerState("r1", "broad", []string{"q"}, 1)
	for i := 0; i < linkfilter.MaxQueueSize-1; i++ {
		w.PersonalQueue = append(w.PersonalQueue, fmt.Sprintf("https://backlog.example.com/filler-%d", i))
	}

	result, err := RunIteration(context.Background(), deps, "r1", w)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.DiscoveredLinks) != 1 {
		t.Fatalf("expected exactly one link to fit the remaining queue capacity, got %v", result.DiscoveredLinks)
	}
	if result.DiscoveredLinks[0] != "https://pharma.example.com/a" {
		t.Fatalf("expected the top-scored link to win the capacity sort, got %v", result.DiscoveredLinks)
	}
}
