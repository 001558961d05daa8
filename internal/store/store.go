// Package store implements the SessionStore port: SQLite-backed
// checkpointing of a ResearchState across Temporal activity boundaries and
// process restarts.
//
// The whole ResearchState round-trips as one JSON document per save, keyed
// by research ID, the same upsert idiom internal/dedup uses for its
// narrower two-table schema.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	_ "modernc.org/sqlite"

	"github.com/antigravity-dev/prospect/internal/research"
)

// Store is a SQLite-backed SessionStore.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) a SQLite-backed session store at path.
// Pass ":memory:" for an ephemeral store scoped to one process.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: opening database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: applying schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS research_sessions (
	research_id TEXT PRIMARY KEY,
	topic       TEXT NOT NULL,
	status      TEXT NOT NULL,
	updated_at  TEXT NOT NULL,
	total_cost  REAL NOT NULL DEFAULT 0,
	document    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS entities (
	research_id     TEXT NOT NULL,
	canonical_name  TEXT NOT NULL,
	updated_at      TEXT NOT NULL,
	document        TEXT NOT NULL,
	PRIMARY KEY (research_id, canonical_name)
);

CREATE TABLE IF NOT EXISTS worker_metrics (
	research_id    TEXT NOT NULL,
	worker_id      TEXT NOT NULL,
	pages_fetched  INTEGER NOT NULL,
	entities_found INTEGER NOT NULL,
	updated_at     TEXT NOT NULL,
	PRIMARY KEY (research_id, worker_id)
);
`

// snapshot is the on-disk shape of a ResearchState. ResearchState itself
// keeps its alias/visited-URL/code-name sets as map[string]struct{} for
// O(1) membership checks in hot paths; snapshot flattens them to sorted
// slices so the JSON document is stable and diffable across saves.
type snapshot struct {
	ID                  string                     `json:"id"`
	Topic               string                     `json:"topic"`
	Status              research.Status            `json:"status"`
	KnownEntities       map[string]entitySnapshot  `json:"known_entities"`
	VisitedURLs         []string                   `json:"visited_urls"`
	Workers             map[string]*research.WorkerState `json:"workers"`
	Plan                research.ResearchPlan      `json:"plan"`
	IterationCount      int                        `json:"iteration_count"`
	Logs                []string                   `json:"logs"`
	DiscoveredCodeNames []string                   `json:"discovered_code_names"`
	DiscoveredCompanies []string                   `json:"discovered_companies"`
	HighValueURLs       []string                   `json:"high_value_urls"`
	TotalCost           float64                    `json:"total_cost"`
}

type entitySnapshot struct {
	CanonicalName      string                        `json:"canonical_name"`
	Aliases            []string                      `json:"aliases"`
	DrugClass          string                        `json:"drug_class,omitempty"`
	ClinicalPhase      string                        `json:"clinical_phase,omitempty"`
	Attributes         map[string]string             `json:"attributes,omitempty"`
	Evidence           []research.EvidenceSnippet    `json:"evidence,omitempty"`
	MentionCount       int                           `json:"mention_count"`
	VerificationStatus research.VerificationStatus   `json:"verification_status,omitempty"`
	RejectionReason    string                        `json:"rejection_reason,omitempty"`
	ConfidenceScore    float64                       `json:"confidence_score,omitempty"`
}

func entityToSnapshot(e *research.Entity) entitySnapshot {
	return entitySnapshot{
		CanonicalName:      e.CanonicalName,
		Aliases:            e.AliasList(),
		DrugClass:          e.DrugClass,
		ClinicalPhase:      e.ClinicalPhase,
		Attributes:         e.Attributes,
		Evidence:           e.Evidence,
		MentionCount:       e.MentionCount,
		VerificationStatus: e.VerificationStatus,
		RejectionReason:    e.RejectionReason,
		ConfidenceScore:    e.ConfidenceScore,
	}
}

func (es entitySnapshot) toEntity() *research.Entity {
	entity := research.NewEntity(es.CanonicalName)
	for _, alias := range es.Aliases {
		entity.AddAlias(alias)
	}
	entity.DrugClass = es.DrugClass
	entity.ClinicalPhase = es.ClinicalPhase
	for k, v := range es.Attributes {
		entity.MergeAttribute(k, v)
	}
	entity.AddEvidence(es.Evidence...)
	entity.MentionCount = es.MentionCount
	entity.ApplyVerification(es.VerificationStatus, es.RejectionReason, es.ConfidenceScore)
	return entity
}

func toSnapshot(state *research.ResearchState) snapshot {
	entities := make(map[string]entitySnapshot, len(state.KnownEntities))
	for name, e := range state.KnownEntities {
		entities[name] = entityToSnapshot(e)
	}

	return snapshot{
		ID:                  state.ID,
		Topic:               state.Topic,
		Status:              state.Status,
		KnownEntities:       entities,
		VisitedURLs:         setToSlice(state.VisitedURLs),
		Workers:             state.Workers,
		Plan:                state.Plan,
		IterationCount:      state.IterationCount,
		Logs:                state.Logs,
		DiscoveredCodeNames: setToSlice(state.DiscoveredCodeNames),
		DiscoveredCompanies: setToSlice(state.DiscoveredCompanies),
		HighValueURLs:       state.HighValueURLs,
		TotalCost:           state.TotalCost,
	}
}

func (snap snapshot) toState() *research.ResearchState {
	state := &research.ResearchState{
		ID:                  snap.ID,
		Topic:               snap.Topic,
		Status:              snap.Status,
		KnownEntities:       make(map[string]*research.Entity, len(snap.KnownEntities)),
		VisitedURLs:         sliceToSet(snap.VisitedURLs),
		Workers:             snap.Workers,
		Plan:                snap.Plan,
		IterationCount:      snap.IterationCount,
		Logs:                snap.Logs,
		DiscoveredCodeNames: sliceToSet(snap.DiscoveredCodeNames),
		DiscoveredCompanies: sliceToSet(snap.DiscoveredCompanies),
		HighValueURLs:       snap.HighValueURLs,
		TotalCost:           snap.TotalCost,
	}
	if state.Workers == nil {
		state.Workers = make(map[string]*research.WorkerState)
	}

	for name, es := range snap.KnownEntities {
		state.KnownEntities[name] = es.toEntity()
	}

	return state
}

func setToSlice(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sliceToSet(items []string) map[string]struct{} {
	out := make(map[string]struct{}, len(items))
	for _, item := range items {
		out[item] = struct{}{}
	}
	return out
}

// timestampLayout gives updated_at nanosecond precision so that several
// saves landing within the same wall-clock second still sort correctly
// under ListSessions' ORDER BY updated_at DESC.
const timestampLayout = "2006-01-02T15:04:05.000000000Z"

func nowStamp() string {
	return time.Now().UTC().Format(timestampLayout)
}

// SaveState upserts state's full snapshot, keyed by state.ID.
func (s *Store) SaveState(ctx context.Context, state *research.ResearchState) error {
	document, err := json.Marshal(toSnapshot(state))
	if err != nil {
		return fmt.Errorf("store: marshaling state %s: %w", state.ID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO research_sessions (research_id, topic, status, updated_at, total_cost, document)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (research_id) DO UPDATE SET
			topic = excluded.topic,
			status = excluded.status,
			updated_at = excluded.updated_at,
			total_cost = excluded.total_cost,
			document = excluded.document
	`, state.ID, state.Topic, string(state.Status), nowStamp(), state.TotalCost, string(document))
	if err != nil {
		return fmt.Errorf("store: saving state %s: %w", state.ID, err)
	}
	return nil
}

// ListSessions returns the most recently updated sessions, newest first,
// for external observers that only need a summary.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]research.SessionSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT research_id, topic, status, updated_at, total_cost, document
		FROM research_sessions
		ORDER BY updated_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: listing sessions: %w", err)
	}
	defer rows.Close()

	var out []research.SessionSummary
	for rows.Next() {
		var (
			id, topic, status, updatedAt, document string
			totalCost                               float64
		)
		if err := rows.Scan(&id, &topic, &status, &updatedAt, &totalCost, &document); err != nil {
			return nil, fmt.Errorf("store: scanning session row: %w", err)
		}
		updated, err := time.Parse(timestampLayout, updatedAt)
		if err != nil {
			updated = time.Time{}
		}

		var snap snapshot
		entitiesCount := 0
		if err := json.Unmarshal([]byte(document), &snap); err == nil {
			entitiesCount = len(snap.KnownEntities)
		}

		out = append(out, research.SessionSummary{
			ID:            id,
			Topic:         topic,
			Status:        research.Status(status),
			UpdatedAt:     updated,
			EntitiesCount: entitiesCount,
			TotalCost:     totalCost,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating sessions: %w", err)
	}
	return out, nil
}

// SaveEntity upserts a single entity's snapshot outside the full state
// checkpoint cycle, letting the Verifier publish a verdict as soon as it's
// reached instead of waiting for the orchestrator's next SaveState. The
// evidence-dedup rules live on Entity.AddEvidence/toEntity,
// so a round-trip through entityToSnapshot/toEntity is enough here; there is
// no separate merge against whatever the orchestrator last checkpointed.
func (s *Store) SaveEntity(ctx context.Context, researchID string, entity *research.Entity) error {
	document, err := json.Marshal(entityToSnapshot(entity))
	if err != nil {
		return fmt.Errorf("store: marshaling entity %s: %w", entity.CanonicalName, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO entities (research_id, canonical_name, updated_at, document)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (research_id, canonical_name) DO UPDATE SET
			updated_at = excluded.updated_at,
			document = excluded.document
	`, researchID, entity.CanonicalName, nowStamp(), string(document))
	if err != nil {
		return fmt.Errorf("store: saving entity %s: %w", entity.CanonicalName, err)
	}
	return nil
}

// SaveEntitiesBatch upserts every entity in one transaction, so a
// checkpoint either lands all of its entity rows or none of them.
func (s *Store) SaveEntitiesBatch(ctx context.Context, researchID string, entities []*research.Entity) error {
	if len(entities) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: beginning entity batch: %w", err)
	}
	defer tx.Rollback()

	stamp := nowStamp()
	for _, entity := range entities {
		document, err := json.Marshal(entityToSnapshot(entity))
		if err != nil {
			return fmt.Errorf("store: marshaling entity %s: %w", entity.CanonicalName, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO entities (research_id, canonical_name, updated_at, document)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (research_id, canonical_name) DO UPDATE SET
				updated_at = excluded.updated_at,
				document = excluded.document
		`, researchID, entity.CanonicalName, stamp, string(document)); err != nil {
			return fmt.Errorf("store: saving entity %s in batch: %w", entity.CanonicalName, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: committing entity batch: %w", err)
	}
	return nil
}

// UpdateWorkerMetrics records a worker's live counters as of its most
// recent iteration. This is a best-effort mid-run checkpoint: if the
// orchestrator's own SaveState lands after this write, SaveState wins —
// last-writer-wins is an accepted tradeoff here, not a bug.
func (s *Store) UpdateWorkerMetrics(ctx context.Context, researchID, workerID string, pagesFetched, entitiesFound int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO worker_metrics (research_id, worker_id, pages_fetched, entities_found, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (research_id, worker_id) DO UPDATE SET
			pages_fetched = excluded.pages_fetched,
			entities_found = excluded.entities_found,
			updated_at = excluded.updated_at
	`, researchID, workerID, pagesFetched, entitiesFound, nowStamp())
	if err != nil {
		return fmt.Errorf("store: updating worker metrics %s/%s: %w", researchID, workerID, err)
	}
	return nil
}

// LoadState reloads a previously saved ResearchState by ID.
func (s *Store) LoadState(ctx context.Context, researchID string) (*research.ResearchState, error) {
	var document string
	err := s.db.QueryRowContext(ctx,
		`SELECT document FROM research_sessions WHERE research_id = ?`, researchID,
	).Scan(&document)
	switch {
	case err == sql.ErrNoRows:
		return nil, fmt.Errorf("store: no session found for research id %s", researchID)
	case err != nil:
		return nil, fmt.Errorf("store: loading state %s: %w", researchID, err)
	}

	var snap snapshot
	if err := json.Unmarshal([]byte(document), &snap); err != nil {
		return nil, fmt.Errorf("store: unmarshaling state %s: %w", researchID, err)
	}
	return snap.toState(), nil
}

var _ research.SessionStore = (*Store)(nil)
