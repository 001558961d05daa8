// Package dedup implements the DedupStore port: the sole serializing point
// workers use to claim URLs and entity names within one research run.
//
// It uses an INSERT ... ON CONFLICT DO NOTHING upsert, checking
// RowsAffected to detect who actually won the race, backed by
// modernc.org/sqlite, with an in-memory fast path in front of it so
// repeated lookups within a process don't round-trip to the database.
package dedup

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/antigravity-dev/prospect/internal/research"
)

// Store is a SQLite-backed, process-local-cached DedupStore.
type Store struct {
	db *sql.DB

	mu          sync.Mutex
	urlCache    map[string]struct{} // key: researchID + "\x00" + url
	entityCache map[string]struct{} // key: researchID + "\x00" + canonicalName
}

// Open opens (creating if necessary) a SQLite-backed dedup store at path.
// Pass ":memory:" for an ephemeral store scoped to one process.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("dedup: opening database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("dedup: applying schema: %w", err)
	}

	return &Store{
		db:          db,
		urlCache:    make(map[string]struct{}),
		entityCache: make(map[string]struct{}),
	}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS visited_urls (
	research_id TEXT NOT NULL,
	url         TEXT NOT NULL,
	PRIMARY KEY (research_id, url)
);

CREATE TABLE IF NOT EXISTS known_entities (
	research_id    TEXT NOT NULL,
	canonical_name TEXT NOT NULL,
	attributes     TEXT NOT NULL DEFAULT '{}',
	PRIMARY KEY (research_id, canonical_name)
);
`

func cacheKey(researchID, value string) string {
	return researchID + "\x00" + value
}

// IsURLVisited reports whether url has already been claimed for researchID.
func (s *Store) IsURLVisited(ctx context.Context, researchID, url string) (bool, error) {
	key := cacheKey(researchID, url)

	s.mu.Lock()
	_, cached := s.urlCache[key]
	s.mu.Unlock()
	if cached {
		return true, nil
	}

	var dummy int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM visited_urls WHERE research_id = ? AND url = ?`, researchID, url,
	).Scan(&dummy)
	switch {
	case err == sql.ErrNoRows:
		return false, nil
	case err != nil:
		return false, fmt.Errorf("dedup: checking visited url: %w", err)
	}

	s.mu.Lock()
	s.urlCache[key] = struct{}{}
	s.mu.Unlock()
	return true, nil
}

// MarkURLVisited atomically claims url for researchID. The INSERT ... ON
// CONFLICT DO NOTHING + RowsAffected pattern is the single point of
// serialization: whichever caller's insert actually affects a row is the
// one that claimed the URL, even under concurrent calls from parallel
// workers.
func (s *Store) MarkURLVisited(ctx context.Context, researchID, url string) (bool, error) {
	key := cacheKey(researchID, url)

	s.mu.Lock()
	if _, cached := s.urlCache[key]; cached {
		s.mu.Unlock()
		return false, nil
	}
	s.mu.Unlock()

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO visited_urls (research_id, url) VALUES (?, ?)
		 ON CONFLICT (research_id, url) DO NOTHING`, researchID, url,
	)
	if err != nil {
		return false, fmt.Errorf("dedup: marking url visited: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("dedup: reading rows affected: %w", err)
	}

	s.mu.Lock()
	s.urlCache[key] = struct{}{}
	s.mu.Unlock()

	return affected > 0, nil
}

// IsEntityKnown reports whether canonicalName has already been registered
// for researchID.
func (s *Store) IsEntityKnown(ctx context.Context, researchID, canonicalName string) (bool, error) {
	key := cacheKey(researchID, canonicalName)

	s.mu.Lock()
	_, cached := s.entityCache[key]
	s.mu.Unlock()
	if cached {
		return true, nil
	}

	var dummy int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM known_entities WHERE research_id = ? AND canonical_name = ?`, researchID, canonicalName,
	).Scan(&dummy)
	switch {
	case err == sql.ErrNoRows:
		return false, nil
	case err != nil:
		return false, fmt.Errorf("dedup: checking known entity: %w", err)
	}

	s.mu.Lock()
	s.entityCache[key] = struct{}{}
	s.mu.Unlock()
	return true, nil
}

// MarkEntityKnown atomically registers canonicalName for researchID. On an
// already-known entity the incoming attributes are merged into the stored
// row: a non-empty, non-"Unknown" value fills a missing or "Unknown" slot,
// but a populated slot is never overwritten. The return value reports
// whether this call was the one that registered the entity, independent of
// any merge.
func (s *Store) MarkEntityKnown(ctx context.Context, researchID, canonicalName string, attributes map[string]string) (bool, error) {
	key := cacheKey(researchID, canonicalName)

	attrs, err := json.Marshal(cleanAttributes(attributes))
	if err != nil {
		return false, fmt.Errorf("dedup: marshaling attributes: %w", err)
	}

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO known_entities (research_id, canonical_name, attributes) VALUES (?, ?, ?)
		 ON CONFLICT (research_id, canonical_name) DO NOTHING`, researchID, canonicalName, string(attrs),
	)
	if err != nil {
		return false, fmt.Errorf("dedup: marking entity known: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("dedup: reading rows affected: %w", err)
	}

	if affected == 0 && len(attributes) > 0 {
		if err := s.mergeEntityAttributes(ctx, researchID, canonicalName, attributes); err != nil {
			return false, err
		}
	}

	s.mu.Lock()
	s.entityCache[key] = struct{}{}
	s.mu.Unlock()

	return affected > 0, nil
}

// EntityAttributes returns the attributes stored for canonicalName, or an
// empty map if the entity is unknown.
func (s *Store) EntityAttributes(ctx context.Context, researchID, canonicalName string) (map[string]string, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT attributes FROM known_entities WHERE research_id = ? AND canonical_name = ?`,
		researchID, canonicalName,
	).Scan(&raw)
	switch {
	case err == sql.ErrNoRows:
		return map[string]string{}, nil
	case err != nil:
		return nil, fmt.Errorf("dedup: loading entity attributes: %w", err)
	}

	attrs := make(map[string]string)
	if err := json.Unmarshal([]byte(raw), &attrs); err != nil {
		return nil, fmt.Errorf("dedup: unmarshaling entity attributes: %w", err)
	}
	return attrs, nil
}

// mergeEntityAttributes reads the stored attribute map inside a transaction,
// fills only missing/"Unknown" slots from incoming, and writes it back.
func (s *Store) mergeEntityAttributes(ctx context.Context, researchID, canonicalName string, incoming map[string]string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("dedup: beginning attribute merge: %w", err)
	}
	defer tx.Rollback()

	var raw string
	err = tx.QueryRowContext(ctx,
		`SELECT attributes FROM known_entities WHERE research_id = ? AND canonical_name = ?`,
		researchID, canonicalName,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("dedup: reading attributes for merge: %w", err)
	}

	stored := make(map[string]string)
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &stored); err != nil {
			stored = make(map[string]string)
		}
	}

	changed := false
	for k, v := range cleanAttributes(incoming) {
		if existing, ok := stored[k]; ok && !isUnknownValue(existing) {
			continue
		}
		stored[k] = v
		changed = true
	}
	if !changed {
		return nil
	}

	merged, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("dedup: marshaling merged attributes: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE known_entities SET attributes = ? WHERE research_id = ? AND canonical_name = ?`,
		string(merged), researchID, canonicalName,
	); err != nil {
		return fmt.Errorf("dedup: writing merged attributes: %w", err)
	}
	return tx.Commit()
}

// cleanAttributes drops empty and "Unknown" sentinel values so they never
// occupy a slot a later observation could fill.
func cleanAttributes(attributes map[string]string) map[string]string {
	out := make(map[string]string, len(attributes))
	for k, v := range attributes {
		if isUnknownValue(v) {
			continue
		}
		out[k] = v
	}
	return out
}

func isUnknownValue(v string) bool {
	v = strings.TrimSpace(v)
	return v == "" || strings.EqualFold(v, "unknown")
}

var _ research.DedupStore = (*Store)(nil)
