// Package verifier checks a discovered entity against research constraints
// using a 4-tier evidence trust hierarchy, and performs deterministic
// missing-field gap analysis so the orchestrator knows which gaps are
// worth spending another iteration on.
//
// The tier definitions and the P0/P1/P2 field-priority bands are carried
// verbatim into the prompt text.
package verifier

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/antigravity-dev/prospect/internal/research"
)

// Status is the verdict for one entity.
type Status string

const (
	Verified  Status = "VERIFIED"
	Rejected  Status = "REJECTED"
	Uncertain Status = "UNCERTAIN"
)

// Priority bands for missing-field gap analysis.
const (
	PriorityP0 = "P0" // Target, Owner, Stage — blocks verification outright
	PriorityP1 = "P1" // Modality, Indication — improves confidence
	PriorityP2 = "P2" // Geography, trial IDs — supplementary
)

// p0Fields, p1Fields, p2Fields name the attribute keys each priority band
// covers, matching verification.py's "Missing Data Prioritization" section.
var (
	p0Fields = []string{"target", "owner", "stage"}
	p1Fields = []string{"modality", "indication"}
	p2Fields = []string{"geography", "clinical_trial_id"}
)

// Constraints is the research brief a discovered entity is checked
// against.
type Constraints struct {
	Target    string
	Modality  string
	Stage     string
	Geography string
	Hard      []string
	Soft      []string
}

// Result is the verdict for one entity, including the fields still missing
// and which priority band they fall in.
type Result struct {
	CanonicalName    string
	Status           Status
	RejectionReason  string
	MissingFields    []string
	MissingPriority  string // highest-priority band among MissingFields, "" if none
	Confidence       float64
	Explanation      string
	Cost             float64
}

// Verifier checks entities against constraints using an LLM call per
// entity.
type Verifier struct {
	llm research.LLM
}

// New returns a Verifier backed by llm.
func New(llm research.LLM) *Verifier {
	return &Verifier{llm: llm}
}

// VerifyEntity checks entity against constraints and returns a verdict.
// On LLM/parse failure it returns an UNCERTAIN verdict naming the failure,
// since a hard failure should never be silently promoted to VERIFIED or
// REJECTED.
func (v *Verifier) VerifyEntity(ctx context.Context, entity *research.Entity, constraints Constraints) Result {
	prompt := buildPrompt(entity, constraints)
	resp, err := v.llm.Complete(ctx, research.CompletionRequest{Prompt: prompt})
	if err != nil {
		return Result{
			CanonicalName: entity.CanonicalName,
			Status:        Uncertain,
			Explanation:   fmt.Sprintf("verification call failed: %v", err),
		}
	}

	var parsed struct {
		Status          string   `json:"status"`
		RejectionReason string   `json:"rejection_reason"`
		MissingFields   []string `json:"missing_fields"`
		Confidence      float64  `json:"confidence"`
		Explanation     string   `json:"explanation"`
	}
	if err := json.Unmarshal([]byte(extractJSONObject(resp.Text)), &parsed); err != nil {
		return Result{
			CanonicalName: entity.CanonicalName,
			Status:        Uncertain,
			Explanation:   fmt.Sprintf("failed to parse verification response: %v", err),
		}
	}

	result := Result{
		CanonicalName:   entity.CanonicalName,
		Status:          Status(parsed.Status),
		RejectionReason: parsed.RejectionReason,
		MissingFields:   parsed.MissingFields,
		Confidence:      parsed.Confidence,
		Explanation:     parsed.Explanation,
		Cost:            resp.Cost,
	}
	result.MissingPriority = HighestPriority(result.MissingFields)
	return result
}

// NeedsGapFill reports whether a result's missing fields are severe enough
// (P0) to justify spending another iteration chasing them down, per
// verification.py's decision rule: "If UNCERTAIN due to missing P0 field
// (Target/Owner/Stage) -> Mark for gap-filling."
func (r Result) NeedsGapFill() bool {
	return r.Status == Uncertain && r.MissingPriority == PriorityP0
}

// HighestPriority returns the highest-severity priority band represented
// in fields (P0 > P1 > P2), or "" if fields is empty or matches none of
// the known bands.
func HighestPriority(fields []string) string {
	hasP1, hasP2 := false, false
	for _, f := range fields {
		lower := strings.ToLower(strings.TrimSpace(f))
		if contains(p0Fields, lower) {
			return PriorityP0
		}
		if contains(p1Fields, lower) {
			hasP1 = true
		}
		if contains(p2Fields, lower) {
			hasP2 = true
		}
	}
	switch {
	case hasP1:
		return PriorityP1
	case hasP2:
		return PriorityP2
	default:
		return ""
	}
}

// GapFillQueries builds the deterministic follow-up search queries for an
// entity's missing P0 fields: a missing "owner" produces
// `"<name>" developer owner company` and `who developed "<name>"`. This is
// plain string construction, not an LLM call
// — the orchestrator schedules these as another worker iteration's query
// pool when VerifyEntity's Result.NeedsGapFill() is true.
func GapFillQueries(entityName string, missingFields []string) []string {
	var queries []string
	for _, field := range missingFields {
		switch strings.ToLower(strings.TrimSpace(field)) {
		case "owner":
			queries = append(queries,
				fmt.Sprintf(`"%s" developer owner company`, entityName),
				fmt.Sprintf(`who developed "%s"`, entityName),
			)
		case "target":
			queries = append(queries,
				fmt.Sprintf(`"%s" mechanism of action target`, entityName),
				fmt.Sprintf(`"%s" molecular target`, entityName),
			)
		case "stage":
			queries = append(queries,
				fmt.Sprintf(`"%s" clinical trial phase status`, entityName),
				fmt.Sprintf(`"%s" preclinical OR phase 1 OR phase 2 OR phase 3`, entityName),
			)
		default:
			queries = append(queries, fmt.Sprintf(`"%s" %s`, entityName, field))
		}
	}
	return queries
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

func buildPrompt(entity *research.Entity, c Constraints) string {
	var attrs strings.Builder
	keys := make([]string, 0, len(entity.Attributes))
	for k := range entity.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&attrs, "%s: %s\n", k, entity.Attributes[k])
	}
	if attrs.Len() == 0 {
		attrs.WriteString("(none recorded)\n")
	}

	var evidence strings.Builder
	for i, snippet := range entity.Evidence {
		fmt.Fprintf(&evidence, "Source %d (%s):\n%q\n\n", i+1, snippet.SourceURL, snippet.Content)
	}
	if evidence.Len() == 0 {
		evidence.WriteString("No evidence provided.")
	}

	return fmt.Sprintf(`You are a strict auditor. Verify if a discovered entity matches specific research constraints.

### 1. Entity Profile
Name: %s
Aliases: %s
Drug Class: %s
Clinical Phase: %s
Mention Count: %d
Known attributes:
%s
### 2. Research Constraints
Target: %s
Modality: %s
Stage: %s
Geography: %s
Hard constraints: %s
Soft constraints: %s

### 3. Evidence Snippets
%s

### 4. Evidence Quality Tiers

Evidence sources are weighted by reliability. Prioritize higher-tier sources when evidence conflicts.

Tier 1 (Highest Trust): regulatory filings (FDA, EMA, NMPA, PMDA), clinical
trial registries (clinicaltrials.gov, ChiCTR, EUCTR), patent applications
with detailed experimental data.

Tier 2 (High Trust): company press releases and official pipeline pages,
peer-reviewed publications in major journals, conference abstracts from
AACR, ASCO, ASH, ESMO.

Tier 3 (Medium Trust): news articles citing company sources or interviews,
vendor catalogs, academic theses, industry reports.

Tier 4 (Low Trust): blogs and opinion pieces, social media mentions,
secondary citations without primary source verification.

Rules: if Tier 1-2 evidence contradicts Tier 3-4, trust the higher tier. If
same-tier evidence contradicts, prefer the more recent source. Multiple
sources of the same tier outweigh a single source.

### 5. Missing Data Prioritization

Critical (P0), blocks verification: Target, Owner, Stage.
Important (P1), improves confidence: Modality, Indication.
Nice-to-have (P2), supplementary: Geography, specific clinical trial IDs.

If UNCERTAIN due to a missing P0 field, mark it for gap-filling. If
UNCERTAIN due to missing P1-P2 fields only, accept as UNCERTAIN without
gap-filling.

### 6. Verdict Rules
VERIFIED: Tier 1-2 evidence explicitly confirms Target AND Modality AND at
least one of (Stage/Owner).
REJECTED: Tier 1-2 evidence contradicts a hard constraint.
UNCERTAIN: evidence is vague, Tier 3-4 only, or critical P0 metadata is
missing.

Respond with a JSON object with this exact shape:
{"status": "VERIFIED|REJECTED|UNCERTAIN", "rejection_reason": "...", "missing_fields": ["target"], "confidence": 0-100, "explanation": "..."}
`,
		entity.CanonicalName, strings.Join(entity.AliasList(), ", "), entity.DrugClass, entity.ClinicalPhase, entity.MentionCount, attrs.String(),
		c.Target, c.Modality, c.Stage, c.Geography, strings.Join(c.Hard, ", "), strings.Join(c.Soft, ", "),
		evidence.String(),
	)
}

// extractJSONObject recovers a JSON object from a possibly-fenced response,
// mirroring internal/planner's extractJSON helper.
func extractJSONObject(text string) string {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	start := strings.IndexByte(text, '{')
	if start < 0 {
		return text
	}
	depth := 0
	for i := start; i < len(text); i++ {
		switch text[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return text[start:]
}
