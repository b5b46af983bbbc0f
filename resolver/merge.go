package resolver

import (
	"fmt"
	"sort"

	"github.com/storyloom/memtier/types"
)

// mergeRecords folds the candidate records into one canonical payload.
// The merge is deterministic for a fixed candidate set:
//
//   - identity fields come from the long-term record unless absent there
//   - mutable fields take the most-recently-updated value, unless the
//     long-term record is locked, in which case its value wins
//   - list-valued fields are unioned and de-duplicated
//   - a field with irreconcilable values yields a conflict entry instead
//     of being silently dropped
func mergeRecords(records []types.MemoryRecord) (types.Payload, []types.FieldConflict) {
	ordered := orderForMerge(records)
	longRec := findLong(ordered)

	m := &merger{ordered: ordered, longRec: longRec}

	switch ordered[0].Kind {
	case types.KindCharacter:
		return m.mergeCharacter(), m.conflicts
	case types.KindWorldConcept:
		return m.mergeWorldConcept(), m.conflicts
	case types.KindForeshadowing:
		return m.mergeForeshadowing(), m.conflicts
	case types.KindChapterSummary:
		return m.mergeChapterSummary(), m.conflicts
	case types.KindAnalysisResult:
		return m.mergeAnalysisResult(), m.conflicts
	default:
		return m.mergeRaw(), m.conflicts
	}
}

// orderForMerge sorts candidates newest-first, ties broken by tier
// priority then record ID, so the merge result does not depend on map
// iteration order.
func orderForMerge(records []types.MemoryRecord) []types.MemoryRecord {
	ordered := make([]types.MemoryRecord, len(records))
	copy(ordered, records)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].UpdatedAt.Equal(ordered[j].UpdatedAt) {
			return ordered[i].UpdatedAt.After(ordered[j].UpdatedAt)
		}
		pi, pj := ordered[i].Tier.Priority(), ordered[j].Tier.Priority()
		if pi != pj {
			return pi > pj
		}
		return ordered[i].ID < ordered[j].ID
	})
	return ordered
}

func findLong(ordered []types.MemoryRecord) *types.MemoryRecord {
	for i := range ordered {
		if ordered[i].Tier == types.TierLong {
			return &ordered[i]
		}
	}
	return nil
}

// merger accumulates conflicts while individual fields are resolved.
type merger struct {
	ordered   []types.MemoryRecord
	longRec   *types.MemoryRecord
	conflicts []types.FieldConflict
}

// pickString resolves one string field. identity selects the long-term
// authority rule; otherwise the most recent value wins unless the
// long-term record is locked.
func (m *merger) pickString(field string, identity bool, get func(types.Payload) string) string {
	var values []string
	seen := make(map[string]bool)
	for _, rec := range m.ordered {
		v := get(rec.Payload)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		values = append(values, v)
	}
	if len(values) == 0 {
		return ""
	}

	var longVal string
	if m.longRec != nil {
		longVal = get(m.longRec.Payload)
	}

	winner := values[0] // newest non-empty value
	resolution := "took most recent value"
	switch {
	case identity && longVal != "":
		winner = longVal
		resolution = "kept authoritative long-term value"
		if m.longRec.Locked {
			resolution = "kept locked long-term value"
		}
	case !identity && m.longRec != nil && m.longRec.Locked && longVal != "":
		winner = longVal
		resolution = "kept locked long-term value"
	}

	if len(values) > 1 {
		m.conflicts = append(m.conflicts, types.FieldConflict{
			Field:      field,
			Values:     values,
			Resolution: resolution,
		})
	}
	return winner
}

// pickInt resolves an int field with the same authority rules as
// pickString; zero counts as absent.
func (m *merger) pickInt(field string, identity bool, get func(types.Payload) int) int {
	var values []int
	seen := make(map[int]bool)
	for _, rec := range m.ordered {
		v := get(rec.Payload)
		if v == 0 || seen[v] {
			continue
		}
		seen[v] = true
		values = append(values, v)
	}
	if len(values) == 0 {
		return 0
	}

	var longVal int
	if m.longRec != nil {
		longVal = get(m.longRec.Payload)
	}

	winner := values[0]
	resolution := "took most recent value"
	switch {
	case identity && longVal != 0:
		winner = longVal
		resolution = "kept authoritative long-term value"
	case !identity && m.longRec != nil && m.longRec.Locked && longVal != 0:
		winner = longVal
		resolution = "kept locked long-term value"
	}

	if len(values) > 1 {
		strs := make([]string, len(values))
		for i, v := range values {
			strs[i] = fmt.Sprintf("%d", v)
		}
		m.conflicts = append(m.conflicts, types.FieldConflict{
			Field:      field,
			Values:     strs,
			Resolution: resolution,
		})
	}
	return winner
}

// unionStrings unions list-valued fields across records, de-duplicated
// and sorted for determinism.
func (m *merger) unionStrings(get func(types.Payload) []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, rec := range m.ordered {
		for _, v := range get(rec.Payload) {
			if v == "" || seen[v] {
				continue
			}
			seen[v] = true
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}

func (m *merger) mergeCharacter() types.Payload {
	get := func(f func(*types.CharacterPayload) string) func(types.Payload) string {
		return func(p types.Payload) string {
			if c, ok := p.(*types.CharacterPayload); ok {
				return f(c)
			}
			return ""
		}
	}
	getList := func(f func(*types.CharacterPayload) []string) func(types.Payload) []string {
		return func(p types.Payload) []string {
			if c, ok := p.(*types.CharacterPayload); ok {
				return f(c)
			}
			return nil
		}
	}
	return &types.CharacterPayload{
		Name:          m.pickString("name", true, get(func(c *types.CharacterPayload) string { return c.Name })),
		Role:          m.pickString("role", true, get(func(c *types.CharacterPayload) string { return c.Role })),
		Description:   m.pickString("description", false, get(func(c *types.CharacterPayload) string { return c.Description })),
		Location:      m.pickString("location", false, get(func(c *types.CharacterPayload) string { return c.Location })),
		Mood:          m.pickString("mood", false, get(func(c *types.CharacterPayload) string { return c.Mood })),
		Traits:        m.unionStrings(getList(func(c *types.CharacterPayload) []string { return c.Traits })),
		Relationships: m.unionStrings(getList(func(c *types.CharacterPayload) []string { return c.Relationships })),
	}
}

func (m *merger) mergeWorldConcept() types.Payload {
	get := func(f func(*types.WorldConceptPayload) string) func(types.Payload) string {
		return func(p types.Payload) string {
			if c, ok := p.(*types.WorldConceptPayload); ok {
				return f(c)
			}
			return ""
		}
	}
	return &types.WorldConceptPayload{
		Name:        m.pickString("name", true, get(func(c *types.WorldConceptPayload) string { return c.Name })),
		Category:    m.pickString("category", true, get(func(c *types.WorldConceptPayload) string { return c.Category })),
		Description: m.pickString("description", false, get(func(c *types.WorldConceptPayload) string { return c.Description })),
		Facts: m.unionStrings(func(p types.Payload) []string {
			if c, ok := p.(*types.WorldConceptPayload); ok {
				return c.Facts
			}
			return nil
		}),
	}
}

func (m *merger) mergeForeshadowing() types.Payload {
	get := func(f func(*types.ForeshadowingPayload) string) func(types.Payload) string {
		return func(p types.Payload) string {
			if c, ok := p.(*types.ForeshadowingPayload); ok {
				return f(c)
			}
			return ""
		}
	}
	resolved := false
	for _, rec := range m.ordered {
		if c, ok := rec.Payload.(*types.ForeshadowingPayload); ok && c.Resolved {
			resolved = true
		}
	}
	return &types.ForeshadowingPayload{
		Name: m.pickString("name", true, get(func(c *types.ForeshadowingPayload) string { return c.Name })),
		Hint: m.pickString("hint", false, get(func(c *types.ForeshadowingPayload) string { return c.Hint })),
		PlantedChapter: m.pickInt("planted_chapter", true, func(p types.Payload) int {
			if c, ok := p.(*types.ForeshadowingPayload); ok {
				return c.PlantedChapter
			}
			return 0
		}),
		Resolved: resolved,
		RelatedCharacters: m.unionStrings(func(p types.Payload) []string {
			if c, ok := p.(*types.ForeshadowingPayload); ok {
				return c.RelatedCharacters
			}
			return nil
		}),
	}
}

func (m *merger) mergeChapterSummary() types.Payload {
	get := func(f func(*types.ChapterSummaryPayload) string) func(types.Payload) string {
		return func(p types.Payload) string {
			if c, ok := p.(*types.ChapterSummaryPayload); ok {
				return f(c)
			}
			return ""
		}
	}
	return &types.ChapterSummaryPayload{
		Chapter: m.pickInt("chapter", true, func(p types.Payload) int {
			if c, ok := p.(*types.ChapterSummaryPayload); ok {
				return c.Chapter
			}
			return 0
		}),
		Title:   m.pickString("title", true, get(func(c *types.ChapterSummaryPayload) string { return c.Title })),
		Summary: m.pickString("summary", false, get(func(c *types.ChapterSummaryPayload) string { return c.Summary })),
		Keywords: m.unionStrings(func(p types.Payload) []string {
			if c, ok := p.(*types.ChapterSummaryPayload); ok {
				return c.Keywords
			}
			return nil
		}),
	}
}

func (m *merger) mergeAnalysisResult() types.Payload {
	get := func(f func(*types.AnalysisResultPayload) string) func(types.Payload) string {
		return func(p types.Payload) string {
			if c, ok := p.(*types.AnalysisResultPayload); ok {
				return f(c)
			}
			return ""
		}
	}
	return &types.AnalysisResultPayload{
		Arc:     m.pickString("arc", true, get(func(c *types.AnalysisResultPayload) string { return c.Arc })),
		Summary: m.pickString("summary", false, get(func(c *types.AnalysisResultPayload) string { return c.Summary })),
		FromChapter: m.pickInt("from_chapter", true, func(p types.Payload) int {
			if c, ok := p.(*types.AnalysisResultPayload); ok {
				return c.FromChapter
			}
			return 0
		}),
		ToChapter: m.pickInt("to_chapter", true, func(p types.Payload) int {
			if c, ok := p.(*types.AnalysisResultPayload); ok {
				return c.ToChapter
			}
			return 0
		}),
		SourceRecordIDs: m.unionStrings(func(p types.Payload) []string {
			if c, ok := p.(*types.AnalysisResultPayload); ok {
				return c.SourceRecordIDs
			}
			return nil
		}),
	}
}

func (m *merger) mergeRaw() types.Payload {
	out := &types.RawPayload{
		Name:   m.pickString("name", true, func(p types.Payload) string { return p.EntityName() }),
		Fields: make(map[string]any),
	}
	// Oldest first so newer values overwrite older ones.
	for i := len(m.ordered) - 1; i >= 0; i-- {
		if raw, ok := m.ordered[i].Payload.(*types.RawPayload); ok {
			for k, v := range raw.Fields {
				out.Fields[k] = v
			}
		}
	}
	if len(out.Fields) == 0 {
		out.Fields = nil
	}
	return out
}
