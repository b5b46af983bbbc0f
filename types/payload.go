package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// EntityKind identifies the schema of a record payload.
type EntityKind string

const (
	// KindCharacter is a character sheet: identity, state, traits,
	// relationships.
	KindCharacter EntityKind = "character"

	// KindWorldConcept is a durable world fact or setting element.
	KindWorldConcept EntityKind = "world_concept"

	// KindForeshadowing is an entry in the foreshadowing ledger: a hint
	// planted in one chapter to be resolved later.
	KindForeshadowing EntityKind = "foreshadowing"

	// KindChapterSummary is the condensed content of a single chapter.
	KindChapterSummary EntityKind = "chapter_summary"

	// KindAnalysisResult is a per-arc aggregate produced by promoting
	// short-term records into the mid-term tier.
	KindAnalysisResult EntityKind = "analysis_result"

	// KindRaw is the forward-compatibility fallback for payloads whose
	// schema this version does not know.
	KindRaw EntityKind = "raw"
)

// AllKinds returns every defined entity kind.
func AllKinds() []EntityKind {
	return []EntityKind{
		KindCharacter, KindWorldConcept, KindForeshadowing,
		KindChapterSummary, KindAnalysisResult, KindRaw,
	}
}

// ErrInvalidKind is returned when an EntityKind value is not recognized.
var ErrInvalidKind = errors.New("types: invalid entity kind")

// String returns the string representation of the kind.
func (k EntityKind) String() string {
	return string(k)
}

// IsValid reports whether the kind is one of the defined constants.
func (k EntityKind) IsValid() bool {
	switch k {
	case KindCharacter, KindWorldConcept, KindForeshadowing,
		KindChapterSummary, KindAnalysisResult, KindRaw:
		return true
	default:
		return false
	}
}

// Validate returns an error if the kind is not valid.
func (k EntityKind) Validate() error {
	if !k.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidKind, k)
	}
	return nil
}

// Payload is the tagged union over entity schemas. Each variant carries
// the fields of one EntityKind; RawPayload is the explicit fallback for
// kinds this version does not know.
type Payload interface {
	// Kind returns the EntityKind this payload implements.
	Kind() EntityKind

	// EntityName returns the identity name used for duplicate grouping
	// across tiers. May be empty for payloads without a natural name.
	EntityName() string

	// SearchText returns the free text a keyword query matches against.
	SearchText() string

	// Clone returns a deep copy so stored payloads stay immutable.
	Clone() Payload
}

// CharacterPayload describes a character. Name and Role are identity
// fields; the long-term record is authoritative for them during
// consolidation. Description, Location and Mood are mutable state;
// Traits and Relationships are list-valued and unioned on merge.
type CharacterPayload struct {
	Name          string   `json:"name"`
	Role          string   `json:"role"`
	Description   string   `json:"description,omitempty"`
	Location      string   `json:"location,omitempty"`
	Mood          string   `json:"mood,omitempty"`
	Traits        []string `json:"traits,omitempty"`
	Relationships []string `json:"relationships,omitempty"`
}

func (p *CharacterPayload) Kind() EntityKind   { return KindCharacter }
func (p *CharacterPayload) EntityName() string { return p.Name }

func (p *CharacterPayload) SearchText() string {
	parts := []string{p.Name, p.Role, p.Description, p.Location, p.Mood}
	parts = append(parts, p.Traits...)
	parts = append(parts, p.Relationships...)
	return strings.Join(parts, " ")
}

func (p *CharacterPayload) Clone() Payload {
	c := *p
	c.Traits = append([]string(nil), p.Traits...)
	c.Relationships = append([]string(nil), p.Relationships...)
	return &c
}

// WorldConceptPayload describes a world fact or setting element.
// Name and Category are identity fields; Facts are unioned on merge.
type WorldConceptPayload struct {
	Name        string   `json:"name"`
	Category    string   `json:"category,omitempty"`
	Description string   `json:"description,omitempty"`
	Facts       []string `json:"facts,omitempty"`
}

func (p *WorldConceptPayload) Kind() EntityKind   { return KindWorldConcept }
func (p *WorldConceptPayload) EntityName() string { return p.Name }

func (p *WorldConceptPayload) SearchText() string {
	parts := []string{p.Name, p.Category, p.Description}
	parts = append(parts, p.Facts...)
	return strings.Join(parts, " ")
}

func (p *WorldConceptPayload) Clone() Payload {
	c := *p
	c.Facts = append([]string(nil), p.Facts...)
	return &c
}

// ForeshadowingPayload is a foreshadowing ledger entry.
type ForeshadowingPayload struct {
	Name              string   `json:"name"`
	Hint              string   `json:"hint,omitempty"`
	PlantedChapter    int      `json:"planted_chapter,omitempty"`
	Resolved          bool     `json:"resolved,omitempty"`
	RelatedCharacters []string `json:"related_characters,omitempty"`
}

func (p *ForeshadowingPayload) Kind() EntityKind   { return KindForeshadowing }
func (p *ForeshadowingPayload) EntityName() string { return p.Name }

func (p *ForeshadowingPayload) SearchText() string {
	parts := []string{p.Name, p.Hint}
	parts = append(parts, p.RelatedCharacters...)
	return strings.Join(parts, " ")
}

func (p *ForeshadowingPayload) Clone() Payload {
	c := *p
	c.RelatedCharacters = append([]string(nil), p.RelatedCharacters...)
	return &c
}

// ChapterSummaryPayload condenses one chapter of the narrative.
type ChapterSummaryPayload struct {
	Chapter  int      `json:"chapter"`
	Title    string   `json:"title,omitempty"`
	Summary  string   `json:"summary,omitempty"`
	Keywords []string `json:"keywords,omitempty"`
}

func (p *ChapterSummaryPayload) Kind() EntityKind { return KindChapterSummary }

// EntityName returns the chapter title; chapter summaries are grouped by
// chapter number rather than fuzzy name matching, so this may be empty.
func (p *ChapterSummaryPayload) EntityName() string { return p.Title }

func (p *ChapterSummaryPayload) SearchText() string {
	parts := []string{p.Title, p.Summary}
	parts = append(parts, p.Keywords...)
	return strings.Join(parts, " ")
}

func (p *ChapterSummaryPayload) Clone() Payload {
	c := *p
	c.Keywords = append([]string(nil), p.Keywords...)
	return &c
}

// AnalysisResultPayload is a per-arc aggregate emitted by promotion.
// SourceRecordIDs records provenance back to the short-term records the
// aggregate was built from.
type AnalysisResultPayload struct {
	Arc             string   `json:"arc"`
	Summary         string   `json:"summary,omitempty"`
	FromChapter     int      `json:"from_chapter,omitempty"`
	ToChapter       int      `json:"to_chapter,omitempty"`
	SourceRecordIDs []string `json:"source_record_ids,omitempty"`
}

func (p *AnalysisResultPayload) Kind() EntityKind   { return KindAnalysisResult }
func (p *AnalysisResultPayload) EntityName() string { return p.Arc }

func (p *AnalysisResultPayload) SearchText() string {
	return strings.Join([]string{p.Arc, p.Summary}, " ")
}

func (p *AnalysisResultPayload) Clone() Payload {
	c := *p
	c.SourceRecordIDs = append([]string(nil), p.SourceRecordIDs...)
	return &c
}

// RawPayload carries fields of an unknown entity kind so newer producers
// can round-trip through an older engine without data loss.
type RawPayload struct {
	Name   string         `json:"name,omitempty"`
	Fields map[string]any `json:"fields,omitempty"`
}

func (p *RawPayload) Kind() EntityKind   { return KindRaw }
func (p *RawPayload) EntityName() string { return p.Name }

func (p *RawPayload) SearchText() string {
	parts := []string{p.Name}
	for _, v := range p.Fields {
		if s, ok := v.(string); ok {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " ")
}

func (p *RawPayload) Clone() Payload {
	c := &RawPayload{Name: p.Name}
	if p.Fields != nil {
		data, err := json.Marshal(p.Fields)
		if err != nil {
			return c
		}
		_ = json.Unmarshal(data, &c.Fields)
	}
	return c
}

// NewPayload returns the zero value of the payload variant for the given
// kind. Unknown kinds map to RawPayload.
func NewPayload(kind EntityKind) Payload {
	switch kind {
	case KindCharacter:
		return &CharacterPayload{}
	case KindWorldConcept:
		return &WorldConceptPayload{}
	case KindForeshadowing:
		return &ForeshadowingPayload{}
	case KindChapterSummary:
		return &ChapterSummaryPayload{}
	case KindAnalysisResult:
		return &AnalysisResultPayload{}
	default:
		return &RawPayload{}
	}
}
