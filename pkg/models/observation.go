// Package models defines the core data types for the memory pipeline.
package models

import "time"

// ObservationType classifies what kind of work an observation records.
type ObservationType string

const (
	ObservationBugfix   ObservationType = "bugfix"
	ObservationFeature  ObservationType = "feature"
	ObservationRefactor ObservationType = "refactor"
	ObservationChange   ObservationType = "change"
	ObservationDiscover ObservationType = "discovery"
	ObservationDecision ObservationType = "decision"
)

// IsValid reports whether t is one of the known observation types.
func (t ObservationType) IsValid() bool {
	switch t {
	case ObservationBugfix, ObservationFeature, ObservationRefactor, ObservationChange, ObservationDiscover, ObservationDecision:
		return true
	}
	return false
}

// Concept is one of the reusable tags an observation's narrative can carry.
type Concept string

const (
	ConceptHowItWorks      Concept = "how-it-works"
	ConceptWhyItExists     Concept = "why-it-exists"
	ConceptWhatChanged     Concept = "what-changed"
	ConceptProblemSolution Concept = "problem-solution"
	ConceptGotcha          Concept = "gotcha"
	ConceptPattern         Concept = "pattern"
	ConceptTradeOff        Concept = "trade-off"
)

// IsValid reports whether c is one of the known concepts.
func (c Concept) IsValid() bool {
	switch c {
	case ConceptHowItWorks, ConceptWhyItExists, ConceptWhatChanged, ConceptProblemSolution, ConceptGotcha, ConceptPattern, ConceptTradeOff:
		return true
	}
	return false
}

// NoiseLevel ranks how important an observation is, critical being the most
// important. Ordinal order (lowest value wins ties in merges) is
// critical < high < medium < low < negligible.
type NoiseLevel string

const (
	NoiseCritical   NoiseLevel = "critical"
	NoiseHigh       NoiseLevel = "high"
	NoiseMedium     NoiseLevel = "medium"
	NoiseLow        NoiseLevel = "low"
	NoiseNegligible NoiseLevel = "negligible"
)

var noiseOrdinal = map[NoiseLevel]int{
	NoiseCritical:   0,
	NoiseHigh:       1,
	NoiseMedium:     2,
	NoiseLow:        3,
	NoiseNegligible: 4,
}

// Ordinal returns the importance rank of n, lower meaning more important.
// Unknown levels sort as least important.
func (n NoiseLevel) Ordinal() int {
	if ord, ok := noiseOrdinal[n]; ok {
		return ord
	}
	return len(noiseOrdinal)
}

// IsValid reports whether n is one of the known noise levels.
func (n NoiseLevel) IsValid() bool {
	_, ok := noiseOrdinal[n]
	return ok
}

// MoreImportant reports whether n is strictly more important than other.
func (n NoiseLevel) MoreImportant(other NoiseLevel) bool {
	return n.Ordinal() < other.Ordinal()
}

// Observation is the primary persisted entity: a compressed, structured
// record of one agent-tool interaction.
type Observation struct {
	ID              string
	SessionID       string
	Project         string
	Type            ObservationType
	Title           string
	Subtitle        string
	Narrative       string
	Facts           []string
	Concepts        []Concept
	FilesRead       []string
	FilesModified   []string
	Keywords        []string
	PromptNumber    int
	DiscoveryTokens int
	NoiseLevel      NoiseLevel
	NoiseReason     string
	Embedding       []float32
	CreatedAt       time.Time
}

// NormalizedTitle returns the title as used for the uniqueness key:
// lower(trim(title)).
func (o *Observation) NormalizedTitle() string {
	return normalizeTitle(o.Title)
}

// HasConcept reports whether the observation carries the given concept.
func (o *Observation) HasConcept(c Concept) bool {
	for _, oc := range o.Concepts {
		if oc == c {
			return true
		}
	}
	return false
}
