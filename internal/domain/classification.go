package domain

import (
	"encoding/json"
	"time"
)

// Sensitivity tiers of the RCT classifier, strictest first.
const (
	TierPrecise   = "precise"
	TierBalanced  = "balanced"
	TierSensitive = "sensitive"
)

// Tiers lists every threshold tier a calibration table must define.
var Tiers = []string{TierPrecise, TierBalanced, TierSensitive}

// Tier flag columns of the citation relation, used to pick annotation candidates.
const (
	ColumnPrecise   = "is_rct_precise"
	ColumnBalanced  = "is_rct_balanced"
	ColumnSensitive = "is_rct_sensitive"
)

// ValidTierColumn reports whether column names a tier flag.
func ValidTierColumn(column string) bool {
	switch column {
	case ColumnPrecise, ColumnBalanced, ColumnSensitive:
		return true
	}
	return false
}

// Scores carries the raw outputs of the individual model variants.
type Scores struct {
	CNN         *float64
	SVM         *float64
	SVMCNN      *float64
	SVMPtyp     *float64
	CNNPtyp     *float64
	SVMCNNPtyp  *float64
	Probability *float64
}

// Classification is the per-citation outcome of the RCT classifier.
type Classification struct {
	Model        string
	Score        float64
	Scores       Scores
	PtypRCT      bool
	IsPrecise    bool
	IsBalanced   bool
	IsSensitive  bool
	IsHuman      bool
	ClassifiedAt time.Time
}

// ClassifiedCitation pairs a citation with its classification and origin.
type ClassifiedCitation struct {
	Citation       Citation
	Classification Classification
	SourceFile     string
	UpdatedAt      time.Time
}

// CommitBatch is everything one persistence transaction applies.
type CommitBatch struct {
	Included []ClassifiedCitation
	Excluded []ClassifiedCitation
	Deletes  []string
}

// AnnotationInput is the minimal citation view sent for PICO annotation.
type AnnotationInput struct {
	PMID     string
	Title    string
	Abstract string
}

// Annotation holds the extracted trial characteristics of one citation.
type Annotation struct {
	PMID               string
	Population         json.RawMessage
	Interventions      json.RawMessage
	Outcomes           json.RawMessage
	PopulationMesh     json.RawMessage
	InterventionsMesh  json.RawMessage
	OutcomesMesh       json.RawMessage
	PopulationBerts    json.RawMessage
	InterventionsBerts json.RawMessage
	OutcomesBerts      json.RawMessage
	NumRandomized      *int
	ProbLowRoB         *float64
	PunchlineText      string
	Effect             string
}
