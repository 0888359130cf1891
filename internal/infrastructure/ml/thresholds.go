package ml

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"TrialStreamer/internal/domain"
)

// Decision is the outcome of comparing one score with every tier cutoff.
type Decision struct {
	Precise   bool
	Balanced  bool
	Sensitive bool
}

// Thresholds maps model variants to their per-tier calibrated cutoffs. It is
// immutable after construction and safe for concurrent use.
type Thresholds struct {
	byModel map[string]map[string]float64
}

type calibrationFile struct {
	Thresholds map[string]map[string]float64 `json:"thresholds"`
}

// LoadThresholds reads a calibration file shaped as
// {"thresholds": {<variant>: {<tier>: <cutoff>}}}.
func LoadThresholds(path string) (*Thresholds, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read thresholds: %w", err)
	}
	return ParseThresholds(raw)
}

// ParseThresholds decodes calibration JSON.
func ParseThresholds(raw []byte) (*Thresholds, error) {
	var file calibrationFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("decode thresholds: %w", err)
	}
	return NewThresholds(file.Thresholds)
}

// NewThresholds copies the table and checks every variant defines all tiers.
func NewThresholds(table map[string]map[string]float64) (*Thresholds, error) {
	if len(table) == 0 {
		return nil, fmt.Errorf("thresholds: no model variants defined")
	}
	out := make(map[string]map[string]float64, len(table))
	for model, tiers := range table {
		cp := make(map[string]float64, len(tiers))
		for _, tier := range domain.Tiers {
			v, ok := tiers[tier]
			if !ok {
				return nil, fmt.Errorf("thresholds: variant %s lacks tier %s", model, tier)
			}
			cp[tier] = v
		}
		out[model] = cp
	}
	return &Thresholds{byModel: out}, nil
}

// Models lists the calibrated variants.
func (t *Thresholds) Models() []string {
	out := make([]string, 0, len(t.byModel))
	for m := range t.byModel {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Cutoff returns the threshold of one variant and tier.
func (t *Thresholds) Cutoff(model, tier string) (float64, bool) {
	tiers, ok := t.byModel[model]
	if !ok {
		return 0, false
	}
	v, ok := tiers[tier]
	return v, ok
}

// Decide applies the cutoffs of the variant that produced the score. Scores
// from an uncalibrated variant are rejected rather than borrowed from another.
func (t *Thresholds) Decide(model string, score float64) (Decision, error) {
	tiers, ok := t.byModel[model]
	if !ok {
		return Decision{}, fmt.Errorf("%w: no thresholds for model variant %q", domain.ErrProtocol, model)
	}
	return Decision{
		Precise:   score >= tiers[domain.TierPrecise],
		Balanced:  score >= tiers[domain.TierBalanced],
		Sensitive: score >= tiers[domain.TierSensitive],
	}, nil
}
